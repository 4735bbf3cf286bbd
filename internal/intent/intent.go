// Package intent decodes the plaintext of a deposit memo into what the
// sender asked for. Decoding never fails: anything unrecognized is Invalid.
package intent

import (
	"encoding/json"
	"strconv"
	"strings"
)

type Type string

const (
	Invalid      Type = "invalid"
	ThreeMonths  Type = "three_months"
	SixMonths    Type = "six_months"
	TwelveMonths Type = "twelve_months"
	Stop         Type = "stop"

	// Treasury instructions, honoured only from operators.
	ExchangeToCustody Type = "exchange_to_custody"
	CustodyToExchange Type = "custody_to_exchange"
	LoanToCustody     Type = "loan_to_custody"
)

// legacyTypes maps the treasury names operators used before the rename.
var legacyTypes = map[string]Type{
	"bittrex_to_bmg": ExchangeToCustody,
	"bmg_to_bittrex": CustodyToExchange,
	"loan_to_bmg":    LoanToCustody,
}

var termMonths = map[Type]int{
	ThreeMonths:  3,
	SixMonths:    6,
	TwelveMonths: 12,
}

// Months returns the contract length of a term intent.
func (t Type) Months() (int, bool) {
	m, ok := termMonths[t]
	return m, ok
}

func (t Type) IsTerm() bool {
	_, ok := termMonths[t]
	return ok
}

func (t Type) IsTreasury() bool {
	switch t {
	case ExchangeToCustody, CustodyToExchange, LoanToCustody:
		return true
	default:
		return false
	}
}

// Intent is a decoded memo. Amount and Account are only meaningful for
// treasury instructions: the notional to move and the exchange sub-account.
type Intent struct {
	Type    Type
	Amount  int64
	Account string
}

type wire struct {
	Type    string          `json:"type"`
	Amount  json.RawMessage `json:"amount"`
	Account json.RawMessage `json:"account"`
	// API is the older name of Account.
	API json.RawMessage `json:"api"`
}

// Decode parses memo plaintext. Unknown types, non-JSON and JSON without a
// type all decode to Invalid.
func Decode(plain string) Intent {
	var w wire
	if err := json.Unmarshal([]byte(strings.TrimSpace(plain)), &w); err != nil {
		return Intent{Type: Invalid}
	}
	t := Type(w.Type)
	if legacy, ok := legacyTypes[w.Type]; ok {
		t = legacy
	}
	account := w.Account
	if len(account) == 0 {
		account = w.API
	}
	switch {
	case t.IsTerm(), t == Stop:
		return Intent{Type: t}
	case t.IsTreasury():
		return Intent{
			Type:    t,
			Amount:  looseInt(w.Amount),
			Account: looseString(account),
		}
	default:
		return Intent{Type: Invalid}
	}
}

// Encode is the inverse of Decode, used for operator tooling and tests.
func (i Intent) Encode() string {
	m := map[string]any{"type": string(i.Type)}
	if i.Type.IsTreasury() {
		m["amount"] = i.Amount
		if i.Account != "" {
			m["account"] = i.Account
		}
	}
	b, _ := json.Marshal(m)
	return string(b)
}

// looseInt accepts 5000, "5000" and 5000.0; anything else is 0.
func looseInt(raw json.RawMessage) int64 {
	if len(raw) == 0 {
		return 0
	}
	s := strings.Trim(string(raw), `"`)
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && f == float64(int64(f)) {
		return int64(f)
	}
	return 0
}

func looseString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	// Numeric ids are accepted as-is.
	return strings.TrimSpace(string(raw))
}
