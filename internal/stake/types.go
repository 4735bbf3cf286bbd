package stake

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Month is the contract month in milliseconds (30 days).
const Month int64 = 30 * 86400 * 1000

// Unset is the sentinel stored in block_processed until a row settles.
const Unset int64 = 999999999

var (
	ErrInvalidConfig = errors.New("stake: invalid config")
	ErrInvalidStake  = errors.New("stake: invalid stake")
)

type Kind string

const (
	KindPrincipal Kind = "principal"
	KindPenalty   Kind = "penalty"
	KindInterest  Kind = "interest"

	// KindExit is the net early-exit disbursement. StopClient writes it
	// straight into processing; it is never scheduled.
	KindExit Kind = "exit"
)

// ContractKind returns the marker kind for a contract of the given length.
func ContractKind(months int) Kind {
	return Kind("contract_" + strconv.Itoa(months))
}

// IsContract reports whether k is a contract marker kind.
func (k Kind) IsContract() bool {
	return strings.HasPrefix(string(k), "contract_")
}

// Payable reports whether rows of this kind are sent to the client and
// settled from processing to paid.
func (k Kind) Payable() bool {
	return k == KindPrincipal || k == KindInterest || k == KindExit
}

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusPaid       Status = "paid"
	StatusPremature  Status = "premature"
	StatusAborted    Status = "aborted"
)

// Final reports whether a row in this status can no longer change.
func (s Status) Final() bool {
	switch s {
	case StatusPaid, StatusPremature, StatusAborted:
		return true
	default:
		return false
	}
}

// Row is one scheduled cash flow of a stake.
//
// Times are unix milliseconds. Start is the nonce of the originating deposit
// and doubles as the logical contract id.
type Row struct {
	Client            string
	Token             string
	Amount            int64
	Kind              Kind
	Start             int64
	Due               int64
	Processed         int64
	Status            Status
	BlockStart        int64
	BlockProcessed    int64
	InstallmentNumber int
}

// Key is the idempotency tuple of a row.
type Key struct {
	Client            string
	Kind              Kind
	InstallmentNumber int
	BlockStart        int64
	Start             int64
}

func (r Row) Key() Key {
	return Key{
		Client:            r.Client,
		Kind:              r.Kind,
		InstallmentNumber: r.InstallmentNumber,
		BlockStart:        r.BlockStart,
		Start:             r.Start,
	}
}

// Payment is a claimed disbursement handed to a payout worker.
type Payment struct {
	Client string
	Amount int64
	Kind   Kind
	Start  int64
	Number int
	Due    int64
}

// ID is a stable human-readable identifier for logs and receipts.
func (p Payment) ID() string {
	return fmt.Sprintf("%s/%d/%s/%d", p.Client, p.Start, p.Kind, p.Number)
}

// Receipt is an append-only audit entry.
type Receipt struct {
	Nonce int64
	Now   int64
	Msg   string
}

// StopResult reports what an early exit changed.
type StopResult struct {
	// Net is principal plus the (negative) penalty over the rows that were pending.
	Net int64
	// Rows is the number of rows moved out of pending.
	Rows int
	// Exit is the processing row holding Net, present when Net > 0.
	Exit *Payment
}
