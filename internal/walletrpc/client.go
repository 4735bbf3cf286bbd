// Package walletrpc talks JSON-RPC to a ledger wallet daemon and implements
// rails.LedgerClient on top of it.
package walletrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/stakebts/stake-machine/internal/rails"
)

var (
	ErrInvalidConfig    = errors.New("walletrpc: invalid config")
	ErrRPC              = errors.New("walletrpc: rpc error")
	ErrResponseTooLarge = errors.New("walletrpc: response too large")
	ErrBlockNotFound    = errors.New("walletrpc: block not found")
)

// transfer is operation type 0 on the ledger.
const opTransfer = 0

type RPCError struct {
	Code    int
	Message string
}

func (e *RPCError) Error() string {
	if e == nil {
		return "walletrpc: nil rpc error"
	}
	return fmt.Sprintf("walletrpc: rpc error code %d: %s", e.Code, e.Message)
}

func (e *RPCError) Unwrap() error { return ErrRPC }

type Config struct {
	URL string
	// Basic auth, optional.
	User string
	Pass string

	// Account is the custodial account name. Transfers are sent from it.
	Account string
	// AssetID and Symbol identify the native asset, e.g. "1.3.0" and "BTS".
	AssetID string
	Symbol  string
	// Precision is the number of decimal places of the native asset.
	Precision int
}

type Option func(*Client) error

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		if hc == nil {
			return fmt.Errorf("%w: nil http client", ErrInvalidConfig)
		}
		c.hc = hc
		return nil
	}
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) error {
		if d <= 0 {
			return fmt.Errorf("%w: timeout must be > 0", ErrInvalidConfig)
		}
		if c.hc == nil {
			c.hc = &http.Client{}
		}
		c.hc.Timeout = d
		return nil
	}
}

func WithMaxResponseBytes(n int64) Option {
	return func(c *Client) error {
		if n <= 0 {
			return fmt.Errorf("%w: max response bytes must be > 0", ErrInvalidConfig)
		}
		c.maxRespBytes = n
		return nil
	}
}

type Client struct {
	cfg          Config
	scale        int64
	hc           *http.Client
	maxRespBytes int64
	nextID       atomic.Uint64

	// account id -> name
	names *xsync.Map[string, string]
}

func New(cfg Config, opts ...Option) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("%w: missing url", ErrInvalidConfig)
	}
	if cfg.Account == "" {
		return nil, fmt.Errorf("%w: missing custodial account", ErrInvalidConfig)
	}
	if cfg.AssetID == "" || cfg.Symbol == "" {
		return nil, fmt.Errorf("%w: missing asset", ErrInvalidConfig)
	}
	if cfg.Precision < 0 || cfg.Precision > 12 {
		return nil, fmt.Errorf("%w: precision out of range", ErrInvalidConfig)
	}
	scale := int64(1)
	for i := 0; i < cfg.Precision; i++ {
		scale *= 10
	}
	c := &Client{
		cfg:          cfg,
		scale:        scale,
		hc:           &http.Client{Timeout: 10 * time.Second},
		maxRespBytes: 5 << 20, // 5 MiB
		names:        xsync.NewMap[string, string](),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

// HeadBlock returns the last irreversible block number.
func (c *Client) HeadBlock(ctx context.Context) (int64, error) {
	var res struct {
		LastIrreversible int64 `json:"last_irreversible_block_num"`
	}
	if err := c.call(ctx, "get_dynamic_global_properties", []any{}, &res); err != nil {
		return 0, err
	}
	return res.LastIrreversible, nil
}

type assetAmount struct {
	Amount  flexInt `json:"amount"`
	AssetID string  `json:"asset_id"`
}

type transferOp struct {
	From   string          `json:"from"`
	To     string          `json:"to"`
	Amount assetAmount     `json:"amount"`
	Memo   json.RawMessage `json:"memo"`
}

// FetchBlock returns the native-asset transfers in block n with account ids
// resolved to names.
func (c *Client) FetchBlock(ctx context.Context, n int64) (rails.Block, error) {
	var raw *struct {
		Transactions []struct {
			Operations [][2]json.RawMessage `json:"operations"`
		} `json:"transactions"`
	}
	if err := c.call(ctx, "get_block", []any{n}, &raw); err != nil {
		return rails.Block{}, err
	}
	if raw == nil {
		return rails.Block{}, fmt.Errorf("%w: %d", ErrBlockNotFound, n)
	}

	out := rails.Block{Num: n}
	for _, tx := range raw.Transactions {
		for _, op := range tx.Operations {
			var typ int
			if err := json.Unmarshal(op[0], &typ); err != nil || typ != opTransfer {
				continue
			}
			var t transferOp
			if err := json.Unmarshal(op[1], &t); err != nil {
				return rails.Block{}, fmt.Errorf("walletrpc: decode transfer in block %d: %w", n, err)
			}
			if t.Amount.AssetID != c.cfg.AssetID {
				continue
			}
			from, err := c.AccountName(ctx, t.From)
			if err != nil {
				return rails.Block{}, err
			}
			to, err := c.AccountName(ctx, t.To)
			if err != nil {
				return rails.Block{}, err
			}
			var memo json.RawMessage
			if len(t.Memo) > 0 && string(t.Memo) != "null" {
				memo = t.Memo
			}
			out.Transfers = append(out.Transfers, rails.Transfer{
				From:   from,
				To:     to,
				Amount: int64(t.Amount.Amount) / c.scale,
				Memo:   memo,
			})
		}
	}
	return out, nil
}

// AccountName resolves an account id such as "1.2.345" to its name. Results
// are cached for the life of the client; names are immutable on the ledger.
func (c *Client) AccountName(ctx context.Context, id string) (string, error) {
	if !strings.HasPrefix(id, "1.2.") {
		return id, nil
	}
	if name, ok := c.names.Load(id); ok {
		return name, nil
	}
	var acct struct {
		Name string `json:"name"`
	}
	if err := c.call(ctx, "get_account", []any{id}, &acct); err != nil {
		return "", err
	}
	if acct.Name == "" {
		return "", fmt.Errorf("walletrpc: account %s has no name", id)
	}
	c.names.Store(id, acct.Name)
	return acct.Name, nil
}

func (c *Client) DecryptMemo(ctx context.Context, memo json.RawMessage) (string, error) {
	if len(memo) == 0 {
		return "", rails.ErrMemoUnreadable
	}
	var plain string
	if err := c.call(ctx, "read_memo", []any{memo}, &plain); err != nil {
		return "", fmt.Errorf("%w: %v", rails.ErrMemoUnreadable, err)
	}
	return plain, nil
}

// Transfer sends amount whole units from the custodial account and returns
// the transaction id.
func (c *Client) Transfer(ctx context.Context, to string, amount int64, memo string) (string, error) {
	if to == "" || amount <= 0 {
		return "", fmt.Errorf("%w: bad transfer to=%q amount=%d", rails.ErrTransferFailed, to, amount)
	}
	var res []json.RawMessage
	params := []any{c.cfg.Account, to, strconv.FormatInt(amount, 10), c.cfg.Symbol, memo, true}
	if err := c.call(ctx, "transfer2", params, &res); err != nil {
		return "", fmt.Errorf("%w: %w", rails.ErrTransferFailed, err)
	}
	if len(res) == 0 {
		return "", fmt.Errorf("%w: empty result", rails.ErrTransferFailed)
	}
	var txid string
	if err := json.Unmarshal(res[0], &txid); err != nil {
		return "", fmt.Errorf("%w: decode txid: %v", rails.ErrTransferFailed, err)
	}
	return txid, nil
}

// AccountBalance returns the native-asset balance of account in whole units.
func (c *Client) AccountBalance(ctx context.Context, account string) (int64, error) {
	var bals []assetAmount
	if err := c.call(ctx, "list_account_balances", []any{account}, &bals); err != nil {
		return 0, err
	}
	for _, b := range bals {
		if b.AssetID == c.cfg.AssetID {
			return int64(b.Amount) / c.scale, nil
		}
	}
	return 0, nil
}

func (c *Client) call(ctx context.Context, method string, params []any, out any) error {
	reqBody, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return fmt.Errorf("walletrpc: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(reqBody))
	if err != nil {
		return fmt.Errorf("walletrpc: build request: %w", err)
	}
	if c.cfg.User != "" {
		req.SetBasicAuth(c.cfg.User, c.cfg.Pass)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("walletrpc: %s: http do: %w", method, err)
	}
	defer resp.Body.Close()

	body, err := readAllLimited(resp.Body, c.maxRespBytes)
	if err != nil {
		return err
	}

	if resp.StatusCode != http.StatusOK {
		// Request bodies carry memos; never echo them.
		msg := strings.TrimSpace(string(body))
		if msg == "" {
			msg = resp.Status
		}
		return fmt.Errorf("walletrpc: %s: http status %d: %s", method, resp.StatusCode, msg)
	}

	var rr rpcResponse
	if err := json.Unmarshal(body, &rr); err != nil {
		return fmt.Errorf("walletrpc: %s: unmarshal response: %w", method, err)
	}
	if rr.Error != nil {
		return &RPCError{Code: rr.Error.Code, Message: rr.Error.Message}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(rr.Result, out); err != nil {
		return fmt.Errorf("walletrpc: %s: unmarshal result: %w", method, err)
	}
	return nil
}

func readAllLimited(r io.Reader, maxBytes int64) ([]byte, error) {
	b, err := io.ReadAll(io.LimitReader(r, maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("walletrpc: read response: %w", err)
	}
	if int64(len(b)) > maxBytes {
		return nil, ErrResponseTooLarge
	}
	return b, nil
}

// flexInt accepts both JSON numbers and numeric strings; the wallet emits
// 64-bit amounts as strings once they exceed 2^53.
type flexInt int64

func (f *flexInt) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("walletrpc: bad amount %q: %w", s, err)
	}
	*f = flexInt(n)
	return nil
}

var _ rails.LedgerClient = (*Client)(nil)
