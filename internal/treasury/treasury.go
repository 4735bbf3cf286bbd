// Package treasury executes operator instructions that move funds between the
// custodial wallet and exchange sub-accounts.
package treasury

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"

	"github.com/stakebts/stake-machine/internal/audit"
	"github.com/stakebts/stake-machine/internal/intent"
	"github.com/stakebts/stake-machine/internal/rails"
)

var (
	ErrInvalidConfig = errors.New("treasury: invalid config")

	ErrNotOperator     = errors.New("treasury: sender is not an operator")
	ErrBelowMinimum    = errors.New("treasury: amount below minimum transfer")
	ErrUnknownAccount  = errors.New("treasury: unknown sub account")
	ErrNoDepositAddr   = errors.New("treasury: sub account has no deposit address")
	ErrNotTreasuryType = errors.New("treasury: not a treasury instruction")
)

type Result int

const (
	ResultRejected Result = iota
	ResultSkipped
	ResultExecuted
	ResultRecorded
	ResultFailed
)

func (r Result) String() string {
	switch r {
	case ResultSkipped:
		return "skipped"
	case ResultExecuted:
		return "executed"
	case ResultRecorded:
		return "recorded"
	case ResultFailed:
		return "failed"
	default:
		return "rejected"
	}
}

type Config struct {
	Custody   string
	Symbol    string
	Operators []string

	// MinTransfer is the smallest notional a transfer accepts; amounts at or
	// below it are rejected. Loans only need to be positive.
	MinTransfer int64
	// MaxLagBlocks is how far behind the chain head an instruction may be
	// and still execute.
	MaxLagBlocks int64
}

// Request is an operator deposit as seen by the listener.
type Request struct {
	Nonce  int64
	Block  int64
	Head   int64
	Sender string
	Intent intent.Intent
}

type Handler struct {
	cfg    Config
	ledger rails.LedgerClient
	subs   map[string]rails.ExchangeClient
	audit  *audit.Recorder
	log    *slog.Logger
}

func New(cfg Config, ledger rails.LedgerClient, subs []rails.SubAccount, rec *audit.Recorder, log *slog.Logger) (*Handler, error) {
	if ledger == nil || rec == nil {
		return nil, fmt.Errorf("%w: nil ledger or recorder", ErrInvalidConfig)
	}
	if cfg.Custody == "" || cfg.Symbol == "" {
		return nil, fmt.Errorf("%w: missing custody account or symbol", ErrInvalidConfig)
	}
	if cfg.MinTransfer < 0 || cfg.MaxLagBlocks < 0 {
		return nil, fmt.Errorf("%w: negative threshold", ErrInvalidConfig)
	}
	m := make(map[string]rails.ExchangeClient, len(subs))
	for _, s := range subs {
		if s.ID == "" || s.Client == nil {
			return nil, fmt.Errorf("%w: bad sub account %q", ErrInvalidConfig, s.ID)
		}
		m[s.ID] = s.Client
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Handler{cfg: cfg, ledger: ledger, subs: m, audit: rec, log: log}, nil
}

// IsOperator reports whether account may issue treasury instructions.
func (h *Handler) IsOperator(account string) bool {
	return slices.Contains(h.cfg.Operators, account)
}

// Handle validates and executes one instruction. Every outcome, including
// failures, is written as a receipt; nothing is returned to the caller but the
// outcome.
func (h *Handler) Handle(ctx context.Context, req Request) Result {
	if lag := req.Head - req.Block; req.Head > 0 && lag > h.cfg.MaxLagBlocks {
		h.audit.Recordf(ctx, req.Nonce, "admin %s from %s in block %d skipped during replay (%d blocks behind head %d)", req.Intent.Type, req.Sender, req.Block, lag, req.Head)
		h.log.Warn("admin instruction skipped during replay", "sender", req.Sender, "block", req.Block, "head", req.Head)
		return ResultSkipped
	}

	res, err := h.execute(ctx, req)
	if err != nil {
		h.audit.Recordf(ctx, req.Nonce, "admin request failed: type=%s sender=%s amount=%d account=%q block=%d: %v", req.Intent.Type, req.Sender, req.Intent.Amount, req.Intent.Account, req.Block, err)
		h.log.Error("admin request failed", "sender", req.Sender, "type", req.Intent.Type, "err", err)
	}
	return res
}

func (h *Handler) execute(ctx context.Context, req Request) (Result, error) {
	in := req.Intent
	if !h.IsOperator(req.Sender) {
		return ResultRejected, ErrNotOperator
	}
	if !in.Type.IsTreasury() {
		return ResultRejected, fmt.Errorf("%w: %s", ErrNotTreasuryType, in.Type)
	}

	// Loans are bookkeeping only; the minimum applies to real transfers.
	floor := h.cfg.MinTransfer
	if in.Type == intent.LoanToCustody {
		floor = 0
	}
	if in.Amount <= floor {
		return ResultRejected, fmt.Errorf("%w: %d <= %d", ErrBelowMinimum, in.Amount, floor)
	}

	switch in.Type {
	case intent.LoanToCustody:
		h.audit.Recordf(ctx, req.Nonce, "%s has loaned the custodial account %d %s", req.Sender, in.Amount, h.cfg.Symbol)
		return ResultRecorded, nil

	case intent.ExchangeToCustody:
		sub, err := h.sub(in.Account)
		if err != nil {
			return ResultRejected, err
		}
		wid, err := sub.Withdraw(ctx, h.cfg.Symbol, in.Amount, h.cfg.Custody, "")
		if err != nil {
			return ResultFailed, err
		}
		h.audit.Recordf(ctx, req.Nonce, "admin %s moved %d %s from sub-account %s to %s (withdrawal %s)", req.Sender, in.Amount, h.cfg.Symbol, in.Account, h.cfg.Custody, wid)
		return ResultExecuted, nil

	case intent.CustodyToExchange:
		sub, err := h.sub(in.Account)
		if err != nil {
			return ResultRejected, err
		}
		addr, ok, err := rails.DepositAddressFor(ctx, sub, h.cfg.Symbol)
		if err != nil {
			return ResultFailed, err
		}
		if !ok {
			return ResultFailed, fmt.Errorf("%w: %s", ErrNoDepositAddr, in.Account)
		}
		// The exchange credits the sub-account by the memo tag.
		txid, err := h.ledger.Transfer(ctx, addr.Address, in.Amount, addr.Tag)
		if err != nil {
			return ResultFailed, err
		}
		h.audit.Recordf(ctx, req.Nonce, "admin %s moved %d %s from %s to sub-account %s at %s (tx %s)", req.Sender, in.Amount, h.cfg.Symbol, h.cfg.Custody, in.Account, addr.Address, txid)
		return ResultExecuted, nil
	}
	return ResultRejected, fmt.Errorf("%w: %s", ErrNotTreasuryType, in.Type)
}

func (h *Handler) sub(id string) (rails.ExchangeClient, error) {
	c, ok := h.subs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAccount, id)
	}
	return c, nil
}
