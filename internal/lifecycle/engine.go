// Package lifecycle starts and stops stakes and settles their payments.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/stakebts/stake-machine/internal/audit"
	"github.com/stakebts/stake-machine/internal/rails"
	"github.com/stakebts/stake-machine/internal/stake"
)

var ErrInvalidConfig = errors.New("lifecycle: invalid config")

// Dispatcher hands a payment to the disbursement engine without waiting for it.
type Dispatcher interface {
	Dispatch(p stake.Payment) bool
}

type Config struct {
	Terms  stake.Terms
	Symbol string
	// Confirm sends a 1-unit confirmation transfer on every new stake.
	Confirm bool

	Now func() time.Time
}

type Engine struct {
	cfg      Config
	store    stake.Store
	ledger   rails.LedgerClient
	audit    *audit.Recorder
	dispatch Dispatcher
	log      *slog.Logger
}

// New returns an Engine. ledger may be nil when no signing credentials are
// available; confirmations are then skipped.
func New(cfg Config, store stake.Store, ledger rails.LedgerClient, rec *audit.Recorder, dispatch Dispatcher, log *slog.Logger) (*Engine, error) {
	if store == nil || rec == nil || dispatch == nil {
		return nil, fmt.Errorf("%w: nil store, recorder or dispatcher", ErrInvalidConfig)
	}
	if cfg.Terms.Token == "" {
		return nil, fmt.Errorf("%w: missing token", ErrInvalidConfig)
	}
	if cfg.Symbol == "" {
		cfg.Symbol = cfg.Terms.Token
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Engine{cfg: cfg, store: store, ledger: ledger, audit: rec, dispatch: dispatch, log: log}, nil
}

// ConfirmationMemo is the memo of the 1-unit transfer acknowledging a stake.
func ConfirmationMemo(months int, amount int64, symbol string, nonce int64) string {
	return fmt.Sprintf("%d month stake contract for %d %s received, timestamp %d", months, amount, symbol, nonce)
}

// StartStake writes the full schedule for d and returns how many rows were new.
// A failed confirmation transfer is recorded and does not block the schedule.
func (e *Engine) StartStake(ctx context.Context, d stake.Deposit) (int, error) {
	rows, err := stake.BuildSchedule(d, e.cfg.Terms)
	if err != nil {
		return 0, err
	}

	if e.cfg.Confirm && e.ledger != nil {
		memo := ConfirmationMemo(d.Months, d.Amount, e.cfg.Symbol, d.Nonce)
		txid, err := e.ledger.Transfer(ctx, d.Client, 1, memo)
		if err != nil {
			e.audit.Recordf(ctx, d.Nonce, "confirmation to %s failed: %v", d.Client, err)
		} else {
			e.audit.Recordf(ctx, d.Nonce, "confirmation to %s sent: %s (tx %s)", d.Client, memo, txid)
		}
	}

	n, err := e.store.InsertSchedule(ctx, rows)
	if err != nil {
		return 0, fmt.Errorf("lifecycle: start stake %d: %w", d.Nonce, err)
	}
	if n == 0 {
		e.log.Info("duplicate stake ignored", "client", d.Client, "nonce", d.Nonce, "block", d.Block)
		return 0, nil
	}
	e.audit.Recordf(ctx, d.Nonce, "stake started: client=%s amount=%d months=%d block=%d rows=%d", d.Client, d.Amount, d.Months, d.Block, n)
	e.log.Info("stake started", "client", d.Client, "amount", d.Amount, "months", d.Months, "nonce", d.Nonce)
	return n, nil
}

// StopStake ends every pending contract of client early. The status change
// and the processing exit row commit together before the net amount is
// dispatched; an exit that is never paid stays listed for the payout tool.
func (e *Engine) StopStake(ctx context.Context, nonce, block int64, client string) (stake.StopResult, error) {
	now := e.cfg.Now().UnixMilli()
	res, err := e.store.StopClient(ctx, client, nonce, now, block)
	if err != nil {
		return stake.StopResult{}, fmt.Errorf("lifecycle: stop %s: %w", client, err)
	}

	if res.Exit == nil {
		e.audit.Recordf(ctx, nonce, "stop from %s in block %d: nothing to disburse (rows=%d net=%d)", client, block, res.Rows, res.Net)
		e.log.Warn("stop with nothing to disburse", "client", client, "rows", res.Rows, "net", res.Net)
		return res, nil
	}

	if !e.dispatch.Dispatch(*res.Exit) {
		e.audit.Recordf(ctx, nonce, "stop from %s: net %d committed but dispatch refused, exit left processing", client, res.Net)
		e.log.Error("exit dispatch refused", "client", client, "net", res.Net, "nonce", nonce)
		return res, nil
	}
	e.audit.Recordf(ctx, nonce, "stop from %s in block %d: %d rows closed, net %d dispatched", client, block, res.Rows, res.Net)
	return res, nil
}

// MarkSettled flips the processing row behind p to paid. It must only be
// called after the primary-rail transfer for p succeeded. Penalty and
// contract rows are never settled this way.
func MarkSettled(ctx context.Context, store stake.Store, p stake.Payment, at, block int64) (bool, error) {
	if !p.Kind.Payable() {
		return false, fmt.Errorf("%w: kind %q is not settled through the ledger", stake.ErrInvalidStake, p.Kind)
	}
	ok, err := store.MarkSettled(ctx, p.Client, p.Start, p.Number, at, block)
	if err != nil {
		return false, fmt.Errorf("lifecycle: mark settled %s: %w", p.ID(), err)
	}
	return ok, nil
}
