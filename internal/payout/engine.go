// Package payout claims due payments and disburses them over the primary
// rail, drawing on exchange sub-accounts when the custodial wallet is short.
package payout

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/puzpuzpuz/xsync/v4"
	"github.com/stakebts/stake-machine/internal/audit"
	"github.com/stakebts/stake-machine/internal/lifecycle"
	"github.com/stakebts/stake-machine/internal/rails"
	"github.com/stakebts/stake-machine/internal/stake"
)

var ErrInvalidConfig = errors.New("payout: invalid config")

type Outcome int

const (
	OutcomeSkipped Outcome = iota
	OutcomePaid
	OutcomeDelayed
)

func (o Outcome) String() string {
	switch o {
	case OutcomePaid:
		return "paid"
	case OutcomeDelayed:
		return "delayed"
	default:
		return "skipped"
	}
}

type Config struct {
	// Custody is the custodial ledger account payouts are sent from and
	// sub-account withdrawals are sent to.
	Custody string
	Symbol  string

	PaymentReserve       int64
	MinSubAccountBalance int64
	SubAccountReserve    int64

	CoverPollInterval time.Duration
	CoverTimeout      time.Duration

	Workers   int
	QueueSize int

	SupportContact string

	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

type Engine struct {
	cfg    Config
	store  stake.Store
	ledger rails.LedgerClient
	subs   []rails.SubAccount
	audit  *audit.Recorder
	log    *slog.Logger

	pool     pond.Pool
	inflight *xsync.Map[string, struct{}]

	// workCtx outlives the scheduler loop so in-flight payments can finish
	// after shutdown begins; Close cancels it when its deadline passes.
	workCtx    context.Context
	cancelWork context.CancelFunc
	closeOnce  sync.Once
}

func New(cfg Config, store stake.Store, ledger rails.LedgerClient, subs []rails.SubAccount, rec *audit.Recorder, log *slog.Logger) (*Engine, error) {
	if store == nil || ledger == nil || rec == nil {
		return nil, fmt.Errorf("%w: nil store, ledger or recorder", ErrInvalidConfig)
	}
	if cfg.Custody == "" || cfg.Symbol == "" {
		return nil, fmt.Errorf("%w: missing custody account or symbol", ErrInvalidConfig)
	}
	if cfg.PaymentReserve < 0 || cfg.SubAccountReserve < 0 || cfg.MinSubAccountBalance < 0 {
		return nil, fmt.Errorf("%w: negative reserve", ErrInvalidConfig)
	}
	if cfg.CoverPollInterval <= 0 || cfg.CoverTimeout <= 0 {
		return nil, fmt.Errorf("%w: cover poll interval and timeout must be > 0", ErrInvalidConfig)
	}
	if cfg.Workers <= 0 {
		return nil, fmt.Errorf("%w: workers must be > 0", ErrInvalidConfig)
	}
	for _, s := range subs {
		if s.ID == "" || s.Client == nil {
			return nil, fmt.Errorf("%w: bad sub account %q", ErrInvalidConfig, s.ID)
		}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepCtx
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	var opts []pond.Option
	if cfg.QueueSize > 0 {
		opts = append(opts, pond.WithQueueSize(cfg.QueueSize))
	}
	workCtx, cancel := context.WithCancel(context.Background())
	return &Engine{
		cfg:        cfg,
		store:      store,
		ledger:     ledger,
		subs:       subs,
		audit:      rec,
		log:        log,
		pool:       pond.NewPool(cfg.Workers, opts...),
		inflight:   xsync.NewMap[string, struct{}](),
		workCtx:    workCtx,
		cancelWork: cancel,
	}, nil
}

// Run claims due payments every interval until ctx is done. Claim errors are
// logged and retried on the next tick.
func (e *Engine) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("%w: interval must be > 0", ErrInvalidConfig)
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		if _, err := e.Tick(ctx); err != nil && ctx.Err() == nil {
			e.log.Error("payout tick", "err", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

// Tick runs one claim cycle and dispatches what it claimed. It returns the
// number of payments claimed.
func (e *Engine) Tick(ctx context.Context) (int, error) {
	now := e.cfg.Now().UnixMilli()
	block := e.headBlock(ctx)

	claimed, err := e.store.ClaimDue(ctx, now, block)
	if err != nil {
		return 0, err
	}
	for _, p := range claimed {
		e.log.Info("payment claimed", "payment", p.ID(), "amount", p.Amount)
		if !e.Dispatch(p) {
			e.audit.Recordf(ctx, p.Start, "payment %s claimed but not dispatched, left processing", p.ID())
		}
	}
	return len(claimed), nil
}

// Dispatch queues p on the worker pool. It returns false when the pool is
// stopped or full, or p is already in flight.
func (e *Engine) Dispatch(p stake.Payment) bool {
	id := p.ID()
	if _, loaded := e.inflight.LoadOrStore(id, struct{}{}); loaded {
		e.log.Warn("payment already in flight", "payment", id)
		return false
	}
	if e.pool.Stopped() {
		e.inflight.Delete(id)
		return false
	}
	_, ok := e.pool.TrySubmit(func() {
		defer e.inflight.Delete(id)
		outcome := e.Pay(e.workCtx, p)
		e.log.Info("payment finished", "payment", id, "outcome", outcome.String())
	})
	if !ok {
		e.inflight.Delete(id)
		e.log.Error("payout queue full", "payment", id)
	}
	return ok
}

// InFlight returns the number of payments queued or running.
func (e *Engine) InFlight() int {
	return e.inflight.Size()
}

// Close stops accepting payments and waits for in-flight workers. If ctx is
// done first, workers still waiting on liquidity are cancelled; their rows
// stay processing.
func (e *Engine) Close(ctx context.Context) error {
	var err error
	e.closeOnce.Do(func() {
		done := make(chan struct{})
		go func() {
			e.pool.StopAndWait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			e.cancelWork()
			<-done
			err = ctx.Err()
		}
		e.cancelWork()
	})
	return err
}

// Pay disburses one payment synchronously. Failures are recorded as receipts
// and never returned: a payment that cannot be made stays processing and the
// client is sent a delay notice.
func (e *Engine) Pay(ctx context.Context, p stake.Payment) Outcome {
	if p.Amount <= 0 {
		e.audit.Recordf(ctx, p.Start, "payment %s has non-positive amount %d, skipped", p.ID(), p.Amount)
		return OutcomeSkipped
	}

	need := p.Amount + e.cfg.PaymentReserve
	bal, err := e.ledger.AccountBalance(ctx, e.cfg.Custody)
	if err != nil {
		e.audit.Recordf(ctx, p.Start, "payment %s: balance query failed: %v", p.ID(), err)
		e.delay(ctx, p)
		return OutcomeDelayed
	}
	if bal < need {
		if !e.cover(ctx, p, need, bal) {
			e.delay(ctx, p)
			return OutcomeDelayed
		}
	}

	txid, err := e.ledger.Transfer(ctx, p.Client, p.Amount, PaymentMemo(p, e.cfg.Symbol))
	if err != nil {
		e.audit.Recordf(ctx, p.Start, "payment %s of %d to %s failed: %v", p.ID(), p.Amount, p.Client, err)
		e.delay(ctx, p)
		return OutcomeDelayed
	}
	// The funds are gone; settle even if shutdown cancelled ctx meanwhile.
	ctx = context.WithoutCancel(ctx)
	e.audit.Recordf(ctx, p.Start, "payment %s of %d to %s sent (tx %s)", p.ID(), p.Amount, p.Client, txid)

	ok, err := lifecycle.MarkSettled(ctx, e.store, p, e.cfg.Now().UnixMilli(), e.headBlock(ctx))
	switch {
	case err != nil:
		e.audit.Recordf(ctx, p.Start, "payment %s sent but not marked paid: %v", p.ID(), err)
		e.log.Error("mark settled", "payment", p.ID(), "err", err)
	case !ok:
		e.audit.Recordf(ctx, p.Start, "payment %s sent but row was not processing", p.ID())
		e.log.Warn("settled row not processing", "payment", p.ID())
	}
	return OutcomePaid
}

// cover tops up the custodial wallet from sub-accounts and waits for the
// funds to land. It reports whether the wallet reached need.
func (e *Engine) cover(ctx context.Context, p stake.Payment, need, bal int64) bool {
	deficit := need - bal
	e.log.Info("covering shortfall", "payment", p.ID(), "need", need, "balance", bal, "deficit", deficit)

	avail := make([]int64, len(e.subs))
	var total int64
	for i, s := range e.subs {
		bals, err := s.Client.Balances(ctx)
		if err != nil {
			e.audit.Recordf(ctx, p.Start, "cover %s: sub-account %s balance failed: %v", p.ID(), s.ID, err)
			continue
		}
		avail[i] = rails.Available(bals, e.cfg.Symbol)
		total += avail[i]
	}
	if total < deficit {
		e.audit.Recordf(ctx, p.Start, "cover %s: deficit %d exceeds sub-account total %d", p.ID(), deficit, total)
		return false
	}

	remaining := deficit
	for i, s := range e.subs {
		if remaining <= 0 {
			break
		}
		if avail[i] < e.cfg.MinSubAccountBalance {
			continue
		}
		qty := min(remaining, avail[i]-e.cfg.SubAccountReserve)
		if qty <= 0 {
			continue
		}
		wid, err := s.Client.Withdraw(ctx, e.cfg.Symbol, qty, e.cfg.Custody, "")
		if err != nil {
			e.audit.Recordf(ctx, p.Start, "cover %s: withdrawal of %d from sub-account %s failed: %v", p.ID(), qty, s.ID, err)
			continue
		}
		remaining -= qty
		e.audit.Recordf(ctx, p.Start, "cover %s: withdrew %d from sub-account %s (withdrawal %s), remaining deficit %d", p.ID(), qty, s.ID, wid, remaining)
	}
	if remaining > 0 {
		e.audit.Recordf(ctx, p.Start, "cover %s: could not withdraw enough, remaining deficit %d", p.ID(), remaining)
		return false
	}

	deadline := e.cfg.Now().Add(e.cfg.CoverTimeout)
	for {
		bal, err := e.ledger.AccountBalance(ctx, e.cfg.Custody)
		if err == nil && bal >= need {
			e.audit.Recordf(ctx, p.Start, "cover %s: custodial balance %d reached need %d", p.ID(), bal, need)
			return true
		}
		if err != nil {
			e.log.Warn("cover balance poll", "payment", p.ID(), "err", err)
		}
		if !e.cfg.Now().Before(deadline) {
			e.audit.Recordf(ctx, p.Start, "cover %s: funds not settled within %s", p.ID(), e.cfg.CoverTimeout)
			return false
		}
		if err := e.cfg.Sleep(ctx, e.cfg.CoverPollInterval); err != nil {
			e.audit.Recordf(ctx, p.Start, "cover %s: wait aborted: %v", p.ID(), err)
			return false
		}
	}
}

// delay sends the client a 1-unit notice. The row stays processing.
func (e *Engine) delay(ctx context.Context, p stake.Payment) {
	memo := DelayMemo(p, e.cfg.SupportContact)
	txid, err := e.ledger.Transfer(ctx, p.Client, 1, memo)
	if err != nil {
		e.audit.Recordf(ctx, p.Start, "delay notice for %s failed: %v", p.ID(), err)
		return
	}
	e.audit.Recordf(ctx, p.Start, "delay notice for %s sent (tx %s): %s", p.ID(), txid, memo)
}

func (e *Engine) headBlock(ctx context.Context) int64 {
	n, err := e.ledger.HeadBlock(ctx)
	if err != nil {
		e.log.Warn("head block", "err", err)
		return stake.Unset
	}
	return n
}

func PaymentMemo(p stake.Payment, symbol string) string {
	return fmt.Sprintf("Payment of %d %s for stake nonce %d type %s %d, we appreciate your business!", p.Amount, symbol, p.Start, p.Kind, p.Number)
}

func DelayMemo(p stake.Payment, support string) string {
	if support == "" {
		support = "support"
	}
	return fmt.Sprintf("your stake payment of %d failed for an unknown reason, please contact %s, stake nonce %d type %s %d", p.Amount, support, p.Start, p.Kind, p.Number)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

var _ lifecycle.Dispatcher = (*Engine)(nil)
