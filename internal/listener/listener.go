// Package listener scans ledger blocks for transfers to the custodial account
// and routes each one to the stake lifecycle, the treasury channel, or a
// refund.
package listener

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"time"

	"github.com/stakebts/stake-machine/internal/audit"
	"github.com/stakebts/stake-machine/internal/config"
	"github.com/stakebts/stake-machine/internal/intent"
	"github.com/stakebts/stake-machine/internal/nonce"
	"github.com/stakebts/stake-machine/internal/rails"
	"github.com/stakebts/stake-machine/internal/stake"
	"github.com/stakebts/stake-machine/internal/treasury"
)

var ErrInvalidConfig = errors.New("listener: invalid config")

// Stakes is the lifecycle engine as seen by the listener.
type Stakes interface {
	StartStake(ctx context.Context, d stake.Deposit) (int, error)
	StopStake(ctx context.Context, nonce, block int64, client string) (stake.StopResult, error)
}

// Admin executes operator treasury instructions. It never fails the block.
type Admin interface {
	Handle(ctx context.Context, req treasury.Request) treasury.Result
}

type Route int

const (
	RouteRefund Route = iota
	RouteStake
	RouteStop
	RouteAdmin
)

func (r Route) String() string {
	switch r {
	case RouteStake:
		return "stake"
	case RouteStop:
		return "stop"
	case RouteAdmin:
		return "admin"
	default:
		return "refund"
	}
}

type Config struct {
	Custody     string
	Symbol      string
	Operators   []string
	InvestTiers []int64

	FlatFee       int64
	DustThreshold int64

	ReplayMode  string
	ReplayBlock int64
}

type Listener struct {
	cfg    Config
	ledger rails.LedgerClient
	cursor stake.Cursor
	nonces *nonce.Generator
	stakes Stakes
	admin  Admin
	audit  *audit.Recorder
	log    *slog.Logger

	// minted holds the nonces issued for operations of a block that has not
	// committed yet, so a retried block reuses them. done holds the operations
	// of that block that already completed and must not run again.
	minted map[opKey]int64
	done   map[opKey]struct{}
}

type opKey struct {
	block int64
	index int
}

func New(cfg Config, ledger rails.LedgerClient, cursor stake.Cursor, nonces *nonce.Generator, stakes Stakes, admin Admin, rec *audit.Recorder, log *slog.Logger) (*Listener, error) {
	if ledger == nil || cursor == nil || nonces == nil || stakes == nil || admin == nil || rec == nil {
		return nil, fmt.Errorf("%w: nil dependency", ErrInvalidConfig)
	}
	if cfg.Custody == "" || cfg.Symbol == "" {
		return nil, fmt.Errorf("%w: missing custody account or symbol", ErrInvalidConfig)
	}
	if cfg.FlatFee < 0 || cfg.DustThreshold < 0 {
		return nil, fmt.Errorf("%w: negative fee or dust threshold", ErrInvalidConfig)
	}
	switch cfg.ReplayMode {
	case "":
		cfg.ReplayMode = config.ReplayStored
	case config.ReplayStored, config.ReplayHead:
	case config.ReplayBlock:
		if cfg.ReplayBlock <= 0 {
			return nil, fmt.Errorf("%w: replay block must be > 0", ErrInvalidConfig)
		}
	default:
		return nil, fmt.Errorf("%w: unknown replay mode %q", ErrInvalidConfig, cfg.ReplayMode)
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Listener{
		cfg:    cfg,
		ledger: ledger,
		cursor: cursor,
		nonces: nonces,
		stakes: stakes,
		admin:  admin,
		audit:  rec,
		log:    log,
		minted: make(map[opKey]int64),
		done:   make(map[opKey]struct{}),
	}, nil
}

// Classify decides what a deposit asked for.
func Classify(cfg Config, sender string, amount int64, in intent.Intent) Route {
	operator := slices.Contains(cfg.Operators, sender)
	switch {
	case in.Type.IsTerm() && slices.Contains(cfg.InvestTiers, amount) && !operator:
		return RouteStake
	case in.Type == intent.Stop:
		return RouteStop
	case operator && in.Type.IsTreasury():
		return RouteAdmin
	default:
		return RouteRefund
	}
}

func rejectReason(cfg Config, sender string, amount int64, in intent.Intent) string {
	operator := slices.Contains(cfg.Operators, sender)
	switch {
	case in.Type == intent.Invalid:
		return "unrecognized memo"
	case in.Type.IsTerm() && operator:
		return "operators cannot stake"
	case in.Type.IsTerm() && !slices.Contains(cfg.InvestTiers, amount):
		return fmt.Sprintf("amount %d is not an investment tier", amount)
	case in.Type.IsTreasury() && !operator:
		return "treasury instruction from non-operator"
	default:
		return "unsupported request"
	}
}

// Prepare applies the startup replay policy to the stored cursor and returns
// the cursor the scan resumes from. It runs once, before Run's loop.
func (l *Listener) Prepare(ctx context.Context) (int64, error) {
	head, err := l.ledger.HeadBlock(ctx)
	if err != nil {
		return 0, fmt.Errorf("listener: head block: %w", err)
	}
	stored, err := l.cursor.BlockNum(ctx)
	if err != nil {
		return 0, fmt.Errorf("listener: read cursor: %w", err)
	}

	next := stored
	switch l.cfg.ReplayMode {
	case config.ReplayStored:
		// A fresh database has nothing to resume from.
		if stored == 0 {
			next = head
		}
	case config.ReplayHead:
		next = head
	case config.ReplayBlock:
		next = l.cfg.ReplayBlock - 1
	}
	if next != stored {
		if err := l.cursor.SetBlockNum(ctx, next); err != nil {
			return 0, fmt.Errorf("listener: write cursor: %w", err)
		}
	}
	l.log.Info("listener prepared", "replay", l.cfg.ReplayMode, "stored", stored, "resume_after", next, "head", head)
	return next, nil
}

// Run applies the replay policy, then scans new blocks every interval until
// ctx is done. A failing block is retried on the next pass.
func (l *Listener) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("%w: interval must be > 0", ErrInvalidConfig)
	}
	if _, err := l.Prepare(ctx); err != nil {
		return err
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		if _, err := l.CatchUp(ctx); err != nil && ctx.Err() == nil {
			l.log.Error("listener pass", "err", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

// CatchUp scans every block between the stored cursor and the current head,
// advancing the cursor after each. It returns the number of blocks scanned.
func (l *Listener) CatchUp(ctx context.Context) (int, error) {
	head, err := l.ledger.HeadBlock(ctx)
	if err != nil {
		return 0, fmt.Errorf("listener: head block: %w", err)
	}
	last, err := l.cursor.BlockNum(ctx)
	if err != nil {
		return 0, fmt.Errorf("listener: read cursor: %w", err)
	}

	scanned := 0
	for n := last + 1; n <= head; n++ {
		if err := ctx.Err(); err != nil {
			return scanned, err
		}
		if err := l.ScanBlock(ctx, n, head); err != nil {
			return scanned, err
		}
		scanned++
		if n%20 == 0 {
			l.log.Info("listener progress", "block", n, "head", head)
		}
	}
	return scanned, nil
}

// ScanBlock routes every custodial deposit in block n and then persists n as
// the cursor. On error the cursor is left alone and the block is scanned again
// later. Operations that completed on an earlier pass over the same block are
// skipped, so refunds and treasury transfers are not repeated.
func (l *Listener) ScanBlock(ctx context.Context, n, head int64) error {
	b, err := l.ledger.FetchBlock(ctx, n)
	if err != nil {
		return fmt.Errorf("listener: fetch block %d: %w", n, err)
	}
	for i, tr := range b.Transfers {
		if tr.To != l.cfg.Custody {
			continue
		}
		key := opKey{block: n, index: i}
		if _, ok := l.done[key]; ok {
			continue
		}
		if err := l.handle(ctx, key, head, tr); err != nil {
			return fmt.Errorf("listener: block %d op %d: %w", n, i, err)
		}
		l.done[key] = struct{}{}
	}
	if err := l.cursor.SetBlockNum(ctx, n); err != nil {
		return fmt.Errorf("listener: advance cursor to %d: %w", n, err)
	}
	for k := range l.minted {
		if k.block <= n {
			delete(l.minted, k)
		}
	}
	for k := range l.done {
		if k.block <= n {
			delete(l.done, k)
		}
	}
	return nil
}

func (l *Listener) handle(ctx context.Context, key opKey, head int64, tr rails.Transfer) error {
	nonce, ok := l.minted[key]
	if !ok {
		nonce = l.nonces.Next()
		l.minted[key] = nonce
	}

	in := l.decode(ctx, tr)
	route := Classify(l.cfg, tr.From, tr.Amount, in)
	l.log.Info("deposit", "block", key.block, "from", tr.From, "amount", tr.Amount, "type", in.Type, "route", route.String(), "nonce", nonce)

	switch route {
	case RouteStake:
		months, _ := in.Type.Months()
		_, err := l.stakes.StartStake(ctx, stake.Deposit{
			Nonce:  nonce,
			Block:  key.block,
			Client: tr.From,
			Amount: tr.Amount,
			Months: months,
		})
		return err

	case RouteStop:
		_, err := l.stakes.StopStake(ctx, nonce, key.block, tr.From)
		return err

	case RouteAdmin:
		res := l.admin.Handle(ctx, treasury.Request{
			Nonce:  nonce,
			Block:  key.block,
			Head:   head,
			Sender: tr.From,
			Intent: in,
		})
		l.log.Info("admin instruction", "sender", tr.From, "type", in.Type, "result", res.String())
		return nil
	}

	l.refund(ctx, nonce, key.block, tr, in)
	return nil
}

func (l *Listener) decode(ctx context.Context, tr rails.Transfer) intent.Intent {
	if len(tr.Memo) == 0 {
		return intent.Intent{Type: intent.Invalid}
	}
	plain, err := l.ledger.DecryptMemo(ctx, tr.Memo)
	if err != nil {
		l.log.Warn("memo unreadable", "from", tr.From, "err", err)
		return intent.Intent{Type: intent.Invalid}
	}
	return intent.Decode(plain)
}

// refund returns the deposit minus the flat fee when the remainder is above
// the dust threshold. The receipt says why the request was rejected.
func (l *Listener) refund(ctx context.Context, nonce, block int64, tr rails.Transfer, in intent.Intent) {
	reason := rejectReason(l.cfg, tr.From, tr.Amount, in)
	msg := fmt.Sprintf("invalid request (%s), %d %s fee charged: client=%s amount=%d type=%s block=%d",
		reason, l.cfg.FlatFee, l.cfg.Symbol, tr.From, tr.Amount, in.Type, block)

	amount := tr.Amount - l.cfg.FlatFee
	if amount <= l.cfg.DustThreshold {
		l.audit.Recordf(ctx, nonce, "%s; remainder %d not refunded", msg, max(amount, 0))
		return
	}

	memo := fmt.Sprintf("invalid request (%s), %d %s fee charged, nonce %d", reason, l.cfg.FlatFee, l.cfg.Symbol, nonce)
	txid, err := l.ledger.Transfer(ctx, tr.From, amount, memo)
	if err != nil {
		l.audit.Recordf(ctx, nonce, "%s; refund of %d failed: %v", msg, amount, err)
		l.log.Error("refund failed", "client", tr.From, "amount", amount, "err", err)
		return
	}
	l.audit.Recordf(ctx, nonce, "%s; refunded %d (tx %s)", msg, amount, txid)
}
