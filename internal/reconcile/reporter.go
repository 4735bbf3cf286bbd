// Package reconcile periodically snapshots rail balances against near-term
// obligations and records the result.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/stakebts/stake-machine/internal/audit"
	"github.com/stakebts/stake-machine/internal/blobstore"
	"github.com/stakebts/stake-machine/internal/nonce"
	"github.com/stakebts/stake-machine/internal/rails"
	"github.com/stakebts/stake-machine/internal/stake"
)

var ErrInvalidConfig = errors.New("reconcile: invalid config")

type Config struct {
	Custody string
	Symbol  string
	// Window is how far ahead obligations are counted.
	Window time.Duration
	// Schedule is a cron expression with a seconds field.
	Schedule string

	Now func() time.Time
}

type SubBalance struct {
	ID        string `json:"id"`
	Available int64  `json:"available"`
	Error     string `json:"error,omitempty"`
}

// Snapshot is one balance report. Total excludes sub-accounts whose balance
// could not be read.
type Snapshot struct {
	Nonce       int64        `json:"nonce"`
	At          time.Time    `json:"at"`
	Symbol      string       `json:"symbol"`
	Primary     int64        `json:"primary"`
	SubAccounts []SubBalance `json:"sub_accounts"`
	Total       int64        `json:"total"`
	Obligations int64        `json:"obligations"`
	Window      string       `json:"window"`
	Solvent     bool         `json:"solvent"`
}

type Reporter struct {
	cfg     Config
	store   stake.Store
	ledger  rails.LedgerClient
	subs    []rails.SubAccount
	audit   *audit.Recorder
	nonces  *nonce.Generator
	archive blobstore.Store
	log     *slog.Logger
}

// New returns a Reporter. archive may be nil.
func New(cfg Config, store stake.Store, ledger rails.LedgerClient, subs []rails.SubAccount, rec *audit.Recorder, nonces *nonce.Generator, archive blobstore.Store, log *slog.Logger) (*Reporter, error) {
	if store == nil || ledger == nil || rec == nil || nonces == nil {
		return nil, fmt.Errorf("%w: nil dependency", ErrInvalidConfig)
	}
	if cfg.Custody == "" || cfg.Symbol == "" {
		return nil, fmt.Errorf("%w: missing custody account or symbol", ErrInvalidConfig)
	}
	if cfg.Window <= 0 {
		return nil, fmt.Errorf("%w: window must be > 0", ErrInvalidConfig)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Reporter{cfg: cfg, store: store, ledger: ledger, subs: subs, audit: rec, nonces: nonces, archive: archive, log: log}, nil
}

// Snapshot reads every balance and the obligations due within the window.
func (r *Reporter) Snapshot(ctx context.Context) (Snapshot, error) {
	now := r.cfg.Now()
	primary, err := r.ledger.AccountBalance(ctx, r.cfg.Custody)
	if err != nil {
		return Snapshot{}, fmt.Errorf("reconcile: primary balance: %w", err)
	}
	owed, err := r.store.Obligations(ctx, now.Add(r.cfg.Window).UnixMilli())
	if err != nil {
		return Snapshot{}, fmt.Errorf("reconcile: obligations: %w", err)
	}

	s := Snapshot{
		At:          now.UTC(),
		Symbol:      r.cfg.Symbol,
		Primary:     primary,
		Total:       primary,
		Obligations: owed,
		Window:      r.cfg.Window.String(),
	}
	for _, sub := range r.subs {
		sb := SubBalance{ID: sub.ID}
		bals, err := sub.Client.Balances(ctx)
		if err != nil {
			sb.Error = err.Error()
			r.log.Warn("sub-account balance", "sub_account", sub.ID, "err", err)
		} else {
			sb.Available = rails.Available(bals, r.cfg.Symbol)
			s.Total += sb.Available
		}
		s.SubAccounts = append(s.SubAccounts, sb)
	}
	s.Solvent = s.Obligations <= s.Total
	return s, nil
}

// Report takes a snapshot, records it as a receipt, warns when obligations
// exceed funds on hand, and archives it when an archive is configured.
func (r *Reporter) Report(ctx context.Context) (Snapshot, error) {
	s, err := r.Snapshot(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	s.Nonce = r.nonces.Next()

	r.audit.Recordf(ctx, s.Nonce, "balances: %s", s.Summary())
	r.log.Info("balance snapshot", "primary", s.Primary, "total", s.Total, "obligations", s.Obligations, "window", s.Window)
	if !s.Solvent {
		r.audit.Recordf(ctx, s.Nonce, "solvency warning: obligations %d due within %s exceed funds on hand %d (short %d)", s.Obligations, s.Window, s.Total, s.Obligations-s.Total)
		r.log.Warn("solvency warning", "obligations", s.Obligations, "total", s.Total)
	}

	if r.archive != nil {
		payload, err := json.Marshal(s)
		if err != nil {
			return s, fmt.Errorf("reconcile: marshal snapshot: %w", err)
		}
		if err := r.archive.Put(ctx, ArchiveKey(s), payload, "application/json"); err != nil {
			r.log.Error("archive snapshot", "nonce", s.Nonce, "err", err)
			return s, fmt.Errorf("reconcile: archive snapshot: %w", err)
		}
	}
	return s, nil
}

// Summary is the single-line form written to the receipt log.
func (s Snapshot) Summary() string {
	out := fmt.Sprintf("primary=%d", s.Primary)
	for _, sb := range s.SubAccounts {
		if sb.Error != "" {
			out += fmt.Sprintf(" sub[%s]=unavailable", sb.ID)
			continue
		}
		out += fmt.Sprintf(" sub[%s]=%d", sb.ID, sb.Available)
	}
	return out + fmt.Sprintf(" total=%d %s obligations(%s)=%d", s.Total, s.Symbol, s.Window, s.Obligations)
}

// ArchiveKey is snapshots/YYYY/MM/DD/<nonce>.json.
func ArchiveKey(s Snapshot) string {
	return fmt.Sprintf("snapshots/%s/%d.json", s.At.UTC().Format("2006/01/02"), s.Nonce)
}

// Run reports on the configured schedule until ctx is done. A failed report
// is logged and the schedule continues.
func (r *Reporter) Run(ctx context.Context) error {
	c := cron.New(cron.WithSeconds(), cron.WithChain(cron.Recover(cronLogger{r.log})))
	if _, err := c.AddFunc(r.cfg.Schedule, func() {
		if _, err := r.Report(ctx); err != nil && ctx.Err() == nil {
			r.log.Error("balance report", "err", err)
		}
	}); err != nil {
		return fmt.Errorf("%w: schedule %q: %v", ErrInvalidConfig, r.cfg.Schedule, err)
	}

	c.Start()
	r.log.Info("reconcile scheduled", "schedule", r.cfg.Schedule)
	<-ctx.Done()
	<-c.Stop().Done()
	return ctx.Err()
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct{ log *slog.Logger }

func (l cronLogger) Info(msg string, kv ...any) { l.log.Debug(msg, kv...) }

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error(msg, append(kv, "err", err)...)
}
