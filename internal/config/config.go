// Package config loads the business policy file. The result is immutable and
// passed by value into every component.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var ErrInvalidConfig = errors.New("config: invalid config")

// Replay modes select where the listener starts scanning.
const (
	ReplayStored = "stored"
	ReplayHead   = "head"
	ReplayBlock  = "block"
)

type Ledger struct {
	// Account is the custodial account deposits are sent to.
	Account   string `yaml:"account"`
	AssetID   string `yaml:"asset_id"`
	Symbol    string `yaml:"symbol"`
	Precision int    `yaml:"precision"`
}

type SubAccount struct {
	ID string `yaml:"id"`
	// Secret is the secret name holding "key:secret" for this sub-account.
	Secret string `yaml:"secret"`
}

type Replay struct {
	Mode  string `yaml:"mode"`
	Block int64  `yaml:"block"`
}

type Policy struct {
	Ledger      Ledger       `yaml:"ledger"`
	Operators   []string     `yaml:"operators"`
	SubAccounts []SubAccount `yaml:"sub_accounts"`

	InterestBps int64   `yaml:"interest_bps"`
	PenaltyBps  int64   `yaml:"penalty_bps"`
	InvestTiers []int64 `yaml:"invest_tiers"`

	FlatFee              int64 `yaml:"flat_fee"`
	DustThreshold        int64 `yaml:"dust_threshold"`
	PaymentReserve       int64 `yaml:"payment_reserve"`
	MinSubAccountBalance int64 `yaml:"min_sub_account_balance"`
	SubAccountReserve    int64 `yaml:"sub_account_reserve"`
	MinAdminTransfer     int64 `yaml:"min_admin_transfer"`
	AdminMaxLagBlocks    int64 `yaml:"admin_max_lag_blocks"`

	CoverPollInterval time.Duration `yaml:"cover_poll_interval"`
	CoverTimeout      time.Duration `yaml:"cover_timeout"`
	SolvencyWindow    time.Duration `yaml:"solvency_window"`

	ListenInterval    time.Duration `yaml:"listen_interval"`
	PayoutInterval    time.Duration `yaml:"payout_interval"`
	ReconcileSchedule string        `yaml:"reconcile_schedule"`
	PayoutWorkers     int           `yaml:"payout_workers"`
	PayoutQueueSize   int           `yaml:"payout_queue_size"`

	Replay         Replay `yaml:"replay"`
	Dev            bool   `yaml:"dev"`
	SupportContact string `yaml:"support_contact"`
}

// Default returns the policy every file is layered onto.
func Default() Policy {
	return Policy{
		Ledger: Ledger{
			AssetID:   "1.3.0",
			Symbol:    "BTS",
			Precision: 5,
		},
		InterestBps: 800,
		PenaltyBps:  1500,
		InvestTiers: []int64{25000, 50000, 100000, 250000, 500000, 1000000, 2500000, 5000000, 10000000},

		FlatFee:              50,
		DustThreshold:        10,
		PaymentReserve:       10,
		MinSubAccountBalance: 510,
		SubAccountReserve:    10,
		MinAdminTransfer:     1000,
		AdminMaxLagBlocks:    10,

		CoverPollInterval: 10 * time.Second,
		CoverTimeout:      4 * time.Hour,
		SolvencyWindow:    24 * time.Hour,

		ListenInterval:    3 * time.Second,
		PayoutInterval:    30 * time.Second,
		ReconcileSchedule: "0 0 * * * *",
		PayoutWorkers:     16,
		PayoutQueueSize:   1024,

		Replay: Replay{Mode: ReplayStored},
	}
}

// Load reads a YAML policy file over Default and validates it. Unknown keys
// are rejected.
func Load(path string) (Policy, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(raw)
}

func Parse(raw []byte) (Policy, error) {
	p := Default()
	// Tiers and operators replace rather than merge.
	p.InvestTiers = nil

	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil {
		return Policy{}, fmt.Errorf("%w: decode: %v", ErrInvalidConfig, err)
	}
	if len(p.InvestTiers) == 0 {
		p.InvestTiers = Default().InvestTiers
	}
	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

func (p Policy) Validate() error {
	if strings.TrimSpace(p.Ledger.Account) == "" {
		return fmt.Errorf("%w: ledger.account is required", ErrInvalidConfig)
	}
	if p.Ledger.AssetID == "" || p.Ledger.Symbol == "" {
		return fmt.Errorf("%w: ledger asset is required", ErrInvalidConfig)
	}
	if p.Ledger.Precision < 0 || p.Ledger.Precision > 12 {
		return fmt.Errorf("%w: ledger.precision out of range", ErrInvalidConfig)
	}
	if p.InterestBps < 0 || p.InterestBps > 10_000 {
		return fmt.Errorf("%w: interest_bps out of range", ErrInvalidConfig)
	}
	if p.PenaltyBps < 0 || p.PenaltyBps > 10_000 {
		return fmt.Errorf("%w: penalty_bps out of range", ErrInvalidConfig)
	}
	for _, t := range p.InvestTiers {
		if t <= 0 {
			return fmt.Errorf("%w: invest tier %d must be > 0", ErrInvalidConfig, t)
		}
	}
	for _, v := range []struct {
		name string
		n    int64
	}{
		{"flat_fee", p.FlatFee},
		{"dust_threshold", p.DustThreshold},
		{"payment_reserve", p.PaymentReserve},
		{"min_sub_account_balance", p.MinSubAccountBalance},
		{"sub_account_reserve", p.SubAccountReserve},
		{"min_admin_transfer", p.MinAdminTransfer},
		{"admin_max_lag_blocks", p.AdminMaxLagBlocks},
	} {
		if v.n < 0 {
			return fmt.Errorf("%w: %s must be >= 0", ErrInvalidConfig, v.name)
		}
	}
	if p.MinSubAccountBalance < p.SubAccountReserve {
		return fmt.Errorf("%w: min_sub_account_balance must be >= sub_account_reserve", ErrInvalidConfig)
	}
	if p.CoverPollInterval <= 0 || p.CoverTimeout <= 0 || p.SolvencyWindow <= 0 {
		return fmt.Errorf("%w: cover_poll_interval, cover_timeout and solvency_window must be > 0", ErrInvalidConfig)
	}
	if p.ListenInterval <= 0 || p.PayoutInterval <= 0 {
		return fmt.Errorf("%w: listen_interval and payout_interval must be > 0", ErrInvalidConfig)
	}
	if p.PayoutWorkers <= 0 || p.PayoutQueueSize < 0 {
		return fmt.Errorf("%w: bad payout pool size", ErrInvalidConfig)
	}
	if strings.TrimSpace(p.ReconcileSchedule) == "" {
		return fmt.Errorf("%w: reconcile_schedule is required", ErrInvalidConfig)
	}

	seen := make(map[string]struct{}, len(p.SubAccounts))
	for _, sa := range p.SubAccounts {
		if sa.ID == "" {
			return fmt.Errorf("%w: sub account id is required", ErrInvalidConfig)
		}
		if _, dup := seen[sa.ID]; dup {
			return fmt.Errorf("%w: duplicate sub account %q", ErrInvalidConfig, sa.ID)
		}
		seen[sa.ID] = struct{}{}
		if sa.Secret == "" && !p.Dev {
			return fmt.Errorf("%w: sub account %q has no secret", ErrInvalidConfig, sa.ID)
		}
	}
	for _, op := range p.Operators {
		if strings.TrimSpace(op) == "" {
			return fmt.Errorf("%w: empty operator", ErrInvalidConfig)
		}
		if op == p.Ledger.Account {
			return fmt.Errorf("%w: custodial account cannot be an operator", ErrInvalidConfig)
		}
	}

	switch p.Replay.Mode {
	case ReplayStored, ReplayHead:
	case ReplayBlock:
		if p.Replay.Block <= 0 {
			return fmt.Errorf("%w: replay.block must be > 0 with mode %q", ErrInvalidConfig, ReplayBlock)
		}
	default:
		return fmt.Errorf("%w: unknown replay.mode %q", ErrInvalidConfig, p.Replay.Mode)
	}
	return nil
}

// IsOperator reports whether account is on the operator allow-list.
func (p Policy) IsOperator(account string) bool {
	return slices.Contains(p.Operators, account)
}

// IsInvestTier reports whether amount is an allowed stake size.
func (p Policy) IsInvestTier(amount int64) bool {
	return slices.Contains(p.InvestTiers, amount)
}
