// Package railsetup builds the ledger and exchange rails from the policy file
// and the secret store.
package railsetup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/stakebts/stake-machine/internal/config"
	"github.com/stakebts/stake-machine/internal/exchange"
	"github.com/stakebts/stake-machine/internal/rails"
	"github.com/stakebts/stake-machine/internal/secrets"
	"github.com/stakebts/stake-machine/internal/walletrpc"
)

type Options struct {
	WalletURL string
	// WalletSecret names the "user:pass" secret for the wallet RPC.
	WalletSecret  string
	WalletTimeout time.Duration

	ExchangeBaseURL string
}

// Build returns the primary ledger and every configured sub-account. In dev
// mode chain reads are real but no funds move, and missing wallet credentials
// are tolerated.
func Build(ctx context.Context, policy config.Policy, p secrets.Provider, opts Options, log *slog.Logger) (rails.LedgerClient, []rails.SubAccount, error) {
	if p == nil {
		return nil, nil, errors.New("railsetup: nil secrets provider")
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	walletCfg := walletrpc.Config{
		URL:       opts.WalletURL,
		Account:   policy.Ledger.Account,
		AssetID:   policy.Ledger.AssetID,
		Symbol:    policy.Ledger.Symbol,
		Precision: policy.Ledger.Precision,
	}
	creds, err := secrets.LoadPair(ctx, p, opts.WalletSecret)
	switch {
	case err == nil:
		walletCfg.User, walletCfg.Pass = creds.ID, creds.Secret
	case policy.Dev && errors.Is(err, secrets.ErrNotFound):
		log.Warn("wallet credentials not found, continuing unauthenticated", "secret", opts.WalletSecret)
	default:
		return nil, nil, fmt.Errorf("railsetup: wallet credentials: %w", err)
	}
	var walletOpts []walletrpc.Option
	if opts.WalletTimeout > 0 {
		walletOpts = append(walletOpts, walletrpc.WithTimeout(opts.WalletTimeout))
	}
	wallet, err := walletrpc.New(walletCfg, walletOpts...)
	if err != nil {
		return nil, nil, err
	}

	var ledger rails.LedgerClient = wallet
	if policy.Dev {
		ledger = rails.NewSimulatedLedger(wallet, log.With("rail", "ledger"))
	}

	subs := make([]rails.SubAccount, 0, len(policy.SubAccounts))
	for _, sa := range policy.SubAccounts {
		if policy.Dev {
			addr := rails.DepositAddress{Symbol: policy.Ledger.Symbol, Address: policy.Ledger.Account, Tag: sa.ID}
			subs = append(subs, rails.SubAccount{
				ID:     sa.ID,
				Client: rails.NewSimulatedExchange(policy.Ledger.Symbol, addr, log.With("rail", "exchange", "sub", sa.ID)),
			})
			continue
		}
		key, err := secrets.LoadPair(ctx, p, sa.Secret)
		if err != nil {
			return nil, nil, fmt.Errorf("railsetup: sub account %s credentials: %w", sa.ID, err)
		}
		var exOpts []exchange.Option
		if opts.ExchangeBaseURL != "" {
			exOpts = append(exOpts, exchange.WithBaseURL(opts.ExchangeBaseURL))
		}
		client, err := exchange.New(key.ID, key.Secret, exOpts...)
		if err != nil {
			return nil, nil, fmt.Errorf("railsetup: sub account %s: %w", sa.ID, err)
		}
		subs = append(subs, rails.SubAccount{ID: sa.ID, Client: client})
	}
	return ledger, subs, nil
}

// Probe authenticates against every rail once. Each failure is logged and the
// joined error returned.
func Probe(ctx context.Context, ledger rails.LedgerClient, custody string, subs []rails.SubAccount, log *slog.Logger) error {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	var errs []error
	if bal, err := ledger.AccountBalance(ctx, custody); err != nil {
		log.Error("ledger credential check", "account", custody, "err", err)
		errs = append(errs, fmt.Errorf("ledger: %w", err))
	} else {
		log.Info("ledger authenticated", "account", custody, "balance", bal)
	}
	for _, sa := range subs {
		if _, err := sa.Client.Balances(ctx); err != nil {
			log.Error("exchange credential check", "sub", sa.ID, "err", err)
			errs = append(errs, fmt.Errorf("sub account %s: %w", sa.ID, err))
			continue
		}
		log.Info("exchange authenticated", "sub", sa.ID)
	}
	return errors.Join(errs...)
}
