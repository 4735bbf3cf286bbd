package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stakebts/stake-machine/internal/audit"
	"github.com/stakebts/stake-machine/internal/config"
	"github.com/stakebts/stake-machine/internal/exchange"
	"github.com/stakebts/stake-machine/internal/payout"
	"github.com/stakebts/stake-machine/internal/queue"
	"github.com/stakebts/stake-machine/internal/railsetup"
	"github.com/stakebts/stake-machine/internal/secrets"
	"github.com/stakebts/stake-machine/internal/stake"
	stakepg "github.com/stakebts/stake-machine/internal/stake/postgres"
)

type overdueItem struct {
	ID      string `json:"id"`
	Client  string `json:"client"`
	Kind    string `json:"kind"`
	Start   int64  `json:"start"`
	Number  int    `json:"number"`
	Amount  int64  `json:"amount"`
	Due     int64  `json:"due"`
	Outcome string `json:"outcome,omitempty"`
}

type overdueReport struct {
	Version string        `json:"version"`
	Now     int64         `json:"now"`
	Execute bool          `json:"execute"`
	Items   []overdueItem `json:"items"`
	Paid    int           `json:"paid"`
	Delayed int           `json:"delayed"`
}

// payer disburses one already-claimed payment.
type payer interface {
	Pay(ctx context.Context, p stake.Payment) payout.Outcome
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := runMain(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func runMain(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("stake-payouts", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	policyPath := fs.String("policy", "", "path to the YAML policy file (required)")
	postgresDSN := fs.String("postgres-dsn", "", "Postgres DSN (required)")
	execute := fs.Bool("execute", false, "pay every listed row instead of only listing")

	walletURL := fs.String("wallet-url", "", "wallet RPC URL (required with --execute)")
	secretsDriver := fs.String("secrets-driver", secrets.DriverEnv, "secrets driver: env|aws")
	walletSecret := fs.String("wallet-secret", "wallet-rpc", "secret name holding the wallet RPC user:pass")
	exchangeURL := fs.String("exchange-base-url", exchange.DefaultBaseURL, "exchange REST base URL")

	queueDriver := fs.String("queue-driver", queue.DriverStdio, "receipt queue driver: kafka|stdio")
	queueBrokers := fs.String("queue-brokers", "", "comma-separated queue brokers (required for kafka)")
	queueTLS := fs.Bool("queue-tls", false, "use TLS for kafka brokers")
	receiptTopic := fs.String("receipt-topic", audit.DefaultTopic, "topic receipts are published to")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if *policyPath == "" || *postgresDSN == "" {
		return errors.New("--policy and --postgres-dsn are required")
	}
	if *execute && *walletURL == "" {
		return errors.New("--wallet-url is required with --execute")
	}

	policy, err := config.Load(*policyPath)
	if err != nil {
		return err
	}

	pool, err := pgxpool.New(ctx, *postgresDSN)
	if err != nil {
		return fmt.Errorf("init pgx pool: %w", err)
	}
	defer pool.Close()

	store, err := stakepg.New(pool)
	if err != nil {
		return fmt.Errorf("init stake store: %w", err)
	}

	if !*execute {
		_, err := listOverdue(ctx, store, nil, time.Now(), stdout)
		return err
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	secretProvider, err := secrets.New(ctx, *secretsDriver)
	if err != nil {
		return err
	}
	ledger, subs, err := railsetup.Build(ctx, policy, secretProvider, railsetup.Options{
		WalletURL:       *walletURL,
		WalletSecret:    *walletSecret,
		ExchangeBaseURL: *exchangeURL,
	}, log)
	if err != nil {
		return err
	}

	producer, err := queue.NewProducer(queue.ProducerConfig{
		Driver:  *queueDriver,
		Brokers: queue.SplitCommaList(*queueBrokers),
		TLS:     *queueTLS,
		Writer:  os.Stderr,
	})
	if err != nil {
		return fmt.Errorf("init receipt producer: %w", err)
	}
	defer func() { _ = producer.Close() }()

	rec, err := audit.New(audit.Config{Topic: *receiptTopic}, store, producer, log)
	if err != nil {
		return err
	}

	engine, err := payout.New(payout.Config{
		Custody:              policy.Ledger.Account,
		Symbol:               policy.Ledger.Symbol,
		PaymentReserve:       policy.PaymentReserve,
		MinSubAccountBalance: policy.MinSubAccountBalance,
		SubAccountReserve:    policy.SubAccountReserve,
		CoverPollInterval:    policy.CoverPollInterval,
		CoverTimeout:         policy.CoverTimeout,
		Workers:              1,
		SupportContact:       policy.SupportContact,
	}, store, ledger, subs, rec, log)
	if err != nil {
		return err
	}
	defer func() { _ = engine.Close(context.Background()) }()

	_, err = listOverdue(ctx, store, engine, time.Now(), stdout)
	return err
}

// listOverdue writes every processing row due before now. With a non-nil
// payer each row is paid in due order, one at a time.
func listOverdue(ctx context.Context, store stake.Store, pay payer, now time.Time, stdout io.Writer) (overdueReport, error) {
	rows, err := store.ListProcessing(ctx, now.UnixMilli())
	if err != nil {
		return overdueReport{}, fmt.Errorf("list processing: %w", err)
	}

	rep := overdueReport{
		Version: "stake.payouts.v1",
		Now:     now.UnixMilli(),
		Execute: pay != nil,
		Items:   make([]overdueItem, 0, len(rows)),
	}
	for _, p := range rows {
		item := overdueItem{
			ID:     p.ID(),
			Client: p.Client,
			Kind:   string(p.Kind),
			Start:  p.Start,
			Number: p.Number,
			Amount: p.Amount,
			Due:    p.Due,
		}
		if pay != nil && ctx.Err() == nil {
			outcome := pay.Pay(ctx, p)
			item.Outcome = outcome.String()
			switch outcome {
			case payout.OutcomePaid:
				rep.Paid++
			case payout.OutcomeDelayed:
				rep.Delayed++
			}
		}
		rep.Items = append(rep.Items, item)
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(rep); err != nil {
		return rep, err
	}
	return rep, ctx.Err()
}
