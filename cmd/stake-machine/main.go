package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stakebts/stake-machine/internal/audit"
	"github.com/stakebts/stake-machine/internal/blobstore"
	"github.com/stakebts/stake-machine/internal/config"
	"github.com/stakebts/stake-machine/internal/exchange"
	"github.com/stakebts/stake-machine/internal/leases"
	leasespg "github.com/stakebts/stake-machine/internal/leases/postgres"
	"github.com/stakebts/stake-machine/internal/lifecycle"
	"github.com/stakebts/stake-machine/internal/listener"
	"github.com/stakebts/stake-machine/internal/nonce"
	"github.com/stakebts/stake-machine/internal/payout"
	"github.com/stakebts/stake-machine/internal/queue"
	"github.com/stakebts/stake-machine/internal/railsetup"
	"github.com/stakebts/stake-machine/internal/reconcile"
	"github.com/stakebts/stake-machine/internal/secrets"
	"github.com/stakebts/stake-machine/internal/stake"
	stakepg "github.com/stakebts/stake-machine/internal/stake/postgres"
	"github.com/stakebts/stake-machine/internal/treasury"
)

type stakeStore interface {
	stake.Store
	stake.Receipts
	stake.Cursor
}

func main() {
	var (
		policyPath = flag.String("policy", "", "path to the YAML policy file (required)")

		storeDriver = flag.String("store-driver", "postgres", "stake store driver: postgres|memory")
		postgresDSN = flag.String("postgres-dsn", "", "Postgres DSN (required for postgres drivers)")

		leaseDriver = flag.String("lease-driver", "postgres", "lease driver: postgres|memory")
		ownerID     = flag.String("owner-id", "", "unique instance id (required)")
		leaseName   = flag.String("lease-name", "stake-machine", "lease name for the single active instance")
		leaseTTL    = flag.Duration("lease-ttl", 15*time.Second, "lease TTL")

		walletURL     = flag.String("wallet-url", "", "wallet RPC URL (required)")
		walletTimeout = flag.Duration("wallet-timeout", 10*time.Second, "wallet RPC request timeout")
		secretsDriver = flag.String("secrets-driver", secrets.DriverEnv, "secrets driver: env|aws")
		walletSecret  = flag.String("wallet-secret", "wallet-rpc", "secret name holding the wallet RPC user:pass")

		exchangeURL = flag.String("exchange-base-url", exchange.DefaultBaseURL, "exchange REST base URL")
		confirm     = flag.Bool("confirm-stakes", true, "send a 1-unit confirmation transfer for every new stake")

		queueDriver  = flag.String("queue-driver", queue.DriverKafka, "queue driver: kafka|stdio")
		queueBrokers = flag.String("queue-brokers", "", "comma-separated queue brokers (required for kafka)")
		queueTLS     = flag.Bool("queue-tls", false, "use TLS for kafka brokers")
		receiptTopic = flag.String("receipt-topic", audit.DefaultTopic, "topic receipts are published to")

		archiveDriver = flag.String("archive-driver", "none", "balance snapshot archive: s3|memory|none")
		archiveBucket = flag.String("archive-bucket", "", "S3 bucket for snapshots (required for s3)")
		archivePrefix = flag.String("archive-prefix", "stake-machine", "key prefix for snapshots")

		shutdownTimeout = flag.Duration("shutdown-timeout", 30*time.Second, "time allowed for in-flight payments on shutdown")
	)
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	if *policyPath == "" || *ownerID == "" || *walletURL == "" {
		fmt.Fprintln(os.Stderr, "error: --policy, --owner-id, and --wallet-url are required")
		os.Exit(2)
	}
	if *leaseTTL <= 0 || *walletTimeout <= 0 || *shutdownTimeout <= 0 {
		fmt.Fprintln(os.Stderr, "error: --lease-ttl, --wallet-timeout, and --shutdown-timeout must be > 0")
		os.Exit(2)
	}

	policy, err := config.Load(*policyPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: --policy: %v\n", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var pool *pgxpool.Pool
	needPool := normalize(*storeDriver) == "postgres" || normalize(*leaseDriver) == "postgres"
	if needPool {
		if *postgresDSN == "" {
			fmt.Fprintln(os.Stderr, "error: --postgres-dsn is required when a postgres driver is selected")
			os.Exit(2)
		}
		pool, err = pgxpool.New(ctx, *postgresDSN)
		if err != nil {
			log.Error("init pgx pool", "err", err)
			os.Exit(2)
		}
		defer pool.Close()
	}

	var store stakeStore
	switch normalize(*storeDriver) {
	case "postgres":
		pgStore, err := stakepg.New(pool)
		if err != nil {
			log.Error("init stake store", "err", err)
			os.Exit(2)
		}
		if err := pgStore.EnsureSchema(ctx); err != nil {
			log.Error("ensure stake schema", "err", err)
			os.Exit(2)
		}
		store = pgStore
	case "memory":
		if !policy.Dev {
			fmt.Fprintln(os.Stderr, "error: --store-driver=memory is only allowed with dev: true")
			os.Exit(2)
		}
		store = stake.NewMemoryStore()
	default:
		fmt.Fprintf(os.Stderr, "error: unsupported --store-driver %q\n", *storeDriver)
		os.Exit(2)
	}

	var leaseStore leases.Store
	switch normalize(*leaseDriver) {
	case "postgres":
		pgLeaseStore, err := leasespg.New(pool)
		if err != nil {
			log.Error("init lease store", "err", err)
			os.Exit(2)
		}
		if err := pgLeaseStore.EnsureSchema(ctx); err != nil {
			log.Error("ensure lease schema", "err", err)
			os.Exit(2)
		}
		leaseStore = pgLeaseStore
	case "memory":
		leaseStore = leases.NewMemoryStore(time.Now)
	default:
		fmt.Fprintf(os.Stderr, "error: unsupported --lease-driver %q\n", *leaseDriver)
		os.Exit(2)
	}

	secretProvider, err := secrets.New(ctx, *secretsDriver)
	if err != nil {
		log.Error("init secrets provider", "err", err)
		os.Exit(2)
	}

	ledger, subs, err := railsetup.Build(ctx, policy, secretProvider, railsetup.Options{
		WalletURL:       *walletURL,
		WalletSecret:    *walletSecret,
		WalletTimeout:   *walletTimeout,
		ExchangeBaseURL: *exchangeURL,
	}, log)
	if err != nil {
		log.Error("init rails", "err", err)
		os.Exit(2)
	}
	if err := railsetup.Probe(ctx, ledger, policy.Ledger.Account, subs, log); err != nil && !policy.Dev {
		log.Error("credential check failed", "err", err)
		os.Exit(1)
	}

	producer, err := queue.NewProducer(queue.ProducerConfig{
		Driver:  *queueDriver,
		Brokers: queue.SplitCommaList(*queueBrokers),
		TLS:     *queueTLS,
	})
	if err != nil {
		log.Error("init receipt producer", "err", err)
		os.Exit(2)
	}
	defer func() { _ = producer.Close() }()

	rec, err := audit.New(audit.Config{Topic: *receiptTopic}, store, producer, log.With("component", "audit"))
	if err != nil {
		log.Error("init audit recorder", "err", err)
		os.Exit(2)
	}

	archive, err := buildArchive(ctx, *archiveDriver, *archiveBucket, *archivePrefix)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: --archive-driver: %v\n", err)
		os.Exit(2)
	}

	nonces := nonce.New()
	symbol := policy.Ledger.Symbol
	custody := policy.Ledger.Account

	payouts, err := payout.New(payout.Config{
		Custody:              custody,
		Symbol:               symbol,
		PaymentReserve:       policy.PaymentReserve,
		MinSubAccountBalance: policy.MinSubAccountBalance,
		SubAccountReserve:    policy.SubAccountReserve,
		CoverPollInterval:    policy.CoverPollInterval,
		CoverTimeout:         policy.CoverTimeout,
		Workers:              policy.PayoutWorkers,
		QueueSize:            policy.PayoutQueueSize,
		SupportContact:       policy.SupportContact,
	}, store, ledger, subs, rec, log.With("component", "payout"))
	if err != nil {
		log.Error("init payout engine", "err", err)
		os.Exit(2)
	}

	stakes, err := lifecycle.New(lifecycle.Config{
		Terms: stake.Terms{
			Token:       symbol,
			InterestBps: policy.InterestBps,
			PenaltyBps:  policy.PenaltyBps,
		},
		Symbol:  symbol,
		Confirm: *confirm,
	}, store, ledger, rec, payouts, log.With("component", "lifecycle"))
	if err != nil {
		log.Error("init lifecycle engine", "err", err)
		os.Exit(2)
	}

	admin, err := treasury.New(treasury.Config{
		Custody:      custody,
		Symbol:       symbol,
		Operators:    policy.Operators,
		MinTransfer:  policy.MinAdminTransfer,
		MaxLagBlocks: policy.AdminMaxLagBlocks,
	}, ledger, subs, rec, log.With("component", "treasury"))
	if err != nil {
		log.Error("init treasury handler", "err", err)
		os.Exit(2)
	}

	blocks, err := listener.New(listener.Config{
		Custody:       custody,
		Symbol:        symbol,
		Operators:     policy.Operators,
		InvestTiers:   policy.InvestTiers,
		FlatFee:       policy.FlatFee,
		DustThreshold: policy.DustThreshold,
		ReplayMode:    policy.Replay.Mode,
		ReplayBlock:   policy.Replay.Block,
	}, ledger, store, nonces, stakes, admin, rec, log.With("component", "listener"))
	if err != nil {
		log.Error("init listener", "err", err)
		os.Exit(2)
	}

	reporter, err := reconcile.New(reconcile.Config{
		Custody:  custody,
		Symbol:   symbol,
		Window:   policy.SolvencyWindow,
		Schedule: policy.ReconcileSchedule,
	}, store, ledger, subs, rec, nonces, archive, log.With("component", "reconcile"))
	if err != nil {
		log.Error("init reporter", "err", err)
		os.Exit(2)
	}

	elector, err := leases.NewElector(leaseStore, *leaseName, *ownerID, *leaseTTL, log.With("component", "leases"))
	if err != nil {
		log.Error("init elector", "err", err)
		os.Exit(2)
	}

	storedBlock, _ := store.BlockNum(ctx)
	head, _ := ledger.HeadBlock(ctx)
	log.Info("stake machine started",
		"owner", *ownerID,
		"dev", policy.Dev,
		"custody", custody,
		"symbol", symbol,
		"subAccounts", len(subs),
		"replayMode", policy.Replay.Mode,
		"storedBlock", storedBlock,
		"head", head,
		"storeDriver", *storeDriver,
		"leaseDriver", *leaseDriver,
		"queueDriver", *queueDriver,
		"archiveDriver", *archiveDriver,
	)

	err = elector.Lead(ctx, func(ctx context.Context) error {
		lease, _ := leases.FromContext(ctx)
		log.Info("leadership acquired", "lease", *leaseName, "term", lease.Term)
		return runAll(ctx,
			func(ctx context.Context) error { return blocks.Run(ctx, policy.ListenInterval) },
			func(ctx context.Context) error { return payouts.Run(ctx, policy.PayoutInterval) },
			reporter.Run,
		)
	})

	closeCtx, cancel := context.WithTimeout(context.Background(), *shutdownTimeout)
	defer cancel()
	if cerr := payouts.Close(closeCtx); cerr != nil {
		log.Warn("payout shutdown cut short, unfinished payments stay processing", "err", cerr, "inFlight", payouts.InFlight())
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error("stake machine stopped", "err", err)
		os.Exit(1)
	}
	log.Info("stake machine stopped")
}

// runAll runs every loop until ctx is done or one of them fails; the first
// failure stops the rest.
func runAll(ctx context.Context, loops ...func(context.Context) error) error {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	var wg sync.WaitGroup
	for _, loop := range loops {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := loop(ctx); err != nil && ctx.Err() == nil {
				cancel(err)
			}
		}()
	}
	wg.Wait()
	if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
		return cause
	}
	return ctx.Err()
}

func buildArchive(ctx context.Context, driver, bucket, prefix string) (blobstore.Store, error) {
	switch normalize(driver) {
	case "", "none":
		return nil, nil
	case blobstore.DriverMemory:
		return blobstore.NewMemory(prefix), nil
	case blobstore.DriverS3:
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		return blobstore.New(blobstore.Config{
			Driver:   blobstore.DriverS3,
			Prefix:   prefix,
			Bucket:   bucket,
			S3Client: s3.NewFromConfig(awsCfg),
		})
	default:
		return nil, fmt.Errorf("unsupported driver %q", driver)
	}
}

func normalize(v string) string {
	return strings.ToLower(strings.TrimSpace(v))
}
