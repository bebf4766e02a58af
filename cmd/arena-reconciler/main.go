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
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.mongodb.org/mongo-driver/mongo"
	mongooptions "go.mongodb.org/mongo-driver/mongo/options"

	"github.com/arena-gg/arena-settle/internal/docstore"
	"github.com/arena-gg/arena-settle/internal/events"
	"github.com/arena-gg/arena-settle/internal/intent"
	intentpg "github.com/arena-gg/arena-settle/internal/intent/postgres"
	"github.com/arena-gg/arena-settle/internal/leases"
	leasespg "github.com/arena-gg/arena-settle/internal/leases/postgres"
	"github.com/arena-gg/arena-settle/internal/ledger"
	"github.com/arena-gg/arena-settle/internal/reconcile"
	"github.com/arena-gg/arena-settle/internal/secrets"
	"github.com/arena-gg/arena-settle/internal/sweeper"
)

func main() {
	var (
		postgresDSNRef = flag.String("postgres-dsn", "", "Postgres DSN or secret reference env:NAME / aws:ARN (required)")
		mongoURIRef    = flag.String("mongo-uri", "", "MongoDB URI or secret reference (required)")
		mongoDatabase  = flag.String("mongo-database", "arena", "MongoDB database name")
		awsSecrets     = flag.Bool("aws-secrets", false, "resolve aws: secret references via AWS Secrets Manager")

		intentTTL = flag.Duration("intent-ttl", intent.DefaultTTL, "pending intent time-to-live")

		rpcURL = flag.String("rpc-url", "", "Solana RPC endpoint (required)")

		owner          = flag.String("owner", "", "sweeper instance id; default hostname plus a random suffix")
		sweepInterval  = flag.Duration("sweep-interval", 30*time.Second, "interval between verification passes")
		expiryInterval = flag.Duration("expiry-interval", time.Minute, "interval between expiry passes")
		batchSize      = flag.Int("batch-size", 100, "maximum intents handled per pass")

		leaderElect = flag.Bool("leader-elect", false, "coordinate sweeps across replicas via database leases")
		leaseTTL    = flag.Duration("lease-ttl", 15*time.Second, "sweep lease time-to-live")

		outcomeDriver  = flag.String("outcome-driver", "", "outcome event driver (kafka|stdio); empty disables events")
		outcomeTopic   = flag.String("outcome-topic", "settlement.outcomes.v1", "topic for outcome events")
		outcomeBrokers = flag.String("outcome-brokers", "", "Kafka brokers (comma-separated)")
	)
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if *postgresDSNRef == "" || *mongoURIRef == "" || *rpcURL == "" {
		fmt.Fprintln(os.Stderr, "error: --postgres-dsn, --mongo-uri, and --rpc-url are required")
		os.Exit(2)
	}
	if *intentTTL <= 0 || *sweepInterval <= 0 || *expiryInterval <= 0 || *batchSize <= 0 {
		fmt.Fprintln(os.Stderr, "error: --intent-ttl, --sweep-interval, --expiry-interval, and --batch-size must be > 0")
		os.Exit(2)
	}

	instance := strings.TrimSpace(*owner)
	if instance == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "arena-reconciler"
		}
		instance = host + "-" + uuid.NewString()[:8]
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var awsProvider secrets.Provider
	if *awsSecrets {
		p, err := secrets.NewAWS(ctx)
		if err != nil {
			log.Error("init aws secrets provider", "err", err)
			os.Exit(2)
		}
		awsProvider = p
	}
	resolver := secrets.NewResolver(secrets.NewEnv(), awsProvider)

	postgresDSN, err := resolver.Resolve(ctx, *postgresDSNRef)
	if err != nil {
		log.Error("resolve postgres dsn", "err", err)
		os.Exit(2)
	}
	mongoURI, err := resolver.Resolve(ctx, *mongoURIRef)
	if err != nil {
		log.Error("resolve mongo uri", "err", err)
		os.Exit(2)
	}

	pool, err := pgxpool.New(ctx, postgresDSN)
	if err != nil {
		log.Error("init pgx pool", "err", err)
		os.Exit(2)
	}
	defer pool.Close()

	intents, err := intentpg.New(pool, *intentTTL)
	if err != nil {
		log.Error("init intent store", "err", err)
		os.Exit(2)
	}
	if err := intents.EnsureSchema(ctx); err != nil {
		log.Error("ensure intent schema", "err", err)
		os.Exit(2)
	}

	mongoClient, err := mongo.Connect(ctx, mongooptions.Client().ApplyURI(mongoURI))
	if err != nil {
		log.Error("init mongo client", "err", err)
		os.Exit(2)
	}
	defer func() {
		disconnectCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = mongoClient.Disconnect(disconnectCtx)
	}()

	docs, err := docstore.NewMongoStore(mongoClient.Database(*mongoDatabase))
	if err != nil {
		log.Error("init document store", "err", err)
		os.Exit(2)
	}

	verifier, err := ledger.NewRPCVerifier(*rpcURL)
	if err != nil {
		log.Error("init ledger verifier", "err", err)
		os.Exit(2)
	}

	dispatcher, err := reconcile.NewDispatcher(docs, log)
	if err != nil {
		log.Error("init dispatcher", "err", err)
		os.Exit(2)
	}

	var publisher events.Publisher
	if strings.TrimSpace(*outcomeDriver) != "" {
		publisher, err = events.New(events.Config{
			Driver:  *outcomeDriver,
			Topic:   *outcomeTopic,
			Brokers: splitCommaList(*outcomeBrokers),
			Writer:  os.Stdout,
		})
		if err != nil {
			log.Error("init outcome publisher", "err", err)
			os.Exit(2)
		}
		defer publisher.Close()
	}

	engine, err := reconcile.NewEngine(reconcile.EngineConfig{
		Intents:    intents,
		Verifier:   verifier,
		Dispatcher: dispatcher,
		Publisher:  publisher,
		Log:        log,
	})
	if err != nil {
		log.Error("init reconcile engine", "err", err)
		os.Exit(2)
	}

	var leaseStore leases.Store
	if *leaderElect {
		store, leaseErr := leasespg.New(pool)
		if leaseErr != nil {
			log.Error("init lease store", "err", leaseErr)
			os.Exit(2)
		}
		if leaseErr := store.EnsureSchema(ctx); leaseErr != nil {
			log.Error("ensure lease schema", "err", leaseErr)
			os.Exit(2)
		}
		leaseStore = store
	}

	sw, err := sweeper.New(sweeper.Config{
		Owner:          instance,
		Interval:       *sweepInterval,
		ExpiryInterval: *expiryInterval,
		BatchSize:      *batchSize,
		Leases:         leaseStore,
		LeaseTTL:       *leaseTTL,
		Log:            log,
	}, engine, intents)
	if err != nil {
		log.Error("init sweeper", "err", err)
		os.Exit(2)
	}

	log.Info("arena-reconciler starting",
		"instance", instance,
		"sweepInterval", sweepInterval.String(),
		"expiryInterval", expiryInterval.String(),
		"leaderElect", *leaderElect,
	)

	errCh := make(chan error, 2)
	go func() { errCh <- sw.Run(ctx) }()
	go func() { errCh <- sw.RunExpiry(ctx) }()

	for i := 0; i < 2; i++ {
		if err := <-errCh; err != nil && !errors.Is(err, context.Canceled) {
			log.Error("sweep loop", "err", err)
		}
	}
	log.Info("shutdown complete")
}

func splitCommaList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
