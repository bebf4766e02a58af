package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.mongodb.org/mongo-driver/mongo"
	mongooptions "go.mongodb.org/mongo-driver/mongo/options"

	"github.com/arena-gg/arena-settle/internal/arenaapi"
	"github.com/arena-gg/arena-settle/internal/docstore"
	"github.com/arena-gg/arena-settle/internal/events"
	"github.com/arena-gg/arena-settle/internal/intent"
	intentpg "github.com/arena-gg/arena-settle/internal/intent/postgres"
	"github.com/arena-gg/arena-settle/internal/ledger"
	"github.com/arena-gg/arena-settle/internal/reconcile"
	"github.com/arena-gg/arena-settle/internal/secrets"
	"github.com/arena-gg/arena-settle/internal/txarchive"
	"github.com/arena-gg/arena-settle/internal/txbuild"
)

func main() {
	var (
		listenAddr = flag.String("listen", "127.0.0.1:8080", "HTTP listen address")

		postgresDSNRef = flag.String("postgres-dsn", "", "Postgres DSN or secret reference env:NAME / aws:ARN (required)")
		mongoURIRef    = flag.String("mongo-uri", "", "MongoDB URI or secret reference (required)")
		mongoDatabase  = flag.String("mongo-database", "arena", "MongoDB database name")
		awsSecrets     = flag.Bool("aws-secrets", false, "resolve aws: secret references via AWS Secrets Manager")

		intentTTL = flag.Duration("intent-ttl", intent.DefaultTTL, "pending intent time-to-live")

		rpcURL    = flag.String("rpc-url", "", "Solana RPC endpoint (required)")
		programID = flag.String("program-id", "", "arena settlement program id (required)")
		authority = flag.String("authority", "", "platform authority public key (required)")
		mint      = flag.String("mint", "", "platform token mint (required)")

		archiveDriver = flag.String("archive-driver", "", "transaction archive driver (s3|memory); empty disables archiving")
		archiveBucket = flag.String("archive-bucket", "", "S3 bucket for the transaction archive")
		archivePrefix = flag.String("archive-prefix", "", "key prefix for the transaction archive")

		outcomeDriver  = flag.String("outcome-driver", "", "outcome event driver (kafka|stdio); empty disables events")
		outcomeTopic   = flag.String("outcome-topic", "settlement.outcomes.v1", "topic for outcome events")
		outcomeBrokers = flag.String("outcome-brokers", "", "Kafka brokers (comma-separated)")

		rateLimitPerSecond = flag.Float64("rate-limit-per-ip-per-second", 20, "per-IP refill rate for API rate limiting")
		rateLimitBurst     = flag.Int("rate-limit-burst", 40, "per-IP burst capacity for API rate limiting")
		rateLimitMaxIPs    = flag.Int("rate-limit-max-tracked-ips", 10000, "maximum tracked client IP entries in rate limiter")

		readHeaderTimeout = flag.Duration("read-header-timeout", 5*time.Second, "http.Server ReadHeaderTimeout")
		readTimeout       = flag.Duration("read-timeout", 10*time.Second, "http.Server ReadTimeout")
		writeTimeout      = flag.Duration("write-timeout", 10*time.Second, "http.Server WriteTimeout")
		idleTimeout       = flag.Duration("idle-timeout", 60*time.Second, "http.Server IdleTimeout")
	)
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if *postgresDSNRef == "" || *mongoURIRef == "" || *rpcURL == "" || *programID == "" || *authority == "" || *mint == "" {
		fmt.Fprintln(os.Stderr, "error: --postgres-dsn, --mongo-uri, --rpc-url, --program-id, --authority, and --mint are required")
		os.Exit(2)
	}
	if *listenAddr == "" {
		fmt.Fprintln(os.Stderr, "error: --listen must be non-empty")
		os.Exit(2)
	}
	if *intentTTL <= 0 {
		fmt.Fprintln(os.Stderr, "error: --intent-ttl must be > 0")
		os.Exit(2)
	}
	if *readHeaderTimeout <= 0 || *readTimeout <= 0 || *writeTimeout <= 0 || *idleTimeout <= 0 {
		fmt.Fprintln(os.Stderr, "error: timeouts must be > 0")
		os.Exit(2)
	}

	program, err := solana.PublicKeyFromBase58(*programID)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error: --program-id must be a base58 public key")
		os.Exit(2)
	}
	authorityKey, err := solana.PublicKeyFromBase58(*authority)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error: --authority must be a base58 public key")
		os.Exit(2)
	}
	mintKey, err := solana.PublicKeyFromBase58(*mint)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error: --mint must be a base58 public key")
		os.Exit(2)
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

	builderOpts := []txbuild.Option{txbuild.WithLogger(log)}
	if strings.TrimSpace(*archiveDriver) != "" {
		archiveCfg := txarchive.Config{
			Driver: *archiveDriver,
			Bucket: *archiveBucket,
			Prefix: *archivePrefix,
		}
		if archiveCfg.Driver == txarchive.DriverS3 {
			awsCfg, cfgErr := awsconfig.LoadDefaultConfig(ctx)
			if cfgErr != nil {
				log.Error("load aws config", "err", cfgErr)
				os.Exit(2)
			}
			archiveCfg.S3Client = s3.NewFromConfig(awsCfg)
		}
		archive, archiveErr := txarchive.New(archiveCfg)
		if archiveErr != nil {
			log.Error("init transaction archive", "err", archiveErr)
			os.Exit(2)
		}
		builderOpts = append(builderOpts, txbuild.WithArchive(archive))
	}

	builder, err := txbuild.New(txbuild.Config{
		ProgramID: program,
		Authority: authorityKey,
		Mint:      mintKey,
	}, intents, rpc.New(*rpcURL), builderOpts...)
	if err != nil {
		log.Error("init transaction builder", "err", err)
		os.Exit(2)
	}

	handler, err := arenaapi.NewHandler(arenaapi.Config{
		Reconciler:              engine,
		Intents:                 intents,
		Builder:                 builder,
		RateLimitPerIPPerSecond: *rateLimitPerSecond,
		RateLimitBurst:          *rateLimitBurst,
		RateLimitMaxTrackedIPs:  *rateLimitMaxIPs,
		Now:                     time.Now,
	})
	if err != nil {
		log.Error("init api handler", "err", err)
		os.Exit(2)
	}

	srv := &http.Server{
		Addr:              *listenAddr,
		Handler:           handler,
		ReadHeaderTimeout: *readHeaderTimeout,
		ReadTimeout:       *readTimeout,
		WriteTimeout:      *writeTimeout,
		IdleTimeout:       *idleTimeout,
		MaxHeaderBytes:    1 << 20,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("arena-api listening", "addr", *listenAddr, "program", program.String())
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown", "reason", ctx.Err())
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			log.Error("server error", "err", err)
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
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
