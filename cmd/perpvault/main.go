package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"PerpVault/internal/config"
	"PerpVault/internal/event"
	"PerpVault/internal/fanout"
	"PerpVault/internal/ingestion"
	"PerpVault/internal/ledger"
	"PerpVault/internal/observability"
	"PerpVault/internal/oracle"
	"PerpVault/internal/persistence"
	"PerpVault/internal/server"
	"PerpVault/internal/stream"
	"PerpVault/internal/usdg"
	"PerpVault/internal/vault"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	drainTimeout    = 30 * time.Second
	snapshotTimeout = 10 * time.Second
)

func main() {
	logger := observability.NewLogger("perpvault")
	if err := run(logger); err != nil {
		logger.Fatal().Err(err).Msg("perpvault exited")
	}
	logger.Info().Msg("perpvault shutdown complete")
}

func run(logger zerolog.Logger) error {
	logger.Info().Msg("perpvault starting")

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Observability ---
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.NewMetrics(registry)
	health := observability.NewHealthChecker()

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.PostgresDSN)
	if err != nil {
		return fmt.Errorf("postgres open: %w", err)
	}
	defer db.Close()

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("postgres ping: %w", err)
	}
	health.AddCheck("postgres", db.PingContext)
	logger.Info().Msg("postgres connected")

	if err := persistence.NewMigrator(db, cfg.MigrationsDir, observability.NewLogger("migrator")).Up(ctx); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	snapMgr := persistence.NewSnapshotManager(db)

	// --- Token ledger, USDG and prices ---
	book := ledger.NewBook()
	debt := usdg.NewController(cfg.USDG(), cfg.GovAddress(), book)
	if err := debt.AddVault(cfg.GovAddress(), cfg.Vault()); err != nil {
		return fmt.Errorf("register vault with usdg: %w", err)
	}

	static := oracle.NewStaticFeed()
	var feed oracle.PriceFeed = static
	sink := ingestion.StaticSink(static)
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		cached := oracle.NewRedisFeed(static, rdb, cfg.PriceTTL)
		feed = cached
		sink = ingestion.Tee(sink, ingestion.RedisSink(cached))
		health.AddCheck("redis", func(ctx context.Context) error { return rdb.Ping(ctx).Err() })
		logger.Info().Str("addr", cfg.RedisAddr).Msg("redis price cache enabled")
	}

	// --- Vault ---
	// Committed outputs block the sequencer until the fan-out takes them;
	// only a stopped pipeline releases them.
	outputs := make(chan *vault.Output, cfg.OutputBuffer)
	pipeCtx, pipeCancel := context.WithCancel(context.Background())
	defer pipeCancel()
	pipe, pipeCtx := errgroup.WithContext(pipeCtx)
	v := vault.New(vault.Deps{
		Address:    cfg.Vault(),
		Gov:        cfg.GovAddress(),
		Tokens:     book,
		USDG:       debt,
		Feed:       feed,
		Logger:     observability.NewLogger("vault"),
		Metrics:    metrics,
		Output:     outputs,
		OutputDone: pipeCtx.Done(),
	})

	snap, err := persistence.Recover(ctx, snapMgr, v, book, observability.NewLogger("recovery"))
	if err != nil {
		return fmt.Errorf("recover: %w", err)
	}
	if snap == nil {
		fee, err := cfg.LiquidationFee()
		if err != nil {
			return err
		}
		call := vault.Call{Caller: cfg.GovAddress(), Timestamp: time.Now().Unix()}
		if err := v.Initialize(call, cfg.RouterAddress(), debt, feed, fee, cfg.FundingRateFactor, cfg.StableFundingRateFactor); err != nil {
			return fmt.Errorf("initialize vault: %w", err)
		}
	}

	// --- NATS ---
	nc, js, err := ingestion.ConnectNATS(cfg.NATSURL, observability.NewLogger("nats"))
	if err != nil {
		return fmt.Errorf("nats connect: %w", err)
	}
	defer nc.Close()
	health.AddCheck("nats", func(context.Context) error {
		if !nc.IsConnected() {
			return errors.New("nats disconnected")
		}
		return nil
	})

	if err := ingestion.EnsurePriceStream(ctx, js, cfg.PriceStream, cfg.PriceSubject); err != nil {
		return fmt.Errorf("ensure price stream: %w", err)
	}
	if err := ingestion.EnsureOutboundStream(ctx, js, cfg.NATSStream); err != nil {
		return fmt.Errorf("ensure outbound stream: %w", err)
	}

	// --- Output pipeline ---
	// persistCh blocks the fan-out when the database falls behind; the
	// publisher and websocket hub drop instead.
	persistCh := make(chan *vault.Output, cfg.OutputBuffer)
	publishCh := make(chan *event.Envelope, cfg.OutputBuffer)
	hub := stream.NewHub(metrics, observability.NewLogger("stream"))
	fan := fanout.New(outputs, persistCh, publishCh, hub, metrics, observability.NewLogger("fanout"))
	worker := persistence.NewPersistenceWorker(
		persistence.NewEventLogWriter(db),
		persistCh,
		cfg.PersistBatchSize,
		cfg.PersistFlushTimeout,
		metrics,
		observability.NewLogger("persistence"),
	)
	publisher := ingestion.NewEventPublisher(js, publishCh, metrics, observability.NewLogger("publisher"))

	pipe.Go(func() error { return fan.Run(pipeCtx) })
	pipe.Go(func() error { return worker.Run(pipeCtx) })
	pipe.Go(func() error { return publisher.Run(pipeCtx) })

	// --- Sequencer ---
	// v is owned by the sequencer goroutine from here on.
	startSeq := v.Sequence()
	seq := vault.NewSequencer(v, cfg.SequencerBacklog, metrics)
	seqCtx, seqCancel := context.WithCancel(context.Background())
	defer seqCancel()
	seqDone := make(chan error, 1)
	go func() { seqDone <- seq.Run(seqCtx) }()

	// --- Servers and background jobs ---
	auth, err := server.NewAuthenticator(cfg.APIKeys)
	if err != nil {
		return fmt.Errorf("api keys: %w", err)
	}
	if len(cfg.APIKeys) == 0 {
		logger.Warn().Msg("no api keys configured, actions are disabled")
	}
	if cfg.EnableFaucet {
		logger.Warn().Msg("token faucet enabled at /v1/admin/mint")
	}
	svc := server.NewVaultService(seq, book, cfg.Vault(), cfg.USDG(), metrics, observability.NewLogger("service"), nil)
	srv := server.NewGRPCServer(cfg.GRPCAddr, cfg.HTTPAddr, &server.ServerDeps{
		Service:      svc,
		Stream:       hub,
		Auth:         auth,
		EnableFaucet: cfg.EnableFaucet,
		Logger:       observability.NewLogger("server"),
	})

	snapshotter := persistence.NewSnapshotter(snapMgr, seq, book, cfg.SnapshotInterval, cfg.SnapshotCheck, metrics, observability.NewLogger("snapshotter"))
	if snap != nil {
		snapshotter.SetLast(snap.Sequence)
	}

	prices := ingestion.NewPriceSubscriber(js, cfg.PriceStream, cfg.PriceSubject, sink, observability.NewLogger("prices"))

	g, gctx := errgroup.WithContext(ctx)
	if err := prices.Subscribe(gctx); err != nil {
		return fmt.Errorf("subscribe prices: %w", err)
	}
	g.Go(func() error {
		<-gctx.Done()
		prices.Stop()
		return nil
	})
	// A failed pipeline stage brings the servers down too.
	g.Go(func() error {
		select {
		case <-pipeCtx.Done():
			return errors.New("output pipeline stopped")
		case <-gctx.Done():
			return nil
		}
	})
	g.Go(func() error { return hub.Run(gctx) })
	g.Go(func() error { return srv.StartGRPC(gctx) })
	g.Go(func() error { return srv.StartHTTPGateway(gctx) })
	g.Go(func() error { return serveOps(gctx, cfg.MetricsAddr, health.Routes(registry), logger) })
	g.Go(func() error { return snapshotter.Run(gctx) })

	health.SetReady(true)
	logger.Info().
		Int64("sequence", startSeq).
		Str("grpc", cfg.GRPCAddr).
		Str("http", cfg.HTTPAddr).
		Str("metrics", cfg.MetricsAddr).
		Msg("perpvault ready")

	serveErr := g.Wait()
	health.SetReady(false)
	if serveErr != nil {
		logger.Error().Err(serveErr).Msg("shutting down after failure")
	} else {
		logger.Info().Msg("shutting down")
	}

	// --- Graceful shutdown ---
	// Stop taking actions, drain every committed output to its sinks, then
	// snapshot the quiescent state.
	seqCancel()
	var seqErr error
	select {
	case seqErr = <-seqDone:
	case <-time.After(drainTimeout):
		// the last action is stuck on a pipeline that stopped draining
		logger.Warn().Dur("timeout", drainTimeout).Msg("sequencer blocked on output, abandoning pipeline")
		pipeCancel()
		seqErr = <-seqDone
	}
	if seqErr != nil {
		logger.Error().Err(seqErr).Msg("sequencer stopped with error")
	}
	close(outputs)

	pipeDone := make(chan error, 1)
	go func() { pipeDone <- pipe.Wait() }()
	var pipeErr error
	select {
	case pipeErr = <-pipeDone:
	case <-time.After(drainTimeout):
		logger.Warn().Dur("timeout", drainTimeout).Msg("output pipeline did not drain, abandoning")
		pipeCancel()
		pipeErr = <-pipeDone
	}
	if pipeErr != nil {
		logger.Error().Err(pipeErr).Msg("output pipeline failed")
	}

	snapCtx, snapCancel := context.WithTimeout(context.Background(), snapshotTimeout)
	defer snapCancel()
	final := persistence.Capture(v, book, time.Now().UTC())
	if err := snapshotter.Save(snapCtx, final); err != nil {
		logger.Error().Err(err).Msg("final snapshot failed")
	} else {
		logger.Info().Int64("sequence", final.Sequence).Msg("final snapshot saved")
	}

	if serveErr != nil {
		return serveErr
	}
	return pipeErr
}

// serveOps serves /metrics, /healthz and /readyz until ctx is cancelled.
func serveOps(ctx context.Context, addr string, handler http.Handler, logger zerolog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
	}()

	logger.Info().Str("addr", addr).Msg("ops server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ops server: %w", err)
	}
	return nil
}
