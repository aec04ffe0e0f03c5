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

	"LendLedger/internal/config"
	"LendLedger/internal/core"
	"LendLedger/internal/ingestion"
	"LendLedger/internal/observability"
	"LendLedger/internal/persistence"
	"LendLedger/internal/projection"
	"LendLedger/internal/query"
	"LendLedger/internal/server"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

func main() {
	logger := observability.NewLogger("main")
	if err := run(logger); err != nil {
		logger.Fatal().Err(err).Msg("lendledger stopped")
	}
	logger.Info().Msg("shutdown complete")
}

func run(logger zerolog.Logger) error {
	cfg, err := config.DefaultConfig()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	genesis, err := config.LoadGenesis(cfg.GenesisFile)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.PostgresURL)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping db: %w", err)
	}
	if err := persistence.NewMigrator(db, persistence.MigrationSource(cfg.MigrationsDir)).Up(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	metrics := observability.NewMetrics()
	healthChecker := observability.NewHealthChecker()
	healthChecker.AddCheck("postgres", db.PingContext)

	// --- Core and recovery ---
	persistCoreChan := make(chan core.CoreOutput, cfg.PersistChanSize)
	projectionCoreChan := make(chan core.CoreOutput, cfg.ProjectionChanSize)

	c, err := core.NewDeterministicCore(genesis, persistCoreChan, projectionCoreChan,
		persistence.NewPostgresIdempotencyChecker(db), metrics)
	if err != nil {
		return err
	}
	if err := recoverCore(ctx, db, c, cfg.LRUWarmSize, logger); err != nil {
		return fmt.Errorf("recovery: %w", err)
	}

	// --- NATS ---
	nc, js, err := ingestion.ConnectNATS(cfg.NATSURL)
	if err != nil {
		return err
	}
	defer nc.Close()
	healthChecker.AddCheck("nats", func(context.Context) error {
		if !nc.IsConnected() {
			return errors.New("not connected")
		}
		return nil
	})
	if err := ingestion.EnsureStreams(ctx, js); err != nil {
		return err
	}
	if err := ingestion.EnsureOutboundStream(ctx, js); err != nil {
		return err
	}

	// --- Downstream pipeline ---
	// Workers drain their channels after the front stops, so they run
	// outside the signal context.
	persistChan := make(chan persistence.Record, cfg.PersistChanSize)
	projectionChan := make(chan projection.Update, cfg.ProjectionChanSize)
	publishChan := make(chan ingestion.PublishableEvent, cfg.PublishChanSize)

	var back errgroup.Group
	back.Go(func() error {
		bridgePersist(persistCoreChan, persistChan, publishChan, metrics)
		return nil
	})
	back.Go(func() error {
		bridgeProjection(projectionCoreChan, projectionChan, metrics)
		return nil
	})
	back.Go(func() error {
		worker := persistence.NewPersistenceWorker(db, persistChan, cfg.PersistBatchSize, cfg.PersistFlushTimeout, metrics)
		return worker.Run(context.Background())
	})
	back.Go(func() error {
		worker := projection.NewProjectionWorker(db, projectionChan, c.Export().RateModels, metrics)
		return worker.Run(context.Background())
	})
	back.Go(func() error {
		return ingestion.NewOutboundPublisher(js, publishChan, metrics).Run(context.Background())
	})

	// --- Front: everything that submits to the core ---
	admins := ingestion.NewAdmins(cfg.Admins())
	rawChan := make(chan ingestion.RawEvent, cfg.IngestChanSize)
	subscriber := ingestion.NewNATSSubscriber(js, rawChan)

	srv := server.NewGRPCServer(cfg.GRPCAddr, cfg.HTTPAddr, &server.ServerDeps{
		QueryService:  query.NewQueryService(c, db),
		IngestService: ingestion.NewGRPCIngestService(c, admins),
		HealthChecker: healthChecker,
		Metrics:       metrics,
		Tokens:        cfg.APITokens,
		RatePerMin:    cfg.APIRatePerMin,
	})

	front, fctx := errgroup.WithContext(ctx)
	if err := subscriber.Subscribe(fctx, ingestion.DefaultSubjects()); err != nil {
		return err
	}
	front.Go(func() error {
		<-fctx.Done()
		subscriber.Stop()
		return nil
	})
	front.Go(func() error {
		return ignoreCanceled(ingestion.NewIngestLoop(rawChan, c, admins, metrics).Run(fctx))
	})
	if cfg.BlockInterval > 0 {
		front.Go(func() error {
			return ignoreCanceled(ingestion.RunBlockTicker(fctx, c, cfg.BlockInterval))
		})
	}
	front.Go(func() error { return srv.StartGRPC(fctx) })
	front.Go(func() error { return srv.StartHTTPGateway(fctx) })
	front.Go(func() error { return serveMetrics(fctx, cfg.MetricsAddr, logger) })
	front.Go(func() error {
		runSnapshots(fctx, db, c, cfg.SnapshotInterval, metrics, logger)
		return nil
	})

	healthChecker.SetReady(true)
	srv.SetServing(true)
	logger.Info().
		Int64("sequence", c.GetSequence()).
		Uint64("block", c.Block()).
		Str("settlement", c.Settlement().String()).
		Msg("lendledger ready")

	frontErr := front.Wait()
	healthChecker.SetReady(false)
	if frontErr != nil {
		logger.Error().Err(frontErr).Msg("front stopped with error")
	}

	// Nothing submits to the core anymore.
	close(persistCoreChan)
	close(projectionCoreChan)
	if err := back.Wait(); err != nil {
		logger.Error().Err(err).Msg("pipeline drain failed")
	}

	takeSnapshot(context.Background(), db, c, metrics, logger)
	return frontErr
}

// bridgePersist forwards every commit to the persistence worker. The send
// is blocking so the core never runs ahead of the log by more than the
// channel buffer. Outbound events are best-effort.
func bridgePersist(in <-chan core.CoreOutput, out chan<- persistence.Record, publish chan<- ingestion.PublishableEvent, metrics *observability.Metrics) {
	defer close(out)
	defer close(publish)
	for o := range in {
		out <- persistence.Record{Envelope: o.Envelope, Delta: o.Delta}
		for _, evt := range ingestion.PublishableFromEnvelope(o.Envelope, time.Now()) {
			select {
			case publish <- evt:
			default:
				metrics.PublishDrops.Inc()
			}
		}
	}
}

func bridgeProjection(in <-chan core.CoreOutput, out chan<- projection.Update, metrics *observability.Metrics) {
	defer close(out)
	for o := range in {
		select {
		case out <- projection.Update{Sequence: o.Envelope.Sequence, Delta: o.Delta}:
		default:
			metrics.ProjectionDrops.Inc()
		}
	}
}

// runSnapshots takes a snapshot whenever the core has advanced by interval
// operations since the last one.
func runSnapshots(ctx context.Context, db *sql.DB, c *core.DeterministicCore, interval int64, metrics *observability.Metrics, logger zerolog.Logger) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	last := c.GetSequence()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if seq := c.GetSequence(); seq-last >= interval {
				takeSnapshot(ctx, db, c, metrics, logger)
				last = seq
			}
		}
	}
}

func serveMetrics(ctx context.Context, addr string, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("metrics server shutdown")
		}
	}()

	logger.Info().Str("addr", addr).Msg("metrics server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
