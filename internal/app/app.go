package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"trickle/internal/compare"
	"trickle/internal/config"
	"trickle/internal/db"
	"trickle/internal/export"
	"trickle/internal/instrument"
	"trickle/internal/session"
	"trickle/internal/transport"
	"trickle/internal/web"
)

type App struct {
	cfg config.Config
	log *slog.Logger

	db       *db.Repository
	metrics  *instrument.Metrics
	pipeline *session.Pipeline
	compare  *compare.Store
	limiter  *web.SourceLimiter

	bucket   *export.MinioStore
	archiver *export.Archiver
	grpc     *transport.GRPCServer
	mqtt     *transport.Subscriber

	httpSrv *http.Server
}

var openDB = db.Open

func New(cfg config.Config, logger *slog.Logger) (*App, error) {
	sqldb, err := openDB(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	fail := func(err error) (*App, error) {
		_ = sqldb.Close()
		return nil, err
	}
	if err := db.Migrate(sqldb); err != nil {
		return fail(err)
	}
	repo := db.NewRepository(sqldb)
	metrics := instrument.New()

	pipeline := session.New(repo, logger.With("module", "session"), metrics, session.Options{
		InactivityTimeout: cfg.InactivityTimeout,
		LockTimeout:       cfg.LockTimeout,
	})

	app := &App{
		cfg:      cfg,
		log:      logger,
		db:       repo,
		metrics:  metrics,
		pipeline: pipeline,
		compare:  compare.NewStore(repo, cfg.CompareTTL, logger.With("module", "compare")),
		limiter:  web.NewSourceLimiter(cfg.IngestRate, cfg.IngestBurst),
	}

	if cfg.Export.Endpoint != "" {
		format, err := export.ParseFormat(cfg.Export.Format)
		if err != nil {
			return fail(err)
		}
		bucket, err := export.NewMinioStore(export.MinioConfig{
			Endpoint:  cfg.Export.Endpoint,
			AccessKey: cfg.Export.AccessKey,
			SecretKey: cfg.Export.SecretKey,
			Bucket:    cfg.Export.Bucket,
			Region:    cfg.Export.Region,
			UseSSL:    cfg.Export.UseSSL,
		})
		if err != nil {
			return fail(err)
		}
		app.bucket = bucket
		app.archiver = export.NewArchiver(pipeline, repo, bucket, cfg.Export.Prefix, format, logger.With("module", "export"), metrics)
	}

	if cfg.GRPCAddr != "" {
		app.grpc = transport.NewGRPCServer(pipeline, logger.With("module", "grpc"), metrics)
	}
	if cfg.MQTT.Broker != "" {
		mcfg := transport.MQTTConfig{
			Broker:   cfg.MQTT.Broker,
			Topic:    cfg.MQTT.Topic,
			ClientID: cfg.MQTT.ClientID,
			Username: cfg.MQTT.Username,
			Password: cfg.MQTT.Password,
			QoS:      byte(cfg.MQTT.QoS),
		}
		app.mqtt = transport.NewSubscriber(transport.NewMQTTClient(mcfg), pipeline, mcfg, logger.With("module", "mqtt"), metrics)
	}

	w := web.NewServer(repo, pipeline, app.archiver, app.compare, app.limiter, metrics, logger.With("module", "web"))
	app.httpSrv = &http.Server{Addr: cfg.Addr, Handler: w.Routes(), ReadHeaderTimeout: 10 * time.Second}
	return app, nil
}

func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.log.Info("http server listening", "addr", a.cfg.Addr)
		if err := a.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return a.httpSrv.Shutdown(shutdownCtx)
	})
	if a.grpc != nil {
		g.Go(func() error { return a.grpc.Run(ctx, a.cfg.GRPCAddr) })
	}
	if a.mqtt != nil {
		g.Go(func() error { return a.mqtt.Run(ctx) })
	}
	g.Go(func() error { return a.housekeeping(ctx) })

	err := g.Wait()
	if cerr := a.db.DB().Close(); err == nil {
		err = cerr
	}
	return err
}

func (a *App) housekeeping(ctx context.Context) error {
	if a.bucket != nil {
		bctx, cancel := context.WithTimeout(ctx, 15*time.Second)
		if err := a.bucket.EnsureBucket(bctx); err != nil {
			a.log.Warn("export bucket not ready", "bucket", a.bucket.Bucket(), "err", err)
		}
		cancel()
	}

	sweepTicker := time.NewTicker(a.cfg.SweepInterval)
	pruneTicker := time.NewTicker(time.Minute)
	limiterTicker := time.NewTicker(5 * time.Minute)
	defer sweepTicker.Stop()
	defer pruneTicker.Stop()
	defer limiterTicker.Stop()

	var exportC <-chan time.Time
	if a.archiver != nil && a.cfg.Export.Interval > 0 {
		exportTicker := time.NewTicker(a.cfg.Export.Interval)
		defer exportTicker.Stop()
		exportC = exportTicker.C
	}

	// Sessions left active by a previous process are swept straight away.
	a.sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sweepTicker.C:
			a.sweep(ctx)
		case <-exportC:
			a.exportPending(ctx)
		case <-pruneTicker.C:
			if n := a.compare.Prune(); n > 0 {
				a.log.Debug("expired comparisons dropped", "count", n)
			}
		case <-limiterTicker.C:
			if n := a.limiter.EvictIdle(10 * time.Minute); n > 0 {
				a.log.Debug("idle rate limiters dropped", "count", n)
			}
		}
	}
}

func (a *App) sweep(ctx context.Context) {
	done, err := a.pipeline.Sweep(ctx)
	if err != nil {
		a.log.Error("session sweep failed", "err", err)
		return
	}
	if len(done) > 0 {
		a.log.Info("sessions completed", "count", len(done))
	}
}

func (a *App) exportPending(ctx context.Context) {
	n, err := a.archiver.ExportPending(ctx, 20)
	if err != nil {
		a.log.Error("export run failed", "err", err)
		return
	}
	if n > 0 {
		a.log.Info("sessions exported", "count", n)
	}
}
