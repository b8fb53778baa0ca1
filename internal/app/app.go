// Package app builds the harvester's dependencies from configuration and
// owns their lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/paper-harvester/internal/api"
	"github.com/JakeFAU/paper-harvester/internal/clock/system"
	"github.com/JakeFAU/paper-harvester/internal/collector"
	"github.com/JakeFAU/paper-harvester/internal/config"
	"github.com/JakeFAU/paper-harvester/internal/download"
	"github.com/JakeFAU/paper-harvester/internal/harvest"
	"github.com/JakeFAU/paper-harvester/internal/hash/sha256"
	"github.com/JakeFAU/paper-harvester/internal/health"
	"github.com/JakeFAU/paper-harvester/internal/id/uuid"
	"github.com/JakeFAU/paper-harvester/internal/metrics"
	"github.com/JakeFAU/paper-harvester/internal/pipeline"
	"github.com/JakeFAU/paper-harvester/internal/policy/ratelimit"
	"github.com/JakeFAU/paper-harvester/internal/progress"
	progresssinks "github.com/JakeFAU/paper-harvester/internal/progress/sinks"
	gcppublisher "github.com/JakeFAU/paper-harvester/internal/publisher/pubsub"
	"github.com/JakeFAU/paper-harvester/internal/resolver"
	"github.com/JakeFAU/paper-harvester/internal/session/browser"
	memorysession "github.com/JakeFAU/paper-harvester/internal/session/memory"
	"github.com/JakeFAU/paper-harvester/internal/session/static"
	gcsstorage "github.com/JakeFAU/paper-harvester/internal/storage/gcs"
	localstorage "github.com/JakeFAU/paper-harvester/internal/storage/local"
	memorystorage "github.com/JakeFAU/paper-harvester/internal/storage/memory"
	pgstore "github.com/JakeFAU/paper-harvester/internal/storage/postgres"
)

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	session   harvest.Session
	store     harvest.Store
	mirror    *gcsstorage.BlobStore
	publisher *gcppublisher.Publisher
	hub       *progress.Hub
	orch      *pipeline.Orchestrator
	apiServer *api.Server
}

// Build creates the application's dependencies. Partially built resources
// are released when a later step fails.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (app *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	app = &App{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			app.Close(context.Background())
			app = nil
		}
	}()

	app.logger.Info("building application dependencies",
		zap.String("session_driver", cfg.Session.Driver),
		zap.String("db_driver", cfg.DB.Driver),
		zap.Bool("mirror", cfg.MirrorEnabled()),
		zap.Bool("notify", cfg.NotifyEnabled()),
	)

	if err = app.setupStore(ctx); err != nil {
		return app, err
	}
	if err = app.setupMirror(ctx); err != nil {
		return app, err
	}
	if err = app.setupPublisher(ctx); err != nil {
		return app, err
	}
	app.setupProgress()
	if err = app.setupSession(ctx); err != nil {
		return app, err
	}
	if err = app.setupPipeline(); err != nil {
		return app, err
	}
	if cfg.Server.Enabled {
		app.apiServer = api.NewServer(app.store, app.orch, app.ready, logger.Named("api"))
	}
	return app, nil
}

func (a *App) setupStore(ctx context.Context) error {
	if a.cfg.DB.Driver != config.StorePostgres {
		a.logger.Info("using in-memory record store")
		a.store = memorystorage.NewRecordStore()
		return nil
	}
	store, err := pgstore.NewRecordStore(ctx, pgstore.Config{
		DSN:             a.cfg.DB.DSN,
		Table:           a.cfg.DB.Table,
		MaxConns:        a.cfg.DB.MaxConns,
		MaxConnLifetime: time.Hour,
	})
	if err != nil {
		return fmt.Errorf("record store init failed: %w", err)
	}
	a.store = store
	if err := store.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	a.logger.Info("postgres record store initialized", zap.String("table", a.cfg.DB.Table))
	return nil
}

func (a *App) setupMirror(ctx context.Context) error {
	if !a.cfg.MirrorEnabled() {
		return nil
	}
	mirror, err := gcsstorage.Open(ctx, gcsstorage.Config{
		Bucket: a.cfg.Storage.GCSBucket,
		Prefix: a.cfg.Storage.Prefix,
	})
	if err != nil {
		return fmt.Errorf("gcs mirror init failed: %w", err)
	}
	a.mirror = mirror
	a.logger.Info("gcs mirror initialized",
		zap.String("bucket", a.cfg.Storage.GCSBucket),
		zap.String("prefix", a.cfg.Storage.Prefix),
	)
	return nil
}

func (a *App) setupPublisher(ctx context.Context) error {
	if !a.cfg.NotifyEnabled() {
		a.logger.Debug("no Pub/Sub topic configured, notifications disabled")
		return nil
	}
	pub, err := gcppublisher.Open(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return fmt.Errorf("pubsub client init failed: %w", err)
	}
	a.publisher = pub
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName),
	)
	return nil
}

func (a *App) setupProgress() {
	sinkList := []progress.Sink{progresssinks.NewLogSink(a.logger.Named("progress_log"))}
	promSink, err := progresssinks.NewPrometheusSink(prometheus.DefaultRegisterer)
	if err != nil {
		a.logger.Warn("prometheus progress sink disabled", zap.Error(err))
	} else {
		sinkList = append(sinkList, promSink)
	}
	a.hub = progress.NewHub(progress.Config{Logger: a.logger.Named("progress_hub")}, sinkList...)
}

func (a *App) setupSession(ctx context.Context) error {
	s := a.cfg.Session
	switch s.Driver {
	case config.DriverStatic:
		sess, err := static.New(static.Config{
			UserAgent:     s.UserAgent,
			RespectRobots: s.RespectRobots,
			Timeout:       s.NavigationTimeout(),
		}, a.logger.Named("session"))
		if err != nil {
			return fmt.Errorf("static session init failed: %w", err)
		}
		a.session = sess
	case config.DriverMemory:
		a.logger.Warn("memory session has no pages; only stored records without navigation will progress")
		a.session = memorysession.New()
	default:
		sess, err := browser.New(ctx, browser.Config{
			Headless:          s.Headless,
			UserAgent:         s.UserAgent,
			NavigationTimeout: s.NavigationTimeout(),
			SettleDelay:       s.SettleDelay(),
			ExecPath:          s.ExecPath,
		}, a.logger.Named("session"))
		if err != nil {
			return fmt.Errorf("browser session init failed: %w", err)
		}
		a.session = sess
	}
	a.logger.Info("navigation session started", zap.String("driver", s.Driver))
	return nil
}

func (a *App) setupPipeline() error {
	cfg := a.cfg
	healthCfg := health.DefaultConfig()
	healthCfg.RecoveryWait = cfg.Health.RecoveryWait()
	healthCfg.RecoveryAttempts = cfg.Health.RecoveryAttempts
	if cfg.Health.MinBodyChars > 0 {
		healthCfg.MinBodyChars = cfg.Health.MinBodyChars
	}
	checker := health.New(healthCfg, a.logger.Named("health"))

	dir, err := localstorage.New(localstorage.Config{BaseDir: cfg.Download.Dir})
	if err != nil {
		return fmt.Errorf("download dir init failed: %w", err)
	}
	limiter := ratelimit.New(ratelimit.Config{
		DefaultRPS:   cfg.Download.RatePerSecond,
		DefaultBurst: cfg.Download.Burst,
	})
	exec, err := download.New(download.Config{
		Timeout:        cfg.Download.Timeout(),
		MinBytes:       cfg.Download.MinBytes,
		MaxAttempts:    cfg.Download.MaxAttempts,
		BackoffInitial: cfg.Download.BackoffInitial(),
		BackoffMax:     cfg.Download.BackoffMax(),
		UserAgent:      cfg.Session.UserAgent,
	}, dir, sha256.New(), a.logger.Named("download"), download.WithLimiter(limiter))
	if err != nil {
		return fmt.Errorf("download executor init failed: %w", err)
	}

	deps := pipeline.Deps{
		Session: a.session,
		Store:   a.store,
		Collector: collector.New(collector.Config{
			BaseURL:   cfg.Harvest.BaseURL,
			PageDelay: cfg.Harvest.PageDelay(),
		}, nil, checker, a.store, a.logger.Named("collector")),
		Resolver:   resolver.New(resolver.Config{BaseURL: cfg.Harvest.BaseURL}, nil, checker, a.logger.Named("resolver")),
		Downloader: exec,
		Files:      dir,
		Progress:   a.hub,
		Clock:      system.New(),
		IDs:        uuid.New(),
		Logger:     a.logger.Named("pipeline"),
	}
	// Typed nil pointers must not reach the interface fields.
	if a.mirror != nil {
		deps.Mirror = a.mirror
	}
	if a.publisher != nil {
		deps.Publisher = a.publisher
	}
	a.orch, err = pipeline.New(pipeline.Config{
		ListingURL:  cfg.Harvest.ListingURL,
		TargetCount: cfg.Harvest.TargetCount,
		BatchSize:   cfg.Harvest.BatchSize,
		Workers:     cfg.Download.Workers,
		ResumeOnly:  cfg.Harvest.ResumeOnly,
		MaxAttempts: cfg.Download.MaxAttempts,
		Topic:       cfg.PubSub.TopicName,
	}, deps)
	if err != nil {
		return fmt.Errorf("pipeline init failed: %w", err)
	}
	return nil
}

func (a *App) ready(ctx context.Context) error {
	if _, err := a.store.ListByStatus(ctx, harvest.StatusPending, 1); err != nil {
		return fmt.Errorf("record store: %w", err)
	}
	return nil
}

// Run performs one harvest. When the status server is enabled it serves
// until the run finishes.
func (a *App) Run(ctx context.Context) (pipeline.Summary, error) {
	var srv *http.Server
	if a.apiServer != nil {
		srv = &http.Server{
			Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
			Handler:           a.apiServer.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("http server error", zap.Error(err))
			}
		}()
	}

	sum, err := a.orch.Run(ctx)

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("server shutdown error", zap.Error(err))
		}
	}
	return sum, err
}

// Close releases every resource Build acquired.
func (a *App) Close(ctx context.Context) {
	if a.session != nil {
		if err := a.session.Close(); err != nil {
			a.logger.Warn("session close failed", zap.Error(err))
		}
	}
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.mirror != nil {
		if err := a.mirror.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.store != nil {
		a.store.Close()
	}
	a.logger.Info("shutdown complete")
}
