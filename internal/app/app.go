// Package app assembles the control plane from configuration: storage,
// engine, webhook ingress, build validator and deployment pipeline.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"mcpplane/internal/config"
	"mcpplane/internal/db"
	"mcpplane/internal/engine"
	"mcpplane/internal/idempotency"
	"mcpplane/internal/migrate"
	"mcpplane/internal/notify"
	"mcpplane/internal/observability"
	"mcpplane/internal/progress"
	"mcpplane/internal/server"
	"mcpplane/internal/validate"
	"mcpplane/internal/webhook"
)

// App is a wired control plane.
type App struct {
	Config     *config.Config
	Workspace  string
	Logger     *zap.Logger
	DB         *sql.DB
	Registry   *prometheus.Registry
	Metrics    *observability.Metrics
	Engine     engine.Engine
	Store      idempotency.Store
	Ingress    *webhook.Ingress
	Bus        *notify.Bus
	Dispatcher *notify.Dispatcher
	Validator  *validate.Validator
	Streamer   *progress.Streamer
	Verifier   *progress.Verifier
	Pipeline   *progress.Pipeline

	redis redis.UniversalClient
}

// Open connects storage, applies migrations and wires every component.
// Background workers are not started until Run.
func Open(ctx context.Context, workspace string, cfg *config.Config, logger *zap.Logger) (*App, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if workspace == "" {
		workspace = cfg.Database.Workspace
	}
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	version, err := migrate.Migrate(ctx, conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	logger.Debug("database ready", zap.String("workspace", workspace), zap.Int("schema_version", version))

	a := &App{
		Config:    cfg,
		Workspace: workspace,
		Logger:    logger,
		DB:        conn,
		Registry:  prometheus.NewRegistry(),
	}
	a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.Metrics = observability.InitMetrics(a.Registry)

	if err := a.wire(); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) wire() error {
	cfg := a.Config

	store, err := a.newStore()
	if err != nil {
		return err
	}
	a.Store = store

	a.Bus = notify.NewBus(0)
	a.Bus.OnDrop(func(eventType string) {
		a.Logger.Warn("notification bus subscriber too slow, dropped", zap.String("type", eventType))
	})
	sinks := notify.Multi{notify.LogSink{Logger: a.Logger.Named("notify")}}
	if len(cfg.Notify.URLs) > 0 {
		sinks = append(sinks, notify.NewHTTPSink(cfg.Notify.URLs, cfg.Notify.Secret, cfg.Notify.Timeout))
	}
	a.Dispatcher = notify.NewDispatcher(sinks, a.Bus, a.Logger.Named("notify"), a.Metrics)

	e := engine.New(a.DB, cfg)
	e.Logger = a.Logger.Named("engine")
	e.Metrics = a.Metrics
	e.Publisher = a.Dispatcher
	a.Engine = e

	a.Ingress = webhook.NewIngress(cfg.Webhook.Secret, a.Store, cfg.Webhook.IdempotencyTTL)
	a.Ingress.Logger = a.Logger.Named("webhook")
	a.Ingress.Metrics = a.Metrics
	webhook.RegisterHandlers(a.Ingress, e)
	if cfg.Webhook.Secret == "" {
		a.Logger.Warn("webhook.secret is empty; every webhook delivery will be rejected")
	}

	manifest, err := loadManifest(cfg.Deployment.Manifest)
	if err != nil {
		return err
	}
	a.Validator = validate.New(manifest)
	a.Validator.Logger = a.Logger.Named("validate")
	a.Validator.Metrics = a.Metrics

	a.Streamer = progress.NewStreamer()
	a.Streamer.StallTimeout = cfg.Deployment.StallTimeout
	if cfg.Deployment.SweepInterval > 0 {
		a.Streamer.SweepInterval = cfg.Deployment.SweepInterval
	}
	a.Streamer.Logger = a.Logger.Named("progress")
	a.Streamer.Metrics = a.Metrics

	if len(cfg.Deployment.Services) > 0 {
		a.Verifier = progress.NewVerifier(cfg.Deployment.Services, cfg.Deployment.VerifyTimeout)
		a.Verifier.Logger = a.Logger.Named("verify")
		a.Verifier.Metrics = a.Metrics
	}

	var jobs progress.JobClient
	if cfg.Deployment.JobURL != "" {
		jobs = progress.NewHTTPJobClient(cfg.Deployment.JobURL, 30*time.Second)
	} else {
		a.Logger.Info("deployment.job_url not set; deployments will be refused")
	}
	a.Pipeline = progress.NewPipeline(a.Streamer, jobs, a.Verifier)
	a.Pipeline.PollInterval = cfg.Deployment.PollInterval
	a.Pipeline.MaxPollInterval = cfg.Deployment.MaxPollInterval
	if cfg.Deployment.Timeout > 0 {
		a.Pipeline.Timeout = cfg.Deployment.Timeout
	}
	a.Pipeline.Logger = a.Logger.Named("deploy")
	return nil
}

func loadManifest(path string) (*validate.Manifest, error) {
	if path == "" {
		return validate.DefaultManifest()
	}
	m, err := validate.LoadManifest(path)
	if err != nil {
		return nil, fmt.Errorf("load validation manifest: %w", err)
	}
	return m, nil
}

func (a *App) newStore() (idempotency.Store, error) {
	switch a.Config.Webhook.Store {
	case "memory":
		return idempotency.NewMemoryStore(), nil
	case "redis":
		rc := a.Config.Webhook.Redis
		a.redis = redis.NewClient(&redis.Options{
			Addr:     rc.Addr,
			Password: rc.Password,
			DB:       rc.DB,
		})
		return idempotency.NewRedisStore(a.redis, rc.KeyPrefix), nil
	case "sqlite", "":
		return idempotency.NewSQLStore(a.DB), nil
	default:
		return nil, fmt.Errorf("unknown webhook store %q", a.Config.Webhook.Store)
	}
}

// ReadyChecks are the dependencies /ready reports on.
func (a *App) ReadyChecks() map[string]observability.HealthChecker {
	return map[string]observability.HealthChecker{
		"database": observability.HealthCheckFunc(func(ctx context.Context) error {
			return a.DB.PingContext(ctx)
		}),
		"idempotency": a.Store,
	}
}

// Handler builds the HTTP API.
func (a *App) Handler() (http.Handler, error) {
	return server.New(server.Config{
		Engine:   a.Engine,
		BasePath: a.Config.Server.BasePath,
		Auth: server.AuthConfig{
			JWTSecret: a.Config.Auth.JWTSecret,
			Disabled:  a.Config.Auth.Disabled,
		},
		Ingress:   a.Ingress,
		Validator: a.Validator,
		Streamer:  a.Streamer,
		Pipeline:  a.Pipeline,
		Verifier:  a.Verifier,
		Bus:       a.Bus,
		BuildRoot: a.Config.Deployment.BuildRoot,
		Gatherer:  a.Registry,
		Ready:     a.ReadyChecks(),
		Logger:    a.Logger.Named("http"),
	})
}

// Run starts the background workers and blocks until ctx is done.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.Dispatcher.Run(ctx)
		return nil
	})
	g.Go(func() error {
		a.Streamer.Run(ctx)
		return nil
	})
	if sw, ok := a.Store.(idempotency.Sweeper); ok {
		g.Go(func() error {
			idempotency.RunSweeper(ctx, sw, a.Config.Webhook.SweepInterval, a.Logger.Named("idempotency"))
			return nil
		})
	}
	return g.Wait()
}

// Serve runs the HTTP API and the background workers until ctx is done,
// then shuts down gracefully.
func (a *App) Serve(ctx context.Context) error {
	if !a.Config.Auth.Disabled && a.Config.Auth.JWTSecret == "" {
		a.Logger.Warn("auth.jwt_secret is empty; only API keys will authenticate")
	}
	handler, err := a.Handler()
	if err != nil {
		return err
	}
	srv := &http.Server{
		Addr:         a.Config.Server.Addr,
		Handler:      handler,
		ReadTimeout:  a.Config.Server.ReadTimeout,
		WriteTimeout: a.Config.Server.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.Run(gctx) })
	g.Go(func() error {
		a.Logger.Info("serving mcpplane API",
			zap.String("addr", srv.Addr),
			zap.String("base_path", a.Config.Server.BasePath))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		timeout := a.Config.Server.ShutdownTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		sctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		a.Logger.Info("shutting down")
		// Running deployments publish their terminal event before the
		// listeners go away.
		a.Pipeline.Close()
		return srv.Shutdown(sctx)
	})
	return g.Wait()
}

// Close releases storage handles.
func (a *App) Close() error {
	var errs []error
	if a.Pipeline != nil {
		a.Pipeline.Close()
	}
	if a.Bus != nil {
		a.Bus.Close()
	}
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.DB != nil {
		errs = append(errs, a.DB.Close())
	}
	return errors.Join(errs...)
}
