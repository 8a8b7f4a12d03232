package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/marcus-qen/microfin/internal/apiclient"
	"github.com/marcus-qen/microfin/internal/config"
	"github.com/marcus-qen/microfin/internal/credentials"
	"github.com/marcus-qen/microfin/internal/session"
	"github.com/marcus-qen/microfin/internal/storage"
	"github.com/marcus-qen/microfin/internal/telemetry"
	"github.com/marcus-qen/microfin/internal/tenant"
)

// App is the wired client shared by every command.
type App struct {
	Config  config.Config
	Logger  *zap.Logger
	Creds   *credentials.Store
	Tenant  *tenant.Context
	API     *apiclient.Client
	Session *session.Manager

	backend        storage.Backend
	shutdownTracer func(context.Context) error
}

type appKey struct{}

// withApp stores the app in the command context.
func withApp(ctx context.Context, app *App) context.Context {
	return context.WithValue(ctx, appKey{}, app)
}

// appFrom retrieves the app from the command context.
func appFrom(ctx context.Context) (*App, error) {
	app, ok := ctx.Value(appKey{}).(*App)
	if !ok || app == nil {
		return nil, fmt.Errorf("client not initialised")
	}
	return app, nil
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	var cfg zap.Config
	if lvl == zapcore.DebugLevel {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.OutputPaths = []string{"stderr"}
	return cfg.Build()
}

func newApp(ctx context.Context, cfg config.Config, nav session.Navigator) (*App, error) {
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	if cfg.CredentialBackend != storage.KindMemory {
		if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	backend, err := storage.Open(cfg.CredentialBackend, cfg.DataDir)
	if err != nil {
		logger.Warn("credential storage unavailable, session will not persist",
			zap.String("backend", cfg.CredentialBackend), zap.Error(err))
		backend = storage.NewMemoryBackend()
	}

	shutdown, err := telemetry.InitTraceProvider(ctx, cfg.OTLPEndpoint, version)
	if err != nil {
		logger.Warn("tracing disabled", zap.Error(err))
		shutdown = nil
	}

	creds := credentials.NewStore(backend, logger)
	tc := tenant.NewContext(backend, zapr.NewLogger(logger))
	api := apiclient.New(apiclient.Options{
		BaseURL:        cfg.APIURL,
		Credentials:    creds,
		Logger:         logger,
		RefreshTimeout: cfg.RefreshTimeout(),
		RefreshSkew:    cfg.RefreshSkew(),
	})
	if nav == nil {
		nav = session.NavigatorFunc(func(path string) {
			logger.Info("navigate", zap.String("to", path))
		})
	}
	mgr := session.NewManager(session.Options{
		API:         api,
		Credentials: creds,
		Tenant:      tc,
		Navigator:   nav,
		Logger:      logger,
	})

	return &App{
		Config:         cfg,
		Logger:         logger,
		Creds:          creds,
		Tenant:         tc,
		API:            api,
		Session:        mgr,
		backend:        backend,
		shutdownTracer: shutdown,
	}, nil
}

// Close flushes traces and logs and releases storage.
func (a *App) Close() {
	if a.shutdownTracer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		_ = a.shutdownTracer(ctx)
		cancel()
	}
	if c, ok := a.backend.(io.Closer); ok {
		_ = c.Close()
	}
	_ = a.Logger.Sync()
}
