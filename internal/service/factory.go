// File: internal/service/factory.go
package service

import (
	"context"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-render/internal/browser/session"
	"github.com/xkilldash9x/scalpel-render/internal/cache"
	"github.com/xkilldash9x/scalpel-render/internal/config"
	"github.com/xkilldash9x/scalpel-render/internal/observability"
	"github.com/xkilldash9x/scalpel-render/internal/requestlog"
)

// ComponentFactory builds the application context.
type ComponentFactory interface {
	Create(ctx context.Context, cfg config.Interface, logger *zap.Logger) (*Components, error)
}

// FactoryOption customizes the factory, mainly for tests.
type FactoryOption func(*concreteFactory)

// WithPoolConnector replaces the database connector.
func WithPoolConnector(connect PoolConnector) FactoryOption {
	return func(f *concreteFactory) { f.connect = connect }
}

// WithLauncher replaces the browser launcher.
func WithLauncher(launcher session.Launcher) FactoryOption {
	return func(f *concreteFactory) { f.launcher = launcher }
}

// WithMetrics shares an existing metrics registry.
func WithMetrics(metrics *observability.Metrics) FactoryOption {
	return func(f *concreteFactory) { f.metrics = metrics }
}

// concreteFactory is the production implementation of the ComponentFactory.
type concreteFactory struct {
	connect  PoolConnector
	launcher session.Launcher
	metrics  *observability.Metrics
}

// NewComponentFactory creates a factory wired to PostgreSQL and Chromium.
func NewComponentFactory(opts ...FactoryOption) ComponentFactory {
	f := &concreteFactory{connect: ConnectPostgres}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Create builds and starts every component. Background loops run until
// Shutdown; ctx only bounds initialization.
func (f *concreteFactory) Create(ctx context.Context, cfg config.Interface, logger *zap.Logger) (*Components, error) {
	metrics := f.metrics
	if metrics == nil {
		metrics = observability.NewMetrics()
	}
	components := &Components{
		Config:  cfg,
		Metrics: metrics,
		logger:  logger,
	}

	// 1. Request log store (optional)
	st, closeDB, err := InitializeStore(ctx, cfg.Database(), f.connect, logger)
	if err != nil {
		logger.Warn("Initialization failed, shutting down partially created components.", zap.Error(err))
		components.Shutdown()
		return nil, err
	}
	components.Store = st
	components.closeDB = closeDB

	// 2. Request log writer
	var sink requestlog.Sink
	if st != nil {
		sink = st
	}
	components.RequestLog = requestlog.NewProcessor(sink, cfg.RequestLog(), metrics, logger)
	components.RequestLog.Start(context.Background())
	logger.Debug("Request log processor started.")

	// 3. Browser sessions
	launcher := f.launcher
	if launcher == nil {
		launcher = session.NewChromeLauncher(cfg.Browser(), logger)
	}
	components.Assembler = session.NewAssembler(cfg, launcher, metrics, logger)
	logger.Debug("Session assembler initialized.")

	// 4. Response cache
	components.Cache = cache.New(cfg.Cache(), components.Assembler.DefaultBrowser(), metrics, logger)
	components.Cache.Start(context.Background())
	logger.Debug("Response cache started.")

	logger.Info("All components initialized successfully.", zap.Bool("request_log", st != nil))
	return components, nil
}
