// File: internal/service/components.go
package service

import (
	"sync"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-render/internal/api"
	"github.com/xkilldash9x/scalpel-render/internal/browser/session"
	"github.com/xkilldash9x/scalpel-render/internal/cache"
	"github.com/xkilldash9x/scalpel-render/internal/config"
	"github.com/xkilldash9x/scalpel-render/internal/observability"
	"github.com/xkilldash9x/scalpel-render/internal/requestlog"
	"github.com/xkilldash9x/scalpel-render/internal/store"
)

// Components is the application context: every long-lived service, built
// once at startup and released by Shutdown.
type Components struct {
	Config     config.Interface
	Metrics    *observability.Metrics
	Store      *store.Store // nil when no database is configured
	RequestLog *requestlog.Processor
	Cache      *cache.Gate
	Assembler  *session.Assembler

	closeDB      func()
	logger       *zap.Logger
	shutdownOnce sync.Once
}

// APIDeps wires the components into the HTTP layer.
func (c *Components) APIDeps(version string) api.Deps {
	d := api.Deps{
		Config:   c.Config,
		Renderer: c.Assembler,
		Cache:    c.Cache,
		Log:      c.RequestLog,
		Metrics:  c.Metrics,
		Logger:   c.logger,
		Version:  version,
	}
	// Leave the interface nil rather than holding a nil *store.Store.
	if c.Store != nil {
		d.History = c.Store
	}
	return d
}

// Shutdown releases everything in reverse dependency order: the request log
// is flushed while the database is still open. Safe to call more than once
// and on partially built components.
func (c *Components) Shutdown() {
	c.shutdownOnce.Do(func() {
		logger := c.logger
		if logger == nil {
			logger = observability.GetLogger()
		}
		logger.Debug("Beginning components shutdown sequence.")

		if c.RequestLog != nil {
			c.RequestLog.Stop()
			logger.Debug("Request log flushed.")
		}
		if c.Cache != nil {
			c.Cache.Stop()
			logger.Debug("Cache sweeper stopped.")
		}
		if c.closeDB != nil {
			c.closeDB()
			logger.Debug("Database connection pool closed.")
		}

		logger.Info("All components shut down.")
	})
}
