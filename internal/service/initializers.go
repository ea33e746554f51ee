// File: internal/service/initializers.go
package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-render/internal/config"
	"github.com/xkilldash9x/scalpel-render/internal/store"
)

// PoolConnector opens the database pool. The returned func closes it.
type PoolConnector func(ctx context.Context, cfg config.DatabaseConfig) (store.DBPool, func(), error)

// ConnectPostgres is the production PoolConnector.
func ConnectPostgres(ctx context.Context, cfg config.DatabaseConfig) (store.DBPool, func(), error) {
	pool, err := store.Connect(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	return pool, pool.Close, nil
}

// InitializeStore connects the request log store. Running without a database
// is a supported mode: with no URL configured it returns a nil store and no
// error, and the service simply keeps no request history.
func InitializeStore(ctx context.Context, cfg config.DatabaseConfig, connect PoolConnector, logger *zap.Logger) (*store.Store, func(), error) {
	pool, closeFn, err := connect(ctx, cfg)
	if errors.Is(err, store.ErrNoDatabase) {
		logger.Warn("No database configured; request history and stats are disabled.")
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if closeFn == nil {
		closeFn = func() {}
	}

	s, err := store.New(ctx, pool, logger)
	if err != nil {
		closeFn()
		return nil, nil, err
	}
	if cfg.AutoMigrate {
		if err := s.EnsureSchema(ctx); err != nil {
			closeFn()
			return nil, nil, err
		}
	}
	logger.Info("Request log store initialized.")
	return s, closeFn, nil
}
