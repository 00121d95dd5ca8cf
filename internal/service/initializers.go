// File: internal/service/initializers.go
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-hitl/api/schemas"
	"github.com/xkilldash9x/scalpel-hitl/internal/config"
	"github.com/xkilldash9x/scalpel-hitl/internal/engines/browser"
	"github.com/xkilldash9x/scalpel-hitl/internal/engines/httpengine"
	"github.com/xkilldash9x/scalpel-hitl/internal/notify"
	"github.com/xkilldash9x/scalpel-hitl/internal/store"
)

// InitializeStore connects to PostgreSQL or starts an in-memory store,
// depending on database.driver.
func InitializeStore(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (schemas.Store, error) {
	switch cfg.Driver {
	case config.DriverMemory, "":
		logger.Warn("No persistent store configured; using a temporary in-memory store. Runs, sessions and learned domain data will be lost on exit.")
		return store.NewMemoryStore(logger), nil

	case config.DriverPostgres:
		if cfg.URL == "" {
			return nil, fmt.Errorf("database URL is not configured (hint: check %s_DATABASE_URL)", config.EnvPrefix)
		}
		poolConfig, err := pgxpool.ParseConfig(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("unable to parse PGX pool config: %w", err)
		}
		if cfg.MaxConns > 0 {
			poolConfig.MaxConns = cfg.MaxConns
		}
		poolConfig.MinConns = 1
		poolConfig.MaxConnLifetime = 1 * time.Hour
		poolConfig.MaxConnIdleTime = 30 * time.Minute

		connectCtx := ctx
		if cfg.ConnectTimeout > 0 {
			var cancel context.CancelFunc
			connectCtx, cancel = context.WithTimeout(ctx, cfg.ConnectTimeout)
			defer cancel()
		}

		pool, err := pgxpool.NewWithConfig(connectCtx, poolConfig)
		if err != nil {
			return nil, fmt.Errorf("unable to create PGX connection pool: %w", err)
		}
		pgStore, err := store.New(connectCtx, pool, logger)
		if err != nil {
			pool.Close()
			return nil, err
		}
		if cfg.AutoMigrate {
			if err := pgStore.Migrate(connectCtx); err != nil {
				pgStore.Close()
				return nil, err
			}
		}
		logger.Info("PostgreSQL store initialized.", zap.Int32("max_conns", poolConfig.MaxConns))
		return pgStore, nil

	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}
}

// InitializeEngines builds the extraction engines in the order
// learning.engines lists them. The returned cleanup closes any engine that
// holds external resources.
func InitializeEngines(cfg config.Interface, logger *zap.Logger) ([]schemas.Engine, func() error, error) {
	byName := make(map[string]schemas.Engine)
	var closers []func() error

	httpEng, err := httpengine.New(cfg.Network(), logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize http engine: %w", err)
	}
	byName[httpEng.Name()] = httpEng

	if cfg.Browser().Enabled {
		browserEng := browser.New(cfg.Browser(), logger)
		byName[browserEng.Name()] = browserEng
		closers = append(closers, browserEng.Close)
	} else {
		logger.Info("Browser engine disabled by configuration.")
	}

	engines := make([]schemas.Engine, 0, len(byName))
	seen := make(map[string]bool, len(byName))
	for _, name := range cfg.Learning().Engines {
		if e, ok := byName[name]; ok && !seen[name] {
			engines = append(engines, e)
			seen[name] = true
		}
	}
	// Engines the configured order leaves out still serve as fallbacks.
	for _, name := range []string{httpengine.Name, browser.Name} {
		if e, ok := byName[name]; ok && !seen[name] {
			engines = append(engines, e)
			seen[name] = true
		}
	}

	cleanup := func() error {
		var errs []error
		for _, c := range closers {
			errs = append(errs, c())
		}
		return errors.Join(errs...)
	}
	return engines, cleanup, nil
}

// InitializeNotifier fans intervention notifications out to every
// configured channel.
func InitializeNotifier(cfg config.NotifyConfig, logger *zap.Logger) notify.Notifier {
	var notifiers []notify.Notifier
	if cfg.Log {
		notifiers = append(notifiers, notify.NewLogNotifier(logger))
	}
	if cfg.SlackWebhookURL != "" {
		notifiers = append(notifiers, notify.NewSlackNotifier(cfg.SlackWebhookURL))
	}
	switch len(notifiers) {
	case 0:
		return notify.NoopNotifier{}
	case 1:
		return notifiers[0]
	default:
		return notify.NewMultiNotifier(notifiers...)
	}
}
