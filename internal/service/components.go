// File: internal/service/components.go
package service

import (
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-hitl/api/schemas"
	"github.com/xkilldash9x/scalpel-hitl/internal/api"
	"github.com/xkilldash9x/scalpel-hitl/internal/blockdetect"
	"github.com/xkilldash9x/scalpel-hitl/internal/bus"
	"github.com/xkilldash9x/scalpel-hitl/internal/engine"
	"github.com/xkilldash9x/scalpel-hitl/internal/intervention"
	"github.com/xkilldash9x/scalpel-hitl/internal/learning"
	"github.com/xkilldash9x/scalpel-hitl/internal/maintenance"
	"github.com/xkilldash9x/scalpel-hitl/internal/notify"
	"github.com/xkilldash9x/scalpel-hitl/internal/orchestrator"
	"github.com/xkilldash9x/scalpel-hitl/internal/runstate"
	"github.com/xkilldash9x/scalpel-hitl/internal/vault"
)

// Components holds every initialized service the orchestrator supervises.
// This struct centralizes the lifecycle management of those dependencies.
type Components struct {
	Store        schemas.Store
	Bus          *bus.Bus
	Vault        *vault.Vault
	Learning     *learning.Store
	Broker       *intervention.Broker
	Detector     *blockdetect.Detector
	Engines      []schemas.Engine
	Machine      *runstate.Machine
	TaskEngine   *engine.TaskEngine
	Server       *api.Server
	Listener     *notify.Listener
	Maintenance  *maintenance.Scheduler
	Orchestrator *orchestrator.Orchestrator

	closeEngines func() error
	logger       *zap.Logger
	once         sync.Once
	shutdownErr  error
}

// Shutdown releases resources in dependency order: stop producing work, end
// the event streams, close the engines, then close the store. It is safe to
// call more than once and on a partially built set.
func (c *Components) Shutdown() error {
	c.once.Do(func() {
		logger := c.logger
		if logger == nil {
			logger = zap.NewNop()
		}
		logger.Debug("Beginning components shutdown sequence.")

		// 1. Stop the worker pool first so no new attempts start.
		if c.TaskEngine != nil {
			c.TaskEngine.Stop()
			logger.Debug("Task engine stopped.")
		}

		// 2. Close every subscriber channel. Stream handlers and the notify
		// listener see the close and return.
		if c.Bus != nil {
			c.Bus.Shutdown()
			logger.Debug("Event bus shut down.")
		}

		// 3. Close the engines (the browser holds a Chrome process).
		var errs []error
		if c.closeEngines != nil {
			if err := c.closeEngines(); err != nil {
				logger.Warn("Error during engine shutdown.", zap.Error(err))
				errs = append(errs, err)
			} else {
				logger.Debug("Engines closed.")
			}
		}

		// 4. Close the store last; everything above may still write to it.
		if c.Store != nil {
			c.Store.Close()
			logger.Debug("Store closed.")
		}

		c.shutdownErr = errors.Join(errs...)
		logger.Info("All components shut down.")
	})
	return c.shutdownErr
}
