// File: internal/service/factory.go
package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-hitl/internal/api"
	"github.com/xkilldash9x/scalpel-hitl/internal/blockdetect"
	"github.com/xkilldash9x/scalpel-hitl/internal/bus"
	"github.com/xkilldash9x/scalpel-hitl/internal/config"
	"github.com/xkilldash9x/scalpel-hitl/internal/engine"
	"github.com/xkilldash9x/scalpel-hitl/internal/intervention"
	"github.com/xkilldash9x/scalpel-hitl/internal/learning"
	"github.com/xkilldash9x/scalpel-hitl/internal/maintenance"
	"github.com/xkilldash9x/scalpel-hitl/internal/notify"
	"github.com/xkilldash9x/scalpel-hitl/internal/orchestrator"
	"github.com/xkilldash9x/scalpel-hitl/internal/runstate"
	"github.com/xkilldash9x/scalpel-hitl/internal/vault"
)

// ComponentFactory creates the set of components the serve command runs.
// This abstraction is the key to making the serve command's logic testable.
type ComponentFactory interface {
	Create(ctx context.Context, cfg config.Interface, logger *zap.Logger) (*Components, error)
}

// concreteFactory is the production implementation of the ComponentFactory.
type concreteFactory struct{}

// NewComponentFactory creates a new production-ready component factory.
func NewComponentFactory() ComponentFactory {
	return &concreteFactory{}
}

// Create handles the full dependency injection and initialization of the
// service. The broker, vault and run state machine refer to each other, so
// the back-references are attached with setters once all three exist.
func (f *concreteFactory) Create(ctx context.Context, cfg config.Interface, logger *zap.Logger) (*Components, error) {
	if cfg == nil || logger == nil {
		return nil, fmt.Errorf("component factory requires a config and a logger")
	}
	components := &Components{logger: logger}

	// Ensure cleanup happens if initialization fails midway.
	var initializationErr error
	defer func() {
		if initializationErr != nil {
			logger.Warn("Initialization failed, shutting down partially created components.", zap.Error(initializationErr))
			_ = components.Shutdown()
		}
	}()

	// 1. Store
	st, err := InitializeStore(ctx, cfg.Database(), logger)
	if err != nil {
		initializationErr = fmt.Errorf("failed to initialize store: %w", err)
		return nil, initializationErr
	}
	components.Store = st
	logger.Debug("Store initialized.", zap.String("driver", cfg.Database().Driver))

	// 2. Event bus
	components.Bus = bus.New(logger, cfg.Server().SubscriberBuffer)

	// 3. Vault and learning store
	components.Vault = vault.New(st, cfg.Vault(), logger)
	components.Learning = learning.New(st, cfg.Learning(), logger)
	components.Vault.SetLifetimeRecorder(components.Learning)
	logger.Debug("Vault and learning store initialized.")

	// 4. Intervention broker
	components.Broker = intervention.NewBroker(st, st, components.Vault, components.Bus, logger)

	// 5. Engines and block detection
	engines, closeEngines, err := InitializeEngines(cfg, logger)
	if err != nil {
		initializationErr = err
		return nil, initializationErr
	}
	components.Engines = engines
	components.closeEngines = closeEngines
	components.Detector = blockdetect.New(0, logger)
	logger.Debug("Engines initialized.", zap.Int("count", len(engines)))

	// 6. Run state machine
	components.Machine = runstate.New(runstate.Deps{
		Runs:      st,
		Broker:    components.Broker,
		Learning:  components.Learning,
		Sessions:  components.Vault,
		Detector:  components.Detector,
		Engines:   engines,
		Publisher: components.Bus,
	}, cfg.Runs(), logger)
	components.Broker.SetResumer(components.Machine)

	// 7. Task engine
	taskEngine, err := engine.New(cfg, logger)
	if err != nil {
		initializationErr = fmt.Errorf("failed to initialize task engine: %w", err)
		return nil, initializationErr
	}
	components.TaskEngine = taskEngine
	components.Machine.SetDispatcher(taskEngine)
	logger.Debug("Run state machine and task engine initialized.")

	// 8. API server
	server, err := api.NewServer(cfg.Server(), api.Services{
		Runs:          components.Machine,
		Interventions: components.Broker,
		Domains:       components.Learning,
		Sessions:      components.Vault,
		Bus:           components.Bus,
	}, logger)
	if err != nil {
		initializationErr = fmt.Errorf("failed to create api server: %w", err)
		return nil, initializationErr
	}
	components.Server = server

	// 9. Notifications
	components.Listener = notify.NewListener(components.Bus, InitializeNotifier(cfg.Notify(), logger), cfg.Notify().DashboardURL, logger)

	runnables := []orchestrator.Component{
		{Name: "api", Run: server.Run},
		{Name: "notify", Run: components.Listener.Run},
		{Name: "recovery", Run: recoverRunning(components.Machine, logger)},
	}

	// 10. Maintenance
	if cfg.Maintenance().Enabled {
		sched, err := maintenance.New(cfg.Maintenance(), cfg.Runs().WaitTimeout, components.Vault, components.Machine, logger)
		if err != nil {
			initializationErr = fmt.Errorf("failed to create maintenance scheduler: %w", err)
			return nil, initializationErr
		}
		components.Maintenance = sched
		runnables = append(runnables, orchestrator.Component{Name: "maintenance", Run: sched.Run})
	}

	// 11. Orchestrator
	orch, err := orchestrator.New(logger, taskEngine, components.Machine, runnables...)
	if err != nil {
		initializationErr = fmt.Errorf("failed to create orchestrator: %w", err)
		return nil, initializationErr
	}
	orch.OnShutdown("components", components.Shutdown)
	components.Orchestrator = orch

	logger.Info("All components initialized successfully.")
	return components, nil
}

// recoverRunning re-queues runs left running by a previous process. It runs
// once after the worker pool has started.
func recoverRunning(machine *runstate.Machine, logger *zap.Logger) func(context.Context) error {
	return func(ctx context.Context) error {
		n, err := machine.Requeue(ctx, 0)
		if err != nil {
			logger.Error("Failed to re-queue some running runs on startup.", zap.Int("requeued", n), zap.Error(err))
			return nil
		}
		if n > 0 {
			logger.Info("Re-queued runs left running by a previous process.", zap.Int("requeued", n))
		}
		return nil
	}
}
