// File: internal/orchestrator/orchestrator.go
// Description: Supervises the long-running parts of the service. It is
// injected with fully configured components via interfaces, making it
// decoupled and testable.

package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/scalpel-hitl/internal/engine"
	"github.com/xkilldash9x/scalpel-hitl/internal/observability"
)

// WorkerPool is the run queue the orchestrator starts and drains.
type WorkerPool interface {
	Start(ctx context.Context, executor engine.Executor)
	Stop()
}

// Component is a named long-running loop. Run blocks until ctx is done and
// returns nil on a clean stop.
type Component struct {
	Name string
	Run  func(ctx context.Context) error
}

type hook struct {
	name string
	fn   func() error
}

// Orchestrator owns the process lifecycle: it starts the worker pool and
// every component, stops them all when one fails or ctx ends, then runs the
// shutdown hooks in reverse registration order.
type Orchestrator struct {
	logger     *zap.Logger
	pool       WorkerPool
	executor   engine.Executor
	components []Component
	hooks      []hook
}

// New creates an Orchestrator with its dependencies provided as interfaces.
func New(logger *zap.Logger, pool WorkerPool, executor engine.Executor, components ...Component) (*Orchestrator, error) {
	if logger == nil || pool == nil || executor == nil {
		return nil, fmt.Errorf("cannot initialize orchestrator with nil dependencies")
	}
	for _, c := range components {
		if c.Name == "" || c.Run == nil {
			return nil, fmt.Errorf("component %q is missing a name or run function", c.Name)
		}
	}
	return &Orchestrator{
		logger:     observability.Component(logger, "orchestrator"),
		pool:       pool,
		executor:   executor,
		components: components,
	}, nil
}

// OnShutdown registers fn to run after every component has stopped.
func (o *Orchestrator) OnShutdown(name string, fn func() error) {
	o.hooks = append(o.hooks, hook{name: name, fn: fn})
}

// Run blocks until ctx is cancelled or a component fails. The first
// component error is returned; cancellation is not an error.
func (o *Orchestrator) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	o.pool.Start(gctx, o.executor)
	o.logger.Info("Worker pool started.")

	// Keeps the group alive with no components, and lets a clean early
	// return from one component leave the others running.
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	for _, c := range o.components {
		c := c
		g.Go(func() error {
			o.logger.Info("Starting component.", zap.String("component", c.Name))
			err := c.Run(gctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				o.logger.Error("Component failed.", zap.String("component", c.Name), zap.Error(err))
				return fmt.Errorf("%s: %w", c.Name, err)
			}
			o.logger.Info("Component stopped.", zap.String("component", c.Name))
			return nil
		})
	}

	err := g.Wait()
	o.logger.Info("Shutting down...")

	o.pool.Stop()

	var hookErrs []error
	for i := len(o.hooks) - 1; i >= 0; i-- {
		h := o.hooks[i]
		if herr := h.fn(); herr != nil {
			o.logger.Warn("Shutdown hook failed.", zap.String("hook", h.name), zap.Error(herr))
			hookErrs = append(hookErrs, fmt.Errorf("%s: %w", h.name, herr))
		}
	}

	o.logger.Info("Orchestrator finished.")
	if err != nil {
		return err
	}
	return errors.Join(hookErrs...)
}
