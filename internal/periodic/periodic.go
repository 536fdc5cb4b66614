// Package periodic implements the Periodic Driver (spec.md §4.G): a single
// cadence primitive shared by the file publisher, server publisher,
// snapshot collector, and stats publisher. After an initial delay it
// invokes a task function on a fixed period until the context is
// cancelled. A task is never invoked re-entrantly, and an uncaught panic
// inside the task is logged as a crash and terminates the driver's loop
// rather than the process (Run then returns, and the supervisor treats a
// component whose Run returns before shutdown as dead).
package periodic

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// InitialDelay is the fixed startup grace period before the first run,
// matching spec.md §4.G.
const InitialDelay = 5 * time.Second

// ShutdownDrainTimeout bounds the final best-effort task invocation run on
// shutdown, per spec.md §7 ("MUST NOT block shutdown more than a small
// bounded time").
const ShutdownDrainTimeout = 2 * time.Second

// TaskFunc is the unit of work a Driver repeats. A returned error is logged
// but does not stop the driver; only a panic does.
type TaskFunc func(ctx context.Context) error

// CrashFunc is invoked when a task panics, so callers can bump a stat
// counter without the Driver depending on a specific stats backend.
type CrashFunc func(component string, recovered interface{})

// Driver runs a TaskFunc on a fixed cadence. The zero value is not usable;
// construct with New.
type Driver struct {
	name    string
	period  time.Duration
	task    TaskFunc
	logger  *zap.Logger
	onCrash CrashFunc
	alive   chan struct{}
}

// New constructs a Driver named name (used in log fields) that runs task
// every period, after the standard InitialDelay. onCrash may be nil.
func New(name string, period time.Duration, task TaskFunc, logger *zap.Logger, onCrash CrashFunc) *Driver {
	return &Driver{
		name:    name,
		period:  period,
		task:    task,
		logger:  logger,
		onCrash: onCrash,
		alive:   make(chan struct{}, 1),
	}
}

// Run blocks, executing the task on cadence until ctx is cancelled. It is
// intended to be called from a single goroutine (the supervisor's errgroup)
// and never invokes task concurrently with itself.
func (d *Driver) Run(ctx context.Context) {
	d.logger.Info("periodic task started",
		zap.String("task", d.name),
		zap.Duration("period", d.period),
	)

	select {
	case <-time.After(InitialDelay):
	case <-ctx.Done():
		d.runFinalDrain()
		return
	}

	if d.runOnce(ctx) {
		return
	}

	ticker := time.NewTicker(d.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("periodic task stopping", zap.String("task", d.name))
			d.runFinalDrain()
			return
		case <-ticker.C:
			if d.runOnce(ctx) {
				return
			}
		}
	}
}

// runFinalDrain runs the task one last time on shutdown, bounded by
// ShutdownDrainTimeout so a stuck task cannot hold up process exit. Best
// effort: objects accumulated since the last tick would otherwise be
// dropped, since nothing else ever invokes the publishers' Drain again.
func (d *Driver) runFinalDrain() {
	ctx, cancel := context.WithTimeout(context.Background(), ShutdownDrainTimeout)
	defer cancel()
	d.runOnce(ctx)
}

// runOnce executes the task exactly once, recovering from any panic so it
// never escapes to crash the process. Per spec.md §4.G an uncaught panic
// terminates the task itself; runOnce reports this via its bool return so
// Run can stop the driver's loop instead of scheduling a next tick, and
// return.
func (d *Driver) runOnce(ctx context.Context) (crashed bool) {
	defer func() {
		if r := recover(); r != nil {
			crashed = true
			d.logger.Error("periodic task crashed",
				zap.String("task", d.name),
				zap.Any("recovered", r),
			)
			if d.onCrash != nil {
				d.onCrash(d.name, r)
			}
		}
		select {
		case d.alive <- struct{}{}:
		default:
		}
	}()

	if err := d.task(ctx); err != nil {
		d.logger.Error("periodic task returned error",
			zap.String("task", d.name),
			zap.Error(err),
		)
	}
	return crashed
}

// Alive drains and reports whether the task has completed at least one
// iteration (successful or not) since the last call, for supervisor
// liveness polling.
func (d *Driver) Alive() bool {
	select {
	case <-d.alive:
		return true
	default:
		return false
	}
}
