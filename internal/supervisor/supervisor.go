// Package supervisor implements the Supervisor (spec.md §4.K): dependency
// ordered startup of the Manager connector followed by the publishers,
// snapshot collector, stats publisher, and control API; a 5-second
// liveness sweep; and a single exit point when any component dies.
//
// Grounded on cmd/beacon/main.go (beacon)'s errgroup.WithContext wiring:
// each component runs as one g.Go task sharing a derived context, so a
// single failing task cancels every sibling task's context and g.Wait()
// surfaces the first error. Where beacon wires a fixed, named set of
// goroutines inline in main, this package generalizes that into a
// reusable Component list so cmd/solmanager's main can stay a thin wiring
// layer (spec.md §4.K names components A/C/E/F/H/I/J abstractly, not by a
// beacon-specific set).
package supervisor

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/realms-team/solmanager/internal/metrics"
	"github.com/realms-team/solmanager/internal/sol"
)

// LivenessPollInterval is the supervisor's liveness sweep cadence
// (spec.md §4.K "every 5 seconds").
const LivenessPollInterval = 5 * time.Second

// ManagerMACPollInterval is how often the supervisor checks whether the
// Manager connector has resolved its MAC before starting the components
// that depend on it (spec.md §4.K "waits until C resolves the Manager
// MAC").
const ManagerMACPollInterval = 200 * time.Millisecond

// Connector is the narrow view of the Manager connector (§4.C) the
// supervisor depends on: run its session loop, report the resolved MAC,
// and report liveness.
type Connector interface {
	Run(ctx context.Context) error
	ManagerMAC() (sol.MAC, bool)
	Alive() bool
}

// Component is one supervised task started after the Manager MAC has been
// resolved (E, F, H, I, J). Run must block until ctx is cancelled or the
// task dies; Alive reports whether it has made progress since the last
// poll.
type Component struct {
	Name  string
	Run   func(ctx context.Context) error
	Alive func() bool
}

// Supervisor owns the dependency-ordered startup sequence and the
// process-wide errgroup every component runs under.
type Supervisor struct {
	connectorName string
	connector     Connector
	components    []Component
	metrics       *metrics.Metrics
	logger        *zap.Logger
}

// New constructs a Supervisor. components are started, in order, only
// after the connector has resolved the Manager MAC.
func New(connectorName string, connector Connector, components []Component, m *metrics.Metrics, logger *zap.Logger) *Supervisor {
	return &Supervisor{
		connectorName: connectorName,
		connector:     connector,
		components:    components,
		metrics:       m,
		logger:        logger,
	}
}

// Run starts the connector, waits for the Manager MAC, starts every
// component, and blocks until ctx is cancelled or a component dies. A
// non-nil return means some component's task ended (crashed or returned an
// error); per spec.md §4.K the caller (cmd/solmanager's main) MUST treat
// this as fatal and exit the process, relying on an external process
// manager to restart it.
func (s *Supervisor) Run(ctx context.Context) error {
	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return s.connector.Run(gCtx)
	})

	if err := s.waitForManagerMAC(gCtx); err != nil {
		// gCtx was cancelled either by the caller or because the
		// connector's own task already died; g.Wait() surfaces the
		// connector's error in the latter case.
		if connErr := g.Wait(); connErr != nil {
			return connErr
		}
		return err
	}

	for _, c := range s.components {
		c := c
		g.Go(func() error {
			s.logger.Info("starting component", zap.String("component", c.Name))
			if err := c.Run(gCtx); err != nil {
				return err
			}
			if gCtx.Err() == nil {
				// A task that ends before shutdown is dead even when it
				// reports no error (e.g. a periodic driver after a crash).
				return fmt.Errorf("component %s exited", c.Name)
			}
			return nil
		})
	}

	livenessDone := make(chan struct{})
	go func() {
		defer close(livenessDone)
		s.pollLiveness(gCtx)
	}()

	err := g.Wait()
	<-livenessDone
	if err != nil {
		s.logger.Error("supervised component died", zap.Error(err))
	}
	return err
}

// waitForManagerMAC blocks until the connector resolves the Manager MAC or
// ctx is cancelled.
func (s *Supervisor) waitForManagerMAC(ctx context.Context) error {
	ticker := time.NewTicker(ManagerMACPollInterval)
	defer ticker.Stop()

	if _, ok := s.connector.ManagerMAC(); ok {
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, ok := s.connector.ManagerMAC(); ok {
				s.logger.Info("manager MAC resolved, starting dependent components")
				return nil
			}
		}
	}
}

// pollLiveness updates the component-up gauge for the connector and every
// component on a fixed cadence, for monitoring. Actual death detection is
// driven by errgroup: a component's Run returning ends gCtx for every
// sibling, which g.Wait() in Run surfaces as this Supervisor's return
// value.
func (s *Supervisor) pollLiveness(ctx context.Context) {
	ticker := time.NewTicker(LivenessPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.setComponentUp(s.connectorName, s.connector.Alive())
			for _, c := range s.components {
				s.setComponentUp(c.Name, c.Alive())
			}
		}
	}
}

func (s *Supervisor) setComponentUp(name string, alive bool) {
	if s.metrics == nil {
		return
	}
	v := 0.0
	if alive {
		v = 1.0
	}
	s.metrics.ComponentUp.WithLabelValues(name).Set(v)
}
