package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/realms-team/solmanager/internal/metrics"
	"github.com/realms-team/solmanager/internal/sol"
)

type fakeConnector struct {
	mac      sol.MAC
	resolved atomic.Bool
	runErr   error
	blockFor time.Duration
}

func (f *fakeConnector) Run(ctx context.Context) error {
	f.resolved.Store(true)
	if f.runErr != nil {
		return f.runErr
	}
	if f.blockFor > 0 {
		select {
		case <-time.After(f.blockFor):
			return nil
		case <-ctx.Done():
			return nil
		}
	}
	<-ctx.Done()
	return nil
}

func (f *fakeConnector) ManagerMAC() (sol.MAC, bool) { return f.mac, f.resolved.Load() }
func (f *fakeConnector) Alive() bool                 { return f.resolved.Load() }

func newTestMetrics() *metrics.Metrics {
	return metrics.NewMetrics(prometheus.NewRegistry())
}

func TestSupervisorStartsComponentsAfterManagerMACResolved(t *testing.T) {
	conn := &fakeConnector{}
	var started atomic.Bool
	comp := Component{
		Name: "file-publisher",
		Run: func(ctx context.Context) error {
			started.Store(true)
			<-ctx.Done()
			return nil
		},
		Alive: func() bool { return true },
	}

	sup := New("connector", conn, []Component{comp}, newTestMetrics(), zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	require.Eventually(t, started.Load, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("supervisor did not stop after cancel")
	}
}

func TestSupervisorExitsWhenComponentDies(t *testing.T) {
	conn := &fakeConnector{}
	boom := errors.New("component crashed")
	comp := Component{
		Name:  "snapshot",
		Run:   func(ctx context.Context) error { return boom },
		Alive: func() bool { return false },
	}

	sup := New("connector", conn, []Component{comp}, newTestMetrics(), zap.NewNop())

	done := make(chan error, 1)
	go func() { done <- sup.Run(context.Background()) }()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, boom)
	case <-time.After(time.Second):
		t.Fatal("supervisor did not exit when a component died")
	}
}

func TestSupervisorExitsWhenConnectorDies(t *testing.T) {
	boom := errors.New("connector crashed")
	conn := &fakeConnector{runErr: boom}

	sup := New("connector", conn, nil, newTestMetrics(), zap.NewNop())

	done := make(chan error, 1)
	go func() { done <- sup.Run(context.Background()) }()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, boom)
	case <-time.After(time.Second):
		t.Fatal("supervisor did not exit when the connector died")
	}
}
