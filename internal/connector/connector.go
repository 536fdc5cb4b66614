// Package connector implements the Manager connector (spec.md §4.C): the
// component that owns the single logical session to the mesh Manager,
// resolves the Manager MAC, tracks the wall/network time offset, and
// delivers notifications upward to the ingest dispatcher.
//
// Two variants share one contract (Connector): a serial-port session
// (internal/connector/serial.go) and an HTTP-server session
// (internal/connector/httpserver.go, grounded on notifData/oap-style
// inbound routes plus a peer /api/v1/raw for outbound raw commands).
package connector

import (
	"context"
	"sync"
	"time"

	"github.com/realms-team/solmanager/internal/sol"
)

// NotifyFunc is the upward callback C uses to deliver a notification to the
// ingest dispatcher (D). The connector performs no codec work itself.
type NotifyFunc func(n *sol.Notification)

// State is the Manager connector's state machine (spec.md §4.C "State
// machine"). Terminal: none — the connector restarts forever until the
// process closes.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateDraining
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDraining:
		return "draining"
	default:
		return "unknown"
	}
}

// Connector is the contract both Manager-connection variants implement.
type Connector interface {
	// Run owns the connector's lifetime: connect, subscribe, forward
	// notifications, reconnect on failure. It returns when ctx is
	// cancelled, after best-effort draining.
	Run(ctx context.Context) error

	// ManagerMAC returns the lazily resolved Manager MAC and whether it has
	// been resolved yet (spec.md §3 "Manager MAC").
	ManagerMAC() (sol.MAC, bool)

	// IssueRaw sends a raw Manager-API command and returns its response
	// fields, surfacing a command failure to the caller without
	// disconnecting (spec.md §4.C "Failures").
	IssueRaw(ctx context.Context, command string, fields map[string]interface{}) (map[string]interface{}, error)

	// State reports the current connector state, for liveness/status
	// reporting.
	State() State

	// Alive reports whether the connector's run loop is making progress,
	// for the supervisor's liveness poll.
	Alive() bool
}

// timeSync is the mutex-guarded offset shared by both connector variants
// (spec.md §3 "Time-sync state").
type timeSync struct {
	mu         sync.Mutex
	diffMicros int64
	set        bool
}

// sync recomputes tsDiff from a fresh network-time sample taken at wall
// time now.
func (t *timeSync) sync(netTimeMicros int64, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.diffMicros = now.UnixMicro() - netTimeMicros
	t.set = true
}

// reset clears the offset on disconnect (spec.md §3: "cleared on reconnect"
// analog applied to the offset itself, which is resampled on the next
// connect).
func (t *timeSync) reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.set = false
}

// project returns the epoch timestamp for a notification's network time,
// or now() if the offset has never been sampled.
func (t *timeSync) project(n *sol.Notification) int64 {
	t.mu.Lock()
	diff := t.diffMicros
	isSet := t.set
	t.mu.Unlock()

	if !n.HasNetTime || !isSet {
		return time.Now().Unix()
	}
	return sol.ProjectEpoch(n.NetTimeMicros(), diff)
}

// managerMAC is the mutex-guarded, lazily resolved, per-session Manager MAC
// cache (spec.md §3 "Manager MAC").
type managerMAC struct {
	mu  sync.Mutex
	mac sol.MAC
	set bool
}

func (m *managerMAC) get() (sol.MAC, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mac, m.set
}

func (m *managerMAC) set_(mac sol.MAC) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mac = mac
	m.set = true
}

func (m *managerMAC) clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.set = false
}

// aliveFlag is a simple non-blocking liveness signal the run loop touches
// on every iteration, mirroring internal/periodic's Alive pattern so the
// supervisor can poll connectors the same way it polls periodic drivers.
type aliveFlag struct {
	ch chan struct{}
}

func newAliveFlag() *aliveFlag {
	return &aliveFlag{ch: make(chan struct{}, 1)}
}

func (a *aliveFlag) touch() {
	select {
	case a.ch <- struct{}{}:
	default:
	}
}

func (a *aliveFlag) Alive() bool {
	select {
	case <-a.ch:
		return true
	default:
		return false
	}
}
