package connector

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/realms-team/solmanager/internal/metrics"
	"github.com/realms-team/solmanager/internal/sol"
	"github.com/realms-team/solmanager/internal/state"
)

// Port is the narrow serial-session contract the serial connector depends
// on. No serial-port library appears anywhere in the retrieval pack for
// this bespoke framing, so SerialConnector depends on this stdlib-shaped
// interface instead (see DESIGN.md); a real deployment supplies an
// implementation backed by a termios-configured os.File.
type Port interface {
	io.ReadWriteCloser
}

// OpenPortFunc opens (or reopens) the serial session, e.g. with a fixed
// baud rate, at the configured device path.
type OpenPortFunc func() (Port, error)

// frame is the line-delimited JSON request/response shape exchanged over
// the serial link: one JSON object per line, matching the wire discipline
// internal/codec uses for the backup file. ID correlates a request with its
// response so that IssueRaw calls can share the link with the notification
// stream the run loop is reading.
type frame struct {
	ID      int                    `json:"id,omitempty"`
	Command string                 `json:"command,omitempty"`
	Fields  map[string]interface{} `json:"fields,omitempty"`
	Code    int                    `json:"code"`
	Result  map[string]interface{} `json:"result"`
	Notif   string                 `json:"notif,omitempty"`
}

// reconnectDelay is the fixed sleep between reconnect attempts (spec.md
// §4.C "sleep one second").
const reconnectDelay = time.Second

// SerialConnector implements Connector over a serial-port session: mote
// enumeration to resolve the Manager MAC, subscription to the notification
// stream, and a close/sleep/retry reconnect loop on error or finish
// signals.
type SerialConnector struct {
	openPort OpenPortFunc
	notify   NotifyFunc
	store    state.Store
	metrics  *metrics.Metrics
	logger   *zap.Logger

	ts    timeSync
	mac   managerMAC
	alive *aliveFlag

	mu      sync.Mutex
	state   State
	port    Port
	writeMu sync.Mutex
	nextID  int
	pending map[int]chan frame
}

var _ Connector = (*SerialConnector)(nil)

// NewSerialConnector constructs the serial-port variant.
func NewSerialConnector(openPort OpenPortFunc, notify NotifyFunc, store state.Store, m *metrics.Metrics, logger *zap.Logger) *SerialConnector {
	return &SerialConnector{
		openPort: openPort,
		notify:   notify,
		store:    store,
		metrics:  m,
		logger:   logger,
		alive:    newAliveFlag(),
		state:    StateDisconnected,
		pending:  make(map[int]chan frame),
	}
}

// State implements Connector.
func (c *SerialConnector) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *SerialConnector) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	if c.metrics != nil {
		c.metrics.ManagerConnectionState.WithLabelValues("serial").Set(float64(s))
	}
}

func (c *SerialConnector) setPort(port Port) {
	c.mu.Lock()
	c.port = port
	c.mu.Unlock()
}

// Alive implements Connector.
func (c *SerialConnector) Alive() bool {
	return c.alive.Alive()
}

// ManagerMAC implements Connector.
func (c *SerialConnector) ManagerMAC() (sol.MAC, bool) {
	return c.mac.get()
}

// ProjectEpoch implements ingest.EpochProjector, projecting a notification's
// network time using the connector's current wall/network offset.
func (c *SerialConnector) ProjectEpoch(n *sol.Notification) int64 {
	return c.ts.project(n)
}

// Run implements Connector: connect, subscribe, forward notifications
// forever, reconnecting on error/finish until ctx is cancelled (spec.md
// §4.C "State machine").
func (c *SerialConnector) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			c.setState(StateDisconnected)
			return nil
		}

		c.setState(StateConnecting)
		port, err := c.openPort()
		if err != nil {
			if _, serr := c.store.Incr(state.StatMgrNumConnectFail, 1); serr != nil {
				c.logger.Error("failed to persist connect-fail counter", zap.Error(serr))
			}
			if c.metrics != nil {
				c.metrics.ManagerConnectFailTotal.Inc()
			}
			c.onDisconnect("open port")
			if !sleepCtx(ctx, reconnectDelay) {
				return nil
			}
			continue
		}
		c.setPort(port)

		if err := c.runSession(ctx, port); err != nil {
			c.logger.Warn("serial connector session ended", zap.Error(err))
		}
		_ = port.Close()
		c.setPort(nil)
		c.onDisconnect("session end")

		if c.metrics != nil {
			c.metrics.ManagerDisconnectsTotal.Inc()
		}
		if _, err := c.store.Incr(state.StatMgrNumDisconnects, 1); err != nil {
			c.logger.Error("failed to persist disconnect counter", zap.Error(err))
		}

		if !sleepCtx(ctx, reconnectDelay) {
			return nil
		}
	}
}

func (c *SerialConnector) onDisconnect(reason string) {
	c.setState(StateDisconnected)
	c.mac.clear()
	c.ts.reset()
	c.logger.Debug("serial connector disconnected", zap.String("reason", reason))
}

// runSession resolves the Manager MAC via mote enumeration, subscribes to
// the notification kinds, and reads frames until an error/finish signal or
// ctx cancellation, per spec.md §4.C. A single reader goroutine dispatches
// each line either to a pending IssueRaw call (by ID) or to the
// notification handler, so commands and the notification stream can share
// one link.
func (c *SerialConnector) runSession(ctx context.Context, port Port) error {
	reader := bufio.NewReader(port)
	sessionErr := make(chan error, 1)

	go func() {
		for {
			line, err := reader.ReadBytes('\n')
			if err != nil {
				sessionErr <- fmt.Errorf("reading frame: %w", err)
				return
			}
			c.alive.touch()

			var f frame
			if err := json.Unmarshal(line, &f); err != nil {
				c.logger.Warn("serial connector dropped unparsable frame", zap.Error(err))
				continue
			}

			if f.ID != 0 {
				c.mu.Lock()
				ch, ok := c.pending[f.ID]
				delete(c.pending, f.ID)
				c.mu.Unlock()
				if ok {
					ch <- f
				}
				continue
			}

			switch f.Notif {
			case "":
				continue
			case "error", "finish":
				sessionErr <- fmt.Errorf("manager signalled %s", f.Notif)
				return
			default:
				c.deliver(f)
			}
		}
	}()

	if err := c.resolveManagerMAC(ctx); err != nil {
		return fmt.Errorf("resolving manager mac: %w", err)
	}
	if err := c.subscribe(ctx); err != nil {
		return fmt.Errorf("subscribing: %w", err)
	}

	c.setState(StateConnected)
	if _, err := c.store.Incr(state.StatMgrNumConnectOK, 1); err != nil {
		c.logger.Error("failed to persist connect-ok counter", zap.Error(err))
	}
	if c.metrics != nil {
		c.metrics.ManagerConnectOKTotal.Inc()
	}

	select {
	case <-ctx.Done():
		c.setState(StateDraining)
		return nil
	case err := <-sessionErr:
		return err
	}
}

func (c *SerialConnector) deliver(f frame) {
	n := &sol.Notification{Name: f.Notif, Fields: f.Result}
	if secs, ok := f.Result["utcSecs"].(float64); ok {
		n.HasNetTime = true
		n.UTCSecs = int64(secs)
		if usecs, ok := f.Result["utcUsecs"].(float64); ok {
			n.UTCUsecs = int64(usecs)
		}
		c.ts.sync(n.NetTimeMicros(), time.Now())
	}
	if c.notify != nil {
		c.notify(n)
	}
}

// resolveManagerMAC issues a getMoteConfig iteration starting at MAC zero,
// stopping at the access-point mote (spec.md §4.C "Serial variant").
func (c *SerialConnector) resolveManagerMAC(ctx context.Context) error {
	current := sol.MAC{}
	for i := 0; i < 256; i++ {
		resp, err := c.call(ctx, "getMoteConfig", map[string]interface{}{
			"macAddress": current.String(),
			"next":       true,
		})
		if err != nil {
			return err
		}
		if resp.Code != 0 {
			return fmt.Errorf("getMoteConfig returned code %d", resp.Code)
		}

		macStr, _ := resp.Result["macAddress"].(string)
		mac, err := sol.ParseMAC(macStr)
		if err != nil {
			return fmt.Errorf("parsing mote mac: %w", err)
		}
		current = mac

		if isAP, _ := resp.Result["isAP"].(bool); isAP {
			c.mac.set_(mac)
			return nil
		}
	}
	return fmt.Errorf("no access-point mote found after 256 iterations")
}

// subscribe registers the notification kinds the dispatcher expects
// (spec.md §4.C: "data, event, health-report, IP-data, log, plus
// error/finish signals").
func (c *SerialConnector) subscribe(ctx context.Context) error {
	kinds := []string{"notifData", "notifEvent", "notifHealthReport", "notifIpData", "notifLog"}
	resp, err := c.call(ctx, "subscribe", map[string]interface{}{"notifications": kinds})
	if err != nil {
		return err
	}
	if resp.Code != 0 {
		return fmt.Errorf("subscribe returned code %d", resp.Code)
	}
	return nil
}

// call writes a request frame tagged with a fresh ID and blocks for the
// matching response, routed back by runSession's reader goroutine.
func (c *SerialConnector) call(ctx context.Context, command string, fields map[string]interface{}) (frame, error) {
	c.mu.Lock()
	port := c.port
	if port == nil {
		c.mu.Unlock()
		return frame{}, fmt.Errorf("no active serial session")
	}
	c.nextID++
	id := c.nextID
	ch := make(chan frame, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	req := frame{ID: id, Command: command, Fields: fields}
	b, err := json.Marshal(req)
	if err != nil {
		c.dropPending(id)
		return frame{}, fmt.Errorf("encoding command %s: %w", command, err)
	}
	b = append(b, '\n')

	c.writeMu.Lock()
	_, werr := port.Write(b)
	c.writeMu.Unlock()
	if werr != nil {
		c.dropPending(id)
		return frame{}, fmt.Errorf("writing command %s: %w", command, werr)
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		c.dropPending(id)
		return frame{}, ctx.Err()
	case <-time.After(10 * time.Second):
		c.dropPending(id)
		return frame{}, fmt.Errorf("command %s timed out waiting for response", command)
	}
}

func (c *SerialConnector) dropPending(id int) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// IssueRaw implements Connector by issuing the command over the live
// serial session and surfacing any error to the caller without
// disconnecting (spec.md §4.C "Command failure → surface as an error
// response to caller... do not disconnect").
func (c *SerialConnector) IssueRaw(ctx context.Context, command string, fields map[string]interface{}) (map[string]interface{}, error) {
	resp, err := c.call(ctx, command, fields)
	if err != nil {
		return nil, err
	}
	if resp.Code != 0 {
		return nil, fmt.Errorf("command %s returned code %d", command, resp.Code)
	}
	return resp.Result, nil
}

// sleepCtx sleeps for d or returns false early if ctx is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
