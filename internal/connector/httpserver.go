package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/realms-team/solmanager/internal/metrics"
	"github.com/realms-team/solmanager/internal/sol"
)

// routeNotifications maps the HTTP-server variant's inbound POST routes
// (spec.md §4.C "HTTP-server variant") to the notification name the ingest
// dispatcher expects.
var routeNotifications = map[string]string{
	"/hr":          "notifHealthReport",
	"/notifData":   "notifData",
	"/oap":         "oap",
	"/notifLog":    "notifLog",
	"/notifIpData": "notifIpData",
	"/event":       "notifEvent",
}

// HTTPServerConnector implements Connector by exposing an inbound HTTPS
// listener for Manager-pushed notifications and POSTing raw commands to a
// co-located peer server's /api/v1/raw. Grounded on beacon's
// internal/notifier.go for the outbound client shape (bounded timeout,
// X-Request-ID header, status-code classification).
type HTTPServerConnector struct {
	listenAddr string
	certFile   string
	keyFile    string
	peerURL    string
	peerToken  string
	client     *http.Client
	notify     NotifyFunc
	metrics    *metrics.Metrics
	logger     *zap.Logger

	ts    timeSync
	mac   managerMAC
	alive *aliveFlag

	mu    sync.Mutex
	state State

	server *http.Server
}

var _ Connector = (*HTTPServerConnector)(nil)

// NewHTTPServerConnector constructs the HTTP-server variant. listenAddr is
// the local inbound listener address (":port"); peerURL is the base URL of
// the co-located server that accepts raw commands at /api/v1/raw.
func NewHTTPServerConnector(listenAddr, certFile, keyFile, peerURL, peerToken string, notify NotifyFunc, m *metrics.Metrics, logger *zap.Logger) *HTTPServerConnector {
	return &HTTPServerConnector{
		listenAddr: listenAddr,
		certFile:   certFile,
		keyFile:    keyFile,
		peerURL:    peerURL,
		peerToken:  peerToken,
		client:     &http.Client{Timeout: 10 * time.Second},
		notify:     notify,
		metrics:    m,
		logger:     logger,
		alive:      newAliveFlag(),
		state:      StateDisconnected,
	}
}

func (c *HTTPServerConnector) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	if c.metrics != nil {
		c.metrics.ManagerConnectionState.WithLabelValues("jsonserver").Set(float64(s))
	}
}

// State implements Connector.
func (c *HTTPServerConnector) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Alive implements Connector.
func (c *HTTPServerConnector) Alive() bool {
	return c.alive.Alive()
}

// ManagerMAC implements Connector.
func (c *HTTPServerConnector) ManagerMAC() (sol.MAC, bool) {
	return c.mac.get()
}

// ProjectEpoch implements ingest.EpochProjector, projecting a notification's
// network time using the connector's current wall/network offset.
func (c *HTTPServerConnector) ProjectEpoch(n *sol.Notification) int64 {
	return c.ts.project(n)
}

// Run implements Connector: serves the inbound listener until ctx is
// cancelled, resolving the Manager MAC and initial time offset first.
func (c *HTTPServerConnector) Run(ctx context.Context) error {
	c.setState(StateConnecting)

	if err := c.connect(ctx); err != nil {
		c.logger.Warn("http connector initial connect failed, will retry on next notification", zap.Error(err))
	}

	mux := http.NewServeMux()
	for route, name := range routeNotifications {
		route, name := route, name
		mux.HandleFunc(route, c.handleNotification(name))
	}

	c.server = &http.Server{Addr: c.listenAddr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if c.certFile != "" && c.keyFile != "" {
			err = c.server.ListenAndServeTLS(c.certFile, c.keyFile)
		} else {
			err = c.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	c.setState(StateConnected)
	c.alive.touch()

	select {
	case <-ctx.Done():
		c.setState(StateDraining)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = c.server.Shutdown(shutdownCtx)
		c.setState(StateDisconnected)
		c.mac.clear()
		c.ts.reset()
		return nil
	case err := <-errCh:
		c.setState(StateDisconnected)
		return fmt.Errorf("http connector listener: %w", err)
	}
}

// connect resolves the Manager MAC and seeds the time offset via an
// outbound getSystemInfo call to the peer, per spec.md §4.C "Time
// synchronization" and the Connecting→Connected transition.
func (c *HTTPServerConnector) connect(ctx context.Context) error {
	resp, err := c.IssueRaw(ctx, "getSystemInfo", nil)
	if err != nil {
		return err
	}
	if macStr, ok := resp["mac"].(string); ok {
		if mac, err := sol.ParseMAC(macStr); err == nil {
			c.mac.set_(mac)
		}
	}
	if utcSecs, ok := resp["utcSecs"].(float64); ok {
		utcUsecs, _ := resp["utcUsecs"].(float64)
		n := &sol.Notification{HasNetTime: true, UTCSecs: int64(utcSecs), UTCUsecs: int64(utcUsecs)}
		c.ts.sync(n.NetTimeMicros(), time.Now())
	}
	return nil
}

func (c *HTTPServerConnector) handleNotification(name string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c.alive.touch()
		defer r.Body.Close()

		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			http.Error(w, "reading body", http.StatusBadRequest)
			return
		}

		var fields map[string]interface{}
		if len(body) > 0 {
			if err := json.Unmarshal(body, &fields); err != nil {
				http.Error(w, "invalid json body", http.StatusBadRequest)
				return
			}
		}

		if _, ok := c.mac.get(); !ok {
			if err := c.connect(r.Context()); err != nil {
				c.logger.Warn("http connector connect retry failed", zap.Error(err))
			}
		}

		n := &sol.Notification{Name: name, Fields: fields}
		if secs, ok := fields["utcSecs"].(float64); ok {
			n.HasNetTime = true
			n.UTCSecs = int64(secs)
			if usecs, ok := fields["utcUsecs"].(float64); ok {
				n.UTCUsecs = int64(usecs)
			}
			c.ts.sync(n.NetTimeMicros(), time.Now())
		}

		if c.notify != nil {
			c.notify(n)
		}
		w.WriteHeader(http.StatusOK)
	}
}

// IssueRaw implements Connector by POSTing the command to the peer server's
// /api/v1/raw (spec.md §4.C "Raw commands are POSTed to a peer server's
// /api/v1/raw"). A command failure is surfaced to the caller and does not
// change connector state (spec.md §4.C "Failures").
func (c *HTTPServerConnector) IssueRaw(ctx context.Context, command string, fields map[string]interface{}) (map[string]interface{}, error) {
	reqBody, err := json.Marshal(map[string]interface{}{"command": command, "fields": fields})
	if err != nil {
		return nil, fmt.Errorf("encoding raw command: %w", err)
	}

	url := c.peerURL + "/api/v1/raw"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("building raw command request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	if c.peerToken != "" {
		req.Header.Set("X-REALMS-Token", c.peerToken)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("posting raw command %s: %w", command, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading raw command response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("raw command %s returned status %d: %s", command, resp.StatusCode, string(respBody))
	}

	var out map[string]interface{}
	if len(respBody) > 0 {
		if err := json.Unmarshal(respBody, &out); err != nil {
			return nil, fmt.Errorf("decoding raw command response: %w", err)
		}
	}
	return out, nil
}
