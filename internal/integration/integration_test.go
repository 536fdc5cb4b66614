//go:build integration

// Package integration exercises spec.md §8's end-to-end scenarios across
// real component wiring (ingest dispatcher, File/Server publishers,
// Control API, Manager connector), rather than a single package's mocks.
package integration

import (
	"bufio"
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"math/big"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/realms-team/solmanager/internal/codec"
	"github.com/realms-team/solmanager/internal/connector"
	"github.com/realms-team/solmanager/internal/controlapi"
	"github.com/realms-team/solmanager/internal/ingest"
	"github.com/realms-team/solmanager/internal/metrics"
	"github.com/realms-team/solmanager/internal/publish"
	"github.com/realms-team/solmanager/internal/sol"
	"github.com/realms-team/solmanager/internal/state"
	"github.com/realms-team/solmanager/internal/statspub"
)

func newTestMetrics() *metrics.Metrics {
	return metrics.NewMetrics(prometheus.NewRegistry())
}

func newStore(t *testing.T) state.Store {
	t.Helper()
	s, err := state.Open(":memory:", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

type sequentialEpoch struct{ epochs []int64 }

func (s *sequentialEpoch) ProjectEpoch(_ *sol.Notification) int64 {
	e := s.epochs[0]
	s.epochs = s.epochs[1:]
	return e
}

func notifDataFor(mac string) *sol.Notification {
	return &sol.Notification{Name: "notifData", Fields: map[string]interface{}{"mac": mac}}
}

// Scenario 1 (spec.md §8 "Happy path"): three notifications arrive with
// timestamps T, T+1, T+40 in that order; a drain run 35s after T files the
// first two in ascending order and holds back the third, which is still
// inside the buffer period.
func TestHappyPathFileDrainOrdersAndHoldsBackRecent(t *testing.T) {
	dir := t.TempDir()
	backupPath := filepath.Join(dir, "backup.jsonl")
	store := newStore(t)
	c := codec.New()

	base := time.Now().Add(-35 * time.Second).Unix()
	epoch := &sequentialEpoch{epochs: []int64{base, base + 1, base + 40}}

	filePub := publish.NewFilePublisher(backupPath, c, store, newTestMetrics(), zap.NewNop())
	serverPub := &discardPublisher{}
	dispatcher := ingest.NewDispatcher(c, store, epoch, filePub, serverPub, newTestMetrics(), zap.NewNop())

	dispatcher.Deliver(notifDataFor("0011223344556677"))
	dispatcher.Deliver(notifDataFor("0011223344556677"))
	dispatcher.Deliver(notifDataFor("0011223344556677"))

	require.NoError(t, filePub.Drain(context.Background()))

	assert.Equal(t, 1, filePub.BacklogLen(), "the T+40 object is still within the buffer period")

	data, err := os.ReadFile(backupPath)
	require.NoError(t, err)
	lines := splitNonEmptyLines(data)
	require.Len(t, lines, 2)

	var first, second sol.Object
	require.NoError(t, json.Unmarshal(lines[0], &first))
	require.NoError(t, json.Unmarshal(lines[1], &second))
	assert.Equal(t, base, first.Timestamp)
	assert.Equal(t, base+1, second.Timestamp)
}

func splitNonEmptyLines(data []byte) [][]byte {
	var out [][]byte
	for _, line := range bytes.Split(data, []byte("\n")) {
		if len(line) > 0 {
			out = append(out, line)
		}
	}
	return out
}

type discardPublisher struct{}

func (discardPublisher) Publish(*sol.Object) {}

type scriptedClient struct {
	responses []*http.Response
	errs      []error
	calls     int
}

func (c *scriptedClient) Do(req *http.Request) (*http.Response, error) {
	i := c.calls
	c.calls++
	var err error
	if i < len(c.errs) {
		err = c.errs[i]
	}
	var resp *http.Response
	if i < len(c.responses) {
		resp = c.responses[i]
	}
	return resp, err
}

func okResp() *http.Response {
	return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(bytes.NewReader(nil))}
}

func failResp(code int) *http.Response {
	return &http.Response{StatusCode: code, Body: io.NopCloser(bytes.NewReader(nil))}
}

// Scenario 2 (spec.md §8 "Server unreachable"): the first drain fails with
// no listener, then a second drain against a reachable server succeeds.
func TestServerUnreachableThenRecovered(t *testing.T) {
	store := newStore(t)
	client := &scriptedClient{errs: []error{assert.AnError}}
	sp := publish.NewServerPublisher("https://sol.example.test/ingest", "tok", time.Second, client, codec.New(), store, newTestMetrics(), zap.NewNop())

	var mac sol.MAC
	mac[sol.MACLen-1] = 1
	obj, err := sol.New(mac, time.Now().Unix(), sol.TypeRawData, map[string]interface{}{"mac": mac.String()})
	require.NoError(t, err)
	sp.Publish(obj)

	require.NoError(t, sp.Drain(context.Background()))
	assert.Equal(t, int64(1), store.Get(state.StatPubserverSendFail))
	assert.Equal(t, 1, sp.BacklogLen())

	client.responses = []*http.Response{nil, okResp()}
	require.NoError(t, sp.Drain(context.Background()))
	assert.Equal(t, int64(1), store.Get(state.StatPubserverSendOK))
	assert.Equal(t, 0, sp.BacklogLen())
}

// Scenario 3 (spec.md §8 "Chunking"): 25 objects drain as 3 POSTs of sizes
// 10, 10, 5; a 500 on the second POST retains the last 15.
func TestChunkingPartialFailureRetainsRemainder(t *testing.T) {
	store := newStore(t)
	client := &scriptedClient{responses: []*http.Response{okResp(), failResp(http.StatusInternalServerError)}}
	sp := publish.NewServerPublisher("https://sol.example.test/ingest", "", time.Second, client, codec.New(), store, newTestMetrics(), zap.NewNop())

	for i := 0; i < 25; i++ {
		var mac sol.MAC
		mac[sol.MACLen-1] = byte(i)
		obj, err := sol.New(mac, time.Now().Unix(), sol.TypeRawData, map[string]interface{}{"mac": mac.String()})
		require.NoError(t, err)
		sp.Publish(obj)
	}

	require.NoError(t, sp.Drain(context.Background()))
	assert.Equal(t, 2, client.calls, "drain stops after the failing second chunk")
	assert.Equal(t, 15, sp.BacklogLen(), "the first 10 were removed, the failing 10 and untried 5 remain")
}

// Scenarios 4 and 5 (spec.md §8 "Resend" and "Auth"): exercised against a
// real TLS listener with a self-signed certificate, since the Control API's
// HTTP handlers are unexported.
func TestControlAPIResendAndAuth(t *testing.T) {
	dir := t.TempDir()
	backupPath := filepath.Join(dir, "backup.jsonl")
	certPath, keyPath := writeSelfSignedCert(t, dir)

	store := newStore(t)
	c := codec.New()

	var objs []*sol.Object
	for i, ts := range []int64{1000, 1001, 1002, 1003, 1004} {
		var mac sol.MAC
		mac[sol.MACLen-1] = byte(i)
		obj, err := sol.New(mac, ts, sol.TypeRawData, map[string]interface{}{"mac": mac.String()})
		require.NoError(t, err)
		objs = append(objs, obj)
	}
	require.NoError(t, c.AppendFile(backupPath, objs))

	serverPub := &discardPublisher{}
	raw := &noopRawCaller{}
	snap := &noopSnapshotProvider{}

	port := freeTCPPort(t)
	listenAddr := fmt.Sprintf(":%d", port)
	const token = "control-token"
	srv := controlapi.New(listenAddr, certPath, keyPath, token, c, backupPath, store, raw, snap, serverPub,
		statspub.Stats{SolVersion: statspub.Version{1, 0, 0, 0}}, newTestMetrics(), zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- srv.Run(ctx) }()
	waitForListener(t, port)

	client := &http.Client{Transport: &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}}}
	base := fmt.Sprintf("https://127.0.0.1:%d", port)

	// Scenario 5: no token => 401, counter incremented.
	resp, err := client.Get(base + "/api/v1/status.json")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, int64(1), store.Get(state.StatJSONNumUnauthorized))

	// Scenario 4: resend count then resend.
	countBody, _ := json.Marshal(map[string]interface{}{
		"action": "count", "startTimestamp": 1001, "endTimestamp": 1003,
	})
	req, _ := http.NewRequest(http.MethodPost, base+"/api/v1/resend.json", bytes.NewReader(countBody))
	req.Header.Set("X-REALMS-Token", token)
	resp, err = client.Do(req)
	require.NoError(t, err)
	var countResult map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&countResult))
	resp.Body.Close()
	assert.Equal(t, float64(3), countResult["numObjects"])

	resendBody, _ := json.Marshal(map[string]interface{}{
		"action": "resend", "startTimestamp": 1001, "endTimestamp": 1003,
	})
	req, _ = http.NewRequest(http.MethodPost, base+"/api/v1/resend.json", bytes.NewReader(resendBody))
	req.Header.Set("X-REALMS-Token", token)
	resp, err = client.Do(req)
	require.NoError(t, err)
	var resendResult map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&resendResult))
	resp.Body.Close()
	assert.Equal(t, float64(3), resendResult["numObjects"])

	cancel()
	<-runErr
}

type noopRawCaller struct{}

func (noopRawCaller) IssueRaw(context.Context, string, map[string]interface{}) (map[string]interface{}, error) {
	return nil, nil
}

type noopSnapshotProvider struct{}

func (noopSnapshotProvider) LastSnapshot() (*sol.Object, bool) { return nil, false }
func (noopSnapshotProvider) Collect(context.Context) error     { return nil }

func freeTCPPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func waitForListener(t *testing.T, port int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := tls.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port), &tls.Config{InsecureSkipVerify: true})
		if err == nil {
			conn.Close()
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("control API listener never became ready")
}

func writeSelfSignedCert(t *testing.T, dir string) (certPath, keyPath string) {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "solmanager-test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	require.NoError(t, err)

	certPath = filepath.Join(dir, "cert.pem")
	keyPath = filepath.Join(dir, "key.pem")

	certFile, err := os.Create(certPath)
	require.NoError(t, err)
	require.NoError(t, pem.Encode(certFile, &pem.Block{Type: "CERTIFICATE", Bytes: der}))
	require.NoError(t, certFile.Close())

	keyBytes, err := x509.MarshalECPrivateKey(priv)
	require.NoError(t, err)
	keyFile, err := os.Create(keyPath)
	require.NoError(t, err)
	require.NoError(t, pem.Encode(keyFile, &pem.Block{Type: "EC PRIVATE KEY", Bytes: keyBytes}))
	require.NoError(t, keyFile.Close())

	return certPath, keyPath
}

// Scenario 6 (spec.md §8 "Reconnect"): after Connected, an error signal
// drops the session; within the reconnect window the connector is
// Connected again with both counters incremented.
func TestManagerReconnectLifecycle(t *testing.T) {
	store := newStore(t)

	var attempt int32
	openPort := func() (connector.Port, error) {
		n := atomic.AddInt32(&attempt, 1)
		p := newScriptedPort(n)
		return p, nil
	}

	delivered := make(chan *sol.Notification, 4)
	c := connector.NewSerialConnector(openPort, func(n *sol.Notification) { delivered <- n }, store, newTestMetrics(), zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	waitForState(t, c, connector.StateConnected, 2*time.Second)
	assert.Equal(t, int64(1), store.Get(state.StatMgrNumConnectOK))

	waitForState(t, c, connector.StateDisconnected, 2*time.Second) // scripted error signal drops the session
	assert.GreaterOrEqual(t, store.Get(state.StatMgrNumDisconnects), int64(1))

	waitForState(t, c, connector.StateConnected, 3*time.Second) // reconnect loop brings up a second session
	assert.GreaterOrEqual(t, store.Get(state.StatMgrNumConnectOK), int64(2))

	cancel()
	<-done
}

func waitForState(t *testing.T, c *connector.SerialConnector, want connector.State, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if c.State() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("connector never reached state %s (stuck at %s)", want, c.State())
}

// scriptedPort plays a minimal Manager session: resolves a mote config on
// first mote-config query, accepts subscribe, then on the first session
// emits an error signal shortly after subscribing so the connector
// reconnects; the second session just idles until closed.
type scriptedPort struct {
	session int32
	r       *io.PipeReader
	w       *io.PipeWriter
	farR    *io.PipeReader
	farW    *io.PipeWriter
}

func newScriptedPort(session int32) *scriptedPort {
	r1, w1 := io.Pipe()
	r2, w2 := io.Pipe()
	p := &scriptedPort{session: session, r: r1, w: w2, farR: r2, farW: w1}
	go p.serve()
	return p
}

func (p *scriptedPort) Read(b []byte) (int, error)  { return p.r.Read(b) }
func (p *scriptedPort) Write(b []byte) (int, error) { return p.w.Write(b) }
func (p *scriptedPort) Close() error {
	_ = p.r.Close()
	return p.w.Close()
}

func (p *scriptedPort) serve() {
	reader := bufio.NewReader(p.farR)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			return
		}
		var req map[string]interface{}
		if err := json.Unmarshal(line, &req); err != nil {
			continue
		}
		id, _ := req["id"].(float64)
		switch req["command"] {
		case "getMoteConfig":
			resp := map[string]interface{}{"id": id, "code": 0, "result": map[string]interface{}{"macAddress": "0011223344556699", "isAP": true}}
			p.writeJSON(resp)
		case "subscribe":
			p.writeJSON(map[string]interface{}{"id": id, "code": 0, "result": map[string]interface{}{}})
			if p.session == 1 {
				time.AfterFunc(100*time.Millisecond, func() {
					p.writeJSON(map[string]interface{}{"notif": "error"})
				})
			}
		default:
			p.writeJSON(map[string]interface{}{"id": id, "code": 0, "result": map[string]interface{}{}})
		}
	}
}

func (p *scriptedPort) writeJSON(v map[string]interface{}) {
	b, _ := json.Marshal(v)
	b = append(b, '\n')
	_, _ = p.farW.Write(b)
}
