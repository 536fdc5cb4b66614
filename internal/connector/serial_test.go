package connector

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/realms-team/solmanager/internal/metrics"
	"github.com/realms-team/solmanager/internal/sol"
	"github.com/realms-team/solmanager/internal/state"
)

func newTestMetrics() *metrics.Metrics {
	return metrics.NewMetrics(prometheus.NewRegistry())
}

// pipePort implements Port over a pair of io.Pipes, letting a test goroutine
// play the role of the Manager on the far end.
type pipePort struct {
	r *io.PipeReader
	w *io.PipeWriter

	farR *io.PipeReader
	farW *io.PipeWriter
}

func newPipePort() *pipePort {
	r1, w1 := io.Pipe() // connector reads from r1, test writes to w1
	r2, w2 := io.Pipe() // connector writes to w2, test reads from r2
	return &pipePort{r: r1, w: w2, farR: r2, farW: w1}
}

func (p *pipePort) Read(b []byte) (int, error)  { return p.r.Read(b) }
func (p *pipePort) Write(b []byte) (int, error) { return p.w.Write(b) }
func (p *pipePort) Close() error {
	_ = p.r.Close()
	return p.w.Close()
}

// serveManager plays a scripted Manager: it answers getMoteConfig until an
// AP mote is returned, answers subscribe with code 0, then optionally
// writes extra lines (notifications or an error/finish signal).
func serveManager(t *testing.T, p *pipePort, apMAC string, extra []frame) {
	t.Helper()
	go func() {
		reader := bufio.NewReader(p.farR)
		seenMoteConfig := false
		for {
			line, err := reader.ReadBytes('\n')
			if err != nil {
				return
			}
			var req frame
			require.NoError(t, json.Unmarshal(line, &req))

			switch req.Command {
			case "getMoteConfig":
				var resp frame
				resp.ID = req.ID
				if !seenMoteConfig {
					seenMoteConfig = true
					resp.Code = 0
					resp.Result = map[string]interface{}{"macAddress": apMAC, "isAP": true}
				}
				b, _ := json.Marshal(resp)
				b = append(b, '\n')
				_, _ = p.farW.Write(b)
			case "subscribe":
				resp := frame{ID: req.ID, Code: 0, Result: map[string]interface{}{}}
				b, _ := json.Marshal(resp)
				b = append(b, '\n')
				_, _ = p.farW.Write(b)
				for _, f := range extra {
					b, _ := json.Marshal(f)
					b = append(b, '\n')
					_, _ = p.farW.Write(b)
				}
			default:
				resp := frame{ID: req.ID, Code: 0, Result: map[string]interface{}{"echo": req.Command}}
				b, _ := json.Marshal(resp)
				b = append(b, '\n')
				_, _ = p.farW.Write(b)
			}
		}
	}()
}

func newTestSerialState(t *testing.T) state.Store {
	s, err := state.Open(":memory:", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSerialConnectorResolvesManagerMACAndDeliversNotification(t *testing.T) {
	store := newTestSerialState(t)
	var delivered []*sol.Notification
	var macAtDelivery sol.MAC
	var macResolved bool

	const apMAC = "aabbccddeeff0011"
	extra := []frame{
		{Notif: "notifData", Result: map[string]interface{}{"mac": apMAC, "value": 1.0}},
	}

	port := newPipePort()
	serveManager(t, port, apMAC, extra)

	opened := false
	open := func() (Port, error) {
		if opened {
			return nil, io.EOF
		}
		opened = true
		return port, nil
	}

	var c *SerialConnector
	notify := func(n *sol.Notification) {
		delivered = append(delivered, n)
		macAtDelivery, macResolved = c.ManagerMAC()
	}
	c = NewSerialConnector(open, notify, store, newTestMetrics(), zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	_ = c.Run(ctx)

	require.Len(t, delivered, 1)
	assert.Equal(t, "notifData", delivered[0].Name)
	assert.True(t, macResolved)
	assert.Equal(t, apMAC, macAtDelivery.String())
}

func TestSerialConnectorReconnectsOnErrorSignal(t *testing.T) {
	store := newTestSerialState(t)
	notify := func(n *sol.Notification) {}

	const apMAC = "aabbccddeeff0011"
	extra := []frame{{Notif: "error"}}

	var ports []*pipePort
	open := func() (Port, error) {
		p := newPipePort()
		ports = append(ports, p)
		serveManager(t, p, apMAC, extra)
		return p, nil
	}

	c := NewSerialConnector(open, notify, store, newTestMetrics(), zap.NewNop())
	ctx, cancel := context.WithTimeout(context.Background(), 1300*time.Millisecond)
	defer cancel()

	_ = c.Run(ctx)

	assert.GreaterOrEqual(t, store.Get(state.StatMgrNumDisconnects), int64(1))
}
