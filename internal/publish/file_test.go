package publish

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/realms-team/solmanager/internal/codec"
	"github.com/realms-team/solmanager/internal/metrics"
	"github.com/realms-team/solmanager/internal/sol"
	"github.com/realms-team/solmanager/internal/state"
)

func newTestMetrics() *metrics.Metrics {
	return metrics.NewMetrics(prometheus.NewRegistry())
}

func newTestStore(t *testing.T) state.Store {
	t.Helper()
	s, err := state.Open(":memory:", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newObject(t *testing.T, mac byte, ts int64) *sol.Object {
	t.Helper()
	var m sol.MAC
	m[sol.MACLen-1] = mac
	o, err := sol.New(m, ts, sol.TypeRawData, map[string]interface{}{"mac": m.String()})
	require.NoError(t, err)
	return o
}

func TestFilePublisherDrainHoldsBackRecentObjects(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "backup.log")
	store := newTestStore(t)
	fp := NewFilePublisher(path, codec.New(), store, newTestMetrics(), zap.NewNop())

	now := time.Now().Unix()
	fp.Publish(newObject(t, 1, now-100)) // old enough to drain
	fp.Publish(newObject(t, 2, now))     // within buffer period, held back

	require.NoError(t, fp.Drain(context.Background()))

	assert.Equal(t, 1, fp.BacklogLen())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"mac"`)

	assert.Equal(t, int64(1), store.Get(state.StatPubfileWrites))
	assert.Equal(t, int64(1), store.Get(state.StatPubfileBacklog))
}

func TestFilePublisherDrainNoOpWhenAllRecent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "backup.log")
	store := newTestStore(t)
	fp := NewFilePublisher(path, codec.New(), store, newTestMetrics(), zap.NewNop())

	fp.Publish(newObject(t, 1, time.Now().Unix()))
	require.NoError(t, fp.Drain(context.Background()))

	assert.Equal(t, 1, fp.BacklogLen())
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
	assert.Equal(t, int64(0), store.Get(state.StatPubfileWrites))
}

func TestFilePublisherDrainSortsByTimestamp(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "backup.log")
	store := newTestStore(t)
	fp := NewFilePublisher(path, codec.New(), store, newTestMetrics(), zap.NewNop())

	old := time.Now().Add(-time.Hour).Unix()
	fp.Publish(newObject(t, 3, old+2))
	fp.Publish(newObject(t, 1, old))
	fp.Publish(newObject(t, 2, old+1))

	require.NoError(t, fp.Drain(context.Background()))
	assert.Equal(t, 0, fp.BacklogLen())

	objs, err := codec.New().ScanRange(path, 0, time.Now().Unix())
	require.NoError(t, err)
	require.Len(t, objs, 3)
	assert.True(t, objs[0].Timestamp <= objs[1].Timestamp)
	assert.True(t, objs[1].Timestamp <= objs[2].Timestamp)
}
