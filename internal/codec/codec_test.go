package codec

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/realms-team/solmanager/internal/sol"
)

func TestTransformKnownNotification(t *testing.T) {
	c := New()
	n := &sol.Notification{
		Name:   "notifEvent",
		Fields: map[string]interface{}{"mac": "0011223344556677", "eventId": 3},
	}
	objs, err := c.Transform(n, 1000)
	require.NoError(t, err)
	require.Len(t, objs, 1)
	assert.Equal(t, sol.TypeEvent, objs[0].Type)
	assert.Equal(t, int64(1000), objs[0].Timestamp)
}

func TestTransformUnknownNotificationYieldsNone(t *testing.T) {
	c := New()
	n := &sol.Notification{Name: "notifSomethingUnrecognized", Fields: map[string]interface{}{"mac": "0011223344556677"}}
	objs, err := c.Transform(n, 1000)
	require.NoError(t, err)
	assert.Empty(t, objs)
}

func TestTransformMissingMAC(t *testing.T) {
	c := New()
	n := &sol.Notification{Name: "notifEvent", Fields: map[string]interface{}{}}
	_, err := c.Transform(n, 1000)
	assert.Error(t, err)
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	c := New()
	mac, _ := sol.ParseMAC("0011223344556677")
	obj, err := sol.New(mac, 1234, sol.TypeRawData, map[string]interface{}{"v": 1.5})
	require.NoError(t, err)

	enc, err := c.EncodeBinary(obj)
	require.NoError(t, err)

	dec, err := c.DecodeBinary(enc)
	require.NoError(t, err)
	assert.Equal(t, obj.MAC, dec.MAC)
	assert.Equal(t, obj.Timestamp, dec.Timestamp)
	assert.Equal(t, obj.Type, dec.Type)
}

func TestAppendAndScanRange(t *testing.T) {
	c := New()
	dir := t.TempDir()
	path := filepath.Join(dir, "backup.sol")
	mac, _ := sol.ParseMAC("0011223344556677")

	var objs []*sol.Object
	for _, ts := range []int64{1000, 1001, 1002, 1003, 1004} {
		o, err := sol.New(mac, ts, sol.TypeRawData, nil)
		require.NoError(t, err)
		objs = append(objs, o)
	}
	require.NoError(t, c.AppendFile(path, objs))

	got, err := c.ScanRange(path, 1001, 1003)
	require.NoError(t, err)
	assert.Len(t, got, 3)

	n, err := c.CountRange(path, 1001, 1003)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestScanRangeMissingFile(t *testing.T) {
	c := New()
	got, err := c.ScanRange(filepath.Join(t.TempDir(), "nope.sol"), 0, 100)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestBuildHTTPPayloadChunk(t *testing.T) {
	c := New()
	mac, _ := sol.ParseMAC("0011223344556677")
	o1, _ := sol.New(mac, 1, sol.TypeEvent, nil)
	o2, _ := sol.New(mac, 2, sol.TypeEvent, nil)
	e1, _ := c.EncodeBinary(o1)
	e2, _ := c.EncodeBinary(o2)

	payload, err := c.BuildHTTPPayload([][]byte{e1, e2})
	require.NoError(t, err)
	assert.Greater(t, len(payload), len(e1))
}
