package connector

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/realms-team/solmanager/internal/sol"
)

func TestTimeSyncProjectsUsingOffset(t *testing.T) {
	var ts timeSync
	now := time.Now()
	ts.sync(now.UnixMicro(), now)

	n := &sol.Notification{HasNetTime: true, UTCSecs: now.Add(10 * time.Second).Unix()}
	epoch := ts.project(n)
	assert.InDelta(t, now.Add(10*time.Second).Unix(), epoch, 1)
}

func TestTimeSyncProjectFallsBackToNowWithoutSync(t *testing.T) {
	var ts timeSync
	n := &sol.Notification{}
	epoch := ts.project(n)
	assert.InDelta(t, time.Now().Unix(), epoch, 1)
}

func TestTimeSyncResetClearsOffset(t *testing.T) {
	var ts timeSync
	ts.sync(time.Now().UnixMicro(), time.Now())
	ts.reset()
	assert.False(t, ts.set)
}

func TestManagerMACLifecycle(t *testing.T) {
	var m managerMAC
	_, ok := m.get()
	assert.False(t, ok)

	var mac sol.MAC
	mac[0] = 0xAB
	m.set_(mac)
	got, ok := m.get()
	assert.True(t, ok)
	assert.Equal(t, mac, got)

	m.clear()
	_, ok = m.get()
	assert.False(t, ok)
}

func TestAliveFlagDrainsOnce(t *testing.T) {
	a := newAliveFlag()
	assert.False(t, a.Alive())
	a.touch()
	assert.True(t, a.Alive())
	assert.False(t, a.Alive())
}
