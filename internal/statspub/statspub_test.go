package statspub

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/realms-team/solmanager/internal/sol"
)

type fixedMAC struct {
	mac sol.MAC
	set bool
}

func (f fixedMAC) ManagerMAC() (sol.MAC, bool) { return f.mac, f.set }

type recordingPublisher struct{ objs []*sol.Object }

func (r *recordingPublisher) Publish(o *sol.Object) { r.objs = append(r.objs, o) }

func TestEmitterEmitPublishesToBothSinks(t *testing.T) {
	var mac sol.MAC
	mac[0] = 0x01
	file := &recordingPublisher{}
	server := &recordingPublisher{}

	e := NewEmitter(fixedMAC{mac: mac, set: true}, file, server, Version{1, 0, 0, 0}, Version{2, 3, 0, 0}, Version{0, 9, 1, 0}, zap.NewNop())
	require.NoError(t, e.Emit(t.Context()))

	require.Len(t, file.objs, 1)
	require.Len(t, server.objs, 1)
	assert.Equal(t, sol.TypeStats, file.objs[0].Type)
	assert.Equal(t, mac, file.objs[0].MAC)

	stats, ok := file.objs[0].Value.(Stats)
	require.True(t, ok)
	assert.Equal(t, Version{2, 3, 0, 0}, stats.SolmanagerVersion)
}
