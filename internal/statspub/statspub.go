// Package statspub implements the Stats publisher (spec.md §4.I): a
// periodic emission of a self-describing statistics SOL object, carrying
// the gateway's own version triple.
package statspub

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/realms-team/solmanager/internal/sol"
)

// Version is a 4-tuple of integers (major, minor, patch, build), matching
// spec.md §4.I's "each a 4-tuple of integers" version representation.
type Version [4]int

// Stats is the value payload of a SOLMANAGER_STATS SOL object.
type Stats struct {
	SolVersion        Version `json:"sol_version"`
	SolmanagerVersion Version `json:"solmanager_version"`
	SDKVersion        Version `json:"sdk_version"`
}

// MACSource resolves the Manager MAC to stamp on the stats object.
type MACSource interface {
	ManagerMAC() (sol.MAC, bool)
}

// Publisher is the narrow interface both publishers satisfy.
type Publisher interface {
	Publish(o *sol.Object)
}

// Emitter builds and publishes the periodic SOLMANAGER_STATS object.
type Emitter struct {
	mac    MACSource
	file   Publisher
	server Publisher
	logger *zap.Logger
	stats  Stats
}

// NewEmitter constructs an Emitter reporting the given fixed version triple.
func NewEmitter(mac MACSource, file, server Publisher, solVersion, solmanagerVersion, sdkVersion Version, logger *zap.Logger) *Emitter {
	return &Emitter{
		mac:    mac,
		file:   file,
		server: server,
		logger: logger,
		stats: Stats{
			SolVersion:        solVersion,
			SolmanagerVersion: solmanagerVersion,
			SDKVersion:        sdkVersion,
		},
	}
}

// Emit builds the SOLMANAGER_STATS object and publishes it to both sinks.
func (e *Emitter) Emit(ctx context.Context) error {
	mac, _ := e.mac.ManagerMAC()

	obj, err := sol.New(mac, time.Now().Unix(), sol.TypeStats, e.stats)
	if err != nil {
		e.logger.Error("failed to build stats object", zap.Error(err))
		return err
	}

	e.file.Publish(obj)
	e.server.Publish(obj)
	return nil
}
