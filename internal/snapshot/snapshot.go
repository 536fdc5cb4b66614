// Package snapshot implements the Snapshot collector (spec.md §4.H): an
// on-demand and periodic topology snapshot built from three iterative
// Manager queries (mote enumeration, mote details, paths), emitted as a
// single SOL object and cached for immediate reuse by the Control API.
package snapshot

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/realms-team/solmanager/internal/metrics"
	"github.com/realms-team/solmanager/internal/sol"
	"github.com/realms-team/solmanager/internal/state"
)

// RawCaller issues a raw Manager command and returns its response fields,
// satisfied by a Manager connector's IssueRaw (spec.md §4.C contract).
type RawCaller interface {
	IssueRaw(ctx context.Context, command string, fields map[string]interface{}) (map[string]interface{}, error)
	ManagerMAC() (sol.MAC, bool)
}

// Publisher is the narrow interface both publishers satisfy.
type Publisher interface {
	Publish(o *sol.Object)
}

// Mote is one enumerated device's topology record, built up across the
// three-step query protocol.
type Mote struct {
	MAC             string `json:"mac"`
	MoteID          int    `json:"moteId"`
	IsAP            bool   `json:"isAP"`
	State           int    `json:"state"`
	IsRouting       bool   `json:"isRouting"`
	NumNbrs         int    `json:"numNbrs"`
	NumGoodNbrs     int    `json:"numGoodNbrs"`
	RequestedBw     int    `json:"requestedBw"`
	TotalNeededBw   int    `json:"totalNeededBw"`
	AssignedBw      int    `json:"assignedBw"`
	PacketsReceived int    `json:"packetsReceived"`
	PacketsLost     int    `json:"packetsLost"`
	AvgLatency      int    `json:"avgLatency"`
	Paths           []Path `json:"paths"`
}

// Path is one path-info record for a mote (spec.md §4.H step 3).
type Path struct {
	Dest        string `json:"dest"`
	Direction   int    `json:"direction"`
	NumLinks    int    `json:"numLinks"`
	Quality     int    `json:"quality"`
	RSSISrcDest int    `json:"rssiSrcDest"`
	RSSIDestSrc int    `json:"rssiDestSrc"`
}

// Snapshot is the full topology enumeration, the value payload of the SOL
// object of type sol.TypeSnapshot.
type Snapshot struct {
	Motes []Mote `json:"motes"`
}

// Collector owns the last-successful-snapshot cache and the collection
// logic.
type Collector struct {
	caller  RawCaller
	file    Publisher
	server  Publisher
	store   state.Store
	metrics *metrics.Metrics
	logger  *zap.Logger

	mu       sync.Mutex
	lastGood *sol.Object
}

// NewCollector constructs a Collector.
func NewCollector(caller RawCaller, file, server Publisher, store state.Store, m *metrics.Metrics, logger *zap.Logger) *Collector {
	return &Collector{caller: caller, file: file, server: server, store: store, metrics: m, logger: logger}
}

// LastSnapshot returns the most recently completed snapshot object, if any,
// for the Control API's snapshot endpoint (spec.md §4.J) to return without
// waiting a full period.
func (c *Collector) LastSnapshot() (*sol.Object, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastGood == nil {
		return nil, false
	}
	return c.lastGood, true
}

// Collect runs the full three-step protocol (spec.md §4.H). On success it
// builds and publishes a SNAPSHOT object and caches it; on failure at any
// step the partial snapshot is discarded.
func (c *Collector) Collect(ctx context.Context) error {
	if _, err := c.store.Incr(state.StatSnapshotNumStart, 1); err != nil {
		c.logger.Error("failed to persist snapshot-start counter", zap.Error(err))
	}
	if c.metrics != nil {
		c.metrics.SnapshotStartTotal.Inc()
	}

	motes, err := c.enumerateMotes(ctx)
	if err != nil {
		c.fail(err, "enumerate motes")
		return err
	}
	for i := range motes {
		if err := c.fillDetails(ctx, &motes[i]); err != nil {
			c.fail(err, "mote details")
			return err
		}
		if err := c.fillPaths(ctx, &motes[i]); err != nil {
			c.fail(err, "mote paths")
			return err
		}
	}

	mac, _ := c.caller.ManagerMAC()
	obj, err := sol.New(mac, time.Now().Unix(), sol.TypeSnapshot, Snapshot{Motes: motes})
	if err != nil {
		c.fail(err, "build snapshot object")
		return err
	}

	c.mu.Lock()
	c.lastGood = obj
	c.mu.Unlock()

	c.file.Publish(obj)
	c.server.Publish(obj)

	if _, err := c.store.Incr(state.StatSnapshotNumOK, 1); err != nil {
		c.logger.Error("failed to persist snapshot-ok counter", zap.Error(err))
	}
	if c.metrics != nil {
		c.metrics.SnapshotOKTotal.Inc()
	}
	c.logger.Info("snapshot collected", zap.Int("num_motes", len(motes)))
	return nil
}

func (c *Collector) fail(err error, step string) {
	if _, serr := c.store.Incr(state.StatSnapshotNumFail, 1); serr != nil {
		c.logger.Error("failed to persist snapshot-fail counter", zap.Error(serr))
	}
	if c.metrics != nil {
		c.metrics.SnapshotFailTotal.Inc()
	}
	c.logger.Warn("snapshot collection failed", zap.String("step", step), zap.Error(err))
}

// enumerateMotes implements spec.md §4.H step 1: repeated getMoteConfig
// calls seeded with MAC zero, stopping when the response code is non-zero.
func (c *Collector) enumerateMotes(ctx context.Context) ([]Mote, error) {
	var motes []Mote
	current := sol.MAC{}

	for i := 0; i < 4096; i++ {
		resp, err := c.caller.IssueRaw(ctx, "getMoteConfig", map[string]interface{}{
			"macAddress": current.String(),
			"next":       true,
		})
		if err != nil {
			// A non-zero Manager response code surfaces as an IssueRaw
			// error; per spec.md §4.H step 1 that is the normal "no more
			// motes" stop condition, not a failure of the snapshot.
			break
		}

		macStr, _ := resp["macAddress"].(string)
		mac, err := sol.ParseMAC(macStr)
		if err != nil {
			return nil, fmt.Errorf("parsing mote mac: %w", err)
		}
		current = mac

		motes = append(motes, Mote{
			MAC:       mac.String(),
			MoteID:    intField(resp, "moteId"),
			IsAP:      boolField(resp, "isAP"),
			State:     intField(resp, "state"),
			IsRouting: boolField(resp, "isRouting"),
		})

		if last, ok := resp["last"].(bool); ok && last {
			break
		}
	}
	return motes, nil
}

// fillDetails implements spec.md §4.H step 2.
func (c *Collector) fillDetails(ctx context.Context, m *Mote) error {
	resp, err := c.caller.IssueRaw(ctx, "getMoteInfo", map[string]interface{}{"macAddress": m.MAC})
	if err != nil {
		return fmt.Errorf("getMoteInfo(%s): %w", m.MAC, err)
	}
	m.NumNbrs = intField(resp, "numNbrs")
	m.NumGoodNbrs = intField(resp, "numGoodNbrs")
	m.RequestedBw = intField(resp, "requestedBw")
	m.TotalNeededBw = intField(resp, "totalNeededBw")
	m.AssignedBw = intField(resp, "assignedBw")
	m.PacketsReceived = intField(resp, "packetsReceived")
	m.PacketsLost = intField(resp, "packetsLost")
	m.AvgLatency = intField(resp, "avgLatency")
	return nil
}

// fillPaths implements spec.md §4.H step 3: repeated getNextPathInfo calls
// starting at pathId 0, stopping on a non-zero response code.
func (c *Collector) fillPaths(ctx context.Context, m *Mote) error {
	pathID := 0
	for i := 0; i < 4096; i++ {
		resp, err := c.caller.IssueRaw(ctx, "getNextPathInfo", map[string]interface{}{
			"macAddress": m.MAC,
			"filter":     0,
			"pathId":     pathID,
		})
		if err != nil {
			// A non-zero response code is step 3's normal stop condition.
			break
		}

		m.Paths = append(m.Paths, Path{
			Dest:        stringField(resp, "dest"),
			Direction:   intField(resp, "direction"),
			NumLinks:    intField(resp, "numLinks"),
			Quality:     intField(resp, "quality"),
			RSSISrcDest: intField(resp, "rssiSrcDest"),
			RSSIDestSrc: intField(resp, "rssiDestSrc"),
		})

		nextID, ok := resp["nextPathId"].(float64)
		if !ok {
			break
		}
		pathID = int(nextID)
	}
	return nil
}

func intField(m map[string]interface{}, key string) int {
	if v, ok := m[key].(float64); ok {
		return int(v)
	}
	return 0
}

func boolField(m map[string]interface{}, key string) bool {
	v, _ := m[key].(bool)
	return v
}

func stringField(m map[string]interface{}, key string) string {
	v, _ := m[key].(string)
	return v
}
