// Package diskmonitor implements the disk-pressure watchdog: a periodic
// check of the backup-file volume's free space and the state database's
// file size. The result is surfaced three ways so an operator polling the
// gateway over the mesh link is never blind to it: Prometheus gauges, the
// control API's status.json (via the same state.Store the App state
// registry uses for every other counter, spec.md §3), and the process log.
//
// Grounded on beacon's internal/storage/monitor.go for the
// syscall.Statfs-based usage calculation; the severity handling is
// restructured around a typed PressureLevel (mirroring this project's own
// connector.State int-with-String() convention) instead of beacon's
// three-gauges-reset-then-one-set block, and the level is persisted to the
// stats registry rather than left as a Prometheus-only signal.
package diskmonitor

import (
	"context"
	"fmt"
	"os"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/realms-team/solmanager/internal/metrics"
	"github.com/realms-team/solmanager/internal/state"
)

// PressureLevel classifies the backup volume's current usage against the
// configured thresholds.
type PressureLevel int

const (
	PressureNone PressureLevel = iota
	PressureWarning
	PressureCritical
)

func (p PressureLevel) String() string {
	switch p {
	case PressureNone:
		return "none"
	case PressureWarning:
		return "warning"
	case PressureCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Monitor periodically inspects the backup-file volume and state database
// to report usage metrics and detect storage pressure.
type Monitor struct {
	volumePath        string
	dbPath            string
	interval          time.Duration
	warningThreshold  float64
	criticalThreshold float64
	store             state.Store
	metrics           *metrics.Metrics
	logger            *zap.Logger

	alive *aliveFlag
}

// aliveFlag mirrors the non-blocking liveness-touch pattern used by
// internal/periodic and internal/connector.
type aliveFlag struct{ ch chan struct{} }

func newAliveFlag() *aliveFlag { return &aliveFlag{ch: make(chan struct{}, 1)} }

func (a *aliveFlag) touch() {
	select {
	case a.ch <- struct{}{}:
	default:
	}
}

// Alive reports whether the monitor has completed a check since the last
// call to Alive.
func (a *aliveFlag) Alive() bool {
	select {
	case <-a.ch:
		return true
	default:
		return false
	}
}

// NewMonitor constructs a Monitor. volumePath is the directory holding the
// backup file (spec.md §4.E); dbPath is the state/stats SQLite database
// file (spec.md §4.A). Thresholds are usage percentages in [0, 100].
func NewMonitor(volumePath, dbPath string, interval time.Duration, warningThreshold, criticalThreshold float64, store state.Store, m *metrics.Metrics, logger *zap.Logger) *Monitor {
	return &Monitor{
		volumePath:        volumePath,
		dbPath:            dbPath,
		interval:          interval,
		warningThreshold:  warningThreshold,
		criticalThreshold: criticalThreshold,
		store:             store,
		metrics:           m,
		logger:            logger,
		alive:             newAliveFlag(),
	}
}

// Alive reports whether Check has completed since the last poll, for the
// supervisor's liveness sweep (spec.md §4.K).
func (m *Monitor) Alive() bool { return m.alive.Alive() }

// Run begins the watchdog loop, checking at the configured interval until
// ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.logger.Info("disk monitor started",
		zap.Duration("interval", m.interval),
		zap.String("volume_path", m.volumePath),
		zap.Float64("warning_threshold", m.warningThreshold),
		zap.Float64("critical_threshold", m.criticalThreshold),
	)

	if err := m.Check(); err != nil {
		m.logger.Error("disk check failed", zap.Error(err))
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := m.Check(); err != nil {
				m.logger.Error("disk check failed", zap.Error(err))
			}
		}
	}
}

// Check performs a single pass: statfs on the volume path, stat on the
// state database file, updating every storage gauge and the pressure
// indicator.
func (m *Monitor) Check() error {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(m.volumePath, &stat); err != nil {
		return fmt.Errorf("statfs on %s: %w", m.volumePath, err)
	}

	blockSize := uint64(stat.Bsize)
	totalBytes := stat.Blocks * blockSize
	availableBytes := stat.Bavail * blockSize
	usedBytes := totalBytes - (stat.Bfree * blockSize)

	var usagePercent float64
	if totalBytes > 0 {
		usagePercent = (float64(usedBytes) / float64(totalBytes)) * 100.0
	}

	totalInodes := stat.Files
	usedInodes := stat.Files - stat.Ffree

	m.metrics.StorageVolumeSizeBytes.Set(float64(totalBytes))
	m.metrics.StorageVolumeUsedBytes.Set(float64(usedBytes))
	m.metrics.StorageVolumeAvailableBytes.Set(float64(availableBytes))
	m.metrics.StorageVolumeUsagePercent.Set(usagePercent)
	m.metrics.StorageVolumeInodesTotal.Set(float64(totalInodes))
	m.metrics.StorageVolumeInodesUsed.Set(float64(usedInodes))

	var dbSizeBytes int64
	if info, err := os.Stat(m.dbPath); err != nil {
		m.logger.Warn("failed to stat state database", zap.Error(err))
	} else {
		dbSizeBytes = info.Size()
		m.metrics.StateDBSizeBytes.Set(float64(dbSizeBytes))
	}

	level := m.pressureLevel(usagePercent)
	m.reportPressure(level, usagePercent)
	m.persistStats(usagePercent, dbSizeBytes, level)
	m.alive.touch()

	m.logger.Debug("disk check completed",
		zap.Float64("usage_percent", usagePercent),
		zap.Uint64("total_bytes", totalBytes),
		zap.Uint64("used_bytes", usedBytes),
		zap.Uint64("available_bytes", availableBytes),
		zap.String("pressure", level.String()),
	)
	return nil
}

// pressureLevel classifies usagePercent against the configured thresholds.
func (m *Monitor) pressureLevel(usagePercent float64) PressureLevel {
	switch {
	case usagePercent >= m.criticalThreshold:
		return PressureCritical
	case usagePercent >= m.warningThreshold:
		return PressureWarning
	default:
		return PressureNone
	}
}

// reportPressure updates the Prometheus pressure gauge and logs at a
// severity matching level.
func (m *Monitor) reportPressure(level PressureLevel, usagePercent float64) {
	for _, l := range []PressureLevel{PressureNone, PressureWarning, PressureCritical} {
		v := 0.0
		if l == level {
			v = 1.0
		}
		m.metrics.StoragePressure.WithLabelValues(l.String()).Set(v)
	}

	switch level {
	case PressureCritical:
		m.logger.Error("CRITICAL: disk usage exceeds critical threshold",
			zap.Float64("usage_percent", usagePercent),
			zap.Float64("critical_threshold", m.criticalThreshold),
		)
	case PressureWarning:
		m.logger.Warn("disk usage exceeds warning threshold",
			zap.Float64("usage_percent", usagePercent),
			zap.Float64("warning_threshold", m.warningThreshold),
		)
	}
}

// persistStats writes the check's result into the App state registry
// (spec.md §3) so it rides along with every other counter into the
// control API's status.json — an operator polling the gateway over the
// mesh link sees disk pressure the same way they see publish/connect
// stats, not only as a separately-scraped Prometheus series.
func (m *Monitor) persistStats(usagePercent float64, dbSizeBytes int64, level PressureLevel) {
	if err := m.store.SetGauge(state.StatDiskUsagePercent, int64(usagePercent)); err != nil {
		m.logger.Error("failed to persist disk usage percent", zap.Error(err))
	}
	if err := m.store.SetGauge(state.StatDiskPressureLevel, int64(level)); err != nil {
		m.logger.Error("failed to persist disk pressure level", zap.Error(err))
	}
	if err := m.store.SetGauge(state.StatDiskStateDBBytes, dbSizeBytes); err != nil {
		m.logger.Error("failed to persist state database size", zap.Error(err))
	}
}
