// Package metrics defines and registers all Prometheus metrics exposed by
// solmanager, mirroring the statistics registry's stat names (spec.md §3
// "Statistics registry", §4's per-component counters) as Prometheus
// collectors so the same numbers are scrapeable, not just queryable via the
// control API's status endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every Prometheus collector used by solmanager.
type Metrics struct {
	// ---------------------------------------------------------------
	// Ingest dispatcher (D)
	// ---------------------------------------------------------------

	// NotificationsReceivedTotal counts notifications received per name
	// (NUMRX_<name>).
	NotificationsReceivedTotal *prometheus.CounterVec

	// ObjectsSentToPublishTotal counts SOL objects handed to the publishers
	// (PUB_TOTAL_SENTTOPUBLISH).
	ObjectsSentToPublishTotal prometheus.Counter

	// CrashesTotal counts recovered component panics (ADM_NUM_CRASHES).
	CrashesTotal *prometheus.CounterVec

	// ---------------------------------------------------------------
	// File publisher (E)
	// ---------------------------------------------------------------

	// FileWritesTotal counts backup-file append batches (PUBFILE_WRITES).
	FileWritesTotal prometheus.Counter

	// FileBacklog tracks the File publisher's current buffer length
	// (PUBFILE_BACKLOG).
	FileBacklog prometheus.Gauge

	// ---------------------------------------------------------------
	// Server publisher (F)
	// ---------------------------------------------------------------

	// ServerSendAttemptsTotal counts chunk POST attempts (PUBSERVER_SENDATTEMPTS).
	ServerSendAttemptsTotal prometheus.Counter

	// ServerSendOKTotal counts successfully delivered chunks (PUBSERVER_SENDOK).
	ServerSendOKTotal prometheus.Counter

	// ServerSendFailTotal counts chunks whose POST failed at the transport
	// level (PUBSERVER_SENDFAIL).
	ServerSendFailTotal prometheus.Counter

	// ServerUnreachableTotal counts chunks the remote server answered with a
	// non-200 status (PUBSERVER_UNREACHABLE).
	ServerUnreachableTotal prometheus.Counter

	// ServerBacklog tracks the Server publisher's current buffer length
	// (PUBSERVER_BACKLOG).
	ServerBacklog prometheus.Gauge

	// ---------------------------------------------------------------
	// Manager connector (C)
	// ---------------------------------------------------------------

	// ManagerDisconnectsTotal counts connector disconnects (MGR_NUM_DISCONNECTS).
	ManagerDisconnectsTotal prometheus.Counter

	// ManagerConnectOKTotal counts successful (re)connects (MGR_NUM_CONNECT_OK).
	ManagerConnectOKTotal prometheus.Counter

	// ManagerConnectFailTotal counts failed connect attempts (MGR_NUM_CONNECT_FAIL).
	ManagerConnectFailTotal prometheus.Counter

	// ManagerConnectionState tracks the connector's state machine value.
	ManagerConnectionState *prometheus.GaugeVec

	// ---------------------------------------------------------------
	// Snapshot collector (H)
	// ---------------------------------------------------------------

	// SnapshotStartTotal counts snapshot attempts started (SNAPSHOT_NUM_START).
	SnapshotStartTotal prometheus.Counter

	// SnapshotOKTotal counts successful snapshots (SNAPSHOT_NUM_OK).
	SnapshotOKTotal prometheus.Counter

	// SnapshotFailTotal counts failed snapshots (SNAPSHOT_NUM_FAIL).
	SnapshotFailTotal prometheus.Counter

	// ---------------------------------------------------------------
	// Control API (J)
	// ---------------------------------------------------------------

	// ControlAPIRequestsTotal counts control API requests by route
	// (JSON_NUM_REQ).
	ControlAPIRequestsTotal *prometheus.CounterVec

	// ControlAPIUnauthorizedTotal counts token-mismatch requests
	// (JSON_NUM_UNAUTHORIZED).
	ControlAPIUnauthorizedTotal prometheus.Counter

	// ControlAPIRequestDuration observes control API handler latency.
	ControlAPIRequestDuration *prometheus.HistogramVec

	// ---------------------------------------------------------------
	// Disk pressure watchdog (ambient, SPEC_FULL.md supplement)
	// ---------------------------------------------------------------

	StorageVolumeSizeBytes      prometheus.Gauge
	StorageVolumeUsedBytes      prometheus.Gauge
	StorageVolumeAvailableBytes prometheus.Gauge
	StorageVolumeUsagePercent   prometheus.Gauge
	StorageVolumeInodesTotal    prometheus.Gauge
	StorageVolumeInodesUsed     prometheus.Gauge
	StateDBSizeBytes            prometheus.Gauge
	StoragePressure             *prometheus.GaugeVec

	// ---------------------------------------------------------------
	// Supervisor (K)
	// ---------------------------------------------------------------

	// ComponentUp indicates whether a supervised component's last liveness
	// poll found it alive (1) or dead (0).
	ComponentUp *prometheus.GaugeVec
}

// NewMetrics creates and registers all Prometheus metrics with the supplied
// registerer. Pass prometheus.DefaultRegisterer for global registration or a
// custom registry for testing.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{}

	m.NotificationsReceivedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "solmanager_notifications_received_total",
		Help: "Notifications received from the Manager connector, by notification name.",
	}, []string{"name"})
	registerer.MustRegister(m.NotificationsReceivedTotal)

	m.ObjectsSentToPublishTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "solmanager_objects_sent_to_publish_total",
		Help: "SOL objects handed to the file and server publishers.",
	})
	registerer.MustRegister(m.ObjectsSentToPublishTotal)

	m.CrashesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "solmanager_crashes_total",
		Help: "Recovered component panics, by component.",
	}, []string{"component"})
	registerer.MustRegister(m.CrashesTotal)

	m.FileWritesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "solmanager_pubfile_writes_total",
		Help: "Backup-file append batches written by the File publisher.",
	})
	registerer.MustRegister(m.FileWritesTotal)

	m.FileBacklog = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "solmanager_pubfile_backlog",
		Help: "Current File publisher buffer length.",
	})
	registerer.MustRegister(m.FileBacklog)

	m.ServerSendAttemptsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "solmanager_pubserver_send_attempts_total",
		Help: "Chunk POST attempts made by the Server publisher.",
	})
	registerer.MustRegister(m.ServerSendAttemptsTotal)

	m.ServerSendOKTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "solmanager_pubserver_send_ok_total",
		Help: "Chunks successfully delivered to the remote server.",
	})
	registerer.MustRegister(m.ServerSendOKTotal)

	m.ServerSendFailTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "solmanager_pubserver_send_fail_total",
		Help: "Chunks whose POST failed at the transport level.",
	})
	registerer.MustRegister(m.ServerSendFailTotal)

	m.ServerUnreachableTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "solmanager_pubserver_unreachable_total",
		Help: "Chunks rejected by the remote server (non-200 status).",
	})
	registerer.MustRegister(m.ServerUnreachableTotal)

	m.ServerBacklog = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "solmanager_pubserver_backlog",
		Help: "Current Server publisher buffer length.",
	})
	registerer.MustRegister(m.ServerBacklog)

	m.ManagerDisconnectsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "solmanager_manager_disconnects_total",
		Help: "Manager connector disconnects.",
	})
	registerer.MustRegister(m.ManagerDisconnectsTotal)

	m.ManagerConnectOKTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "solmanager_manager_connect_ok_total",
		Help: "Successful Manager (re)connects.",
	})
	registerer.MustRegister(m.ManagerConnectOKTotal)

	m.ManagerConnectFailTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "solmanager_manager_connect_fail_total",
		Help: "Failed Manager connect attempts.",
	})
	registerer.MustRegister(m.ManagerConnectFailTotal)

	m.ManagerConnectionState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "solmanager_manager_connection_state",
		Help: "Manager connector state machine value (0=disconnected,1=connecting,2=connected,3=draining).",
	}, []string{"variant"})
	registerer.MustRegister(m.ManagerConnectionState)

	m.SnapshotStartTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "solmanager_snapshot_start_total",
		Help: "Snapshot collections started.",
	})
	registerer.MustRegister(m.SnapshotStartTotal)

	m.SnapshotOKTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "solmanager_snapshot_ok_total",
		Help: "Snapshot collections completed successfully.",
	})
	registerer.MustRegister(m.SnapshotOKTotal)

	m.SnapshotFailTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "solmanager_snapshot_fail_total",
		Help: "Snapshot collections that failed at some step.",
	})
	registerer.MustRegister(m.SnapshotFailTotal)

	m.ControlAPIRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "solmanager_control_api_requests_total",
		Help: "Control API requests, by route.",
	}, []string{"route"})
	registerer.MustRegister(m.ControlAPIRequestsTotal)

	m.ControlAPIUnauthorizedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "solmanager_control_api_unauthorized_total",
		Help: "Control API requests rejected for a missing/wrong token.",
	})
	registerer.MustRegister(m.ControlAPIUnauthorizedTotal)

	m.ControlAPIRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "solmanager_control_api_request_duration_seconds",
		Help:    "Control API handler latency, by route.",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
	}, []string{"route"})
	registerer.MustRegister(m.ControlAPIRequestDuration)

	m.StorageVolumeSizeBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "solmanager_storage_volume_size_bytes",
		Help: "Total size of the backup-file volume in bytes.",
	})
	registerer.MustRegister(m.StorageVolumeSizeBytes)

	m.StorageVolumeUsedBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "solmanager_storage_volume_used_bytes",
		Help: "Used bytes on the backup-file volume.",
	})
	registerer.MustRegister(m.StorageVolumeUsedBytes)

	m.StorageVolumeAvailableBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "solmanager_storage_volume_available_bytes",
		Help: "Available bytes on the backup-file volume.",
	})
	registerer.MustRegister(m.StorageVolumeAvailableBytes)

	m.StorageVolumeUsagePercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "solmanager_storage_volume_usage_percent",
		Help: "Usage percentage of the backup-file volume.",
	})
	registerer.MustRegister(m.StorageVolumeUsagePercent)

	m.StorageVolumeInodesTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "solmanager_storage_volume_inodes_total",
		Help: "Total inodes on the backup-file volume.",
	})
	registerer.MustRegister(m.StorageVolumeInodesTotal)

	m.StorageVolumeInodesUsed = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "solmanager_storage_volume_inodes_used",
		Help: "Used inodes on the backup-file volume.",
	})
	registerer.MustRegister(m.StorageVolumeInodesUsed)

	m.StateDBSizeBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "solmanager_state_db_size_bytes",
		Help: "Size of the state/stats SQLite database file in bytes.",
	})
	registerer.MustRegister(m.StateDBSizeBytes)

	m.StoragePressure = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "solmanager_storage_pressure",
		Help: "Storage pressure indicator by severity level.",
	}, []string{"severity"})
	registerer.MustRegister(m.StoragePressure)

	m.ComponentUp = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "solmanager_component_up",
		Help: "Whether a supervised component's last liveness poll found it alive (1) or dead (0).",
	}, []string{"component"})
	registerer.MustRegister(m.ComponentUp)

	return m
}

// New creates a Metrics instance registered against the default Prometheus
// registry. Convenience wrapper for production wiring.
func New() *Metrics {
	return NewMetrics(prometheus.DefaultRegisterer)
}
