// Package main is the entry point for the solmanager gateway.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/realms-team/solmanager/internal/codec"
	"github.com/realms-team/solmanager/internal/config"
	"github.com/realms-team/solmanager/internal/connector"
	"github.com/realms-team/solmanager/internal/controlapi"
	"github.com/realms-team/solmanager/internal/diskmonitor"
	"github.com/realms-team/solmanager/internal/ingest"
	"github.com/realms-team/solmanager/internal/metrics"
	"github.com/realms-team/solmanager/internal/periodic"
	"github.com/realms-team/solmanager/internal/publish"
	"github.com/realms-team/solmanager/internal/snapshot"
	"github.com/realms-team/solmanager/internal/sol"
	"github.com/realms-team/solmanager/internal/state"
	"github.com/realms-team/solmanager/internal/statspub"
	"github.com/realms-team/solmanager/internal/supervisor"
)

// managerConnector is the full set of methods main needs from whichever
// Manager connector variant is active: the Connector contract plus
// ProjectEpoch, which the ingest dispatcher needs as its EpochProjector but
// which spec.md's Connector contract (§4.C) does not itself require every
// caller to depend on.
type managerConnector interface {
	connector.Connector
	ProjectEpoch(n *sol.Notification) int64
}

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "/config/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.App.LogLevel, cfg.App.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting solmanager",
		zap.String("name", cfg.App.Name),
		zap.String("log_level", cfg.App.LogLevel),
		zap.String("connection_mode", cfg.Manager.ConnectionMode),
	)

	store, err := state.Open(cfg.State.DBPath, logger)
	if err != nil {
		logger.Fatal("failed to open state database", zap.Error(err))
	}
	defer store.Close()

	registry := prometheus.NewRegistry()
	m := metrics.NewMetrics(registry)

	metricsServer := metrics.NewServer(
		cfg.Metrics.Port,
		cfg.Metrics.Path,
		cfg.Health.LivenessPath,
		cfg.Health.ReadinessPath,
		registry,
	)
	metricsServer.UpdateHealthCheck("state", "ok")

	c := codec.New()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	filePub := publish.NewFilePublisher(cfg.State.BackupPath, c, store, m, logger)
	serverPub := publish.NewServerPublisher(
		fmt.Sprintf("https://%s", cfg.SolServer.Host),
		cfg.SolServer.Token,
		10*time.Second,
		&http.Client{Timeout: 10 * time.Second},
		c,
		store,
		m,
		logger,
	)

	// The connector's NotifyFunc and the ingest dispatcher depend on each
	// other (the dispatcher fans out to the connector's resolved epoch,
	// the connector delivers notifications to the dispatcher), so the
	// connector is constructed with a forwarding closure and the real
	// Deliver method is wired in once the dispatcher exists.
	var deliver func(n *sol.Notification)
	notify := func(n *sol.Notification) {
		if deliver != nil {
			deliver(n)
		}
	}

	conn, err := newConnector(cfg, store, notify, m, logger)
	if err != nil {
		logger.Fatal("failed to construct manager connector", zap.Error(err))
	}

	dispatcher := ingest.NewDispatcher(c, store, conn, filePub, serverPub, m, logger)
	deliver = dispatcher.Deliver

	snapCollector := snapshot.NewCollector(conn, filePub, serverPub, store, m, logger)
	statsEmitter := statspub.NewEmitter(
		conn,
		filePub,
		serverPub,
		statspub.Version(cfg.Versions.Sol),
		statspub.Version(cfg.Versions.Solmanager),
		statspub.Version(cfg.Versions.SDK),
		logger,
	)

	onCrash := func(component string, _ interface{}) {
		if _, err := store.Incr(state.StatAdmNumCrashes, 1); err != nil {
			logger.Error("failed to persist crash counter", zap.String("component", component), zap.Error(err))
		}
		m.CrashesTotal.WithLabelValues(component).Inc()
	}

	filePubDriver := periodic.New("pubfile", cfg.PubfileInterval(), filePub.Drain, logger, onCrash)
	serverPubDriver := periodic.New("pubserver", cfg.PubserverInterval(), serverPub.Drain, logger, onCrash)
	snapshotDriver := periodic.New("snapshot", cfg.SnapshotInterval(), snapCollector.Collect, logger, onCrash)
	statsDriver := periodic.New("stats", cfg.StatsInterval(), statsEmitter.Emit, logger, onCrash)

	diskMon := diskmonitor.NewMonitor(
		cfg.Disk.VolumePath,
		cfg.State.DBPath,
		cfg.Disk.CheckInterval.Duration,
		cfg.Disk.WarningThreshold,
		cfg.Disk.CriticalThreshold,
		store,
		m,
		logger,
	)

	controlServer := controlapi.New(
		fmt.Sprintf(":%d", cfg.ControlAPI.Port),
		cfg.ControlAPI.Certificate,
		cfg.ControlAPI.PrivateKey,
		cfg.ControlAPI.Token,
		c,
		cfg.State.BackupPath,
		store,
		conn,
		snapCollector,
		serverPub,
		statspub.Stats{
			SolVersion:        statspub.Version(cfg.Versions.Sol),
			SolmanagerVersion: statspub.Version(cfg.Versions.Solmanager),
			SDKVersion:        statspub.Version(cfg.Versions.SDK),
		},
		m,
		logger,
	)

	components := []supervisor.Component{
		{Name: "pubfile", Run: runDriver(filePubDriver), Alive: filePubDriver.Alive},
		{Name: "pubserver", Run: runDriver(serverPubDriver), Alive: serverPubDriver.Alive},
		{Name: "snapshot", Run: runDriver(snapshotDriver), Alive: snapshotDriver.Alive},
		{Name: "stats", Run: runDriver(statsDriver), Alive: statsDriver.Alive},
		{Name: "diskmonitor", Run: diskMon.Run, Alive: diskMon.Alive},
		{Name: "controlapi", Run: controlServer.Run, Alive: controlServer.Alive},
		{Name: "metrics", Run: runMetricsServer(metricsServer), Alive: func() bool { return true }},
	}

	sup := supervisor.New("manager", conn, components, m, logger)

	metricsServer.SetReady(true)
	logger.Info("solmanager is ready")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	runErrCh := make(chan error, 1)
	go func() {
		runErrCh <- sup.Run(ctx)
	}()

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		cancel()
	case err := <-runErrCh:
		logger.Error("supervisor exited, shutting down", zap.Error(err))
		cancel()
		metricsServer.SetReady(false)
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = metricsServer.Shutdown(shutdownCtx)
		shutdownCancel()
		logger.Info("solmanager shutdown complete (supervisor failure)")
		os.Exit(1)
	}

	metricsServer.SetReady(false)
	logger.Info("starting graceful shutdown")

	select {
	case err := <-runErrCh:
		if err != nil {
			logger.Error("error during shutdown", zap.Error(err))
		}
	case <-time.After(10 * time.Second):
		logger.Warn("supervisor did not exit within shutdown window")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics server shutdown error", zap.Error(err))
	}

	logger.Info("solmanager shutdown complete")
}

// runDriver adapts a *periodic.Driver's void Run into the error-returning
// shape supervisor.Component expects.
func runDriver(d *periodic.Driver) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		d.Run(ctx)
		return nil
	}
}

// runMetricsServer adapts metrics.Server's argumentless Start/Shutdown
// lifecycle into a context-aware Component.
func runMetricsServer(s *metrics.Server) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		errCh := make(chan error, 1)
		go func() { errCh <- s.Start() }()

		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return s.Shutdown(shutdownCtx)
		case err := <-errCh:
			return err
		}
	}
}

// newConnector builds the active Manager connector variant per
// cfg.Manager.ConnectionMode (spec.md §4.C).
func newConnector(cfg *config.Config, store state.Store, notify connector.NotifyFunc, m *metrics.Metrics, logger *zap.Logger) (managerConnector, error) {
	switch cfg.Manager.ConnectionMode {
	case "serial":
		openPort := func() (connector.Port, error) {
			return os.OpenFile(cfg.Manager.SerialPort, os.O_RDWR, 0o600)
		}
		return connector.NewSerialConnector(openPort, notify, store, m, logger), nil
	case "jsonserver":
		listenAddr := fmt.Sprintf(":%d", cfg.JSON.Port)
		peerURL := fmt.Sprintf("https://%s:%d", cfg.JSON.Host, cfg.JSON.Port)
		return connector.NewHTTPServerConnector(
			listenAddr,
			cfg.ControlAPI.Certificate,
			cfg.ControlAPI.PrivateKey,
			peerURL,
			cfg.ControlAPI.Token,
			notify,
			m,
			logger,
		), nil
	default:
		return nil, fmt.Errorf("unknown manager connection mode %q", cfg.Manager.ConnectionMode)
	}
}

func newLogger(level, format string) (*zap.Logger, error) {
	var cfg zap.Config
	if format == "json" {
		cfg = zap.NewProductionConfig()
	} else {
		cfg = zap.NewDevelopmentConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zapcore.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}

	return cfg.Build()
}
