// Package controlapi implements the Control API (spec.md §4.J): a TLS
// HTTPS server exposing echo, status, resend-from-backup,
// raw-Manager-command passthrough, and snapshot-trigger endpoints, gated by
// a shared-secret header token.
//
// Grounded on beacon's internal/metrics/server.go for the http.Server +
// http.ServeMux + graceful Shutdown(ctx) shape; the token-auth middleware
// and crash-recovery wrapper are new, the latter applying the Ingest
// dispatcher's defer/recover-at-the-boundary convention to HTTP handlers
// instead of notification delivery.
package controlapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/realms-team/solmanager/internal/codec"
	"github.com/realms-team/solmanager/internal/metrics"
	"github.com/realms-team/solmanager/internal/sol"
	"github.com/realms-team/solmanager/internal/state"
	"github.com/realms-team/solmanager/internal/statspub"
)

// RawCaller issues a raw Manager command, satisfied by a Manager connector
// (spec.md §4.C).
type RawCaller interface {
	IssueRaw(ctx context.Context, command string, fields map[string]interface{}) (map[string]interface{}, error)
}

// SnapshotProvider is satisfied by the Snapshot collector (spec.md §4.H).
type SnapshotProvider interface {
	LastSnapshot() (*sol.Object, bool)
	Collect(ctx context.Context) error
}

// Publisher is the narrow interface the Server publisher satisfies, used by
// the resend endpoint to re-push backlog objects (spec.md §4.J resend).
type Publisher interface {
	Publish(o *sol.Object)
}

// Server is the Control API's HTTPS listener.
type Server struct {
	listenAddr string
	certFile   string
	keyFile    string
	token      string

	codec      codec.Codec
	backupPath string
	store      state.Store
	raw        RawCaller
	snapshot   SnapshotProvider
	server     Publisher

	versions statspub.Stats
	started  time.Time

	metrics    *metrics.Metrics
	logger     *zap.Logger
	httpServer *http.Server

	mu      sync.Mutex
	running bool
}

// New constructs a Control API Server. versions carries the
// {sol, solmanager, sdk} version triple returned by the status endpoint.
func New(listenAddr, certFile, keyFile, token string, c codec.Codec, backupPath string, store state.Store, raw RawCaller, snapshot SnapshotProvider, server Publisher, versions statspub.Stats, m *metrics.Metrics, logger *zap.Logger) *Server {
	s := &Server{
		listenAddr: listenAddr,
		certFile:   certFile,
		keyFile:    keyFile,
		token:      token,
		codec:      c,
		backupPath: backupPath,
		store:      store,
		raw:        raw,
		snapshot:   snapshot,
		server:     server,
		versions:   versions,
		started:    time.Now(),
		metrics:    m,
		logger:     logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/echo.json", s.wrap("echo", s.handleEcho))
	mux.HandleFunc("/api/v1/status.json", s.wrap("status", s.handleStatus))
	mux.HandleFunc("/api/v1/resend.json", s.wrap("resend", s.handleResend))
	mux.HandleFunc("/api/v1/smartmeshipapi.json", s.wrap("smartmeshipapi", s.handleRaw))
	mux.HandleFunc("/api/v1/snapshot.json", s.wrap("snapshot", s.handleSnapshot))

	s.httpServer = &http.Server{
		Addr:    listenAddr,
		Handler: mux,
	}
	return s
}

// Run starts serving HTTPS requests. It blocks until ctx is cancelled, then
// shuts the listener down gracefully (spec.md §5 "J's listener MUST stop
// accepting new requests on shutdown").
func (s *Server) Run(ctx context.Context) error {
	s.mu.Lock()
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpServer.ListenAndServeTLS(s.certFile, s.keyFile)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}

// Alive reports whether the HTTPS listener goroutine is still running, for
// the supervisor's liveness poll.
func (s *Server) Alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// wrap applies the request/unauthorized counters, token auth, and crash
// recovery common to every route (spec.md §4.J / §7 kind 3, 5).
func (s *Server) wrap(route string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Request-ID", uuid.NewString())
		start := time.Now()
		defer func() {
			if s.metrics != nil {
				s.metrics.ControlAPIRequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
			}
		}()
		defer func() {
			if rec := recover(); rec != nil {
				if _, err := s.store.Incr(state.StatAdmNumCrashes, 1); err != nil {
					s.logger.Error("failed to persist crash counter", zap.Error(err))
				}
				s.logger.Error("control API handler crashed",
					zap.String("route", route), zap.Any("panic", rec))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusInternalServerError)
				_ = json.NewEncoder(w).Encode(map[string]string{
					"error": fmt.Sprintf("internal error: %v", rec),
				})
			}
		}()

		if _, err := s.store.Incr(state.StatJSONNumReq, 1); err != nil {
			s.logger.Error("failed to persist request counter", zap.Error(err))
		}
		if s.metrics != nil {
			s.metrics.ControlAPIRequestsTotal.WithLabelValues(route).Inc()
		}

		if r.Header.Get("X-REALMS-Token") != s.token {
			if _, err := s.store.Incr(state.StatJSONNumUnauthorized, 1); err != nil {
				s.logger.Error("failed to persist unauthorized counter", zap.Error(err))
			}
			if s.metrics != nil {
				s.metrics.ControlAPIUnauthorizedTotal.Inc()
			}
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		h(w, r)
	}
}

func (s *Server) handleEcho(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	_, _ = w.Write(body)
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	now := time.Now()
	resp := map[string]interface{}{
		"solmanager_version": s.versions.SolmanagerVersion,
		"sdk_version":        s.versions.SDKVersion,
		"sol_version":        s.versions.SolVersion,
		"uptime":             int64(now.Sub(s.started).Seconds()),
		"utc":                now.Unix(),
		"date":               now.UTC().Format(time.RFC3339),
		"last_reboot":        s.started.Unix(),
		"stats":              s.store.All(),
	}
	writeJSON(w, http.StatusOK, resp)
}

type resendRequest struct {
	Action         string `json:"action"`
	StartTimestamp int64  `json:"startTimestamp"`
	EndTimestamp   int64  `json:"endTimestamp"`
}

// handleResend implements spec.md §4.J's resend endpoint: count objects in
// a timestamp range, or re-push them all to the Server publisher.
func (s *Server) handleResend(w http.ResponseWriter, r *http.Request) {
	var req resendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}

	switch req.Action {
	case "count":
		n, err := s.codec.CountRange(s.backupPath, req.StartTimestamp, req.EndTimestamp)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"numObjects": n})
	case "resend":
		objs, err := s.codec.ScanRange(s.backupPath, req.StartTimestamp, req.EndTimestamp)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		for _, o := range objs {
			s.server.Publish(o)
		}
		writeJSON(w, http.StatusOK, map[string]int{"numObjects": len(objs)})
	default:
		writeJSON(w, http.StatusOK, map[string]string{"error": fmt.Sprintf("Unknown action %q", req.Action)})
	}
}

type rawRequest struct {
	Manager string                 `json:"manager"`
	Command string                 `json:"command"`
	Fields  map[string]interface{} `json:"fields"`
}

// handleRaw passes a raw command through to the Manager connector
// (spec.md §4.J smartmeshipapi.json).
func (s *Server) handleRaw(w http.ResponseWriter, r *http.Request) {
	var req rawRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}

	resp, err := s.raw.IssueRaw(r.Context(), req.Command, req.Fields)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleSnapshot implements spec.md §4.J's snapshot endpoint: return the
// cached last snapshot immediately if present, otherwise trigger a fresh
// collection and acknowledge that it started.
func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if obj, ok := s.snapshot.LastSnapshot(); ok {
		writeJSON(w, http.StatusOK, obj)
		return
	}

	go func() {
		if err := s.snapshot.Collect(context.Background()); err != nil {
			s.logger.Warn("on-demand snapshot collection failed", zap.Error(err))
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
