package publish

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/realms-team/solmanager/internal/codec"
	"github.com/realms-team/solmanager/internal/metrics"
	"github.com/realms-team/solmanager/internal/sol"
	"github.com/realms-team/solmanager/internal/state"
)

// ChunkSize is the maximum number of objects grouped into a single HTTP
// payload to the remote server (spec.md §4.F "HTTP_CHUNK_SIZE").
const ChunkSize = 10

// HTTPClient is the interface used to send HTTP requests, so tests can
// substitute a mock without a real listener. *http.Client satisfies it.
// Grounded on beacon's internal/notifier.HTTPClient.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// ServerPublisher is the singleton Server publisher (F): binary-encoded
// chunked HTTPS delivery to the remote server at a fixed cadence, with
// backlog retention on failure.
type ServerPublisher struct {
	buf     *Buffer
	codec   codec.Codec
	client  HTTPClient
	url     string
	token   string
	timeout time.Duration
	store   state.Store
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewServerPublisher constructs a ServerPublisher posting chunks to url.
func NewServerPublisher(url, token string, timeout time.Duration, client HTTPClient, c codec.Codec, store state.Store, m *metrics.Metrics, logger *zap.Logger) *ServerPublisher {
	return &ServerPublisher{
		buf:     NewBuffer(),
		codec:   c,
		client:  client,
		url:     url,
		token:   token,
		timeout: timeout,
		store:   store,
		metrics: m,
		logger:  logger,
	}
}

// Publish hands an object to the Server publisher's buffer. Safe to call
// concurrently from the ingest dispatcher and from the control API's resend
// handler.
func (s *ServerPublisher) Publish(o *sol.Object) {
	s.buf.Push(o)
}

// BacklogLen reports the current buffer length, for the control API's
// status response.
func (s *ServerPublisher) BacklogLen() int {
	return s.buf.Len()
}

// Drain implements spec.md §4.F's algorithm: snapshot the buffer, chunk it,
// POST each chunk in order, and stop at the first failure, leaving
// everything from that point on in the buffer for the next period's retry.
// This yields at-least-once delivery with in-order-per-chunk guarantees.
func (s *ServerPublisher) Drain(ctx context.Context) error {
	snapshot := s.buf.Snapshot()
	if len(snapshot) == 0 {
		return nil
	}

	chunks := chunkify(snapshot, ChunkSize)
	sent := 0

	for _, chunk := range chunks {
		if _, err := s.store.Incr(state.StatPubserverSendAttempts, 1); err != nil {
			s.logger.Error("failed to persist send-attempt counter", zap.Error(err))
		}
		if s.metrics != nil {
			s.metrics.ServerSendAttemptsTotal.Inc()
		}

		ok, err := s.sendChunk(ctx, chunk)
		if !ok {
			s.logger.Warn("server publisher chunk failed, stopping drain",
				zap.Int("chunk_size", len(chunk)),
				zap.Int("sent_before_failure", sent),
				zap.Error(err),
			)
			break
		}
		sent += len(chunk)
		if _, err := s.store.Incr(state.StatPubserverSendOK, 1); err != nil {
			s.logger.Error("failed to persist send-ok counter", zap.Error(err))
		}
		if s.metrics != nil {
			s.metrics.ServerSendOKTotal.Inc()
		}
	}

	if sent > 0 {
		s.buf.RemovePrefix(sent)
	}
	if err := s.store.SetGauge(state.StatPubserverBacklog, int64(s.buf.Len())); err != nil {
		s.logger.Error("failed to persist pubserver backlog", zap.Error(err))
	}
	if s.metrics != nil {
		s.metrics.ServerBacklog.Set(float64(s.buf.Len()))
	}

	s.logger.Info("server publisher drain complete",
		zap.Int("objects_sent", sent),
		zap.Int("remaining_backlog", s.buf.Len()),
	)
	return nil
}

// sendChunk encodes and POSTs one chunk. The bool return is whether the
// remote accepted the chunk (HTTP 200). A network/TLS error counts as
// SENDFAIL; a non-200 response counts as UNREACHABLE — both stop the drain
// per spec.md §4.F.
func (s *ServerPublisher) sendChunk(ctx context.Context, chunk []*sol.Object) (bool, error) {
	encoded := make([][]byte, 0, len(chunk))
	for _, o := range chunk {
		b, err := s.codec.EncodeBinary(o)
		if err != nil {
			return false, fmt.Errorf("encoding object: %w", err)
		}
		encoded = append(encoded, b)
	}

	payload, err := s.codec.BuildHTTPPayload(encoded)
	if err != nil {
		return false, fmt.Errorf("building http payload: %w", err)
	}

	sendCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(sendCtx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return false, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	if s.token != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", s.token))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		if _, serr := s.store.Incr(state.StatPubserverSendFail, 1); serr != nil {
			s.logger.Error("failed to persist send-fail counter", zap.Error(serr))
		}
		if s.metrics != nil {
			s.metrics.ServerSendFailTotal.Inc()
		}
		return false, fmt.Errorf("posting chunk: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		if _, serr := s.store.Incr(state.StatPubserverUnreachable, 1); serr != nil {
			s.logger.Error("failed to persist unreachable counter", zap.Error(serr))
		}
		if s.metrics != nil {
			s.metrics.ServerUnreachableTotal.Inc()
		}
		return false, fmt.Errorf("server returned status %d", resp.StatusCode)
	}

	return true, nil
}

func chunkify(objs []*sol.Object, size int) [][]*sol.Object {
	var chunks [][]*sol.Object
	for i := 0; i < len(objs); i += size {
		end := i + size
		if end > len(objs) {
			end = len(objs)
		}
		chunks = append(chunks, objs[i:end])
	}
	return chunks
}
