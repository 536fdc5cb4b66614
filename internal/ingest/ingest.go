// Package ingest implements the Ingest dispatcher (spec.md §4.D): the
// component that receives each notification from the Manager connector,
// filters it, stamps an epoch, transforms it into zero or more SOL
// objects, and fans those out to the File and Server publishers.
package ingest

import (
	"go.uber.org/zap"

	"github.com/realms-team/solmanager/internal/codec"
	"github.com/realms-team/solmanager/internal/metrics"
	"github.com/realms-team/solmanager/internal/sol"
	"github.com/realms-team/solmanager/internal/state"
)

// EpochProjector projects a notification's network time into an epoch
// timestamp (implemented by the active Manager connector).
type EpochProjector interface {
	ProjectEpoch(n *sol.Notification) int64
}

// Publisher is the narrow interface both the File and Server publishers
// satisfy, letting the dispatcher fan out without depending on either
// publisher's concrete type.
type Publisher interface {
	Publish(o *sol.Object)
}

// Dispatcher implements spec.md §4.D's ordered pipeline. It never rethrows:
// every exception caught at a step boundary is logged and counted as a
// crash, per spec.md §4.D's closing paragraph.
type Dispatcher struct {
	codec   codec.Codec
	store   state.Store
	epoch   EpochProjector
	file    Publisher
	server  Publisher
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewDispatcher constructs a Dispatcher fanning out to file and server.
func NewDispatcher(c codec.Codec, store state.Store, epoch EpochProjector, file, server Publisher, m *metrics.Metrics, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{codec: c, store: store, epoch: epoch, file: file, server: server, metrics: m, logger: logger}
}

// Deliver is the upward callback the Manager connector invokes for every
// notification (spec.md §4.D "receive (name, record) from C").
func (d *Dispatcher) Deliver(n *sol.Notification) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("ingest dispatcher crashed",
				zap.Any("recovered", r),
				zap.String("notification", n.Name),
			)
			if _, err := d.store.Incr(state.StatAdmNumCrashes, 1); err != nil {
				d.logger.Error("failed to persist crash counter", zap.Error(err))
			}
		}
	}()

	if n.Name == codec.HealthReportRaw {
		return
	}

	if _, err := d.store.Incr(state.NumRXPrefix+n.Name, 1); err != nil {
		d.logger.Error("failed to persist receive counter", zap.String("notification", n.Name), zap.Error(err))
	}
	if d.metrics != nil {
		d.metrics.NotificationsReceivedTotal.WithLabelValues(n.Name).Inc()
	}

	epoch := d.epoch.ProjectEpoch(n)

	objs, err := d.codec.Transform(n, epoch)
	if err != nil {
		d.logger.Warn("codec transform failed, dropping notification",
			zap.String("notification", n.Name),
			zap.Error(err),
		)
		return
	}

	for _, o := range objs {
		if _, err := d.store.Incr(state.StatPubTotalSentToPub, 1); err != nil {
			d.logger.Error("failed to persist sent-to-publish counter", zap.Error(err))
		}
		if d.metrics != nil {
			d.metrics.ObjectsSentToPublishTotal.Inc()
		}
		d.file.Publish(o)
		d.server.Publish(o)
	}
}
