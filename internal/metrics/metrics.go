// Package metrics exposes optional prometheus instrumentation for the
// pipeline and file-transfer layers: frame counters by outcome, chunk
// counters by action, and a progress gauge per active transfer. Nothing in
// the rest of the engine depends on this package being wired in — every
// method is nil-receiver safe, so passing a nil *Registry around (the
// default when --metrics-addr is unset) costs nothing beyond the check.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry owns the process's prometheus collectors.
type Registry struct {
	registry *prometheus.Registry

	framesTotal  *prometheus.CounterVec
	chunksTotal  *prometheus.CounterVec
	transferGaug *prometheus.GaugeVec
}

// NewRegistry constructs a Registry with its own prometheus.Registry,
// independent of the global DefaultRegisterer so tests and multiple engine
// instances in one process never collide.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Registry{
		registry: reg,
		framesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "linkchat_frames_total",
			Help: "Frames processed by the pipeline, partitioned by direction and outcome.",
		}, []string{"direction", "outcome"}),
		chunksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "linkchat_chunks_total",
			Help: "File chunks processed by the sliding-window transfer protocol, partitioned by action.",
		}, []string{"action"}),
		transferGaug: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "linkchat_transfer_progress_ratio",
			Help: "Fraction of chunks acknowledged (send) or received (receive) for an active transfer, by file_id and direction.",
		}, []string{"file_id", "direction"}),
	}
}

// Handler serves the registry's collected metrics for GET /metrics.
func (r *Registry) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// FrameReceived records a successfully decoded and decrypted inbound frame.
func (r *Registry) FrameReceived() {
	if r == nil {
		return
	}
	r.framesTotal.WithLabelValues("rx", "ok").Inc()
}

// FrameDropped records an inbound frame discarded for reason (a short name:
// bad_checksum, truncated, unknown_type, decode_error, auth_failure, or
// queue_full).
func (r *Registry) FrameDropped(reason string) {
	if r == nil {
		return
	}
	r.framesTotal.WithLabelValues("rx", reason).Inc()
}

// FrameSent records a successfully encoded and written outgoing frame.
func (r *Registry) FrameSent() {
	if r == nil {
		return
	}
	r.framesTotal.WithLabelValues("tx", "ok").Inc()
}

// FrameSendFailed records an outgoing frame that could not be queued or
// written, labeled by reason (queue_full, wrap_error, encode_error, write_error).
func (r *Registry) FrameSendFailed(reason string) {
	if r == nil {
		return
	}
	r.framesTotal.WithLabelValues("tx", reason).Inc()
}

// ChunkSent records one FILE_DATA chunk transmitted for the first time;
// retransmits are counted by ChunkRetransmitted instead.
func (r *Registry) ChunkSent() {
	if r == nil {
		return
	}
	r.chunksTotal.WithLabelValues("sent").Inc()
}

// ChunkRetransmitted records one FILE_DATA chunk retransmitted after its
// in-flight timeout elapsed.
func (r *Registry) ChunkRetransmitted() {
	if r == nil {
		return
	}
	r.chunksTotal.WithLabelValues("retransmitted").Inc()
}

// ChunkReceived records one FILE_DATA chunk accepted into a receive context.
func (r *Registry) ChunkReceived() {
	if r == nil {
		return
	}
	r.chunksTotal.WithLabelValues("received").Inc()
}

// SetSendProgress records the current acked/total ratio for an outgoing
// transfer.
func (r *Registry) SetSendProgress(fileID string, progress float64) {
	if r == nil {
		return
	}
	r.transferGaug.WithLabelValues(fileID, "send").Set(progress)
}

// SetRecvProgress records the current received/total ratio for an incoming
// transfer.
func (r *Registry) SetRecvProgress(fileID string, progress float64) {
	if r == nil {
		return
	}
	r.transferGaug.WithLabelValues(fileID, "recv").Set(progress)
}

// DeleteTransfer removes a finished transfer's progress gauge entries so
// the series doesn't accumulate unbounded cardinality over the process
// lifetime.
func (r *Registry) DeleteTransfer(fileID string) {
	if r == nil {
		return
	}
	r.transferGaug.DeleteLabelValues(fileID, "send")
	r.transferGaug.DeleteLabelValues(fileID, "recv")
}
