// Package metrics provides Prometheus metrics for push sessions.
// Labels are limited to container format, track kind and drop reason;
// destinations and stream keys never appear as labels.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// BytesOut counts container bytes handed to the transport, by format.
	BytesOut = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pushmux_bytes_out_total",
		Help: "Total container bytes written to destinations, by format.",
	}, []string{"format"})

	// FramesWritten counts frames accepted by the muxer, by format and kind.
	FramesWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pushmux_frames_written_total",
		Help: "Total frames handed to the muxer, by format and media kind.",
	}, []string{"format", "kind"})

	// FramesDropped counts frames rejected by a writer, by reason.
	FramesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pushmux_frames_dropped_total",
		Help: "Total frames rejected by a writer, by reason.",
	}, []string{"reason"})

	// SessionStarts counts sessions that emitted a header, by format.
	SessionStarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pushmux_session_starts_total",
		Help: "Total container sessions started, by format.",
	}, []string{"format"})

	// SessionFailures counts Start attempts that failed, by format.
	SessionFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pushmux_session_start_failures_total",
		Help: "Total container session start failures, by format.",
	}, []string{"format"})

	// ActiveSessions tracks sessions between Start and Stop, by format.
	ActiveSessions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pushmux_active_sessions",
		Help: "Current number of started container sessions, by format.",
	}, []string{"format"})

	// BytesIn counts bytes received from ingest connections, by protocol.
	BytesIn = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pushmux_ingest_bytes_total",
		Help: "Total bytes received from ingest connections, by protocol.",
	}, []string{"protocol"})

	// ActiveJobs tracks push jobs known to the stream manager.
	ActiveJobs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pushmux_active_jobs",
		Help: "Current number of push jobs in the created or started state.",
	})
)

// Drop reasons.
const (
	DropUnsupportedFormat = "unsupported_format"
	DropMalformed         = "malformed"
	DropMuxer             = "muxer"
)

// RecordBytesOut adds n bytes written for format.
func RecordBytesOut(format string, n int) {
	BytesOut.WithLabelValues(format).Add(float64(n))
}

// RecordBytesIn adds n bytes received over protocol.
func RecordBytesIn(protocol string, n int) {
	BytesIn.WithLabelValues(protocol).Add(float64(n))
}

// RecordFrame counts a frame written for format and kind.
func RecordFrame(format, kind string) {
	FramesWritten.WithLabelValues(format, kind).Inc()
}

// RecordDrop counts a rejected frame.
func RecordDrop(reason string) {
	FramesDropped.WithLabelValues(reason).Inc()
}

// RecordSessionStart marks a started session for format.
func RecordSessionStart(format string) {
	SessionStarts.WithLabelValues(format).Inc()
	ActiveSessions.WithLabelValues(format).Inc()
}

// RecordSessionFailure counts a failed Start for format.
func RecordSessionFailure(format string) {
	SessionFailures.WithLabelValues(format).Inc()
}

// RecordSessionStop marks a started session for format as finished.
func RecordSessionStop(format string) {
	ActiveSessions.WithLabelValues(format).Dec()
}
