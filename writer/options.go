package writer

import (
	"log/slog"
	"time"

	"github.com/zsiec/pushmux/internal/transport"
)

// DefaultDialTimeout bounds how long Start waits for the destination to
// open.
const DefaultDialTimeout = 10 * time.Second

// Option configures a Writer.
type Option func(*Writer)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(w *Writer) {
		if l != nil {
			w.log = l
		}
	}
}

// WithTransports sets the registry used to open destinations. The default
// registry handles files, srt, udp and tcp.
func WithTransports(r *transport.Registry) Option {
	return func(w *Writer) {
		if r != nil {
			w.transports = r
		}
	}
}

// WithDialTimeout bounds the transport open performed by Start.
func WithDialTimeout(d time.Duration) Option {
	return func(w *Writer) {
		if d > 0 {
			w.dialTimeout = d
		}
	}
}

// WithMaxInterleaveDelta bounds how long the muxer buffers one track while
// waiting for another. Negative disables the bound.
func WithMaxInterleaveDelta(d time.Duration) Option {
	return func(w *Writer) {
		w.maxDelta = d
	}
}

// WithMetrics enables or disables Prometheus accounting. Enabled by
// default.
func WithMetrics(enabled bool) Option {
	return func(w *Writer) {
		w.metrics = enabled
	}
}
