// Package writer multiplexes independently timed audio and video tracks
// into one container stream (FLV, fragmented MP4 or MPEG-TS) and pushes
// it to a file or network destination.
//
// A Writer moves through Unconfigured, Configured, Started and Stopped.
// Tracks are registered while Configured; Start opens the destination and
// writes the container header; WriteFrame rescales timestamps, converts
// payload framing to what the container expects and hands the frame to the
// muxer's interleaver; Stop writes the trailer and releases everything.
// All methods are safe for concurrent use and are serialized by one lock.
package writer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/zsiec/pushmux/internal/bitstream"
	"github.com/zsiec/pushmux/internal/metrics"
	"github.com/zsiec/pushmux/internal/muxer"
	"github.com/zsiec/pushmux/internal/timebase"
	"github.com/zsiec/pushmux/internal/transport"
	"github.com/zsiec/pushmux/media"
)

// State is the lifecycle position of a Writer.
type State uint8

const (
	StateUnconfigured State = iota
	StateConfigured
	StateStarted
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateUnconfigured:
		return "unconfigured"
	case StateConfigured:
		return "configured"
	case StateStarted:
		return "started"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Writer is a single-destination container writer.
type Writer struct {
	log         *slog.Logger
	transports  *transport.Registry
	dialTimeout time.Duration
	maxDelta    time.Duration
	metrics     bool

	mu    sync.Mutex
	state State
	path  string
	sess  *session
}

// New returns an unconfigured Writer.
func New(opts ...Option) *Writer {
	w := &Writer{
		log:         slog.Default(),
		dialTimeout: DefaultDialTimeout,
		metrics:     true,
	}
	for _, o := range opts {
		o(w)
	}
	w.log = w.log.With("component", "writer")
	if w.transports == nil {
		w.transports = transport.NewRegistry(w.log)
	}
	return w
}

// Configure selects the destination and container format. formatHint may
// name the container ("flv", "mp4", "mpegts" or the aliases "fmp4", "ts");
// when empty the format is inferred from path. Any previous session is
// stopped first.
func (w *Writer) Configure(path, formatHint string) error {
	if path == "" {
		return &OpError{Op: "configure", Err: fmt.Errorf("%w: empty destination", ErrInvalidInput)}
	}
	format, ok := resolveFormat(path, formatHint)
	if !ok {
		return &OpError{Op: "configure", Path: path,
			Err: fmt.Errorf("%w: cannot determine container (hint %q)", ErrInvalidInput, formatHint)}
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.sess != nil {
		if err := w.stopLocked(); err != nil {
			w.log.Warn("previous session stopped with error", "path", w.path, "error", err)
		}
	}

	sess, err := newSession(w.log.With("path", path), path, format, w.metrics)
	if err != nil {
		return &OpError{Op: "configure", Path: path, Err: classify(err)}
	}
	w.sess = sess
	w.path = path
	w.state = StateConfigured
	w.log.Info("configured", "path", path, "format", format.String())
	return nil
}

func resolveFormat(path, hint string) (muxer.Format, bool) {
	if hint != "" {
		return muxer.ParseFormat(hint)
	}
	return muxer.InferFormat(path)
}

// RegisterTrack adds a track before Start. trackID is caller-assigned and
// must be unique for the session; the container stream index it maps to
// stays fixed until Stop. info.Kind, when set, must agree with kind.
func (w *Writer) RegisterTrack(kind media.Kind, trackID int32, info media.TrackInfo) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state != StateConfigured {
		return &OpError{Op: "register track", Path: w.path,
			Err: fmt.Errorf("%w: %s", ErrInvalidState, w.state)}
	}
	if info.Kind == media.KindUnknown {
		info.Kind = kind
	}
	if info.Kind != kind {
		return &OpError{Op: "register track", Path: w.path,
			Err: fmt.Errorf("%w: track %d is %s, registered as %s", ErrInvalidInput, trackID, info.Kind, kind)}
	}
	if err := info.Validate(); err != nil {
		return &OpError{Op: "register track", Path: w.path,
			Err: fmt.Errorf("%w: track %d: %w", ErrInvalidInput, trackID, err)}
	}

	b, err := w.sess.addTrack(trackID, info.Clone())
	if err != nil {
		if !errors.Is(err, ErrInvalidInput) {
			err = classify(err)
		}
		return &OpError{Op: "register track", Path: w.path, Err: err}
	}
	w.log.Info("track registered",
		"track_id", trackID,
		"stream_index", b.track.Index,
		"kind", kind.String(),
		"codec", b.stream.Codec.String(),
		"time_base", b.stream.TimeBase.String())
	return nil
}

// Start opens the destination and writes the container header. On failure
// the Writer stays Configured and Start may be retried.
func (w *Writer) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state != StateConfigured {
		return &OpError{Op: "start", Path: w.path, Err: fmt.Errorf("%w: %s", ErrInvalidState, w.state)}
	}

	ctx, cancel := context.WithTimeout(context.Background(), w.dialTimeout)
	defer cancel()

	format := w.sess.format.String()
	if err := w.sess.start(ctx, w.transports, w.maxDelta); err != nil {
		if w.metrics {
			metrics.RecordSessionFailure(format)
		}
		return &OpError{Op: "start", Path: w.path, Err: classify(err)}
	}
	if w.metrics {
		metrics.RecordSessionStart(format)
	}
	w.state = StateStarted
	w.log.Info("started", "path", w.path, "format", format, "tracks", len(w.sess.order))
	return nil
}

// WriteFrame writes one frame of a registered track. Timestamps are in the
// track's time base and must not decrease in decode order per track. A
// frame for an unregistered track id is ignored. A rejected frame is
// dropped and the session continues.
func (w *Writer) WriteFrame(trackID int32, pts, dts int64, keyFrame bool, format media.BitstreamFormat, payload []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state != StateStarted {
		return &OpError{Op: "write frame", Path: w.path, Err: fmt.Errorf("%w: %s", ErrInvalidState, w.state)}
	}
	b, ok := w.sess.tracks[trackID]
	if !ok {
		return nil
	}

	src, dst := b.track.Info.TimeBase, b.stream.TimeBase
	pts = timebase.Rescale(pts, src, dst)
	dts = timebase.Rescale(dts, src, dst)

	conv := w.sess.format.Convention()
	data, err := bitstream.Normalize(conv, b.stream.Codec, format, payload)
	if err != nil {
		return w.dropLocked(trackID, err)
	}
	out := bitstream.Required(conv, b.stream.Codec, format)
	if err := w.sess.write(b, pts, dts, keyFrame, out, data); err != nil {
		return w.dropLocked(trackID, err)
	}
	if w.metrics {
		metrics.RecordFrame(w.sess.format.String(), b.stream.Kind.String())
	}
	return nil
}

func (w *Writer) dropLocked(trackID int32, err error) error {
	err = classify(err)
	reason := metrics.DropMuxer
	switch {
	case errors.Is(err, ErrUnsupportedBitstreamFormat):
		reason = metrics.DropUnsupportedFormat
	case errors.Is(err, ErrInvalidInput):
		reason = metrics.DropMalformed
	}
	if w.metrics {
		metrics.RecordDrop(reason)
	}
	w.log.Warn("frame dropped", "track_id", trackID, "reason", reason, "error", err)
	return &OpError{Op: "write frame", Path: w.path, Err: err}
}

// Stop writes the trailer, flushes and closes the destination. It moves
// the Writer to Stopped from any state and is a no-op when already
// stopped.
func (w *Writer) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	err := w.stopLocked()
	w.state = StateStopped
	if err != nil {
		return &OpError{Op: "stop", Path: w.path, Err: classify(err)}
	}
	return nil
}

func (w *Writer) stopLocked() error {
	if w.sess == nil {
		return nil
	}
	started := w.sess.started
	format := w.sess.format.String()
	err := w.sess.stop()
	w.sess = nil
	if started && w.metrics {
		metrics.RecordSessionStop(format)
	}
	return err
}

// Close stops the Writer. It is meant for deferred teardown.
func (w *Writer) Close() error {
	return w.Stop()
}

// State returns the current lifecycle state.
func (w *Writer) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Path returns the destination of the last successful Configure.
func (w *Writer) Path() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.path
}

// Tracks returns the registered tracks in registration order. It is empty
// once the Writer is stopped.
func (w *Writer) Tracks() []media.Track {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.sess == nil {
		return nil
	}
	out := make([]media.Track, len(w.sess.order))
	for i, b := range w.sess.order {
		out[i] = b.track
		out[i].Info = b.track.Info.Clone()
	}
	return out
}
