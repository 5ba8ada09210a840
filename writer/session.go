package writer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/zsiec/pushmux/internal/metrics"
	"github.com/zsiec/pushmux/internal/muxer"
	"github.com/zsiec/pushmux/internal/transport"
	"github.com/zsiec/pushmux/media"
)

// session owns one muxer instance and, once started, the transport it
// writes to. Neither escapes the Writer's lock.
type session struct {
	log     *slog.Logger
	path    string
	format  muxer.Format
	metrics bool

	mux    *muxer.Context
	tracks map[int32]*binding
	order  []*binding

	out     io.WriteCloser
	cw      *transport.CountingWriter
	started bool
}

func newSession(log *slog.Logger, path string, format muxer.Format, withMetrics bool) (*session, error) {
	mux, err := muxer.NewContext(format, log)
	if err != nil {
		return nil, err
	}
	return &session{
		log:     log,
		path:    path,
		format:  format,
		metrics: withMetrics,
		mux:     mux,
		tracks:  make(map[int32]*binding),
	}, nil
}

func (s *session) addTrack(id int32, info media.TrackInfo) (*binding, error) {
	if _, dup := s.tracks[id]; dup {
		return nil, fmt.Errorf("%w: track %d already registered", ErrInvalidInput, id)
	}
	st, err := s.mux.AddStream(streamParams(s.log, info.Kind, id, info))
	if err != nil {
		return nil, err
	}
	b := &binding{
		track:  media.Track{ID: id, Index: st.Index, Info: info},
		stream: st,
	}
	s.tracks[id] = b
	s.order = append(s.order, b)
	return b, nil
}

// start opens the destination and writes the container header. On failure
// the transport is closed again and the session may be started anew.
func (s *session) start(ctx context.Context, reg *transport.Registry, maxDelta time.Duration) error {
	opts := transport.HandshakeOptions(s.path)
	if opts.TCURL != "" {
		s.log.Debug("rtmp handshake", "tc_url", opts.TCURL, "flash_ver", opts.FlashVer)
	}

	out, err := reg.Open(ctx, s.path, opts)
	if err != nil {
		return err
	}
	format := s.format.String()
	cw := &transport.CountingWriter{W: out}
	if s.metrics {
		cw.OnWrite = func(n int) { metrics.RecordBytesOut(format, n) }
	}

	err = s.mux.WriteHeader(cw, muxer.Options{
		FlushPackets:       opts.FlushPackets,
		MaxInterleaveDelta: maxDelta,
	})
	if err != nil {
		if cerr := out.Close(); cerr != nil {
			s.log.Warn("close after failed header", "error", cerr)
		}
		return err
	}
	s.out, s.cw = out, cw
	s.started = true
	return nil
}

func (s *session) write(b *binding, pts, dts int64, key bool, format media.BitstreamFormat, data []byte) error {
	return s.mux.WriteInterleaved(muxer.Packet{
		Stream:   b.stream.Index,
		PTS:      pts,
		DTS:      dts,
		KeyFrame: key,
		Format:   format,
		Data:     data,
	})
}

// stop finalizes the container and releases the transport. Every step runs
// even when an earlier one fails.
func (s *session) stop() error {
	if !s.started {
		s.mux = nil
		return nil
	}
	var errs []error
	if err := s.mux.WriteTrailer(); err != nil {
		errs = append(errs, fmt.Errorf("trailer: %w", err))
	}
	if err := s.cw.Flush(); err != nil {
		errs = append(errs, fmt.Errorf("flush: %w", err))
	}
	if err := s.out.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close: %w", err))
	}
	s.log.Info("session stopped", "bytes_out", s.cw.Count())

	s.mux, s.out, s.cw = nil, nil, nil
	s.started = false
	return errors.Join(errs...)
}
