// Package pipeline binds an MPEG-TS demuxer to one or more container
// writers: it waits for the track list, registers every track, starts the
// writers, forwards packets and stops the writers when input ends.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/pushmux/internal/demux"
	"github.com/zsiec/pushmux/media"
)

// ErrNoSinks is returned by Run when no sink could be started.
var ErrNoSinks = errors.New("pipeline: no sink started")

// Sink is the writer surface the pipeline drives. *writer.Writer
// implements it. A sink is expected to be configured already.
type Sink interface {
	RegisterTrack(kind media.Kind, trackID int32, info media.TrackInfo) error
	Start() error
	WriteFrame(trackID int32, pts, dts int64, keyFrame bool, format media.BitstreamFormat, payload []byte) error
	Stop() error
}

// Stats is a point-in-time view of forwarding counters.
type Stats struct {
	Tracks    int
	Forwarded int64
	Rejected  int64
	Uptime    time.Duration
}

// Pipeline forwards one input stream to its sinks.
type Pipeline struct {
	log       *slog.Logger
	demuxer   *demux.Demuxer
	sinks     []Sink
	streamKey string
	startTime time.Time

	tracks    atomic.Int32
	forwarded atomic.Int64
	rejected  atomic.Int64
}

// New creates a Pipeline that demuxes input and writes to sinks.
func New(streamKey string, input io.Reader, sinks ...Sink) *Pipeline {
	log := slog.With("stream", streamKey)
	return &Pipeline{
		log:       log,
		demuxer:   demux.NewDemuxer(input, log),
		sinks:     sinks,
		streamKey: streamKey,
		startTime: time.Now(),
	}
}

// Stats returns the current forwarding counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Tracks:    int(p.tracks.Load()),
		Forwarded: p.forwarded.Load(),
		Rejected:  p.rejected.Load(),
		Uptime:    time.Since(p.startTime),
	}
}

// Run demuxes and forwards until the input ends or ctx is cancelled.
// Every started sink is stopped before Run returns. Cancellation is not
// reported as an error. A read blocked on the input is not interrupted by
// ctx; close the input to unblock it.
func (p *Pipeline) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := p.demuxer.Run(gctx)
		p.log.Info("demuxer exited", "error", err)
		return err
	})
	g.Go(func() error {
		return p.forward(gctx)
	})

	err := g.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (p *Pipeline) forward(ctx context.Context) error {
	packets := p.demuxer.Packets()

	// Packets only flow once Ready is closed, but both may be pending when
	// the select runs.
	var first *media.Packet
	select {
	case <-p.demuxer.Ready():
	case <-ctx.Done():
		return nil
	case pkt, ok := <-packets:
		if !ok {
			// Demuxer ended before the track list was final; its error
			// explains why.
			return nil
		}
		first = &pkt
	}

	active := p.startSinks(p.demuxer.Tracks())
	defer p.stopSinks(active)
	if len(active) == 0 {
		return ErrNoSinks
	}
	if first != nil {
		p.write(active, *first)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case pkt, ok := <-packets:
			if !ok {
				p.log.Info("input finished", "forwarded", p.forwarded.Load(), "rejected", p.rejected.Load())
				return nil
			}
			p.write(active, pkt)
		}
	}
}

func (p *Pipeline) startSinks(tracks []media.Track) []Sink {
	p.tracks.Store(int32(len(tracks)))

	var active []Sink
	for i, s := range p.sinks {
		if err := register(s, tracks); err != nil {
			p.log.Warn("sink rejected tracks", "sink", i, "error", err)
			s.Stop()
			continue
		}
		if err := s.Start(); err != nil {
			p.log.Warn("sink failed to start", "sink", i, "error", err)
			s.Stop()
			continue
		}
		active = append(active, s)
	}
	p.log.Info("sinks started", "tracks", len(tracks), "sinks", len(active))
	return active
}

func register(s Sink, tracks []media.Track) error {
	for _, t := range tracks {
		if err := s.RegisterTrack(t.Info.Kind, t.ID, t.Info); err != nil {
			return fmt.Errorf("track %d: %w", t.ID, err)
		}
	}
	return nil
}

func (p *Pipeline) write(sinks []Sink, pkt media.Packet) {
	for _, s := range sinks {
		if err := s.WriteFrame(pkt.TrackID, pkt.PTS, pkt.DTS, pkt.KeyFrame, pkt.Format, pkt.Payload); err != nil {
			p.rejected.Add(1)
			p.log.Debug("frame rejected", "track_id", pkt.TrackID, "dts", pkt.DTS, "error", err)
			continue
		}
		p.forwarded.Add(1)
	}
}

func (p *Pipeline) stopSinks(sinks []Sink) {
	for i, s := range sinks {
		if err := s.Stop(); err != nil {
			p.log.Warn("sink stop failed", "sink", i, "error", err)
		}
	}
}
