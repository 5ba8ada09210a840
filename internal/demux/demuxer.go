package demux

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/asticode/go-astits"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h265"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mpegts"

	"github.com/zsiec/pushmux/internal/bitstream"
	"github.com/zsiec/pushmux/media"
)

const (
	// PacketBufferSize is the capacity of the packet channel.
	PacketBufferSize = 256

	// maxPending bounds the audio packets held while video configuration
	// is still unknown.
	maxPending = 512

	readBufferSize = 188 * 64
)

// ErrNoTracks is returned by Run when the stream carries no supported
// elementary stream.
var ErrNoTracks = errors.New("demux: no supported tracks")

// ErrIncomplete is returned by Run when the stream ends before every video
// track delivered its parameter sets.
var ErrIncomplete = errors.New("demux: stream ended before parameter sets")

type trackState struct {
	track    media.Track
	ready    bool
	keySeen  bool
	frameDur int64
}

// Demuxer splits an MPEG-TS stream into packets. Call Run to start it,
// wait on Ready, then read Tracks and Packets.
type Demuxer struct {
	log    *slog.Logger
	reader io.Reader

	packets chan media.Packet
	ready   chan struct{}

	mu      sync.Mutex
	tracks  []*trackState
	pending []media.Packet
	isReady bool

	decodeErrors int
}

// NewDemuxer creates a Demuxer reading from r. If log is nil,
// slog.Default() is used.
func NewDemuxer(r io.Reader, log *slog.Logger) *Demuxer {
	if log == nil {
		log = slog.Default()
	}
	return &Demuxer{
		log:     log.With("component", "demux"),
		reader:  r,
		packets: make(chan media.Packet, PacketBufferSize),
		ready:   make(chan struct{}),
	}
}

// Packets returns the channel packets are delivered on. It is closed when
// Run returns.
func (d *Demuxer) Packets() <-chan media.Packet {
	return d.packets
}

// Ready is closed once the track list is final.
func (d *Demuxer) Ready() <-chan struct{} {
	return d.ready
}

// Tracks returns the discovered tracks. The list is complete once Ready is
// closed; Index is each track's position in the list.
func (d *Demuxer) Tracks() []media.Track {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]media.Track, len(d.tracks))
	for i, ts := range d.tracks {
		out[i] = ts.track
		out[i].Info = ts.track.Info.Clone()
	}
	return out
}

// Run demuxes until EOF, a read error or context cancellation. Corrupt
// packets are skipped. Run closes the packet channel on return.
func (d *Demuxer) Run(ctx context.Context) error {
	defer close(d.packets)

	r := &mpegts.Reader{R: bufio.NewReaderSize(d.reader, readBufferSize)}
	if err := r.Initialize(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("demux: find tracks: %w", err)
	}
	r.OnDecodeError(func(err error) {
		d.decodeErrors++
		d.log.Debug("skipping corrupt data", "error", err)
	})

	if err := d.setupTracks(ctx, r); err != nil {
		return err
	}

	for {
		if err := r.Read(); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if endOfInput(err) {
				break
			}
			return fmt.Errorf("demux: %w", err)
		}
	}

	d.mu.Lock()
	isReady := d.isReady
	d.mu.Unlock()
	if !isReady {
		return ErrIncomplete
	}
	d.log.Info("demux finished", "decode_errors", d.decodeErrors)
	return nil
}

// endOfInput reports whether err marks the end of the stream. The TS
// parser reports EOF as astits.ErrNoMorePackets.
func endOfInput(err error) bool {
	return errors.Is(err, astits.ErrNoMorePackets) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF)
}

func (d *Demuxer) setupTracks(ctx context.Context, r *mpegts.Reader) error {
	for _, t := range r.Tracks() {
		id := int32(t.PID)
		switch codec := t.Codec.(type) {
		case *mpegts.CodecH264:
			ts := d.addTrack(id, media.TrackInfo{Kind: media.KindVideo, Codec: media.CodecH264, TimeBase: media.MPEGTSClock})
			r.OnDataH264(t, func(pts, dts int64, au [][]byte) error {
				return d.handleVideo(ctx, ts, pts, dts, au)
			})
		case *mpegts.CodecH265:
			ts := d.addTrack(id, media.TrackInfo{Kind: media.KindVideo, Codec: media.CodecH265, TimeBase: media.MPEGTSClock})
			r.OnDataH265(t, func(pts, dts int64, au [][]byte) error {
				return d.handleVideo(ctx, ts, pts, dts, au)
			})
		case *mpegts.CodecMPEG4Audio:
			asc, err := codec.Config.Marshal()
			if err != nil {
				d.log.Warn("skipping aac track", "pid", t.PID, "error", err)
				continue
			}
			rate := codec.Config.SampleRate
			ts := d.addTrack(id, media.TrackInfo{
				Kind:       media.KindAudio,
				Codec:      media.CodecAAC,
				TimeBase:   media.MPEGTSClock,
				SampleRate: rate,
				Channels:   codec.Config.ChannelCount,
				Extradata:  asc,
			})
			ts.ready = true
			ts.frameDur = int64(aacFrameTicks(rate))
			r.OnDataMPEG4Audio(t, func(pts int64, aus [][]byte) error {
				return d.handleAudio(ctx, ts, pts, aus)
			})
		case *mpegts.CodecOpus:
			ts := d.addTrack(id, media.TrackInfo{
				Kind:       media.KindAudio,
				Codec:      media.CodecOpus,
				TimeBase:   media.MPEGTSClock,
				SampleRate: 48000,
				Channels:   codec.ChannelCount,
			})
			ts.ready = true
			// 20 ms, the common Opus frame duration.
			ts.frameDur = 1800
			r.OnDataOpus(t, func(pts int64, packets [][]byte) error {
				return d.handleAudio(ctx, ts, pts, packets)
			})
		default:
			d.log.Info("ignoring elementary stream", "pid", t.PID, "codec", fmt.Sprintf("%T", codec))
			continue
		}
		d.log.Info("found track", "pid", t.PID, "codec", d.tracks[len(d.tracks)-1].track.Info.Codec.String())
	}

	if len(d.tracks) == 0 {
		return ErrNoTracks
	}
	return d.checkReady(ctx)
}

// aacFrameTicks is the duration of one 1024-sample AAC frame on the
// 90 kHz clock.
func aacFrameTicks(sampleRate int) int {
	if sampleRate <= 0 {
		return 0
	}
	return 1024 * 90000 / sampleRate
}

func (d *Demuxer) addTrack(id int32, info media.TrackInfo) *trackState {
	d.mu.Lock()
	defer d.mu.Unlock()
	ts := &trackState{track: media.Track{ID: id, Index: len(d.tracks), Info: info}}
	d.tracks = append(d.tracks, ts)
	return ts
}

func (d *Demuxer) handleVideo(ctx context.Context, ts *trackState, pts, dts int64, au [][]byte) error {
	key := isRandomAccess(ts.track.Info.Codec, au)

	payload, err := h264.AnnexB(au).Marshal()
	if err != nil {
		d.log.Debug("dropping unmarshalable access unit", "track_id", ts.track.ID, "error", err)
		return nil
	}

	if !ts.ready {
		rec, err := bitstream.ConfigFromParameterSets(ts.track.Info.Codec, media.FormatAnnexB, payload)
		if err != nil {
			d.log.Debug("bad parameter sets", "track_id", ts.track.ID, "error", err)
		}
		if rec != nil {
			d.learnVideoConfig(ts, rec, au)
		}
	}
	if !ts.keySeen {
		if !key || !ts.ready {
			return nil
		}
		ts.keySeen = true
	}

	if err := d.checkReady(ctx); err != nil {
		return err
	}
	return d.emit(ctx, media.Packet{
		TrackID:  ts.track.ID,
		PTS:      pts,
		DTS:      dts,
		KeyFrame: key,
		Format:   media.FormatAnnexB,
		Payload:  payload,
	})
}

func (d *Demuxer) learnVideoConfig(ts *trackState, rec []byte, au [][]byte) {
	d.mu.Lock()
	defer d.mu.Unlock()

	info := &ts.track.Info
	info.Extradata = rec
	for _, n := range au {
		if len(n) == 0 {
			continue
		}
		switch info.Codec {
		case media.CodecH264:
			if h264.NALUType(n[0]&0x1F) == h264.NALUTypeSPS {
				var sps h264.SPS
				if err := sps.Unmarshal(n); err == nil {
					info.Width, info.Height = sps.Width(), sps.Height()
				}
			}
		case media.CodecH265:
			if h265.NALUType((n[0]>>1)&0x3F) == h265.NALUType_SPS_NUT {
				var sps h265.SPS
				if err := sps.Unmarshal(n); err == nil {
					info.Width, info.Height = sps.Width(), sps.Height()
				}
			}
		}
	}
	ts.ready = true
	d.log.Info("video configuration found",
		"track_id", ts.track.ID,
		"codec", info.Codec.String(),
		"width", info.Width,
		"height", info.Height)
}

func isRandomAccess(codec media.Codec, au [][]byte) bool {
	for _, n := range au {
		if len(n) == 0 {
			continue
		}
		switch codec {
		case media.CodecH264:
			if h264.NALUType(n[0]&0x1F) == h264.NALUTypeIDR {
				return true
			}
		case media.CodecH265:
			if bitstream.IsHEVCRandomAccess(bitstream.HEVCNALType(n[0])) {
				return true
			}
		}
	}
	return false
}

func (d *Demuxer) handleAudio(ctx context.Context, ts *trackState, pts int64, frames [][]byte) error {
	for i, f := range frames {
		p := media.Packet{
			TrackID:  ts.track.ID,
			PTS:      pts + int64(i)*ts.frameDur,
			KeyFrame: true,
			Format:   media.FormatRaw,
			Payload:  f,
		}
		p.DTS = p.PTS
		if err := d.emit(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

// checkReady publishes the track list once every video track is
// configured and flushes packets held until then.
func (d *Demuxer) checkReady(ctx context.Context) error {
	d.mu.Lock()
	if d.isReady {
		d.mu.Unlock()
		return nil
	}
	for _, ts := range d.tracks {
		if !ts.ready {
			d.mu.Unlock()
			return nil
		}
	}
	d.isReady = true
	pending := d.pending
	d.pending = nil
	d.mu.Unlock()

	close(d.ready)
	d.log.Info("tracks ready", "count", len(d.tracks), "held_packets", len(pending))
	for _, p := range pending {
		if err := d.send(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

func (d *Demuxer) emit(ctx context.Context, p media.Packet) error {
	d.mu.Lock()
	if !d.isReady {
		if len(d.pending) >= maxPending {
			d.pending = d.pending[1:]
		}
		p.Payload = append([]byte(nil), p.Payload...)
		d.pending = append(d.pending, p)
		d.mu.Unlock()
		return nil
	}
	d.mu.Unlock()

	p.Payload = append([]byte(nil), p.Payload...)
	return d.send(ctx, p)
}

func (d *Demuxer) send(ctx context.Context, p media.Packet) error {
	select {
	case d.packets <- p:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
