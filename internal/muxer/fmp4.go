package muxer

import (
	"fmt"
	"io"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4/seekablebuffer"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mp4"

	"github.com/zsiec/pushmux/internal/bitstream"
	"github.com/zsiec/pushmux/internal/timebase"
	"github.com/zsiec/pushmux/media"
)

// audioSamplesPerFragment is the fragment length when no video stream
// drives fragmentation.
const audioSamplesPerFragment = 50

type fmp4Sample struct {
	dts      int64
	ptsDelta int64
	sync     bool
	payload  []byte
}

type fmp4Track struct {
	id      int
	stream  *Stream
	shift   int64
	started bool
	pending *fmp4Sample
	lastDur uint32
	base    uint64
	samples []*fmp4.Sample
}

// fmp4Backend writes an init segment followed by one moof+mdat part per
// fragment. A sample's duration is the distance to the next sample of the
// same track, so each track holds one sample back. Fragments are cut at
// keyframes of the first video stream.
//
// tfdt is unsigned. When the first packet written starts below zero, every
// track is shifted by that same wall-clock offset so the tracks stay
// aligned.
type fmp4Backend struct {
	w       io.Writer
	tracks  []*fmp4Track
	driver  int
	seq     uint32
	flush   bool
	counter int
	started bool
	offset  time.Duration
}

func (b *fmp4Backend) writeHeader(w io.Writer, streams []*Stream, opts Options) error {
	init := &fmp4.Init{}
	b.tracks = make([]*fmp4Track, len(streams))
	b.driver = 0
	for i, s := range streams {
		codec, err := mp4Codec(s)
		if err != nil {
			return fmt.Errorf("stream %d: %w", s.Index, err)
		}
		t := &fmp4Track{id: i + 1, stream: s}
		b.tracks[i] = t
		init.Tracks = append(init.Tracks, &fmp4.InitTrack{
			ID:        t.id,
			TimeScale: uint32(s.TimeBase.Den),
			Codec:     codec,
		})
		if s.Kind == media.KindVideo && streams[b.driver].Kind != media.KindVideo {
			b.driver = i
		}
	}

	var buf seekablebuffer.Buffer
	if err := init.Marshal(&buf); err != nil {
		return fmt.Errorf("fmp4 init: %w", err)
	}
	if _, err := w.Write(buf.Bytes()); err != nil {
		return err
	}
	b.w = w
	b.flush = opts.FlushPackets
	b.seq = 1
	return nil
}

func mp4Codec(s *Stream) (mp4.Codec, error) {
	switch s.Codec {
	case media.CodecH264:
		if len(s.Extradata) == 0 {
			return nil, fmt.Errorf("%w: h264", ErrMissingConfig)
		}
		sps, pps, err := bitstream.ParseAVCDecoderConfig(s.Extradata)
		if err != nil {
			return nil, err
		}
		return &mp4.CodecH264{SPS: sps, PPS: pps}, nil
	case media.CodecH265:
		if len(s.Extradata) == 0 {
			return nil, fmt.Errorf("%w: h265", ErrMissingConfig)
		}
		vps, sps, pps, err := bitstream.ParseHEVCDecoderConfig(s.Extradata)
		if err != nil {
			return nil, err
		}
		return &mp4.CodecH265{VPS: vps, SPS: sps, PPS: pps}, nil
	case media.CodecVP9:
		return &mp4.CodecVP9{
			Width:             s.Width,
			Height:            s.Height,
			Profile:           0,
			BitDepth:          8,
			ChromaSubsampling: 1,
		}, nil
	case media.CodecAAC:
		asc, err := audioSpecificConfig(s)
		if err != nil {
			return nil, err
		}
		conf, err := bitstream.ParseAudioSpecificConfig(asc)
		if err != nil {
			return nil, err
		}
		return &mp4.CodecMPEG4Audio{Config: *conf}, nil
	case media.CodecOpus:
		return &mp4.CodecOpus{ChannelCount: s.Channels}, nil
	case media.CodecMP3:
		return &mp4.CodecMPEG1Audio{SampleRate: s.SampleRate, ChannelCount: s.Channels}, nil
	default:
		return nil, fmt.Errorf("%w: %s in mp4", ErrUnsupportedCodec, s.Codec)
	}
}

func (b *fmp4Backend) writePacket(s *Stream, p *Packet) error {
	t := b.tracks[s.Index]
	if !b.started {
		if d := timebase.Duration(p.DTS, s.TimeBase); d < 0 {
			b.offset = -d
		}
		b.started = true
	}
	if !t.started {
		t.shift = timebase.FromDuration(b.offset, s.TimeBase)
		t.started = true
	}

	sync := p.KeyFrame || s.Kind == media.KindAudio
	next := &fmp4Sample{
		// a track starting earlier than the first packet written is clamped
		dts:      max(0, p.DTS+t.shift),
		ptsDelta: p.PTS - p.DTS,
		sync:     sync,
		payload:  p.Data,
	}
	if t.pending != nil {
		dur := next.dts - t.pending.dts
		if dur <= 0 {
			dur = 1
		}
		t.commit(uint32(dur))
	}
	if s.Index == b.driver && b.cutHere(t, sync) {
		if err := b.writeFragment(); err != nil {
			return err
		}
	}
	t.pending = next

	if b.flush {
		if f, ok := b.w.(interface{ Flush() error }); ok {
			return f.Flush()
		}
	}
	return nil
}

// cutHere reports whether a new fragment starts at this driver sample.
func (b *fmp4Backend) cutHere(t *fmp4Track, sync bool) bool {
	if len(t.samples) == 0 {
		return false
	}
	if t.stream.Kind == media.KindVideo {
		return sync
	}
	b.counter++
	if b.counter < audioSamplesPerFragment {
		return false
	}
	b.counter = 0
	return true
}

// commit moves the pending sample into the current fragment.
func (t *fmp4Track) commit(dur uint32) {
	s := t.pending
	if len(t.samples) == 0 {
		t.base = uint64(s.dts)
	}
	t.samples = append(t.samples, &fmp4.Sample{
		Duration:        dur,
		PTSOffset:       int32(s.ptsDelta),
		IsNonSyncSample: !s.sync,
		Payload:         s.payload,
	})
	t.lastDur = dur
	t.pending = nil
}

func (b *fmp4Backend) writeFragment() error {
	part := &fmp4.Part{SequenceNumber: b.seq}
	for _, t := range b.tracks {
		if len(t.samples) == 0 {
			continue
		}
		part.Tracks = append(part.Tracks, &fmp4.PartTrack{
			ID:       t.id,
			BaseTime: t.base,
			Samples:  t.samples,
		})
		t.samples = nil
	}
	if len(part.Tracks) == 0 {
		return nil
	}

	var buf seekablebuffer.Buffer
	if err := part.Marshal(&buf); err != nil {
		return fmt.Errorf("fmp4 part %d: %w", b.seq, err)
	}
	b.seq++
	_, err := b.w.Write(buf.Bytes())
	return err
}

func (b *fmp4Backend) writeTrailer() error {
	for _, t := range b.tracks {
		if t.pending == nil {
			continue
		}
		dur := t.lastDur
		if dur == 0 {
			dur = defaultSampleDuration(t.stream)
		}
		t.commit(dur)
	}
	return b.writeFragment()
}

// defaultSampleDuration guesses the duration of a lone sample: one AAC
// frame for audio, one 30 fps frame for video.
func defaultSampleDuration(s *Stream) uint32 {
	ticks := int64(s.TimeBase.Den) / int64(s.TimeBase.Num)
	if s.Kind == media.KindAudio && s.SampleRate > 0 {
		return uint32(max(1, ticks*DefaultAudioFrameSize/int64(s.SampleRate)))
	}
	return uint32(max(1, ticks/30))
}
