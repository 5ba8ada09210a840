package muxer

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/zsiec/pushmux/internal/bitstream"
	"github.com/zsiec/pushmux/internal/timebase"
	"github.com/zsiec/pushmux/media"
)

// ExtradataPadding is the number of zero bytes reserved after extradata so
// bit readers may over-read the configuration record safely.
const ExtradataPadding = 64

// DefaultMaxInterleaveDelta bounds how far the interleaver buffers ahead
// while waiting for a lagging stream.
const DefaultMaxInterleaveDelta = 10 * time.Second

// DefaultAudioFrameSize is the samples-per-frame hint for audio streams.
const DefaultAudioFrameSize = 1024

// Sentinel errors reported by a Context.
var (
	ErrUnsupportedCodec = errors.New("muxer: codec not supported by container")
	ErrMissingConfig    = errors.New("muxer: codec configuration record required")
	ErrHeaderWritten    = errors.New("muxer: header already written")
	ErrNoHeader         = errors.New("muxer: header not written")
	ErrNoStreams        = errors.New("muxer: no streams")
	ErrInvalidStream    = errors.New("muxer: invalid stream index")
)

// Stream holds the codec parameters of one container stream.
type Stream struct {
	Index    int
	Kind     media.Kind
	Codec    media.Codec
	TimeBase media.Rational
	Bitrate  int64

	// Video.
	Width        int
	Height       int
	PixelFormat  string
	SampleAspect media.Rational

	// Audio.
	SampleRate int
	Channels   int
	Layout     media.ChannelLayout
	FrameSize  int

	// Extradata is the codec configuration record. Its capacity extends
	// ExtradataPadding zero bytes past its length.
	Extradata []byte
}

// PadExtradata copies b into a new slice followed by ExtradataPadding zero
// bytes of spare capacity. It returns nil for empty input.
func PadExtradata(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b), len(b)+ExtradataPadding)
	copy(out, b)
	return out
}

// Packet is one frame for one stream. Timestamps are in the stream's time
// base.
type Packet struct {
	Stream   int
	PTS      int64
	DTS      int64
	KeyFrame bool
	Format   media.BitstreamFormat
	Data     []byte
}

// Options tune header writing and packet flushing.
type Options struct {
	// FlushPackets flushes the output after every packet.
	FlushPackets bool
	// MaxInterleaveDelta bounds interleaver buffering. Zero means
	// DefaultMaxInterleaveDelta; negative disables the bound.
	MaxInterleaveDelta time.Duration
}

// backend is a container serializer. Packets arrive in interleaved order.
type backend interface {
	writeHeader(w io.Writer, streams []*Stream, opts Options) error
	writePacket(s *Stream, p *Packet) error
	writeTrailer() error
}

// maxDeferredPackets bounds how many packets are held while the header
// waits for in-band parameter sets.
const maxDeferredPackets = 2048

// Context is one container instance. It is not safe for concurrent use.
type Context struct {
	log     *slog.Logger
	format  Format
	streams []*Stream
	be      backend
	il      *interleaver

	w    io.Writer
	opts Options

	started bool // WriteHeader succeeded
	emitted bool // container header reached w
	done    bool
}

// NewContext allocates a Context for f. If log is nil, slog.Default() is
// used.
func NewContext(f Format, log *slog.Logger) (*Context, error) {
	if log == nil {
		log = slog.Default()
	}
	var be backend
	switch f {
	case FormatFLV:
		be = &flvBackend{}
	case FormatMP4:
		be = &fmp4Backend{}
	case FormatMPEGTS:
		be = &mpegtsBackend{}
	default:
		return nil, fmt.Errorf("muxer: unknown format %d", f)
	}
	return &Context{
		log:    log.With("component", "muxer", "format", f.String()),
		format: f,
		be:     be,
	}, nil
}

// Format returns the container format.
func (c *Context) Format() Format {
	return c.format
}

// AddStream appends a stream and assigns its index. The stream's time base
// is replaced by the one the container mandates.
func (c *Context) AddStream(s Stream) (*Stream, error) {
	if c.started {
		return nil, ErrHeaderWritten
	}
	s.Index = len(c.streams)
	s.TimeBase = c.format.StreamTimeBase(s.TimeBase)
	st := &s
	c.streams = append(c.streams, st)
	return st, nil
}

// Streams returns the streams in index order.
func (c *Context) Streams() []*Stream {
	return c.streams
}

// WriteHeader validates the streams and emits the container header to w.
// When a stream needs a configuration record it does not have yet, the
// header is held back until WriteInterleaved finds the parameter sets
// in-band; packets queue meanwhile. On failure the Context stays unstarted
// and may be retried with another output.
func (c *Context) WriteHeader(w io.Writer, opts Options) error {
	if c.started {
		return ErrHeaderWritten
	}
	if len(c.streams) == 0 {
		return ErrNoStreams
	}
	for _, s := range c.streams {
		if !c.format.Supports(s.Codec) {
			return fmt.Errorf("stream %d: %w: %s in %s", s.Index, ErrUnsupportedCodec, s.Codec, c.format)
		}
	}

	c.w, c.opts = w, opts
	if missing := c.missingConfig(); len(missing) > 0 {
		c.log.Info("header deferred until parameter sets arrive", "streams", missing)
	} else if err := c.emitHeader(); err != nil {
		return err
	}

	delta := opts.MaxInterleaveDelta
	if delta == 0 {
		delta = DefaultMaxInterleaveDelta
	}
	c.il = newInterleaver(len(c.streams), delta)
	c.started = true
	return nil
}

func (c *Context) missingConfig() []int {
	var missing []int
	for _, s := range c.streams {
		if c.format.NeedsConfig(s.Codec) && len(s.Extradata) == 0 {
			missing = append(missing, s.Index)
		}
	}
	return missing
}

func (c *Context) emitHeader() error {
	if err := c.be.writeHeader(c.w, c.streams, c.opts); err != nil {
		return err
	}
	c.emitted = true

	info := c.format.Info()
	c.log.Debug("header written",
		"name", info.Name,
		"long_name", info.LongName,
		"mime_type", info.MIMEType,
		"video_codec", info.DefaultVideo.String(),
		"audio_codec", info.DefaultAudio.String(),
		"streams", len(c.streams))
	return nil
}

// WriteInterleaved queues p and writes every packet that is now ready in
// decode-time order. p.Data is copied; the caller keeps ownership.
func (c *Context) WriteInterleaved(p Packet) error {
	if !c.started || c.done {
		return ErrNoHeader
	}
	if p.Stream < 0 || p.Stream >= len(c.streams) {
		return fmt.Errorf("%w: %d", ErrInvalidStream, p.Stream)
	}
	s := c.streams[p.Stream]
	p.Data = append([]byte(nil), p.Data...)

	if !c.emitted {
		if err := c.learnConfig(s, &p); err != nil {
			return err
		}
		missing := len(c.missingConfig()) > 0
		if missing && c.il.len() >= maxDeferredPackets {
			return fmt.Errorf("%w: %d packets queued without parameter sets", ErrMissingConfig, c.il.len())
		}
		c.il.push(&p, timebase.Duration(p.DTS, s.TimeBase))
		if missing {
			return nil
		}
		if err := c.emitHeader(); err != nil {
			return fmt.Errorf("deferred header: %w", err)
		}
		return c.drain(false)
	}

	c.il.push(&p, timebase.Duration(p.DTS, s.TimeBase))
	return c.drain(false)
}

// learnConfig fills a stream's missing configuration record from parameter
// sets found in p.
func (c *Context) learnConfig(s *Stream, p *Packet) error {
	if !c.format.NeedsConfig(s.Codec) || len(s.Extradata) > 0 {
		return nil
	}
	rec, err := bitstream.ConfigFromParameterSets(s.Codec, p.Format, p.Data)
	if err != nil {
		return err
	}
	if rec != nil {
		s.Extradata = PadExtradata(rec)
		c.log.Debug("configuration record taken from bitstream", "stream_index", s.Index, "size", len(rec))
	}
	return nil
}

// WriteTrailer flushes the interleaver and finalizes the container.
// Calling it again is a no-op.
func (c *Context) WriteTrailer() error {
	if !c.started || c.done {
		return nil
	}
	c.done = true
	if !c.emitted {
		return fmt.Errorf("%w: streams %v never carried parameter sets", ErrMissingConfig, c.missingConfig())
	}
	err := c.drain(true)
	if terr := c.be.writeTrailer(); err == nil {
		err = terr
	}
	return err
}

func (c *Context) drain(flush bool) error {
	for {
		p, ok := c.il.pop(flush)
		if !ok {
			return nil
		}
		if err := c.be.writePacket(c.streams[p.Stream], p); err != nil {
			return fmt.Errorf("write packet stream %d dts %d: %w", p.Stream, p.DTS, err)
		}
	}
}
