package muxer

import (
	"path"
	"slices"
	"strings"

	"github.com/zsiec/pushmux/internal/bitstream"
	"github.com/zsiec/pushmux/media"
)

// Format is the closed set of containers a Context can produce.
type Format uint8

const (
	FormatUnknown Format = iota
	FormatFLV
	FormatMP4
	FormatMPEGTS
)

// OutputFormat describes a container for diagnostics.
type OutputFormat struct {
	Name         string
	LongName     string
	MIMEType     string
	Extensions   []string
	DefaultVideo media.Codec
	DefaultAudio media.Codec
}

var outputFormats = [...]OutputFormat{
	FormatFLV: {
		Name:         "flv",
		LongName:     "FLV (Flash Video)",
		MIMEType:     "video/x-flv",
		Extensions:   []string{"flv"},
		DefaultVideo: media.CodecH264,
		DefaultAudio: media.CodecAAC,
	},
	FormatMP4: {
		Name:         "mp4",
		LongName:     "Fragmented MP4 (ISO BMFF)",
		MIMEType:     "video/mp4",
		Extensions:   []string{"mp4", "m4s", "fmp4"},
		DefaultVideo: media.CodecH264,
		DefaultAudio: media.CodecAAC,
	},
	FormatMPEGTS: {
		Name:         "mpegts",
		LongName:     "MPEG-TS (MPEG-2 Transport Stream)",
		MIMEType:     "video/MP2T",
		Extensions:   []string{"ts", "m2ts"},
		DefaultVideo: media.CodecH264,
		DefaultAudio: media.CodecAAC,
	},
}

// Info returns the descriptive metadata of f.
func (f Format) Info() OutputFormat {
	if f == FormatUnknown || int(f) >= len(outputFormats) {
		return OutputFormat{Name: "unknown"}
	}
	return outputFormats[f]
}

func (f Format) String() string {
	return f.Info().Name
}

var supported = [...][]media.Codec{
	FormatFLV:    {media.CodecH264, media.CodecAAC},
	FormatMP4:    {media.CodecH264, media.CodecH265, media.CodecVP9, media.CodecAAC, media.CodecOpus, media.CodecMP3},
	FormatMPEGTS: {media.CodecH264, media.CodecH265, media.CodecAAC, media.CodecOpus, media.CodecMP3},
}

// Supports reports whether the container can carry c.
func (f Format) Supports(c media.Codec) bool {
	if f == FormatUnknown || int(f) >= len(supported) {
		return false
	}
	return slices.Contains(supported[f], c)
}

// NeedsConfig reports whether streams of codec c must carry a decoder
// configuration record before the header can be written.
func (f Format) NeedsConfig(c media.Codec) bool {
	return f != FormatMPEGTS && c.NAL()
}

// Convention returns the payload framing the container's primitive expects.
func (f Format) Convention() bitstream.Convention {
	if f == FormatMPEGTS {
		return bitstream.PassThrough
	}
	return bitstream.Packetized
}

// StreamTimeBase returns the time base a stream registered with track time
// base tb is written in. FLV and MPEG-TS mandate fixed clocks; fMP4 keeps
// the track time base when it can be expressed as a timescale.
func (f Format) StreamTimeBase(tb media.Rational) media.Rational {
	switch f {
	case FormatFLV:
		return media.Millisecond
	case FormatMPEGTS:
		return media.MPEGTSClock
	case FormatMP4:
		if tb.Num == 1 && tb.Den > 0 {
			return tb
		}
		return media.MPEGTSClock
	default:
		return tb
	}
}

// ParseFormat resolves an explicit format hint.
func ParseFormat(hint string) (Format, bool) {
	switch strings.ToLower(strings.TrimSpace(hint)) {
	case "flv":
		return FormatFLV, true
	case "mp4", "fmp4":
		return FormatMP4, true
	case "mpegts", "ts":
		return FormatMPEGTS, true
	default:
		return FormatUnknown, false
	}
}

// InferFormat picks a container from a destination's scheme or extension.
func InferFormat(dest string) (Format, bool) {
	lower := strings.ToLower(dest)
	switch {
	case strings.HasPrefix(lower, "rtmp://"), strings.HasPrefix(lower, "rtmps://"):
		return FormatFLV, true
	case strings.HasPrefix(lower, "srt://"), strings.HasPrefix(lower, "udp://"):
		return FormatMPEGTS, true
	}

	if i := strings.IndexAny(lower, "?#"); i >= 0 && strings.Contains(lower, "://") {
		lower = lower[:i]
	}
	ext := strings.TrimPrefix(path.Ext(lower), ".")
	for f := FormatFLV; f <= FormatMPEGTS; f++ {
		for _, e := range outputFormats[f].Extensions {
			if ext == e {
				return f, true
			}
		}
	}
	return FormatUnknown, false
}
