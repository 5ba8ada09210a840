// Package media defines the track, timing and packet types shared by the
// writer, the muxer backends and the packet sources that feed them.
package media

import "fmt"

// Kind is the media kind of a track.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindVideo
	KindAudio
)

func (k Kind) String() string {
	switch k {
	case KindVideo:
		return "video"
	case KindAudio:
		return "audio"
	default:
		return "unknown"
	}
}

// Codec identifies the elementary stream codec of a track. CodecNone is the
// sentinel used when a codec is not valid for the track's media kind.
type Codec uint8

const (
	CodecNone Codec = iota
	CodecH264
	CodecH265
	CodecVP8
	CodecVP9
	CodecAAC
	CodecMP3
	CodecOpus
)

var codecNames = [...]string{
	CodecNone: "none",
	CodecH264: "h264",
	CodecH265: "h265",
	CodecVP8:  "vp8",
	CodecVP9:  "vp9",
	CodecAAC:  "aac",
	CodecMP3:  "mp3",
	CodecOpus: "opus",
}

func (c Codec) String() string {
	if int(c) < len(codecNames) {
		return codecNames[c]
	}
	return fmt.Sprintf("codec(%d)", uint8(c))
}

// Kind reports the media kind the codec belongs to.
func (c Codec) Kind() Kind {
	switch c {
	case CodecH264, CodecH265, CodecVP8, CodecVP9:
		return KindVideo
	case CodecAAC, CodecMP3, CodecOpus:
		return KindAudio
	default:
		return KindUnknown
	}
}

// NAL reports whether payloads of this codec are sequences of NAL units.
func (c Codec) NAL() bool {
	return c == CodecH264 || c == CodecH265
}

// ParseCodec maps a codec name to its identifier. Unknown names return
// CodecNone.
func ParseCodec(name string) Codec {
	switch name {
	case "h264", "avc":
		return CodecH264
	case "h265", "hevc":
		return CodecH265
	case "vp8":
		return CodecVP8
	case "vp9":
		return CodecVP9
	case "aac":
		return CodecAAC
	case "mp3":
		return CodecMP3
	case "opus":
		return CodecOpus
	default:
		return CodecNone
	}
}

// BitstreamFormat tags the byte-level framing of a packet payload.
type BitstreamFormat uint8

const (
	// FormatUnknown is never accepted by a writer.
	FormatUnknown BitstreamFormat = iota
	// FormatAnnexB is start-code delimited NAL units.
	FormatAnnexB
	// FormatLengthPrefixed is 4-byte big-endian length prefixed NAL units
	// (AVCC / HVCC sample format).
	FormatLengthPrefixed
	// FormatADTS is one or more ADTS-framed AAC access units.
	FormatADTS
	// FormatRaw is a single codec-native frame: raw AAC, Opus, MP3, VP8 or VP9.
	FormatRaw
)

func (f BitstreamFormat) String() string {
	switch f {
	case FormatAnnexB:
		return "annexb"
	case FormatLengthPrefixed:
		return "length-prefixed"
	case FormatADTS:
		return "adts"
	case FormatRaw:
		return "raw"
	default:
		return "unknown"
	}
}

// Valid reports whether f is a framing the codec can be carried in.
func (f BitstreamFormat) Valid(c Codec) bool {
	switch c {
	case CodecH264, CodecH265:
		return f == FormatAnnexB || f == FormatLengthPrefixed
	case CodecAAC:
		return f == FormatADTS || f == FormatRaw
	case CodecVP8, CodecVP9, CodecMP3, CodecOpus:
		return f == FormatRaw
	default:
		return false
	}
}

// Rational is a time base in seconds per tick, Num/Den.
type Rational struct {
	Num int32
	Den int32
}

// Common time bases.
var (
	Millisecond = Rational{1, 1000}
	MPEGTSClock = Rational{1, 90000}
)

// Valid reports whether both terms are positive.
func (r Rational) Valid() bool {
	return r.Num > 0 && r.Den > 0
}

func (r Rational) String() string {
	return fmt.Sprintf("%d/%d", r.Num, r.Den)
}

// ChannelLayout is the muxer-facing channel layout of an audio track.
type ChannelLayout uint8

const (
	// LayoutUnspecified is the fallback for any channel count other than
	// one or two. Containers that need a layout derive it from the count.
	LayoutUnspecified ChannelLayout = iota
	LayoutMono
	LayoutStereo
)

// LayoutForChannels maps a channel count to a layout.
func LayoutForChannels(n int) ChannelLayout {
	switch n {
	case 1:
		return LayoutMono
	case 2:
		return LayoutStereo
	default:
		return LayoutUnspecified
	}
}

func (l ChannelLayout) String() string {
	switch l {
	case LayoutMono:
		return "mono"
	case LayoutStereo:
		return "stereo"
	default:
		return "unspecified"
	}
}
