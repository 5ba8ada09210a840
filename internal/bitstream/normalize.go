package bitstream

import (
	"errors"
	"fmt"

	"github.com/zsiec/pushmux/media"
)

// ErrUnsupported is returned when a payload's format tag is not valid for
// its codec or no transform exists to the convention the container needs.
var ErrUnsupported = errors.New("bitstream: unsupported format")

// Convention is the payload framing discipline of a container.
type Convention uint8

const (
	// PassThrough accepts any framing valid for the codec.
	PassThrough Convention = iota
	// Packetized requires length-prefixed NAL units and raw audio frames.
	Packetized
	numConventions
)

func (c Convention) String() string {
	switch c {
	case PassThrough:
		return "pass-through"
	case Packetized:
		return "packetized"
	default:
		return fmt.Sprintf("convention(%d)", uint8(c))
	}
}

// required[conv][codec] is the format a container needs. FormatUnknown
// means whatever valid framing arrives is accepted unchanged.
var required = [numConventions][media.CodecOpus + 1]media.BitstreamFormat{
	Packetized: {
		media.CodecH264: media.FormatLengthPrefixed,
		media.CodecH265: media.FormatLengthPrefixed,
		media.CodecVP8:  media.FormatRaw,
		media.CodecVP9:  media.FormatRaw,
		media.CodecAAC:  media.FormatRaw,
		media.CodecMP3:  media.FormatRaw,
		media.CodecOpus: media.FormatRaw,
	},
}

type transformKey struct {
	from, to media.BitstreamFormat
}

var transforms = map[transformKey]func([]byte) ([]byte, error){
	{media.FormatAnnexB, media.FormatLengthPrefixed}: AnnexBToLengthPrefixed,
	{media.FormatADTS, media.FormatRaw}:              ADTSToRaw,
}

// Required reports the format conv expects for codec given an incoming
// format. Under PassThrough it is the incoming format itself.
func Required(conv Convention, codec media.Codec, in media.BitstreamFormat) media.BitstreamFormat {
	if conv >= numConventions || int(codec) >= len(required[conv]) {
		return media.FormatUnknown
	}
	if want := required[conv][codec]; want != media.FormatUnknown {
		return want
	}
	return in
}

// Normalize returns payload in the framing conv requires for codec. A
// payload already in that framing is returned as is, sharing its backing
// array. Otherwise the matching transform runs, or ErrUnsupported is
// returned when none exists.
func Normalize(conv Convention, codec media.Codec, in media.BitstreamFormat, payload []byte) ([]byte, error) {
	if !in.Valid(codec) {
		return nil, fmt.Errorf("%w: %s payload for %s", ErrUnsupported, in, codec)
	}
	want := Required(conv, codec, in)
	if want == in {
		return payload, nil
	}
	fn, ok := transforms[transformKey{in, want}]
	if !ok {
		return nil, fmt.Errorf("%w: no %s to %s transform for %s", ErrUnsupported, in, want, codec)
	}
	return fn(payload)
}
