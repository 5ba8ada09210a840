package media

import (
	"errors"
	"fmt"
)

// TrackInfo describes one elementary stream. Video tracks use Width and
// Height; audio tracks use SampleRate and Channels. Extradata carries the
// codec configuration record (AVCDecoderConfigurationRecord, HEVC record or
// AudioSpecificConfig) when one is available.
type TrackInfo struct {
	Kind       Kind
	Codec      Codec
	Bitrate    int64
	TimeBase   Rational
	Width      int
	Height     int
	SampleRate int
	Channels   int
	Extradata  []byte
}

// Validate reports structural problems with the track description. It does
// not check whether the codec suits the kind; that is decided later by the
// container.
func (ti TrackInfo) Validate() error {
	if !ti.TimeBase.Valid() {
		return fmt.Errorf("time base %s: %w", ti.TimeBase, errInvalidField)
	}
	if ti.Bitrate < 0 {
		return fmt.Errorf("bitrate %d: %w", ti.Bitrate, errInvalidField)
	}
	switch ti.Kind {
	case KindVideo:
		if ti.Width < 0 || ti.Height < 0 {
			return fmt.Errorf("dimensions %dx%d: %w", ti.Width, ti.Height, errInvalidField)
		}
	case KindAudio:
		if ti.SampleRate <= 0 {
			return fmt.Errorf("sample rate %d: %w", ti.SampleRate, errInvalidField)
		}
		if ti.Channels <= 0 {
			return fmt.Errorf("channels %d: %w", ti.Channels, errInvalidField)
		}
	default:
		return fmt.Errorf("media kind %s: %w", ti.Kind, errInvalidField)
	}
	return nil
}

var errInvalidField = errors.New("invalid value")

// Clone returns a deep copy of ti.
func (ti TrackInfo) Clone() TrackInfo {
	out := ti
	if ti.Extradata != nil {
		out.Extradata = append([]byte(nil), ti.Extradata...)
	}
	return out
}

// Track binds a caller-assigned track id to the container stream index the
// muxer assigned for it.
type Track struct {
	ID    int32
	Index int
	Info  TrackInfo
}

// Packet is one encoded frame for one track. Timestamps are in the track's
// time base.
type Packet struct {
	TrackID  int32
	PTS      int64
	DTS      int64
	KeyFrame bool
	Format   BitstreamFormat
	Payload  []byte
}
