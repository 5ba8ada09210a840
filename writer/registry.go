package writer

import (
	"log/slog"

	"github.com/zsiec/pushmux/internal/muxer"
	"github.com/zsiec/pushmux/media"
)

// pixelFormat is the only raw layout the supported video codecs carry.
const pixelFormat = "yuv420p"

// binding ties a registered track to the container stream created for it.
type binding struct {
	track  media.Track
	stream *muxer.Stream
}

// streamParams derives container stream parameters from a track
// description. A codec that does not belong to kind becomes CodecNone; the
// container rejects it when the header is written.
func streamParams(log *slog.Logger, kind media.Kind, id int32, info media.TrackInfo) muxer.Stream {
	codec := info.Codec
	if codec.Kind() != kind {
		log.Warn("codec does not match media kind", "track_id", id, "codec", codec.String(), "kind", kind.String())
		codec = media.CodecNone
	}

	s := muxer.Stream{
		Kind:      kind,
		Codec:     codec,
		TimeBase:  info.TimeBase,
		Bitrate:   info.Bitrate,
		Extradata: muxer.PadExtradata(info.Extradata),
	}
	switch kind {
	case media.KindVideo:
		s.Width = info.Width
		s.Height = info.Height
		s.PixelFormat = pixelFormat
		s.SampleAspect = media.Rational{Num: 1, Den: 1}
	case media.KindAudio:
		s.SampleRate = info.SampleRate
		s.Channels = info.Channels
		s.Layout = media.LayoutForChannels(info.Channels)
		s.FrameSize = muxer.DefaultAudioFrameSize
	}

	if len(info.Extradata) == 0 {
		log.Warn("track has no configuration record", "track_id", id, "codec", codec.String())
	}
	return s
}
