package muxer

import (
	"bufio"
	"fmt"
	"io"

	"github.com/bluenviron/mediacommon/v2/pkg/formats/mpegts"

	"github.com/zsiec/pushmux/internal/bitstream"
	"github.com/zsiec/pushmux/media"
)

// mpegtsBackend writes a transport stream through mediacommon. Payloads
// arrive in whatever framing the caller used and are split into access
// units here according to their format tag.
type mpegtsBackend struct {
	bw     *bufio.Writer
	w      *mpegts.Writer
	tracks []*mpegts.Track
	flush  bool
}

func (b *mpegtsBackend) writeHeader(w io.Writer, streams []*Stream, opts Options) error {
	tracks := make([]*mpegts.Track, len(streams))
	for i, s := range streams {
		codec, err := mpegtsCodec(s)
		if err != nil {
			return fmt.Errorf("stream %d: %w", s.Index, err)
		}
		tracks[i] = &mpegts.Track{Codec: codec}
	}

	b.bw = bufio.NewWriter(w)
	b.tracks = tracks
	b.flush = opts.FlushPackets
	b.w = &mpegts.Writer{W: b.bw, Tracks: tracks}
	if err := b.w.Initialize(); err != nil {
		return fmt.Errorf("mpegts header: %w", err)
	}
	return b.bw.Flush()
}

func mpegtsCodec(s *Stream) (mpegts.Codec, error) {
	switch s.Codec {
	case media.CodecH264:
		return &mpegts.CodecH264{}, nil
	case media.CodecH265:
		return &mpegts.CodecH265{}, nil
	case media.CodecAAC:
		asc, err := audioSpecificConfig(s)
		if err != nil {
			return nil, err
		}
		conf, err := bitstream.ParseAudioSpecificConfig(asc)
		if err != nil {
			return nil, err
		}
		return &mpegts.CodecMPEG4Audio{Config: *conf}, nil
	case media.CodecOpus:
		return &mpegts.CodecOpus{ChannelCount: s.Channels}, nil
	case media.CodecMP3:
		return &mpegts.CodecMPEG1Audio{}, nil
	default:
		return nil, fmt.Errorf("%w: %s in mpegts", ErrUnsupportedCodec, s.Codec)
	}
}

func (b *mpegtsBackend) writePacket(s *Stream, p *Packet) error {
	track := b.tracks[s.Index]

	var err error
	switch s.Codec {
	case media.CodecH264, media.CodecH265:
		var au [][]byte
		au, err = bitstream.SplitNALUs(p.Format, p.Data)
		if err != nil {
			return err
		}
		if s.Codec == media.CodecH264 {
			err = b.w.WriteH264(track, p.PTS, p.DTS, au)
		} else {
			err = b.w.WriteH265(track, p.PTS, p.DTS, au)
		}
	case media.CodecAAC:
		aus := [][]byte{p.Data}
		if p.Format == media.FormatADTS {
			if aus, err = bitstream.SplitADTS(p.Data); err != nil {
				return err
			}
		}
		err = b.w.WriteMPEG4Audio(track, p.PTS, aus)
	case media.CodecOpus:
		err = b.w.WriteOpus(track, p.PTS, [][]byte{p.Data})
	case media.CodecMP3:
		err = b.w.WriteMPEG1Audio(track, p.PTS, [][]byte{p.Data})
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedCodec, s.Codec)
	}
	if err != nil {
		return err
	}
	if b.flush {
		return b.bw.Flush()
	}
	return nil
}

func (b *mpegtsBackend) writeTrailer() error {
	return b.bw.Flush()
}
