package muxer

import (
	"bufio"
	"fmt"
	"io"

	"github.com/nareix/joy4/av"
	"github.com/nareix/joy4/codec/aacparser"
	"github.com/nareix/joy4/codec/h264parser"
	"github.com/nareix/joy4/format/flv"

	"github.com/zsiec/pushmux/internal/bitstream"
	"github.com/zsiec/pushmux/internal/timebase"
	"github.com/zsiec/pushmux/media"
)

// flvBufferSize matches joy4's recommended bufio size.
const flvBufferSize = 64 * 1024

// flvBackend writes FLV tags through joy4. Only H.264 video and AAC audio
// have FLV codec ids joy4 can emit.
type flvBackend struct {
	bw    *bufio.Writer
	mux   *flv.Muxer
	flush bool
}

func (b *flvBackend) writeHeader(w io.Writer, streams []*Stream, opts Options) error {
	codecs := make([]av.CodecData, len(streams))
	for i, s := range streams {
		cd, err := flvCodecData(s)
		if err != nil {
			return fmt.Errorf("stream %d: %w", s.Index, err)
		}
		codecs[i] = cd
	}

	b.bw = bufio.NewWriterSize(w, flvBufferSize)
	b.mux = flv.NewMuxerWriteFlusher(b.bw)
	b.flush = opts.FlushPackets
	if err := b.mux.WriteHeader(codecs); err != nil {
		return fmt.Errorf("flv header: %w", err)
	}
	return b.bw.Flush()
}

func flvCodecData(s *Stream) (av.CodecData, error) {
	switch s.Codec {
	case media.CodecH264:
		if len(s.Extradata) == 0 {
			return nil, fmt.Errorf("%w: h264", ErrMissingConfig)
		}
		sps, pps, err := bitstream.ParseAVCDecoderConfig(s.Extradata)
		if err != nil {
			return nil, err
		}
		rec, err := bitstream.BuildAVCDecoderConfig(sps, pps)
		if err != nil {
			return nil, err
		}
		return h264parser.NewCodecDataFromAVCDecoderConfRecord(rec)
	case media.CodecAAC:
		asc, err := audioSpecificConfig(s)
		if err != nil {
			return nil, err
		}
		return aacparser.NewCodecDataFromMPEG4AudioConfigBytes(asc)
	default:
		return nil, fmt.Errorf("%w: %s in flv", ErrUnsupportedCodec, s.Codec)
	}
}

// audioSpecificConfig returns the stream's AudioSpecificConfig, deriving an
// AAC-LC one from sample rate and channel count when extradata is absent.
func audioSpecificConfig(s *Stream) ([]byte, error) {
	if len(s.Extradata) > 0 {
		return s.Extradata, nil
	}
	return bitstream.BuildAudioSpecificConfig(s.SampleRate, s.Channels)
}

func (b *flvBackend) writePacket(s *Stream, p *Packet) error {
	pkt := av.Packet{
		IsKeyFrame:      p.KeyFrame || s.Kind == media.KindAudio,
		Idx:             int8(s.Index),
		Time:            timebase.Duration(p.DTS, s.TimeBase),
		CompositionTime: timebase.Duration(p.PTS-p.DTS, s.TimeBase),
		Data:            p.Data,
	}
	if err := b.mux.WritePacket(pkt); err != nil {
		return err
	}
	if b.flush {
		return b.bw.Flush()
	}
	return nil
}

func (b *flvBackend) writeTrailer() error {
	return b.mux.WriteTrailer()
}
