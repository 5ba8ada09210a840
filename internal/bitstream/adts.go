package bitstream

import (
	"errors"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
)

// ErrInvalidADTS is returned when the ADTS sync word or header is malformed.
var ErrInvalidADTS = errors.New("bitstream: invalid ADTS header")

var aacSampleRates = [...]int{
	96000, 88200, 64000, 48000, 44100, 32000, 24000, 22050,
	16000, 12000, 11025, 8000, 7350,
}

// ADTSHeader is the fixed part of an ADTS frame header.
type ADTSHeader struct {
	ObjectType  mpeg4audio.ObjectType
	SampleRate  int
	Channels    int
	FrameLength int
	HeaderSize  int
}

// ParseADTSHeader decodes the header of the ADTS frame at the start of data.
func ParseADTSHeader(data []byte) (ADTSHeader, error) {
	if len(data) < 7 || data[0] != 0xFF || data[1]&0xF6 != 0xF0 {
		return ADTSHeader{}, ErrInvalidADTS
	}

	h := ADTSHeader{HeaderSize: 7}
	if data[1]&0x01 == 0 {
		h.HeaderSize = 9
	}
	h.ObjectType = mpeg4audio.ObjectType(data[2]>>6 + 1)

	idx := (data[2] >> 2) & 0x0F
	if int(idx) >= len(aacSampleRates) {
		return ADTSHeader{}, ErrInvalidADTS
	}
	h.SampleRate = aacSampleRates[idx]
	h.Channels = int(data[2]&0x01)<<2 | int(data[3]>>6)
	h.FrameLength = int(data[3]&0x03)<<11 | int(data[4])<<3 | int(data[5]>>5)
	if h.FrameLength < h.HeaderSize {
		return ADTSHeader{}, ErrInvalidADTS
	}
	return h, nil
}

// AudioSpecificConfigFromADTS derives the AudioSpecificConfig describing
// the stream an ADTS frame belongs to.
func AudioSpecificConfigFromADTS(data []byte) ([]byte, error) {
	h, err := ParseADTSHeader(data)
	if err != nil {
		return nil, err
	}
	conf := mpeg4audio.AudioSpecificConfig{
		Type:         h.ObjectType,
		SampleRate:   h.SampleRate,
		ChannelCount: h.Channels,
	}
	return conf.Marshal()
}
