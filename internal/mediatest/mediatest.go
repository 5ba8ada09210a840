// Package mediatest provides elementary stream fixtures and an FLV tag
// reader for tests.
package mediatest

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// SPS is a 1280x720 H.264 High profile sequence parameter set.
var SPS = []byte{
	0x67, 0x64, 0x00, 0x1f, 0xac, 0xd9, 0x40, 0x50, 0x05, 0xbb, 0xff, 0x00,
	0x03, 0x00, 0x04, 0x6a, 0x02, 0x02, 0x02, 0x80, 0x00, 0x01, 0xf4, 0x80,
	0x00, 0x5d, 0xc0, 0x07, 0x8c, 0x18, 0xcb,
}

// PPS is a picture parameter set matching SPS.
var PPS = []byte{0x68, 0xeb, 0xe3, 0xcb, 0x22, 0xc0}

// IDR returns an IDR slice NAL unit with a distinguishing tail byte.
func IDR(tag byte) []byte {
	return []byte{0x65, 0x88, 0x84, 0x00, 0x33, 0xff, tag}
}

// Slice returns a non-IDR slice NAL unit with a distinguishing tail byte.
func Slice(tag byte) []byte {
	return []byte{0x41, 0x9a, 0x21, 0x6c, 0x42, tag}
}

// AVCConfig is the AVCDecoderConfigurationRecord for SPS and PPS.
var AVCConfig = func() []byte {
	b := []byte{1, SPS[1], SPS[2], SPS[3], 0xFF, 0xE1}
	b = binary.BigEndian.AppendUint16(b, uint16(len(SPS)))
	b = append(b, SPS...)
	b = append(b, 1)
	b = binary.BigEndian.AppendUint16(b, uint16(len(PPS)))
	return append(b, PPS...)
}()

// ASC is the AudioSpecificConfig for AAC-LC, 48 kHz, stereo.
var ASC = []byte{0x11, 0x90}

// AnnexB joins NAL units with 4-byte start codes.
func AnnexB(nalus ...[]byte) []byte {
	var out []byte
	for _, n := range nalus {
		out = append(out, 0, 0, 0, 1)
		out = append(out, n...)
	}
	return out
}

// LengthPrefixed joins NAL units with 4-byte big-endian lengths.
func LengthPrefixed(nalus ...[]byte) []byte {
	var out []byte
	for _, n := range nalus {
		out = binary.BigEndian.AppendUint32(out, uint32(len(n)))
		out = append(out, n...)
	}
	return out
}

// ADTS wraps a raw AAC frame in a 7-byte ADTS header for AAC-LC, 48 kHz,
// stereo.
func ADTS(raw []byte) []byte {
	n := 7 + len(raw)
	h := []byte{
		0xFF, 0xF1,
		(1 << 6) | (3 << 2),
		byte(2<<6) | byte((n>>11)&0x03),
		byte(n >> 3),
		byte((n&0x07)<<5) | 0x1F,
		0xFC,
	}
	return append(h, raw...)
}

// AAC returns a fake raw AAC frame with a distinguishing tail byte.
func AAC(tag byte) []byte {
	return []byte{0x21, 0x10, 0x04, 0x60, 0x8c, 0x1c, tag}
}

// FLV tag types.
const (
	FLVTagAudio  = 8
	FLVTagVideo  = 9
	FLVTagScript = 18
)

// FLVTag is one tag read back from an FLV byte stream.
type FLVTag struct {
	Type      byte
	Timestamp uint32
	Data      []byte
}

// PacketType returns the AVC or AAC packet type byte: 0 for a sequence
// header, 1 for media data.
func (t FLVTag) PacketType() byte {
	if len(t.Data) < 2 {
		return 0xFF
	}
	return t.Data[1]
}

// Payload returns the tag body after the codec headers: the AVCC NAL units
// of a video tag or the raw frame of an AAC tag.
func (t FLVTag) Payload() []byte {
	switch t.Type {
	case FLVTagVideo:
		if len(t.Data) >= 5 {
			return t.Data[5:]
		}
	case FLVTagAudio:
		if len(t.Data) >= 2 {
			return t.Data[2:]
		}
	}
	return nil
}

// KeyFrame reports whether a video tag has frame type 1.
func (t FLVTag) KeyFrame() bool {
	return t.Type == FLVTagVideo && len(t.Data) > 0 && t.Data[0]>>4 == 1
}

// ReadFLV parses an FLV file header and every tag that follows.
func ReadFLV(b []byte) ([]FLVTag, error) {
	if len(b) < 13 || string(b[:3]) != "FLV" {
		return nil, errors.New("mediatest: not an flv stream")
	}
	off := int(binary.BigEndian.Uint32(b[5:9])) + 4

	var tags []FLVTag
	for off < len(b) {
		if len(b)-off < 11 {
			return tags, fmt.Errorf("mediatest: truncated tag header at %d", off)
		}
		h := b[off : off+11]
		size := int(h[1])<<16 | int(h[2])<<8 | int(h[3])
		ts := uint32(h[7])<<24 | uint32(h[4])<<16 | uint32(h[5])<<8 | uint32(h[6])
		end := off + 11 + size
		if end+4 > len(b) {
			return tags, fmt.Errorf("mediatest: truncated tag body at %d", off)
		}
		tags = append(tags, FLVTag{Type: h[0] & 0x1F, Timestamp: ts, Data: b[off+11 : end]})
		off = end + 4
	}
	return tags, nil
}
