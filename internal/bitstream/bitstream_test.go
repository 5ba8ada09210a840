package bitstream

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"testing"

	"github.com/zsiec/pushmux/media"
)

// 1280x720 High profile SPS.
var testSPS = []byte{
	0x67, 0x64, 0x00, 0x1f, 0xac, 0xd9, 0x40, 0x50, 0x05, 0xbb, 0xff, 0x00,
	0x03, 0x00, 0x04, 0x6a, 0x02, 0x02, 0x02, 0x80, 0x00, 0x01, 0xf4, 0x80,
	0x00, 0x5d, 0xc0, 0x07, 0x8c, 0x18, 0xcb,
}

var (
	testPPS = []byte{0x68, 0xeb, 0xe3, 0xcb, 0x22, 0xc0}
	testIDR = []byte{0x65, 0x88, 0x84, 0x00, 0x33, 0xff}
)

func annexB(nalus ...[]byte) []byte {
	var out []byte
	for _, n := range nalus {
		out = append(out, 0, 0, 0, 1)
		out = append(out, n...)
	}
	return out
}

func lengthPrefixed(nalus ...[]byte) []byte {
	var out []byte
	for _, n := range nalus {
		out = append(out, byte(len(n)>>24), byte(len(n)>>16), byte(len(n)>>8), byte(len(n)))
		out = append(out, n...)
	}
	return out
}

// adtsFrame wraps payload in a 7-byte ADTS header: AAC-LC, 48 kHz, stereo.
func adtsFrame(payload []byte) []byte {
	n := 7 + len(payload)
	h := []byte{
		0xFF, 0xF1,
		(1 << 6) | (3 << 2),
		byte(2<<6) | byte((n>>11)&0x03),
		byte(n >> 3),
		byte((n&0x07)<<5) | 0x1F,
		0xFC,
	}
	return append(h, payload...)
}

func TestNormalizePassThroughIsIdentity(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		conv    Convention
		codec   media.Codec
		format  media.BitstreamFormat
		payload []byte
	}{
		{"packetized avcc", Packetized, media.CodecH264, media.FormatLengthPrefixed, lengthPrefixed(testIDR)},
		{"packetized raw aac", Packetized, media.CodecAAC, media.FormatRaw, []byte{0x21, 0x10, 0x05}},
		{"packetized opus", Packetized, media.CodecOpus, media.FormatRaw, []byte{0xfc, 0xff, 0xfe}},
		{"ts annex-b", PassThrough, media.CodecH264, media.FormatAnnexB, annexB(testSPS, testPPS, testIDR)},
		{"ts avcc", PassThrough, media.CodecH265, media.FormatLengthPrefixed, lengthPrefixed([]byte{0x26, 0x01, 0xaf})},
		{"ts adts", PassThrough, media.CodecAAC, media.FormatADTS, adtsFrame([]byte{1, 2, 3})},
		{"ts raw aac", PassThrough, media.CodecAAC, media.FormatRaw, []byte{1, 2, 3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			before := sha256.Sum256(tt.payload)

			out, err := Normalize(tt.conv, tt.codec, tt.format, tt.payload)
			if err != nil {
				t.Fatalf("Normalize: %v", err)
			}
			if sha256.Sum256(out) != before {
				t.Errorf("checksum changed")
			}
			if &out[0] != &tt.payload[0] {
				t.Errorf("output does not share the input backing array")
			}
		})
	}
}

func TestNormalizeAnnexBToLengthPrefixed(t *testing.T) {
	t.Parallel()

	in := annexB(testSPS, testPPS, testIDR)
	out, err := Normalize(Packetized, media.CodecH264, media.FormatAnnexB, in)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	want := lengthPrefixed(testSPS, testPPS, testIDR)
	if !bytes.Equal(out, want) {
		t.Errorf("got %x, want %x", out, want)
	}
}

func TestNormalizeThreeByteStartCodes(t *testing.T) {
	t.Parallel()

	in := append([]byte{0, 0, 1}, testPPS...)
	in = append(in, 0, 0, 1)
	in = append(in, testIDR...)

	out, err := AnnexBToLengthPrefixed(in)
	if err != nil {
		t.Fatalf("AnnexBToLengthPrefixed: %v", err)
	}
	if want := lengthPrefixed(testPPS, testIDR); !bytes.Equal(out, want) {
		t.Errorf("got %x, want %x", out, want)
	}
}

func TestNormalizeADTSToRaw(t *testing.T) {
	t.Parallel()

	raw := []byte{0x21, 0x10, 0x04, 0x60, 0x8c, 0x1c}
	out, err := Normalize(Packetized, media.CodecAAC, media.FormatADTS, adtsFrame(raw))
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if !bytes.Equal(out, raw) {
		t.Errorf("got %x, want %x", out, raw)
	}
}

func TestNormalizeRejects(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		conv    Convention
		codec   media.Codec
		format  media.BitstreamFormat
		payload []byte
		want    error
	}{
		{"unknown tag", Packetized, media.CodecH264, media.FormatUnknown, []byte{1}, ErrUnsupported},
		{"unknown tag ts", PassThrough, media.CodecAAC, media.FormatUnknown, []byte{1}, ErrUnsupported},
		{"audio tag on video", Packetized, media.CodecH264, media.FormatADTS, adtsFrame([]byte{1}), ErrUnsupported},
		{"video tag on audio", PassThrough, media.CodecAAC, media.FormatAnnexB, annexB(testIDR), ErrUnsupported},
		{"adts for opus", Packetized, media.CodecOpus, media.FormatADTS, adtsFrame([]byte{1}), ErrUnsupported},
		{"codec none", Packetized, media.CodecNone, media.FormatRaw, []byte{1}, ErrUnsupported},
		{"two adts frames", Packetized, media.CodecAAC, media.FormatADTS, append(adtsFrame([]byte{1}), adtsFrame([]byte{2})...), ErrMalformed},
		{"annex-b without start code", Packetized, media.CodecH264, media.FormatAnnexB, testIDR, ErrMalformed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Normalize(tt.conv, tt.codec, tt.format, tt.payload)
			if !errors.Is(err, tt.want) {
				t.Errorf("got %v, want %v", err, tt.want)
			}
		})
	}
}

func TestRequired(t *testing.T) {
	t.Parallel()

	if got := Required(Packetized, media.CodecH265, media.FormatAnnexB); got != media.FormatLengthPrefixed {
		t.Errorf("packetized h265: got %s, want length-prefixed", got)
	}
	if got := Required(Packetized, media.CodecAAC, media.FormatADTS); got != media.FormatRaw {
		t.Errorf("packetized aac: got %s, want raw", got)
	}
	if got := Required(PassThrough, media.CodecAAC, media.FormatADTS); got != media.FormatADTS {
		t.Errorf("pass-through aac: got %s, want adts", got)
	}
}

func TestLengthPrefixedToAnnexB(t *testing.T) {
	t.Parallel()

	out, err := LengthPrefixedToAnnexB(lengthPrefixed(testSPS, testIDR))
	if err != nil {
		t.Fatalf("LengthPrefixedToAnnexB: %v", err)
	}
	if want := annexB(testSPS, testIDR); !bytes.Equal(out, want) {
		t.Errorf("got %x, want %x", out, want)
	}
}

func TestSplitADTS(t *testing.T) {
	t.Parallel()

	in := append(adtsFrame([]byte{0xaa, 0xbb}), adtsFrame([]byte{0xcc})...)
	aus, err := SplitADTS(in)
	if err != nil {
		t.Fatalf("SplitADTS: %v", err)
	}
	if len(aus) != 2 {
		t.Fatalf("got %d access units, want 2", len(aus))
	}
	if !bytes.Equal(aus[0], []byte{0xaa, 0xbb}) || !bytes.Equal(aus[1], []byte{0xcc}) {
		t.Errorf("got %x, want [aabb cc]", aus)
	}
}
