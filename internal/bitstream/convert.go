package bitstream

import (
	"errors"
	"fmt"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"

	"github.com/zsiec/pushmux/media"
)

// ErrMalformed is returned when a payload does not parse as the framing its
// tag claims.
var ErrMalformed = errors.New("bitstream: malformed payload")

// AnnexBToLengthPrefixed converts a start-code delimited access unit into
// 4-byte length prefixed NAL units. Works for both H.264 and H.265.
func AnnexBToLengthPrefixed(payload []byte) ([]byte, error) {
	nalus, err := SplitAnnexB(payload)
	if err != nil {
		return nil, err
	}
	out, err := h264.AVCC(nalus).Marshal()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return out, nil
}

// LengthPrefixedToAnnexB converts 4-byte length prefixed NAL units into a
// start-code delimited access unit.
func LengthPrefixedToAnnexB(payload []byte) ([]byte, error) {
	nalus, err := SplitLengthPrefixed(payload)
	if err != nil {
		return nil, err
	}
	out, err := h264.AnnexB(nalus).Marshal()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return out, nil
}

// SplitAnnexB returns the NAL units of an Annex-B access unit without their
// start codes. The returned slices alias payload.
func SplitAnnexB(payload []byte) ([][]byte, error) {
	var au h264.AnnexB
	if err := au.Unmarshal(payload); err != nil {
		return nil, fmt.Errorf("%w: annex-b: %v", ErrMalformed, err)
	}
	return au, nil
}

// SplitLengthPrefixed returns the NAL units of a 4-byte length prefixed
// access unit. The returned slices alias payload.
func SplitLengthPrefixed(payload []byte) ([][]byte, error) {
	var au h264.AVCC
	if err := au.Unmarshal(payload); err != nil {
		return nil, fmt.Errorf("%w: length-prefixed: %v", ErrMalformed, err)
	}
	return au, nil
}

// SplitADTS returns the raw access units of an ADTS stream. The returned
// slices alias payload.
func SplitADTS(payload []byte) ([][]byte, error) {
	var pkts mpeg4audio.ADTSPackets
	if err := pkts.Unmarshal(payload); err != nil {
		return nil, fmt.Errorf("%w: adts: %v", ErrMalformed, err)
	}
	aus := make([][]byte, len(pkts))
	for i, p := range pkts {
		aus[i] = p.AU
	}
	return aus, nil
}

// ADTSToRaw strips the ADTS header from a single ADTS frame. A payload that
// holds more than one frame cannot be expressed as one raw access unit and
// is rejected.
func ADTSToRaw(payload []byte) ([]byte, error) {
	aus, err := SplitADTS(payload)
	if err != nil {
		return nil, err
	}
	if len(aus) != 1 {
		return nil, fmt.Errorf("%w: adts payload holds %d frames, want 1", ErrMalformed, len(aus))
	}
	return aus[0], nil
}

// SplitNALUs splits a video payload into NAL units according to its
// framing. Anything other than length-prefixed input is treated as Annex-B.
func SplitNALUs(f media.BitstreamFormat, payload []byte) ([][]byte, error) {
	if f == media.FormatLengthPrefixed {
		return SplitLengthPrefixed(payload)
	}
	return SplitAnnexB(payload)
}
