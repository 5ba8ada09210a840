package bitstream

import (
	"fmt"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h265"
)

// H.265 NAL unit types used when building and parsing configuration records.
const (
	HEVCNALVPS = byte(h265.NALUType_VPS_NUT)
	HEVCNALSPS = byte(h265.NALUType_SPS_NUT)
	HEVCNALPPS = byte(h265.NALUType_PPS_NUT)
)

// HEVCNALType extracts the NAL unit type from the first HEVC header byte.
func HEVCNALType(firstByte byte) byte {
	return (firstByte >> 1) & 0x3F
}

// IsHEVCRandomAccess reports whether the NAL type is a BLA, IDR or CRA picture.
func IsHEVCRandomAccess(nalType byte) bool {
	return nalType >= 16 && nalType <= 21
}

// HEVCSPS is a decoded sequence parameter set plus the raw
// general_constraint_indicator_flags, which h265.SPS only exposes
// partially.
type HEVCSPS struct {
	h265.SPS
	ConstraintIndicator [6]byte
}

// ParseHEVCSPS decodes an SPS NAL unit without start code.
func ParseHEVCSPS(nalu []byte) (*HEVCSPS, error) {
	var s HEVCSPS
	if err := s.SPS.Unmarshal(nalu); err != nil {
		return nil, fmt.Errorf("%w: hevc sps: %v", ErrMalformed, err)
	}
	// NAL header (2), vps/sub-layer byte (1), profile byte (1),
	// compatibility flags (4), then six constraint bytes.
	rbsp := h264.EmulationPreventionRemove(nalu)
	if len(rbsp) < 14 {
		return nil, fmt.Errorf("%w: hevc sps truncated", ErrMalformed)
	}
	copy(s.ConstraintIndicator[:], rbsp[8:14])
	return &s, nil
}

// CompatibilityFlags packs general_profile_compatibility_flag[0..31] with
// flag 0 in the most significant bit.
func (s *HEVCSPS) CompatibilityFlags() uint32 {
	var v uint32
	for i, f := range s.ProfileTierLevel.GeneralProfileCompatibilityFlag {
		if f {
			v |= 1 << (31 - i)
		}
	}
	return v
}
