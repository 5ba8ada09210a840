package bitstream

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"

	"github.com/zsiec/pushmux/media"
)

// BuildAVCDecoderConfig builds an AVCDecoderConfigurationRecord
// (ISO 14496-15 5.2.4.1.1) from SPS and PPS NAL units without start codes.
// The record declares 4-byte NAL lengths.
func BuildAVCDecoderConfig(sps, pps []byte) ([]byte, error) {
	if len(sps) < 4 || len(pps) == 0 {
		return nil, fmt.Errorf("%w: avc parameter sets missing", ErrMalformed)
	}

	buf := make([]byte, 0, 11+len(sps)+len(pps))
	buf = append(buf,
		1,      // configurationVersion
		sps[1], // AVCProfileIndication
		sps[2], // profile_compatibility
		sps[3], // AVCLevelIndication
		0xFF,   // reserved | lengthSizeMinusOne = 3
		0xE1,   // reserved | numOfSequenceParameterSets = 1
	)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(sps)))
	buf = append(buf, sps...)
	buf = append(buf, 1) // numOfPictureParameterSets
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(pps)))
	buf = append(buf, pps...)
	return buf, nil
}

// ParseAVCDecoderConfig extracts the first SPS and PPS from track extradata.
// Both an AVCDecoderConfigurationRecord and Annex-B parameter sets are
// accepted.
func ParseAVCDecoderConfig(extradata []byte) (sps, pps []byte, err error) {
	if isAnnexB(extradata) {
		nalus, err := SplitAnnexB(extradata)
		if err != nil {
			return nil, nil, err
		}
		for _, n := range nalus {
			switch h264.NALUType(n[0] & 0x1F) {
			case h264.NALUTypeSPS:
				if sps == nil {
					sps = n
				}
			case h264.NALUTypePPS:
				if pps == nil {
					pps = n
				}
			}
		}
		if sps == nil || pps == nil {
			return nil, nil, fmt.Errorf("%w: annex-b extradata lacks sps or pps", ErrMalformed)
		}
		return sps, pps, nil
	}

	if len(extradata) < 7 || extradata[0] != 1 {
		return nil, nil, fmt.Errorf("%w: avc decoder configuration record", ErrMalformed)
	}
	r := recordReader{buf: extradata, pos: 5}
	numSPS := int(r.u8() & 0x1F)
	for i := 0; i < numSPS; i++ {
		n := r.chunk16()
		if i == 0 {
			sps = n
		}
	}
	numPPS := int(r.u8())
	for i := 0; i < numPPS; i++ {
		n := r.chunk16()
		if i == 0 {
			pps = n
		}
	}
	if r.err || sps == nil || pps == nil {
		return nil, nil, fmt.Errorf("%w: avc decoder configuration record", ErrMalformed)
	}
	return sps, pps, nil
}

// BuildHEVCDecoderConfig builds an HEVCDecoderConfigurationRecord
// (ISO 14496-15 8.3.3.1.2) from VPS, SPS and PPS NAL units without start
// codes. Profile, tier, level, chroma format and bit depths come from the SPS.
func BuildHEVCDecoderConfig(vps, sps, pps []byte) ([]byte, error) {
	if len(vps) == 0 || len(sps) < 4 || len(pps) == 0 {
		return nil, fmt.Errorf("%w: hevc parameter sets missing", ErrMalformed)
	}
	info, err := ParseHEVCSPS(sps)
	if err != nil {
		return nil, err
	}
	ptl := info.ProfileTierLevel

	buf := make([]byte, 0, 23+3*5+len(vps)+len(sps)+len(pps))
	buf = append(buf, 1) // configurationVersion
	buf = append(buf, ptl.GeneralProfileSpace<<6|ptl.GeneralTierFlag<<5|ptl.GeneralProfileIdc)
	buf = binary.BigEndian.AppendUint32(buf, info.CompatibilityFlags())
	buf = append(buf, info.ConstraintIndicator[:]...)
	buf = append(buf, ptl.GeneralLevelIdc)
	// reserved | min_spatial_segmentation_idc, reserved | parallelismType
	buf = append(buf, 0xF0, 0x00, 0xFC)
	// reserved | chromaFormat, bitDepthLumaMinus8, bitDepthChromaMinus8
	buf = append(buf,
		0xFC|byte(info.ChromaFormatIdc)&0x03,
		0xF8|byte(info.BitDepthLumaMinus8)&0x07,
		0xF8|byte(info.BitDepthChromaMinus8)&0x07)
	// avgFrameRate
	buf = append(buf, 0x00, 0x00)
	// constantFrameRate 0, numTemporalLayers 1, temporalIdNested 1,
	// lengthSizeMinusOne 3
	buf = append(buf, 0x0F)
	// numOfArrays
	buf = append(buf, 3)
	for _, arr := range []struct {
		typ  byte
		nalu []byte
	}{{HEVCNALVPS, vps}, {HEVCNALSPS, sps}, {HEVCNALPPS, pps}} {
		buf = append(buf, arr.typ, 0x00, 0x01)
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(arr.nalu)))
		buf = append(buf, arr.nalu...)
	}
	return buf, nil
}

// ParseHEVCDecoderConfig extracts the first VPS, SPS and PPS from track
// extradata, accepting an HEVCDecoderConfigurationRecord or Annex-B
// parameter sets.
func ParseHEVCDecoderConfig(extradata []byte) (vps, sps, pps []byte, err error) {
	pick := func(typ byte, n []byte) {
		switch typ {
		case HEVCNALVPS:
			if vps == nil {
				vps = n
			}
		case HEVCNALSPS:
			if sps == nil {
				sps = n
			}
		case HEVCNALPPS:
			if pps == nil {
				pps = n
			}
		}
	}

	if isAnnexB(extradata) {
		nalus, err := SplitAnnexB(extradata)
		if err != nil {
			return nil, nil, nil, err
		}
		for _, n := range nalus {
			if len(n) >= 2 {
				pick(HEVCNALType(n[0]), n)
			}
		}
	} else {
		if len(extradata) < 23 || extradata[0] != 1 {
			return nil, nil, nil, fmt.Errorf("%w: hevc decoder configuration record", ErrMalformed)
		}
		r := recordReader{buf: extradata, pos: 22}
		arrays := int(r.u8())
		for i := 0; i < arrays && !r.err; i++ {
			typ := r.u8() & 0x3F
			count := int(r.u16())
			for j := 0; j < count && !r.err; j++ {
				pick(typ, r.chunk16())
			}
		}
		if r.err {
			return nil, nil, nil, fmt.Errorf("%w: hevc decoder configuration record", ErrMalformed)
		}
	}
	if vps == nil || sps == nil || pps == nil {
		return nil, nil, nil, fmt.Errorf("%w: hevc extradata lacks vps, sps or pps", ErrMalformed)
	}
	return vps, sps, pps, nil
}

// ParseAudioSpecificConfig decodes an MPEG-4 AudioSpecificConfig.
func ParseAudioSpecificConfig(extradata []byte) (*mpeg4audio.AudioSpecificConfig, error) {
	var conf mpeg4audio.AudioSpecificConfig
	if err := conf.Unmarshal(extradata); err != nil {
		return nil, fmt.Errorf("%w: audio specific config: %v", ErrMalformed, err)
	}
	return &conf, nil
}

// BuildAudioSpecificConfig encodes an AAC-LC AudioSpecificConfig for the
// given sample rate and channel count.
func BuildAudioSpecificConfig(sampleRate, channels int) ([]byte, error) {
	conf := mpeg4audio.AudioSpecificConfig{
		Type:         mpeg4audio.ObjectTypeAACLC,
		SampleRate:   sampleRate,
		ChannelCount: channels,
	}
	buf, err := conf.Marshal()
	if err != nil {
		return nil, fmt.Errorf("%w: audio specific config: %v", ErrMalformed, err)
	}
	return buf, nil
}

func isAnnexB(b []byte) bool {
	return bytes.HasPrefix(b, []byte{0, 0, 1}) || bytes.HasPrefix(b, []byte{0, 0, 0, 1})
}

// recordReader walks a configuration record, latching err on overrun.
type recordReader struct {
	buf []byte
	pos int
	err bool
}

func (r *recordReader) u8() byte {
	if r.pos >= len(r.buf) {
		r.err = true
		return 0
	}
	b := r.buf[r.pos]
	r.pos++
	return b
}

func (r *recordReader) u16() uint16 {
	if r.pos+2 > len(r.buf) {
		r.err = true
		return 0
	}
	v := binary.BigEndian.Uint16(r.buf[r.pos:])
	r.pos += 2
	return v
}

func (r *recordReader) chunk16() []byte {
	n := int(r.u16())
	if r.err || r.pos+n > len(r.buf) {
		r.err = true
		return nil
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b
}

// ConfigFromParameterSets builds a decoder configuration record from the
// parameter sets carried in-band in a video payload. It returns nil and no
// error when the payload does not hold a complete set.
func ConfigFromParameterSets(codec media.Codec, f media.BitstreamFormat, payload []byte) ([]byte, error) {
	nalus, err := SplitNALUs(f, payload)
	if err != nil {
		return nil, err
	}

	switch codec {
	case media.CodecH264:
		var sps, pps []byte
		for _, n := range nalus {
			if len(n) == 0 {
				continue
			}
			switch h264.NALUType(n[0] & 0x1F) {
			case h264.NALUTypeSPS:
				sps = n
			case h264.NALUTypePPS:
				pps = n
			}
		}
		if sps == nil || pps == nil {
			return nil, nil
		}
		return BuildAVCDecoderConfig(sps, pps)
	case media.CodecH265:
		var vps, sps, pps []byte
		for _, n := range nalus {
			if len(n) == 0 {
				continue
			}
			switch HEVCNALType(n[0]) {
			case HEVCNALVPS:
				vps = n
			case HEVCNALSPS:
				sps = n
			case HEVCNALPPS:
				pps = n
			}
		}
		if vps == nil || sps == nil || pps == nil {
			return nil, nil
		}
		return BuildHEVCDecoderConfig(vps, sps, pps)
	default:
		return nil, nil
	}
}
