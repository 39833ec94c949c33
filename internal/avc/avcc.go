package avc

import (
	"encoding/binary"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/pkg/errors"
)

// ToAVCC converts NAL units of one access unit to length-prefixed form.
// Delimiters and parameter sets are dropped since containers carry the
// parameter sets in their track headers.
func ToAVCC(nalus [][]byte) ([]byte, error) {
	kept := make(h264.AVCC, 0, len(nalus))
	for _, nalu := range nalus {
		if keepInSample(nalu) {
			kept = append(kept, nalu)
		}
	}
	if len(kept) == 0 {
		return nil, nil
	}
	return kept.Marshal()
}

func keepInSample(nalu []byte) bool {
	if len(nalu) == 0 {
		return false
	}
	switch Type(nalu) {
	case h264.NALUTypeAccessUnitDelimiter, h264.NALUTypeSPS, h264.NALUTypePPS:
		return false
	}
	return true
}

// AnnexBToAVCC is SplitAnnexB followed by ToAVCC.
func AnnexBToAVCC(au []byte) ([]byte, error) {
	nalus, err := SplitAnnexB(au)
	if err != nil {
		return nil, err
	}
	return ToAVCC(nalus)
}

// AVCCToNALUs splits a length-prefixed buffer back into NAL units.
func AVCCToNALUs(data []byte) ([][]byte, error) {
	var nalus h264.AVCC
	if err := nalus.Unmarshal(data); err != nil {
		return nil, errors.Wrap(err, "unmarshal avcc")
	}
	return nalus, nil
}

// DecoderConfig builds an AVCDecoderConfigurationRecord (avcC) with
// 4-byte NAL length fields.
func DecoderConfig(sps, pps []byte) ([]byte, error) {
	if len(sps) < 4 {
		return nil, errors.New("sps too short")
	}
	if len(pps) == 0 {
		return nil, errors.New("missing pps")
	}
	out := make([]byte, 0, 11+len(sps)+len(pps))
	out = append(out,
		1,      // configurationVersion
		sps[1], // AVCProfileIndication
		sps[2], // profile_compatibility
		sps[3], // AVCLevelIndication
		0xFF,   // lengthSizeMinusOne = 3
		0xE1,   // one SPS
	)
	out = binary.BigEndian.AppendUint16(out, uint16(len(sps)))
	out = append(out, sps...)
	out = append(out, 1) // one PPS
	out = binary.BigEndian.AppendUint16(out, uint16(len(pps)))
	out = append(out, pps...)
	return out, nil
}
