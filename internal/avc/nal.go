// Package avc holds the H.264 and AAC bitstream helpers shared by the
// ffmpeg session and the container writers.
package avc

import (
	"bytes"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/pkg/errors"
)

var (
	startCode3 = []byte{0x00, 0x00, 0x01}
	startCode4 = []byte{0x00, 0x00, 0x00, 0x01}
)

// Type returns the NAL unit type of a NAL unit without start code.
func Type(nalu []byte) h264.NALUType {
	if len(nalu) == 0 {
		return 0
	}
	return h264.NALUType(nalu[0] & 0x1F)
}

// SplitAnnexB parses an Annex-B access unit into NAL units.
func SplitAnnexB(au []byte) ([][]byte, error) {
	var annexB h264.AnnexB
	if err := annexB.Unmarshal(au); err != nil {
		return nil, errors.Wrap(err, "unmarshal annex-b")
	}
	return [][]byte(annexB), nil
}

// JoinAnnexB is the inverse of SplitAnnexB, using 4-byte start codes.
func JoinAnnexB(nalus [][]byte) []byte {
	n := 0
	for _, nalu := range nalus {
		n += 4 + len(nalu)
	}
	out := make([]byte, 0, n)
	for _, nalu := range nalus {
		out = append(out, startCode4...)
		out = append(out, nalu...)
	}
	return out
}

// ParameterSets returns the first SPS and PPS found in nalus.
func ParameterSets(nalus [][]byte) (sps, pps []byte) {
	for _, nalu := range nalus {
		switch Type(nalu) {
		case h264.NALUTypeSPS:
			if sps == nil {
				sps = nalu
			}
		case h264.NALUTypePPS:
			if pps == nil {
				pps = nalu
			}
		}
	}
	return sps, pps
}

// ContainsIDR reports whether the access unit is a random access point.
func ContainsIDR(nalus [][]byte) bool {
	for _, nalu := range nalus {
		if Type(nalu) == h264.NALUTypeIDR {
			return true
		}
	}
	return false
}

// isAUDAt reports whether the bytes at p begin an access unit delimiter,
// with p pointing at a 3-byte start code.
func isAUDAt(data []byte, p int) bool {
	return p+3 < len(data) && bytes.Equal(data[p:p+3], startCode3) && data[p+3]&0x1F == byte(h264.NALUTypeAccessUnitDelimiter)
}
