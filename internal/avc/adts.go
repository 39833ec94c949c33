package avc

import "github.com/pkg/errors"

// ADTSHeader is the part of an ADTS header the recorder needs.
type ADTSHeader struct {
	HeaderLen   int
	FrameLen    int
	SampleRate  int
	ChannelConf int
}

var adtsSampleRates = []int{
	96000, 88200, 64000, 48000, 44100, 32000, 24000, 22050,
	16000, 12000, 11025, 8000, 7350,
}

// ErrShortADTS means more bytes are needed to parse the next frame.
var ErrShortADTS = errors.New("incomplete adts frame")

// ParseADTSHeader parses the header at the start of data.
func ParseADTSHeader(data []byte) (ADTSHeader, error) {
	if len(data) < 7 {
		return ADTSHeader{}, ErrShortADTS
	}
	// 12-bit syncword 0xFFF
	if data[0] != 0xFF || data[1]&0xF0 != 0xF0 {
		return ADTSHeader{}, errors.New("missing adts syncword")
	}
	h := ADTSHeader{HeaderLen: 7}
	if data[1]&0x01 == 0 { // CRC present
		h.HeaderLen = 9
	}
	srIndex := int(data[2]>>2) & 0x0F
	if srIndex >= len(adtsSampleRates) {
		return ADTSHeader{}, errors.Errorf("invalid adts sample rate index %d", srIndex)
	}
	h.SampleRate = adtsSampleRates[srIndex]
	h.ChannelConf = int(data[2]&0x01)<<2 | int(data[3]>>6)
	h.FrameLen = int(data[3]&0x03)<<11 | int(data[4])<<3 | int(data[5]>>5)
	if h.FrameLen < h.HeaderLen {
		return ADTSHeader{}, errors.Errorf("invalid adts frame length %d", h.FrameLen)
	}
	return h, nil
}

// ADTSSplitter cuts an ADTS byte stream into raw AAC access units.
type ADTSSplitter struct {
	buf []byte
}

// Push appends stream bytes and returns the raw access units completed by them.
func (s *ADTSSplitter) Push(data []byte) ([][]byte, error) {
	s.buf = append(s.buf, data...)
	var aus [][]byte
	for {
		h, err := ParseADTSHeader(s.buf)
		if errors.Is(err, ErrShortADTS) {
			return aus, nil
		}
		if err != nil {
			return aus, err
		}
		if len(s.buf) < h.FrameLen {
			return aus, nil
		}
		aus = append(aus, append([]byte(nil), s.buf[h.HeaderLen:h.FrameLen]...))
		s.buf = s.buf[h.FrameLen:]
	}
}

// Pending returns the number of buffered bytes not yet forming a frame.
func (s *ADTSSplitter) Pending() int { return len(s.buf) }

// ADTSFrame wraps a raw access unit in a 7-byte ADTS header. AAC-LC only.
func ADTSFrame(au []byte, sampleRate, channels int) ([]byte, error) {
	srIndex := -1
	for i, sr := range adtsSampleRates {
		if sr == sampleRate {
			srIndex = i
			break
		}
	}
	if srIndex < 0 {
		return nil, errors.Errorf("unsupported sample rate %d", sampleRate)
	}
	frameLen := 7 + len(au)
	out := make([]byte, 7, frameLen)
	out[0] = 0xFF
	out[1] = 0xF1 // MPEG-4, layer 0, no CRC
	out[2] = byte(1<<6) | byte(srIndex<<2) | byte(channels>>2&0x01)
	out[3] = byte(channels&0x03)<<6 | byte(frameLen>>11&0x03)
	out[4] = byte(frameLen >> 3)
	out[5] = byte(frameLen&0x07)<<5 | 0x1F
	out[6] = 0xFC
	return append(out, au...), nil
}
