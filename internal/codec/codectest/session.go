// Package codectest provides a scripted in-memory codec.Session for tests.
// Every queued frame becomes one encoded sample; the first one is preceded
// by a format change and a codec-config buffer, like a hardware encoder.
package codectest

import (
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/babelcloud/gbox/packages/recorder/internal/avc"
	"github.com/babelcloud/gbox/packages/recorder/internal/codec"
	"github.com/babelcloud/gbox/packages/recorder/internal/media"
)

// Sample NAL units, reused from real encoder output.
var (
	SPS    = []byte{0x67, 0x42, 0xc0, 0x28, 0xd9, 0x00, 0x78, 0x02, 0x27, 0xe5, 0x84, 0x00, 0x00, 0x03, 0x00, 0x04, 0x00, 0x00, 0x03, 0x00, 0xf0, 0x3c, 0x60, 0xc9, 0x20}
	PPS    = []byte{0x68, 0xce, 0x38, 0x80}
	IDR    = []byte{0x65, 0x88, 0x84, 0x00, 0x10}
	PFrame = []byte{0x41, 0x9a, 0x24, 0x8c, 0x09}
	AAC    = []byte{0x21, 0x10, 0x04, 0x60, 0x8c, 0x1c}
	aud    = []byte{0x09, 0xf0}
)

// Input records one QueueInput call.
type Input struct {
	PtsUs int64
	Size  int
	Flags codec.BufferFlag
}

// Session implements codec.Session. Exported fields may be set before use
// or, under Lock, while running.
type Session struct {
	sync.Mutex

	name   string
	format *codec.Format

	// RejectInputs makes the next N DequeueInput calls report no free slot.
	RejectInputs int
	// NeverEnd swallows the end-of-stream input without producing output.
	NeverEnd bool
	// ChangeFormatAgain emits a second format change after the Nth sample.
	ChangeFormatAgain int
	// GOP is the key frame interval for video sessions.
	GOP int
	// QueueErr is returned by QueueInput when set.
	QueueErr error
	// HoldOutputs keeps produced outputs invisible until set back to false.
	HoldOutputs bool
	// HoldUntilEndOfStream keeps produced outputs invisible until the
	// end-of-stream input is queued, like an encoder with a deep lookahead.
	HoldUntilEndOfStream bool

	slotSize   int
	slotBusy   bool
	inputs     []Input
	outputs    []codec.Output
	pending    map[int][]byte
	nextIndex  int
	produced   int
	sawEOS     bool
	released   bool
	releases   int
	dequeueIns int
}

// NewVideo returns a session that emits H.264 access units for format f.
func NewVideo(f *codec.Format) *Session {
	if f == nil {
		f = VideoFormat(640, 480)
	}
	return &Session{name: "fake-video", format: f, GOP: 30, slotSize: 1 << 22, pending: map[int][]byte{}}
}

// NewAudio returns a session that emits AAC access units for format f.
func NewAudio(f *codec.Format) *Session {
	if f == nil {
		f = AudioFormat(44100, 2)
	}
	return &Session{name: "fake-audio", format: f, slotSize: 1 << 20, pending: map[int][]byte{}}
}

// VideoFormat returns an H.264 output format with test parameter sets.
func VideoFormat(width, height int) *codec.Format {
	return &codec.Format{
		Kind:           media.KindVideo,
		MIME:           codec.MIMEVideoAVC,
		Width:          width,
		Height:         height,
		PixelFormat:    media.FormatYUV420P,
		FrameRate:      30,
		IFrameInterval: 5,
		BitRate:        1_000_000,
		SPS:            SPS,
		PPS:            PPS,
	}
}

// AudioFormat returns an AAC-LC output format.
func AudioFormat(sampleRate, channels int) *codec.Format {
	return &codec.Format{
		Kind:         media.KindAudio,
		MIME:         codec.MIMEAudioAAC,
		SampleRate:   sampleRate,
		ChannelCount: channels,
		BitRate:      128_000,
		AudioConfig:  codec.NewAACConfig(sampleRate, channels),
	}
}

func (s *Session) Name() string { return s.name }

func (s *Session) DequeueInput(_ time.Duration) (*codec.InputSlot, error) {
	s.Lock()
	defer s.Unlock()
	if s.released {
		return nil, codec.ErrSessionReleased
	}
	s.dequeueIns++
	if s.RejectInputs > 0 {
		s.RejectInputs--
		return nil, nil
	}
	if s.slotBusy {
		return nil, nil
	}
	s.slotBusy = true
	return &codec.InputSlot{Index: 0, Buf: make([]byte, s.slotSize)}, nil
}

func (s *Session) QueueInput(slot *codec.InputSlot, size int, ptsUs int64, flags codec.BufferFlag) error {
	s.Lock()
	defer s.Unlock()
	if s.released {
		return codec.ErrSessionReleased
	}
	if slot == nil || !s.slotBusy {
		return codec.ErrUnknownSlot
	}
	s.slotBusy = false
	if s.QueueErr != nil {
		return s.QueueErr
	}
	if size > len(slot.Buf) {
		return codec.ErrInputTooLarge
	}
	s.inputs = append(s.inputs, Input{PtsUs: ptsUs, Size: size, Flags: flags})

	if flags.Has(codec.FlagEndOfStream) {
		s.sawEOS = true
		if !s.NeverEnd {
			s.push(codec.Output{Status: codec.Buffer, Info: codec.BufferInfo{PresentationTimeUs: ptsUs, Flags: codec.FlagEndOfStream}})
		}
		return nil
	}

	if s.produced == 0 {
		s.push(codec.Output{Status: codec.FormatChanged, Format: s.format})
		if s.format.Kind == media.KindVideo {
			cfg := avc.JoinAnnexB([][]byte{SPS, PPS})
			s.push(codec.Output{Status: codec.Buffer, Data: cfg, Info: codec.BufferInfo{Size: len(cfg), PresentationTimeUs: ptsUs, Flags: codec.FlagCodecConfig}})
		}
	}
	if s.ChangeFormatAgain > 0 && s.produced == s.ChangeFormatAgain {
		s.push(codec.Output{Status: codec.FormatChanged, Format: s.format})
	}

	var data []byte
	var outFlags codec.BufferFlag
	if s.format.Kind == media.KindVideo {
		gop := s.GOP
		if gop <= 0 {
			gop = 1
		}
		if s.produced%gop == 0 {
			data = avc.JoinAnnexB([][]byte{aud, IDR})
			outFlags = codec.FlagKeyFrame
		} else {
			data = avc.JoinAnnexB([][]byte{aud, PFrame})
		}
	} else {
		data = append([]byte(nil), AAC...)
		outFlags = codec.FlagKeyFrame
	}
	s.produced++
	s.push(codec.Output{Status: codec.Buffer, Data: data, Info: codec.BufferInfo{Size: len(data), PresentationTimeUs: ptsUs, Flags: outFlags}})
	return nil
}

func (s *Session) push(o codec.Output) {
	if o.Status == codec.Buffer {
		o.Index = s.nextIndex
		s.nextIndex++
	}
	s.outputs = append(s.outputs, o)
}

func (s *Session) DequeueOutput(_ time.Duration) (codec.Output, error) {
	s.Lock()
	defer s.Unlock()
	if s.released {
		return codec.Output{}, codec.ErrSessionReleased
	}
	if s.HoldOutputs || (s.HoldUntilEndOfStream && !s.sawEOS) || len(s.outputs) == 0 {
		return codec.Output{Status: codec.TryAgainLater}, nil
	}
	o := s.outputs[0]
	s.outputs = s.outputs[1:]
	if o.Status == codec.Buffer {
		s.pending[o.Index] = o.Data
	}
	return o, nil
}

func (s *Session) ReleaseOutput(index int) error {
	s.Lock()
	defer s.Unlock()
	if _, ok := s.pending[index]; !ok {
		return errors.Wrapf(codec.ErrUnknownOutput, "index %d", index)
	}
	delete(s.pending, index)
	return nil
}

func (s *Session) Release() error {
	s.Lock()
	defer s.Unlock()
	s.releases++
	s.released = true
	return nil
}

// Inputs returns a copy of every queued input.
func (s *Session) Inputs() []Input {
	s.Lock()
	defer s.Unlock()
	return append([]Input(nil), s.inputs...)
}

// EndOfStreamInputs counts queued inputs carrying the end-of-stream flag.
func (s *Session) EndOfStreamInputs() int {
	n := 0
	for _, in := range s.Inputs() {
		if in.Flags.Has(codec.FlagEndOfStream) {
			n++
		}
	}
	return n
}

// DequeueInputCalls counts DequeueInput attempts.
func (s *Session) DequeueInputCalls() int {
	s.Lock()
	defer s.Unlock()
	return s.dequeueIns
}

// Releases counts Release calls.
func (s *Session) Releases() int {
	s.Lock()
	defer s.Unlock()
	return s.releases
}

// Unreleased counts dequeued buffers not yet handed back.
func (s *Session) Unreleased() int {
	s.Lock()
	defer s.Unlock()
	return len(s.pending)
}

// Queued counts outputs not yet dequeued.
func (s *Session) Queued() int {
	s.Lock()
	defer s.Unlock()
	return len(s.outputs)
}
