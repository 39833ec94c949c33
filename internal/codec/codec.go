// Package codec defines the poll-based compression session the track
// encoders drive. A session exposes a pool of input slots and a queue of
// outputs; both are polled with a bounded timeout.
package codec

import (
	"fmt"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
	"github.com/pkg/errors"

	"github.com/babelcloud/gbox/packages/recorder/internal/media"
)

const (
	MIMEVideoAVC = "video/avc"
	MIMEAudioAAC = "audio/mp4a-latm"
)

// BufferFlag annotates a queued input or a produced output.
type BufferFlag int

const (
	FlagKeyFrame BufferFlag = 1 << iota
	FlagCodecConfig
	FlagEndOfStream
)

func (f BufferFlag) Has(flag BufferFlag) bool { return f&flag != 0 }

// BufferInfo describes the valid region of an output payload.
type BufferInfo struct {
	Offset             int
	Size               int
	PresentationTimeUs int64
	Flags              BufferFlag
}

// OutputStatus is the result kind of DequeueOutput.
type OutputStatus int

const (
	// TryAgainLater means nothing was available within the timeout.
	TryAgainLater OutputStatus = iota
	// FormatChanged carries the session's output format in Output.Format.
	FormatChanged
	// Buffer carries an encoded sample that must be released after use.
	Buffer
)

func (s OutputStatus) String() string {
	switch s {
	case TryAgainLater:
		return "try-again-later"
	case FormatChanged:
		return "format-changed"
	case Buffer:
		return "buffer"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Output is one dequeued result.
type Output struct {
	Status OutputStatus
	Index  int
	Data   []byte
	Info   BufferInfo
	Format *Format
}

// InputSlot is a writable input buffer owned by the caller until queued.
type InputSlot struct {
	Index int
	Buf   []byte
}

var (
	ErrSessionReleased = errors.New("session released")
	ErrInputTooLarge   = errors.New("input larger than slot")
	ErrUnknownSlot     = errors.New("unknown input slot")
	ErrUnknownOutput   = errors.New("unknown output index")
)

// Session is a single compression stream.
type Session interface {
	Name() string
	// DequeueInput waits up to timeout for a free slot. It returns nil, nil
	// when none became available.
	DequeueInput(timeout time.Duration) (*InputSlot, error)
	QueueInput(slot *InputSlot, size int, ptsUs int64, flags BufferFlag) error
	DequeueOutput(timeout time.Duration) (Output, error)
	ReleaseOutput(index int) error
	Release() error
}

// Factory creates sessions for raw stream parameters.
type Factory interface {
	NewVideoSession(p media.VideoParams) (Session, error)
	NewAudioSession(p media.AudioParams) (Session, error)
}

// Format is the encoded stream description a session reports once.
type Format struct {
	Kind           media.Kind
	MIME           string
	Width          int
	Height         int
	PixelFormat    media.PixelFormat
	FrameRate      int
	IFrameInterval int
	SampleRate     int
	ChannelCount   int
	BitRate        int

	// SPS and PPS are set for H.264 once the first parameter sets are seen.
	SPS []byte
	PPS []byte
	// AudioConfig is set for AAC.
	AudioConfig *mpeg4audio.AudioSpecificConfig
}

func (f *Format) String() string {
	if f == nil {
		return "<nil>"
	}
	if f.Kind == media.KindVideo {
		return fmt.Sprintf("%s %dx%d@%d", f.MIME, f.Width, f.Height, f.FrameRate)
	}
	return fmt.Sprintf("%s %dHz/%dch", f.MIME, f.SampleRate, f.ChannelCount)
}

// Validate checks that a format carries what a container needs.
func (f *Format) Validate() error {
	if f == nil {
		return errors.New("nil format")
	}
	switch f.Kind {
	case media.KindVideo:
		if f.MIME != MIMEVideoAVC {
			return errors.Errorf("unsupported video mime %q", f.MIME)
		}
		if len(f.SPS) == 0 || len(f.PPS) == 0 {
			return errors.New("video format without parameter sets")
		}
		if f.Width <= 0 || f.Height <= 0 {
			return errors.Errorf("invalid video size %dx%d", f.Width, f.Height)
		}
	case media.KindAudio:
		if f.MIME != MIMEAudioAAC {
			return errors.Errorf("unsupported audio mime %q", f.MIME)
		}
		if f.AudioConfig == nil {
			return errors.New("audio format without AudioSpecificConfig")
		}
		if f.SampleRate <= 0 || f.ChannelCount <= 0 {
			return errors.Errorf("invalid audio params %dHz/%dch", f.SampleRate, f.ChannelCount)
		}
	default:
		return errors.Errorf("unknown kind %v", f.Kind)
	}
	return nil
}

// NewAACConfig returns an AAC-LC AudioSpecificConfig.
func NewAACConfig(sampleRate, channels int) *mpeg4audio.AudioSpecificConfig {
	return &mpeg4audio.AudioSpecificConfig{
		Type:         2, // AAC-LC
		SampleRate:   sampleRate,
		ChannelCount: channels,
	}
}
