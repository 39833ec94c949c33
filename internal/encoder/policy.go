package encoder

import (
	"github.com/pkg/errors"

	"github.com/babelcloud/gbox/packages/recorder/internal/media"
)

// Policy carries what differs between the video and audio encoders.
type Policy interface {
	Kind() media.Kind
	// EndOfStreamTimestamp returns where the stream ends given the last
	// committed input.
	EndOfStreamTimestamp(lastPtsUs int64, lastSize int) int64
	// ValidateInput rejects raw buffers the session cannot take.
	ValidateInput(size int) error
}

type videoPolicy struct {
	params    media.VideoParams
	frameSize int
}

// VideoPolicy validates the raw stream parameters and returns its policy.
func VideoPolicy(p media.VideoParams) (Policy, error) {
	if p.Width <= 0 || p.Height <= 0 || p.Width%2 != 0 || p.Height%2 != 0 {
		return nil, errors.Errorf("video size %dx%d must be positive and even", p.Width, p.Height)
	}
	if !p.Format.Valid() {
		return nil, errors.Wrapf(media.ErrUnsupportedPixelFormat, "%v", p.Format)
	}
	size, err := p.Format.FrameSize(p.Width, p.Height)
	if err != nil {
		return nil, err
	}
	return &videoPolicy{params: p, frameSize: size}, nil
}

func (p *videoPolicy) Kind() media.Kind { return media.KindVideo }

func (p *videoPolicy) EndOfStreamTimestamp(lastPtsUs int64, _ int) int64 {
	return lastPtsUs
}

func (p *videoPolicy) ValidateInput(size int) error {
	if size != p.frameSize {
		return errors.Errorf("video frame is %d bytes, want %d for %v %dx%d",
			size, p.frameSize, p.params.Format, p.params.Width, p.params.Height)
	}
	return nil
}

type audioPolicy struct {
	sampleRate int
	channels   int
}

// AudioPolicy validates the raw stream parameters and returns its policy.
// Only mono and stereo PCM16 is accepted.
func AudioPolicy(p media.AudioParams) (Policy, error) {
	channels, err := p.Layout.ChannelCount()
	if err != nil {
		return nil, err
	}
	if p.SampleRate <= 0 {
		return nil, errors.Errorf("invalid sample rate %d", p.SampleRate)
	}
	return &audioPolicy{sampleRate: p.SampleRate, channels: channels}, nil
}

func (p *audioPolicy) Kind() media.Kind { return media.KindAudio }

// EndOfStreamTimestamp adds the playback duration of the last PCM16 buffer.
func (p *audioPolicy) EndOfStreamTimestamp(lastPtsUs int64, lastSize int) int64 {
	bytesPerSecond := int64(p.sampleRate) * int64(p.channels) * 2
	return lastPtsUs + 1_000_000*int64(lastSize)/bytesPerSecond
}

func (p *audioPolicy) ValidateInput(size int) error {
	if size <= 0 || size%(p.channels*2) != 0 {
		return errors.Errorf("audio buffer of %d bytes is not whole %d-channel PCM16 frames", size, p.channels)
	}
	return nil
}
