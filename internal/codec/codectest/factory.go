package codectest

import (
	"sync"

	"github.com/babelcloud/gbox/packages/recorder/internal/codec"
	"github.com/babelcloud/gbox/packages/recorder/internal/media"
)

// Factory hands out scripted sessions and remembers them.
type Factory struct {
	mu sync.Mutex

	// VideoErr and AudioErr fail the corresponding constructor.
	VideoErr error
	AudioErr error
	// Configure is called on every new session before it is returned.
	Configure func(s *Session)

	Video []*Session
	Audio []*Session
}

func (f *Factory) NewVideoSession(p media.VideoParams) (codec.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.VideoErr != nil {
		return nil, f.VideoErr
	}
	s := NewVideo(VideoFormat(p.Width, p.Height))
	if f.Configure != nil {
		f.Configure(s)
	}
	f.Video = append(f.Video, s)
	return s, nil
}

func (f *Factory) NewAudioSession(p media.AudioParams) (codec.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.AudioErr != nil {
		return nil, f.AudioErr
	}
	channels, err := p.Layout.ChannelCount()
	if err != nil {
		return nil, err
	}
	s := NewAudio(AudioFormat(p.SampleRate, channels))
	if f.Configure != nil {
		f.Configure(s)
	}
	f.Audio = append(f.Audio, s)
	return s, nil
}

// Sessions returns every session created so far, video first.
func (f *Factory) Sessions() []*Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := append([]*Session(nil), f.Video...)
	return append(out, f.Audio...)
}
