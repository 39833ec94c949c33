// Package source generates raw test frames: moving YUV420P colour bars and
// a PCM16 sine tone, delivered to a media.FrameListener.
package source

import (
	"context"
	"encoding/binary"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/pkg/errors"
	"k8s.io/utils/clock"

	"github.com/babelcloud/gbox/packages/recorder/internal/media"
	"github.com/babelcloud/gbox/packages/recorder/internal/util"
)

// Config describes the generated streams.
type Config struct {
	Width      int
	Height     int
	FrameRate  int
	SampleRate int
	Channels   int
	Audio      bool
	ToneHz     float64
	// Duration stops the source after this much media time. Zero runs until
	// the context ends.
	Duration time.Duration
	// RealTime paces frames on the clock; otherwise frames are produced as
	// fast as the listener takes them.
	RealTime bool
	Clock    clock.WithTicker
	Logger   *slog.Logger
}

// DefaultConfig is 640x480 at 30 fps with a 440 Hz stereo tone at 44.1 kHz.
func DefaultConfig() Config {
	return Config{
		Width:      640,
		Height:     480,
		FrameRate:  30,
		SampleRate: 44100,
		Channels:   2,
		Audio:      true,
		ToneHz:     440,
		RealTime:   true,
	}
}

// Source produces frames. Resize may be called while Run is active.
type Source struct {
	cfg    Config
	layout media.ChannelLayout
	logger *slog.Logger

	mu     sync.Mutex
	width  int
	height int

	videoFrames int
	audioFrames int
}

func New(cfg Config) (*Source, error) {
	if cfg.FrameRate <= 0 {
		return nil, errors.Errorf("invalid frame rate %d", cfg.FrameRate)
	}
	if err := checkSize(cfg.Width, cfg.Height); err != nil {
		return nil, err
	}
	var layout media.ChannelLayout
	if cfg.Audio {
		if cfg.SampleRate <= 0 {
			return nil, errors.Errorf("invalid sample rate %d", cfg.SampleRate)
		}
		var err error
		if layout, err = media.LayoutForChannels(cfg.Channels); err != nil {
			return nil, err
		}
	}
	if cfg.ToneHz <= 0 {
		cfg.ToneHz = 440
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.RealClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = util.GetLogger()
	}
	return &Source{
		cfg:    cfg,
		layout: layout,
		logger: cfg.Logger.With("component", "source"),
		width:  cfg.Width,
		height: cfg.Height,
	}, nil
}

func checkSize(w, h int) error {
	if w <= 0 || h <= 0 || w%2 != 0 || h%2 != 0 {
		return errors.Errorf("frame size %dx%d must be positive and even", w, h)
	}
	return nil
}

// Resize changes the dimensions of subsequent video frames.
func (s *Source) Resize(width, height int) error {
	if err := checkSize(width, height); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger.Info("resizing video", "from", []int{s.width, s.height}, "to", []int{width, height})
	s.width, s.height = width, height
	return nil
}

func (s *Source) size() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.width, s.height
}

// Frames reports how many video and audio buffers were delivered.
func (s *Source) Frames() (video, audio int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.videoFrames, s.audioFrames
}

// Run delivers frames until the configured duration is reached or ctx ends.
// Each video frame is followed by the audio covering the same interval.
func (s *Source) Run(ctx context.Context, l media.FrameListener) error {
	fps := int64(s.cfg.FrameRate)
	var ticker clock.Ticker
	if s.cfg.RealTime {
		ticker = s.cfg.Clock.NewTicker(time.Second / time.Duration(fps))
		defer ticker.Stop()
	}

	var audioSamples int64
	for n := int64(0); ; n++ {
		pts := time.Duration(n) * time.Second / time.Duration(fps)
		if s.cfg.Duration > 0 && pts >= s.cfg.Duration {
			s.logger.Debug("source finished", "frames", n)
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		w, h := s.size()
		l.OnVideoFrame(colourBars(w, h, int(n)), pts.Seconds(), media.FormatYUV420P, w, h)

		if s.cfg.Audio {
			sr := int64(s.cfg.SampleRate)
			end := sr * (n + 1) / fps
			count := int(end - audioSamples)
			buf := s.tone(audioSamples, count)
			l.OnAudioFrame(buf, float64(audioSamples)/float64(sr), s.cfg.SampleRate, s.layout)
			audioSamples = end
		}

		s.mu.Lock()
		s.videoFrames++
		if s.cfg.Audio {
			s.audioFrames++
		}
		s.mu.Unlock()

		if ticker != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C():
			}
		}
	}
}

var barLuma = [8]byte{235, 210, 170, 145, 106, 81, 41, 16}

// colourBars draws eight vertical luma bars that scroll by four pixels per
// frame, with flat chroma.
func colourBars(w, h, frame int) []byte {
	size, _ := media.FormatYUV420P.FrameSize(w, h)
	buf := make([]byte, size)
	barWidth := w / len(barLuma)
	if barWidth == 0 {
		barWidth = 1
	}
	row := buf[:w]
	for x := 0; x < w; x++ {
		row[x] = barLuma[((x+frame*4)/barWidth)%len(barLuma)]
	}
	for y := 1; y < h; y++ {
		copy(buf[y*w:(y+1)*w], row)
	}
	chroma := buf[w*h:]
	for i := range chroma {
		chroma[i] = 128
	}
	return buf
}

// tone renders count interleaved PCM16LE frames starting at sample index first.
func (s *Source) tone(first int64, count int) []byte {
	ch := s.cfg.Channels
	buf := make([]byte, count*ch*2)
	step := 2 * math.Pi * s.cfg.ToneHz / float64(s.cfg.SampleRate)
	for i := 0; i < count; i++ {
		v := int16(0.3 * math.MaxInt16 * math.Sin(step*float64(first+int64(i))))
		for c := 0; c < ch; c++ {
			binary.LittleEndian.PutUint16(buf[(i*ch+c)*2:], uint16(v))
		}
	}
	return buf
}
