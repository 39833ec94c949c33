package ffmpeg

import (
	"log/slog"
	"os/exec"

	"github.com/pkg/errors"

	"github.com/babelcloud/gbox/packages/recorder/internal/codec"
	"github.com/babelcloud/gbox/packages/recorder/internal/media"
	"github.com/babelcloud/gbox/packages/recorder/internal/util"
)

// Config controls the encoder processes.
type Config struct {
	Path         string
	InputSlots   int
	VideoBitRate int
	FrameRate    int
	GOP          int
	AudioBitRate int
	Preset       string
	LogLevel     string
	Logger       *slog.Logger
}

// DefaultConfig matches the recorder defaults: 30 fps, an I-frame every five
// seconds, 1 Mbit/s video and 128 kbit/s AAC.
func DefaultConfig() Config {
	return Config{
		Path:         "ffmpeg",
		InputSlots:   4,
		VideoBitRate: 1_000_000,
		FrameRate:    30,
		GOP:          150,
		AudioBitRate: 128_000,
		Preset:       "veryfast",
		LogLevel:     "warning",
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Path == "" {
		c.Path = d.Path
	}
	if c.InputSlots <= 0 {
		c.InputSlots = d.InputSlots
	}
	if c.VideoBitRate <= 0 {
		c.VideoBitRate = d.VideoBitRate
	}
	if c.FrameRate <= 0 {
		c.FrameRate = d.FrameRate
	}
	if c.GOP <= 0 {
		c.GOP = d.GOP
	}
	if c.AudioBitRate <= 0 {
		c.AudioBitRate = d.AudioBitRate
	}
	if c.Preset == "" {
		c.Preset = d.Preset
	}
	if c.LogLevel == "" {
		c.LogLevel = d.LogLevel
	}
	if c.Logger == nil {
		c.Logger = util.GetLogger()
	}
	return c
}

// Available reports whether the ffmpeg binary can be found.
func Available(path string) error {
	if path == "" {
		path = "ffmpeg"
	}
	if _, err := exec.LookPath(path); err != nil {
		return errors.Wrapf(err, "ffmpeg not found at %q", path)
	}
	return nil
}

// Factory starts ffmpeg sessions. It implements codec.Factory.
type Factory struct {
	cfg Config
}

func NewFactory(cfg Config) *Factory {
	return &Factory{cfg: cfg.withDefaults()}
}

func (f *Factory) Config() Config { return f.cfg }

func (f *Factory) NewVideoSession(p media.VideoParams) (codec.Session, error) {
	pixFmt, err := PixFmtName(p.Format)
	if err != nil {
		return nil, err
	}
	frameSize, err := p.Format.FrameSize(p.Width, p.Height)
	if err != nil {
		return nil, err
	}
	queue := &ptsQueue{step: 1_000_000 / int64(f.cfg.FrameRate)}
	parser := &videoParser{
		format: codec.Format{
			Kind:           media.KindVideo,
			MIME:           codec.MIMEVideoAVC,
			Width:          p.Width,
			Height:         p.Height,
			PixelFormat:    media.FormatYUV420P,
			FrameRate:      f.cfg.FrameRate,
			IFrameInterval: f.cfg.GOP / f.cfg.FrameRate,
			BitRate:        f.cfg.VideoBitRate,
		},
		pts: queue,
	}
	s, err := startSession(sessionConfig{
		name:     "video",
		path:     f.cfg.Path,
		args:     videoArgs(f.cfg, p, pixFmt),
		slotSize: frameSize,
		slots:    f.cfg.InputSlots,
		parser:   parser,
		checkSize: func(size int) error {
			if size != frameSize {
				return errors.Errorf("video frame is %d bytes, want %d", size, frameSize)
			}
			return nil
		},
		onQueue: queue.push,
		logger:  f.cfg.Logger,
	})
	if err != nil {
		return nil, errors.Wrap(err, "start video encoder")
	}
	return s, nil
}

func (f *Factory) NewAudioSession(p media.AudioParams) (codec.Session, error) {
	channels, err := p.Layout.ChannelCount()
	if err != nil {
		return nil, err
	}
	if p.SampleRate <= 0 {
		return nil, errors.Errorf("invalid sample rate %d", p.SampleRate)
	}
	frameBytes := channels * 2
	clock := &audioClock{}
	s, err := startSession(sessionConfig{
		name:     "audio",
		path:     f.cfg.Path,
		args:     audioArgs(f.cfg, p.SampleRate, channels),
		slotSize: p.SampleRate * frameBytes, // one second of PCM
		slots:    f.cfg.InputSlots,
		parser:   &audioParser{format: audioFormat(f.cfg, p, channels), clock: clock},
		checkSize: func(size int) error {
			if size%frameBytes != 0 {
				return errors.Errorf("audio buffer of %d bytes is not a whole number of %d-byte frames", size, frameBytes)
			}
			return nil
		},
		onQueue: clock.observe,
		logger:  f.cfg.Logger,
	})
	if err != nil {
		return nil, errors.Wrap(err, "start audio encoder")
	}
	return s, nil
}
