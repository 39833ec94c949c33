// Package recorder turns raw video and audio frames into a single container
// file through one encode pipeline per recording.
package recorder

import (
	"log/slog"
	"sync"
	"time"

	"github.com/babelcloud/gbox/packages/recorder/internal/codec"
	"github.com/babelcloud/gbox/packages/recorder/internal/encoder"
	"github.com/babelcloud/gbox/packages/recorder/internal/media"
	"github.com/babelcloud/gbox/packages/recorder/internal/util"
)

// Options configures every pipeline a Recorder starts.
type Options struct {
	Container    string
	AudioEnabled bool
	Factory      codec.Factory
	Encoder      encoder.Options
	PartDuration time.Duration

	QueueSize        int
	MinOutputSamples int

	OpenWriter WriterOpener
	Logger     *slog.Logger
}

// Recorder tracks the live stream formats and routes frames to the current
// pipeline. It implements media.FrameListener.
type Recorder struct {
	opts   Options
	logger *slog.Logger

	mu       sync.Mutex
	snapshot media.FormatSnapshot
	current  *Pipeline
}

var _ media.FrameListener = (*Recorder)(nil)

func New(opts Options) *Recorder {
	if opts.Logger == nil {
		opts.Logger = util.GetLogger()
	}
	return &Recorder{
		opts:     opts,
		logger:   opts.Logger.With("component", "recorder"),
		snapshot: media.NewFormatSnapshot(),
	}
}

// StartRecording begins a recording into outputPath. It returns ErrNotReady
// until every required stream format has been seen and ErrAlreadyRecording
// while another recording is active.
func (r *Recorder) StartRecording(outputPath string, cb Callback) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.current != nil {
		return ErrAlreadyRecording
	}
	if !r.snapshot.Ready(r.opts.AudioEnabled) {
		return ErrNotReady
	}

	p := NewPipeline(Config{
		OutputPath:       outputPath,
		Container:        r.opts.Container,
		AudioEnabled:     r.opts.AudioEnabled,
		Snapshot:         r.snapshot,
		Factory:          r.opts.Factory,
		Encoder:          r.opts.Encoder,
		PartDuration:     r.opts.PartDuration,
		QueueSize:        r.opts.QueueSize,
		MinOutputSamples: r.opts.MinOutputSamples,
		OpenWriter:       r.opts.OpenWriter,
		Logger:           r.opts.Logger,
	}, cb)
	p.onTerminate = r.release
	if err := p.Start(); err != nil {
		return err
	}
	r.current = p
	return nil
}

// release forgets p so a new recording can start from its callback.
func (r *Recorder) release(p *Pipeline) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == p {
		r.current = nil
	}
}

// StopRecording asks the current pipeline to finish. The outcome arrives
// through the callback given to StartRecording.
func (r *Recorder) StopRecording() {
	r.mu.Lock()
	p := r.current
	r.mu.Unlock()
	if p == nil {
		return
	}
	p.Stop()
}

func (r *Recorder) IsRecording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current != nil
}

// Current returns the active pipeline, or nil.
func (r *Recorder) Current() *Pipeline {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

func (r *Recorder) Snapshot() media.FormatSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshot
}

func (r *Recorder) OnVideoFrame(buf []byte, ptsSeconds float64, format media.PixelFormat, width, height int) {
	r.mu.Lock()
	r.snapshot.VideoFormat = format
	r.snapshot.VideoWidth = width
	r.snapshot.VideoHeight = height
	p := r.current
	r.mu.Unlock()

	if p == nil {
		return
	}
	data := append([]byte(nil), buf...)
	p.PostVideo(data, media.SecondsToMicros(ptsSeconds), media.VideoParams{Format: format, Width: width, Height: height})
}

func (r *Recorder) OnAudioFrame(buf []byte, ptsSeconds float64, sampleRate int, layout media.ChannelLayout) {
	r.mu.Lock()
	r.snapshot.AudioSampleRate = sampleRate
	r.snapshot.AudioChannelLayout = layout
	p := r.current
	r.mu.Unlock()

	if p == nil || !r.opts.AudioEnabled {
		return
	}
	data := append([]byte(nil), buf...)
	p.PostAudio(data, media.SecondsToMicros(ptsSeconds), media.AudioParams{SampleRate: sampleRate, Layout: layout})
}
