package recorder

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/babelcloud/gbox/packages/recorder/internal/codec"
	"github.com/babelcloud/gbox/packages/recorder/internal/container"
	"github.com/babelcloud/gbox/packages/recorder/internal/encoder"
	"github.com/babelcloud/gbox/packages/recorder/internal/media"
	"github.com/babelcloud/gbox/packages/recorder/internal/metrics"
	"github.com/babelcloud/gbox/packages/recorder/internal/util"
)

// State is the lifecycle position of a pipeline.
type State int32

const (
	StateIdle State = iota
	StateStarting
	StateRunning
	StateDraining
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateTerminated:
		return "terminated"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

const (
	DefaultQueueSize        = 256
	DefaultMinOutputSamples = 30
)

// WriterOpener creates the container file for a recording.
type WriterOpener func(format, path string, opts container.Options) (container.Writer, error)

// Config is everything a pipeline needs. Snapshot is frozen at construction.
type Config struct {
	OutputPath   string
	Container    string
	AudioEnabled bool
	Snapshot     media.FormatSnapshot

	Factory      codec.Factory
	Encoder      encoder.Options
	PartDuration time.Duration

	QueueSize        int
	MinOutputSamples int

	OpenWriter WriterOpener
	Logger     *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.Container == "" {
		c.Container = container.ForPath(c.OutputPath)
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.MinOutputSamples <= 0 {
		c.MinOutputSamples = DefaultMinOutputSamples
	}
	if c.OpenWriter == nil {
		c.OpenWriter = container.Open
	}
	if c.Logger == nil {
		c.Logger = util.GetLogger()
	}
	return c
}

type taskKind int

const (
	taskVideo taskKind = iota
	taskAudio
	taskStop
)

type task struct {
	kind  taskKind
	data  []byte
	ptsUs int64
	video media.VideoParams
	audio media.AudioParams
}

// Stats is a point-in-time view of a pipeline, safe to read from any goroutine.
type Stats struct {
	ID           string    `json:"id"`
	State        string    `json:"state"`
	OutputPath   string    `json:"output_path"`
	StartedAt    time.Time `json:"started_at"`
	VideoSamples int       `json:"video_samples"`
	AudioSamples int       `json:"audio_samples"`
	Dropped      int64     `json:"dropped_frames"`
}

// Pipeline owns one recording: its encoders and container, driven by a
// single worker goroutine fed through an ordered task queue.
type Pipeline struct {
	id     string
	cfg    Config
	cb     Callback
	logger *slog.Logger

	state     atomic.Int32
	stopping  atomic.Bool
	dropped   atomic.Int64
	startedAt time.Time

	// published exposes the muxer's counters to Stats.
	published atomic.Pointer[muxer]

	tasks    chan task
	done     chan struct{}
	stopOnce sync.Once

	ctx    context.Context
	cancel context.CancelFunc

	// onTerminate runs before the final callback.
	onTerminate func(p *Pipeline)

	// worker-owned
	writer        container.Writer
	mux           *muxer
	video         *encoder.TrackEncoder
	audio         *encoder.TrackEncoder
	formatChanged bool
	reported      bool
}

// NewPipeline creates an idle pipeline. Nothing runs until Start.
func NewPipeline(cfg Config, cb Callback) *Pipeline {
	cfg = cfg.withDefaults()
	if cb == nil {
		cb = CallbackFuncs{}
	}
	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	return &Pipeline{
		id:     id,
		cfg:    cfg,
		cb:     cb,
		logger: cfg.Logger.With("component", "pipeline", "recording", id),
		tasks:  make(chan task, cfg.QueueSize),
		done:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (p *Pipeline) ID() string { return p.id }

func (p *Pipeline) OutputPath() string { return p.cfg.OutputPath }

func (p *Pipeline) State() State { return State(p.state.Load()) }

// Done is closed once the pipeline is terminated and its callback returned.
func (p *Pipeline) Done() <-chan struct{} { return p.done }

// Wait blocks until the pipeline terminates or ctx ends.
func (p *Pipeline) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pipeline) Stats() Stats {
	st := Stats{
		ID:         p.id,
		State:      p.State().String(),
		OutputPath: p.cfg.OutputPath,
		StartedAt:  p.startedAt,
		Dropped:    p.dropped.Load(),
	}
	if m := p.published.Load(); m != nil {
		st.VideoSamples = m.Samples(media.KindVideo)
		st.AudioSamples = m.Samples(media.KindAudio)
	}
	return st
}

// Start launches the worker. It fails fast when the snapshot is not ready.
func (p *Pipeline) Start() error {
	if !p.cfg.Snapshot.Ready(p.cfg.AudioEnabled) {
		return ErrNotReady
	}
	if !p.state.CompareAndSwap(int32(StateIdle), int32(StateStarting)) {
		return ErrAlreadyStarted
	}
	p.startedAt = time.Now()
	p.logger.Info("starting recording", "path", p.cfg.OutputPath, "container", p.cfg.Container,
		"audio", p.cfg.AudioEnabled, "formats", p.cfg.Snapshot.String())
	go p.run()
	return nil
}

// PostVideo queues a copy-owned video frame. It never blocks; frames are
// dropped when the queue is full or the pipeline is stopping.
func (p *Pipeline) PostVideo(data []byte, ptsUs int64, params media.VideoParams) bool {
	return p.post(task{kind: taskVideo, data: data, ptsUs: ptsUs, video: params}, media.KindVideo)
}

// PostAudio queues a copy-owned audio frame.
func (p *Pipeline) PostAudio(data []byte, ptsUs int64, params media.AudioParams) bool {
	return p.post(task{kind: taskAudio, data: data, ptsUs: ptsUs, audio: params}, media.KindAudio)
}

func (p *Pipeline) post(t task, kind media.Kind) bool {
	st := p.State()
	if p.stopping.Load() || st == StateIdle || st >= StateDraining {
		p.drop(kind, metrics.DropNotRunning)
		return false
	}
	select {
	case p.tasks <- t:
		return true
	default:
		p.drop(kind, metrics.DropQueueFull)
		return false
	}
}

func (p *Pipeline) drop(kind media.Kind, reason string) {
	p.dropped.Add(1)
	metrics.FramesDropped.WithLabelValues(kind.String(), reason).Inc()
}

// Stop asks the worker to finish the recording. It blocks until the request
// is queued, not until the pipeline terminates.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		p.stopping.Store(true)
		if p.State() == StateIdle {
			return
		}
		select {
		case p.tasks <- task{kind: taskStop}:
		case <-p.done:
		}
	})
}

func (p *Pipeline) run() {
	defer close(p.done)
	defer p.cancel()
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("pipeline panic", "panic", r)
			p.fail(errors.Errorf("pipeline panic: %v", r))
		}
	}()

	if err := p.build(); err != nil {
		p.fail(err)
		return
	}
	p.cb.OnStarted(p)
	p.state.Store(int32(StateRunning))
	metrics.RecordingActive.Set(1)

	for t := range p.tasks {
		switch t.kind {
		case taskStop:
			p.logger.Info("stop requested")
			p.finish()
			return
		case taskVideo, taskAudio:
			if err := p.handleFrame(t); err != nil {
				p.fail(err)
				return
			}
			if p.formatChanged {
				p.finish()
				return
			}
		}
	}
}

func (p *Pipeline) build() error {
	w, err := p.cfg.OpenWriter(p.cfg.Container, p.cfg.OutputPath, container.Options{
		PartDuration: p.cfg.PartDuration,
		Logger:       p.logger,
	})
	if err != nil {
		return errors.Wrap(err, "open container")
	}
	p.writer = w
	p.mux = newMuxer(w, p.logger)
	p.published.Store(p.mux)

	encOpts := p.cfg.Encoder
	encOpts.Logger = p.logger
	p.video, err = encoder.NewVideo(p.cfg.Factory, p.cfg.Snapshot.Video(), p.mux, encOpts)
	if err != nil {
		return errors.Wrap(err, "create video encoder")
	}
	p.mux.attach(p.video)

	if p.cfg.AudioEnabled {
		p.audio, err = encoder.NewAudio(p.cfg.Factory, p.cfg.Snapshot.Audio(), p.mux, encOpts)
		if err != nil {
			return errors.Wrap(err, "create audio encoder")
		}
		p.mux.attach(p.audio)
	}
	return nil
}

func (p *Pipeline) handleFrame(t task) error {
	var enc *encoder.TrackEncoder
	kind := media.KindVideo
	if t.kind == taskVideo {
		if !p.cfg.Snapshot.MatchesVideo(t.video) {
			p.logger.Warn("video format changed", "format", t.video.Format.String(),
				"width", t.video.Width, "height", t.video.Height)
			p.formatChanged = true
			return nil
		}
		enc = p.video
	} else {
		kind = media.KindAudio
		if p.audio == nil {
			return nil
		}
		if !p.cfg.Snapshot.MatchesAudio(t.audio) {
			p.logger.Warn("audio format changed", "sample_rate", t.audio.SampleRate,
				"layout", t.audio.Layout.String())
			p.formatChanged = true
			return nil
		}
		enc = p.audio
	}

	if err := enc.Drain(false); err != nil {
		return err
	}
	ok, err := enc.CommitFrame(t.data, t.ptsUs, false)
	if err != nil {
		return err
	}
	if !ok {
		p.drop(kind, metrics.DropEncoderBusy)
	}
	return nil
}

// finish drains both tracks and finalizes the container.
func (p *Pipeline) finish() {
	p.state.Store(int32(StateDraining))
	begin := time.Now()

	for _, enc := range p.encoders() {
		if err := enc.QueueEndOfStream(p.ctx); err != nil {
			p.fail(err)
			return
		}
	}
	if err := p.awaitEndOfStream(); err != nil {
		p.fail(err)
		return
	}
	if !p.mux.ContainerStarted() {
		p.fail(ErrContainerNotStarted)
		return
	}
	for _, enc := range p.encoders() {
		if err := enc.Release(); err != nil {
			p.logger.Warn("failed to release encoder", "kind", enc.Kind().String(), "error", err)
		}
	}
	if err := p.writer.Stop(); err != nil {
		p.fail(errors.Wrap(err, "stop container"))
		return
	}
	if err := p.writer.Release(); err != nil {
		p.logger.Warn("failed to release container", "error", err)
	}
	metrics.FinalizeDuration.Observe(time.Since(begin).Seconds())

	result := metrics.ResultCompleted
	if p.formatChanged {
		result = metrics.ResultDrift
	}
	p.logger.Info("recording completed", "path", p.cfg.OutputPath, "format_changed", p.formatChanged,
		"video_samples", p.mux.Samples(media.KindVideo), "audio_samples", p.mux.Samples(media.KindAudio),
		"elapsed", time.Since(p.startedAt))
	p.terminate(result, func() { p.cb.OnCompleted(p.formatChanged) })
}

// awaitEndOfStream drains every track to its end-of-stream output. A track
// whose output is held until the container starts is drained again once
// another track has started it.
func (p *Pipeline) awaitEndOfStream() error {
	for {
		held := 0
		for _, enc := range p.encoders() {
			err := enc.AwaitEndOfStream()
			switch {
			case errors.Is(err, encoder.ErrAwaitingContainer):
				held++
			case err != nil:
				return err
			}
		}
		if held == 0 {
			return nil
		}
		if !p.mux.ContainerStarted() {
			return ErrContainerNotStarted
		}
	}
}

func (p *Pipeline) encoders() []*encoder.TrackEncoder {
	var out []*encoder.TrackEncoder
	if p.video != nil {
		out = append(out, p.video)
	}
	if p.audio != nil {
		out = append(out, p.audio)
	}
	return out
}

// fail releases everything, deletes the output and reports err.
func (p *Pipeline) fail(err error) {
	if p.reported {
		p.logger.Error("error after recording finished", "error", err)
		return
	}
	p.cleanup()

	if p.cfg.OutputPath != "" {
		if rmErr := os.Remove(p.cfg.OutputPath); rmErr != nil && !os.IsNotExist(rmErr) {
			p.logger.Warn("failed to delete output", "path", p.cfg.OutputPath, "error", rmErr)
		}
	}

	written := 0
	if p.video != nil {
		written = p.video.SamplesWritten()
	}
	if written < p.cfg.MinOutputSamples {
		err = &OutputTooLittleError{Samples: written, Min: p.cfg.MinOutputSamples, Err: err}
	}
	p.logger.Error("recording failed", "path", p.cfg.OutputPath, "error", err)
	p.terminate(metrics.ResultFailed, func() { p.cb.OnFailed(err) })
}

// cleanup releases encoders and the writer. Errors are only logged.
func (p *Pipeline) cleanup() {
	for _, enc := range p.encoders() {
		if err := enc.Release(); err != nil {
			p.logger.Warn("failed to release encoder", "kind", enc.Kind().String(), "error", err)
		}
	}
	if p.writer != nil {
		if err := p.writer.Release(); err != nil {
			p.logger.Warn("failed to release container", "error", err)
		}
	}
}

func (p *Pipeline) terminate(result string, report func()) {
	p.reported = true
	p.state.Store(int32(StateTerminated))
	metrics.RecordingActive.Set(0)
	metrics.RecordingsTotal.WithLabelValues(result).Inc()
	if p.onTerminate != nil {
		p.onTerminate(p)
	}
	report()
}
