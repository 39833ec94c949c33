package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/babelcloud/gbox/packages/recorder/config"
	"github.com/babelcloud/gbox/packages/recorder/internal/codec"
	"github.com/babelcloud/gbox/packages/recorder/internal/codec/ffmpeg"
	"github.com/babelcloud/gbox/packages/recorder/internal/container"
	"github.com/babelcloud/gbox/packages/recorder/internal/encoder"
	"github.com/babelcloud/gbox/packages/recorder/internal/media"
	"github.com/babelcloud/gbox/packages/recorder/internal/recorder"
	"github.com/babelcloud/gbox/packages/recorder/internal/server"
	"github.com/babelcloud/gbox/packages/recorder/internal/source"
	"github.com/babelcloud/gbox/packages/recorder/internal/util"
)

type RecordOptions struct {
	Output      string
	Duration    time.Duration
	Width       int
	Height      int
	FrameRate   int
	SampleRate  int
	Channels    int
	Audio       bool
	Container   string
	DriftAfter  time.Duration
	Manifest    bool
	MetricsAddr string
	Fast        bool
	// Plain disables the spinner.
	Plain bool
}

func NewRecordCommand() *cobra.Command {
	opts := &RecordOptions{}

	cmd := &cobra.Command{
		Use:   "record [output]",
		Short: "Record a synthetic test stream",
		Long: `Record generates moving colour bars and a sine tone, encodes them with ffmpeg and writes a fragmented MP4 or Matroska file.
Without an output path the file is created in the configured output directory.`,
		Example: `  gbox-recorder record
  gbox-recorder record clip.mkv --duration 10s
  gbox-recorder record --no-audio --size 1280x720
  gbox-recorder record --drift-after 3s --manifest`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 {
				opts.Output = args[0]
			}
			if err := resolveRecordOptions(cmd, opts); err != nil {
				return err
			}
			factory, err := newFFmpegFactory(opts.FrameRate)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			_, err = runRecord(ctx, cmd.OutOrStdout(), opts, factory)
			return err
		},
	}

	var size string
	var noAudio bool
	flags := cmd.Flags()
	flags.DurationVarP(&opts.Duration, "duration", "d", 5*time.Second, "Length of the recording")
	flags.StringVar(&size, "size", "640x480", "Video frame size (WIDTHxHEIGHT)")
	flags.IntVar(&opts.FrameRate, "fps", 30, "Video frame rate")
	flags.IntVar(&opts.SampleRate, "sample-rate", 44100, "Audio sample rate")
	flags.IntVar(&opts.Channels, "channels", 2, "Audio channels (1 or 2)")
	flags.BoolVar(&noAudio, "no-audio", false, "Record video only")
	flags.String("container", "mp4", "Container format (mp4 or mkv)")
	flags.DurationVar(&opts.DriftAfter, "drift-after", 0, "Halve the source resolution after this much media time")
	flags.BoolVar(&opts.Manifest, "manifest", false, "Write a TOML summary next to the recording")
	flags.String("metrics-addr", "", "Serve /metrics and /status on this address while recording")
	flags.BoolVar(&opts.Fast, "fast", false, "Generate frames as fast as possible instead of in real time")

	config.BindFlag("recorder.container", flags.Lookup("container"))
	config.BindFlag("recorder.video.frame_rate", flags.Lookup("fps"))
	config.BindFlag("metrics.addr", flags.Lookup("metrics-addr"))

	cmd.RegisterFlagCompletionFunc("container", func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		return []string{container.FormatMP4, container.FormatMKV}, cobra.ShellCompDirectiveNoFileComp
	})

	cmd.PreRunE = func(cmd *cobra.Command, args []string) error {
		if _, err := fmt.Sscanf(size, "%dx%d", &opts.Width, &opts.Height); err != nil {
			return errors.Errorf("invalid --size %q, want WIDTHxHEIGHT", size)
		}
		opts.Audio = config.AudioEnabled() && !noAudio
		return nil
	}

	return cmd
}

// resolveRecordOptions fills in what comes from configuration.
func resolveRecordOptions(cmd *cobra.Command, opts *RecordOptions) error {
	opts.FrameRate = config.GetFrameRate()
	opts.MetricsAddr = config.GetMetricsAddr()
	opts.Plain = verbose || !term.IsTerminal(int(os.Stdout.Fd()))

	switch {
	case opts.Output != "" && !cmd.Flags().Changed("container"):
		opts.Container = container.ForPath(opts.Output)
	default:
		opts.Container = config.GetContainer()
	}
	if opts.Container != container.FormatMP4 && opts.Container != container.FormatMKV {
		return errors.Wrapf(container.ErrUnknownFormat, "%q", opts.Container)
	}
	if opts.Output == "" {
		name := util.RecordingFileName("rec", time.Now(), container.Extension(opts.Container))
		opts.Output = filepath.Join(config.GetOutputDir(), name)
	}
	return nil
}

func newFFmpegFactory(frameRate int) (*ffmpeg.Factory, error) {
	path := config.GetFFmpegPath()
	if err := ffmpeg.Available(path); err != nil {
		return nil, err
	}
	return ffmpeg.NewFactory(ffmpeg.Config{
		Path:         path,
		InputSlots:   config.GetInputSlots(),
		VideoBitRate: config.GetVideoBitRate(),
		FrameRate:    frameRate,
		GOP:          config.GetGOP(),
		AudioBitRate: config.GetAudioBitRate(),
	}), nil
}

type recordResult struct {
	err           error
	formatChanged bool
}

// recordListener forwards source frames to the recorder, starts the
// recording once both formats are known and injects the resolution drift.
type recordListener struct {
	rec        *recorder.Recorder
	src        *source.Source
	output     string
	audio      bool
	driftAfter time.Duration
	callback   recorder.Callback
	logger     *slog.Logger

	started  bool
	startErr error
	drifted  bool
}

func (l *recordListener) OnVideoFrame(buf []byte, pts float64, f media.PixelFormat, w, h int) {
	l.rec.OnVideoFrame(buf, pts, f, w, h)
	l.maybeStart()

	if l.driftAfter > 0 && !l.drifted && pts >= l.driftAfter.Seconds() {
		l.drifted = true
		nw, nh := max((w/2)&^1, 2), max((h/2)&^1, 2)
		l.logger.Info("changing source resolution", "width", nw, "height", nh)
		if err := l.src.Resize(nw, nh); err != nil {
			l.logger.Warn("resize failed", "error", err)
		}
	}
}

func (l *recordListener) OnAudioFrame(buf []byte, pts float64, rate int, layout media.ChannelLayout) {
	l.rec.OnAudioFrame(buf, pts, rate, layout)
	l.maybeStart()
}

func (l *recordListener) maybeStart() {
	if l.started || !l.rec.Snapshot().Ready(l.audio) {
		return
	}
	l.started = true
	l.startErr = l.rec.StartRecording(l.output, l.callback)
}

// runRecord drives one recording from the synthetic source through factory.
func runRecord(ctx context.Context, out io.Writer, opts *RecordOptions, factory codec.Factory) (*Manifest, error) {
	logger := util.GetLogger().With("component", "record")

	rec := recorder.New(recorder.Options{
		Container:    opts.Container,
		AudioEnabled: opts.Audio,
		Factory:      factory,
		Encoder: encoder.Options{
			DequeueTimeout:   config.GetDequeueTimeout(),
			WaitToEndTimeout: config.GetWaitToEndTimeout(),
			EOSRetries:       config.GetEOSRetries(),
			EOSRetryInterval: config.GetEOSRetryInterval(),
		},
		PartDuration:     config.GetPartDuration(),
		QueueSize:        config.GetQueueSize(),
		MinOutputSamples: config.GetMinOutputSamples(),
	})

	if opts.MetricsAddr != "" {
		srv := server.NewStatusServer(opts.MetricsAddr, rec)
		if err := srv.Start(); err != nil {
			return nil, err
		}
		defer srv.Stop()
		fmt.Fprintf(out, "Metrics on http://%s/metrics\n", srv.Addr())
	}

	src, err := source.New(source.Config{
		Width:      opts.Width,
		Height:     opts.Height,
		FrameRate:  opts.FrameRate,
		SampleRate: opts.SampleRate,
		Channels:   opts.Channels,
		Audio:      opts.Audio,
		Duration:   opts.Duration,
		RealTime:   !opts.Fast,
	})
	if err != nil {
		return nil, errors.Wrap(err, "create source")
	}

	results := make(chan recordResult, 1)
	pipelines := make(chan *recorder.Pipeline, 1)
	cb := recorder.CallbackFuncs{
		Started: func(p *recorder.Pipeline) {
			logger.Info("recording started", "recording", p.ID(), "path", p.OutputPath())
			pipelines <- p
		},
		Failed:    func(err error) { results <- recordResult{err: err} },
		Completed: func(changed bool) { results <- recordResult{formatChanged: changed} },
	}

	l := &recordListener{
		rec:        rec,
		src:        src,
		output:     opts.Output,
		audio:      opts.Audio,
		driftAfter: opts.DriftAfter,
		callback:   cb,
		logger:     logger,
	}

	fmt.Fprintf(out, "Recording %s to %s\n", color.New(color.FgCyan).Sprint(opts.Duration), opts.Output)
	startedAt := time.Now()

	srcCtx, cancelSrc := context.WithCancel(ctx)
	defer cancelSrc()
	srcDone := make(chan error, 1)
	go func() { srcDone <- src.Run(srcCtx, l) }()

	var sp *UISpinner
	var res recordResult
	select {
	case err := <-srcDone:
		if err != nil && !errors.Is(err, context.Canceled) {
			return nil, errors.Wrap(err, "source")
		}
		if l.startErr != nil {
			return nil, errors.Wrap(l.startErr, "start recording")
		}
		if !l.started {
			return nil, errors.New("source ended before recording could start")
		}
		sp = NewUISpinner(out, opts.Plain, "Finalizing recording...")
		rec.StopRecording()
		res = <-results
	case res = <-results:
		cancelSrc()
		<-srcDone
		sp = NewUISpinner(out, opts.Plain, "Finalizing recording...")
	}

	if res.err != nil {
		sp.Fail(fmt.Sprintf("Recording failed: %v", res.err))
		return nil, res.err
	}

	msg := fmt.Sprintf("Saved %s", opts.Output)
	if res.formatChanged {
		msg += color.New(color.FgYellow).Sprint(" (stopped early: source format changed)")
	}
	sp.Success(msg)

	p := <-pipelines
	stats := p.Stats()
	m := &Manifest{
		ID:            p.ID(),
		File:          filepath.Base(opts.Output),
		Container:     opts.Container,
		StartedAt:     startedAt.UTC().Truncate(time.Second),
		FinishedAt:    time.Now().UTC().Truncate(time.Second),
		FormatChanged: res.formatChanged,
		Dropped:       stats.Dropped,
		Video: ManifestVideo{
			Width:     opts.Width,
			Height:    opts.Height,
			FrameRate: opts.FrameRate,
			BitRate:   config.GetVideoBitRate(),
			Samples:   stats.VideoSamples,
		},
	}
	if opts.Audio {
		m.Audio = &ManifestAudio{
			SampleRate: opts.SampleRate,
			Channels:   opts.Channels,
			BitRate:    config.GetAudioBitRate(),
			Samples:    stats.AudioSamples,
		}
	}
	if opts.Manifest {
		if err := writeManifest(manifestPath(opts.Output), m); err != nil {
			return m, err
		}
	}
	return m, nil
}
