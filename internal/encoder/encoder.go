// Package encoder drives one compression session per track and forwards its
// output to the container.
package encoder

import (
	"context"
	"log/slog"
	"time"

	"github.com/pkg/errors"
	"k8s.io/utils/clock"

	"github.com/babelcloud/gbox/packages/recorder/internal/codec"
	"github.com/babelcloud/gbox/packages/recorder/internal/media"
	"github.com/babelcloud/gbox/packages/recorder/internal/metrics"
	"github.com/babelcloud/gbox/packages/recorder/internal/util"
)

// Sink is the container side of a track encoder.
type Sink interface {
	// TryStartContainer starts the container once every track knows its
	// output format. It reports whether the container is running.
	TryStartContainer() (bool, error)
	ContainerStarted() bool
	WriteSample(track int, data []byte, info codec.BufferInfo) error
	EndTrack(track int, endPtsUs int64)
}

// Options tunes polling and the end-of-stream protocol.
type Options struct {
	DequeueTimeout   time.Duration
	WaitToEndTimeout time.Duration
	EOSRetries       int
	EOSRetryInterval time.Duration
	Clock            clock.Clock
	Logger           *slog.Logger
}

// DefaultOptions returns 10ms polls, a 10s end-of-stream wait and 100 signal
// attempts 10ms apart.
func DefaultOptions() Options {
	return Options{
		DequeueTimeout:   10 * time.Millisecond,
		WaitToEndTimeout: 10 * time.Second,
		EOSRetries:       100,
		EOSRetryInterval: 10 * time.Millisecond,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.DequeueTimeout <= 0 {
		o.DequeueTimeout = d.DequeueTimeout
	}
	if o.WaitToEndTimeout <= 0 {
		o.WaitToEndTimeout = d.WaitToEndTimeout
	}
	if o.EOSRetries <= 0 {
		o.EOSRetries = d.EOSRetries
	}
	if o.EOSRetryInterval <= 0 {
		o.EOSRetryInterval = d.EOSRetryInterval
	}
	if o.Clock == nil {
		o.Clock = clock.RealClock{}
	}
	if o.Logger == nil {
		o.Logger = util.GetLogger()
	}
	return o
}

// maxWaitPolls is how many empty polls a blocking drain tolerates.
func (o Options) maxWaitPolls() int {
	n := int(o.WaitToEndTimeout / o.DequeueTimeout)
	if n < 1 {
		n = 1
	}
	return n
}

// TrackEncoder feeds raw frames of one kind into a session and moves the
// encoded output to the sink. It is not safe for concurrent use.
type TrackEncoder struct {
	policy  Policy
	session codec.Session
	sink    Sink
	opts    Options
	logger  *slog.Logger

	outputFormat *codec.Format
	trackIndex   int

	committed     bool
	lastInputPts  int64
	lastInputSize int

	hasWritten     bool
	lastWrittenPts int64
	written        int

	eosQueued bool
	ended     bool
	released  bool
}

// New wraps an existing session.
func New(policy Policy, session codec.Session, sink Sink, opts Options) *TrackEncoder {
	opts = opts.withDefaults()
	return &TrackEncoder{
		policy:     policy,
		session:    session,
		sink:       sink,
		opts:       opts,
		logger:     opts.Logger.With("component", "encoder", "kind", policy.Kind().String()),
		trackIndex: -1,
	}
}

// NewVideo creates an H.264 encoder for the given raw stream.
func NewVideo(factory codec.Factory, p media.VideoParams, sink Sink, opts Options) (*TrackEncoder, error) {
	policy, err := VideoPolicy(p)
	if err != nil {
		return nil, err
	}
	session, err := factory.NewVideoSession(p)
	if err != nil {
		return nil, errors.Wrap(err, "create video session")
	}
	return New(policy, session, sink, opts), nil
}

// NewAudio creates an AAC encoder for the given raw stream.
func NewAudio(factory codec.Factory, p media.AudioParams, sink Sink, opts Options) (*TrackEncoder, error) {
	policy, err := AudioPolicy(p)
	if err != nil {
		return nil, err
	}
	session, err := factory.NewAudioSession(p)
	if err != nil {
		return nil, errors.Wrap(err, "create audio session")
	}
	return New(policy, session, sink, opts), nil
}

func (e *TrackEncoder) Kind() media.Kind { return e.policy.Kind() }

// OutputFormat is nil until the session reports its format.
func (e *TrackEncoder) OutputFormat() *codec.Format { return e.outputFormat }

func (e *TrackEncoder) SetTrackIndex(i int) { e.trackIndex = i }

func (e *TrackEncoder) TrackIndex() int { return e.trackIndex }

func (e *TrackEncoder) SamplesWritten() int { return e.written }

// Ended reports whether the end-of-stream output has been seen.
func (e *TrackEncoder) Ended() bool { return e.ended }

// CommitFrame hands one raw frame, or the end-of-stream marker, to the
// session. It returns false without side effects when no input slot became
// free within the dequeue timeout.
func (e *TrackEncoder) CommitFrame(buf []byte, ptsUs int64, endOfStream bool) (bool, error) {
	if e.released {
		return false, ErrReleased
	}
	if !endOfStream {
		if err := e.policy.ValidateInput(len(buf)); err != nil {
			return false, err
		}
	}

	slot, err := e.session.DequeueInput(e.opts.DequeueTimeout)
	if err != nil {
		return false, errors.Wrapf(err, "dequeue %v input", e.Kind())
	}
	if slot == nil {
		return false, nil
	}

	if endOfStream {
		if err := e.session.QueueInput(slot, 0, ptsUs, codec.FlagEndOfStream); err != nil {
			return false, errors.Wrapf(err, "queue %v end of stream", e.Kind())
		}
		e.eosQueued = true
		e.logger.Debug("end of stream queued", "pts", ptsUs)
		return true, nil
	}

	if len(buf) > len(slot.Buf) {
		return false, errors.Wrapf(codec.ErrInputTooLarge, "%v frame of %d bytes, slot holds %d", e.Kind(), len(buf), len(slot.Buf))
	}
	n := copy(slot.Buf, buf)
	if err := e.session.QueueInput(slot, n, ptsUs, 0); err != nil {
		return false, errors.Wrapf(err, "queue %v input", e.Kind())
	}
	e.committed = true
	e.lastInputPts = ptsUs
	e.lastInputSize = n
	metrics.FramesCommitted.WithLabelValues(e.Kind().String()).Inc()
	return true, nil
}

// Drain moves available output to the sink. With waitToEnd it keeps polling
// until the end-of-stream output arrives or the wait ceiling is exceeded, and
// returns ErrAwaitingContainer while the container has not started yet.
func (e *TrackEncoder) Drain(waitToEnd bool) error {
	if e.released {
		return ErrReleased
	}
	if e.ended {
		return nil
	}

	maxPolls := e.opts.maxWaitPolls()
	polls := 0
	for {
		if e.outputFormat != nil && !e.sink.ContainerStarted() {
			// Outputs stay queued in the session until the other track is ready.
			return e.held(waitToEnd)
		}

		out, err := e.session.DequeueOutput(e.opts.DequeueTimeout)
		if err != nil {
			return errors.Wrapf(err, "dequeue %v output", e.Kind())
		}

		switch out.Status {
		case codec.TryAgainLater:
			if !waitToEnd {
				return nil
			}
			polls++
			if polls > maxPolls {
				return &EndOfStreamError{Kind: e.Kind(), Reason: WaitExceeded, Attempts: polls}
			}

		case codec.FormatChanged:
			if e.outputFormat != nil {
				return errors.Wrapf(ErrFormatChangedTwice, "%v: %v then %v", e.Kind(), e.outputFormat, out.Format)
			}
			if out.Format == nil {
				return errors.Errorf("%v session reported an empty format", e.Kind())
			}
			e.outputFormat = out.Format
			e.logger.Info("output format ready", "format", out.Format.String())
			if _, err := e.sink.TryStartContainer(); err != nil {
				return err
			}
			if !e.sink.ContainerStarted() {
				return e.held(waitToEnd)
			}

		case codec.Buffer:
			if err := e.handleBuffer(out); err != nil {
				return err
			}
			if out.Info.Flags.Has(codec.FlagEndOfStream) {
				e.ended = true
				if !waitToEnd {
					e.logger.Warn("unexpected end of stream while encoding")
				} else {
					e.logger.Debug("end of stream reached", "samples", e.written)
				}
				return nil
			}

		default:
			e.logger.Warn("ignoring unknown session output", "status", out.Status.String())
		}
	}
}

func (e *TrackEncoder) held(waitToEnd bool) error {
	if waitToEnd {
		return ErrAwaitingContainer
	}
	return nil
}

func (e *TrackEncoder) handleBuffer(out codec.Output) error {
	info := out.Info
	if info.Flags.Has(codec.FlagCodecConfig) {
		// The container takes parameter sets from the output format.
		info.Size = 0
	}

	var writeErr error
	started := e.sink.ContainerStarted() && e.trackIndex >= 0
	if info.Size > 0 {
		if started {
			if e.hasWritten && info.PresentationTimeUs < e.lastWrittenPts {
				e.logger.Debug("clamping timestamp", "pts", info.PresentationTimeUs, "last", e.lastWrittenPts)
				info.PresentationTimeUs = e.lastWrittenPts
			}
			writeErr = e.sink.WriteSample(e.trackIndex, out.Data, info)
			if writeErr == nil {
				e.hasWritten = true
				e.lastWrittenPts = info.PresentationTimeUs
				e.written++
				metrics.SamplesWritten.WithLabelValues(e.Kind().String()).Inc()
			}
		} else {
			e.logger.Warn("dropping output before container start", "pts", info.PresentationTimeUs)
		}
	}
	if info.Flags.Has(codec.FlagEndOfStream) && started {
		end := info.PresentationTimeUs
		if e.hasWritten && end < e.lastWrittenPts {
			end = e.lastWrittenPts
		}
		e.sink.EndTrack(e.trackIndex, end)
	}

	if err := e.session.ReleaseOutput(out.Index); err != nil && writeErr == nil {
		return errors.Wrapf(err, "release %v output", e.Kind())
	}
	if writeErr != nil {
		return errors.Wrapf(writeErr, "write %v sample", e.Kind())
	}
	return nil
}

// EndOfStreamTimestamp is the timestamp the end-of-stream marker carries.
// It never precedes the last written sample.
func (e *TrackEncoder) EndOfStreamTimestamp() int64 {
	ts := e.policy.EndOfStreamTimestamp(e.lastInputPts, e.lastInputSize)
	if e.hasWritten && ts < e.lastWrittenPts {
		ts = e.lastWrittenPts
	}
	return ts
}

// SignalEndOfStream flushes the session: queue the end-of-stream marker,
// retrying while no input slot is free, then drain until it comes out.
// An encoder that never received a frame has nothing to flush.
func (e *TrackEncoder) SignalEndOfStream(ctx context.Context) error {
	if err := e.QueueEndOfStream(ctx); err != nil {
		return err
	}
	return e.AwaitEndOfStream()
}

// QueueEndOfStream drains what is ready and queues the end-of-stream marker
// without waiting for it to come out.
func (e *TrackEncoder) QueueEndOfStream(ctx context.Context) error {
	if e.released {
		return ErrReleased
	}
	if !e.committed {
		e.logger.Debug("no frames committed, skipping end of stream")
		return nil
	}
	if e.ended || e.eosQueued {
		return nil
	}

	if err := e.Drain(false); err != nil {
		return err
	}
	if e.ended {
		return nil
	}

	pts := e.EndOfStreamTimestamp()
	for attempt := 1; ; attempt++ {
		ok, err := e.CommitFrame(nil, pts, true)
		if err != nil {
			return err
		}
		if ok {
			if attempt > 1 {
				e.logger.Debug("end of stream queued after retries", "attempts", attempt)
			}
			return nil
		}
		if attempt >= e.opts.EOSRetries {
			return &EndOfStreamError{Kind: e.Kind(), Reason: SignalFailed, Attempts: attempt}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.opts.Clock.After(e.opts.EOSRetryInterval):
		}
	}
}

// AwaitEndOfStream blocks until the queued end-of-stream marker comes out of
// the session. It returns ErrAwaitingContainer, with the output still queued,
// when the container has not started.
func (e *TrackEncoder) AwaitEndOfStream() error {
	if e.released {
		return ErrReleased
	}
	if !e.eosQueued || e.ended {
		return nil
	}
	return e.Drain(true)
}

// Release frees the session. Safe to call more than once.
func (e *TrackEncoder) Release() error {
	if e.released {
		return nil
	}
	e.released = true
	if err := e.session.Release(); err != nil {
		return errors.Wrapf(err, "release %v session", e.Kind())
	}
	return nil
}
