package encoder

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testclock "k8s.io/utils/clock/testing"

	"github.com/babelcloud/gbox/packages/recorder/internal/codec"
	"github.com/babelcloud/gbox/packages/recorder/internal/codec/codectest"
	"github.com/babelcloud/gbox/packages/recorder/internal/media"
	"github.com/babelcloud/gbox/packages/recorder/internal/util"
)

var (
	testVideo = media.VideoParams{Format: media.FormatYUV420P, Width: 16, Height: 16}
	testAudio = media.AudioParams{SampleRate: 44100, Layout: media.LayoutStereo}
)

type written struct {
	track int
	info  codec.BufferInfo
}

// fakeSink starts once every registered encoder knows its format.
type fakeSink struct {
	encoders   []*TrackEncoder
	started    bool
	startCalls int
	samples    []written
	ends       map[int]int64
	writeErr   error
}

func (s *fakeSink) TryStartContainer() (bool, error) {
	s.startCalls++
	if s.started {
		return false, nil
	}
	for _, e := range s.encoders {
		if e.OutputFormat() == nil {
			return false, nil
		}
	}
	for i, e := range s.encoders {
		e.SetTrackIndex(i)
	}
	s.started = true
	return true, nil
}

func (s *fakeSink) ContainerStarted() bool { return s.started }

func (s *fakeSink) WriteSample(track int, _ []byte, info codec.BufferInfo) error {
	if s.writeErr != nil {
		return s.writeErr
	}
	s.samples = append(s.samples, written{track, info})
	return nil
}

func (s *fakeSink) EndTrack(track int, endPtsUs int64) {
	if s.ends == nil {
		s.ends = map[int]int64{}
	}
	s.ends[track] = endPtsUs
}

func (s *fakeSink) ptsOf(track int) []int64 {
	var out []int64
	for _, w := range s.samples {
		if w.track == track {
			out = append(out, w.info.PresentationTimeUs)
		}
	}
	return out
}

func testOptions() Options {
	return Options{Logger: util.DiscardLogger()}
}

func frame(p Policy) []byte {
	switch p.Kind() {
	case media.KindVideo:
		size, _ := testVideo.Format.FrameSize(testVideo.Width, testVideo.Height)
		return make([]byte, size)
	default:
		return make([]byte, 4096)
	}
}

func newVideo(t *testing.T, sink *fakeSink, opts Options) (*TrackEncoder, *codectest.Session) {
	t.Helper()
	policy, err := VideoPolicy(testVideo)
	require.NoError(t, err)
	s := codectest.NewVideo(nil)
	e := New(policy, s, sink, opts)
	sink.encoders = append(sink.encoders, e)
	return e, s
}

func newAudio(t *testing.T, sink *fakeSink, opts Options) (*TrackEncoder, *codectest.Session) {
	t.Helper()
	policy, err := AudioPolicy(testAudio)
	require.NoError(t, err)
	s := codectest.NewAudio(nil)
	e := New(policy, s, sink, opts)
	sink.encoders = append(sink.encoders, e)
	return e, s
}

func commit(t *testing.T, e *TrackEncoder, pts int64) {
	t.Helper()
	require.NoError(t, e.Drain(false))
	ok, err := e.CommitFrame(frame(e.policy), pts, false)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestCommitFrameWithoutSlotHasNoSideEffects(t *testing.T) {
	sink := &fakeSink{}
	e, s := newVideo(t, sink, testOptions())
	s.RejectInputs = 1

	ok, err := e.CommitFrame(frame(e.policy), 1000, false)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, s.Inputs())
	assert.Equal(t, int64(0), e.EndOfStreamTimestamp())

	// Nothing committed, so end of stream is a no-op.
	require.NoError(t, e.SignalEndOfStream(context.Background()))
	assert.Zero(t, s.EndOfStreamInputs())
}

func TestCommitFrameRejectsWrongSize(t *testing.T) {
	sink := &fakeSink{}
	e, s := newVideo(t, sink, testOptions())
	_, err := e.CommitFrame(make([]byte, 10), 0, false)
	assert.Error(t, err)
	assert.Zero(t, s.DequeueInputCalls())
}

func TestDrainWritesSamplesAndSkipsCodecConfig(t *testing.T) {
	sink := &fakeSink{}
	e, _ := newVideo(t, sink, testOptions())

	for i := 0; i < 5; i++ {
		commit(t, e, int64(i)*33_333)
	}
	require.NoError(t, e.Drain(false))

	assert.True(t, sink.started)
	assert.Equal(t, 0, e.TrackIndex())
	assert.Equal(t, []int64{0, 33_333, 66_666, 99_999, 133_332}, sink.ptsOf(0))
	for _, w := range sink.samples {
		assert.False(t, w.info.Flags.Has(codec.FlagCodecConfig))
	}
	assert.True(t, sink.samples[0].info.Flags.Has(codec.FlagKeyFrame))
	assert.Equal(t, 5, e.SamplesWritten())
}

func TestWrittenTimestampsNeverGoBackwards(t *testing.T) {
	sink := &fakeSink{}
	e, _ := newAudio(t, sink, testOptions())

	for _, pts := range []int64{100, 200, 150, 300, 50} {
		commit(t, e, pts)
	}
	require.NoError(t, e.Drain(false))

	got := sink.ptsOf(0)
	require.Len(t, got, 5)
	for i := 1; i < len(got); i++ {
		assert.GreaterOrEqual(t, got[i], got[i-1])
	}
	assert.Equal(t, []int64{100, 200, 200, 300, 300}, got)
}

func TestContainerStartsOnceAfterBothFormats(t *testing.T) {
	sink := &fakeSink{}
	video, vs := newVideo(t, sink, testOptions())
	audio, _ := newAudio(t, sink, testOptions())

	commit(t, video, 0)
	commit(t, video, 33_333)
	require.NoError(t, video.Drain(false))
	assert.NotNil(t, video.OutputFormat())
	assert.False(t, sink.started)
	assert.Empty(t, sink.samples, "nothing reaches the container before it starts")
	assert.Greater(t, vs.Queued(), 0, "outputs stay queued in the session")

	commit(t, audio, 0)
	require.NoError(t, audio.Drain(false))
	assert.True(t, sink.started)
	assert.Equal(t, 0, video.TrackIndex())
	assert.Equal(t, 1, audio.TrackIndex())

	require.NoError(t, video.Drain(false))
	assert.Equal(t, []int64{0, 33_333}, sink.ptsOf(0))
	assert.Equal(t, []int64{0}, sink.ptsOf(1))

	startsBefore := sink.startCalls
	commit(t, video, 66_666)
	commit(t, audio, 23_219)
	require.NoError(t, video.Drain(false))
	require.NoError(t, audio.Drain(false))
	assert.Equal(t, startsBefore, sink.startCalls, "format changes only once per track")
}

func TestFormatChangedTwiceIsFatal(t *testing.T) {
	sink := &fakeSink{}
	e, s := newVideo(t, sink, testOptions())
	s.ChangeFormatAgain = 2

	var err error
	for i := 0; i < 4 && err == nil; i++ {
		err = e.Drain(false)
		if err == nil {
			_, err = e.CommitFrame(frame(e.policy), int64(i), false)
		}
	}
	if err == nil {
		err = e.Drain(false)
	}
	assert.True(t, errors.Is(err, ErrFormatChangedTwice), "got %v", err)
}

func TestBlockingDrainWaitsForContainer(t *testing.T) {
	sink := &fakeSink{}
	video, vs := newVideo(t, sink, testOptions())
	audio, as := newAudio(t, sink, testOptions())
	as.HoldUntilEndOfStream = true

	for i := 0; i < 3; i++ {
		commit(t, video, int64(i)*33_333)
		commit(t, audio, int64(i)*23_219)
	}

	require.NoError(t, video.QueueEndOfStream(context.Background()))
	err := video.AwaitEndOfStream()
	assert.True(t, errors.Is(err, ErrAwaitingContainer), "got %v", err)
	assert.False(t, video.Ended())
	assert.False(t, sink.started)
	assert.Greater(t, vs.Queued(), 0)

	// Audio reaches its format only after end of stream and starts the container.
	require.NoError(t, audio.SignalEndOfStream(context.Background()))
	assert.True(t, sink.started)
	assert.True(t, audio.Ended())

	require.NoError(t, video.AwaitEndOfStream())
	assert.True(t, video.Ended())
	assert.Equal(t, []int64{0, 33_333, 66_666}, sink.ptsOf(0))
	assert.Len(t, sink.ptsOf(1), 3)
	assert.Equal(t, 1, vs.EndOfStreamInputs())
	assert.Equal(t, 1, as.EndOfStreamInputs())
}

func TestSignalEndOfStreamRetriesUntilSlotFree(t *testing.T) {
	fc := testclock.NewFakeClock(time.Now())
	opts := testOptions()
	opts.Clock = fc

	sink := &fakeSink{}
	e, s := newVideo(t, sink, opts)
	commit(t, e, 0)
	commit(t, e, 33_333)

	s.Lock()
	s.RejectInputs = 4
	s.Unlock()
	callsBefore := s.DequeueInputCalls()

	done := make(chan error, 1)
	go func() { done <- e.SignalEndOfStream(context.Background()) }()

	for {
		select {
		case err := <-done:
			require.NoError(t, err)
			assert.Equal(t, 5, s.DequeueInputCalls()-callsBefore)
			assert.Equal(t, 1, s.EndOfStreamInputs())
			assert.True(t, e.Ended())
			assert.Equal(t, int64(33_333), sink.ends[0])
			return
		default:
		}
		if fc.HasWaiters() {
			fc.Step(opts.withDefaults().EOSRetryInterval)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestSignalEndOfStreamGivesUp(t *testing.T) {
	opts := testOptions()
	opts.EOSRetries = 3
	opts.EOSRetryInterval = time.Millisecond

	sink := &fakeSink{}
	e, s := newAudio(t, sink, opts)
	commit(t, e, 0)
	s.Lock()
	s.RejectInputs = 1000
	s.Unlock()

	err := e.SignalEndOfStream(context.Background())
	var eosErr *EndOfStreamError
	require.True(t, errors.As(err, &eosErr), "got %v", err)
	assert.Equal(t, SignalFailed, eosErr.Reason)
	assert.Equal(t, 3, eosErr.Attempts)
	assert.True(t, errors.Is(err, ErrEndOfStream))
	assert.Zero(t, s.EndOfStreamInputs())
}

func TestDrainWaitCeiling(t *testing.T) {
	opts := testOptions()
	opts.DequeueTimeout = 10 * time.Millisecond
	opts.WaitToEndTimeout = 100 * time.Millisecond

	sink := &fakeSink{}
	e, s := newVideo(t, sink, opts)
	s.NeverEnd = true
	commit(t, e, 0)

	err := e.SignalEndOfStream(context.Background())
	var eosErr *EndOfStreamError
	require.True(t, errors.As(err, &eosErr), "got %v", err)
	assert.Equal(t, WaitExceeded, eosErr.Reason)
	assert.Equal(t, 11, eosErr.Attempts)
	assert.Equal(t, 1, s.EndOfStreamInputs())

	require.NoError(t, e.Release())
	require.NoError(t, e.Release())
	assert.Equal(t, 1, s.Releases())
	_, err = e.CommitFrame(nil, 0, true)
	assert.True(t, errors.Is(err, ErrReleased))
}

func TestEndOfStreamTimestamp(t *testing.T) {
	sink := &fakeSink{}
	audio, _ := newAudio(t, sink, testOptions())
	commit(t, audio, 1_000_000)
	// 4096 bytes of 44.1kHz stereo PCM16 last 23219us.
	assert.Equal(t, int64(1_023_219), audio.EndOfStreamTimestamp())

	sink2 := &fakeSink{}
	video, _ := newVideo(t, sink2, testOptions())
	commit(t, video, 500_000)
	assert.Equal(t, int64(500_000), video.EndOfStreamTimestamp())

	// Raised to the last written sample when timestamps were clamped.
	commit(t, video, 900_000)
	commit(t, video, 100_000)
	require.NoError(t, video.Drain(false))
	assert.Equal(t, int64(900_000), video.EndOfStreamTimestamp())
}

func TestUnexpectedEndOfStreamStopsDraining(t *testing.T) {
	sink := &fakeSink{}
	e, s := newVideo(t, sink, testOptions())
	commit(t, e, 0)
	ok, err := e.CommitFrame(nil, 10, true)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, e.Drain(false))
	assert.True(t, e.Ended())
	require.NoError(t, e.SignalEndOfStream(context.Background()))
	assert.Equal(t, 1, s.EndOfStreamInputs())
}

func TestWriteErrorReleasesOutput(t *testing.T) {
	sink := &fakeSink{writeErr: errors.New("disk full")}
	e, s := newVideo(t, sink, testOptions())
	commit(t, e, 0)
	err := e.Drain(false)
	assert.Error(t, err)
	assert.Zero(t, s.Unreleased())
}

func TestPolicies(t *testing.T) {
	_, err := VideoPolicy(media.VideoParams{Format: media.FormatYUV420P, Width: 15, Height: 16})
	assert.Error(t, err)
	_, err = VideoPolicy(media.VideoParams{Format: media.FormatInvalid, Width: 16, Height: 16})
	assert.True(t, errors.Is(err, media.ErrUnsupportedPixelFormat))

	_, err = AudioPolicy(media.AudioParams{SampleRate: 48000, Layout: media.ChannelLayout(0x3f)})
	assert.True(t, errors.Is(err, media.ErrUnsupportedChannelLayout))
	_, err = AudioPolicy(media.AudioParams{SampleRate: 0, Layout: media.LayoutMono})
	assert.Error(t, err)

	p, err := AudioPolicy(media.AudioParams{SampleRate: 48000, Layout: media.LayoutMono})
	require.NoError(t, err)
	assert.NoError(t, p.ValidateInput(960))
	assert.Error(t, p.ValidateInput(961))
	assert.Equal(t, int64(20_000), p.EndOfStreamTimestamp(0, 1920))
}

func TestNewWithFactory(t *testing.T) {
	f := &codectest.Factory{}
	sink := &fakeSink{}
	v, err := NewVideo(f, testVideo, sink, testOptions())
	require.NoError(t, err)
	a, err := NewAudio(f, testAudio, sink, testOptions())
	require.NoError(t, err)
	assert.Equal(t, media.KindVideo, v.Kind())
	assert.Equal(t, media.KindAudio, a.Kind())
	assert.Len(t, f.Sessions(), 2)

	f.AudioErr = errors.New("no encoder")
	_, err = NewAudio(f, testAudio, sink, testOptions())
	assert.Error(t, err)
}
