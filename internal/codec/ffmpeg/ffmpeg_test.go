package ffmpeg

import (
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/babelcloud/gbox/packages/recorder/internal/avc"
	"github.com/babelcloud/gbox/packages/recorder/internal/codec"
	"github.com/babelcloud/gbox/packages/recorder/internal/media"
	"github.com/babelcloud/gbox/packages/recorder/internal/util"
)

var (
	testSPS    = []byte{0x67, 0x42, 0xc0, 0x28, 0xd9, 0x00, 0x78, 0x02, 0x27, 0xe5, 0x84, 0x00, 0x00, 0x03, 0x00, 0x04, 0x00, 0x00, 0x03, 0x00, 0xf0, 0x3c, 0x60, 0xc9, 0x20}
	testPPS    = []byte{0x68, 0xce, 0x38, 0x80}
	testIDR    = []byte{0x65, 0x88, 0x84, 0x00, 0x10}
	testPFrame = []byte{0x41, 0x9a, 0x24, 0x8c, 0x09}
	testAUD    = []byte{0x09, 0xf0}
)

func collect(outs *[]codec.Output) func(codec.Output) error {
	return func(o codec.Output) error {
		*outs = append(*outs, o)
		return nil
	}
}

func TestPixFmtMapping(t *testing.T) {
	name, err := PixFmtName(media.FormatNV21)
	require.NoError(t, err)
	assert.Equal(t, "nv21", name)

	f, err := PixelFormatByName("rgb0")
	require.NoError(t, err)
	assert.Equal(t, media.FormatRV32, f)

	_, err = PixFmtName(media.FormatInvalid)
	assert.True(t, errors.Is(err, media.ErrUnsupportedPixelFormat))
	_, err = PixelFormatByName("p010le")
	assert.Error(t, err)
}

func TestVideoArgs(t *testing.T) {
	cfg := DefaultConfig()
	args := videoArgs(cfg, media.VideoParams{Format: media.FormatNV12, Width: 320, Height: 240}, "nv12")
	assert.Subset(t, args, []string{"rawvideo", "nv12", "320x240", "libx264", "150", "1000000", "h264_metadata=aud=insert"})
	assert.Equal(t, "pipe:1", args[len(args)-1])

	args = audioArgs(cfg, 48000, 1)
	assert.Subset(t, args, []string{"s16le", "48000", "1", "aac", "128000", "adts"})
}

func TestVideoParserEmitsFormatThenConfig(t *testing.T) {
	q := &ptsQueue{step: 33333}
	q.push(0)
	q.push(33333)
	p := &videoParser{format: codec.Format{Kind: media.KindVideo, MIME: codec.MIMEVideoAVC, Width: 320, Height: 240}, pts: q}

	stream := append(avc.JoinAnnexB([][]byte{testAUD, testSPS, testPPS, testIDR}), avc.JoinAnnexB([][]byte{testAUD, testPFrame})...)
	var outs []codec.Output
	require.NoError(t, p.push(stream, collect(&outs)))
	require.NoError(t, p.flush(collect(&outs)))

	require.Len(t, outs, 4)
	assert.Equal(t, codec.FormatChanged, outs[0].Status)
	assert.Equal(t, testSPS, outs[0].Format.SPS)
	assert.Equal(t, testPPS, outs[0].Format.PPS)
	assert.True(t, outs[1].Info.Flags.Has(codec.FlagCodecConfig))
	assert.True(t, outs[2].Info.Flags.Has(codec.FlagKeyFrame))
	assert.Equal(t, int64(0), outs[2].Info.PresentationTimeUs)
	assert.False(t, outs[3].Info.Flags.Has(codec.FlagKeyFrame))
	assert.Equal(t, int64(33333), outs[3].Info.PresentationTimeUs)
}

func TestVideoParserRequiresParameterSets(t *testing.T) {
	p := &videoParser{pts: &ptsQueue{step: 1}}
	var outs []codec.Output
	require.NoError(t, p.push(avc.JoinAnnexB([][]byte{testAUD, testPFrame}), collect(&outs)))
	assert.Error(t, p.flush(collect(&outs)))
}

func TestPtsQueueExtrapolates(t *testing.T) {
	q := &ptsQueue{step: 10}
	q.push(100)
	assert.Equal(t, int64(100), q.pop())
	assert.Equal(t, int64(110), q.pop())
}

func TestAudioParserTimestamps(t *testing.T) {
	clock := &audioClock{}
	clock.observe(500_000)
	clock.observe(900_000)
	p := &audioParser{format: audioFormat(DefaultConfig(), media.AudioParams{SampleRate: 48000, Layout: media.LayoutStereo}, 2), clock: clock}

	var stream []byte
	for i := 0; i < 3; i++ {
		frame, err := avc.ADTSFrame([]byte{0x21, byte(i)}, 48000, 2)
		require.NoError(t, err)
		stream = append(stream, frame...)
	}
	var outs []codec.Output
	require.NoError(t, p.push(stream, collect(&outs)))
	require.NoError(t, p.flush(collect(&outs)))

	require.Len(t, outs, 4)
	assert.Equal(t, codec.FormatChanged, outs[0].Status)
	assert.Equal(t, 48000, outs[0].Format.SampleRate)
	assert.Equal(t, int64(500_000), outs[1].Info.PresentationTimeUs)
	assert.Equal(t, int64(500_000+21333), outs[2].Info.PresentationTimeUs)
	assert.Equal(t, int64(500_000+42666), outs[3].Info.PresentationTimeUs)
	assert.Equal(t, []byte{0x21, 0x02}, outs[3].Data)
}

func TestAudioParserRejectsTrailingBytes(t *testing.T) {
	p := &audioParser{format: audioFormat(DefaultConfig(), media.AudioParams{SampleRate: 44100, Layout: media.LayoutMono}, 1), clock: &audioClock{}}
	var outs []codec.Output
	require.NoError(t, p.push([]byte{0xFF, 0xF1}, collect(&outs)))
	assert.Error(t, p.flush(collect(&outs)))
}

func requireFFmpeg(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping ffmpeg test in short mode")
	}
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		t.Skip("ffmpeg not available")
	}
	out, err := exec.Command("ffmpeg", "-hide_banner", "-encoders").Output()
	if err != nil || !strings.Contains(string(out), "libx264") {
		t.Skip("ffmpeg built without libx264")
	}
}

func drainAll(t *testing.T, s codec.Session) []codec.Output {
	t.Helper()
	var outs []codec.Output
	deadline := time.Now().Add(20 * time.Second)
	for time.Now().Before(deadline) {
		o, err := s.DequeueOutput(10 * time.Millisecond)
		require.NoError(t, err)
		if o.Status == codec.TryAgainLater {
			continue
		}
		outs = append(outs, o)
		if o.Status == codec.Buffer {
			require.NoError(t, s.ReleaseOutput(o.Index))
			if o.Info.Flags.Has(codec.FlagEndOfStream) {
				return outs
			}
		}
	}
	t.Fatal("timed out waiting for end of stream")
	return nil
}

func TestFFmpegVideoSession(t *testing.T) {
	requireFFmpeg(t)
	f := NewFactory(Config{Logger: util.DiscardLogger(), GOP: 10})
	s, err := f.NewVideoSession(media.VideoParams{Format: media.FormatYUV420P, Width: 64, Height: 48})
	require.NoError(t, err)
	defer s.Release()

	frameSize, _ := media.FormatYUV420P.FrameSize(64, 48)
	for i := 0; i < 15; i++ {
		slot, err := s.DequeueInput(time.Second)
		require.NoError(t, err)
		require.NotNil(t, slot)
		for j := 0; j < frameSize; j++ {
			slot.Buf[j] = byte(i + j)
		}
		require.NoError(t, s.QueueInput(slot, frameSize, int64(i)*33333, 0))
	}
	slot, err := s.DequeueInput(time.Second)
	require.NoError(t, err)
	require.NotNil(t, slot)
	require.NoError(t, s.QueueInput(slot, 0, 15*33333, codec.FlagEndOfStream))

	outs := drainAll(t, s)
	require.Equal(t, codec.FormatChanged, outs[0].Status)
	assert.NotEmpty(t, outs[0].Format.SPS)
	assert.True(t, outs[1].Info.Flags.Has(codec.FlagCodecConfig))

	samples := outs[2 : len(outs)-1]
	assert.Len(t, samples, 15)
	assert.True(t, samples[0].Info.Flags.Has(codec.FlagKeyFrame))
	assert.Equal(t, int64(14*33333), samples[14].Info.PresentationTimeUs)
	assert.Equal(t, int64(15*33333), outs[len(outs)-1].Info.PresentationTimeUs)

	require.NoError(t, s.Release())
	_, err = s.DequeueInput(0)
	assert.True(t, errors.Is(err, codec.ErrSessionReleased))
}

func TestFFmpegAudioSession(t *testing.T) {
	requireFFmpeg(t)
	f := NewFactory(Config{Logger: util.DiscardLogger()})
	s, err := f.NewAudioSession(media.AudioParams{SampleRate: 44100, Layout: media.LayoutStereo})
	require.NoError(t, err)
	defer s.Release()

	const chunk = 1024 * 4
	for i := 0; i < 20; i++ {
		slot, err := s.DequeueInput(time.Second)
		require.NoError(t, err)
		require.NotNil(t, slot)
		require.NoError(t, s.QueueInput(slot, chunk, int64(i)*23219, 0))
	}
	slot, err := s.DequeueInput(time.Second)
	require.NoError(t, err)
	require.NoError(t, s.QueueInput(slot, 0, 20*23219, codec.FlagEndOfStream))

	outs := drainAll(t, s)
	require.Equal(t, codec.FormatChanged, outs[0].Status)
	assert.NotNil(t, outs[0].Format.AudioConfig)
	assert.GreaterOrEqual(t, len(outs), 20)
}

func TestFFmpegRejectsWrongFrameSize(t *testing.T) {
	requireFFmpeg(t)
	f := NewFactory(Config{Logger: util.DiscardLogger()})
	s, err := f.NewVideoSession(media.VideoParams{Format: media.FormatYUV420P, Width: 64, Height: 48})
	require.NoError(t, err)
	defer s.Release()

	slot, err := s.DequeueInput(time.Second)
	require.NoError(t, err)
	assert.Error(t, s.QueueInput(slot, 10, 0, 0))

	// The slot went back to the pool.
	slot, err = s.DequeueInput(time.Second)
	require.NoError(t, err)
	assert.NotNil(t, slot)
}
