package ffmpeg

import (
	"strconv"
	"sync"

	"github.com/pkg/errors"

	"github.com/babelcloud/gbox/packages/recorder/internal/avc"
	"github.com/babelcloud/gbox/packages/recorder/internal/codec"
	"github.com/babelcloud/gbox/packages/recorder/internal/media"
)

// aacFrameSamples is the number of PCM samples per AAC-LC access unit.
const aacFrameSamples = 1024

func audioArgs(cfg Config, sampleRate, channels int) []string {
	return []string{
		"-hide_banner", "-loglevel", cfg.LogLevel,
		"-f", "s16le",
		"-ar", strconv.Itoa(sampleRate),
		"-ac", strconv.Itoa(channels),
		"-i", "pipe:0",
		"-vn",
		"-c:a", "aac",
		"-b:a", strconv.Itoa(cfg.AudioBitRate),
		"-f", "adts",
		"pipe:1",
	}
}

// audioClock remembers the first queued timestamp; output timestamps are
// derived from it and the access unit count.
type audioClock struct {
	mu    sync.Mutex
	set   bool
	first int64
}

func (c *audioClock) observe(pts int64) {
	c.mu.Lock()
	if !c.set {
		c.set = true
		c.first = pts
	}
	c.mu.Unlock()
}

func (c *audioClock) base() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.first
}

type audioParser struct {
	format   codec.Format
	splitter avc.ADTSSplitter
	clock    *audioClock
	count    int64
	started  bool
}

func (a *audioParser) push(data []byte, emit func(codec.Output) error) error {
	aus, err := a.splitter.Push(data)
	for _, au := range aus {
		if herr := a.handle(au, emit); herr != nil {
			return herr
		}
	}
	return err
}

func (a *audioParser) flush(emit func(codec.Output) error) error {
	if n := a.splitter.Pending(); n > 0 {
		return errors.Errorf("%d trailing bytes after last adts frame", n)
	}
	return nil
}

func (a *audioParser) handle(au []byte, emit func(codec.Output) error) error {
	if !a.started {
		f := a.format
		if err := emit(codec.Output{Status: codec.FormatChanged, Format: &f}); err != nil {
			return err
		}
		a.started = true
	}
	pts := a.clock.base() + a.count*aacFrameSamples*1_000_000/int64(a.format.SampleRate)
	a.count++
	return emit(codec.Output{
		Status: codec.Buffer,
		Data:   au,
		Info:   codec.BufferInfo{Size: len(au), PresentationTimeUs: pts, Flags: codec.FlagKeyFrame},
	})
}

func audioFormat(cfg Config, p media.AudioParams, channels int) codec.Format {
	return codec.Format{
		Kind:         media.KindAudio,
		MIME:         codec.MIMEAudioAAC,
		SampleRate:   p.SampleRate,
		ChannelCount: channels,
		BitRate:      cfg.AudioBitRate,
		AudioConfig:  codec.NewAACConfig(p.SampleRate, channels),
	}
}
