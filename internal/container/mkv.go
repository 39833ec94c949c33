package container

import (
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/at-wat/ebml-go/mkvcore"
	"github.com/at-wat/ebml-go/webm"
	"github.com/pkg/errors"

	"github.com/babelcloud/gbox/packages/recorder/internal/avc"
	"github.com/babelcloud/gbox/packages/recorder/internal/codec"
	"github.com/babelcloud/gbox/packages/recorder/internal/media"
)

const (
	mkvTrackTypeVideo = 1
	mkvTrackTypeAudio = 2

	mkvCloseTimeout = 5 * time.Second
)

var matroskaHeader = &webm.EBMLHeader{
	EBMLVersion:        1,
	EBMLReadVersion:    1,
	EBMLMaxIDLength:    4,
	EBMLMaxSizeLength:  8,
	DocType:            "matroska",
	DocTypeVersion:     4,
	DocTypeReadVersion: 2,
}

// notifyCloser reports when ebml-go has finished with the file. The block
// writers close it from their own goroutine once every track is closed.
type notifyCloser struct {
	file *os.File
	once sync.Once
	done chan struct{}
	err  error
}

func (c *notifyCloser) Write(p []byte) (int, error) { return c.file.Write(p) }

func (c *notifyCloser) Close() error {
	c.once.Do(func() {
		c.err = c.file.Close()
		close(c.done)
	})
	return c.err
}

type mkvTrack struct {
	format codec.Format
	entry  webm.TrackEntry
	writer  webm.BlockWriteCloser
	lastUs  int64
	hasLast bool
	count   int
}

// mkvWriter writes Matroska through ebml-go's SimpleBlock writer with
// millisecond block timestamps.
type mkvWriter struct {
	out    *notifyCloser
	logger *slog.Logger

	tracks   []*mkvTrack
	started  bool
	stopped  bool
	released bool

	gate *originGate

	mu    sync.Mutex
	fatal error
}

func newMKVWriter(f *os.File, logger *slog.Logger) *mkvWriter {
	return &mkvWriter{
		out:    &notifyCloser{file: f, done: make(chan struct{})},
		logger: logger,
	}
}

func (w *mkvWriter) AddTrack(f codec.Format) (int, error) {
	if w.started {
		return -1, ErrTrackAfterStart
	}
	if err := f.Validate(); err != nil {
		return -1, errors.Wrap(err, "add track")
	}

	n := uint64(len(w.tracks) + 1)
	entry := webm.TrackEntry{
		TrackNumber: n,
		TrackUID:    n,
	}
	switch f.Kind {
	case media.KindVideo:
		private, err := avc.DecoderConfig(f.SPS, f.PPS)
		if err != nil {
			return -1, errors.Wrap(err, "build avcC")
		}
		fps := f.FrameRate
		if fps <= 0 {
			fps = 30
		}
		entry.Name = "Video"
		entry.CodecID = "V_MPEG4/ISO/AVC"
		entry.CodecPrivate = private
		entry.TrackType = mkvTrackTypeVideo
		entry.DefaultDuration = uint64(time.Second.Nanoseconds() / int64(fps))
		entry.Video = &webm.Video{
			PixelWidth:  uint64(f.Width),
			PixelHeight: uint64(f.Height),
		}
	case media.KindAudio:
		private, err := f.AudioConfig.Marshal()
		if err != nil {
			return -1, errors.Wrap(err, "marshal AudioSpecificConfig")
		}
		entry.Name = "Audio"
		entry.CodecID = "A_AAC"
		entry.CodecPrivate = private
		entry.TrackType = mkvTrackTypeAudio
		entry.DefaultDuration = uint64(1024 * time.Second.Nanoseconds() / int64(f.SampleRate))
		entry.Audio = &webm.Audio{
			SamplingFrequency: float64(f.SampleRate),
			Channels:          uint64(f.ChannelCount),
		}
	}
	w.tracks = append(w.tracks, &mkvTrack{format: f, entry: entry})
	w.logger.Debug("track added", "track", len(w.tracks)-1, "format", f.String())
	return len(w.tracks) - 1, nil
}

func (w *mkvWriter) Start() error {
	if w.started {
		return ErrAlreadyStarted
	}
	if len(w.tracks) == 0 {
		return ErrNoTracks
	}

	entries := make([]webm.TrackEntry, len(w.tracks))
	for i, t := range w.tracks {
		entries[i] = t.entry
	}
	writers, err := webm.NewSimpleBlockWriter(w.out, entries,
		mkvcore.WithEBMLHeader(matroskaHeader),
		mkvcore.WithOnFatalHandler(func(err error) {
			w.logger.Warn("matroska writer failed", "error", err)
			w.mu.Lock()
			w.fatal = err
			w.mu.Unlock()
		}),
	)
	if err != nil {
		return errors.Wrap(err, "create matroska writer")
	}
	for i, t := range w.tracks {
		t.writer = writers[i]
	}
	w.gate = newOriginGate(len(w.tracks))
	w.started = true
	return nil
}

func (w *mkvWriter) fatalErr() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.fatal
}

func (w *mkvWriter) WriteSample(track int, data []byte, info codec.BufferInfo) error {
	if !w.started || w.stopped {
		return ErrNotStarted
	}
	if err := w.fatalErr(); err != nil {
		return errors.Wrap(err, "matroska writer failed")
	}
	if track < 0 || track >= len(w.tracks) {
		return errors.Wrapf(ErrUnknownTrack, "%d", track)
	}
	t := w.tracks[track]
	payload, err := clip(data, info)
	if err != nil {
		return err
	}
	if len(payload) == 0 || info.Flags.Has(codec.FlagCodecConfig) {
		return nil
	}
	if t.format.Kind == media.KindVideo {
		if payload, err = avc.AnnexBToAVCC(payload); err != nil {
			return errors.Wrap(err, "convert access unit")
		}
		if len(payload) == 0 {
			return nil
		}
	} else {
		payload = append([]byte(nil), payload...)
	}

	pts := info.PresentationTimeUs
	if t.hasLast && pts < t.lastUs {
		return errors.Wrapf(ErrTimestampBackwards, "track %d: %dus < %dus", track, pts, t.lastUs)
	}
	t.lastUs, t.hasLast = pts, true

	for _, s := range w.gate.push(heldSample{track: track, ptsUs: pts, payload: payload, key: info.Flags.Has(codec.FlagKeyFrame)}) {
		if err := w.writeBlock(s); err != nil {
			return err
		}
	}
	return nil
}

func (w *mkvWriter) writeBlock(s heldSample) error {
	t := w.tracks[s.track]
	ms := w.gate.relative(s.ptsUs) / 1000
	if _, err := t.writer.Write(s.key, ms, s.payload); err != nil {
		return errors.Wrapf(err, "write block on track %d", s.track)
	}
	t.count++
	return nil
}

// EndTrack has nothing to record: Matroska blocks carry no duration.
func (w *mkvWriter) EndTrack(track int, endPtsUs int64) {
	w.logger.Debug("track ended", "track", track, "end_us", endPtsUs)
}

func (w *mkvWriter) Stop() error {
	if !w.started || w.stopped {
		return nil
	}
	w.stopped = true
	var flushErr error
	for _, s := range w.gate.flush() {
		if err := w.writeBlock(s); err != nil && flushErr == nil {
			flushErr = err
		}
	}
	for i, t := range w.tracks {
		w.logger.Debug("track finalized", "track", i, "blocks", t.count)
		if err := t.writer.Close(); err != nil {
			return errors.Wrapf(err, "close track %d", i)
		}
	}
	select {
	case <-w.out.done:
	case <-time.After(mkvCloseTimeout):
		return errors.New("timed out finalizing matroska file")
	}
	if err := w.fatalErr(); err != nil {
		return errors.Wrap(err, "matroska writer failed")
	}
	return flushErr
}

func (w *mkvWriter) Release() error {
	if w.released {
		return nil
	}
	w.released = true
	if w.started && !w.stopped {
		for _, t := range w.tracks {
			_ = t.writer.Close()
		}
	}
	// The block writers may already have closed the file.
	if err := w.out.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		return errors.Wrap(err, "close output")
	}
	return nil
}
