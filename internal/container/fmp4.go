package container

import (
	"log/slog"
	"os"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4/seekablebuffer"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mp4"
	"github.com/pkg/errors"

	"github.com/babelcloud/gbox/packages/recorder/internal/avc"
	"github.com/babelcloud/gbox/packages/recorder/internal/codec"
	"github.com/babelcloud/gbox/packages/recorder/internal/media"
)

const videoTimeScale = 90000

// scaleTimestamp converts microseconds into track timescale units.
func scaleTimestamp(us int64, timeScale uint32) int64 {
	return us * int64(timeScale) / 1_000_000
}

type pendingSample struct {
	dts     int64
	payload []byte
	sync    bool
}

type fmp4Track struct {
	id              int
	format          codec.Format
	codec           mp4.Codec
	timeScale       uint32
	defaultDuration uint32

	// pending waits for the next sample to learn its duration.
	pending      *pendingSample
	lastDTS      int64
	lastDuration uint32
	lastUs       int64
	hasLast      bool
	endUs        int64
	hasEnd       bool

	partSamples []*fmp4.Sample
	partBase    int64
	partLength  int64
	written     int
}

// fmp4Writer writes a fragmented MP4: an init segment followed by one part
// per PartDuration.
type fmp4Writer struct {
	file   *os.File
	logger *slog.Logger

	partDuration time.Duration
	tracks       []*fmp4Track
	started      bool
	stopped      bool
	released     bool

	gate *originGate
	seq  uint32
}

func newFMP4Writer(f *os.File, partDuration time.Duration, logger *slog.Logger) *fmp4Writer {
	return &fmp4Writer{
		file:         f,
		logger:       logger,
		partDuration: partDuration,
		seq:          1,
	}
}

func (w *fmp4Writer) AddTrack(f codec.Format) (int, error) {
	if w.started {
		return -1, ErrTrackAfterStart
	}
	if err := f.Validate(); err != nil {
		return -1, errors.Wrap(err, "add track")
	}

	t := &fmp4Track{id: len(w.tracks) + 1, format: f}
	switch f.Kind {
	case media.KindVideo:
		t.codec = &mp4.CodecH264{SPS: f.SPS, PPS: f.PPS}
		t.timeScale = videoTimeScale
		fps := f.FrameRate
		if fps <= 0 {
			fps = 30
		}
		t.defaultDuration = uint32(videoTimeScale / fps)
	case media.KindAudio:
		t.codec = &mp4.CodecMPEG4Audio{Config: *f.AudioConfig}
		t.timeScale = uint32(f.SampleRate)
		t.defaultDuration = 1024
	}
	w.tracks = append(w.tracks, t)
	w.logger.Debug("track added", "track", len(w.tracks)-1, "format", f.String())
	return len(w.tracks) - 1, nil
}

func (w *fmp4Writer) Start() error {
	if w.started {
		return ErrAlreadyStarted
	}
	if len(w.tracks) == 0 {
		return ErrNoTracks
	}

	init := &fmp4.Init{}
	for _, t := range w.tracks {
		init.Tracks = append(init.Tracks, &fmp4.InitTrack{
			ID:        t.id,
			TimeScale: t.timeScale,
			Codec:     t.codec,
		})
	}
	var buf seekablebuffer.Buffer
	if err := init.Marshal(&buf); err != nil {
		return errors.Wrap(err, "marshal init segment")
	}
	if _, err := w.file.Write(buf.Bytes()); err != nil {
		return errors.Wrap(err, "write init segment")
	}
	w.gate = newOriginGate(len(w.tracks))
	w.started = true
	w.logger.Debug("init segment written", "size", len(buf.Bytes()), "tracks", len(w.tracks))
	return nil
}

func (w *fmp4Writer) track(i int) (*fmp4Track, error) {
	if i < 0 || i >= len(w.tracks) {
		return nil, errors.Wrapf(ErrUnknownTrack, "%d", i)
	}
	return w.tracks[i], nil
}

func (w *fmp4Writer) WriteSample(track int, data []byte, info codec.BufferInfo) error {
	if !w.started || w.stopped {
		return ErrNotStarted
	}
	t, err := w.track(track)
	if err != nil {
		return err
	}
	payload, err := clip(data, info)
	if err != nil {
		return err
	}
	if len(payload) == 0 || info.Flags.Has(codec.FlagCodecConfig) {
		return nil
	}

	if t.format.Kind == media.KindVideo {
		payload, err = avc.AnnexBToAVCC(payload)
		if err != nil {
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

	ready := w.gate.push(heldSample{track: track, ptsUs: pts, payload: payload, key: info.Flags.Has(codec.FlagKeyFrame)})
	for _, s := range ready {
		w.enqueue(s)
	}
	if w.partFull() {
		return w.flushPart()
	}
	return nil
}

// enqueue makes s the track's pending sample, which fixes the duration of
// the previous one.
func (w *fmp4Writer) enqueue(s heldSample) {
	t := w.tracks[s.track]
	dts := scaleTimestamp(w.gate.relative(s.ptsUs), t.timeScale)
	if t.pending != nil {
		t.append(uint32(dts - t.pending.dts))
	}
	t.pending = &pendingSample{dts: dts, payload: s.payload, sync: s.key}
}

func (t *fmp4Track) append(duration uint32) {
	p := t.pending
	if len(t.partSamples) == 0 {
		t.partBase = p.dts
	}
	t.partSamples = append(t.partSamples, &fmp4.Sample{
		Duration:        duration,
		IsNonSyncSample: !p.sync,
		Payload:         p.payload,
	})
	t.partLength += int64(duration)
	t.lastDTS = p.dts
	if duration > 0 {
		t.lastDuration = duration
	}
	t.pending = nil
	t.written++
}

func (w *fmp4Writer) partFull() bool {
	for _, t := range w.tracks {
		if t.partLength >= scaleTimestamp(w.partDuration.Microseconds(), t.timeScale) {
			return true
		}
	}
	return false
}

func (w *fmp4Writer) flushPart() error {
	part := &fmp4.Part{SequenceNumber: w.seq}
	for _, t := range w.tracks {
		if len(t.partSamples) == 0 {
			continue
		}
		part.Tracks = append(part.Tracks, &fmp4.PartTrack{
			ID:       t.id,
			BaseTime: uint64(t.partBase),
			Samples:  t.partSamples,
		})
	}
	if len(part.Tracks) == 0 {
		return nil
	}

	var buf seekablebuffer.Buffer
	if err := part.Marshal(&buf); err != nil {
		return errors.Wrap(err, "marshal part")
	}
	if _, err := w.file.Write(buf.Bytes()); err != nil {
		return errors.Wrap(err, "write part")
	}
	w.logger.Debug("part written", "sequence", w.seq, "size", len(buf.Bytes()))
	w.seq++
	for _, t := range w.tracks {
		t.partSamples = nil
		t.partLength = 0
	}
	return nil
}

func (w *fmp4Writer) EndTrack(track int, endPtsUs int64) {
	t, err := w.track(track)
	if err != nil {
		return
	}
	t.endUs = endPtsUs
	t.hasEnd = true
}

func (w *fmp4Writer) Stop() error {
	if !w.started || w.stopped {
		return nil
	}
	w.stopped = true

	for _, s := range w.gate.flush() {
		w.enqueue(s)
	}
	for _, t := range w.tracks {
		if t.pending == nil {
			continue
		}
		var endDTS int64
		if t.hasEnd {
			endDTS = scaleTimestamp(w.gate.relative(t.endUs), t.timeScale)
		}
		var duration uint32
		switch {
		case t.hasEnd && endDTS > t.pending.dts:
			duration = uint32(endDTS - t.pending.dts)
		case t.lastDuration > 0:
			duration = t.lastDuration
		default:
			duration = t.defaultDuration
		}
		t.append(duration)
	}
	if err := w.flushPart(); err != nil {
		return err
	}
	if err := w.file.Sync(); err != nil {
		return errors.Wrap(err, "sync output")
	}
	for i, t := range w.tracks {
		w.logger.Debug("track finalized", "track", i, "samples", t.written)
	}
	return nil
}

func (w *fmp4Writer) Release() error {
	if w.released {
		return nil
	}
	w.released = true
	if err := w.file.Close(); err != nil {
		return errors.Wrap(err, "close output")
	}
	return nil
}
