package recorder

import (
	"log/slog"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/babelcloud/gbox/packages/recorder/internal/codec"
	"github.com/babelcloud/gbox/packages/recorder/internal/container"
	"github.com/babelcloud/gbox/packages/recorder/internal/encoder"
	"github.com/babelcloud/gbox/packages/recorder/internal/media"
)

type muxState int

const (
	muxWaitingForFormats muxState = iota
	muxStarted
)

// muxer implements encoder.Sink over a container writer. Tracks are added in
// the order of encoders, video first.
type muxer struct {
	writer   container.Writer
	encoders []*encoder.TrackEncoder
	state    muxState
	logger   *slog.Logger

	kinds   []media.Kind
	samples [2]atomic.Int64
}

func newMuxer(w container.Writer, logger *slog.Logger) *muxer {
	return &muxer{writer: w, logger: logger}
}

func (m *muxer) attach(encoders ...*encoder.TrackEncoder) {
	m.encoders = append(m.encoders, encoders...)
}

func (m *muxer) TryStartContainer() (bool, error) {
	if m.state == muxStarted {
		return false, nil
	}
	for _, e := range m.encoders {
		if e.OutputFormat() == nil {
			m.logger.Debug("waiting for output formats", "missing", e.Kind().String())
			return false, nil
		}
	}

	for _, e := range m.encoders {
		idx, err := m.writer.AddTrack(*e.OutputFormat())
		if err != nil {
			return false, errors.Wrapf(err, "add %v track", e.Kind())
		}
		e.SetTrackIndex(idx)
		m.kinds = append(m.kinds, e.Kind())
	}
	if err := m.writer.Start(); err != nil {
		return false, errors.Wrap(err, "start container")
	}
	m.state = muxStarted
	m.logger.Info("container started", "tracks", len(m.encoders))
	return true, nil
}

func (m *muxer) ContainerStarted() bool { return m.state == muxStarted }

func (m *muxer) WriteSample(track int, data []byte, info codec.BufferInfo) error {
	if m.state != muxStarted {
		return container.ErrNotStarted
	}
	if err := m.writer.WriteSample(track, data, info); err != nil {
		return err
	}
	if track >= 0 && track < len(m.kinds) {
		m.samples[m.kinds[track]].Add(1)
	}
	return nil
}

func (m *muxer) EndTrack(track int, endPtsUs int64) {
	m.writer.EndTrack(track, endPtsUs)
}

// Samples returns how many samples of a kind reached the container. Safe
// from any goroutine.
func (m *muxer) Samples(kind media.Kind) int {
	if kind != media.KindVideo && kind != media.KindAudio {
		return 0
	}
	return int(m.samples[kind].Load())
}
