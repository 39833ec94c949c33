package ffmpeg

import (
	"strconv"
	"sync"

	"github.com/pkg/errors"

	"github.com/babelcloud/gbox/packages/recorder/internal/avc"
	"github.com/babelcloud/gbox/packages/recorder/internal/codec"
	"github.com/babelcloud/gbox/packages/recorder/internal/media"
)

func videoArgs(cfg Config, p media.VideoParams, pixFmt string) []string {
	return []string{
		"-hide_banner", "-loglevel", cfg.LogLevel,
		"-f", "rawvideo",
		"-pix_fmt", pixFmt,
		"-s", strconv.Itoa(p.Width) + "x" + strconv.Itoa(p.Height),
		"-r", strconv.Itoa(cfg.FrameRate),
		"-i", "pipe:0",
		"-an",
		"-c:v", "libx264",
		"-preset", cfg.Preset,
		"-tune", "zerolatency",
		"-bf", "0",
		"-g", strconv.Itoa(cfg.GOP),
		"-b:v", strconv.Itoa(cfg.VideoBitRate),
		"-pix_fmt", "yuv420p",
		"-fps_mode", "passthrough",
		"-bsf:v", "h264_metadata=aud=insert",
		"-f", "h264",
		"pipe:1",
	}
}

// ptsQueue carries input timestamps from the feeder to the parser. The
// encoder runs without B-frames so access units leave in input order.
type ptsQueue struct {
	mu   sync.Mutex
	pts  []int64
	last int64
	step int64
}

func (q *ptsQueue) push(pts int64) {
	q.mu.Lock()
	q.pts = append(q.pts, pts)
	q.mu.Unlock()
}

func (q *ptsQueue) pop() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pts) == 0 {
		q.last += q.step
		return q.last
	}
	pts := q.pts[0]
	q.pts = q.pts[1:]
	q.last = pts
	return pts
}

type videoParser struct {
	format   codec.Format
	splitter avc.AccessUnitSplitter
	pts      *ptsQueue
	started  bool
}

func (v *videoParser) push(data []byte, emit func(codec.Output) error) error {
	for _, au := range v.splitter.Push(data) {
		if err := v.handle(au, emit); err != nil {
			return err
		}
	}
	return nil
}

func (v *videoParser) flush(emit func(codec.Output) error) error {
	if au := v.splitter.Flush(); len(au) > 0 {
		return v.handle(au, emit)
	}
	return nil
}

func (v *videoParser) handle(au []byte, emit func(codec.Output) error) error {
	nalus, err := avc.SplitAnnexB(au)
	if err != nil {
		return err
	}
	pts := v.pts.pop()

	if !v.started {
		sps, pps := avc.ParameterSets(nalus)
		if sps == nil || pps == nil {
			return errors.New("first access unit carries no parameter sets")
		}
		f := v.format
		f.SPS = append([]byte(nil), sps...)
		f.PPS = append([]byte(nil), pps...)
		if err := emit(codec.Output{Status: codec.FormatChanged, Format: &f}); err != nil {
			return err
		}
		config := avc.JoinAnnexB([][]byte{f.SPS, f.PPS})
		if err := emit(codec.Output{
			Status: codec.Buffer,
			Data:   config,
			Info:   codec.BufferInfo{Size: len(config), PresentationTimeUs: pts, Flags: codec.FlagCodecConfig},
		}); err != nil {
			return err
		}
		v.started = true
	}

	var flags codec.BufferFlag
	if avc.ContainsIDR(nalus) {
		flags |= codec.FlagKeyFrame
	}
	return emit(codec.Output{
		Status: codec.Buffer,
		Data:   au,
		Info:   codec.BufferInfo{Size: len(au), PresentationTimeUs: pts, Flags: flags},
	})
}
