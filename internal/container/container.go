// Package container writes encoded tracks into a single timestamped file.
package container

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/babelcloud/gbox/packages/recorder/internal/codec"
	"github.com/babelcloud/gbox/packages/recorder/internal/util"
)

// Supported container names.
const (
	FormatMP4 = "mp4"
	FormatMKV = "mkv"
)

var (
	ErrAlreadyStarted     = errors.New("container already started")
	ErrNotStarted         = errors.New("container not started")
	ErrTrackAfterStart    = errors.New("track added after start")
	ErrTimestampBackwards = errors.New("timestamp moved backwards")
	ErrUnknownTrack       = errors.New("unknown track")
	ErrNoTracks           = errors.New("no tracks")
	ErrUnknownFormat      = errors.New("unknown container format")
)

// Writer muxes samples of one or more tracks. All methods are called from a
// single goroutine.
type Writer interface {
	// AddTrack registers a track and returns its index. Only before Start.
	AddTrack(f codec.Format) (int, error)
	Start() error
	// WriteSample writes data[info.Offset:info.Offset+info.Size].
	WriteSample(track int, data []byte, info codec.BufferInfo) error
	// EndTrack tells the writer where the track ends so the last sample
	// gets a real duration.
	EndTrack(track int, endPtsUs int64)
	// Stop finalizes the file. A no-op when never started.
	Stop() error
	// Release frees everything. Idempotent.
	Release() error
}

// Options tunes the writers.
type Options struct {
	// PartDuration is the fragment length of fMP4 output.
	PartDuration time.Duration
	Logger       *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.PartDuration <= 0 {
		o.PartDuration = time.Second
	}
	if o.Logger == nil {
		o.Logger = util.GetLogger()
	}
	return o
}

// ForPath picks the container format from the file extension, defaulting to mp4.
func ForPath(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".mkv", ".mka":
		return FormatMKV
	}
	return FormatMP4
}

// Extension returns the file extension used for a container format.
func Extension(format string) string {
	if format == FormatMKV {
		return ".mkv"
	}
	return ".mp4"
}

// Open creates the output file, including missing parent directories, and
// returns a writer of the given format.
func Open(format, path string, opts Options) (Writer, error) {
	opts = opts.withDefaults()
	if format == "" {
		format = ForPath(path)
	}
	if format != FormatMP4 && format != FormatMKV {
		return nil, errors.Wrapf(ErrUnknownFormat, "%q", format)
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrapf(err, "create output directory %s", dir)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrapf(err, "create output file %s", path)
	}

	logger := opts.Logger.With("component", "container", "format", format, "path", path)
	if format == FormatMKV {
		return newMKVWriter(f, logger), nil
	}
	return newFMP4Writer(f, opts.PartDuration, logger), nil
}

// clip returns the valid region of an output payload.
func clip(data []byte, info codec.BufferInfo) ([]byte, error) {
	end := info.Offset + info.Size
	if info.Offset < 0 || info.Size < 0 || end > len(data) {
		return nil, errors.Errorf("buffer info %d+%d out of range for %d bytes", info.Offset, info.Size, len(data))
	}
	return data[info.Offset:end], nil
}
