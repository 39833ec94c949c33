package encoder

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/babelcloud/gbox/packages/recorder/internal/media"
)

var (
	// ErrFormatChangedTwice is a session contract violation.
	ErrFormatChangedTwice = errors.New("output format changed twice")
	// ErrEndOfStream matches every EndOfStreamError.
	ErrEndOfStream = errors.New("end of stream failed")
	ErrReleased    = errors.New("track encoder released")
	// ErrAwaitingContainer is returned by a blocking drain whose output is
	// held back until the other tracks let the container start.
	ErrAwaitingContainer = errors.New("output held until the container starts")
)

// EndOfStreamReason says which part of the end-of-stream protocol failed.
type EndOfStreamReason int

const (
	// WaitExceeded means the end-of-stream output never arrived.
	WaitExceeded EndOfStreamReason = iota
	// SignalFailed means no input slot accepted the end-of-stream marker.
	SignalFailed
)

func (r EndOfStreamReason) String() string {
	switch r {
	case WaitExceeded:
		return "wait exceeded"
	case SignalFailed:
		return "signal failed"
	}
	return fmt.Sprintf("reason(%d)", int(r))
}

// EndOfStreamError reports a failed flush of one track.
type EndOfStreamError struct {
	Kind     media.Kind
	Reason   EndOfStreamReason
	Attempts int
}

func (e *EndOfStreamError) Error() string {
	return fmt.Sprintf("%v end of stream: %v after %d attempts", e.Kind, e.Reason, e.Attempts)
}

func (e *EndOfStreamError) Unwrap() error { return ErrEndOfStream }
