package recorder

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrNotReady means no frame of a required kind has been seen yet.
	ErrNotReady         = errors.New("recorder not ready: stream formats unknown")
	ErrAlreadyRecording = errors.New("recording already in progress")
	ErrAlreadyStarted   = errors.New("pipeline already started")
	// ErrContainerNotStarted means a track never produced an output format.
	ErrContainerNotStarted = errors.New("container never started")
	// ErrOutputTooLittle matches every OutputTooLittleError.
	ErrOutputTooLittle = errors.New("output data too little")
)

// OutputTooLittleError wraps a failure that happened before a usable amount
// of video was written.
type OutputTooLittleError struct {
	Samples int
	Min     int
	Err     error
}

func (e *OutputTooLittleError) Error() string {
	return fmt.Sprintf("output data too little (%d of %d samples): %v", e.Samples, e.Min, e.Err)
}

func (e *OutputTooLittleError) Unwrap() error { return e.Err }

func (e *OutputTooLittleError) Is(target error) bool { return target == ErrOutputTooLittle }
