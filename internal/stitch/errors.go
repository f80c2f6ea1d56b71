package stitch

import (
	"errors"
	"fmt"

	"github.com/maauso/clipstitch/internal/planner"
)

// Static errors for runner operations.
var (
	// ErrEngineExecutionFailed matches every *ExecutionError.
	ErrEngineExecutionFailed = errors.New("stitch: engine execution failed")
	// ErrEngineReadFailed matches every *ReadError.
	ErrEngineReadFailed = errors.New("stitch: engine output could not be read")
	// ErrNilCommand is returned when Edit is called without a command.
	ErrNilCommand = errors.New("stitch: nil command")
)

// ExecutionError reports a failed engine run with the path that was
// attempted, so callers can phrase remediation advice.
type ExecutionError struct {
	// Strategy is empty for single-clip edits.
	Strategy planner.Strategy
	Clips    int
	Reencode bool
	Code     int
	Err      error
}

func (e *ExecutionError) Error() string {
	strategy := string(e.Strategy)
	if strategy == "" {
		strategy = "edit"
	}
	return fmt.Sprintf("engine execution failed (strategy=%s clips=%d reencode=%t code=%d): %v",
		strategy, e.Clips, e.Reencode, e.Code, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// Is reports whether target is ErrEngineExecutionFailed.
func (e *ExecutionError) Is(target error) bool {
	return target == ErrEngineExecutionFailed
}

// Advice returns a user-facing hint for the attempted path.
func (e *ExecutionError) Advice() string {
	switch e.Strategy {
	case planner.StreamCopy:
		return "the clips could not be joined without re-encoding; they probably differ in codec or container parameters"
	case planner.FilterGraph:
		return "re-encoding failed; check that every clip has a decodable video stream and that the background audio is readable"
	default:
		return "the edit could not be applied to this clip"
	}
}

// ReadError reports that the engine finished but its output could not be
// retrieved.
type ReadError struct {
	Output string
	Err    error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("read engine output %s: %v", e.Output, e.Err)
}

func (e *ReadError) Unwrap() error {
	return e.Err
}

// Is reports whether target is ErrEngineReadFailed.
func (e *ReadError) Is(target error) bool {
	return target == ErrEngineReadFailed
}
