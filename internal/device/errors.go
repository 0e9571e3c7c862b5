package device

import (
	"errors"
	"fmt"
)

var (
	// ErrOutOfMemory is returned when an allocation would exceed the context memory limit.
	ErrOutOfMemory = errors.New("device: out of memory")
	// ErrSizeMismatch is returned when buffer capacities or transfer lengths disagree.
	ErrSizeMismatch = errors.New("device: size mismatch")
	// ErrReleased is returned when a released buffer is used.
	ErrReleased = errors.New("device: buffer released")
	// ErrQueueClosed is returned when work is submitted to a closed queue.
	ErrQueueClosed = errors.New("device: queue closed")
)

// CompilationError reports a kernel program that failed to build.
// Log holds the full build log, one diagnostic per line.
type CompilationError struct {
	Program string
	Entry   string
	Log     string
}

func (e *CompilationError) Error() string {
	return fmt.Sprintf("device: failed to build %s (entry %q):\n%s", e.Program, e.Entry, e.Log)
}

// ExecutionError reports a launch that failed on the device. Group is the
// linear index of the faulting work group, or -1 when the launch was
// rejected before any group ran.
type ExecutionError struct {
	Kernel string
	Group  int
	Err    error
}

func (e *ExecutionError) Error() string {
	if e.Group < 0 {
		return fmt.Sprintf("device: launch of %s rejected: %v", e.Kernel, e.Err)
	}
	return fmt.Sprintf("device: %s faulted in group %d: %v", e.Kernel, e.Group, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}
