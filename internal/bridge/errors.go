package bridge

import (
	"errors"
	"fmt"
)

// ErrCrashed matches every failure that leaves a bridge Dead:
// CrashedError and ProtocolError both satisfy errors.Is(err, ErrCrashed).
var ErrCrashed = errors.New("bridge crashed")

// SpawnError is returned by Start when the worker executable cannot be launched.
type SpawnError struct {
	Slot       int
	Executable string
	Err        error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn simulation worker %d (%s): %v", e.Slot, e.Executable, e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

// CrashedError reports that the worker died, closed its output, or stopped
// answering. The bridge is Dead afterwards and heals on the next Start.
type CrashedError struct {
	Slot   int
	Reason string
	Err    error
}

func (e *CrashedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("simulation worker %d crashed: %s: %v", e.Slot, e.Reason, e.Err)
	}
	return fmt.Sprintf("simulation worker %d crashed: %s", e.Slot, e.Reason)
}

func (e *CrashedError) Is(target error) bool {
	return target == ErrCrashed
}

func (e *CrashedError) Unwrap() error {
	return e.Err
}

// ProtocolError reports a reply line that could not be decoded. The stream
// is no longer trustworthy, so the bridge is killed exactly as for a crash.
type ProtocolError struct {
	Slot int
	Line string
	Err  error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("simulation worker %d sent malformed reply %q: %v", e.Slot, e.Line, e.Err)
}

func (e *ProtocolError) Is(target error) bool {
	return target == ErrCrashed
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// RemoteError is a well-formed {"error": ...} reply. The worker stays up.
type RemoteError struct {
	Slot    int
	Command string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("simulation worker %d rejected %s: %s", e.Slot, e.Command, e.Message)
}
