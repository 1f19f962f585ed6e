package supervise

import (
	"errors"
	"fmt"
)

// ErrNotRecoverable is returned by Recovery.Recover when the outcome left no
// frame worth reading out. No hardware action is taken.
var ErrNotRecoverable = errors.New("supervise: no recovery possible")

// HardwareError is any failed hardware call, including the early return
// caused by a cancel primitive.
type HardwareError struct {
	Op  string
	Err error
}

func (e *HardwareError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *HardwareError) Unwrap() error {
	return e.Err
}

// AbortSignalError is a failure reading an abort trigger source. It is
// logged by the watcher and never reaches the task.
type AbortSignalError struct {
	Err error
}

func (e *AbortSignalError) Error() string {
	return fmt.Sprintf("reading abort trigger: %v", e.Err)
}

func (e *AbortSignalError) Unwrap() error {
	return e.Err
}

// SupervisionError is an internal consistency violation in this package.
type SupervisionError struct {
	Op     string
	Reason string
}

func (e *SupervisionError) Error() string {
	return fmt.Sprintf("supervising %s: %s", e.Op, e.Reason)
}
