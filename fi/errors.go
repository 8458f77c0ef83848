package fi

import (
	"errors"
	"fmt"
	"time"

	"github.com/rocketbitz/fabric-echo/provider"
)

var (
	// ErrNoCompletion indicates that no completion entries were available.
	ErrNoCompletion = errors.New("libfabric: no completion available")
	// ErrNoEvent indicates that no event entries were available.
	ErrNoEvent = errors.New("libfabric: no event available")
	// ErrTimeout indicates that a wait operation timed out.
	ErrTimeout = errors.New("libfabric: wait timed out")
	// ErrContextUnknown indicates that a completion context was not found.
	ErrContextUnknown = errors.New("libfabric: completion context not found")
	// ErrCapabilityUnsupported indicates that the provider does not support the requested capability.
	ErrCapabilityUnsupported = errors.New("libfabric: capability not supported")
	// ErrInsufficientAccess indicates that a memory region lacks the required access flags for the requested operation.
	ErrInsufficientAccess = errors.New("libfabric: memory region missing required access")
	// ErrCounterStalled indicates a counter wait expired without the counter moving at all.
	ErrCounterStalled = errors.New("libfabric: counter never incremented")
)

// Error kinds. Every failure surfaced by this package matches exactly one of
// these through errors.Is.
var (
	ErrDiscovery       = errors.New("libfabric: discovery failed")
	ErrFabricOpen      = errors.New("libfabric: fabric open failed")
	ErrDomainOpen      = errors.New("libfabric: domain open failed")
	ErrEventQueue      = errors.New("libfabric: event queue error")
	ErrCompletion      = errors.New("libfabric: completion error")
	ErrRegistration    = errors.New("libfabric: memory registration failed")
	ErrEnable          = errors.New("libfabric: endpoint enable failed")
	ErrConnection      = errors.New("libfabric: connection management failed")
	ErrUnexpectedEvent = errors.New("libfabric: unexpected event")
	ErrInvalidState    = errors.New("libfabric: invalid endpoint state")
)

// Errno re-exports the provider errno type for consumers of the fi package.
type Errno = provider.Errno

// Error wraps a provider failure with its kind and the operation that failed.
type Error struct {
	Kind error
	Op   string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Kind.Error()
	if e.Op != "" {
		msg += ": " + e.Op
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func wrapErr(kind error, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// ErrnoOf extracts the provider errno carried by err, if any.
func ErrnoOf(err error) (Errno, bool) {
	var errno Errno
	if errors.As(err, &errno) {
		return errno, true
	}
	return 0, false
}

// OpOf returns the failing operation recorded in err, if any.
func OpOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Op
	}
	var se *StateError
	if errors.As(err, &se) {
		return se.Op
	}
	return ""
}

// ErrInvalidHandle indicates a nil or closed handle was used.
type ErrInvalidHandle struct {
	Resource string
}

func (e ErrInvalidHandle) Error() string {
	return "invalid or closed " + e.Resource + " handle"
}

// StateError reports an operation attempted in the wrong endpoint state.
type StateError struct {
	Op    string
	State EndpointState
}

func (e *StateError) Error() string {
	return fmt.Sprintf("libfabric: %s not valid in state %s", e.Op, e.State)
}

func (e *StateError) Is(target error) bool {
	return target == ErrInvalidState
}

// UnexpectedEventError reports an event that does not fit the expected
// connection-management sequence.
type UnexpectedEventError struct {
	Want EventKind
	Got  EventKind
	FID  EndpointID
}

func (e *UnexpectedEventError) Error() string {
	return fmt.Sprintf("libfabric: unexpected event %s from %s (want %s)", e.Got, e.FID, e.Want)
}

func (e *UnexpectedEventError) Is(target error) bool {
	return target == ErrUnexpectedEvent
}

// CounterTimeoutError reports a counter wait that expired below its threshold.
// It matches ErrTimeout, and ErrCounterStalled when the counter did not move.
type CounterTimeoutError struct {
	Threshold uint64
	Value     uint64
	Start     uint64
	Waited    time.Duration
}

func (e *CounterTimeoutError) Error() string {
	if e.Stalled() {
		return fmt.Sprintf("libfabric: counter stayed at %d for %s waiting for %d", e.Value, e.Waited, e.Threshold)
	}
	return fmt.Sprintf("libfabric: counter reached %d of %d within %s", e.Value, e.Threshold, e.Waited)
}

// Stalled reports whether the counter never moved during the wait.
func (e *CounterTimeoutError) Stalled() bool {
	return e.Value == e.Start
}

func (e *CounterTimeoutError) Is(target error) bool {
	return target == ErrTimeout || (target == ErrCounterStalled && e.Stalled())
}

func translateErr(err error, sentinel error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, provider.ErrAgain) {
		return sentinel
	}
	if errors.Is(err, provider.ErrTimedOut) {
		return ErrTimeout
	}
	return err
}
