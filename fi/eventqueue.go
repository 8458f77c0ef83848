package fi

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"

	"github.com/rocketbitz/fabric-echo/provider"
)

// EventQueueAttr controls event queue creation.
type EventQueueAttr struct {
	Size    int
	Flags   uint64
	WaitObj WaitObj
}

// EventQueue exposes an event queue handle. It is owned by its creator and
// keeps the fabric it was opened on alive.
type EventQueue struct {
	handle  provider.EventQueue
	fabric  *Fabric
	waitObj WaitObj
}

// Event encapsulates an event queue entry.
type Event struct {
	Kind    EventKind
	FID     EndpointID
	Context any
	Data    []byte

	info    *provider.Info
	backend Backend
}

// Descriptor returns the peer descriptor carried by a connection request. The
// caller owns the returned reference. Other events carry no descriptor.
func (e *Event) Descriptor() *Descriptor {
	if e == nil || e.info == nil {
		return nil
	}
	return newDescriptor(e.info, e.backend)
}

// Info returns a snapshot of the descriptor carried by a connection request.
func (e *Event) Info() Info {
	if e == nil || e.info == nil {
		return Info{}
	}
	return infoFromProvider(e.info)
}

// EventError captures event queue error information.
type EventError struct {
	FID         EndpointID
	Context     any
	Err         Errno
	ProviderErr int
	Data        []byte
}

func (e *EventError) Error() string {
	return fmt.Sprintf("libfabric: event queue error on %s: %v (provider %d)", e.FID, e.Err, e.ProviderErr)
}

func (e *EventError) Unwrap() []error {
	return []error{ErrEventQueue, e.Err}
}

// OpenEventQueue opens an event queue on the fabric.
func (f *Fabric) OpenEventQueue(attr *EventQueueAttr) (*EventQueue, error) {
	if !f.valid() {
		return nil, ErrInvalidHandle{"fabric"}
	}
	pa := provider.EQAttr{WaitObj: WaitUnspec}
	if attr != nil {
		pa = provider.EQAttr{Size: attr.Size, Flags: attr.Flags, WaitObj: attr.WaitObj}
	}
	handle, err := f.handle.OpenEventQueue(pa)
	if err != nil {
		return nil, wrapErr(ErrEventQueue, "fi_eq_open", err)
	}
	return &EventQueue{handle: handle, fabric: f.Clone(), waitObj: pa.WaitObj}, nil
}

// Close releases the event queue and its hold on the fabric.
func (e *EventQueue) Close() error {
	if e == nil || e.handle == nil {
		return nil
	}
	err := e.handle.Close()
	e.handle = nil
	fabric := e.fabric
	e.fabric = nil
	return multierr.Append(err, fabric.Close())
}

// Read retrieves the next event without blocking. An empty queue reports
// ErrNoEvent and a pending error entry is returned as *EventError.
func (e *EventQueue) Read() (*Event, error) {
	return e.read(0, "fi_eq_read")
}

// ReadBlocking waits up to timeout for the next event. A negative timeout
// waits indefinitely; an elapsed timeout reports ErrTimeout.
func (e *EventQueue) ReadBlocking(timeout time.Duration) (*Event, error) {
	if e != nil && e.handle != nil && e.waitObj == WaitNone && timeout != 0 {
		return e.ReadContext(context.Background(), timeout)
	}
	evt, err := e.read(timeout, "fi_eq_sread")
	if errors.Is(err, ErrNoEvent) {
		return nil, ErrTimeout
	}
	return evt, err
}

// ReadContext waits like ReadBlocking but also returns when ctx is done. The
// wait is performed in short slices so cancellation is observed promptly.
func (e *EventQueue) ReadContext(ctx context.Context, timeout time.Duration) (*Event, error) {
	if e == nil || e.handle == nil {
		return nil, ErrInvalidHandle{"event queue"}
	}
	if ctx == nil {
		ctx = context.Background()
	}
	var deadline time.Time
	if timeout >= 0 {
		deadline = time.Now().Add(timeout)
	}
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		slice := waitSlice
		if !deadline.IsZero() {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return nil, ErrTimeout
			}
			if remaining < slice {
				slice = remaining
			}
		}
		var (
			evt *Event
			err error
		)
		if e.waitObj == WaitNone {
			evt, err = e.read(0, "fi_eq_read")
			if errors.Is(err, ErrNoEvent) {
				time.Sleep(pollBackoff)
			}
		} else {
			evt, err = e.read(slice, "fi_eq_sread")
		}
		if errors.Is(err, ErrTimeout) || errors.Is(err, ErrNoEvent) {
			continue
		}
		return evt, err
	}
}

// Expect reads the next event and checks its kind. A different kind is
// reported as *UnexpectedEventError.
func (e *EventQueue) Expect(timeout time.Duration, kind EventKind) (*Event, error) {
	evt, err := e.ReadBlocking(timeout)
	if err != nil {
		return nil, err
	}
	if evt.Kind != kind {
		return evt, &UnexpectedEventError{Want: kind, Got: evt.Kind, FID: evt.FID}
	}
	return evt, nil
}

// ReadError retrieves the next event queue error entry.
func (e *EventQueue) ReadError() (*EventError, error) {
	if e == nil || e.handle == nil {
		return nil, ErrInvalidHandle{"event queue"}
	}
	entry, err := e.handle.ReadError()
	if err != nil {
		if errors.Is(err, provider.ErrAgain) {
			return nil, ErrNoEvent
		}
		return nil, wrapErr(ErrEventQueue, "fi_eq_readerr", err)
	}
	return &EventError{
		FID:         entry.FID,
		Context:     entry.Context,
		Err:         entry.Err,
		ProviderErr: entry.ProviderErr,
		Data:        append([]byte(nil), entry.Data...),
	}, nil
}

func (e *EventQueue) read(timeout time.Duration, op string) (*Event, error) {
	if e == nil || e.handle == nil {
		return nil, ErrInvalidHandle{"event queue"}
	}
	entry, err := e.handle.Read(timeout)
	if err != nil {
		if errors.Is(err, provider.ErrAvail) {
			evErr, rerr := e.ReadError()
			if rerr != nil {
				return nil, rerr
			}
			return nil, evErr
		}
		if errors.Is(err, provider.ErrAgain) || errors.Is(err, provider.ErrTimedOut) {
			return nil, translateErr(err, ErrNoEvent)
		}
		return nil, wrapErr(ErrEventQueue, op, err)
	}
	evt := &Event{
		Kind:    entry.Event,
		FID:     entry.FID,
		Context: entry.Context,
		Data:    entry.Data,
	}
	if entry.Info != nil {
		evt.info = entry.Info
		if e.fabric != nil && e.fabric.desc != nil {
			evt.backend = e.fabric.desc.backend
		}
	}
	return evt, nil
}
