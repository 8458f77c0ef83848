package fi

import (
	"errors"
	"fmt"

	"go.uber.org/multierr"

	"github.com/rocketbitz/fabric-echo/provider"
)

// Address identifies a peer inside an address vector.
type Address = provider.FIAddr

// AddressUnspecified is the wildcard source/destination address.
const AddressUnspecified = provider.FIAddrUnspec

// CompletionQueueAttr controls completion queue creation.
type CompletionQueueAttr struct {
	Size    int
	Flags   uint64
	Format  CQFormat
	WaitObj WaitObj
}

// CompletionQueue exposes a completion queue handle. It is owned by its
// creator and keeps its domain alive.
type CompletionQueue struct {
	handle  provider.CompletionQueue
	domain  *Domain
	format  CQFormat
	waitObj WaitObj
}

// CompletionEvent represents a single completion entry.
type CompletionEvent struct {
	Context any
	Flags   uint64
	Length  int
	Data    uint64
	Source  Address
}

// Resolve returns the CompletionContext the operation was posted with and
// runs its completion callbacks.
func (e *CompletionEvent) Resolve() (*CompletionContext, error) {
	if e == nil {
		return nil, ErrContextUnknown
	}
	return resolveCompletion(e.Context, e, nil)
}

// CompletionError contains error details from the provider.
type CompletionError struct {
	Context     any
	Err         Errno
	ProviderErr int
	Flags       uint64
	Length      int
	Data        uint64
	SrcAddr     Address
}

func (e *CompletionError) Error() string {
	return fmt.Sprintf("libfabric: completion error: %v (provider %d, flags %#x)", e.Err, e.ProviderErr, e.Flags)
}

func (e *CompletionError) Unwrap() []error {
	return []error{ErrCompletion, e.Err}
}

// Resolve returns the CompletionContext of the failed operation and runs its
// completion callbacks with the error recorded.
func (e *CompletionError) Resolve() (*CompletionContext, error) {
	if e == nil {
		return nil, ErrContextUnknown
	}
	return resolveCompletion(e.Context, nil, e)
}

// OpenCompletionQueue opens a completion queue for the domain.
func (d *Domain) OpenCompletionQueue(attr *CompletionQueueAttr) (*CompletionQueue, error) {
	if !d.valid() {
		return nil, ErrInvalidHandle{"domain"}
	}
	pa := provider.CQAttr{Format: CQFormatContext, WaitObj: WaitUnspec}
	if attr != nil {
		pa = provider.CQAttr{Size: attr.Size, Flags: attr.Flags, Format: attr.Format, WaitObj: attr.WaitObj}
	}
	handle, err := d.handle.OpenCompletionQueue(pa)
	if err != nil {
		return nil, wrapErr(ErrCompletion, "fi_cq_open", err)
	}
	return &CompletionQueue{handle: handle, domain: d.Clone(), format: pa.Format, waitObj: pa.WaitObj}, nil
}

// Close releases the completion queue.
func (c *CompletionQueue) Close() error {
	if c == nil || c.handle == nil {
		return nil
	}
	err := c.handle.Close()
	c.handle = nil
	domain := c.domain
	c.domain = nil
	return multierr.Append(err, domain.Close())
}

// Format reports the entry format the queue was opened with.
func (c *CompletionQueue) Format() CQFormat {
	if c == nil {
		return CQFormatUnspec
	}
	return c.format
}

// PollOnce checks the queue without blocking. It returns nil, nil when the
// queue is empty. An error entry at the head of the queue is drained and
// returned as *CompletionError.
func (c *CompletionQueue) PollOnce() (*CompletionEvent, error) {
	evt, err := c.ReadContext()
	if errors.Is(err, ErrNoCompletion) {
		return nil, nil
	}
	return evt, err
}

// ReadContext retrieves a single completion event if available. An empty
// queue reports ErrNoCompletion.
func (c *CompletionQueue) ReadContext() (*CompletionEvent, error) {
	if c == nil || c.handle == nil {
		return nil, ErrInvalidHandle{"completion queue"}
	}
	entry, err := c.handle.Read()
	if err != nil {
		if errors.Is(err, provider.ErrAvail) {
			cqErr, rerr := c.ReadError()
			if rerr != nil {
				return nil, rerr
			}
			return nil, cqErr
		}
		if errors.Is(err, provider.ErrAgain) {
			return nil, ErrNoCompletion
		}
		return nil, wrapErr(ErrCompletion, "fi_cq_read", err)
	}
	return &CompletionEvent{
		Context: entry.Context,
		Flags:   entry.Flags,
		Length:  entry.Len,
		Data:    entry.Data,
		Source:  entry.SrcAddr,
	}, nil
}

// ReadError returns the next completion queue error entry if present.
func (c *CompletionQueue) ReadError() (*CompletionError, error) {
	if c == nil || c.handle == nil {
		return nil, ErrInvalidHandle{"completion queue"}
	}
	entry, err := c.handle.ReadError()
	if err != nil {
		if errors.Is(err, provider.ErrAgain) {
			return nil, ErrNoCompletion
		}
		return nil, wrapErr(ErrCompletion, "fi_cq_readerr", err)
	}
	return &CompletionError{
		Context:     entry.Context,
		Err:         entry.Err,
		ProviderErr: entry.ProviderErr,
		Flags:       entry.Flags,
		Length:      entry.Len,
		Data:        entry.Data,
		SrcAddr:     entry.SrcAddr,
	}, nil
}
