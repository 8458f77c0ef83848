package fi

import (
	"context"
	"errors"
	"time"

	"go.uber.org/multierr"

	"github.com/rocketbitz/fabric-echo/provider"
)

// CounterAttr controls counter creation.
type CounterAttr struct {
	Flags   uint64
	WaitObj WaitObj
}

// Counter counts completed operations for the events it is bound to.
type Counter struct {
	handle  provider.Counter
	domain  *Domain
	waitObj WaitObj
}

// OpenCounter opens a completion counter on the domain.
func (d *Domain) OpenCounter(attr *CounterAttr) (*Counter, error) {
	if !d.valid() {
		return nil, ErrInvalidHandle{"domain"}
	}
	pa := provider.CounterAttr{WaitObj: WaitUnspec}
	if attr != nil {
		pa = provider.CounterAttr{Flags: attr.Flags, WaitObj: attr.WaitObj}
	}
	handle, err := d.handle.OpenCounter(pa)
	if err != nil {
		return nil, wrapErr(ErrCompletion, "fi_cntr_open", err)
	}
	return &Counter{handle: handle, domain: d.Clone(), waitObj: pa.WaitObj}, nil
}

// Close releases the counter.
func (c *Counter) Close() error {
	if c == nil || c.handle == nil {
		return nil
	}
	err := c.handle.Close()
	c.handle = nil
	domain := c.domain
	c.domain = nil
	return multierr.Append(err, domain.Close())
}

// Read returns the number of successful completions counted so far.
func (c *Counter) Read() uint64 {
	if c == nil || c.handle == nil {
		return 0
	}
	return c.handle.Read()
}

// ReadError returns the number of failed completions counted so far.
func (c *Counter) ReadError() uint64 {
	if c == nil || c.handle == nil {
		return 0
	}
	return c.handle.ReadError()
}

// Add increments the counter.
func (c *Counter) Add(v uint64) error {
	if c == nil || c.handle == nil {
		return ErrInvalidHandle{"counter"}
	}
	c.handle.Add(v)
	return nil
}

// Set overwrites the counter value.
func (c *Counter) Set(v uint64) error {
	if c == nil || c.handle == nil {
		return ErrInvalidHandle{"counter"}
	}
	c.handle.Set(v)
	return nil
}

// Wait blocks until the counter reaches threshold, ctx is done, or timeout
// elapses. A timeout of zero or less waits for ctx alone. An expired wait
// returns *CounterTimeoutError, which also matches ErrCounterStalled when the
// counter did not move at all.
func (c *Counter) Wait(ctx context.Context, threshold uint64, timeout time.Duration) error {
	if c == nil || c.handle == nil {
		return ErrInvalidHandle{"counter"}
	}
	if ctx == nil {
		ctx = context.Background()
	}
	start := c.handle.Read()
	begin := time.Now()
	var deadline time.Time
	if timeout > 0 {
		deadline = begin.Add(timeout)
	}

	for {
		if c.handle.Read() >= threshold {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		slice := waitSlice
		if !deadline.IsZero() {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return &CounterTimeoutError{
					Threshold: threshold,
					Value:     c.handle.Read(),
					Start:     start,
					Waited:    time.Since(begin),
				}
			}
			if remaining < slice {
				slice = remaining
			}
		}
		if c.waitObj == WaitNone {
			time.Sleep(pollBackoff)
			continue
		}
		err := c.handle.Wait(threshold, slice)
		switch {
		case err == nil, errors.Is(err, provider.ErrTimedOut):
		case errors.Is(err, provider.ErrNotSupported):
			c.waitObj = WaitNone
		default:
			return wrapErr(ErrCompletion, "fi_cntr_wait", err)
		}
	}
}
