package fi

import (
	"context"
	"errors"
	"runtime"
	"time"

	"github.com/rocketbitz/fabric-echo/provider"
)

const (
	// waitSlice bounds a single blocking provider wait so that context
	// cancellation is noticed.
	waitSlice = 50 * time.Millisecond
	// pollBackoff is the sleep between polls when a queue has no wait object.
	pollBackoff = time.Millisecond
)

// WaitMode selects how WaitForNext waits for a completion.
type WaitMode int

const (
	// WaitModePoll re-issues non-blocking reads until an entry shows up.
	WaitModePoll WaitMode = iota
	// WaitModeBlock sleeps on the queue's wait object between reads.
	WaitModeBlock
)

func (m WaitMode) String() string {
	switch m {
	case WaitModePoll:
		return "poll"
	case WaitModeBlock:
		return "block"
	default:
		return "unknown"
	}
}

// ParseWaitMode maps "poll" and "block" to their WaitMode.
func ParseWaitMode(s string) (WaitMode, error) {
	switch s {
	case "", "poll":
		return WaitModePoll, nil
	case "block":
		return WaitModeBlock, nil
	default:
		return WaitModePoll, errors.New("libfabric: unknown wait mode " + s)
	}
}

// WaitOptions tunes a completion wait. A zero Timeout waits until the
// context is done.
type WaitOptions struct {
	Mode    WaitMode
	Timeout time.Duration
}

func (o WaitOptions) deadline() time.Time {
	if o.Timeout <= 0 {
		return time.Time{}
	}
	return time.Now().Add(o.Timeout)
}

// WaitForNext waits for the next completion entry. Error entries are
// returned as *CompletionError; an expired timeout reports ErrTimeout.
func (c *CompletionQueue) WaitForNext(ctx context.Context, opts WaitOptions) (*CompletionEvent, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	return c.waitNext(ctx, opts.Mode, opts.deadline())
}

func (c *CompletionQueue) waitNext(ctx context.Context, mode WaitMode, deadline time.Time) (*CompletionEvent, error) {
	if c == nil || c.handle == nil {
		return nil, ErrInvalidHandle{"completion queue"}
	}
	for {
		evt, err := c.PollOnce()
		if err != nil || evt != nil {
			return evt, err
		}
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
		if mode == WaitModePoll || c.waitObj == WaitNone {
			if mode == WaitModePoll {
				runtime.Gosched()
			} else {
				time.Sleep(pollBackoff)
			}
			continue
		}
		err = c.handle.Wait(slice)
		switch {
		case err == nil, errors.Is(err, provider.ErrTimedOut):
		case errors.Is(err, provider.ErrNotSupported):
			c.waitObj = WaitNone
		default:
			return nil, wrapErr(ErrCompletion, "fi_cq_sread", err)
		}
	}
}

// waitForCompletion drains cq until the entry posted with target shows up.
// Entries for other contexts are resolved along the way so their callbacks
// still run.
func waitForCompletion(ctx context.Context, cq *CompletionQueue, target *CompletionContext, opts WaitOptions) (*CompletionEvent, error) {
	if target == nil {
		return nil, nil
	}
	if cq == nil || cq.handle == nil {
		return nil, ErrInvalidHandle{"completion queue"}
	}
	if ctx == nil {
		ctx = context.Background()
	}
	deadline := opts.deadline()

	for {
		if target.IsReleased() {
			<-target.Done()
			if err := target.Err(); err != nil {
				return nil, err
			}
			return target.Event(), nil
		}
		evt, err := cq.waitNext(ctx, opts.Mode, deadline)
		if err != nil {
			var cqErr *CompletionError
			if !errors.As(err, &cqErr) {
				return nil, err
			}
			resolved, rerr := cqErr.Resolve()
			if rerr == nil && resolved == target {
				return nil, cqErr
			}
			continue
		}

		resolved, err := evt.Resolve()
		if err != nil {
			if errors.Is(err, ErrContextUnknown) {
				continue
			}
			return nil, err
		}
		if resolved == target {
			return evt, nil
		}
	}
}
