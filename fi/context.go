package fi

import (
	"sync"
	"sync/atomic"

	"github.com/rocketbitz/fabric-echo/provider"
)

// CompletionContext carries metadata and cleanup actions associated with a
// posted operation. The context itself is handed to the provider and comes
// back on the matching completion entry. Instances are not safe for reuse
// after they have been resolved or released.
type CompletionContext struct {
	mu         sync.Mutex
	value      any
	onComplete []func(*CompletionContext)
	cleanups   []func()
	closed     atomic.Bool
	done       chan struct{}
	err        error
	event      *CompletionEvent
}

// NewCompletionContext allocates a new completion context.
func NewCompletionContext() *CompletionContext {
	return &CompletionContext{done: make(chan struct{})}
}

// Value returns the associated arbitrary value.
func (c *CompletionContext) Value() any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}

// SetValue attaches arbitrary metadata to the context for retrieval when the
// completion is resolved.
func (c *CompletionContext) SetValue(v any) {
	c.mu.Lock()
	c.value = v
	c.mu.Unlock()
}

// AddOnComplete registers a callback executed exactly once when the completion
// is resolved.
func (c *CompletionContext) AddOnComplete(fn func(*CompletionContext)) {
	if fn == nil {
		return
	}
	c.mu.Lock()
	c.onComplete = append(c.onComplete, fn)
	c.mu.Unlock()
}

// AddCleanup registers a cleanup callback that runs after completion callbacks.
func (c *CompletionContext) AddCleanup(fn func()) {
	if fn == nil {
		return
	}
	c.mu.Lock()
	c.cleanups = append(c.cleanups, fn)
	c.mu.Unlock()
}

// Done is closed once the context has been resolved or released.
func (c *CompletionContext) Done() <-chan struct{} {
	return c.done
}

// Err reports the failure the operation completed with, if any. Released
// contexts report provider.ErrCanceled.
func (c *CompletionContext) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Event returns the successful completion that resolved the context.
func (c *CompletionContext) Event() *CompletionEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.event
}

// IsReleased reports whether the context has already been resolved or released.
func (c *CompletionContext) IsReleased() bool {
	return c.closed.Load()
}

// Release tears down the context without executing completion callbacks. It
// is used on failure paths where the operation was never posted, and for
// operations still outstanding when their endpoint closes.
func (c *CompletionContext) Release() {
	c.finish(false, provider.ErrCanceled, nil)
}

func (c *CompletionContext) finish(runComplete bool, err error, evt *CompletionEvent) bool {
	if c == nil || !c.closed.CompareAndSwap(false, true) {
		return false
	}

	c.mu.Lock()
	c.err = err
	c.event = evt
	completions := c.onComplete
	cleanups := c.cleanups
	c.onComplete = nil
	c.cleanups = nil
	c.mu.Unlock()

	if runComplete {
		for _, fn := range completions {
			fn(c)
		}
	}
	for i := len(cleanups) - 1; i >= 0; i-- {
		cleanups[i]()
	}
	close(c.done)
	return true
}

func resolveCompletion(raw any, evt *CompletionEvent, cqErr *CompletionError) (*CompletionContext, error) {
	ctx, ok := raw.(*CompletionContext)
	if !ok || ctx == nil {
		return nil, ErrContextUnknown
	}
	var err error
	if cqErr != nil {
		err = cqErr
	}
	if !ctx.finish(true, err, evt) {
		return nil, ErrContextUnknown
	}
	return ctx, nil
}
