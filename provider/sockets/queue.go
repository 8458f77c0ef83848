package sockets

import (
	"sync"
	"time"

	"github.com/rocketbitz/fabric-echo/provider"
)

// notifier lets waiters block until the owning object changes. Callers hold
// their own mutex while calling changed and broadcast.
type notifier struct {
	ch chan struct{}
}

func (n *notifier) changed() <-chan struct{} {
	if n.ch == nil {
		n.ch = make(chan struct{})
	}
	return n.ch
}

func (n *notifier) broadcast() {
	if n.ch != nil {
		close(n.ch)
		n.ch = nil
	}
}

// waitUntil blocks on ch until it fires or the deadline passes. It reports
// false when the deadline passed first.
func waitUntil(ch <-chan struct{}, deadline time.Time, forever bool) bool {
	if forever {
		<-ch
		return true
	}
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return false
	}
	timer := time.NewTimer(remaining)
	defer timer.Stop()
	select {
	case <-ch:
		return true
	case <-timer.C:
		return false
	}
}

type eventQueue struct {
	fab     *fabric
	waitObj provider.WaitObj

	mu      sync.Mutex
	entries []any
	closed  bool
	notify  notifier
}

func (q *eventQueue) post(entry *provider.EQEntry) {
	q.push(entry)
}

func (q *eventQueue) postError(entry *provider.EQErrEntry) {
	q.push(entry)
}

func (q *eventQueue) push(entry any) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.entries = append(q.entries, entry)
	q.notify.broadcast()
}

func (q *eventQueue) Read(timeout time.Duration) (*provider.EQEntry, error) {
	if timeout != 0 && q.waitObj == provider.WaitNone {
		return nil, provider.ErrNotSupported.WithOp("fi_eq_sread")
	}
	deadline := time.Now().Add(timeout)
	q.mu.Lock()
	for {
		if q.closed {
			q.mu.Unlock()
			return nil, provider.ErrBadState
		}
		if len(q.entries) > 0 {
			if entry, ok := q.entries[0].(*provider.EQEntry); ok {
				q.entries = q.entries[1:]
				q.mu.Unlock()
				return entry, nil
			}
			q.mu.Unlock()
			return nil, provider.ErrAvail
		}
		if timeout == 0 {
			q.mu.Unlock()
			return nil, provider.ErrAgain
		}
		ch := q.notify.changed()
		q.mu.Unlock()
		if !waitUntil(ch, deadline, timeout < 0) {
			return nil, provider.ErrTimedOut
		}
		q.mu.Lock()
	}
}

func (q *eventQueue) ReadError() (*provider.EQErrEntry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) == 0 {
		return nil, provider.ErrAgain
	}
	entry, ok := q.entries[0].(*provider.EQErrEntry)
	if !ok {
		return nil, provider.ErrAgain
	}
	q.entries = q.entries[1:]
	return entry, nil
}

func (q *eventQueue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.entries = nil
	q.notify.broadcast()
	q.mu.Unlock()
	q.fab.release()
	return nil
}

func (q *eventQueue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

type completionQueue struct {
	dom     *domain
	waitObj provider.WaitObj

	mu      sync.Mutex
	entries []any
	closed  bool
	notify  notifier
}

func (q *completionQueue) post(entry *provider.CQEntry) {
	q.push(entry)
}

func (q *completionQueue) postError(entry *provider.CQErrEntry) {
	q.push(entry)
}

func (q *completionQueue) push(entry any) {
	if q == nil {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.entries = append(q.entries, entry)
	q.notify.broadcast()
}

func (q *completionQueue) Read() (*provider.CQEntry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, provider.ErrBadState
	}
	if len(q.entries) == 0 {
		return nil, provider.ErrAgain
	}
	entry, ok := q.entries[0].(*provider.CQEntry)
	if !ok {
		return nil, provider.ErrAvail
	}
	q.entries = q.entries[1:]
	return entry, nil
}

func (q *completionQueue) ReadError() (*provider.CQErrEntry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) == 0 {
		return nil, provider.ErrAgain
	}
	entry, ok := q.entries[0].(*provider.CQErrEntry)
	if !ok {
		return nil, provider.ErrAgain
	}
	q.entries = q.entries[1:]
	return entry, nil
}

func (q *completionQueue) Wait(timeout time.Duration) error {
	if q.waitObj == provider.WaitNone {
		return provider.ErrNotSupported.WithOp("fi_cq_sread")
	}
	deadline := time.Now().Add(timeout)
	q.mu.Lock()
	for {
		if q.closed {
			q.mu.Unlock()
			return provider.ErrBadState
		}
		if len(q.entries) > 0 {
			q.mu.Unlock()
			return nil
		}
		ch := q.notify.changed()
		q.mu.Unlock()
		if !waitUntil(ch, deadline, timeout < 0) {
			return provider.ErrTimedOut
		}
		q.mu.Lock()
	}
}

func (q *completionQueue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.entries = nil
	q.notify.broadcast()
	q.mu.Unlock()
	q.dom.release()
	return nil
}

type counter struct {
	dom     *domain
	waitObj provider.WaitObj

	mu     sync.Mutex
	value  uint64
	errors uint64
	closed bool
	notify notifier
}

func (c *counter) Read() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}

func (c *counter) ReadError() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errors
}

func (c *counter) Add(v uint64) {
	c.mu.Lock()
	c.value += v
	c.notify.broadcast()
	c.mu.Unlock()
}

func (c *counter) addError(v uint64) {
	c.mu.Lock()
	c.errors += v
	c.notify.broadcast()
	c.mu.Unlock()
}

func (c *counter) Set(v uint64) {
	c.mu.Lock()
	c.value = v
	c.notify.broadcast()
	c.mu.Unlock()
}

func (c *counter) Wait(threshold uint64, timeout time.Duration) error {
	if c.waitObj == provider.WaitNone {
		return provider.ErrNotSupported.WithOp("fi_cntr_wait")
	}
	deadline := time.Now().Add(timeout)
	c.mu.Lock()
	for {
		if c.closed {
			c.mu.Unlock()
			return provider.ErrBadState
		}
		if c.value >= threshold {
			c.mu.Unlock()
			return nil
		}
		ch := c.notify.changed()
		c.mu.Unlock()
		if !waitUntil(ch, deadline, timeout < 0) {
			return provider.ErrTimedOut
		}
		c.mu.Lock()
	}
}

func (c *counter) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.notify.broadcast()
	c.mu.Unlock()
	c.dom.release()
	return nil
}
