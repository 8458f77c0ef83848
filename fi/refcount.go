package fi

import (
	"errors"
	"sync/atomic"

	"go.uber.org/multierr"

	"github.com/rocketbitz/fabric-echo/provider"
)

// shared counts the owners of one underlying resource and runs release once,
// when the last owner lets go.
type shared struct {
	refs    atomic.Int64
	release func() error
}

func newShared(release func() error) *shared {
	s := &shared{release: release}
	s.refs.Store(1)
	return s
}

func (s *shared) acquire() {
	s.refs.Add(1)
}

// drop gives up one ownership. When the release reports the resource busy,
// the ownership is restored so the close can be retried.
func (s *shared) drop() error {
	if s.refs.Add(-1) != 0 {
		return nil
	}
	if s.release == nil {
		return nil
	}
	err := s.release()
	if errors.Is(err, provider.ErrBusy) {
		s.refs.Add(1)
	}
	return err
}

func (s *shared) count() int {
	return int(s.refs.Load())
}

// ref is one owner's stake in a shared resource. Dropping it twice is a no-op.
type ref struct {
	s        *shared
	released atomic.Bool
}

func (r *ref) live() bool {
	return r != nil && r.s != nil && !r.released.Load()
}

func newRef(release func() error) *ref {
	return &ref{s: newShared(release)}
}

func (r *ref) clone() *ref {
	r.s.acquire()
	return &ref{s: r.s}
}

func (r *ref) drop() error {
	if r == nil || r.s == nil || !r.released.CompareAndSwap(false, true) {
		return nil
	}
	err := r.s.drop()
	if errors.Is(err, provider.ErrBusy) {
		r.released.Store(false)
	}
	return err
}

// closeThen closes a handle and then the references it depends on. A busy
// handle keeps its dependencies.
func closeThen(handle func() error, deps ...func() error) error {
	err := handle()
	if errors.Is(err, provider.ErrBusy) {
		return err
	}
	for _, dep := range deps {
		err = multierr.Append(err, dep())
	}
	return err
}

func (r *ref) refs() int {
	if r == nil || r.s == nil {
		return 0
	}
	return r.s.count()
}
