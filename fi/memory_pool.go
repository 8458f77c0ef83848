package fi

import (
	"errors"
	"sync/atomic"

	"go.uber.org/multierr"
)

// ErrPoolClosed is returned by Acquire after the pool has been closed.
var ErrPoolClosed = errors.New("libfabric: MRPool closed")

// MRPool recycles registered buffers of a fixed size. Regions are registered
// lazily and at most capacity idle regions are retained.
type MRPool struct {
	domain *Domain
	size   int
	access MRAccessFlag
	pool   chan *MemoryRegion
	closed atomic.Bool
}

// NewMRPool constructs a pool that dispenses memory regions registered with
// the supplied domain. The pool holds its own reference to the domain.
func NewMRPool(domain *Domain, size int, access MRAccessFlag, capacity int) (*MRPool, error) {
	if !domain.valid() {
		return nil, ErrInvalidHandle{"domain"}
	}
	if size <= 0 {
		return nil, errors.New("libfabric: MRPool requires positive region size")
	}
	if capacity < 0 {
		capacity = 0
	}
	return &MRPool{
		domain: domain.Clone(),
		size:   size,
		access: access,
		pool:   make(chan *MemoryRegion, capacity),
	}, nil
}

// Acquire returns a registered region, registering a fresh one when no idle
// region is available. Callers must Release the region when finished.
func (p *MRPool) Acquire() (*MemoryRegion, error) {
	if p == nil {
		return nil, errors.New("libfabric: nil MRPool")
	}
	if p.closed.Load() {
		return nil, ErrPoolClosed
	}
	select {
	case mr := <-p.pool:
		return mr, nil
	default:
		return p.domain.AllocateMemory(p.size, p.access)
	}
}

// Release hands the region back for reuse after zeroing it. Foreign-sized
// regions, regions released after Close and regions beyond capacity are
// deregistered instead.
func (p *MRPool) Release(mr *MemoryRegion) {
	if p == nil || mr == nil {
		return
	}
	if p.closed.Load() || int(mr.Size()) != p.size {
		_ = mr.Close()
		return
	}
	clear(mr.Bytes())
	select {
	case p.pool <- mr:
	default:
		_ = mr.Close()
	}
}

// Idle reports how many registered regions are waiting in the pool.
func (p *MRPool) Idle() int {
	if p == nil {
		return 0
	}
	return len(p.pool)
}

// Close deregisters all idle regions, drops the pool's domain reference and
// prevents further acquisitions.
func (p *MRPool) Close() error {
	if p == nil || !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	var err error
	for {
		select {
		case mr := <-p.pool:
			err = multierr.Append(err, mr.Close())
		default:
			return multierr.Append(err, p.domain.Close())
		}
	}
}
