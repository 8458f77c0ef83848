package fi

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/rocketbitz/fabric-echo/provider"
)

// PassiveEndpoint listens for connection requests. It never transfers data:
// each request is answered by a new Endpoint opened from the request event.
type PassiveEndpoint struct {
	mu     sync.Mutex
	handle provider.PassiveEndpoint
	fabric *Fabric
	desc   *Descriptor
	eq     *EventQueue
	state  EndpointState
}

// OpenPassiveEndpoint opens a passive endpoint for the descriptor. The
// descriptor's source address selects where it listens.
func (d *Descriptor) OpenPassiveEndpoint(fabric *Fabric) (*PassiveEndpoint, error) {
	if !d.valid() {
		return nil, ErrInvalidHandle{"descriptor"}
	}
	if !fabric.valid() {
		return nil, ErrInvalidHandle{"fabric"}
	}
	pep, err := fabric.handle.OpenPassiveEndpoint(d.info)
	if err != nil {
		return nil, wrapErr(ErrFabricOpen, "fi_passive_ep", err)
	}
	return &PassiveEndpoint{handle: pep, fabric: fabric.Clone(), desc: d.Clone()}, nil
}

// ID identifies the passive endpoint in connection request events.
func (p *PassiveEndpoint) ID() EndpointID {
	if p == nil {
		return ""
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.handle == nil {
		return ""
	}
	return p.handle.ID()
}

// State reports the current lifecycle state.
func (p *PassiveEndpoint) State() EndpointState {
	if p == nil {
		return StateClosed
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Close releases the underlying passive endpoint handle.
func (p *PassiveEndpoint) Close() error {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	if p.handle == nil {
		p.mu.Unlock()
		return nil
	}
	handle := p.handle
	p.handle = nil
	p.eq = nil
	p.state = StateClosed
	fabric, desc := p.fabric, p.desc
	p.fabric, p.desc = nil, nil
	p.mu.Unlock()

	err := handle.Close()
	err = multierr.Append(err, fabric.Close())
	return multierr.Append(err, desc.Close())
}

// BindEventQueue binds the passive endpoint to an event queue.
func (p *PassiveEndpoint) BindEventQueue(eq *EventQueue, flags BindFlag) error {
	if p == nil {
		return ErrInvalidHandle{"passive endpoint"}
	}
	if eq == nil || eq.handle == nil {
		return ErrInvalidHandle{"event queue"}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.handle == nil {
		return &StateError{Op: "fi_pep_bind", State: StateClosed}
	}
	if p.state != StateCreated && p.state != StateBound {
		return &StateError{Op: "fi_pep_bind", State: p.state}
	}
	if err := p.handle.BindEventQueue(eq.handle, uint64(flags)); err != nil {
		return wrapErr(ErrEnable, "fi_pep_bind", err)
	}
	p.eq = eq
	p.state = StateBound
	return nil
}

// Listen starts accepting connection requests. The passive endpoint must be
// bound to an event queue first.
func (p *PassiveEndpoint) Listen() error {
	if p == nil {
		return ErrInvalidHandle{"passive endpoint"}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.handle == nil {
		return &StateError{Op: "fi_listen", State: StateClosed}
	}
	if p.state != StateCreated && p.state != StateBound {
		return &StateError{Op: "fi_listen", State: p.state}
	}
	if p.eq == nil {
		return wrapErr(ErrEnable, "fi_listen", provider.ErrNoEQ)
	}
	p.state = StateEnabled
	if err := p.handle.Listen(); err != nil {
		p.state = StateFailed
		return wrapErr(ErrEnable, "fi_listen", err)
	}
	p.state = StateListening
	return nil
}

// Name returns the address the passive endpoint listens on.
func (p *PassiveEndpoint) Name() ([]byte, error) {
	if p == nil {
		return nil, ErrInvalidHandle{"passive endpoint"}
	}
	p.mu.Lock()
	handle := p.handle
	p.mu.Unlock()
	if handle == nil {
		return nil, ErrInvalidHandle{"passive endpoint"}
	}
	return handle.Name()
}

// AwaitConnRequest waits on the bound event queue for the next connection
// request addressed to this passive endpoint. A negative timeout waits until
// ctx is done.
func (p *PassiveEndpoint) AwaitConnRequest(ctx context.Context, timeout time.Duration) (*Event, error) {
	if p == nil {
		return nil, ErrInvalidHandle{"passive endpoint"}
	}
	p.mu.Lock()
	eq, state := p.eq, p.state
	var id EndpointID
	if p.handle != nil {
		id = p.handle.ID()
	}
	p.mu.Unlock()
	if state != StateListening {
		return nil, &StateError{Op: "fi_eq_sread", State: state}
	}
	evt, err := eq.ReadContext(ctx, timeout)
	if err != nil {
		return nil, err
	}
	if evt.Kind != EventConnReq || evt.FID != id {
		return evt, &UnexpectedEventError{Want: EventConnReq, Got: evt.Kind, FID: evt.FID}
	}
	return evt, nil
}

// Reject refuses the connection request carried by evt. The requesting
// endpoint receives an error entry on its event queue.
func (p *PassiveEndpoint) Reject(evt *Event, params []byte) error {
	if p == nil {
		return ErrInvalidHandle{"passive endpoint"}
	}
	if evt == nil || evt.info == nil {
		return errors.New("libfabric: event does not carry a connection request")
	}
	if evt.Kind != EventConnReq {
		return &UnexpectedEventError{Want: EventConnReq, Got: evt.Kind, FID: evt.FID}
	}
	p.mu.Lock()
	handle := p.handle
	p.mu.Unlock()
	if handle == nil {
		return ErrInvalidHandle{"passive endpoint"}
	}
	if err := handle.Reject(evt.info.Handle, params); err != nil {
		return wrapErr(ErrConnection, "fi_reject", err)
	}
	return nil
}
