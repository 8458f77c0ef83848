package fi

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/rocketbitz/fabric-echo/provider"
)

// EndpointState tracks where an endpoint is in its connection lifecycle.
type EndpointState int

const (
	StateCreated EndpointState = iota
	StateBound
	StateEnabled
	StateListening
	StateConnecting
	StateConnected
	StateShutdown
	StateClosed
	StateFailed
)

func (s EndpointState) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateBound:
		return "bound"
	case StateEnabled:
		return "enabled"
	case StateListening:
		return "listening"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateShutdown:
		return "shutdown"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Endpoint wraps an active endpoint. It owns references to its domain, its
// descriptor and any bound address vector. Queues and counters bound to it
// stay owned by the caller and must outlive it.
type Endpoint struct {
	mu     sync.Mutex
	handle provider.Endpoint
	domain *Domain
	desc   *Descriptor
	info   Info

	eq       *EventQueue
	txCQ     *CompletionQueue
	rxCQ     *CompletionQueue
	av       *AddressVector
	counters int

	state       EndpointState
	outstanding map[*CompletionContext]struct{}
}

// OpenEndpoint opens an endpoint using the descriptor information. The
// endpoint keeps its own references to the domain and the descriptor.
func (d *Descriptor) OpenEndpoint(domain *Domain) (*Endpoint, error) {
	if !d.valid() {
		return nil, ErrInvalidHandle{"descriptor"}
	}
	if !domain.valid() {
		return nil, ErrInvalidHandle{"domain"}
	}
	handle, err := domain.handle.OpenEndpoint(d.info)
	if err != nil {
		return nil, wrapErr(ErrDomainOpen, "fi_endpoint", err)
	}
	return &Endpoint{
		handle:      handle,
		domain:      domain.Clone(),
		desc:        d.Clone(),
		info:        d.Info(),
		outstanding: make(map[*CompletionContext]struct{}),
	}, nil
}

// OpenEndpoint materialises the endpoint for a connection request on the
// given domain. The endpoint answers the request with Accept.
func (e *Event) OpenEndpoint(domain *Domain) (*Endpoint, error) {
	if e == nil || e.Kind != EventConnReq || e.info == nil {
		return nil, errors.New("libfabric: event does not carry a connection request")
	}
	desc := e.Descriptor()
	defer desc.Close()
	return desc.OpenEndpoint(domain)
}

// ID identifies the endpoint in event queue entries.
func (e *Endpoint) ID() EndpointID {
	if e == nil || e.handle == nil {
		return ""
	}
	return e.handle.ID()
}

// Info returns the descriptor snapshot the endpoint was opened with.
func (e *Endpoint) Info() Info {
	if e == nil {
		return Info{}
	}
	return e.info
}

// State reports the current lifecycle state.
func (e *Endpoint) State() EndpointState {
	if e == nil {
		return StateClosed
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Endpoint) stateErr(op string) error {
	return &StateError{Op: op, State: e.state}
}

func (e *Endpoint) lockFor(op string, allowed ...EndpointState) error {
	e.mu.Lock()
	if e.handle == nil {
		e.mu.Unlock()
		return &StateError{Op: op, State: StateClosed}
	}
	for _, s := range allowed {
		if e.state == s {
			return nil
		}
	}
	err := e.stateErr(op)
	e.mu.Unlock()
	return err
}

// BindCompletionQueue binds the endpoint to a completion queue. BindSend
// makes it the transmit queue and BindRecv the receive queue.
func (e *Endpoint) BindCompletionQueue(cq *CompletionQueue, flags BindFlag) error {
	if e == nil {
		return ErrInvalidHandle{"endpoint"}
	}
	if cq == nil || cq.handle == nil {
		return ErrInvalidHandle{"completion queue"}
	}
	if err := e.lockFor("fi_ep_bind", StateCreated, StateBound); err != nil {
		return err
	}
	defer e.mu.Unlock()
	if err := e.handle.BindCompletionQueue(cq.handle, uint64(flags)); err != nil {
		return wrapErr(ErrEnable, "fi_ep_bind", err)
	}
	if flags&BindSend != 0 {
		e.txCQ = cq
	}
	if flags&BindRecv != 0 {
		e.rxCQ = cq
	}
	e.state = StateBound
	return nil
}

// BindEventQueue binds the endpoint to an event queue.
func (e *Endpoint) BindEventQueue(eq *EventQueue, flags BindFlag) error {
	if e == nil {
		return ErrInvalidHandle{"endpoint"}
	}
	if eq == nil || eq.handle == nil {
		return ErrInvalidHandle{"event queue"}
	}
	if err := e.lockFor("fi_ep_bind", StateCreated, StateBound); err != nil {
		return err
	}
	defer e.mu.Unlock()
	if err := e.handle.BindEventQueue(eq.handle, uint64(flags)); err != nil {
		return wrapErr(ErrEnable, "fi_ep_bind", err)
	}
	e.eq = eq
	e.state = StateBound
	return nil
}

// BindAddressVector binds the endpoint to the address vector. The endpoint
// holds a reference to the vector until it is closed.
func (e *Endpoint) BindAddressVector(av *AddressVector, flags BindFlag) error {
	if e == nil {
		return ErrInvalidHandle{"endpoint"}
	}
	if !av.valid() {
		return ErrInvalidHandle{"address vector"}
	}
	if err := e.lockFor("fi_ep_bind", StateCreated, StateBound); err != nil {
		return err
	}
	defer e.mu.Unlock()
	if err := e.handle.BindAddressVector(av.handle, uint64(flags)); err != nil {
		return wrapErr(ErrEnable, "fi_ep_bind", err)
	}
	if e.av != nil {
		_ = e.av.Close()
	}
	e.av = av.Clone()
	e.state = StateBound
	return nil
}

// BindCounter binds a completion counter for the operations named by flags.
func (e *Endpoint) BindCounter(c *Counter, flags BindFlag) error {
	if e == nil {
		return ErrInvalidHandle{"endpoint"}
	}
	if c == nil || c.handle == nil {
		return ErrInvalidHandle{"counter"}
	}
	if err := e.lockFor("fi_ep_bind", StateCreated, StateBound); err != nil {
		return err
	}
	defer e.mu.Unlock()
	if err := e.handle.BindCounter(c.handle, uint64(flags)); err != nil {
		return wrapErr(ErrEnable, "fi_ep_bind", err)
	}
	e.counters++
	e.state = StateBound
	return nil
}

func (e *Endpoint) missingBinding() error {
	if e.info.Endpoint.Connectionless() {
		if e.av == nil {
			return provider.ErrNoAV
		}
		if e.txCQ == nil && e.counters == 0 {
			return provider.ErrNoCQ
		}
		return nil
	}
	if e.eq == nil {
		return provider.ErrNoEQ
	}
	if e.txCQ == nil || e.rxCQ == nil {
		return provider.ErrNoCQ
	}
	return nil
}

// Enable transitions the endpoint into an active state. Connection-oriented
// endpoints need an event queue plus transmit and receive completion queues;
// connectionless endpoints need an address vector and a transmit completion
// queue or counter. Connectionless endpoints are ready for transfers as soon
// as they are enabled.
func (e *Endpoint) Enable() error {
	if e == nil {
		return ErrInvalidHandle{"endpoint"}
	}
	if err := e.lockFor("fi_enable", StateCreated, StateBound); err != nil {
		if errors.Is(err, ErrInvalidState) {
			return wrapErr(ErrEnable, "fi_enable", err)
		}
		return err
	}
	defer e.mu.Unlock()
	if missing := e.missingBinding(); missing != nil {
		return wrapErr(ErrEnable, "fi_enable", missing)
	}
	if err := e.handle.Enable(); err != nil {
		e.state = StateFailed
		return wrapErr(ErrEnable, "fi_enable", err)
	}
	if e.info.Endpoint.Connectionless() {
		e.state = StateConnected
	} else {
		e.state = StateEnabled
	}
	return nil
}

// Connect initiates a connection request. An empty dest uses the destination
// resolved during discovery. Completion is observed with AwaitConnected.
func (e *Endpoint) Connect(dest []byte, params []byte) error {
	if e == nil {
		return ErrInvalidHandle{"endpoint"}
	}
	if err := e.lockFor("fi_connect", StateEnabled); err != nil {
		return err
	}
	defer e.mu.Unlock()
	if err := e.handle.Connect(dest, params); err != nil {
		return wrapErr(ErrConnection, "fi_connect", err)
	}
	e.state = StateConnecting
	return nil
}

// Accept acknowledges the connection request the endpoint was opened from.
func (e *Endpoint) Accept(params []byte) error {
	if e == nil {
		return ErrInvalidHandle{"endpoint"}
	}
	if err := e.lockFor("fi_accept", StateEnabled); err != nil {
		return err
	}
	defer e.mu.Unlock()
	if err := e.handle.Accept(params); err != nil {
		return wrapErr(ErrConnection, "fi_accept", err)
	}
	e.state = StateConnecting
	return nil
}

// AwaitConnected waits on eq, or on the bound event queue when eq is nil,
// for the Connected event naming this endpoint. Any other event is reported
// as *UnexpectedEventError and an error entry as *EventError, which also
// fails the endpoint.
func (e *Endpoint) AwaitConnected(ctx context.Context, eq *EventQueue, timeout time.Duration) error {
	return e.awaitEvent(ctx, eq, timeout, "fi_eq_sread", StateConnecting, EventConnected, StateConnected)
}

// AwaitShutdown waits for the peer to shut the connection down.
func (e *Endpoint) AwaitShutdown(ctx context.Context, eq *EventQueue, timeout time.Duration) error {
	return e.awaitEvent(ctx, eq, timeout, "fi_eq_sread", StateConnected, EventShutdown, StateShutdown)
}

func (e *Endpoint) awaitEvent(ctx context.Context, eq *EventQueue, timeout time.Duration, op string, from EndpointState, want EventKind, to EndpointState) error {
	if e == nil {
		return ErrInvalidHandle{"endpoint"}
	}
	if err := e.lockFor(op, from); err != nil {
		return err
	}
	if eq == nil {
		eq = e.eq
	}
	id := e.handle.ID()
	e.mu.Unlock()
	if eq == nil {
		return wrapErr(ErrConnection, op, provider.ErrNoEQ)
	}

	evt, err := eq.ReadContext(ctx, timeout)
	if err != nil {
		var evErr *EventError
		if errors.As(err, &evErr) {
			e.setState(StateFailed)
		}
		return err
	}
	if evt.Kind != want || evt.FID != id {
		return &UnexpectedEventError{Want: want, Got: evt.Kind, FID: evt.FID}
	}
	e.setState(to)
	return nil
}

func (e *Endpoint) setState(s EndpointState) {
	e.mu.Lock()
	if e.state != StateClosed {
		e.state = s
	}
	e.mu.Unlock()
}

// Shutdown closes the connection while keeping the endpoint open. The peer
// observes an EventShutdown.
func (e *Endpoint) Shutdown() error {
	if e == nil {
		return ErrInvalidHandle{"endpoint"}
	}
	if err := e.lockFor("fi_shutdown", StateConnected); err != nil {
		return err
	}
	defer e.mu.Unlock()
	if err := e.handle.Shutdown(); err != nil {
		return wrapErr(ErrConnection, "fi_shutdown", err)
	}
	e.state = StateShutdown
	return nil
}

// Name returns the provider-specific address associated with the endpoint.
func (e *Endpoint) Name() ([]byte, error) {
	if e == nil || e.handle == nil {
		return nil, ErrInvalidHandle{"endpoint"}
	}
	return e.handle.Name()
}

// RegisterAddress resolves the endpoint's address via Name and inserts it
// into the provided address vector.
func (e *Endpoint) RegisterAddress(av *AddressVector, flags uint64) (Address, error) {
	if e == nil || e.handle == nil {
		return AddressUnspecified, ErrInvalidHandle{"endpoint"}
	}
	addrBytes, err := e.Name()
	if err != nil {
		return AddressUnspecified, err
	}
	return av.InsertRaw(addrBytes, flags)
}

// TransmitQueue returns the completion queue bound with BindSend.
func (e *Endpoint) TransmitQueue() *CompletionQueue {
	if e == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.txCQ
}

// ReceiveQueue returns the completion queue bound with BindRecv.
func (e *Endpoint) ReceiveQueue() *CompletionQueue {
	if e == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rxCQ
}

// EventQueue returns the bound event queue.
func (e *Endpoint) EventQueue() *EventQueue {
	if e == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.eq
}

// track registers ctx as outstanding. The caller holds e.mu.
func (e *Endpoint) track(ctx *CompletionContext) {
	e.outstanding[ctx] = struct{}{}
	ctx.AddCleanup(func() {
		e.mu.Lock()
		delete(e.outstanding, ctx)
		e.mu.Unlock()
	})
}

// Outstanding reports how many posted operations have not completed yet.
func (e *Endpoint) Outstanding() int {
	if e == nil {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.outstanding)
}

// Close releases the endpoint. Operations still outstanding are cancelled
// and their contexts released.
func (e *Endpoint) Close() error {
	if e == nil {
		return nil
	}
	e.mu.Lock()
	if e.handle == nil {
		e.mu.Unlock()
		return nil
	}
	handle := e.handle
	e.handle = nil
	e.state = StateClosed
	pending := make([]*CompletionContext, 0, len(e.outstanding))
	for ctx := range e.outstanding {
		pending = append(pending, ctx)
	}
	av, domain, desc := e.av, e.domain, e.desc
	e.av, e.domain, e.desc = nil, nil, nil
	e.eq, e.txCQ, e.rxCQ = nil, nil, nil
	e.mu.Unlock()

	err := handle.Close()
	for _, ctx := range pending {
		ctx.Release()
	}
	err = multierr.Append(err, av.Close())
	err = multierr.Append(err, domain.Close())
	return multierr.Append(err, desc.Close())
}
