package echo

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"

	"github.com/rocketbitz/fabric-echo/fi"
	"github.com/rocketbitz/fabric-echo/wire"
)

// Listener accepts connection-oriented echo sessions.
type Listener struct {
	cfg    Config
	desc   *fi.Descriptor
	fabric *fi.Fabric
	eq     *fi.EventQueue
	pep    *fi.PassiveEndpoint
	tel    *telemetry
	closed atomic.Bool

	// open builds the connection for an accepted request.
	open func(Config, *fi.Descriptor, *fi.Fabric, *telemetry) (*Conn, error)
}

// Listen discovers a MSG descriptor bound to cfg.Service and starts listening
// for connection requests.
func Listen(cfg Config) (l *Listener, err error) {
	cfg = cfg.withDefaults()
	tel := newTelemetry(cfg, modeMsg, roleServer)
	defer func() {
		if err != nil {
			tel.handshakeFailed("listen_error", err)
		}
	}()

	desc, err := discover(cfg.discoverOptions(fi.EndpointTypeMsg, fi.CapMsg, true)...)
	if err != nil {
		return nil, fmt.Errorf("discover descriptors: %w", err)
	}
	var cleanup []func() error
	defer func() {
		if err != nil {
			_ = unwind(cleanup)
		}
	}()
	cleanup = append(cleanup, desc.Close)

	fabric, err := desc.OpenFabric()
	if err != nil {
		return nil, fmt.Errorf("open fabric: %w", err)
	}
	cleanup = append(cleanup, fabric.Close)

	eq, err := fabric.OpenEventQueue(nil)
	if err != nil {
		return nil, fmt.Errorf("open event queue: %w", err)
	}
	cleanup = append(cleanup, eq.Close)

	pep, err := desc.OpenPassiveEndpoint(fabric)
	if err != nil {
		return nil, fmt.Errorf("open passive endpoint: %w", err)
	}
	cleanup = append(cleanup, pep.Close)

	if err := pep.BindEventQueue(eq, 0); err != nil {
		return nil, fmt.Errorf("bind event queue: %w", err)
	}
	if err := pep.Listen(); err != nil {
		return nil, fmt.Errorf("listen passive endpoint: %w", err)
	}
	tel.event("listen", logKV("provider", desc.Provider()), logKV("fabric", desc.Info().Fabric))

	return &Listener{cfg: cfg, desc: desc, fabric: fabric, eq: eq, pep: pep, tel: tel, open: openConn}, nil
}

// Addr returns the address the listener is bound to.
func (l *Listener) Addr() ([]byte, error) {
	if l == nil || l.closed.Load() {
		return nil, ErrClosed
	}
	return l.pep.Name()
}

// Close stops listening. Connections already accepted stay open.
func (l *Listener) Close() error {
	if l == nil || !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := multierr.Combine(l.pep.Close(), l.eq.Close(), l.fabric.Close(), l.desc.Close())
	l.tel.end(err)
	return err
}

// Accept waits until ctx is done for the next connection request, opens a
// fresh domain and endpoint from the descriptor it carries and completes the
// handshake. A request whose resources cannot be opened is rejected. Events
// that are not connection requests for this listener are logged and skipped.
func (l *Listener) Accept(ctx context.Context) (*Conn, error) {
	evt, err := l.next(ctx)
	if err != nil {
		return nil, err
	}
	tel := newTelemetry(l.cfg, modeMsg, roleServer)
	tel.event("connreq", logKV("peer", string(evt.Info().DestAddr)), logKV("params", len(evt.Data)))

	desc := evt.Descriptor()
	conn, err := l.open(l.cfg, desc, l.fabric.Clone(), tel)
	if err != nil {
		// The client is still waiting on this request.
		if rerr := l.pep.Reject(evt, nil); rerr != nil {
			err = multierr.Append(err, fmt.Errorf("reject: %w", rerr))
		}
		tel.handshakeFailed("accept_error", err)
		return nil, err
	}
	if err := conn.ep.Accept(nil); err != nil {
		tel.handshakeFailed("accept_error", err)
		return nil, multierr.Append(fmt.Errorf("accept: %w", err), conn.release())
	}
	if err := conn.ep.AwaitConnected(ctx, conn.eq, l.cfg.eventTimeout()); err != nil {
		tel.handshakeFailed("connected_error", err)
		return nil, multierr.Append(fmt.Errorf("await connected: %w", err), conn.release())
	}
	tel.started()
	return conn, nil
}

// Reject waits for the next connection request and refuses it. The client
// sees its handshake fail with the connection refused error.
func (l *Listener) Reject(ctx context.Context, reason []byte) error {
	evt, err := l.next(ctx)
	if err != nil {
		return err
	}
	l.tel.event("reject", logKV("peer", string(evt.Info().DestAddr)))
	if err := l.pep.Reject(evt, reason); err != nil {
		return fmt.Errorf("reject: %w", err)
	}
	return nil
}

func (l *Listener) next(ctx context.Context) (*fi.Event, error) {
	if l == nil || l.closed.Load() {
		return nil, ErrClosed
	}
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		evt, err := l.pep.AwaitConnRequest(ctx, -1)
		var unexpected *fi.UnexpectedEventError
		switch {
		case err == nil:
			return evt, nil
		case errors.As(err, &unexpected):
			l.tel.event("unexpected_event", logKV("kind", unexpected.Got), logKV("fid", unexpected.FID))
		case l.closed.Load():
			return nil, ErrClosed
		default:
			return nil, fmt.Errorf("await connection request: %w", err)
		}
	}
}

// Conn is one end of an established MSG session. Transmit and receive
// completions go to separate queues.
type Conn struct {
	cfg    Config
	desc   *fi.Descriptor
	fabric *fi.Fabric
	domain *fi.Domain
	eq     *fi.EventQueue
	tx     *fi.CompletionQueue
	rx     *fi.CompletionQueue
	ep     *fi.Endpoint
	pool   *fi.MRPool
	tel    *telemetry
	closed atomic.Bool

	recvMu  sync.Mutex
	pending atomic.Pointer[postedRecv]
}

// postedRecv is a receive still owned by the provider. A Receive that gives
// up waiting leaves it posted so the next Receive collects its message.
type postedRecv struct {
	ctx *fi.CompletionContext
	mr  *fi.MemoryRegion
}

// Dial connects to the listener at cfg.Node and cfg.Service.
func Dial(ctx context.Context, cfg Config) (*Conn, error) {
	cfg = cfg.withDefaults()
	tel := newTelemetry(cfg, modeMsg, roleClient)

	desc, err := discover(cfg.discoverOptions(fi.EndpointTypeMsg, fi.CapMsg, false)...)
	if err != nil {
		err = fmt.Errorf("discover descriptors: %w", err)
		tel.handshakeFailed("discover_error", err)
		return nil, err
	}
	fabric, err := desc.OpenFabric()
	if err != nil {
		_ = desc.Close()
		err = fmt.Errorf("open fabric: %w", err)
		tel.handshakeFailed("open_error", err)
		return nil, err
	}
	conn, err := openConn(cfg, desc, fabric, tel)
	if err != nil {
		tel.handshakeFailed("open_error", err)
		return nil, err
	}

	tel.event("connect", logKV("dest", string(desc.Info().DestAddr)))
	if err := conn.ep.Connect(nil, nil); err != nil {
		tel.handshakeFailed("connect_error", err)
		return nil, multierr.Append(fmt.Errorf("connect: %w", err), conn.release())
	}
	if err := conn.ep.AwaitConnected(ctx, conn.eq, cfg.eventTimeout()); err != nil {
		tel.handshakeFailed("connected_error", err)
		return nil, multierr.Append(fmt.Errorf("await connected: %w", err), conn.release())
	}
	tel.started()
	return conn, nil
}

// openConn opens the per-connection resources for desc on fabric and enables
// the endpoint. It takes ownership of desc and fabric, releasing both on
// failure.
func openConn(cfg Config, desc *fi.Descriptor, fabric *fi.Fabric, tel *telemetry) (c *Conn, err error) {
	c = &Conn{cfg: cfg, desc: desc, fabric: fabric, tel: tel}
	defer func() {
		if err != nil {
			err = multierr.Append(err, c.release())
			c = nil
		}
	}()

	if c.domain, err = desc.OpenDomain(fabric); err != nil {
		return c, fmt.Errorf("open domain: %w", err)
	}
	if c.eq, err = fabric.OpenEventQueue(nil); err != nil {
		return c, fmt.Errorf("open event queue: %w", err)
	}
	if c.tx, err = c.domain.OpenCompletionQueue(nil); err != nil {
		return c, fmt.Errorf("open transmit queue: %w", err)
	}
	if c.rx, err = c.domain.OpenCompletionQueue(nil); err != nil {
		return c, fmt.Errorf("open receive queue: %w", err)
	}
	if c.ep, err = desc.OpenEndpoint(c.domain); err != nil {
		return c, fmt.Errorf("open endpoint: %w", err)
	}
	if err = c.ep.BindEventQueue(c.eq, 0); err != nil {
		return c, fmt.Errorf("bind event queue: %w", err)
	}
	if err = c.ep.BindCompletionQueue(c.tx, fi.BindSend); err != nil {
		return c, fmt.Errorf("bind transmit queue: %w", err)
	}
	if err = c.ep.BindCompletionQueue(c.rx, fi.BindRecv); err != nil {
		return c, fmt.Errorf("bind receive queue: %w", err)
	}
	if err = c.ep.Enable(); err != nil {
		return c, fmt.Errorf("enable endpoint: %w", err)
	}
	if c.pool, err = fi.NewMRPool(c.domain, wire.MaxMessageSize, fi.MRAccessLocal, cfg.PoolCapacity); err != nil {
		return c, fmt.Errorf("create buffer pool: %w", err)
	}
	return c, nil
}

// State reports the endpoint's lifecycle state.
func (c *Conn) State() fi.EndpointState {
	if c == nil || c.ep == nil {
		return fi.StateClosed
	}
	return c.ep.State()
}

// Send frames payload and waits for its transmit completion. The buffer
// stays with the provider until the completion is read or the endpoint
// closes, even when the wait gives up first.
func (c *Conn) Send(ctx context.Context, payload []byte) (err error) {
	if c == nil || c.closed.Load() {
		return ErrClosed
	}
	defer func() { c.tel.transfer("send", len(payload), err) }()

	mr, err := c.pool.Acquire()
	if err != nil {
		return fmt.Errorf("acquire buffer: %w", err)
	}
	n, err := wire.Encode(mr.Bytes(), payload)
	if err != nil {
		c.pool.Release(mr)
		return err
	}
	posted, err := c.ep.PostSend(&fi.SendRequest{
		Region:  mr,
		Buffer:  mr.Bytes()[:n],
		Dest:    fi.AddressUnspecified,
		Context: releaseOnCompletion(c.pool, mr),
	})
	if err != nil {
		return fmt.Errorf("post send: %w", err)
	}
	if _, err := c.ep.WaitCompletion(ctx, c.tx, posted, c.cfg.waitOptions()); err != nil {
		return fmt.Errorf("send completion: %w", err)
	}
	return nil
}

// Receive waits for the next message and returns its payload. If the wait
// ends before a message arrives, the receive stays posted and the next call
// resumes waiting on it.
func (c *Conn) Receive(ctx context.Context) (payload []byte, err error) {
	if c == nil || c.closed.Load() {
		return nil, ErrClosed
	}
	defer func() { c.tel.transfer("recv", len(payload), err) }()

	c.recvMu.Lock()
	defer c.recvMu.Unlock()

	recv := c.pending.Load()
	if recv == nil {
		mr, err := c.pool.Acquire()
		if err != nil {
			return nil, fmt.Errorf("acquire buffer: %w", err)
		}
		posted, err := c.ep.PostRecv(&fi.RecvRequest{Region: mr})
		if err != nil {
			c.pool.Release(mr)
			return nil, fmt.Errorf("post recv: %w", err)
		}
		recv = &postedRecv{ctx: posted, mr: mr}
		c.pending.Store(recv)
	}

	evt, err := c.ep.WaitCompletion(ctx, c.rx, recv.ctx, c.cfg.waitOptions())
	if err != nil && !recv.ctx.IsReleased() {
		return nil, fmt.Errorf("recv completion: %w", err)
	}
	if !c.pending.CompareAndSwap(recv, nil) {
		return nil, ErrClosed
	}
	defer c.pool.Release(recv.mr)
	if err != nil {
		return nil, fmt.Errorf("recv completion: %w", err)
	}
	frame, err := wire.Decode(recv.mr.Bytes()[:evt.Length])
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), frame.Payload...), nil
}

// releaseOnCompletion returns a completion context that hands mr back to pool
// once the provider is done with it.
func releaseOnCompletion(pool *fi.MRPool, mr *fi.MemoryRegion) *fi.CompletionContext {
	posted := fi.NewCompletionContext()
	posted.AddCleanup(func() { pool.Release(mr) })
	return posted
}

// Close tears the session down, releasing resources in reverse order of
// creation.
func (c *Conn) Close() error {
	if c == nil || !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := c.release()
	c.tel.stopped(err)
	return err
}

func (c *Conn) release() error {
	var err error
	if c.ep != nil {
		err = multierr.Append(err, c.ep.Close())
	}
	if recv := c.pending.Swap(nil); recv != nil {
		c.pool.Release(recv.mr)
	}
	if c.pool != nil {
		err = multierr.Append(err, c.pool.Close())
	}
	if c.tx != nil {
		err = multierr.Append(err, c.tx.Close())
	}
	if c.rx != nil {
		err = multierr.Append(err, c.rx.Close())
	}
	if c.eq != nil {
		err = multierr.Append(err, c.eq.Close())
	}
	if c.domain != nil {
		err = multierr.Append(err, c.domain.Close())
	}
	err = multierr.Append(err, c.fabric.Close())
	return multierr.Append(err, c.desc.Close())
}

// unwind runs cleanups in reverse order.
func unwind(cleanup []func() error) error {
	var err error
	for i := len(cleanup) - 1; i >= 0; i-- {
		err = multierr.Append(err, cleanup[i]())
	}
	return err
}
