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

// Exchange is the outcome of one RMA round trip.
type Exchange struct {
	// Payload is the message the peer wrote into this side's region.
	Payload []byte
	// From is the sender name carried in the frame prefix. Replies carry none.
	From []byte
	// ReplyConfirmed reports whether the counter observed the reply's local
	// write completion. A server whose provider never counts its own writes
	// returns false after the timeout instead of blocking.
	ReplyConfirmed bool
	// Counter is the counter value when the exchange finished.
	Counter uint64
}

// Peer is one side of a connectionless RMA echo session. Each side exposes a
// registered region under Config.RemoteKey; the client writes its name and
// payload into the server's region and the server writes the payload back.
// A single counter bound to local and remote writes tracks progress: a round
// trip moves it by two on both sides.
type Peer struct {
	cfg    Config
	role   string
	desc   *fi.Descriptor
	fabric *fi.Fabric
	domain *fi.Domain
	cq     *fi.CompletionQueue
	cntr   *fi.Counter
	av     *fi.AddressVector
	ep     *fi.Endpoint
	mr     *fi.MemoryRegion
	pool   *fi.MRPool
	self   []byte
	server fi.Address
	tel    *telemetry

	mu       sync.Mutex
	expected uint64
	peers    map[string]fi.Address
	closed   atomic.Bool
}

// ListenPeer opens the server side of an RMA session bound to cfg.Service.
func ListenPeer(cfg Config) (*Peer, error) {
	return openPeer(cfg.withDefaults(), roleServer)
}

// DialPeer opens the client side of an RMA session and resolves the server at
// cfg.Node and cfg.Service into its address vector.
func DialPeer(cfg Config) (*Peer, error) {
	return openPeer(cfg.withDefaults(), roleClient)
}

func openPeer(cfg Config, role string) (p *Peer, err error) {
	tel := newTelemetry(cfg, modeRMA, role)
	p = &Peer{cfg: cfg, role: role, tel: tel, peers: make(map[string]fi.Address)}
	defer func() {
		if err != nil {
			tel.handshakeFailed("open_error", err)
			err = multierr.Append(err, p.release())
			p = nil
		}
	}()

	server := role == roleServer
	if p.desc, err = discover(cfg.discoverOptions(fi.EndpointTypeRDM, fi.CapMsg|fi.CapRMA, server)...); err != nil {
		return p, fmt.Errorf("discover descriptors: %w", err)
	}
	if p.fabric, err = p.desc.OpenFabric(); err != nil {
		return p, fmt.Errorf("open fabric: %w", err)
	}
	if p.domain, err = p.desc.OpenDomain(p.fabric); err != nil {
		return p, fmt.Errorf("open domain: %w", err)
	}
	if p.cq, err = p.domain.OpenCompletionQueue(nil); err != nil {
		return p, fmt.Errorf("open completion queue: %w", err)
	}
	if p.cntr, err = p.domain.OpenCounter(nil); err != nil {
		return p, fmt.Errorf("open counter: %w", err)
	}
	if p.av, err = p.domain.OpenAddressVector(&fi.AddressVectorAttr{Type: fi.AVTypeMap}); err != nil {
		return p, fmt.Errorf("open address vector: %w", err)
	}
	if p.ep, err = p.desc.OpenEndpoint(p.domain); err != nil {
		return p, fmt.Errorf("open endpoint: %w", err)
	}
	if err = p.ep.BindCompletionQueue(p.cq, fi.BindSend|fi.BindRecv); err != nil {
		return p, fmt.Errorf("bind completion queue: %w", err)
	}
	if err = p.ep.BindCounter(p.cntr, fi.BindWrite|fi.BindRemoteWrite); err != nil {
		return p, fmt.Errorf("bind counter: %w", err)
	}
	if err = p.ep.BindAddressVector(p.av, 0); err != nil {
		return p, fmt.Errorf("bind address vector: %w", err)
	}
	if err = p.ep.Enable(); err != nil {
		return p, fmt.Errorf("enable endpoint: %w", err)
	}
	if p.self, err = p.ep.Name(); err != nil {
		return p, fmt.Errorf("endpoint name: %w", err)
	}

	access := fi.MRAccessLocal | fi.MRAccessRemoteRead | fi.MRAccessRemoteWrite
	if p.mr, err = p.domain.AllocateMemory(wire.MaxMessageSize, access, fi.WithRequestedKey(cfg.RemoteKey)); err != nil {
		return p, fmt.Errorf("register target region: %w", err)
	}
	if p.pool, err = fi.NewMRPool(p.domain, wire.MaxMessageSize, fi.MRAccessLocal, cfg.PoolCapacity); err != nil {
		return p, fmt.Errorf("create buffer pool: %w", err)
	}

	if !server {
		if p.server, err = p.av.InsertService(cfg.Node, cfg.Service, 0); err != nil {
			return p, fmt.Errorf("insert server address: %w", err)
		}
	}
	tel.event("open", logKV("name", string(p.self)), logKV("key", p.mr.Key()))
	tel.started()
	return p, nil
}

// Name returns the endpoint address this peer writes into its frames.
func (p *Peer) Name() []byte {
	if p == nil {
		return nil
	}
	return append([]byte(nil), p.self...)
}

// Counter reports the current value of the write counter.
func (p *Peer) Counter() uint64 {
	if p == nil || p.cntr == nil {
		return 0
	}
	return p.cntr.Read()
}

// Ping writes payload, prefixed with this peer's name, into the server's
// region and waits for the echoed reply to land in its own region.
func (p *Peer) Ping(ctx context.Context, payload []byte) (*Exchange, error) {
	if p == nil || p.closed.Load() {
		return nil, ErrClosed
	}
	if p.role != roleClient {
		return nil, errors.New("fabric echo: ping requires a client peer")
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	// Count from the live value: a reply that arrived after an earlier Ping
	// gave up has already moved the counter.
	target := p.cntr.Read() + 2
	clear(p.mr.Bytes())
	if err := p.write(ctx, p.server, p.self, payload, true); err != nil {
		p.expected = p.cntr.Read()
		return nil, err
	}
	if err := p.waitCounter(ctx, target); err != nil {
		p.expected = p.cntr.Read()
		return nil, err
	}
	p.expected = target

	frame, err := wire.Decode(p.mr.Bytes())
	if err != nil {
		return nil, fmt.Errorf("decode reply: %w", err)
	}
	p.tel.event("reply", logKV("length", len(frame.Payload)))
	return &Exchange{
		Payload:        append([]byte(nil), frame.Payload...),
		ReplyConfirmed: true,
		Counter:        p.cntr.Read(),
	}, nil
}

// Serve waits for one client frame, resolves the sender from its prefix and
// writes the payload back. If the counter does not reflect the reply within
// the timeout, the exchange is returned with ReplyConfirmed false.
func (p *Peer) Serve(ctx context.Context) (*Exchange, error) {
	if p == nil || p.closed.Load() {
		return nil, ErrClosed
	}
	if p.role != roleServer {
		return nil, errors.New("fabric echo: serve requires a server peer")
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	arrived := p.expected + 1
	if err := p.cntr.Wait(ctx, arrived, -1); err != nil {
		return nil, fmt.Errorf("await client write: %w", err)
	}
	frame, err := wire.DecodeWithAddr(p.mr.Bytes())
	if err != nil {
		return nil, fmt.Errorf("decode request: %w", err)
	}
	ex := &Exchange{
		Payload: append([]byte(nil), frame.Payload...),
		From:    append([]byte(nil), frame.Addr...),
	}
	clear(p.mr.Bytes())
	p.tel.event("request", logKV("from", string(ex.From)), logKV("length", len(ex.Payload)))

	dest, err := p.resolve(ex.From)
	if err != nil {
		p.expected = p.cntr.Read()
		return nil, err
	}
	if err := p.write(ctx, dest, nil, ex.Payload, false); err != nil {
		p.expected = p.cntr.Read()
		return nil, err
	}

	err = p.waitCounter(ctx, arrived+1)
	var stalled *fi.CounterTimeoutError
	switch {
	case err == nil:
		ex.ReplyConfirmed = true
		p.expected = arrived + 1
	case errors.As(err, &stalled):
		p.expected = p.cntr.Read()
	default:
		return nil, err
	}
	ex.Counter = p.cntr.Read()
	return ex, nil
}

// resolve returns the address vector entry for a peer name, inserting it on
// first contact.
func (p *Peer) resolve(name []byte) (fi.Address, error) {
	if addr, ok := p.peers[string(name)]; ok {
		return addr, nil
	}
	addr, err := p.av.InsertRaw(name, 0)
	if err != nil {
		return 0, fmt.Errorf("insert peer address: %w", err)
	}
	p.peers[string(name)] = addr
	return addr, nil
}

// write frames payload into a pooled buffer and writes it to offset zero of
// the remote region at dest. The buffer returns to the pool when the write
// completes or the endpoint closes.
func (p *Peer) write(ctx context.Context, dest fi.Address, addr, payload []byte, withAddr bool) (err error) {
	defer func() { p.tel.transfer("write", len(payload), err) }()

	mr, err := p.pool.Acquire()
	if err != nil {
		return fmt.Errorf("acquire buffer: %w", err)
	}

	var n int
	if withAddr {
		n, err = wire.EncodeWithAddr(mr.Bytes(), addr, payload)
	} else {
		n, err = wire.Encode(mr.Bytes(), payload)
	}
	if err != nil {
		p.pool.Release(mr)
		return err
	}
	req := &fi.RMARequest{
		Region:  mr,
		Buffer:  mr.Bytes()[:n],
		Key:     p.cfg.RemoteKey,
		Address: dest,
		Context: releaseOnCompletion(p.pool, mr),
	}
	if err := p.ep.WriteSyncContext(ctx, req, p.cq, p.cfg.waitOptions()); err != nil {
		return fmt.Errorf("rma write: %w", err)
	}
	return nil
}

func (p *Peer) waitCounter(ctx context.Context, threshold uint64) error {
	p.tel.event("counter_wait", logKV("threshold", threshold))
	err := p.cntr.Wait(ctx, threshold, p.cfg.waitTimeout())
	var timeout *fi.CounterTimeoutError
	if errors.As(err, &timeout) {
		p.tel.counterStalled(threshold, timeout.Value, err)
	}
	if err != nil {
		return fmt.Errorf("counter wait: %w", err)
	}
	return nil
}

// Close releases the peer's resources in reverse order of creation.
func (p *Peer) Close() error {
	if p == nil || !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := p.release()
	p.tel.stopped(err)
	return err
}

func (p *Peer) release() error {
	var err error
	if p.ep != nil {
		err = multierr.Append(err, p.ep.Close())
	}
	if p.pool != nil {
		err = multierr.Append(err, p.pool.Close())
	}
	if p.mr != nil {
		err = multierr.Append(err, p.mr.Close())
	}
	if p.av != nil {
		err = multierr.Append(err, p.av.Close())
	}
	if p.cntr != nil {
		err = multierr.Append(err, p.cntr.Close())
	}
	if p.cq != nil {
		err = multierr.Append(err, p.cq.Close())
	}
	if p.domain != nil {
		err = multierr.Append(err, p.domain.Close())
	}
	if p.fabric != nil {
		err = multierr.Append(err, p.fabric.Close())
	}
	if p.desc != nil {
		err = multierr.Append(err, p.desc.Close())
	}
	return err
}
