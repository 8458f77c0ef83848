package sockets

import (
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rocketbitz/fabric-echo/provider"
)

// connRequest is the handle carried by a connection request descriptor. The
// endpoint opened from that descriptor claims the connection on accept.
type connRequest struct {
	pep  *passiveEndpoint
	conn net.Conn
	peer string

	mu      sync.Mutex
	claimed bool
}

func (r *connRequest) claim() (net.Conn, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.claimed {
		return nil, provider.ErrInvalid.WithOp("fi_accept")
	}
	r.claimed = true
	r.pep.forget(r)
	return r.conn, nil
}

// abort drops an unclaimed request.
func (r *connRequest) abort() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.claimed {
		return
	}
	r.claimed = true
	r.pep.forget(r)
	_ = r.conn.Close()
}

type passiveEndpoint struct {
	id   provider.FID
	fab  *fabric
	info *provider.Info
	log  *zap.Logger

	mu       sync.Mutex
	eq       *eventQueue
	listener net.Listener
	name     string
	closed   bool
	inflight map[net.Conn]struct{}
	pending  map[*connRequest]struct{}
	wg       sync.WaitGroup
}

func (p *passiveEndpoint) ID() provider.FID { return p.id }

func (p *passiveEndpoint) BindEventQueue(eq provider.EventQueue, _ uint64) error {
	q, ok := eq.(*eventQueue)
	if !ok || q == nil {
		return provider.ErrInvalid.WithOp("fi_pep_bind")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.listener != nil {
		return provider.ErrBadState.WithOp("fi_pep_bind")
	}
	p.eq = q
	return nil
}

func (p *passiveEndpoint) Listen() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case p.closed:
		return provider.ErrBadState.WithOp("fi_listen")
	case p.eq == nil:
		return provider.ErrNoEQ.WithOp("fi_listen")
	case p.listener != nil:
		return provider.ErrAlready.WithOp("fi_listen")
	}
	addr := string(p.info.SrcAddr)
	if addr == "" {
		addr = ":0"
	}
	nw := p.fab.prov.net
	ln, err := nw.Listen(addr)
	if err != nil {
		return err
	}
	p.listener = ln
	p.name = nw.Advertise(ln.Addr())
	p.inflight = make(map[net.Conn]struct{})
	p.wg.Add(1)
	go p.acceptLoop(ln)
	p.log.Debug("listening", zap.String("addr", p.name))
	return nil
}

func (p *passiveEndpoint) acceptLoop(ln net.Listener) {
	defer p.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			_ = conn.Close()
			return
		}
		p.inflight[conn] = struct{}{}
		p.wg.Add(1)
		p.mu.Unlock()
		go p.handshake(conn)
	}
}

// handshake reads the connection request frame and reports it on the event
// queue as FI_CONNREQ.
func (p *passiveEndpoint) handshake(conn net.Conn) {
	defer p.wg.Done()
	_ = conn.SetReadDeadline(time.Now().Add(p.fab.prov.dialTimeout))
	typ, body, err := readFrame(conn)
	_ = conn.SetReadDeadline(time.Time{})

	var peer string
	var params []byte
	if err == nil && typ != frameConnReq {
		err = provider.ErrInvalid
	}
	if err == nil {
		peer, params, err = decodeConnReq(body)
	}

	p.mu.Lock()
	delete(p.inflight, conn)
	if err != nil || p.closed {
		p.mu.Unlock()
		if err != nil {
			p.log.Debug("dropping connection without request", zap.Error(err))
		}
		_ = conn.Close()
		return
	}
	req := &connRequest{pep: p, conn: conn, peer: peer}
	p.pending[req] = struct{}{}
	eq := p.eq
	name := p.name
	p.mu.Unlock()

	info := p.info.Clone()
	info.SrcAddr = []byte(name)
	info.DestAddr = []byte(peer)
	info.Handle = req
	p.log.Debug("connection request", zap.String("peer", peer))
	eq.post(&provider.EQEntry{Event: provider.EventConnReq, FID: p.id, Info: info, Data: params})
}

func (p *passiveEndpoint) forget(r *connRequest) {
	p.mu.Lock()
	delete(p.pending, r)
	p.mu.Unlock()
}

func (p *passiveEndpoint) advertised() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.name
}

func (p *passiveEndpoint) Reject(handle any, params []byte) error {
	req, ok := handle.(*connRequest)
	if !ok || req.pep != p {
		return provider.ErrInvalid.WithOp("fi_reject")
	}
	conn, err := req.claim()
	if err != nil {
		return provider.ErrInvalid.WithOp("fi_reject")
	}
	defer conn.Close()
	_ = conn.SetWriteDeadline(time.Now().Add(p.fab.prov.dialTimeout))
	if err := writeFrame(conn, frameReject, params); err != nil {
		p.log.Debug("reject not delivered", zap.Error(err))
	}
	return nil
}

func (p *passiveEndpoint) Name() ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.name == "" {
		return nil, provider.ErrAddrNotAvail.WithOp("fi_getname")
	}
	return []byte(p.name), nil
}

func (p *passiveEndpoint) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	ln := p.listener
	conns := make([]net.Conn, 0, len(p.inflight))
	for c := range p.inflight {
		conns = append(conns, c)
	}
	reqs := make([]*connRequest, 0, len(p.pending))
	for r := range p.pending {
		reqs = append(reqs, r)
	}
	p.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}
	for _, c := range conns {
		_ = c.Close()
	}
	for _, r := range reqs {
		r.abort()
	}
	p.wg.Wait()
	p.fab.release()
	p.log.Debug("passive endpoint closed")
	return nil
}
