package sockets

import (
	"context"
	"errors"
	"net"
	"sync"

	"go.uber.org/zap"

	"github.com/rocketbitz/fabric-echo/provider"
)

type boundCounter struct {
	c     *counter
	flags uint64
}

type pendingRead struct {
	buf  []byte
	ctx  any
	link *link
}

type postedRecv struct {
	buf []byte
	ctx any
}

type inboundMsg struct {
	data []byte
	src  provider.FIAddr
}

type connState int

const (
	connIdle connState = iota
	connConnecting
	connConnected
	connDown
)

// endpoint implements both MSG and RDM endpoints. MSG endpoints own a single
// link to their peer. RDM endpoints listen on their own address and keep one
// link per remote name, reusing inbound links announced with a hello frame.
type endpoint struct {
	id      provider.FID
	dom     *domain
	info    *provider.Info
	log     *zap.Logger
	request *connRequest

	mu       sync.Mutex
	txCQ     *completionQueue
	rxCQ     *completionQueue
	eq       *eventQueue
	av       *addressVector
	counters []boundCounter
	enabled  bool
	closed   bool
	state    connState
	name     string

	conn     *link
	listener net.Listener
	links    map[string]*link
	allLinks map[*link]struct{}

	posted     []postedRecv
	unexpected []inboundMsg

	nextRead     uint64
	pendingReads map[uint64]pendingRead

	wg sync.WaitGroup
}

func (e *endpoint) ID() provider.FID { return e.id }

func (e *endpoint) network() Network { return e.dom.fab.prov.net }

func (e *endpoint) BindCompletionQueue(cq provider.CompletionQueue, flags uint64) error {
	q, ok := cq.(*completionQueue)
	if !ok || q == nil {
		return provider.ErrInvalid.WithOp("fi_ep_bind(cq)")
	}
	if flags&(provider.BindSend|provider.BindRecv) == 0 {
		return provider.ErrBadFlags.WithOp("fi_ep_bind(cq)")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.enabled || e.closed {
		return provider.ErrBadState.WithOp("fi_ep_bind(cq)")
	}
	if flags&provider.BindSend != 0 {
		e.txCQ = q
	}
	if flags&provider.BindRecv != 0 {
		e.rxCQ = q
	}
	return nil
}

func (e *endpoint) BindEventQueue(eq provider.EventQueue, _ uint64) error {
	q, ok := eq.(*eventQueue)
	if !ok || q == nil {
		return provider.ErrInvalid.WithOp("fi_ep_bind(eq)")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.enabled || e.closed {
		return provider.ErrBadState.WithOp("fi_ep_bind(eq)")
	}
	e.eq = q
	return nil
}

func (e *endpoint) BindAddressVector(av provider.AddressVector, _ uint64) error {
	if e.info.EndpointType != provider.EndpointTypeRDM {
		return provider.ErrNotSupported.WithOp("fi_ep_bind(av)")
	}
	a, ok := av.(*addressVector)
	if !ok || a == nil {
		return provider.ErrInvalid.WithOp("fi_ep_bind(av)")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.enabled || e.closed {
		return provider.ErrBadState.WithOp("fi_ep_bind(av)")
	}
	e.av = a
	return nil
}

const counterBindMask = provider.BindSend | provider.BindRecv | provider.BindRead |
	provider.BindWrite | provider.BindRemoteRead | provider.BindRemoteWrite

func (e *endpoint) BindCounter(c provider.Counter, flags uint64) error {
	cntr, ok := c.(*counter)
	if !ok || cntr == nil {
		return provider.ErrInvalid.WithOp("fi_ep_bind(cntr)")
	}
	if flags == 0 || flags&^counterBindMask != 0 {
		return provider.ErrBadFlags.WithOp("fi_ep_bind(cntr)")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.enabled || e.closed {
		return provider.ErrBadState.WithOp("fi_ep_bind(cntr)")
	}
	e.counters = append(e.counters, boundCounter{c: cntr, flags: flags})
	return nil
}

func (e *endpoint) Enable() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return provider.ErrBadState.WithOp("fi_enable")
	}
	if e.enabled {
		return provider.ErrAlready.WithOp("fi_enable")
	}
	switch e.info.EndpointType {
	case provider.EndpointTypeMsg:
		if e.eq == nil {
			return provider.ErrNoEQ.WithOp("fi_enable")
		}
	case provider.EndpointTypeRDM:
		if e.av == nil {
			return provider.ErrNoAV.WithOp("fi_enable")
		}
		addr := string(e.info.SrcAddr)
		if addr == "" {
			addr = ":0"
		}
		ln, err := e.network().Listen(addr)
		if err != nil {
			return err
		}
		e.listener = ln
		e.name = e.network().Advertise(ln.Addr())
		e.wg.Add(1)
		go e.acceptLoop(ln)
		e.log.Debug("rdm endpoint listening", zap.String("addr", e.name))
	}
	e.enabled = true
	return nil
}

func (e *endpoint) acceptLoop(ln net.Listener) {
	defer e.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		l := newLink(conn, "", e.log)
		l.handler = e.handleFrame
		l.onDown = e.linkDown
		e.mu.Lock()
		if e.closed {
			e.mu.Unlock()
			_ = conn.Close()
			return
		}
		e.allLinks[l] = struct{}{}
		e.mu.Unlock()
		l.start()
	}
}

// linkTo returns the link carrying traffic to name, dialing one when no
// live link exists. Callers hold e.mu.
func (e *endpoint) linkTo(name string) (*link, error) {
	if l, ok := e.links[name]; ok && !l.isDown() {
		return l, nil
	}
	nw := e.network()
	l := newLink(nil, name, e.log)
	l.dial = func(ctx context.Context) (net.Conn, error) { return nw.Dial(ctx, name) }
	l.dialTimeout = e.dom.fab.prov.dialTimeout
	l.handler = e.handleFrame
	l.onDown = e.linkDown
	if err := l.send(outFrame{typ: frameHello, parts: [][]byte{[]byte(e.name)}}); err != nil {
		return nil, err
	}
	e.links[name] = l
	e.allLinks[l] = struct{}{}
	l.start()
	return l, nil
}

// route picks the link for a data transfer.
func (e *endpoint) route(dest provider.FIAddr, op string) (*link, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || !e.enabled {
		return nil, provider.ErrBadState.WithOp(op)
	}
	if e.info.EndpointType == provider.EndpointTypeMsg {
		if e.state != connConnected || e.conn == nil {
			return nil, provider.ErrNotConn.WithOp(op)
		}
		return e.conn, nil
	}
	name, err := e.av.Lookup(dest)
	if err != nil {
		return nil, provider.ErrAddrNotAvail.WithOp(op)
	}
	l, err := e.linkTo(string(name))
	if err != nil {
		return nil, provider.ErrNotConn.WithOp(op)
	}
	return l, nil
}

func (e *endpoint) Connect(dest []byte, params []byte) error {
	if e.info.EndpointType != provider.EndpointTypeMsg {
		return provider.ErrNotSupported.WithOp("fi_connect")
	}
	target := string(dest)
	if target == "" {
		target = string(e.info.DestAddr)
	}
	if target == "" {
		return provider.ErrAddrNotAvail.WithOp("fi_connect")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	switch {
	case e.closed || !e.enabled:
		return provider.ErrBadState.WithOp("fi_connect")
	case e.request != nil:
		return provider.ErrInvalid.WithOp("fi_connect")
	case e.state == connConnecting || e.state == connConnected:
		return provider.ErrAlready.WithOp("fi_connect")
	}
	nw := e.network()
	payload := append([]byte(nil), params...)
	l := newLink(nil, target, e.log)
	l.dialTimeout = e.dom.fab.prov.dialTimeout
	l.dial = func(ctx context.Context) (net.Conn, error) {
		conn, err := nw.Dial(ctx, target)
		if err != nil {
			return nil, err
		}
		name := nw.Advertise(conn.LocalAddr())
		e.mu.Lock()
		e.name = name
		e.mu.Unlock()
		if err := writeFrame(conn, frameConnReq, encodeConnReq(name, payload)); err != nil {
			_ = conn.Close()
			return nil, err
		}
		return conn, nil
	}
	l.handler = e.handleFrame
	l.onDown = e.linkDown
	e.conn = l
	e.allLinks[l] = struct{}{}
	e.state = connConnecting
	l.start()
	return nil
}

func (e *endpoint) Accept(params []byte) error {
	if e.info.EndpointType != provider.EndpointTypeMsg {
		return provider.ErrNotSupported.WithOp("fi_accept")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	switch {
	case e.closed || !e.enabled:
		return provider.ErrBadState.WithOp("fi_accept")
	case e.request == nil:
		return provider.ErrInvalid.WithOp("fi_accept")
	case e.state != connIdle:
		return provider.ErrAlready.WithOp("fi_accept")
	}
	conn, err := e.request.claim()
	if err != nil {
		return err
	}
	e.name = e.request.pep.advertised()
	l := newLink(conn, e.request.peer, e.log)
	l.handler = e.handleFrame
	l.onDown = e.linkDown
	e.conn = l
	e.allLinks[l] = struct{}{}
	e.state = connConnecting
	err = l.send(outFrame{typ: frameAccept, parts: [][]byte{append([]byte(nil), params...)}, done: func(err error) {
		if err == nil {
			e.connected(nil)
		}
	}})
	l.start()
	return err
}

// connected moves a connecting endpoint to connected and reports it.
func (e *endpoint) connected(params []byte) {
	e.mu.Lock()
	if e.state != connConnecting {
		e.mu.Unlock()
		return
	}
	e.state = connConnected
	eq := e.eq
	e.mu.Unlock()
	e.log.Debug("connected")
	eq.post(&provider.EQEntry{Event: provider.EventConnected, FID: e.id, Data: params})
}

func (e *endpoint) Shutdown() error {
	if e.info.EndpointType != provider.EndpointTypeMsg {
		return provider.ErrNotSupported.WithOp("fi_shutdown")
	}
	e.mu.Lock()
	l := e.conn
	if l == nil || e.state != connConnected {
		e.mu.Unlock()
		return provider.ErrNotConn.WithOp("fi_shutdown")
	}
	e.state = connDown
	e.mu.Unlock()
	_ = l.send(outFrame{typ: frameShutdown})
	l.close()
	return nil
}

func (e *endpoint) Name() ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.name == "" {
		return nil, provider.ErrAddrNotAvail.WithOp("fi_getname")
	}
	return []byte(e.name), nil
}

func (e *endpoint) Send(buf []byte, dest provider.FIAddr, ctx any) error {
	if e.info.Caps&provider.CapMsg == 0 {
		return provider.ErrOpNotSupp.WithOp("fi_send")
	}
	if uintptr(len(buf)) > e.info.MaxMsgSize {
		return provider.ErrMsgSize.WithOp("fi_send")
	}
	l, err := e.route(dest, "fi_send")
	if err != nil {
		return err
	}
	n := len(buf)
	err = l.send(outFrame{typ: frameMsg, parts: [][]byte{buf}, done: func(err error) {
		e.complete(e.sendQueue(), ctx, provider.CapMsg|provider.CapSend, n, err, provider.BindSend)
	}})
	if err != nil {
		return provider.ErrNotConn.WithOp("fi_send")
	}
	return nil
}

func (e *endpoint) Recv(buf []byte, _ provider.FIAddr, ctx any) error {
	e.mu.Lock()
	if e.closed || !e.enabled {
		e.mu.Unlock()
		return provider.ErrBadState.WithOp("fi_recv")
	}
	if e.rxCQ == nil {
		e.mu.Unlock()
		return provider.ErrNoCQ.WithOp("fi_recv")
	}
	r := postedRecv{buf: buf, ctx: ctx}
	if len(e.unexpected) > 0 {
		m := e.unexpected[0]
		e.unexpected[0] = inboundMsg{}
		e.unexpected = e.unexpected[1:]
		cq := e.rxCQ
		e.mu.Unlock()
		e.deliver(cq, r, m)
		return nil
	}
	e.posted = append(e.posted, r)
	e.mu.Unlock()
	return nil
}

func (e *endpoint) deliver(cq *completionQueue, r postedRecv, m inboundMsg) {
	n := copy(r.buf, m.data)
	if len(m.data) > len(r.buf) {
		e.countError(provider.BindRecv)
		cq.postError(&provider.CQErrEntry{
			Context:     r.ctx,
			Flags:       provider.CapMsg | provider.CapRecv,
			Len:         n,
			SrcAddr:     m.src,
			Err:         provider.ErrTrunc,
			ProviderErr: len(m.data) - n,
		})
		return
	}
	e.count(provider.BindRecv)
	cq.post(&provider.CQEntry{Context: r.ctx, Flags: provider.CapMsg | provider.CapRecv, Len: n, SrcAddr: m.src})
}

func (e *endpoint) Write(buf []byte, dest provider.FIAddr, offset, key uint64, ctx any) error {
	if e.info.Caps&provider.CapRMA == 0 || e.info.Caps&provider.CapWrite == 0 {
		return provider.ErrOpNotSupp.WithOp("fi_write")
	}
	if uintptr(len(buf)) > e.info.MaxMsgSize {
		return provider.ErrMsgSize.WithOp("fi_write")
	}
	l, err := e.route(dest, "fi_write")
	if err != nil {
		return err
	}
	n := len(buf)
	err = l.send(outFrame{typ: frameWrite, parts: [][]byte{encodeRMA(key, offset), buf}, done: func(err error) {
		e.complete(e.sendQueue(), ctx, provider.CapRMA|provider.CapWrite, n, err, provider.BindWrite)
	}})
	if err != nil {
		return provider.ErrNotConn.WithOp("fi_write")
	}
	return nil
}

func (e *endpoint) Read(buf []byte, src provider.FIAddr, offset, key uint64, ctx any) error {
	if e.info.Caps&provider.CapRMA == 0 || e.info.Caps&provider.CapRead == 0 {
		return provider.ErrOpNotSupp.WithOp("fi_read")
	}
	if uintptr(len(buf)) > e.info.MaxMsgSize {
		return provider.ErrMsgSize.WithOp("fi_read")
	}
	l, err := e.route(src, "fi_read")
	if err != nil {
		return err
	}
	e.mu.Lock()
	id := e.nextRead
	e.nextRead++
	e.pendingReads[id] = pendingRead{buf: buf, ctx: ctx, link: l}
	e.mu.Unlock()
	err = l.send(outFrame{typ: frameRead, parts: [][]byte{encodeReadReq(id, key, offset, len(buf))}, done: func(err error) {
		if err == nil {
			return
		}
		if pr, ok := e.takeRead(id); ok {
			e.complete(e.sendQueue(), pr.ctx, provider.CapRMA|provider.CapRead, 0, err, provider.BindRead)
		}
	}})
	if err != nil {
		e.takeRead(id)
		return provider.ErrNotConn.WithOp("fi_read")
	}
	return nil
}

func (e *endpoint) takeRead(id uint64) (pendingRead, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	pr, ok := e.pendingReads[id]
	if ok {
		delete(e.pendingReads, id)
	}
	return pr, ok
}

func (e *endpoint) sendQueue() *completionQueue {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.txCQ
}

// complete reports a finished transfer on cq and the counters bound for
// event.
func (e *endpoint) complete(cq *completionQueue, ctx any, flags uint64, n int, err error, event uint64) {
	if err != nil {
		var errno provider.Errno
		if !errors.As(err, &errno) {
			errno = provider.ErrOther
		}
		cq.postError(&provider.CQErrEntry{Context: ctx, Flags: flags, Len: n, SrcAddr: provider.FIAddrNotAvail, Err: errno})
		e.countError(event)
		return
	}
	cq.post(&provider.CQEntry{Context: ctx, Flags: flags, Len: n, SrcAddr: provider.FIAddrNotAvail})
	e.count(event)
}

func (e *endpoint) boundCounters(event uint64) []*counter {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []*counter
	for _, bc := range e.counters {
		if bc.flags&event != 0 {
			out = append(out, bc.c)
		}
	}
	return out
}

func (e *endpoint) count(event uint64) {
	for _, c := range e.boundCounters(event) {
		c.Add(1)
	}
}

func (e *endpoint) countError(event uint64) {
	for _, c := range e.boundCounters(event) {
		c.addError(1)
	}
}

func (e *endpoint) handleFrame(l *link, typ frameType, body []byte) {
	switch typ {
	case frameHello:
		name := string(body)
		l.setPeer(name)
		e.mu.Lock()
		if existing, ok := e.links[name]; !ok || existing.isDown() {
			e.links[name] = l
		}
		e.mu.Unlock()
	case frameAccept:
		e.connected(body)
	case frameReject:
		e.rejected(l, body)
	case frameShutdown:
		e.peerShutdown(l)
	case frameMsg:
		e.onMsg(l, body)
	case frameWrite:
		e.onWrite(body)
	case frameRead:
		e.onReadRequest(l, body)
	case frameReadResp:
		e.onReadResponse(body)
	default:
		e.log.Warn("unexpected frame", zap.Stringer("frame", typ))
	}
}

func (e *endpoint) rejected(l *link, params []byte) {
	e.mu.Lock()
	if e.state != connConnecting {
		e.mu.Unlock()
		return
	}
	e.state = connDown
	eq := e.eq
	e.mu.Unlock()
	l.terminate(nil)
	eq.postError(&provider.EQErrEntry{FID: e.id, Err: provider.ErrConnRefused, Data: params})
}

func (e *endpoint) peerShutdown(l *link) {
	e.mu.Lock()
	was := e.state
	if e.conn == l {
		e.state = connDown
	}
	eq := e.eq
	e.mu.Unlock()
	l.terminate(nil)
	if was == connConnected {
		eq.post(&provider.EQEntry{Event: provider.EventShutdown, FID: e.id})
	}
}

func (e *endpoint) linkDown(l *link, cause error) {
	e.mu.Lock()
	if e.info.EndpointType == provider.EndpointTypeRDM {
		for name, cur := range e.links {
			if cur == l {
				delete(e.links, name)
			}
		}
		var failed []pendingRead
		for id, pr := range e.pendingReads {
			if pr.link == l {
				failed = append(failed, pr)
				delete(e.pendingReads, id)
			}
		}
		cq := e.txCQ
		e.mu.Unlock()
		for _, pr := range failed {
			e.complete(cq, pr.ctx, provider.CapRMA|provider.CapRead, 0, provider.ErrConnReset, provider.BindRead)
		}
		return
	}
	if e.conn != l {
		e.mu.Unlock()
		return
	}
	was := e.state
	e.state = connDown
	eq := e.eq
	e.mu.Unlock()
	switch was {
	case connConnected:
		e.log.Debug("peer went away", zap.Error(cause))
		eq.post(&provider.EQEntry{Event: provider.EventShutdown, FID: e.id})
	case connConnecting:
		errno := provider.ErrConnRefused
		_ = errors.As(cause, &errno)
		eq.postError(&provider.EQErrEntry{FID: e.id, Err: errno})
	}
}

func (e *endpoint) onMsg(l *link, data []byte) {
	src := provider.FIAddrUnspec
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	if e.av != nil {
		src = e.av.reverse(l.peer())
	}
	m := inboundMsg{data: data, src: src}
	if len(e.posted) == 0 {
		e.unexpected = append(e.unexpected, m)
		e.mu.Unlock()
		return
	}
	r := e.posted[0]
	e.posted[0] = postedRecv{}
	e.posted = e.posted[1:]
	cq := e.rxCQ
	e.mu.Unlock()
	e.deliver(cq, r, m)
}

func (e *endpoint) onWrite(body []byte) {
	key, offset, data, err := decodeRMA(body)
	if err == nil {
		var dst []byte
		dst, err = e.dom.region(key, offset, len(data), provider.MRAccessRemoteWrite)
		if err == nil {
			copy(dst, data)
			e.count(provider.BindRemoteWrite)
			return
		}
	}
	e.log.Warn("dropping remote write", zap.Uint64("key", key), zap.Uint64("offset", offset), zap.Error(err))
}

func (e *endpoint) onReadRequest(l *link, body []byte) {
	id, key, offset, length, err := decodeReadReq(body)
	if err != nil {
		e.log.Warn("malformed read request", zap.Error(err))
		return
	}
	src, err := e.dom.region(key, offset, length, provider.MRAccessRemoteRead)
	if err != nil {
		errno := provider.ErrInvalid
		_ = errors.As(err, &errno)
		_ = l.send(outFrame{typ: frameReadResp, parts: [][]byte{encodeReadResp(id, errno)}})
		return
	}
	data := append([]byte(nil), src...)
	if err := l.send(outFrame{typ: frameReadResp, parts: [][]byte{encodeReadResp(id, provider.Success), data}}); err == nil {
		e.count(provider.BindRemoteRead)
	}
}

func (e *endpoint) onReadResponse(body []byte) {
	id, status, data, err := decodeReadResp(body)
	if err != nil {
		e.log.Warn("malformed read response", zap.Error(err))
		return
	}
	pr, ok := e.takeRead(id)
	if !ok {
		return
	}
	cq := e.sendQueue()
	if status != provider.Success {
		e.complete(cq, pr.ctx, provider.CapRMA|provider.CapRead, 0, status, provider.BindRead)
		return
	}
	n := copy(pr.buf, data)
	e.complete(cq, pr.ctx, provider.CapRMA|provider.CapRead, n, nil, provider.BindRead)
}

// Close tears down links and cancels posted receives and reads with
// ECANCELED entries.
func (e *endpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	wasConnected := e.state == connConnected
	e.state = connDown
	conn := e.conn
	ln := e.listener
	links := make([]*link, 0, len(e.allLinks))
	for l := range e.allLinks {
		links = append(links, l)
	}
	posted := e.posted
	e.posted = nil
	e.unexpected = nil
	reads := e.pendingReads
	e.pendingReads = make(map[uint64]pendingRead)
	rx, tx := e.rxCQ, e.txCQ
	e.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}
	if conn != nil && wasConnected {
		_ = conn.send(outFrame{typ: frameShutdown})
	}
	for _, l := range links {
		l.close()
	}
	e.wg.Wait()

	for _, r := range posted {
		rx.postError(&provider.CQErrEntry{Context: r.ctx, Flags: provider.CapMsg | provider.CapRecv, SrcAddr: provider.FIAddrNotAvail, Err: provider.ErrCanceled})
	}
	for _, pr := range reads {
		tx.postError(&provider.CQErrEntry{Context: pr.ctx, Flags: provider.CapRMA | provider.CapRead, SrcAddr: provider.FIAddrNotAvail, Err: provider.ErrCanceled})
	}
	if e.request != nil {
		e.request.abort()
	}
	e.dom.release()
	e.log.Debug("endpoint closed")
	return nil
}
