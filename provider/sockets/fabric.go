package sockets

import (
	"net"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rocketbitz/fabric-echo/provider"
)

// refs tracks open children so parents refuse to close underneath them.
type refs struct {
	mu       sync.Mutex
	children int
	closed   bool
}

func (r *refs) acquire() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return provider.ErrBadState
	}
	r.children++
	return nil
}

func (r *refs) release() {
	r.mu.Lock()
	if r.children > 0 {
		r.children--
	}
	r.mu.Unlock()
}

// closeIfIdle marks the object closed. It reports ErrBusy while children
// remain and false when the object was already closed.
func (r *refs) closeIfIdle() (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false, nil
	}
	if r.children > 0 {
		return false, provider.ErrBusy
	}
	r.closed = true
	return true, nil
}

type fabric struct {
	refs
	prov *Provider
	name string
	log  *zap.Logger
}

func (f *fabric) OpenDomain(info *provider.Info) (provider.Domain, error) {
	if info == nil {
		return nil, provider.ErrInvalid.WithOp("fi_domain")
	}
	if err := f.acquire(); err != nil {
		return nil, err
	}
	return &domain{
		fab:  f,
		name: info.Domain,
		mrs:  make(map[uint64]*memoryRegion),
		log:  f.log.With(zap.String("domain", info.Domain)),
	}, nil
}

func (f *fabric) OpenEventQueue(attr provider.EQAttr) (provider.EventQueue, error) {
	switch attr.WaitObj {
	case provider.WaitNone, provider.WaitUnspec, provider.WaitMutexCond, provider.WaitYield:
	default:
		return nil, provider.ErrNotSupported.WithOp("fi_eq_open")
	}
	if err := f.acquire(); err != nil {
		return nil, err
	}
	return &eventQueue{fab: f, waitObj: attr.WaitObj}, nil
}

func (f *fabric) OpenPassiveEndpoint(info *provider.Info) (provider.PassiveEndpoint, error) {
	if info == nil || info.EndpointType != provider.EndpointTypeMsg {
		return nil, provider.ErrInvalid.WithOp("fi_passive_ep")
	}
	if err := f.acquire(); err != nil {
		return nil, err
	}
	id := provider.FID(uuid.NewString())
	return &passiveEndpoint{
		id:      id,
		fab:     f,
		info:    info.Clone(),
		pending: make(map[*connRequest]struct{}),
		log:     f.log.With(zap.String("pep", string(id))),
	}, nil
}

func (f *fabric) Close() error {
	closed, err := f.closeIfIdle()
	if err != nil {
		return provider.ErrBusy.WithOp("fi_close(fabric)")
	}
	if closed {
		f.log.Debug("fabric closed")
	}
	return nil
}

type domain struct {
	refs
	fab  *fabric
	name string
	log  *zap.Logger

	mrMu sync.RWMutex
	mrs  map[uint64]*memoryRegion
}

func (d *domain) OpenCompletionQueue(attr provider.CQAttr) (provider.CompletionQueue, error) {
	switch attr.Format {
	case provider.CQFormatUnspec, provider.CQFormatContext, provider.CQFormatMsg, provider.CQFormatData:
	default:
		return nil, provider.ErrNotSupported.WithOp("fi_cq_open")
	}
	switch attr.WaitObj {
	case provider.WaitNone, provider.WaitUnspec, provider.WaitMutexCond, provider.WaitYield:
	default:
		return nil, provider.ErrNotSupported.WithOp("fi_cq_open")
	}
	if err := d.acquire(); err != nil {
		return nil, err
	}
	return &completionQueue{dom: d, waitObj: attr.WaitObj}, nil
}

func (d *domain) OpenCounter(attr provider.CounterAttr) (provider.Counter, error) {
	switch attr.WaitObj {
	case provider.WaitNone, provider.WaitUnspec, provider.WaitMutexCond, provider.WaitYield:
	default:
		return nil, provider.ErrNotSupported.WithOp("fi_cntr_open")
	}
	if err := d.acquire(); err != nil {
		return nil, err
	}
	return &counter{dom: d, waitObj: attr.WaitObj}, nil
}

func (d *domain) OpenAddressVector(attr provider.AVAttr) (provider.AddressVector, error) {
	if attr.Type != provider.AVTypeUnspec && attr.Type != provider.AVTypeMap && attr.Type != provider.AVTypeTable {
		return nil, provider.ErrInvalid.WithOp("fi_av_open")
	}
	if err := d.acquire(); err != nil {
		return nil, err
	}
	return &addressVector{
		dom:    d,
		byAddr: make(map[provider.FIAddr]string),
		byName: make(map[string]provider.FIAddr),
	}, nil
}

func (d *domain) RegisterMemory(buf []byte, access, offset, requestedKey, flags uint64) (provider.MemoryRegion, error) {
	if len(buf) == 0 {
		return nil, provider.ErrInvalid.WithOp("fi_mr_reg")
	}
	if flags != 0 {
		return nil, provider.ErrBadFlags.WithOp("fi_mr_reg")
	}
	if err := d.acquire(); err != nil {
		return nil, err
	}
	d.mrMu.Lock()
	defer d.mrMu.Unlock()
	if _, used := d.mrs[requestedKey]; used {
		d.release()
		return nil, provider.ErrNoKey.WithOp("fi_mr_reg")
	}
	mr := &memoryRegion{dom: d, buf: buf, access: access, offset: offset, key: requestedKey}
	d.mrs[requestedKey] = mr
	return mr, nil
}

// region resolves an RMA target: key plus remote offset to the registered
// bytes, checking the access bit.
func (d *domain) region(key, offset uint64, length int, access uint64) ([]byte, error) {
	d.mrMu.RLock()
	mr := d.mrs[key]
	d.mrMu.RUnlock()
	if mr == nil {
		return nil, provider.ErrNoKey
	}
	if mr.access&access != access {
		return nil, provider.ErrAccess
	}
	if offset < mr.offset {
		return nil, provider.ErrInvalid
	}
	start := offset - mr.offset
	if start > uint64(len(mr.buf)) || uint64(length) > uint64(len(mr.buf))-start {
		return nil, provider.ErrInvalid
	}
	return mr.buf[start : start+uint64(length)], nil
}

func (d *domain) OpenEndpoint(info *provider.Info) (provider.Endpoint, error) {
	if info == nil {
		return nil, provider.ErrInvalid.WithOp("fi_endpoint")
	}
	switch info.EndpointType {
	case provider.EndpointTypeMsg, provider.EndpointTypeRDM:
	default:
		return nil, provider.ErrNotSupported.WithOp("fi_endpoint")
	}
	if err := d.acquire(); err != nil {
		return nil, err
	}
	id := provider.FID(uuid.NewString())
	ep := &endpoint{
		id:           id,
		dom:          d,
		info:         info.Clone(),
		log:          d.log.With(zap.String("ep", string(id)), zap.Stringer("type", info.EndpointType)),
		links:        make(map[string]*link),
		allLinks:     make(map[*link]struct{}),
		pendingReads: make(map[uint64]pendingRead),
	}
	if req, ok := info.Handle.(*connRequest); ok {
		ep.request = req
	}
	return ep, nil
}

func (d *domain) Close() error {
	closed, err := d.closeIfIdle()
	if err != nil {
		return provider.ErrBusy.WithOp("fi_close(domain)")
	}
	if closed {
		d.fab.release()
	}
	return nil
}

type memoryRegion struct {
	dom    *domain
	buf    []byte
	access uint64
	offset uint64
	key    uint64
	once   sync.Once
}

func (m *memoryRegion) Key() uint64    { return m.key }
func (m *memoryRegion) Access() uint64 { return m.access }
func (m *memoryRegion) Len() int       { return len(m.buf) }

func (m *memoryRegion) Close() error {
	m.once.Do(func() {
		m.dom.mrMu.Lock()
		if m.dom.mrs[m.key] == m {
			delete(m.dom.mrs, m.key)
		}
		m.dom.mrMu.Unlock()
		m.dom.release()
	})
	return nil
}

type addressVector struct {
	dom *domain

	mu     sync.RWMutex
	byAddr map[provider.FIAddr]string
	byName map[string]provider.FIAddr
	next   provider.FIAddr
	once   sync.Once
}

func (a *addressVector) InsertRaw(addr []byte, _ uint64) (provider.FIAddr, error) {
	if len(addr) == 0 {
		return provider.FIAddrNotAvail, provider.ErrInvalid.WithOp("fi_av_insert")
	}
	name := string(addr)
	a.mu.Lock()
	defer a.mu.Unlock()
	if idx, ok := a.byName[name]; ok {
		return idx, nil
	}
	idx := a.next
	a.next++
	a.byAddr[idx] = name
	a.byName[name] = idx
	return idx, nil
}

func (a *addressVector) InsertService(node, service string, flags uint64) (provider.FIAddr, error) {
	if service == "" {
		return provider.FIAddrNotAvail, provider.ErrInvalid.WithOp("fi_av_insertsvc")
	}
	if node == "" {
		node = "localhost"
	}
	return a.InsertRaw([]byte(net.JoinHostPort(node, service)), flags)
}

func (a *addressVector) Remove(addrs []provider.FIAddr, _ uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, idx := range addrs {
		name, ok := a.byAddr[idx]
		if !ok {
			return provider.ErrInvalid.WithOp("fi_av_remove")
		}
		delete(a.byAddr, idx)
		delete(a.byName, name)
	}
	return nil
}

func (a *addressVector) Lookup(addr provider.FIAddr) ([]byte, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	name, ok := a.byAddr[addr]
	if !ok {
		return nil, provider.ErrInvalid.WithOp("fi_av_lookup")
	}
	return []byte(name), nil
}

func (a *addressVector) reverse(name string) provider.FIAddr {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if idx, ok := a.byName[name]; ok {
		return idx
	}
	return provider.FIAddrNotAvail
}

func (a *addressVector) Count() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.byAddr)
}

func (a *addressVector) Close() error {
	a.once.Do(a.dom.release)
	return nil
}
