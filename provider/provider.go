// Package provider defines the service-provider interface the fi package
// drives. A provider implements discovery plus the fabric, domain, queue,
// memory, address vector and endpoint primitives; the fi package owns the
// resulting objects and sequences their lifetimes.
package provider

import "time"

// Provider is a fabric implementation.
type Provider interface {
	Name() string
	Version() Version
	// GetInfo returns descriptors satisfying hints. ErrNoData means no match.
	GetInfo(version Version, node, service string, flags uint64, hints *Info) ([]*Info, error)
	OpenFabric(info *Info) (Fabric, error)
}

// Fabric is an open fabric instance.
type Fabric interface {
	OpenDomain(info *Info) (Domain, error)
	OpenEventQueue(attr EQAttr) (EventQueue, error)
	OpenPassiveEndpoint(info *Info) (PassiveEndpoint, error)
	// Close fails with ErrBusy while domains, event queues or passive
	// endpoints opened from the fabric remain open.
	Close() error
}

// Domain scopes data-transfer resources.
type Domain interface {
	OpenCompletionQueue(attr CQAttr) (CompletionQueue, error)
	OpenCounter(attr CounterAttr) (Counter, error)
	OpenAddressVector(attr AVAttr) (AddressVector, error)
	RegisterMemory(buf []byte, access, offset, requestedKey, flags uint64) (MemoryRegion, error)
	OpenEndpoint(info *Info) (Endpoint, error)
	// Close fails with ErrBusy while child objects remain open.
	Close() error
}

// EQAttr configures an event queue.
type EQAttr struct {
	Size    int
	Flags   uint64
	WaitObj WaitObj
}

// CQAttr configures a completion queue.
type CQAttr struct {
	Size    int
	Flags   uint64
	Format  CQFormat
	WaitObj WaitObj
}

// CounterAttr configures a completion counter.
type CounterAttr struct {
	Flags   uint64
	WaitObj WaitObj
}

// AVAttr configures an address vector.
type AVAttr struct {
	Type  AVType
	Count int
	Flags uint64
}

// EQEntry is a connection-management event.
type EQEntry struct {
	Event   EventType
	FID     FID
	Context any
	Info    *Info
	Data    []byte
}

// EQErrEntry describes a failed connection-management operation.
type EQErrEntry struct {
	FID         FID
	Context     any
	Err         Errno
	ProviderErr int
	Data        []byte
}

// EventQueue delivers connection-management events.
type EventQueue interface {
	// Read returns the next event. A zero timeout never blocks, a negative
	// timeout blocks indefinitely. Empty queues report ErrAgain, expired
	// timeouts ErrTimedOut and pending error entries ErrAvail.
	Read(timeout time.Duration) (*EQEntry, error)
	ReadError() (*EQErrEntry, error)
	Close() error
}

// CQEntry is a successful data-transfer completion.
type CQEntry struct {
	Context any
	Flags   uint64
	Len     int
	Data    uint64
	SrcAddr FIAddr
}

// CQErrEntry is a failed data-transfer completion.
type CQErrEntry struct {
	Context     any
	Flags       uint64
	Len         int
	Data        uint64
	SrcAddr     FIAddr
	Err         Errno
	ProviderErr int
}

// CompletionQueue delivers data-transfer completions.
type CompletionQueue interface {
	// Read returns ErrAgain when empty and ErrAvail when an error entry is
	// at the head of the queue.
	Read() (*CQEntry, error)
	ReadError() (*CQErrEntry, error)
	// Wait blocks on the queue's wait object until an entry is available,
	// the timeout expires (ErrTimedOut) or the queue is closed. Queues opened
	// with WaitNone return ErrNotSupported.
	Wait(timeout time.Duration) error
	Close() error
}

// Counter counts completed operations.
type Counter interface {
	Read() uint64
	ReadError() uint64
	Add(v uint64)
	Set(v uint64)
	// Wait blocks until the value reaches threshold or the timeout expires.
	Wait(threshold uint64, timeout time.Duration) error
	Close() error
}

// MemoryRegion is a registered buffer.
type MemoryRegion interface {
	Key() uint64
	Access() uint64
	Len() int
	Close() error
}

// AddressVector maps peer names to FIAddr handles.
type AddressVector interface {
	InsertRaw(addr []byte, flags uint64) (FIAddr, error)
	InsertService(node, service string, flags uint64) (FIAddr, error)
	Remove(addrs []FIAddr, flags uint64) error
	Lookup(addr FIAddr) ([]byte, error)
	Count() int
	Close() error
}

// Endpoint is an active endpoint.
type Endpoint interface {
	ID() FID
	BindCompletionQueue(cq CompletionQueue, flags uint64) error
	BindEventQueue(eq EventQueue, flags uint64) error
	BindAddressVector(av AddressVector, flags uint64) error
	BindCounter(c Counter, flags uint64) error
	Enable() error
	// Connect starts a connection to dest. Completion is reported with
	// EventConnected on the bound event queue.
	Connect(dest []byte, params []byte) error
	// Accept completes a connection request carried by the descriptor the
	// endpoint was opened with.
	Accept(params []byte) error
	Shutdown() error
	Name() ([]byte, error)
	Send(buf []byte, dest FIAddr, ctx any) error
	Recv(buf []byte, src FIAddr, ctx any) error
	Write(buf []byte, dest FIAddr, offset, key uint64, ctx any) error
	Read(buf []byte, src FIAddr, offset, key uint64, ctx any) error
	Close() error
}

// PassiveEndpoint listens for connection requests.
type PassiveEndpoint interface {
	ID() FID
	BindEventQueue(eq EventQueue, flags uint64) error
	Listen() error
	// Reject refuses the connection request identified by handle.
	Reject(handle any, params []byte) error
	Name() ([]byte, error)
	Close() error
}
