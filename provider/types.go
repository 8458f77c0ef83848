package provider

import "fmt"

// EndpointType identifies the communication semantics of an endpoint.
type EndpointType int

const (
	EndpointTypeUnspec EndpointType = iota
	EndpointTypeMsg
	EndpointTypeDgram
	EndpointTypeRDM
)

func (t EndpointType) String() string {
	switch t {
	case EndpointTypeUnspec:
		return "unspec"
	case EndpointTypeMsg:
		return "msg"
	case EndpointTypeDgram:
		return "dgram"
	case EndpointTypeRDM:
		return "rdm"
	default:
		return fmt.Sprintf("endpoint(%d)", int(t))
	}
}

// Connectionless reports whether endpoints of this type address peers through
// an address vector rather than an established connection.
func (t EndpointType) Connectionless() bool {
	return t == EndpointTypeRDM || t == EndpointTypeDgram
}

// Capability and operation flags. Bit positions follow <rdma/fabric.h>.
const (
	CapMsg         uint64 = 1 << 1
	CapRMA         uint64 = 1 << 2
	CapTagged      uint64 = 1 << 3
	CapAtomic      uint64 = 1 << 4
	CapRead        uint64 = 1 << 8
	CapWrite       uint64 = 1 << 9
	CapRecv        uint64 = 1 << 10
	CapSend        uint64 = 1 << 11
	CapRemoteRead  uint64 = 1 << 12
	CapRemoteWrite uint64 = 1 << 13
	CapMultiRecv   uint64 = 1 << 16
	CapInject      uint64 = 1 << 28
	FlagSource     uint64 = 1 << 57
)

// Bind flags share the operation bit positions.
const (
	BindSend        = CapSend
	BindRecv        = CapRecv
	BindRead        = CapRead
	BindWrite       = CapWrite
	BindRemoteRead  = CapRemoteRead
	BindRemoteWrite = CapRemoteWrite
)

// Memory registration access flags.
const (
	MRAccessSend        = CapSend
	MRAccessRecv        = CapRecv
	MRAccessRead        = CapRead
	MRAccessWrite       = CapWrite
	MRAccessRemoteRead  = CapRemoteRead
	MRAccessRemoteWrite = CapRemoteWrite
	MRAccessLocal       = CapSend | CapRecv | CapRead | CapWrite
)

// Memory registration mode bits.
const (
	MRModeLocal     uint64 = 1 << 2
	MRModeRaw       uint64 = 1 << 3
	MRModeVirtAddr  uint64 = 1 << 4
	MRModeAllocated uint64 = 1 << 5
	MRModeProvKey   uint64 = 1 << 6
	MRModeRMAEvent  uint64 = 1 << 8
	MRModeEndpoint  uint64 = 1 << 9
)

// Mode bits.
const (
	ModeContext   uint64 = 1 << 59
	ModeMsgPrefix uint64 = 1 << 58
)

// AddrFormat identifies how endpoint names are encoded.
type AddrFormat int

const (
	AddrFormatUnspec AddrFormat = iota
	AddrFormatSockaddrIn
	AddrFormatStr
)

func (f AddrFormat) String() string {
	switch f {
	case AddrFormatUnspec:
		return "unspec"
	case AddrFormatSockaddrIn:
		return "sockaddr_in"
	case AddrFormatStr:
		return "str"
	default:
		return fmt.Sprintf("addr_format(%d)", int(f))
	}
}

// WaitObj selects the wait object backing a queue.
type WaitObj int

const (
	WaitNone WaitObj = iota
	WaitUnspec
	WaitSet
	WaitFD
	WaitMutexCond
	WaitYield
)

// CQFormat selects the completion entry layout.
type CQFormat int

const (
	CQFormatUnspec CQFormat = iota
	CQFormatContext
	CQFormatMsg
	CQFormatData
	CQFormatTagged
)

// AVType selects the address vector organisation.
type AVType int

const (
	AVTypeUnspec AVType = iota
	AVTypeMap
	AVTypeTable
)

// EventType enumerates connection-management events.
type EventType uint32

const (
	EventNotify EventType = iota
	EventConnReq
	EventConnected
	EventShutdown
	EventMRComplete
	EventAVComplete
)

func (e EventType) String() string {
	switch e {
	case EventNotify:
		return "FI_NOTIFY"
	case EventConnReq:
		return "FI_CONNREQ"
	case EventConnected:
		return "FI_CONNECTED"
	case EventShutdown:
		return "FI_SHUTDOWN"
	case EventMRComplete:
		return "FI_MR_COMPLETE"
	case EventAVComplete:
		return "FI_AV_COMPLETE"
	default:
		return fmt.Sprintf("event(%d)", uint32(e))
	}
}

// FIAddr is an address vector index usable in data-transfer calls.
type FIAddr uint64

const (
	// FIAddrUnspec leaves the peer to the transport (connected endpoints).
	FIAddrUnspec FIAddr = ^FIAddr(0)
	// FIAddrNotAvail marks a source address that is not present in the AV.
	FIAddrNotAvail FIAddr = FIAddrUnspec
)

// FID identifies a fabric object in event queue entries.
type FID string
