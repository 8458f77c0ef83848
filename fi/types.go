package fi

import "github.com/rocketbitz/fabric-echo/provider"

// EndpointType re-exports provider.EndpointType for consumers of the public API.
type EndpointType = provider.EndpointType

const (
	EndpointTypeUnspec = provider.EndpointTypeUnspec
	EndpointTypeMsg    = provider.EndpointTypeMsg
	EndpointTypeDgram  = provider.EndpointTypeDgram
	EndpointTypeRDM    = provider.EndpointTypeRDM
)

const (
	CapMsg         = provider.CapMsg
	CapTagged      = provider.CapTagged
	CapRMA         = provider.CapRMA
	CapAtomic      = provider.CapAtomic
	CapInject      = provider.CapInject
	CapRead        = provider.CapRead
	CapWrite       = provider.CapWrite
	CapSend        = provider.CapSend
	CapRecv        = provider.CapRecv
	CapRemoteRead  = provider.CapRemoteRead
	CapRemoteWrite = provider.CapRemoteWrite

	// FlagSource marks node/service as the local address during discovery.
	FlagSource = provider.FlagSource
)

// AddressFormat re-exports provider.AddrFormat.
type AddressFormat = provider.AddrFormat

const (
	AddressFormatUnspec     = provider.AddrFormatUnspec
	AddressFormatSockaddrIn = provider.AddrFormatSockaddrIn
	AddressFormatStr        = provider.AddrFormatStr
)

// MRModeFlag represents provider memory-registration requirements.
type MRModeFlag uint64

const (
	MRModeLocal     MRModeFlag = MRModeFlag(provider.MRModeLocal)
	MRModeVirtAddr  MRModeFlag = MRModeFlag(provider.MRModeVirtAddr)
	MRModeAllocated MRModeFlag = MRModeFlag(provider.MRModeAllocated)
	MRModeProvKey   MRModeFlag = MRModeFlag(provider.MRModeProvKey)
)

// CQFormat mirrors provider.CQFormat for public use.
type CQFormat = provider.CQFormat

const (
	CQFormatUnspec  = provider.CQFormatUnspec
	CQFormatContext = provider.CQFormatContext
	CQFormatMsg     = provider.CQFormatMsg
	CQFormatData    = provider.CQFormatData
	CQFormatTagged  = provider.CQFormatTagged
)

// WaitObj mirrors provider.WaitObj.
type WaitObj = provider.WaitObj

const (
	WaitNone      = provider.WaitNone
	WaitUnspec    = provider.WaitUnspec
	WaitObjSet    = provider.WaitSet
	WaitFD        = provider.WaitFD
	WaitMutexCond = provider.WaitMutexCond
	WaitYield     = provider.WaitYield
)

// BindFlag controls endpoint binding behavior.
type BindFlag uint64

const (
	BindSend        BindFlag = BindFlag(provider.BindSend)
	BindRecv        BindFlag = BindFlag(provider.BindRecv)
	BindRead        BindFlag = BindFlag(provider.BindRead)
	BindWrite       BindFlag = BindFlag(provider.BindWrite)
	BindRemoteRead  BindFlag = BindFlag(provider.BindRemoteRead)
	BindRemoteWrite BindFlag = BindFlag(provider.BindRemoteWrite)
)

// EventKind identifies a connection-management event.
type EventKind = provider.EventType

const (
	EventConnReq   = provider.EventConnReq
	EventConnected = provider.EventConnected
	EventShutdown  = provider.EventShutdown
)

// EndpointID identifies the endpoint an event refers to.
type EndpointID = provider.FID
