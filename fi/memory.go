package fi

import (
	"errors"
	"fmt"
	"sync/atomic"

	"go.uber.org/multierr"

	"github.com/rocketbitz/fabric-echo/provider"
)

// MRAccessFlag represents allowed operations on a registered memory region.
type MRAccessFlag uint64

const (
	// MRAccessLocal allows local send, receive, read and write.
	MRAccessLocal MRAccessFlag = MRAccessFlag(provider.MRAccessLocal)
	// MRAccessRemoteRead allows remote peers to issue read operations.
	MRAccessRemoteRead MRAccessFlag = MRAccessFlag(provider.MRAccessRemoteRead)
	// MRAccessRemoteWrite allows remote peers to issue write operations.
	MRAccessRemoteWrite MRAccessFlag = MRAccessFlag(provider.MRAccessRemoteWrite)
)

const supportedDomainMRModes = provider.MRModeLocal | provider.MRModeVirtAddr | provider.MRModeProvKey | provider.MRModeRMAEvent

const maxKeyAttempts = 64

// keyAllocator hands out registration keys for callers that do not pick
// their own.
type keyAllocator struct {
	next atomic.Uint64
}

func (k *keyAllocator) allocate() uint64 {
	return k.next.Add(1) - 1
}

// MemoryRegion is a registered view of a caller-owned buffer. The buffer must
// stay alive, and must not be reused for anything else, until Close returns.
type MemoryRegion struct {
	handle provider.MemoryRegion
	domain *Domain
	buf    []byte
	access MRAccessFlag
	key    uint64
	offset uint64
}

// RegisterOption adjusts a memory registration.
type RegisterOption func(*registerConfig)

type registerConfig struct {
	key    uint64
	hasKey bool
	offset uint64
	flags  uint64
}

// WithRequestedKey asks for a specific registration key. Remote peers address
// the region by this key.
func WithRequestedKey(key uint64) RegisterOption {
	return func(cfg *registerConfig) {
		cfg.key = key
		cfg.hasKey = true
	}
}

// WithOffset sets the address remote peers use for the first byte of the
// region. Remote offsets are relative to it.
func WithOffset(offset uint64) RegisterOption {
	return func(cfg *registerConfig) {
		cfg.offset = offset
	}
}

// WithRegisterFlags passes raw fi_mr_regattr flags to the provider.
func WithRegisterFlags(flags uint64) RegisterOption {
	return func(cfg *registerConfig) {
		cfg.flags = flags
	}
}

// RegisterMemory registers buf with the domain for the requested access. When
// no key is requested the domain picks the next free one.
func (d *Domain) RegisterMemory(buf []byte, access MRAccessFlag, opts ...RegisterOption) (*MemoryRegion, error) {
	if !d.valid() {
		return nil, ErrInvalidHandle{"domain"}
	}
	if len(buf) == 0 {
		return nil, wrapErr(ErrRegistration, "fi_mr_reg", errors.New("memory registration requires non-empty buffer"))
	}
	if unsupported := d.core.info.MRMode &^ supportedDomainMRModes; unsupported != 0 {
		return nil, wrapErr(ErrRegistration, "fi_mr_reg", fmt.Errorf("%w (domain requires unsupported mr_mode bits 0x%x)", ErrCapabilityUnsupported, unsupported))
	}

	var cfg registerConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	if access == 0 {
		access = MRAccessLocal
	}
	if d.RequiresMRMode(MRModeLocal) {
		access |= MRAccessLocal
	}
	var (
		handle provider.MemoryRegion
		err    error
	)
	if cfg.hasKey {
		handle, err = d.handle.RegisterMemory(buf, uint64(access), cfg.offset, cfg.key, cfg.flags)
	} else {
		// Automatic keys share the domain's key space with requested ones;
		// step past any key a caller already claimed.
		for attempt := 0; attempt < maxKeyAttempts; attempt++ {
			handle, err = d.handle.RegisterMemory(buf, uint64(access), cfg.offset, d.core.keys.allocate(), cfg.flags)
			if !errors.Is(err, provider.ErrNoKey) {
				break
			}
		}
	}
	if err != nil {
		return nil, wrapErr(ErrRegistration, "fi_mr_reg", err)
	}
	return &MemoryRegion{
		handle: handle,
		domain: d.Clone(),
		buf:    buf,
		access: access,
		key:    handle.Key(),
		offset: cfg.offset,
	}, nil
}

// AllocateMemory allocates a zeroed buffer of size bytes and registers it.
func (d *Domain) AllocateMemory(size int, access MRAccessFlag, opts ...RegisterOption) (*MemoryRegion, error) {
	if size <= 0 {
		return nil, wrapErr(ErrRegistration, "fi_mr_reg", errors.New("memory registration requires positive size"))
	}
	return d.RegisterMemory(make([]byte, size), access, opts...)
}

// Bytes returns the registered buffer.
func (m *MemoryRegion) Bytes() []byte {
	if m == nil || m.handle == nil {
		return nil
	}
	return m.buf
}

// Key returns the remote access key associated with the memory region.
func (m *MemoryRegion) Key() uint64 {
	if m == nil {
		return 0
	}
	return m.key
}

// Offset returns the remote address of the first registered byte.
func (m *MemoryRegion) Offset() uint64 {
	if m == nil {
		return 0
	}
	return m.offset
}

// Access reports the access flags used when registering the memory region.
func (m *MemoryRegion) Access() MRAccessFlag {
	if m == nil {
		return 0
	}
	return m.access
}

// Size returns the registered length in bytes.
func (m *MemoryRegion) Size() uintptr {
	if m == nil {
		return 0
	}
	return uintptr(len(m.buf))
}

// Close deregisters the memory region. The buffer itself belongs to the
// caller and is left untouched.
func (m *MemoryRegion) Close() error {
	if m == nil || m.handle == nil {
		return nil
	}
	err := m.handle.Close()
	m.handle = nil
	domain := m.domain
	m.domain = nil
	m.buf = nil
	m.access = 0
	return multierr.Append(err, domain.Close())
}

func (m *MemoryRegion) hasAccess(flag MRAccessFlag) bool {
	if m == nil {
		return false
	}
	return m.access&flag == flag
}

func ensureRegionAccess(region *MemoryRegion, required MRAccessFlag) error {
	if region == nil {
		return nil
	}
	if region.handle == nil {
		return ErrInvalidHandle{"memory region"}
	}
	if required != 0 && !region.hasAccess(required) {
		return ErrInsufficientAccess
	}
	return nil
}
