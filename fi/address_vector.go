package fi

import (
	"errors"

	"github.com/rocketbitz/fabric-echo/provider"
)

// AVType mirrors provider.AVType for public use.
type AVType = provider.AVType

const (
	// AVTypeUnspec requests the provider's default address vector implementation.
	AVTypeUnspec = provider.AVTypeUnspec
	// AVTypeMap selects a map-based address vector implementation.
	AVTypeMap = provider.AVTypeMap
	// AVTypeTable selects a table-based address vector implementation.
	AVTypeTable = provider.AVTypeTable
)

// AddressVectorAttr configures an address vector.
type AddressVectorAttr struct {
	Type  AVType
	Count int
	Flags uint64
}

// AddressVector maps peer names to Address handles. Copies made with Clone
// share the table, which closes when the last copy is closed.
type AddressVector struct {
	ref    *ref
	handle provider.AddressVector
}

// OpenAddressVector opens an address vector on the domain. The vector keeps
// its own reference to the domain.
func (d *Domain) OpenAddressVector(attr *AddressVectorAttr) (*AddressVector, error) {
	if !d.valid() {
		return nil, ErrInvalidHandle{"domain"}
	}
	var pa provider.AVAttr
	if attr != nil {
		pa = provider.AVAttr{Type: attr.Type, Count: attr.Count, Flags: attr.Flags}
	}
	handle, err := d.handle.OpenAddressVector(pa)
	if err != nil {
		return nil, wrapErr(ErrDomainOpen, "fi_av_open", err)
	}
	domain := d.Clone()
	av := &AddressVector{handle: handle}
	av.ref = newRef(func() error {
		return closeThen(handle.Close, domain.Close)
	})
	return av, nil
}

// Clone returns another owner of the same address vector.
func (a *AddressVector) Clone() *AddressVector {
	if !a.valid() {
		return nil
	}
	return &AddressVector{ref: a.ref.clone(), handle: a.handle}
}

// Close releases this copy.
func (a *AddressVector) Close() error {
	if a == nil {
		return nil
	}
	return a.ref.drop()
}

// Refs reports how many owners the address vector has.
func (a *AddressVector) Refs() int {
	if a == nil {
		return 0
	}
	return a.ref.refs()
}

func (a *AddressVector) valid() bool {
	return a != nil && a.ref.live()
}

// InsertService resolves and inserts a node/service pair into the AV.
func (a *AddressVector) InsertService(node, service string, flags uint64) (Address, error) {
	if !a.valid() {
		return AddressUnspecified, ErrInvalidHandle{"address vector"}
	}
	addr, err := a.handle.InsertService(node, service, flags)
	if err != nil {
		return AddressUnspecified, err
	}
	return addr, nil
}

// InsertRaw inserts an endpoint name as returned by Endpoint.Name.
func (a *AddressVector) InsertRaw(addr []byte, flags uint64) (Address, error) {
	if !a.valid() {
		return AddressUnspecified, ErrInvalidHandle{"address vector"}
	}
	if len(addr) == 0 {
		return AddressUnspecified, errors.New("libfabric: empty address payload")
	}
	fiAddr, err := a.handle.InsertRaw(addr, flags)
	if err != nil {
		return AddressUnspecified, err
	}
	return fiAddr, nil
}

// Remove removes the provided addresses from the AV.
func (a *AddressVector) Remove(addrs []Address, flags uint64) error {
	if !a.valid() {
		return ErrInvalidHandle{"address vector"}
	}
	return a.handle.Remove(addrs, flags)
}

// Lookup returns the name stored for addr.
func (a *AddressVector) Lookup(addr Address) ([]byte, error) {
	if !a.valid() {
		return nil, ErrInvalidHandle{"address vector"}
	}
	return a.handle.Lookup(addr)
}

// Count reports the number of live mappings.
func (a *AddressVector) Count() int {
	if !a.valid() {
		return 0
	}
	return a.handle.Count()
}
