package fi

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/rocketbitz/fabric-echo/provider"
	"github.com/rocketbitz/fabric-echo/provider/sockets"
)

const testTimeout = 2 * time.Second

func newLoopbackBackend() Backend {
	return sockets.New(sockets.WithNetwork(sockets.NewLoopback()), sockets.WithDialTimeout(testTimeout))
}

// discoverOne returns the first descriptor matching opts, closing the
// discovery result.
func discoverOne(t *testing.T, opts ...DiscoverOption) *Descriptor {
	t.Helper()
	result, err := DiscoverDescriptors(opts...)
	if err != nil {
		t.Fatalf("DiscoverDescriptors failed: %v", err)
	}
	defer result.Close()
	descs := result.Descriptors()
	if len(descs) == 0 {
		t.Fatalf("expected at least one descriptor")
	}
	for _, extra := range descs[1:] {
		_ = extra.Close()
	}
	t.Cleanup(func() {
		_ = descs[0].Close()
	})
	return descs[0]
}

// setupResources opens a fabric and a domain for the descriptor and closes
// them when the test ends.
func setupResources(t *testing.T, desc *Descriptor) (*Fabric, *Domain) {
	t.Helper()
	fabric, err := desc.OpenFabric()
	if err != nil {
		t.Fatalf("OpenFabric failed: %v", err)
	}
	domain, err := desc.OpenDomain(fabric)
	if err != nil {
		_ = fabric.Close()
		t.Fatalf("OpenDomain failed: %v", err)
	}
	t.Cleanup(func() {
		if err := domain.Close(); err != nil {
			t.Errorf("domain close: %v", err)
		}
		if err := fabric.Close(); err != nil {
			t.Errorf("fabric close: %v", err)
		}
	})
	return fabric, domain
}

func setupLoopbackResources(t *testing.T, ep EndpointType) (Backend, *Descriptor, *Fabric, *Domain) {
	t.Helper()
	backend := newLoopbackBackend()
	desc := discoverOne(t, WithBackend(backend), WithEndpointType(ep))
	fabric, domain := setupResources(t, desc)
	return backend, desc, fabric, domain
}

func openEventQueue(t *testing.T, fabric *Fabric) *EventQueue {
	t.Helper()
	eq, err := fabric.OpenEventQueue(nil)
	if err != nil {
		t.Fatalf("OpenEventQueue failed: %v", err)
	}
	t.Cleanup(func() { _ = eq.Close() })
	return eq
}

func openCompletionQueue(t *testing.T, domain *Domain) *CompletionQueue {
	t.Helper()
	cq, err := domain.OpenCompletionQueue(nil)
	if err != nil {
		t.Fatalf("OpenCompletionQueue failed: %v", err)
	}
	t.Cleanup(func() { _ = cq.Close() })
	return cq
}

// closeCounts records how many times each fake object was closed.
type closeCounts struct {
	fabric atomic.Int32
	domain atomic.Int32
	av     atomic.Int32
}

// fakeProvider is a minimal backend that only counts closes.
type fakeProvider struct {
	counts *closeCounts
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{counts: &closeCounts{}}
}

func (p *fakeProvider) Name() string              { return "fake" }
func (p *fakeProvider) Version() provider.Version { return provider.Version{Major: 1} }

func (p *fakeProvider) GetInfo(_ provider.Version, _, _ string, _ uint64, hints *provider.Info) ([]*provider.Info, error) {
	info := &provider.Info{
		Provider:     "fake",
		Fabric:       "fake-fabric",
		Domain:       "fake0",
		Caps:         provider.CapMsg | provider.CapRMA,
		EndpointType: provider.EndpointTypeMsg,
		AddrFormat:   provider.AddrFormatStr,
	}
	if !info.Satisfies(hints) {
		return nil, provider.ErrNoData
	}
	return []*provider.Info{info}, nil
}

func (p *fakeProvider) OpenFabric(*provider.Info) (provider.Fabric, error) {
	return &fakeFabric{counts: p.counts}, nil
}

type fakeFabric struct {
	counts *closeCounts
}

func (f *fakeFabric) OpenDomain(*provider.Info) (provider.Domain, error) {
	return &fakeDomain{counts: f.counts}, nil
}

func (f *fakeFabric) OpenEventQueue(provider.EQAttr) (provider.EventQueue, error) {
	return nil, provider.ErrNotSupported
}

func (f *fakeFabric) OpenPassiveEndpoint(*provider.Info) (provider.PassiveEndpoint, error) {
	return nil, provider.ErrNotSupported
}

func (f *fakeFabric) Close() error {
	f.counts.fabric.Add(1)
	return nil
}

type fakeDomain struct {
	counts *closeCounts
}

func (d *fakeDomain) OpenCompletionQueue(provider.CQAttr) (provider.CompletionQueue, error) {
	return nil, provider.ErrNotSupported
}

func (d *fakeDomain) OpenCounter(provider.CounterAttr) (provider.Counter, error) {
	return nil, provider.ErrNotSupported
}

func (d *fakeDomain) OpenAddressVector(provider.AVAttr) (provider.AddressVector, error) {
	return &fakeAV{counts: d.counts}, nil
}

func (d *fakeDomain) RegisterMemory([]byte, uint64, uint64, uint64, uint64) (provider.MemoryRegion, error) {
	return nil, provider.ErrNotSupported
}

func (d *fakeDomain) OpenEndpoint(*provider.Info) (provider.Endpoint, error) {
	return nil, provider.ErrNotSupported
}

func (d *fakeDomain) Close() error {
	d.counts.domain.Add(1)
	return nil
}

type fakeAV struct {
	counts *closeCounts
}

func (a *fakeAV) InsertRaw([]byte, uint64) (provider.FIAddr, error) { return 0, nil }

func (a *fakeAV) InsertService(string, string, uint64) (provider.FIAddr, error) { return 0, nil }

func (a *fakeAV) Remove([]provider.FIAddr, uint64) error { return nil }

func (a *fakeAV) Lookup(provider.FIAddr) ([]byte, error) { return nil, provider.ErrNoData }

func (a *fakeAV) Count() int { return 0 }

func (a *fakeAV) Close() error {
	a.counts.av.Add(1)
	return nil
}
