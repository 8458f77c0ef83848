package fi

import (
	"errors"
	"fmt"

	"github.com/rocketbitz/fabric-echo/provider"
	"github.com/rocketbitz/fabric-echo/provider/sockets"
)

// Backend is the provider implementation discovery runs against.
type Backend = provider.Provider

// Version re-exports the provider API version type.
type Version = provider.Version

// Info captures a Go-friendly snapshot of a descriptor produced during
// provider discovery.
type Info struct {
	Provider        string
	Fabric          string
	Domain          string
	Caps            uint64
	Mode            uint64
	Endpoint        EndpointType
	AddressFormat   AddressFormat
	SrcAddr         []byte
	DestAddr        []byte
	TxSize          int
	RxSize          int
	ProviderVersion Version
	APIVersion      Version
	InjectSize      uintptr
	MaxMsgSize      uintptr
	MRMode          uint64
	MRKeySize       uintptr
	MRIovLimit      uintptr
}

// SupportsCap reports whether the specified capability bit is set.
func (i Info) SupportsCap(flag uint64) bool {
	return i.Caps&flag != 0
}

// SupportsMsg indicates whether standard message operations are available.
func (i Info) SupportsMsg() bool {
	return i.SupportsCap(CapMsg)
}

// SupportsRMA reports whether the provider advertises remote memory access support.
func (i Info) SupportsRMA() bool {
	return i.SupportsCap(CapRMA)
}

// SupportsRemoteRead reports whether remote read operations are available.
func (i Info) SupportsRemoteRead() bool {
	return i.SupportsCap(CapRemoteRead)
}

// SupportsRemoteWrite reports whether remote write operations are available.
func (i Info) SupportsRemoteWrite() bool {
	return i.SupportsCap(CapRemoteWrite)
}

// RequiresMRMode reports whether the provider requires the specified MR mode flag.
func (i Info) RequiresMRMode(flag MRModeFlag) bool {
	if flag == 0 {
		return false
	}
	return i.MRMode&uint64(flag) != 0
}

// SupportsEndpointType reports whether this entry targets the specified endpoint type.
func (i Info) SupportsEndpointType(ep EndpointType) bool {
	return i.Endpoint == ep
}

func infoFromProvider(p *provider.Info) Info {
	return Info{
		Provider:        p.Provider,
		Fabric:          p.Fabric,
		Domain:          p.Domain,
		Caps:            p.Caps,
		Mode:            p.Mode,
		Endpoint:        p.EndpointType,
		AddressFormat:   p.AddrFormat,
		SrcAddr:         append([]byte(nil), p.SrcAddr...),
		DestAddr:        append([]byte(nil), p.DestAddr...),
		TxSize:          p.TxSize,
		RxSize:          p.RxSize,
		ProviderVersion: p.ProviderVersion,
		APIVersion:      p.APIVersion,
		InjectSize:      p.InjectSize,
		MaxMsgSize:      p.MaxMsgSize,
		MRMode:          p.MRMode,
		MRKeySize:       p.MRKeySize,
		MRIovLimit:      p.MRIovLimit,
	}
}

// Hints are the capability requirements handed to discovery. The zero value
// requests nothing in particular.
type Hints struct {
	Provider      string
	Fabric        string
	Domain        string
	Endpoint      EndpointType
	Caps          uint64
	Mode          uint64
	AddressFormat AddressFormat
	TxSize        int
	RxSize        int
}

// DefaultHints returns empty hints for the caller to populate.
func DefaultHints() Hints {
	return Hints{}
}

func (h Hints) isZero() bool {
	return h == Hints{}
}

func (h Hints) toProvider() *provider.Info {
	return &provider.Info{
		Provider:     h.Provider,
		Fabric:       h.Fabric,
		Domain:       h.Domain,
		EndpointType: h.Endpoint,
		Caps:         h.Caps,
		Mode:         h.Mode,
		AddrFormat:   h.AddressFormat,
		TxSize:       h.TxSize,
		RxSize:       h.RxSize,
	}
}

// DiscoverOption adjusts discovery behavior.
type DiscoverOption func(*discoverConfig)

type discoverConfig struct {
	backend Backend
	version Version
	node    string
	service string
	flags   uint64
	hints   Hints
}

func defaultDiscoverConfig() discoverConfig {
	return discoverConfig{version: provider.APIVersion}
}

// WithBackend runs discovery against the given provider. The default is a
// sockets provider over TCP.
func WithBackend(b Backend) DiscoverOption {
	return func(cfg *discoverConfig) {
		cfg.backend = b
	}
}

// WithHints replaces all hints at once.
func WithHints(h Hints) DiscoverOption {
	return func(cfg *discoverConfig) {
		cfg.hints = h
	}
}

// WithNode specifies the node parameter for discovery.
func WithNode(node string) DiscoverOption {
	return func(cfg *discoverConfig) {
		cfg.node = node
	}
}

// WithService specifies the service (port) parameter for discovery.
func WithService(service string) DiscoverOption {
	return func(cfg *discoverConfig) {
		cfg.service = service
	}
}

// WithFlags sets the flags passed into fi_getinfo.
func WithFlags(flags uint64) DiscoverOption {
	return func(cfg *discoverConfig) {
		cfg.flags = flags
	}
}

// WithProvider filters discovery by provider name.
func WithProvider(name string) DiscoverOption {
	return func(cfg *discoverConfig) {
		cfg.hints.Provider = name
	}
}

// WithFabric filters discovery by fabric name.
func WithFabric(name string) DiscoverOption {
	return func(cfg *discoverConfig) {
		cfg.hints.Fabric = name
	}
}

// WithDomain filters discovery by domain name.
func WithDomain(name string) DiscoverOption {
	return func(cfg *discoverConfig) {
		cfg.hints.Domain = name
	}
}

// WithEndpointType requests descriptors compatible with the specified endpoint type.
func WithEndpointType(ep EndpointType) DiscoverOption {
	return func(cfg *discoverConfig) {
		cfg.hints.Endpoint = ep
	}
}

// WithCaps sets the required capabilities bitmask.
func WithCaps(caps uint64) DiscoverOption {
	return func(cfg *discoverConfig) {
		cfg.hints.Caps = caps
	}
}

// WithMode sets the supported mode bitmask.
func WithMode(mode uint64) DiscoverOption {
	return func(cfg *discoverConfig) {
		cfg.hints.Mode = mode
	}
}

// WithAddressFormat requests a specific endpoint name encoding.
func WithAddressFormat(format AddressFormat) DiscoverOption {
	return func(cfg *discoverConfig) {
		cfg.hints.AddressFormat = format
	}
}

// WithTxSize sets the transmit queue size hint.
func WithTxSize(n int) DiscoverOption {
	return func(cfg *discoverConfig) {
		cfg.hints.TxSize = n
	}
}

// WithRxSize sets the receive queue size hint.
func WithRxSize(n int) DiscoverOption {
	return func(cfg *discoverConfig) {
		cfg.hints.RxSize = n
	}
}

// WithVersion overrides the API version used when querying providers.
func WithVersion(ver Version) DiscoverOption {
	return func(cfg *discoverConfig) {
		cfg.version = ver
	}
}

// Descriptor shares one capability descriptor. Copies made with Clone share
// the same underlying entry; it is released when the last copy is closed.
type Descriptor struct {
	ref     *ref
	info    *provider.Info
	backend Backend
}

func newDescriptor(info *provider.Info, backend Backend) *Descriptor {
	return &Descriptor{ref: newRef(nil), info: info, backend: backend}
}

// Clone returns another owner of the same descriptor.
func (d *Descriptor) Clone() *Descriptor {
	if !d.valid() {
		return nil
	}
	return &Descriptor{ref: d.ref.clone(), info: d.info, backend: d.backend}
}

// Close releases this copy.
func (d *Descriptor) Close() error {
	if d == nil {
		return nil
	}
	return d.ref.drop()
}

// Refs reports how many copies of the descriptor are still open.
func (d *Descriptor) Refs() int {
	if d == nil {
		return 0
	}
	return d.ref.refs()
}

func (d *Descriptor) valid() bool {
	return d != nil && d.ref.live()
}

// Info returns a value snapshot for the descriptor.
func (d *Descriptor) Info() Info {
	if !d.valid() {
		return Info{}
	}
	return infoFromProvider(d.info)
}

// Provider exposes the provider name directly.
func (d *Descriptor) Provider() string {
	if !d.valid() {
		return ""
	}
	return d.info.Provider
}

// EndpointType returns the endpoint type associated with this descriptor.
func (d *Descriptor) EndpointType() EndpointType {
	if !d.valid() {
		return EndpointTypeUnspec
	}
	return d.info.EndpointType
}

// SupportsEndpointType reports whether the descriptor targets the specified endpoint type.
func (d *Descriptor) SupportsEndpointType(t EndpointType) bool {
	return d.EndpointType() == t
}

// SupportsMsg reports whether standard messaging is supported.
func (d *Descriptor) SupportsMsg() bool {
	return d.valid() && d.info.Caps&CapMsg != 0
}

// SupportsRMA reports whether the descriptor advertises RMA support.
func (d *Descriptor) SupportsRMA() bool {
	return d.valid() && d.info.Caps&CapRMA != 0
}

// SupportsRemoteWrite reports whether remote write operations are available.
func (d *Descriptor) SupportsRemoteWrite() bool {
	return d.valid() && d.info.Caps&CapRemoteWrite != 0
}

// MRKeySize returns the provider-specified memory registration key size.
func (d *Descriptor) MRKeySize() uintptr {
	if !d.valid() {
		return 0
	}
	return d.info.MRKeySize
}

// Discovery owns the descriptor list returned by a discovery call.
type Discovery struct {
	entries []*Descriptor
}

// Close releases the list's reference on every descriptor. Descriptors handed
// out by Descriptors stay valid until they are closed themselves.
func (d *Discovery) Close() {
	if d == nil {
		return
	}
	for _, desc := range d.entries {
		_ = desc.Close()
	}
	d.entries = nil
}

// Descriptors returns a new reference to every entry in the result. Close each
// one when it is no longer needed.
func (d *Discovery) Descriptors() []*Descriptor {
	if d == nil {
		return nil
	}
	res := make([]*Descriptor, 0, len(d.entries))
	for _, desc := range d.entries {
		if c := desc.Clone(); c != nil {
			res = append(res, c)
		}
	}
	return res
}

// SupportsEndpointType reports whether any descriptor within the discovery result supports the specified endpoint type.
func (d *Discovery) SupportsEndpointType(t EndpointType) bool {
	if d == nil {
		return false
	}
	for _, desc := range d.entries {
		if desc.SupportsEndpointType(t) {
			return true
		}
	}
	return false
}

// DiscoverDescriptors performs discovery and returns a handle that can open
// fabrics. Every returned descriptor refines the hints; when no provider
// matches the call fails with ErrDiscovery.
func DiscoverDescriptors(opts ...DiscoverOption) (*Discovery, error) {
	cfg := defaultDiscoverConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	backend := cfg.backend
	if backend == nil {
		backend = sockets.New()
	}

	var hints *provider.Info
	if !cfg.hints.isZero() {
		hints = cfg.hints.toProvider()
	}
	list, err := backend.GetInfo(cfg.version, cfg.node, cfg.service, cfg.flags, hints)
	if err != nil {
		return nil, wrapErr(ErrDiscovery, "fi_getinfo", err)
	}
	if len(list) == 0 {
		return nil, wrapErr(ErrDiscovery, "fi_getinfo", provider.ErrNoData)
	}

	result := &Discovery{entries: make([]*Descriptor, 0, len(list))}
	for _, entry := range list {
		if hints != nil && !entry.Satisfies(hints) {
			result.Close()
			return nil, wrapErr(ErrDiscovery, "fi_getinfo", fmt.Errorf("provider %s returned a descriptor that does not satisfy the hints", entry.Provider))
		}
		result.entries = append(result.entries, newDescriptor(entry, backend))
	}
	return result, nil
}

// Discover queries the backend for provider descriptors and returns value
// snapshots. For resource operations use DiscoverDescriptors.
func Discover(opts ...DiscoverOption) ([]Info, error) {
	result, err := DiscoverDescriptors(opts...)
	if err != nil {
		return nil, err
	}
	defer result.Close()

	infos := make([]Info, len(result.entries))
	for i, descriptor := range result.entries {
		infos[i] = descriptor.Info()
	}
	return infos, nil
}

// Fabric shares one fabric instance. Copies made with Clone share the handle;
// it closes when the last copy is closed.
type Fabric struct {
	ref    *ref
	handle provider.Fabric
	desc   *Descriptor
}

// OpenFabric opens a fabric for the descriptor. The fabric keeps its own
// reference to the descriptor.
func (d *Descriptor) OpenFabric() (*Fabric, error) {
	if !d.valid() {
		return nil, ErrInvalidHandle{"descriptor"}
	}
	handle, err := d.backend.OpenFabric(d.info)
	if err != nil {
		return nil, wrapErr(ErrFabricOpen, "fi_fabric", err)
	}
	desc := d.Clone()
	f := &Fabric{handle: handle, desc: desc}
	f.ref = newRef(func() error {
		return closeThen(handle.Close, desc.Close)
	})
	return f, nil
}

// Clone returns another owner of the same fabric.
func (f *Fabric) Clone() *Fabric {
	if !f.valid() {
		return nil
	}
	return &Fabric{ref: f.ref.clone(), handle: f.handle, desc: f.desc}
}

// Close releases this copy, closing the fabric when it was the last one.
func (f *Fabric) Close() error {
	if f == nil {
		return nil
	}
	return f.ref.drop()
}

// Refs reports how many owners the fabric has, including dependent objects.
func (f *Fabric) Refs() int {
	if f == nil {
		return 0
	}
	return f.ref.refs()
}

func (f *Fabric) valid() bool {
	return f != nil && f.ref.live()
}

// Domain shares one access domain. It keeps its fabric and descriptor alive.
type Domain struct {
	ref    *ref
	handle provider.Domain
	core   *domainCore
}

type domainCore struct {
	fabric *Fabric
	desc   *Descriptor
	info   Info
	keys   keyAllocator
}

// OpenDomain opens a domain associated with the provided fabric and descriptor.
func (d *Descriptor) OpenDomain(fabric *Fabric) (*Domain, error) {
	if !d.valid() {
		return nil, ErrInvalidHandle{"descriptor"}
	}
	if !fabric.valid() {
		return nil, ErrInvalidHandle{"fabric"}
	}
	handle, err := fabric.handle.OpenDomain(d.info)
	if err != nil {
		return nil, wrapErr(ErrDomainOpen, "fi_domain", err)
	}
	core := &domainCore{fabric: fabric.Clone(), desc: d.Clone(), info: d.Info()}
	dom := &Domain{handle: handle, core: core}
	dom.ref = newRef(func() error {
		return closeThen(handle.Close, core.fabric.Close, core.desc.Close)
	})
	return dom, nil
}

// Clone returns another owner of the same domain.
func (d *Domain) Clone() *Domain {
	if !d.valid() {
		return nil
	}
	return &Domain{ref: d.ref.clone(), handle: d.handle, core: d.core}
}

// Close releases this copy, closing the domain when it was the last one.
func (d *Domain) Close() error {
	if d == nil {
		return nil
	}
	return d.ref.drop()
}

// Refs reports how many owners the domain has, including dependent objects.
func (d *Domain) Refs() int {
	if d == nil {
		return 0
	}
	return d.ref.refs()
}

func (d *Domain) valid() bool {
	return d != nil && d.ref.live()
}

// MRKeySize reports the provider-specified memory registration key size, if any.
func (d *Domain) MRKeySize() uintptr {
	if d == nil || d.core == nil {
		return 0
	}
	return d.core.info.MRKeySize
}

// RequiresMRMode reports whether the domain requires the specified MR mode flag.
func (d *Domain) RequiresMRMode(flag MRModeFlag) bool {
	if d == nil || d.core == nil {
		return false
	}
	return d.core.info.RequiresMRMode(flag)
}

// FormatInfo provides a readable representation of the descriptor information.
func FormatInfo(info Info) string {
	return fmt.Sprintf("provider=%s fabric=%s domain=%s endpoint=%s", info.Provider, info.Fabric, info.Domain, info.Endpoint)
}

// IsDiscoveryMiss reports whether err means no provider matched the hints.
func IsDiscoveryMiss(err error) bool {
	return errors.Is(err, ErrDiscovery) && errors.Is(err, provider.ErrNoData)
}
