// Package sockets is a fabric provider that runs over stream sockets. It
// supports connection-oriented (MSG) and reliable-datagram (RDM) endpoints
// with send/receive, RMA read/write, completion queues, counters and address
// vectors. Links carry a small framed protocol; see link.go.
package sockets

import (
	"net"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/rocketbitz/fabric-echo/provider"
)

const (
	// Name is the provider name reported in descriptors.
	Name = "sockets"

	defaultQueueSize  = 256
	defaultMaxMsgSize = 1 << 20
	defaultDialWait   = 10 * time.Second

	supportedCaps = provider.CapMsg | provider.CapRMA | provider.CapRead | provider.CapWrite |
		provider.CapSend | provider.CapRecv | provider.CapRemoteRead | provider.CapRemoteWrite
)

var providerVersion = provider.Version{Major: 1, Minor: 0}

// Option configures a Provider.
type Option func(*Provider)

// WithNetwork selects the network links run over. The default is TCP.
func WithNetwork(n Network) Option {
	return func(p *Provider) {
		if n != nil {
			p.net = n
		}
	}
}

// WithLogger attaches a zap logger for link lifecycle diagnostics.
func WithLogger(logger *zap.Logger) Option {
	return func(p *Provider) {
		if logger != nil {
			p.log = logger
		}
	}
}

// WithDialTimeout bounds how long a link waits to reach its peer.
func WithDialTimeout(d time.Duration) Option {
	return func(p *Provider) {
		if d > 0 {
			p.dialTimeout = d
		}
	}
}

// Provider implements provider.Provider.
type Provider struct {
	net         Network
	log         *zap.Logger
	dialTimeout time.Duration
}

var _ provider.Provider = (*Provider)(nil)

// New constructs a sockets provider.
func New(opts ...Option) *Provider {
	p := &Provider{net: TCP(), log: zap.NewNop(), dialTimeout: defaultDialWait}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Provider) Name() string { return Name }

func (p *Provider) Version() provider.Version { return providerVersion }

// Network reports the network the provider's links use.
func (p *Provider) Network() Network { return p.net }

// GetInfo returns one descriptor per endpoint type compatible with hints.
func (p *Provider) GetInfo(version provider.Version, node, service string, flags uint64, hints *provider.Info) ([]*provider.Info, error) {
	if err := provider.EnsureCompatible(provider.APIVersion, version); err != nil {
		return nil, provider.ErrNotSupported.WithOp("fi_getinfo")
	}
	if hints == nil {
		hints = &provider.Info{}
	}
	if hints.Provider != "" && !strings.EqualFold(hints.Provider, Name) {
		return nil, provider.ErrNoData
	}
	if hints.Fabric != "" && hints.Fabric != p.net.Name() {
		return nil, provider.ErrNoData
	}
	if hints.Caps&^supportedCaps != 0 {
		return nil, provider.ErrNoData
	}
	switch hints.AddrFormat {
	case provider.AddrFormatUnspec, provider.AddrFormatStr:
	default:
		return nil, provider.ErrNoData
	}

	var types []provider.EndpointType
	switch hints.EndpointType {
	case provider.EndpointTypeUnspec:
		types = []provider.EndpointType{provider.EndpointTypeMsg, provider.EndpointTypeRDM}
	case provider.EndpointTypeMsg, provider.EndpointTypeRDM:
		types = []provider.EndpointType{hints.EndpointType}
	default:
		return nil, provider.ErrNoData
	}

	src, dest := hints.SrcAddr, hints.DestAddr
	if node != "" || service != "" {
		if flags&provider.FlagSource != 0 {
			src = []byte(net.JoinHostPort(node, service))
		} else {
			host := node
			if host == "" {
				host = "localhost"
			}
			dest = []byte(net.JoinHostPort(host, service))
		}
	}

	apiVersion := version
	if apiVersion == (provider.Version{}) {
		apiVersion = provider.APIVersion
	}

	out := make([]*provider.Info, 0, len(types))
	for _, typ := range types {
		info := &provider.Info{
			Provider:        Name,
			Fabric:          p.net.Name(),
			Domain:          Name + "0",
			Caps:            negotiateCaps(hints.Caps),
			EndpointType:    typ,
			AddrFormat:      provider.AddrFormatStr,
			SrcAddr:         append([]byte(nil), src...),
			DestAddr:        append([]byte(nil), dest...),
			TxSize:          sizeOr(hints.TxSize, defaultQueueSize),
			RxSize:          sizeOr(hints.RxSize, defaultQueueSize),
			MaxMsgSize:      defaultMaxMsgSize,
			MRKeySize:       8,
			AVType:          hints.AVType,
			ProviderVersion: providerVersion,
			APIVersion:      apiVersion,
		}
		if info.AVType == provider.AVTypeUnspec {
			info.AVType = provider.AVTypeMap
		}
		if info.Satisfies(hints) {
			out = append(out, info)
		}
	}
	if len(out) == 0 {
		return nil, provider.ErrNoData
	}
	return out, nil
}

// negotiateCaps widens direction-less primary caps to both directions.
func negotiateCaps(requested uint64) uint64 {
	if requested == 0 {
		return supportedCaps
	}
	caps := requested
	if caps&provider.CapMsg != 0 && caps&(provider.CapSend|provider.CapRecv) == 0 {
		caps |= provider.CapSend | provider.CapRecv
	}
	rmaDirs := provider.CapRead | provider.CapWrite | provider.CapRemoteRead | provider.CapRemoteWrite
	if caps&provider.CapRMA != 0 && caps&rmaDirs == 0 {
		caps |= rmaDirs
	}
	return caps
}

func sizeOr(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

// OpenFabric opens a fabric instance for a descriptor returned by GetInfo.
func (p *Provider) OpenFabric(info *provider.Info) (provider.Fabric, error) {
	if info == nil || info.Provider != Name {
		return nil, provider.ErrInvalid.WithOp("fi_fabric")
	}
	f := &fabric{prov: p, name: info.Fabric, log: p.log.With(zap.String("fabric", info.Fabric))}
	f.log.Debug("fabric opened")
	return f, nil
}
