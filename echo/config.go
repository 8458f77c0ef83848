// Package echo runs the fabric echo sessions: a connection-oriented exchange
// over MSG endpoints and a one-sided exchange over RDM endpoints where each
// side writes into the other's registered region.
package echo

import (
	"errors"
	"time"

	"github.com/rocketbitz/fabric-echo/fi"
)

// ErrClosed indicates the session has already been closed.
var ErrClosed = errors.New("fabric echo: closed")

const (
	// DefaultService is the port both sides rendezvous on.
	DefaultService = "8080"
	// DefaultTimeout bounds each handshake, completion and counter wait.
	DefaultTimeout = 5 * time.Second
	// DefaultMessage is what a MSG client sends when no payload is given.
	DefaultMessage = "Hello, World!"
	// DefaultPing is what an RMA client writes when no payload is given.
	DefaultPing = "ping"
)

// Config controls how sessions discover, open and observe fabric resources.
type Config struct {
	// Backend is the provider discovery runs against. Nil selects the
	// sockets provider over TCP.
	Backend fi.Backend
	// Provider restricts discovery to a provider name.
	Provider string
	// Node is the server host a client connects to. Servers ignore it.
	Node    string
	Service string
	// Timeout bounds every blocking step. Negative waits without a bound.
	Timeout time.Duration
	Wait    fi.WaitMode
	// RemoteKey is the registration key of the RMA target region on both
	// sides.
	RemoteKey uint64
	// PoolCapacity bounds how many idle transfer buffers a session keeps.
	PoolCapacity int

	Logger           Logger
	StructuredLogger StructuredLogger
	Tracer           Tracer
	Metrics          MetricHook
}

func (c Config) withDefaults() Config {
	if c.Service == "" {
		c.Service = DefaultService
	}
	if c.Timeout == 0 {
		c.Timeout = DefaultTimeout
	}
	if c.PoolCapacity <= 0 {
		c.PoolCapacity = 4
	}
	return c
}

// waitTimeout maps Timeout onto the fi convention where zero means no bound.
func (c Config) waitTimeout() time.Duration {
	if c.Timeout < 0 {
		return 0
	}
	return c.Timeout
}

// eventTimeout maps Timeout onto the event queue convention where a negative
// value waits without a bound.
func (c Config) eventTimeout() time.Duration {
	if c.Timeout <= 0 {
		return -1
	}
	return c.Timeout
}

func (c Config) waitOptions() fi.WaitOptions {
	return fi.WaitOptions{Mode: c.Wait, Timeout: c.waitTimeout()}
}

// discoverOptions builds the discovery query for one side of a session.
// Servers bind the service as their source address; clients resolve the
// server's node and service as the destination.
func (c Config) discoverOptions(ep fi.EndpointType, caps uint64, server bool) []fi.DiscoverOption {
	opts := []fi.DiscoverOption{
		fi.WithEndpointType(ep),
		fi.WithCaps(caps),
		fi.WithAddressFormat(fi.AddressFormatStr),
	}
	if c.Backend != nil {
		opts = append(opts, fi.WithBackend(c.Backend))
	}
	if c.Provider != "" {
		opts = append(opts, fi.WithProvider(c.Provider))
	}
	if server {
		opts = append(opts, fi.WithService(c.Service), fi.WithFlags(fi.FlagSource))
	} else if ep == fi.EndpointTypeMsg {
		opts = append(opts, fi.WithNode(c.Node), fi.WithService(c.Service))
	}
	return opts
}

// discover returns the first descriptor matching the query. The caller owns
// the returned reference.
func discover(opts ...fi.DiscoverOption) (*fi.Descriptor, error) {
	result, err := fi.DiscoverDescriptors(opts...)
	if err != nil {
		return nil, err
	}
	defer result.Close()
	descs := result.Descriptors()
	for _, extra := range descs[1:] {
		_ = extra.Close()
	}
	return descs[0], nil
}
