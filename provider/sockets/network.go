package sockets

import (
	"context"
	"net"
	"strconv"
	"sync"

	"github.com/rocketbitz/fabric-echo/provider"
)

// Network carries links between endpoints.
type Network interface {
	Name() string
	Listen(addr string) (net.Listener, error)
	Dial(ctx context.Context, addr string) (net.Conn, error)
	// Advertise turns a listener address into a name peers can dial.
	Advertise(addr net.Addr) string
}

type tcpNetwork struct {
	dialer net.Dialer
}

// TCP returns a Network backed by the host's TCP stack.
func TCP() Network {
	return &tcpNetwork{}
}

func (n *tcpNetwork) Name() string { return "tcp" }

func (n *tcpNetwork) Listen(addr string) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, mapNetErr(err, provider.ErrAddrInUse)
	}
	return ln, nil
}

func (n *tcpNetwork) Dial(ctx context.Context, addr string) (net.Conn, error) {
	conn, err := n.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, mapNetErr(err, provider.ErrConnRefused)
	}
	return conn, nil
}

func (n *tcpNetwork) Advertise(addr net.Addr) string {
	host, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}

func mapNetErr(err error, fallback provider.Errno) error {
	if err == nil {
		return nil
	}
	return &netError{errno: fallback, err: err}
}

type netError struct {
	errno provider.Errno
	err   error
}

func (e *netError) Error() string {
	return e.errno.String() + ": " + e.err.Error()
}

func (e *netError) Unwrap() []error {
	return []error{e.errno, e.err}
}

const loopbackFirstPort = 49152

// Loopback is an in-process Network. Listeners are keyed by port only, so any
// host name dials the listener bound to the port. Each Loopback value is an
// isolated network.
type Loopback struct {
	mu        sync.Mutex
	listeners map[int]*loopListener
	nextPort  int
}

// NewLoopback creates an empty in-process network.
func NewLoopback() *Loopback {
	return &Loopback{listeners: make(map[int]*loopListener), nextPort: loopbackFirstPort}
}

func (l *Loopback) Name() string { return "loopback" }

func (l *Loopback) Listen(addr string) (net.Listener, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, provider.ErrInvalid.WithOp("listen " + addr)
	}
	if host == "" {
		host = "localhost"
	}
	port := 0
	if portStr != "" {
		if port, err = strconv.Atoi(portStr); err != nil || port < 0 {
			return nil, provider.ErrInvalid.WithOp("listen " + addr)
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if port == 0 {
		for {
			if _, used := l.listeners[l.nextPort]; !used {
				break
			}
			l.nextPort++
		}
		port = l.nextPort
		l.nextPort++
	} else if _, used := l.listeners[port]; used {
		return nil, provider.ErrAddrInUse.WithOp("listen " + addr)
	}
	ln := &loopListener{
		owner: l,
		port:  port,
		addr:  loopAddr(net.JoinHostPort(host, strconv.Itoa(port))),
		conns: make(chan net.Conn, 16),
		done:  make(chan struct{}),
	}
	l.listeners[port] = ln
	return ln, nil
}

func (l *Loopback) Dial(ctx context.Context, addr string) (net.Conn, error) {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, provider.ErrInvalid.WithOp("dial " + addr)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, provider.ErrInvalid.WithOp("dial " + addr)
	}
	l.mu.Lock()
	ln := l.listeners[port]
	l.mu.Unlock()
	if ln == nil {
		return nil, provider.ErrConnRefused.WithOp("dial " + addr)
	}

	local, remote := net.Pipe()
	select {
	case ln.conns <- remote:
		return local, nil
	case <-ln.done:
	case <-ctx.Done():
		_ = local.Close()
		_ = remote.Close()
		return nil, ctx.Err()
	}
	_ = local.Close()
	_ = remote.Close()
	return nil, provider.ErrConnRefused.WithOp("dial " + addr)
}

func (l *Loopback) Advertise(addr net.Addr) string {
	return addr.String()
}

func (l *Loopback) remove(port int, ln *loopListener) {
	l.mu.Lock()
	if l.listeners[port] == ln {
		delete(l.listeners, port)
	}
	l.mu.Unlock()
}

type loopListener struct {
	owner *Loopback
	port  int
	addr  loopAddr
	conns chan net.Conn
	done  chan struct{}
	once  sync.Once
}

func (ln *loopListener) Accept() (net.Conn, error) {
	select {
	case conn := <-ln.conns:
		return conn, nil
	case <-ln.done:
		return nil, net.ErrClosed
	}
}

func (ln *loopListener) Close() error {
	ln.once.Do(func() {
		close(ln.done)
		ln.owner.remove(ln.port, ln)
		for {
			select {
			case conn := <-ln.conns:
				_ = conn.Close()
			default:
				return
			}
		}
	})
	return nil
}

func (ln *loopListener) Addr() net.Addr { return ln.addr }

type loopAddr string

func (a loopAddr) Network() string { return "loopback" }
func (a loopAddr) String() string  { return string(a) }
