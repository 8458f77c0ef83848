package sockets

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/rocketbitz/fabric-echo/provider"
)

const testTimeout = 2 * time.Second

type msgSide struct {
	dom provider.Domain
	eq  provider.EventQueue
	cq  provider.CompletionQueue
	ep  provider.Endpoint
}

func readEvent(t *testing.T, eq provider.EventQueue) *provider.EQEntry {
	t.Helper()
	entry, err := eq.Read(testTimeout)
	require.NoError(t, err)
	return entry
}

func readCompletion(t *testing.T, cq provider.CompletionQueue) *provider.CQEntry {
	t.Helper()
	require.NoError(t, cq.Wait(testTimeout))
	entry, err := cq.Read()
	require.NoError(t, err)
	return entry
}

func readCompletionError(t *testing.T, cq provider.CompletionQueue) *provider.CQErrEntry {
	t.Helper()
	require.NoError(t, cq.Wait(testTimeout))
	_, err := cq.Read()
	require.ErrorIs(t, err, provider.ErrAvail)
	entry, err := cq.ReadError()
	require.NoError(t, err)
	return entry
}

// openMsgSide opens a domain, an event queue, one completion queue for both
// directions and an endpoint bound to them.
func openMsgSide(t *testing.T, fab provider.Fabric, info *provider.Info) *msgSide {
	t.Helper()
	dom, err := fab.OpenDomain(info)
	require.NoError(t, err)
	eq, err := fab.OpenEventQueue(provider.EQAttr{WaitObj: provider.WaitUnspec})
	require.NoError(t, err)
	cq, err := dom.OpenCompletionQueue(provider.CQAttr{Format: provider.CQFormatContext, WaitObj: provider.WaitUnspec})
	require.NoError(t, err)
	ep, err := dom.OpenEndpoint(info)
	require.NoError(t, err)
	require.NoError(t, ep.BindEventQueue(eq, 0))
	require.NoError(t, ep.BindCompletionQueue(cq, provider.BindSend|provider.BindRecv))
	require.NoError(t, ep.Enable())
	return &msgSide{dom: dom, eq: eq, cq: cq, ep: ep}
}

func (s *msgSide) close(t *testing.T) {
	t.Helper()
	require.NoError(t, s.ep.Close())
	require.NoError(t, s.cq.Close())
	require.NoError(t, s.eq.Close())
	require.NoError(t, s.dom.Close())
}

func msgInfo(t *testing.T, p *Provider, service string, flags uint64) *provider.Info {
	t.Helper()
	infos, err := p.GetInfo(provider.APIVersion, "", service, flags, &provider.Info{EndpointType: provider.EndpointTypeMsg})
	require.NoError(t, err)
	return infos[0]
}

func listen(t *testing.T, p *Provider, fab provider.Fabric, service string) (provider.PassiveEndpoint, provider.EventQueue) {
	t.Helper()
	pep, err := fab.OpenPassiveEndpoint(msgInfo(t, p, service, provider.FlagSource))
	require.NoError(t, err)
	eq, err := fab.OpenEventQueue(provider.EQAttr{WaitObj: provider.WaitUnspec})
	require.NoError(t, err)
	require.ErrorIs(t, pep.Listen(), provider.ErrNoEQ)
	require.NoError(t, pep.BindEventQueue(eq, 0))
	require.NoError(t, pep.Listen())
	return pep, eq
}

func TestMsgHandshakeSendRecv(t *testing.T) {
	defer goleak.VerifyNone(t)

	p := newLoopbackProvider()
	fab, err := p.OpenFabric(msgInfo(t, p, "", 0))
	require.NoError(t, err)

	pep, pepEQ := listen(t, p, fab, "8080")
	name, err := pep.Name()
	require.NoError(t, err)
	require.Equal(t, "localhost:8080", string(name))

	client := openMsgSide(t, fab, msgInfo(t, p, "8080", 0))
	require.NoError(t, client.ep.Connect(nil, []byte("hi")))

	req := readEvent(t, pepEQ)
	require.Equal(t, provider.EventConnReq, req.Event)
	require.Equal(t, pep.ID(), req.FID)
	require.Equal(t, "hi", string(req.Data))
	require.NotNil(t, req.Info)

	server := openMsgSide(t, fab, req.Info)
	require.NoError(t, server.ep.Accept(nil))

	ev := readEvent(t, server.eq)
	require.Equal(t, provider.EventConnected, ev.Event)
	require.Equal(t, server.ep.ID(), ev.FID)
	ev = readEvent(t, client.eq)
	require.Equal(t, provider.EventConnected, ev.Event)
	require.Equal(t, client.ep.ID(), ev.FID)

	recvBuf := make([]byte, 64)
	require.NoError(t, server.ep.Recv(recvBuf, provider.FIAddrUnspec, "recv"))
	require.NoError(t, client.ep.Send([]byte("Hello, server! I am the client"), provider.FIAddrUnspec, "send"))

	sent := readCompletion(t, client.cq)
	require.Equal(t, "send", sent.Context)
	require.NotZero(t, sent.Flags&provider.CapSend)

	got := readCompletion(t, server.cq)
	require.Equal(t, "recv", got.Context)
	require.NotZero(t, got.Flags&provider.CapRecv)
	require.Equal(t, "Hello, server! I am the client", string(recvBuf[:got.Len]))

	// a message that arrives before the receive is posted is held
	require.NoError(t, server.ep.Send([]byte("Hello, client! I am the server"), provider.FIAddrUnspec, nil))
	readCompletion(t, server.cq)
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, client.ep.Recv(recvBuf, provider.FIAddrUnspec, "late"))
	got = readCompletion(t, client.cq)
	require.Equal(t, "late", got.Context)
	require.Equal(t, "Hello, client! I am the server", string(recvBuf[:got.Len]))

	require.NoError(t, client.ep.Shutdown())
	ev = readEvent(t, server.eq)
	require.Equal(t, provider.EventShutdown, ev.Event)

	client.close(t)
	server.close(t)
	require.NoError(t, pep.Close())
	require.NoError(t, pepEQ.Close())
	require.NoError(t, fab.Close())
}

func TestMsgReject(t *testing.T) {
	p := newLoopbackProvider()
	fab, err := p.OpenFabric(msgInfo(t, p, "", 0))
	require.NoError(t, err)
	defer fab.Close()

	pep, pepEQ := listen(t, p, fab, "7000")
	defer pepEQ.Close()
	defer pep.Close()

	client := openMsgSide(t, fab, msgInfo(t, p, "7000", 0))
	defer client.close(t)
	require.NoError(t, client.ep.Connect(nil, nil))

	req := readEvent(t, pepEQ)
	require.Equal(t, provider.EventConnReq, req.Event)
	require.NoError(t, pep.Reject(req.Info.Handle, []byte("busy")))
	require.ErrorIs(t, pep.Reject(req.Info.Handle, nil), provider.ErrInvalid)

	_, err = client.eq.Read(testTimeout)
	require.ErrorIs(t, err, provider.ErrAvail)
	errEntry, err := client.eq.ReadError()
	require.NoError(t, err)
	require.Equal(t, provider.ErrConnRefused, errEntry.Err)
	require.Equal(t, "busy", string(errEntry.Data))
}

func TestMsgConnectRefused(t *testing.T) {
	p := newLoopbackProvider()
	fab, err := p.OpenFabric(msgInfo(t, p, "", 0))
	require.NoError(t, err)
	defer fab.Close()

	client := openMsgSide(t, fab, msgInfo(t, p, "9999", 0))
	defer client.close(t)

	require.ErrorIs(t, client.ep.Send([]byte("x"), provider.FIAddrUnspec, nil), provider.ErrNotConn)
	require.NoError(t, client.ep.Connect(nil, nil))
	require.ErrorIs(t, client.ep.Accept(nil), provider.ErrInvalid)

	_, err = client.eq.Read(testTimeout)
	require.ErrorIs(t, err, provider.ErrAvail)
	errEntry, err := client.eq.ReadError()
	require.NoError(t, err)
	require.Equal(t, provider.ErrConnRefused, errEntry.Err)
	require.Equal(t, client.ep.ID(), errEntry.FID)
}

func TestEnableRequiresBindings(t *testing.T) {
	p := newLoopbackProvider()
	_, dom := openTestDomain(t, p)

	msg, err := dom.OpenEndpoint(msgInfo(t, p, "", 0))
	require.NoError(t, err)
	defer msg.Close()
	require.ErrorIs(t, msg.Enable(), provider.ErrNoEQ)

	infos, err := p.GetInfo(provider.APIVersion, "", "", 0, &provider.Info{EndpointType: provider.EndpointTypeRDM})
	require.NoError(t, err)
	rdm, err := dom.OpenEndpoint(infos[0])
	require.NoError(t, err)
	defer rdm.Close()
	require.ErrorIs(t, rdm.Enable(), provider.ErrNoAV)
	require.ErrorIs(t, rdm.Recv(make([]byte, 1), provider.FIAddrUnspec, nil), provider.ErrBadState)
}

type rdmSide struct {
	fab  provider.Fabric
	dom  provider.Domain
	cq   provider.CompletionQueue
	cntr provider.Counter
	av   provider.AddressVector
	ep   provider.Endpoint
	buf  []byte
	mr   provider.MemoryRegion
}

func openRDMSide(t *testing.T, p *Provider, service string, counterEvents uint64) *rdmSide {
	t.Helper()
	var flags uint64
	if service != "" {
		flags = provider.FlagSource
	}
	infos, err := p.GetInfo(provider.APIVersion, "", service, flags, &provider.Info{
		EndpointType: provider.EndpointTypeRDM,
		Caps:         provider.CapMsg | provider.CapRMA,
	})
	require.NoError(t, err)
	info := infos[0]

	s := &rdmSide{buf: make([]byte, 4096)}
	s.fab, err = p.OpenFabric(info)
	require.NoError(t, err)
	s.dom, err = s.fab.OpenDomain(info)
	require.NoError(t, err)
	s.cq, err = s.dom.OpenCompletionQueue(provider.CQAttr{Format: provider.CQFormatContext, WaitObj: provider.WaitUnspec})
	require.NoError(t, err)
	s.cntr, err = s.dom.OpenCounter(provider.CounterAttr{WaitObj: provider.WaitUnspec})
	require.NoError(t, err)
	s.av, err = s.dom.OpenAddressVector(provider.AVAttr{Type: provider.AVTypeMap})
	require.NoError(t, err)
	s.ep, err = s.dom.OpenEndpoint(info)
	require.NoError(t, err)
	require.NoError(t, s.ep.BindCompletionQueue(s.cq, provider.BindSend|provider.BindRecv))
	require.NoError(t, s.ep.BindCounter(s.cntr, counterEvents))
	require.NoError(t, s.ep.BindAddressVector(s.av, 0))
	require.NoError(t, s.ep.Enable())
	s.mr, err = s.dom.RegisterMemory(s.buf, provider.MRAccessRemoteWrite|provider.MRAccessRemoteRead, 0, 0, 0)
	require.NoError(t, err)
	return s
}

func (s *rdmSide) close(t *testing.T) {
	t.Helper()
	require.NoError(t, s.ep.Close())
	require.NoError(t, s.mr.Close())
	require.NoError(t, s.av.Close())
	require.NoError(t, s.cntr.Close())
	require.NoError(t, s.cq.Close())
	require.NoError(t, s.dom.Close())
	require.NoError(t, s.fab.Close())
}

func TestRDMWriteAndRead(t *testing.T) {
	defer goleak.VerifyNone(t)

	p := newLoopbackProvider()
	events := provider.BindWrite | provider.BindRemoteWrite | provider.BindRead
	server := openRDMSide(t, p, "4092", events)
	client := openRDMSide(t, p, "", events)

	serverName, err := server.ep.Name()
	require.NoError(t, err)
	require.Equal(t, "localhost:4092", string(serverName))

	dest, err := client.av.InsertService("localhost", "4092", 0)
	require.NoError(t, err)

	require.NoError(t, client.ep.Write([]byte("ping"), dest, 16, 0, "write"))
	done := readCompletion(t, client.cq)
	require.Equal(t, "write", done.Context)
	require.NotZero(t, done.Flags&provider.CapWrite)

	require.NoError(t, server.cntr.Wait(1, testTimeout))
	require.Equal(t, "ping", string(server.buf[16:20]))

	// the server answers over the link the client opened
	clientName, err := client.ep.Name()
	require.NoError(t, err)
	back, err := server.av.InsertRaw(clientName, 0)
	require.NoError(t, err)
	require.NoError(t, server.ep.Write([]byte("pong"), back, 0, 0, nil))
	require.NoError(t, client.cntr.Wait(2, testTimeout))
	require.Equal(t, "pong", string(client.buf[:4]))

	copy(server.buf[100:], "remote bytes")
	readBuf := make([]byte, 12)
	require.NoError(t, client.ep.Read(readBuf, dest, 100, 0, "read"))
	got := readCompletion(t, client.cq)
	require.Equal(t, "read", got.Context)
	require.Equal(t, "remote bytes", string(readBuf))
	require.NoError(t, client.cntr.Wait(3, testTimeout))

	require.NoError(t, client.ep.Read(readBuf, dest, 0, 42, "badkey"))
	failed := readCompletionError(t, client.cq)
	require.Equal(t, "badkey", failed.Context)
	require.Equal(t, provider.ErrNoKey, failed.Err)

	client.close(t)
	server.close(t)
}

func TestRDMInvalidWriteIsDroppedAtTarget(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	p := New(WithNetwork(NewLoopback()), WithLogger(zap.New(core)))
	server := openRDMSide(t, p, "4100", provider.BindRemoteWrite)
	defer server.close(t)
	client := openRDMSide(t, p, "", provider.BindWrite)
	defer client.close(t)

	dest, err := client.av.InsertService("localhost", "4100", 0)
	require.NoError(t, err)
	require.NoError(t, client.ep.Write([]byte("x"), dest, 0, 99, nil))
	readCompletion(t, client.cq)

	require.Eventually(t, func() bool {
		return logs.FilterMessage("dropping remote write").Len() == 1
	}, testTimeout, 5*time.Millisecond)
	require.Zero(t, server.cntr.Read())
}

func TestRecvTruncation(t *testing.T) {
	p := newLoopbackProvider()
	server := openRDMSide(t, p, "4200", provider.BindRecv)
	defer server.close(t)
	client := openRDMSide(t, p, "", provider.BindSend)
	defer client.close(t)

	dest, err := client.av.InsertService("", "4200", 0)
	require.NoError(t, err)

	small := make([]byte, 4)
	require.NoError(t, server.ep.Recv(small, provider.FIAddrUnspec, "small"))
	require.NoError(t, client.ep.Send([]byte("too long for four"), dest, nil))
	readCompletion(t, client.cq)
	require.NoError(t, client.cntr.Wait(1, testTimeout))

	entry := readCompletionError(t, server.cq)
	require.Equal(t, "small", entry.Context)
	require.Equal(t, provider.ErrTrunc, entry.Err)
	require.Equal(t, 4, entry.Len)
	require.Equal(t, "too ", string(small))
	require.Equal(t, uint64(1), server.cntr.ReadError())
}

func TestCloseCancelsPostedReceives(t *testing.T) {
	p := newLoopbackProvider()
	s := openRDMSide(t, p, "", provider.BindRecv)
	require.NoError(t, s.ep.Recv(make([]byte, 8), provider.FIAddrUnspec, "pending"))
	require.NoError(t, s.ep.Close())

	entry := readCompletionError(t, s.cq)
	require.Equal(t, "pending", entry.Context)
	require.Equal(t, provider.ErrCanceled, entry.Err)

	require.NoError(t, s.mr.Close())
	require.NoError(t, s.av.Close())
	require.NoError(t, s.cntr.Close())
	require.NoError(t, s.cq.Close())
	require.NoError(t, s.dom.Close())
	require.NoError(t, s.fab.Close())
}
