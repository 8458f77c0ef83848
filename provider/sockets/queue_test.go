package sockets

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rocketbitz/fabric-echo/provider"
)

func openTestDomain(t *testing.T, p *Provider) (provider.Fabric, provider.Domain) {
	t.Helper()
	infos, err := p.GetInfo(provider.APIVersion, "", "", 0, nil)
	require.NoError(t, err)
	fab, err := p.OpenFabric(infos[0])
	require.NoError(t, err)
	dom, err := fab.OpenDomain(infos[0])
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = dom.Close()
		_ = fab.Close()
	})
	return fab, dom
}

func TestEventQueueReadSemantics(t *testing.T) {
	fab, _ := openTestDomain(t, newLoopbackProvider())

	eq, err := fab.OpenEventQueue(provider.EQAttr{WaitObj: provider.WaitUnspec})
	require.NoError(t, err)
	defer eq.Close()

	_, err = eq.Read(0)
	require.ErrorIs(t, err, provider.ErrAgain)

	start := time.Now()
	_, err = eq.Read(20 * time.Millisecond)
	require.ErrorIs(t, err, provider.ErrTimedOut)
	require.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)

	q := eq.(*eventQueue)
	go func() {
		time.Sleep(10 * time.Millisecond)
		q.post(&provider.EQEntry{Event: provider.EventConnected, FID: "ep"})
	}()
	entry, err := eq.Read(-1)
	require.NoError(t, err)
	require.Equal(t, provider.EventConnected, entry.Event)

	q.postError(&provider.EQErrEntry{FID: "ep", Err: provider.ErrConnRefused})
	_, err = eq.Read(0)
	require.ErrorIs(t, err, provider.ErrAvail)
	errEntry, err := eq.ReadError()
	require.NoError(t, err)
	require.Equal(t, provider.ErrConnRefused, errEntry.Err)
	_, err = eq.ReadError()
	require.ErrorIs(t, err, provider.ErrAgain)
}

func TestEventQueueWithoutWaitObject(t *testing.T) {
	fab, _ := openTestDomain(t, newLoopbackProvider())
	eq, err := fab.OpenEventQueue(provider.EQAttr{WaitObj: provider.WaitNone})
	require.NoError(t, err)
	defer eq.Close()

	_, err = eq.Read(0)
	require.ErrorIs(t, err, provider.ErrAgain)
	_, err = eq.Read(time.Millisecond)
	require.ErrorIs(t, err, provider.ErrNotSupported)

	_, err = fab.OpenEventQueue(provider.EQAttr{WaitObj: provider.WaitFD})
	require.ErrorIs(t, err, provider.ErrNotSupported)
}

func TestCompletionQueueErrorPath(t *testing.T) {
	_, dom := openTestDomain(t, newLoopbackProvider())
	cq, err := dom.OpenCompletionQueue(provider.CQAttr{Format: provider.CQFormatContext, WaitObj: provider.WaitUnspec})
	require.NoError(t, err)
	defer cq.Close()

	_, err = cq.Read()
	require.ErrorIs(t, err, provider.ErrAgain)
	require.ErrorIs(t, cq.Wait(10*time.Millisecond), provider.ErrTimedOut)

	q := cq.(*completionQueue)
	q.postError(&provider.CQErrEntry{Context: "op", Err: provider.ErrTrunc})
	q.post(&provider.CQEntry{Context: "next"})
	require.NoError(t, cq.Wait(0))

	_, err = cq.Read()
	require.ErrorIs(t, err, provider.ErrAvail)
	errEntry, err := cq.ReadError()
	require.NoError(t, err)
	require.Equal(t, "op", errEntry.Context)
	require.Equal(t, provider.ErrTrunc, errEntry.Err)

	entry, err := cq.Read()
	require.NoError(t, err)
	require.Equal(t, "next", entry.Context)

	_, err = dom.OpenCompletionQueue(provider.CQAttr{Format: provider.CQFormatTagged})
	require.ErrorIs(t, err, provider.ErrNotSupported)
}

func TestCounterWait(t *testing.T) {
	_, dom := openTestDomain(t, newLoopbackProvider())
	c, err := dom.OpenCounter(provider.CounterAttr{WaitObj: provider.WaitUnspec})
	require.NoError(t, err)
	defer c.Close()

	require.ErrorIs(t, c.Wait(1, 10*time.Millisecond), provider.ErrTimedOut)

	go func() {
		time.Sleep(5 * time.Millisecond)
		c.Add(1)
		c.Add(1)
	}()
	require.NoError(t, c.Wait(2, time.Second))
	require.Equal(t, uint64(2), c.Read())

	c.Set(0)
	require.Zero(t, c.Read())
	require.Zero(t, c.ReadError())
}
