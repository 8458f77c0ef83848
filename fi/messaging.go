package fi

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rocketbitz/fabric-echo/provider"
)

// SendRequest describes a message transmit operation to post on an endpoint.
type SendRequest struct {
	Buffer  []byte
	Dest    Address
	Context *CompletionContext
	Region  *MemoryRegion
}

// RecvRequest describes a message receive operation.
type RecvRequest struct {
	Buffer  []byte
	Source  Address
	Context *CompletionContext
	Region  *MemoryRegion
}

func ensureContext(ctx *CompletionContext) (*CompletionContext, error) {
	if ctx != nil {
		if ctx.IsReleased() {
			return nil, fmt.Errorf("libfabric: completion context already released")
		}
		return ctx, nil
	}
	return NewCompletionContext(), nil
}

// transferBuffer picks the bytes an operation works on: the request buffer,
// or the registered region when one is given. A buffer longer than zero
// limits how much of the region is used.
func transferBuffer(buf []byte, region *MemoryRegion, required MRAccessFlag, what string) ([]byte, error) {
	if region == nil {
		return buf, nil
	}
	if err := ensureRegionAccess(region, required); err != nil {
		return nil, err
	}
	regBuf := region.Bytes()
	switch {
	case len(buf) == 0:
		return regBuf, nil
	case len(buf) > len(regBuf):
		return nil, fmt.Errorf("libfabric: %s length exceeds registered region", what)
	default:
		return regBuf[:len(buf)], nil
	}
}

// post runs fn against the provider handle while the endpoint is connected.
// The context is tracked before posting so a fast completion cannot race the
// bookkeeping.
func (e *Endpoint) post(op string, ctx *CompletionContext, fn func(provider.Endpoint) error) error {
	if err := e.lockFor(op, StateConnected); err != nil {
		ctx.Release()
		return err
	}
	e.track(ctx)
	err := fn(e.handle)
	e.mu.Unlock()
	if err != nil {
		ctx.Release()
		return wrapErr(ErrCompletion, op, err)
	}
	return nil
}

func (e *Endpoint) checkMsgSize(n int) error {
	if max := e.info.MaxMsgSize; max > 0 && uintptr(n) > max {
		return wrapErr(ErrCompletion, "fi_send", provider.ErrMsgSize)
	}
	return nil
}

// PostSend posts a send operation to the endpoint. The returned
// CompletionContext resolves when the transmit completion is read. The buffer
// must not be modified until then.
func (e *Endpoint) PostSend(req *SendRequest) (*CompletionContext, error) {
	if e == nil {
		return nil, ErrInvalidHandle{"endpoint"}
	}
	if req == nil {
		return nil, errors.New("libfabric: nil send request")
	}
	ctx, err := ensureContext(req.Context)
	if err != nil {
		return nil, err
	}
	buf, err := transferBuffer(req.Buffer, req.Region, MRAccessFlag(provider.MRAccessSend), "send")
	if err != nil {
		ctx.Release()
		return nil, err
	}
	if err := e.checkMsgSize(len(buf)); err != nil {
		ctx.Release()
		return nil, err
	}
	if err := e.post("fi_send", ctx, func(h provider.Endpoint) error {
		return h.Send(buf, req.Dest, ctx)
	}); err != nil {
		return nil, err
	}
	return ctx, nil
}

// PostRecv posts a receive operation to the endpoint. The buffer is filled
// once the completion context resolves; the completion's Length reports how
// many bytes arrived.
func (e *Endpoint) PostRecv(req *RecvRequest) (*CompletionContext, error) {
	if e == nil {
		return nil, ErrInvalidHandle{"endpoint"}
	}
	if req == nil {
		return nil, errors.New("libfabric: nil recv request")
	}
	ctx, err := ensureContext(req.Context)
	if err != nil {
		return nil, err
	}
	buf, err := transferBuffer(req.Buffer, req.Region, MRAccessFlag(provider.MRAccessRecv), "recv")
	if err != nil {
		ctx.Release()
		return nil, err
	}
	source := req.Source
	if source == 0 {
		source = AddressUnspecified
	}
	if err := e.post("fi_recv", ctx, func(h provider.Endpoint) error {
		return h.Recv(buf, source, ctx)
	}); err != nil {
		return nil, err
	}
	return ctx, nil
}

func (e *Endpoint) queueOr(cq *CompletionQueue, recv bool) (*CompletionQueue, error) {
	if cq != nil {
		return cq, nil
	}
	if recv {
		cq = e.ReceiveQueue()
	} else {
		cq = e.TransmitQueue()
	}
	if cq == nil {
		return nil, errors.New("libfabric: completion queue required")
	}
	return cq, nil
}

// SendSync posts a send and waits for the provider to report completion on
// cq, or on the bound transmit queue when cq is nil. Connectionless endpoints
// need an explicit destination; connected ones use AddressUnspecified. A zero
// timeout waits until the completion arrives.
func (e *Endpoint) SendSync(buf []byte, dest Address, cq *CompletionQueue, timeout time.Duration) error {
	return e.SendSyncContext(context.Background(), buf, dest, cq, WaitOptions{Timeout: timeout})
}

// SendSyncContext behaves like SendSync but honours cancellation from ctx and
// the wait mode in opts.
func (e *Endpoint) SendSyncContext(ctx context.Context, buf []byte, dest Address, cq *CompletionQueue, opts WaitOptions) error {
	cq, err := e.queueOr(cq, false)
	if err != nil {
		return err
	}
	postCtx, err := e.PostSend(&SendRequest{Buffer: buf, Dest: dest})
	if err != nil {
		return err
	}
	_, err = waitForCompletion(ctx, cq, postCtx, opts)
	return err
}

// RecvSync posts a receive and blocks until the matching completion arrives
// or the timeout elapses. It returns the number of bytes received.
func (e *Endpoint) RecvSync(buf []byte, cq *CompletionQueue, timeout time.Duration) (int, error) {
	return e.RecvSyncContext(context.Background(), buf, cq, WaitOptions{Timeout: timeout})
}

// RecvSyncContext mirrors RecvSync but allows the caller to cancel the wait
// through ctx.
func (e *Endpoint) RecvSyncContext(ctx context.Context, buf []byte, cq *CompletionQueue, opts WaitOptions) (int, error) {
	cq, err := e.queueOr(cq, true)
	if err != nil {
		return 0, err
	}
	postCtx, err := e.PostRecv(&RecvRequest{Buffer: buf, Source: AddressUnspecified})
	if err != nil {
		return 0, err
	}
	evt, err := waitForCompletion(ctx, cq, postCtx, opts)
	if err != nil {
		return 0, err
	}
	return evt.Length, nil
}

// WaitCompletion waits on cq, or the bound transmit queue when cq is nil, for
// the completion of an operation posted earlier with PostSend, PostRecv,
// PostRead or PostWrite. Completions for other contexts read along the way
// are resolved so their callbacks still run.
func (e *Endpoint) WaitCompletion(ctx context.Context, cq *CompletionQueue, posted *CompletionContext, opts WaitOptions) (*CompletionEvent, error) {
	cq, err := e.queueOr(cq, false)
	if err != nil {
		return nil, err
	}
	return waitForCompletion(ctx, cq, posted, opts)
}
