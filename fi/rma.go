package fi

import (
	"context"
	"errors"
	"time"

	"github.com/rocketbitz/fabric-echo/provider"
)

// RMARequest describes a remote memory access operation. Offset is the
// remote address inside the target region and Key its registration key.
type RMARequest struct {
	Buffer  []byte
	Region  *MemoryRegion
	Key     uint64
	Offset  uint64
	Address Address
	Context *CompletionContext
}

func (e *Endpoint) prepareRMA(req *RMARequest, required MRAccessFlag, op string) (*CompletionContext, []byte, error) {
	if e == nil {
		return nil, nil, ErrInvalidHandle{"endpoint"}
	}
	if req == nil {
		return nil, nil, errors.New("libfabric: nil RMA request")
	}
	if !e.info.SupportsRMA() {
		return nil, nil, wrapErr(ErrCompletion, op, ErrCapabilityUnsupported)
	}
	ctx, err := ensureContext(req.Context)
	if err != nil {
		return nil, nil, err
	}
	buf, err := transferBuffer(req.Buffer, req.Region, required, op)
	if err != nil {
		ctx.Release()
		return nil, nil, err
	}
	if len(buf) == 0 {
		ctx.Release()
		return nil, nil, errors.New("libfabric: RMA operation requires buffer or region")
	}
	return ctx, buf, nil
}

// PostRead posts an RMA read from the remote region into the local buffer or
// registered region.
func (e *Endpoint) PostRead(req *RMARequest) (*CompletionContext, error) {
	ctx, buf, err := e.prepareRMA(req, MRAccessFlag(provider.MRAccessRead), "fi_read")
	if err != nil {
		return nil, err
	}
	if err := e.post("fi_read", ctx, func(h provider.Endpoint) error {
		return h.Read(buf, req.Address, req.Offset, req.Key, ctx)
	}); err != nil {
		return nil, err
	}
	return ctx, nil
}

// PostWrite posts an RMA write from the local buffer or region into the
// remote region. Its completion confirms that the data left this endpoint,
// not that it landed; remote arrival is observed through a counter bound
// with BindRemoteWrite on the target.
func (e *Endpoint) PostWrite(req *RMARequest) (*CompletionContext, error) {
	ctx, buf, err := e.prepareRMA(req, MRAccessFlag(provider.MRAccessWrite), "fi_write")
	if err != nil {
		return nil, err
	}
	if err := e.post("fi_write", ctx, func(h provider.Endpoint) error {
		return h.Write(buf, req.Address, req.Offset, req.Key, ctx)
	}); err != nil {
		return nil, err
	}
	return ctx, nil
}

// ReadSync performs a blocking RMA read, waiting for completion on cq or the
// bound transmit queue.
func (e *Endpoint) ReadSync(req *RMARequest, cq *CompletionQueue, timeout time.Duration) error {
	return e.ReadSyncContext(context.Background(), req, cq, WaitOptions{Timeout: timeout})
}

// WriteSync performs a blocking RMA write, waiting for its local completion.
func (e *Endpoint) WriteSync(req *RMARequest, cq *CompletionQueue, timeout time.Duration) error {
	return e.WriteSyncContext(context.Background(), req, cq, WaitOptions{Timeout: timeout})
}

// ReadSyncContext performs a blocking RMA read and honours context cancellation.
func (e *Endpoint) ReadSyncContext(ctx context.Context, req *RMARequest, cq *CompletionQueue, opts WaitOptions) error {
	cq, err := e.queueOr(cq, false)
	if err != nil {
		return err
	}
	postCtx, err := e.PostRead(req)
	if err != nil {
		return err
	}
	_, err = waitForCompletion(ctx, cq, postCtx, opts)
	return err
}

// WriteSyncContext performs a blocking RMA write and honours context cancellation.
func (e *Endpoint) WriteSyncContext(ctx context.Context, req *RMARequest, cq *CompletionQueue, opts WaitOptions) error {
	cq, err := e.queueOr(cq, false)
	if err != nil {
		return err
	}
	postCtx, err := e.PostWrite(req)
	if err != nil {
		return err
	}
	_, err = waitForCompletion(ctx, cq, postCtx, opts)
	return err
}
