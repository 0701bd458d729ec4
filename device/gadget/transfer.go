package gadget

import (
	"context"
	"fmt"
	"time"

	"github.com/ardnew/usbssp/device"
)

// dequeueTimeout bounds the wait for a cancelled request to come back.
const dequeueTimeout = 2 * time.Second

// Transfer queues buf on ep and waits for it to complete. When ctx ends
// first the request is taken back off the endpoint and ctx's error is
// returned with whatever had been transferred.
func Transfer(ctx context.Context, c *device.Controller, ep *device.Endpoint, buf []byte) (int, error) {
	req := &device.Request{Buf: buf}
	if err := c.Enqueue(ep, req); err != nil {
		return 0, err
	}
	select {
	case <-req.Done():
		return req.Actual, req.Err
	case <-ctx.Done():
	}

	dctx, cancel := context.WithTimeout(context.Background(), dequeueTimeout)
	defer cancel()
	if err := c.Dequeue(dctx, ep, req); err != nil {
		return 0, fmt.Errorf("%w: dequeue: %w", ctx.Err(), err)
	}
	select {
	case <-req.Done():
	case <-dctx.Done():
		return 0, fmt.Errorf("%w: request not given back", ctx.Err())
	}
	if req.Err == nil {
		return req.Actual, nil
	}
	return req.Actual, ctx.Err()
}
