package host

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/ardnew/otghcd/host/hal"
	"github.com/ardnew/otghcd/pkg"
	"github.com/ardnew/otghcd/pkg/arena"
)

// DeviceID identifies a device independently of its bus address, which can
// change during enumeration.
type DeviceID uint32

// EndpointKey identifies an endpoint descriptor.
type EndpointKey struct {
	Device DeviceID
	Number uint8
	In     bool
}

// TransferFlags modify how a request completes.
type TransferFlags uint8

const (
	// FlagShortNotOK makes a short IN transfer fail with ErrUnderrun.
	FlagShortNotOK TransferFlags = 1 << iota
	// FlagISOASAP asks for isochronous scheduling at the next free frame.
	// Isochronous transfers are not supported; the flag is carried only.
	FlagISOASAP
)

// Request is a transfer request submitted by a class driver.
type Request struct {
	// Device identity and current bus address.
	Device  DeviceID
	Address uint8

	// Endpoint number (0-15) and direction.
	Endpoint uint8
	In       bool

	Type  hal.TransferType
	Speed hal.Speed

	// wMaxPacketSize, transaction multiplier bits included.
	MaxPacketSize uint16

	// Polling interval for interrupt endpoints: frames for low- and
	// full-speed devices, microframes for high-speed devices.
	Interval uint16

	// Transaction translator of the hub a low- or full-speed device sits
	// behind. Zero HubAddress means the device is on the root port.
	HubAddress uint8
	HubPort    uint8
	MultiTT    bool

	// Setup packet (control transfers only)
	Setup *hal.SetupPacket

	// Data buffer
	Buffer []byte

	Flags TransferFlags

	// Callback runs once when the request completes, without any driver
	// lock held. It may resubmit the request, dequeue others, or call
	// Controller.Stop. It may run on the interrupt goroutine, so it must not
	// block waiting for another completion.
	Callback func(*Request, int, error)

	// Context is opaque to the driver.
	Context any

	// Internal state
	td        arena.Handle
	actual    int
	err       error
	completed int32
}

// Key returns the endpoint key of the request.
func (r *Request) Key() EndpointKey {
	return EndpointKey{Device: r.Device, Number: r.Endpoint, In: r.In}
}

// IsComplete returns true if the request has completed.
func (r *Request) IsComplete() bool {
	return atomic.LoadInt32(&r.completed) != 0
}

// Result returns the transferred length and outcome of a completed request.
func (r *Request) Result() (int, error) {
	return r.actual, r.err
}

func (r *Request) endpointParams() endpointParams {
	return endpointParams{
		key:        r.Key(),
		address:    r.Address,
		typ:        r.Type,
		speed:      r.Speed,
		maxPacket:  r.MaxPacketSize,
		interval:   r.Interval,
		hubAddress: r.HubAddress,
		hubPort:    r.HubPort,
		multiTT:    r.MultiTT,
	}
}

// Enqueue submits a request. On success the request's Callback runs exactly
// once with its outcome. An error return means the request was not accepted
// and the callback will not run.
func (c *Controller) Enqueue(req *Request) error {
	if req == nil {
		return fmt.Errorf("%w: nil request", pkg.ErrInvalidParameter)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.port.connected {
		return pkg.ErrDeviceGone
	}
	if !c.running {
		return pkg.ErrNotRunning
	}
	if !req.td.IsNil() {
		return fmt.Errorf("%w: request already submitted", pkg.ErrBusy)
	}

	edh, ok := c.edIndex[req.Key()]
	if ok {
		ed, _ := c.eds.Get(edh)
		if ed.typ != req.Type {
			return fmt.Errorf("%w: endpoint %+v is %v, request is %v",
				pkg.ErrInvalidParameter, ed.key, ed.typ, req.Type)
		}
		c.updateDeviceAddressLocked(edh, req.Address)
	} else {
		var err error
		if edh, err = c.createEndpointLocked(req.endpointParams()); err != nil {
			return err
		}
	}

	req.actual = 0
	req.err = nil
	atomic.StoreInt32(&req.completed, 0)

	if _, err := c.issueTransferLocked(edh, req); err != nil {
		return err
	}
	c.scheduleLocked()
	return nil
}

// Dequeue cancels a submitted request. If the driver removes it before the
// hardware finishes it, the callback runs with reason (ErrDequeued if nil)
// and Dequeue returns nil. If the hardware already finished it, or the
// request is unknown, Dequeue returns ErrNoSuchElement and the normal
// completion reports the outcome.
func (c *Controller) Dequeue(req *Request, reason error) error {
	if req == nil {
		return fmt.Errorf("%w: nil request", pkg.ErrInvalidParameter)
	}
	if reason == nil {
		reason = pkg.ErrDequeued
	}

	c.mu.Lock()
	td, ok := c.tds.Get(req.td)
	if !ok || td.req != req {
		c.mu.Unlock()
		return pkg.ErrNoSuchElement
	}
	h := req.td

	if !c.running {
		c.finishLocked(h, td, reason)
		c.mu.Unlock()
		c.deliver()
		return nil
	}

	if c.cancelTransferLocked(td.ed, h) != CancelDequeued {
		c.mu.Unlock()
		return pkg.ErrNoSuchElement
	}
	c.finishLocked(h, td, reason)
	c.scheduleLocked()
	c.mu.Unlock()

	c.deliver()
	return nil
}

// EndpointDisable releases the endpoint descriptor for key. Queued requests
// complete with ErrCancelled. It fails with ErrBusy while a request of the
// endpoint is on a channel; an unknown key is not an error.
func (c *Controller) EndpointDisable(key EndpointKey) error {
	c.mu.Lock()
	h, ok := c.edIndex[key]
	if !ok {
		c.mu.Unlock()
		return nil
	}
	err := c.deleteEndpointLocked(h)
	c.mu.Unlock()

	c.deliver()
	if errors.Is(err, pkg.ErrNoSuchElement) {
		return nil
	}
	return err
}
