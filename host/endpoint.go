package host

import (
	"fmt"

	"github.com/ardnew/otghcd/host/hal"
	"github.com/ardnew/otghcd/pkg"
	"github.com/ardnew/otghcd/pkg/arena"
)

// maxPeriod bounds a periodic endpoint's service period so that frameDue can
// still tell a due frame from a future one.
const maxPeriod = (hal.FrameMask + 1) / 4

// endpoint is an endpoint descriptor: the per-endpoint scheduling state the
// core keeps for one (device, endpoint number, direction) triple.
type endpoint struct {
	key     EndpointKey
	address uint8
	number  uint8
	in      bool
	speed   hal.Speed
	typ     hal.TransferType

	maxPacket uint16 // bits 10..0 of wMaxPacketSize
	multi     uint8  // additional transactions per microframe

	interval  uint16 // as requested: frames (LS/FS) or microframes (HS)
	period    int    // in frame-counter units
	nextFrame uint16

	hubAddress uint8
	hubPort    uint8
	multiTT    bool
	split      bool

	toggle uint8

	// Transfer queue, oldest first.
	head   arena.Handle
	tail   arena.Handle
	active arena.Handle // transfer currently on a channel
	queued int
}

// endpointParams describes an endpoint to create.
type endpointParams struct {
	key        EndpointKey
	address    uint8
	typ        hal.TransferType
	speed      hal.Speed
	maxPacket  uint16 // raw wMaxPacketSize, multiplier bits included
	interval   uint16
	hubAddress uint8
	hubPort    uint8
	multiTT    bool
}

func (p *endpointParams) validate() error {
	switch p.speed {
	case hal.SpeedLow, hal.SpeedFull, hal.SpeedHigh:
	default:
		return fmt.Errorf("%w: speed %v", pkg.ErrInvalidParameter, p.speed)
	}

	switch p.typ {
	case hal.TransferControl, hal.TransferBulk, hal.TransferInterrupt:
	case hal.TransferIsochronous:
		return fmt.Errorf("%w: isochronous endpoints: %w", pkg.ErrInvalidParameter, pkg.ErrNotSupported)
	default:
		return fmt.Errorf("%w: transfer type %d", pkg.ErrInvalidParameter, p.typ)
	}

	if p.address > MaxDeviceAddress {
		return fmt.Errorf("%w: device address %d", pkg.ErrInvalidParameter, p.address)
	}
	if p.key.Number > MaxEndpointNumber {
		return fmt.Errorf("%w: endpoint number %d", pkg.ErrInvalidParameter, p.key.Number)
	}

	size := p.maxPacket & maxPacketSizeMask
	multi := uint8(p.maxPacket>>multiShift) & multiMask
	if size == 0 {
		return fmt.Errorf("%w: zero max packet size", pkg.ErrInvalidParameter)
	}
	if multi == multiMask {
		return fmt.Errorf("%w: reserved transaction multiplier", pkg.ErrInvalidParameter)
	}
	if multi != 0 && (p.speed != hal.SpeedHigh || !p.typ.IsPeriodic()) {
		return fmt.Errorf("%w: multiplier on %v %v endpoint", pkg.ErrInvalidParameter, p.speed, p.typ)
	}

	var limit uint16
	switch p.speed {
	case hal.SpeedLow:
		if p.typ == hal.TransferBulk {
			return fmt.Errorf("%w: bulk endpoint on low-speed device", pkg.ErrInvalidParameter)
		}
		limit = maxPacketLowSpeed
	case hal.SpeedFull:
		limit = maxPacketFullSpeed
	case hal.SpeedHigh:
		switch p.typ {
		case hal.TransferControl:
			limit = maxPacketHighControl
		case hal.TransferBulk:
			limit = maxPacketHighBulk
		default:
			limit = maxPacketHighPeriodic
		}
	}
	if size > limit {
		return fmt.Errorf("%w: max packet size %d exceeds %d for %v %v",
			pkg.ErrInvalidParameter, size, limit, p.speed, p.typ)
	}

	if p.typ == hal.TransferInterrupt && p.interval == 0 {
		return fmt.Errorf("%w: interrupt endpoint with zero interval", pkg.ErrInvalidParameter)
	}
	return nil
}

// createEndpointLocked validates p and allocates a descriptor for it.
func (c *Controller) createEndpointLocked(p endpointParams) (arena.Handle, error) {
	if err := p.validate(); err != nil {
		return arena.Nil, err
	}
	if _, exists := c.edIndex[p.key]; exists {
		return arena.Nil, fmt.Errorf("%w: endpoint %+v exists", pkg.ErrInvalidParameter, p.key)
	}

	h, ed, ok := c.eds.Alloc()
	if !ok {
		return arena.Nil, fmt.Errorf("%w: endpoint descriptors exhausted", pkg.ErrNoResources)
	}

	*ed = endpoint{
		key:        p.key,
		address:    p.address,
		number:     p.key.Number,
		in:         p.key.In,
		speed:      p.speed,
		typ:        p.typ,
		maxPacket:  p.maxPacket & maxPacketSizeMask,
		multi:      uint8(p.maxPacket>>multiShift) & multiMask,
		interval:   p.interval,
		hubAddress: p.hubAddress,
		hubPort:    p.hubPort,
		multiTT:    p.multiTT,
		split:      splitRequired(p.speed, p.hubAddress, c.port.highSpeed),
	}
	if ed.typ.IsPeriodic() {
		ed.period = servicePeriod(p.speed, p.interval, c.port.highSpeed)
		ed.nextFrame = c.hal.FrameNumber()
	}
	c.edIndex[p.key] = h

	pkg.LogDebug(pkg.ComponentEndpoint, "endpoint created",
		"hcd", c.name,
		"device", p.key.Device,
		"address", ed.address,
		"ep", ed.number,
		"in", ed.in,
		"type", ed.typ,
		"speed", ed.speed,
		"maxPacket", ed.maxPacket,
		"split", ed.split,
		"period", ed.period)
	return h, nil
}

// splitRequired reports whether transactions to a device must be wrapped in
// split transactions: a low- or full-speed device behind a high-speed hub.
func splitRequired(speed hal.Speed, hubAddress uint8, busHighSpeed bool) bool {
	return (speed == hal.SpeedLow || speed == hal.SpeedFull) &&
		hubAddress != 0 && busHighSpeed
}

// servicePeriod converts an endpoint interval to frame-counter units. The
// counter counts microframes on a high-speed bus and frames otherwise.
func servicePeriod(speed hal.Speed, interval uint16, busHighSpeed bool) int {
	period := int(interval)
	if busHighSpeed && speed != hal.SpeedHigh {
		period *= microframesPerFrame
	}
	switch {
	case period < 1:
		period = 1
	case period > maxPeriod:
		period = maxPeriod
	}
	return period
}

// updateDeviceAddressLocked records a new device address for an endpoint.
// Enumeration may change the address while the endpoint is known.
func (c *Controller) updateDeviceAddressLocked(h arena.Handle, address uint8) {
	ed, ok := c.eds.Get(h)
	if !ok || ed.address == address {
		return
	}
	pkg.LogDebug(pkg.ComponentEndpoint, "device address updated",
		"hcd", c.name, "device", ed.key.Device, "from", ed.address, "to", address)
	ed.address = address
}

// deleteEndpointLocked releases an endpoint descriptor. Queued transfers are
// finished with ErrCancelled. It fails with ErrBusy while a transfer of the
// endpoint is on a channel.
func (c *Controller) deleteEndpointLocked(h arena.Handle) error {
	ed, ok := c.eds.Get(h)
	if !ok {
		return pkg.ErrNoSuchElement
	}
	if !ed.active.IsNil() {
		return fmt.Errorf("%w: endpoint %+v has a transfer in progress", pkg.ErrBusy, ed.key)
	}

	for !ed.head.IsNil() {
		tdh := ed.head
		td, ok := c.tds.Get(tdh)
		if !ok {
			break
		}
		c.finishLocked(tdh, td, pkg.ErrCancelled)
	}

	key := ed.key
	delete(c.edIndex, key)
	c.eds.Free(h)

	pkg.LogDebug(pkg.ComponentEndpoint, "endpoint deleted",
		"hcd", c.name, "device", key.Device, "ep", key.Number, "in", key.In)
	return nil
}
