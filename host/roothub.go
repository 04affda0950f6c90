package host

import (
	"encoding/binary"
	"fmt"

	"github.com/ardnew/otghcd/host/hal"
	"github.com/ardnew/otghcd/pkg"
)

// HubStatusData fills buf with the root hub change bitmap (bit 1 is port 1)
// and returns its length, or 0 when nothing changed.
func (c *Controller) HubStatusData(buf []byte) int {
	if len(buf) == 0 {
		return 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return 0
	}
	ps, err := c.hal.GetPortStatus(rootPort)
	if err != nil {
		return 0
	}
	if !ps.Changed() && !c.port.overCurrentChange {
		return 0
	}
	buf[0] = 1 << rootPort
	return 1
}

// HubControl executes a hub class request against the root hub. typeReq is
// bmRequestType<<8 | bRequest.
func (c *Controller) HubControl(typeReq, value, index uint16, buf []byte, length uint16) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch typeReq {
	case ClearHubFeature, SetHubFeature:
		// Local power and over-current are the only hub features; nothing to do.
		return nil

	case GetHubDescriptor:
		if len(buf) < hubDescriptorSize || length < hubDescriptorSize {
			return pkg.ErrBufferTooSmall
		}
		buf[0] = hubDescriptorSize
		buf[1] = hubDescriptorType
		buf[2] = byte(c.hal.NumPorts())
		binary.LittleEndian.PutUint16(buf[3:], hubCharIndividualPower|hubCharIndividualOC)
		buf[5] = 1 // bPwrOn2PwrGood
		buf[6] = 0 // bHubContrCurrent
		buf[7] = 0 // DeviceRemovable
		buf[8] = 0xFF
		return nil

	case GetHubStatus:
		if len(buf) < 4 || length < 4 {
			return pkg.ErrBufferTooSmall
		}
		binary.LittleEndian.PutUint32(buf, 0)
		return nil

	case GetPortStatus:
		if err := c.checkPortLocked(index); err != nil {
			return err
		}
		if len(buf) < 4 || length < 4 {
			return pkg.ErrBufferTooSmall
		}
		ps, err := c.hal.GetPortStatus(int(index))
		if err != nil {
			return err
		}
		status, change := c.portWordsLocked(ps)
		binary.LittleEndian.PutUint16(buf[0:], status)
		binary.LittleEndian.PutUint16(buf[2:], change)
		return nil

	case SetPortFeature:
		if err := c.checkPortLocked(index); err != nil {
			return err
		}
		return c.setPortFeatureLocked(int(index), value)

	case ClearPortFeature:
		if err := c.checkPortLocked(index); err != nil {
			return err
		}
		return c.clearPortFeatureLocked(int(index), value)
	}

	return fmt.Errorf("%w: 0x%04x", pkg.ErrInvalidRequest, typeReq)
}

func (c *Controller) checkPortLocked(index uint16) error {
	if index < 1 || int(index) > c.hal.NumPorts() {
		return fmt.Errorf("%w: %d", pkg.ErrInvalidPort, index)
	}
	return nil
}

// portWordsLocked encodes wPortStatus and wPortChange.
func (c *Controller) portWordsLocked(ps hal.PortStatus) (status, change uint16) {
	if ps.Connected {
		status |= PortStatConnection
	}
	if ps.Enabled {
		status |= PortStatEnable
	}
	if ps.Suspended {
		status |= PortStatSuspend
	}
	if ps.OverCurrent || c.port.overCurrent {
		status |= PortStatOverCurrent
	}
	if ps.Reset {
		status |= PortStatReset
	}
	if ps.PowerOn {
		status |= PortStatPower
	}
	switch ps.Speed {
	case hal.SpeedLow:
		status |= PortStatLowSpeed
	case hal.SpeedHigh:
		status |= PortStatHighSpeed
	}

	if ps.ConnectChange {
		change |= PortChangeConnection
	}
	if ps.EnableChange {
		change |= PortChangeEnable
	}
	if ps.SuspendChange {
		change |= PortChangeSuspend
	}
	if ps.OverCurrentChange || c.port.overCurrentChange {
		change |= PortChangeOverCurrent
	}
	if ps.ResetChange {
		change |= PortChangeReset
	}
	return status, change
}

func (c *Controller) setPortFeatureLocked(port int, feature uint16) error {
	switch feature {
	case PortFeatPower:
		if err := c.hal.SetPortPower(port, true); err != nil {
			return err
		}
		c.port.powered = true
		return nil

	case PortFeatReset:
		return c.portResetLocked(port)

	case PortFeatSuspend:
		if err := c.hal.SuspendPort(port); err != nil {
			return err
		}
		c.port.suspended = true
		return nil

	case PortFeatEnable:
		return c.hal.EnablePort(port, true)

	case PortFeatTest, PortFeatIndicator:
		return nil
	}
	return fmt.Errorf("%w: set port feature %d", pkg.ErrInvalidRequest, feature)
}

func (c *Controller) clearPortFeatureLocked(port int, feature uint16) error {
	switch feature {
	case PortFeatEnable:
		if err := c.hal.EnablePort(port, false); err != nil {
			return err
		}
		c.port.enabled = false
		return nil

	case PortFeatSuspend:
		if err := c.hal.ResumePort(port); err != nil {
			return err
		}
		c.port.suspended = false
		c.scheduleLocked()
		return nil

	case PortFeatPower:
		if err := c.hal.SetPortPower(port, false); err != nil {
			return err
		}
		c.port.powered = false
		c.port.enabled = false
		return nil

	case PortFeatCConnection:
		return c.hal.ClearPortChange(port, hal.PortChangeConnect)
	case PortFeatCEnable:
		return c.hal.ClearPortChange(port, hal.PortChangeEnable)
	case PortFeatCSuspend:
		return c.hal.ClearPortChange(port, hal.PortChangeSuspend)
	case PortFeatCReset:
		return c.hal.ClearPortChange(port, hal.PortChangeReset)

	case PortFeatCOverCurrent:
		c.port.overCurrentChange = false
		c.port.overCurrent = false
		return c.hal.ClearPortChange(port, hal.PortChangeOverCurrent)

	case PortFeatIndicator:
		return nil
	}
	return fmt.Errorf("%w: clear port feature %d", pkg.ErrInvalidRequest, feature)
}
