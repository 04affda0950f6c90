package host

import "github.com/ardnew/otghcd/host/hal"

// Controller limits.
const (
	// MaxChannels is the largest channel table the core manages; the
	// pending-channel summary is a 32-bit bitmap.
	MaxChannels = 32

	// MaxDeviceAddress is the highest assignable USB device address.
	MaxDeviceAddress = 127

	// MaxEndpointNumber is the highest endpoint number.
	MaxEndpointNumber = 15

	// rootPort is the only root hub port of an OTG core.
	rootPort = 1
)

// Max packet size limits per speed (USB 2.0 §5.5-5.8).
const (
	maxPacketLowSpeed     = 8
	maxPacketFullSpeed    = 64
	maxPacketHighControl  = 64
	maxPacketHighBulk     = 512
	maxPacketHighPeriodic = 1024

	// wMaxPacketSize bits 10..0 hold the size, bits 12..11 the number of
	// additional transactions per microframe.
	maxPacketSizeMask = 0x07FF
	multiShift        = 11
	multiMask         = 0x03
)

// Microframe placement for periodic start-splits: the last two microframes of
// a frame are left for the complete-splits.
const (
	microframesPerFrame  = 8
	lastStartSplitUframe = 5
)

// Hub class requests, encoded as bmRequestType<<8 | bRequest.
const (
	ClearHubFeature  = 0x2001
	ClearPortFeature = 0x2301
	GetHubDescriptor = 0xA006
	GetHubStatus     = 0xA000
	GetPortStatus    = 0xA300
	SetHubFeature    = 0x2003
	SetPortFeature   = 0x2303
)

// Port feature selectors (USB 2.0 Table 11-17).
const (
	PortFeatConnection     = 0
	PortFeatEnable         = 1
	PortFeatSuspend        = 2
	PortFeatOverCurrent    = 3
	PortFeatReset          = 4
	PortFeatPower          = 8
	PortFeatLowSpeed       = 9
	PortFeatCConnection    = 16
	PortFeatCEnable        = 17
	PortFeatCSuspend       = 18
	PortFeatCOverCurrent   = 19
	PortFeatCReset         = 20
	PortFeatTest           = 21
	PortFeatIndicator      = 22
	hubDescriptorType      = 0x29
	hubDescriptorSize      = 9
	hubCharIndividualPower = 0x0001
	hubCharIndividualOC    = 0x0008
)

// wPortStatus bits.
const (
	PortStatConnection  = 0x0001
	PortStatEnable      = 0x0002
	PortStatSuspend     = 0x0004
	PortStatOverCurrent = 0x0008
	PortStatReset       = 0x0010
	PortStatPower       = 0x0100
	PortStatLowSpeed    = 0x0200
	PortStatHighSpeed   = 0x0400
)

// wPortChange bits.
const (
	PortChangeConnection  = 0x0001
	PortChangeEnable      = 0x0002
	PortChangeSuspend     = 0x0004
	PortChangeOverCurrent = 0x0008
	PortChangeReset       = 0x0010
)

// frameAdd advances a frame counter value with wraparound.
func frameAdd(frame uint16, n int) uint16 {
	return uint16((int(frame) + n) & hal.FrameMask)
}

// frameDue reports whether target is at or before now, treating the counter
// as a circular sequence of FrameMask+1 values.
func frameDue(now, target uint16) bool {
	return (now-target)&hal.FrameMask < (hal.FrameMask+1)/2
}
