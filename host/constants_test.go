package host

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ardnew/otghcd/host/hal"
)

// =============================================================================
// Frame Arithmetic
// =============================================================================

func TestFrameAdd(t *testing.T) {
	assert.Equal(t, uint16(10), frameAdd(2, 8))
	assert.Equal(t, uint16(2), frameAdd(hal.FrameMask-1, 4))
	assert.Equal(t, uint16(0), frameAdd(hal.FrameMask, 1))
}

func TestFrameDue(t *testing.T) {
	tests := []struct {
		now, target uint16
		expected    bool
	}{
		{100, 100, true},
		{101, 100, true},
		{99, 100, false},
		{2, hal.FrameMask - 1, true},  // counter wrapped past target
		{hal.FrameMask - 1, 2, false}, // target after the wrap
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, frameDue(tt.now, tt.target),
			"now=%d target=%d", tt.now, tt.target)
	}
}

// =============================================================================
// Hub Encoding
// =============================================================================

func TestHubRequestEncoding(t *testing.T) {
	tests := []struct {
		name        string
		typeReq     uint16
		requestType uint8
		request     uint8
	}{
		{"ClearHubFeature", ClearHubFeature, 0x20, 0x01},
		{"ClearPortFeature", ClearPortFeature, 0x23, 0x01},
		{"GetHubDescriptor", GetHubDescriptor, 0xA0, 0x06},
		{"GetHubStatus", GetHubStatus, 0xA0, 0x00},
		{"GetPortStatus", GetPortStatus, 0xA3, 0x00},
		{"SetHubFeature", SetHubFeature, 0x20, 0x03},
		{"SetPortFeature", SetPortFeature, 0x23, 0x03},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.requestType, uint8(tt.typeReq>>8))
			assert.Equal(t, tt.request, uint8(tt.typeReq))
		})
	}
}

func TestPortChangeFeatures(t *testing.T) {
	// C_* selectors are the status selector plus 16, and each change bit
	// sits at the position of its status bit.
	tests := []struct {
		status, change uint16
		statusBit      uint16
		changeBit      uint16
	}{
		{PortFeatConnection, PortFeatCConnection, PortStatConnection, PortChangeConnection},
		{PortFeatEnable, PortFeatCEnable, PortStatEnable, PortChangeEnable},
		{PortFeatSuspend, PortFeatCSuspend, PortStatSuspend, PortChangeSuspend},
		{PortFeatOverCurrent, PortFeatCOverCurrent, PortStatOverCurrent, PortChangeOverCurrent},
		{PortFeatReset, PortFeatCReset, PortStatReset, PortChangeReset},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.status+16, tt.change)
		assert.Equal(t, uint16(1)<<tt.status, tt.statusBit)
		assert.Equal(t, tt.statusBit, tt.changeBit)
	}
	assert.Equal(t, uint16(1)<<PortFeatPower, uint16(PortStatPower))
	assert.Equal(t, uint16(1)<<PortFeatLowSpeed, uint16(PortStatLowSpeed))
}
