package host

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardnew/otghcd/host/hal"
	"github.com/ardnew/otghcd/pkg"
)

// =============================================================================
// Parameter Validation
// =============================================================================

func TestEndpointParams_Validate(t *testing.T) {
	valid := endpointParams{
		key:       EndpointKey{Device: 1, Number: 1, In: true},
		address:   1,
		typ:       hal.TransferBulk,
		speed:     hal.SpeedHigh,
		maxPacket: 512,
	}

	tests := []struct {
		name    string
		modify  func(p *endpointParams)
		wantErr error
	}{
		{"valid bulk", func(p *endpointParams) {}, nil},
		{"unknown speed", func(p *endpointParams) { p.speed = hal.SpeedUnknown }, pkg.ErrInvalidParameter},
		{"unknown type", func(p *endpointParams) { p.typ = 7 }, pkg.ErrInvalidParameter},
		{"isochronous", func(p *endpointParams) { p.typ = hal.TransferIsochronous }, pkg.ErrNotSupported},
		{"address too high", func(p *endpointParams) { p.address = 128 }, pkg.ErrInvalidParameter},
		{"endpoint too high", func(p *endpointParams) { p.key.Number = 16 }, pkg.ErrInvalidParameter},
		{"zero max packet", func(p *endpointParams) { p.maxPacket = 0 }, pkg.ErrInvalidParameter},
		{"HS bulk over 512", func(p *endpointParams) { p.maxPacket = 1024 }, pkg.ErrInvalidParameter},
		{"HS control over 64", func(p *endpointParams) {
			p.typ = hal.TransferControl
			p.maxPacket = 512
		}, pkg.ErrInvalidParameter},
		{"HS interrupt 1024", func(p *endpointParams) {
			p.typ = hal.TransferInterrupt
			p.maxPacket = 1024
			p.interval = 1
		}, nil},
		{"HS interrupt with multiplier", func(p *endpointParams) {
			p.typ = hal.TransferInterrupt
			p.maxPacket = 2<<multiShift | 1024
			p.interval = 1
		}, nil},
		{"reserved multiplier", func(p *endpointParams) {
			p.typ = hal.TransferInterrupt
			p.maxPacket = 3<<multiShift | 64
			p.interval = 1
		}, pkg.ErrInvalidParameter},
		{"multiplier on bulk", func(p *endpointParams) { p.maxPacket = 1<<multiShift | 512 }, pkg.ErrInvalidParameter},
		{"FS over 64", func(p *endpointParams) {
			p.speed = hal.SpeedFull
			p.maxPacket = 128
		}, pkg.ErrInvalidParameter},
		{"LS bulk", func(p *endpointParams) {
			p.speed = hal.SpeedLow
			p.maxPacket = 8
		}, pkg.ErrInvalidParameter},
		{"LS interrupt over 8", func(p *endpointParams) {
			p.speed = hal.SpeedLow
			p.typ = hal.TransferInterrupt
			p.maxPacket = 16
			p.interval = 10
		}, pkg.ErrInvalidParameter},
		{"interrupt zero interval", func(p *endpointParams) {
			p.typ = hal.TransferInterrupt
			p.maxPacket = 64
		}, pkg.ErrInvalidParameter},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := valid
			tt.modify(&p)
			err := p.validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestEndpointParams_IsochronousIsInvalidAndUnsupported(t *testing.T) {
	p := endpointParams{typ: hal.TransferIsochronous, speed: hal.SpeedFull, maxPacket: 64}
	err := p.validate()
	assert.ErrorIs(t, err, pkg.ErrInvalidParameter)
	assert.ErrorIs(t, err, pkg.ErrNotSupported)
}

// =============================================================================
// Split and Period Computation
// =============================================================================

func TestSplitRequired(t *testing.T) {
	tests := []struct {
		speed    hal.Speed
		hub      uint8
		busHigh  bool
		expected bool
	}{
		{hal.SpeedFull, 2, true, true},
		{hal.SpeedLow, 2, true, true},
		{hal.SpeedHigh, 2, true, false},
		{hal.SpeedFull, 0, true, false},
		{hal.SpeedFull, 2, false, false},
		{hal.SpeedLow, 0, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.speed.String(), func(t *testing.T) {
			assert.Equal(t, tt.expected, splitRequired(tt.speed, tt.hub, tt.busHigh),
				"speed=%v hub=%d busHigh=%v", tt.speed, tt.hub, tt.busHigh)
		})
	}
}

func TestServicePeriod(t *testing.T) {
	tests := []struct {
		name     string
		speed    hal.Speed
		interval uint16
		busHigh  bool
		expected int
	}{
		{"HS device on HS bus", hal.SpeedHigh, 8, true, 8},
		{"FS device behind TT", hal.SpeedFull, 10, true, 80},
		{"FS device on FS bus", hal.SpeedFull, 10, false, 10},
		{"LS device on FS bus", hal.SpeedLow, 255, false, 255},
		{"zero clamps to one", hal.SpeedFull, 0, false, 1},
		{"large clamps", hal.SpeedFull, 4096, true, maxPeriod},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, servicePeriod(tt.speed, tt.interval, tt.busHigh))
		})
	}
}

// =============================================================================
// Endpoint Store
// =============================================================================

func TestEndpoint_CreateWithSplit(t *testing.T) {
	f := newFixture(t, fixtureOptions{speed: hal.SpeedHigh})

	f.hcd.mu.Lock()
	defer f.hcd.mu.Unlock()

	h, err := f.hcd.createEndpointLocked(endpointParams{
		key:        EndpointKey{Device: 5, Number: 1, In: true},
		address:    5,
		typ:        hal.TransferInterrupt,
		speed:      hal.SpeedFull,
		maxPacket:  8,
		interval:   4,
		hubAddress: 2,
		hubPort:    3,
	})
	require.NoError(t, err)

	ed, ok := f.hcd.eds.Get(h)
	require.True(t, ok)
	assert.True(t, ed.split)
	assert.Equal(t, 32, ed.period)
	assert.Equal(t, uint8(2), ed.hubAddress)
	assert.Equal(t, uint8(3), ed.hubPort)
	assert.Equal(t, h, f.hcd.edIndex[ed.key])

	_, err = f.hcd.createEndpointLocked(endpointParams{
		key: ed.key, address: 5, typ: hal.TransferInterrupt,
		speed: hal.SpeedFull, maxPacket: 8, interval: 4,
	})
	assert.ErrorIs(t, err, pkg.ErrInvalidParameter, "one descriptor per key")
}

func TestEndpoint_CreateExhausted(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxEndpoints = 1
	f := newFixture(t, fixtureOptions{speed: hal.SpeedHigh, cfg: &cfg})
	rec := newRecorder()

	require.NoError(t, f.hcd.Enqueue(bulkIn(rec, 512)))
	assert.ErrorIs(t, f.hcd.Enqueue(bulkOut(rec, 512)), pkg.ErrNoResources)
}

func TestEndpoint_UpdateDeviceAddress(t *testing.T) {
	f := newFixture(t, fixtureOptions{speed: hal.SpeedHigh})
	rec := newRecorder()

	// Default address during enumeration, then the assigned one.
	req := control(rec, hal.SetupPacket{RequestType: 0x00, Request: 0x05, Value: 9})
	req.Address = 0
	require.NoError(t, f.hcd.Enqueue(req))
	ch := f.channel(t, 0, 0, false)
	f.done(t, ch)
	f.done(t, f.channel(t, 0, 0, true))
	require.NoError(t, rec.wait(t).err)

	next := control(rec, hal.SetupPacket{RequestType: 0x80, Request: 0x06, Value: 0x0100, Length: 18})
	next.Address = 9
	require.NoError(t, f.hcd.Enqueue(next))
	f.channel(t, 9, 0, false)

	eds, _ := f.counts()
	assert.Equal(t, 1, eds, "address change reuses the descriptor")
}

func TestEndpoint_TypeMismatch(t *testing.T) {
	f := newFixture(t, fixtureOptions{speed: hal.SpeedHigh})
	rec := newRecorder()

	require.NoError(t, f.hcd.Enqueue(bulkIn(rec, 512)))

	req := bulkIn(rec, 8)
	req.Type = hal.TransferInterrupt
	req.Interval = 1
	assert.ErrorIs(t, f.hcd.Enqueue(req), pkg.ErrInvalidParameter)
}

func TestEndpoint_DeleteDrainsQueued(t *testing.T) {
	f := newFixture(t, fixtureOptions{speed: hal.SpeedHigh})
	rec := newRecorder()
	require.NoError(t, f.hcd.BusSuspend())

	a, b := bulkIn(rec, 512), bulkIn(rec, 512)
	require.NoError(t, f.hcd.Enqueue(a))
	require.NoError(t, f.hcd.Enqueue(b))

	require.NoError(t, f.hcd.EndpointDisable(a.Key()))

	first, second := rec.wait(t), rec.wait(t)
	assert.Same(t, a, first.req)
	assert.Same(t, b, second.req)
	assert.ErrorIs(t, first.err, pkg.ErrCancelled)
	assert.ErrorIs(t, second.err, pkg.ErrCancelled)

	eds, tds := f.counts()
	assert.Zero(t, eds)
	assert.Zero(t, tds)
}

func TestEndpoint_DeleteBusy(t *testing.T) {
	f := newFixture(t, fixtureOptions{speed: hal.SpeedHigh})
	rec := newRecorder()

	req := bulkIn(rec, 512)
	require.NoError(t, f.hcd.Enqueue(req))
	ch := f.channel(t, 1, 1, true)

	assert.ErrorIs(t, f.hcd.EndpointDisable(req.Key()), pkg.ErrBusy)
	rec.none(t)
	eds, tds := f.counts()
	assert.Equal(t, 1, eds)
	assert.Equal(t, 1, tds)

	f.done(t, ch)
	assert.NoError(t, rec.wait(t).err)
	assert.NoError(t, f.hcd.EndpointDisable(req.Key()))
	eds, _ = f.counts()
	assert.Zero(t, eds)
}

func TestEndpoint_DisableUnknown(t *testing.T) {
	f := newFixture(t, fixtureOptions{speed: hal.SpeedHigh})
	assert.NoError(t, f.hcd.EndpointDisable(EndpointKey{Device: 42, Number: 3}))
}
