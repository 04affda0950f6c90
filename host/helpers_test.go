package host

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ardnew/otghcd/host/hal"
	"github.com/ardnew/otghcd/host/hal/sim"
)

// =============================================================================
// Mock HAL for Testing
// =============================================================================

// mockHAL wraps the simulated controller with failure injection.
type mockHAL struct {
	*sim.Controller

	mu            sync.Mutex
	startErr      error
	portStatusErr error
	startChanErr  error
	halts         int
	stops         int

	// When set, Init closes initEntered and blocks until initGate closes.
	initGate    chan struct{}
	initEntered chan struct{}
}

func newMockHAL(channels int, opts ...sim.Option) *mockHAL {
	return &mockHAL{Controller: sim.New(channels, opts...)}
}

func (m *mockHAL) Init(ctx context.Context) error {
	m.mu.Lock()
	gate, entered := m.initGate, m.initEntered
	m.mu.Unlock()
	if entered != nil {
		close(entered)
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return m.Controller.Init(ctx)
}

func (m *mockHAL) Stop() error {
	m.mu.Lock()
	m.stops++
	m.mu.Unlock()
	return m.Controller.Stop()
}

func (m *mockHAL) Start() error {
	m.mu.Lock()
	err := m.startErr
	m.mu.Unlock()
	if err != nil {
		return err
	}
	return m.Controller.Start()
}

func (m *mockHAL) GetPortStatus(port int) (hal.PortStatus, error) {
	m.mu.Lock()
	err := m.portStatusErr
	m.mu.Unlock()
	if err != nil {
		return hal.PortStatus{}, err
	}
	return m.Controller.GetPortStatus(port)
}

func (m *mockHAL) StartChannel(ch int, p *hal.ChannelProgram) error {
	m.mu.Lock()
	err := m.startChanErr
	m.mu.Unlock()
	if err != nil {
		return err
	}
	return m.Controller.StartChannel(ch, p)
}

func (m *mockHAL) HaltChannel(ch int) bool {
	m.mu.Lock()
	m.halts++
	m.mu.Unlock()
	return m.Controller.HaltChannel(ch)
}

func (m *mockHAL) setStartChannelErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.startChanErr = err
}

func (m *mockHAL) stopCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stops
}

func (m *mockHAL) haltCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.halts
}

// =============================================================================
// Fixtures
// =============================================================================

// fixture is a started controller on a simulated core with a device attached.
type fixture struct {
	hw   *sim.Controller
	mock *mockHAL // nil unless requested
	hcd  *Controller
}

type fixtureOptions struct {
	channels int
	speed    hal.Speed // zero leaves the port empty
	cfg      *Config
	sim      []sim.Option
	mock     bool
}

func newFixture(t *testing.T, o fixtureOptions) *fixture {
	t.Helper()
	if o.channels == 0 {
		o.channels = 8
	}
	cfg := DefaultConfig()
	if o.cfg != nil {
		cfg = *o.cfg
	}

	f := &fixture{}
	var ctrl hal.Controller
	if o.mock {
		f.mock = newMockHAL(o.channels, o.sim...)
		f.hw = f.mock.Controller
		ctrl = f.mock
	} else {
		f.hw = sim.New(o.channels, o.sim...)
		ctrl = f.hw
	}
	if o.speed != hal.SpeedUnknown {
		f.hw.Connect(o.speed)
	}

	hcd, err := New(ctrl, cfg)
	require.NoError(t, err)
	require.NoError(t, hcd.Start(context.Background()))
	t.Cleanup(func() { _ = hcd.Stop() })
	f.hcd = hcd

	return f
}

// fire latches a channel status and services the interrupt.
func (f *fixture) fire(ch int, st hal.ChannelStatus) {
	f.hw.Latch(ch, st)
	f.hcd.HandleInterrupt()
}

// done completes whatever program is armed on ch in full.
func (f *fixture) done(t *testing.T, ch int) {
	t.Helper()
	p, ok := f.hw.Armed(ch)
	require.True(t, ok, "channel %d not armed", ch)
	f.fire(ch, hal.ChannelStatus{Events: hal.ChanTransferComplete, Transferred: p.Length})
}

// channel returns the channel armed for an endpoint.
func (f *fixture) channel(t *testing.T, addr, ep uint8, in bool) int {
	t.Helper()
	ch, ok := f.hw.FindChannel(addr, ep, in)
	require.True(t, ok, "no channel armed for address %d ep %d in=%v", addr, ep, in)
	return ch
}

// counts returns the number of live endpoint and transfer descriptors.
func (f *fixture) counts() (eds, tds int) {
	f.hcd.mu.Lock()
	defer f.hcd.mu.Unlock()
	return f.hcd.eds.Len(), f.hcd.tds.Len()
}

// =============================================================================
// Completion Recorder
// =============================================================================

type result struct {
	req *Request
	n   int
	err error
}

type recorder struct {
	ch chan result
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan result, 256)}
}

func (r *recorder) callback(req *Request, n int, err error) {
	r.ch <- result{req: req, n: n, err: err}
}

func (r *recorder) wait(t *testing.T) result {
	t.Helper()
	select {
	case res := <-r.ch:
		return res
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for completion")
		return result{}
	}
}

func (r *recorder) none(t *testing.T) {
	t.Helper()
	select {
	case res := <-r.ch:
		t.Fatalf("unexpected completion: n=%d err=%v", res.n, res.err)
	case <-time.After(50 * time.Millisecond):
	}
}

// =============================================================================
// Request Builders
// =============================================================================

func bulkIn(rec *recorder, size int) *Request {
	return &Request{
		Device:        1,
		Address:       1,
		Endpoint:      1,
		In:            true,
		Type:          hal.TransferBulk,
		Speed:         hal.SpeedHigh,
		MaxPacketSize: 512,
		Buffer:        make([]byte, size),
		Callback:      rec.callback,
	}
}

func bulkOut(rec *recorder, size int) *Request {
	return &Request{
		Device:        1,
		Address:       1,
		Endpoint:      2,
		Type:          hal.TransferBulk,
		Speed:         hal.SpeedHigh,
		MaxPacketSize: 512,
		Buffer:        make([]byte, size),
		Callback:      rec.callback,
	}
}

func control(rec *recorder, setup hal.SetupPacket) *Request {
	return &Request{
		Device:        1,
		Address:       1,
		Type:          hal.TransferControl,
		Speed:         hal.SpeedHigh,
		MaxPacketSize: 64,
		Setup:         &setup,
		Buffer:        make([]byte, setup.Length),
		Callback:      rec.callback,
	}
}

func interruptIn(rec *recorder, speed hal.Speed, interval uint16) *Request {
	return &Request{
		Device:        2,
		Address:       2,
		Endpoint:      1,
		In:            true,
		Type:          hal.TransferInterrupt,
		Speed:         speed,
		MaxPacketSize: 8,
		Interval:      interval,
		Buffer:        make([]byte, 8),
		Callback:      rec.callback,
	}
}
