package sim

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ardnew/otghcd/host/hal"
	"github.com/ardnew/otghcd/pkg"
)

// Errors.
var (
	ErrChannelRange = errors.New("channel out of range")
	ErrChannelBusy  = errors.New("channel already armed")
	ErrNotStarted   = errors.New("controller not started")
)

// port is the only root hub port the model exposes.
const port = 1

// channel models one host channel register block.
type channel struct {
	program hal.ChannelProgram
	armed   bool
	latched bool
	status  hal.ChannelStatus
}

// Controller is an in-memory model of a channel-based OTG host controller.
// It implements [hal.Controller]; tests and examples drive the "hardware"
// side through Connect, Complete, Latch, Tick and friends.
type Controller struct {
	mu sync.Mutex

	channels []channel
	global   hal.InterruptStatus

	// Interrupt line; holds at most one pending assertion.
	irq        chan struct{}
	irqEnabled bool

	portStatus hal.PortStatus
	hostMode   bool
	frame      uint16

	abortable bool
	initErr   error
	started   bool

	history []hal.ChannelProgram
}

// Option configures a Controller.
type Option func(*Controller)

// WithoutAbort makes HaltChannel always fail, modelling hardware that cannot
// abort an armed channel.
func WithoutAbort() Option {
	return func(c *Controller) { c.abortable = false }
}

// WithInitError makes Init fail with err.
func WithInitError(err error) Option {
	return func(c *Controller) { c.initErr = err }
}

// WithDeviceMode starts the OTG core in device mode.
func WithDeviceMode() Option {
	return func(c *Controller) { c.hostMode = false }
}

// New creates a simulated controller with the given number of host channels.
func New(channels int, opts ...Option) *Controller {
	c := &Controller{
		channels:  make([]channel, channels),
		irq:       make(chan struct{}, 1),
		hostMode:  true,
		abortable: true,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Init initializes the simulated core.
func (c *Controller) Init(ctx context.Context) error {
	if c.initErr != nil {
		return c.initErr
	}
	pkg.LogDebug(pkg.ComponentHAL, "simulated controller initialized",
		"channels", len(c.channels))
	return nil
}

// Start enables the controller and powers the port.
func (c *Controller) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.started = true
	c.portStatus.PowerOn = true
	return nil
}

// Stop disarms all channels.
func (c *Controller) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.started = false
	for i := range c.channels {
		c.channels[i] = channel{}
	}
	c.global = 0
	return nil
}

// Close releases resources.
func (c *Controller) Close() error {
	return nil
}

// NumChannels returns the number of host channels.
func (c *Controller) NumChannels() int {
	return len(c.channels)
}

// NumPorts returns the number of root hub ports (always 1).
func (c *Controller) NumPorts() int {
	return 1
}

// HostMode reports whether the core is in host mode.
func (c *Controller) HostMode() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hostMode
}

// EnableInterrupts unmasks the interrupt line.
func (c *Controller) EnableInterrupts() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.irqEnabled = true
	if c.pendingLocked() {
		c.assertLocked()
	}
}

// DisableInterrupts masks the interrupt line.
func (c *Controller) DisableInterrupts() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.irqEnabled = false
}

// WaitForInterrupt blocks until the line asserts or ctx is done.
func (c *Controller) WaitForInterrupt(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.irq:
		return nil
	}
}

// ReadInterrupts reads and clears the global interrupt status.
func (c *Controller) ReadInterrupts() hal.InterruptStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.global
	c.global = 0
	for i := range c.channels {
		if c.channels[i].latched {
			st |= hal.IntChannel
			break
		}
	}
	return st
}

// PendingChannels returns the bitmap of channels with latched status.
func (c *Controller) PendingChannels() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	var mask uint32
	for i := range c.channels {
		if c.channels[i].latched {
			mask |= 1 << uint(i)
		}
	}
	return mask
}

// ReadChannel reads and clears a channel's latched status. The channel is
// halted afterwards, as on hardware that stops a channel on every interrupt.
func (c *Controller) ReadChannel(ch int) hal.ChannelStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ch < 0 || ch >= len(c.channels) {
		return hal.ChannelStatus{}
	}
	cs := &c.channels[ch]
	st := cs.status
	cs.status = hal.ChannelStatus{}
	cs.latched = false
	cs.armed = false
	return st
}

// StartChannel arms a channel.
func (c *Controller) StartChannel(ch int, p *hal.ChannelProgram) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ch < 0 || ch >= len(c.channels) {
		return fmt.Errorf("%w: %d", ErrChannelRange, ch)
	}
	if !c.started {
		return ErrNotStarted
	}
	cs := &c.channels[ch]
	if cs.armed || cs.latched {
		return fmt.Errorf("%w: %d", ErrChannelBusy, ch)
	}
	cs.program = *p
	cs.armed = true
	c.history = append(c.history, *p)
	return nil
}

// HaltChannel aborts an armed channel unless its completion already latched.
func (c *Controller) HaltChannel(ch int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ch < 0 || ch >= len(c.channels) {
		return false
	}
	cs := &c.channels[ch]
	if !c.abortable || cs.latched {
		return false
	}
	cs.armed = false
	return true
}

// FrameNumber returns the current (micro)frame counter.
func (c *Controller) FrameNumber() uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frame
}

// GetPortStatus returns the status of the root port.
func (c *Controller) GetPortStatus(p int) (hal.PortStatus, error) {
	if p != port {
		return hal.PortStatus{}, pkg.ErrInvalidPort
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.portStatus, nil
}

// ClearPortChange acknowledges port change bits.
func (c *Controller) ClearPortChange(p int, change hal.PortChange) error {
	if p != port {
		return pkg.ErrInvalidPort
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	ps := &c.portStatus
	if change&hal.PortChangeConnect != 0 {
		ps.ConnectChange = false
	}
	if change&hal.PortChangeEnable != 0 {
		ps.EnableChange = false
	}
	if change&hal.PortChangeSuspend != 0 {
		ps.SuspendChange = false
	}
	if change&hal.PortChangeOverCurrent != 0 {
		ps.OverCurrentChange = false
	}
	if change&hal.PortChangeReset != 0 {
		ps.ResetChange = false
	}
	return nil
}

// ResetPort completes a reset immediately and enables the port if a device
// is attached.
func (c *Controller) ResetPort(p int) error {
	if p != port {
		return pkg.ErrInvalidPort
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.portStatus.Reset = false
	c.portStatus.ResetChange = true
	c.portStatus.Enabled = c.portStatus.Connected
	return nil
}

// EnablePort enables or disables the port.
func (c *Controller) EnablePort(p int, enable bool) error {
	if p != port {
		return pkg.ErrInvalidPort
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.portStatus.Enabled = enable && c.portStatus.Connected
	return nil
}

// SetPortPower switches port power; removing power disables the port.
func (c *Controller) SetPortPower(p int, on bool) error {
	if p != port {
		return pkg.ErrInvalidPort
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.portStatus.PowerOn = on
	if !on {
		c.portStatus.Enabled = false
	}
	return nil
}

// SuspendPort suspends the port.
func (c *Controller) SuspendPort(p int) error {
	if p != port {
		return pkg.ErrInvalidPort
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.portStatus.Suspended = true
	return nil
}

// ResumePort resumes the port.
func (c *Controller) ResumePort(p int) error {
	if p != port {
		return pkg.ErrInvalidPort
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.portStatus.Suspended {
		c.portStatus.Suspended = false
		c.portStatus.SuspendChange = true
	}
	return nil
}

// =============================================================================
// Hardware-side controls
// =============================================================================

// Connect attaches a device of the given speed to the root port and raises a
// port interrupt.
func (c *Controller) Connect(speed hal.Speed) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.portStatus.Connected = true
	c.portStatus.Enabled = true
	c.portStatus.Speed = speed
	c.portStatus.ConnectChange = true
	c.raiseLocked(hal.IntPort)
}

// Disconnect detaches the device and raises disconnect and port interrupts.
func (c *Controller) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.portStatus.Connected = false
	c.portStatus.Enabled = false
	c.portStatus.Speed = hal.SpeedUnknown
	c.portStatus.ConnectChange = true
	c.raiseLocked(hal.IntDisconnect | hal.IntPort)
}

// OverCurrent flags an over-current condition on the port.
func (c *Controller) OverCurrent() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.portStatus.OverCurrent = true
	c.portStatus.OverCurrentChange = true
	c.raiseLocked(hal.IntPort)
}

// SetHostMode switches the OTG role and raises a connector-ID change.
func (c *Controller) SetHostMode(host bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hostMode = host
	c.raiseLocked(hal.IntConnectorIDChange)
}

// Latch records a channel status without asserting the interrupt line, as if
// hardware finished the channel and the interrupt has not been serviced yet.
// Channels that are not armed ignore it.
func (c *Controller) Latch(ch int, st hal.ChannelStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.latchLocked(ch, st)
}

// Complete latches a channel status and asserts the interrupt line.
func (c *Controller) Complete(ch int, st hal.ChannelStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.latchLocked(ch, st)
	c.assertLocked()
}

// Raise sets global interrupt bits and asserts the line.
func (c *Controller) Raise(st hal.InterruptStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.raiseLocked(st)
}

// Tick advances the frame counter by n and raises start-of-frame.
func (c *Controller) Tick(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frame = uint16((int(c.frame) + n) & hal.FrameMask)
	c.raiseLocked(hal.IntStartOfFrame)
}

// SetFrame sets the frame counter without raising an interrupt.
func (c *Controller) SetFrame(frame uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frame = frame & hal.FrameMask
}

// Armed returns the program of an armed channel.
func (c *Controller) Armed(ch int) (hal.ChannelProgram, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ch < 0 || ch >= len(c.channels) || !c.channels[ch].armed {
		return hal.ChannelProgram{}, false
	}
	return c.channels[ch].program, true
}

// ArmedChannels returns the indices of all armed channels.
func (c *Controller) ArmedChannels() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []int
	for i := range c.channels {
		if c.channels[i].armed {
			out = append(out, i)
		}
	}
	return out
}

// FindChannel returns the armed channel targeting the given endpoint.
func (c *Controller) FindChannel(addr, ep uint8, in bool) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.channels {
		p := &c.channels[i].program
		if c.channels[i].armed && p.DeviceAddress == addr && p.Endpoint == ep && p.In == in {
			return i, true
		}
	}
	return -1, false
}

// Programs returns every program armed so far, oldest first.
func (c *Controller) Programs() []hal.ChannelProgram {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]hal.ChannelProgram, len(c.history))
	copy(out, c.history)
	return out
}

// Port returns the current port status.
func (c *Controller) Port() hal.PortStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.portStatus
}

func (c *Controller) latchLocked(ch int, st hal.ChannelStatus) {
	if ch < 0 || ch >= len(c.channels) {
		return
	}
	cs := &c.channels[ch]
	if !cs.armed {
		// Idle or halted channels have nothing to report.
		return
	}
	cs.latched = true
	cs.status.Events |= st.Events
	cs.status.Transferred = st.Transferred
	cs.status.Toggle = st.Toggle
}

func (c *Controller) raiseLocked(st hal.InterruptStatus) {
	c.global |= st
	c.assertLocked()
}

func (c *Controller) assertLocked() {
	if !c.irqEnabled {
		return
	}
	select {
	case c.irq <- struct{}{}:
	default:
	}
}

func (c *Controller) pendingLocked() bool {
	if c.global != 0 {
		return true
	}
	for i := range c.channels {
		if c.channels[i].latched {
			return true
		}
	}
	return false
}

// Ensure Controller implements hal.Controller
var _ hal.Controller = (*Controller)(nil)
