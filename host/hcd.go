package host

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/ardnew/otghcd/host/hal"
	"github.com/ardnew/otghcd/pkg"
	"github.com/ardnew/otghcd/pkg/arena"
)

// portFlags mirrors the root port and OTG state the scheduler and the
// endpoint store consult. Updated by the interrupt engine.
type portFlags struct {
	connected         bool
	enabled           bool
	suspended         bool
	powered           bool
	highSpeed         bool // bus operates at high speed
	hostMode          bool
	overCurrent       bool
	overCurrentChange bool
	sessionRequest    bool
}

// Controller is one host-controller instance: the explicit context object
// every driver operation runs against.
//
// A single mutex serializes all mutation of endpoint descriptors, transfer
// descriptors and the channel table, whether it comes from a caller
// (Enqueue, Dequeue, EndpointDisable) or from the interrupt path
// (HandleInterrupt). Completion callbacks always run after that mutex is
// released.
type Controller struct {
	hal hal.Controller
	cfg Config

	id   uuid.UUID
	name string

	mu sync.Mutex

	running bool
	cancel  context.CancelFunc
	irqDone chan struct{}

	// Endpoint descriptor store
	eds     *arena.Arena[endpoint]
	edIndex map[EndpointKey]arena.Handle

	// Transfer descriptor pool
	tds     *arena.Arena[transfer]
	nextSeq uint64

	// Channel table: owning transfer per channel, arena.Nil when free.
	channels     []arena.Handle
	programs     []hal.ChannelProgram
	freeChannels int

	// Round-robin cursors (arena slot index to start the next pass at).
	rrPeriodic    int
	rrNonPeriodic int

	port portFlags

	// Completed transfers waiting for their callback. Capacity equals the
	// transfer pool, so a send under the lock never blocks.
	done      chan completion
	deliverMu sync.Mutex

	// Set while the interrupt goroutine is inside HandleInterrupt, which
	// includes the callbacks it delivers.
	irqDelivering atomic.Bool
}

// New creates a controller for the given hardware.
func New(h hal.Controller, cfg Config) (*Controller, error) {
	if h == nil {
		return nil, fmt.Errorf("%w: nil controller", pkg.ErrInvalidParameter)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.LogLevel != "" {
		level, _ := pkg.ParseLogLevel(cfg.LogLevel)
		pkg.SetLogLevel(level)
	}
	if cfg.LogFormat != "" {
		format, _ := pkg.ParseLogFormat(cfg.LogFormat)
		pkg.SetLogOutput(os.Stderr, format)
	}

	channels := h.NumChannels()
	if cfg.Channels > 0 && cfg.Channels < channels {
		channels = cfg.Channels
	}
	if channels > MaxChannels {
		channels = MaxChannels
	}
	if channels < 1 {
		return nil, fmt.Errorf("%w: controller has no host channels", pkg.ErrInvalidParameter)
	}

	id := uuid.New()
	c := &Controller{
		hal:          h,
		cfg:          cfg,
		id:           id,
		name:         id.String(),
		eds:          arena.New[endpoint](cfg.MaxEndpoints),
		edIndex:      make(map[EndpointKey]arena.Handle, cfg.MaxEndpoints),
		tds:          arena.New[transfer](cfg.MaxTransfers),
		channels:     make([]arena.Handle, channels),
		programs:     make([]hal.ChannelProgram, channels),
		freeChannels: channels,
		done:         make(chan completion, cfg.MaxTransfers),
	}
	return c, nil
}

// ID returns the controller instance identifier used in log records.
func (c *Controller) ID() uuid.UUID {
	return c.id
}

// Start initializes the hardware, enables interrupts and begins servicing
// them. An initialization failure is returned wrapped in [pkg.ErrInit]; the
// controller does not attempt to recover from it.
func (c *Controller) Start(ctx context.Context) error {
	irqCtx, cancel := context.WithCancel(ctx)

	// Claim the controller before touching hardware so that a concurrent
	// Start sees it as running.
	c.mu.Lock()
	if c.running || c.cancel != nil {
		c.mu.Unlock()
		cancel()
		return pkg.ErrAlreadyRunning
	}
	c.cancel = cancel
	c.mu.Unlock()

	ps, err := c.startHardware(ctx)
	if err != nil {
		c.mu.Lock()
		c.cancel = nil
		c.mu.Unlock()
		cancel()
		return fmt.Errorf("%w: %w", pkg.ErrInit, err)
	}

	done := make(chan struct{})

	c.mu.Lock()
	c.port = portFlags{hostMode: c.hal.HostMode(), powered: ps.PowerOn}
	c.applyPortStatusLocked(ps)
	c.running = true
	c.irqDone = done
	c.mu.Unlock()

	c.hal.EnableInterrupts()
	go c.serviceInterrupts(irqCtx, done)

	pkg.LogInfo(pkg.ComponentHCD, "controller started",
		"hcd", c.name,
		"channels", len(c.channels),
		"connected", ps.Connected,
		"speed", ps.Speed)
	return nil
}

// startHardware brings the core up and reads the root port. A core that
// started is stopped again when a later step fails.
func (c *Controller) startHardware(ctx context.Context) (hal.PortStatus, error) {
	if err := c.hal.Init(ctx); err != nil {
		pkg.LogError(pkg.ComponentHCD, "core initialization failed",
			"hcd", c.name, "error", err)
		return hal.PortStatus{}, err
	}
	if err := c.hal.Start(); err != nil {
		pkg.LogError(pkg.ComponentHCD, "controller start failed",
			"hcd", c.name, "error", err)
		_ = c.hal.Stop()
		return hal.PortStatus{}, err
	}
	ps, err := c.hal.GetPortStatus(rootPort)
	if err != nil {
		pkg.LogError(pkg.ComponentHCD, "failed to read port status",
			"hcd", c.name, "error", err)
		_ = c.hal.Stop()
		return hal.PortStatus{}, err
	}
	return ps, nil
}

// Stop halts the controller. Every outstanding request is completed with
// [pkg.ErrCancelled] and every endpoint descriptor is released.
//
// Stop may be called from a completion callback. When that callback runs on
// the interrupt goroutine, Stop does not wait for the goroutine to exit; it
// exits once the callback returns.
func (c *Controller) Stop() error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	cancel, done := c.cancel, c.irqDone
	c.mu.Unlock()

	c.hal.DisableInterrupts()
	cancel()
	if !c.irqDelivering.Load() {
		<-done
	}

	c.mu.Lock()
	c.flushLocked(pkg.ErrCancelled)
	_ = c.hal.SetPortPower(rootPort, false)
	c.port.powered = false
	c.cancel = nil
	c.irqDone = nil
	c.mu.Unlock()

	c.deliver()

	if err := c.hal.Stop(); err != nil {
		return err
	}

	pkg.LogInfo(pkg.ComponentHCD, "controller stopped", "hcd", c.name)
	return nil
}

// IsRunning returns true if the controller is running.
func (c *Controller) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// GetFrameNumber returns the current (micro)frame number.
func (c *Controller) GetFrameNumber() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return int(c.hal.FrameNumber())
}

// BusSuspend suspends the root port. Queued transfers stay queued until
// BusResume.
func (c *Controller) BusSuspend() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.hal.SuspendPort(rootPort); err != nil {
		return err
	}
	c.port.suspended = true
	pkg.LogDebug(pkg.ComponentHCD, "bus suspended", "hcd", c.name)
	return nil
}

// BusResume resumes the root port and restarts scheduling.
func (c *Controller) BusResume() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.hal.ResumePort(rootPort); err != nil {
		return err
	}
	c.port.suspended = false
	c.scheduleLocked()
	pkg.LogDebug(pkg.ComponentHCD, "bus resumed", "hcd", c.name)
	return nil
}

// PortReset resets and re-enables a root hub port (1-indexed).
func (c *Controller) PortReset(port int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.portResetLocked(port)
}

func (c *Controller) portResetLocked(port int) error {
	if port < 1 || port > c.hal.NumPorts() {
		return fmt.Errorf("%w: %d", pkg.ErrInvalidPort, port)
	}
	if err := c.hal.ResetPort(port); err != nil {
		return err
	}
	ps, err := c.hal.GetPortStatus(port)
	if err != nil {
		return err
	}
	c.applyPortStatusLocked(ps)
	pkg.LogDebug(pkg.ComponentHCD, "port reset",
		"hcd", c.name, "port", port, "enabled", ps.Enabled, "speed", ps.Speed)
	return nil
}

// applyPortStatusLocked refreshes the cached port flags from hardware status.
func (c *Controller) applyPortStatusLocked(ps hal.PortStatus) {
	c.port.connected = ps.Connected
	c.port.enabled = ps.Enabled
	c.port.suspended = ps.Suspended
	c.port.powered = ps.PowerOn
	c.port.overCurrent = ps.OverCurrent
	if ps.OverCurrentChange {
		c.port.overCurrentChange = true
	}
	if ps.Connected {
		c.port.highSpeed = ps.Speed == hal.SpeedHigh
	}
}

// serviceInterrupts runs the interrupt handler each time the line asserts.
func (c *Controller) serviceInterrupts(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	for {
		if err := c.hal.WaitForInterrupt(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			pkg.LogWarn(pkg.ComponentInterrupt, "error waiting for interrupt",
				"hcd", c.name, "error", err)
			continue
		}
		if ctx.Err() != nil {
			return
		}
		c.irqDelivering.Store(true)
		c.HandleInterrupt()
		c.irqDelivering.Store(false)
	}
}

// flushLocked terminates every transfer and releases every endpoint.
func (c *Controller) flushLocked(err error) {
	c.abortAllLocked(err)
	c.eds.Each(0, func(h arena.Handle, ed *endpoint) bool {
		delete(c.edIndex, ed.key)
		c.eds.Free(h)
		return true
	})
}
