package host

import (
	"fmt"
	"math/bits"

	"github.com/ardnew/otghcd/host/hal"
	"github.com/ardnew/otghcd/pkg"
	"github.com/ardnew/otghcd/pkg/arena"
)

// HandleInterrupt services the controller interrupt: every pending channel,
// then port and OTG events. Freed channels are rescheduled before the lock is
// released, and completion callbacks run after it.
//
// Start runs HandleInterrupt from its own goroutine whenever the interrupt
// line asserts; platforms that own the interrupt vector may call it directly.
func (c *Controller) HandleInterrupt() {
	c.mu.Lock()
	st := c.hal.ReadInterrupts()

	if st&hal.IntChannel != 0 {
		pending := c.hal.PendingChannels()
		for pending != 0 {
			ch := bits.TrailingZeros32(pending)
			pending &= pending - 1
			c.serviceChannelLocked(ch)
		}
	}
	if st&^(hal.IntChannel|hal.IntStartOfFrame) != 0 {
		c.serviceCommonLocked(st)
	}

	c.scheduleLocked()
	c.mu.Unlock()

	c.deliver()
}

// HandleOverCurrentPump handles an over-current report from the VBUS charge
// pump. In host mode the port is powered off and the change is latched for
// the root hub; in device mode the event is only logged.
func (c *Controller) HandleOverCurrentPump() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.port.hostMode {
		pkg.LogInfo(pkg.ComponentInterrupt, "over-current in device mode",
			"hcd", c.name)
		return
	}

	c.port.overCurrent = true
	c.port.overCurrentChange = true
	if err := c.hal.SetPortPower(rootPort, false); err != nil {
		pkg.LogWarn(pkg.ComponentInterrupt, "failed to remove port power",
			"hcd", c.name, "error", err)
	}
	c.port.powered = false
	c.port.enabled = false

	pkg.LogWarn(pkg.ComponentInterrupt, "port over-current, power removed",
		"hcd", c.name, "port", rootPort)
}

// serviceChannelLocked resolves a channel interrupt to its transfer and
// advances it.
func (c *Controller) serviceChannelLocked(ch int) {
	cs := c.hal.ReadChannel(ch)
	if ch >= len(c.channels) {
		return
	}

	h := c.channels[ch]
	td, ok := c.tds.Get(h)
	if !ok || td.state != tdDispatched || td.channel != ch {
		c.releaseChannelLocked(ch)
		pkg.LogDebug(pkg.ComponentInterrupt, "spurious channel interrupt",
			"hcd", c.name, "channel", ch, "events", cs.Events)
		return
	}
	ed, ok := c.eds.Get(td.ed)
	if !ok {
		c.finishLocked(h, td, pkg.ErrDeviceGone)
		return
	}

	ev := cs.Events
	switch {
	case ev&hal.ChanStall != 0:
		if td.stage == hal.StageData {
			td.actual += clampTransferred(cs.Transferred, td.length-td.actual)
		}
		ed.toggle = 0
		c.failLocked(h, ed, td, pkg.TransferStatusStall)

	case ev&(hal.ChanBabble|hal.ChanFrameOverrun) != 0:
		c.failLocked(h, ed, td, pkg.TransferStatusOverrun)

	case ev&(hal.ChanTransactionError|hal.ChanDataToggleError) != 0:
		if td.split != hal.SplitNone {
			c.splitRetryLocked(h, ed, td, true)
			return
		}
		c.failLocked(h, ed, td, pkg.TransferStatusError)

	case ev&hal.ChanNakLimit != 0:
		c.failLocked(h, ed, td, pkg.TransferStatusNAK)

	case ev&hal.ChanNyet != 0 && td.split == hal.SplitComplete:
		c.splitRetryLocked(h, ed, td, false)

	case ev&(hal.ChanNak|hal.ChanNyet) != 0:
		c.recordProgressLocked(ed, td, cs)
		td.splitErrors = 0
		c.requeueLocked(ed, td)

	case ev&hal.ChanAck != 0 && td.split == hal.SplitStart:
		td.split = hal.SplitComplete
		td.splitRetries = 0
		c.rearmOrFailLocked(h, ed, td)

	case ev&hal.ChanTransferComplete != 0:
		c.advanceLocked(h, ed, td, cs)

	default:
		pkg.LogDebug(pkg.ComponentInterrupt, "channel halted without result",
			"hcd", c.name, "channel", ch, "events", ev)
		c.failLocked(h, ed, td, pkg.TransferStatusError)
	}
}

// advanceLocked moves a transfer past a successfully completed stage.
func (c *Controller) advanceLocked(h arena.Handle, ed *endpoint, td *transfer, cs hal.ChannelStatus) {
	switch td.stage {
	case hal.StageSetup:
		if td.length > 0 {
			td.stage = hal.StageData
		} else {
			td.stage = hal.StageStatus
		}
		c.restartSplit(ed, td)
		c.rearmOrFailLocked(h, ed, td)

	case hal.StageData:
		want := td.length - td.actual
		got := clampTransferred(cs.Transferred, want)
		td.actual += got

		in := ed.in
		if td.hasSetup {
			in = td.setup.IsIn()
		} else {
			ed.toggle = cs.Toggle
		}
		if in && got < want && td.flags&FlagShortNotOK != 0 {
			c.failLocked(h, ed, td, pkg.TransferStatusUnderrun)
			return
		}

		if td.hasSetup {
			td.stage = hal.StageStatus
			c.restartSplit(ed, td)
			c.rearmOrFailLocked(h, ed, td)
			return
		}
		c.completeLocked(h, ed, td, nil)

	case hal.StageStatus:
		c.completeLocked(h, ed, td, nil)
	}
}

// splitRetryLocked counts a failed split attempt. A complete-split NYET
// re-polls on the same channel and counts against the current polling run;
// a transaction error restarts the split through the scheduler and counts
// against the current stage. Past the retry limit the transfer fails.
func (c *Controller) splitRetryLocked(h arena.Handle, ed *endpoint, td *transfer, restart bool) {
	count := &td.splitRetries
	if restart {
		count = &td.splitErrors
	}
	*count++
	if *count > c.cfg.SplitRetryLimit {
		pkg.LogDebug(pkg.ComponentInterrupt, "split retries exhausted",
			"hcd", c.name, "seq", td.seq, "retries", *count-1, "restart", restart)
		c.failLocked(h, ed, td, pkg.TransferStatusSplitFailed)
		return
	}
	if restart {
		c.requeueLocked(ed, td)
		return
	}
	c.rearmOrFailLocked(h, ed, td)
}

// recordProgressLocked keeps the data already moved by a channel that
// stopped early, so the transfer resumes after it with the right toggle.
func (c *Controller) recordProgressLocked(ed *endpoint, td *transfer, cs hal.ChannelStatus) {
	if td.stage != hal.StageData || cs.Transferred <= 0 {
		return
	}
	td.actual += clampTransferred(cs.Transferred, td.length-td.actual)
	if td.hasSetup {
		td.toggle = cs.Toggle
	} else {
		ed.toggle = cs.Toggle
	}
}

// failLocked completes a transfer with the error for a terminal hardware
// outcome.
func (c *Controller) failLocked(h arena.Handle, ed *endpoint, td *transfer, st pkg.TransferStatus) {
	pkg.LogDebug(pkg.ComponentInterrupt, "transfer failed",
		"hcd", c.name, "seq", td.seq, "channel", td.channel, "status", st.String())
	c.completeLocked(h, ed, td, st.Error())
}

// requeueLocked takes a transfer off its channel and leaves it at the head of
// its endpoint queue. Interrupt endpoints wait for their next interval.
func (c *Controller) requeueLocked(ed *endpoint, td *transfer) {
	c.releaseChannelLocked(td.channel)
	td.channel = -1
	td.state = tdQueued
	td.split = hal.SplitNone
	td.splitRetries = 0
	ed.active = arena.Nil
	if ed.typ == hal.TransferInterrupt {
		ed.nextFrame = frameAdd(c.hal.FrameNumber(), ed.period)
	}
}

// restartSplit begins a new stage with a start-split and fresh retry counts.
func (c *Controller) restartSplit(ed *endpoint, td *transfer) {
	td.splitRetries = 0
	td.splitErrors = 0
	if ed.split {
		td.split = hal.SplitStart
	}
}

func (c *Controller) rearmOrFailLocked(h arena.Handle, ed *endpoint, td *transfer) {
	if err := c.rearmLocked(ed, td); err != nil {
		pkg.LogWarn(pkg.ComponentInterrupt, "channel restart failed",
			"hcd", c.name, "channel", td.channel, "seq", td.seq, "error", err)
		c.completeLocked(h, ed, td, fmt.Errorf("%w: %w", pkg.ErrTransaction, err))
	}
}

// completeLocked finishes a transfer and, for periodic endpoints, moves the
// next service point one period ahead.
func (c *Controller) completeLocked(h arena.Handle, ed *endpoint, td *transfer, err error) {
	if ed.typ.IsPeriodic() {
		ed.nextFrame = frameAdd(c.hal.FrameNumber(), ed.period)
	}
	c.finishLocked(h, td, err)
}

// serviceCommonLocked handles port and OTG interrupts.
func (c *Controller) serviceCommonLocked(st hal.InterruptStatus) {
	if st&(hal.IntPort|hal.IntDisconnect) != 0 {
		wasConnected := c.port.connected
		if ps, err := c.hal.GetPortStatus(rootPort); err != nil {
			pkg.LogWarn(pkg.ComponentInterrupt, "failed to read port status",
				"hcd", c.name, "error", err)
		} else {
			c.applyPortStatusLocked(ps)
		}
		if st&hal.IntDisconnect != 0 {
			c.port.connected = false
			c.port.enabled = false
		}

		switch {
		case wasConnected && !c.port.connected:
			pkg.LogInfo(pkg.ComponentInterrupt, "device disconnected", "hcd", c.name)
			c.abortAllLocked(pkg.ErrDeviceGone)
		case !wasConnected && c.port.connected:
			pkg.LogInfo(pkg.ComponentInterrupt, "device connected",
				"hcd", c.name, "highSpeed", c.port.highSpeed)
		}
	}

	if st&(hal.IntModeMismatch|hal.IntConnectorIDChange) != 0 {
		hostMode := c.hal.HostMode()
		if hostMode != c.port.hostMode {
			pkg.LogInfo(pkg.ComponentInterrupt, "OTG mode changed",
				"hcd", c.name, "host", hostMode)
		}
		if st&hal.IntModeMismatch != 0 {
			pkg.LogWarn(pkg.ComponentInterrupt, "mode mismatch", "hcd", c.name)
		}
		c.port.hostMode = hostMode
	}

	if st&hal.IntSessionRequest != 0 {
		c.port.sessionRequest = true
		if c.port.hostMode {
			if err := c.hal.SetPortPower(rootPort, true); err != nil {
				pkg.LogWarn(pkg.ComponentInterrupt, "failed to power port",
					"hcd", c.name, "error", err)
			} else {
				c.port.powered = true
			}
		}
		pkg.LogDebug(pkg.ComponentInterrupt, "session request", "hcd", c.name)
	}
}

// abortAllLocked halts every channel and finishes every outstanding transfer
// with err. Endpoint descriptors are kept.
func (c *Controller) abortAllLocked(err error) {
	for ch, h := range c.channels {
		if !h.IsNil() && !c.hal.HaltChannel(ch) {
			// Discard the latched status so the channel comes back clean.
			c.hal.ReadChannel(ch)
		}
	}
	// Each endpoint's queue in order, so callbacks keep submission order.
	c.eds.Each(0, func(_ arena.Handle, ed *endpoint) bool {
		for !ed.head.IsNil() {
			h := ed.head
			td, ok := c.tds.Get(h)
			if !ok {
				break
			}
			c.finishLocked(h, td, err)
		}
		return true
	})
	c.tds.Each(0, func(h arena.Handle, td *transfer) bool {
		if td.state == tdQueued || td.state == tdDispatched {
			c.finishLocked(h, td, err)
		}
		return true
	})
}

// clampTransferred bounds a hardware byte count to what was programmed.
func clampTransferred(n, limit int) int {
	switch {
	case n < 0:
		return 0
	case n > limit:
		return limit
	}
	return n
}
