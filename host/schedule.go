package host

import (
	"github.com/ardnew/otghcd/host/hal"
	"github.com/ardnew/otghcd/pkg"
	"github.com/ardnew/otghcd/pkg/arena"
)

// canScheduleLocked reports whether transfers may be put on channels.
func (c *Controller) canScheduleLocked() bool {
	return c.running &&
		c.port.connected &&
		!c.port.suspended &&
		c.port.hostMode &&
		c.freeChannels > 0
}

// scheduleLocked assigns free channels to queued transfers. Periodic
// endpoints that are due go first, then control and bulk endpoints. Each
// pass is round-robin, starting after the endpoint served last. An endpoint
// has at most one transfer on a channel and always dispatches its oldest.
func (c *Controller) scheduleLocked() {
	if !c.canScheduleLocked() {
		return
	}
	now := c.hal.FrameNumber()

	c.eds.Each(c.rrPeriodic, func(h arena.Handle, ed *endpoint) bool {
		if c.freeChannels == 0 {
			return false
		}
		if !ed.typ.IsPeriodic() || !ed.active.IsNil() || ed.head.IsNil() {
			return true
		}
		if !c.periodicDueLocked(ed, now) {
			return true
		}
		if c.dispatchLocked(ed, now) {
			c.rrPeriodic = h.Index() + 1
		}
		return true
	})

	c.eds.Each(c.rrNonPeriodic, func(h arena.Handle, ed *endpoint) bool {
		if c.freeChannels == 0 {
			return false
		}
		if ed.typ.IsPeriodic() || !ed.active.IsNil() || ed.head.IsNil() {
			return true
		}
		if c.dispatchLocked(ed, now) {
			c.rrNonPeriodic = h.Index() + 1
		}
		return true
	})
}

// periodicDueLocked reports whether a periodic endpoint may start a
// transaction in (micro)frame now.
func (c *Controller) periodicDueLocked(ed *endpoint, now uint16) bool {
	if !frameDue(now, ed.nextFrame) {
		// A target further ahead than one period went stale while the
		// endpoint sat idle and the counter wrapped.
		if int((ed.nextFrame-now)&hal.FrameMask) <= ed.period {
			return false
		}
		ed.nextFrame = now
	}
	// Periodic start-splits go out in microframes 0..5 so that the
	// complete-splits land inside the same frame.
	if ed.split && now%microframesPerFrame > lastStartSplitUframe {
		return false
	}
	return true
}

// dispatchLocked puts the head transfer of ed on a free channel.
func (c *Controller) dispatchLocked(ed *endpoint, now uint16) bool {
	h := ed.head
	td, ok := c.tds.Get(h)
	if !ok || td.state != tdQueued {
		return false
	}
	ch := c.allocChannelLocked(h)
	if ch < 0 {
		return false
	}

	if ed.split {
		td.split = hal.SplitStart
	}
	c.programLocked(ch, ed, td, now)
	if err := c.hal.StartChannel(ch, &c.programs[ch]); err != nil {
		c.releaseChannelLocked(ch)
		pkg.LogWarn(pkg.ComponentScheduler, "channel start failed",
			"hcd", c.name, "channel", ch, "seq", td.seq, "error", err)
		return false
	}

	td.channel = ch
	td.state = tdDispatched
	ed.active = h

	pkg.LogDebug(pkg.ComponentScheduler, "transfer dispatched",
		"hcd", c.name,
		"seq", td.seq,
		"channel", ch,
		"address", ed.address,
		"ep", ed.number,
		"stage", td.stage,
		"split", td.split,
		"frame", now)
	return true
}

// rearmLocked reprograms the channel a transfer already owns, used to move
// between control stages and split phases.
func (c *Controller) rearmLocked(ed *endpoint, td *transfer) error {
	now := c.hal.FrameNumber()
	c.programLocked(td.channel, ed, td, now)
	return c.hal.StartChannel(td.channel, &c.programs[td.channel])
}

// programLocked fills the preallocated channel program for td's current
// stage and split phase.
func (c *Controller) programLocked(ch int, ed *endpoint, td *transfer, now uint16) {
	p := &c.programs[ch]
	*p = hal.ChannelProgram{
		DeviceAddress: ed.address,
		Endpoint:      ed.number,
		Type:          ed.typ,
		Speed:         ed.speed,
		MaxPacketSize: ed.maxPacket,
		Multi:         ed.multi,
		Stage:         td.stage,
		Split:         td.split,
		HubAddress:    ed.hubAddress,
		HubPort:       ed.hubPort,
		MultiTT:       ed.multiTT,
		OddFrame:      ed.typ.IsPeriodic() && frameAdd(now, 1)&1 == 1,
	}

	switch td.stage {
	case hal.StageSetup:
		p.In = false
		p.Buffer = td.setupBuf[:]
		p.Length = hal.SetupPacketSize
		p.Toggle = 0

	case hal.StageData:
		if td.hasSetup {
			p.In = td.setup.IsIn()
			p.Toggle = td.toggle
		} else {
			p.In = ed.in
			p.Toggle = ed.toggle
		}
		p.Buffer = td.buf[td.actual:td.length]
		p.Length = td.length - td.actual

	case hal.StageStatus:
		// Opposite direction of the data stage; IN when there was none.
		p.In = td.length == 0 || !td.setup.IsIn()
		p.Toggle = 1
	}
}
