package host

import (
	"fmt"
	"sync/atomic"

	"github.com/ardnew/otghcd/host/hal"
	"github.com/ardnew/otghcd/pkg"
	"github.com/ardnew/otghcd/pkg/arena"
)

// tdState is the lifecycle state of a transfer descriptor.
type tdState uint8

const (
	tdQueued     tdState = iota + 1 // on its endpoint queue, waiting for a channel
	tdDispatched                    // programmed on a channel
	tdCompleting                    // outcome recorded, waiting for giveback
)

func (s tdState) String() string {
	switch s {
	case tdQueued:
		return "queued"
	case tdDispatched:
		return "dispatched"
	case tdCompleting:
		return "completing"
	default:
		return "free"
	}
}

// transfer is a transfer descriptor: one in-flight request and its progress.
type transfer struct {
	ed    arena.Handle
	req   *Request // nil once the request has been taken for completion
	state tdState
	seq   uint64
	flags TransferFlags

	setup    hal.SetupPacket
	setupBuf [hal.SetupPacketSize]byte
	hasSetup bool

	buf    []byte
	length int // bytes expected in the data stage
	stage  hal.Stage
	actual int
	toggle uint8 // control data stage; other types use the endpoint's

	channel int // -1 when not on a channel
	split   hal.SplitPhase

	// Complete-split NYETs since the last start-split ACK, and split
	// transaction errors in the current stage.
	splitRetries int
	splitErrors  int

	// Endpoint queue links.
	next   arena.Handle
	prev   arena.Handle
	linked bool
}

// CancelResult is the outcome of cancelling a transfer.
type CancelResult uint8

const (
	// CancelDequeued means the transfer was removed before hardware finished
	// it; the canceller reports the outcome.
	CancelDequeued CancelResult = iota
	// CancelNoSuchElement means the transfer is unknown or hardware already
	// finished it; the normal completion path reports the outcome.
	CancelNoSuchElement
)

// String returns the result name.
func (r CancelResult) String() string {
	if r == CancelDequeued {
		return "dequeued"
	}
	return "no-such-element"
}

// completion is one outcome waiting to be given back to its submitter.
type completion struct {
	td     arena.Handle
	req    *Request
	actual int
	err    error
}

// issueTransferLocked creates a transfer descriptor for req and appends it to
// the endpoint's queue. It does not dispatch.
func (c *Controller) issueTransferLocked(edh arena.Handle, req *Request) (arena.Handle, error) {
	if !c.port.connected {
		return arena.Nil, pkg.ErrDeviceGone
	}
	ed, ok := c.eds.Get(edh)
	if !ok {
		return arena.Nil, pkg.ErrNoSuchElement
	}

	switch ed.typ {
	case hal.TransferIsochronous:
		return arena.Nil, fmt.Errorf("%w: isochronous transfers", pkg.ErrNotSupported)
	case hal.TransferControl:
		if req.Setup == nil {
			return arena.Nil, fmt.Errorf("%w: control transfer without setup packet", pkg.ErrInvalidParameter)
		}
		if int(req.Setup.Length) > len(req.Buffer) {
			return arena.Nil, fmt.Errorf("%w: %w: wLength %d, buffer %d",
				pkg.ErrInvalidParameter, pkg.ErrBufferTooSmall, req.Setup.Length, len(req.Buffer))
		}
	}

	h, td, ok := c.tds.Alloc()
	if !ok {
		return arena.Nil, fmt.Errorf("%w: transfer descriptors exhausted", pkg.ErrNoResources)
	}

	c.nextSeq++
	*td = transfer{
		ed:      edh,
		req:     req,
		state:   tdQueued,
		seq:     c.nextSeq,
		flags:   req.Flags,
		buf:     req.Buffer,
		length:  len(req.Buffer),
		stage:   hal.StageData,
		channel: -1,
	}
	if ed.typ == hal.TransferControl {
		td.setup = *req.Setup
		td.setup.MarshalTo(td.setupBuf[:])
		td.hasSetup = true
		td.length = int(req.Setup.Length)
		td.stage = hal.StageSetup
		td.toggle = 1
	}

	c.linkLocked(ed, h, td)
	req.td = h

	pkg.LogDebug(pkg.ComponentTransfer, "transfer queued",
		"hcd", c.name,
		"seq", td.seq,
		"address", ed.address,
		"ep", ed.number,
		"in", ed.in,
		"length", td.length)
	return h, nil
}

// cancelTransferLocked removes a transfer from the endpoint it belongs to.
// A queued transfer is unlinked. A dispatched transfer is halted; if the
// hardware cannot stop it before its completion latches, the cancellation
// loses and the completion path reports the outcome instead.
//
// On CancelDequeued the transfer keeps its request; the caller finishes it.
func (c *Controller) cancelTransferLocked(edh, h arena.Handle) CancelResult {
	td, ok := c.tds.Get(h)
	if !ok || td.ed != edh {
		return CancelNoSuchElement
	}

	switch td.state {
	case tdQueued:
		if ed, ok := c.eds.Get(edh); ok {
			c.unlinkLocked(ed, h, td)
		}
		return CancelDequeued

	case tdDispatched:
		if !c.hal.HaltChannel(td.channel) {
			pkg.LogDebug(pkg.ComponentTransfer, "cancel lost to completion",
				"hcd", c.name, "seq", td.seq, "channel", td.channel)
			return CancelNoSuchElement
		}
		c.releaseChannelLocked(td.channel)
		td.channel = -1
		if ed, ok := c.eds.Get(edh); ok {
			if ed.active == h {
				ed.active = arena.Nil
			}
			c.unlinkLocked(ed, h, td)
		}
		return CancelDequeued
	}
	return CancelNoSuchElement
}

// takeRequest detaches the request from a transfer. Only the caller that
// takes the request may report its outcome.
func takeRequest(td *transfer) *Request {
	req := td.req
	td.req = nil
	if req != nil {
		req.td = arena.Nil
	}
	return req
}

// finishLocked records the outcome of a transfer and queues it for giveback.
func (c *Controller) finishLocked(h arena.Handle, td *transfer, err error) {
	req := takeRequest(td)

	if td.channel >= 0 {
		c.releaseChannelLocked(td.channel)
		td.channel = -1
	}
	if ed, ok := c.eds.Get(td.ed); ok {
		if ed.active == h {
			ed.active = arena.Nil
		}
		c.unlinkLocked(ed, h, td)
	}
	td.state = tdCompleting

	if req == nil {
		c.tds.Free(h)
		return
	}

	if err != nil {
		pkg.LogDebug(pkg.ComponentTransfer, "transfer failed",
			"hcd", c.name, "seq", td.seq, "actual", td.actual, "error", err)
	} else {
		pkg.LogDebug(pkg.ComponentTransfer, "transfer complete",
			"hcd", c.name, "seq", td.seq, "actual", td.actual)
	}

	select {
	case c.done <- completion{td: h, req: req, actual: td.actual, err: err}:
	default:
		// Unreachable while the queue is as large as the pool.
		pkg.LogError(pkg.ComponentTransfer, "completion queue full",
			"hcd", c.name, "seq", td.seq)
		c.tds.Free(h)
	}
}

// deleteTDLocked releases a transfer descriptor. It fails while the transfer
// is on a channel or its request has not been taken.
func (c *Controller) deleteTDLocked(h arena.Handle) error {
	td, ok := c.tds.Get(h)
	if !ok {
		return pkg.ErrNoSuchElement
	}
	if td.channel >= 0 || td.req != nil {
		return pkg.ErrBusy
	}
	c.tds.Free(h)
	return nil
}

// deliver gives back queued completions. One goroutine drains at a time;
// callers that find the drainer busy leave their events to it.
func (c *Controller) deliver() {
	for {
		if !c.deliverMu.TryLock() {
			return
		}
		for drained := false; !drained; {
			select {
			case ev := <-c.done:
				c.giveback(ev)
			default:
				drained = true
			}
		}
		c.deliverMu.Unlock()

		// An event queued between the drain and the unlock would be stranded.
		if len(c.done) == 0 {
			return
		}
	}
}

// giveback releases the descriptor and reports the outcome to the submitter.
// Runs without the controller lock held.
func (c *Controller) giveback(ev completion) {
	c.mu.Lock()
	if err := c.deleteTDLocked(ev.td); err != nil {
		pkg.LogWarn(pkg.ComponentTransfer, "transfer descriptor not released",
			"hcd", c.name, "error", err)
	}
	c.mu.Unlock()

	req := ev.req
	req.actual = ev.actual
	req.err = ev.err
	atomic.StoreInt32(&req.completed, 1)

	if req.Callback != nil {
		req.Callback(req, ev.actual, ev.err)
	}
}

// linkLocked appends a transfer to its endpoint's queue.
func (c *Controller) linkLocked(ed *endpoint, h arena.Handle, td *transfer) {
	td.prev = ed.tail
	td.next = arena.Nil
	if tail, ok := c.tds.Get(ed.tail); ok {
		tail.next = h
	} else {
		ed.head = h
	}
	ed.tail = h
	td.linked = true
	ed.queued++
}

// unlinkLocked removes a transfer from its endpoint's queue.
func (c *Controller) unlinkLocked(ed *endpoint, h arena.Handle, td *transfer) {
	if !td.linked {
		return
	}
	if prev, ok := c.tds.Get(td.prev); ok {
		prev.next = td.next
	} else {
		ed.head = td.next
	}
	if next, ok := c.tds.Get(td.next); ok {
		next.prev = td.prev
	} else {
		ed.tail = td.prev
	}
	td.next, td.prev = arena.Nil, arena.Nil
	td.linked = false
	ed.queued--
}

// allocChannelLocked claims a free channel for h, or returns -1.
func (c *Controller) allocChannelLocked(h arena.Handle) int {
	if c.freeChannels == 0 {
		return -1
	}
	for ch := range c.channels {
		if c.channels[ch].IsNil() {
			c.channels[ch] = h
			c.freeChannels--
			return ch
		}
	}
	return -1
}

func (c *Controller) releaseChannelLocked(ch int) {
	if ch < 0 || ch >= len(c.channels) || c.channels[ch].IsNil() {
		return
	}
	c.channels[ch] = arena.Nil
	c.freeChannels++
}
