// Package sim provides an in-memory HAL implementation for the host
// controller driver core.
//
// [Controller] implements [hal.Controller] without hardware. It models the
// parts of a channel-based OTG core the driver observes: a fixed set of host
// channels that are armed and halted, read-and-clear global and per-channel
// interrupt status, a (micro)frame counter, and a single root hub port.
//
// # Driving the Hardware Side
//
// Tests and examples play the role of the bus and the attached device:
//
//	ctrl := sim.New(8)
//	ctrl.Connect(hal.SpeedHigh)
//
//	// ... submit a request through the driver core ...
//
//	ch, _ := ctrl.FindChannel(addr, 1, true)
//	ctrl.Complete(ch, hal.ChannelStatus{
//	    Events:      hal.ChanTransferComplete,
//	    Transferred: 512,
//	})
//
// Complete latches a channel status and asserts the interrupt line; Latch
// only latches it, which models a completion the interrupt handler has not
// serviced yet. Tick advances the frame counter and raises start-of-frame.
//
// # Abort Semantics
//
// HaltChannel succeeds only while no completion is latched on the channel.
// [WithoutAbort] models hardware that cannot abort at all.
package sim
