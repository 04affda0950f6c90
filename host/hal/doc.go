// Package hal defines the register-level interface of a channel-based USB OTG
// host controller.
//
// The [Controller] interface is the boundary between the driver core in
// package host and the hardware. It is deliberately opaque: implementations
// translate its operations into reads and writes of control/status registers
// and per-channel register blocks, and the core never sees bit layouts.
//
// # Design Principles
//
// The HAL is designed to be:
//   - Minimal: only operations the core needs to schedule and complete transfers
//   - Read-and-clear: every latched interrupt event is reported exactly once
//   - Non-blocking: everything except WaitForInterrupt returns immediately,
//     because the core calls it while holding its controller lock
//
// # Interface Overview
//
//   - Lifecycle: Init, Start, Stop, Close
//   - Interrupt line: EnableInterrupts, DisableInterrupts, WaitForInterrupt
//   - Status: ReadInterrupts (global word), PendingChannels, ReadChannel
//   - Channels: StartChannel with a [ChannelProgram], HaltChannel (abort)
//   - Root port: status, change acknowledge, reset, enable, power, suspend, resume
//
// # Cancellation Contract
//
// HaltChannel returns true only if the channel stopped before a completion was
// latched. The core relies on this to decide whether a dequeue or the
// interrupt handler reports a request's outcome, so an implementation that
// cannot abort must return false.
//
// An in-memory implementation for tests is available in
// [github.com/ardnew/otghcd/host/hal/sim].
package hal
