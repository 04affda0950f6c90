// Package host implements the core of a driver for channel-based USB 2.0 OTG
// host controllers.
//
// It is platform-agnostic and interacts with hardware via the [hal.Controller]
// interface defined in the github.com/ardnew/otghcd/host/hal package. The
// core owns every scheduling and protocol decision; the HAL only arms
// channels, reports latched status and drives the root port.
//
// # Architecture
//
// A [Controller] is the context object every operation runs against. It
// holds:
//
//   - Endpoint descriptors, one per (device, endpoint number, direction),
//     found through an [EndpointKey] lookup table
//   - Transfer descriptors, one per submitted [Request], queued FIFO on
//     their endpoint
//   - The channel table mapping each hardware channel to the transfer it
//     carries
//   - Root port and OTG mode state
//
// Requests enter through [Controller.Enqueue] and leave through their
// Callback. The scheduler assigns free channels to queued transfers, due
// interrupt endpoints first, then control and bulk endpoints in round-robin
// order. [Controller.HandleInterrupt] reads channel status, advances control
// stages and split phases, records outcomes and reschedules.
//
// # Transfer Types
//
//   - Control: setup, optional data and status stages on one channel
//   - Bulk: single data stage, data toggle kept per endpoint
//   - Interrupt: polled once per interval; a NAK waits for the next one
//   - Isochronous: not supported, rejected when the endpoint is created
//
// Low- and full-speed devices behind a high-speed hub are reached with split
// transactions. A complete-split that keeps answering NYET fails the transfer
// with [pkg.ErrSplitTransactionFailed] after [Config.SplitRetryLimit] retries.
//
// # Completion and Cancellation
//
// Every accepted request completes exactly once. Outcomes are queued while the
// controller lock is held and handed to callbacks after it is released, in the
// order they were recorded. [Controller.Dequeue] races with hardware: it wins
// only when the channel can be halted before the completion latches, and
// otherwise returns [pkg.ErrNoSuchElement] and leaves the outcome to the
// interrupt handler.
//
// # Zero-Allocation Design
//
// The interrupt path does not allocate. Descriptors live in fixed-capacity
// arenas addressed by generation-checked handles, channel programs are
// preallocated per channel, and the completion queue is sized to the
// transfer pool.
//
// # Example
//
//	hcd, err := host.New(hal, host.DefaultConfig())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := hcd.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer hcd.Stop()
//
//	req := &host.Request{
//	    Device:        1,
//	    Address:       1,
//	    Endpoint:      1,
//	    In:            true,
//	    Type:          hal.TransferBulk,
//	    Speed:         hal.SpeedHigh,
//	    MaxPacketSize: 512,
//	    Buffer:        make([]byte, 512),
//	    Callback: func(r *host.Request, n int, err error) {
//	        // ...
//	    },
//	}
//	err = hcd.Enqueue(req)
//
// An in-memory controller for testing is available in
// [github.com/ardnew/otghcd/host/hal/sim].
package host
