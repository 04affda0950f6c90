package pkg

import "errors"

// Configuration and precondition errors. These are returned synchronously to
// the caller and never reach the interrupt path.
var (
	// ErrInvalidParameter indicates a malformed request or endpoint configuration.
	ErrInvalidParameter = errors.New("invalid parameter")

	// ErrNotSupported indicates an unsupported operation or feature.
	ErrNotSupported = errors.New("not supported")

	// ErrDeviceGone indicates the device disconnected before the transfer was
	// handed to hardware.
	ErrDeviceGone = errors.New("device gone")

	// ErrNotRunning indicates the controller is not in the running state.
	ErrNotRunning = errors.New("not running")

	// ErrAlreadyRunning indicates the controller is already running.
	ErrAlreadyRunning = errors.New("already running")

	// ErrBusy indicates conflicting teardown or in-flight hardware state.
	ErrBusy = errors.New("resource busy")

	// ErrNoResources indicates a descriptor pool is exhausted.
	ErrNoResources = errors.New("no resources available")

	// ErrInvalidRequest indicates an invalid or unsupported hub request.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrInvalidPort indicates a root hub port number out of range.
	ErrInvalidPort = errors.New("invalid port")

	// ErrBufferTooSmall indicates the provided buffer is too small.
	ErrBufferTooSmall = errors.New("buffer too small")

	// ErrInit indicates the controller core failed to initialize.
	ErrInit = errors.New("controller initialization failed")
)

// Cancellation race outcomes.
var (
	// ErrDequeued is delivered to a request removed before hardware completed it.
	ErrDequeued = errors.New("request dequeued")

	// ErrNoSuchElement indicates the request is not (or no longer) cancellable;
	// its normal completion is reported instead.
	ErrNoSuchElement = errors.New("no such element")

	// ErrCancelled is delivered to requests drained by endpoint teardown or
	// controller shutdown.
	ErrCancelled = errors.New("transfer cancelled")
)

// Hardware-reported transfer errors, delivered through the completion callback.
// They terminate only the affected transfer.
var (
	// ErrStall indicates an endpoint stall condition.
	ErrStall = errors.New("endpoint stalled")

	// ErrTransaction indicates a transaction error (CRC, timeout, bit stuffing).
	ErrTransaction = errors.New("transaction error")

	// ErrNAK indicates the hardware NAK retry limit was exceeded.
	ErrNAK = errors.New("NAK retry limit exceeded")

	// ErrOverrun indicates babble or a frame overrun.
	ErrOverrun = errors.New("data overrun")

	// ErrUnderrun indicates a short packet on a transfer flagged short-not-ok.
	ErrUnderrun = errors.New("data underrun")

	// ErrSplitTransactionFailed indicates the hub-side split protocol exceeded
	// its retry limit.
	ErrSplitTransactionFailed = errors.New("split transaction failed")
)

// TransferStatus represents the completion status of a USB transfer.
type TransferStatus int

// Transfer status values.
const (
	TransferStatusSuccess     TransferStatus = iota // Transfer completed successfully
	TransferStatusError                             // Transaction error
	TransferStatusStall                             // Endpoint stalled
	TransferStatusNAK                               // NAK retry limit exceeded
	TransferStatusCancelled                         // Transfer was cancelled
	TransferStatusOverrun                           // Babble or frame overrun
	TransferStatusUnderrun                          // Short packet with short-not-ok
	TransferStatusSplitFailed                       // Split transaction failed
	TransferStatusDeviceGone                        // Device disconnected
)

// String returns a string representation of the transfer status.
func (s TransferStatus) String() string {
	switch s {
	case TransferStatusSuccess:
		return "success"
	case TransferStatusError:
		return "error"
	case TransferStatusStall:
		return "stall"
	case TransferStatusNAK:
		return "nak"
	case TransferStatusCancelled:
		return "cancelled"
	case TransferStatusOverrun:
		return "overrun"
	case TransferStatusUnderrun:
		return "underrun"
	case TransferStatusSplitFailed:
		return "split-failed"
	case TransferStatusDeviceGone:
		return "device-gone"
	default:
		return "unknown"
	}
}

// Error returns the corresponding error for the transfer status.
func (s TransferStatus) Error() error {
	switch s {
	case TransferStatusSuccess:
		return nil
	case TransferStatusStall:
		return ErrStall
	case TransferStatusNAK:
		return ErrNAK
	case TransferStatusCancelled:
		return ErrCancelled
	case TransferStatusOverrun:
		return ErrOverrun
	case TransferStatusUnderrun:
		return ErrUnderrun
	case TransferStatusSplitFailed:
		return ErrSplitTransactionFailed
	case TransferStatusDeviceGone:
		return ErrDeviceGone
	default:
		return ErrTransaction
	}
}
