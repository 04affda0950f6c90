package hal

import (
	"context"
)

// Speed represents the USB connection speed.
type Speed uint8

// USB speed constants (USB 2.0 Specification).
const (
	SpeedUnknown Speed = iota // Not connected or unknown
	SpeedLow                  // Low Speed (1.5 Mbit/s)
	SpeedFull                 // Full Speed (12 Mbit/s)
	SpeedHigh                 // High Speed (480 Mbit/s)
)

// String returns a human-readable speed name.
func (s Speed) String() string {
	switch s {
	case SpeedLow:
		return "Low Speed"
	case SpeedFull:
		return "Full Speed"
	case SpeedHigh:
		return "High Speed"
	default:
		return "Unknown"
	}
}

// PortStatus represents the status of a root hub port.
type PortStatus struct {
	Connected         bool  // Device is connected
	Enabled           bool  // Port is enabled
	Suspended         bool  // Port is suspended
	OverCurrent       bool  // Over-current condition detected
	Reset             bool  // Port is being reset
	PowerOn           bool  // Port has power applied
	Speed             Speed // Connected device speed
	ConnectChange     bool  // Connection status has changed
	EnableChange      bool  // Enable status has changed
	SuspendChange     bool  // Resume has completed
	OverCurrentChange bool  // Over-current status has changed
	ResetChange       bool  // Reset has completed
}

// Changed reports whether any change bit is set.
func (p PortStatus) Changed() bool {
	return p.ConnectChange || p.EnableChange || p.SuspendChange ||
		p.OverCurrentChange || p.ResetChange
}

// PortChange selects port change bits to acknowledge.
type PortChange uint8

// Port change bits.
const (
	PortChangeConnect PortChange = 1 << iota
	PortChangeEnable
	PortChangeSuspend
	PortChangeOverCurrent
	PortChangeReset
)

// SetupPacket represents a USB SETUP packet in the HAL layer.
type SetupPacket struct {
	RequestType uint8  // Request characteristics
	Request     uint8  // Specific request
	Value       uint16 // Request-specific value
	Index       uint16 // Request-specific index
	Length      uint16 // Number of bytes to transfer
}

// SetupPacketSize is the size of a USB SETUP packet in bytes.
const SetupPacketSize = 8

// ParseSetupPacket parses raw bytes into a SetupPacket.
// Returns false if data is too short.
func ParseSetupPacket(data []byte, out *SetupPacket) bool {
	if len(data) < SetupPacketSize {
		return false
	}
	out.RequestType = data[0]
	out.Request = data[1]
	out.Value = uint16(data[2]) | uint16(data[3])<<8
	out.Index = uint16(data[4]) | uint16(data[5])<<8
	out.Length = uint16(data[6]) | uint16(data[7])<<8
	return true
}

// MarshalTo writes the setup packet to buf.
// Returns the number of bytes written (8), or 0 if buf is too small.
func (s *SetupPacket) MarshalTo(buf []byte) int {
	if len(buf) < SetupPacketSize {
		return 0
	}
	buf[0] = s.RequestType
	buf[1] = s.Request
	buf[2] = byte(s.Value)
	buf[3] = byte(s.Value >> 8)
	buf[4] = byte(s.Index)
	buf[5] = byte(s.Index >> 8)
	buf[6] = byte(s.Length)
	buf[7] = byte(s.Length >> 8)
	return SetupPacketSize
}

// IsIn reports whether the data stage (if any) is device-to-host.
func (s *SetupPacket) IsIn() bool {
	return s.RequestType&0x80 != 0
}

// TransferType indicates the type of USB transfer.
type TransferType uint8

// Transfer type constants.
const (
	TransferControl     TransferType = 0 // Control transfer
	TransferIsochronous TransferType = 1 // Isochronous transfer
	TransferBulk        TransferType = 2 // Bulk transfer
	TransferInterrupt   TransferType = 3 // Interrupt transfer
)

// String returns the transfer type name.
func (t TransferType) String() string {
	switch t {
	case TransferControl:
		return "control"
	case TransferIsochronous:
		return "isochronous"
	case TransferBulk:
		return "bulk"
	case TransferInterrupt:
		return "interrupt"
	default:
		return "unknown"
	}
}

// IsPeriodic reports whether the transfer type is scheduled per frame.
func (t TransferType) IsPeriodic() bool {
	return t == TransferInterrupt || t == TransferIsochronous
}

// InterruptStatus is the global (core) interrupt status word.
type InterruptStatus uint32

// Global interrupt sources.
const (
	IntChannel         InterruptStatus = 1 << iota // One or more host channels need service
	IntStartOfFrame                                // Start of (micro)frame
	IntPort                                        // Root port status change
	IntDisconnect                                  // Device disconnect detected
	IntModeMismatch                                // Host register access in device mode
	IntConnectorIDChange                           // OTG connector ID changed (mode change)
	IntSessionRequest                              // Session request / new session detected
)

// ChannelEvent is the per-channel interrupt status word.
type ChannelEvent uint16

// Channel events latched by hardware.
const (
	ChanTransferComplete ChannelEvent = 1 << iota // Transfer finished without error
	ChanHalted                                    // Channel stopped
	ChanAck                                       // ACK received (split start phase)
	ChanNak                                       // NAK received
	ChanNyet                                      // NYET received (complete split not ready)
	ChanStall                                     // STALL received
	ChanTransactionError                          // CRC, timeout, bit stuff, false EOP
	ChanBabble                                    // Babble detected
	ChanFrameOverrun                              // Periodic transfer missed its frame
	ChanDataToggleError                           // Data toggle mismatch
	ChanNakLimit                                  // Hardware NAK retry count exhausted
)

// ChannelStatus is a snapshot of a channel after it signalled an interrupt.
type ChannelStatus struct {
	Events      ChannelEvent
	Transferred int   // Bytes moved in the programmed stage
	Toggle      uint8 // Data toggle to use for the next transaction
}

// Stage selects the token/PID programmed on a channel.
type Stage uint8

// Channel stages.
const (
	StageData   Stage = iota // DATA0/DATA1 (bulk, interrupt, control data)
	StageSetup               // SETUP token (control setup stage)
	StageStatus              // Zero-length control status stage
)

// SplitPhase selects split transaction handling on a channel.
type SplitPhase uint8

// Split phases.
const (
	SplitNone     SplitPhase = iota // No split
	SplitStart                      // Start split (SSPLIT)
	SplitComplete                   // Complete split (CSPLIT)
)

// String returns the split phase name.
func (p SplitPhase) String() string {
	switch p {
	case SplitStart:
		return "start"
	case SplitComplete:
		return "complete"
	default:
		return "none"
	}
}

// ChannelProgram is everything needed to arm one host channel.
type ChannelProgram struct {
	DeviceAddress uint8
	Endpoint      uint8 // Endpoint number (0-15)
	In            bool
	Type          TransferType
	Speed         Speed
	MaxPacketSize uint16
	Multi         uint8 // Additional transactions per microframe (0-2)
	Stage         Stage
	Buffer        []byte
	Length        int
	Toggle        uint8
	Split         SplitPhase
	HubAddress    uint8
	HubPort       uint8
	MultiTT       bool // Hub has a transaction translator per port
	OddFrame      bool // Periodic: transfer in odd (micro)frame
}

// FrameMask bounds the frame counter returned by Controller.FrameNumber.
const FrameMask = 0x3FFF

// Controller is the register-level interface of a channel-based OTG host
// controller.
//
// It exposes opaque register operations (interrupt status words, channel
// arm/halt, port control) and leaves every scheduling and protocol decision to
// the driver core. Platform glue implements it on top of mapped registers;
// package sim provides an in-memory model.
//
// Status reads are read-and-clear: a given event is returned exactly once.
// Methods other than WaitForInterrupt must not block.
type Controller interface {
	// Initialization and Lifecycle

	// Init initializes the controller core. A failure here is fatal.
	Init(ctx context.Context) error

	// Start enables the host controller.
	Start() error

	// Stop disables the host controller.
	Stop() error

	// Close releases all resources associated with the HAL.
	Close() error

	// NumChannels returns the number of host channels.
	NumChannels() int

	// NumPorts returns the number of root hub ports.
	NumPorts() int

	// HostMode reports whether the OTG core currently operates as host.
	HostMode() bool

	// Interrupts

	// EnableInterrupts unmasks the global interrupt line.
	EnableInterrupts()

	// DisableInterrupts masks the global interrupt line.
	DisableInterrupts()

	// WaitForInterrupt blocks until the interrupt line asserts or ctx is done.
	WaitForInterrupt(ctx context.Context) error

	// ReadInterrupts reads and clears the global interrupt status.
	ReadInterrupts() InterruptStatus

	// PendingChannels returns a bitmap of channels with latched status.
	PendingChannels() uint32

	// ReadChannel reads and clears the latched status of a channel.
	ReadChannel(ch int) ChannelStatus

	// Channels

	// StartChannel arms a channel with the given program.
	StartChannel(ch int, p *ChannelProgram) error

	// HaltChannel aborts a channel. It returns true only when the channel was
	// stopped before hardware latched a completion for it; in that case no
	// status will be reported for the aborted program. It returns false when
	// abort is unsupported or the completion already latched.
	HaltChannel(ch int) bool

	// FrameNumber returns the current (micro)frame counter, masked by FrameMask.
	FrameNumber() uint16

	// Port Operations

	// GetPortStatus returns the status of a port (1-indexed).
	GetPortStatus(port int) (PortStatus, error)

	// ClearPortChange acknowledges port change bits.
	ClearPortChange(port int, change PortChange) error

	// ResetPort drives reset on a port and enables it afterwards.
	ResetPort(port int) error

	// EnablePort enables or disables a port.
	EnablePort(port int, enable bool) error

	// SetPortPower switches port power.
	SetPortPower(port int, on bool) error

	// SuspendPort places the port in suspend.
	SuspendPort(port int) error

	// ResumePort drives resume signalling on the port.
	ResumePort(port int) error
}
