package pkg

import "errors"

// Transfer errors reported to request completions.
var (
	// ErrStall indicates an endpoint stall condition.
	ErrStall = errors.New("endpoint stalled")

	// ErrBabble indicates the host sent more data than the transfer expected.
	ErrBabble = errors.New("babble detected")

	// ErrTransaction indicates a USB transaction error.
	ErrTransaction = errors.New("transaction error")

	// ErrBuffer indicates a data buffer overrun or underrun inside the controller.
	ErrBuffer = errors.New("data buffer error")

	// ErrShortPacket indicates a transfer ended with a short packet when the
	// request asked for that to be treated as an error.
	ErrShortPacket = errors.New("short packet")

	// ErrCancelled indicates a cancelled transfer.
	ErrCancelled = errors.New("transfer cancelled")

	// ErrConnReset indicates requests were flushed by a controller reset or failure.
	ErrConnReset = errors.New("connection reset")

	// ErrShutdown indicates the controller is halted, dying, or disconnected.
	ErrShutdown = errors.New("controller shut down")

	// ErrOverrun indicates an isochronous ring overrun.
	ErrOverrun = errors.New("ring overrun")

	// ErrUnderrun indicates an isochronous ring underrun.
	ErrUnderrun = errors.New("ring underrun")

	// ErrMissedService indicates an isochronous service interval was missed.
	ErrMissedService = errors.New("missed service interval")

	// ErrProtocol indicates a protocol violation by hardware or software.
	ErrProtocol = errors.New("protocol error")
)

// Command and controller errors.
var (
	// ErrTimeout indicates an operation did not complete in time.
	ErrTimeout = errors.New("operation timed out")

	// ErrAborted indicates a command was aborted on the command ring.
	ErrAborted = errors.New("command aborted")

	// ErrRingStopped indicates the command ring stopped before the command ran.
	ErrRingStopped = errors.New("command ring stopped")

	// ErrNoDevice indicates the hardware is not present.
	ErrNoDevice = errors.New("device not present")

	// ErrNoSlots indicates the controller has no free device slots.
	ErrNoSlots = errors.New("no device slots available")

	// ErrBandwidth indicates insufficient bandwidth for the endpoint set.
	ErrBandwidth = errors.New("insufficient bandwidth")

	// ErrResource indicates the controller ran out of internal resources.
	ErrResource = errors.New("controller resources exhausted")

	// ErrContextState indicates a command was issued in the wrong context state.
	ErrContextState = errors.New("context state error")

	// ErrParameter indicates a context field was rejected by the controller.
	ErrParameter = errors.New("context parameter error")

	// ErrTRB indicates the controller rejected a malformed TRB.
	ErrTRB = errors.New("TRB error")

	// ErrNoMemory indicates insufficient memory.
	ErrNoMemory = errors.New("insufficient memory")

	// ErrRingFull indicates a ring cannot accept more TRBs.
	ErrRingFull = errors.New("ring full")
)

// Caller errors.
var (
	// ErrInvalidEndpoint indicates an invalid endpoint address or index.
	ErrInvalidEndpoint = errors.New("invalid endpoint")

	// ErrInvalidState indicates an invalid state for the operation.
	ErrInvalidState = errors.New("invalid state")

	// ErrInvalidParameter indicates an invalid parameter was provided.
	ErrInvalidParameter = errors.New("invalid parameter")

	// ErrInvalidRequest indicates an invalid or unsupported request.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrNotFound indicates a lookup did not match anything.
	ErrNotFound = errors.New("not found")

	// ErrNotSupported indicates an unsupported operation or feature.
	ErrNotSupported = errors.New("not supported")

	// ErrBusy indicates the resource is busy.
	ErrBusy = errors.New("resource busy")

	// ErrAlreadyRunning indicates the controller is already running.
	ErrAlreadyRunning = errors.New("already running")

	// ErrNotRunning indicates the controller is not running.
	ErrNotRunning = errors.New("not running")

	// ErrSetupPacketTooShort indicates the setup packet data is too short.
	ErrSetupPacketTooShort = errors.New("setup packet too short")

	// ErrDoubleRelease indicates a DMA mapping was released twice.
	ErrDoubleRelease = errors.New("buffer released twice")

	// ErrDescriptorTooShort indicates descriptor data is shorter than its type requires.
	ErrDescriptorTooShort = errors.New("descriptor too short")

	// ErrDescriptorTypeMismatch indicates descriptor data of an unexpected type.
	ErrDescriptorTypeMismatch = errors.New("descriptor type mismatch")
)

// TransferStatus represents the completion status of a request.
type TransferStatus int

// Transfer status values.
const (
	TransferStatusSuccess   TransferStatus = iota // Transfer completed successfully
	TransferStatusError                           // Transfer failed with error
	TransferStatusStall                           // Endpoint stalled
	TransferStatusShort                           // Short packet treated as error
	TransferStatusCancelled                       // Transfer was cancelled
	TransferStatusShutdown                        // Controller died or disconnected
	TransferStatusOverrun                         // Data overrun
	TransferStatusUnderrun                        // Data underrun
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
	case TransferStatusShort:
		return "short"
	case TransferStatusCancelled:
		return "cancelled"
	case TransferStatusShutdown:
		return "shutdown"
	case TransferStatusOverrun:
		return "overrun"
	case TransferStatusUnderrun:
		return "underrun"
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
	case TransferStatusShort:
		return ErrShortPacket
	case TransferStatusCancelled:
		return ErrCancelled
	case TransferStatusShutdown:
		return ErrShutdown
	case TransferStatusOverrun:
		return ErrOverrun
	case TransferStatusUnderrun:
		return ErrUnderrun
	default:
		return ErrProtocol
	}
}

// StatusOf converts an error to a transfer status.
func StatusOf(err error) TransferStatus {
	switch {
	case err == nil:
		return TransferStatusSuccess
	case errors.Is(err, ErrStall):
		return TransferStatusStall
	case errors.Is(err, ErrShortPacket):
		return TransferStatusShort
	case errors.Is(err, ErrCancelled):
		return TransferStatusCancelled
	case errors.Is(err, ErrShutdown), errors.Is(err, ErrConnReset):
		return TransferStatusShutdown
	case errors.Is(err, ErrOverrun):
		return TransferStatusOverrun
	case errors.Is(err, ErrUnderrun):
		return TransferStatusUnderrun
	default:
		return TransferStatusError
	}
}
