package device

import "fmt"

// Device states as defined in USB 2.0 specification section 9.1.
const (
	StateAttached   State = 0 // Cable attached, controller not running
	StatePowered    State = 1 // Controller running, no host seen yet
	StateDefault    State = 2 // Slot enabled after a bus reset, default address
	StateAddress    State = 3 // Host assigned a unique address
	StateConfigured State = 4 // At least one non-control endpoint committed
	StateSuspended  State = 5 // Link in U3
)

// State represents USB device state.
type State uint8

// String returns a human-readable state description.
func (s State) String() string {
	switch s {
	case StateAttached:
		return "Attached"
	case StatePowered:
		return "Powered"
	case StateDefault:
		return "Default"
	case StateAddress:
		return "Address"
	case StateConfigured:
		return "Configured"
	case StateSuspended:
		return "Suspended"
	default:
		return fmt.Sprintf("Unknown State (%d)", s)
	}
}

// EndpointState is the transfer state of an endpoint.
//
//	Disabled → Running ⇄ Halted
//	Running → Stopped → Running
type EndpointState uint8

// Endpoint states.
const (
	EndpointDisabled EndpointState = iota // no ring committed
	EndpointRunning                       // doorbell rung, controller consuming
	EndpointHalted                        // stalled or halted by a transfer error
	EndpointStopped                       // stopped by Stop Endpoint or Reset Endpoint
	EndpointError                         // controller reported the context in error state
)

// String returns the state name.
func (s EndpointState) String() string {
	switch s {
	case EndpointDisabled:
		return "disabled"
	case EndpointRunning:
		return "running"
	case EndpointHalted:
		return "halted"
	case EndpointStopped:
		return "stopped"
	case EndpointError:
		return "error"
	default:
		return fmt.Sprintf("endpoint_state(%d)", uint8(s))
	}
}
