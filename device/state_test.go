package device

import (
	"testing"
)

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateAttached, "Attached"},
		{StatePowered, "Powered"},
		{StateDefault, "Default"},
		{StateAddress, "Address"},
		{StateConfigured, "Configured"},
		{StateSuspended, "Suspended"},
		{State(99), "Unknown State (99)"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.state.String(); got != tt.want {
				t.Errorf("State.String() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEndpointState_String(t *testing.T) {
	tests := []struct {
		state EndpointState
		want  string
	}{
		{EndpointDisabled, "disabled"},
		{EndpointRunning, "running"},
		{EndpointHalted, "halted"},
		{EndpointStopped, "stopped"},
		{EndpointError, "error"},
		{EndpointState(42), "endpoint_state(42)"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.state.String(); got != tt.want {
				t.Errorf("EndpointState.String() = %v, want %v", got, tt.want)
			}
		})
	}
}
