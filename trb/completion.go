package trb

import (
	"fmt"

	"github.com/ardnew/usbssp/pkg"
)

// CompletionCode is the status reported in field 2 of every event TRB.
type CompletionCode uint8

// Completion codes.
const (
	CodeInvalid              CompletionCode = 0
	CodeSuccess              CompletionCode = 1
	CodeDataBuffer           CompletionCode = 2
	CodeBabble               CompletionCode = 3
	CodeTransaction          CompletionCode = 4
	CodeTRB                  CompletionCode = 5
	CodeStall                CompletionCode = 6
	CodeResource             CompletionCode = 7
	CodeBandwidth            CompletionCode = 8
	CodeNoSlots              CompletionCode = 9
	CodeInvalidStreamType    CompletionCode = 10
	CodeSlotNotEnabled       CompletionCode = 11
	CodeEndpointNotEnabled   CompletionCode = 12
	CodeShortPacket          CompletionCode = 13
	CodeRingUnderrun         CompletionCode = 14
	CodeRingOverrun          CompletionCode = 15
	CodeVFEventRingFull      CompletionCode = 16
	CodeParameter            CompletionCode = 17
	CodeBandwidthOverrun     CompletionCode = 18
	CodeContextState         CompletionCode = 19
	CodeNoPingResponse       CompletionCode = 20
	CodeEventRingFull        CompletionCode = 21
	CodeIncompatibleDevice   CompletionCode = 22
	CodeMissedService        CompletionCode = 23
	CodeCommandRingStopped   CompletionCode = 24
	CodeCommandAborted       CompletionCode = 25
	CodeStopped              CompletionCode = 26
	CodeStoppedLengthInvalid CompletionCode = 27
	CodeStoppedShortPacket   CompletionCode = 28
	CodeMaxExitLatency       CompletionCode = 29
	CodeIsochBufferOverrun   CompletionCode = 31
	CodeEventLost            CompletionCode = 32
	CodeUndefined            CompletionCode = 33
	CodeInvalidStreamID      CompletionCode = 34
	CodeSecondaryBandwidth   CompletionCode = 35
	CodeSplitTransaction     CompletionCode = 36
)

var codeNames = map[CompletionCode]string{
	CodeInvalid:              "invalid",
	CodeSuccess:              "success",
	CodeDataBuffer:           "data_buffer_error",
	CodeBabble:               "babble",
	CodeTransaction:          "transaction_error",
	CodeTRB:                  "trb_error",
	CodeStall:                "stall",
	CodeResource:             "resource_error",
	CodeBandwidth:            "bandwidth_error",
	CodeNoSlots:              "no_slots",
	CodeInvalidStreamType:    "invalid_stream_type",
	CodeSlotNotEnabled:       "slot_not_enabled",
	CodeEndpointNotEnabled:   "endpoint_not_enabled",
	CodeShortPacket:          "short_packet",
	CodeRingUnderrun:         "ring_underrun",
	CodeRingOverrun:          "ring_overrun",
	CodeVFEventRingFull:      "vf_event_ring_full",
	CodeParameter:            "parameter_error",
	CodeBandwidthOverrun:     "bandwidth_overrun",
	CodeContextState:         "context_state_error",
	CodeNoPingResponse:       "no_ping_response",
	CodeEventRingFull:        "event_ring_full",
	CodeIncompatibleDevice:   "incompatible_device",
	CodeMissedService:        "missed_service",
	CodeCommandRingStopped:   "command_ring_stopped",
	CodeCommandAborted:       "command_aborted",
	CodeStopped:              "stopped",
	CodeStoppedLengthInvalid: "stopped_length_invalid",
	CodeStoppedShortPacket:   "stopped_short_packet",
	CodeMaxExitLatency:       "max_exit_latency",
	CodeIsochBufferOverrun:   "isoch_buffer_overrun",
	CodeEventLost:            "event_lost",
	CodeUndefined:            "undefined",
	CodeInvalidStreamID:      "invalid_stream_id",
	CodeSecondaryBandwidth:   "secondary_bandwidth",
	CodeSplitTransaction:     "split_transaction_error",
}

// String returns the completion code name.
func (c CompletionCode) String() string {
	if s, ok := codeNames[c]; ok {
		return s
	}
	return fmt.Sprintf("code(%d)", uint8(c))
}

// IsStopped reports whether c is one of the stop-endpoint transfer codes.
func (c CompletionCode) IsStopped() bool {
	return c == CodeStopped || c == CodeStoppedLengthInvalid || c == CodeStoppedShortPacket
}

// HaltsEndpoint reports whether the controller halts the endpoint after
// reporting c on a transfer.
func (c CompletionCode) HaltsEndpoint() bool {
	switch c {
	case CodeStall, CodeBabble, CodeTransaction, CodeSplitTransaction:
		return true
	}
	return false
}

// Err maps c to a sentinel error. Success and short packet map to nil.
func (c CompletionCode) Err() error {
	switch c {
	case CodeSuccess, CodeShortPacket:
		return nil
	case CodeStall:
		return pkg.ErrStall
	case CodeBabble:
		return pkg.ErrBabble
	case CodeTransaction, CodeSplitTransaction, CodeNoPingResponse:
		return pkg.ErrTransaction
	case CodeDataBuffer, CodeIsochBufferOverrun:
		return pkg.ErrBuffer
	case CodeTRB:
		return pkg.ErrTRB
	case CodeResource:
		return pkg.ErrResource
	case CodeBandwidth, CodeBandwidthOverrun, CodeSecondaryBandwidth:
		return pkg.ErrBandwidth
	case CodeNoSlots:
		return pkg.ErrNoSlots
	case CodeSlotNotEnabled, CodeEndpointNotEnabled, CodeContextState:
		return pkg.ErrContextState
	case CodeParameter, CodeInvalidStreamType, CodeInvalidStreamID, CodeMaxExitLatency:
		return pkg.ErrParameter
	case CodeRingUnderrun:
		return pkg.ErrUnderrun
	case CodeRingOverrun:
		return pkg.ErrOverrun
	case CodeMissedService:
		return pkg.ErrMissedService
	case CodeCommandAborted:
		return pkg.ErrAborted
	case CodeCommandRingStopped:
		return pkg.ErrRingStopped
	case CodeStopped, CodeStoppedLengthInvalid, CodeStoppedShortPacket:
		return pkg.ErrCancelled
	default:
		return pkg.ErrProtocol
	}
}
