package pkg

import (
	"errors"
	"fmt"
	"testing"
)

func TestTransferStatus_String(t *testing.T) {
	tests := []struct {
		status TransferStatus
		want   string
	}{
		{TransferStatusSuccess, "success"},
		{TransferStatusError, "error"},
		{TransferStatusStall, "stall"},
		{TransferStatusShort, "short"},
		{TransferStatusCancelled, "cancelled"},
		{TransferStatusShutdown, "shutdown"},
		{TransferStatusOverrun, "overrun"},
		{TransferStatusUnderrun, "underrun"},
		{TransferStatus(99), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.status.String(); got != tt.want {
				t.Errorf("TransferStatus.String() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTransferStatus_Error(t *testing.T) {
	tests := []struct {
		status  TransferStatus
		wantErr error
	}{
		{TransferStatusSuccess, nil},
		{TransferStatusStall, ErrStall},
		{TransferStatusShort, ErrShortPacket},
		{TransferStatusCancelled, ErrCancelled},
		{TransferStatusShutdown, ErrShutdown},
		{TransferStatusOverrun, ErrOverrun},
		{TransferStatusUnderrun, ErrUnderrun},
		{TransferStatusError, ErrProtocol},
	}

	for _, tt := range tests {
		t.Run(tt.status.String(), func(t *testing.T) {
			err := tt.status.Error()
			if tt.wantErr == nil && err != nil {
				t.Errorf("TransferStatus.Error() = %v, want nil", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("TransferStatus.Error() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestStatusOf(t *testing.T) {
	tests := []struct {
		err  error
		want TransferStatus
	}{
		{nil, TransferStatusSuccess},
		{ErrStall, TransferStatusStall},
		{fmt.Errorf("ep1in: %w", ErrStall), TransferStatusStall},
		{ErrCancelled, TransferStatusCancelled},
		{ErrConnReset, TransferStatusShutdown},
		{ErrShutdown, TransferStatusShutdown},
		{ErrBabble, TransferStatusError},
		{ErrTransaction, TransferStatusError},
	}

	for _, tt := range tests {
		if got := StatusOf(tt.err); got != tt.want {
			t.Errorf("StatusOf(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestSentinelErrors(t *testing.T) {
	// Verify all sentinel errors are distinct
	errs := []error{
		ErrStall,
		ErrBabble,
		ErrTransaction,
		ErrBuffer,
		ErrShortPacket,
		ErrCancelled,
		ErrConnReset,
		ErrShutdown,
		ErrOverrun,
		ErrUnderrun,
		ErrMissedService,
		ErrProtocol,
		ErrTimeout,
		ErrAborted,
		ErrRingStopped,
		ErrNoDevice,
		ErrNoSlots,
		ErrBandwidth,
		ErrResource,
		ErrContextState,
		ErrParameter,
		ErrTRB,
		ErrNoMemory,
		ErrRingFull,
		ErrInvalidEndpoint,
		ErrInvalidState,
		ErrInvalidParameter,
		ErrInvalidRequest,
		ErrNotFound,
		ErrNotSupported,
		ErrBusy,
		ErrAlreadyRunning,
		ErrNotRunning,
		ErrSetupPacketTooShort,
		ErrDoubleRelease,
	}

	for i, err1 := range errs {
		if err1 == nil {
			t.Errorf("error %d is nil", i)
			continue
		}
		for j, err2 := range errs {
			if i != j && errors.Is(err1, err2) {
				t.Errorf("error %d and %d are equal", i, j)
			}
		}
	}
}

func TestErrorMessages(t *testing.T) {
	tests := []struct {
		err     error
		wantMsg string
	}{
		{ErrStall, "endpoint stalled"},
		{ErrTimeout, "operation timed out"},
		{ErrNoDevice, "device not present"},
		{ErrBandwidth, "insufficient bandwidth"},
		{ErrConnReset, "connection reset"},
	}

	for _, tt := range tests {
		t.Run(tt.wantMsg, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantMsg {
				t.Errorf("error.Error() = %v, want %v", got, tt.wantMsg)
			}
		})
	}
}
