package rmi

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/blacktop/go-realm/abi"
)

func TestError(t *testing.T) {
	tests := []struct {
		name     string
		fid      uint64
		status   abi.Status
		index    uint8
		expected string
	}{
		{
			name:     "RMI_SUCCESS",
			fid:      abi.RMIVersion,
			status:   abi.StatusSuccess,
			expected: "rmi: RMI_VERSION: success",
		},
		{
			name:     "RMI_ERROR_INPUT",
			fid:      abi.RMIGranuleDelegate,
			status:   abi.StatusErrorInput,
			expected: "rmi: RMI_GRANULE_DELEGATE: invalid input (RMI_ERROR_INPUT, index 0) - check alignment, address ranges and granule state",
		},
		{
			name:     "RMI_ERROR_REALM",
			fid:      abi.RMIRecEnter,
			status:   abi.StatusErrorRealm,
			index:    1,
			expected: "rmi: RMI_REC_ENTER: realm error (RMI_ERROR_REALM, index 1) - realm descriptor not in a compatible state",
		},
		{
			name:     "RMI_ERROR_REC",
			fid:      abi.RMIRecDestroy,
			status:   abi.StatusErrorRec,
			expected: "rmi: RMI_REC_DESTROY: rec error (RMI_ERROR_REC, index 0) - REC not in a compatible state",
		},
		{
			name:     "RMI_ERROR_RTT",
			fid:      abi.RMIRttInitRipas,
			status:   abi.StatusErrorRtt,
			index:    2,
			expected: "rmi: RMI_RTT_INIT_RIPAS: rtt error (RMI_ERROR_RTT, level 2) - table missing or entry in the wrong state",
		},
		{
			name:     "Unknown status",
			fid:      0xC4000200,
			status:   abi.Status(0x42),
			index:    7,
			expected: "rmi: FID(0xc4000200): unknown status 66 (index 7) - consult the RMM specification",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := &Error{FID: tt.fid, Status: tt.status, Index: tt.index}
			if got := err.Error(); got != tt.expected {
				t.Errorf("Error{%s, %d}.Error() = %q, want %q", tt.status, tt.index, got, tt.expected)
			}
		})
	}
}

func TestErrorSanitized(t *testing.T) {
	t.Setenv("REALM_ENV", "production")

	err := &Error{FID: abi.RMIRttCreate, Status: abi.StatusErrorRtt, Index: 3}
	if got := err.Error(); got != "rmi: rtt error" {
		t.Errorf("sanitized Error() = %q, want %q", got, "rmi: rtt error")
	}
	if strings.Contains(err.Error(), "RMI_RTT_CREATE") {
		t.Error("sanitized message should not name the call")
	}
}

func TestErrorDebugDisabled(t *testing.T) {
	t.Setenv("REALM_DEBUG", "false")
	if !isProductionEnv() {
		t.Error("REALM_DEBUG=false should select sanitized messages")
	}
}

func TestErrorKinds(t *testing.T) {
	tests := []struct {
		status abi.Status
		kind   error
	}{
		{abi.StatusErrorInput, ErrInput},
		{abi.StatusErrorRealm, ErrRealm},
		{abi.StatusErrorRec, ErrRec},
		{abi.StatusErrorRtt, ErrRtt},
	}
	kinds := []error{ErrInput, ErrRealm, ErrRec, ErrRtt}

	for _, tt := range tests {
		t.Run(tt.status.String(), func(t *testing.T) {
			err := fmt.Errorf("wrapped: %w", rmiErr(abi.RMIRttCreate, abi.PackReturn(tt.status, 1)))
			if !errors.Is(err, ErrRmCallFailed) {
				t.Error("every RMI failure should match ErrRmCallFailed")
			}
			for _, k := range kinds {
				if got, want := errors.Is(err, k), k == tt.kind; got != want {
					t.Errorf("errors.Is(%v) = %v, want %v", k, got, want)
				}
			}
			s, idx, ok := StatusOf(err)
			if !ok || s != tt.status || idx != 1 {
				t.Errorf("StatusOf() = %v, %d, %v", s, idx, ok)
			}
		})
	}

	if rmiErr(abi.RMIVersion, abi.PackReturn(abi.StatusSuccess, 9)) != nil {
		t.Error("a success status must not produce an error")
	}
	if _, _, ok := StatusOf(ErrInvalidState); ok {
		t.Error("StatusOf should not match a local error")
	}
}
