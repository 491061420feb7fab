package rmi

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/blacktop/go-realm/abi"
)

// Error kinds. An *Error matches the kind of its status with errors.Is, so
// callers classify failures without looking at raw status codes.
var (
	// ErrRmCallFailed matches every error returned by the Realm Manager.
	ErrRmCallFailed = errors.New("rmi: realm manager call failed")
	// ErrInput is an invalid argument; retrying with the same arguments cannot succeed.
	ErrInput = errors.New("rmi: input error")
	// ErrRealm is a Realm object in a state incompatible with the request.
	ErrRealm = errors.New("rmi: realm error")
	// ErrRec is a REC specific rejection.
	ErrRec = errors.New("rmi: rec error")
	// ErrRtt is an RTT specific rejection (missing or non-empty table).
	ErrRtt = errors.New("rmi: rtt error")

	// ErrResourceExhausted is a host allocation failure; retry after freeing resources.
	ErrResourceExhausted = errors.New("rmi: resources exhausted")
	// ErrProtocolMismatch is a version negotiation failure.
	ErrProtocolMismatch = errors.New("rmi: protocol version mismatch")
	// ErrInvalidState is an operation attempted in the wrong lifecycle state.
	ErrInvalidState = errors.New("rmi: invalid state")
	// ErrInvalidRange is a misaligned address or a range crossing the
	// protected/unprotected split.
	ErrInvalidRange = errors.New("rmi: invalid address range")
)

// Error wraps a non-successful RMI return code.
// Index identifies the offending argument or entity (for RttError, the
// level at which the table walk stopped).
type Error struct {
	FID     uint64
	Status  abi.Status
	Index   uint8
	message string // Optional custom message for specific errors
}

func (e *Error) Error() string {
	if e.message != "" {
		return e.message
	}

	if isProductionEnv() {
		return e.sanitizedError()
	}
	return e.detailedError()
}

// detailedError provides full error context for development
func (e *Error) detailedError() string {
	call := abi.FIDName(e.FID)
	switch e.Status {
	case abi.StatusSuccess:
		return fmt.Sprintf("rmi: %s: success", call)
	case abi.StatusErrorInput:
		return fmt.Sprintf("rmi: %s: invalid input (RMI_ERROR_INPUT, index %d) - check alignment, address ranges and granule state", call, e.Index)
	case abi.StatusErrorRealm:
		return fmt.Sprintf("rmi: %s: realm error (RMI_ERROR_REALM, index %d) - realm descriptor not in a compatible state", call, e.Index)
	case abi.StatusErrorRec:
		return fmt.Sprintf("rmi: %s: rec error (RMI_ERROR_REC, index %d) - REC not in a compatible state", call, e.Index)
	case abi.StatusErrorRtt:
		return fmt.Sprintf("rmi: %s: rtt error (RMI_ERROR_RTT, level %d) - table missing or entry in the wrong state", call, e.Index)
	default:
		return fmt.Sprintf("rmi: %s: unknown status %d (index %d) - consult the RMM specification", call, uint8(e.Status), e.Index)
	}
}

// sanitizedError provides minimal error information for production
func (e *Error) sanitizedError() string {
	switch e.Status {
	case abi.StatusSuccess:
		return "rmi: success"
	case abi.StatusErrorInput:
		return "rmi: invalid input"
	case abi.StatusErrorRealm:
		return "rmi: realm error"
	case abi.StatusErrorRec:
		return "rmi: rec error"
	case abi.StatusErrorRtt:
		return "rmi: rtt error"
	default:
		return "rmi: realm manager error"
	}
}

// Is maps the status of e onto the error kinds above.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrRmCallFailed:
		return true
	case ErrInput:
		return e.Status == abi.StatusErrorInput
	case ErrRealm:
		return e.Status == abi.StatusErrorRealm
	case ErrRec:
		return e.Status == abi.StatusErrorRec
	case ErrRtt:
		return e.Status == abi.StatusErrorRtt
	}
	return false
}

// StatusOf extracts the status and index of an RMI failure anywhere in
// err's chain.
func StatusOf(err error) (abi.Status, uint8, bool) {
	var e *Error
	if !errors.As(err, &e) {
		return abi.StatusSuccess, 0, false
	}
	return e.Status, e.Index, true
}

// isProductionEnv checks if we're running in production environment
func isProductionEnv() bool {
	env := os.Getenv("REALM_ENV")
	if env == "production" || env == "prod" {
		return true
	}

	// Check if debug mode is explicitly disabled
	if debug := os.Getenv("REALM_DEBUG"); debug != "" {
		if val, err := strconv.ParseBool(debug); err == nil && !val {
			return true
		}
	}

	return false
}

func rmiErr(fid uint64, rc abi.ReturnCode) error {
	if rc.Status() == abi.StatusSuccess {
		return nil
	}
	return &Error{FID: fid, Status: rc.Status(), Index: rc.Index()}
}
