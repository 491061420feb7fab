package abi

import "fmt"

// RSI function identifiers, issued by Realm software.
const (
	RSIVersion                  uint64 = 0xC4000190
	RSIMeasurementRead          uint64 = 0xC4000192
	RSIMeasurementExtend        uint64 = 0xC4000193
	RSIAttestationTokenInit     uint64 = 0xC4000194
	RSIAttestationTokenContinue uint64 = 0xC4000195
	RSIRealmConfig              uint64 = 0xC4000196
	RSIIPAStateSet              uint64 = 0xC4000197
	RSIIPAStateGet              uint64 = 0xC4000198
	RSIHostCall                 uint64 = 0xC4000199
)

var rsiNames = map[uint64]string{
	RSIVersion:                  "RSI_VERSION",
	RSIMeasurementRead:          "RSI_MEASUREMENT_READ",
	RSIMeasurementExtend:        "RSI_MEASUREMENT_EXTEND",
	RSIAttestationTokenInit:     "RSI_ATTESTATION_TOKEN_INIT",
	RSIAttestationTokenContinue: "RSI_ATTESTATION_TOKEN_CONTINUE",
	RSIRealmConfig:              "RSI_REALM_CONFIG",
	RSIIPAStateSet:              "RSI_IPA_STATE_SET",
	RSIIPAStateGet:              "RSI_IPA_STATE_GET",
	RSIHostCall:                 "RSI_HOST_CALL",
}

// RSIStatus is the X0 value of an RSI call.
type RSIStatus uint64

const (
	RSISuccess    RSIStatus = 0
	RSIErrorInput RSIStatus = 1
	RSIErrorState RSIStatus = 2
	RSIIncomplete RSIStatus = 3
)

func (s RSIStatus) String() string {
	switch s {
	case RSISuccess:
		return "RSI_SUCCESS"
	case RSIErrorInput:
		return "RSI_ERROR_INPUT"
	case RSIErrorState:
		return "RSI_ERROR_STATE"
	case RSIIncomplete:
		return "RSI_INCOMPLETE"
	default:
		return fmt.Sprintf("RSI_STATUS(%d)", uint64(s))
	}
}

// RSI_IPA_STATE_SET flags and responses.
const (
	RSIChangeDestroyed uint64 = 1 << 0

	RSIAccept uint64 = 0
	RSIReject uint64 = 1
)

// Measurement slots: 0 is the initial measurement, 1-4 are extensible.
const (
	MeasurementSlots   = 5
	MaxMeasurementSize = 64
)

// HostCallImmExit asks the host to stop the Realm with the result in GPR0.
// HostCallImmSharedRegion asks the host for the base and size of a shared
// (unprotected) buffer in GPR0 and GPR1.
const (
	HostCallImmExit         uint16 = 0x0
	HostCallImmSharedRegion uint16 = 0x1
)
