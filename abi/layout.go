package abi

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// NumGPRs is the number of general purpose registers (X0-X30) carried in
// the shared structures.
const NumGPRs = 31

// NumLRs is the number of GICv3 list registers mirrored in RecRun.
const NumLRs = 16

// NumRecParamGPRs is the number of GPRs initialised through RecParams.
const NumRecParamGPRs = 8

// MaxRecAux is the maximum number of auxiliary granules of a REC.
const MaxRecAux = 16

// RPVSize is the size of the Realm personalization value.
const RPVSize = 64

// RecEntry is the entry half of the RecRun page, written by the host
// before RMI_REC_ENTER.
type RecEntry struct {
	Flags  uint64
	_      [0x200 - 0x008]byte
	GPRs   [NumGPRs]uint64
	_      [0x300 - 0x200 - NumGPRs*8]byte
	GicHCR uint64
	GicLRs [NumLRs]uint64
	_      [0x800 - 0x308 - NumLRs*8]byte
}

// RecExit is the exit half of the RecRun page, written by the Realm
// Manager when a REC returns to the host.
type RecExit struct {
	ExitReason   uint8
	_            [0x100 - 0x001]byte
	ESR          uint64
	FAR          uint64
	HPFAR        uint64
	_            [0x200 - 0x118]byte
	GPRs         [NumGPRs]uint64
	_            [0x300 - 0x200 - NumGPRs*8]byte
	GicHCR       uint64
	GicLRs       [NumLRs]uint64
	GicMISR      uint64
	GicVMCR      uint64
	_            [0x400 - 0x318 - NumLRs*8]byte
	CntpCtl      uint64
	CntpCval     uint64
	CntvCtl      uint64
	CntvCval     uint64
	_            [0x500 - 0x420]byte
	RipasBase    uint64
	RipasTop     uint64
	RipasValue   uint8
	_            [0x600 - 0x511]byte
	Imm          uint16
	_            [0x700 - 0x602]byte
	PMUOvfStatus uint64
	_            [0x800 - 0x708]byte
}

// RecRun is the page shared between host and Realm Manager on every entry
// and exit. Both halves are laid out at fixed byte offsets.
type RecRun struct {
	Entry RecEntry
	Exit  RecExit
}

// RealmParams is the parameter page of RMI_REALM_CREATE.
type RealmParams struct {
	Flags         uint64
	S2SZ          uint8
	_             [0x010 - 0x009]byte
	SVEVL         uint8
	_             [0x018 - 0x011]byte
	NumBPs        uint8
	_             [0x020 - 0x019]byte
	NumWPs        uint8
	_             [0x028 - 0x021]byte
	PMUNumCtrs    uint8
	_             [0x030 - 0x029]byte
	HashAlgo      HashAlgo
	_             [0x400 - 0x031]byte
	RPV           [RPVSize]byte
	_             [0x800 - 0x400 - RPVSize]byte
	VMID          uint16
	_             [0x808 - 0x802]byte
	RTTBase       uint64
	RTTLevelStart int64
	RTTNumStart   uint32
	_             [GranuleSize - 0x81c]byte
}

// RecParams is the parameter page of RMI_REC_CREATE.
type RecParams struct {
	Flags  uint64
	_      [0x100 - 0x008]byte
	MPIDR  uint64
	_      [0x200 - 0x108]byte
	PC     uint64
	_      [0x300 - 0x208]byte
	GPRs   [NumRecParamGPRs]uint64
	_      [0x800 - 0x300 - NumRecParamGPRs*8]byte
	NumAux uint64
	Aux    [MaxRecAux]uint64
	_      [GranuleSize - 0x808 - MaxRecAux*8]byte
}

// HostCall is the guest-side structure passed by IPA to RSI_HOST_CALL.
type HostCall struct {
	Imm  uint16
	_    [0x008 - 0x002]byte
	GPRs [NumGPRs]uint64
	_    [0x100 - 0x008 - NumGPRs*8]byte
}

// RealmConfig is the guest-side structure filled by RSI_REALM_CONFIG.
type RealmConfig struct {
	IPAWidth uint64
	HashAlgo HashAlgo
	_        [GranuleSize - 0x009]byte
}

// Encode serializes one of the fixed layout structures above.
func Encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(binary.Size(v))
	if err := binary.Write(&buf, binary.LittleEndian, v); err != nil {
		return nil, fmt.Errorf("abi: encode %T: %w", v, err)
	}
	return buf.Bytes(), nil
}

// Decode deserializes b into one of the fixed layout structures above.
func Decode(b []byte, v any) error {
	if want := binary.Size(v); len(b) < want {
		return fmt.Errorf("abi: decode %T: short buffer (%d < %d)", v, len(b), want)
	}
	if err := binary.Read(bytes.NewReader(b), binary.LittleEndian, v); err != nil {
		return fmt.Errorf("abi: decode %T: %w", v, err)
	}
	return nil
}
