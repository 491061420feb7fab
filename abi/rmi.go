package abi

import "fmt"

// Granule geometry. Realms use a 4KB translation granule.
const (
	GranuleShift = 12
	GranuleSize  = 1 << GranuleShift
	GranuleMask  = GranuleSize - 1

	// MaxLevel is the leaf (page) level of the stage 2 tables.
	MaxLevel = 3

	entriesShift = 9
	// EntriesPerTable is the number of descriptors held by one RTT granule.
	EntriesPerTable = 1 << entriesShift

	// maxStartTables is the architectural limit on concatenated start level tables.
	maxStartTables = 16
)

// RMI function identifiers (SMC64, standard secure service range).
const (
	RMIVersion             uint64 = 0xC4000150
	RMIGranuleDelegate     uint64 = 0xC4000151
	RMIGranuleUndelegate   uint64 = 0xC4000152
	RMIDataCreate          uint64 = 0xC4000153
	RMIDataCreateUnknown   uint64 = 0xC4000154
	RMIDataDestroy         uint64 = 0xC4000155
	RMIRealmActivate       uint64 = 0xC4000157
	RMIRealmCreate         uint64 = 0xC4000158
	RMIRealmDestroy        uint64 = 0xC4000159
	RMIRecCreate           uint64 = 0xC400015A
	RMIRecDestroy          uint64 = 0xC400015B
	RMIRecEnter            uint64 = 0xC400015C
	RMIRttCreate           uint64 = 0xC400015D
	RMIRttDestroy          uint64 = 0xC400015E
	RMIRttMapUnprotected   uint64 = 0xC400015F
	RMIRttReadEntry        uint64 = 0xC4000161
	RMIRttUnmapUnprotected uint64 = 0xC4000162
	RMIPsciComplete        uint64 = 0xC4000164
	RMIFeatures            uint64 = 0xC4000165
	RMIRttFold             uint64 = 0xC4000166
	RMIRecAuxCount         uint64 = 0xC4000167
	RMIRttInitRipas        uint64 = 0xC4000168
	RMIRttSetRipas         uint64 = 0xC4000169
)

var rmiNames = map[uint64]string{
	RMIVersion:             "RMI_VERSION",
	RMIGranuleDelegate:     "RMI_GRANULE_DELEGATE",
	RMIGranuleUndelegate:   "RMI_GRANULE_UNDELEGATE",
	RMIDataCreate:          "RMI_DATA_CREATE",
	RMIDataCreateUnknown:   "RMI_DATA_CREATE_UNKNOWN",
	RMIDataDestroy:         "RMI_DATA_DESTROY",
	RMIRealmActivate:       "RMI_REALM_ACTIVATE",
	RMIRealmCreate:         "RMI_REALM_CREATE",
	RMIRealmDestroy:        "RMI_REALM_DESTROY",
	RMIRecCreate:           "RMI_REC_CREATE",
	RMIRecDestroy:          "RMI_REC_DESTROY",
	RMIRecEnter:            "RMI_REC_ENTER",
	RMIRttCreate:           "RMI_RTT_CREATE",
	RMIRttDestroy:          "RMI_RTT_DESTROY",
	RMIRttMapUnprotected:   "RMI_RTT_MAP_UNPROTECTED",
	RMIRttReadEntry:        "RMI_RTT_READ_ENTRY",
	RMIRttUnmapUnprotected: "RMI_RTT_UNMAP_UNPROTECTED",
	RMIPsciComplete:        "RMI_PSCI_COMPLETE",
	RMIFeatures:            "RMI_FEATURES",
	RMIRttFold:             "RMI_RTT_FOLD",
	RMIRecAuxCount:         "RMI_REC_AUX_COUNT",
	RMIRttInitRipas:        "RMI_RTT_INIT_RIPAS",
	RMIRttSetRipas:         "RMI_RTT_SET_RIPAS",
}

// FIDName returns the mnemonic of an RMI or RSI function identifier.
func FIDName(fid uint64) string {
	if n, ok := rmiNames[fid]; ok {
		return n
	}
	if n, ok := rsiNames[fid]; ok {
		return n
	}
	return fmt.Sprintf("FID(0x%08x)", fid)
}

// Status is the low byte of a packed RMI return code.
type Status uint8

const (
	StatusSuccess    Status = 0
	StatusErrorInput Status = 1
	StatusErrorRealm Status = 2
	StatusErrorRec   Status = 3
	StatusErrorRtt   Status = 4
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "RMI_SUCCESS"
	case StatusErrorInput:
		return "RMI_ERROR_INPUT"
	case StatusErrorRealm:
		return "RMI_ERROR_REALM"
	case StatusErrorRec:
		return "RMI_ERROR_REC"
	case StatusErrorRtt:
		return "RMI_ERROR_RTT"
	default:
		return fmt.Sprintf("RMI_STATUS(%d)", uint8(s))
	}
}

// ReturnCode is the value the Realm Manager leaves in X0: status in bits
// [7:0], index in bits [15:8].
type ReturnCode uint64

// PackReturn builds a ReturnCode.
func PackReturn(s Status, index uint8) ReturnCode {
	return ReturnCode(uint64(s) | uint64(index)<<8)
}

func (r ReturnCode) Status() Status { return Status(r & 0xff) }
func (r ReturnCode) Index() uint8   { return uint8(r >> 8) }

// Version is a packed major.minor interface revision.
type Version uint64

// MakeVersion packs major and minor into a Version.
func MakeVersion(major, minor uint16) Version {
	return Version(uint64(major)<<16 | uint64(minor))
}

func (v Version) Major() uint16 { return uint16(v >> 16) }
func (v Version) Minor() uint16 { return uint16(v) }

func (v Version) String() string {
	return fmt.Sprintf("%d.%d", v.Major(), v.Minor())
}

// Interface revisions implemented by this module.
var (
	RMIABIVersion = MakeVersion(1, 0)
	RSIABIVersion = MakeVersion(1, 0)
)

// Ripas is the Realm IPA state of a protected address.
type Ripas uint8

const (
	RipasEmpty     Ripas = 0
	RipasRAM       Ripas = 1
	RipasDestroyed Ripas = 2
)

func (r Ripas) String() string {
	switch r {
	case RipasEmpty:
		return "EMPTY"
	case RipasRAM:
		return "RAM"
	case RipasDestroyed:
		return "DESTROYED"
	default:
		return fmt.Sprintf("RIPAS(%d)", uint8(r))
	}
}

// RttEntryState is the state of an RTT descriptor as reported by RTT_READ_ENTRY.
type RttEntryState uint8

const (
	RttUnassigned   RttEntryState = 0
	RttAssigned     RttEntryState = 1
	RttTable        RttEntryState = 2
	RttUnassignedNS RttEntryState = 3
	RttAssignedNS   RttEntryState = 4
)

// Exit reasons written by the Realm Manager into RecExit.ExitReason.
const (
	ExitSync        uint8 = 0
	ExitIRQ         uint8 = 1
	ExitFIQ         uint8 = 2
	ExitPSCI        uint8 = 3
	ExitRipasChange uint8 = 4
	ExitHostCall    uint8 = 5
	ExitSError      uint8 = 6
)

// REC_ENTER flags.
const (
	RecEnterEmulatedMMIO  uint64 = 1 << 0
	RecEnterInjectSEA     uint64 = 1 << 1
	RecEnterTrapWFI       uint64 = 1 << 2
	RecEnterTrapWFE       uint64 = 1 << 3
	RecEnterRipasResponse uint64 = 1 << 4
)

// RecCreateRunnable marks a REC as runnable at creation.
const RecCreateRunnable uint64 = 1 << 0

// DataMeasureContent asks DATA_CREATE to extend the measurement with the content.
const DataMeasureContent uint64 = 1 << 0

// Realm feature flags carried in RealmParams.Flags.
const (
	RealmFlagLPA2 uint64 = 1 << 0
	RealmFlagSVE  uint64 = 1 << 1
	RealmFlagPMU  uint64 = 1 << 2
)

// HashAlgo selects the measurement algorithm of a Realm.
type HashAlgo uint8

const (
	HashSHA256 HashAlgo = 0
	HashSHA512 HashAlgo = 1
)

func (h HashAlgo) String() string {
	switch h {
	case HashSHA256:
		return "sha256"
	case HashSHA512:
		return "sha512"
	default:
		return fmt.Sprintf("hash(%d)", uint8(h))
	}
}

// LevelShift returns log2 of the address range mapped by one entry at level.
func LevelShift(level int) uint {
	return uint(GranuleShift + entriesShift*(MaxLevel-level))
}

// LevelSize returns the address range mapped by one entry at level.
func LevelSize(level int) uint64 {
	return 1 << LevelShift(level)
}

// AlignDown aligns addr down to the entry size of level.
func AlignDown(addr uint64, level int) uint64 {
	return addr &^ (LevelSize(level) - 1)
}

// IsAligned reports whether addr is aligned to the entry size of level.
func IsAligned(addr uint64, level int) bool {
	return addr&(LevelSize(level)-1) == 0
}

// StartLevel returns the starting RTT level for an IPA width, allowing up to
// 16 concatenated tables at that level.
func StartLevel(ipaBits int) int {
	levels := (ipaBits - 4 - GranuleShift + entriesShift - 1) / entriesShift
	return MaxLevel + 1 - levels
}

// StartTables returns the number of concatenated tables at the start level.
func StartTables(ipaBits int) int {
	shift := ipaBits - int(LevelShift(StartLevel(ipaBits))) - entriesShift
	if shift <= 0 {
		return 1
	}
	n := 1 << shift
	if n > maxStartTables {
		n = maxStartTables
	}
	return n
}

// Features register 0 fields.
const (
	FeatureS2SZShift   = 0
	FeatureS2SZMask    = 0xff
	FeatureLPA2        = 1 << 8
	FeatureSVE         = 1 << 9
	FeatureSVEVLShift  = 10
	FeatureSVEVLMask   = 0xf
	FeaturePMU         = 1 << 22
	FeaturePMUNumShift = 23
	FeaturePMUNumMask  = 0x1f
)
