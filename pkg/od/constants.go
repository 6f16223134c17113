package od

import "errors"

var (
	ErrTypeMismatch = errors.New("data type does not match")
	ErrDataLong     = errors.New("data type does not match, length too high")
	ErrDataShort    = errors.New("data type does not match, length too short")
	ErrUnknownType  = errors.New("unknown data type")
)

// CoE data types, identical to CANopen (CiA 301) ones
const (
	BOOLEAN        uint8 = 0x01
	INTEGER8       uint8 = 0x02
	INTEGER16      uint8 = 0x03
	INTEGER32      uint8 = 0x04
	UNSIGNED8      uint8 = 0x05
	UNSIGNED16     uint8 = 0x06
	UNSIGNED32     uint8 = 0x07
	REAL32         uint8 = 0x08
	VISIBLE_STRING uint8 = 0x09
	OCTET_STRING   uint8 = 0x0A
	DOMAIN         uint8 = 0x0F
	REAL64         uint8 = 0x11
	INTEGER64      uint8 = 0x15
	UNSIGNED64     uint8 = 0x1B
)

var dataTypeNames = map[string]uint8{
	"b":   BOOLEAN,
	"u8":  UNSIGNED8,
	"u16": UNSIGNED16,
	"u32": UNSIGNED32,
	"u64": UNSIGNED64,
	"i8":  INTEGER8,
	"i16": INTEGER16,
	"i32": INTEGER32,
	"i64": INTEGER64,
	"r32": REAL32,
	"r64": REAL64,
	"vs":  VISIBLE_STRING,
	"os":  OCTET_STRING,
}

// DataTypeFromString returns the data type for a short name such as "u16" or "i32"
func DataTypeFromString(name string) (uint8, error) {
	dt, ok := dataTypeNames[name]
	if !ok {
		return 0, ErrUnknownType
	}
	return dt, nil
}

// Size in bits of fixed size data types, 0 for variable length ones
func BitSize(dataType uint8) uint16 {
	switch dataType {
	case BOOLEAN:
		return 1
	case UNSIGNED8, INTEGER8:
		return 8
	case UNSIGNED16, INTEGER16:
		return 16
	case UNSIGNED32, INTEGER32, REAL32:
		return 32
	case UNSIGNED64, INTEGER64, REAL64:
		return 64
	default:
		return 0
	}
}

// IsSigned reports whether raw values of the given type must be sign extended
func IsSigned(dataType uint8) bool {
	switch dataType {
	case INTEGER8, INTEGER16, INTEGER32, INTEGER64:
		return true
	}
	return false
}

// CiA 402 drive profile objects
const (
	IndexErrorCode              uint16 = 0x603F
	IndexControlWord            uint16 = 0x6040
	IndexStatusWord             uint16 = 0x6041
	IndexQuickStopOption        uint16 = 0x605A
	IndexModeOfOperation        uint16 = 0x6060
	IndexModeDisplay            uint16 = 0x6061
	IndexPositionActual         uint16 = 0x6064
	IndexFollowingErrorWindow   uint16 = 0x6065
	IndexVelocityActual         uint16 = 0x606C
	IndexTargetTorque           uint16 = 0x6071
	IndexTorqueActual           uint16 = 0x6077
	IndexTargetPosition         uint16 = 0x607A
	IndexHomeOffset             uint16 = 0x607C
	IndexMaxProfileVelocity     uint16 = 0x607F
	IndexProfileVelocity        uint16 = 0x6081
	IndexProfileAcceleration    uint16 = 0x6083
	IndexProfileDeceleration    uint16 = 0x6084
	IndexQuickStopDeceleration  uint16 = 0x6085
	IndexMotionProfileType      uint16 = 0x6086
	IndexHomingMethod           uint16 = 0x6098
	IndexHomingSpeeds           uint16 = 0x6099
	IndexHomingAcceleration     uint16 = 0x609A
	IndexInterpolationTime      uint16 = 0x60C2
	IndexVelocityControlGains   uint16 = 0x60F9
	IndexDigitalInputs          uint16 = 0x60FD
	IndexDigitalOutputs         uint16 = 0x60FE
	IndexTargetVelocity         uint16 = 0x60FF
	IndexSupportedDriveModes    uint16 = 0x6502
	SubIndexHomingSpeedSwitch   uint8  = 1
	SubIndexHomingSpeedZero     uint8  = 2
	SubIndexVelocityGainP       uint8  = 1
	SubIndexVelocityGainI       uint8  = 2
	SubIndexInterpolationPeriod uint8  = 1
	SubIndexInterpolationIndex  uint8  = 2
)

// Generic digital IO modules
const (
	IndexIOInputs  uint16 = 0x6000
	IndexIOOutputs uint16 = 0x7000
)

// Identity object, read during initialization
const (
	IndexDeviceType     uint16 = 0x1000
	IndexDeviceName     uint16 = 0x1008
	IndexIdentity       uint16 = 0x1018
	SubIndexVendorId    uint8  = 1
	SubIndexProductCode uint8  = 2
	SubIndexRevision    uint8  = 3
	SubIndexSerial      uint8  = 4
)
