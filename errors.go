package ecat

import (
	"errors"
	"fmt"
)

var (
	ErrIllegalArgument = errors.New("error in function arguments")
	ErrTimeout         = errors.New("function timeout")
	ErrInvalidState    = errors.New("command can't be processed in the current state")
	ErrNotConnected    = errors.New("link is not connected")
)

// NoSlave is used when an error concerns the whole segment
const NoSlave = -1

// Communication errors are raised by the master and the links.
// They always lead to a lifecycle demotion.
type CommKind uint8

const (
	CommFrameTimeout CommKind = iota + 1
	CommMalformed
	CommWorkingCounter
	CommSlaveUnresponsive
	CommSlaveCount
	CommLinkDown
)

var commKindDescription = map[CommKind]string{
	CommFrameTimeout:      "frame not returned in time",
	CommMalformed:         "malformed frame",
	CommWorkingCounter:    "unexpected working counter",
	CommSlaveUnresponsive: "slave unresponsive",
	CommSlaveCount:        "responding slaves do not match configuration",
	CommLinkDown:          "link down",
}

func (k CommKind) String() string {
	if desc, ok := commKindDescription[k]; ok {
		return desc
	}
	return fmt.Sprintf("comm error (%d)", uint8(k))
}

type CommError struct {
	Kind  CommKind
	Slave int
	Err   error
}

func NewCommError(kind CommKind, slave int, cause error) *CommError {
	return &CommError{Kind: kind, Slave: slave, Err: cause}
}

func (e *CommError) Error() string {
	msg := "comm error : " + e.Kind.String()
	if e.Slave != NoSlave {
		msg += fmt.Sprintf(" (slave %d)", e.Slave)
	}
	if e.Err != nil {
		msg += " : " + e.Err.Error()
	}
	return msg
}

func (e *CommError) Unwrap() error { return e.Err }

// Is matches on kind only so that sentinels below can be used with [errors.Is]
func (e *CommError) Is(target error) bool {
	t, ok := target.(*CommError)
	return ok && t.Kind == e.Kind
}

var (
	ErrFrameTimeout      = &CommError{Kind: CommFrameTimeout, Slave: NoSlave}
	ErrMalformed         = &CommError{Kind: CommMalformed, Slave: NoSlave}
	ErrWorkingCounter    = &CommError{Kind: CommWorkingCounter, Slave: NoSlave}
	ErrSlaveUnresponsive = &CommError{Kind: CommSlaveUnresponsive, Slave: NoSlave}
	ErrSlaveCount        = &CommError{Kind: CommSlaveCount, Slave: NoSlave}
	ErrLinkDown          = &CommError{Kind: CommLinkDown, Slave: NoSlave}
)

// Control errors reject a command at the controller boundary.
// The previous command stays in effect.
type ControlKind uint8

const (
	ControlLimitViolation ControlKind = iota + 1
	ControlInputStale
	ControlInvalidTransition
	ControlInvalidParameter
)

var controlKindDescription = map[ControlKind]string{
	ControlLimitViolation:    "limit violation",
	ControlInputStale:        "operator input stale",
	ControlInvalidTransition: "invalid mode transition",
	ControlInvalidParameter:  "invalid parameter",
}

func (k ControlKind) String() string {
	if desc, ok := controlKindDescription[k]; ok {
		return desc
	}
	return fmt.Sprintf("control error (%d)", uint8(k))
}

type ControlError struct {
	Kind   ControlKind
	Axis   string
	Detail string
}

func NewControlError(kind ControlKind, axis string, format string, args ...any) *ControlError {
	return &ControlError{Kind: kind, Axis: axis, Detail: fmt.Sprintf(format, args...)}
}

func (e *ControlError) Error() string {
	msg := "control error : " + e.Kind.String()
	if e.Axis != "" {
		msg += " (axis " + e.Axis + ")"
	}
	if e.Detail != "" {
		msg += " : " + e.Detail
	}
	return msg
}

func (e *ControlError) Is(target error) bool {
	t, ok := target.(*ControlError)
	return ok && t.Kind == e.Kind
}

var (
	ErrLimitViolation    = &ControlError{Kind: ControlLimitViolation}
	ErrInputStale        = &ControlError{Kind: ControlInputStale}
	ErrInvalidTransition = &ControlError{Kind: ControlInvalidTransition}
	ErrInvalidParameter  = &ControlError{Kind: ControlInvalidParameter}
)

// Safety faults force fail-safe outputs until acknowledged
type SafetyKind uint8

const (
	SafetyLimitBreach SafetyKind = iota + 1
	SafetyWatchdog
	SafetyOverrunStreak
	SafetyEmergencyStop
	SafetyDriveFault
)

var safetyKindDescription = map[SafetyKind]string{
	SafetyLimitBreach:   "output outside hard limits",
	SafetyWatchdog:      "communication watchdog expired",
	SafetyOverrunStreak: "too many consecutive overruns",
	SafetyEmergencyStop: "emergency stop",
	SafetyDriveFault:    "drive fault",
}

func (k SafetyKind) String() string {
	if desc, ok := safetyKindDescription[k]; ok {
		return desc
	}
	return fmt.Sprintf("safety fault (%d)", uint8(k))
}

type SafetyFault struct {
	Kind   SafetyKind
	Slave  int
	Detail string
}

func NewSafetyFault(kind SafetyKind, slave int, format string, args ...any) *SafetyFault {
	return &SafetyFault{Kind: kind, Slave: slave, Detail: fmt.Sprintf(format, args...)}
}

func (f *SafetyFault) Error() string {
	msg := "safety fault : " + f.Kind.String()
	if f.Slave != NoSlave {
		msg += fmt.Sprintf(" (slave %d)", f.Slave)
	}
	if f.Detail != "" {
		msg += " : " + f.Detail
	}
	return msg
}

func (f *SafetyFault) Is(target error) bool {
	t, ok := target.(*SafetyFault)
	return ok && t.Kind == f.Kind
}

var (
	ErrLimitBreach   = &SafetyFault{Kind: SafetyLimitBreach, Slave: NoSlave}
	ErrWatchdog      = &SafetyFault{Kind: SafetyWatchdog, Slave: NoSlave}
	ErrOverrunStreak = &SafetyFault{Kind: SafetyOverrunStreak, Slave: NoSlave}
	ErrEmergencyStop = &SafetyFault{Kind: SafetyEmergencyStop, Slave: NoSlave}
	ErrDriveFault    = &SafetyFault{Kind: SafetyDriveFault, Slave: NoSlave}
)
