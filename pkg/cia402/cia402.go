// Package cia402 holds the drive profile state machine definitions
// shared by the controller, the safety node and the simulator.
package cia402

import "fmt"

// Drive states decoded from the status word
type State uint8

const (
	NotReadyToSwitchOn State = iota
	SwitchOnDisabled
	ReadyToSwitchOn
	SwitchedOn
	OperationEnabled
	QuickStopActive
	FaultReactionActive
	Fault
)

var stateMap = map[State]string{
	NotReadyToSwitchOn:  "NOT READY TO SWITCH ON",
	SwitchOnDisabled:    "SWITCH ON DISABLED",
	ReadyToSwitchOn:     "READY TO SWITCH ON",
	SwitchedOn:          "SWITCHED ON",
	OperationEnabled:    "OPERATION ENABLED",
	QuickStopActive:     "QUICK STOP ACTIVE",
	FaultReactionActive: "FAULT REACTION ACTIVE",
	Fault:               "FAULT",
}

func (s State) String() string {
	if desc, ok := stateMap[s]; ok {
		return desc
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

// Status word bits
const (
	StatusReadyToSwitchOn  uint16 = 1 << 0
	StatusSwitchedOn       uint16 = 1 << 1
	StatusOperationEnabled uint16 = 1 << 2
	StatusFault            uint16 = 1 << 3
	StatusVoltageEnabled   uint16 = 1 << 4
	StatusQuickStop        uint16 = 1 << 5
	StatusSwitchOnDisabled uint16 = 1 << 6
	StatusWarning          uint16 = 1 << 7
	StatusRemote           uint16 = 1 << 9
	StatusTargetReached    uint16 = 1 << 10
	StatusLimitActive      uint16 = 1 << 11
	StatusSetpointAck      uint16 = 1 << 12
	StatusFollowingError   uint16 = 1 << 13
	stateMask              uint16 = 0x006F
)

// Control words driving the state machine
const (
	ControlDisableVoltage   uint16 = 0x0000
	ControlQuickStop        uint16 = 0x0002
	ControlShutdown         uint16 = 0x0006
	ControlSwitchOn         uint16 = 0x0007
	ControlEnableOperation  uint16 = 0x000F
	ControlFaultReset       uint16 = 0x0080
	ControlNewSetpoint      uint16 = 0x0010
	ControlChangeImmediatly uint16 = 0x0020
	ControlHalt             uint16 = 0x0100
)

// Modes of operation (0x6060)
type Mode int8

const (
	ModeNone               Mode = 0
	ModeProfilePosition    Mode = 1
	ModeProfileVelocity    Mode = 3
	ModeProfileTorque      Mode = 4
	ModeHoming             Mode = 6
	ModeCyclicSyncPosition Mode = 8
	ModeCyclicSyncVelocity Mode = 9
	ModeCyclicSyncTorque   Mode = 10
)

var modeMap = map[Mode]string{
	ModeNone:               "NONE",
	ModeProfilePosition:    "PP",
	ModeProfileVelocity:    "PV",
	ModeProfileTorque:      "PT",
	ModeHoming:             "HOMING",
	ModeCyclicSyncPosition: "CSP",
	ModeCyclicSyncVelocity: "CSV",
	ModeCyclicSyncTorque:   "CST",
}

func (m Mode) String() string {
	if desc, ok := modeMap[m]; ok {
		return desc
	}
	return fmt.Sprintf("Mode(%d)", int8(m))
}

// Decode drive state from status word
func Decode(status uint16) State {
	switch {
	case status&0x004F == 0x0000:
		return NotReadyToSwitchOn
	case status&0x004F == 0x0040:
		return SwitchOnDisabled
	case status&stateMask == 0x0021:
		return ReadyToSwitchOn
	case status&stateMask == 0x0023:
		return SwitchedOn
	case status&stateMask == 0x0027:
		return OperationEnabled
	case status&stateMask == 0x0007:
		return QuickStopActive
	case status&0x004F == 0x000F:
		return FaultReactionActive
	case status&0x004F == 0x0008:
		return Fault
	}
	// Bit 3 set in any other combination is treated as a fault
	if status&StatusFault != 0 {
		return Fault
	}
	return NotReadyToSwitchOn
}

// Next control word to send for reaching operation enabled from current state
func EnableSequence(state State) uint16 {
	switch state {
	case Fault, FaultReactionActive:
		return ControlFaultReset
	case SwitchOnDisabled, NotReadyToSwitchOn:
		return ControlShutdown
	case ReadyToSwitchOn:
		return ControlSwitchOn
	case SwitchedOn, OperationEnabled:
		return ControlEnableOperation
	case QuickStopActive:
		return ControlDisableVoltage
	}
	return ControlShutdown
}

// StatusWord returns the canonical status word of a state, used by simulated drives
func StatusWord(state State) uint16 {
	switch state {
	case SwitchOnDisabled:
		return 0x0040
	case ReadyToSwitchOn:
		return 0x0021
	case SwitchedOn:
		return 0x0023
	case OperationEnabled:
		return 0x0027
	case QuickStopActive:
		return 0x0007
	case FaultReactionActive:
		return 0x000F
	case Fault:
		return 0x0008
	}
	return 0x0000
}

// Transition applies a control word to a drive state machine, as done by the drive firmware
func Transition(state State, control uint16) State {
	if control&ControlFaultReset != 0 {
		if state == Fault {
			return SwitchOnDisabled
		}
		return state
	}
	switch state {
	case NotReadyToSwitchOn:
		return SwitchOnDisabled
	case SwitchOnDisabled:
		if control&0x0087 == ControlShutdown {
			return ReadyToSwitchOn
		}
	case ReadyToSwitchOn:
		switch {
		case control&0x0002 == 0:
			return SwitchOnDisabled
		case control&0x000F == ControlSwitchOn:
			return SwitchedOn
		case control&0x000F == ControlEnableOperation:
			return OperationEnabled
		}
	case SwitchedOn:
		switch {
		case control&0x0002 == 0:
			return SwitchOnDisabled
		case control&0x000F == ControlShutdown:
			return ReadyToSwitchOn
		case control&0x000F == ControlEnableOperation:
			return OperationEnabled
		}
	case OperationEnabled:
		switch {
		case control&0x0002 == 0:
			return SwitchOnDisabled
		case control&0x0006 == ControlQuickStop:
			return QuickStopActive
		case control&0x000F == ControlShutdown:
			return ReadyToSwitchOn
		case control&0x000F == ControlSwitchOn:
			return SwitchedOn
		}
	case QuickStopActive:
		if control&0x0002 == 0 {
			return SwitchOnDisabled
		}
		if control&0x000F == ControlEnableOperation {
			return OperationEnabled
		}
	case FaultReactionActive:
		return Fault
	}
	return state
}
