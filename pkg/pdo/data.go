package pdo

import (
	"time"

	"github.com/samsamfire/goecat/pkg/od"
)

// ReceivedData is the decoded input snapshot of one slave for one cycle.
// A new value is produced every cycle, a published value is never modified.
type ReceivedData struct {
	Slave          int
	Cycle          uint64
	Timestamp      time.Time
	StatusWord     uint16
	ModeDisplay    int8
	ActualPosition int32
	ActualVelocity int32
	ActualTorque   int16
	DigitalInputs  uint32
	ErrorCode      uint16
}

// Command holds the outputs of one slave for one cycle
type Command struct {
	ControlWord     uint16
	ModeOfOperation int8
	TargetPosition  int32
	TargetVelocity  int32
	TargetTorque    int16
	DigitalOutputs  uint32
}

func (m *Mapping) read(dir Direction, region []byte, index uint16, subindex uint8) uint64 {
	e, ok := m.Find(dir, index, subindex)
	if !ok {
		return 0
	}
	v, _ := e.Read(region)
	return v
}

func (m *Mapping) write(dir Direction, region []byte, index uint16, subindex uint8, v uint64) error {
	e, ok := m.Find(dir, index, subindex)
	if !ok {
		return nil
	}
	return e.Write(region, v)
}

// Digital inputs can be mapped either from a drive or from an IO module
func (m *Mapping) digital(dir Direction) (Entry, bool) {
	driveIndex, ioIndex := od.IndexDigitalInputs, od.IndexIOInputs
	driveSub := uint8(0)
	if dir == Output {
		driveIndex, ioIndex = od.IndexDigitalOutputs, od.IndexIOOutputs
		driveSub = 1
	}
	if e, ok := m.Find(dir, driveIndex, driveSub); ok {
		return e, true
	}
	return m.Find(dir, ioIndex, 1)
}

// EncodeCommand writes outputs into the output region of the slave.
// Objects that are not mapped are skipped.
func (m *Mapping) EncodeCommand(cmd Command, region []byte) error {
	fields := []struct {
		index uint16
		sub   uint8
		value uint64
	}{
		{od.IndexControlWord, 0, uint64(cmd.ControlWord)},
		{od.IndexModeOfOperation, 0, uint64(cmd.ModeOfOperation)},
		{od.IndexTargetPosition, 0, uint64(cmd.TargetPosition)},
		{od.IndexTargetVelocity, 0, uint64(cmd.TargetVelocity)},
		{od.IndexTargetTorque, 0, uint64(cmd.TargetTorque)},
	}
	for _, f := range fields {
		if err := m.write(Output, region, f.index, f.sub, f.value); err != nil {
			return err
		}
	}
	if e, ok := m.digital(Output); ok {
		return e.Write(region, uint64(cmd.DigitalOutputs))
	}
	return nil
}

// DecodeCommand is the slave side counterpart of [Mapping.EncodeCommand]
func (m *Mapping) DecodeCommand(region []byte) Command {
	cmd := Command{
		ControlWord:     uint16(m.read(Output, region, od.IndexControlWord, 0)),
		ModeOfOperation: int8(m.read(Output, region, od.IndexModeOfOperation, 0)),
		TargetPosition:  int32(m.read(Output, region, od.IndexTargetPosition, 0)),
		TargetVelocity:  int32(m.read(Output, region, od.IndexTargetVelocity, 0)),
		TargetTorque:    int16(m.read(Output, region, od.IndexTargetTorque, 0)),
	}
	if e, ok := m.digital(Output); ok {
		v, _ := e.Read(region)
		cmd.DigitalOutputs = uint32(v)
	}
	return cmd
}

// EncodeInputs is used on the slave side to fill the input region
func (m *Mapping) EncodeInputs(rx ReceivedData, region []byte) error {
	fields := []struct {
		index uint16
		value uint64
	}{
		{od.IndexStatusWord, uint64(rx.StatusWord)},
		{od.IndexModeDisplay, uint64(rx.ModeDisplay)},
		{od.IndexPositionActual, uint64(rx.ActualPosition)},
		{od.IndexVelocityActual, uint64(rx.ActualVelocity)},
		{od.IndexTorqueActual, uint64(rx.ActualTorque)},
		{od.IndexErrorCode, uint64(rx.ErrorCode)},
	}
	for _, f := range fields {
		if err := m.write(Input, region, f.index, 0, f.value); err != nil {
			return err
		}
	}
	if e, ok := m.digital(Input); ok {
		return e.Write(region, uint64(rx.DigitalInputs))
	}
	return nil
}

// DecodeInputs reads the input region of a slave into a new snapshot
func (m *Mapping) DecodeInputs(region []byte) ReceivedData {
	rx := ReceivedData{
		StatusWord:     uint16(m.read(Input, region, od.IndexStatusWord, 0)),
		ModeDisplay:    int8(m.read(Input, region, od.IndexModeDisplay, 0)),
		ActualPosition: int32(m.read(Input, region, od.IndexPositionActual, 0)),
		ActualVelocity: int32(m.read(Input, region, od.IndexVelocityActual, 0)),
		ActualTorque:   int16(m.read(Input, region, od.IndexTorqueActual, 0)),
		ErrorCode:      uint16(m.read(Input, region, od.IndexErrorCode, 0)),
	}
	if e, ok := m.digital(Input); ok {
		v, _ := e.Read(region)
		rx.DigitalInputs = uint32(v)
	}
	return rx
}
