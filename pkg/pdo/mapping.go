package pdo

import (
	"errors"
	"fmt"

	"github.com/samsamfire/goecat/pkg/od"
)

var (
	ErrOverlap       = errors.New("mapped entries overlap")
	ErrOutOfRegion   = errors.New("mapped entry outside of its region")
	ErrEntryLength   = errors.New("invalid mapped entry length")
	ErrDuplicate     = errors.New("object mapped twice")
	ErrUnknownObject = errors.New("object is not mapped")
)

// Direction of a mapped entry, seen from the master
type Direction uint8

const (
	// Written by the master (RxPDO on the slave side)
	Output Direction = 1
	// Read by the master (TxPDO on the slave side)
	Input Direction = 2
)

func (d Direction) String() string {
	switch d {
	case Output:
		return "output"
	case Input:
		return "input"
	default:
		return fmt.Sprintf("direction(%d)", uint8(d))
	}
}

// An Entry locates one object inside of a slave region of the process image.
// ByteOffset is relative to the start of the region of its direction.
type Entry struct {
	Index       uint16
	Subindex    uint8
	ByteOffset  uint32
	BitPosition uint8
	BitLength   uint16
	DataType    uint8
	Direction   Direction
}

func (e Entry) startBit() int {
	return int(e.ByteOffset)*8 + int(e.BitPosition)
}

func (e Entry) endBit() int {
	return e.startBit() + int(e.BitLength)
}

func (e Entry) String() string {
	return fmt.Sprintf("x%04x:%02x %v @%d.%d/%d", e.Index, e.Subindex, e.Direction, e.ByteOffset, e.BitPosition, e.BitLength)
}

// Read raw value of entry from region, signed types are sign extended
func (e Entry) Read(region []byte) (uint64, error) {
	if e.endBit() > len(region)*8 {
		return 0, ErrOutOfRegion
	}
	var v uint64
	start := e.startBit()
	for i := 0; i < int(e.BitLength); i++ {
		bit := start + i
		if region[bit/8]>>(bit%8)&1 != 0 {
			v |= 1 << i
		}
	}
	if od.IsSigned(e.DataType) && e.BitLength < 64 && v&(1<<(e.BitLength-1)) != 0 {
		v |= ^uint64(0) << e.BitLength
	}
	return v, nil
}

// Write raw value of entry inside of region, extra bits are ignored
func (e Entry) Write(region []byte, v uint64) error {
	if e.endBit() > len(region)*8 {
		return ErrOutOfRegion
	}
	start := e.startBit()
	for i := 0; i < int(e.BitLength); i++ {
		bit := start + i
		if v>>i&1 != 0 {
			region[bit/8] |= 1 << (bit % 8)
		} else {
			region[bit/8] &^= 1 << (bit % 8)
		}
	}
	return nil
}

// Mapping describes the layout of one slave inside of the process image
type Mapping struct {
	Entries []Entry
	// Region sizes in bytes
	OutputSize int
	InputSize  int
}

func NewMapping() *Mapping {
	return &Mapping{}
}

// Add an object packed right after the last entry of the same direction
func (m *Mapping) Add(dir Direction, index uint16, subindex uint8, dataType uint8) error {
	bits := od.BitSize(dataType)
	if bits == 0 {
		return fmt.Errorf("%w : x%04x:%02x has no fixed size", ErrEntryLength, index, subindex)
	}
	return m.AddBits(dir, index, subindex, dataType, bits)
}

// AddBits adds an object with an explicit bit length, e.g. a bit inside of a byte
func (m *Mapping) AddBits(dir Direction, index uint16, subindex uint8, dataType uint8, bits uint16) error {
	if bits == 0 || bits > 64 {
		return ErrEntryLength
	}
	if _, ok := m.Find(dir, index, subindex); ok {
		return fmt.Errorf("%w : x%04x:%02x", ErrDuplicate, index, subindex)
	}
	next := m.bits(dir)
	m.Entries = append(m.Entries, Entry{
		Index:       index,
		Subindex:    subindex,
		ByteOffset:  uint32(next / 8),
		BitPosition: uint8(next % 8),
		BitLength:   bits,
		DataType:    dataType,
		Direction:   dir,
	})
	size := (next + int(bits) + 7) / 8
	if dir == Output {
		m.OutputSize = max(m.OutputSize, size)
	} else {
		m.InputSize = max(m.InputSize, size)
	}
	return nil
}

// bits used in a direction
func (m *Mapping) bits(dir Direction) int {
	end := 0
	for _, e := range m.Entries {
		if e.Direction == dir {
			end = max(end, e.endBit())
		}
	}
	return end
}

func (m *Mapping) Find(dir Direction, index uint16, subindex uint8) (Entry, bool) {
	for _, e := range m.Entries {
		if e.Direction == dir && e.Index == index && e.Subindex == subindex {
			return e, true
		}
	}
	return Entry{}, false
}

// Validate that entries are pairwise disjoint and fit inside of their region
func (m *Mapping) Validate() error {
	for i, a := range m.Entries {
		if a.BitLength == 0 || a.BitLength > 64 {
			return fmt.Errorf("%w : %v", ErrEntryLength, a)
		}
		if a.Direction != Output && a.Direction != Input {
			return fmt.Errorf("%w : %v", ErrOutOfRegion, a)
		}
		size := m.InputSize
		if a.Direction == Output {
			size = m.OutputSize
		}
		if a.endBit() > size*8 {
			return fmt.Errorf("%w : %v", ErrOutOfRegion, a)
		}
		for _, b := range m.Entries[i+1:] {
			if a.Direction != b.Direction {
				continue
			}
			if a.Index == b.Index && a.Subindex == b.Subindex {
				return fmt.Errorf("%w : %v", ErrDuplicate, a)
			}
			if a.startBit() < b.endBit() && b.startBit() < a.endBit() {
				return fmt.Errorf("%w : %v and %v", ErrOverlap, a, b)
			}
		}
	}
	return nil
}

// Default drive mapping, position, velocity and torque objects in both directions
func DefaultDriveMapping() *Mapping {
	m := NewMapping()
	_ = m.Add(Output, od.IndexControlWord, 0, od.UNSIGNED16)
	_ = m.Add(Output, od.IndexModeOfOperation, 0, od.INTEGER8)
	_ = m.Add(Output, od.IndexTargetPosition, 0, od.INTEGER32)
	_ = m.Add(Output, od.IndexTargetVelocity, 0, od.INTEGER32)
	_ = m.Add(Output, od.IndexTargetTorque, 0, od.INTEGER16)
	_ = m.Add(Output, od.IndexDigitalOutputs, 1, od.UNSIGNED32)
	_ = m.Add(Input, od.IndexStatusWord, 0, od.UNSIGNED16)
	_ = m.Add(Input, od.IndexModeDisplay, 0, od.INTEGER8)
	_ = m.Add(Input, od.IndexPositionActual, 0, od.INTEGER32)
	_ = m.Add(Input, od.IndexVelocityActual, 0, od.INTEGER32)
	_ = m.Add(Input, od.IndexTorqueActual, 0, od.INTEGER16)
	_ = m.Add(Input, od.IndexDigitalInputs, 0, od.UNSIGNED32)
	_ = m.Add(Input, od.IndexErrorCode, 0, od.UNSIGNED16)
	return m
}

// Default digital IO mapping, 8 inputs and 8 outputs
func DefaultIOMapping() *Mapping {
	m := NewMapping()
	_ = m.Add(Output, od.IndexIOOutputs, 1, od.UNSIGNED8)
	_ = m.Add(Input, od.IndexIOInputs, 1, od.UNSIGNED8)
	return m
}
