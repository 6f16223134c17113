package frame

import (
	"encoding/binary"
	"fmt"
)

// Datagram command types
type Command uint8

const (
	NOP  Command = 0
	APRD Command = 1
	APWR Command = 2
	APRW Command = 3
	FPRD Command = 4
	FPWR Command = 5
	FPRW Command = 6
	BRD  Command = 7
	BWR  Command = 8
	BRW  Command = 9
	LRD  Command = 10
	LWR  Command = 11
	LRW  Command = 12
	ARMW Command = 13
	FRMW Command = 14
)

var commandName = map[Command]string{
	NOP:  "NOP",
	APRD: "APRD",
	APWR: "APWR",
	APRW: "APRW",
	FPRD: "FPRD",
	FPWR: "FPWR",
	FPRW: "FPRW",
	BRD:  "BRD",
	BWR:  "BWR",
	BRW:  "BRW",
	LRD:  "LRD",
	LWR:  "LWR",
	LRW:  "LRW",
	ARMW: "ARMW",
	FRMW: "FRMW",
}

func (c Command) String() string {
	if name, ok := commandName[c]; ok {
		return name
	}
	return fmt.Sprintf("Command(%d)", uint8(c))
}

func (c Command) Reads() bool {
	switch c {
	case APRD, APRW, FPRD, FPRW, BRD, BRW, LRD, LRW, ARMW, FRMW:
		return true
	}
	return false
}

func (c Command) Writes() bool {
	switch c {
	case APWR, APRW, FPWR, FPRW, BWR, BRW, LWR, LRW, ARMW, FRMW:
		return true
	}
	return false
}

// Logical commands address the process image instead of a slave memory
func (c Command) Logical() bool {
	return c == LRD || c == LWR || c == LRW
}

// Auto increment commands address slaves by their position on the segment
func (c Command) AutoIncrement() bool {
	return c == APRD || c == APWR || c == APRW || c == ARMW
}

func (c Command) Broadcast() bool {
	return c == BRD || c == BWR || c == BRW
}

const (
	DatagramHeaderSize = 10
	WorkingCounterSize = 2
	maxDataLength      = 1<<11 - 1
	circulatingBit     = 14
	moreFollowsBit     = 15
)

// A single EtherCAT datagram
type Datagram struct {
	Command Command
	Index   uint8
	// ADP in the low 16 bits, ADO in the high 16 bits, or a logical address
	Address        uint32
	Circulating    bool
	IRQ            uint16
	Data           []byte
	WorkingCounter uint16
}

// Address for a station (configured) or position (auto increment) addressed command
func PhysicalAddress(station uint16, offset uint16) uint32 {
	return uint32(offset)<<16 | uint32(station)
}

// Position addressed slaves are addressed by a negative position
func PositionAddress(position uint16, offset uint16) uint32 {
	return PhysicalAddress(-position, offset)
}

func (d *Datagram) Station() uint16 {
	return uint16(d.Address)
}

func (d *Datagram) Offset() uint16 {
	return uint16(d.Address >> 16)
}

// Size of the datagram on the wire
func (d *Datagram) Size() int {
	return DatagramHeaderSize + len(d.Data) + WorkingCounterSize
}

func (d *Datagram) String() string {
	return fmt.Sprintf("%v idx=%d addr=x%08x len=%d wkc=%d", d.Command, d.Index, d.Address, len(d.Data), d.WorkingCounter)
}

func (d *Datagram) marshal(b []byte, more bool) (int, error) {
	if len(d.Data) > maxDataLength {
		return 0, fmt.Errorf("%w : datagram data %d bytes", ErrFrameTooLong, len(d.Data))
	}
	if len(b) < d.Size() {
		return 0, ErrShortBuffer
	}
	lenWord := uint16(len(d.Data))
	if d.Circulating {
		lenWord |= 1 << circulatingBit
	}
	if more {
		lenWord |= 1 << moreFollowsBit
	}
	b[0] = byte(d.Command)
	b[1] = d.Index
	binary.LittleEndian.PutUint32(b[2:], d.Address)
	binary.LittleEndian.PutUint16(b[6:], lenWord)
	binary.LittleEndian.PutUint16(b[8:], d.IRQ)
	n := DatagramHeaderSize
	n += copy(b[n:], d.Data)
	binary.LittleEndian.PutUint16(b[n:], d.WorkingCounter)
	return n + WorkingCounterSize, nil
}

// unmarshal a datagram, returns the number of bytes consumed and
// whether another datagram follows
func (d *Datagram) unmarshal(b []byte) (int, bool, error) {
	if len(b) < DatagramHeaderSize {
		return 0, false, fmt.Errorf("%w : need %d bytes for datagram header, have %d", ErrShortBuffer, DatagramHeaderSize, len(b))
	}
	d.Command = Command(b[0])
	d.Index = b[1]
	d.Address = binary.LittleEndian.Uint32(b[2:])
	lenWord := binary.LittleEndian.Uint16(b[6:])
	d.IRQ = binary.LittleEndian.Uint16(b[8:])
	length := int(lenWord & maxDataLength)
	d.Circulating = lenWord&(1<<circulatingBit) != 0
	more := lenWord&(1<<moreFollowsBit) != 0

	if _, ok := commandName[d.Command]; !ok {
		return 0, false, fmt.Errorf("%w : %v", ErrUnknownCommand, d.Command)
	}
	end := DatagramHeaderSize + length + WorkingCounterSize
	if len(b) < end {
		return 0, false, fmt.Errorf("%w : need %d bytes of data, have %d", ErrShortBuffer, end, len(b))
	}
	d.Data = make([]byte, length)
	copy(d.Data, b[DatagramHeaderSize:])
	d.WorkingCounter = binary.LittleEndian.Uint16(b[DatagramHeaderSize+length:])
	return end, more, nil
}
