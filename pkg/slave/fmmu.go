package slave

import (
	"encoding/binary"
	"errors"
)

// FMMU registers map a range of the logical process image onto slave memory
const (
	RegFMMU     uint16 = 0x0600
	FMMUSize           = 16
	FMMURead    uint8  = 0x01
	FMMUWrite   uint8  = 0x02
	fmmuEnabled uint8  = 0x01
	// Start of the process data memory inside of the slave
	RegProcessData uint16 = 0x1100
)

var ErrFMMULength = errors.New("fmmu entry must be 16 bytes")

type FMMU struct {
	LogicalStart  uint32
	Length        uint16
	PhysicalStart uint16
	Type          uint8
	Enabled       bool
}

// Register address of FMMU n
func FMMUAddress(n int) uint16 {
	return RegFMMU + uint16(n*FMMUSize)
}

func (f FMMU) MarshalBinary() ([]byte, error) {
	b := make([]byte, FMMUSize)
	binary.LittleEndian.PutUint32(b[0:], f.LogicalStart)
	binary.LittleEndian.PutUint16(b[4:], f.Length)
	b[6] = 0 // logical start bit
	b[7] = 7 // logical stop bit
	binary.LittleEndian.PutUint16(b[8:], f.PhysicalStart)
	b[10] = 0 // physical start bit
	b[11] = f.Type
	if f.Enabled {
		b[12] = fmmuEnabled
	}
	return b, nil
}

func (f *FMMU) UnmarshalBinary(b []byte) error {
	if len(b) != FMMUSize {
		return ErrFMMULength
	}
	f.LogicalStart = binary.LittleEndian.Uint32(b[0:])
	f.Length = binary.LittleEndian.Uint16(b[4:])
	f.PhysicalStart = binary.LittleEndian.Uint16(b[8:])
	f.Type = b[11]
	f.Enabled = b[12]&fmmuEnabled != 0
	return nil
}

// FMMUs configuring the outputs and inputs of a slave inside of the process image
func (s *Slave) FMMUs() []FMMU {
	fmmus := []FMMU{}
	if s.Mapping.OutputSize > 0 {
		fmmus = append(fmmus, FMMU{
			LogicalStart:  uint32(s.OutputOffset),
			Length:        uint16(s.Mapping.OutputSize),
			PhysicalStart: RegProcessData,
			Type:          FMMUWrite,
			Enabled:       true,
		})
	}
	if s.Mapping.InputSize > 0 {
		fmmus = append(fmmus, FMMU{
			LogicalStart:  uint32(s.InputOffset),
			Length:        uint16(s.Mapping.InputSize),
			PhysicalStart: RegProcessData + uint16(s.Mapping.OutputSize),
			Type:          FMMURead,
			Enabled:       true,
		})
	}
	return fmmus
}
