package pdo

import (
	"testing"

	"github.com/samsamfire/goecat/pkg/od"
	"github.com/stretchr/testify/assert"
)

func TestMappingLayout(t *testing.T) {
	m := DefaultDriveMapping()
	assert.Nil(t, m.Validate())
	// 2+1+4+4+2+4
	assert.Equal(t, 17, m.OutputSize)
	// 2+1+4+4+2+4+2
	assert.Equal(t, 19, m.InputSize)

	e, ok := m.Find(Output, od.IndexTargetPosition, 0)
	assert.True(t, ok)
	assert.EqualValues(t, 3, e.ByteOffset)
	assert.EqualValues(t, 32, e.BitLength)

	t.Run("entries are pairwise disjoint", func(t *testing.T) {
		for i, a := range m.Entries {
			for _, b := range m.Entries[i+1:] {
				if a.Direction != b.Direction {
					continue
				}
				disjoint := a.endBit() <= b.startBit() || b.endBit() <= a.startBit()
				assert.True(t, disjoint, "%v / %v", a, b)
			}
		}
	})

	t.Run("overlap detected", func(t *testing.T) {
		bad := NewMapping()
		_ = bad.Add(Input, od.IndexStatusWord, 0, od.UNSIGNED16)
		bad.Entries = append(bad.Entries, Entry{Index: 0x6064, ByteOffset: 1, BitLength: 32, DataType: od.INTEGER32, Direction: Input})
		bad.InputSize = 5
		assert.ErrorIs(t, bad.Validate(), ErrOverlap)
	})

	t.Run("out of region", func(t *testing.T) {
		bad := NewMapping()
		_ = bad.Add(Output, od.IndexControlWord, 0, od.UNSIGNED16)
		bad.OutputSize = 1
		assert.ErrorIs(t, bad.Validate(), ErrOutOfRegion)
	})

	t.Run("duplicate", func(t *testing.T) {
		bad := NewMapping()
		assert.Nil(t, bad.Add(Output, od.IndexControlWord, 0, od.UNSIGNED16))
		assert.ErrorIs(t, bad.Add(Output, od.IndexControlWord, 0, od.UNSIGNED16), ErrDuplicate)
		assert.ErrorIs(t, bad.Add(Output, 0x2000, 0, od.VISIBLE_STRING), ErrEntryLength)
	})
}

func TestBitEntries(t *testing.T) {
	m := NewMapping()
	assert.Nil(t, m.AddBits(Input, od.IndexIOInputs, 1, od.UNSIGNED8, 3))
	assert.Nil(t, m.AddBits(Input, 0x6010, 1, od.INTEGER8, 6))
	assert.Nil(t, m.Validate())
	assert.Equal(t, 2, m.InputSize)

	region := make([]byte, m.InputSize)
	first, _ := m.Find(Input, od.IndexIOInputs, 1)
	second, _ := m.Find(Input, 0x6010, 1)
	assert.Nil(t, first.Write(region, 0b101))
	assert.Nil(t, second.Write(region, uint64(0x3F)))
	v, _ := first.Read(region)
	assert.EqualValues(t, 0b101, v)
	// 6 bit signed, all ones is -1
	v, _ = second.Read(region)
	assert.EqualValues(t, -1, int64(v))
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	m := DefaultDriveMapping()
	rx := ReceivedData{
		StatusWord:     0x0237,
		ModeDisplay:    8,
		ActualPosition: -123456,
		ActualVelocity: 2500,
		ActualTorque:   -300,
		DigitalInputs:  0x5,
		ErrorCode:      0x2310,
	}
	region := make([]byte, m.InputSize)
	assert.Nil(t, m.EncodeInputs(rx, region))
	assert.Equal(t, rx, m.DecodeInputs(region))

	cmd := Command{ControlWord: 0x0F, ModeOfOperation: 9, TargetPosition: -1, TargetVelocity: -1000, TargetTorque: 12, DigitalOutputs: 3}
	out := make([]byte, m.OutputSize)
	assert.Nil(t, m.EncodeCommand(cmd, out))
	assert.Equal(t, cmd, m.DecodeCommand(out))

	t.Run("io mapping", func(t *testing.T) {
		io := DefaultIOMapping()
		in := make([]byte, io.InputSize)
		assert.Nil(t, io.EncodeInputs(ReceivedData{DigitalInputs: 0x81}, in))
		assert.EqualValues(t, 0x81, io.DecodeInputs(in).DigitalInputs)
	})
}
