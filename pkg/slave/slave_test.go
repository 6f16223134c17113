package slave

import (
	"errors"
	"testing"

	"github.com/samsamfire/goecat/pkg/od"
	"github.com/samsamfire/goecat/pkg/pdo"
	"github.com/samsamfire/goecat/pkg/sdo"
	"github.com/stretchr/testify/assert"
)

func TestSlave(t *testing.T) {
	s := New(2, Config{Name: "axis-x", Position: 2, Kind: KindDrive, Mapping: pdo.DefaultDriveMapping()})
	assert.Equal(t, uint16(0x1003), s.Station)
	assert.Equal(t, ALInit, s.State())
	assert.Equal(t, sdo.DefaultMailboxSize, s.MailboxSize)
	assert.Equal(t, "2:axis-x", s.String())

	t.Run("failures", func(t *testing.T) {
		assert.Equal(t, 1, s.RecordFailure(errors.New("timeout")))
		assert.Equal(t, 2, s.RecordFailure(nil))
		s.ResetFailures()
		assert.Equal(t, 0, s.Failures())
		h := s.Health()
		assert.EqualValues(t, 2, h.TotalFailures)
		assert.Equal(t, "timeout", h.LastError)
	})

	t.Run("registers", func(t *testing.T) {
		_, ok := s.Register(od.IndexModeOfOperation, 0)
		assert.False(t, ok)
		s.SetRegister(sdo.Data{Index: od.IndexProfileVelocity, DataType: od.UNSIGNED32, Value: []byte{1, 0, 0, 0}})
		s.SetRegister(sdo.Data{Index: od.IndexModeOfOperation, DataType: od.INTEGER8, Value: []byte{8}})
		d, ok := s.Register(od.IndexModeOfOperation, 0)
		assert.True(t, ok)
		assert.Equal(t, []byte{8}, d.Value)
		regs := s.Registers()
		assert.Len(t, regs, 2)
		assert.Equal(t, od.IndexModeOfOperation, regs[0].Index)
	})

	t.Run("al state", func(t *testing.T) {
		assert.True(t, s.SetState(ALPreOp|ALErrorFlag, 0x11))
		assert.False(t, s.SetState(ALPreOp|ALErrorFlag, 0x11))
		assert.True(t, s.State().HasError())
		assert.Equal(t, ALPreOp, s.State().Base())
		assert.Equal(t, "PRE-OPERATIONAL (ERROR)", s.State().String())
		assert.EqualValues(t, 0x11, s.StatusCode())
	})

	kind, err := KindFromString("io")
	assert.Nil(t, err)
	assert.Equal(t, KindIO, kind)
	_, err = KindFromString("servo")
	assert.NotNil(t, err)
}
