package frame

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFrameEncoding(t *testing.T) {
	f := &Frame{}
	f.Add(LRW, 0, []byte{1, 2, 3, 4})
	d := f.Add(FPRD, PhysicalAddress(0x1001, 0x130), make([]byte, 6))
	d.WorkingCounter = 1

	raw, err := f.MarshalBinary()
	assert.Nil(t, err)
	assert.Equal(t, f.Size(), len(raw))
	// 11 bit length and type 1 in header
	assert.Equal(t, byte(len(raw)-HeaderSize), raw[0])
	assert.Equal(t, byte(0x10), raw[1]&0xF0)
	// First datagram has the "more follows" bit set, second not
	assert.NotZero(t, raw[HeaderSize+7]&0x80)

	decoded, err := Decode(raw)
	assert.Nil(t, err)
	assert.Len(t, decoded.Datagrams, 2)
	assert.Equal(t, f.Datagrams[0].Data, decoded.Datagrams[0].Data)
	assert.Equal(t, uint16(0x1001), decoded.Datagrams[1].Station())
	assert.Equal(t, uint16(0x130), decoded.Datagrams[1].Offset())
	assert.EqualValues(t, 1, decoded.Datagrams[1].WorkingCounter)
	assert.Nil(t, f.Match(decoded))
}

func TestFrameErrors(t *testing.T) {
	t.Run("empty frame", func(t *testing.T) {
		_, err := (&Frame{}).MarshalBinary()
		assert.Equal(t, ErrEmptyFrame, err)
	})

	t.Run("too long", func(t *testing.T) {
		f := &Frame{}
		f.Add(LRW, 0, make([]byte, MaxSize))
		_, err := f.MarshalBinary()
		assert.ErrorIs(t, err, ErrFrameTooLong)
	})

	t.Run("truncated", func(t *testing.T) {
		f := &Frame{}
		f.Add(BRD, 0, make([]byte, 2))
		raw, _ := f.MarshalBinary()
		_, err := Decode(raw[:len(raw)-3])
		assert.ErrorIs(t, err, ErrShortBuffer)
		_, err = Decode(raw[:1])
		assert.ErrorIs(t, err, ErrShortBuffer)
	})

	t.Run("bad type", func(t *testing.T) {
		f := &Frame{}
		f.Add(BRD, 0, make([]byte, 2))
		raw, _ := f.MarshalBinary()
		raw[1] = 0x20 | raw[1]&0x07
		_, err := Decode(raw)
		assert.ErrorIs(t, err, ErrUnsupportedType)
	})

	t.Run("unknown command", func(t *testing.T) {
		f := &Frame{}
		f.Add(BRD, 0, make([]byte, 2))
		raw, _ := f.MarshalBinary()
		raw[HeaderSize] = 0x7F
		_, err := Decode(raw)
		assert.ErrorIs(t, err, ErrUnknownCommand)
	})

	t.Run("response mismatch", func(t *testing.T) {
		req := &Frame{}
		req.Add(BRD, 0, make([]byte, 2))
		resp := &Frame{}
		resp.Add(BRD, 0, make([]byte, 4))
		assert.ErrorIs(t, req.Match(resp), ErrMismatch)
	})
}

func TestCommandClasses(t *testing.T) {
	assert.True(t, LRW.Reads())
	assert.True(t, LRW.Writes())
	assert.True(t, LRW.Logical())
	assert.False(t, FPRD.Writes())
	assert.True(t, BWR.Broadcast())
	assert.Equal(t, "FPWR", FPWR.String())
	assert.Equal(t, "Command(99)", Command(99).String())
}
