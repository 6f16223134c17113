package sdo

import (
	"context"
	"testing"
	"time"

	"github.com/samsamfire/goecat/pkg/od"
	"github.com/stretchr/testify/assert"
)

func TestMailboxWrite(t *testing.T) {
	req, err := NewWrite(1, od.IndexModeOfOperation, 0, od.INTEGER8, int8(8))
	assert.Nil(t, err)
	raw, err := EncodeRequest(req, 1, DefaultMailboxSize)
	assert.Nil(t, err)
	assert.Len(t, raw, DefaultMailboxSize)

	decoded, counter, err := DecodeRequest(raw)
	assert.Nil(t, err)
	assert.EqualValues(t, 1, counter)
	assert.Equal(t, Write, decoded.Operation)
	assert.Equal(t, []byte{8}, decoded.Data.Value)
	assert.Equal(t, od.IndexModeOfOperation, decoded.Data.Index)

	resp := EncodeResponse(decoded, counter, nil, nil, DefaultMailboxSize)
	data, err := DecodeResponse(resp, req)
	assert.Nil(t, err)
	assert.Equal(t, []byte{8}, data.Value)
}

func TestMailboxRead(t *testing.T) {
	req := NewRead(0, od.IndexProfileVelocity, 0, od.UNSIGNED32)
	raw, err := EncodeRequest(req, 2, 0)
	assert.Nil(t, err)
	assert.Len(t, raw, MinMailboxSize)

	decoded, _, err := DecodeRequest(raw)
	assert.Nil(t, err)
	assert.Equal(t, Read, decoded.Operation)

	resp := EncodeResponse(decoded, 2, []byte{0x10, 0x27, 0, 0}, nil, 0)
	data, err := DecodeResponse(resp, req)
	assert.Nil(t, err)
	v, err := data.Decoded()
	assert.Nil(t, err)
	assert.EqualValues(t, 10000, v)
}

func TestMailboxErrors(t *testing.T) {
	req := NewRead(0, od.IndexProfileVelocity, 0, od.UNSIGNED32)

	t.Run("abort", func(t *testing.T) {
		resp := EncodeResponse(req, 1, nil, AbortNotExist, 0)
		_, err := DecodeResponse(resp, req)
		assert.Equal(t, AbortNotExist, err)
	})

	t.Run("empty mailbox", func(t *testing.T) {
		_, err := DecodeResponse(make([]byte, MinMailboxSize), req)
		assert.ErrorIs(t, err, ErrEmptyMailbox)
	})

	t.Run("wrong object", func(t *testing.T) {
		other := NewRead(0, od.IndexProfileAcceleration, 0, od.UNSIGNED32)
		resp := EncodeResponse(other, 1, []byte{1, 0, 0, 0}, nil, 0)
		_, err := DecodeResponse(resp, req)
		assert.ErrorIs(t, err, ErrUnexpectedRsp)
	})

	t.Run("segmented not supported", func(t *testing.T) {
		long := Request{Operation: Write, Data: Data{Index: 0x1008, DataType: od.VISIBLE_STRING, Value: []byte("drive-01")}}
		_, err := EncodeRequest(long, 1, 0)
		assert.Equal(t, ErrNotExpedited, err)
		_, err = EncodeRequest(NewRead(0, 0x1018, 1, od.UNSIGNED64), 1, 0)
		assert.Equal(t, ErrNotExpedited, err)
	})

	t.Run("counter", func(t *testing.T) {
		assert.EqualValues(t, 1, NextCounter(7))
		assert.EqualValues(t, 1, NextCounter(0))
		assert.EqualValues(t, 3, NextCounter(2))
	})
}

func TestQueueOrdering(t *testing.T) {
	q := NewQueue(2)
	h1 := NewHandle(NewRead(1, 0x6041, 0, od.UNSIGNED16), 1)
	h2 := NewHandle(NewRead(1, 0x6061, 0, od.INTEGER8), 2)
	h3 := NewHandle(NewRead(1, 0x6064, 0, od.INTEGER32), 3)
	assert.Nil(t, q.Push(h1))
	assert.Nil(t, q.Push(h2))
	assert.Equal(t, ErrQueueFull, q.Push(h3))

	assert.Equal(t, h1, q.Next(1))
	// Only one in flight per slave
	assert.Nil(t, q.Next(1))
	assert.Nil(t, q.Next(2))
	assert.Equal(t, 2, q.Len(1))
	h1.Complete(Data{})
	q.Release(1)
	assert.Equal(t, h2, q.Next(1))

	q.FailAll(1, ErrCancelled)
	assert.Equal(t, StateFailed, h2.State())
	assert.Equal(t, 0, q.Len(1))
}

func TestHandle(t *testing.T) {
	h := NewHandle(NewRead(1, 0x6041, 0, od.UNSIGNED16), 1)
	assert.Equal(t, StatePending, h.State())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := h.Wait(ctx)
	assert.Equal(t, context.DeadlineExceeded, err)

	h.Complete(Data{Value: []byte{1, 2}})
	// Second resolution is ignored
	h.Fail(AbortTimeout)
	data, err := h.Wait(context.Background())
	assert.Nil(t, err)
	assert.Equal(t, []byte{1, 2}, data.Value)
	assert.Equal(t, StateComplete, h.State())
}
