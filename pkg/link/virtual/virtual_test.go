package virtual

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/samsamfire/goecat/pkg/link"
	"github.com/stretchr/testify/assert"
)

// Echo server answering every message, optionally with an extra stale message first
func startEchoServer(t *testing.T, stale bool, silent bool) string {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	assert.Nil(t, err)
	t.Cleanup(func() { listener.Close() })
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			sequence, payload, err := ReadMessage(conn)
			if err != nil {
				return
			}
			if silent {
				continue
			}
			if stale {
				_ = WriteMessage(conn, sequence-1, []byte{0xFF})
			}
			_ = WriteMessage(conn, sequence, payload)
		}
	}()
	return listener.Addr().String()
}

func newVirtual(t *testing.T, channel string) *Bus {
	bus, err := link.NewBus("virtual", channel)
	assert.Nil(t, err)
	err = bus.Connect()
	assert.Nil(t, err)
	t.Cleanup(func() { bus.Disconnect() })
	return bus.(*Bus)
}

func TestExchange(t *testing.T) {
	bus := newVirtual(t, startEchoServer(t, false, false))
	for i := 0; i < 10; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		response, err := bus.Exchange(ctx, []byte{byte(i), 1, 2})
		cancel()
		assert.Nil(t, err)
		assert.Equal(t, []byte{byte(i), 1, 2}, response)
	}
}

func TestExchangeDiscardsStale(t *testing.T) {
	bus := newVirtual(t, startEchoServer(t, true, false))
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	response, err := bus.Exchange(ctx, []byte{1})
	assert.Nil(t, err)
	assert.Equal(t, []byte{1}, response)
}

func TestExchangeTimeout(t *testing.T) {
	bus := newVirtual(t, startEchoServer(t, false, true))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := bus.Exchange(ctx, []byte{1})
	assert.Equal(t, link.ErrNoResponse, err)
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestNotConnected(t *testing.T) {
	bus, _ := NewVirtualBus("127.0.0.1:1")
	_, err := bus.Exchange(context.Background(), []byte{1})
	assert.Equal(t, link.ErrNotConnected, err)
}
