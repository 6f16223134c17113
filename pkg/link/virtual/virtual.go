package virtual

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/samsamfire/goecat/pkg/link"
	log "github.com/sirupsen/logrus"
)

// Virtual link implementation over TCP, primarily used for testing.
// The other end is a simulated segment (see pkg/sim) that processes the frame
// and sends it back. Each message is prefixed by its length and a sequence number
// so that late responses of a previous exchange can be discarded.

func init() {
	link.RegisterInterface("virtual", NewVirtualBus)
}

const (
	headerSize     = 8
	maxMessageSize = 1 << 16
	defaultTimeout = 10 * time.Millisecond
)

type message struct {
	sequence uint32
	payload  []byte
}

type Bus struct {
	logger    *log.Entry
	mu        sync.Mutex
	channel   string
	conn      net.Conn
	sequence  uint32
	responses chan message
	wg        sync.WaitGroup
}

func NewVirtualBus(channel string) (link.Bus, error) {
	return &Bus{channel: channel, logger: log.WithField("service", "[VIRTUAL]")}, nil
}

// WriteMessage writes a length and sequence prefixed message
func WriteMessage(w io.Writer, sequence uint32, payload []byte) error {
	if len(payload) > maxMessageSize {
		return fmt.Errorf("message too long : %d", len(payload))
	}
	buffer := make([]byte, headerSize+len(payload))
	binary.BigEndian.PutUint32(buffer, uint32(len(payload)))
	binary.BigEndian.PutUint32(buffer[4:], sequence)
	copy(buffer[headerSize:], payload)
	_, err := w.Write(buffer)
	return err
}

// ReadMessage reads a message written by [WriteMessage]
func ReadMessage(r io.Reader) (uint32, []byte, error) {
	header := make([]byte, headerSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return 0, nil, err
	}
	length := binary.BigEndian.Uint32(header)
	if length > maxMessageSize {
		return 0, nil, fmt.Errorf("message too long : %d", length)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, err
	}
	return binary.BigEndian.Uint32(header[4:]), payload, nil
}

// "Connect" to simulator e.g. localhost:18890
func (b *Bus) Connect(...any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	conn, err := net.Dial("tcp", b.channel)
	if err != nil {
		return err
	}
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		err := tcpConn.SetNoDelay(true)
		if err != nil {
			return err
		}
	}
	b.conn = conn
	b.responses = make(chan message, 16)
	b.wg.Add(1)
	go b.handleReception(conn, b.responses)
	b.logger.Infof("connected to %v", b.channel)
	return nil
}

// Handle incoming traffic until connection is closed
func (b *Bus) handleReception(conn net.Conn, responses chan<- message) {
	defer b.wg.Done()
	defer close(responses)
	for {
		sequence, payload, err := ReadMessage(conn)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) && !errors.Is(err, io.EOF) {
				b.logger.Errorf("listening routine has closed because : %v", err)
			}
			return
		}
		select {
		case responses <- message{sequence: sequence, payload: payload}:
		default:
			b.logger.Warn("response buffer full, dropping frame")
		}
	}
}

// "Disconnect" from simulator
func (b *Bus) Disconnect() error {
	b.mu.Lock()
	conn := b.conn
	b.conn = nil
	b.mu.Unlock()
	if conn == nil {
		return nil
	}
	err := conn.Close()
	b.wg.Wait()
	return err
}

// "Exchange" implementation of Bus interface
func (b *Bus) Exchange(ctx context.Context, frame []byte) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil {
		return nil, link.ErrNotConnected
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultTimeout)
		defer cancel()
	}
	deadline, _ := ctx.Deadline()
	b.sequence++
	_ = b.conn.SetWriteDeadline(deadline)
	if err := WriteMessage(b.conn, b.sequence, frame); err != nil {
		return nil, err
	}
	for {
		select {
		case <-ctx.Done():
			return nil, link.ErrNoResponse
		case msg, ok := <-b.responses:
			if !ok {
				return nil, link.ErrClosed
			}
			if msg.sequence == b.sequence {
				return msg.payload, nil
			}
			b.logger.Debugf("discarding late response %v (expected %v)", msg.sequence, b.sequence)
		}
	}
}
