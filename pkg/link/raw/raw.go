//go:build linux

package raw

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/samsamfire/goecat/pkg/frame"
	"github.com/samsamfire/goecat/pkg/link"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Raw ethernet link using an AF_PACKET socket bound to EtherCAT ethertype.
// Needs CAP_NET_RAW. The frame goes out of the given interface, travels through
// the segment and comes back on the same interface.

const (
	ethHeaderSize  = 14
	ethMinPayload  = 46
	ethMaxFrame    = 1514
	defaultTimeout = 10 * time.Millisecond
	// Slaves set this bit of the source address on the returning frame
	returnedMACBit = 0x02
)

var broadcastMAC = net.HardwareAddr{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}

func init() {
	link.RegisterInterface("raw", NewRawBus)
}

type Bus struct {
	logger  *log.Entry
	mu      sync.Mutex
	iface   *net.Interface
	fd      int
	rxBuf   []byte
	running bool
}

// pollTimeout keeps the nanosecond resolution of the frame deadline
func pollTimeout(remaining time.Duration) unix.Timespec {
	return unix.NsecToTimespec(remaining.Nanoseconds())
}

func htons(v uint16) uint16 {
	return v<<8 | v>>8
}

// Create a new raw link on an ethernet interface e.g. "eth0"
func NewRawBus(channel string) (link.Bus, error) {
	iface, err := net.InterfaceByName(channel)
	if err != nil {
		return nil, err
	}
	return &Bus{
		iface:  iface,
		fd:     -1,
		rxBuf:  make([]byte, ethMaxFrame),
		logger: log.WithFields(log.Fields{"service": "[RAW]", "iface": channel}),
	}, nil
}

// "Connect" implementation of Bus interface
func (b *Bus) Connect(...any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW|unix.SOCK_NONBLOCK, int(htons(frame.EtherType)))
	if err != nil {
		return fmt.Errorf("failed to create raw socket : %w", err)
	}
	addr := &unix.SockaddrLinklayer{Protocol: htons(frame.EtherType), Ifindex: b.iface.Index}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return fmt.Errorf("failed to bind raw socket : %w", err)
	}
	// Promiscuous mode is needed since returned frames are not addressed to us
	mreq := &unix.PacketMreq{Ifindex: int32(b.iface.Index), Type: unix.PACKET_MR_PROMISC}
	if err := unix.SetsockoptPacketMreq(fd, unix.SOL_PACKET, unix.PACKET_ADD_MEMBERSHIP, mreq); err != nil {
		unix.Close(fd)
		return fmt.Errorf("failed to set promiscuous mode : %w", err)
	}
	b.fd = fd
	b.running = true
	b.logger.Info("raw link connected")
	return nil
}

// "Disconnect" implementation of Bus interface
func (b *Bus) Disconnect() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.running {
		return nil
	}
	b.running = false
	return unix.Close(b.fd)
}

func (b *Bus) encode(payload []byte) []byte {
	size := ethHeaderSize + max(len(payload), ethMinPayload)
	raw := make([]byte, size)
	copy(raw[0:6], broadcastMAC)
	copy(raw[6:12], b.iface.HardwareAddr)
	binary.BigEndian.PutUint16(raw[12:], frame.EtherType)
	copy(raw[ethHeaderSize:], payload)
	return raw
}

// Our own transmitted frame is also received on the socket, it still has our source address
func (b *Bus) isOwn(raw []byte) bool {
	src := raw[6:12]
	return len(b.iface.HardwareAddr) == 6 && string(src) == string(b.iface.HardwareAddr)
}

// "Exchange" implementation of Bus interface
func (b *Bus) Exchange(ctx context.Context, payload []byte) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.running {
		return nil, link.ErrNotConnected
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultTimeout)
	}
	if _, err := unix.Write(b.fd, b.encode(payload)); err != nil {
		return nil, fmt.Errorf("failed to send frame : %w", err)
	}
	fds := []unix.PollFd{{Fd: int32(b.fd), Events: unix.POLLIN}}
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, link.ErrNoResponse
		}
		timeout := pollTimeout(remaining)
		n, err := unix.Ppoll(fds, &timeout, nil)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("poll failed : %w", err)
		}
		if n == 0 {
			continue
		}
		n, _, err = unix.Recvfrom(b.fd, b.rxBuf, 0)
		if err == unix.EAGAIN {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to receive frame : %w", err)
		}
		if n < ethHeaderSize || binary.BigEndian.Uint16(b.rxBuf[12:]) != frame.EtherType || b.isOwn(b.rxBuf[:n]) {
			continue
		}
		if b.rxBuf[6]&returnedMACBit == 0 {
			b.logger.Debug("ignoring frame without returned bit")
			continue
		}
		response := make([]byte, n-ethHeaderSize)
		copy(response, b.rxBuf[ethHeaderSize:n])
		return response, nil
	}
}
