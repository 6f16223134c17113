package udp

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/samsamfire/goecat/pkg/frame"
	"github.com/samsamfire/goecat/pkg/link"
	log "github.com/sirupsen/logrus"
	"golang.org/x/net/ipv4"
)

// EtherCAT frames encapsulated in UDP, sent to a multicast group.
// Channel format is "<iface>" or "<iface>,<group>" e.g. "eth0,239.255.0.1"

const (
	Port           = 0x88A4
	DefaultGroup   = "239.255.0.1"
	receiveBufLen  = 1500
	defaultTimeout = 10 * time.Millisecond
)

func init() {
	link.RegisterInterface("udp", NewUDPBus)
}

type Bus struct {
	logger    *log.Entry
	mu        sync.Mutex
	iface     *net.Interface
	group     net.IP
	groupAddr *net.UDPAddr
	sock      *net.UDPConn
	mcsock    *ipv4.PacketConn
	rxBuf     []byte
}

func parseChannel(channel string) (string, net.IP, error) {
	name, group, found := strings.Cut(channel, ",")
	if !found {
		group = DefaultGroup
	}
	ip := net.ParseIP(strings.TrimSpace(group))
	if ip == nil || !ip.IsMulticast() {
		return "", nil, fmt.Errorf("invalid multicast group : %v", group)
	}
	return strings.TrimSpace(name), ip, nil
}

func NewUDPBus(channel string) (link.Bus, error) {
	name, group, err := parseChannel(channel)
	if err != nil {
		return nil, err
	}
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return nil, err
	}
	return &Bus{
		iface:     iface,
		group:     group,
		groupAddr: &net.UDPAddr{IP: group, Port: Port},
		rxBuf:     make([]byte, receiveBufLen),
		logger:    log.WithFields(log.Fields{"service": "[UDP]", "iface": name}),
	}, nil
}

// "Connect" implementation of Bus interface
func (b *Bus) Connect(...any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	sock, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: Port})
	if err != nil {
		return err
	}
	mcsock := ipv4.NewPacketConn(sock)
	if err := mcsock.SetMulticastInterface(b.iface); err != nil {
		sock.Close()
		return err
	}
	if err := mcsock.JoinGroup(b.iface, &net.UDPAddr{IP: b.group}); err != nil {
		sock.Close()
		return err
	}
	// Our own frames must not be mistaken for answers
	if err := mcsock.SetMulticastLoopback(false); err != nil {
		sock.Close()
		return err
	}
	b.sock = sock
	b.mcsock = mcsock
	b.logger.Infof("joined group %v", b.group)
	return nil
}

// "Disconnect" implementation of Bus interface
func (b *Bus) Disconnect() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sock == nil {
		return nil
	}
	_ = b.mcsock.LeaveGroup(b.iface, &net.UDPAddr{IP: b.group})
	err := b.sock.Close()
	b.sock = nil
	b.mcsock = nil
	return err
}

// "Exchange" implementation of Bus interface
func (b *Bus) Exchange(ctx context.Context, payload []byte) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sock == nil {
		return nil, link.ErrNotConnected
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultTimeout)
	}
	if _, err := b.sock.WriteTo(payload, b.groupAddr); err != nil {
		return nil, err
	}
	if err := b.sock.SetReadDeadline(deadline); err != nil {
		return nil, err
	}
	for {
		n, _, err := b.sock.ReadFromUDP(b.rxBuf)
		if isTimeout(err) {
			return nil, link.ErrNoResponse
		}
		if err != nil {
			return nil, err
		}
		// Discard malformed frames
		var f frame.Frame
		if f.UnmarshalBinary(b.rxBuf[:n]) != nil {
			b.logger.Debug("discarding malformed frame")
			continue
		}
		response := make([]byte, n)
		copy(response, b.rxBuf[:n])
		return response, nil
	}
}

type timeouter interface {
	Timeout() bool
}

func isTimeout(err error) bool {
	if t, ok := err.(timeouter); ok {
		return t.Timeout()
	}
	return false
}
