// Package link abstracts the medium used to carry EtherCAT frames.
//
// A link only knows about raw frames: it sends one and waits for it to
// come back after having travelled through the whole segment.
package link

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

var (
	ErrNoResponse   = errors.New("no frame received before deadline")
	ErrNotConnected = errors.New("link is not connected")
	ErrClosed       = errors.New("link closed")
)

// A Bus interface
type Bus interface {
	Connect(...any) error // Connect to the segment
	Disconnect() error    // Disconnect from the segment
	// Exchange sends a frame and returns the frame that came back.
	// It must return before ctx deadline, with [ErrNoResponse] if nothing came back.
	Exchange(ctx context.Context, frame []byte) ([]byte, error)
}

type NewInterfaceFunc func(channel string) (Bus, error)

var interfaceRegistry = make(map[string]NewInterfaceFunc)

// Register a new link interface type
// This should be called inside an init() function of plugin
func RegisterInterface(interfaceType string, newInterface NewInterfaceFunc) {
	interfaceRegistry[interfaceType] = newInterface
}

// Registered interface names
func Interfaces() []string {
	names := make([]string, 0, len(interfaceRegistry))
	for name := range interfaceRegistry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Create a new link with given interface
// Supported interfaces depend on imported plugins : raw, udp, virtual
func NewBus(linkInterface string, channel string) (Bus, error) {
	createInterface, ok := interfaceRegistry[linkInterface]
	if !ok {
		return nil, fmt.Errorf("unsupported interface : %v", linkInterface)
	}
	return createInterface(channel)
}
