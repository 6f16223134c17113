package operator

import (
	"encoding/binary"
	"math"
	"sync"
	"time"

	sockcan "github.com/brutella/can"
	log "github.com/sirupsen/logrus"
	"periph.io/x/conn/v3/physic"
)

// Frame payload : position in µm and force in mN, both int32 little endian
const (
	canPositionUnit = physic.MicroMetre
	canForceUnit    = physic.MilliNewton
)

// subset of the brutella/can bus used by the source
type canBus interface {
	Publish(frame sockcan.Frame) error
	Subscribe(handler sockcan.Handler)
}

type CANConfig struct {
	// Identifier of the command frames sent by the operator device
	CommandID uint32
	// Identifier of the feedback frames, 0 to disable
	FeedbackID uint32
}

// CANSource receives operator commands from a CAN bus
type CANSource struct {
	latest
	logger *log.Entry
	bus    canBus
	cfg    CANConfig
	now    func() time.Time
	mu     sync.Mutex
	closer func() error
	short  uint64
}

// NewCANSource subscribes to an already connected bus
func NewCANSource(bus canBus, cfg CANConfig, logger *log.Logger) *CANSource {
	if logger == nil {
		logger = log.StandardLogger()
	}
	s := &CANSource{logger: logger.WithField("service", "[OPERATOR]"), bus: bus, cfg: cfg, now: time.Now}
	bus.Subscribe(s)
	return s
}

// OpenCAN connects to a socketcan interface, e.g. "can0"
func OpenCAN(iface string, cfg CANConfig, logger *log.Logger) (*CANSource, error) {
	bus, err := sockcan.NewBusForInterfaceWithName(iface)
	if err != nil {
		return nil, err
	}
	s := NewCANSource(bus, cfg, logger)
	s.closer = bus.Disconnect
	go func() {
		if err := bus.ConnectAndPublish(); err != nil {
			s.logger.Errorf("can bus %v stopped : %v", iface, err)
		}
	}()
	return s, nil
}

// Handle implements the brutella/can handler
func (s *CANSource) Handle(frame sockcan.Frame) {
	if frame.ID != s.cfg.CommandID {
		return
	}
	if frame.Length < 8 {
		s.mu.Lock()
		s.short++
		s.mu.Unlock()
		return
	}
	position := int32(binary.LittleEndian.Uint32(frame.Data[0:4]))
	force := int32(binary.LittleEndian.Uint32(frame.Data[4:8]))
	s.store(Command{
		Time:     s.now(),
		Position: physic.Distance(position) * canPositionUnit,
		Force:    physic.Force(force) * canForceUnit,
	})
}

// Short is the number of command frames too short to be decoded
func (s *CANSource) Short() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.short
}

func (s *CANSource) Send(fb Feedback) error {
	if s.cfg.FeedbackID == 0 {
		return nil
	}
	frame := sockcan.Frame{ID: s.cfg.FeedbackID, Length: 8}
	binary.LittleEndian.PutUint32(frame.Data[0:4], uint32(saturate(int64(fb.Position/canPositionUnit))))
	binary.LittleEndian.PutUint32(frame.Data[4:8], uint32(saturate(int64(fb.Force/canForceUnit))))
	return s.bus.Publish(frame)
}

func (s *CANSource) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}

func saturate(v int64) int32 {
	return int32(max(math.MinInt32, min(math.MaxInt32, v)))
}
