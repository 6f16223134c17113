// Package sim simulates an EtherCAT segment of CiA402 drives and digital IO
// modules. It processes datagrams against a register memory per slave,
// the same way a slave controller does, so that the master can be tested
// without hardware. A segment can be used directly as a [link.Bus] or
// served over TCP to the virtual link.
package sim

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/samsamfire/goecat/pkg/frame"
	"github.com/samsamfire/goecat/pkg/link"
	"github.com/samsamfire/goecat/pkg/link/virtual"
	"github.com/samsamfire/goecat/pkg/slave"
	log "github.com/sirupsen/logrus"
)

const (
	DefaultCycleTime = time.Millisecond
	defaultTimeout   = 10 * time.Millisecond
)

var ErrNotADrive = errors.New("slave is not a drive")

type Config struct {
	// Time the slaves advance on every frame
	CycleTime time.Duration
}

type Segment struct {
	mu        sync.Mutex
	logger    *log.Entry
	cfg       Config
	devices   []*Device
	connected bool
	drop      int
	corrupt   int
	frames    uint64
}

func New(cfg Config) *Segment {
	if cfg.CycleTime == 0 {
		cfg.CycleTime = DefaultCycleTime
	}
	return &Segment{cfg: cfg, logger: log.WithField("service", "[SIM]")}
}

// FromConfigs creates one simulated slave per configuration, in position order
func FromConfigs(cfg Config, slaves []slave.Config) *Segment {
	s := New(cfg)
	for _, sc := range slaves {
		switch sc.Kind {
		case slave.KindDrive:
			s.AddDrive(DriveConfig{Name: sc.Name, Mapping: sc.Mapping, VendorId: sc.VendorId, ProductCode: sc.ProductCode})
		default:
			// emergency switch released
			s.AddIO(IOConfig{Name: sc.Name, Mapping: sc.Mapping, VendorId: sc.VendorId, ProductCode: sc.ProductCode, Inputs: 0x01})
		}
	}
	return s
}

func (s *Segment) add(d *Device) *Device {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices = append(s.devices, d)
	return d
}

// AddDrive appends a drive at the end of the segment
func (s *Segment) AddDrive(cfg DriveConfig) *Device {
	return s.add(newDrive(uint16(len(s.Devices())), cfg))
}

// AddIO appends a digital IO module at the end of the segment
func (s *Segment) AddIO(cfg IOConfig) *Device {
	return s.add(newIO(uint16(len(s.Devices())), cfg))
}

func (s *Segment) Devices() []*Device {
	s.mu.Lock()
	defer s.mu.Unlock()
	devices := make([]*Device, len(s.devices))
	copy(devices, s.devices)
	return devices
}

// Device at a position, nil if there is none
func (s *Segment) Device(position int) *Device {
	s.mu.Lock()
	defer s.mu.Unlock()
	if position < 0 || position >= len(s.devices) {
		return nil
	}
	return s.devices[position]
}

// DropFrames loses the next n frames, the master sees a timeout
func (s *Segment) DropFrames(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drop = n
}

// CorruptFrames returns the next n frames with an invalid header
func (s *Segment) CorruptFrames(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.corrupt = n
}

// Frames returns the number of frames received by the segment
func (s *Segment) Frames() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames
}

// "Connect" implementation of Bus interface
func (s *Segment) Connect(...any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = true
	return nil
}

// "Disconnect" implementation of Bus interface
func (s *Segment) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
	return nil
}

// "Exchange" implementation of Bus interface
func (s *Segment) Exchange(ctx context.Context, b []byte) ([]byte, error) {
	s.mu.Lock()
	connected := s.connected
	s.mu.Unlock()
	if !connected {
		return nil, link.ErrNotConnected
	}
	response, ok := s.handle(b)
	if ok {
		return response, nil
	}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultTimeout)
		defer cancel()
	}
	<-ctx.Done()
	return nil, link.ErrNoResponse
}

// handle a frame and returns the frame that goes back to the master,
// false if nothing goes back
func (s *Segment) handle(b []byte) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames++
	if s.drop > 0 {
		s.drop--
		return nil, false
	}
	f, err := frame.Decode(b)
	if err != nil {
		s.logger.Warnf("dropping undecodable frame : %v", err)
		return nil, false
	}
	for _, dg := range f.Datagrams {
		s.process(dg)
	}
	for _, d := range s.devices {
		d.mu.Lock()
		if d.silent > 0 {
			d.silent--
		} else {
			d.cycle(s.cfg.CycleTime)
		}
		d.mu.Unlock()
	}
	response, err := f.MarshalBinary()
	if err != nil {
		s.logger.Errorf("failed to encode response : %v", err)
		return nil, false
	}
	if s.corrupt > 0 {
		s.corrupt--
		// unknown frame type
		response[1] = response[1]&0x0F | 0xF0
	}
	return response, true
}

func (s *Segment) process(dg *frame.Datagram) {
	adp := dg.Station()
	for _, d := range s.devices {
		d.mu.Lock()
		if d.silent > 0 {
			if dg.Command.AutoIncrement() || dg.Command.Broadcast() {
				adp++
			}
		} else {
			dg.WorkingCounter += d.process(dg, &adp)
		}
		d.mu.Unlock()
	}
	if dg.Command.AutoIncrement() || dg.Command.Broadcast() {
		dg.Address = dg.Address&0xFFFF0000 | uint32(adp)
	}
}

// process one datagram, returns the working counter increment
func (d *Device) process(dg *frame.Datagram, adp *uint16) uint16 {
	cmd := dg.Command
	switch {
	case cmd == frame.NOP:
		return 0
	case cmd.Logical():
		return d.logical(dg.Address, dg.Data, cmd.Reads(), cmd.Writes())
	case cmd.Broadcast():
		*adp++
		return d.physical(cmd, dg.Offset(), dg.Data, true)
	case cmd.AutoIncrement():
		addressed := *adp == 0
		*adp++
		if cmd == frame.ARMW {
			return d.readMultipleWrite(addressed, dg.Offset(), dg.Data)
		}
		if !addressed {
			return 0
		}
		return d.physical(cmd, dg.Offset(), dg.Data, false)
	default:
		addressed := dg.Station() == d.station()
		if cmd == frame.FRMW {
			return d.readMultipleWrite(addressed, dg.Offset(), dg.Data)
		}
		if !addressed {
			return 0
		}
		return d.physical(cmd, dg.Offset(), dg.Data, false)
	}
}

func (d *Device) physical(cmd frame.Command, offset uint16, data []byte, broadcast bool) uint16 {
	switch {
	case cmd.Reads() && cmd.Writes():
		var wkc uint16
		read := make([]byte, len(data))
		if broadcast {
			copy(read, data)
		}
		if d.read(offset, read, broadcast) {
			wkc += 1
		}
		if d.write(offset, data) {
			wkc += 2
		}
		copy(data, read)
		return wkc
	case cmd.Reads():
		if d.read(offset, data, broadcast) {
			return 1
		}
	case cmd.Writes():
		if d.write(offset, data) {
			return 1
		}
	}
	return 0
}

// The addressed slave reads, every other slave writes
func (d *Device) readMultipleWrite(addressed bool, offset uint16, data []byte) uint16 {
	if addressed {
		if d.read(offset, data, false) {
			return 1
		}
		return 0
	}
	if d.write(offset, data) {
		return 1
	}
	return 0
}

// SetInputs sets the digital inputs of an IO module
func (d *Device) SetInputs(value uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	io, ok := d.behaviour.(*digitalIO)
	if !ok {
		return fmt.Errorf("slave %d is not an io module", d.Position)
	}
	io.inputs = value
	return nil
}

// Fault puts a drive in fault state with an error code (0x603F)
func (d *Device) Fault(code uint16) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	dr, ok := d.behaviour.(*drive)
	if !ok {
		return ErrNotADrive
	}
	dr.fault(code)
	return nil
}

// Serve the segment over TCP to virtual links until ctx is cancelled
func (s *Segment) Serve(ctx context.Context, listener net.Listener) error {
	stop := context.AfterFunc(ctx, func() { listener.Close() })
	defer stop()
	wg := sync.WaitGroup{}
	defer wg.Wait()
	s.logger.Infof("serving segment on %v", listener.Addr())
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.serveConn(ctx, conn)
		}()
	}
}

func (s *Segment) serveConn(ctx context.Context, conn net.Conn) {
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	defer conn.Close()
	s.logger.Infof("master connected from %v", conn.RemoteAddr())
	for {
		sequence, payload, err := virtual.ReadMessage(conn)
		if err != nil {
			s.logger.Infof("master disconnected : %v", err)
			return
		}
		response, ok := s.handle(payload)
		if !ok {
			continue
		}
		if err := virtual.WriteMessage(conn, sequence, response); err != nil {
			s.logger.Warnf("failed to answer : %v", err)
			return
		}
	}
}
