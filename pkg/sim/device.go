package sim

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/samsamfire/goecat/pkg/od"
	"github.com/samsamfire/goecat/pkg/pdo"
	"github.com/samsamfire/goecat/pkg/sdo"
	"github.com/samsamfire/goecat/pkg/slave"
	log "github.com/sirupsen/logrus"
)

const (
	memorySize = 0x2000
	fmmuCount  = 4
	// AL status codes reported on a refused transition
	CodeInvalidStateChange uint16 = 0x0011
	CodeUnknownState       uint16 = 0x0012
)

// A behaviour is the application running on a simulated slave
type behaviour interface {
	// Apply outputs and compute the inputs of the next cycle.
	// Outputs are only valid when operational.
	step(cmd pdo.Command, operational bool, dt time.Duration) pdo.ReceivedData
	// Live value of a dictionary entry, false if not a live object
	live(index uint16, subindex uint8) (uint64, bool)
	stateChanged(prev, next slave.ALState)
}

type object struct {
	dataType uint8
	value    []byte
	readOnly bool
}

// Device is one simulated slave. It owns a register memory that datagrams
// read and write, and reacts to AL control and mailbox writes.
type Device struct {
	mu          sync.Mutex
	logger      *log.Entry
	Name        string
	Position    uint16
	Kind        slave.Kind
	mapping     *pdo.Mapping
	mailboxSize int
	mem         []byte
	objects     map[uint32]*object
	behaviour   behaviour
	response    []byte
	delay       int
	// fault injection
	mailboxDelay int
	mailboxMute  bool
	silent       int
	refused      map[slave.ALState]uint16
	lastCommand  pdo.Command
	lastInputs   pdo.ReceivedData
}

func newDevice(position uint16, name string, kind slave.Kind, mapping *pdo.Mapping, b behaviour) *Device {
	d := &Device{
		logger:      log.WithFields(log.Fields{"service": "[SIM]", "position": position}),
		Name:        name,
		Position:    position,
		Kind:        kind,
		mapping:     mapping,
		mailboxSize: sdo.DefaultMailboxSize,
		mem:         make([]byte, memorySize),
		objects:     map[uint32]*object{},
		behaviour:   b,
		refused:     map[slave.ALState]uint16{},
	}
	d.setStatus(slave.ALInit, 0)
	return d
}

func key(index uint16, subindex uint8) uint32 {
	return uint32(index)<<8 | uint32(subindex)
}

// Add a dictionary entry with its default value
func (d *Device) addObject(index uint16, subindex uint8, dataType uint8, value any, readOnly bool) {
	raw, err := od.EncodeFromType(value)
	if err != nil {
		panic(err)
	}
	d.objects[key(index, subindex)] = &object{dataType: dataType, value: raw, readOnly: readOnly}
}

func (d *Device) station() uint16 {
	return binary.LittleEndian.Uint16(d.mem[slave.RegStationAddress:])
}

func (d *Device) alState() slave.ALState {
	return slave.ALState(d.mem[slave.RegALStatus])
}

func (d *Device) setStatus(state slave.ALState, code uint16) {
	binary.LittleEndian.PutUint16(d.mem[slave.RegALStatus:], uint16(state))
	binary.LittleEndian.PutUint16(d.mem[slave.RegALStatusCode:], code)
}

func overlaps(offset uint16, length int, start uint16, size int) bool {
	return int(offset) < int(start)+size && int(start) < int(offset)+length
}

func inMemory(offset uint16, length int) bool {
	return int(offset)+length <= memorySize
}

// read physical memory into data, broadcast reads are OR'ed.
// Returns false when the slave does not take part in the datagram.
func (d *Device) read(offset uint16, data []byte, or bool) bool {
	if !inMemory(offset, len(data)) {
		return false
	}
	if overlaps(offset, len(data), sdo.DefaultReadMailbox, d.mailboxSize) {
		if d.response == nil || d.delay > 0 {
			return false
		}
		copy(d.mem[sdo.DefaultReadMailbox:], d.response)
		d.response = nil
	}
	src := d.mem[offset : int(offset)+len(data)]
	for i := range data {
		if or {
			data[i] |= src[i]
		} else {
			data[i] = src[i]
		}
	}
	return true
}

func (d *Device) write(offset uint16, data []byte) bool {
	if !inMemory(offset, len(data)) {
		return false
	}
	if overlaps(offset, len(data), sdo.DefaultWriteMailbox, d.mailboxSize) {
		if d.alState().Base() < slave.ALPreOp || d.response != nil {
			return false
		}
		copy(d.mem[offset:], data)
		d.handleMailbox(d.mem[sdo.DefaultWriteMailbox : int(sdo.DefaultWriteMailbox)+d.mailboxSize])
		return true
	}
	copy(d.mem[offset:], data)
	if overlaps(offset, len(data), slave.RegALControl, 2) {
		d.handleALControl(d.mem[slave.RegALControl])
	}
	return true
}

func knownState(state slave.ALState) bool {
	switch state {
	case slave.ALInit, slave.ALPreOp, slave.ALBoot, slave.ALSafeOp, slave.ALOp:
		return true
	}
	return false
}

func validTransition(from, to slave.ALState) bool {
	if to <= from {
		return true
	}
	switch from {
	case slave.ALInit:
		return to == slave.ALPreOp || to == slave.ALBoot
	case slave.ALPreOp:
		return to == slave.ALSafeOp
	case slave.ALSafeOp:
		return to == slave.ALOp
	}
	return false
}

func (d *Device) handleALControl(control byte) {
	requested := slave.ALState(control & 0x0F)
	ack := slave.ALState(control)&slave.ALErrorFlag != 0
	current := d.alState()
	if current.HasError() && !ack {
		return
	}
	if !knownState(requested) {
		d.setStatus(current.Base()|slave.ALErrorFlag, CodeUnknownState)
		return
	}
	if code, refused := d.refused[requested]; refused {
		d.setStatus(current.Base()|slave.ALErrorFlag, code)
		return
	}
	if !validTransition(current.Base(), requested) {
		d.setStatus(current.Base()|slave.ALErrorFlag, CodeInvalidStateChange)
		return
	}
	d.setStatus(requested, 0)
	if requested != current.Base() {
		d.logger.Debugf("state changed | %v ==> %v", current.Base(), requested)
		if requested < slave.ALPreOp {
			d.response = nil
		}
		d.behaviour.stateChanged(current.Base(), requested)
	}
}

func (d *Device) handleMailbox(b []byte) {
	req, counter, err := sdo.DecodeRequest(b)
	if err != nil {
		if err == sdo.AbortCmd {
			d.respond(sdo.EncodeResponse(req, counter, nil, err, d.mailboxSize))
		}
		d.logger.Debugf("ignoring mailbox : %v", err)
		return
	}
	if d.mailboxMute {
		return
	}
	value, abort := d.access(req)
	d.respond(sdo.EncodeResponse(req, counter, value, abort, d.mailboxSize))
}

func (d *Device) respond(response []byte) {
	d.response = response
	d.delay = d.mailboxDelay
}

func (d *Device) access(req sdo.Request) ([]byte, error) {
	obj, ok := d.objects[key(req.Data.Index, req.Data.Subindex)]
	if !ok {
		if _, ok := d.objects[key(req.Data.Index, 0)]; ok {
			return nil, sdo.AbortSubUnknown
		}
		for k := range d.objects {
			if uint16(k>>8) == req.Data.Index {
				return nil, sdo.AbortSubUnknown
			}
		}
		return nil, sdo.AbortNotExist
	}
	switch req.Operation {
	case sdo.Read:
		if v, isLive := d.behaviour.live(req.Data.Index, req.Data.Subindex); isLive {
			raw := make([]byte, 8)
			binary.LittleEndian.PutUint64(raw, v)
			return raw[:len(obj.value)], nil
		}
		value := make([]byte, len(obj.value))
		copy(value, obj.value)
		return value, nil
	default:
		if obj.readOnly {
			return nil, sdo.AbortReadOnly
		}
		switch {
		case len(req.Data.Value) > len(obj.value):
			return nil, sdo.AbortDataLong
		case len(req.Data.Value) < len(obj.value):
			return nil, sdo.AbortDataShort
		}
		copy(obj.value, req.Data.Value)
		return nil, nil
	}
}

// Value of a dictionary entry as an unsigned integer, sign extension is left to the caller
func (d *Device) objectValue(index uint16, subindex uint8) uint64 {
	obj, ok := d.objects[key(index, subindex)]
	if !ok {
		return 0
	}
	raw := make([]byte, 8)
	copy(raw, obj.value)
	return binary.LittleEndian.Uint64(raw)
}

func (d *Device) objectInt(index uint16, subindex uint8) int64 {
	obj, ok := d.objects[key(index, subindex)]
	if !ok {
		return 0
	}
	v, err := od.DecodeToType(obj.value, obj.dataType)
	if err != nil {
		return 0
	}
	switch value := v.(type) {
	case int64:
		return value
	case uint64:
		return int64(value)
	}
	return 0
}

// FMMU configured by the master
func (d *Device) fmmu(n int) slave.FMMU {
	var f slave.FMMU
	addr := slave.FMMUAddress(n)
	_ = f.UnmarshalBinary(d.mem[addr : addr+slave.FMMUSize])
	return f
}

// logical access through the FMMUs, returns working counter increment
func (d *Device) logical(address uint32, data []byte, reads bool, writes bool) uint16 {
	var wkc uint16
	// Process data sync managers are only enabled from safe operational
	if d.alState().Base() < slave.ALSafeOp {
		return 0
	}
	read, written := false, false
	for n := 0; n < fmmuCount; n++ {
		f := d.fmmu(n)
		if !f.Enabled || f.Length == 0 {
			continue
		}
		start := max(address, f.LogicalStart)
		end := min(address+uint32(len(data)), f.LogicalStart+uint32(f.Length))
		if start >= end {
			continue
		}
		phys := int(f.PhysicalStart) + int(start-f.LogicalStart)
		frameData := data[start-address : end-address]
		if phys+len(frameData) > memorySize {
			continue
		}
		switch {
		case f.Type == slave.FMMURead && reads:
			copy(frameData, d.mem[phys:])
			read = true
		case f.Type == slave.FMMUWrite && writes:
			copy(d.mem[phys:], frameData)
			written = true
		}
	}
	if read {
		wkc += 1
	}
	if written {
		wkc += 2
	}
	return wkc
}

// Run the slave application after a frame went through
func (d *Device) cycle(dt time.Duration) {
	outputs := d.mem[slave.RegProcessData : int(slave.RegProcessData)+d.mapping.OutputSize]
	inputStart := int(slave.RegProcessData) + d.mapping.OutputSize
	inputs := d.mem[inputStart : inputStart+d.mapping.InputSize]
	operational := d.alState() == slave.ALOp
	cmd := d.mapping.DecodeCommand(outputs)
	if operational {
		d.lastCommand = cmd
	}
	rx := d.behaviour.step(cmd, operational, dt)
	if d.alState().Base() >= slave.ALSafeOp {
		_ = d.mapping.EncodeInputs(rx, inputs)
	}
	d.lastInputs = rx
	if d.delay > 0 {
		d.delay--
	}
}

// State returns the current AL status
func (d *Device) State() slave.ALState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.alState()
}

// Station address configured by the master
func (d *Device) Station() uint16 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.station()
}

// Last outputs applied while operational
func (d *Device) Command() pdo.Command {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastCommand
}

// Raw outputs currently written by the master, whatever the state
func (d *Device) Outputs() pdo.Command {
	d.mu.Lock()
	defer d.mu.Unlock()
	outputs := d.mem[slave.RegProcessData : int(slave.RegProcessData)+d.mapping.OutputSize]
	return d.mapping.DecodeCommand(outputs)
}

func (d *Device) Inputs() pdo.ReceivedData {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastInputs
}

// Object returns the raw value of a dictionary entry
func (d *Device) Object(index uint16, subindex uint8) ([]byte, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	obj, ok := d.objects[key(index, subindex)]
	if !ok {
		return nil, false
	}
	value := make([]byte, len(obj.value))
	copy(value, obj.value)
	return value, true
}

// Refuse a state transition with the given AL status code
func (d *Device) Refuse(state slave.ALState, code uint16) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.refused[state] = code
}

func (d *Device) Accept(state slave.ALState) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.refused, state)
}

// Ignore the next n frames, the slave keeps forwarding them without processing
func (d *Device) Silence(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.silent = n
}

// Delay mailbox responses by a number of cycles
func (d *Device) SetMailboxDelay(cycles int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.mailboxDelay = cycles
}

// Mute makes the slave accept mailbox requests without ever answering
func (d *Device) MuteMailbox(mute bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.mailboxMute = mute
}
