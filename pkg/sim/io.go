package sim

import (
	"time"

	"github.com/samsamfire/goecat/pkg/od"
	"github.com/samsamfire/goecat/pkg/pdo"
	"github.com/samsamfire/goecat/pkg/slave"
)

type IOConfig struct {
	Name        string
	Mapping     *pdo.Mapping
	VendorId    uint32
	ProductCode uint32
	// Input value at power on, e.g. a normally closed emergency switch on bit 0
	Inputs uint32
}

type digitalIO struct {
	inputs  uint32
	outputs uint32
}

func newIO(position uint16, cfg IOConfig) *Device {
	if cfg.Mapping == nil {
		cfg.Mapping = pdo.DefaultIOMapping()
	}
	io := &digitalIO{inputs: cfg.Inputs}
	d := newDevice(position, cfg.Name, slave.KindIO, cfg.Mapping, io)
	d.addObject(od.IndexDeviceType, 0, od.UNSIGNED32, uint32(0x00010191), true)
	d.addObject(od.IndexIdentity, od.SubIndexVendorId, od.UNSIGNED32, cfg.VendorId, true)
	d.addObject(od.IndexIdentity, od.SubIndexProductCode, od.UNSIGNED32, cfg.ProductCode, true)
	d.addObject(od.IndexIdentity, od.SubIndexRevision, od.UNSIGNED32, uint32(1), true)
	d.addObject(od.IndexIdentity, od.SubIndexSerial, od.UNSIGNED32, uint32(position), true)
	d.addObject(od.IndexIOInputs, 1, od.UNSIGNED8, uint8(0), true)
	d.addObject(od.IndexIOOutputs, 1, od.UNSIGNED8, uint8(0), false)
	return d
}

func (io *digitalIO) step(cmd pdo.Command, operational bool, dt time.Duration) pdo.ReceivedData {
	if operational {
		io.outputs = cmd.DigitalOutputs
	} else {
		io.outputs = 0
	}
	return pdo.ReceivedData{DigitalInputs: io.inputs}
}

func (io *digitalIO) live(index uint16, subindex uint8) (uint64, bool) {
	switch {
	case index == od.IndexIOInputs && subindex == 1:
		return uint64(uint8(io.inputs)), true
	case index == od.IndexIOOutputs && subindex == 1:
		return uint64(uint8(io.outputs)), true
	}
	return 0, false
}

func (io *digitalIO) stateChanged(prev, next slave.ALState) {
	if next < slave.ALOp {
		io.outputs = 0
	}
}
