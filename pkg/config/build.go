package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/samsamfire/goecat/pkg/controller"
	"github.com/samsamfire/goecat/pkg/haptic"
	"github.com/samsamfire/goecat/pkg/lifecycle"
	"github.com/samsamfire/goecat/pkg/master"
	"github.com/samsamfire/goecat/pkg/od"
	"github.com/samsamfire/goecat/pkg/operator"
	"github.com/samsamfire/goecat/pkg/pdo"
	"github.com/samsamfire/goecat/pkg/safety"
	"github.com/samsamfire/goecat/pkg/sdo"
	"github.com/samsamfire/goecat/pkg/slave"
	"github.com/samsamfire/goecat/pkg/timing"
	"periph.io/x/conn/v3/physic"
)

// Entry is one object of a PDO mapping as written in a configuration
type Entry struct {
	Index    uint16
	Subindex uint8
	DataType uint8
	// Bit length, the size of the data type unless given
	Bits uint16
}

// ParseEntry parses "index:subindex:type[:bits]", e.g. "0x6040:0:u16"
func ParseEntry(s string) (Entry, error) {
	fields := strings.Split(strings.TrimSpace(s), ":")
	if len(fields) != 3 && len(fields) != 4 {
		return Entry{}, fmt.Errorf("pdo entry %q : expected index:subindex:type[:bits]", s)
	}
	index, subindex, err := parseAddress(fields[0], fields[1])
	if err != nil {
		return Entry{}, fmt.Errorf("pdo entry %q : %w", s, err)
	}
	dataType, err := od.DataTypeFromString(fields[2])
	if err != nil {
		return Entry{}, fmt.Errorf("pdo entry %q : %w", s, err)
	}
	e := Entry{Index: index, Subindex: subindex, DataType: dataType, Bits: od.BitSize(dataType)}
	if len(fields) == 4 {
		bits, err := strconv.ParseUint(fields[3], 0, 8)
		if err != nil {
			return Entry{}, fmt.Errorf("pdo entry %q : %w", s, err)
		}
		e.Bits = uint16(bits)
	}
	if e.Bits == 0 || e.Bits > 64 {
		return Entry{}, fmt.Errorf("pdo entry %q : %w", s, pdo.ErrEntryLength)
	}
	return e, nil
}

// ParseStartup parses "index:subindex:type=value", e.g. "0x6060:0:i8=8"
func ParseStartup(s string) (sdo.Data, error) {
	object, value, found := strings.Cut(strings.TrimSpace(s), "=")
	if !found {
		return sdo.Data{}, fmt.Errorf("startup %q : expected index:subindex:type=value", s)
	}
	fields := strings.Split(strings.TrimSpace(object), ":")
	if len(fields) != 3 {
		return sdo.Data{}, fmt.Errorf("startup %q : expected index:subindex:type=value", s)
	}
	index, subindex, err := parseAddress(fields[0], fields[1])
	if err != nil {
		return sdo.Data{}, fmt.Errorf("startup %q : %w", s, err)
	}
	dataType, err := od.DataTypeFromString(fields[2])
	if err != nil {
		return sdo.Data{}, fmt.Errorf("startup %q : %w", s, err)
	}
	raw, err := od.EncodeFromString(strings.TrimSpace(value), dataType)
	if err != nil {
		return sdo.Data{}, fmt.Errorf("startup %q : %w", s, err)
	}
	return sdo.Data{Index: index, Subindex: subindex, DataType: dataType, Value: raw}, nil
}

func parseAddress(index string, subindex string) (uint16, uint8, error) {
	idx, err := strconv.ParseUint(strings.TrimSpace(index), 0, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("index : %w", err)
	}
	sub, err := strconv.ParseUint(strings.TrimSpace(subindex), 0, 8)
	if err != nil {
		return 0, 0, fmt.Errorf("subindex : %w", err)
	}
	return uint16(idx), uint8(sub), nil
}

// builder converts the raw values and keeps the first error
type builder struct {
	err error
}

func (b *builder) fail(field string, err error) {
	if b.err == nil {
		b.err = fmt.Errorf("%s : %w", field, err)
	}
}

func (b *builder) duration(field string, s string) time.Duration {
	if s == "" {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		b.fail(field, err)
	}
	return d
}

func (b *builder) force(field string, s string) physic.Force {
	var f physic.Force
	if s == "" {
		return 0
	}
	if err := f.Set(s); err != nil {
		b.fail(field, err)
	}
	return f
}

func (b *builder) mapping(kind slave.Kind, outputs []string, inputs []string) *pdo.Mapping {
	if len(outputs) == 0 && len(inputs) == 0 {
		switch kind {
		case slave.KindDrive:
			return pdo.DefaultDriveMapping()
		case slave.KindIO:
			return pdo.DefaultIOMapping()
		}
		return pdo.NewMapping()
	}
	m := pdo.NewMapping()
	add := func(dir pdo.Direction, entries []string) {
		for _, s := range entries {
			e, err := ParseEntry(s)
			if err != nil {
				b.fail(dir.String()+"s", err)
				return
			}
			if err := m.AddBits(dir, e.Index, e.Subindex, e.DataType, e.Bits); err != nil {
				b.fail(dir.String()+"s", err)
				return
			}
		}
	}
	add(pdo.Output, outputs)
	add(pdo.Input, inputs)
	return m
}

func orDefault(s string, def string) string {
	if s == "" {
		return def
	}
	return s
}

func (f *file) build() (*Config, error) {
	b := &builder{}
	cfg := &Config{
		Link: Link{
			Interface: orDefault(f.Link.Interface, DefaultInterface),
			Channel:   orDefault(f.Link.Channel, DefaultChannel),
		},
		Master: master.Config{
			FrameTimeout:     b.duration("master.frameTimeout", f.Master.FrameTimeout),
			FailureThreshold: f.Master.FailureThreshold,
			MailboxTimeout:   b.duration("master.mailboxTimeout", f.Master.MailboxTimeout),
			QueueDepth:       f.Master.QueueDepth,
		},
		Timing: timing.Config{
			Period:          b.duration("timing.period", f.Timing.Period),
			OverrunFraction: f.Timing.OverrunFraction,
			StreakBudget:    f.Timing.StreakBudget,
			MaxCorrection:   b.duration("timing.maxCorrection", f.Timing.MaxCorrection),
		},
		Lifecycle: lifecycle.Config{
			PromoteTimeout:   b.duration("lifecycle.promoteTimeout", f.Lifecycle.PromoteTimeout),
			RecoveryAttempts: f.Lifecycle.RecoveryAttempts,
			RecoveryBackoff:  b.duration("lifecycle.recoveryBackoff", f.Lifecycle.RecoveryBackoff),
			MaxBackoff:       b.duration("lifecycle.maxBackoff", f.Lifecycle.MaxBackoff),
		},
		Safety: safety.Config{
			MaxFailures:  f.Safety.MaxFailures,
			StreakBudget: f.Timing.StreakBudget,
			AckCycles:    f.Safety.AckCycles,
		},
		HTTP: HTTP{Listen: orDefault(f.HTTP.Listen, DefaultListen)},
		Logs: Logs(f.Logs),
	}
	if b.err != nil {
		return nil, b.err
	}
	if cfg.Master.FrameTimeout > 0 && cfg.Timing.Period > 0 && cfg.Master.FrameTimeout >= cfg.Timing.Period {
		return nil, fmt.Errorf("master.frameTimeout %v must be below timing.period %v", cfg.Master.FrameTimeout, cfg.Timing.Period)
	}
	if len(f.Slaves) == 0 {
		return nil, fmt.Errorf("no slaves configured")
	}

	hapticSlave := -1
	if f.Haptic != nil {
		hapticSlave = f.Haptic.Slave
	}
	for position, s := range f.Slaves {
		kind, err := slave.KindFromString(orDefault(s.Kind, "generic"))
		if err != nil {
			return nil, fmt.Errorf("slave %d : %w", position, err)
		}
		name := orDefault(s.Name, fmt.Sprintf("%s%d", kind, position))
		sc := slave.Config{
			Name:        name,
			Position:    uint16(position),
			Kind:        kind,
			VendorId:    s.VendorId,
			ProductCode: s.ProductCode,
			MailboxSize: s.MailboxSize,
			Mapping:     b.mapping(kind, s.Outputs, s.Inputs),
		}
		for _, startup := range s.Startup {
			data, err := ParseStartup(startup)
			if err != nil {
				return nil, fmt.Errorf("slave %d : %w", position, err)
			}
			sc.Startup = append(sc.Startup, data)
		}
		if b.err != nil {
			return nil, fmt.Errorf("slave %d : %w", position, b.err)
		}
		if err := sc.Mapping.Validate(); err != nil {
			return nil, fmt.Errorf("slave %d : %w", position, err)
		}
		cfg.Slaves = append(cfg.Slaves, sc)
		if kind != slave.KindDrive {
			continue
		}
		l := s.Limits
		cfg.Safety.Axes = append(cfg.Safety.Axes, safety.AxisLimits{
			Slave:       position,
			MinPosition: l.MinPosition,
			MaxPosition: l.MaxPosition,
			MaxVelocity: l.MaxVelocity,
			MaxTorque:   l.MaxTorque,
		})
		if position == hapticSlave {
			continue
		}
		cfg.Axes = append(cfg.Axes, controller.AxisConfig{
			Name:  name,
			Slave: position,
			Limits: controller.Limits{
				MinPosition:     l.MinPosition,
				MaxPosition:     l.MaxPosition,
				MaxVelocity:     l.MaxVelocity,
				MaxAcceleration: l.MaxAcceleration,
				MaxTorque:       l.MaxTorque,
			},
			Period: cfg.Timing.Period,
		})
	}

	if e := f.Safety.Emergency; e != nil {
		if e.Slave < 0 || e.Slave >= len(cfg.Slaves) {
			return nil, fmt.Errorf("safety.emergency : no slave %d", e.Slave)
		}
		if e.Bit >= 32 {
			return nil, fmt.Errorf("safety.emergency : invalid bit %d", e.Bit)
		}
		cfg.Safety.Emergency = &safety.EmergencyInput{Slave: e.Slave, Bit: e.Bit, ActiveLow: e.ActiveLow}
	}

	if h := f.Haptic; h != nil {
		if h.Slave < 0 || h.Slave >= len(cfg.Slaves) || cfg.Slaves[h.Slave].Kind != slave.KindDrive {
			return nil, fmt.Errorf("haptic : slave %d is not a drive", h.Slave)
		}
		cfg.Haptic = &haptic.Config{
			Name:           cfg.Slaves[h.Slave].Name,
			Slave:          h.Slave,
			Stiffness:      h.Stiffness,
			Damping:        h.Damping,
			MaxForce:       b.force("haptic.maxForce", h.MaxForce),
			StaleTimeout:   b.duration("haptic.staleTimeout", h.StaleTimeout),
			CountsPerMetre: h.CountsPerMetre,
			ForcePerTorque: b.force("haptic.forcePerTorque", h.ForcePerTorque),
			Period:         cfg.Timing.Period,
		}
	}

	o := f.Operator
	cfg.Operator = Operator{
		Kind:         o.Kind,
		Serial:       operator.SerialConfig{Name: o.Port, Baud: o.Baud},
		CANInterface: o.Interface,
		CAN:          operator.CANConfig{CommandID: o.CommandID, FeedbackID: o.FeedbackID},
	}
	switch o.Kind {
	case OperatorNone, OperatorStream:
	case OperatorSerial:
		if o.Port == "" {
			return nil, fmt.Errorf("operator : serial port missing")
		}
	case OperatorCAN:
		if o.Interface == "" || o.CommandID == 0 {
			return nil, fmt.Errorf("operator : can interface and command id are required")
		}
	default:
		return nil, fmt.Errorf("operator : unknown kind %q", o.Kind)
	}
	if b.err != nil {
		return nil, b.err
	}
	return cfg, nil
}

// Default configuration, two position controlled drives and a digital IO
// module with a normally closed emergency switch on its first input
func Default() *Config {
	f := &file{
		Safety: safetySection{
			Emergency: &emergencySection{Slave: 2, Bit: 0, ActiveLow: true},
		},
		Slaves: []slaveSection{
			{Name: "axis-x", Kind: "drive", Startup: []string{"0x605A:0:i16=2"}, Limits: defaultLimits},
			{Name: "axis-y", Kind: "drive", Startup: []string{"0x605A:0:i16=2"}, Limits: defaultLimits},
			{Name: "io", Kind: "io"},
		},
	}
	cfg, err := f.build()
	if err != nil {
		panic(err)
	}
	return cfg
}

var defaultLimits = limitsSection{
	MinPosition:     -500_000,
	MaxPosition:     500_000,
	MaxVelocity:     200_000,
	MaxAcceleration: 2_000_000,
	MaxTorque:       1000,
}
