package config

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/ini.v1"
	"gopkg.in/yaml.v3"
)

// file is the content of a configuration file before validation
type file struct {
	Link      linkSection      `yaml:"link"`
	Master    masterSection    `yaml:"master"`
	Timing    timingSection    `yaml:"timing"`
	Lifecycle lifecycleSection `yaml:"lifecycle"`
	Safety    safetySection    `yaml:"safety"`
	Haptic    *hapticSection   `yaml:"haptic"`
	Operator  operatorSection  `yaml:"operator"`
	HTTP      httpSection      `yaml:"http"`
	Logs      logSection       `yaml:"logs"`
	Slaves    []slaveSection   `yaml:"slaves"`
}

type linkSection struct {
	Interface string `yaml:"interface"`
	Channel   string `yaml:"channel"`
}

type masterSection struct {
	FrameTimeout     string `yaml:"frameTimeout"`
	FailureThreshold int    `yaml:"failureThreshold"`
	MailboxTimeout   string `yaml:"mailboxTimeout"`
	QueueDepth       int    `yaml:"queueDepth"`
}

type timingSection struct {
	Period          string  `yaml:"period"`
	OverrunFraction float64 `yaml:"overrunFraction"`
	StreakBudget    int     `yaml:"streakBudget"`
	MaxCorrection   string  `yaml:"maxCorrection"`
}

type lifecycleSection struct {
	PromoteTimeout   string `yaml:"promoteTimeout"`
	RecoveryAttempts int    `yaml:"recoveryAttempts"`
	RecoveryBackoff  string `yaml:"recoveryBackoff"`
	MaxBackoff       string `yaml:"maxBackoff"`
}

type emergencySection struct {
	Slave     int   `yaml:"slave"`
	Bit       uint8 `yaml:"bit"`
	ActiveLow bool  `yaml:"activeLow"`
}

type safetySection struct {
	MaxFailures int               `yaml:"maxFailures"`
	AckCycles   int               `yaml:"ackCycles"`
	Emergency   *emergencySection `yaml:"emergency"`
}

type hapticSection struct {
	Slave          int     `yaml:"slave"`
	Stiffness      float64 `yaml:"stiffness"`
	Damping        float64 `yaml:"damping"`
	MaxForce       string  `yaml:"maxForce"`
	StaleTimeout   string  `yaml:"staleTimeout"`
	CountsPerMetre float64 `yaml:"countsPerMetre"`
	ForcePerTorque string  `yaml:"forcePerTorque"`
}

type operatorSection struct {
	Kind       string `yaml:"kind"`
	Port       string `yaml:"port"`
	Baud       int    `yaml:"baud"`
	Interface  string `yaml:"interface"`
	CommandID  uint32 `yaml:"commandId"`
	FeedbackID uint32 `yaml:"feedbackId"`
}

type httpSection struct {
	Listen string `yaml:"listen"`
}

type logSection struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"maxSizeMB"`
	MaxAgeDays int    `yaml:"maxAgeDays"`
	MaxBackups int    `yaml:"maxBackups"`
	Compress   bool   `yaml:"compress"`
}

type limitsSection struct {
	MinPosition     int32  `yaml:"minPosition"`
	MaxPosition     int32  `yaml:"maxPosition"`
	MaxVelocity     uint32 `yaml:"maxVelocity"`
	MaxAcceleration uint32 `yaml:"maxAcceleration"`
	MaxTorque       int16  `yaml:"maxTorque"`
}

type slaveSection struct {
	Name        string        `yaml:"name"`
	Kind        string        `yaml:"kind"`
	VendorId    uint32        `yaml:"vendorId"`
	ProductCode uint32        `yaml:"productCode"`
	MailboxSize int           `yaml:"mailboxSize"`
	Outputs     []string      `yaml:"outputs"`
	Inputs      []string      `yaml:"inputs"`
	Startup     []string      `yaml:"startup"`
	Limits      limitsSection `yaml:"limits"`
}

func parseYAML(raw []byte) (*file, error) {
	f := &file{}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(f); err != nil {
		return nil, err
	}
	return f, nil
}

// parseINI reads the same content as the YAML format, slaves are
// described in sections named "slave.<position>"
func parseINI(raw []byte) (*file, error) {
	doc, err := ini.Load(raw)
	if err != nil {
		return nil, err
	}
	f := &file{}
	r := &iniReader{}

	link := doc.Section("link")
	f.Link = linkSection{
		Interface: link.Key("interface").String(),
		Channel:   link.Key("channel").String(),
	}
	m := doc.Section("master")
	f.Master = masterSection{
		FrameTimeout:     m.Key("frameTimeout").String(),
		FailureThreshold: r.integer(m, "failureThreshold"),
		MailboxTimeout:   m.Key("mailboxTimeout").String(),
		QueueDepth:       r.integer(m, "queueDepth"),
	}
	t := doc.Section("timing")
	f.Timing = timingSection{
		Period:          t.Key("period").String(),
		OverrunFraction: r.float(t, "overrunFraction"),
		StreakBudget:    r.integer(t, "streakBudget"),
		MaxCorrection:   t.Key("maxCorrection").String(),
	}
	l := doc.Section("lifecycle")
	f.Lifecycle = lifecycleSection{
		PromoteTimeout:   l.Key("promoteTimeout").String(),
		RecoveryAttempts: r.integer(l, "recoveryAttempts"),
		RecoveryBackoff:  l.Key("recoveryBackoff").String(),
		MaxBackoff:       l.Key("maxBackoff").String(),
	}
	s := doc.Section("safety")
	f.Safety = safetySection{
		MaxFailures: r.integer(s, "maxFailures"),
		AckCycles:   r.integer(s, "ackCycles"),
	}
	if s.HasKey("emergencySlave") {
		f.Safety.Emergency = &emergencySection{
			Slave:     r.integer(s, "emergencySlave"),
			Bit:       uint8(r.unsigned(s, "emergencyBit", 8)),
			ActiveLow: r.boolean(s, "emergencyActiveLow"),
		}
	}
	if h, err := doc.GetSection("haptic"); err == nil {
		f.Haptic = &hapticSection{
			Slave:          r.integer(h, "slave"),
			Stiffness:      r.float(h, "stiffness"),
			Damping:        r.float(h, "damping"),
			MaxForce:       h.Key("maxForce").String(),
			StaleTimeout:   h.Key("staleTimeout").String(),
			CountsPerMetre: r.float(h, "countsPerMetre"),
			ForcePerTorque: h.Key("forcePerTorque").String(),
		}
	}
	o := doc.Section("operator")
	f.Operator = operatorSection{
		Kind:       o.Key("kind").String(),
		Port:       o.Key("port").String(),
		Baud:       r.integer(o, "baud"),
		Interface:  o.Key("interface").String(),
		CommandID:  uint32(r.unsigned(o, "commandId", 32)),
		FeedbackID: uint32(r.unsigned(o, "feedbackId", 32)),
	}
	f.HTTP.Listen = doc.Section("http").Key("listen").String()
	g := doc.Section("logs")
	f.Logs = logSection{
		Level:      g.Key("level").String(),
		File:       g.Key("file").String(),
		MaxSizeMB:  r.integer(g, "maxSizeMB"),
		MaxAgeDays: r.integer(g, "maxAgeDays"),
		MaxBackups: r.integer(g, "maxBackups"),
		Compress:   r.boolean(g, "compress"),
	}

	// Slaves are ordered by their position, not by their order in the file
	positions := map[int]*ini.Section{}
	keys := []int{}
	for _, section := range doc.Sections() {
		name, found := strings.CutPrefix(section.Name(), "slave.")
		if !found {
			continue
		}
		position, err := strconv.Atoi(name)
		if err != nil || position < 0 {
			return nil, fmt.Errorf("invalid slave section %q", section.Name())
		}
		if _, ok := positions[position]; ok {
			return nil, fmt.Errorf("slave %d described twice", position)
		}
		positions[position] = section
		keys = append(keys, position)
	}
	sort.Ints(keys)
	for i, position := range keys {
		if position != i {
			return nil, fmt.Errorf("slave positions must be contiguous, missing slave.%d", i)
		}
		sec := positions[position]
		f.Slaves = append(f.Slaves, slaveSection{
			Name:        sec.Key("name").String(),
			Kind:        sec.Key("kind").String(),
			VendorId:    uint32(r.unsigned(sec, "vendorId", 32)),
			ProductCode: uint32(r.unsigned(sec, "productCode", 32)),
			MailboxSize: r.integer(sec, "mailboxSize"),
			Outputs:     r.list(sec, "outputs"),
			Inputs:      r.list(sec, "inputs"),
			Startup:     r.list(sec, "startup"),
			Limits: limitsSection{
				MinPosition:     int32(r.intN(sec, "minPosition", 32)),
				MaxPosition:     int32(r.intN(sec, "maxPosition", 32)),
				MaxVelocity:     uint32(r.unsigned(sec, "maxVelocity", 32)),
				MaxAcceleration: uint32(r.unsigned(sec, "maxAcceleration", 32)),
				MaxTorque:       int16(r.intN(sec, "maxTorque", 16)),
			},
		})
	}
	if r.err != nil {
		return nil, r.err
	}
	return f, nil
}

// iniReader parses keys and remembers the first error
type iniReader struct {
	err error
}

func (r *iniReader) fail(sec *ini.Section, key string, err error) {
	if r.err == nil {
		r.err = fmt.Errorf("[%s] %s : %w", sec.Name(), key, err)
	}
}

func (r *iniReader) intN(sec *ini.Section, key string, bits int) int64 {
	if !sec.HasKey(key) {
		return 0
	}
	v, err := strconv.ParseInt(sec.Key(key).String(), 0, bits)
	if err != nil {
		r.fail(sec, key, err)
	}
	return v
}

func (r *iniReader) integer(sec *ini.Section, key string) int {
	return int(r.intN(sec, key, 32))
}

func (r *iniReader) unsigned(sec *ini.Section, key string, bits int) uint64 {
	if !sec.HasKey(key) {
		return 0
	}
	v, err := strconv.ParseUint(sec.Key(key).String(), 0, bits)
	if err != nil {
		r.fail(sec, key, err)
	}
	return v
}

func (r *iniReader) float(sec *ini.Section, key string) float64 {
	if !sec.HasKey(key) {
		return 0
	}
	v, err := sec.Key(key).Float64()
	if err != nil {
		r.fail(sec, key, err)
	}
	return v
}

func (r *iniReader) boolean(sec *ini.Section, key string) bool {
	if !sec.HasKey(key) {
		return false
	}
	v, err := sec.Key(key).Bool()
	if err != nil {
		r.fail(sec, key, err)
	}
	return v
}

func (r *iniReader) list(sec *ini.Section, key string) []string {
	if !sec.HasKey(key) {
		return nil
	}
	return sec.Key(key).Strings(",")
}
