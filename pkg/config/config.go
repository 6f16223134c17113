// Package config loads the description of an EtherCAT network and of the
// nodes running on top of it from an INI or YAML file.
//
// Both formats describe the same content. Durations are Go duration strings
// ("1ms"), forces and distances carry their unit ("20N", "2mm"), PDO entries
// are written as "index:subindex:type[:bits]" and startup SDO writes as
// "index:subindex:type=value".
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/samsamfire/goecat/pkg/controller"
	"github.com/samsamfire/goecat/pkg/haptic"
	"github.com/samsamfire/goecat/pkg/lifecycle"
	"github.com/samsamfire/goecat/pkg/master"
	"github.com/samsamfire/goecat/pkg/operator"
	"github.com/samsamfire/goecat/pkg/safety"
	"github.com/samsamfire/goecat/pkg/slave"
	"github.com/samsamfire/goecat/pkg/timing"
)

var (
	ErrFormat  = errors.New("unsupported configuration format")
	ErrInvalid = errors.New("invalid configuration")
)

const (
	DefaultInterface = "virtual"
	DefaultChannel   = "localhost:18888"
	DefaultListen    = ":8080"
)

// Operator device kinds
const (
	OperatorNone   = ""
	OperatorStream = "stream"
	OperatorSerial = "serial"
	OperatorCAN    = "can"
)

type Link struct {
	// Registered link interface, e.g. raw, udp or virtual
	Interface string
	Channel   string
}

type Operator struct {
	Kind         string
	Serial       operator.SerialConfig
	CANInterface string
	CAN          operator.CANConfig
}

type HTTP struct {
	Listen string
}

type Logs struct {
	Level      string
	File       string
	MaxSizeMB  int
	MaxAgeDays int
	MaxBackups int
	Compress   bool
}

// Config is the complete, validated configuration of a network
type Config struct {
	Link      Link
	Master    master.Config
	Timing    timing.Config
	Lifecycle lifecycle.Config
	Safety    safety.Config
	Slaves    []slave.Config
	// Position controlled drives, the haptic drive is not part of them
	Axes     []controller.AxisConfig
	Haptic   *haptic.Config
	Operator Operator
	HTTP     HTTP
	Logs     Logs
}

// Load a configuration file, the format is chosen from the extension
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f *file
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".ini":
		f, err = parseINI(raw)
	case ".yaml", ".yml":
		f, err = parseYAML(raw)
	default:
		return nil, fmt.Errorf("%w : %q", ErrFormat, ext)
	}
	if err != nil {
		return nil, fmt.Errorf("%w : %s : %w", ErrInvalid, path, err)
	}
	cfg, err := f.build()
	if err != nil {
		return nil, fmt.Errorf("%w : %s : %w", ErrInvalid, path, err)
	}
	return cfg, nil
}

// Axis returns the configuration of the axis driving a slave
func (c *Config) Axis(slaveID int) (controller.AxisConfig, bool) {
	for _, a := range c.Axes {
		if a.Slave == slaveID {
			return a, true
		}
	}
	return controller.AxisConfig{}, false
}

