package telemetry

import (
	"time"

	"github.com/samsamfire/goecat/pkg/controller"
	"github.com/samsamfire/goecat/pkg/haptic"
	"github.com/samsamfire/goecat/pkg/lifecycle"
	"github.com/samsamfire/goecat/pkg/master"
	"github.com/samsamfire/goecat/pkg/pdo"
	"github.com/samsamfire/goecat/pkg/safety"
	"github.com/samsamfire/goecat/pkg/slave"
	"github.com/samsamfire/goecat/pkg/timing"
)

type SlaveStatus struct {
	ID         int
	Name       string
	Kind       string
	Position   uint16
	State      string
	StatusCode uint16
	Health     slave.Health
	Received   pdo.ReceivedData
	Command    pdo.Command
}

type LifecycleStatus struct {
	State      string
	Pending    string
	Recovering bool
	LastFault  *lifecycle.Fault
	Counters   lifecycle.Counters
}

type SafetyStatus struct {
	Clean    bool
	Active   string
	Counters safety.Counters
}

type TimingStatus struct {
	Last  timing.Report
	Stats timing.Stats
}

// Snapshot is the state of the network after one cycle
type Snapshot struct {
	Cycle     uint64
	Time      time.Time
	Lifecycle LifecycleStatus
	Safety    SafetyStatus
	Timing    TimingStatus
	Master    master.Stats
	Slaves    []SlaveStatus
	Axes      []controller.Status
	Haptic    *haptic.Counters
	// Control errors returned by axes and the haptic node, by axis name
	ControlErrors map[string]uint64
	LastError     string
}

// Slave returns the status of a slave by id
func (s *Snapshot) Slave(id int) (SlaveStatus, bool) {
	if s == nil || id < 0 || id >= len(s.Slaves) {
		return SlaveStatus{}, false
	}
	return s.Slaves[id], true
}
