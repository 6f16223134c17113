// Package report renders the commissioning report of a network: its
// configuration, the timing statistics of the cyclic task and the faults
// raised while it ran.
package report

import (
	"time"

	"github.com/samsamfire/goecat/pkg/config"
	"github.com/samsamfire/goecat/pkg/lifecycle"
	"github.com/samsamfire/goecat/pkg/master"
	"github.com/samsamfire/goecat/pkg/network"
	"github.com/samsamfire/goecat/pkg/safety"
	"github.com/samsamfire/goecat/pkg/telemetry"
	"github.com/samsamfire/goecat/pkg/timing"
)

// Report is the content of a commissioning report
type Report struct {
	Title     string
	Generated time.Time
	Config    *config.Config
	// State of the network when the report was generated
	State     string
	Period    time.Duration
	Timing    timing.Stats
	Master    master.Stats
	Lifecycle lifecycle.Counters
	LastFault *lifecycle.Fault
	Safety    safety.Counters
	Faults    []safety.Event
	// Latest telemetry, nil if the network never ran
	Snapshot *telemetry.Snapshot
}

// FromNetwork collects the report content of a network
func FromNetwork(n *network.Network, now time.Time) Report {
	return Report{
		Title:     "Commissioning Report",
		Generated: now,
		Config:    n.Config(),
		State:     n.State().String(),
		Period:    n.Scheduler().Config().Period,
		Timing:    n.Scheduler().Stats(),
		Master:    n.Master().Stats(),
		Lifecycle: n.Lifecycle().Counters(),
		LastFault: n.Lifecycle().LastFault(),
		Safety:    n.Safety().Counters(),
		Faults:    n.Safety().History(),
		Snapshot:  n.Telemetry().Latest(),
	}
}

// Pass is true when no safety fault was raised and no slave went unresponsive
func (r Report) Pass() bool {
	return len(r.Faults) == 0 && r.Master.Unresponsive == 0
}
