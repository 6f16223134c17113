// Package timing releases the cyclic task at a fixed period.
//
// Every cycle is opened by [Scheduler.Wait] and closed by [Scheduler.Done].
// The sleep before a release is corrected by the lateness of the previous
// wake up, within a bound, so that releases do not drift. Work exceeding a
// fraction of the period is reported as an overrun. Periods fully missed are
// skipped and counted.
package timing

import (
	"context"
	"fmt"
	"sync"
	"time"

	ecat "github.com/samsamfire/goecat"
	log "github.com/sirupsen/logrus"
)

const (
	DefaultPeriod          = time.Millisecond
	DefaultOverrunFraction = 0.9
	DefaultStreakBudget    = 5
)

type Config struct {
	Period time.Duration
	// Work above OverrunFraction * Period is an overrun
	OverrunFraction float64
	// Consecutive overruns tolerated, enforced by the safety node
	StreakBudget int
	// Maximum correction applied to one sleep, Period/10 by default
	MaxCorrection time.Duration
}

func (c *Config) applyDefaults() {
	if c.Period <= 0 {
		c.Period = DefaultPeriod
	}
	if c.OverrunFraction <= 0 || c.OverrunFraction > 1 {
		c.OverrunFraction = DefaultOverrunFraction
	}
	if c.StreakBudget <= 0 {
		c.StreakBudget = DefaultStreakBudget
	}
	if c.MaxCorrection <= 0 {
		c.MaxCorrection = c.Period / 10
	}
}

func (c Config) Validate() error {
	if c.MaxCorrection >= c.Period {
		return fmt.Errorf("%w : correction %v must be below period %v", ecat.ErrIllegalArgument, c.MaxCorrection, c.Period)
	}
	return nil
}

// Clock abstracts time for the scheduler
type Clock interface {
	Now() time.Time
	// Sleep returns early with the context error
	Sleep(ctx context.Context, d time.Duration) error
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// SystemClock is the monotonic wall clock
func SystemClock() Clock {
	return systemClock{}
}

// Tick describes a release
type Tick struct {
	Cycle uint64
	// Nominal release time and actual wake up
	Release time.Time
	Wake    time.Time
	// Periods skipped before this release
	Skipped int
}

// Report closes a cycle
type Report struct {
	Cycle   uint64
	Work    time.Duration
	Period  time.Duration
	Jitter  time.Duration
	Overrun bool
	// Consecutive overruns including this cycle
	Streak  int
	Skipped int
}

// Summary of a duration series
type Summary struct {
	Min   time.Duration
	Max   time.Duration
	Mean  time.Duration
	count int64
	total time.Duration
}

func (s *Summary) add(d time.Duration) {
	if s.count == 0 || d < s.Min {
		s.Min = d
	}
	if s.count == 0 || d > s.Max {
		s.Max = d
	}
	s.count++
	s.total += d
	s.Mean = s.total / time.Duration(s.count)
}

func (s Summary) String() string {
	return fmt.Sprintf("min %v max %v mean %v", s.Min, s.Max, s.Mean)
}

type Stats struct {
	Cycles    uint64
	Overruns  uint64
	Missed    uint64
	Streak    int
	MaxStreak int
	Period    Summary
	Work      Summary
	Jitter    Summary
}

type Scheduler struct {
	logger *log.Entry
	cfg    Config
	clock  Clock
	// owned by the cyclic task
	cycle       uint64
	nominal     time.Time
	lastNominal time.Time
	lastWake    time.Time
	wake        time.Time
	period      time.Duration
	skipped     int
	statsMu     sync.Mutex
	stats       Stats
}

func New(cfg Config, clock Clock, logger *log.Logger) (*Scheduler, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if clock == nil {
		clock = SystemClock()
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Scheduler{logger: logger.WithField("service", "[TIMING]"), cfg: cfg, clock: clock}, nil
}

func (s *Scheduler) Config() Config {
	return s.cfg
}

// Wait sleeps until the next release. The first release is immediate.
func (s *Scheduler) Wait(ctx context.Context) (Tick, error) {
	if err := ctx.Err(); err != nil {
		return Tick{}, err
	}
	period := s.cfg.Period
	now := s.clock.Now()
	s.skipped = 0
	if s.cycle == 0 {
		s.nominal = now
		s.lastNominal = now
	} else {
		s.lastNominal = s.nominal
		s.nominal = s.nominal.Add(period)
		target := s.lastWake.Add(period - s.correction())
		if late := now.Sub(s.nominal); late >= period {
			s.skipped = int(late / period)
			s.nominal = s.nominal.Add(time.Duration(s.skipped) * period)
			target = s.nominal
			s.logger.Debugf("skipped %d periods", s.skipped)
		}
		if d := target.Sub(now); d > 0 {
			if err := s.clock.Sleep(ctx, d); err != nil {
				return Tick{}, err
			}
		}
	}
	s.cycle++
	s.wake = s.clock.Now()
	tick := Tick{Cycle: s.cycle, Release: s.nominal, Wake: s.wake, Skipped: s.skipped}
	s.statsMu.Lock()
	if s.cycle > 1 {
		s.period = s.wake.Sub(s.lastWake)
		s.stats.Period.add(s.period)
	}
	s.stats.Jitter.add(s.wake.Sub(s.nominal))
	s.stats.Missed += uint64(s.skipped)
	s.statsMu.Unlock()
	s.lastWake = s.wake
	return tick, nil
}

// lateness of the previous wake up, within bounds
func (s *Scheduler) correction() time.Duration {
	late := s.lastWake.Sub(s.lastNominal)
	return max(-s.cfg.MaxCorrection, min(s.cfg.MaxCorrection, late))
}

// Done closes the cycle opened by the last [Scheduler.Wait]
func (s *Scheduler) Done() Report {
	work := s.clock.Now().Sub(s.wake)
	overrun := float64(work) > s.cfg.OverrunFraction*float64(s.cfg.Period)
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	s.stats.Cycles++
	s.stats.Work.add(work)
	if overrun {
		s.stats.Overruns++
		s.stats.Streak++
		s.stats.MaxStreak = max(s.stats.MaxStreak, s.stats.Streak)
		s.logger.Debugf("overrun on cycle %d : %v (%d consecutive)", s.cycle, work, s.stats.Streak)
	} else {
		s.stats.Streak = 0
	}
	report := Report{
		Cycle:   s.cycle,
		Work:    work,
		Period:  s.period,
		Jitter:  s.wake.Sub(s.nominal),
		Overrun: overrun,
		Streak:  s.stats.Streak,
		Skipped: s.skipped,
	}
	return report
}

func (s *Scheduler) Stats() Stats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return s.stats
}
