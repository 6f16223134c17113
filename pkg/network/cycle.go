package network

import (
	"context"
	"errors"

	ecat "github.com/samsamfire/goecat"
	"github.com/samsamfire/goecat/pkg/controller"
	"github.com/samsamfire/goecat/pkg/lifecycle"
	"github.com/samsamfire/goecat/pkg/pdo"
	"github.com/samsamfire/goecat/pkg/safety"
	"github.com/samsamfire/goecat/pkg/slave"
	"github.com/samsamfire/goecat/pkg/telemetry"
	"github.com/samsamfire/goecat/pkg/timing"
)

// RunOnce waits for the next release and runs one cycle. It only fails when
// ctx is done, communication problems are handled by the lifecycle.
// It must not be called concurrently, [Network.Start] calls it in a loop.
func (n *Network) RunOnce(ctx context.Context) error {
	n.mu.Lock()
	connected := n.connected
	n.mu.Unlock()
	if !connected {
		return ErrNotConnected
	}
	tick, err := n.scheduler.Wait(ctx)
	if err != nil {
		return err
	}
	n.cycle(ctx, tick)
	n.last = n.scheduler.Done()
	n.publish(tick)
	return nil
}

func (n *Network) cycle(ctx context.Context, tick timing.Tick) {
	if err := n.master.ExchangeCycle(ctx); err != nil {
		n.lastError = err.Error()
		n.handleCommError(err)
	}

	slaves := n.master.Slaves()
	received := make([]pdo.ReceivedData, len(slaves))
	for i := range slaves {
		rx, ok := n.master.Received(i)
		if !ok {
			rx = pdo.ReceivedData{Slave: i}
		}
		received[i] = rx
	}

	candidates := make([]safety.Output, len(slaves))
	for i, s := range slaves {
		candidates[i] = safety.Output{Slave: i, Command: n.command(tick, s, received[i])}
	}

	outputs, _ := n.safety.Validate(candidates, safety.Inputs{
		Cycle:    tick.Cycle,
		Time:     tick.Wake,
		Received: received,
		Health:   n.master.Health(),
		Streak:   n.last.Streak,
	})

	if err := n.master.SetOutputs(n.staged(outputs)); err != nil {
		n.log.Errorf("staging outputs : %v", err)
	}

	n.lifecycle.Process(tick.Wake, func(s lifecycle.State) bool {
		return n.master.Acknowledged(s.ALState())
	}, n.safety.Clean())

	target := n.lifecycle.Pending()
	if target == 0 {
		target = n.lifecycle.State()
	}
	n.master.RequestState(target.ALState())
}

// staged selects what is sent this cycle. Candidates only go out in
// OPERATIONAL, fail-safe outputs whatever the state while a fault is
// latched, zero commands otherwise.
func (n *Network) staged(outputs []safety.Output) []pdo.Command {
	commands := make([]pdo.Command, len(outputs))
	if n.lifecycle.State() != lifecycle.Operational && n.safety.Clean() {
		return commands
	}
	for _, o := range outputs {
		commands[o.Slave] = o.Command
	}
	return commands
}

// Only persistent failures reach the lifecycle, a single lost frame is
// covered by the failure threshold of the master
func (n *Network) handleCommError(err error) {
	var commErr *ecat.CommError
	if !errors.As(err, &commErr) {
		n.log.Errorf("cycle failed : %v", err)
		n.lifecycle.Demote(err)
		return
	}
	switch commErr.Kind {
	case ecat.CommSlaveUnresponsive, ecat.CommLinkDown, ecat.CommSlaveCount:
		n.lifecycle.Demote(err)
	default:
		n.log.Debugf("cycle lost : %v", err)
	}
}

// command computes the candidate outputs of one slave
func (n *Network) command(tick timing.Tick, s *slave.Slave, rx pdo.ReceivedData) pdo.Command {
	if axis, ok := n.axes[s.ID]; ok {
		cmd, err := axis.Step(rx)
		n.controlError(axis.Name(), err)
		return cmd
	}
	if n.haptic != nil && n.haptic.Slave() == s.ID {
		cmd, err := n.haptic.Step(tick.Wake, rx)
		n.controlError(n.haptic.Axis().Name(), err)
		if n.sink != nil {
			if err := n.sink.Send(n.haptic.Feedback()); err != nil {
				n.log.Debugf("operator feedback : %v", err)
			}
		}
		return cmd
	}
	if s.Kind == slave.KindIO {
		return pdo.Command{DigitalOutputs: n.digitalOutputs(s.ID)}
	}
	return pdo.Command{}
}

func (n *Network) controlError(axis string, err error) {
	if err == nil {
		return
	}
	n.controlErrors[axis]++
	n.lastError = err.Error()
	if errors.Is(err, controller.ErrHomingFailed) {
		n.log.Warnf("%v : %v", axis, err)
		return
	}
	// clamped setpoints are expected while following a fast operator
	n.log.Debugf("%v", err)
}

// publish builds the snapshot of the cycle, it is never modified afterwards
func (n *Network) publish(tick timing.Tick) {
	outputs := n.master.Outputs()
	slaves := n.master.Slaves()
	snapshot := &telemetry.Snapshot{
		Cycle: tick.Cycle,
		Time:  tick.Wake,
		Lifecycle: telemetry.LifecycleStatus{
			State:      n.lifecycle.State().String(),
			Recovering: n.lifecycle.Recovering(),
			LastFault:  n.lifecycle.LastFault(),
			Counters:   n.lifecycle.Counters(),
		},
		Safety: telemetry.SafetyStatus{
			Clean:    n.safety.Clean(),
			Counters: n.safety.Counters(),
		},
		Timing: telemetry.TimingStatus{
			Last:  n.last,
			Stats: n.scheduler.Stats(),
		},
		Master:        n.master.Stats(),
		Slaves:        make([]telemetry.SlaveStatus, len(slaves)),
		ControlErrors: make(map[string]uint64, len(n.controlErrors)),
		LastError:     n.lastError,
	}
	if pending := n.lifecycle.Pending(); pending != 0 {
		snapshot.Lifecycle.Pending = pending.String()
	}
	if fault := n.safety.Active(); fault != nil {
		snapshot.Safety.Active = fault.Error()
	}
	for i, s := range slaves {
		rx, _ := s.Received()
		status := telemetry.SlaveStatus{
			ID:         s.ID,
			Name:       s.Name,
			Kind:       s.Kind.String(),
			Position:   s.Position,
			State:      s.State().String(),
			StatusCode: s.StatusCode(),
			Health:     s.Health(),
			Received:   rx,
		}
		if i < len(outputs) {
			status.Command = outputs[i]
		}
		snapshot.Slaves[i] = status
	}
	for _, axis := range n.Axes() {
		snapshot.Axes = append(snapshot.Axes, axis.Status())
	}
	if n.haptic != nil {
		snapshot.Axes = append(snapshot.Axes, n.haptic.Axis().Status())
		counters := n.haptic.Counters()
		snapshot.Haptic = &counters
	}
	for axis, count := range n.controlErrors {
		snapshot.ControlErrors[axis] = count
	}
	n.telemetry.Publish(snapshot)
}
