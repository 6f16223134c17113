// Package haptic renders the force of a teleoperated axis.
//
// Every cycle the [Node] combines the latest operator command with the
// measured position of the drive into a force, a spring-damper toward the
// operator position plus the operator force, and sends it to the drive as a
// cyclic synchronous torque setpoint.
package haptic

import (
	"math"
	"sync"
	"time"

	ecat "github.com/samsamfire/goecat"
	"github.com/samsamfire/goecat/pkg/controller"
	"github.com/samsamfire/goecat/pkg/operator"
	"github.com/samsamfire/goecat/pkg/pdo"
	log "github.com/sirupsen/logrus"
	"periph.io/x/conn/v3/physic"
)

const DefaultStaleTimeout = 50 * time.Millisecond

type Config struct {
	Name  string
	Slave int
	// Spring stiffness in N/m and damping in N.s/m
	Stiffness float64
	Damping   float64
	MaxForce  physic.Force
	// Operator commands older than this are stale
	StaleTimeout time.Duration
	// Encoder counts per metre of travel
	CountsPerMetre float64
	// Force produced by one unit of drive torque
	ForcePerTorque physic.Force
	// Cycle period of the drive axis, 1ms by default
	Period time.Duration
}

func (c *Config) applyDefaults() {
	if c.Name == "" {
		c.Name = "haptic"
	}
	if c.StaleTimeout <= 0 {
		c.StaleTimeout = DefaultStaleTimeout
	}
	if c.CountsPerMetre <= 0 {
		c.CountsPerMetre = 1e6
	}
	if c.ForcePerTorque <= 0 {
		c.ForcePerTorque = 10 * physic.MilliNewton
	}
}

func (c Config) maxTorque() int16 {
	torque := float64(c.MaxForce) / float64(c.ForcePerTorque)
	return int16(min(math.MaxInt16, torque))
}

type Counters struct {
	Cycles uint64
	// Cycles with a stale operator command
	Stale uint64
	// Cycles where the force was limited
	Saturated uint64
}

type Node struct {
	logger *log.Entry
	cfg    Config
	source operator.Source
	axis   *controller.Axis

	// owned by the cyclic task
	torque    int16
	stale     bool
	saturated bool

	mu       sync.Mutex
	feedback operator.Feedback
	counters Counters
}

func New(cfg Config, source operator.Source, logger *log.Logger) (*Node, error) {
	cfg.applyDefaults()
	if logger == nil {
		logger = log.StandardLogger()
	}
	axis := controller.NewAxis(controller.AxisConfig{
		Name:   cfg.Name,
		Slave:  cfg.Slave,
		Limits: controller.Limits{MaxTorque: cfg.maxTorque()},
		Period: cfg.Period,
	}, logger)
	if err := axis.SetMode(controller.CSTorqueModeParam{}); err != nil {
		return nil, err
	}
	return &Node{
		logger: logger.WithField("service", "[HAPTIC]"),
		cfg:    cfg,
		source: source,
		axis:   axis,
	}, nil
}

func (n *Node) Slave() int {
	return n.cfg.Slave
}

// Axis driving the haptic device, in cyclic synchronous torque
func (n *Node) Axis() *controller.Axis {
	return n.axis
}

// Force computes the force law without limits
func (n *Node) Force(cmd operator.Command, rx pdo.ReceivedData) physic.Force {
	position := float64(rx.ActualPosition) / n.cfg.CountsPerMetre
	velocity := float64(rx.ActualVelocity) / n.cfg.CountsPerMetre
	target := float64(cmd.Position) / float64(physic.Metre)
	newtons := n.cfg.Stiffness*(target-position) - n.cfg.Damping*velocity + float64(cmd.Force)/float64(physic.Newton)
	return physic.Force(newtons * float64(physic.Newton))
}

// Step computes the command of the haptic drive. When the operator command
// is stale the last safe torque is held and an InputStale error is returned.
// A LimitViolation is returned on the first cycle the force is limited.
func (n *Node) Step(now time.Time, rx pdo.ReceivedData) (pdo.Command, error) {
	var err error
	cmd, ok := n.source.Latest()
	stale := !ok || now.Sub(cmd.Time) > n.cfg.StaleTimeout
	saturated := false
	if stale {
		if !n.stale {
			n.logger.Warnf("operator input stale, holding torque %d", n.torque)
		}
		age := "never received"
		if ok {
			age = now.Sub(cmd.Time).String()
		}
		err = ecat.NewControlError(ecat.ControlInputStale, n.cfg.Name, "operator command %s old", age)
	} else {
		force := n.Force(cmd, rx)
		if n.cfg.MaxForce > 0 && (force > n.cfg.MaxForce || force < -n.cfg.MaxForce) {
			force = max(-n.cfg.MaxForce, min(n.cfg.MaxForce, force))
			saturated = true
			if !n.saturated {
				n.logger.Debugf("force limited to %v", force)
				err = ecat.NewControlError(ecat.ControlLimitViolation, n.cfg.Name, "force limited to %v", force)
			}
		}
		limit := float64(math.MaxInt16)
		if mt := n.cfg.maxTorque(); mt > 0 {
			limit = float64(mt)
		}
		n.torque = int16(max(-limit, min(limit, math.Round(float64(force)/float64(n.cfg.ForcePerTorque)))))
	}
	n.stale = stale
	n.saturated = saturated
	if uerr := n.axis.Update(controller.CSTorqueModeParam{TargetTorque: n.torque}); uerr != nil {
		n.logger.Debugf("torque not updated : %v", uerr)
	}
	out, serr := n.axis.Step(rx)
	if err == nil {
		err = serr
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	n.counters.Cycles++
	if stale {
		n.counters.Stale++
	}
	if saturated {
		n.counters.Saturated++
	}
	n.feedback = operator.Feedback{
		Time:     rx.Timestamp,
		Position: physic.Distance(float64(rx.ActualPosition) / n.cfg.CountsPerMetre * float64(physic.Metre)),
		Force:    physic.Force(rx.ActualTorque) * n.cfg.ForcePerTorque,
	}
	return out, err
}

// Feedback is the measured position and force of the last step, for the operator device
func (n *Node) Feedback() operator.Feedback {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.feedback
}

func (n *Node) Counters() Counters {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.counters
}
