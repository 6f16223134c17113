// Package network runs the cyclic task of an EtherCAT network.
//
// A [Network] owns the master, the lifecycle, the axis controllers, the
// haptic node and the safety node, and drives them in strict sequence from a
// single goroutine, once per period. Other goroutines only interact with it
// through thread safe requests (lifecycle, modes, SDO) and read its state
// through telemetry snapshots.
package network

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	ecat "github.com/samsamfire/goecat"
	"github.com/samsamfire/goecat/pkg/config"
	"github.com/samsamfire/goecat/pkg/controller"
	"github.com/samsamfire/goecat/pkg/haptic"
	"github.com/samsamfire/goecat/pkg/lifecycle"
	"github.com/samsamfire/goecat/pkg/link"
	"github.com/samsamfire/goecat/pkg/master"
	"github.com/samsamfire/goecat/pkg/operator"
	"github.com/samsamfire/goecat/pkg/safety"
	"github.com/samsamfire/goecat/pkg/slave"
	"github.com/samsamfire/goecat/pkg/telemetry"
	"github.com/samsamfire/goecat/pkg/timing"
	log "github.com/sirupsen/logrus"
)

var (
	ErrNotConnected = errors.New("network is not connected")
	ErrRunning      = errors.New("cyclic task already running")
	ErrNoAxis       = errors.New("no axis on this slave")
	ErrNotIO        = errors.New("slave is not a digital io module")
)

// Buffer of the operator stream created when no source is given
const operatorBuffer = 16

type Option func(n *Network)

func WithLogger(logger *log.Logger) Option {
	return func(n *Network) { n.logger = logger }
}

// WithClock replaces the system clock of the cyclic task
func WithClock(clock timing.Clock) Option {
	return func(n *Network) { n.clock = clock }
}

// WithOperator sets the device commanding the haptic node and receiving its feedback.
// sink can be nil.
func WithOperator(source operator.Source, sink operator.Sink) Option {
	return func(n *Network) {
		n.source = source
		n.sink = sink
	}
}

// A Network is the main object of this package.
// It is created from a validated configuration and a link to the segment.
type Network struct {
	logger    *log.Logger
	log       *log.Entry
	cfg       *config.Config
	bus       link.Bus
	clock     timing.Clock
	master    *master.Master
	lifecycle *lifecycle.Lifecycle
	scheduler *timing.Scheduler
	safety    *safety.Node
	axes      map[int]*controller.Axis
	// axis names by slave, in slave order
	axisOrder []int
	haptic    *haptic.Node
	source    operator.Source
	sink      operator.Sink
	stream    *operator.Stream
	telemetry *telemetry.Publisher[telemetry.Snapshot]

	mu        sync.Mutex
	connected bool
	cancel    context.CancelFunc
	wgProcess sync.WaitGroup
	digital   map[int]uint32

	// owned by the cyclic task
	last          timing.Report
	controlErrors map[string]uint64
	lastError     string
}

// New creates a network, nothing is sent before [Network.Connect]
func New(bus link.Bus, cfg *config.Config, opts ...Option) (*Network, error) {
	if bus == nil || cfg == nil {
		return nil, ecat.ErrIllegalArgument
	}
	n := &Network{
		cfg:           cfg,
		bus:           bus,
		axes:          map[int]*controller.Axis{},
		digital:       map[int]uint32{},
		controlErrors: map[string]uint64{},
		telemetry:     telemetry.NewPublisher[telemetry.Snapshot](),
	}
	for _, opt := range opts {
		opt(n)
	}
	if n.logger == nil {
		n.logger = log.StandardLogger()
	}
	if n.clock == nil {
		n.clock = timing.SystemClock()
	}
	n.log = n.logger.WithField("service", "[NETWORK]")

	scheduler, err := timing.New(cfg.Timing, n.clock, n.logger)
	if err != nil {
		return nil, err
	}
	n.scheduler = scheduler
	n.master = master.New(bus, cfg.Master, n.logger)
	n.lifecycle = lifecycle.New(cfg.Lifecycle, n.logger)
	n.safety = safety.New(cfg.Safety, n.logger)

	for _, axisCfg := range cfg.Axes {
		if axisCfg.Slave < 0 || axisCfg.Slave >= len(cfg.Slaves) {
			return nil, fmt.Errorf("%w : axis %v on unknown slave %d", ecat.ErrIllegalArgument, axisCfg.Name, axisCfg.Slave)
		}
		if _, ok := n.axes[axisCfg.Slave]; ok {
			return nil, fmt.Errorf("%w : two axes on slave %d", ecat.ErrIllegalArgument, axisCfg.Slave)
		}
		n.axes[axisCfg.Slave] = controller.NewAxis(axisCfg, n.logger)
		n.axisOrder = append(n.axisOrder, axisCfg.Slave)
	}
	if h := cfg.Haptic; h != nil {
		if _, ok := n.axes[h.Slave]; ok {
			return nil, fmt.Errorf("%w : haptic slave %d is also a position axis", ecat.ErrIllegalArgument, h.Slave)
		}
		if n.source == nil {
			n.stream = operator.NewStream(operatorBuffer)
			n.source = n.stream
			n.sink = n.stream
		}
		node, err := haptic.New(*h, n.source, n.logger)
		if err != nil {
			return nil, err
		}
		n.haptic = node
	}

	// The network never stays operational with an active fault
	n.safety.OnFault(func(fault *ecat.SafetyFault) {
		n.lifecycle.Demote(fault)
	})
	n.lifecycle.OnChange(func(prev, next lifecycle.State) {
		n.log.Infof("network state | %v ==> %v", prev, next)
	})
	return n, nil
}

// Connect to the segment and initialize every configured slave.
// Slaves are left in INIT.
func (n *Network) Connect(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.connected {
		return nil
	}
	if err := n.bus.Connect(); err != nil {
		return fmt.Errorf("%w : %w", ecat.ErrLinkDown, err)
	}
	handle, err := n.master.Initialize(ctx, n.cfg.Slaves)
	if err != nil {
		n.bus.Disconnect()
		return err
	}
	n.log.Infof("connected to %d slaves, process image of %d bytes", len(handle.Slaves), handle.ImageSize)
	n.connected = true
	return nil
}

// Start launches the cyclic task, it runs until ctx is done or [Network.Disconnect]
func (n *Network) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.connected {
		return ErrNotConnected
	}
	if n.cancel != nil {
		return ErrRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	n.cancel = cancel
	n.wgProcess.Add(1)
	go func() {
		defer n.wgProcess.Done()
		n.log.Infof("cyclic task started, period %v", n.scheduler.Config().Period)
		for {
			if err := n.RunOnce(ctx); err != nil {
				n.log.Infof("cyclic task exited : %v", err)
				return
			}
		}
	}()
	return nil
}

// Wait for the cyclic task to exit
func (n *Network) Wait() {
	n.wgProcess.Wait()
}

// Disconnect stops the cyclic task, fails pending SDO requests
// and disconnects from the segment
func (n *Network) Disconnect() {
	n.mu.Lock()
	cancel := n.cancel
	n.cancel = nil
	n.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	n.wgProcess.Wait()

	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.connected {
		return
	}
	n.connected = false
	n.master.Close()
	if err := n.bus.Disconnect(); err != nil {
		n.log.Warnf("disconnecting : %v", err)
	}
}

func (n *Network) Config() *config.Config {
	return n.cfg
}

func (n *Network) Master() *master.Master {
	return n.master
}

func (n *Network) Lifecycle() *lifecycle.Lifecycle {
	return n.lifecycle
}

func (n *Network) Safety() *safety.Node {
	return n.safety
}

func (n *Network) Scheduler() *timing.Scheduler {
	return n.scheduler
}

// Haptic returns the haptic node, nil when not configured
func (n *Network) Haptic() *haptic.Node {
	return n.haptic
}

// Operator returns the in process operator stream, nil when an external
// operator device was given
func (n *Network) Operator() *operator.Stream {
	return n.stream
}

func (n *Network) Telemetry() *telemetry.Publisher[telemetry.Snapshot] {
	return n.telemetry
}

// Axis returns the position axis driving a slave
func (n *Network) Axis(slaveID int) (*controller.Axis, error) {
	axis, ok := n.axes[slaveID]
	if !ok {
		return nil, fmt.Errorf("%w : %d", ErrNoAxis, slaveID)
	}
	return axis, nil
}

// Axes in slave order
func (n *Network) Axes() []*controller.Axis {
	axes := make([]*controller.Axis, 0, len(n.axisOrder))
	for _, id := range n.axisOrder {
		axes = append(axes, n.axes[id])
	}
	return axes
}

func (n *Network) State() lifecycle.State {
	return n.lifecycle.State()
}

// RequestPromote asks for the next lifecycle state, it is committed by the
// cyclic task once every slave acknowledged it
func (n *Network) RequestPromote(target lifecycle.State) error {
	return n.lifecycle.RequestPromote(target)
}

func (n *Network) RequestDemote(target lifecycle.State, reason string) error {
	return n.lifecycle.RequestDemote(target, reason)
}

// Reset leaves the Error state
func (n *Network) Reset() error {
	return n.lifecycle.Reset()
}

// Bringup promotes the network step by step up to target. The cyclic task
// must be running.
func (n *Network) Bringup(ctx context.Context, target lifecycle.State) error {
	ticker := time.NewTicker(n.scheduler.Config().Period)
	defer ticker.Stop()
	for n.State() < target {
		current := n.State()
		next := current.Next()
		if err := n.RequestPromote(next); err != nil {
			return err
		}
		for n.State() == current {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}
			if n.lifecycle.Pending() == 0 && n.State() == current {
				return fmt.Errorf("%w : promotion to %v abandoned", ecat.ErrTimeout, next)
			}
		}
		if n.State() < next {
			return fmt.Errorf("%w : demoted to %v while promoting to %v", lifecycle.ErrInvalidTransition, n.State(), next)
		}
	}
	return nil
}

// SetMode selects the mode of an axis and writes the matching drive
// configuration. Limits are checked before anything is sent, a rejected
// command leaves the axis unchanged.
func (n *Network) SetMode(ctx context.Context, slaveID int, p controller.Params) error {
	axis, err := n.Axis(slaveID)
	if err != nil {
		return err
	}
	if state := n.State(); state < lifecycle.PreOperational || state == lifecycle.Error {
		return fmt.Errorf("%w : mailbox not available in %v", ecat.ErrInvalidState, state)
	}
	if err := axis.SetMode(p); err != nil {
		return err
	}
	for _, req := range axis.StartupRequests(slaveID) {
		if _, err := n.SubmitSDO(req).Wait(ctx); err != nil {
			return fmt.Errorf("configuring %v for %v : %w", axis.Name(), p.Mode(), err)
		}
	}
	return nil
}

// Update retargets the active mode of an axis
func (n *Network) Update(slaveID int, p controller.Params) error {
	axis, err := n.Axis(slaveID)
	if err != nil {
		return err
	}
	return axis.Update(p)
}

// SetDigitalOutputs stages the outputs of an IO module, sent from the next cycle
func (n *Network) SetDigitalOutputs(slaveID int, value uint32) error {
	if slaveID < 0 || slaveID >= len(n.cfg.Slaves) || n.cfg.Slaves[slaveID].Kind != slave.KindIO {
		return fmt.Errorf("%w : %d", ErrNotIO, slaveID)
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.digital[slaveID] = value
	return nil
}

func (n *Network) digitalOutputs(slaveID int) uint32 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.digital[slaveID]
}

// EmergencyStop forces the fail-safe outputs from the next cycle
func (n *Network) EmergencyStop(reason string) {
	n.log.Warnf("emergency stop : %v", reason)
	n.safety.EmergencyStop(reason)
}

// Acknowledge resets drive faults and arms the clearing of the safety fault
func (n *Network) Acknowledge() error {
	for _, axis := range n.axes {
		axis.ResetFault()
	}
	if n.haptic != nil {
		n.haptic.Axis().ResetFault()
	}
	return n.safety.Acknowledge()
}
