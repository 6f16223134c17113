package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	ecat "github.com/samsamfire/goecat"
	"github.com/samsamfire/goecat/pkg/network"
	"github.com/samsamfire/goecat/pkg/sdo"
	log "github.com/sirupsen/logrus"
)

const DefaultSDOTimeout = 1 * time.Second

// Upper bound of startup requests of one mode change
const modeRequests = 12

// BaseGateway implements the transport independent part of a gateway.
// It is used by the HTTP gateway and could be used by other front-ends.
type BaseGateway struct {
	network    *network.Network
	logger     *log.Entry
	mu         sync.Mutex
	sdoTimeout time.Duration
}

// GatewayVersion describes the gateway and the segment it drives
type GatewayVersion struct {
	Version     string `json:"version"`
	BuildDate   string `json:"build_date"`
	CyclePeriod string `json:"cycle_period"`
	Slaves      int    `json:"slaves"`
}

// Build information, set with -ldflags "-X ..."
var (
	BuildVersion = "unspecified"
	BuildDate    = "unknown"
)

func NewBaseGateway(n *network.Network, logger *log.Logger) *BaseGateway {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &BaseGateway{
		network:    n,
		logger:     logger.WithField("service", "[GATEWAY]"),
		sdoTimeout: DefaultSDOTimeout,
	}
}

func (gw *BaseGateway) Network() *network.Network {
	return gw.network
}

// Get gateway version information
func (gw *BaseGateway) GetVersion() GatewayVersion {
	return GatewayVersion{
		Version:     BuildVersion,
		BuildDate:   BuildDate,
		CyclePeriod: gw.network.Scheduler().Config().Period.String(),
		Slaves:      len(gw.network.Config().Slaves),
	}
}

// Set timeout of SDO accesses done through the gateway
func (gw *BaseGateway) SetSDOTimeout(timeout time.Duration) error {
	if timeout <= 0 {
		return fmt.Errorf("%w : sdo timeout %v", ecat.ErrIllegalArgument, timeout)
	}
	gw.mu.Lock()
	defer gw.mu.Unlock()
	gw.sdoTimeout = timeout
	gw.logger.Debugf("changing sdo timeout to %v", timeout)
	return nil
}

func (gw *BaseGateway) SDOTimeout() time.Duration {
	gw.mu.Lock()
	defer gw.mu.Unlock()
	return gw.sdoTimeout
}

// Read SDO
func (gw *BaseGateway) ReadSDO(ctx context.Context, slaveID int, index uint16, subindex uint8, dataType uint8) (sdo.Data, error) {
	ctx, cancel := context.WithTimeout(ctx, gw.SDOTimeout())
	defer cancel()
	return gw.network.Read(ctx, slaveID, index, subindex, dataType)
}

// Write SDO, value is encoded according to the data type
func (gw *BaseGateway) WriteSDO(ctx context.Context, slaveID int, index uint16, subindex uint8, value string, dataType uint8) error {
	ctx, cancel := context.WithTimeout(ctx, gw.SDOTimeout())
	defer cancel()
	return gw.network.WriteString(ctx, slaveID, index, subindex, dataType, value)
}

// Mode changes wait for the startup configuration of the drive
func (gw *BaseGateway) SetMode(ctx context.Context, slaveID int, req ModeRequest) error {
	params, err := req.Params()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, gw.SDOTimeout()*modeRequests)
	defer cancel()
	return gw.network.SetMode(ctx, slaveID, params)
}

// Retarget the active mode of an axis, nothing is written to the drive
func (gw *BaseGateway) UpdateMode(slaveID int, req ModeRequest) error {
	params, err := req.Params()
	if err != nil {
		return err
	}
	return gw.network.Update(slaveID, params)
}
