package http

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/samsamfire/goecat/pkg/controller"
	"github.com/samsamfire/goecat/pkg/gateway"
	"github.com/samsamfire/goecat/pkg/lifecycle"
	"github.com/samsamfire/goecat/pkg/master"
	"github.com/samsamfire/goecat/pkg/safety"
	"github.com/samsamfire/goecat/pkg/telemetry"
	"github.com/samsamfire/goecat/pkg/timing"
)

type GatewayResponse interface {
	GetError() error
}

// HTTP response base
type GatewayResponseBase struct {
	// Response, can be "OK" or "ERROR:x"
	Response string `json:"response"`
	// Human readable detail of an error
	Detail string `json:"detail,omitempty"`
}

func NewResponseBase(response string) *GatewayResponseBase {
	return &GatewayResponseBase{Response: response}
}

func NewResponseError(err error) []byte {
	gwErr := gatewayErrorOf(err)
	jData, _ := json.Marshal(GatewayResponseBase{Response: gwErr.Error(), Detail: err.Error()})
	return jData
}

func NewResponseSuccess() []byte {
	jData, _ := json.Marshal(map[string]string{"response": "OK"})
	return jData
}

// Extract error if any inside of reponse
func (resp *GatewayResponseBase) GetError() error {
	if resp == nil {
		return fmt.Errorf("missing response field")
	}
	if !strings.HasPrefix(resp.Response, "ERROR:") {
		return nil
	}
	responseSplitted := strings.Split(resp.Response, ":")
	if len(responseSplitted) != 2 {
		return fmt.Errorf("error decoding error field ('ERROR:' : %v)", resp.Response)
	}
	errorCode, err := strconv.ParseUint(responseSplitted[1], 0, 64)
	if err != nil {
		return fmt.Errorf("error decoding error field ('ERROR:' : %v)", err)
	}
	return NewGatewayError(int(errorCode))
}

type SDOSetTimeoutRequest struct {
	// Timeout in ms, decimal or hex
	Value string `json:"value"`
}

type SDOWriteRequest struct {
	Value    string `json:"value"`
	Datatype string `json:"datatype"`
}

type SDOReadResponse struct {
	*GatewayResponseBase
	// Raw data, most significant byte first
	Data   string `json:"data"`
	Value  string `json:"value,omitempty"`
	Length int    `json:"length,omitempty"`
}

type VersionInfo struct {
	*GatewayResponseBase
	*gateway.GatewayVersion
}

// Target state of a lifecycle request, e.g. "OPERATIONAL"
type LifecycleRequest struct {
	State  string `json:"state"`
	Reason string `json:"reason,omitempty"`
}

type EmergencyStopRequest struct {
	Reason string `json:"reason"`
}

type DigitalOutputsRequest struct {
	Value string `json:"value"`
}

type FaultInfo struct {
	From   string    `json:"from"`
	To     string    `json:"to"`
	Reason string    `json:"reason"`
	Error  string    `json:"error,omitempty"`
	Time   time.Time `json:"time"`
}

func newFaultInfo(f *lifecycle.Fault) *FaultInfo {
	if f == nil {
		return nil
	}
	info := &FaultInfo{From: f.From.String(), To: f.To.String(), Reason: f.Reason, Time: f.Time}
	if f.Err != nil {
		info.Error = f.Err.Error()
	}
	return info
}

type LifecycleInfo struct {
	*GatewayResponseBase
	State      string             `json:"state"`
	Pending    string             `json:"pending,omitempty"`
	Recovering bool               `json:"recovering"`
	LastFault  *FaultInfo         `json:"last_fault,omitempty"`
	Counters   lifecycle.Counters `json:"counters"`
}

type SafetyEvent struct {
	Kind    string     `json:"kind"`
	Slave   int        `json:"slave"`
	Detail  string     `json:"detail"`
	Cycle   uint64     `json:"cycle"`
	Time    time.Time  `json:"time"`
	Cleared *time.Time `json:"cleared,omitempty"`
}

type FaultsResponse struct {
	*GatewayResponseBase
	Active    string          `json:"active,omitempty"`
	Counters  safety.Counters `json:"counters"`
	History   []SafetyEvent   `json:"history"`
	Lifecycle *FaultInfo      `json:"lifecycle,omitempty"`
}

func newSafetyEvent(e safety.Event) SafetyEvent {
	event := SafetyEvent{
		Kind:   e.Fault.Kind.String(),
		Slave:  e.Fault.Slave,
		Detail: e.Fault.Detail,
		Cycle:  e.Cycle,
		Time:   e.Time,
	}
	if !e.Cleared.IsZero() {
		cleared := e.Cleared
		event.Cleared = &cleared
	}
	return event
}

type TimingResponse struct {
	*GatewayResponseBase
	Period string        `json:"period"`
	Last   timing.Report `json:"last"`
	Stats  timing.Stats  `json:"stats"`
}

type SlavesResponse struct {
	*GatewayResponseBase
	Slaves []telemetry.SlaveStatus `json:"slaves"`
}

type SlaveResponse struct {
	*GatewayResponseBase
	Slave telemetry.SlaveStatus `json:"slave"`
}

type AxesResponse struct {
	*GatewayResponseBase
	Axes []controller.Status `json:"axes"`
}

// Snapshot of the network, faults are flattened to strings
type StateResponse struct {
	*GatewayResponseBase
	Cycle         uint64                  `json:"cycle"`
	Time          time.Time               `json:"time"`
	Lifecycle     LifecycleInfo           `json:"lifecycle"`
	Safety        telemetry.SafetyStatus  `json:"safety"`
	Timing        telemetry.TimingStatus  `json:"timing"`
	Master        master.Stats            `json:"master"`
	Slaves        []telemetry.SlaveStatus `json:"slaves"`
	Axes          []controller.Status     `json:"axes"`
	ControlErrors map[string]uint64       `json:"control_errors"`
	LastError     string                  `json:"last_error,omitempty"`
}

func newStateResponse(s *telemetry.Snapshot) *StateResponse {
	return &StateResponse{
		GatewayResponseBase: NewResponseBase("OK"),
		Cycle:               s.Cycle,
		Time:                s.Time,
		Lifecycle: LifecycleInfo{
			State:      s.Lifecycle.State,
			Pending:    s.Lifecycle.Pending,
			Recovering: s.Lifecycle.Recovering,
			LastFault:  newFaultInfo(s.Lifecycle.LastFault),
			Counters:   s.Lifecycle.Counters,
		},
		Safety:        s.Safety,
		Timing:        s.Timing,
		Master:        s.Master,
		Slaves:        s.Slaves,
		Axes:          s.Axes,
		ControlErrors: s.ControlErrors,
		LastError:     s.LastError,
	}
}
