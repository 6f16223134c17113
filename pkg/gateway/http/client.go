package http

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/samsamfire/goecat/pkg/gateway"
	log "github.com/sirupsen/logrus"
)

type GatewayClient struct {
	http.Client
	logger  *log.Entry
	baseURL string
}

func NewGatewayClient(baseURL string, logger *log.Logger) *GatewayClient {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &GatewayClient{
		logger:  logger.WithField("service", "[HTTP client]"),
		Client:  http.Client{},
		baseURL: baseURL,
	}
}

// HTTP request to the gateway
// Does error checking : http related errors, json decode errors
// or actual gateway errors
func (client *GatewayClient) Do(method string, uri string, body io.Reader, response GatewayResponse) error {
	req, err := http.NewRequest(method, client.baseURL+API_PREFIX+uri, body)
	if err != nil {
		client.logger.Errorf("failed to create request : %v", err)
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	httpResp, err := client.Client.Do(req)
	if err != nil {
		client.logger.Errorf("failed request : %v", err)
		return err
	}
	defer httpResp.Body.Close()
	// Decode JSON "generic" response
	err = json.NewDecoder(httpResp.Body).Decode(response)
	if err != nil {
		client.logger.Errorf("failed to decode response : %v", err)
		return err
	}
	// Check for gateway errors
	return response.GetError()
}

func (client *GatewayClient) doJSON(method string, uri string, request any, response GatewayResponse) error {
	encodedReq, err := json.Marshal(request)
	if err != nil {
		return err
	}
	return client.Do(method, uri, bytes.NewBuffer(encodedReq), response)
}

// ReadRaw via SDO
func (client *GatewayClient) ReadRaw(slaveId int, index uint16, subIndex uint8) (data string, length int, err error) {
	resp := new(SDOReadResponse)
	err = client.Do(http.MethodGet, fmt.Sprintf("/slaves/%d/sdo/0x%x/%d", slaveId, index, subIndex), nil, resp)
	if err != nil {
		return
	}
	return resp.Data, resp.Length, nil
}

// Read via SDO, value is decoded by the gateway
func (client *GatewayClient) Read(slaveId int, index uint16, subIndex uint8, datatype string) (string, error) {
	resp := new(SDOReadResponse)
	err := client.Do(http.MethodGet, fmt.Sprintf("/slaves/%d/sdo/0x%x/%d?datatype=%s", slaveId, index, subIndex, datatype), nil, resp)
	if err != nil {
		return "", err
	}
	return resp.Value, nil
}

// WriteRaw via SDO
func (client *GatewayClient) WriteRaw(slaveId int, index uint16, subIndex uint8, value string, datatype string) error {
	req := SDOWriteRequest{Value: value, Datatype: datatype}
	return client.doJSON(http.MethodPut, fmt.Sprintf("/slaves/%d/sdo/0x%x/%d", slaveId, index, subIndex), req, new(GatewayResponseBase))
}

// Update SDO timeout
func (client *GatewayClient) SetSDOTimeout(timeoutMs uint16) error {
	req := SDOSetTimeoutRequest{Value: "0x" + strconv.FormatInt(int64(timeoutMs), 16)}
	return client.doJSON(http.MethodPut, "/set/sdo-timeout", req, new(GatewayResponseBase))
}

// Read gateway version
func (client *GatewayClient) GetVersion() (*gateway.GatewayVersion, error) {
	versionInfo := new(VersionInfo)
	err := client.Do(http.MethodGet, "/info/version", nil, versionInfo)
	return versionInfo.GatewayVersion, err
}

func (client *GatewayClient) Lifecycle() (*LifecycleInfo, error) {
	info := new(LifecycleInfo)
	return info, client.Do(http.MethodGet, "/lifecycle", nil, info)
}

// Promote to state, empty state promotes to the next one
func (client *GatewayClient) Promote(state string) error {
	return client.doJSON(http.MethodPost, "/lifecycle/promote", LifecycleRequest{State: state}, new(GatewayResponseBase))
}

func (client *GatewayClient) Demote(state string, reason string) error {
	return client.doJSON(http.MethodPost, "/lifecycle/demote", LifecycleRequest{State: state, Reason: reason}, new(GatewayResponseBase))
}

func (client *GatewayClient) Reset() error {
	return client.Do(http.MethodPost, "/lifecycle/reset", nil, new(GatewayResponseBase))
}

func (client *GatewayClient) State() (*StateResponse, error) {
	state := new(StateResponse)
	return state, client.Do(http.MethodGet, "/state", nil, state)
}

func (client *GatewayClient) Slaves() (*SlavesResponse, error) {
	slaves := new(SlavesResponse)
	return slaves, client.Do(http.MethodGet, "/slaves", nil, slaves)
}

func (client *GatewayClient) Faults() (*FaultsResponse, error) {
	faults := new(FaultsResponse)
	return faults, client.Do(http.MethodGet, "/faults", nil, faults)
}

func (client *GatewayClient) Timing() (*TimingResponse, error) {
	t := new(TimingResponse)
	return t, client.Do(http.MethodGet, "/timing", nil, t)
}

func (client *GatewayClient) SetMode(slaveId int, req gateway.ModeRequest) error {
	return client.doJSON(http.MethodPut, fmt.Sprintf("/slaves/%d/mode", slaveId), req, new(GatewayResponseBase))
}

func (client *GatewayClient) SetOutputs(slaveId int, value uint32) error {
	req := DigitalOutputsRequest{Value: "0x" + strconv.FormatUint(uint64(value), 16)}
	return client.doJSON(http.MethodPut, fmt.Sprintf("/slaves/%d/outputs", slaveId), req, new(GatewayResponseBase))
}

func (client *GatewayClient) EmergencyStop(reason string) error {
	return client.doJSON(http.MethodPost, "/estop", EmergencyStopRequest{Reason: reason}, new(GatewayResponseBase))
}

func (client *GatewayClient) Acknowledge() error {
	return client.Do(http.MethodPost, "/acknowledge", nil, new(GatewayResponseBase))
}
