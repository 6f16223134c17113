package http

import (
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/samsamfire/goecat/pkg/gateway"
	"github.com/samsamfire/goecat/pkg/lifecycle"
	"github.com/samsamfire/goecat/pkg/od"
)

// Wrapper around [http.ResponseWriter] but keeps track of any writes already done
// This allows us to perform default behaviour if handler has not already sent a response
type doneWriter struct {
	http.ResponseWriter
	done bool
}

// Handle a gateway request, returning an error sends the matching error response
type GatewayRequestHandler func(w *doneWriter, r *http.Request) error

func (w *doneWriter) WriteHeader(status int) {
	w.done = true
	w.ResponseWriter.WriteHeader(status)
}

func (w *doneWriter) Write(b []byte) (int, error) {
	w.done = true
	return w.ResponseWriter.Write(b)
}

// Send a json response with status OK
func (w *doneWriter) writeJSON(v any) error {
	e := json.NewEncoder(w.ResponseWriter)
	e.SetIndent("", "    ")
	w.WriteHeader(http.StatusOK)
	return e.Encode(v)
}

// Wraps a handler : errors are converted to gateway errors and a default
// success is replied if the handler did not write anything
func (g *GatewayServer) handle(handler GatewayRequestHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		g.logger.Debugf("handle incoming request %v %v", r.Method, r.URL)
		w.Header().Set("Content-Type", "application/json; charset=UTF-8")
		dw := &doneWriter{ResponseWriter: w}
		err := handler(dw, r)
		if err != nil {
			if dw.done {
				g.logger.Warnf("error after response was sent : %v", err)
				return
			}
			g.logger.Debugf("request %v failed : %v", r.URL, err)
			w.WriteHeader(gatewayErrorOf(err).Status())
			w.Write(NewResponseError(err))
			return
		}
		if !dw.done {
			// No response specific command has been given, reply with default success
			dw.Write(NewResponseSuccess())
		}
	}
}

// Can be used for routes that exist on other gateways but not here
func handlerNotSupported(w *doneWriter, r *http.Request) error {
	return ErrGwRequestNotSupported
}

// Decode the optional json body of a request
func decodeBody(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if err != nil && err != io.EOF {
		return ErrGwSyntaxError
	}
	return nil
}

func (g *GatewayServer) handleGetVersion(w *doneWriter, r *http.Request) error {
	version := g.GetVersion()
	return w.writeJSON(VersionInfo{
		GatewayResponseBase: NewResponseBase("OK"),
		GatewayVersion:      &version,
	})
}

func (g *GatewayServer) handleGetLifecycle(w *doneWriter, r *http.Request) error {
	l := g.Network().Lifecycle()
	info := LifecycleInfo{
		GatewayResponseBase: NewResponseBase("OK"),
		State:               l.State().String(),
		Recovering:          l.Recovering(),
		LastFault:           newFaultInfo(l.LastFault()),
		Counters:            l.Counters(),
	}
	if pending := l.Pending(); pending != 0 {
		info.Pending = pending.String()
	}
	return w.writeJSON(info)
}

// Promote to the given state or to the next one when no state is given
func (g *GatewayServer) handlePromote(w *doneWriter, r *http.Request) error {
	var req LifecycleRequest
	if err := decodeBody(r, &req); err != nil {
		return err
	}
	target := g.Network().State().Next()
	if req.State != "" {
		state, err := lifecycle.StateFromString(req.State)
		if err != nil {
			return ErrGwSyntaxError
		}
		target = state
	}
	return g.Network().RequestPromote(target)
}

func (g *GatewayServer) handleDemote(w *doneWriter, r *http.Request) error {
	var req LifecycleRequest
	if err := decodeBody(r, &req); err != nil {
		return err
	}
	if req.State == "" {
		return ErrGwSyntaxError
	}
	target, err := lifecycle.StateFromString(req.State)
	if err != nil {
		return ErrGwSyntaxError
	}
	reason := req.Reason
	if reason == "" {
		reason = "requested by gateway"
	}
	return g.Network().RequestDemote(target, reason)
}

func (g *GatewayServer) handleReset(w *doneWriter, r *http.Request) error {
	return g.Network().Reset()
}

func (g *GatewayServer) handleGetState(w *doneWriter, r *http.Request) error {
	snapshot := g.Network().Telemetry().Latest()
	if snapshot == nil {
		return ErrGwRequestNotProcessed
	}
	return w.writeJSON(newStateResponse(snapshot))
}

func (g *GatewayServer) handleGetSlaves(w *doneWriter, r *http.Request) error {
	snapshot := g.Network().Telemetry().Latest()
	if snapshot == nil {
		return ErrGwRequestNotProcessed
	}
	return w.writeJSON(SlavesResponse{GatewayResponseBase: NewResponseBase("OK"), Slaves: snapshot.Slaves})
}

func (g *GatewayServer) handleGetSlave(w *doneWriter, r *http.Request) error {
	id, err := parseSlaveId(mux.Vars(r)["id"])
	if err != nil {
		return err
	}
	snapshot := g.Network().Telemetry().Latest()
	if snapshot == nil {
		return ErrGwRequestNotProcessed
	}
	status, ok := snapshot.Slave(id)
	if !ok {
		return ErrGwUnsupportedSlave
	}
	return w.writeJSON(SlaveResponse{GatewayResponseBase: NewResponseBase("OK"), Slave: status})
}

func (g *GatewayServer) handleGetAxes(w *doneWriter, r *http.Request) error {
	snapshot := g.Network().Telemetry().Latest()
	if snapshot == nil {
		return ErrGwRequestNotProcessed
	}
	return w.writeJSON(AxesResponse{GatewayResponseBase: NewResponseBase("OK"), Axes: snapshot.Axes})
}

func (g *GatewayServer) handleGetFaults(w *doneWriter, r *http.Request) error {
	s := g.Network().Safety()
	resp := FaultsResponse{
		GatewayResponseBase: NewResponseBase("OK"),
		Counters:            s.Counters(),
		History:             []SafetyEvent{},
		Lifecycle:           newFaultInfo(g.Network().Lifecycle().LastFault()),
	}
	if active := s.Active(); active != nil {
		resp.Active = active.Error()
	}
	for _, event := range s.History() {
		resp.History = append(resp.History, newSafetyEvent(event))
	}
	return w.writeJSON(resp)
}

func (g *GatewayServer) handleGetTiming(w *doneWriter, r *http.Request) error {
	scheduler := g.Network().Scheduler()
	resp := TimingResponse{
		GatewayResponseBase: NewResponseBase("OK"),
		Period:              scheduler.Config().Period.String(),
		Stats:               scheduler.Stats(),
	}
	if snapshot := g.Network().Telemetry().Latest(); snapshot != nil {
		resp.Last = snapshot.Timing.Last
	}
	return w.writeJSON(resp)
}

func (g *GatewayServer) handleSDORead(w *doneWriter, r *http.Request) error {
	slaveId, index, subindex, err := parseSdoCommand(mux.Vars(r))
	if err != nil {
		g.logger.Errorf("unable to parse SDO command : %v", err)
		return err
	}
	// Without a data type, the raw value is returned
	dataType := od.DOMAIN
	if name := r.URL.Query().Get("datatype"); name != "" {
		dataType, err = od.DataTypeFromString(name)
		if err != nil {
			g.logger.Errorf("requested datatype is wrong or unsupported : %v", name)
			return ErrGwRequestNotSupported
		}
	}
	data, err := g.ReadSDO(r.Context(), slaveId, index, subindex, dataType)
	if err != nil {
		return err
	}
	resp := SDOReadResponse{
		GatewayResponseBase: NewResponseBase("OK"),
		Length:              len(data.Value),
	}
	if dataType != od.DOMAIN {
		if value, err := od.DecodeToString(data.Value, dataType, 10); err == nil {
			resp.Value = value
		}
	}
	buf := slices.Clone(data.Value)
	slices.Reverse(buf)
	resp.Data = "0x" + hex.EncodeToString(buf)
	return w.writeJSON(resp)
}

func (g *GatewayServer) handleSDOWrite(w *doneWriter, r *http.Request) error {
	slaveId, index, subindex, err := parseSdoCommand(mux.Vars(r))
	if err != nil {
		g.logger.Errorf("unable to parse SDO command : %v", err)
		return err
	}
	var sdoWrite SDOWriteRequest
	if err := json.NewDecoder(r.Body).Decode(&sdoWrite); err != nil {
		return ErrGwSyntaxError
	}
	dataType, err := od.DataTypeFromString(sdoWrite.Datatype)
	if err != nil {
		g.logger.Errorf("requested datatype is wrong or unsupported : %v", sdoWrite.Datatype)
		return ErrGwRequestNotSupported
	}
	return g.WriteSDO(r.Context(), slaveId, index, subindex, sdoWrite.Value, dataType)
}

// Update SDO timeout
func (g *GatewayServer) handleSDOTimeout(w *doneWriter, r *http.Request) error {
	var sdoTimeout SDOSetTimeoutRequest
	if err := json.NewDecoder(r.Body).Decode(&sdoTimeout); err != nil {
		return ErrGwSyntaxError
	}
	timeoutMs, err := strconv.ParseUint(sdoTimeout.Value, 0, 64)
	if err != nil || timeoutMs == 0 || timeoutMs > 0xFFFF {
		return ErrGwSyntaxError
	}
	return g.SetSDOTimeout(time.Duration(timeoutMs) * time.Millisecond)
}

func (g *GatewayServer) handleSetMode(w *doneWriter, r *http.Request) error {
	id, err := parseSlaveId(mux.Vars(r)["id"])
	if err != nil {
		return err
	}
	var req gateway.ModeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return ErrGwSyntaxError
	}
	return g.SetMode(r.Context(), id, req)
}

func (g *GatewayServer) handleUpdateMode(w *doneWriter, r *http.Request) error {
	id, err := parseSlaveId(mux.Vars(r)["id"])
	if err != nil {
		return err
	}
	var req gateway.ModeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return ErrGwSyntaxError
	}
	return g.UpdateMode(id, req)
}

func (g *GatewayServer) handleDigitalOutputs(w *doneWriter, r *http.Request) error {
	id, err := parseSlaveId(mux.Vars(r)["id"])
	if err != nil {
		return err
	}
	var req DigitalOutputsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return ErrGwSyntaxError
	}
	value, err := strconv.ParseUint(req.Value, 0, 32)
	if err != nil {
		return ErrGwSyntaxError
	}
	return g.Network().SetDigitalOutputs(id, uint32(value))
}

func (g *GatewayServer) handleEmergencyStop(w *doneWriter, r *http.Request) error {
	var req EmergencyStopRequest
	if err := decodeBody(r, &req); err != nil {
		return err
	}
	if req.Reason == "" {
		req.Reason = "gateway request"
	}
	g.Network().EmergencyStop(req.Reason)
	return nil
}

func (g *GatewayServer) handleAcknowledge(w *doneWriter, r *http.Request) error {
	return g.Network().Acknowledge()
}
