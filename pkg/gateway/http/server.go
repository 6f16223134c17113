package http

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/samsamfire/goecat/pkg/gateway"
	"github.com/samsamfire/goecat/pkg/network"
	log "github.com/sirupsen/logrus"
)

const API_VERSION = "1.0"
const API_PREFIX = "/ecat/" + API_VERSION

// Route variables
const (
	ROUTE_SLAVE = "/slaves/{id:(?:0x[0-9a-fA-F]{1,4}|[0-9]{1,5})}"
	ROUTE_SDO   = ROUTE_SLAVE + "/sdo/{index:(?:all|0x[0-9a-fA-F]{1,4}|[0-9]{1,5})}/{sub:(?:0x[0-9a-fA-F]{1,2}|[0-9]{1,3})}"
)

// GatewayServer exposes the telemetry and the control surface of a network over HTTP.
// Telemetry routes only read published snapshots and never block the cyclic task.
type GatewayServer struct {
	*gateway.BaseGateway
	logger *log.Entry
	router *mux.Router
	server *http.Server
}

// Create a new gateway
func NewGatewayServer(network *network.Network, logger *log.Logger) *GatewayServer {
	if logger == nil {
		logger = log.StandardLogger()
	}
	base := gateway.NewBaseGateway(network, logger)
	gw := &GatewayServer{
		BaseGateway: base,
		logger:      logger.WithField("service", "[HTTP]"),
		router:      mux.NewRouter(),
	}
	gw.server = &http.Server{
		Handler:           gw.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	gw.router.NotFoundHandler = gw.handle(handlerNotSupported)
	gw.router.MethodNotAllowedHandler = gw.handle(handlerNotSupported)
	api := gw.router.PathPrefix(API_PREFIX).Subrouter()
	api.NotFoundHandler = gw.router.NotFoundHandler
	api.MethodNotAllowedHandler = gw.router.MethodNotAllowedHandler

	// Information
	gw.addRoute(api, http.MethodGet, "/info/version", gw.handleGetVersion)

	// Lifecycle
	gw.addRoute(api, http.MethodGet, "/lifecycle", gw.handleGetLifecycle)
	gw.addRoute(api, http.MethodPost, "/lifecycle/promote", gw.handlePromote)
	gw.addRoute(api, http.MethodPost, "/lifecycle/demote", gw.handleDemote)
	gw.addRoute(api, http.MethodPost, "/lifecycle/reset", gw.handleReset)

	// Telemetry
	gw.addRoute(api, http.MethodGet, "/state", gw.handleGetState)
	gw.addRoute(api, http.MethodGet, "/slaves", gw.handleGetSlaves)
	gw.addRoute(api, http.MethodGet, ROUTE_SLAVE, gw.handleGetSlave)
	gw.addRoute(api, http.MethodGet, "/axes", gw.handleGetAxes)
	gw.addRoute(api, http.MethodGet, "/faults", gw.handleGetFaults)
	gw.addRoute(api, http.MethodGet, "/timing", gw.handleGetTiming)

	// Acyclic access
	gw.addRoute(api, http.MethodGet, ROUTE_SDO, gw.handleSDORead)
	gw.addRoute(api, http.MethodPut, ROUTE_SDO, gw.handleSDOWrite)
	gw.addRoute(api, http.MethodPut, "/set/sdo-timeout", gw.handleSDOTimeout)

	// Control
	gw.addRoute(api, http.MethodPut, ROUTE_SLAVE+"/mode", gw.handleSetMode)
	gw.addRoute(api, http.MethodPost, ROUTE_SLAVE+"/setpoint", gw.handleUpdateMode)
	gw.addRoute(api, http.MethodPut, ROUTE_SLAVE+"/outputs", gw.handleDigitalOutputs)
	gw.addRoute(api, http.MethodPost, "/estop", gw.handleEmergencyStop)
	gw.addRoute(api, http.MethodPost, "/acknowledge", gw.handleAcknowledge)

	// PDO mapping is fixed at initialization
	gw.addRoute(api, http.MethodPut, ROUTE_SLAVE+"/pdo", handlerNotSupported)
	return gw
}

func (g *GatewayServer) Handler() http.Handler {
	return g.router
}

// Process server, blocking
func (g *GatewayServer) ListenAndServe(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	g.logger.Infof("listening on %v", listener.Addr())
	return g.server.Serve(listener)
}

// Stop the server, ongoing requests are given until ctx is done
func (g *GatewayServer) Shutdown(ctx context.Context) error {
	return g.server.Shutdown(ctx)
}

// Add a route to the server for handling a specific command
func (g *GatewayServer) addRoute(router *mux.Router, method string, path string, handler GatewayRequestHandler) {
	router.HandleFunc(path, g.handle(handler)).Methods(method)
}
