package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	ecat "github.com/samsamfire/goecat"
	"github.com/samsamfire/goecat/pkg/lifecycle"
	"github.com/samsamfire/goecat/pkg/network"
	"github.com/samsamfire/goecat/pkg/od"
	"github.com/samsamfire/goecat/pkg/safety"
	"github.com/samsamfire/goecat/pkg/sdo"
)

var ERROR_GATEWAY_DESCRIPTION_MAP = map[int]string{
	100: "Request not supported",
	101: "Syntax error",
	102: "Request not processed due to internal state",
	103: "Time-out (where applicable)",
	107: "Unsupported slave",
	204: "Wrong network state",
	600: "Running out of memory",
	601: "EtherCAT link currently not available",
	900: "Manufacturer-specific error",
	901: "Command rejected by axis limits",
	902: "Safety fault active",
	903: "No safety fault to acknowledge",
}

var (
	ErrGwRequestNotSupported       = &GatewayError{Code: 100}
	ErrGwSyntaxError               = &GatewayError{Code: 101}
	ErrGwRequestNotProcessed       = &GatewayError{Code: 102}
	ErrGwTimeout                   = &GatewayError{Code: 103}
	ErrGwUnsupportedSlave          = &GatewayError{Code: 107}
	ErrGwWrongState                = &GatewayError{Code: 204}
	ErrGwRunningOutOfMemory        = &GatewayError{Code: 600}
	ErrGwLinkNotAvailable          = &GatewayError{Code: 601}
	ErrGwManufacturerSpecificError = &GatewayError{Code: 900}
	ErrGwLimitViolation            = &GatewayError{Code: 901}
	ErrGwSafetyActive              = &GatewayError{Code: 902}
	ErrGwNoFault                   = &GatewayError{Code: 903}
)

type GatewayError struct {
	Code int // Can be either an sdo abort code or a gateway error code
}

func NewGatewayError(code int) error {
	return &GatewayError{Code: code}
}

func (e *GatewayError) Error() string {
	if e.Code <= 999 {
		return fmt.Sprintf("ERROR:%d", e.Code)
	}
	// Return as a hex value (sdo aborts)
	return fmt.Sprintf("ERROR:0x%x", e.Code)
}

func (e *GatewayError) Is(target error) bool {
	t, ok := target.(*GatewayError)
	return ok && t.Code == e.Code
}

// Description of the error, sdo aborts are described by the abort code
func (e *GatewayError) Description() string {
	if e.Code > 999 {
		return sdo.AbortCode(e.Code).Description()
	}
	description, ok := ERROR_GATEWAY_DESCRIPTION_MAP[e.Code]
	if !ok {
		return "Unknown error " + strconv.Itoa(e.Code)
	}
	return description
}

// HTTP status code sent along with the error
func (e *GatewayError) Status() int {
	switch e.Code {
	case 100:
		return http.StatusNotImplemented
	case 101:
		return http.StatusBadRequest
	case 103:
		return http.StatusGatewayTimeout
	case 107:
		return http.StatusNotFound
	case 102, 204, 902, 903:
		return http.StatusConflict
	case 901:
		return http.StatusUnprocessableEntity
	case 600, 601:
		return http.StatusServiceUnavailable
	}
	if e.Code > 999 {
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// Converts errors of the network to gateway errors
func gatewayErrorOf(err error) *GatewayError {
	var gwErr *GatewayError
	if errors.As(err, &gwErr) {
		return gwErr
	}
	var abort sdo.AbortCode
	if errors.As(err, &abort) {
		return &GatewayError{Code: int(abort)}
	}
	var numErr *strconv.NumError
	switch {
	case errors.As(err, &numErr),
		errors.Is(err, ecat.ErrIllegalArgument),
		errors.Is(err, od.ErrUnknownType),
		errors.Is(err, od.ErrTypeMismatch),
		errors.Is(err, ecat.ErrInvalidParameter):
		return ErrGwSyntaxError
	case errors.Is(err, sdo.ErrNotExpedited):
		return ErrGwRequestNotSupported
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, ecat.ErrTimeout):
		return ErrGwTimeout
	case errors.Is(err, sdo.ErrUnknownSlave), errors.Is(err, network.ErrNoAxis), errors.Is(err, network.ErrNotIO):
		return ErrGwUnsupportedSlave
	case errors.Is(err, lifecycle.ErrSafetyActive):
		return ErrGwSafetyActive
	case errors.Is(err, lifecycle.ErrInvalidTransition),
		errors.Is(err, lifecycle.ErrPromotionPending),
		errors.Is(err, ecat.ErrInvalidState):
		return ErrGwWrongState
	case errors.Is(err, ecat.ErrLimitViolation):
		return ErrGwLimitViolation
	case errors.Is(err, safety.ErrNoFault):
		return ErrGwNoFault
	case errors.Is(err, sdo.ErrQueueFull):
		return ErrGwRunningOutOfMemory
	case errors.Is(err, network.ErrNotConnected), errors.Is(err, ecat.ErrLinkDown):
		return ErrGwLinkNotAvailable
	}
	return ErrGwRequestNotProcessed
}
