package http

import (
	"errors"
	"fmt"
	"net/http"

	canmsg "github.com/samsamfire/gocanmsg"
)

var ERROR_GATEWAY_DESCRIPTION_MAP = map[int]string{
	100: "Request not supported",
	101: "Syntax error",
	102: "Request not processed due to internal state",
	103: "No such message or signal",
	104: "Signal is read only",
	105: "Value out of range, clamped value written",
	601: "CAN interface currently not available",
}

var (
	ErrGwRequestNotSupported      = &GatewayError{Code: 100}
	ErrGwSyntaxError              = &GatewayError{Code: 101}
	ErrGwRequestNotProcessed      = &GatewayError{Code: 102}
	ErrGwNotFound                 = &GatewayError{Code: 103}
	ErrGwReadOnly                 = &GatewayError{Code: 104}
	ErrGwValueClamped             = &GatewayError{Code: 105}
	ErrGwCANInterfaceNotAvailable = &GatewayError{Code: 601}
)

type GatewayError struct {
	Code int
}

func NewGatewayError(code int) error {
	return &GatewayError{Code: code}
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("ERROR:%d", e.Code)
}

// Description of the error code, empty if unknown
func (e *GatewayError) Description() string {
	return ERROR_GATEWAY_DESCRIPTION_MAP[e.Code]
}

// HTTP status code sent along with the error
func (e *GatewayError) Status() int {
	switch e.Code {
	case 100:
		return http.StatusMethodNotAllowed
	case 101:
		return http.StatusBadRequest
	case 103:
		return http.StatusNotFound
	case 104:
		return http.StatusForbidden
	case 105:
		return http.StatusUnprocessableEntity
	case 601:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Map an error returned by the network to a gateway error
func toGatewayError(err error) *GatewayError {
	var gwErr *GatewayError
	switch {
	case errors.As(err, &gwErr):
		return gwErr
	case errors.Is(err, canmsg.ErrNotFound):
		return ErrGwNotFound
	case errors.Is(err, canmsg.ErrEncodeRange):
		return ErrGwValueClamped
	case errors.Is(err, canmsg.ErrIllegalArgument):
		return ErrGwSyntaxError
	case errors.Is(err, canmsg.ErrNotConnected), errors.Is(err, canmsg.ErrBus):
		return ErrGwCANInterfaceNotAvailable
	default:
		return ErrGwRequestNotProcessed
	}
}
