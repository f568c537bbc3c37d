package rest

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/fieldpoll/fieldpoll/internal/codec"
	"github.com/fieldpoll/fieldpoll/internal/devices"
	"github.com/fieldpoll/fieldpoll/internal/modbus"
	"github.com/fieldpoll/fieldpoll/internal/polling"
	"github.com/fieldpoll/fieldpoll/internal/storage"
	"github.com/fieldpoll/fieldpoll/internal/types"
)

// respondError maps engine errors onto the API error envelope.
func respondError(c *gin.Context, err error) {
	status, code := classify(err)
	_ = c.Error(err)
	c.JSON(status, types.NewErrorResponse(code, http.StatusText(status), err.Error()))
}

func classify(err error) (int, string) {
	var (
		validation *devices.ValidationError
		notFound   *modbus.ParameterNotFoundError
		timeout    *modbus.TimeoutError
		connErr    *modbus.ConnectionError
		protoErr   *modbus.ProtocolError
		encodeErr  *codec.EncodeError
		writeErr   *modbus.WriteError
	)

	switch {
	case errors.As(err, &validation), errors.As(err, &encodeErr):
		return http.StatusBadRequest, types.CodeInvalidRequest
	case errors.Is(err, devices.ErrNotFound),
		errors.Is(err, storage.ErrNotFound),
		errors.As(err, &notFound):
		return http.StatusNotFound, types.CodeNotFound
	case errors.Is(err, devices.ErrExists),
		errors.Is(err, polling.ErrUnknownDevice),
		errors.Is(err, polling.ErrDeviceRemoved):
		return http.StatusConflict, types.CodeConflict
	case errors.As(err, &timeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, types.CodeTimeout
	case errors.As(err, &connErr):
		return http.StatusServiceUnavailable, types.CodeUnavailable
	case errors.As(err, &protoErr):
		return http.StatusBadGateway, types.CodeDeviceFault
	case errors.As(err, &writeErr):
		// remaining write failures are request errors such as read-only tables
		return http.StatusBadRequest, types.CodeInvalidRequest
	default:
		return http.StatusInternalServerError, types.CodeInternal
	}
}

func badRequest(c *gin.Context, message string, err error) {
	var details any
	if err != nil {
		details = err.Error()
	}
	c.JSON(http.StatusBadRequest, types.NewErrorResponse(types.CodeInvalidRequest, message, details))
}

func notFound(c *gin.Context, id string) {
	c.JSON(http.StatusNotFound, types.NewErrorResponse(types.CodeNotFound, "Device not found", id))
}
