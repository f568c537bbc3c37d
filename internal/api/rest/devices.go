package rest

import (
	"context"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/fieldpoll/fieldpoll/internal/polling"
	"github.com/fieldpoll/fieldpoll/internal/storage"
	"github.com/fieldpoll/fieldpoll/internal/types"
)

const maxBodyBytes = 1 << 20

// GET /api/v1/devices
func (s *Server) listDevices(c *gin.Context) {
	devices := s.lm.Devices().List()

	c.JSON(http.StatusOK, gin.H{
		"devices": devices,
		"count":   len(devices),
	})
}

// GET /api/v1/devices/:id
func (s *Server) getDevice(c *gin.Context) {
	id := c.Param("id")
	device, exists := s.lm.Devices().Get(id)
	if !exists {
		notFound(c, id)
		return
	}
	c.JSON(http.StatusOK, device)
}

// POST /api/v1/devices
func (s *Server) createDevice(c *gin.Context) {
	device, ok := s.bindDevice(c)
	if !ok {
		return
	}

	created, err := s.lm.Devices().Add(c.Request.Context(), device)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

// PUT /api/v1/devices/:id
func (s *Server) updateDevice(c *gin.Context) {
	id := c.Param("id")
	device, ok := s.bindDevice(c)
	if !ok {
		return
	}
	if device.ID != "" && device.ID != id {
		badRequest(c, "Device id in body does not match path", nil)
		return
	}
	device.ID = id

	updated, err := s.lm.Devices().Update(c.Request.Context(), device)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

func (s *Server) bindDevice(c *gin.Context) (types.Device, bool) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
	if err != nil {
		badRequest(c, "Failed to read request body", err)
		return types.Device{}, false
	}
	device, err := s.lm.Devices().Decode(body)
	if err != nil {
		respondError(c, err)
		return types.Device{}, false
	}
	return device, true
}

// DELETE /api/v1/devices/:id
func (s *Server) deleteDevice(c *gin.Context) {
	if err := s.lm.Devices().Remove(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// POST /api/v1/devices/:id/enable
func (s *Server) enableDevice(c *gin.Context) {
	s.setEnabled(c, true)
}

// POST /api/v1/devices/:id/disable
func (s *Server) disableDevice(c *gin.Context) {
	s.setEnabled(c, false)
}

func (s *Server) setEnabled(c *gin.Context, enabled bool) {
	device, err := s.lm.Devices().SetEnabled(c.Request.Context(), c.Param("id"), enabled)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, device)
}

// GET /api/v1/devices/:id/status
func (s *Server) getDeviceStatus(c *gin.Context) {
	id := c.Param("id")
	device, exists := s.lm.Devices().Get(id)
	if !exists {
		notFound(c, id)
		return
	}

	status, scheduled := s.lm.Engine().Status(id)
	if !scheduled {
		// disabled devices have no poll state
		status = polling.DeviceStatus{
			DeviceID: id,
			State:    types.StateDisconnected,
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"enabled":   device.Enabled,
		"scheduled": scheduled,
		"status":    status,
	})
}

// GET /api/v1/devices/:id/readings
//
// Reads through the cache; fresh results come from the device. The wait is
// bounded by the transport timeouts of one full poll.
func (s *Server) readDevice(c *gin.Context) {
	id := c.Param("id")
	device, exists := s.lm.Devices().Get(id)
	if !exists {
		notFound(c, id)
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), s.readTimeout(device))
	defer cancel()

	result, err := s.lm.Engine().ReadNow(ctx, id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) readTimeout(device types.Device) time.Duration {
	opts := s.lm.Config().ConnectionOptions()
	n := len(device.DataPoints)
	if n < 1 {
		n = 1
	}
	return opts.ConnectTimeout + time.Duration(n)*opts.RequestTimeout
}

type writeRequest struct {
	Parameter string   `json:"parameter" binding:"required"`
	Value     *float64 `json:"value" binding:"required"`
}

// POST /api/v1/devices/:id/write
func (s *Server) writeParameter(c *gin.Context) {
	id := c.Param("id")
	if _, exists := s.lm.Devices().Get(id); !exists {
		notFound(c, id)
		return
	}

	var req writeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body", err)
		return
	}
	if math.IsNaN(*req.Value) || math.IsInf(*req.Value, 0) {
		badRequest(c, "Value must be a finite number", nil)
		return
	}

	opts := s.lm.Config().ConnectionOptions()
	ctx, cancel := context.WithTimeout(c.Request.Context(), opts.ConnectTimeout+opts.RequestTimeout)
	defer cancel()

	if err := s.lm.Engine().WriteParameter(ctx, id, req.Parameter, *req.Value); err != nil {
		respondError(c, err)
		return
	}

	s.logger.Info("Parameter written via API",
		zap.String("device_id", id),
		zap.String("parameter", req.Parameter),
		zap.Float64("value", *req.Value))
	c.JSON(http.StatusOK, gin.H{
		"parameter": req.Parameter,
		"value":     *req.Value,
		"timestamp": time.Now().UTC(),
	})
}

// GET /api/v1/devices/:id/snapshot
func (s *Server) getSnapshot(c *gin.Context) {
	store := s.lm.History()
	if store == nil {
		unavailable(c, "Persistence disabled")
		return
	}

	snap, err := store.LatestSnapshot(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

// GET /api/v1/devices/:id/history?from=&to=&parameter=&limit=
func (s *Server) getHistory(c *gin.Context) {
	store := s.lm.History()
	if store == nil {
		unavailable(c, "Persistence disabled")
		return
	}

	var q storage.HistoryQuery
	var err error
	if v := c.Query("from"); v != "" {
		if q.From, err = time.Parse(time.RFC3339, v); err != nil {
			badRequest(c, "from must be RFC3339", err)
			return
		}
	}
	if v := c.Query("to"); v != "" {
		if q.To, err = time.Parse(time.RFC3339, v); err != nil {
			badRequest(c, "to must be RFC3339", err)
			return
		}
	}
	if v := c.Query("limit"); v != "" {
		if q.Limit, err = strconv.Atoi(v); err != nil || q.Limit < 0 {
			badRequest(c, "limit must be a non-negative integer", err)
			return
		}
	}
	q.Parameter = c.Query("parameter")

	points, err := store.History(c.Request.Context(), c.Param("id"), q)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"deviceId": c.Param("id"),
		"points":   points,
		"count":    len(points),
	})
}

func unavailable(c *gin.Context, message string) {
	c.JSON(http.StatusServiceUnavailable, types.NewErrorResponse(types.CodeUnavailable, message, nil))
}
