package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"example.com/pulsecal/services/telemetry/internal/lifecycle"
	"example.com/pulsecal/services/telemetry/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// DeviceHandler handles device provisioning and lifecycle requests
type DeviceHandler struct {
	service *service.Service
	log     *logrus.Logger
}

// NewDeviceHandler creates a new DeviceHandler instance
func NewDeviceHandler(svc *service.Service, log *logrus.Logger) *DeviceHandler {
	return &DeviceHandler{
		service: svc,
		log:     log,
	}
}

type registerDeviceRequest struct {
	UID          string `json:"uid" binding:"required"`
	Serial       string `json:"serial"`
	FacilityID   uint   `json:"facility_id"`
	WearerRef    string `json:"wearer_ref"`
	TokenTTLDays int    `json:"token_ttl_days"`
}

// RegisterDevice handles device registration. The plaintext token is
// returned exactly once in this response.
func (h *DeviceHandler) RegisterDevice(c *gin.Context) {
	var req registerDeviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.log.WithError(err).Warn("Invalid device format")
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid device format",
		})
		return
	}

	device, token, err := h.service.RegisterDevice(c.Request.Context(), lifecycle.RegisterRequest{
		UID:        req.UID,
		Serial:     req.Serial,
		FacilityID: req.FacilityID,
		WearerRef:  req.WearerRef,
		TokenTTL:   time.Duration(req.TokenTTLDays) * 24 * time.Hour,
	})
	if err != nil {
		switch {
		case errors.Is(err, lifecycle.ErrAlreadyRegistered):
			c.JSON(http.StatusConflict, gin.H{
				"error": "Device already registered",
			})
		case errors.Is(err, lifecycle.ErrDeviceRevoked):
			c.JSON(http.StatusConflict, gin.H{
				"error": "Device UID was revoked and cannot be reused",
			})
		default:
			h.log.WithError(err).Error("Failed to register device")
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to register device",
			})
		}
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"device": device,
		"token":  token,
	})
}

type revokeDeviceRequest struct {
	Reason string `json:"reason"`
}

// RevokeDevice permanently disables a device. Revocation is terminal.
func (h *DeviceHandler) RevokeDevice(c *gin.Context) {
	uid := c.Param("uid")

	// The body is optional: a bare revoke carries no reason.
	var req revokeDeviceRequest
	_ = c.ShouldBindJSON(&req)

	if err := h.service.RevokeDevice(c.Request.Context(), uid, req.Reason); err != nil {
		if errors.Is(err, lifecycle.ErrDeviceUnknown) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "Device not found",
			})
			return
		}
		h.log.WithError(err).Error("Failed to revoke device")
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to revoke device",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "revoked",
	})
}

// GetDevice returns one device with its connectivity status
func (h *DeviceHandler) GetDevice(c *gin.Context) {
	uid := c.Param("uid")

	device, status, err := h.service.GetDevice(c.Request.Context(), uid)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "Device not found",
			})
			return
		}
		h.log.WithError(err).Error("Failed to get device")
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to get device",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"device":       device,
		"connectivity": status,
	})
}

// ListDevices returns devices, optionally filtered by facility
func (h *DeviceHandler) ListDevices(c *gin.Context) {
	var facilityID uint
	if v := c.Query("facility_id"); v != "" {
		id, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "Invalid facility_id",
			})
			return
		}
		facilityID = uint(id)
	}

	devices, err := h.service.ListDevices(c.Request.Context(), facilityID)
	if err != nil {
		h.log.WithError(err).Error("Failed to list devices")
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list devices",
		})
		return
	}

	c.JSON(http.StatusOK, devices)
}

// GetDeviceSamples returns the most recent samples for one device
func (h *DeviceHandler) GetDeviceSamples(c *gin.Context) {
	uid := c.Param("uid")
	limit := parseLimit(c, 100)

	samples, err := h.service.ListDeviceSamples(c.Request.Context(), uid, limit)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "Device not found",
			})
			return
		}
		h.log.WithError(err).Error("Failed to list device samples")
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list device samples",
		})
		return
	}

	c.JSON(http.StatusOK, samples)
}

// GetSample returns one stored sample by its UUID
func (h *DeviceHandler) GetSample(c *gin.Context) {
	uuid := c.Param("uuid")

	sample, err := h.service.GetSample(c.Request.Context(), uuid)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "Sample not found",
			})
			return
		}
		h.log.WithError(err).Error("Failed to get sample")
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to get sample",
		})
		return
	}

	c.JSON(http.StatusOK, sample)
}

func parseLimit(c *gin.Context, fallback int) int {
	v := c.Query("limit")
	if v == "" {
		return fallback
	}
	limit, err := strconv.Atoi(v)
	if err != nil || limit <= 0 {
		return fallback
	}
	return limit
}
