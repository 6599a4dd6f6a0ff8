package handlers

import (
	"errors"
	"net/http"
	"time"

	"example.com/pulsecal/services/telemetry/api/middleware"
	"example.com/pulsecal/services/telemetry/internal/models"
	"example.com/pulsecal/services/telemetry/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// IngestHandler handles telemetry sample submission
type IngestHandler struct {
	service *service.Service
	log     *logrus.Logger
}

// NewIngestHandler creates a new IngestHandler instance
func NewIngestHandler(svc *service.Service, log *logrus.Logger) *IngestHandler {
	return &IngestHandler{
		service: svc,
		log:     log,
	}
}

type ingestRequest struct {
	RecordedAt     time.Time `json:"recorded_at" binding:"required"`
	SequenceNumber *uint64   `json:"sequence_number"`

	HeartRate        *float64 `json:"heart_rate"`
	OxygenSaturation *float64 `json:"oxygen_saturation"`
	Temperature      *float64 `json:"temperature"`
	Latitude         *float64 `json:"latitude"`
	Longitude        *float64 `json:"longitude"`
	BatteryPercent   *float64 `json:"battery_percent"`
	SignalStrength   *float64 `json:"signal_strength"`
}

// IngestVitals handles vital sign samples
func (h *IngestHandler) IngestVitals(c *gin.Context) {
	h.ingest(c, models.SampleKindVital)
}

// IngestLocation handles location samples
func (h *IngestHandler) IngestLocation(c *gin.Context) {
	h.ingest(c, models.SampleKindLocation)
}

// IngestStatus handles device status samples
func (h *IngestHandler) IngestStatus(c *gin.Context) {
	h.ingest(c, models.SampleKindStatus)
}

func (h *IngestHandler) ingest(c *gin.Context, kind models.SampleKind) {
	device, ok := middleware.DeviceFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error": "Device not authorized",
		})
		return
	}

	var req ingestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.log.WithError(err).Warn("Invalid sample format")
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid sample format",
		})
		return
	}

	result, err := h.service.IngestSample(c.Request.Context(), service.IngestInput{
		Device:           device,
		Kind:             kind,
		RecordedAt:       req.RecordedAt,
		SequenceNumber:   req.SequenceNumber,
		HeartRate:        req.HeartRate,
		OxygenSaturation: req.OxygenSaturation,
		Temperature:      req.Temperature,
		Latitude:         req.Latitude,
		Longitude:        req.Longitude,
		BatteryPercent:   req.BatteryPercent,
		SignalStrength:   req.SignalStrength,
	})
	if err != nil {
		var verr *service.ValidationError
		if errors.As(err, &verr) {
			c.JSON(http.StatusUnprocessableEntity, gin.H{
				"error":  "Sample rejected",
				"errors": verr.Errors,
			})
			return
		}
		h.log.WithError(err).WithField("device_uid", device.UID).Error("Failed to ingest sample")
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to ingest sample",
		})
		return
	}

	c.JSON(http.StatusAccepted, result)
}
