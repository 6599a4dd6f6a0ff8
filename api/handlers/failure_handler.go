package handlers

import (
	"net/http"

	"example.com/pulsecal/services/telemetry/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// FailureHandler exposes the processing failure sink for inspection
type FailureHandler struct {
	service *service.Service
	log     *logrus.Logger
}

// NewFailureHandler creates a new FailureHandler instance
func NewFailureHandler(svc *service.Service, log *logrus.Logger) *FailureHandler {
	return &FailureHandler{
		service: svc,
		log:     log,
	}
}

// ListFailures returns unacknowledged processing failures, oldest first
func (h *FailureHandler) ListFailures(c *gin.Context) {
	limit := parseLimit(c, 100)

	failures, err := h.service.ListProcessingFailures(c.Request.Context(), limit)
	if err != nil {
		h.log.WithError(err).Error("Failed to list processing failures")
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list processing failures",
		})
		return
	}

	c.JSON(http.StatusOK, failures)
}
