package handlers

import (
	"errors"
	"net/http"

	"example.com/pulsecal/services/telemetry/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// AlertHandler handles alert retrieval and resolution
type AlertHandler struct {
	service *service.Service
	log     *logrus.Logger
}

// NewAlertHandler creates a new AlertHandler instance
func NewAlertHandler(svc *service.Service, log *logrus.Logger) *AlertHandler {
	return &AlertHandler{
		service: svc,
		log:     log,
	}
}

// ListDeviceAlerts returns the most recent alerts for one device
func (h *AlertHandler) ListDeviceAlerts(c *gin.Context) {
	uid := c.Param("uid")
	limit := parseLimit(c, 100)

	alerts, err := h.service.ListDeviceAlerts(c.Request.Context(), uid, limit)
	if err != nil {
		h.log.WithError(err).Error("Failed to list alerts")
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list alerts",
		})
		return
	}

	c.JSON(http.StatusOK, alerts)
}

// SearchAlerts runs a free-text query against the alert search index
func (h *AlertHandler) SearchAlerts(c *gin.Context) {
	query := c.Query("q")
	if query == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Query parameter q is required",
		})
		return
	}
	limit := parseLimit(c, 50)

	docs, err := h.service.SearchAlerts(c.Request.Context(), query, limit)
	if err != nil {
		if errors.Is(err, service.ErrSearchDisabled) {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"error": "Alert search is not enabled",
			})
			return
		}
		h.log.WithError(err).Error("Alert search failed")
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Alert search failed",
		})
		return
	}

	c.JSON(http.StatusOK, docs)
}

type resolveAlertRequest struct {
	ResolvedBy string `json:"resolved_by" binding:"required"`
}

// ResolveAlert marks an alert resolved on behalf of an operator
func (h *AlertHandler) ResolveAlert(c *gin.Context) {
	uuid := c.Param("uuid")

	var req resolveAlertRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "resolved_by is required",
		})
		return
	}

	if err := h.service.ResolveAlert(c.Request.Context(), uuid, req.ResolvedBy); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "Alert not found",
			})
			return
		}
		h.log.WithError(err).Error("Failed to resolve alert")
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to resolve alert",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "resolved",
	})
}
