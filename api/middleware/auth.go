package middleware

import (
	"errors"
	"net/http"
	"strings"

	"example.com/pulsecal/services/telemetry/internal/lifecycle"
	"example.com/pulsecal/services/telemetry/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// DeviceContextKey is where the authorized device record is stored on the
// gin context.
const DeviceContextKey = "device"

// DeviceAuth authenticates a device from the X-Device-ID header, a bearer
// token and the per-request X-Nonce header. On success the device record is
// attached to the context for the handler.
func DeviceAuth(registry *lifecycle.Registry, log *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		deviceUID := c.GetHeader("X-Device-ID")
		if deviceUID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": "X-Device-ID header required",
			})
			c.Abort()
			return
		}

		authHeader := c.GetHeader("Authorization")
		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": "Invalid Authorization header format. Expected: 'Bearer {token}'",
			})
			c.Abort()
			return
		}
		token := parts[1]
		nonce := c.GetHeader("X-Nonce")

		device, err := registry.Authorize(c.Request.Context(), deviceUID, token, nonce)
		if err != nil {
			status := http.StatusUnauthorized
			message := "Unauthorized"
			switch {
			case errors.Is(err, lifecycle.ErrDeviceRevoked):
				status = http.StatusForbidden
				message = "Device revoked"
			case errors.Is(err, lifecycle.ErrDeviceNotActive):
				status = http.StatusForbidden
				message = "Device not active"
			case errors.Is(err, lifecycle.ErrNonceReplayed):
				status = http.StatusConflict
				message = "Nonce already used"
			case errors.Is(err, lifecycle.ErrTokenExpired):
				message = "Token expired"
			case errors.Is(err, lifecycle.ErrDeviceUnknown), errors.Is(err, lifecycle.ErrTokenMismatch):
				// Same response for both so callers cannot probe which
				// device UIDs exist.
				message = "Unauthorized"
			default:
				log.WithError(err).WithField("device_uid", deviceUID).Error("Authorization failed")
				status = http.StatusInternalServerError
				message = "Authorization failed"
			}
			c.JSON(status, gin.H{"error": message})
			c.Abort()
			return
		}

		c.Set(DeviceContextKey, device)
		c.Next()
	}
}

// DeviceFromContext returns the device attached by DeviceAuth.
func DeviceFromContext(c *gin.Context) (*models.Device, bool) {
	v, ok := c.Get(DeviceContextKey)
	if !ok {
		return nil, false
	}
	device, ok := v.(*models.Device)
	return device, ok
}
