package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"rv-designer/internal/service"
)

// AuthHandler registra dispositivos y emite tokens.
type AuthHandler struct {
	logger  *zap.Logger
	devices *service.DeviceService
	limiter service.RateLimiter
}

// NewAuthHandler acepta un limiter nil para no limitar registros.
func NewAuthHandler(logger *zap.Logger, devices *service.DeviceService, limiter service.RateLimiter) *AuthHandler {
	return &AuthHandler{logger: logger, devices: devices, limiter: limiter}
}

// RegisterDevice maneja POST /auth/device.
func (h *AuthHandler) RegisterDevice(c *gin.Context) {
	if h.limiter != nil && !h.limiter.Allow(c.Request.Context(), c.ClientIP()) {
		h.logger.Warn("device registration rate limited", zap.String("client_ip", c.ClientIP()))
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many requests"})
		return
	}
	creds, err := h.devices.Register(c.Request.Context())
	if err != nil {
		h.logger.Error("register device failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not register device"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"device": creds})
}

// IssueToken maneja POST /auth/token.
func (h *AuthHandler) IssueToken(c *gin.Context) {
	var req struct {
		DeviceID     string `json:"device_id" binding:"required"`
		DeviceSecret string `json:"device_secret" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	pair, err := h.devices.IssueToken(c.Request.Context(), req.DeviceID, req.DeviceSecret)
	if err != nil {
		if errors.Is(err, service.ErrInvalidDeviceCredentials) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
			return
		}
		h.logger.Error("issue token failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not issue token"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"tokens": pair})
}

// Refresh maneja POST /auth/refresh.
func (h *AuthHandler) Refresh(c *gin.Context) {
	var req struct {
		RefreshToken string `json:"refresh_token" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	pair, err := h.devices.Refresh(c.Request.Context(), req.RefreshToken)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"tokens": pair})
}
