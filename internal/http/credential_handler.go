package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"rv-designer/internal/service"
)

// CredentialHandler expone el estado de la API key del modelo.
type CredentialHandler struct {
	logger *zap.Logger
	creds  service.CredentialManager
}

func NewCredentialHandler(logger *zap.Logger, creds service.CredentialManager) *CredentialHandler {
	return &CredentialHandler{logger: logger, creds: creds}
}

// Status maneja GET /credentials.
func (h *CredentialHandler) Status(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"has_credential": h.creds.HasCredential()})
}

// Select maneja POST /credentials/select.
func (h *CredentialHandler) Select(c *gin.Context) {
	if err := h.creds.Select(c.Request.Context()); err != nil {
		h.logger.Warn("credential selection failed", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no valid api key available", "has_credential": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"has_credential": true})
}
