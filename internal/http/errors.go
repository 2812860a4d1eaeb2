package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"rv-designer/internal/service"
)

// writeServiceError traduce errores de servicio a respuestas HTTP.
func writeServiceError(c *gin.Context, logger *zap.Logger, op string, err error) {
	switch {
	case errors.Is(err, service.ErrSessionNotFound),
		errors.Is(err, service.ErrMatrixNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrTurnInFlight):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrEmptyTurn),
		errors.Is(err, service.ErrUploadTooLarge),
		errors.Is(err, service.ErrUnsupportedUpload),
		errors.Is(err, service.ErrUnknownCategory),
		errors.Is(err, service.ErrCustomNameRequired),
		errors.Is(err, service.ErrNothingSelected),
		errors.Is(err, service.ErrNoGeneratedImage),
		errors.Is(err, service.ErrImageUnavailable):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrNoCategories):
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
	default:
		logger.Error(op+" failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not " + op})
	}
}
