package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"rv-designer/internal/service"
)

// MatrixHandler expone la matriz de diseño.
type MatrixHandler struct {
	logger   *zap.Logger
	matrices *service.MatrixService
}

func NewMatrixHandler(logger *zap.Logger, matrices *service.MatrixService) *MatrixHandler {
	return &MatrixHandler{logger: logger, matrices: matrices}
}

// OpenMatrix maneja POST /sessions/:id/matrix.
func (h *MatrixHandler) OpenMatrix(c *gin.Context) {
	key, ok := deviceKey(c)
	if !ok {
		return
	}
	m, err := h.matrices.Open(c.Request.Context(), key, c.Param("id"))
	if err != nil {
		writeServiceError(c, h.logger, "open matrix", err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"matrix": m})
}

// GetMatrix maneja GET /matrix/:id.
func (h *MatrixHandler) GetMatrix(c *gin.Context) {
	key, ok := deviceKey(c)
	if !ok {
		return
	}
	m, err := h.matrices.Get(key, c.Param("id"))
	if err != nil {
		writeServiceError(c, h.logger, "get matrix", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"matrix": m})
}

type matrixSelectionRequest struct {
	Category string `json:"category" binding:"required"`
	Value    string `json:"value"`
}

// Toggle maneja POST /matrix/:id/toggle.
func (h *MatrixHandler) Toggle(c *gin.Context) {
	var req matrixSelectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	key, ok := deviceKey(c)
	if !ok {
		return
	}
	m, err := h.matrices.Toggle(key, c.Param("id"), req.Category, req.Value)
	if err != nil {
		writeServiceError(c, h.logger, "toggle option", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"matrix": m})
}

// SetText maneja POST /matrix/:id/text.
func (h *MatrixHandler) SetText(c *gin.Context) {
	var req matrixSelectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	key, ok := deviceKey(c)
	if !ok {
		return
	}
	m, err := h.matrices.SetFreeText(key, c.Param("id"), req.Category, req.Value)
	if err != nil {
		writeServiceError(c, h.logger, "set free text", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"matrix": m})
}

// DefineCustom maneja POST /matrix/:id/custom.
func (h *MatrixHandler) DefineCustom(c *gin.Context) {
	var req struct {
		Name string `json:"name" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	key, ok := deviceKey(c)
	if !ok {
		return
	}
	m, err := h.matrices.DefineCustom(c.Request.Context(), key, c.Param("id"), req.Name)
	if err != nil {
		writeServiceError(c, h.logger, "define custom category", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"matrix": m})
}

// Generate maneja POST /matrix/:id/generate.
func (h *MatrixHandler) Generate(c *gin.Context) {
	key, ok := deviceKey(c)
	if !ok {
		return
	}
	msg, err := h.matrices.Generate(c.Request.Context(), key, c.Param("id"))
	if err != nil {
		writeServiceError(c, h.logger, "generate from matrix", err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": msg})
}
