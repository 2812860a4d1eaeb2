package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"rv-designer/internal/domain"
	"rv-designer/internal/service"
)

// ImageHandler sirve payloads de imagen hidratados desde el blob store. Solo entrega
// imagenes referenciadas por las sesiones del dispositivo que llama.
type ImageHandler struct {
	logger     *zap.Logger
	workspaces *service.WorkspaceRegistry
	resolver   *service.ImageResolver
}

func NewImageHandler(logger *zap.Logger, workspaces *service.WorkspaceRegistry, resolver *service.ImageResolver) *ImageHandler {
	return &ImageHandler{logger: logger, workspaces: workspaces, resolver: resolver}
}

// GetImage maneja GET /images/:id.
func (h *ImageHandler) GetImage(c *gin.Context) {
	key, ok := deviceKey(c)
	if !ok {
		return
	}
	ws, err := h.workspaces.Get(c.Request.Context(), key)
	if err != nil {
		writeServiceError(c, h.logger, "load sessions", err)
		return
	}
	id := c.Param("id")
	// Otro dispositivo recibe lo mismo que un id inexistente.
	if !ws.HasImage(id) {
		c.JSON(http.StatusNotFound, gin.H{"error": "image not available"})
		return
	}

	ref := h.resolver.Resolve(c.Request.Context(), &domain.ImageRef{ID: id})
	if ref == nil || !ref.HasData() {
		c.JSON(http.StatusNotFound, gin.H{"error": "image not available"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"image": domain.StoredImage{
		ID:       ref.ID,
		MimeType: ref.MimeType,
		Data:     ref.Data,
	}})
}
