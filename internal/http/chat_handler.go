package http

import (
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"rv-designer/internal/service"
)

// ChatHandler mantiene dependencias para endpoints de sesiones y turnos.
type ChatHandler struct {
	logger     *zap.Logger
	workspaces *service.WorkspaceRegistry
	turns      *service.TurnService
}

// NewChatHandler crea una instancia de ChatHandler con dependencias necesarias.
func NewChatHandler(logger *zap.Logger, workspaces *service.WorkspaceRegistry, turns *service.TurnService) *ChatHandler {
	return &ChatHandler{
		logger:     logger,
		workspaces: workspaces,
		turns:      turns,
	}
}

func (h *ChatHandler) workspace(c *gin.Context) (*service.Workspace, bool) {
	key, ok := deviceKey(c)
	if !ok {
		return nil, false
	}
	ws, err := h.workspaces.Get(c.Request.Context(), key)
	if err != nil {
		writeServiceError(c, h.logger, "load sessions", err)
		return nil, false
	}
	return ws, true
}

// ListSessions maneja GET /sessions.
func (h *ChatHandler) ListSessions(c *gin.Context) {
	ws, ok := h.workspace(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"sessions":  ws.Sessions(),
		"active_id": ws.Active().ID,
	})
}

// CreateSession maneja POST /sessions.
func (h *ChatHandler) CreateSession(c *gin.Context) {
	ws, ok := h.workspace(c)
	if !ok {
		return
	}
	session := ws.CreateSession(c.Request.Context())
	c.JSON(http.StatusCreated, gin.H{"session": session})
}

// GetSession maneja GET /sessions/:id.
func (h *ChatHandler) GetSession(c *gin.Context) {
	ws, ok := h.workspace(c)
	if !ok {
		return
	}
	session, err := ws.Session(c.Param("id"))
	if err != nil {
		writeServiceError(c, h.logger, "get session", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": session})
}

// RenameSession maneja PATCH /sessions/:id.
func (h *ChatHandler) RenameSession(c *gin.Context) {
	var req struct {
		Title string `json:"title" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	ws, ok := h.workspace(c)
	if !ok {
		return
	}
	if err := ws.Rename(c.Request.Context(), c.Param("id"), req.Title); err != nil {
		writeServiceError(c, h.logger, "rename session", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "renamed"})
}

// DeleteSession maneja DELETE /sessions/:id.
func (h *ChatHandler) DeleteSession(c *gin.Context) {
	ws, ok := h.workspace(c)
	if !ok {
		return
	}
	if err := ws.DeleteSession(c.Request.Context(), c.Param("id")); err != nil {
		writeServiceError(c, h.logger, "delete session", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"active_id": ws.Active().ID})
}

// ActivateSession maneja PUT /sessions/:id/active.
func (h *ChatHandler) ActivateSession(c *gin.Context) {
	ws, ok := h.workspace(c)
	if !ok {
		return
	}
	if err := ws.SetActive(c.Param("id")); err != nil {
		writeServiceError(c, h.logger, "activate session", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"active_id": c.Param("id")})
}

// PostTurn maneja POST /sessions/:id/turns. Acepta multipart (text + files) o JSON.
func (h *ChatHandler) PostTurn(c *gin.Context) {
	key, ok := deviceKey(c)
	if !ok {
		return
	}

	var in service.TurnInput
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		form, err := c.MultipartForm()
		if err != nil {
			h.logger.Warn("invalid turn form", zap.Error(err))
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		in.Text = strings.Join(form.Value["text"], "\n")
		files, err := openUploads(form.File["files"])
		defer closeAll(files)
		if err != nil {
			h.logger.Warn("open upload failed", zap.Error(err))
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid upload"})
			return
		}
		for i, f := range files {
			in.Files = append(in.Files, service.Upload{
				Name:   form.File["files"][i].Filename,
				Reader: f,
			})
		}
	} else {
		var req struct {
			Text string `json:"text"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		in.Text = req.Text
	}

	msg, err := h.turns.Submit(c.Request.Context(), key, c.Param("id"), in)
	if err != nil {
		writeServiceError(c, h.logger, "submit turn", err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": msg})
}

// ApplySuggestion maneja POST /sessions/:id/suggestions.
func (h *ChatHandler) ApplySuggestion(c *gin.Context) {
	var req struct {
		Text string `json:"text" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	key, ok := deviceKey(c)
	if !ok {
		return
	}

	msg, applied, err := h.turns.ApplySuggestion(c.Request.Context(), key, c.Param("id"), req.Text)
	if err != nil {
		writeServiceError(c, h.logger, "apply suggestion", err)
		return
	}
	if !applied {
		c.JSON(http.StatusOK, gin.H{"applied": false})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"applied": true, "message": msg})
}

func openUploads(headers []*multipart.FileHeader) ([]multipart.File, error) {
	files := make([]multipart.File, 0, len(headers))
	for _, fh := range headers {
		f, err := fh.Open()
		if err != nil {
			return files, err
		}
		files = append(files, f)
	}
	return files, nil
}

func closeAll(files []multipart.File) {
	for _, f := range files {
		_ = f.Close()
	}
}
