package http

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"rv-designer/internal/service"
)

// NewRouter configura el router de Gin con middlewares y rutas.
func NewRouter(
	logger *zap.Logger,
	jwtSvc *service.JWTService,
	authH *AuthHandler,
	chatH *ChatHandler,
	matrixH *MatrixHandler,
	imageH *ImageHandler,
	credH *CredentialHandler,
) *gin.Engine {
	r := gin.New()

	r.MaxMultipartMemory = 2 * service.MaxUploadBytes
	r.Use(zapLoggerMiddleware(logger), gin.Recovery(), bodyLimitMiddleware(maxRequestBytes))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	auth := r.Group("/auth")
	auth.POST("/device", authH.RegisterDevice)
	auth.POST("/token", authH.IssueToken)
	auth.POST("/refresh", authH.Refresh)

	api := r.Group("/", JWTAuthMiddleware(jwtSvc))

	api.GET("/sessions", chatH.ListSessions)
	api.POST("/sessions", chatH.CreateSession)
	api.GET("/sessions/:id", chatH.GetSession)
	api.PATCH("/sessions/:id", chatH.RenameSession)
	api.DELETE("/sessions/:id", chatH.DeleteSession)
	api.PUT("/sessions/:id/active", chatH.ActivateSession)
	api.POST("/sessions/:id/turns", chatH.PostTurn)
	api.POST("/sessions/:id/suggestions", chatH.ApplySuggestion)
	api.POST("/sessions/:id/matrix", matrixH.OpenMatrix)

	api.GET("/matrix/:id", matrixH.GetMatrix)
	api.POST("/matrix/:id/toggle", matrixH.Toggle)
	api.POST("/matrix/:id/text", matrixH.SetText)
	api.POST("/matrix/:id/custom", matrixH.DefineCustom)
	api.POST("/matrix/:id/generate", matrixH.Generate)

	api.GET("/images/:id", imageH.GetImage)

	api.GET("/credentials", credH.Status)
	api.POST("/credentials/select", credH.Select)

	return r
}

// maxRequestBytes cubre varios adjuntos de hasta MaxUploadBytes mas los campos del form.
const maxRequestBytes = 4*service.MaxUploadBytes + 1<<20

// zapLoggerMiddleware loguea cada request con la ruta y el dispositivo autenticado.
func zapLoggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("route", route),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		}
		if id := c.GetString(ctxDeviceID); id != "" {
			fields = append(fields, zap.String("device_id", id))
		}
		switch status := c.Writer.Status(); {
		case status >= http.StatusInternalServerError:
			logger.Error("request", fields...)
		case status >= http.StatusBadRequest:
			logger.Warn("request", fields...)
		default:
			logger.Info("request", fields...)
		}
	}
}

func bodyLimitMiddleware(limit int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
		}
		c.Next()
	}
}
