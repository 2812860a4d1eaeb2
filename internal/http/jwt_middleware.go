package http

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"rv-designer/internal/service"
)

const ctxDeviceID = "device_id"

// JWTAuthMiddleware exige un access token valido y deja el id del dispositivo en el contexto.
func JWTAuthMiddleware(jwtSvc *service.JWTService) gin.HandlerFunc {
	return func(c *gin.Context) {
		if jwtSvc == nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "jwt not configured"})
			return
		}
		token, ok := bearerToken(c.GetHeader("Authorization"))
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
			return
		}
		claims, err := jwtSvc.ParseAccessToken(token)
		if err != nil || claims.DeviceID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set(ctxDeviceID, claims.DeviceID)
		c.Next()
	}
}

func bearerToken(header string) (string, bool) {
	scheme, token, found := strings.Cut(strings.TrimSpace(header), " ")
	if !found || !strings.EqualFold(scheme, "bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// deviceKey devuelve la clave del session store del dispositivo autenticado.
func deviceKey(c *gin.Context) (string, bool) {
	id := c.GetString(ctxDeviceID)
	if id == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing device"})
		return "", false
	}
	return service.SessionKey(id), true
}
