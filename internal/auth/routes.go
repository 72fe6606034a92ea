package auth

import "github.com/gin-gonic/gin"

// RegisterRoutes registers Auth routes
func RegisterRoutes(rg *gin.RouterGroup, handler *Handler, secret string) {
	authGroup := rg.Group("/auth")
	{
		authGroup.GET("/ping", handler.Ping)
		authGroup.GET("/me", Middleware(secret), handler.Me)
	}
}
