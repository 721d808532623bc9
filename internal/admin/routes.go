package admin

import (
	"matchgate/internal/auth"
	"matchgate/internal/config"
	"matchgate/internal/keymanager"

	"github.com/gin-gonic/gin"
)

func SetupRoutes(router *gin.Engine, keys keymanager.Manager, cfg *config.Config) {
	handler := NewHandler(keys)

	adminGroup := router.Group("/admin")
	adminGroup.Use(auth.AdminAuthMiddleware(cfg.Admin.Password))
	{
		keysGroup := adminGroup.Group("/keys")
		{
			keysGroup.GET("", handler.ListKeysHandler)
			keysGroup.POST("", handler.CreateKeyHandler)
			keysGroup.GET("/:client_id", handler.GetKeyHandler)
			keysGroup.PUT("/:client_id", handler.UpdateKeyHandler)
			keysGroup.POST("/:client_id/rotate", handler.RotateKeyHandler)
			keysGroup.DELETE("/:client_id", handler.DeleteKeyHandler)
		}
	}
}
