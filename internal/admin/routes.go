package admin

import (
	"github.com/gin-gonic/gin"

	"imghost/internal/auth"
	"imghost/internal/keys"
)

func SetupRoutes(router *gin.Engine, manager keys.Manager, log EventLister, adminPassword string) {
	handler := NewHandler(manager, log)

	adminGroup := router.Group("/admin")
	adminGroup.Use(auth.AdminAuthMiddleware(adminPassword))
	{
		keysGroup := adminGroup.Group("/keys")
		{
			keysGroup.GET("", handler.ListKeysHandler)
			keysGroup.POST("", handler.CreateKeyHandler)
			keysGroup.GET("/:id", handler.GetKeyHandler)
			keysGroup.POST("/:id/revoke", handler.RevokeKeyHandler)
			keysGroup.POST("/:id/reset-quota", handler.ResetQuotaHandler)
			keysGroup.GET("/:id/quota", handler.QuotaStatusHandler)
			keysGroup.GET("/:id/usage", handler.UsageHandler)
		}
		adminGroup.GET("/events", handler.ListEventsHandler)
	}
}
