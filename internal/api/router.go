package api

import (
	"github.com/gin-gonic/gin"

	"github.com/lablup/baisched/internal/logging"
	"github.com/lablup/baisched/internal/manager"
)

// SetupRoutes configures the manager API routes. router should be the
// /api/v1 group.
func SetupRoutes(router *gin.RouterGroup, core manager.Core, log *logging.Logger) {
	handler := NewHandler(core, log)

	sessions := router.Group("/sessions")
	{
		sessions.POST("", handler.EnqueueSession)
		sessions.GET("", handler.MatchSessions)
		sessions.GET("/:sessionId", handler.QuerySession)
		sessions.DELETE("/:sessionId", handler.Destroy)
		sessions.POST("/:sessionId/cancel", handler.Cancel)
		sessions.POST("/:sessionId/restart", handler.Restart)
		sessions.POST("/:sessionId/interrupt", handler.Interrupt)
		sessions.POST("/:sessionId/exec", handler.Exec)
	}
}
