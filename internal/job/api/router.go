package api

import (
	"github.com/gin-gonic/gin"

	"github.com/agentboard/agentboard/internal/common/logger"
	"github.com/agentboard/agentboard/internal/job/store"
)

// mutationRateLimit caps mutating requests per second.
const mutationRateLimit = 20

// SetupRoutes configures the job API routes. All routes require the
// session token; mutating routes are additionally rate-limited.
func SetupRoutes(router *gin.RouterGroup, s *store.Store, sessionToken string, log *logger.Logger) {
	handler := NewHandler(s, log)

	jobs := router.Group("/jobs")
	jobs.Use(Auth(sessionToken))

	limited := RateLimit(mutationRateLimit)

	jobs.GET("", handler.ListJobs)
	jobs.POST("", limited, handler.CreateJob)
	jobs.GET("/queue/status", handler.GetQueueStatus)
	jobs.GET("/:jobId", handler.GetJob)
	jobs.PUT("/:jobId", limited, handler.UpdateJob)
	jobs.DELETE("/:jobId", limited, handler.DeleteJob)
	jobs.POST("/:jobId/move", limited, handler.MoveJob)
	jobs.POST("/:jobId/clarify", limited, handler.ClarifyJob)
	jobs.GET("/:jobId/result", handler.GetJobResult)
}
