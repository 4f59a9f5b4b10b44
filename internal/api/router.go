package api

import (
	"github.com/gin-gonic/gin"

	"github.com/droverhq/drover/internal/common/config"
	"github.com/droverhq/drover/internal/common/logger"
	"github.com/droverhq/drover/internal/coordinator"
)

// RegisterRoutes mounts the client and worker APIs under /api/v1.
func RegisterRoutes(router *gin.Engine, service *coordinator.Service, cfg *config.Config, log *logger.Logger) {
	h := NewHandler(service, log)
	wh := NewWorkerHandler(service, cfg, log)

	v1 := router.Group("/api/v1")

	// Client API
	v1.POST("/runs", h.SubmitRun)
	v1.GET("/runs/:runID", h.GetRun)
	v1.GET("/sessions", h.ListSessions)
	v1.DELETE("/sessions", h.DeleteAllSessions)
	v1.GET("/sessions/:sessionID", h.GetSession)
	v1.GET("/sessions/:sessionID/status", h.GetSessionStatus)
	v1.GET("/sessions/:sessionID/result", h.GetSessionResult)
	v1.GET("/sessions/:sessionID/events", h.GetSessionEvents)
	v1.POST("/sessions/:sessionID/stop", h.StopSession)
	v1.DELETE("/sessions/:sessionID", h.DeleteSession)
	v1.PATCH("/sessions/:sessionID/metadata", h.UpdateSessionMetadata)
	v1.POST("/sessions/:sessionID/parent", h.ReparentSession)
	v1.GET("/status", h.GetStatus)
	v1.GET("/agents", h.ListBlueprints)

	// Worker API
	v1.POST("/worker/register", wh.Register)
	v1.GET("/worker/runs", wh.Poll)
	v1.POST("/worker/runs/:runID/started", wh.ReportStarted)
	v1.POST("/worker/runs/:runID/completed", wh.ReportCompleted)
	v1.POST("/worker/runs/:runID/failed", wh.ReportFailed)
	v1.POST("/worker/runs/:runID/stopped", wh.ReportStopped)
	v1.POST("/worker/heartbeat", wh.Heartbeat)
	v1.POST("/sessions/:sessionID/bind", wh.BindSession)
	v1.POST("/sessions/:sessionID/events", wh.AppendEvent)
	v1.GET("/workers", wh.ListWorkers)
	v1.DELETE("/workers/:workerID", wh.Deregister)
}
