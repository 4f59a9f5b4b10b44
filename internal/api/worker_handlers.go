package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/droverhq/drover/internal/common/config"
	"github.com/droverhq/drover/internal/common/errors"
	"github.com/droverhq/drover/internal/common/logger"
	"github.com/droverhq/drover/internal/coordinator"
	"github.com/droverhq/drover/internal/session"
	"github.com/droverhq/drover/internal/worker"
)

// WorkerHandler serves the worker-facing API: register, poll, report.
type WorkerHandler struct {
	service *coordinator.Service
	cfg     *config.Config
	logger  *logger.Logger
}

// NewWorkerHandler creates the worker API handler.
func NewWorkerHandler(service *coordinator.Service, cfg *config.Config, log *logger.Logger) *WorkerHandler {
	return &WorkerHandler{
		service: service,
		cfg:     cfg,
		logger:  log.WithFields(zap.String("component", "worker-api")),
	}
}

// Register registers a worker (or reconnects a restarted one) along with
// any blueprints it owns.
// POST /api/v1/worker/register
func (h *WorkerHandler) Register(c *gin.Context) {
	var req RegisterWorkerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, errors.ValidationError("request", err.Error()))
		return
	}

	info, err := h.service.RegisterWorker(worker.RegisterParams{
		Hostname:            req.Hostname,
		ProjectDir:          req.ProjectDir,
		ExecutorProfile:     req.ExecutorProfile,
		Executor:            req.Executor,
		Tags:                req.Tags,
		RequireMatchingTags: req.RequireMatchingTags,
	}, req.Agents)
	if err != nil {
		h.logger.Warn("Worker registration rejected",
			zap.String("hostname", req.Hostname),
			zap.Error(err))
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, RegisterWorkerResponse{
		WorkerID:                 info.ID,
		PollEndpoint:             "/api/v1/worker/runs",
		PollTimeoutSeconds:       h.cfg.Queue.LongPollSeconds,
		HeartbeatIntervalSeconds: h.cfg.Workers.HeartbeatInterval,
	})
}

// Poll is the worker long-poll for work, stop commands, or a
// deregistration signal.
// GET /api/v1/worker/runs?worker_id=...
func (h *WorkerHandler) Poll(c *gin.Context) {
	workerID := c.Query("worker_id")
	if workerID == "" {
		respondError(c, errors.BadRequest("worker_id query parameter is required"))
		return
	}

	result, err := h.service.PollWork(c.Request.Context(), workerID)
	if err != nil {
		respondError(c, err)
		return
	}

	switch {
	case result.Deregistered:
		c.JSON(http.StatusOK, gin.H{"deregistered": true})
	case len(result.StopRuns) > 0:
		c.JSON(http.StatusOK, gin.H{"stop_runs": result.StopRuns})
	case result.Run != nil:
		c.JSON(http.StatusOK, gin.H{"run": result.Run})
	default:
		c.Status(http.StatusNoContent)
	}
}

// ReportStarted records that the worker began executing a run.
// POST /api/v1/worker/runs/:runID/started
func (h *WorkerHandler) ReportStarted(c *gin.Context) {
	var req WorkerReportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, errors.ValidationError("request", err.Error()))
		return
	}

	r, err := h.service.ReportStarted(c.Request.Context(), req.WorkerID, c.Param("runID"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "status": r.Status})
}

// ReportCompleted records a successful run.
// POST /api/v1/worker/runs/:runID/completed
func (h *WorkerHandler) ReportCompleted(c *gin.Context) {
	var req WorkerReportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, errors.ValidationError("request", err.Error()))
		return
	}

	r, err := h.service.ReportCompleted(c.Request.Context(), req.WorkerID, c.Param("runID"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "status": r.Status})
}

// ReportFailed records a failed run with the worker's error.
// POST /api/v1/worker/runs/:runID/failed
func (h *WorkerHandler) ReportFailed(c *gin.Context) {
	var req WorkerReportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, errors.ValidationError("request", err.Error()))
		return
	}

	r, err := h.service.ReportFailed(c.Request.Context(), req.WorkerID, c.Param("runID"), req.Error)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "status": r.Status})
}

// ReportStopped records that the worker terminated a run on request.
// POST /api/v1/worker/runs/:runID/stopped
func (h *WorkerHandler) ReportStopped(c *gin.Context) {
	var req WorkerReportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, errors.ValidationError("request", err.Error()))
		return
	}

	r, err := h.service.ReportStopped(c.Request.Context(), req.WorkerID, c.Param("runID"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "status": r.Status})
}

// Heartbeat refreshes a worker's liveness.
// POST /api/v1/worker/heartbeat
func (h *WorkerHandler) Heartbeat(c *gin.Context) {
	var req HeartbeatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, errors.ValidationError("request", err.Error()))
		return
	}

	if err := h.service.Heartbeat(req.WorkerID); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// BindSession records the executor identity a worker assigned to a session.
// POST /api/v1/sessions/:sessionID/bind
func (h *WorkerHandler) BindSession(c *gin.Context) {
	var req BindSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, errors.ValidationError("request", err.Error()))
		return
	}

	sess, err := h.service.BindSession(c.Request.Context(), c.Param("sessionID"),
		req.ExecutorSessionID, req.Hostname, req.ExecutorProfile, req.ProjectDir)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": sess})
}

// AppendEvent appends one event to a session's stream.
// POST /api/v1/sessions/:sessionID/events
func (h *WorkerHandler) AppendEvent(c *gin.Context) {
	var req AppendEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, errors.ValidationError("request", err.Error()))
		return
	}

	var ts time.Time
	if req.Timestamp != nil {
		ts = *req.Timestamp
	}
	ev, err := h.service.AppendEvent(c.Request.Context(), c.Param("sessionID"),
		session.EventType(req.EventType), ts, req.Payload)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"event": ev})
}

// Deregister starts a graceful worker removal. The worker receives the
// signal on its next poll.
// DELETE /api/v1/workers/:workerID?self=true
func (h *WorkerHandler) Deregister(c *gin.Context) {
	workerID := c.Param("workerID")
	if err := h.service.DeregisterWorker(workerID); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "worker_id": workerID})
}

// ListWorkers returns the current worker registry snapshot.
// GET /api/v1/workers
func (h *WorkerHandler) ListWorkers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"workers": h.service.Workers().Snapshot()})
}
