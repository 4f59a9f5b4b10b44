package api

import (
	stderrors "errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/droverhq/drover/internal/blueprint"
	"github.com/droverhq/drover/internal/common/errors"
	"github.com/droverhq/drover/internal/common/logger"
	"github.com/droverhq/drover/internal/coordinator"
	"github.com/droverhq/drover/internal/run"
	"github.com/droverhq/drover/internal/session"
)

// Handler serves the client-facing API: runs and sessions.
type Handler struct {
	service *coordinator.Service
	logger  *logger.Logger
}

// NewHandler creates the client API handler.
func NewHandler(service *coordinator.Service, log *logger.Logger) *Handler {
	return &Handler{
		service: service,
		logger:  log.WithFields(zap.String("component", "client-api")),
	}
}

// respondError writes the error body contract: {"detail": ..., "code": ...}
// with the status derived from the error taxonomy.
func respondError(c *gin.Context, err error) {
	var collision *blueprint.AgentNameCollisionError
	if stderrors.As(err, &collision) {
		c.JSON(http.StatusConflict, gin.H{
			"detail":          collision.Error(),
			"code":            errors.ErrCodeConflict,
			"agent_name":      collision.Name,
			"owner_worker_id": collision.OwnerWorkerID,
		})
		return
	}

	var appErr *errors.AppError
	if stderrors.As(err, &appErr) {
		c.JSON(appErr.HTTPStatus, gin.H{"detail": appErr.Message, "code": appErr.Code})
		return
	}

	c.JSON(http.StatusInternalServerError, gin.H{
		"detail": "internal server error",
		"code":   errors.ErrCodeInternalError,
	})
}

// SubmitRun enqueues a run.
// POST /api/v1/runs
func (h *Handler) SubmitRun(c *gin.Context) {
	var req SubmitRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, errors.ValidationError("request", err.Error()))
		return
	}

	params := req.Parameters
	if params == nil {
		params = make(map[string]interface{})
	}
	if req.Prompt != "" {
		if _, ok := params["prompt"]; !ok {
			params["prompt"] = req.Prompt
		}
	}

	r, err := h.service.SubmitRun(c.Request.Context(), coordinator.SubmitParams{
		Type:              run.Type(req.Type),
		SessionID:         req.SessionID,
		AgentName:         req.AgentName,
		Parameters:        params,
		ProjectDir:        req.ProjectDir,
		ParentSessionID:   req.ParentSessionID,
		ExecutionMode:     session.ExecutionMode(req.ExecutionMode),
		AdditionalDemands: req.AdditionalDemands,
	})
	if err != nil {
		h.logger.Error("Failed to submit run", zap.Error(err))
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, SubmitRunResponse{
		RunID:     r.ID,
		SessionID: r.SessionID,
		Status:    string(r.Status),
	})
}

// GetRun returns a run's current state.
// GET /api/v1/runs/:runID
func (h *Handler) GetRun(c *gin.Context) {
	r, err := h.service.GetRun(c.Param("runID"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, r)
}

// ListSessions returns all sessions.
// GET /api/v1/sessions
func (h *Handler) ListSessions(c *gin.Context) {
	sessions, err := h.service.Store().List(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

// GetSession returns a single session.
// GET /api/v1/sessions/:sessionID
func (h *Handler) GetSession(c *gin.Context) {
	sess, err := h.service.Store().Get(c.Request.Context(), c.Param("sessionID"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": sess})
}

// GetSessionStatus returns only a session's coarse status.
// GET /api/v1/sessions/:sessionID/status
func (h *Handler) GetSessionStatus(c *gin.Context) {
	sess, err := h.service.Store().Get(c.Request.Context(), c.Param("sessionID"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": sess.Status})
}

// GetSessionResult returns the session's last assistant message text.
// GET /api/v1/sessions/:sessionID/result
func (h *Handler) GetSessionResult(c *gin.Context) {
	sessionID := c.Param("sessionID")
	sess, err := h.service.Store().Get(c.Request.Context(), sessionID)
	if err != nil {
		respondError(c, err)
		return
	}
	if sess.Status != session.StatusFinished {
		respondError(c, errors.BadRequest("session is not finished"))
		return
	}

	result, ok, err := h.service.Store().Result(c.Request.Context(), sessionID)
	if err != nil {
		respondError(c, err)
		return
	}
	if !ok {
		c.JSON(http.StatusOK, gin.H{"result": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": result})
}

// GetSessionEvents returns a session's events in append order.
// GET /api/v1/sessions/:sessionID/events
func (h *Handler) GetSessionEvents(c *gin.Context) {
	events, err := h.service.Store().Events(c.Request.Context(), c.Param("sessionID"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

// StopSession requests a stop of the session's active run.
// POST /api/v1/sessions/:sessionID/stop
func (h *Handler) StopSession(c *gin.Context) {
	status, err := h.service.StopSession(c.Request.Context(), c.Param("sessionID"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, StopSessionResponse{OK: true, Status: status})
}

// DeleteSession removes a session and its events.
// DELETE /api/v1/sessions/:sessionID
func (h *Handler) DeleteSession(c *gin.Context) {
	sessionID := c.Param("sessionID")
	if err := h.service.DeleteSession(c.Request.Context(), sessionID); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, DeleteSessionResponse{OK: true, Deleted: sessionID})
}

// DeleteAllSessions removes every session.
// DELETE /api/v1/sessions
func (h *Handler) DeleteAllSessions(c *gin.Context) {
	n, err := h.service.Store().DeleteAll(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "count": n})
}

// UpdateSessionMetadata applies a partial metadata update.
// PATCH /api/v1/sessions/:sessionID/metadata
func (h *Handler) UpdateSessionMetadata(c *gin.Context) {
	var req UpdateMetadataRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, errors.ValidationError("request", err.Error()))
		return
	}

	sess, err := h.service.Store().UpdateMetadata(c.Request.Context(), c.Param("sessionID"), session.MetadataUpdate{
		ProjectDir:    req.ProjectDir,
		AgentName:     req.AgentName,
		LastResumedAt: req.LastResumedAt,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": sess})
}

// ReparentSession reassigns a session's parent edge, preserving the
// acyclic-forest invariant.
// POST /api/v1/sessions/:sessionID/parent
func (h *Handler) ReparentSession(c *gin.Context) {
	var req ReparentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, errors.ValidationError("request", err.Error()))
		return
	}

	sess, err := h.service.Store().Reparent(c.Request.Context(), c.Param("sessionID"), req.ParentSessionID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": sess})
}

// GetStatus returns a coordinator summary.
// GET /api/v1/status
func (h *Handler) GetStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.service.GetStatus())
}

// ListBlueprints returns the known agent blueprints.
// GET /api/v1/agents
func (h *Handler) ListBlueprints(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"agents": h.service.Blueprints().List()})
}
