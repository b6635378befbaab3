package api

import (
	stderrors "errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentboard/agentboard/internal/common/errors"
	"github.com/agentboard/agentboard/internal/common/logger"
	"github.com/agentboard/agentboard/internal/job/models"
	"github.com/agentboard/agentboard/internal/job/store"
)

// Handler contains HTTP handlers for the job API
type Handler struct {
	store  *store.Store
	logger *logger.Logger
}

// NewHandler creates a new API handler
func NewHandler(s *store.Store, log *logger.Logger) *Handler {
	return &Handler{
		store:  s,
		logger: log,
	}
}

// storeError maps store errors onto the API error taxonomy.
func storeError(id string, err error) *errors.AppError {
	switch {
	case stderrors.Is(err, store.ErrNotFound):
		return errors.NotFound("job", id)
	case stderrors.Is(err, store.ErrNotPending):
		return errors.Conflict(err.Error())
	case stderrors.Is(err, store.ErrAlreadyRunning):
		return errors.Conflict(err.Error())
	case stderrors.Is(err, store.ErrNoResult):
		return errors.NotFound("result", id)
	default:
		return errors.BadRequest(err.Error())
	}
}

// CreateJob creates a new job
// POST /api/jobs
func (h *Handler) CreateJob(c *gin.Context) {
	var req CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.BadRequest(err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	job, err := h.store.Create(store.CreateParams{
		Title:       req.Title,
		Description: req.Description,
		Status:      models.Status(req.Status),
		Priority:    models.Priority(req.Priority),
		Agent:       req.Agent,
		Channel:     req.Channel,
		ScheduledAt: req.ScheduledAt,
	})
	if err != nil {
		h.logger.Warn("failed to create job", zap.Error(err))
		appErr := storeError("", err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	c.JSON(http.StatusCreated, job)
}

// ListJobs returns all jobs, optionally filtered
// GET /api/jobs
func (h *Handler) ListJobs(c *gin.Context) {
	filter := store.ListFilter{
		Status: models.Status(c.Query("status")),
		Agent:  c.Query("agent"),
	}
	if filter.Status != "" && !filter.Status.Valid() {
		appErr := errors.BadRequest("unknown status filter")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	c.JSON(http.StatusOK, gin.H{"jobs": h.store.List(filter)})
}

// GetJob retrieves a job by ID
// GET /api/jobs/:jobId
func (h *Handler) GetJob(c *gin.Context) {
	jobID := c.Param("jobId")

	job, err := h.store.Get(jobID)
	if err != nil {
		appErr := storeError(jobID, err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	c.JSON(http.StatusOK, job)
}

// UpdateJob partially updates a job
// PUT /api/jobs/:jobId
func (h *Handler) UpdateJob(c *gin.Context) {
	jobID := c.Param("jobId")

	var req UpdateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.BadRequest(err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	params := store.UpdateParams{
		Title:       req.Title,
		Description: req.Description,
		Agent:       req.Agent,
		Channel:     req.Channel,
		ScheduledAt: req.ScheduledAt,
	}
	if req.Status != nil {
		status := models.Status(*req.Status)
		params.Status = &status
	}
	if req.Priority != nil {
		priority := models.Priority(*req.Priority)
		params.Priority = &priority
	}

	job, err := h.store.Update(jobID, params)
	if err != nil {
		h.logger.Warn("failed to update job", zap.String("job_id", jobID), zap.Error(err))
		appErr := storeError(jobID, err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	c.JSON(http.StatusOK, job)
}

// DeleteJob deletes a job
// DELETE /api/jobs/:jobId
func (h *Handler) DeleteJob(c *gin.Context) {
	jobID := c.Param("jobId")

	if err := h.store.Delete(jobID); err != nil {
		appErr := storeError(jobID, err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	c.Status(http.StatusNoContent)
}

// MoveJob moves a job to another status
// POST /api/jobs/:jobId/move
func (h *Handler) MoveJob(c *gin.Context) {
	jobID := c.Param("jobId")

	var req MoveJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.BadRequest(err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	status := models.Status(req.Status)
	job, err := h.store.Update(jobID, store.UpdateParams{
		Status:        &status,
		StatusMessage: "moved by operator",
	})
	if err != nil {
		h.logger.Warn("failed to move job", zap.String("job_id", jobID), zap.Error(err))
		appErr := storeError(jobID, err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	c.JSON(http.StatusOK, job)
}

// ClarifyJob answers a pending job's question
// POST /api/jobs/:jobId/clarify
func (h *Handler) ClarifyJob(c *gin.Context) {
	jobID := c.Param("jobId")

	var req ClarifyJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.BadRequest(err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	job, err := h.store.AddClarification(jobID, req.Answer)
	if err != nil {
		h.logger.Warn("failed to add clarification", zap.String("job_id", jobID), zap.Error(err))
		appErr := storeError(jobID, err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	c.JSON(http.StatusOK, job)
}

// GetJobResult returns a job's full result text
// GET /api/jobs/:jobId/result
func (h *Handler) GetJobResult(c *gin.Context) {
	jobID := c.Param("jobId")

	text, err := h.store.GetResult(jobID)
	if err != nil {
		appErr := storeError(jobID, err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	c.JSON(http.StatusOK, ResultResponse{JobID: jobID, Result: text})
}

// GetQueueStatus returns queue depth, per-status counts and dispatch order
// GET /api/jobs/queue/status
func (h *Handler) GetQueueStatus(c *gin.Context) {
	stats := h.store.Stats()

	byStatus := make(map[string]int, len(stats.ByStatus))
	for status, count := range stats.ByStatus {
		byStatus[string(status)] = count
	}

	snapshot := h.store.QueueSnapshot()
	queue := make([]QueueEntry, len(snapshot))
	for i, job := range snapshot {
		queue[i] = QueueEntry{
			ID:          job.ID,
			Title:       job.Title,
			Priority:    string(job.Priority),
			ScheduledAt: job.ScheduledAt,
		}
	}

	c.JSON(http.StatusOK, QueueStatusResponse{
		Total:      stats.Total,
		ByStatus:   byStatus,
		QueueDepth: stats.QueueDepth,
		Running:    stats.Running,
		Queue:      queue,
	})
}
