package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/cuongbtq/taskflow/internal/api/dto"
	"github.com/cuongbtq/taskflow/internal/domain"
	"github.com/cuongbtq/taskflow/internal/lifecycle"
	"github.com/gin-gonic/gin"
)

// CreateTask handles POST /api/v1/tasks
func (h *TaskHandler) CreateTask(c *gin.Context) {
	var req dto.CreateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, "Invalid request body", err)
		return
	}

	task, err := h.tasks.Create(c.Request.Context(), req.ToInput())
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, task)
}

// ListTasks handles GET /api/v1/tasks
// Lists tasks with optional filtering and page/limit pagination
func (h *TaskHandler) ListTasks(c *gin.Context) {
	var req dto.ListTasksRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.badRequest(c, "Invalid query parameters", err)
		return
	}

	filter := req.ToFilter()
	tasks, err := h.tasks.FindAll(c.Request.Context(), filter)
	if err != nil {
		h.respondError(c, err)
		return
	}

	if tasks == nil {
		tasks = []domain.Task{}
	}

	c.JSON(http.StatusOK, dto.ListTasksResponse{
		Tasks: tasks,
		Page:  filter.Page,
		Limit: filter.Limit,
	})
}

// GetTask handles GET /api/v1/tasks/:id
func (h *TaskHandler) GetTask(c *gin.Context) {
	task, err := h.tasks.FindOne(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, task)
}

// UpdateTask handles PATCH /api/v1/tasks/:id
func (h *TaskHandler) UpdateTask(c *gin.Context) {
	var req dto.UpdateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, "Invalid request body", err)
		return
	}

	task, err := h.tasks.Update(c.Request.Context(), c.Param("id"), req.ToChanges())
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, task)
}

// UpdateTaskStatus handles PATCH /api/v1/tasks/:id/status
func (h *TaskHandler) UpdateTaskStatus(c *gin.Context) {
	var req dto.UpdateStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, "Invalid request body", err)
		return
	}

	task, err := h.tasks.UpdateStatus(c.Request.Context(), c.Param("id"), domain.TaskStatus(req.Status))
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, task)
}

// DeleteTask handles DELETE /api/v1/tasks/:id
func (h *TaskHandler) DeleteTask(c *gin.Context) {
	if err := h.tasks.Remove(c.Request.Context(), c.Param("id")); err != nil {
		h.respondError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

// BatchTasks handles POST /api/v1/tasks/batch
// Every id gets its own outcome; the request succeeds even when some ids fail.
func (h *TaskHandler) BatchTasks(c *gin.Context) {
	var req dto.BatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, "Invalid request body", err)
		return
	}

	results := h.tasks.BatchApply(c.Request.Context(), req.IDs, lifecycle.BatchAction(req.Action))

	resp := dto.BatchResponse{Results: results}
	for _, r := range results {
		if r.Success {
			resp.Succeeded++
		} else {
			resp.Failed++
		}
	}

	c.JSON(http.StatusOK, resp)
}

// TaskStats handles GET /api/v1/tasks/stats
func (h *TaskHandler) TaskStats(c *gin.Context) {
	stats, err := h.tasks.Stats(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, stats)
}

func (h *TaskHandler) badRequest(c *gin.Context, msg string, err error) {
	h.logger.Warn(msg, slog.String("error", err.Error()))
	c.JSON(http.StatusBadRequest, gin.H{
		"error": msg,
	})
}

// respondError maps lifecycle errors onto HTTP status codes. Internal
// failures never leak their cause.
func (h *TaskHandler) respondError(c *gin.Context, err error) {
	status := StatusFor(err)
	if status == http.StatusInternalServerError {
		_ = c.Error(err)
		c.JSON(status, gin.H{
			"error": "Internal server error",
		})
		return
	}

	c.JSON(status, gin.H{
		"error": err.Error(),
	})
}

// StatusFor returns the HTTP status code for a lifecycle error
func StatusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
