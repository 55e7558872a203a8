package dto

import (
	"time"

	"github.com/cuongbtq/taskflow/internal/domain"
	"github.com/cuongbtq/taskflow/internal/lifecycle"
)

type CreateTaskRequest struct {
	Title       string     `json:"title" binding:"required"`
	Description string     `json:"description"`
	Status      string     `json:"status"`
	Priority    string     `json:"priority"`
	DueDate     *time.Time `json:"due_date"`
	UserID      string     `json:"user_id"`
}

// ToInput converts the request into a lifecycle input; enum checks are left
// to the service
func (r *CreateTaskRequest) ToInput() domain.CreateTaskInput {
	return domain.CreateTaskInput{
		Title:       r.Title,
		Description: r.Description,
		Status:      domain.TaskStatus(r.Status),
		Priority:    domain.TaskPriority(r.Priority),
		DueDate:     r.DueDate,
		UserID:      r.UserID,
	}
}

type UpdateTaskRequest struct {
	Title       *string    `json:"title"`
	Description *string    `json:"description"`
	Status      *string    `json:"status"`
	Priority    *string    `json:"priority"`
	DueDate     *time.Time `json:"due_date"`
	UserID      *string    `json:"user_id"`
}

func (r *UpdateTaskRequest) ToChanges() domain.TaskChanges {
	changes := domain.TaskChanges{
		Title:       r.Title,
		Description: r.Description,
		DueDate:     r.DueDate,
		UserID:      r.UserID,
	}
	if r.Status != nil {
		status := domain.TaskStatus(*r.Status)
		changes.Status = &status
	}
	if r.Priority != nil {
		priority := domain.TaskPriority(*r.Priority)
		changes.Priority = &priority
	}
	return changes
}

type UpdateStatusRequest struct {
	Status string `json:"status" binding:"required"`
}

type BatchRequest struct {
	IDs    []string `json:"ids" binding:"required,min=1,dive,required"`
	Action string   `json:"action" binding:"required"`
}

type BatchResponse struct {
	Results   []lifecycle.BatchResult `json:"results"`
	Succeeded int                     `json:"succeeded"`
	Failed    int                     `json:"failed"`
}

type ListTasksRequest struct {
	Status   string `form:"status"`
	Priority string `form:"priority"`
	UserID   string `form:"user_id"`
	Search   string `form:"search"`
	Page     int    `form:"page" binding:"omitempty,min=1"`
	Limit    int    `form:"limit" binding:"omitempty,min=1,max=100"`
}

func (r *ListTasksRequest) ToFilter() domain.TaskFilter {
	return domain.TaskFilter{
		Status:   domain.TaskStatus(r.Status),
		Priority: domain.TaskPriority(r.Priority),
		UserID:   r.UserID,
		Search:   r.Search,
		Page:     r.Page,
		Limit:    r.Limit,
	}.Normalize()
}

type ListTasksResponse struct {
	Tasks []domain.Task `json:"tasks"`
	Page  int           `json:"page"`
	Limit int           `json:"limit"`
}
