// Package api provides the HTTP surface for the job store.
package api

import "time"

// CreateJobRequest for creating a job
type CreateJobRequest struct {
	Title       string     `json:"title" binding:"required"`
	Description string     `json:"description"`
	Status      string     `json:"status"`
	Priority    string     `json:"priority"`
	Agent       string     `json:"agent"`
	Channel     string     `json:"channel"`
	ScheduledAt *time.Time `json:"scheduledAt,omitempty"`
}

// UpdateJobRequest for partially updating a job
type UpdateJobRequest struct {
	Title       *string    `json:"title,omitempty"`
	Description *string    `json:"description,omitempty"`
	Status      *string    `json:"status,omitempty"`
	Priority    *string    `json:"priority,omitempty"`
	Agent       *string    `json:"agent,omitempty"`
	Channel     *string    `json:"channel,omitempty"`
	ScheduledAt *time.Time `json:"scheduledAt,omitempty"`
}

// MoveJobRequest for moving a job to another status
type MoveJobRequest struct {
	Status string `json:"status" binding:"required"`
}

// ClarifyJobRequest for answering a pending job's question
type ClarifyJobRequest struct {
	Answer string `json:"answer" binding:"required"`
}

// ResultResponse carries a job's full result text
type ResultResponse struct {
	JobID  string `json:"jobId"`
	Result string `json:"result"`
}

// QueueStatusResponse for the queue status endpoint
type QueueStatusResponse struct {
	Total      int            `json:"total"`
	ByStatus   map[string]int `json:"byStatus"`
	QueueDepth int            `json:"queueDepth"`
	Running    string         `json:"running,omitempty"`
	Queue      []QueueEntry   `json:"queue"`
}

// QueueEntry is one queued job in dispatch order
type QueueEntry struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Priority    string     `json:"priority"`
	ScheduledAt *time.Time `json:"scheduledAt,omitempty"`
}
