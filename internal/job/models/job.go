// Package models defines the job data model shared by the store, the
// executor and the API layer.
package models

import "time"

// Field size limits enforced on create and update.
const (
	MaxTitleLen       = 200
	MaxDescriptionLen = 2000
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusBacklog Status = "backlog"
	StatusQueued  Status = "queued"
	StatusRunning Status = "running"
	StatusPending Status = "pending"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusBacklog, StatusQueued, StatusRunning, StatusPending, StatusDone, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether s is an end state.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusFailed
}

// Priority orders jobs within the queue.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow:
		return true
	}
	return false
}

// Rank returns the sort rank of the priority; lower sorts first.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityMedium:
		return 2
	default:
		return 3
	}
}

// HistoryEntry records one status transition. History is append-only and
// its timestamps are non-decreasing.
type HistoryEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Status    Status    `json:"status"`
	Message   string    `json:"message,omitempty"`
}

// Clarification is a human answer to a question the agent asked.
type Clarification struct {
	Question  string    `json:"question"`
	Answer    string    `json:"answer"`
	Timestamp time.Time `json:"timestamp"`
}

// Job is one unit of work routed to the agent gateway.
type Job struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Status      Status   `json:"status"`
	Priority    Priority `json:"priority"`
	Agent       string   `json:"agent,omitempty"`
	Channel     string   `json:"channel,omitempty"`

	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	ScheduledAt *time.Time `json:"scheduledAt,omitempty"`
	FinishedAt  *time.Time `json:"finishedAt,omitempty"`

	Error     string `json:"error,omitempty"`
	Result    string `json:"result,omitempty"`
	ResultURL string `json:"resultUrl,omitempty"`

	Clarifications []Clarification `json:"clarifications,omitempty"`
	History        []HistoryEntry  `json:"history"`
}

// Clone returns a deep copy safe to hand outside the store's lock.
func (j *Job) Clone() *Job {
	c := *j
	if j.ScheduledAt != nil {
		t := *j.ScheduledAt
		c.ScheduledAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		c.FinishedAt = &t
	}
	if j.Clarifications != nil {
		c.Clarifications = make([]Clarification, len(j.Clarifications))
		copy(c.Clarifications, j.Clarifications)
	}
	if j.History != nil {
		c.History = make([]HistoryEntry, len(j.History))
		copy(c.History, j.History)
	}
	return &c
}

// EligibleAt reports whether the job's schedule gate is open at t.
func (j *Job) EligibleAt(t time.Time) bool {
	return j.ScheduledAt == nil || !j.ScheduledAt.After(t)
}
