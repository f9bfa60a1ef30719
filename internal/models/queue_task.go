package models

import "time"

// TaskStatus represents the state of a retry queue task.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
)

// ParseTaskStatus validates a raw status string.
func ParseTaskStatus(raw string) (TaskStatus, bool) {
	switch s := TaskStatus(raw); s {
	case TaskStatusPending, TaskStatusRunning, TaskStatusCompleted, TaskStatusFailed:
		return s, true
	default:
		return "", false
	}
}

// QueueTask is one pending unit of sync work.
type QueueTask struct {
	ID          string                 `json:"id"`
	Source      string                 `json:"source"`
	EntityType  string                 `json:"entity_type"`
	EntityID    *string                `json:"entity_id,omitempty"`
	Priority    int                    `json:"priority"`
	Status      TaskStatus             `json:"status"`
	Attempts    int                    `json:"attempts"`
	MaxAttempts int                    `json:"max_attempts"`
	LastError   *string                `json:"last_error,omitempty"`
	ScheduledAt time.Time              `json:"scheduled_at"`
	StartedAt   *time.Time             `json:"started_at,omitempty"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
}

// TaskFilter narrows task listings.
type TaskFilter struct {
	Source string
	Status TaskStatus
	Limit  int
}

// QueueStats counts tasks per source and status.
type QueueStats struct {
	Source string             `json:"source"`
	Counts map[TaskStatus]int `json:"counts"`
}
