package models

import "time"

// RunStatus represents the lifecycle state of a sync run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// IsTerminal reports whether no further transition is allowed.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

// RunCounts aggregates per-item outcomes of a sync run.
type RunCounts struct {
	Processed int `json:"processed"`
	Created   int `json:"created"`
	Updated   int `json:"updated"`
	Skipped   int `json:"skipped"`
	Errors    int `json:"errors"`
}

// Add returns the element-wise sum of two counters.
func (c RunCounts) Add(delta RunCounts) RunCounts {
	return RunCounts{
		Processed: c.Processed + delta.Processed,
		Created:   c.Created + delta.Created,
		Updated:   c.Updated + delta.Updated,
		Skipped:   c.Skipped + delta.Skipped,
		Errors:    c.Errors + delta.Errors,
	}
}

// IsZero reports whether all counters are zero.
func (c RunCounts) IsZero() bool {
	return c == RunCounts{}
}

// SyncRun is one invocation of one source's ingestion. Rows are append-only.
type SyncRun struct {
	ID           string                 `json:"id"`
	Source       string                 `json:"source"`
	Status       RunStatus              `json:"status"`
	StartedAt    time.Time              `json:"started_at"`
	CompletedAt  *time.Time             `json:"completed_at,omitempty"`
	DurationMs   *int64                 `json:"duration_ms,omitempty"`
	Counts       RunCounts              `json:"counts"`
	ErrorMessage *string                `json:"error_message,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

// IsStale reports whether a still-running run started before now-threshold.
func (r SyncRun) IsStale(now time.Time, threshold time.Duration) bool {
	return r.Status == RunStatusRunning && now.Sub(r.StartedAt) > threshold
}

// SourceStatus is the read-only status projection for one source.
type SourceStatus struct {
	Source string     `json:"source"`
	Latest *SyncRun   `json:"latest"`
	Stale  bool       `json:"stale"`
	Recent RecentRuns `json:"recent"`
}

// RecentRuns summarises the runs of a source inside the status window.
type RecentRuns struct {
	Runs      int       `json:"runs"`
	Completed int       `json:"completed"`
	Failed    int       `json:"failed"`
	Running   int       `json:"running"`
	Counts    RunCounts `json:"counts"`
}
