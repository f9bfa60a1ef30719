package models

import (
	"time"
)

// IngestionError records a per-item failure during a sync run.
type IngestionError struct {
	ID         string     `json:"id"`
	RunID      string     `json:"run_id,omitempty"`
	Source     string     `json:"source"`
	ErrorType  string     `json:"error_type"`
	NaturalKey string     `json:"natural_key,omitempty"` // URL or name key of the failing item
	ErrorMsg   string     `json:"error_msg"`
	Metadata   string     `json:"metadata,omitempty"` // Additional JSON metadata
	CreatedAt  time.Time  `json:"created_at"`
	Resolved   bool       `json:"resolved"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// IngestionErrorType categorizes different types of ingestion errors.
type IngestionErrorType string

const (
	ErrorTypeFetchFailed      IngestionErrorType = "fetch_failed"
	ErrorTypeParsingFailed    IngestionErrorType = "parsing_failed"
	ErrorTypeResolutionFailed IngestionErrorType = "resolution_failed"
	ErrorTypeValidationFailed IngestionErrorType = "validation_failed"
	ErrorTypeCommitFailed     IngestionErrorType = "commit_failed"
	ErrorTypeRetryExhausted   IngestionErrorType = "retry_exhausted"
)
