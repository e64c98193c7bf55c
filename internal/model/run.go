package model

import "time"

// RunStatus tracks the lifecycle of one document ingestion run.
type RunStatus string

const (
	RunStatusQueued   RunStatus = "queued"
	RunStatusRunning  RunStatus = "running"
	RunStatusComplete RunStatus = "complete"
	RunStatusPartial  RunStatus = "partial"
	RunStatusFailed   RunStatus = "failed"
)

// Run is the persisted record of a document ingestion.
type Run struct {
	ID         string        `json:"id"`
	DocumentID string        `json:"document_id"`
	TenantID   string        `json:"tenant_id"`
	Status     RunStatus     `json:"status"`
	CreatedAt  time.Time     `json:"created_at"`
	Result     *IngestResult `json:"result,omitempty"`
}

// StateResult records the execution of one FSM state for a run.
type StateResult struct {
	Name       string         `json:"name"`
	Status     string         `json:"status"` // complete, failed, skipped
	DurationMS int64          `json:"duration_ms"`
	Attempts   int            `json:"attempts"`
	Error      string         `json:"error,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// IngestResult is what a per-document ingest call returns: partial results
// with explicit counts rather than all-or-nothing success.
type IngestResult struct {
	DocumentID         string        `json:"document_id"`
	RunID              string        `json:"run_id"`
	Status             RunStatus     `json:"status"`
	PromotedCount      int           `json:"promoted_count"`
	RejectedCount      int           `json:"rejected_count"`
	PendingReviewCount int           `json:"pending_review_count"`
	IncompleteSegments []string      `json:"incomplete_segments,omitempty"`
	Partial            bool          `json:"partial"`
	CostUSD            float64       `json:"cost_usd"`
	TokenUsage         TokenUsage    `json:"token_usage"`
	States             []StateResult `json:"states,omitempty"`
}
