// Package store defines persistence interfaces for the ingest pipeline
// and provides memory, sqlite, and postgres implementations.
package store

import (
	"context"
	"time"

	"github.com/sells-group/ingest-cli/internal/model"
)

// GraphStore holds extraction candidates through their lifecycle:
// provisional (staging) until the gate decides, then promoted, rejected,
// or parked for human review.
type GraphStore interface {
	// UpsertProvisional writes candidates into the tenant-scoped staging
	// area. Writing the same candidate ID twice replaces the earlier row,
	// so re-running a document cannot produce duplicates.
	UpsertProvisional(ctx context.Context, cands []model.NormalizedCandidate) error

	// SetStatus moves a single candidate to the given status.
	SetStatus(ctx context.Context, tenantID, candidateID string, status model.CandidateStatus) error

	// Promote marks the listed candidates as promoted in a single
	// operation. IDs not present in staging are skipped, not errors.
	Promote(ctx context.Context, tenantID string, candidateIDs []string) error

	// ListByStatus returns the tenant's candidates with the given status.
	ListByStatus(ctx context.Context, tenantID string, status model.CandidateStatus) ([]model.NormalizedCandidate, error)

	// GetCandidate fetches one candidate by its deterministic ID.
	GetCandidate(ctx context.Context, tenantID, candidateID string) (*model.NormalizedCandidate, error)
}

// CounterStore backs the budget governor. Counters are float64 so the
// same store tracks both call counts and dollar cost.
type CounterStore interface {
	// Add atomically adds delta (which may be negative, for refunds)
	// and returns the new value.
	Add(ctx context.Context, key string, delta float64) (float64, error)

	// AddIfBelow atomically adds delta only when the result would not
	// exceed max. Returns the post-operation value and whether the add
	// was applied.
	AddIfBelow(ctx context.Context, key string, delta, max float64) (float64, bool, error)

	// Get returns the current value, zero when the key is unknown.
	Get(ctx context.Context, key string) (float64, error)
}

// RunStore records orchestration runs and their outcomes.
type RunStore interface {
	CreateRun(ctx context.Context, run *model.Run) error
	UpdateRun(ctx context.Context, run *model.Run) error
	GetRun(ctx context.Context, runID string) (*model.Run, error)
	ListRuns(ctx context.Context, tenantID string, limit int) ([]model.Run, error)
}

// ResultCache memoizes extraction results by segment content hash so a
// re-run of unchanged text skips the model call entirely.
type ResultCache interface {
	GetResult(ctx context.Context, tenantID, contentHash string) ([]model.ExtractionCandidate, bool, error)
	PutResult(ctx context.Context, tenantID, contentHash string, cands []model.ExtractionCandidate, ttl time.Duration) error
}

// Store is the composite interface the supervisor wires together.
type Store interface {
	GraphStore
	CounterStore
	RunStore
	ResultCache

	Close() error
}
