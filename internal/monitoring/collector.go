// Package monitoring gathers run metrics from the store and raises
// webhook alerts when failure rates, budget pressure, or cost cross
// their thresholds.
package monitoring

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/ingest-cli/internal/budget"
	"github.com/sells-group/ingest-cli/internal/model"
	"github.com/sells-group/ingest-cli/internal/store"
)

// MetricsSnapshot holds a point-in-time view of ingestion health.
type MetricsSnapshot struct {
	// Run metrics (within lookback window).
	RunsTotal    int     `json:"runs_total"`
	RunsComplete int     `json:"runs_complete"`
	RunsPartial  int     `json:"runs_partial"`
	RunsFailed   int     `json:"runs_failed"`
	RunsQueued   int     `json:"runs_queued"`
	FailRate     float64 `json:"fail_rate"`
	CostUSD      float64 `json:"cost_usd"`

	// Candidate outcomes (within lookback window).
	Promoted      int `json:"promoted"`
	Rejected      int `json:"rejected"`
	PendingReview int `json:"pending_review"`

	// Budget pressure.
	BudgetWarnings int `json:"budget_warnings"`
	BudgetDenials  int `json:"budget_denials"`

	// Metadata.
	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// Collector gathers metrics from the run store and from live budget
// alerts.
type Collector struct {
	runs store.RunStore

	mu       sync.Mutex
	warnings int
	denials  int
}

// NewCollector creates a metrics collector over the run store.
func NewCollector(runs store.RunStore) *Collector {
	return &Collector{runs: runs}
}

// RecordBudgetAlert is wired into the governor's alert callback.
func (c *Collector) RecordBudgetAlert(a budget.Alert) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if a.Denied {
		c.denials++
	} else {
		c.warnings++
	}
}

// Collect gathers a snapshot over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   time.Now().UTC(),
	}

	cutoff := time.Now().UTC().Add(-time.Duration(lookbackHours) * time.Hour)

	runs, err := c.runs.ListRuns(ctx, "", 10000)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list runs")
	}

	for _, r := range runs {
		if r.CreatedAt.Before(cutoff) {
			continue
		}
		snap.RunsTotal++
		switch r.Status {
		case model.RunStatusComplete:
			snap.RunsComplete++
		case model.RunStatusPartial:
			snap.RunsPartial++
		case model.RunStatusFailed:
			snap.RunsFailed++
		case model.RunStatusQueued:
			snap.RunsQueued++
		}
		if r.Result != nil {
			snap.CostUSD += r.Result.CostUSD
			snap.Promoted += r.Result.PromotedCount
			snap.Rejected += r.Result.RejectedCount
			snap.PendingReview += r.Result.PendingReviewCount
		}
	}

	finished := snap.RunsComplete + snap.RunsPartial + snap.RunsFailed
	if finished > 0 {
		snap.FailRate = float64(snap.RunsFailed) / float64(finished)
	}

	c.mu.Lock()
	snap.BudgetWarnings = c.warnings
	snap.BudgetDenials = c.denials
	c.mu.Unlock()

	return snap, nil
}
