// Package budget enforces per-document call caps, cost ceilings, and
// per-tenant daily spend limits before any model call is dispatched.
package budget

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/ingest-cli/internal/config"
	"github.com/sells-group/ingest-cli/internal/model"
	"github.com/sells-group/ingest-cli/internal/resilience"
	"github.com/sells-group/ingest-cli/internal/store"
)

// ErrDenied wraps every budget refusal so callers can branch on it.
var ErrDenied = eris.New("budget: denied")

// Alert is emitted when a counter crosses the warn fraction or hits its
// cap. The monitoring collector subscribes to these.
type Alert struct {
	TenantID string
	DocID    string
	Counter  string
	Value    float64
	Cap      float64
	Denied   bool
	At       time.Time
}

// Governor meters model calls against document and tenant budgets. All
// counter mutation goes through the store's atomic operations, so
// concurrent extraction workers cannot overshoot a cap.
type Governor struct {
	cfg      config.BudgetConfig
	counters store.CounterStore
	onAlert  func(Alert)

	now func() time.Time

	mu   sync.Mutex
	docs map[string]DocProfile
}

// DocProfile carries routing-derived budget adjustments for one
// document: the vision call cap the router granted, and whether the
// document's image-heavy mix raises its cost ceiling.
type DocProfile struct {
	VisionCalls int
	ImageHeavy  bool
}

// Option configures a Governor.
type Option func(*Governor)

// WithAlertFunc registers a callback invoked on warn and deny events.
func WithAlertFunc(fn func(Alert)) Option {
	return func(g *Governor) { g.onAlert = fn }
}

// WithClock overrides the governor's clock. Used by tests to pin the
// tenant-day bucket.
func WithClock(now func() time.Time) Option {
	return func(g *Governor) { g.now = now }
}

func NewGovernor(cfg config.BudgetConfig, counters store.CounterStore, opts ...Option) *Governor {
	g := &Governor{cfg: cfg, counters: counters, now: time.Now, docs: make(map[string]DocProfile)}
	for _, o := range opts {
		o(g)
	}
	return g
}

// BeginDocument registers the document's budget profile for the run.
// The supervisor calls this once routing has decided the vision cap and
// the image-heavy classification.
func (g *Governor) BeginDocument(docID string, profile DocProfile) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.docs[docID] = profile
}

// EndDocument drops the document's profile after the run finishes.
func (g *Governor) EndDocument(docID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.docs, docID)
}

func (g *Governor) docProfile(docID string) (DocProfile, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.docs[docID]
	return p, ok
}

// Reservation is a successful budget grant. Refund it when the call it
// paid for ultimately fails, so failed work never consumes budget.
type Reservation struct {
	DocID    string
	TenantID string
	Route    model.Route
	CostUSD  float64
	refunded bool
}

func (g *Governor) callKey(docID string, route model.Route) string {
	return fmt.Sprintf("doc:%s:%s:calls", docID, route)
}

func (g *Governor) docCostKey(docID string) string {
	return fmt.Sprintf("doc:%s:cost_usd", docID)
}

func (g *Governor) tenantCostKey(tenantID string) string {
	return fmt.Sprintf("tenant:%s:%s:cost_usd", tenantID, g.now().UTC().Format("2006-01-02"))
}

func (g *Governor) tenantDocsKey(tenantID string) string {
	return fmt.Sprintf("tenant:%s:%s:docs", tenantID, g.now().UTC().Format("2006-01-02"))
}

func (g *Governor) callCap(docID string, route model.Route) float64 {
	switch route {
	case model.RouteLarge:
		return float64(g.cfg.DocLargeCalls)
	case model.RouteVision:
		if p, ok := g.docProfile(docID); ok && p.VisionCalls > 0 {
			return float64(p.VisionCalls)
		}
		return float64(g.cfg.DocVisionCalls)
	default:
		return float64(g.cfg.DocSmallCalls)
	}
}

func (g *Governor) docCostCeiling(docID string) float64 {
	ceiling := g.cfg.DocCostCeilingUSD
	if p, ok := g.docProfile(docID); ok && p.ImageHeavy {
		mul := g.cfg.ImageHeavyCostMul
		if mul <= 0 {
			mul = 1
		}
		ceiling *= mul
	}
	return ceiling
}

// CallCost returns the estimated cost of one call on the route.
func (g *Governor) CallCost(route model.Route) float64 {
	switch route {
	case model.RouteLarge:
		return g.cfg.LargeCallCostUSD
	case model.RouteVision:
		return g.cfg.VisionCallCostUSD
	default:
		return g.cfg.SmallCallCostUSD
	}
}

// Reserve grants budget for one model call on the given route, bumping
// the document call counter, document cost, and tenant daily cost
// together. A denial on any counter rolls back the ones already taken
// and returns a budget_denied model call error.
func (g *Governor) Reserve(ctx context.Context, tenantID, docID string, route model.Route) (*Reservation, error) {
	cost := g.CallCost(route)

	callKey := g.callKey(docID, route)
	callCap := g.callCap(docID, route)
	val, ok, err := g.counters.AddIfBelow(ctx, callKey, 1, callCap)
	if err != nil {
		return nil, eris.Wrap(err, "budget: reserve call slot")
	}
	if !ok {
		g.deny(tenantID, docID, callKey, val, callCap)
		return nil, denied(route, "per-document %s call cap %d reached", route, int(callCap))
	}
	g.maybeWarn(tenantID, docID, callKey, val, callCap)

	docKey := g.docCostKey(docID)
	docCeiling := g.docCostCeiling(docID)
	val, ok, err = g.counters.AddIfBelow(ctx, docKey, cost, docCeiling)
	if err != nil {
		_, _ = g.counters.Add(ctx, callKey, -1)
		return nil, eris.Wrap(err, "budget: reserve document cost")
	}
	if !ok {
		_, _ = g.counters.Add(ctx, callKey, -1)
		g.deny(tenantID, docID, docKey, val, docCeiling)
		return nil, denied(route, "document cost ceiling $%.2f reached", docCeiling)
	}
	g.maybeWarn(tenantID, docID, docKey, val, docCeiling)

	tenantKey := g.tenantCostKey(tenantID)
	val, ok, err = g.counters.AddIfBelow(ctx, tenantKey, cost, g.cfg.TenantDailyCostUSD)
	if err != nil {
		_, _ = g.counters.Add(ctx, callKey, -1)
		_, _ = g.counters.Add(ctx, docKey, -cost)
		return nil, eris.Wrap(err, "budget: reserve tenant cost")
	}
	if !ok {
		_, _ = g.counters.Add(ctx, callKey, -1)
		_, _ = g.counters.Add(ctx, docKey, -cost)
		g.deny(tenantID, docID, tenantKey, val, g.cfg.TenantDailyCostUSD)
		return nil, denied(route, "tenant daily cost cap $%.2f reached", g.cfg.TenantDailyCostUSD)
	}
	g.maybeWarn(tenantID, docID, tenantKey, val, g.cfg.TenantDailyCostUSD)

	return &Reservation{DocID: docID, TenantID: tenantID, Route: route, CostUSD: cost}, nil
}

// Refund returns a reservation's budget. Safe to call more than once;
// only the first call has effect.
func (g *Governor) Refund(ctx context.Context, r *Reservation) error {
	if r == nil || r.refunded {
		return nil
	}
	r.refunded = true
	if _, err := g.counters.Add(ctx, g.callKey(r.DocID, r.Route), -1); err != nil {
		return eris.Wrap(err, "budget: refund call slot")
	}
	if _, err := g.counters.Add(ctx, g.docCostKey(r.DocID), -r.CostUSD); err != nil {
		return eris.Wrap(err, "budget: refund document cost")
	}
	if _, err := g.counters.Add(ctx, g.tenantCostKey(r.TenantID), -r.CostUSD); err != nil {
		return eris.Wrap(err, "budget: refund tenant cost")
	}
	return nil
}

// AdmitDocument checks the tenant's daily document quota before a run
// starts.
func (g *Governor) AdmitDocument(ctx context.Context, tenantID, docID string) error {
	if g.cfg.TenantDailyDocs <= 0 {
		return nil
	}
	key := g.tenantDocsKey(tenantID)
	val, ok, err := g.counters.AddIfBelow(ctx, key, 1, float64(g.cfg.TenantDailyDocs))
	if err != nil {
		return eris.Wrap(err, "budget: admit document")
	}
	if !ok {
		g.deny(tenantID, docID, key, val, float64(g.cfg.TenantDailyDocs))
		return eris.Wrapf(ErrDenied, "tenant daily document quota %d reached", g.cfg.TenantDailyDocs)
	}
	g.maybeWarn(tenantID, docID, key, val, float64(g.cfg.TenantDailyDocs))
	return nil
}

// SpentUSD reports the document's accumulated cost.
func (g *Governor) SpentUSD(ctx context.Context, docID string) (float64, error) {
	return g.counters.Get(ctx, g.docCostKey(docID))
}

// CallsUsed reports how many calls the document has consumed on a route.
func (g *Governor) CallsUsed(ctx context.Context, docID string, route model.Route) (int, error) {
	v, err := g.counters.Get(ctx, g.callKey(docID, route))
	return int(v), err
}

func (g *Governor) maybeWarn(tenantID, docID, key string, val, limit float64) {
	warn := g.cfg.WarnFraction
	if warn <= 0 {
		warn = 0.9
	}
	if limit <= 0 || val < limit*warn {
		return
	}
	zap.L().Warn("budget threshold approaching",
		zap.String("tenant_id", tenantID),
		zap.String("doc_id", docID),
		zap.String("counter", key),
		zap.Float64("value", val),
		zap.Float64("cap", limit))
	if g.onAlert != nil {
		g.onAlert(Alert{TenantID: tenantID, DocID: docID, Counter: key, Value: val, Cap: limit, At: g.now()})
	}
}

func (g *Governor) deny(tenantID, docID, key string, val, limit float64) {
	zap.L().Warn("budget denied",
		zap.String("tenant_id", tenantID),
		zap.String("doc_id", docID),
		zap.String("counter", key),
		zap.Float64("value", val),
		zap.Float64("cap", limit))
	if g.onAlert != nil {
		g.onAlert(Alert{TenantID: tenantID, DocID: docID, Counter: key, Value: val, Cap: limit, Denied: true, At: g.now()})
	}
}

func denied(route model.Route, format string, args ...any) error {
	return resilience.NewModelCallError(resilience.FailureBudgetDenied, string(route),
		eris.Wrapf(ErrDenied, format, args...))
}
