package router

import (
	"context"
	"math"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/ingest-cli/internal/analyzer"
	"github.com/sells-group/ingest-cli/internal/budget"
	"github.com/sells-group/ingest-cli/internal/config"
	"github.com/sells-group/ingest-cli/internal/dispatch"
	"github.com/sells-group/ingest-cli/internal/model"
	"github.com/sells-group/ingest-cli/internal/normalizer"
	"github.com/sells-group/ingest-cli/internal/resilience"
	"github.com/sells-group/ingest-cli/internal/store"
	"github.com/sells-group/ingest-cli/pkg/reasoner"
)

// resultCacheTTL bounds how long a segment's extraction result is
// reusable across runs.
const resultCacheTTL = 7 * 24 * time.Hour

// Extractor executes a routed plan: deterministic extraction for
// NO_MODEL segments, dispatched model calls for everything else, with
// cache reuse and budget-denial degradation.
type Extractor struct {
	cfg        config.RouterConfig
	models     config.ReasonerConfig
	dispatcher *dispatch.Dispatcher
	governor   *budget.Governor
	cache      store.ResultCache
	analyzer   *analyzer.Analyzer
}

func NewExtractor(
	cfg config.RouterConfig,
	models config.ReasonerConfig,
	dispatcher *dispatch.Dispatcher,
	governor *budget.Governor,
	cache store.ResultCache,
	an *analyzer.Analyzer,
) *Extractor {
	return &Extractor{
		cfg:        cfg,
		models:     models,
		dispatcher: dispatcher,
		governor:   governor,
		cache:      cache,
		analyzer:   an,
	}
}

// Result is the extraction outcome for one document.
type Result struct {
	Candidates []model.ExtractionCandidate
	Usage      model.TokenUsage
	CostUSD    float64

	// IncompleteSegments lists segment IDs whose extraction failed
	// terminally after retries. Their presence marks the run partial.
	IncompleteSegments []string

	// Degraded lists segment IDs that fell back to deterministic
	// extraction after a budget denial.
	Degraded []string

	// CacheHits counts segments served from the result cache.
	CacheHits int

	// DroppedInvalid counts candidates discarded for failing evidence
	// validation.
	DroppedInvalid int
}

// Extract runs the plan against the document. Batches within a route
// run concurrently; the dispatcher's per-route limits provide the
// actual throttling.
func (e *Extractor) Extract(ctx context.Context, doc *model.Document, plan *Plan) (*Result, error) {
	res := &Result{}

	for _, seg := range plan.NoModel {
		res.Candidates = append(res.Candidates,
			e.analyzer.ExtractDeterministic(seg, doc.Language)...)
	}

	type unit struct {
		route model.Route
		segs  []model.Segment
	}
	var units []unit
	for _, b := range plan.Batches {
		units = append(units, unit{route: b.Route, segs: b.Segments})
	}
	for _, seg := range plan.Vision {
		units = append(units, unit{route: model.RouteVision, segs: []model.Segment{seg}})
	}

	results := make([]unitResult, len(units))

	g, gctx := errgroup.WithContext(ctx)
	for i, u := range units {
		prio := dispatch.PriorityFor(unitAnalyses(plan, u.segs))
		g.Go(func() error {
			r, err := e.runUnit(gctx, doc, u.route, u.segs, prio)
			if err != nil {
				return err
			}
			results[i] = *r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for _, r := range results {
		res.Candidates = append(res.Candidates, r.cands...)
		res.Usage.Add(r.usage)
		res.CostUSD += r.cost
		if r.cacheHit {
			res.CacheHits++
		}
		res.Degraded = append(res.Degraded, r.degraded...)
		res.IncompleteSegments = append(res.IncompleteSegments, r.incomplete...)
		res.DroppedInvalid += r.dropped
	}

	valid, dropped := e.validate(doc, res.Candidates)
	res.Candidates = valid
	res.DroppedInvalid += dropped
	return res, nil
}

// unitResult is the extraction outcome of one dispatched unit (a batch
// or a single vision segment).
type unitResult struct {
	cands      []model.ExtractionCandidate
	usage      model.TokenUsage
	cost       float64
	cacheHit   bool
	degraded   []string
	incomplete []string
	dropped    int
}

func (e *Extractor) runUnit(ctx context.Context, doc *model.Document, route model.Route, segs []model.Segment, prio dispatch.Priority) (*unitResult, error) {
	out := &unitResult{}
	log := zap.L().With(
		zap.String("doc_id", doc.ID),
		zap.String("route", string(route)),
		zap.Int("segments", len(segs)))

	hash := e.contentKey(segs)
	if cached, ok, err := e.cache.GetResult(ctx, doc.TenantID, hash); err == nil && ok {
		out.cands = cached
		out.cacheHit = true
		log.Debug("extraction served from cache", zap.String("content_hash", hash))
		return out, nil
	}

	reservation, err := e.governor.Reserve(ctx, doc.TenantID, doc.ID, route)
	if err != nil {
		if resilience.ClassOf(err) == resilience.FailureBudgetDenied {
			// Degrade instead of failing the run: deterministic
			// extraction still yields evidence-backed candidates.
			for _, seg := range segs {
				out.cands = append(out.cands,
					e.analyzer.ExtractDeterministic(seg, doc.Language)...)
				out.degraded = append(out.degraded, seg.ID)
			}
			log.Info("budget denied, degraded to deterministic extraction")
			return out, nil
		}
		return nil, err
	}

	task := &dispatch.Task{
		Route:         route,
		Priority:      prio,
		TokenEstimate: tokenEstimate(segs),
		Request:       e.buildRequest(doc, route, segs),
	}
	resp, err := e.dispatcher.Do(ctx, task)
	if err != nil {
		if rerr := e.governor.Refund(ctx, reservation); rerr != nil {
			log.Warn("budget refund failed", zap.Error(rerr))
		}
		for _, seg := range segs {
			out.incomplete = append(out.incomplete, seg.ID)
		}
		log.Warn("extraction failed after retries",
			zap.String("class", string(resilience.ClassOf(err))),
			zap.Error(err))
		return out, nil
	}

	out.usage = model.TokenUsage{
		InputTokens:  int(resp.Usage.InputTokens),
		OutputTokens: int(resp.Usage.OutputTokens),
	}
	out.cost = reservation.CostUSD

	cands, err := reasoner.DecodeCandidates(string(route), resp.Text)
	if err != nil {
		// Schema-invalid output already consumed the call; segments are
		// incomplete but the run continues.
		for _, seg := range segs {
			out.incomplete = append(out.incomplete, seg.ID)
		}
		log.Warn("model output failed schema validation", zap.Error(err))
		return out, nil
	}
	out.cands = cands

	if err := e.cache.PutResult(ctx, doc.TenantID, hash, cands, resultCacheTTL); err != nil {
		log.Warn("result cache write failed", zap.Error(err))
	}
	return out, nil
}

// validate enforces the evidence invariant, dropping candidates whose
// spans do not line up with the source text.
func (e *Extractor) validate(doc *model.Document, cands []model.ExtractionCandidate) ([]model.ExtractionCandidate, int) {
	valid := cands[:0]
	dropped := 0
	for _, c := range cands {
		if err := c.Validate(doc); err != nil {
			zap.L().Debug("dropping candidate without valid evidence",
				zap.String("doc_id", doc.ID),
				zap.String("candidate", c.Name),
				zap.Error(err))
			dropped++
			continue
		}
		valid = append(valid, c)
	}
	return valid, dropped
}

func (e *Extractor) modelFor(route model.Route) string {
	switch route {
	case model.RouteLarge:
		return e.models.LargeModel
	case model.RouteVision:
		return e.models.VisionModel
	default:
		return e.models.SmallModel
	}
}

func unitAnalyses(plan *Plan, segs []model.Segment) []model.SegmentAnalysis {
	out := make([]model.SegmentAnalysis, 0, len(segs))
	for _, seg := range segs {
		if an, ok := plan.Analyses[seg.ID]; ok {
			out = append(out, an)
		}
	}
	return out
}

func tokenEstimate(segs []model.Segment) int {
	total := 0
	for _, s := range segs {
		total += s.TokenEstimate
	}
	return total
}

// contentKey derives a near-duplicate cache key from the unit's text.
// Segment identity stays out of the key, so a re-chunked or re-ingested
// document with the same prose reuses earlier extractions. Signature
// bits below the similarity floor are masked, so nearly identical text
// lands on the same key.
func (e *Extractor) contentKey(segs []model.Segment) string {
	var b strings.Builder
	for _, s := range segs {
		b.WriteString(s.Text)
		b.WriteByte('\n')
	}
	sig := normalizer.Simhash(b.String())

	floor := e.cfg.CacheSimilarityFloor
	if floor <= 0 || floor > 1 {
		floor = 0.95
	}
	if drop := 64 - int(math.Round(floor*64)); drop > 0 {
		sig &^= 1<<uint(drop) - 1
	}
	return strconv.FormatUint(sig, 16)
}
