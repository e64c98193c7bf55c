// Package router assigns each segment to a model route, packs routed
// segments into batches, and runs extraction through the dispatcher
// under budget control.
package router

import (
	"github.com/sells-group/ingest-cli/internal/config"
	"github.com/sells-group/ingest-cli/internal/model"
)

// Router applies the ordered routing policy. Pure Go — no API calls, so
// routing is deterministic for a given analysis and configuration.
type Router struct {
	cfg config.RouterConfig
}

func New(cfg config.RouterConfig) *Router {
	return &Router{cfg: cfg}
}

// RouteSegment picks a route for one analyzed segment. Rules apply in
// order; the first match wins:
//  1. chart or figure content → VISION
//  2. few entities and no narrative thread → NO_MODEL
//  3. moderate entity count and low complexity → SMALL
//  4. everything else → LARGE
func (r *Router) RouteSegment(an model.SegmentAnalysis) model.Route {
	switch {
	case an.ContainsCharts:
		return model.RouteVision
	case an.EntityCountEstimate < r.cfg.NoModelMaxEntities && !an.InNarrativeThread:
		return model.RouteNoModel
	case an.EntityCountEstimate >= r.cfg.NoModelMaxEntities &&
		an.EntityCountEstimate <= r.cfg.SmallMaxEntities && an.Complexity <= r.cfg.SmallMaxComplexity:
		return model.RouteSmall
	default:
		return model.RouteLarge
	}
}

// Plan is the routed view of one document: which segments go where,
// with vision overflow already demoted.
type Plan struct {
	Routes     map[string]model.Route // segment ID → route
	Analyses   map[string]model.SegmentAnalysis
	NoModel    []model.Segment
	Vision     []model.Segment
	Batches    []model.Batch // SMALL and LARGE batches, document order
	VisionCap  int
	ImageHeavy bool
}

// PlanDocument routes every segment and packs the model-bound ones into
// batches. Vision assignments beyond the document's cap demote to LARGE
// in document order, so the cap keeps the most forward chart segments.
func (r *Router) PlanDocument(doc *model.Document, analyses map[string]model.SegmentAnalysis) *Plan {
	plan := &Plan{
		Routes:   make(map[string]model.Route, len(doc.Segments)),
		Analyses: analyses,
	}

	chartSegments := 0
	for _, seg := range doc.Segments {
		if an, ok := analyses[seg.ID]; ok && an.ContainsCharts {
			chartSegments++
		}
	}
	plan.VisionCap = r.cfg.VisionCapDefault
	if len(doc.Segments) > 0 &&
		float64(chartSegments)/float64(len(doc.Segments)) >= r.cfg.ImageHeavyRatio {
		plan.VisionCap = r.cfg.VisionCapImageHeavy
		plan.ImageHeavy = true
	}

	visionUsed := 0
	var small, large []model.Segment
	for _, seg := range doc.Segments {
		an := analyses[seg.ID]
		route := r.RouteSegment(an)
		if route == model.RouteVision {
			if visionUsed >= plan.VisionCap {
				route = model.RouteLarge
			} else {
				visionUsed++
			}
		}
		plan.Routes[seg.ID] = route
		switch route {
		case model.RouteNoModel:
			plan.NoModel = append(plan.NoModel, seg)
		case model.RouteVision:
			plan.Vision = append(plan.Vision, seg)
		case model.RouteSmall:
			small = append(small, seg)
		case model.RouteLarge:
			large = append(large, seg)
		}
	}

	plan.Batches = append(plan.Batches,
		r.packBatches(model.RouteSmall, small, r.cfg.SmallTokenCeiling)...)
	plan.Batches = append(plan.Batches,
		r.packBatches(model.RouteLarge, large, r.cfg.LargeTokenCeiling)...)
	return plan
}

// packBatches groups same-route segments in document order. A batch
// closes when adding the next segment would cross the route's token
// ceiling or the maximum batch size. A single oversized or leftover
// segment still ships as a batch of one.
func (r *Router) packBatches(route model.Route, segs []model.Segment, tokenCeiling int) []model.Batch {
	maxSegs := r.cfg.BatchMaxSegments
	if maxSegs <= 0 {
		maxSegs = 6
	}

	var batches []model.Batch
	var cur model.Batch
	cur.Route = route
	tokens := 0

	flush := func() {
		if len(cur.Segments) > 0 {
			batches = append(batches, cur)
			cur = model.Batch{Route: route}
			tokens = 0
		}
	}

	for _, seg := range segs {
		if len(cur.Segments) > 0 &&
			(len(cur.Segments) >= maxSegs || tokens+seg.TokenEstimate > tokenCeiling) {
			flush()
		}
		cur.Segments = append(cur.Segments, seg)
		tokens += seg.TokenEstimate
	}
	flush()

	// A trailing batch below the minimum pulls segments from its
	// predecessor, so no call ships with an uneconomically small batch.
	// The predecessor gives up segments only down to the minimum, and
	// the trailing batch must stay under the token ceiling.
	if min := r.cfg.BatchMinSegments; min > 1 && len(batches) > 1 {
		last := &batches[len(batches)-1]
		prev := &batches[len(batches)-2]
		for len(last.Segments) < min && len(prev.Segments) > min {
			moved := prev.Segments[len(prev.Segments)-1]
			if batchTokens(*last)+moved.TokenEstimate > tokenCeiling {
				break
			}
			prev.Segments = prev.Segments[:len(prev.Segments)-1]
			last.Segments = append([]model.Segment{moved}, last.Segments...)
		}
	}
	return batches
}

func batchTokens(b model.Batch) int {
	total := 0
	for _, seg := range b.Segments {
		total += seg.TokenEstimate
	}
	return total
}
