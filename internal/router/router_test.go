package router

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/ingest-cli/internal/config"
	"github.com/sells-group/ingest-cli/internal/model"
)

func testRouterConfig() config.RouterConfig {
	return config.RouterConfig{
		NoModelMaxEntities:  3,
		SmallMaxEntities:    8,
		SmallMaxComplexity:  0.6,
		SmallTokenCeiling:   1800,
		LargeTokenCeiling:   3000,
		BatchMaxSegments:    6,
		VisionCapDefault:    2,
		VisionCapImageHeavy: 100,
		ImageHeavyRatio:     0.08,
	}
}

func TestRouteSegmentPolicy(t *testing.T) {
	r := New(testRouterConfig())

	tests := []struct {
		name string
		an   model.SegmentAnalysis
		want model.Route
	}{
		{"charts win over everything", model.SegmentAnalysis{ContainsCharts: true, EntityCountEstimate: 1}, model.RouteVision},
		{"sparse flat segment", model.SegmentAnalysis{EntityCountEstimate: 2}, model.RouteNoModel},
		{"sparse but narrative", model.SegmentAnalysis{EntityCountEstimate: 2, InNarrativeThread: true, Complexity: 0.3}, model.RouteLarge},
		{"moderate simple", model.SegmentAnalysis{EntityCountEstimate: 6, Complexity: 0.4}, model.RouteSmall},
		{"moderate complex", model.SegmentAnalysis{EntityCountEstimate: 6, Complexity: 0.8}, model.RouteLarge},
		{"dense", model.SegmentAnalysis{EntityCountEstimate: 20, Complexity: 0.2}, model.RouteLarge},
		{"three entities enter the small band", model.SegmentAnalysis{EntityCountEstimate: 3, Complexity: 0.2}, model.RouteSmall},
		{"two entities stay off-model", model.SegmentAnalysis{EntityCountEstimate: 2, Complexity: 0.2}, model.RouteNoModel},
		{"boundary small", model.SegmentAnalysis{EntityCountEstimate: 8, Complexity: 0.6, InNarrativeThread: true}, model.RouteSmall},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, r.RouteSegment(tt.an))
		})
	}
}

func TestRouteSegmentDeterministic(t *testing.T) {
	r := New(testRouterConfig())
	an := model.SegmentAnalysis{EntityCountEstimate: 6, Complexity: 0.4}
	first := r.RouteSegment(an)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, r.RouteSegment(an))
	}
}

func makeDoc(n int, charts map[int]bool) (*model.Document, map[string]model.SegmentAnalysis) {
	doc := &model.Document{ID: "d1", TenantID: "t1"}
	analyses := make(map[string]model.SegmentAnalysis, n)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("s%02d", i)
		doc.Segments = append(doc.Segments, model.Segment{ID: id, Text: "text", TokenEstimate: 100, ContainsCharts: charts[i]})
		analyses[id] = model.SegmentAnalysis{
			SegmentID:           id,
			EntityCountEstimate: 6,
			Complexity:          0.4,
			ContainsCharts:      charts[i],
		}
	}
	return doc, analyses
}

func TestPlanDocumentVisionCapDemotes(t *testing.T) {
	r := New(testRouterConfig())
	// 4 chart segments out of 100: ratio 0.04 < 0.08, default cap 2.
	doc, analyses := makeDoc(100, map[int]bool{10: true, 20: true, 30: true, 40: true})

	plan := r.PlanDocument(doc, analyses)
	assert.Equal(t, 2, plan.VisionCap)
	require.Len(t, plan.Vision, 2)
	assert.Equal(t, "s10", plan.Vision[0].ID, "earliest charts keep their vision slot")
	assert.Equal(t, "s20", plan.Vision[1].ID)
	assert.Equal(t, model.RouteLarge, plan.Routes["s30"], "overflow demotes to LARGE")
	assert.Equal(t, model.RouteLarge, plan.Routes["s40"])
}

func TestPlanDocumentImageHeavyRaisesCap(t *testing.T) {
	r := New(testRouterConfig())
	// 2 of 10 segments have charts: ratio 0.2 ≥ 0.08.
	doc, analyses := makeDoc(10, map[int]bool{1: true, 5: true})

	plan := r.PlanDocument(doc, analyses)
	assert.Equal(t, 100, plan.VisionCap)
	assert.Len(t, plan.Vision, 2)
}

func TestPlanDocumentBatchPacking(t *testing.T) {
	r := New(testRouterConfig())
	doc, analyses := makeDoc(14, nil) // all SMALL at 100 tokens each

	plan := r.PlanDocument(doc, analyses)
	require.Len(t, plan.Batches, 3, "14 segments at max 6 per batch")
	assert.Len(t, plan.Batches[0].Segments, 6)
	assert.Len(t, plan.Batches[1].Segments, 6)
	assert.Len(t, plan.Batches[2].Segments, 2)

	// Document order is preserved across batches.
	var ids []string
	for _, b := range plan.Batches {
		assert.Equal(t, model.RouteSmall, b.Route)
		for _, s := range b.Segments {
			ids = append(ids, s.ID)
		}
	}
	for i := 1; i < len(ids); i++ {
		assert.Less(t, ids[i-1], ids[i])
	}
}

func TestPackBatchesTokenCeiling(t *testing.T) {
	r := New(testRouterConfig())
	segs := []model.Segment{
		{ID: "a", TokenEstimate: 1000},
		{ID: "b", TokenEstimate: 1000},
		{ID: "c", TokenEstimate: 1000},
	}

	batches := r.packBatches(model.RouteSmall, segs, 1800)
	require.Len(t, batches, 3, "1000+1000 crosses the 1800 ceiling")
	for _, b := range batches {
		assert.Len(t, b.Segments, 1)
	}
}

func TestPackBatchesOversizedSingleton(t *testing.T) {
	r := New(testRouterConfig())
	segs := []model.Segment{{ID: "huge", TokenEstimate: 9000}}

	batches := r.packBatches(model.RouteLarge, segs, 3000)
	require.Len(t, batches, 1, "oversized segment still ships alone")
	assert.Equal(t, "huge", batches[0].Segments[0].ID)
}

func TestPackBatchesMinRebalancesTrailing(t *testing.T) {
	cfg := testRouterConfig()
	cfg.BatchMinSegments = 2
	r := New(cfg)

	var segs []model.Segment
	for i := 0; i < 7; i++ {
		segs = append(segs, model.Segment{ID: fmt.Sprintf("s%d", i), TokenEstimate: 100})
	}

	batches := r.packBatches(model.RouteSmall, segs, 1800)
	require.Len(t, batches, 2)
	assert.Len(t, batches[0].Segments, 5)
	assert.Len(t, batches[1].Segments, 2, "trailing batch reaches the minimum")
	assert.Equal(t, "s5", batches[1].Segments[0].ID, "document order holds after rebalance")
	assert.Equal(t, "s6", batches[1].Segments[1].ID)
}

func TestPackBatchesMinRespectsTokenCeiling(t *testing.T) {
	cfg := testRouterConfig()
	cfg.BatchMinSegments = 2
	r := New(cfg)

	segs := []model.Segment{
		{ID: "a", TokenEstimate: 500},
		{ID: "b", TokenEstimate: 500},
		{ID: "c", TokenEstimate: 500},
		{ID: "d", TokenEstimate: 1400},
	}

	batches := r.packBatches(model.RouteSmall, segs, 1800)
	require.Len(t, batches, 2)
	assert.Len(t, batches[0].Segments, 3)
	assert.Len(t, batches[1].Segments, 1, "rebalance never crosses the ceiling")
}

func TestPlanDocumentNoModelCollected(t *testing.T) {
	r := New(testRouterConfig())
	doc := &model.Document{ID: "d1", TenantID: "t1", Segments: []model.Segment{
		{ID: "s1", Text: "sparse", TokenEstimate: 10},
	}}
	analyses := map[string]model.SegmentAnalysis{
		"s1": {SegmentID: "s1", EntityCountEstimate: 1},
	}

	plan := r.PlanDocument(doc, analyses)
	assert.Len(t, plan.NoModel, 1)
	assert.Empty(t, plan.Batches)
	assert.Equal(t, model.RouteNoModel, plan.Routes["s1"])
}
