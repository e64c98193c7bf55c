package model

// Route is the processing tier assigned to a segment or batch. It selects
// the dispatcher queue and cost class used for extraction.
type Route string

const (
	RouteNoModel Route = "NO_MODEL"
	RouteSmall   Route = "SMALL"
	RouteLarge   Route = "LARGE"
	RouteVision  Route = "VISION"
)

// ModelRoutes lists the routes that consume model budget, in cost order.
var ModelRoutes = []Route{RouteSmall, RouteLarge, RouteVision}

// Segment is a contiguous unit of source text produced by upstream parsing.
// Segments are immutable for the lifetime of the document's processing run.
type Segment struct {
	ID             string `json:"id"`
	Text           string `json:"text"`
	ByteLen        int    `json:"byte_len"`
	TokenEstimate  int    `json:"token_estimate"`
	Language       string `json:"language,omitempty"`
	ContainsCharts bool   `json:"contains_charts,omitempty"`
	NarrativeID    string `json:"narrative_id,omitempty"`
}

// InNarrativeThread reports whether the segment belongs to a detected
// narrative thread.
func (s Segment) InNarrativeThread() bool {
	return s.NarrativeID != ""
}

// SegmentAnalysis is the pre-analyzer output for one segment. Derived once,
// cached per segment, never mutated.
type SegmentAnalysis struct {
	SegmentID           string  `json:"segment_id"`
	EntityCountEstimate int     `json:"entity_count_estimate"`
	Complexity          float64 `json:"complexity"`
	ContainsCharts      bool    `json:"contains_charts"`
	InNarrativeThread   bool    `json:"in_narrative_thread"`
}

// Document is an ordered sequence of segments with tenant scoping.
type Document struct {
	ID       string    `json:"id"`
	TenantID string    `json:"tenant_id"`
	Domain   string    `json:"domain,omitempty"`
	Language string    `json:"language,omitempty"`
	Segments []Segment `json:"segments"`
}

// SegmentByID returns the segment with the given ID, or nil.
func (d *Document) SegmentByID(id string) *Segment {
	for i := range d.Segments {
		if d.Segments[i].ID == id {
			return &d.Segments[i]
		}
	}
	return nil
}

// Batch is a group of same-route segments dispatched as one model call.
type Batch struct {
	Route       Route     `json:"route"`
	Segments    []Segment `json:"segments"`
	TokenBudget int       `json:"token_budget"`
}

// TokenEstimate sums the token estimates of the batch's segments.
func (b Batch) TokenEstimate() int {
	total := 0
	for _, s := range b.Segments {
		total += s.TokenEstimate
	}
	return total
}
