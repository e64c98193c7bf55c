package router

import (
	"fmt"
	"strings"

	"github.com/sells-group/ingest-cli/internal/model"
	"github.com/sells-group/ingest-cli/pkg/reasoner"
)

const extractionSystemPrompt = `You extract entities and relations from document segments into a knowledge graph.

Return ONLY a JSON object of the form:
{"candidates": [{"kind": "entity"|"relation", "name": "...", "type": "...", "confidence": 0.0-1.0, "evidence": [{"segment_id": "...", "start": 0, "end": 0, "quote": "..."}], "source": "...", "target": "...", "properties": {}}]}

Rules:
- Every candidate MUST carry at least one evidence span whose quote is copied verbatim from the segment text, with start/end byte offsets into that segment.
- Relations MUST name their source and target entities and only reference entities you also emit.
- Confidence reflects how strongly the text supports the candidate.
- Emit nothing outside the JSON object.`

const visionSystemPrompt = extractionSystemPrompt + `

The segment describes or contains chart/figure content. Extract the entities and quantitative relations the figure conveys, quoting the caption or surrounding text as evidence.`

// buildRequest assembles the model request for one dispatched unit.
// Segment IDs and byte lengths are embedded so the model can produce
// valid evidence offsets.
func (e *Extractor) buildRequest(doc *model.Document, route model.Route, segs []model.Segment) reasoner.Request {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Document %s", doc.ID)
	if doc.Domain != "" {
		fmt.Fprintf(&sb, " (domain: %s)", doc.Domain)
	}
	sb.WriteString("\n\n")
	for _, seg := range segs {
		fmt.Fprintf(&sb, "=== segment_id: %s (bytes: %d) ===\n%s\n\n", seg.ID, len(seg.Text), seg.Text)
	}
	sb.WriteString("Extract all entities and relations from the segments above.")

	system := extractionSystemPrompt
	if route == model.RouteVision {
		system = visionSystemPrompt
	}

	maxTokens := int64(e.models.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	temp := 0.0
	return reasoner.Request{
		Model:       e.modelFor(route),
		MaxTokens:   maxTokens,
		System:      system,
		Prompt:      sb.String(),
		Temperature: &temp,
	}
}
