package analyzer

import (
	"strings"

	"github.com/sells-group/ingest-cli/internal/model"
)

// deterministicConfidence is assigned to tagger-derived candidates.
// They carry exact evidence but no model judgment, so they sit below
// the auto-promotion band and above the reject floor.
const deterministicConfidence = 0.5

// ExtractDeterministic produces extraction candidates from the tagger
// alone, for segments routed away from any model. Every candidate
// carries an exact evidence span located in the segment text.
func (a *Analyzer) ExtractDeterministic(seg model.Segment, lang string) []model.ExtractionCandidate {
	tagged, err := tagEntities(seg.Text, normalizeLang(lang, seg.Language))
	if err != nil {
		return nil
	}

	var out []model.ExtractionCandidate
	for _, t := range tagged {
		start := strings.Index(seg.Text, t.Text)
		if start < 0 {
			continue
		}
		out = append(out, model.ExtractionCandidate{
			Kind:       model.KindEntity,
			Name:       t.Text,
			Type:       string(t.Label),
			Confidence: deterministicConfidence,
			Evidence: []model.EvidenceSpan{{
				SegmentID: seg.ID,
				Start:     start,
				End:       start + len(t.Text),
				Quote:     t.Text,
			}},
		})
	}
	return out
}
