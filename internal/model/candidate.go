package model

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/rotisserie/eris"
)

// CandidateKind distinguishes entity candidates from relation candidates.
type CandidateKind string

const (
	KindEntity   CandidateKind = "entity"
	KindRelation CandidateKind = "relation"
)

// RelationTypeGeneric is the fallback relation type emitted when the model
// cannot name a more specific relation. Its share per document is capped
// by the pattern miner.
const RelationTypeGeneric = "RELATED_TO"

// EvidenceSpan locates a quoted piece of source text inside one segment.
// Anonymized marks a quote whose PII was masked after extraction; the
// mask preserves byte length, so the span still addresses the source.
type EvidenceSpan struct {
	SegmentID  string `json:"segment_id"`
	Start      int    `json:"start"`
	End        int    `json:"end"`
	Quote      string `json:"quote"`
	Anonymized bool   `json:"anonymized,omitempty"`
}

// Validate checks that the span's offsets lie within the segment text and
// that the quote matches the referenced substring exactly. Anonymized
// quotes no longer match the source verbatim, so they are held to the
// offsets and the original length instead.
func (e EvidenceSpan) Validate(seg *Segment) error {
	if seg == nil {
		return eris.Errorf("evidence: unknown segment %q", e.SegmentID)
	}
	if e.Start < 0 || e.End <= e.Start || e.End > len(seg.Text) {
		return eris.Errorf("evidence: span [%d,%d) out of bounds for segment %q (len %d)",
			e.Start, e.End, e.SegmentID, len(seg.Text))
	}
	if e.Quote == "" {
		return eris.Errorf("evidence: empty quote for segment %q", e.SegmentID)
	}
	if e.Anonymized {
		if len(e.Quote) != e.End-e.Start {
			return eris.Errorf("evidence: anonymized quote length %d does not cover [%d,%d) in segment %q",
				len(e.Quote), e.Start, e.End, e.SegmentID)
		}
		return nil
	}
	if seg.Text[e.Start:e.End] != e.Quote {
		return eris.Errorf("evidence: quote mismatch at [%d,%d) in segment %q", e.Start, e.End, e.SegmentID)
	}
	return nil
}

// ExtractionCandidate is a raw entity or relation proposed by a model call.
// Confidence and evidence are mandatory; candidates without evidence spans
// are invalid and must be dropped before normalization.
type ExtractionCandidate struct {
	Kind       CandidateKind     `json:"kind"`
	Name       string            `json:"name"`
	Type       string            `json:"type"`
	Confidence float64           `json:"confidence"`
	Evidence   []EvidenceSpan    `json:"evidence"`
	Properties map[string]string `json:"properties,omitempty"`

	// Relation-only: names of the source and target entity candidates.
	Source string `json:"source,omitempty"`
	Target string `json:"target,omitempty"`
}

// Validate enforces the evidence invariant against the owning document.
func (c ExtractionCandidate) Validate(doc *Document) error {
	if c.Name == "" || c.Type == "" {
		return eris.New("candidate: missing name or type")
	}
	if c.Confidence < 0 || c.Confidence > 1 {
		return eris.Errorf("candidate %q: confidence %.3f outside [0,1]", c.Name, c.Confidence)
	}
	if len(c.Evidence) == 0 {
		return eris.Errorf("candidate %q: no evidence spans", c.Name)
	}
	if c.Kind == KindRelation && (c.Source == "" || c.Target == "") {
		return eris.Errorf("relation %q: missing source or target", c.Name)
	}
	for _, ev := range c.Evidence {
		if err := ev.Validate(doc.SegmentByID(ev.SegmentID)); err != nil {
			return eris.Wrap(err, "candidate "+c.Name)
		}
	}
	return nil
}

// CrossSegmentRelation is a relation whose evidence must span at least two
// distinct segments (bi-evidence).
type CrossSegmentRelation struct {
	ExtractionCandidate
}

// ValidateBiEvidence checks the bi-evidence invariant on top of the base
// candidate validation.
func (r CrossSegmentRelation) ValidateBiEvidence(doc *Document) error {
	if err := r.Validate(doc); err != nil {
		return err
	}
	segs := make(map[string]struct{})
	for _, ev := range r.Evidence {
		segs[ev.SegmentID] = struct{}{}
	}
	if len(segs) < 2 {
		return eris.Errorf("cross-segment relation %q: evidence from %d segment(s), need >=2", r.Name, len(segs))
	}
	return nil
}

// CandidateStatus tracks the promotion state of a normalized candidate.
// Transitions are one-way and never reverted automatically.
type CandidateStatus string

const (
	StatusProvisional   CandidateStatus = "provisional"
	StatusPromoted      CandidateStatus = "promoted"
	StatusRejected      CandidateStatus = "rejected"
	StatusPendingReview CandidateStatus = "pending_review"
)

// NormalizedCandidate is the deduplicated form of one or more raw
// candidates. Its ID is deterministic so re-processing the same document
// upserts rather than duplicates.
type NormalizedCandidate struct {
	CandidateID string            `json:"candidate_id"`
	TenantID    string            `json:"tenant_id"`
	Kind        CandidateKind     `json:"kind"`
	Name        string            `json:"name"`
	Type        string            `json:"type"`
	Confidence  float64           `json:"confidence"`
	Evidence    []EvidenceSpan    `json:"evidence"`
	Properties  map[string]string `json:"properties,omitempty"`
	MergedFrom  []string          `json:"merged_from"`
	Status      CandidateStatus   `json:"status"`

	// Relation-only: candidate IDs of the endpoints.
	SourceID string `json:"source_id,omitempty"`
	TargetID string `json:"target_id,omitempty"`
}

// ComputeCandidateID derives the deterministic candidate identity from
// (tenant, normalized name, type). Stable across re-ingestion.
func ComputeCandidateID(tenantID, normalizedName, typ string) string {
	h := sha256.Sum256([]byte(tenantID + "\x00" + strings.ToLower(normalizedName) + "\x00" + typ))
	return hex.EncodeToString(h[:16])
}
