package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDoc() *Document {
	return &Document{
		ID:       "doc-1",
		TenantID: "tenant-a",
		Segments: []Segment{
			{ID: "seg-1", Text: "Acme Corp acquired Widget Inc in 2019."},
			{ID: "seg-2", Text: "The acquisition was led by Jane Smith."},
		},
	}
}

func TestEvidenceSpanValidate(t *testing.T) {
	doc := testDoc()
	seg := doc.SegmentByID("seg-1")

	valid := EvidenceSpan{SegmentID: "seg-1", Start: 0, End: 9, Quote: "Acme Corp"}
	assert.NoError(t, valid.Validate(seg))

	tests := []struct {
		name string
		ev   EvidenceSpan
	}{
		{"unknown segment", EvidenceSpan{SegmentID: "seg-9", Start: 0, End: 4, Quote: "Acme"}},
		{"negative start", EvidenceSpan{SegmentID: "seg-1", Start: -1, End: 4, Quote: "Acme"}},
		{"end before start", EvidenceSpan{SegmentID: "seg-1", Start: 5, End: 5, Quote: "x"}},
		{"end past text", EvidenceSpan{SegmentID: "seg-1", Start: 0, End: 1000, Quote: "Acme"}},
		{"empty quote", EvidenceSpan{SegmentID: "seg-1", Start: 0, End: 4, Quote: ""}},
		{"quote mismatch", EvidenceSpan{SegmentID: "seg-1", Start: 0, End: 4, Quote: "Zcme"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var seg *Segment
			if tt.ev.SegmentID == "seg-1" {
				seg = doc.SegmentByID("seg-1")
			}
			assert.Error(t, tt.ev.Validate(seg))
		})
	}
}

func TestEvidenceSpanValidateAnonymized(t *testing.T) {
	doc := testDoc()
	seg := doc.SegmentByID("seg-1")

	masked := EvidenceSpan{SegmentID: "seg-1", Start: 0, End: 9, Quote: "*********", Anonymized: true}
	assert.NoError(t, masked.Validate(seg), "anonymized quote is held to offsets and length, not exact text")

	short := EvidenceSpan{SegmentID: "seg-1", Start: 0, End: 9, Quote: "****", Anonymized: true}
	assert.Error(t, short.Validate(seg), "anonymized quote must still cover the span")

	oob := EvidenceSpan{SegmentID: "seg-1", Start: 0, End: 1000, Quote: "****", Anonymized: true}
	assert.Error(t, oob.Validate(seg))
}

func TestCandidateValidate(t *testing.T) {
	doc := testDoc()

	valid := ExtractionCandidate{
		Kind:       KindEntity,
		Name:       "Acme Corp",
		Type:       "ORG",
		Confidence: 0.9,
		Evidence:   []EvidenceSpan{{SegmentID: "seg-1", Start: 0, End: 9, Quote: "Acme Corp"}},
	}
	assert.NoError(t, valid.Validate(doc))

	noEvidence := valid
	noEvidence.Evidence = nil
	assert.Error(t, noEvidence.Validate(doc))

	badConfidence := valid
	badConfidence.Confidence = 1.2
	assert.Error(t, badConfidence.Validate(doc))

	noName := valid
	noName.Name = ""
	assert.Error(t, noName.Validate(doc))

	relationMissingEndpoint := ExtractionCandidate{
		Kind:       KindRelation,
		Name:       "acquired",
		Type:       "ACQUIRED",
		Confidence: 0.8,
		Source:     "Acme Corp",
		Evidence:   valid.Evidence,
	}
	assert.Error(t, relationMissingEndpoint.Validate(doc))
}

func TestCrossSegmentRelationBiEvidence(t *testing.T) {
	doc := testDoc()

	base := ExtractionCandidate{
		Kind:       KindRelation,
		Name:       "acquisition led by",
		Type:       "LED_BY",
		Confidence: 0.7,
		Source:     "acquisition",
		Target:     "Jane Smith",
	}

	single := CrossSegmentRelation{ExtractionCandidate: base}
	single.Evidence = []EvidenceSpan{
		{SegmentID: "seg-2", Start: 4, End: 15, Quote: "acquisition"},
		{SegmentID: "seg-2", Start: 27, End: 37, Quote: "Jane Smith"},
	}
	err := single.ValidateBiEvidence(doc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "need >=2")

	spanning := CrossSegmentRelation{ExtractionCandidate: base}
	spanning.Evidence = []EvidenceSpan{
		{SegmentID: "seg-1", Start: 0, End: 9, Quote: "Acme Corp"},
		{SegmentID: "seg-2", Start: 27, End: 37, Quote: "Jane Smith"},
	}
	assert.NoError(t, spanning.ValidateBiEvidence(doc))
}

func TestComputeCandidateIDDeterministic(t *testing.T) {
	a := ComputeCandidateID("tenant-a", "ACME CORP", "ORG")
	b := ComputeCandidateID("tenant-a", "acme corp", "ORG")
	assert.Equal(t, a, b, "case-insensitive on normalized name")

	assert.NotEqual(t, a, ComputeCandidateID("tenant-b", "ACME CORP", "ORG"))
	assert.NotEqual(t, a, ComputeCandidateID("tenant-a", "ACME CORP", "PERSON"))
	assert.Len(t, a, 32)
}

func TestBatchTokenEstimate(t *testing.T) {
	b := Batch{
		Route: RouteSmall,
		Segments: []Segment{
			{ID: "s1", TokenEstimate: 120},
			{ID: "s2", TokenEstimate: 380},
		},
	}
	assert.Equal(t, 500, b.TokenEstimate())
}

func TestTokenUsageAdd(t *testing.T) {
	u := TokenUsage{InputTokens: 100, OutputTokens: 20}
	u.Add(TokenUsage{InputTokens: 50, OutputTokens: 5})
	assert.Equal(t, 150, u.InputTokens)
	assert.Equal(t, 25, u.OutputTokens)
}
