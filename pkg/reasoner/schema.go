package reasoner

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/kaptinlin/jsonschema"
	"github.com/rotisserie/eris"

	"github.com/sells-group/ingest-cli/internal/model"
	"github.com/sells-group/ingest-cli/internal/resilience"
)

// extractionSchema is the strict contract every extraction response must
// satisfy. Anything outside it is a malformed_output failure, which the
// dispatcher treats as transient (a re-ask may conform).
const extractionSchema = `{
  "type": "object",
  "required": ["candidates"],
  "additionalProperties": false,
  "properties": {
    "candidates": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["kind", "name", "type", "confidence", "evidence"],
        "additionalProperties": false,
        "properties": {
          "kind": {"type": "string", "enum": ["entity", "relation"]},
          "name": {"type": "string", "minLength": 1},
          "type": {"type": "string", "minLength": 1},
          "confidence": {"type": "number", "minimum": 0, "maximum": 1},
          "source": {"type": "string"},
          "target": {"type": "string"},
          "properties": {"type": "object", "additionalProperties": {"type": "string"}},
          "evidence": {
            "type": "array",
            "minItems": 1,
            "items": {
              "type": "object",
              "required": ["segment_id", "start", "end", "quote"],
              "additionalProperties": false,
              "properties": {
                "segment_id": {"type": "string", "minLength": 1},
                "start": {"type": "integer", "minimum": 0},
                "end": {"type": "integer", "minimum": 1},
                "quote": {"type": "string", "minLength": 1}
              }
            }
          }
        }
      }
    }
  }
}`

var (
	compileOnce sync.Once
	compiled    *jsonschema.Schema
	compileErr  error
)

func schema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		compiled, compileErr = compiler.Compile([]byte(extractionSchema))
	})
	if compileErr != nil {
		return nil, eris.Wrap(compileErr, "reasoner: compile extraction schema")
	}
	return compiled, nil
}

type extractionPayload struct {
	Candidates []model.ExtractionCandidate `json:"candidates"`
}

// DecodeCandidates parses and validates a model response body into
// extraction candidates. Validation failures are classified as
// malformed_output on the given route.
func DecodeCandidates(route, text string) ([]model.ExtractionCandidate, error) {
	body := stripFences(text)

	s, err := schema()
	if err != nil {
		return nil, err
	}
	result := s.ValidateJSON([]byte(body))
	if !result.IsValid() {
		return nil, resilience.NewModelCallError(resilience.FailureMalformedOutput, route,
			eris.Errorf("reasoner: response failed schema validation: %v", result.Errors))
	}

	var payload extractionPayload
	if err := json.Unmarshal([]byte(body), &payload); err != nil {
		return nil, resilience.NewModelCallError(resilience.FailureMalformedOutput, route,
			eris.Wrap(err, "reasoner: decode response"))
	}
	return payload.Candidates, nil
}

// stripFences removes a markdown code fence if the model wrapped its
// JSON in one.
func stripFences(text string) string {
	t := strings.TrimSpace(text)
	if !strings.HasPrefix(t, "```") {
		return t
	}
	t = strings.TrimPrefix(t, "```json")
	t = strings.TrimPrefix(t, "```")
	if i := strings.LastIndex(t, "```"); i >= 0 {
		t = t[:i]
	}
	return strings.TrimSpace(t)
}
