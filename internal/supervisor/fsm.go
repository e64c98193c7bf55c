// Package supervisor drives one document ingestion through an explicit
// state machine with per-state timeouts, bounded retries, and partial
// results on failure.
package supervisor

import "time"

// State names one node of the ingestion state machine.
type State string

const (
	StateInit             State = "INIT"
	StateRoute            State = "ROUTE"
	StateExtractBatch     State = "EXTRACT_BATCH"
	StateCrossSegment     State = "CROSS_SEGMENT"
	StateNormalize        State = "NORMALIZE"
	StateWriteProvisional State = "WRITE_PROVISIONAL"
	StateGateEval         State = "GATE_EVAL"
	StatePromote          State = "PROMOTE"
	StateFinalize         State = "FINALIZE"
	StateEnd              State = "END"
	StateError            State = "ERROR"
)

// validNext is the transition table. A handler returning a state not
// listed for its current state is a supervisor bug and routes to ERROR.
var validNext = map[State][]State{
	StateInit:             {StateRoute, StateError},
	StateRoute:            {StateExtractBatch, StateError},
	StateExtractBatch:     {StateCrossSegment, StateNormalize, StateError},
	StateCrossSegment:     {StateNormalize, StateError},
	StateNormalize:        {StateWriteProvisional, StateError},
	StateWriteProvisional: {StateGateEval, StateError},
	StateGateEval:         {StatePromote, StateError},
	StatePromote:          {StateFinalize, StateError},
	StateFinalize:         {StateEnd, StateError},
	StateError:            {StateEnd},
}

func allowed(from, to State) bool {
	for _, s := range validNext[from] {
		if s == to {
			return true
		}
	}
	return false
}

// stateTimeout returns the deadline budget for one state attempt.
func (s *Supervisor) stateTimeout(state State) time.Duration {
	switch state {
	case StateExtractBatch:
		return s.cfg.ExtractBatchTimeout
	case StateCrossSegment:
		return s.cfg.CrossSegmentTimeout
	default:
		return s.cfg.StateTimeout
	}
}
