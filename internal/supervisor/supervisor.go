package supervisor

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/ingest-cli/internal/analyzer"
	"github.com/sells-group/ingest-cli/internal/budget"
	"github.com/sells-group/ingest-cli/internal/config"
	"github.com/sells-group/ingest-cli/internal/gate"
	"github.com/sells-group/ingest-cli/internal/miner"
	"github.com/sells-group/ingest-cli/internal/model"
	"github.com/sells-group/ingest-cli/internal/normalizer"
	"github.com/sells-group/ingest-cli/internal/resilience"
	"github.com/sells-group/ingest-cli/internal/router"
	"github.com/sells-group/ingest-cli/internal/store"
)

// Supervisor runs one document at a time through the ingestion state
// machine. It owns no model-call state of its own; all throttling and
// budgeting live in the components it wires together.
type Supervisor struct {
	cfg        config.SupervisorConfig
	analyzer   *analyzer.Analyzer
	router     *router.Router
	extractor  *router.Extractor
	miner      *miner.Miner
	normalizer *normalizer.Normalizer
	gate       *gate.Gate
	governor   *budget.Governor
	store      store.Store
}

func New(
	cfg config.SupervisorConfig,
	an *analyzer.Analyzer,
	rt *router.Router,
	ex *router.Extractor,
	mn *miner.Miner,
	nm *normalizer.Normalizer,
	gt *gate.Gate,
	gov *budget.Governor,
	st store.Store,
) *Supervisor {
	return &Supervisor{
		cfg:        cfg,
		analyzer:   an,
		router:     rt,
		extractor:  ex,
		miner:      mn,
		normalizer: nm,
		gate:       gt,
		governor:   gov,
		store:      st,
	}
}

// runState carries everything one run accumulates as it moves through
// the machine. Handlers read what earlier states produced and write
// what later states consume.
type runState struct {
	doc        *model.Document
	run        *model.Run
	analyses   map[string]model.SegmentAnalysis
	plan       *router.Plan
	extraction *router.Result
	mining     *miner.Result
	candidates []model.ExtractionCandidate
	normalized []model.NormalizedCandidate
	decisions  []model.PromotionDecision
	result     *model.IngestResult

	// failure captures the error that routed the machine into ERROR.
	failure error
	// failedIn names the state that failed.
	failedIn State
	// crossSegmentSkipped is set when mining failed non-fatally and the
	// run continued without cross-segment relations.
	crossSegmentSkipped bool
}

// Run executes the full ingestion for one document and returns a result
// even on failure: whatever was promoted before the failure stays
// promoted, and the result says which states completed.
func (s *Supervisor) Run(ctx context.Context, doc *model.Document) (*model.IngestResult, error) {
	if doc == nil || doc.ID == "" || doc.TenantID == "" {
		return nil, eris.New("supervisor: document id and tenant id are required")
	}

	run := &model.Run{
		ID:         uuid.NewString(),
		DocumentID: doc.ID,
		TenantID:   doc.TenantID,
		Status:     model.RunStatusQueued,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.store.CreateRun(ctx, run); err != nil {
		return nil, eris.Wrap(err, "supervisor: create run")
	}

	rs := &runState{
		doc: doc,
		run: run,
		result: &model.IngestResult{
			DocumentID: doc.ID,
			RunID:      run.ID,
		},
	}

	run.Status = model.RunStatusRunning
	if err := s.store.UpdateRun(ctx, run); err != nil {
		zap.L().Warn("run status update failed",
			zap.String("run_id", run.ID), zap.Error(err))
	}

	runCtx, cancel := context.WithTimeout(ctx, s.cfg.GlobalTimeout)
	defer cancel()
	defer s.governor.EndDocument(doc.ID)

	s.loop(runCtx, rs)

	// Persist the final run record with the parent context so a global
	// timeout does not also lose the record of the timeout.
	run.Status = rs.result.Status
	run.Result = rs.result
	if err := s.store.UpdateRun(context.WithoutCancel(ctx), run); err != nil {
		zap.L().Error("final run update failed",
			zap.String("run_id", run.ID), zap.Error(err))
	}

	if rs.failure != nil && rs.result.Status == model.RunStatusFailed {
		return rs.result, rs.failure
	}
	return rs.result, nil
}

// loop drives the machine from INIT to END, enforcing the transition
// table, the global transition cap, and per-state retry/timeout rules.
func (s *Supervisor) loop(ctx context.Context, rs *runState) {
	state := StateInit
	transitions := 0

	for state != StateEnd {
		transitions++
		if state != StateError && transitions > s.cfg.MaxTransitions {
			rs.fail(state, eris.Errorf("supervisor: transition limit %d exceeded", s.cfg.MaxTransitions))
			state = StateError
		}

		next := s.step(ctx, rs, state)
		if !allowed(state, next) {
			rs.fail(state, eris.Errorf("supervisor: illegal transition %s -> %s", state, next))
			next = StateError
		}
		state = next
	}
}

// step executes one state with its timeout and retry budget and returns
// the next state.
func (s *Supervisor) step(ctx context.Context, rs *runState, state State) State {
	handler := s.handlerFor(state)

	start := time.Now()
	attempts := 0

	retryCfg := resilience.RetryConfig{
		MaxAttempts: s.cfg.StateRetries,
		OnRetry:     resilience.RetryLogger("supervisor", string(state)),
	}
	next, err := resilience.DoVal(ctx, retryCfg, func(ctx context.Context) (State, error) {
		attempts++
		stateCtx, cancel := context.WithTimeout(ctx, s.stateTimeout(state))
		defer cancel()
		return handler(stateCtx, rs)
	})

	sr := model.StateResult{
		Name:       string(state),
		Status:     "complete",
		DurationMS: time.Since(start).Milliseconds(),
		Attempts:   attempts,
	}
	if err != nil {
		sr.Status = "failed"
		sr.Error = err.Error()
	}
	rs.result.States = append(rs.result.States, sr)

	zap.L().Info("supervisor state",
		zap.String("run_id", rs.run.ID),
		zap.String("document_id", rs.doc.ID),
		zap.String("state", string(state)),
		zap.String("status", sr.Status),
		zap.Int("attempts", attempts),
		zap.Duration("duration", time.Since(start)),
	)

	if err != nil {
		rs.fail(state, err)
		return StateError
	}
	return next
}

type stateFunc func(ctx context.Context, rs *runState) (State, error)

func (s *Supervisor) handlerFor(state State) stateFunc {
	switch state {
	case StateInit:
		return s.stateInit
	case StateRoute:
		return s.stateRoute
	case StateExtractBatch:
		return s.stateExtractBatch
	case StateCrossSegment:
		return s.stateCrossSegment
	case StateNormalize:
		return s.stateNormalize
	case StateWriteProvisional:
		return s.stateWriteProvisional
	case StateGateEval:
		return s.stateGateEval
	case StatePromote:
		return s.statePromote
	case StateFinalize:
		return s.stateFinalize
	case StateError:
		return s.stateError
	default:
		return func(context.Context, *runState) (State, error) {
			return StateError, eris.Errorf("supervisor: unknown state %s", state)
		}
	}
}

func (rs *runState) fail(in State, err error) {
	// First failure wins; ERROR-state handling must not mask the cause.
	if rs.failure == nil {
		rs.failure = err
		rs.failedIn = in
	}
}

func (s *Supervisor) stateInit(ctx context.Context, rs *runState) (State, error) {
	if len(rs.doc.Segments) == 0 {
		return StateError, eris.New("supervisor: document has no segments")
	}
	seen := make(map[string]struct{}, len(rs.doc.Segments))
	for _, seg := range rs.doc.Segments {
		if seg.ID == "" {
			return StateError, eris.New("supervisor: segment with empty id")
		}
		if _, dup := seen[seg.ID]; dup {
			return StateError, eris.Errorf("supervisor: duplicate segment id %q", seg.ID)
		}
		seen[seg.ID] = struct{}{}
	}

	if err := s.governor.AdmitDocument(ctx, rs.doc.TenantID, rs.doc.ID); err != nil {
		return StateError, eris.Wrap(err, "supervisor: admission")
	}
	return StateRoute, nil
}

func (s *Supervisor) stateRoute(_ context.Context, rs *runState) (State, error) {
	analyses := make(map[string]model.SegmentAnalysis, len(rs.doc.Segments))
	for _, seg := range rs.doc.Segments {
		analyses[seg.ID] = s.analyzer.Analyze(seg, rs.doc.Language)
	}
	rs.analyses = analyses
	rs.plan = s.router.PlanDocument(rs.doc, analyses)

	// Routing decides vision capacity and cost headroom for the run.
	s.governor.BeginDocument(rs.doc.ID, budget.DocProfile{
		VisionCalls: rs.plan.VisionCap,
		ImageHeavy:  rs.plan.ImageHeavy,
	})
	return StateExtractBatch, nil
}

func (s *Supervisor) stateExtractBatch(ctx context.Context, rs *runState) (State, error) {
	res, err := s.extractor.Extract(ctx, rs.doc, rs.plan)
	if err != nil {
		return StateError, err
	}
	rs.extraction = res
	rs.candidates = res.Candidates
	rs.result.IncompleteSegments = res.IncompleteSegments
	rs.result.TokenUsage.Add(res.Usage)

	if len(rs.doc.Segments) >= 2 {
		return StateCrossSegment, nil
	}
	return StateNormalize, nil
}

// stateCrossSegment mines relations spanning segments. Mining failure
// is non-fatal: the run continues with single-segment results and is
// marked partial.
func (s *Supervisor) stateCrossSegment(ctx context.Context, rs *runState) (State, error) {
	res, err := s.miner.Mine(ctx, rs.doc, rs.analyses)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return StateError, err
		}
		zap.L().Warn("cross-segment mining skipped",
			zap.String("run_id", rs.run.ID),
			zap.String("document_id", rs.doc.ID),
			zap.Error(err),
		)
		rs.crossSegmentSkipped = true
		return StateNormalize, nil
	}
	rs.mining = res
	rs.candidates = append(rs.candidates, res.Relations...)
	rs.result.TokenUsage.Add(res.Usage)
	return StateNormalize, nil
}

func (s *Supervisor) stateNormalize(_ context.Context, rs *runState) (State, error) {
	// The generic-relation cap applies to every run, whether or not
	// cross-segment mining contributed relations.
	capped, dropped := s.miner.ApplyGenericCap(rs.candidates)
	rs.candidates = capped
	if dropped > 0 {
		zap.L().Debug("generic relation cap applied",
			zap.String("document_id", rs.doc.ID), zap.Int("dropped", dropped))
	}

	rs.normalized = s.normalizer.Normalize(rs.doc.TenantID, rs.candidates)
	return StateWriteProvisional, nil
}

func (s *Supervisor) stateWriteProvisional(ctx context.Context, rs *runState) (State, error) {
	if len(rs.normalized) == 0 {
		return StateGateEval, nil
	}
	if err := s.store.UpsertProvisional(ctx, rs.normalized); err != nil {
		return StateError, eris.Wrap(err, "supervisor: write provisional")
	}
	return StateGateEval, nil
}

func (s *Supervisor) stateGateEval(ctx context.Context, rs *runState) (State, error) {
	if len(rs.normalized) == 0 {
		return StatePromote, nil
	}
	decisions, updated, err := s.gate.Evaluate(ctx, rs.doc, rs.analyses, rs.normalized)
	if err != nil {
		return StateError, eris.Wrap(err, "supervisor: gate")
	}
	rs.decisions = decisions
	rs.normalized = updated

	// Anonymization may have rewritten evidence; the staged rows must
	// match what the gate scored.
	if err := s.store.UpsertProvisional(ctx, rs.normalized); err != nil {
		return StateError, eris.Wrap(err, "supervisor: restage after gate")
	}
	return StatePromote, nil
}

func (s *Supervisor) statePromote(ctx context.Context, rs *runState) (State, error) {
	var promote []string
	for _, d := range rs.decisions {
		switch d.Action {
		case model.ActionAutoPromote:
			promote = append(promote, d.CandidateID)
			rs.result.PromotedCount++
		case model.ActionReject:
			if err := s.store.SetStatus(ctx, rs.doc.TenantID, d.CandidateID, model.StatusRejected); err != nil {
				return StateError, eris.Wrapf(err, "supervisor: reject %s", d.CandidateID)
			}
			rs.result.RejectedCount++
		case model.ActionHumanReview:
			if err := s.store.SetStatus(ctx, rs.doc.TenantID, d.CandidateID, model.StatusPendingReview); err != nil {
				return StateError, eris.Wrapf(err, "supervisor: park %s", d.CandidateID)
			}
			rs.result.PendingReviewCount++
		}
	}
	if len(promote) > 0 {
		if err := s.store.Promote(ctx, rs.doc.TenantID, promote); err != nil {
			return StateError, eris.Wrap(err, "supervisor: promote")
		}
	}
	return StateFinalize, nil
}

func (s *Supervisor) stateFinalize(ctx context.Context, rs *runState) (State, error) {
	spent, err := s.governor.SpentUSD(ctx, rs.doc.ID)
	if err != nil {
		zap.L().Warn("cost lookup failed",
			zap.String("document_id", rs.doc.ID), zap.Error(err))
	} else {
		rs.result.CostUSD = spent
	}

	rs.result.Partial = len(rs.result.IncompleteSegments) > 0 ||
		rs.crossSegmentSkipped ||
		(rs.extraction != nil && len(rs.extraction.Degraded) > 0) ||
		(rs.mining != nil && rs.mining.Skipped)

	if rs.result.Partial {
		rs.result.Status = model.RunStatusPartial
	} else {
		rs.result.Status = model.RunStatusComplete
	}
	return StateEnd, nil
}

// stateError closes out a failed run. Anything promoted before the
// failure stays promoted; the result reports how far the run got.
func (s *Supervisor) stateError(ctx context.Context, rs *runState) (State, error) {
	if spent, err := s.governor.SpentUSD(ctx, rs.doc.ID); err == nil {
		rs.result.CostUSD = spent
	}

	// A failure after candidates were promoted is a partial outcome,
	// not a total one.
	if rs.result.PromotedCount > 0 || rs.result.PendingReviewCount > 0 {
		rs.result.Status = model.RunStatusPartial
		rs.result.Partial = true
	} else {
		rs.result.Status = model.RunStatusFailed
	}

	zap.L().Error("run failed",
		zap.String("run_id", rs.run.ID),
		zap.String("document_id", rs.doc.ID),
		zap.String("failed_in", string(rs.failedIn)),
		zap.Error(rs.failure),
	)
	return StateEnd, nil
}
