// Package dispatch serializes model calls through per-route priority
// queues with concurrency caps, request and token rate limits, retry
// with exponential backoff, and a circuit breaker per route.
package dispatch

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/sells-group/ingest-cli/internal/config"
	"github.com/sells-group/ingest-cli/internal/model"
	"github.com/sells-group/ingest-cli/internal/resilience"
	"github.com/sells-group/ingest-cli/pkg/reasoner"
)

// Priority orders tasks within a route's queue. Higher runs first; equal
// priorities run in submission order.
type Priority int

const (
	PriorityLow    Priority = 0
	PriorityNormal Priority = 2
	PriorityHigh   Priority = 5
)

// PriorityFor scores a batch from the analyses of the segments it
// carries: narrative threads outrank everything else, and high
// complexity outranks moderate complexity.
func PriorityFor(analyses []model.SegmentAnalysis) Priority {
	var p Priority
	narrative := false
	maxComplexity := 0.0
	for _, an := range analyses {
		if an.InNarrativeThread {
			narrative = true
		}
		if an.Complexity > maxComplexity {
			maxComplexity = an.Complexity
		}
	}
	if narrative {
		p += 3
	}
	switch {
	case maxComplexity > 0.7:
		p += 2
	case maxComplexity > 0.4:
		p += 1
	}
	return p
}

// Task is one model call waiting for dispatch.
type Task struct {
	Route         model.Route
	Priority      Priority
	TokenEstimate int
	Request       reasoner.Request

	seq    uint64
	ctx    context.Context
	result chan taskResult
}

type taskResult struct {
	resp *reasoner.Response
	err  error
}

// Dispatcher owns one queue per model route. Callers block in Do until
// their task completes, fails terminally, or their context expires.
type Dispatcher struct {
	client reasoner.Client
	cfg    config.DispatcherConfig
	retry  resilience.RetryConfig

	mu     sync.Mutex
	seq    uint64
	queues map[model.Route]*routeQueue

	stop    context.CancelFunc
	stopped chan struct{}
}

type routeQueue struct {
	route model.Route

	mu     sync.Mutex
	heap   taskHeap
	notify chan struct{}

	sem     *semaphore.Weighted
	reqRate *rate.Limiter
	tokRate *rate.Limiter
	circuit *resilience.Circuit
}

// New builds a dispatcher for the three model-backed routes. Call Start
// before submitting tasks.
func New(client reasoner.Client, cfg config.DispatcherConfig) *Dispatcher {
	d := &Dispatcher{
		client: client,
		cfg:    cfg,
		retry:  resilience.DefaultRetryConfig(),
		queues: make(map[model.Route]*routeQueue),
	}
	if cfg.MaxAttempts > 0 {
		d.retry.MaxAttempts = cfg.MaxAttempts
	}
	for _, route := range []model.Route{model.RouteSmall, model.RouteLarge, model.RouteVision} {
		lim := cfg.Limit(string(route))
		d.queues[route] = newRouteQueue(route, lim)
	}
	return d
}

func newRouteQueue(route model.Route, lim config.RouteLimit) *routeQueue {
	concurrency := lim.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	rq := &routeQueue{
		route:  route,
		notify: make(chan struct{}, 1),
		sem:    semaphore.NewWeighted(int64(concurrency)),
	}
	if lim.RequestsPerMinute > 0 {
		rq.reqRate = rate.NewLimiter(rate.Limit(float64(lim.RequestsPerMinute)/60.0), lim.RequestsPerMinute)
	} else {
		rq.reqRate = rate.NewLimiter(rate.Inf, 1)
	}
	if lim.TokensPerMinute > 0 {
		rq.tokRate = rate.NewLimiter(rate.Limit(float64(lim.TokensPerMinute)/60.0), lim.TokensPerMinute)
	} else {
		rq.tokRate = rate.NewLimiter(rate.Inf, 1)
	}
	rq.circuit = resilience.NewCircuit(resilience.CircuitConfig{
		OnStateChange: func(from, to resilience.CircuitState) {
			zap.L().Warn("dispatch circuit state change",
				zap.String("route", string(route)),
				zap.Stringer("from", from),
				zap.Stringer("to", to))
		},
	})
	return rq
}

// Start launches the per-route dispatch loops. Stop with Shutdown.
func (d *Dispatcher) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	d.stop = cancel
	d.stopped = make(chan struct{})

	var wg sync.WaitGroup
	for _, rq := range d.queues {
		wg.Add(1)
		go func(rq *routeQueue) {
			defer wg.Done()
			d.runQueue(ctx, rq)
		}(rq)
	}
	go func() {
		wg.Wait()
		close(d.stopped)
	}()
}

// Shutdown stops dispatch loops. In-flight calls finish on their own
// contexts; queued tasks fail with the dispatcher context error.
func (d *Dispatcher) Shutdown() {
	if d.stop != nil {
		d.stop()
		<-d.stopped
	}
}

// Do submits a task and blocks until it resolves. The error, when
// non-nil, is always a classified *resilience.ModelCallError.
func (d *Dispatcher) Do(ctx context.Context, task *Task) (*reasoner.Response, error) {
	rq, ok := d.queues[task.Route]
	if !ok {
		return nil, resilience.NewModelCallError(resilience.FailureTerminal, string(task.Route),
			eris.Errorf("dispatch: no queue for route %s", task.Route))
	}

	d.mu.Lock()
	d.seq++
	task.seq = d.seq
	d.mu.Unlock()

	task.ctx = ctx
	task.result = make(chan taskResult, 1)

	rq.mu.Lock()
	heap.Push(&rq.heap, task)
	rq.mu.Unlock()
	select {
	case rq.notify <- struct{}{}:
	default:
	}

	select {
	case res := <-task.result:
		return res.resp, res.err
	case <-ctx.Done():
		return nil, resilience.NewModelCallError(resilience.FailureTimeout, string(task.Route),
			eris.Wrap(ctx.Err(), "dispatch: caller context done"))
	}
}

// CircuitState exposes the route's breaker state for monitoring.
func (d *Dispatcher) CircuitState(route model.Route) resilience.CircuitState {
	if rq, ok := d.queues[route]; ok {
		return rq.circuit.State()
	}
	return resilience.CircuitClosed
}

func (d *Dispatcher) runQueue(ctx context.Context, rq *routeQueue) {
	for {
		task := rq.pop()
		if task == nil {
			select {
			case <-ctx.Done():
				rq.drain(ctx.Err())
				return
			case <-rq.notify:
				continue
			}
		}

		if task.ctx.Err() != nil {
			continue // caller already gone
		}
		if err := rq.sem.Acquire(ctx, 1); err != nil {
			task.result <- taskResult{err: resilience.NewModelCallError(resilience.FailureTimeout,
				string(rq.route), eris.Wrap(err, "dispatch: shutting down"))}
			rq.drain(ctx.Err())
			return
		}
		go func(task *Task) {
			defer rq.sem.Release(1)
			resp, err := d.execute(task, rq)
			task.result <- taskResult{resp: resp, err: err}
		}(task)
	}
}

func (rq *routeQueue) pop() *Task {
	rq.mu.Lock()
	defer rq.mu.Unlock()
	if rq.heap.Len() == 0 {
		return nil
	}
	return heap.Pop(&rq.heap).(*Task)
}

func (rq *routeQueue) drain(err error) {
	if err == nil {
		err = context.Canceled
	}
	rq.mu.Lock()
	defer rq.mu.Unlock()
	for rq.heap.Len() > 0 {
		t := heap.Pop(&rq.heap).(*Task)
		t.result <- taskResult{err: resilience.NewModelCallError(resilience.FailureTimeout,
			string(rq.route), eris.Wrap(err, "dispatch: queue drained"))}
	}
}

// execute runs one task through the rate limiters and the provider call
// with classified retries.
func (d *Dispatcher) execute(task *Task, rq *routeQueue) (*reasoner.Response, error) {
	log := zap.L().With(zap.String("route", string(rq.route)), zap.String("model", task.Request.Model))

	var lastErr error
	for attempt := 0; attempt < d.retry.MaxAttempts; attempt++ {
		if attempt > 0 {
			backoff := resilience.Backoff(attempt, d.retry)
			log.Debug("retrying model call",
				zap.Int("attempt", attempt+1),
				zap.Duration("backoff", backoff),
				zap.String("class", string(resilience.ClassOf(lastErr))))
			select {
			case <-time.After(backoff):
			case <-task.ctx.Done():
				return nil, resilience.NewModelCallError(resilience.FailureTimeout, string(rq.route),
					eris.Wrap(task.ctx.Err(), "dispatch: context done during backoff"))
			}
		}

		if err := rq.circuit.Allow(); err != nil {
			lastErr = resilience.NewModelCallError(resilience.FailureRateLimit, string(rq.route),
				eris.Wrap(err, "dispatch: route unavailable"))
			continue
		}

		if err := rq.reqRate.Wait(task.ctx); err != nil {
			return nil, resilience.NewModelCallError(resilience.FailureTimeout, string(rq.route),
				eris.Wrap(err, "dispatch: request rate wait"))
		}
		tokens := task.TokenEstimate
		if tokens < 1 {
			tokens = 1
		}
		if tokens > rq.tokRate.Burst() {
			tokens = rq.tokRate.Burst()
		}
		if err := rq.tokRate.WaitN(task.ctx, tokens); err != nil {
			return nil, resilience.NewModelCallError(resilience.FailureTimeout, string(rq.route),
				eris.Wrap(err, "dispatch: token rate wait"))
		}

		resp, err := d.client.Complete(task.ctx, task.Request)
		rq.circuit.Record(err)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !resilience.IsTransient(err) {
			return nil, err
		}
	}

	class := resilience.ClassOf(lastErr)
	log.Warn("model call exhausted retries",
		zap.Int("attempts", d.retry.MaxAttempts),
		zap.String("class", string(class)),
		zap.Error(lastErr))
	return nil, lastErr
}

// taskHeap orders by descending priority, then ascending sequence.
type taskHeap []*Task

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x any) { *h = append(*h, x.(*Task)) }

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}
