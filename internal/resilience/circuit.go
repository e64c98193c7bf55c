package resilience

import (
	"sync"
	"time"

	"github.com/rotisserie/eris"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	// CircuitClosed is the normal operating state.
	CircuitClosed CircuitState = iota
	// CircuitOpen means too many failures; calls are rejected immediately.
	CircuitOpen
	// CircuitHalfOpen allows a single probe call to test recovery.
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned when a call is rejected because the model
// class's circuit is open.
var ErrCircuitOpen = eris.New("model class circuit is open")

// CircuitConfig controls circuit breaker behavior for one model class.
type CircuitConfig struct {
	// FailureThreshold is the number of consecutive failures before the
	// circuit opens. Default: 5.
	FailureThreshold int

	// ResetTimeout is how long the circuit stays open before allowing a
	// probe. Default: 30s.
	ResetTimeout time.Duration

	// OnStateChange is called when the circuit transitions between states.
	OnStateChange func(from, to CircuitState)
}

// Circuit is a per-model-class circuit breaker. The dispatcher consults it
// before queuing work so a persistently failing model class sheds load
// instead of burning retry budget.
type Circuit struct {
	cfg CircuitConfig

	mu                  sync.Mutex
	state               CircuitState
	consecutiveFailures int
	lastFailure         time.Time

	now func() time.Time
}

// NewCircuit creates a circuit breaker with the given config.
func NewCircuit(cfg CircuitConfig) *Circuit {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	return &Circuit{cfg: cfg, state: CircuitClosed, now: time.Now}
}

// Allow reports whether a call may proceed. In the open state it permits a
// single probe once the reset timeout has elapsed.
func (c *Circuit) Allow() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == CircuitOpen {
		if c.now().Sub(c.lastFailure) >= c.cfg.ResetTimeout {
			c.transition(CircuitHalfOpen)
			return nil
		}
		return ErrCircuitOpen
	}
	return nil
}

// Record registers the outcome of a call. Budget denials do not count as
// model failures.
func (c *Circuit) Record(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err == nil || ClassOf(err) == FailureBudgetDenied {
		if c.state != CircuitClosed {
			c.transition(CircuitClosed)
		}
		c.consecutiveFailures = 0
		return
	}

	c.consecutiveFailures++
	c.lastFailure = c.now()

	switch c.state {
	case CircuitClosed:
		if c.consecutiveFailures >= c.cfg.FailureThreshold {
			c.transition(CircuitOpen)
		}
	case CircuitHalfOpen:
		c.transition(CircuitOpen)
	}
}

// State returns the current circuit state.
func (c *Circuit) State() CircuitState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == CircuitOpen && c.now().Sub(c.lastFailure) >= c.cfg.ResetTimeout {
		return CircuitHalfOpen
	}
	return c.state
}

func (c *Circuit) transition(to CircuitState) {
	from := c.state
	c.state = to
	if c.cfg.OnStateChange != nil {
		c.cfg.OnStateChange(from, to)
	}
}
