// Package breaker implements the Circuit Breaker Set (spec component C2):
// one closed/open/half-open breaker per external collaborator (an LLM
// provider, the sandbox runner, the validator, the VCS target), protecting
// the Task Executor from hammering a collaborator that is already failing.
package breaker

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/capsulecraft/orchestrator/pkg/corekit"
)

// State is the circuit breaker's lifecycle state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config configures one CircuitBreaker.
type Config struct {
	Name string

	// FailureThreshold is the number of consecutive transient/throttle
	// failures, with no intervening success, that trips closed->open.
	FailureThreshold int
	// RecoveryTimeout is how long the breaker stays open before admitting
	// a single half-open probe.
	RecoveryTimeout time.Duration

	// WindowSize/BucketCount size the success/failure counters Stats
	// reports; they do not influence the open/close decision.
	WindowSize  time.Duration
	BucketCount int

	Logger corekit.ComponentAwareLogger
}

func DefaultConfig(name string) Config {
	return Config{
		Name:             name,
		FailureThreshold: 5,
		RecoveryTimeout:  60 * time.Second,
		WindowSize:       60 * time.Second,
		BucketCount:      10,
	}
}

// CircuitBreaker tracks health for a single collaborator and gates
// execution accordingly. Failures are classified via corekit.KindOf: only
// KindTransient and KindThrottle count toward consecutive_failures — a
// policy violation or a not-found result is not evidence the collaborator
// itself is unhealthy, so it neither trips nor resets the counter.
type CircuitBreaker struct {
	config Config

	state          atomic.Value // State
	stateChangedAt atomic.Value // time.Time

	consecutiveFailures atomic.Int32
	probeInFlight       atomic.Bool

	window *slidingWindow

	rejectedExecutions atomic.Uint64
}

func New(cfg Config) *CircuitBreaker {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.RecoveryTimeout == 0 {
		cfg.RecoveryTimeout = 60 * time.Second
	}
	if cfg.WindowSize == 0 {
		cfg.WindowSize = 60 * time.Second
	}
	if cfg.BucketCount == 0 {
		cfg.BucketCount = 10
	}
	cb := &CircuitBreaker{
		config: cfg,
		window: newSlidingWindow(cfg.WindowSize, cfg.BucketCount),
	}
	cb.state.Store(StateClosed)
	cb.stateChangedAt.Store(time.Now())
	return cb
}

// countsAsFailure decides whether err advances consecutive_failures at
// all. Only transient and throttle failures do; permanent and
// policy-violation errors are surfaced immediately without affecting the
// breaker.
func countsAsFailure(err error) bool {
	switch corekit.KindOf(err) {
	case corekit.KindTransient, corekit.KindThrottle:
		return true
	default:
		return false
	}
}

// Execute runs fn under circuit protection, returning
// corekit.ErrCircuitOpen (classified transient, since the caller should
// retry another collaborator or wait) if the breaker rejects the call.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	admitted, probe := cb.admit()
	if !admitted {
		cb.rejectedExecutions.Add(1)
		return corekit.NewClassifiedError("breaker.execute", corekit.KindTransient, cb.config.Name, corekit.ErrCircuitOpen)
	}

	err := fn(ctx)
	cb.complete(probe, err)
	return err
}

// admit decides whether a call may proceed, and if so, whether it is the
// single half-open probe — only one probe is ever in flight at a time.
func (cb *CircuitBreaker) admit() (admitted bool, probe bool) {
	state := cb.state.Load().(State)
	switch state {
	case StateClosed:
		return true, false

	case StateOpen:
		changedAt := cb.stateChangedAt.Load().(time.Time)
		if time.Since(changedAt) <= cb.config.RecoveryTimeout {
			return false, false
		}
		cb.transition(StateOpen, StateHalfOpen)
		return cb.admit()

	case StateHalfOpen:
		if cb.probeInFlight.CompareAndSwap(false, true) {
			return true, true
		}
		return false, false

	default:
		return false, false
	}
}

func (cb *CircuitBreaker) complete(probe bool, err error) {
	if probe {
		defer cb.probeInFlight.Store(false)
	}

	if err == nil {
		cb.window.RecordSuccess()
		cb.consecutiveFailures.Store(0)
		if probe {
			cb.transition(StateHalfOpen, StateClosed)
		}
		return
	}

	if !countsAsFailure(err) {
		return
	}

	cb.window.RecordFailure()
	if probe {
		cb.transition(StateHalfOpen, StateOpen)
		return
	}

	n := cb.consecutiveFailures.Add(1)
	if int(n) >= cb.config.FailureThreshold {
		cb.transition(StateClosed, StateOpen)
	}
}

// transition moves the breaker from -> to via compare-and-set, so a
// late-arriving completion racing a concurrent transition can't clobber
// it. Entering closed always resets consecutive_failures.
func (cb *CircuitBreaker) transition(from, to State) {
	if !cb.compareAndSwapState(from, to) {
		return
	}
	cb.stateChangedAt.Store(time.Now())
	if to == StateClosed {
		cb.consecutiveFailures.Store(0)
	}
	if cb.config.Logger != nil {
		cb.config.Logger.WithComponent("breaker").Info("circuit breaker state change", map[string]interface{}{
			"name": cb.config.Name,
			"from": from.String(),
			"to":   to.String(),
		})
	}
}

func (cb *CircuitBreaker) compareAndSwapState(from, to State) bool {
	for {
		current := cb.state.Load().(State)
		if current != from {
			return false
		}
		if cb.state.CompareAndSwap(current, to) {
			return true
		}
	}
}

func (cb *CircuitBreaker) State() State { return cb.state.Load().(State) }

func (cb *CircuitBreaker) Stats() Stats {
	successes, failures, total := cb.window.Counts()
	return Stats{
		Name:       cb.config.Name,
		State:      cb.State().String(),
		Successes:  successes,
		Failures:   failures,
		Total:      total,
		Rejections: cb.rejectedExecutions.Load(),
	}
}

// Stats is a point-in-time snapshot for status reporting and tests.
type Stats struct {
	Name       string
	State      string
	Successes  uint64
	Failures   uint64
	Total      uint64
	Rejections uint64
}

func (s Stats) String() string {
	return fmt.Sprintf("%s[%s] %d/%d ok (rejected=%d)", s.Name, s.State, s.Successes, s.Total, s.Rejections)
}
