package breaker

import (
	"sync"

	"github.com/capsulecraft/orchestrator/pkg/corekit"
)

// Set holds one CircuitBreaker per collaborator id (e.g. "llm:anthropic",
// "llm:bedrock", "sandbox", "validator", "vcs"), created lazily on first
// use so the executor never needs to pre-register every collaborator it
// might call.
type Set struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	base     Config
	overrides map[string]Config
	logger   corekit.ComponentAwareLogger
}

// NewSet constructs a Set. base supplies the failure_threshold/
// recovery_timeout applied to every collaborator id that has no entry in
// overrides; a zero base falls back to DefaultConfig's values. overrides
// lets callers configure specific
// collaborators (e.g. a longer recovery timeout for "vcs", which
// recovers slower than an LLM provider).
func NewSet(base Config, overrides map[string]Config, logger corekit.ComponentAwareLogger) *Set {
	if base.FailureThreshold == 0 {
		base = DefaultConfig("")
	}
	return &Set{
		breakers:  make(map[string]*CircuitBreaker),
		base:      base,
		overrides: overrides,
		logger:    logger,
	}
}

// For returns the breaker for collaborator id, creating it on first use.
func (s *Set) For(id string) *CircuitBreaker {
	s.mu.RLock()
	cb, ok := s.breakers[id]
	s.mu.RUnlock()
	if ok {
		return cb
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if cb, ok := s.breakers[id]; ok {
		return cb
	}
	cfg, ok := s.overrides[id]
	if !ok {
		cfg = s.base
		cfg.Name = id
	}
	cfg.Logger = s.logger
	cb = New(cfg)
	s.breakers[id] = cb
	return cb
}

// Stats returns a snapshot of every collaborator breaker touched so far.
func (s *Set) Stats() []Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Stats, 0, len(s.breakers))
	for _, cb := range s.breakers {
		out = append(out, cb.Stats())
	}
	return out
}
