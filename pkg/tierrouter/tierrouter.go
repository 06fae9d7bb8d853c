// Package tierrouter implements the Agent/LLM Tier Router (spec component
// C4): mapping a task to a cost/capability tier (T0..T3) and an ordered
// provider preference list, with a precedence chain that lets an explicit
// override or recent failure history beat the default complexity mapping.
package tierrouter

import (
	"sync"

	"github.com/capsulecraft/orchestrator/pkg/taskgraph"
)

// Tier is a cost/capability bracket: T0 is the cheapest/fastest, T3 the
// most capable and most expensive.
type Tier string

const (
	T0 Tier = "T0"
	T1 Tier = "T1"
	T2 Tier = "T2"
	T3 Tier = "T3"
)

var tierOrder = []Tier{T0, T1, T2, T3}

func bump(t Tier) Tier {
	for i, v := range tierOrder {
		if v == t && i < len(tierOrder)-1 {
			return tierOrder[i+1]
		}
	}
	return t
}

// Config configures a Router.
type Config struct {
	// ComplexityTierMap maps a task's ComplexityHint (one of trivial,
	// simple, medium, complex, very_complex) to a default tier. Unset
	// entries fall back to T1.
	ComplexityTierMap map[string]Tier

	// ProviderPreferences is the ordered list of provider ids to try for
	// each tier, e.g. T0 -> ["llm:bedrock-haiku"], T3 -> ["llm:anthropic-opus"].
	ProviderPreferences map[Tier][]string

	// SuccessRateFloor is the per-(tier,provider) success rate below which
	// the router bumps the task to the next tier up rather than keep
	// dispatching it to a collaborator that's failing it.
	SuccessRateFloor float64

	// MinSamplesForBump is how many observations are required before the
	// success rate is trusted enough to trigger a bump.
	MinSamplesForBump int
}

func defaultConfig() Config {
	return Config{
		// very_complex goes straight to T3 — the success-rate bump has
		// nowhere higher to send it, so bump(T3) is a no-op and it simply
		// stays put.
		ComplexityTierMap: map[string]Tier{
			"trivial":      T0,
			"simple":       T1,
			"medium":       T2,
			"complex":      T2,
			"very_complex": T3,
		},
		ProviderPreferences: map[Tier][]string{
			T0: {"llm:bedrock"},
			T1: {"llm:bedrock", "llm:anthropic"},
			T2: {"llm:anthropic"},
			T3: {"llm:anthropic"},
		},
		SuccessRateFloor:  0.5,
		MinSamplesForBump: 5,
	}
}

type tierStats struct {
	successes int
	failures  int
}

// Router resolves a task's tier and provider preference, tracking recent
// success/failure per (tier, provider) to drive the success-rate bump.
type Router struct {
	mu     sync.Mutex
	cfg    Config
	stats  map[string]*tierStats // key: tier+"|"+provider
}

func New(cfg Config) *Router {
	base := defaultConfig()
	if cfg.ComplexityTierMap != nil {
		base.ComplexityTierMap = cfg.ComplexityTierMap
	}
	if cfg.ProviderPreferences != nil {
		base.ProviderPreferences = cfg.ProviderPreferences
	}
	if cfg.SuccessRateFloor > 0 {
		base.SuccessRateFloor = cfg.SuccessRateFloor
	}
	if cfg.MinSamplesForBump > 0 {
		base.MinSamplesForBump = cfg.MinSamplesForBump
	}
	return &Router{cfg: base, stats: make(map[string]*tierStats)}
}

// ResolveTier picks a task's tier following this precedence: (1) the
// task's explicit TierOverride, (2) the default complexity mapping bumped
// up one level if that tier's lead provider has been failing recently
// (outcomes are tracked per tier and provider, not per task kind), (3) T1
// if the task's complexity hint is unrecognized.
func (r *Router) ResolveTier(task *taskgraph.Task) Tier {
	if t := Tier(task.TierOverride); isValidTier(t) {
		return t
	}

	base, ok := r.cfg.ComplexityTierMap[task.ComplexityHint]
	if !ok {
		base = T1
	}

	lead := r.leadProvider(base)
	if lead != "" && r.shouldBump(base, lead) {
		return bump(base)
	}
	return base
}

func isValidTier(t Tier) bool {
	for _, v := range tierOrder {
		if v == t {
			return true
		}
	}
	return false
}

// Providers returns the ordered provider preference list for tier.
func (r *Router) Providers(tier Tier) []string {
	return r.cfg.ProviderPreferences[tier]
}

func (r *Router) leadProvider(tier Tier) string {
	prefs := r.cfg.ProviderPreferences[tier]
	if len(prefs) == 0 {
		return ""
	}
	return prefs[0]
}

func (r *Router) shouldBump(tier Tier, provider string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.stats[statKey(tier, provider)]
	if !ok {
		return false
	}
	total := s.successes + s.failures
	if total < r.cfg.MinSamplesForBump {
		return false
	}
	rate := float64(s.successes) / float64(total)
	return rate < r.cfg.SuccessRateFloor
}

// RecordOutcome feeds a dispatch result back into the router's success
// tracking so future ResolveTier calls for the same tier/provider reflect
// recent health, not just the static complexity mapping.
func (r *Router) RecordOutcome(tier Tier, provider string, success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := statKey(tier, provider)
	s, ok := r.stats[key]
	if !ok {
		s = &tierStats{}
		r.stats[key] = s
	}
	if success {
		s.successes++
	} else {
		s.failures++
	}
	// Keep a bounded recency window rather than growing forever.
	if s.successes+s.failures > 200 {
		s.successes /= 2
		s.failures /= 2
	}
}

func statKey(tier Tier, provider string) string {
	return string(tier) + "|" + provider
}
