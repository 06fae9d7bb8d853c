// Package governor implements the Resource Governor (spec component C1):
// per-provider admission control across three windows — concurrency,
// requests-per-second, and tokens-per-minute, each shared by every tenant
// of that provider — plus a cumulative per-tenant budget, with adaptive
// back-pressure and round-robin scheduling across tenants sharing a
// provider. Tenants carry no weights: each queued tenant is served once
// per round.
package governor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/capsulecraft/orchestrator/pkg/corekit"
)

// ProviderLimits configures the admission windows for one provider (e.g.
// "llm:anthropic", "llm:bedrock", "sandbox", "validator", "vcs").
type ProviderLimits struct {
	ConcurrencyLimit int
	RPSLimit         int
	RPSFloor         int
	Gamma            float64
	TPMLimit         int64
}

// Config configures a Governor instance.
type Config struct {
	Providers map[string]ProviderLimits
	// TenantBudgets is an optional cumulative token budget per tenant,
	// checked at Acquire time independently of any provider window.
	// A tenant absent from this map is treated as unbounded.
	TenantBudgets map[string]int64

	Logger    corekit.ComponentAwareLogger
	Telemetry corekit.Telemetry
}

// Permit represents a granted slot. It must be passed to Release exactly
// once; holding it past that without releasing leaks the concurrency slot.
type Permit struct {
	provider       string
	tenant         string
	tokensEstimate int
	acquiredAt     time.Time
	released       atomic.Bool
}

// Governor is the Resource Governor's public entry point.
type Governor struct {
	mu         sync.RWMutex
	schedulers map[string]*providerScheduler
	limits     map[string]ProviderLimits

	tenantBudgets map[string]int64
	tenantUsage   map[string]*int64

	logger    corekit.ComponentAwareLogger
	telemetry corekit.Telemetry
}

// NewGovernor constructs a Governor from cfg. Providers are lazily given a
// scheduler on first Acquire if absent from cfg.Providers, using
// conservative defaults, so a misconfigured or new provider fails closed to
// "very limited" rather than to "unlimited".
func NewGovernor(cfg Config) *Governor {
	logger := cfg.Logger
	if logger == nil {
		logger = noopComponentLogger{}
	}
	telemetry := cfg.Telemetry
	if telemetry == nil {
		telemetry = corekit.NoOpTelemetry{}
	}

	g := &Governor{
		schedulers:    make(map[string]*providerScheduler),
		limits:        make(map[string]ProviderLimits),
		tenantBudgets: make(map[string]int64),
		tenantUsage:   make(map[string]*int64),
		logger:        logger,
		telemetry:     telemetry,
	}
	for provider, limits := range cfg.Providers {
		g.limits[provider] = limits
	}
	for tenant, budget := range cfg.TenantBudgets {
		g.tenantBudgets[tenant] = budget
	}
	return g
}

func defaultProviderLimits() ProviderLimits {
	return ProviderLimits{
		ConcurrencyLimit: 2,
		RPSLimit:         1,
		RPSFloor:         1,
		Gamma:            0.5,
		TPMLimit:         10000,
	}
}

func (g *Governor) schedulerFor(provider string) *providerScheduler {
	g.mu.RLock()
	s, ok := g.schedulers[provider]
	g.mu.RUnlock()
	if ok {
		return s
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if s, ok := g.schedulers[provider]; ok {
		return s
	}
	limits, ok := g.limits[provider]
	if !ok {
		limits = defaultProviderLimits()
		g.limits[provider] = limits
	}
	s = newProviderScheduler(provider, limits)
	g.schedulers[provider] = s
	return s
}

func (g *Governor) usageCounter(tenant string) *int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	c, ok := g.tenantUsage[tenant]
	if !ok {
		var zero int64
		c = &zero
		g.tenantUsage[tenant] = c
	}
	return c
}

// Acquire blocks up to deadline for a permit covering one call to provider
// on behalf of tenant estimated to consume tokensEstimate tokens. It
// returns:
//   - (*Permit, nil) on success
//   - (nil, corekit.ErrGovernorDenied-classified, KindPermanent) if
//     tokensEstimate alone exceeds the provider's tpm limit
//   - (nil, corekit.ErrBudgetExceeded-classified, KindBudgetExceeded) if
//     the tenant's budget cannot cover tokensEstimate
//   - (nil, corekit.ErrGovernorBusy-classified, KindTransient) if no permit
//     became available before deadline passed
//   - (nil, KindCancellation-classified ctx.Err()) if ctx was cancelled
//     first
func (g *Governor) Acquire(ctx context.Context, provider, tenant string, tokensEstimate int, deadline time.Time) (*Permit, error) {
	log := g.logger.WithComponent("governor")

	limits := g.providerLimits(provider)
	if limits.TPMLimit > 0 && int64(tokensEstimate) > limits.TPMLimit {
		return nil, corekit.NewClassifiedError("governor.acquire", corekit.KindPermanent, provider,
			fmt.Errorf("%w: estimate %d exceeds tpm limit %d", corekit.ErrGovernorDenied, tokensEstimate, limits.TPMLimit))
	}

	if budget, ok := g.tenantBudgets[tenant]; ok {
		used := atomic.LoadInt64(g.usageCounter(tenant))
		if used+int64(tokensEstimate) > budget {
			return nil, corekit.NewClassifiedError("governor.acquire", corekit.KindBudgetExceeded, tenant,
				fmt.Errorf("%w: tenant %s used %d of %d", corekit.ErrBudgetExceeded, tenant, used, budget))
		}
	}

	sched := g.schedulerFor(provider)
	w := &waiter{
		tenant:         tenant,
		tokensEstimate: tokensEstimate,
		deadline:       deadline,
		ctx:            ctx,
		result:         make(chan acquireResult, 1),
	}
	sched.enqueue(w)

	select {
	case res := <-w.result:
		if !res.granted {
			log.Debug("governor: acquire timed out", map[string]interface{}{
				"provider": provider, "tenant": tenant,
			})
			return nil, corekit.NewClassifiedError("governor.acquire", corekit.KindTransient, provider, corekit.ErrGovernorBusy)
		}
		atomic.AddInt64(g.usageCounter(tenant), int64(tokensEstimate))
		return &Permit{
			provider:       provider,
			tenant:         tenant,
			tokensEstimate: tokensEstimate,
			acquiredAt:     time.Now(),
		}, nil
	case <-ctx.Done():
		return nil, corekit.NewClassifiedError("governor.acquire", corekit.KindCancellation, provider, ctx.Err())
	}
}

// Release returns permit's slot to its provider's scheduler and reconciles
// the tpm window and tenant usage counter with the tokens actually
// consumed.
func (g *Governor) Release(permit *Permit, actualTokens int) {
	if permit == nil || !permit.released.CompareAndSwap(false, true) {
		return
	}
	sched := g.schedulerFor(permit.provider)
	sched.release(permit.tenant, permit.tokensEstimate, actualTokens)

	if delta := int64(actualTokens - permit.tokensEstimate); delta != 0 {
		atomic.AddInt64(g.usageCounter(permit.tenant), delta)
	}
}

// ReportThrottle notifies the governor that provider returned a throttle
// (HTTP 429 or equivalent) signal, triggering the multiplicative rps
// decrease described in spec §4.1.
func (g *Governor) ReportThrottle(provider string) {
	g.schedulerFor(provider).reportThrottled()
}

func (g *Governor) providerLimits(provider string) ProviderLimits {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if l, ok := g.limits[provider]; ok {
		return l
	}
	return defaultProviderLimits()
}

// Stats returns a snapshot of every provider scheduler that has been
// touched so far.
func (g *Governor) Stats() []SchedulerStats {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]SchedulerStats, 0, len(g.schedulers))
	for _, s := range g.schedulers {
		out = append(out, s.stats())
	}
	return out
}

// Close stops every provider's dispatch goroutine. Pending Acquire calls
// will time out against their own deadline/ctx rather than being woken.
func (g *Governor) Close() {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, s := range g.schedulers {
		s.close()
	}
}

type noopComponentLogger struct{ corekit.NoOpLogger }

func (noopComponentLogger) WithComponent(string) corekit.Logger { return corekit.NoOpLogger{} }
