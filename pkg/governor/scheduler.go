package governor

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// waiter is one pending Acquire() call queued for a (provider, tenant) pair.
type waiter struct {
	tenant         string
	tokensEstimate int
	deadline       time.Time
	ctx            context.Context
	result         chan acquireResult
}

type acquireResult struct {
	granted bool
	denied  bool
	reason  string
}

// tenantQueue is the FIFO of waiters for a single tenant on a single
// provider, plus the running count of slots currently held by that tenant
// (used only to keep the tenant's queue registered while it holds slots).
type tenantQueue struct {
	waiters *list.List // of *waiter
	inFlight int
}

// providerScheduler owns the fairness and admission state for one provider:
// a bounded concurrency pool, an rps token bucket, a tpm sliding-sum window,
// and a round-robin dispatcher across the tenants currently queued.
// Tenants carry no weights: each is served at most once per round. FIFO
// is preserved within a tenant's own queue; fairness across
// tenants comes from the round-robin scan order, which advances past a
// tenant as soon as it has been served once, so no single tenant can
// monopolize the provider's concurrency slots.
type providerScheduler struct {
	mu sync.Mutex

	provider string
	limits   ProviderLimits

	inUse int
	rps   *tokenBucket
	tpm   *slidingSum

	tenants  map[string]*tenantQueue
	rrOrder  []string // tenants with at least one open queue, insertion order
	rrCursor int

	wake chan struct{}
	done chan struct{}
}

func newProviderScheduler(provider string, limits ProviderLimits) *providerScheduler {
	s := &providerScheduler{
		provider: provider,
		limits:   limits,
		rps:      newTokenBucket(limits.RPSLimit, limits.RPSFloor, limits.Gamma),
		tpm:      newSlidingSum(time.Minute, 12),
		tenants:  make(map[string]*tenantQueue),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	go s.dispatchLoop()
	return s
}

func (s *providerScheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *providerScheduler) close() {
	close(s.done)
}

// enqueue appends w to tenant's queue, registering the tenant in the
// round-robin order if this is its first pending waiter.
func (s *providerScheduler) enqueue(w *waiter) {
	s.mu.Lock()
	tq, ok := s.tenants[w.tenant]
	if !ok {
		tq = &tenantQueue{waiters: list.New()}
		s.tenants[w.tenant] = tq
		s.rrOrder = append(s.rrOrder, w.tenant)
	}
	tq.waiters.PushBack(w)
	s.mu.Unlock()
	s.signal()
}

// dispatchLoop periodically scans tenants in round-robin order, granting
// the head waiter of whichever queued tenant next passes admission: a free
// concurrency slot, an rps token, and tpm headroom. It wakes on enqueue(),
// release(), and a fallback ticker so expired deadlines get cleaned up even
// with no new arrivals.
func (s *providerScheduler) dispatchLoop() {
	ticker := time.NewTicker(25 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		case <-ticker.C:
		}
		s.dispatchOnce()
	}
}

func (s *providerScheduler) dispatchOnce() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	limit := s.limits.ConcurrencyLimit
	if limit <= 0 {
		limit = 1
	}

	scanned := 0
	for n := len(s.rrOrder); n > 0 && scanned < n; scanned++ {
		if len(s.rrOrder) == 0 {
			break
		}
		s.rrCursor %= len(s.rrOrder)
		tenant := s.rrOrder[s.rrCursor]
		tq := s.tenants[tenant]

		front := tq.waiters.Front()
		if front == nil {
			s.removeTenantLocked(tenant)
			n = len(s.rrOrder)
			continue
		}
		w := front.Value.(*waiter)

		if expired(w, now) {
			tq.waiters.Remove(front)
			w.result <- acquireResult{granted: false, reason: "deadline exceeded"}
			s.drainIfEmptyLocked(tenant, tq)
			continue
		}

		if s.inUse >= limit {
			s.advanceCursorLocked()
			continue
		}
		if s.limits.TPMLimit > 0 && s.tpm.Sum()+uint64(w.tokensEstimate) > uint64(s.limits.TPMLimit) {
			s.advanceCursorLocked()
			continue
		}
		if !s.rps.TryTake() {
			s.advanceCursorLocked()
			continue
		}

		tq.waiters.Remove(front)
		tq.inFlight++
		s.inUse++
		s.tpm.Add(uint64(w.tokensEstimate))
		w.result <- acquireResult{granted: true}
		s.drainIfEmptyLocked(tenant, tq)
		s.advanceCursorLocked()
	}
}

func expired(w *waiter, now time.Time) bool {
	if w.ctx != nil && w.ctx.Err() != nil {
		return true
	}
	return !w.deadline.IsZero() && now.After(w.deadline)
}

func (s *providerScheduler) advanceCursorLocked() {
	if len(s.rrOrder) > 0 {
		s.rrCursor = (s.rrCursor + 1) % len(s.rrOrder)
	}
}

func (s *providerScheduler) drainIfEmptyLocked(tenant string, tq *tenantQueue) {
	if tq.waiters.Len() == 0 && tq.inFlight == 0 {
		s.removeTenantLocked(tenant)
	}
}

func (s *providerScheduler) removeTenantLocked(tenant string) {
	for i, t := range s.rrOrder {
		if t == tenant {
			s.rrOrder = append(s.rrOrder[:i], s.rrOrder[i+1:]...)
			if tq := s.tenants[tenant]; tq != nil && tq.waiters.Len() == 0 && tq.inFlight == 0 {
				delete(s.tenants, tenant)
			}
			if s.rrCursor > i {
				s.rrCursor--
			}
			return
		}
	}
}

// release returns a slot to the pool and records actual token usage,
// reconciling it against the estimate already added to the tpm window.
func (s *providerScheduler) release(tenant string, tokensEstimate, tokensActual int) {
	s.mu.Lock()
	if s.inUse > 0 {
		s.inUse--
	}
	if tq, ok := s.tenants[tenant]; ok && tq.inFlight > 0 {
		tq.inFlight--
		s.drainIfEmptyLocked(tenant, tq)
	}
	if delta := tokensActual - tokensEstimate; delta > 0 {
		s.tpm.Add(uint64(delta))
	}
	s.mu.Unlock()
	s.rps.Recovered()
	s.signal()
}

func (s *providerScheduler) reportThrottled() {
	s.rps.Throttled()
}

func (s *providerScheduler) stats() SchedulerStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	pending := 0
	for _, tq := range s.tenants {
		pending += tq.waiters.Len()
	}
	return SchedulerStats{
		Provider:     s.provider,
		InUse:        s.inUse,
		PendingCount: pending,
		EffectiveRPS: s.rps.EffectiveRPS(),
		TPMUsed:      s.tpm.Sum(),
	}
}

// SchedulerStats is a point-in-time snapshot of one provider's admission
// state, exposed for the HTTP status surface and tests.
type SchedulerStats struct {
	Provider     string
	InUse        int
	PendingCount int
	EffectiveRPS float64
	TPMUsed      uint64
}
