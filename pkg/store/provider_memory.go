package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// InMemoryStorageProvider backs ExecutionStore in tests; it ignores TTL
// expiry entirely since tests run well within any sane retention window.
type InMemoryStorageProvider struct {
	mu     sync.Mutex
	values map[string]string
	index  map[string]map[string]float64
}

func NewInMemoryStorageProvider() *InMemoryStorageProvider {
	return &InMemoryStorageProvider{
		values: make(map[string]string),
		index:  make(map[string]map[string]float64),
	}
}

func (p *InMemoryStorageProvider) Get(_ context.Context, key string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.values[key], nil
}

func (p *InMemoryStorageProvider) Set(_ context.Context, key, value string, _ time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.values[key] = value
	return nil
}

func (p *InMemoryStorageProvider) AddToIndex(_ context.Context, key string, score float64, member string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.index[key] == nil {
		p.index[key] = make(map[string]float64)
	}
	p.index[key][member] = score
	return nil
}

func (p *InMemoryStorageProvider) ListByScoreDesc(_ context.Context, key string, offset, count int64) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	members := p.index[key]
	type scored struct {
		member string
		score  float64
	}
	all := make([]scored, 0, len(members))
	for m, s := range members {
		all = append(all, scored{m, s})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].score > all[j].score })

	if offset >= int64(len(all)) {
		return nil, nil
	}
	end := offset + count
	if end > int64(len(all)) || count <= 0 {
		end = int64(len(all))
	}
	out := make([]string, 0, end-offset)
	for _, s := range all[offset:end] {
		out = append(out, s.member)
	}
	return out, nil
}

func (p *InMemoryStorageProvider) RemoveFromIndex(_ context.Context, key string, members ...string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range members {
		delete(p.index[key], m)
	}
	return nil
}
