package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// maxRecordsPerNamespace caps how many past records search() scans,
// trading long-tail recall for a bounded Redis list and predictable
// latency under the precheck stage's budget.
const maxRecordsPerNamespace = 500

type record struct {
	RequestID string   `json:"request_id"`
	Text      string   `json:"text"`
	Succeeded bool     `json:"succeeded"`
	TaskKinds []string `json:"task_kinds"`
	Tokens    []string `json:"tokens"`
}

// RedisStore implements Store over Redis, the same client and namespaced-
// key convention as the teacher's RedisMemory, generalized from a plain
// key/value cache to an append-only record list that search() scans with
// token-overlap scoring.
type RedisStore struct {
	client    *redis.Client
	namespace string
}

// NewRedisStore creates a new Redis-backed MemoryStore.
func NewRedisStore(redisURL, namespace string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid Redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	if namespace == "" {
		namespace = "memory"
	}
	return &RedisStore{client: client, namespace: namespace}, nil
}

func (r *RedisStore) key() string {
	return r.namespace + ":records"
}

// Record appends requestText+outcome to the namespace's record list,
// trimming to maxRecordsPerNamespace so search() stays bounded.
func (r *RedisStore) Record(ctx context.Context, requestText string, outcome Outcome) error {
	rec := record{
		RequestID: outcome.RequestID,
		Text:      requestText,
		Succeeded: outcome.Succeeded,
		TaskKinds: outcome.TaskKinds,
		Tokens:    tokenize(requestText),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to serialize record: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.LPush(ctx, r.key(), data)
	pipe.LTrim(ctx, r.key(), 0, maxRecordsPerNamespace-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to record outcome: %w", err)
	}
	return nil
}

// Search scans the namespace's records and returns the top-k by token
// overlap with query. It is best-effort: a Redis error or an empty
// namespace both legally return (nil, nil).
func (r *RedisStore) Search(ctx context.Context, query string, k int) ([]Match, error) {
	raw, err := r.client.LRange(ctx, r.key(), 0, maxRecordsPerNamespace-1).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, nil
	}

	records := make([]record, 0, len(raw))
	for _, item := range raw {
		var rec record
		if json.Unmarshal([]byte(item), &rec) == nil {
			records = append(records, rec)
		}
	}
	return rankMatches(records, query, k), nil
}

func (r *RedisStore) Close() error { return r.client.Close() }

// InMemoryStore is a Store implementation backed by a process-local slice,
// for tests and single-process deployments with no Redis available.
type InMemoryStore struct {
	mu      sync.RWMutex
	records []record
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{}
}

func (m *InMemoryStore) Record(ctx context.Context, requestText string, outcome Outcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, record{
		RequestID: outcome.RequestID,
		Text:      requestText,
		Succeeded: outcome.Succeeded,
		TaskKinds: outcome.TaskKinds,
		Tokens:    tokenize(requestText),
	})
	if len(m.records) > maxRecordsPerNamespace {
		m.records = m.records[len(m.records)-maxRecordsPerNamespace:]
	}
	return nil
}

func (m *InMemoryStore) Search(ctx context.Context, query string, k int) ([]Match, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return rankMatches(m.records, query, k), nil
}

// tokenize lowercases and splits on non-alphanumeric runs, the simplest
// stable basis for a Jaccard-overlap similarity score.
func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
	seen := make(map[string]bool, len(fields))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if f == "" || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	return out
}

func jaccard(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	set := make(map[string]bool, len(a))
	for _, t := range a {
		set[t] = true
	}
	intersection := 0
	for _, t := range b {
		if set[t] {
			intersection++
		}
	}
	union := len(set)
	for _, t := range b {
		if !set[t] {
			union++
		}
	}
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

// rankMatches scores every succeeded record against query and returns the
// top-k with a non-zero score, favoring templates that actually succeeded
// when a request only roughly matches several past ones.
func rankMatches(records []record, query string, k int) []Match {
	if k <= 0 {
		k = 5
	}
	queryTokens := tokenize(query)

	matches := make([]Match, 0, len(records))
	for _, rec := range records {
		if !rec.Succeeded {
			continue
		}
		score := jaccard(queryTokens, rec.Tokens)
		if score <= 0 {
			continue
		}
		matches = append(matches, Match{
			Template: TaskGraphTemplate{
				RequestID: rec.RequestID,
				Summary:   rec.Text,
				TaskKinds: rec.TaskKinds,
			},
			Score: score,
		})
	}

	sort.Slice(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches
}
