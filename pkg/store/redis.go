package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisStore is the default Store implementation, following the teacher's
// own Redis task/execution stores: a plain client, a configurable key
// prefix, and JSON-encoded values.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
}

// RedisConfig configures a RedisStore.
type RedisConfig struct {
	URL       string
	KeyPrefix string        // default "orchestrator"
	TTL       time.Duration // default 0 (no expiry) — capsules and history are retained indefinitely unless set
}

// NewRedisStore connects to Redis and verifies connectivity with Ping,
// the same startup check the teacher's stores perform.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid Redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "orchestrator"
	}
	return &RedisStore{client: client, keyPrefix: prefix, ttl: cfg.TTL}, nil
}

func (s *RedisStore) blobKey(kind Kind, id string) string {
	return fmt.Sprintf("%s:%s:%s", s.keyPrefix, kind, id)
}

func (s *RedisStore) historyKey(workflowID string) string {
	return fmt.Sprintf("%s:history:%s", s.keyPrefix, workflowID)
}

func (s *RedisStore) Put(ctx context.Context, kind Kind, id string, data []byte) error {
	if err := s.client.Set(ctx, s.blobKey(kind, id), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("store: put %s/%s: %w", kind, id, err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, kind Kind, id string) ([]byte, error) {
	data, err := s.client.Get(ctx, s.blobKey(kind, id)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get %s/%s: %w", kind, id, err)
	}
	return data, nil
}

// AppendEvent pushes event onto the workflow's history list, assigning it
// the next sequence number via the list's new length so Seq is a stable,
// gap-free ordinal even under concurrent appends (RPUSH's return value is
// atomic per Redis's single-threaded command execution).
func (s *RedisStore) AppendEvent(ctx context.Context, workflowID string, event Event) error {
	event.WorkflowID = workflowID
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	length, err := s.client.RPush(ctx, s.historyKey(workflowID), "").Result()
	if err != nil {
		return fmt.Errorf("store: append_event reserve seq: %w", err)
	}
	event.Seq = length

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("store: append_event encode: %w", err)
	}
	if err := s.client.LSet(ctx, s.historyKey(workflowID), length-1, data).Err(); err != nil {
		return fmt.Errorf("store: append_event write: %w", err)
	}
	return nil
}

func (s *RedisStore) LoadHistory(ctx context.Context, workflowID string) ([]Event, error) {
	raw, err := s.client.LRange(ctx, s.historyKey(workflowID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("store: load_history %s: %w", workflowID, err)
	}
	events := make([]Event, 0, len(raw))
	for _, item := range raw {
		var e Event
		if jsonErr := json.Unmarshal([]byte(item), &e); jsonErr == nil {
			events = append(events, e)
		}
	}
	return events, nil
}

func (s *RedisStore) Close() error { return s.client.Close() }
