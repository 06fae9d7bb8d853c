package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// ExecutionStore is a separate, optional collaborator from Store: it keeps
// a denormalized copy of each workflow's plan + outcome for debugging and
// DAG visualization (spec §6's "fetch workflow trace" surface), indexed by
// both request id and distributed trace id. It is disabled by default —
// workflows run correctly without it — and every write is best-effort: a
// failure here must never fail the workflow it is describing.
type ExecutionStore interface {
	Store(ctx context.Context, execution *StoredExecution) error
	Get(ctx context.Context, workflowID string) (*StoredExecution, error)
	GetByTraceID(ctx context.Context, traceID string) (*StoredExecution, error)
	SetMetadata(ctx context.Context, workflowID string, key, value string) error
	ExtendTTL(ctx context.Context, workflowID string, d time.Duration) error
	ListRecent(ctx context.Context, limit int) ([]ExecutionSummary, error)
}

// StoredExecution is everything needed to redraw a workflow's task DAG and
// the outcome of each node without re-reading the full event history.
type StoredExecution struct {
	WorkflowID      string              `json:"workflow_id"`
	TraceID         string              `json:"trace_id,omitempty"`
	OriginalRequest string              `json:"original_request"`
	TaskIDs         []string            `json:"task_ids"`
	DependsOn       map[string][]string `json:"depends_on"`
	TaskStatuses    map[string]string   `json:"task_statuses"`
	Success         bool                `json:"success"`
	Interrupted     bool                `json:"interrupted,omitempty"`
	CreatedAt       time.Time           `json:"created_at"`
	Metadata        map[string]string   `json:"metadata,omitempty"`
}

// ExecutionSummary is the lightweight projection ListRecent returns, so a
// status dashboard isn't forced to load every task id / dependency edge.
type ExecutionSummary struct {
	WorkflowID      string    `json:"workflow_id"`
	TraceID         string    `json:"trace_id,omitempty"`
	OriginalRequest string    `json:"original_request"`
	Success         bool      `json:"success"`
	Interrupted     bool      `json:"interrupted,omitempty"`
	TaskCount       int       `json:"task_count"`
	FailedTasks     int       `json:"failed_tasks"`
	CreatedAt       time.Time `json:"created_at"`
}

// StorageProvider is the narrow key/value + sorted-index primitive
// ExecutionStore is built on, so a Redis-backed provider and a fake one for
// tests can share the same higher-level logic.
type StorageProvider interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	AddToIndex(ctx context.Context, key string, score float64, member string) error
	ListByScoreDesc(ctx context.Context, key string, offset, count int64) ([]string, error)
	RemoveFromIndex(ctx context.Context, key string, members ...string) error
}

// ExecutionStoreConfig tunes retention. Zero value is usable: TTLs default
// to sensible durations and the key prefix to "orchestrator:execution".
type ExecutionStoreConfig struct {
	TTL       time.Duration
	FailedTTL time.Duration
	KeyPrefix string
}

func (c ExecutionStoreConfig) withDefaults() ExecutionStoreConfig {
	if c.TTL == 0 {
		c.TTL = 24 * time.Hour
	}
	if c.FailedTTL == 0 {
		c.FailedTTL = 7 * 24 * time.Hour
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = "orchestrator:execution"
	}
	return c
}

type providerExecutionStore struct {
	provider StorageProvider
	cfg      ExecutionStoreConfig
}

// NewExecutionStore builds an ExecutionStore over any StorageProvider.
func NewExecutionStore(provider StorageProvider, cfg ExecutionStoreConfig) ExecutionStore {
	return &providerExecutionStore{provider: provider, cfg: cfg.withDefaults()}
}

func (s *providerExecutionStore) recordKey(workflowID string) string {
	return s.cfg.KeyPrefix + ":" + workflowID
}

func (s *providerExecutionStore) indexKey() string {
	return s.cfg.KeyPrefix + ":index"
}

func (s *providerExecutionStore) traceKey(traceID string) string {
	return s.cfg.KeyPrefix + ":trace:" + traceID
}

func (s *providerExecutionStore) ttlFor(success bool) time.Duration {
	if success {
		return s.cfg.TTL
	}
	return s.cfg.FailedTTL
}

func (s *providerExecutionStore) Store(ctx context.Context, execution *StoredExecution) error {
	if execution == nil || execution.WorkflowID == "" {
		return fmt.Errorf("store: execution and workflow_id are required")
	}
	data, err := json.Marshal(execution)
	if err != nil {
		return fmt.Errorf("store: marshal execution: %w", err)
	}
	ttl := s.ttlFor(execution.Success)
	if err := s.provider.Set(ctx, s.recordKey(execution.WorkflowID), string(data), ttl); err != nil {
		return fmt.Errorf("store: persist execution: %w", err)
	}
	_ = s.provider.AddToIndex(ctx, s.indexKey(), float64(execution.CreatedAt.UnixNano()), execution.WorkflowID)
	if execution.TraceID != "" {
		_ = s.provider.Set(ctx, s.traceKey(execution.TraceID), execution.WorkflowID, ttl)
	}
	return nil
}

func (s *providerExecutionStore) Get(ctx context.Context, workflowID string) (*StoredExecution, error) {
	data, err := s.provider.Get(ctx, s.recordKey(workflowID))
	if err != nil {
		return nil, fmt.Errorf("store: get execution: %w", err)
	}
	if data == "" {
		return nil, ErrNotFound
	}
	var execution StoredExecution
	if err := json.Unmarshal([]byte(data), &execution); err != nil {
		return nil, fmt.Errorf("store: unmarshal execution: %w", err)
	}
	return &execution, nil
}

func (s *providerExecutionStore) GetByTraceID(ctx context.Context, traceID string) (*StoredExecution, error) {
	workflowID, err := s.provider.Get(ctx, s.traceKey(traceID))
	if err != nil {
		return nil, fmt.Errorf("store: lookup trace: %w", err)
	}
	if workflowID == "" {
		return nil, ErrNotFound
	}
	return s.Get(ctx, workflowID)
}

func (s *providerExecutionStore) SetMetadata(ctx context.Context, workflowID string, key, value string) error {
	execution, err := s.Get(ctx, workflowID)
	if err != nil {
		return err
	}
	if execution.Metadata == nil {
		execution.Metadata = make(map[string]string)
	}
	execution.Metadata[key] = value
	data, err := json.Marshal(execution)
	if err != nil {
		return fmt.Errorf("store: marshal execution: %w", err)
	}
	return s.provider.Set(ctx, s.recordKey(workflowID), string(data), s.ttlFor(execution.Success))
}

func (s *providerExecutionStore) ExtendTTL(ctx context.Context, workflowID string, d time.Duration) error {
	execution, err := s.Get(ctx, workflowID)
	if err != nil {
		return err
	}
	data, err := json.Marshal(execution)
	if err != nil {
		return fmt.Errorf("store: marshal execution: %w", err)
	}
	if err := s.provider.Set(ctx, s.recordKey(workflowID), string(data), d); err != nil {
		return err
	}
	if execution.TraceID != "" {
		_ = s.provider.Set(ctx, s.traceKey(execution.TraceID), workflowID, d)
	}
	return nil
}

func (s *providerExecutionStore) ListRecent(ctx context.Context, limit int) ([]ExecutionSummary, error) {
	const maxLimit = 1000
	if limit <= 0 {
		limit = 50
	} else if limit > maxLimit {
		limit = maxLimit
	}

	workflowIDs, err := s.provider.ListByScoreDesc(ctx, s.indexKey(), 0, int64(limit))
	if err != nil {
		return nil, fmt.Errorf("store: list recent executions: %w", err)
	}

	summaries := make([]ExecutionSummary, 0, len(workflowIDs))
	for _, id := range workflowIDs {
		execution, err := s.Get(ctx, id)
		if err != nil {
			_ = s.provider.RemoveFromIndex(ctx, s.indexKey(), id)
			continue
		}
		summary := ExecutionSummary{
			WorkflowID:      execution.WorkflowID,
			TraceID:         execution.TraceID,
			OriginalRequest: execution.OriginalRequest,
			Success:         execution.Success,
			Interrupted:     execution.Interrupted,
			TaskCount:       len(execution.TaskIDs),
			CreatedAt:       execution.CreatedAt,
		}
		for _, status := range execution.TaskStatuses {
			if status == "failed" {
				summary.FailedTasks++
			}
		}
		summaries = append(summaries, summary)
	}
	return summaries, nil
}
