package breaker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capsulecraft/orchestrator/pkg/corekit"
)

func TestCircuitOpensAfterConsecutiveFailures(t *testing.T) {
	cfg := DefaultConfig("test")
	cfg.FailureThreshold = 5
	cfg.RecoveryTimeout = 50 * time.Millisecond
	cb := New(cfg)

	assert.Equal(t, StateClosed, cb.State())

	for i := 0; i < 4; i++ {
		err := cb.Execute(context.Background(), func(ctx context.Context) error {
			return corekit.NewClassifiedError("op", corekit.KindTransient, "x", corekit.ErrGovernorBusy)
		})
		require.Error(t, err)
		assert.Equal(t, StateClosed, cb.State())
	}

	err := cb.Execute(context.Background(), func(ctx context.Context) error {
		return corekit.NewClassifiedError("op", corekit.KindTransient, "x", corekit.ErrGovernorBusy)
	})
	require.Error(t, err)
	assert.Equal(t, StateOpen, cb.State())

	err = cb.Execute(context.Background(), func(ctx context.Context) error { return nil })
	require.Error(t, err)
	assert.ErrorIs(t, err, corekit.ErrCircuitOpen)
}

func TestConsecutiveFailuresResetOnSuccess(t *testing.T) {
	cfg := DefaultConfig("test")
	cfg.FailureThreshold = 3
	cb := New(cfg)

	for i := 0; i < 2; i++ {
		_ = cb.Execute(context.Background(), func(ctx context.Context) error {
			return corekit.NewClassifiedError("op", corekit.KindTransient, "x", corekit.ErrGovernorBusy)
		})
	}
	require.Equal(t, StateClosed, cb.State())

	_ = cb.Execute(context.Background(), func(ctx context.Context) error { return nil })

	for i := 0; i < 2; i++ {
		_ = cb.Execute(context.Background(), func(ctx context.Context) error {
			return corekit.NewClassifiedError("op", corekit.KindTransient, "x", corekit.ErrGovernorBusy)
		})
	}
	assert.Equal(t, StateClosed, cb.State(), "a success should reset the consecutive-failure count")
}

func TestPermanentErrorsDoNotTripBreaker(t *testing.T) {
	cfg := DefaultConfig("test")
	cfg.FailureThreshold = 2
	cb := New(cfg)

	for i := 0; i < 10; i++ {
		_ = cb.Execute(context.Background(), func(ctx context.Context) error {
			return corekit.NewClassifiedError("op", corekit.KindPermanent, "x", corekit.ErrPolicyViolation)
		})
	}

	assert.Equal(t, StateClosed, cb.State())
}

func TestHalfOpenAllowsExactlyOneProbeAndClosesOnSuccess(t *testing.T) {
	cfg := DefaultConfig("test")
	cfg.FailureThreshold = 2
	cfg.RecoveryTimeout = 20 * time.Millisecond
	cb := New(cfg)

	for i := 0; i < 2; i++ {
		_ = cb.Execute(context.Background(), func(ctx context.Context) error {
			return corekit.NewClassifiedError("op", corekit.KindTransient, "x", corekit.ErrGovernorBusy)
		})
	}
	require.Equal(t, StateOpen, cb.State())

	time.Sleep(30 * time.Millisecond)

	err := cb.Execute(context.Background(), func(ctx context.Context) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, StateClosed, cb.State())
}

func TestHalfOpenReopensOnProbeFailure(t *testing.T) {
	cfg := DefaultConfig("test")
	cfg.FailureThreshold = 2
	cfg.RecoveryTimeout = 20 * time.Millisecond
	cb := New(cfg)

	for i := 0; i < 2; i++ {
		_ = cb.Execute(context.Background(), func(ctx context.Context) error {
			return corekit.NewClassifiedError("op", corekit.KindTransient, "x", corekit.ErrGovernorBusy)
		})
	}
	require.Equal(t, StateOpen, cb.State())

	time.Sleep(30 * time.Millisecond)

	err := cb.Execute(context.Background(), func(ctx context.Context) error {
		return corekit.NewClassifiedError("op", corekit.KindTransient, "x", corekit.ErrGovernorBusy)
	})
	require.Error(t, err)
	assert.Equal(t, StateOpen, cb.State())
}

func TestSetLazilyCreatesPerCollaboratorBreakers(t *testing.T) {
	set := NewSet(Config{}, nil, nil)

	a := set.For("llm:anthropic")
	b := set.For("llm:bedrock")
	again := set.For("llm:anthropic")

	assert.Same(t, a, again)
	assert.NotSame(t, a, b)
	assert.Len(t, set.Stats(), 2)
}
