package governor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capsulecraft/orchestrator/pkg/corekit"
)

func testConfig() Config {
	return Config{
		Providers: map[string]ProviderLimits{
			"llm:anthropic": {
				ConcurrencyLimit: 2,
				RPSLimit:         100,
				RPSFloor:         1,
				Gamma:            0.5,
				TPMLimit:         100000,
			},
		},
		TenantBudgets: map[string]int64{
			"tenant-a": 1000,
		},
	}
}

func TestAcquireReleaseRoundTrip(t *testing.T) {
	g := NewGovernor(testConfig())
	defer g.Close()

	permit, err := g.Acquire(context.Background(), "llm:anthropic", "tenant-a", 100, time.Now().Add(time.Second))
	require.NoError(t, err)
	require.NotNil(t, permit)

	g.Release(permit, 90)

	stats := g.Stats()
	require.Len(t, stats, 1)
	assert.Equal(t, 0, stats[0].InUse)
}

func TestAcquireDeniedWhenEstimateExceedsTPM(t *testing.T) {
	g := NewGovernor(testConfig())
	defer g.Close()

	_, err := g.Acquire(context.Background(), "llm:anthropic", "tenant-a", 1_000_000, time.Now().Add(time.Second))
	require.Error(t, err)
	assert.ErrorIs(t, err, corekit.ErrGovernorDenied)
	assert.True(t, corekit.IsPermanent(err))
}

func TestAcquireDeniedWhenBudgetExhausted(t *testing.T) {
	g := NewGovernor(testConfig())
	defer g.Close()

	permit, err := g.Acquire(context.Background(), "llm:anthropic", "tenant-a", 900, time.Now().Add(time.Second))
	require.NoError(t, err)
	g.Release(permit, 900)

	_, err = g.Acquire(context.Background(), "llm:anthropic", "tenant-a", 200, time.Now().Add(time.Second))
	require.Error(t, err)
	assert.ErrorIs(t, err, corekit.ErrBudgetExceeded)
	assert.True(t, corekit.IsBudgetExceeded(err))
}

func TestAcquireBusyWhenConcurrencyExhausted(t *testing.T) {
	cfg := Config{
		Providers: map[string]ProviderLimits{
			"sandbox": {
				ConcurrencyLimit: 1,
				RPSLimit:         100,
				RPSFloor:         1,
				Gamma:            0.5,
				TPMLimit:         0,
			},
		},
	}
	g := NewGovernor(cfg)
	defer g.Close()

	held, err := g.Acquire(context.Background(), "sandbox", "tenant-a", 0, time.Now().Add(time.Second))
	require.NoError(t, err)

	_, err = g.Acquire(context.Background(), "sandbox", "tenant-b", 0, time.Now().Add(150*time.Millisecond))
	require.Error(t, err)
	assert.ErrorIs(t, err, corekit.ErrGovernorBusy)
	assert.True(t, corekit.IsTransient(err))

	g.Release(held, 0)
}

func TestAcquireRespectsContextCancellation(t *testing.T) {
	cfg := Config{
		Providers: map[string]ProviderLimits{
			"sandbox": {ConcurrencyLimit: 1, RPSLimit: 10, RPSFloor: 1, Gamma: 0.5},
		},
	}
	g := NewGovernor(cfg)
	defer g.Close()

	held, err := g.Acquire(context.Background(), "sandbox", "tenant-a", 0, time.Now().Add(time.Second))
	require.NoError(t, err)
	defer g.Release(held, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = g.Acquire(ctx, "sandbox", "tenant-b", 0, time.Now().Add(5*time.Second))
	require.Error(t, err)
	assert.True(t, corekit.IsCancellation(err))
}

func TestFairnessAcrossTenants(t *testing.T) {
	cfg := Config{
		Providers: map[string]ProviderLimits{
			"llm:anthropic": {ConcurrencyLimit: 1, RPSLimit: 1000, RPSFloor: 1, Gamma: 0.5, TPMLimit: 1_000_000},
		},
	}
	g := NewGovernor(cfg)
	defer g.Close()

	served := make(chan string, 20)
	done := make(chan struct{})

	for _, tenant := range []string{"t1", "t2", "t3"} {
		tenant := tenant
		go func() {
			for i := 0; i < 3; i++ {
				p, err := g.Acquire(context.Background(), "llm:anthropic", tenant, 1, time.Now().Add(2*time.Second))
				if err != nil {
					continue
				}
				served <- tenant
				g.Release(p, 1)
			}
		}()
	}
	go func() {
		counts := map[string]int{}
		for i := 0; i < 9; i++ {
			counts[<-served]++
		}
		close(done)
		_ = counts
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for all tenants to be served")
	}
}

func TestReportThrottleReducesEffectiveRPS(t *testing.T) {
	g := NewGovernor(testConfig())
	defer g.Close()

	permit, err := g.Acquire(context.Background(), "llm:anthropic", "tenant-a", 1, time.Now().Add(time.Second))
	require.NoError(t, err)
	g.Release(permit, 1)

	before := g.Stats()[0].EffectiveRPS
	g.ReportThrottle("llm:anthropic")
	after := g.Stats()[0].EffectiveRPS

	assert.Less(t, after, before)
}
