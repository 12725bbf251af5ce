package benchmark

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sleepyProbe struct{}

func (sleepyProbe) Name() string { return "sleepy" }

func (sleepyProbe) Run(ctx context.Context) (ProbeResult, error) {
	select {
	case <-ctx.Done():
		return ProbeResult{}, ctx.Err()
	case <-time.After(5 * time.Second):
		return ProbeResult{Passed: true}, nil
	}
}

func TestRunIsolatedTimeout(t *testing.T) {
	_, err := runIsolated(context.Background(), sleepyProbe{}, 20*time.Millisecond)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRunIsolatedRecoversPanic(t *testing.T) {
	_, err := runIsolated(context.Background(), &stubProbe{name: "boom", panics: true}, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic")
}

func TestRunBatteryNamespacesMetrics(t *testing.T) {
	outcomes, metrics := runBattery(context.Background(), []Probe{
		&stubProbe{name: "alpha", metrics: map[string]float64{"x": 1}},
		&stubProbe{name: "beta", metrics: map[string]float64{"x": 2}},
	}, time.Second)

	require.Len(t, outcomes, 2)
	assert.Equal(t, "alpha", outcomes[0].Name)
	assert.Equal(t, "beta", outcomes[1].Name)
	assert.Equal(t, 1.0, metrics["alpha.x"])
	assert.Equal(t, 2.0, metrics["beta.x"])
	assert.Contains(t, metrics, "alpha.duration_ms")
}

func TestLivenessProbe(t *testing.T) {
	p := &LivenessProbe{}
	result, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Passed)

	p.Check = func(context.Context) error { return errors.New("degraded") }
	_, err = p.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "degraded")
}

func TestExecutionPathProbe(t *testing.T) {
	called := false
	p := &ExecutionPathProbe{Dispatch: func(context.Context) error {
		called = true
		return nil
	}}
	result, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, called)
	assert.True(t, result.Passed)
	assert.Contains(t, result.Metrics, "dispatch_ms")
}

func TestLatencyUnderLoadProbeGate(t *testing.T) {
	p := &LatencyUnderLoadProbe{
		Op:        func(context.Context) error { time.Sleep(2 * time.Millisecond); return nil },
		Requests:  5,
		PerSecond: 1000,
		MaxP95MS:  0.001, // impossibly tight ceiling
	}
	result, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.False(t, result.Passed)
	assert.Greater(t, result.Metrics["p95_ms"], 0.0)
}

func TestLatencyUnderLoadProbeNoGate(t *testing.T) {
	p := &LatencyUnderLoadProbe{
		Op:        func(context.Context) error { return nil },
		Requests:  5,
		PerSecond: 1000,
	}
	result, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Passed)
}

func TestConcurrencyProbe(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	p := &ConcurrencyProbe{
		Op: func(context.Context) error {
			mu.Lock()
			calls++
			mu.Unlock()
			return nil
		},
		Tasks: 8,
	}
	result, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Passed)
	assert.Equal(t, 8, calls)
	assert.Equal(t, 8.0, result.Metrics["tasks"])
}

func TestPercentile(t *testing.T) {
	values := []float64{5, 1, 3, 2, 4}
	// idx = int(q * (n-1)) truncates, so 0.95 over five samples lands on
	// the fourth sorted value.
	assert.Equal(t, 4.0, percentile(values, 0.95))
	assert.Equal(t, 3.0, percentile(values, 0.5))
	assert.Equal(t, 0.0, percentile(nil, 0.95))
	// Input must not be reordered.
	assert.Equal(t, []float64{5, 1, 3, 2, 4}, values)
}

func TestMeanOf(t *testing.T) {
	assert.Equal(t, 2.0, meanOf([]float64{1, 2, 3}))
	assert.Equal(t, 0.0, meanOf(nil))
}
