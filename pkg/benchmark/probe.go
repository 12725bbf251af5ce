package benchmark

import (
	"context"
	"database/sql"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/safeholdhq/safehold/pkg/blob"
	"github.com/safeholdhq/safehold/pkg/contracts"
)

// Probe is one independent check in a benchmark battery. Probes must not
// share mutable state: the harness runs them concurrently and isolates
// their failures from each other.
type Probe interface {
	// Name returns the probe's stable test name, used to namespace its
	// metrics as "{name}.{metric}".
	Name() string
	// Run executes the probe and returns its result. An error (or panic)
	// fails this probe only, never the battery.
	Run(ctx context.Context) (ProbeResult, error)
}

// ProbeResult is a probe's verdict plus any metrics it measured.
type ProbeResult struct {
	Passed  bool
	Detail  string
	Metrics map[string]float64
}

// runBattery executes probes concurrently with fail-soft isolation and
// aggregates outcomes plus namespaced metrics.
func runBattery(ctx context.Context, probes []Probe, timeout time.Duration) ([]contracts.TestOutcome, map[string]float64) {
	outcomes := make([]contracts.TestOutcome, len(probes))
	metrics := map[string]float64{}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for i, probe := range probes {
		g.Go(func() error {
			start := time.Now()
			result, err := runIsolated(gctx, probe, timeout)
			elapsed := time.Since(start)

			outcome := contracts.TestOutcome{
				Name:       probe.Name(),
				Passed:     err == nil && result.Passed,
				DurationMS: float64(elapsed) / float64(time.Millisecond),
				Detail:     result.Detail,
			}
			if err != nil {
				outcome.Error = err.Error()
			}

			mu.Lock()
			outcomes[i] = outcome
			metrics[contracts.MetricKey(probe.Name(), "duration_ms")] = outcome.DurationMS
			for name, value := range result.Metrics {
				metrics[contracts.MetricKey(probe.Name(), name)] = value
			}
			mu.Unlock()
			return nil // probe failures never cross-contaminate
		})
	}
	_ = g.Wait()
	return outcomes, metrics
}

// runIsolated bounds a probe with a timeout and converts panics to errors.
func runIsolated(ctx context.Context, probe Probe, timeout time.Duration) (result ProbeResult, err error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			result = ProbeResult{}
			err = fmt.Errorf("probe panic: %v", r)
		}
	}()
	return probe.Run(ctx)
}

// --- Smoke battery probes ---

// StorePingProbe checks primary store connectivity and round-trip latency.
type StorePingProbe struct {
	DB *sql.DB
}

func (p *StorePingProbe) Name() string { return "store_connectivity" }

func (p *StorePingProbe) Run(ctx context.Context) (ProbeResult, error) {
	start := time.Now()
	if err := p.DB.PingContext(ctx); err != nil {
		return ProbeResult{}, fmt.Errorf("ping failed: %w", err)
	}
	var one int
	if err := p.DB.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return ProbeResult{}, fmt.Errorf("roundtrip failed: %w", err)
	}
	return ProbeResult{
		Passed: true,
		Metrics: map[string]float64{
			"roundtrip_ms": float64(time.Since(start)) / float64(time.Millisecond),
		},
	}, nil
}

// LivenessProbe asks the host service whether it considers itself alive.
type LivenessProbe struct {
	// Check is the service's own liveness function.
	Check func(ctx context.Context) error
}

func (p *LivenessProbe) Name() string { return "service_liveness" }

func (p *LivenessProbe) Run(ctx context.Context) (ProbeResult, error) {
	if p.Check == nil {
		return ProbeResult{Passed: true, Detail: "no liveness check registered"}, nil
	}
	if err := p.Check(ctx); err != nil {
		return ProbeResult{}, fmt.Errorf("liveness: %w", err)
	}
	return ProbeResult{Passed: true}, nil
}

// SubsystemReachabilityProbe verifies a dependent subsystem (the blob
// store) answers a cheap round trip.
type SubsystemReachabilityProbe struct {
	Blobs blob.Store
}

func (p *SubsystemReachabilityProbe) Name() string { return "subsystem_reachability" }

func (p *SubsystemReachabilityProbe) Run(ctx context.Context) (ProbeResult, error) {
	start := time.Now()
	payload := []byte("safehold-reachability-probe")
	addr, err := p.Blobs.Store(ctx, payload)
	if err != nil {
		return ProbeResult{}, fmt.Errorf("blob write: %w", err)
	}
	if _, err := p.Blobs.Get(ctx, addr); err != nil {
		return ProbeResult{}, fmt.Errorf("blob read: %w", err)
	}
	return ProbeResult{
		Passed: true,
		Metrics: map[string]float64{
			"roundtrip_ms": float64(time.Since(start)) / float64(time.Millisecond),
		},
	}, nil
}

// ExecutionPathProbe sends a no-op through the execution path to confirm
// the dispatch machinery responds.
type ExecutionPathProbe struct {
	// Dispatch routes a no-op through the same path real actions take.
	Dispatch func(ctx context.Context) error
}

func (p *ExecutionPathProbe) Name() string { return "execution_path" }

func (p *ExecutionPathProbe) Run(ctx context.Context) (ProbeResult, error) {
	if p.Dispatch == nil {
		return ProbeResult{Passed: true, Detail: "no dispatch registered"}, nil
	}
	start := time.Now()
	if err := p.Dispatch(ctx); err != nil {
		return ProbeResult{}, fmt.Errorf("dispatch: %w", err)
	}
	return ProbeResult{
		Passed: true,
		Metrics: map[string]float64{
			"dispatch_ms": float64(time.Since(start)) / float64(time.Millisecond),
		},
	}, nil
}

// --- Regression battery probes ---

// LatencyUnderLoadProbe measures operation latency while pacing synthetic
// load through a token-bucket limiter.
type LatencyUnderLoadProbe struct {
	// Op is the operation to measure; defaults to a store roundtrip when
	// wired by the suite.
	Op        func(ctx context.Context) error
	Requests  int
	PerSecond float64
	MaxP95MS  float64
}

func (p *LatencyUnderLoadProbe) Name() string { return "latency_under_load" }

func (p *LatencyUnderLoadProbe) Run(ctx context.Context) (ProbeResult, error) {
	requests := p.Requests
	if requests <= 0 {
		requests = 50
	}
	perSecond := p.PerSecond
	if perSecond <= 0 {
		perSecond = 100
	}
	limiter := rate.NewLimiter(rate.Limit(perSecond), 1)

	latencies := make([]float64, 0, requests)
	for i := 0; i < requests; i++ {
		if err := limiter.Wait(ctx); err != nil {
			return ProbeResult{}, fmt.Errorf("pacing: %w", err)
		}
		start := time.Now()
		if p.Op != nil {
			if err := p.Op(ctx); err != nil {
				return ProbeResult{}, fmt.Errorf("op %d: %w", i, err)
			}
		}
		latencies = append(latencies, float64(time.Since(start))/float64(time.Millisecond))
	}

	p95 := percentile(latencies, 0.95)
	mean := meanOf(latencies)
	passed := p.MaxP95MS <= 0 || p95 <= p.MaxP95MS
	return ProbeResult{
		Passed: passed,
		Metrics: map[string]float64{
			"p95_ms":  p95,
			"mean_ms": mean,
		},
	}, nil
}

// ConcurrencyProbe fans out parallel tasks and checks they all complete.
type ConcurrencyProbe struct {
	Op    func(ctx context.Context) error
	Tasks int
}

func (p *ConcurrencyProbe) Name() string { return "concurrent_tasks" }

func (p *ConcurrencyProbe) Run(ctx context.Context) (ProbeResult, error) {
	tasks := p.Tasks
	if tasks <= 0 {
		tasks = 16
	}
	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < tasks; i++ {
		g.Go(func() error {
			if p.Op == nil {
				return nil
			}
			return p.Op(gctx)
		})
	}
	if err := g.Wait(); err != nil {
		return ProbeResult{}, fmt.Errorf("concurrent task: %w", err)
	}
	return ProbeResult{
		Passed: true,
		Metrics: map[string]float64{
			"tasks":    float64(tasks),
			"total_ms": float64(time.Since(start)) / float64(time.Millisecond),
		},
	}, nil
}

// ResourceCeilingProbe fails when host resource usage exceeds its ceilings.
type ResourceCeilingProbe struct {
	MaxMemoryPercent float64
	MaxCPUPercent    float64
}

func (p *ResourceCeilingProbe) Name() string { return "resource_usage" }

func (p *ResourceCeilingProbe) Run(ctx context.Context) (ProbeResult, error) {
	maxMem := p.MaxMemoryPercent
	if maxMem <= 0 {
		maxMem = 90
	}
	maxCPU := p.MaxCPUPercent
	if maxCPU <= 0 {
		maxCPU = 95
	}

	metrics := map[string]float64{
		"goroutines": float64(runtime.NumGoroutine()),
	}
	passed := true
	detail := ""

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		metrics["memory_percent"] = vm.UsedPercent
		if vm.UsedPercent > maxMem {
			passed = false
			detail = fmt.Sprintf("memory %.1f%% > ceiling %.1f%%", vm.UsedPercent, maxMem)
		}
	}
	if percents, err := cpu.PercentWithContext(ctx, 100*time.Millisecond, false); err == nil && len(percents) > 0 {
		metrics["cpu_percent"] = percents[0]
		if percents[0] > maxCPU {
			passed = false
			detail = fmt.Sprintf("cpu %.1f%% > ceiling %.1f%%", percents[0], maxCPU)
		}
	}

	return ProbeResult{Passed: passed, Detail: detail, Metrics: metrics}, nil
}

func percentile(values []float64, q float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	idx := int(q * float64(len(sorted)-1))
	return sorted[idx]
}

func meanOf(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}
