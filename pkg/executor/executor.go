// Package executor orchestrates the verified-action pipeline: contract,
// snapshot, execution, benchmark, verification, then rollback or promotion.
// Verification shortfalls travel in the returned outcome; errors are
// reserved for infrastructure failures.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/safeholdhq/safehold/pkg/benchmark"
	"github.com/safeholdhq/safehold/pkg/contracts"
	"github.com/safeholdhq/safehold/pkg/mission"
	"github.com/safeholdhq/safehold/pkg/observability"
	"github.com/safeholdhq/safehold/pkg/snapshot"
	"github.com/safeholdhq/safehold/pkg/store"
	"github.com/safeholdhq/safehold/pkg/tiers"
	"github.com/safeholdhq/safehold/pkg/verify"
)

// ErrApprovalRequired means the device tier demands human approval and the
// request did not carry it. Nothing has executed when this is returned.
var ErrApprovalRequired = errors.New("executor: action requires approval")

// Confidence at or above which the action's pre-execution snapshot is a
// candidate for golden promotion, provided the benchmark run passed.
const promoteGoldenThreshold = 0.95

// Engine runs actions under contract with snapshot protection.
type Engine struct {
	verifier  *verify.ContractVerifier
	snapshots *snapshot.Manager
	bench     *benchmark.Suite
	contracts *store.ContractStore
	missions  *mission.Tracker
	driver    ActionDriver
	obs       *observability.Provider
	log       *slog.Logger
	now       func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithMissionTracker wires mission progression updates.
func WithMissionTracker(t *mission.Tracker) Option {
	return func(e *Engine) { e.missions = t }
}

// WithObservability wires tracing and metrics.
func WithObservability(p *observability.Provider) Option {
	return func(e *Engine) { e.obs = p }
}

// WithClock injects a clock for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates the orchestrator over its collaborators.
func NewEngine(v *verify.ContractVerifier, sm *snapshot.Manager, bs *benchmark.Suite, cs *store.ContractStore, driver ActionDriver, log *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		verifier:  v,
		snapshots: sm,
		bench:     bs,
		contracts: cs,
		driver:    driver,
		log:       log,
		now:       time.Now,
	}
	if e.log == nil {
		e.log = slog.Default()
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ExecuteRequest carries one verified action.
type ExecuteRequest struct {
	ActionType  string
	Params      map[string]any
	Effect      contracts.ExpectedEffect
	Tier        tiers.Tier
	TriggeredBy string
	PlaybookID  string
	RunID       string
	MissionID   string
	// Approved asserts that a human signed off. Required for tiers whose
	// policy demands approval.
	Approved bool
	// BaselineState is the observable state before execution, recorded on
	// the contract for post-hoc comparison.
	BaselineState map[string]any
}

// ExecuteVerifiedAction runs the full pipeline for one action. The returned
// outcome is populated even when the action failed verification and was
// rolled back; a non-nil error means the engine itself could not proceed.
func (e *Engine) ExecuteVerifiedAction(ctx context.Context, req ExecuteRequest) (*contracts.ExecutionOutcome, error) {
	if !req.Tier.Valid() {
		return nil, fmt.Errorf("executor: unknown tier %q", req.Tier)
	}
	if req.Tier.RequiresApproval() && !req.Approved {
		return nil, ErrApprovalRequired
	}

	var finish func(error)
	if e.obs != nil {
		ctx, finish = e.obs.TrackAction(ctx, "safehold.execute_verified_action",
			attribute.String("action.type", req.ActionType),
			attribute.String("action.tier", string(req.Tier)))
	} else {
		finish = func(error) {}
	}

	outcome, err := e.execute(ctx, req)
	finish(err)
	return outcome, err
}

func (e *Engine) execute(ctx context.Context, req ExecuteRequest) (*contracts.ExecutionOutcome, error) {
	// 1. Create the contract. This happens for every action regardless of
	// tier; the contract is the audit record.
	contract, err := e.verifier.CreateContract(ctx, verify.CreateRequest{
		ActionType:    req.ActionType,
		Effect:        req.Effect,
		BaselineState: req.BaselineState,
		PlaybookID:    req.PlaybookID,
		RunID:         req.RunID,
		TriggeredBy:   req.TriggeredBy,
		Tier:          req.Tier,
	})
	if err != nil {
		return nil, err
	}
	outcome := &contracts.ExecutionOutcome{ContractID: contract.ID}
	span := trace.SpanFromContext(ctx)
	span.AddEvent("contract_created", trace.WithAttributes(
		attribute.String("contract.id", contract.ID)))

	// 2. Snapshot, tier-gated. Low-tier actions skip capture entirely.
	var snap *contracts.SafeHoldSnapshot
	if req.Tier.RequiresSnapshot() {
		snap, err = e.snapshots.CreateSnapshot(ctx, snapshot.CreateRequest{
			Type:             contracts.SnapshotPreAction,
			TriggeredBy:      req.TriggeredBy,
			ActionContractID: contract.ID,
			PlaybookRunID:    req.RunID,
		})
		if err != nil {
			return nil, fmt.Errorf("executor: pre-action snapshot: %w", err)
		}
		outcome.SnapshotID = snap.ID
		if err := e.contracts.SetSnapshotID(ctx, contract.ID, snap.ID); err != nil {
			return nil, err
		}
		span.AddEvent("snapshot_taken", trace.WithAttributes(
			attribute.String("snapshot.id", snap.ID)))
	}

	// 3. Transition to executing before the side effect fires.
	if err := e.contracts.MarkExecuting(ctx, contract.ID, e.now().UTC()); err != nil {
		return nil, err
	}

	// 4. Dispatch. A driver error fails the contract and, when a snapshot
	// exists, rolls back immediately without benchmarking a broken system.
	driverRes, execErr := e.driver.Execute(ctx, req.ActionType, req.Params)
	if execErr != nil {
		e.log.Error("action execution failed",
			"contract_id", contract.ID, "action_type", req.ActionType, "error", execErr)
		if err := e.contracts.MarkFailed(ctx, contract.ID); err != nil {
			return nil, err
		}
		outcome.Status = contracts.StatusFailed
		outcome.Error = execErr.Error()
		if snap != nil {
			if err := e.rollback(ctx, req, contract.ID, snap.ID, outcome); err != nil {
				return outcome, err
			}
		}
		e.recordMissionResult(ctx, req, contract.ID, outcome)
		return outcome, nil
	}
	if driverRes == nil {
		driverRes = &DriverResult{}
	}

	// 5. Benchmark. High tiers run the full regression suite against the
	// golden baseline; tier 1 gets the smoke battery only.
	var run *contracts.BenchmarkRun
	if req.Tier.UsesRegressionSuite() {
		run, err = e.bench.RunRegressionSuite(ctx, req.TriggeredBy, true)
	} else {
		run, err = e.bench.RunSmokeTests(ctx, req.TriggeredBy)
	}
	if err != nil {
		return nil, fmt.Errorf("executor: benchmark: %w", err)
	}
	outcome.BenchmarkRunID = run.RunID
	outcome.DriftDetected = run.DriftDetected
	span.AddEvent("benchmarked", trace.WithAttributes(
		attribute.String("benchmark.run_id", run.RunID),
		attribute.Bool("benchmark.drift", run.DriftDetected)))

	// 6. Assemble the observed world for verification.
	actualState := make(map[string]any, len(driverRes.State)+1)
	for k, v := range driverRes.State {
		actualState[k] = v
	}
	actualState["benchmark_passed"] = run.Passed

	metrics := make(map[string]float64, len(driverRes.Metrics)+len(run.Metrics))
	for k, v := range run.Metrics {
		metrics[k] = v
	}
	for k, v := range driverRes.Metrics {
		metrics[k] = v
	}

	// 7. Verify against the contract.
	result, err := e.verifier.VerifyExecution(ctx, contract.ID, actualState, metrics)
	if err != nil {
		return nil, err
	}
	outcome.Success = result.Success
	outcome.Confidence = result.Confidence
	outcome.Status = result.Status
	span.AddEvent("verified", trace.WithAttributes(
		attribute.Float64("verify.confidence", result.Confidence),
		attribute.String("verify.status", string(result.Status))))

	// 8. Rollback or promote. Three independent triggers: verification
	// short of verified, an explicit rollback recommendation, or drift on a
	// tier where drift is fatal.
	driftRollback := run.DriftDetected && req.Tier.DriftTriggersRollback()
	if (!result.Success || result.RollbackRecommended || driftRollback) && snap != nil {
		if driftRollback && result.Success && !result.RollbackRecommended {
			e.log.Warn("benchmark drift forcing rollback",
				"contract_id", contract.ID, "benchmark_run_id", run.RunID)
		}
		if err := e.rollback(ctx, req, contract.ID, snap.ID, outcome); err != nil {
			return outcome, err
		}
		e.recordMissionResult(ctx, req, contract.ID, outcome)
		return outcome, nil
	}

	if snap != nil && run.Passed && result.Confidence >= promoteGoldenThreshold {
		promoted, err := e.snapshots.ValidateSnapshot(ctx, snap.ID, run)
		if err != nil {
			e.log.Warn("golden promotion failed",
				"snapshot_id", snap.ID, "error", err)
		} else if promoted {
			if err := e.bench.SetGoldenBaseline(ctx, run.RunID); err != nil {
				e.log.Warn("golden baseline swap failed",
					"run_id", run.RunID, "error", err)
			}
			span.AddEvent("golden_promoted", trace.WithAttributes(
				attribute.String("snapshot.id", snap.ID)))
			if e.obs != nil {
				e.obs.RecordGoldenPromotion(ctx,
					attribute.String("action.type", req.ActionType))
			}
		}
	}

	e.recordMissionResult(ctx, req, contract.ID, outcome)
	e.log.Info("verified action finished",
		"contract_id", contract.ID,
		"status", string(outcome.Status),
		"confidence", outcome.Confidence,
		"rolled_back", outcome.RolledBack)
	return outcome, nil
}

// rollback is the single restore path for both driver failures and failed
// verification. It restores the snapshot, marks the contract rolled back,
// and records the event on the mission when one is attached.
func (e *Engine) rollback(ctx context.Context, req ExecuteRequest, contractID, snapshotID string, outcome *contracts.ExecutionOutcome) error {
	restore, err := e.snapshots.RestoreSnapshot(ctx, snapshotID, false)
	if err != nil {
		return fmt.Errorf("executor: rollback restore: %w", err)
	}
	outcome.Restore = restore

	if err := e.contracts.MarkRolledBack(ctx, contractID); err != nil {
		return err
	}
	outcome.RolledBack = true
	outcome.Status = contracts.StatusRolledBack
	outcome.Success = false
	trace.SpanFromContext(ctx).AddEvent("rolled_back", trace.WithAttributes(
		attribute.String("snapshot.id", snapshotID)))

	if e.obs != nil {
		e.obs.RecordRollback(ctx,
			attribute.String("action.type", req.ActionType),
			attribute.String("action.tier", string(req.Tier)))
	}
	if e.missions != nil && req.MissionID != "" {
		if err := e.missions.RecordRollback(ctx, req.MissionID, contractID, snapshotID); err != nil {
			e.log.Warn("mission rollback record failed",
				"mission_id", req.MissionID, "error", err)
		}
	}

	e.log.Warn("action rolled back",
		"contract_id", contractID, "snapshot_id", snapshotID)
	return nil
}

// recordMissionResult folds the outcome into the attached mission. Mission
// bookkeeping failures are logged, never fatal to the action itself.
func (e *Engine) recordMissionResult(ctx context.Context, req ExecuteRequest, contractID string, outcome *contracts.ExecutionOutcome) {
	if e.missions == nil || req.MissionID == "" {
		return
	}
	safePoint := ""
	if outcome.Success {
		safePoint = outcome.SnapshotID
	}
	if err := e.missions.RecordActionCompleted(ctx, req.MissionID, contractID, outcome.Success, outcome.Confidence, safePoint); err != nil {
		e.log.Warn("mission progress record failed",
			"mission_id", req.MissionID, "error", err)
	}
}
