// Package verify creates effect contracts before an action runs and checks
// the actual outcome against them afterwards.
//
// Verification shortfalls are data, not errors: an unmet criterion lowers
// confidence and is consumed by the rollback policy upstream. The only
// error surface here is infrastructure (persistence) and unknown contract
// ids.
package verify

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"reflect"
	"time"

	"github.com/safeholdhq/safehold/pkg/audit"
	"github.com/safeholdhq/safehold/pkg/canonicalize"
	"github.com/safeholdhq/safehold/pkg/contracts"
	"github.com/safeholdhq/safehold/pkg/store"
	"github.com/safeholdhq/safehold/pkg/tiers"
)

// Confidence at or above which a contract is fully verified.
const verifiedThreshold = 0.9

// Credit a health_check criterion contributes when no prober is wired.
// Deliberately partial: an unobservable check must never count as a full
// pass.
const unprobedHealthCredit = 0.5

// HealthProber answers health_check criteria. Optional collaborator.
type HealthProber interface {
	Healthy(ctx context.Context, component string) (bool, error)
}

// ContractVerifier creates and verifies ActionContracts.
type ContractVerifier struct {
	contracts *store.ContractStore
	auditLog  audit.Logger
	prober    HealthProber
	log       *slog.Logger
	now       func() time.Time
}

// Option configures a ContractVerifier.
type Option func(*ContractVerifier)

// WithHealthProber wires a prober for health_check criteria.
func WithHealthProber(p HealthProber) Option {
	return func(v *ContractVerifier) { v.prober = p }
}

// WithClock injects a clock for tests.
func WithClock(now func() time.Time) Option {
	return func(v *ContractVerifier) { v.now = now }
}

// NewContractVerifier creates a verifier over the given contract store.
func NewContractVerifier(cs *store.ContractStore, auditLog audit.Logger, log *slog.Logger, opts ...Option) *ContractVerifier {
	v := &ContractVerifier{
		contracts: cs,
		auditLog:  auditLog,
		log:       log,
		now:       time.Now,
	}
	if v.auditLog == nil {
		v.auditLog = audit.Nop{}
	}
	if v.log == nil {
		v.log = slog.Default()
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// CreateRequest carries everything needed to open a contract.
type CreateRequest struct {
	ActionType    string
	Effect        contracts.ExpectedEffect
	BaselineState map[string]any
	PlaybookID    string
	RunID         string
	TriggeredBy   string
	Tier          tiers.Tier
}

// CreateContract records the intended effect before execution. Pure
// creation: no verification happens here. The contract id is
// content-addressed from the canonical effect hash plus creation time.
func (v *ContractVerifier) CreateContract(ctx context.Context, req CreateRequest) (*contracts.ActionContract, error) {
	req.Effect.Normalize()

	effectHash, err := canonicalize.Hash(req.Effect)
	if err != nil {
		return nil, fmt.Errorf("verify: hash expected effect: %w", err)
	}

	createdAt := v.now().UTC()
	contract := &contracts.ActionContract{
		ID:                 contractID(effectHash, createdAt),
		ActionType:         req.ActionType,
		PlaybookID:         req.PlaybookID,
		RunID:              req.RunID,
		ExpectedEffectHash: effectHash,
		ExpectedEffect:     req.Effect,
		BaselineState:      req.BaselineState,
		Status:             contracts.StatusPending,
		CreatedAt:          createdAt,
		TriggeredBy:        req.TriggeredBy,
		Tier:               req.Tier,
		RequiresApproval:   req.Tier.RequiresApproval(),
	}

	if err := v.contracts.Create(ctx, contract); err != nil {
		return nil, err
	}

	if err := v.auditLog.Record(ctx, req.TriggeredBy, "create_contract", contract.ID, "verify", map[string]any{
		"action_type":          req.ActionType,
		"expected_effect_hash": effectHash,
		"tier":                 string(req.Tier),
	}, "created"); err != nil {
		v.log.Warn("audit append failed", "action", "create_contract", "error", err)
	}

	v.log.Info("contract created",
		"contract_id", contract.ID,
		"action_type", req.ActionType,
		"tier", string(req.Tier),
		"criteria", len(req.Effect.SuccessCriteria))
	return contract, nil
}

// VerifyExecution evaluates every success criterion against the actual
// state and metrics, computes the confidence score, persists the result,
// and returns it. Unknown contract ids surface store.ErrContractNotFound.
func (v *ContractVerifier) VerifyExecution(ctx context.Context, contractID string, actualState map[string]any, metrics map[string]float64) (*contracts.VerificationResult, error) {
	contract, err := v.contracts.Get(ctx, contractID)
	if err != nil {
		return nil, err
	}

	// 1. Evaluate criteria.
	var passed, failed []contracts.CheckResult
	credit := 0.0
	total := len(contract.ExpectedEffect.SuccessCriteria)

	for _, criterion := range contract.ExpectedEffect.SuccessCriteria {
		check, score := v.evaluate(ctx, criterion, actualState, metrics)
		credit += score
		if check.Pass {
			passed = append(passed, check)
		} else {
			failed = append(failed, check)
		}
	}

	// 2. Confidence. Zero criteria yields zero confidence, not full: an
	// unverifiable effect is not a verified one.
	confidence := 0.0
	if total > 0 {
		confidence = credit / float64(total)
	}
	if confidence > 1 {
		confidence = 1
	}

	// 3. Status classification.
	threshold := contract.ExpectedEffect.RollbackThreshold
	var status contracts.ContractStatus
	switch {
	case confidence >= verifiedThreshold:
		status = contracts.StatusVerified
	case confidence >= threshold:
		status = contracts.StatusPartialSuccess
	default:
		status = contracts.StatusFailed
	}

	result := &contracts.VerificationResult{
		Success:             status == contracts.StatusVerified,
		Confidence:          confidence,
		Status:              status,
		PassedChecks:        passed,
		FailedChecks:        failed,
		RollbackRecommended: confidence < threshold,
	}

	// 4. Persist (monotonic transition executing → terminal).
	if err := v.contracts.RecordVerification(ctx, contractID, actualState, result, v.now().UTC()); err != nil {
		return nil, err
	}

	if err := v.auditLog.Record(ctx, contract.TriggeredBy, "verify_execution", contractID, "verify", map[string]any{
		"confidence":           confidence,
		"status":               string(status),
		"passed":               len(passed),
		"failed":               len(failed),
		"rollback_recommended": result.RollbackRecommended,
	}, string(status)); err != nil {
		v.log.Warn("audit append failed", "action", "verify_execution", "error", err)
	}

	v.log.Info("contract verified",
		"contract_id", contractID,
		"confidence", confidence,
		"status", string(status))
	return result, nil
}

// evaluate scores a single criterion: 1.0 for a pass, 0.0 for a fail, and
// partial credit for a health check with no prober wired. The switch is
// exhaustive over the sealed criterion set.
func (v *ContractVerifier) evaluate(ctx context.Context, criterion contracts.SuccessCriterion, actualState map[string]any, metrics map[string]float64) (contracts.CheckResult, float64) {
	check := contracts.CheckResult{Name: criterion.Describe()}

	switch c := criterion.(type) {
	case contracts.StateMatch:
		actual, ok := actualState[c.Key]
		if ok && valueEqual(actual, c.Value) {
			check.Pass = true
			check.Detail = fmt.Sprintf("%s == %v", c.Key, c.Value)
			return check, 1
		}
		check.Reason = fmt.Sprintf("expected %v, got %v", c.Value, actual)
		return check, 0

	case contracts.MetricThreshold:
		actual, ok := metrics[c.Metric]
		if !ok {
			check.Reason = "metric not available"
			return check, 0
		}
		if c.Op.Compare(actual, c.Value) {
			check.Pass = true
			check.Detail = fmt.Sprintf("%g %s %g", actual, c.Op, c.Value)
			return check, 1
		}
		check.Reason = fmt.Sprintf("%g not %s %g", actual, c.Op, c.Value)
		return check, 0

	case contracts.HealthCheck:
		if v.prober == nil {
			check.Reason = "no health prober wired; partial credit"
			return check, unprobedHealthCredit
		}
		healthy, err := v.prober.Healthy(ctx, c.Component)
		if err != nil {
			check.Reason = fmt.Sprintf("probe error: %v", err)
			return check, 0
		}
		if healthy {
			check.Pass = true
			check.Detail = "component healthy"
			return check, 1
		}
		check.Reason = "component unhealthy"
		return check, 0
	}

	check.Reason = "unknown criterion kind"
	return check, 0
}

// valueEqual compares loosely across JSON round-trips: numbers compare as
// float64 regardless of their Go type on either side.
func valueEqual(a, b any) bool {
	if af, aok := asFloat(a); aok {
		if bf, bok := asFloat(b); bok {
			return af == bf
		}
		return false
	}
	return reflect.DeepEqual(a, b)
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// contractID derives the content-addressed contract id.
func contractID(effectHash string, createdAt time.Time) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%d", effectHash, createdAt.UnixNano())))
	return "act-" + hex.EncodeToString(sum[:])[:16]
}
