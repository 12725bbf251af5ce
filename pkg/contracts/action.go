package contracts

import (
	"time"

	"github.com/safeholdhq/safehold/pkg/tiers"
)

// ContractStatus is the lifecycle state of an ActionContract.
type ContractStatus string

const (
	StatusPending        ContractStatus = "pending"
	StatusExecuting      ContractStatus = "executing"
	StatusVerified       ContractStatus = "verified"
	StatusPartialSuccess ContractStatus = "partial_success"
	StatusFailed         ContractStatus = "failed"
	StatusRolledBack     ContractStatus = "rolled_back"
)

// CanTransitionTo enforces the monotonic contract lifecycle:
// pending → executing → {verified|partial_success|failed} → rolled_back.
// No transition may skip executing, and terminal states only admit the
// rollback edge.
func (s ContractStatus) CanTransitionTo(next ContractStatus) bool {
	switch s {
	case StatusPending:
		return next == StatusExecuting
	case StatusExecuting:
		return next == StatusVerified || next == StatusPartialSuccess || next == StatusFailed
	case StatusVerified, StatusPartialSuccess, StatusFailed:
		return next == StatusRolledBack
	case StatusRolledBack:
		return false
	}
	return false
}

// Terminal reports whether no further non-rollback transition exists.
func (s ContractStatus) Terminal() bool {
	switch s {
	case StatusVerified, StatusPartialSuccess, StatusFailed, StatusRolledBack:
		return true
	}
	return false
}

// ActionContract is the immutable record of an action's intended effect,
// created before execution and verified after. Contracts are never deleted;
// they form the audit trail of every state-changing operation.
type ActionContract struct {
	ID                 string              `json:"id"`
	ActionType         string              `json:"action_type"`
	PlaybookID         string              `json:"playbook_id,omitempty"`
	RunID              string              `json:"run_id,omitempty"`
	ExpectedEffectHash string              `json:"expected_effect_hash"`
	ExpectedEffect     ExpectedEffect      `json:"expected_effect"`
	BaselineState      map[string]any      `json:"baseline_state,omitempty"`
	Status             ContractStatus      `json:"status"`
	ActualEffect       map[string]any      `json:"actual_effect,omitempty"`
	Verification       *VerificationResult `json:"verification_result,omitempty"`
	ConfidenceScore    float64             `json:"confidence_score"`
	CreatedAt          time.Time           `json:"created_at"`
	ExecutedAt         *time.Time          `json:"executed_at,omitempty"`
	VerifiedAt         *time.Time          `json:"verified_at,omitempty"`
	SafeHoldSnapshotID string              `json:"safe_hold_snapshot_id,omitempty"`
	TriggeredBy        string              `json:"triggered_by"`
	Tier               tiers.Tier          `json:"tier"`
	RequiresApproval   bool                `json:"requires_approval"`
}

// CheckResult is one evaluated success criterion.
type CheckResult struct {
	Name   string `json:"name"`
	Pass   bool   `json:"pass"`
	Detail string `json:"detail,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// VerificationResult is the outcome of comparing actual effect against the
// contract. Content shortfalls are data here, never errors.
type VerificationResult struct {
	Success             bool           `json:"success"`
	Confidence          float64        `json:"confidence"`
	Status              ContractStatus `json:"status"`
	PassedChecks        []CheckResult  `json:"passed_checks,omitempty"`
	FailedChecks        []CheckResult  `json:"failed_checks,omitempty"`
	RollbackRecommended bool           `json:"rollback_recommended"`
}

// ExecutionOutcome is the structured result of one verified-action run.
// Callers never need exception handling for ordinary verification
// failures; everything they decide on is carried here.
type ExecutionOutcome struct {
	ContractID     string         `json:"contract_id"`
	Success        bool           `json:"success"`
	Confidence     float64        `json:"confidence"`
	Status         ContractStatus `json:"status"`
	RolledBack     bool           `json:"rolled_back"`
	SnapshotID     string         `json:"snapshot_id,omitempty"`
	BenchmarkRunID string         `json:"benchmark_run_id,omitempty"`
	DriftDetected  bool           `json:"drift_detected"`
	Restore        *RestoreResult `json:"restore,omitempty"`
	Error          string         `json:"error,omitempty"`
}
