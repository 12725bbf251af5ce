// Package contracts defines the shared data model for verified action
// execution: effect contracts, safe-hold snapshots, benchmark runs, and
// missions. Types here are persisted and hashed; field changes are
// wire-visible and must stay backward compatible.
package contracts

import (
	"encoding/json"
	"fmt"
)

// DefaultRollbackThreshold is applied when an ExpectedEffect does not
// declare its own threshold.
const DefaultRollbackThreshold = 0.3

// ExpectedEffect is the intended outcome of an action, declared before the
// action runs. It is canonically serialized and hashed into the contract.
type ExpectedEffect struct {
	TargetResource    string         `json:"target_resource"`
	TargetState       map[string]any `json:"target_state,omitempty"`
	SuccessCriteria   CriterionList  `json:"success_criteria"`
	RollbackThreshold float64        `json:"rollback_threshold"`
}

// Normalize fills defaults in place. Zero threshold means "not declared".
func (e *ExpectedEffect) Normalize() {
	if e.RollbackThreshold == 0 {
		e.RollbackThreshold = DefaultRollbackThreshold
	}
}

// CompareOp is a comparison operator for metric threshold criteria.
type CompareOp string

const (
	OpLT  CompareOp = "lt"
	OpGT  CompareOp = "gt"
	OpLTE CompareOp = "lte"
	OpGTE CompareOp = "gte"
	OpEQ  CompareOp = "eq"
)

// Valid reports whether the operator is one of the supported five.
func (op CompareOp) Valid() bool {
	switch op {
	case OpLT, OpGT, OpLTE, OpGTE, OpEQ:
		return true
	}
	return false
}

// Compare applies the operator to (actual, want).
func (op CompareOp) Compare(actual, want float64) bool {
	switch op {
	case OpLT:
		return actual < want
	case OpGT:
		return actual > want
	case OpLTE:
		return actual <= want
	case OpGTE:
		return actual >= want
	case OpEQ:
		return actual == want
	}
	return false
}

// SuccessCriterion is a closed set of verifiable conditions. New kinds must
// be added here and handled exhaustively by the verifier; the unexported
// marker method seals the set.
type SuccessCriterion interface {
	// Describe returns a short human-readable label used in check results
	// and audit payloads.
	Describe() string

	isCriterion()
}

// StateMatch passes iff the post-execution state carries exactly the
// expected value under the key.
type StateMatch struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

func (c StateMatch) Describe() string { return fmt.Sprintf("state_match:%s", c.Key) }
func (StateMatch) isCriterion()       {}

// MetricThreshold passes iff the named metric satisfies the comparison.
// A missing metric is a failed check, never a skipped one.
type MetricThreshold struct {
	Metric string    `json:"metric"`
	Op     CompareOp `json:"op"`
	Value  float64   `json:"value"`
}

func (c MetricThreshold) Describe() string {
	return fmt.Sprintf("metric_threshold:%s %s %g", c.Metric, c.Op, c.Value)
}
func (MetricThreshold) isCriterion() {}

// HealthCheck asks an external prober whether the component is healthy.
// Without a wired prober it contributes partial credit only.
type HealthCheck struct {
	Component string `json:"component"`
}

func (c HealthCheck) Describe() string { return fmt.Sprintf("health_check:%s", c.Component) }
func (HealthCheck) isCriterion()       {}

// CriterionList carries the JSON envelope codec for the criterion union.
// Wire form: {"type": "state_match", ...fields}.
type CriterionList []SuccessCriterion

type criterionEnvelope struct {
	Type      string    `json:"type"`
	Key       string    `json:"key,omitempty"`
	Value     any       `json:"value,omitempty"`
	Metric    string    `json:"metric,omitempty"`
	Op        CompareOp `json:"op,omitempty"`
	Component string    `json:"component,omitempty"`
}

const (
	criterionStateMatch      = "state_match"
	criterionMetricThreshold = "metric_threshold"
	criterionHealthCheck     = "health_check"
)

// MarshalJSON emits the tagged envelope form.
func (l CriterionList) MarshalJSON() ([]byte, error) {
	out := make([]criterionEnvelope, 0, len(l))
	for _, c := range l {
		switch t := c.(type) {
		case StateMatch:
			out = append(out, criterionEnvelope{Type: criterionStateMatch, Key: t.Key, Value: t.Value})
		case MetricThreshold:
			out = append(out, criterionEnvelope{Type: criterionMetricThreshold, Metric: t.Metric, Op: t.Op, Value: t.Value})
		case HealthCheck:
			out = append(out, criterionEnvelope{Type: criterionHealthCheck, Component: t.Component})
		default:
			return nil, fmt.Errorf("contracts: unknown criterion type %T", c)
		}
	}
	return json.Marshal(out)
}

// UnmarshalJSON parses the tagged envelope form. Unknown tags are rejected
// (fail-closed: a criterion this engine cannot evaluate must not be
// silently dropped from a contract).
func (l *CriterionList) UnmarshalJSON(data []byte) error {
	var envs []criterionEnvelope
	if err := json.Unmarshal(data, &envs); err != nil {
		return err
	}
	out := make(CriterionList, 0, len(envs))
	for _, env := range envs {
		switch env.Type {
		case criterionStateMatch:
			out = append(out, StateMatch{Key: env.Key, Value: env.Value})
		case criterionMetricThreshold:
			val, err := toFloat(env.Value)
			if err != nil {
				return fmt.Errorf("contracts: metric_threshold value: %w", err)
			}
			if !env.Op.Valid() {
				return fmt.Errorf("contracts: metric_threshold op %q unsupported", env.Op)
			}
			out = append(out, MetricThreshold{Metric: env.Metric, Op: env.Op, Value: val})
		case criterionHealthCheck:
			out = append(out, HealthCheck{Component: env.Component})
		default:
			return fmt.Errorf("contracts: unknown criterion type %q", env.Type)
		}
	}
	*l = out
	return nil
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case json.Number:
		return n.Float64()
	case int:
		return float64(n), nil
	case nil:
		return 0, nil
	default:
		return 0, fmt.Errorf("expected number, got %T", v)
	}
}
