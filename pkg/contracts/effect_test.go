package contracts

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeDefaultsThreshold(t *testing.T) {
	e := ExpectedEffect{TargetResource: "svc/api"}
	e.Normalize()
	assert.Equal(t, DefaultRollbackThreshold, e.RollbackThreshold)

	declared := ExpectedEffect{RollbackThreshold: 0.5}
	declared.Normalize()
	assert.Equal(t, 0.5, declared.RollbackThreshold)
}

func TestCompareOp(t *testing.T) {
	assert.True(t, OpLT.Compare(1, 2))
	assert.False(t, OpLT.Compare(2, 2))
	assert.True(t, OpGT.Compare(3, 2))
	assert.True(t, OpLTE.Compare(2, 2))
	assert.True(t, OpGTE.Compare(2, 2))
	assert.True(t, OpEQ.Compare(2, 2))
	assert.False(t, OpEQ.Compare(2, 3))

	assert.True(t, OpGTE.Valid())
	assert.False(t, CompareOp("ne").Valid())
}

func TestCriterionListRoundTrip(t *testing.T) {
	list := CriterionList{
		StateMatch{Key: "config_valid", Value: true},
		MetricThreshold{Metric: "latency_p95", Op: OpLT, Value: 250},
		HealthCheck{Component: "primary_store"},
	}

	data, err := json.Marshal(list)
	require.NoError(t, err)

	var decoded CriterionList
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Len(t, decoded, 3)

	sm, ok := decoded[0].(StateMatch)
	require.True(t, ok)
	assert.Equal(t, "config_valid", sm.Key)
	assert.Equal(t, true, sm.Value)

	mt, ok := decoded[1].(MetricThreshold)
	require.True(t, ok)
	assert.Equal(t, "latency_p95", mt.Metric)
	assert.Equal(t, OpLT, mt.Op)
	assert.Equal(t, 250.0, mt.Value)

	hc, ok := decoded[2].(HealthCheck)
	require.True(t, ok)
	assert.Equal(t, "primary_store", hc.Component)
}

func TestCriterionListRejectsUnknownTag(t *testing.T) {
	var list CriterionList
	err := json.Unmarshal([]byte(`[{"type":"regex_match","key":"x"}]`), &list)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown criterion type")
}

func TestCriterionListRejectsBadOp(t *testing.T) {
	var list CriterionList
	err := json.Unmarshal([]byte(`[{"type":"metric_threshold","metric":"m","op":"between","value":1}]`), &list)
	require.Error(t, err)
}

func TestCriterionDescribe(t *testing.T) {
	assert.Equal(t, "state_match:mode", StateMatch{Key: "mode"}.Describe())
	assert.Equal(t, "health_check:db", HealthCheck{Component: "db"}.Describe())
	assert.Contains(t, MetricThreshold{Metric: "cpu", Op: OpLT, Value: 80}.Describe(), "cpu lt 80")
}
