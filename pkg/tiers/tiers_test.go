package tiers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTierPolicies(t *testing.T) {
	assert.False(t, Tier1.RequiresSnapshot())
	assert.False(t, Tier1.RequiresApproval())
	assert.False(t, Tier1.UsesRegressionSuite())
	assert.False(t, Tier1.DriftTriggersRollback())

	for _, tier := range []Tier{Tier2, Tier3} {
		assert.True(t, tier.RequiresSnapshot(), tier)
		assert.True(t, tier.RequiresApproval(), tier)
		assert.True(t, tier.UsesRegressionSuite(), tier)
		assert.True(t, tier.DriftTriggersRollback(), tier)
	}
}

func TestGet(t *testing.T) {
	p := Get(Tier2)
	require.NotNil(t, p)
	assert.Equal(t, Tier2, p.ID)

	assert.Nil(t, Get(Tier("tier_9")))
}

func TestValid(t *testing.T) {
	assert.True(t, Tier1.Valid())
	assert.True(t, Tier3.Valid())
	assert.False(t, Tier("").Valid())
	assert.False(t, Tier("tier_0").Valid())
}

func TestUnknownTierFailsClosed(t *testing.T) {
	unknown := Tier("tier_0")
	assert.False(t, unknown.RequiresSnapshot())
	assert.False(t, unknown.RequiresApproval())
	assert.False(t, unknown.UsesRegressionSuite())
	assert.False(t, unknown.DriftTriggersRollback())
}
