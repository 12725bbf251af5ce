package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/safeholdhq/safehold/pkg/contracts"
	"github.com/safeholdhq/safehold/pkg/tiers"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func testContract(id string) *contracts.ActionContract {
	return &contracts.ActionContract{
		ID:                 id,
		ActionType:         "restart_service",
		ExpectedEffectHash: "deadbeef",
		ExpectedEffect: contracts.ExpectedEffect{
			TargetResource:    "svc/api",
			SuccessCriteria:   contracts.CriterionList{contracts.StateMatch{Key: "running", Value: true}},
			RollbackThreshold: 0.3,
		},
		Status:      contracts.StatusPending,
		CreatedAt:   time.Now().UTC(),
		TriggeredBy: "operator:test",
		Tier:        tiers.Tier2,
	}
}

func TestContractLifecycle(t *testing.T) {
	db := openTestDB(t)
	cs, err := NewContractStore(db)
	require.NoError(t, err)
	ctx := context.Background()

	c := testContract("act-1")
	require.NoError(t, cs.Create(ctx, c))

	got, err := cs.Get(ctx, "act-1")
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusPending, got.Status)
	assert.Equal(t, "svc/api", got.ExpectedEffect.TargetResource)
	require.Len(t, got.ExpectedEffect.SuccessCriteria, 1)

	require.NoError(t, cs.SetSnapshotID(ctx, "act-1", "snap-1"))
	require.NoError(t, cs.MarkExecuting(ctx, "act-1", time.Now().UTC()))

	vr := &contracts.VerificationResult{
		Success:    true,
		Confidence: 0.95,
		Status:     contracts.StatusVerified,
	}
	require.NoError(t, cs.RecordVerification(ctx, "act-1", map[string]any{"running": true}, vr, time.Now().UTC()))

	got, err = cs.Get(ctx, "act-1")
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusVerified, got.Status)
	assert.Equal(t, 0.95, got.ConfidenceScore)
	assert.Equal(t, "snap-1", got.SafeHoldSnapshotID)
	require.NotNil(t, got.Verification)
	assert.True(t, got.Verification.Success)

	require.NoError(t, cs.MarkRolledBack(ctx, "act-1"))
	got, err = cs.Get(ctx, "act-1")
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusRolledBack, got.Status)
}

func TestContractInvalidTransition(t *testing.T) {
	db := openTestDB(t)
	cs, err := NewContractStore(db)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, cs.Create(ctx, testContract("act-2")))

	// pending cannot go straight to a terminal verification.
	vr := &contracts.VerificationResult{Status: contracts.StatusVerified}
	err = cs.RecordVerification(ctx, "act-2", nil, vr, time.Now().UTC())
	assert.ErrorIs(t, err, ErrInvalidTransition)

	// pending cannot be marked failed without executing first.
	err = cs.MarkFailed(ctx, "act-2")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestContractMarkFailedLeavesVerifiedAtUnset(t *testing.T) {
	db := openTestDB(t)
	cs, err := NewContractStore(db)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, cs.Create(ctx, testContract("act-fail")))
	require.NoError(t, cs.MarkExecuting(ctx, "act-fail", time.Now().UTC()))
	require.NoError(t, cs.MarkFailed(ctx, "act-fail"))

	got, err := cs.Get(ctx, "act-fail")
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusFailed, got.Status)
	assert.NotNil(t, got.ExecutedAt)
	assert.Nil(t, got.VerifiedAt, "no verification ran")
}

func TestContractNotFound(t *testing.T) {
	db := openTestDB(t)
	cs, err := NewContractStore(db)
	require.NoError(t, err)

	_, err = cs.Get(context.Background(), "act-missing")
	assert.ErrorIs(t, err, ErrContractNotFound)
}

func testSnapshot(id string) *contracts.SafeHoldSnapshot {
	return &contracts.SafeHoldSnapshot{
		ID:          id,
		Type:        contracts.SnapshotPreAction,
		TriggeredBy: "operator:test",
		Manifest: contracts.Manifest{
			SchemaVersion: contracts.ManifestSchemaVersion,
			Components:    map[string]contracts.ComponentCapture{},
		},
		ManifestHash: "hash-" + id,
		StorageURI:   "sha256:aa",
		HealthScore:  100,
		Status:       contracts.SnapshotActive,
		CreatedAt:    time.Now().UTC(),
	}
}

func TestSnapshotGoldenSwapIsExclusive(t *testing.T) {
	db := openTestDB(t)
	ss, err := NewSnapshotStore(db)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, ss.Create(ctx, testSnapshot("snap-a")))
	require.NoError(t, ss.Create(ctx, testSnapshot("snap-b")))

	require.NoError(t, ss.MarkGolden(ctx, "snap-a", "bench-1"))
	golden, err := ss.LatestGolden(ctx)
	require.NoError(t, err)
	require.NotNil(t, golden)
	assert.Equal(t, "snap-a", golden.ID)
	assert.True(t, golden.IsValidated)
	assert.Equal(t, "bench-1", golden.ValidatedByRunID)

	// Promoting a second snapshot demotes the first in the same step.
	require.NoError(t, ss.MarkGolden(ctx, "snap-b", "bench-2"))
	golden, err = ss.LatestGolden(ctx)
	require.NoError(t, err)
	require.NotNil(t, golden)
	assert.Equal(t, "snap-b", golden.ID)

	old, err := ss.Get(ctx, "snap-a")
	require.NoError(t, err)
	assert.False(t, old.IsGolden)
}

func TestSnapshotLatestGoldenEmpty(t *testing.T) {
	db := openTestDB(t)
	ss, err := NewSnapshotStore(db)
	require.NoError(t, err)

	golden, err := ss.LatestGolden(context.Background())
	require.NoError(t, err)
	assert.Nil(t, golden)
}

func TestSnapshotInvalidateRemovesGoldenFlag(t *testing.T) {
	db := openTestDB(t)
	ss, err := NewSnapshotStore(db)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, ss.Create(ctx, testSnapshot("snap-c")))
	require.NoError(t, ss.MarkGolden(ctx, "snap-c", "bench-3"))
	require.NoError(t, ss.Invalidate(ctx, "snap-c", "schema drift"))

	got, err := ss.Get(ctx, "snap-c")
	require.NoError(t, err)
	assert.Equal(t, contracts.SnapshotInvalidated, got.Status)
	assert.False(t, got.IsGolden)
	assert.Contains(t, got.Notes, "schema drift")

	golden, err := ss.LatestGolden(ctx)
	require.NoError(t, err)
	assert.Nil(t, golden)
}

func TestSnapshotMarkRestored(t *testing.T) {
	db := openTestDB(t)
	ss, err := NewSnapshotStore(db)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, ss.Create(ctx, testSnapshot("snap-d")))
	at := time.Now().UTC()
	require.NoError(t, ss.MarkRestored(ctx, "snap-d", at))

	got, err := ss.Get(ctx, "snap-d")
	require.NoError(t, err)
	assert.Equal(t, contracts.SnapshotRestored, got.Status)
	require.NotNil(t, got.RestoredAt)
}

func TestBenchmarkGoldenSwap(t *testing.T) {
	db := openTestDB(t)
	bs, err := NewBenchmarkStore(db)
	require.NoError(t, err)
	ctx := context.Background()

	run1 := &contracts.BenchmarkRun{
		RunID:       "bench-1",
		TriggeredBy: "operator:test",
		Type:        contracts.BenchmarkRegression,
		Passed:      true,
		Metrics:     map[string]float64{"store_connectivity.roundtrip_ms": 1.5},
		Duration:    120 * time.Millisecond,
		CreatedAt:   time.Now().UTC(),
	}
	run2 := &contracts.BenchmarkRun{
		RunID:       "bench-2",
		TriggeredBy: "operator:test",
		Type:        contracts.BenchmarkRegression,
		Passed:      true,
		Duration:    100 * time.Millisecond,
		CreatedAt:   time.Now().UTC(),
	}
	require.NoError(t, bs.Create(ctx, run1))
	require.NoError(t, bs.Create(ctx, run2))

	require.NoError(t, bs.SetGolden(ctx, "bench-1"))
	golden, err := bs.LatestGolden(ctx)
	require.NoError(t, err)
	require.NotNil(t, golden)
	assert.Equal(t, "bench-1", golden.RunID)
	assert.InDelta(t, 1.5, golden.Metrics["store_connectivity.roundtrip_ms"], 1e-9)

	require.NoError(t, bs.SetGolden(ctx, "bench-2"))
	golden, err = bs.LatestGolden(ctx)
	require.NoError(t, err)
	require.NotNil(t, golden)
	assert.Equal(t, "bench-2", golden.RunID)

	old, err := bs.Get(ctx, "bench-1")
	require.NoError(t, err)
	assert.False(t, old.IsGolden)
}

func TestMissionRoundTrip(t *testing.T) {
	db := openTestDB(t)
	ms, err := NewMissionStore(db)
	require.NoError(t, err)
	ctx := context.Background()

	m := &contracts.Mission{
		MissionID:           "mission-1",
		Name:                "upgrade",
		Goal:                "rolling upgrade of api tier",
		Status:              contracts.MissionActive,
		TotalPlannedActions: 4,
		History: []contracts.MissionEvent{
			{Type: contracts.MissionEventStarted, At: time.Now().UTC()},
		},
		StartedAt: time.Now().UTC(),
	}
	require.NoError(t, ms.Create(ctx, m))

	m.CompletedActions = 2
	m.ProgressRatio = 0.5
	m.ConfidenceScore = 0.91
	m.History = append(m.History, contracts.MissionEvent{
		Type:       contracts.MissionEventActionCompleted,
		ContractID: "act-9",
		At:         time.Now().UTC(),
	})
	require.NoError(t, ms.Update(ctx, m))

	got, err := ms.Get(ctx, "mission-1")
	require.NoError(t, err)
	assert.Equal(t, 2, got.CompletedActions)
	assert.Equal(t, 0.5, got.ProgressRatio)
	assert.Len(t, got.History, 2)

	_, err = ms.Get(ctx, "mission-missing")
	assert.ErrorIs(t, err, ErrMissionNotFound)
}

func TestAuditAppendAndRecent(t *testing.T) {
	db := openTestDB(t)
	as, err := NewSQLiteAuditStore(db)
	require.NoError(t, err)
	ctx := context.Background()

	for i, action := range []string{"create_contract", "create_snapshot", "verify_execution"} {
		require.NoError(t, as.Append(ctx, &AuditEntry{
			EntryID:   "entry-" + action,
			Actor:     "operator:test",
			Action:    action,
			Resource:  "res",
			Subsystem: "test",
			Payload:   map[string]any{"seq": i},
			Result:    "ok",
			Timestamp: time.Now().UTC().Add(time.Duration(i) * time.Second),
		}))
	}

	entries, err := as.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "verify_execution", entries[0].Action)
}
