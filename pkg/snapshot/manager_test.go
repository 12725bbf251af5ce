package snapshot

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/safeholdhq/safehold/pkg/audit"
	"github.com/safeholdhq/safehold/pkg/blob"
	"github.com/safeholdhq/safehold/pkg/contracts"
	"github.com/safeholdhq/safehold/pkg/store"
)

// fakeCapturer records its calls and stores a fixed payload.
type fakeCapturer struct {
	component  string
	blobs      blob.Store
	payload    []byte
	captureErr error
	restoreErr error
	panics     bool

	captures int
	restores int
}

func (f *fakeCapturer) ComponentType() string { return f.component }

func (f *fakeCapturer) Capture(ctx context.Context) (*contracts.ComponentCapture, error) {
	if f.panics {
		panic("capturer exploded")
	}
	f.captures++
	if f.captureErr != nil {
		return nil, f.captureErr
	}
	uri, err := f.blobs.Store(ctx, f.payload)
	if err != nil {
		return nil, err
	}
	return &contracts.ComponentCapture{
		Type:    f.component,
		Status:  contracts.CaptureOK,
		BlobURI: uri,
		Digest:  uri,
	}, nil
}

func (f *fakeCapturer) Restore(ctx context.Context, capture *contracts.ComponentCapture) error {
	f.restores++
	return f.restoreErr
}

func newTestManager(t *testing.T, capturers ...StateCapturer) (*Manager, *store.SnapshotStore, blob.Store) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "snap.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	ss, err := store.NewSnapshotStore(db)
	require.NoError(t, err)
	blobs, err := blob.NewFileStore(t.TempDir())
	require.NoError(t, err)

	m := NewManager(ss, blobs, capturers, audit.Nop{}, slog.Default())
	return m, ss, blobs
}

func TestCreateSnapshotAllComponents(t *testing.T) {
	blobs, err := blob.NewFileStore(t.TempDir())
	require.NoError(t, err)
	a := &fakeCapturer{component: "comp_a", blobs: blobs, payload: []byte("a")}
	b := &fakeCapturer{component: "comp_b", blobs: blobs, payload: []byte("b")}
	m, _, _ := newTestManager(t, a, b)

	snap, err := m.CreateSnapshot(context.Background(), CreateRequest{
		Type:        contracts.SnapshotManual,
		TriggeredBy: "operator:test",
	})
	require.NoError(t, err)

	assert.Contains(t, snap.ID, "snap-")
	assert.Equal(t, contracts.ManifestSchemaVersion, snap.Manifest.SchemaVersion)
	assert.Len(t, snap.Manifest.Components, 2)
	assert.Equal(t, 100.0, snap.HealthScore)
	assert.NotEmpty(t, snap.ManifestHash)
	assert.NotEmpty(t, snap.StorageURI)
	assert.Equal(t, contracts.SnapshotActive, snap.Status)
}

func TestCreateSnapshotPartialCapture(t *testing.T) {
	blobs, err := blob.NewFileStore(t.TempDir())
	require.NoError(t, err)
	good := &fakeCapturer{component: "comp_good", blobs: blobs, payload: []byte("ok")}
	bad := &fakeCapturer{component: "comp_bad", blobs: blobs, captureErr: errors.New("disk full")}
	m, _, _ := newTestManager(t, good, bad)

	snap, err := m.CreateSnapshot(context.Background(), CreateRequest{
		Type:        contracts.SnapshotPreAction,
		TriggeredBy: "operator:test",
	})
	require.NoError(t, err)

	assert.Equal(t, 50.0, snap.HealthScore)
	assert.True(t, snap.Manifest.Components["comp_good"].Captured())
	failed := snap.Manifest.Components["comp_bad"]
	assert.False(t, failed.Captured())
	assert.Contains(t, failed.Error, "disk full")
}

func TestCreateSnapshotCapturerPanicIsIsolated(t *testing.T) {
	blobs, err := blob.NewFileStore(t.TempDir())
	require.NoError(t, err)
	stable := &fakeCapturer{component: "comp_ok", blobs: blobs, payload: []byte("x")}
	unstable := &fakeCapturer{component: "comp_panic", blobs: blobs, panics: true}
	m, _, _ := newTestManager(t, stable, unstable)

	snap, err := m.CreateSnapshot(context.Background(), CreateRequest{
		Type:        contracts.SnapshotManual,
		TriggeredBy: "operator:test",
	})
	require.NoError(t, err)
	assert.True(t, snap.Manifest.Components["comp_ok"].Captured())
	assert.False(t, snap.Manifest.Components["comp_panic"].Captured())
	assert.Contains(t, snap.Manifest.Components["comp_panic"].Error, "panic")
}

func TestRestoreSnapshot(t *testing.T) {
	blobs, err := blob.NewFileStore(t.TempDir())
	require.NoError(t, err)
	c := &fakeCapturer{component: "comp_a", blobs: blobs, payload: []byte("state")}
	m, ss, _ := newTestManager(t, c)
	ctx := context.Background()

	snap, err := m.CreateSnapshot(ctx, CreateRequest{Type: contracts.SnapshotManual, TriggeredBy: "op"})
	require.NoError(t, err)

	result, err := m.RestoreSnapshot(ctx, snap.ID, false)
	require.NoError(t, err)

	assert.True(t, result.Verified)
	assert.False(t, result.DryRun)
	require.Len(t, result.Components, 1)
	assert.Equal(t, "restored", result.Components[0].Status)
	assert.Equal(t, 1, c.restores)

	stored, err := ss.Get(ctx, snap.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.SnapshotRestored, stored.Status)
}

func TestRestoreDryRunMutatesNothing(t *testing.T) {
	c := &fakeCapturer{component: "comp_a", payload: []byte("state")}
	m, ss, blobs := newTestManager(t, c)
	c.blobs = blobs
	ctx := context.Background()

	snap, err := m.CreateSnapshot(ctx, CreateRequest{Type: contracts.SnapshotManual, TriggeredBy: "op"})
	require.NoError(t, err)

	result, err := m.RestoreSnapshot(ctx, snap.ID, true)
	require.NoError(t, err)

	assert.True(t, result.DryRun)
	assert.True(t, result.Verified)
	require.Len(t, result.Components, 1)
	assert.Equal(t, "valid", result.Components[0].Status)
	assert.Zero(t, c.restores)

	// Status stays active: a dry run is read-only end to end.
	stored, err := ss.Get(ctx, snap.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.SnapshotActive, stored.Status)
}

func TestRestoreFailsClosedOnTamperedManifest(t *testing.T) {
	blobs, err := blob.NewFileStore(t.TempDir())
	require.NoError(t, err)
	c := &fakeCapturer{component: "comp_a", blobs: blobs, payload: []byte("state")}

	db, err := store.Open(filepath.Join(t.TempDir(), "snap.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	ss, err := store.NewSnapshotStore(db)
	require.NoError(t, err)
	m := NewManager(ss, blobs, []StateCapturer{c}, audit.Nop{}, slog.Default())
	ctx := context.Background()

	snap, err := m.CreateSnapshot(ctx, CreateRequest{Type: contracts.SnapshotManual, TriggeredBy: "op"})
	require.NoError(t, err)

	// Corrupt the persisted hash so it no longer matches the stored
	// manifest. The restore must refuse before touching any capturer.
	tampered := *snap
	tampered.ID = "snap-tampered"
	tampered.ManifestHash = "0000000000000000000000000000000000000000000000000000000000000000"
	require.NoError(t, ss.Create(ctx, &tampered))

	_, err = m.RestoreSnapshot(ctx, "snap-tampered", false)
	require.ErrorIs(t, err, ErrIntegrityViolation)
	assert.Zero(t, c.restores)

	// Dry runs fail closed the same way.
	_, err = m.RestoreSnapshot(ctx, "snap-tampered", true)
	require.ErrorIs(t, err, ErrIntegrityViolation)
}

func TestRestoreSkipsUncapturedComponents(t *testing.T) {
	blobs, err := blob.NewFileStore(t.TempDir())
	require.NoError(t, err)
	good := &fakeCapturer{component: "comp_good", blobs: blobs, payload: []byte("ok")}
	bad := &fakeCapturer{component: "comp_bad", blobs: blobs, captureErr: errors.New("boom")}
	m, _, _ := newTestManager(t, good, bad)
	ctx := context.Background()

	snap, err := m.CreateSnapshot(ctx, CreateRequest{Type: contracts.SnapshotManual, TriggeredBy: "op"})
	require.NoError(t, err)

	result, err := m.RestoreSnapshot(ctx, snap.ID, false)
	require.NoError(t, err)

	statuses := map[string]string{}
	for _, cr := range result.Components {
		statuses[cr.Type] = cr.Status
	}
	assert.Equal(t, "restored", statuses["comp_good"])
	assert.Equal(t, "skipped", statuses["comp_bad"])
	assert.Zero(t, bad.restores)
}

func TestValidateSnapshotGatedOnBenchmark(t *testing.T) {
	blobs, err := blob.NewFileStore(t.TempDir())
	require.NoError(t, err)
	c := &fakeCapturer{component: "comp_a", blobs: blobs, payload: []byte("x")}
	m, ss, _ := newTestManager(t, c)
	ctx := context.Background()

	snap, err := m.CreateSnapshot(ctx, CreateRequest{Type: contracts.SnapshotManual, TriggeredBy: "op"})
	require.NoError(t, err)

	// A failed run never promotes.
	promoted, err := m.ValidateSnapshot(ctx, snap.ID, &contracts.BenchmarkRun{RunID: "bench-f", Passed: false})
	require.NoError(t, err)
	assert.False(t, promoted)

	// Nil run never promotes either.
	promoted, err = m.ValidateSnapshot(ctx, snap.ID, nil)
	require.NoError(t, err)
	assert.False(t, promoted)

	promoted, err = m.ValidateSnapshot(ctx, snap.ID, &contracts.BenchmarkRun{RunID: "bench-ok", Passed: true})
	require.NoError(t, err)
	assert.True(t, promoted)

	golden, err := ss.LatestGolden(ctx)
	require.NoError(t, err)
	require.NotNil(t, golden)
	assert.Equal(t, snap.ID, golden.ID)
	assert.Equal(t, "bench-ok", golden.ValidatedByRunID)
}

func TestInvalidateSnapshot(t *testing.T) {
	blobs, err := blob.NewFileStore(t.TempDir())
	require.NoError(t, err)
	c := &fakeCapturer{component: "comp_a", blobs: blobs, payload: []byte("x")}
	m, _, _ := newTestManager(t, c)
	ctx := context.Background()

	snap, err := m.CreateSnapshot(ctx, CreateRequest{Type: contracts.SnapshotManual, TriggeredBy: "op"})
	require.NoError(t, err)
	require.NoError(t, m.InvalidateSnapshot(ctx, snap.ID, "superseded"))

	got, err := m.Get(ctx, snap.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.SnapshotInvalidated, got.Status)
}

func TestCheckSchemaVersion(t *testing.T) {
	assert.NoError(t, checkSchemaVersion("1.2.0"))
	assert.NoError(t, checkSchemaVersion("1.9.3"))
	assert.ErrorIs(t, checkSchemaVersion("2.0.0"), ErrSchemaIncompatible)
	assert.ErrorIs(t, checkSchemaVersion("not-a-version"), ErrSchemaIncompatible)
}

func TestHealthScoreBaselineMetrics(t *testing.T) {
	// The health component's numeric metadata becomes the snapshot's
	// baseline metrics.
	blobs, err := blob.NewFileStore(t.TempDir())
	require.NoError(t, err)
	health := &metadataCapturer{
		fakeCapturer: fakeCapturer{component: ComponentHealth, blobs: blobs, payload: []byte("h")},
		metadata:     map[string]any{"memory_percent": 42.5, "hostname": "node1"},
	}
	m, _, _ := newTestManager(t, health)

	snap, err := m.CreateSnapshot(context.Background(), CreateRequest{Type: contracts.SnapshotManual, TriggeredBy: "op"})
	require.NoError(t, err)
	assert.Equal(t, 42.5, snap.BaselineMetrics["memory_percent"])
	_, hasHost := snap.BaselineMetrics["hostname"]
	assert.False(t, hasHost)
}

type metadataCapturer struct {
	fakeCapturer
	metadata map[string]any
}

func (c *metadataCapturer) Capture(ctx context.Context) (*contracts.ComponentCapture, error) {
	capture, err := c.fakeCapturer.Capture(ctx)
	if err != nil {
		return nil, err
	}
	capture.Metadata = c.metadata
	return capture, nil
}

func TestRestoreSerialized(t *testing.T) {
	blobs, err := blob.NewFileStore(t.TempDir())
	require.NoError(t, err)
	slow := &slowCapturer{fakeCapturer: fakeCapturer{component: "comp_slow", blobs: blobs, payload: []byte("s")}}
	m, _, _ := newTestManager(t, slow)
	ctx := context.Background()

	snap, err := m.CreateSnapshot(ctx, CreateRequest{Type: contracts.SnapshotManual, TriggeredBy: "op"})
	require.NoError(t, err)

	done := make(chan error, 2)
	go func() { _, err := m.RestoreSnapshot(ctx, snap.ID, false); done <- err }()
	go func() { _, err := m.RestoreSnapshot(ctx, snap.ID, false); done <- err }()
	<-done
	<-done

	// Both restores ran, but never concurrently.
	assert.False(t, slow.overlapped.Load())
}

type slowCapturer struct {
	fakeCapturer
	inFlight   atomic.Bool
	overlapped atomic.Bool
}

func (c *slowCapturer) Restore(ctx context.Context, capture *contracts.ComponentCapture) error {
	if !c.inFlight.CompareAndSwap(false, true) {
		c.overlapped.Store(true)
	}
	time.Sleep(10 * time.Millisecond)
	c.inFlight.Store(false)
	return nil
}
