package batch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/media-migrate/internal/conf"
	"github.com/tphakala/media-migrate/internal/datastore"
	"github.com/tphakala/media-migrate/internal/exclusion"
	"github.com/tphakala/media-migrate/internal/fetcher"
	"github.com/tphakala/media-migrate/internal/migration"
	"github.com/tphakala/media-migrate/internal/storage"
	"github.com/tphakala/media-migrate/internal/taskqueue"
)

// recordingQueue captures enqueued ticks; tests drive them explicitly so
// tick boundaries stay observable.
type recordingQueue struct {
	enqueued []taskqueue.Task
	reject   bool
}

func (q *recordingQueue) Enqueue(taskName string, args map[string]string, delay time.Duration) bool {
	if q.reject {
		return false
	}
	q.enqueued = append(q.enqueued, taskqueue.Task{Name: taskName, Args: args})
	return true
}

func (q *recordingQueue) Close() {}

type stubFetcher struct {
	dir   string
	calls int
}

func (s *stubFetcher) Fetch(ctx context.Context, rawURL string) (*fetcher.Result, error) {
	s.calls++
	path := filepath.Join(s.dir, fmt.Sprintf("dl-%d.png", s.calls))
	if err := os.WriteFile(path, []byte("img"), 0o600); err != nil {
		return nil, err
	}
	return &fetcher.Result{Path: path, ContentType: "image/png", Size: 3}, nil
}

type stubUploader struct {
	calls int
	fail  bool
}

func (s *stubUploader) Upload(ctx context.Context, localPath string, opts storage.UploadOptions) (*storage.Asset, error) {
	s.calls++
	if s.fail {
		return nil, fmt.Errorf("upload unavailable")
	}
	return &storage.Asset{URL: fmt.Sprintf("https://img.example.com/u%d.png", s.calls), ID: int64(s.calls)}, nil
}

type fixture struct {
	store    *datastore.SQLiteStore
	queue    *recordingQueue
	uploader *stubUploader
	orch     *Orchestrator
}

func newFixture(t *testing.T, pageSize int) *fixture {
	t.Helper()

	settings := &conf.Settings{}
	settings.Output.SQLite.Enabled = true
	settings.Output.SQLite.Path = ":memory:"

	store := &datastore.SQLiteStore{Settings: settings}
	require.NoError(t, store.Open())

	migrateCfg := &conf.MigrateSettings{
		LockTTL:          time.Minute,
		PageSize:         pageSize,
		SiteHost:         "site.example.com",
		LocalStorageRoot: "/uploads",
		LocalBasePath:    t.TempDir(),
	}
	storageCfg := &conf.StorageSettings{Endpoint: "https://img.example.com/api/1", DefaultBucket: 1}
	policy := exclusion.New(&conf.ExclusionSettings{PendingTTL: time.Minute}, store)

	uploader := &stubUploader{}
	coord := migration.New(migrateCfg, storageCfg, store, &stubFetcher{dir: t.TempDir()}, uploader, policy, nil)

	queue := &recordingQueue{}
	orch := New(migrateCfg, store, coord, queue, nil)

	return &fixture{store: store, queue: queue, uploader: uploader, orch: orch}
}

func (fx *fixture) seedRecords(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		record := datastore.ContentRecord{
			Body: fmt.Sprintf(`<img src="http://cdn.example.com/p%d.png">`, i),
		}
		require.NoError(t, fx.store.DB.Create(&record).Error)
	}
}

func TestStartEnqueuesFirstTick(t *testing.T) {
	fx := newFixture(t, 2)
	fx.seedRecords(t, 3)

	state, err := fx.orch.Start(TypeContent)
	require.NoError(t, err)
	assert.True(t, state.Running)
	assert.True(t, state.Queued)
	assert.Equal(t, int64(3), state.Total)
	assert.Equal(t, int64(3), state.Remaining)
	require.Len(t, fx.queue.enqueued, 1)
	assert.Equal(t, TypeContent, fx.queue.enqueued[0].Args["type"])
}

func TestStartWhileRunningIsANoOp(t *testing.T) {
	fx := newFixture(t, 2)
	fx.seedRecords(t, 1)

	_, err := fx.orch.Start(TypeContent)
	require.NoError(t, err)

	state, err := fx.orch.Start(TypeContent)
	require.NoError(t, err)
	assert.True(t, state.Running)
	assert.Len(t, fx.queue.enqueued, 1, "a running batch must not be enqueued again")
}

func TestStartRejectsUnknownType(t *testing.T) {
	fx := newFixture(t, 2)
	_, err := fx.orch.Start("bogus")
	assert.Error(t, err)
}

func TestTicksDriveBatchToCompletion(t *testing.T) {
	fx := newFixture(t, 2)
	fx.seedRecords(t, 3)
	ctx := context.Background()

	_, err := fx.orch.Start(TypeContent)
	require.NoError(t, err)

	// First tick: one full page, work remains, next tick enqueued
	require.NoError(t, fx.orch.Tick(ctx, TypeContent))
	state, err := fx.orch.Progress(TypeContent)
	require.NoError(t, err)
	assert.Equal(t, int64(2), state.Processed)
	assert.Equal(t, int64(1), state.Remaining)
	assert.False(t, state.Completed)
	assert.Len(t, fx.queue.enqueued, 2)

	// Second tick: finishes the remainder
	require.NoError(t, fx.orch.Tick(ctx, TypeContent))
	state, err = fx.orch.Progress(TypeContent)
	require.NoError(t, err)
	assert.Equal(t, int64(3), state.Processed)
	assert.Equal(t, int64(0), state.Remaining)
	assert.True(t, state.Completed)
	assert.False(t, state.Running)
	assert.Len(t, fx.queue.enqueued, 2, "a completed batch enqueues no further ticks")
}

func TestProcessedCountsAreMonotonic(t *testing.T) {
	fx := newFixture(t, 1)
	fx.seedRecords(t, 3)
	ctx := context.Background()

	_, err := fx.orch.Start(TypeContent)
	require.NoError(t, err)

	var last int64 = -1
	for i := 0; i < 3; i++ {
		require.NoError(t, fx.orch.Tick(ctx, TypeContent))
		state, err := fx.orch.Progress(TypeContent)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, state.Processed, last, "processed never decreases between ticks")
		last = state.Processed
	}
	assert.Equal(t, int64(3), last)
}

func TestStopHaltsAtTickBoundary(t *testing.T) {
	fx := newFixture(t, 2)
	fx.seedRecords(t, 3)
	ctx := context.Background()

	_, err := fx.orch.Start(TypeContent)
	require.NoError(t, err)

	state, err := fx.orch.Stop(TypeContent)
	require.NoError(t, err)
	assert.True(t, state.StopRequested)
	assert.False(t, state.Running, "running flag clears optimistically")

	require.NoError(t, fx.orch.Tick(ctx, TypeContent))

	state, err = fx.orch.Progress(TypeContent)
	require.NoError(t, err)
	assert.False(t, state.StopRequested)
	assert.False(t, state.Running)
	assert.Equal(t, int64(3), state.Remaining, "stopped tick processes nothing")
	assert.Equal(t, 0, fx.uploader.calls)
	assert.Len(t, fx.queue.enqueued, 1, "stopped batch enqueues no next tick")
}

func TestFailedItemsAreCounted(t *testing.T) {
	fx := newFixture(t, 5)
	fx.seedRecords(t, 2)
	fx.uploader.fail = true
	ctx := context.Background()

	_, err := fx.orch.Start(TypeContent)
	require.NoError(t, err)
	require.NoError(t, fx.orch.Tick(ctx, TypeContent))

	state, err := fx.orch.Progress(TypeContent)
	require.NoError(t, err)
	assert.Equal(t, int64(2), state.Failed)
	assert.Equal(t, int64(0), state.Success)
	assert.NotEmpty(t, state.LastOutcomes)
}

func TestResetClearsContentMarkers(t *testing.T) {
	fx := newFixture(t, 5)
	fx.seedRecords(t, 2)
	ctx := context.Background()

	_, err := fx.orch.Start(TypeContent)
	require.NoError(t, err)
	require.NoError(t, fx.orch.Tick(ctx, TypeContent))

	state, err := fx.orch.Progress(TypeContent)
	require.NoError(t, err)
	require.True(t, state.Completed)

	require.NoError(t, fx.orch.Reset(TypeContent))

	state, err = fx.orch.Progress(TypeContent)
	require.NoError(t, err)
	assert.Equal(t, int64(2), state.Remaining, "reset makes all records selectable again")
	assert.Equal(t, int64(0), state.Processed)
	assert.False(t, state.Running)
}

func TestResetRefusedWhileRunning(t *testing.T) {
	fx := newFixture(t, 2)
	fx.seedRecords(t, 1)

	_, err := fx.orch.Start(TypeContent)
	require.NoError(t, err)

	assert.Error(t, fx.orch.Reset(TypeContent))
}

func TestMediaBatch(t *testing.T) {
	fx := newFixture(t, 5)
	ctx := context.Background()

	base := fx.orch.settings.LocalBasePath
	for i := 0; i < 2; i++ {
		name := fmt.Sprintf("m%d.png", i)
		require.NoError(t, os.WriteFile(filepath.Join(base, name), []byte("img"), 0o600))
		asset := datastore.MediaAsset{SitePath: "/uploads/" + name, FilePath: name, Mime: "image/png"}
		require.NoError(t, fx.store.DB.Create(&asset).Error)
	}

	_, err := fx.orch.Start(TypeMedia)
	require.NoError(t, err)
	require.NoError(t, fx.orch.Tick(ctx, TypeMedia))

	state, err := fx.orch.Progress(TypeMedia)
	require.NoError(t, err)
	assert.True(t, state.Completed)
	assert.Equal(t, int64(2), state.Success)
	assert.Equal(t, 2, fx.uploader.calls)
}
