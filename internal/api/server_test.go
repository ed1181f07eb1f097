package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/media-migrate/internal/batch"
	"github.com/tphakala/media-migrate/internal/conf"
	"github.com/tphakala/media-migrate/internal/datastore"
	"github.com/tphakala/media-migrate/internal/exclusion"
	"github.com/tphakala/media-migrate/internal/fetcher"
	"github.com/tphakala/media-migrate/internal/migration"
	"github.com/tphakala/media-migrate/internal/storage"
	"github.com/tphakala/media-migrate/internal/taskqueue"
)

type nullQueue struct{}

func (nullQueue) Enqueue(string, map[string]string, time.Duration) bool { return true }
func (nullQueue) Close()                                                {}

type stubFetcher struct{ dir string }

func (s *stubFetcher) Fetch(ctx context.Context, rawURL string) (*fetcher.Result, error) {
	path := filepath.Join(s.dir, "dl.png")
	if err := os.WriteFile(path, []byte("img"), 0o600); err != nil {
		return nil, err
	}
	return &fetcher.Result{Path: path, ContentType: "image/png", Size: 3}, nil
}

type stubUploader struct{ calls int }

func (s *stubUploader) Upload(ctx context.Context, localPath string, opts storage.UploadOptions) (*storage.Asset, error) {
	s.calls++
	return &storage.Asset{URL: fmt.Sprintf("https://img.example.com/u%d.png", s.calls), ID: int64(s.calls)}, nil
}

func newTestServer(t *testing.T, token string) (*Server, *datastore.SQLiteStore) {
	t.Helper()

	settings := &conf.Settings{}
	settings.Output.SQLite.Enabled = true
	settings.Output.SQLite.Path = ":memory:"

	store := &datastore.SQLiteStore{Settings: settings}
	require.NoError(t, store.Open())

	migrateCfg := &conf.MigrateSettings{
		LockTTL:  time.Minute,
		PageSize: 10,
	}
	storageCfg := &conf.StorageSettings{Endpoint: "https://img.example.com/api/1", DefaultBucket: 1}
	policy := exclusion.New(&conf.ExclusionSettings{PendingTTL: time.Minute}, store)
	coord := migration.New(migrateCfg, storageCfg, store, &stubFetcher{dir: t.TempDir()}, &stubUploader{}, policy, nil)
	orch := batch.New(migrateCfg, store, coord, nullQueue{}, nil)

	apiCfg := &conf.APISettings{Host: "127.0.0.1", Port: 0, BearerToken: token}
	return New(apiCfg, orch, coord, nil), store
}

var _ taskqueue.Queue = nullQueue{}

func TestHealthz(t *testing.T) {
	s, _ := newTestServer(t, "")

	rec := httptest.NewRecorder()
	s.Echo.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", http.NoBody))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestBatchProgress(t *testing.T) {
	s, store := newTestServer(t, "")

	record := datastore.ContentRecord{Body: "x"}
	require.NoError(t, store.DB.Create(&record).Error)

	rec := httptest.NewRecorder()
	s.Echo.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/batch/content", http.NoBody))
	require.Equal(t, http.StatusOK, rec.Code)

	var state batch.State
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &state))
	assert.Equal(t, int64(1), state.Total)
	assert.Equal(t, int64(1), state.Remaining)
}

func TestBatchProgressUnknownType(t *testing.T) {
	s, _ := newTestServer(t, "")

	rec := httptest.NewRecorder()
	s.Echo.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/batch/bogus", http.NoBody))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBearerGuard(t *testing.T) {
	s, _ := newTestServer(t, "topsecret")

	// Missing token
	rec := httptest.NewRecorder()
	s.Echo.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/batch/content/start", http.NoBody))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Wrong token
	req := httptest.NewRequest(http.MethodPost, "/api/v1/batch/content/start", http.NoBody)
	req.Header.Set("Authorization", "Bearer wrong")
	rec = httptest.NewRecorder()
	s.Echo.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Correct token
	req = httptest.NewRequest(http.MethodPost, "/api/v1/batch/content/start", http.NoBody)
	req.Header.Set("Authorization", "Bearer topsecret")
	rec = httptest.NewRecorder()
	s.Echo.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Reads stay open
	rec = httptest.NewRecorder()
	s.Echo.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/batch/content", http.NoBody))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestProcessRecordEndpoint(t *testing.T) {
	s, store := newTestServer(t, "")

	record := datastore.ContentRecord{Body: `<img src="http://cdn.example.com/a.png">`}
	require.NoError(t, store.DB.Create(&record).Error)

	rec := httptest.NewRecorder()
	url := fmt.Sprintf("/api/v1/records/%d/process", record.ID)
	s.Echo.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, url, http.NoBody))
	require.Equal(t, http.StatusOK, rec.Code)

	var result map[string]int
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, 1, result["processed"])
	assert.Equal(t, 0, result["failed"])
}

func TestProcessRecordBusyConflict(t *testing.T) {
	s, store := newTestServer(t, "")

	record := datastore.ContentRecord{Body: "x"}
	require.NoError(t, store.DB.Create(&record).Error)

	// Hold the record's lock so the request hits contention
	acquired, err := store.AddState(fmt.Sprintf("migrate:lock:record:%d", record.ID), "other", time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)

	rec := httptest.NewRecorder()
	url := fmt.Sprintf("/api/v1/records/%d/process", record.ID)
	s.Echo.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, url, http.NoBody))
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestProcessRecordInvalidID(t *testing.T) {
	s, _ := newTestServer(t, "")

	rec := httptest.NewRecorder()
	s.Echo.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/records/abc/process", http.NoBody))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
