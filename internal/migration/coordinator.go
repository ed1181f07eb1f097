// Package migration drives the per-record pipeline: scan a record's image
// references, classify each one, fetch and upload where needed, rewrite the
// body, and remember every completed step so the work is idempotent and
// resumable. All cross-process coordination lives in the persisted TTL state
// store, never in process memory.
package migration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/tphakala/media-migrate/internal/conf"
	"github.com/tphakala/media-migrate/internal/datastore"
	"github.com/tphakala/media-migrate/internal/errors"
	"github.com/tphakala/media-migrate/internal/exclusion"
	"github.com/tphakala/media-migrate/internal/fetcher"
	"github.com/tphakala/media-migrate/internal/logging"
	"github.com/tphakala/media-migrate/internal/observability"
	"github.com/tphakala/media-migrate/internal/storage"
)

// Package-level logger specific to the migration coordinator
var (
	logger          *slog.Logger
	serviceLevelVar = new(slog.LevelVar)
	closeLogger     func() error
)

func init() {
	var err error
	logFilePath := filepath.Join("logs", "migration.log")
	serviceLevelVar.Set(slog.LevelInfo)

	logger, closeLogger, err = logging.NewFileLogger(logFilePath, "migration", serviceLevelVar)
	if err != nil {
		log.Printf("Failed to initialize migration file logger at %s: %v. Service logging disabled.", logFilePath, err)
		fbHandler := slog.NewJSONHandler(io.Discard, &slog.HandlerOptions{Level: serviceLevelVar})
		logger = slog.New(fbHandler).With("service", "migration")
		closeLogger = func() error { return nil }
	}
}

// State keys. Mapping entries carry no TTL so completed work is never lost.
const (
	lockKeyPrefix = "migrate:lock:record:"
	mapKeyPrefix  = "migrate:map:record:"
)

// Fetcher downloads one remote image to a local temporary file.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (*fetcher.Result, error)
}

// Uploader pushes one local file to remote storage.
type Uploader interface {
	Upload(ctx context.Context, localPath string, opts storage.UploadOptions) (*storage.Asset, error)
}

// mapping is the persisted per-record memory of completed migrations.
type mapping struct {
	URLs   map[string]string `json:"urls"`   // canonical URL -> final URL
	Assets map[string]int64  `json:"assets"` // canonical URL -> remote asset id
}

func newMapping() *mapping {
	return &mapping{
		URLs:   make(map[string]string),
		Assets: make(map[string]int64),
	}
}

// Coordinator runs the migration pipeline for one record or asset at a time.
type Coordinator struct {
	settings   *conf.MigrateSettings
	storageCfg *conf.StorageSettings
	store      datastore.Interface
	fetch      Fetcher
	upload     Uploader
	policy     *exclusion.Policy
	metrics    *observability.Metrics

	// InvalidateRender, when set, is called after a record body was
	// rewritten so any cached rendering of the record is dropped.
	InvalidateRender func(recordID uint)
}

// New wires a coordinator from its collaborators.
func New(settings *conf.MigrateSettings, storageCfg *conf.StorageSettings, store datastore.Interface, f Fetcher, u Uploader, policy *exclusion.Policy, metrics *observability.Metrics) *Coordinator {
	return &Coordinator{
		settings:   settings,
		storageCfg: storageCfg,
		store:      store,
		fetch:      f,
		upload:     u,
		policy:     policy,
		metrics:    metrics,
	}
}

// ProcessRecord migrates every image reference in one record's body.
// Exactly one caller proceeds per record within the lock TTL; concurrent
// callers get a busy error and no mutation happens.
func (c *Coordinator) ProcessRecord(ctx context.Context, recordID uint) (processed, failed int, err error) {
	release, err := c.acquireLock(recordID)
	if err != nil {
		return 0, 0, err
	}
	defer release()

	record, err := c.store.GetRecord(recordID)
	if err != nil {
		return 0, 0, errors.Newf("loading record %d: %w", recordID, err).
			Category(errors.CategoryNotFound).
			Component("migration").
			Build()
	}

	m := c.loadMapping(recordID)
	refs := ExtractImageRefs(record.Body)
	body := record.Body

	owner := storage.OwnerInfo{IsAdmin: record.OwnerRole == "admin"}

	for _, ref := range refs {
		final, outcome, refErr := c.migrateRef(ctx, recordID, ref, owner, m)
		c.countRef(outcome)
		switch {
		case refErr != nil:
			failed++
			logger.Warn("reference migration failed",
				"record_id", recordID,
				"url", ref.Canonical,
				"error", refErr)
		case final != "" && final != ref.Raw:
			body = replaceRef(body, ref.Raw, final)
			if outcome == outcomeMigrated {
				processed++
			}
		case outcome == outcomeMigrated:
			processed++
		}
	}

	if body != record.Body {
		if err := c.store.UpdateRecordBody(recordID, body); err != nil {
			// A failed body write means no visible change; the mapping keeps
			// the completed uploads so a retry only rewrites text.
			logger.Error("persisting rewritten body failed", "record_id", recordID, "error", err)
		} else if c.InvalidateRender != nil {
			c.InvalidateRender(recordID)
		}
	}

	if failed == 0 {
		if err := c.store.MarkRecordMigrated(recordID); err != nil {
			logger.Error("marking record migrated failed", "record_id", recordID, "error", err)
		}
		c.countRecord("success")
	} else {
		c.countRecord("partial")
	}

	logger.Info("record processed",
		"record_id", recordID,
		"references", len(refs),
		"processed", processed,
		"failed", failed)
	return processed, failed, nil
}

// ProcessRecordFields migrates image URLs held in a record's flat custom
// fields, reusing the record's mapping cache and lock.
func (c *Coordinator) ProcessRecordFields(ctx context.Context, recordID uint) (processed, failed int, err error) {
	if len(c.settings.ImageFieldKeys) == 0 {
		return 0, 0, nil
	}

	release, err := c.acquireLock(recordID)
	if err != nil {
		return 0, 0, err
	}
	defer release()

	record, err := c.store.GetRecord(recordID)
	if err != nil {
		return 0, 0, errors.Newf("loading record %d: %w", recordID, err).
			Category(errors.CategoryNotFound).
			Component("migration").
			Build()
	}
	if strings.TrimSpace(record.Fields) == "" {
		return 0, 0, nil
	}

	fields := make(map[string]string)
	if err := json.Unmarshal([]byte(record.Fields), &fields); err != nil {
		return 0, 0, errors.Newf("record %d fields are not a flat JSON object: %w", recordID, err).
			Category(errors.CategoryValidation).
			Component("migration").
			Build()
	}

	m := c.loadMapping(recordID)
	owner := storage.OwnerInfo{IsAdmin: record.OwnerRole == "admin"}
	changed := false

	for _, key := range c.settings.ImageFieldKeys {
		raw, ok := fields[key]
		if !ok || strings.TrimSpace(raw) == "" {
			continue
		}
		ref := Ref{Raw: raw, Canonical: CanonicalizeURL(raw)}
		final, outcome, refErr := c.migrateRef(ctx, recordID, ref, owner, m)
		c.countRef(outcome)
		if refErr != nil {
			failed++
			continue
		}
		if outcome == outcomeMigrated {
			processed++
		}
		if final != "" && final != raw {
			fields[key] = final
			changed = true
		}
	}

	if changed {
		encoded, err := json.Marshal(fields)
		if err != nil {
			return processed, failed, errors.Newf("encoding rewritten fields: %w", err).
				Category(errors.CategoryGeneric).
				Component("migration").
				Build()
		}
		if err := c.store.UpdateRecordFields(recordID, string(encoded)); err != nil {
			logger.Error("persisting rewritten fields failed", "record_id", recordID, "error", err)
		}
	}
	return processed, failed, nil
}

// ProcessAsset uploads one standalone media asset that has no remote copy
// yet. Used by the media batch.
func (c *Coordinator) ProcessAsset(ctx context.Context, assetID uint) error {
	asset, err := c.store.GetAsset(assetID)
	if err != nil {
		return errors.Newf("loading asset %d: %w", assetID, err).
			Category(errors.CategoryNotFound).
			Component("migration").
			Build()
	}
	if asset.Restricted || asset.RemoteURL != "" {
		return nil
	}

	// A denial stashed before the asset row existed binds to it now
	if applied, err := c.policy.ApplyPending(asset.ID, asset.SitePath); err != nil {
		logger.Warn("checking pending skip marker failed", "asset_id", assetID, "error", err)
	} else if applied {
		logger.Info("asset excluded by pending marker", "asset_id", assetID)
		return nil
	}

	allow, reason := c.policy.ShouldUpload(exclusion.Candidate{
		Path:    asset.SitePath,
		Mime:    asset.Mime,
		AssetID: asset.ID,
		Source:  "media-batch",
	}, exclusion.RequestContext{Automated: true})
	if !allow {
		logger.Info("asset excluded from migration", "asset_id", assetID, "reason", reason)
		return nil
	}

	localPath := asset.FilePath
	if !filepath.IsAbs(localPath) {
		localPath = filepath.Join(c.settings.LocalBasePath, localPath)
	}
	uploaded, err := c.upload.Upload(ctx, localPath, storage.UploadOptions{
		Avatar: asset.Avatar,
	})
	if err != nil {
		return err
	}
	if err := c.store.SetAssetRemote(assetID, uploaded.URL, uploaded.ID); err != nil {
		return errors.Newf("recording asset upload: %w", err).
			Category(errors.CategoryDatabase).
			Component("migration").
			Context("asset_id", assetID).
			Build()
	}
	return nil
}

// Per-reference outcomes, used for counters and control flow.
const (
	outcomeCached      = "cached"
	outcomePassthrough = "passthrough"
	outcomeExcluded    = "excluded"
	outcomeMigrated    = "migrated"
	outcomeFailed      = "failed"
)

// migrateRef classifies and migrates one reference. It returns the final URL
// to substitute ("" when the reference stays untouched) and the outcome.
// Every success is persisted into the mapping before returning.
func (c *Coordinator) migrateRef(ctx context.Context, recordID uint, ref Ref, owner storage.OwnerInfo, m *mapping) (string, string, error) {
	// 1. Completed in an earlier run or earlier in this one
	if final, ok := m.URLs[ref.Canonical]; ok {
		return final, outcomeCached, nil
	}

	// 2. Already hosted by the storage backend
	if c.isStorageHost(ref.Canonical) {
		m.URLs[ref.Canonical] = ref.Raw
		c.saveMapping(recordID, m)
		return "", outcomePassthrough, nil
	}

	// 3. Local asset: upload straight from disk
	if sitePath, ok := c.localSitePath(ref.Canonical); ok {
		return c.migrateLocal(ctx, recordID, ref, sitePath, owner, m)
	}

	// 4. External reference: fetch then upload
	result, err := c.fetch.Fetch(ctx, ref.Canonical)
	if err != nil {
		return "", outcomeFailed, err
	}
	defer func() {
		_ = os.Remove(result.Path)
	}()

	uploaded, err := c.upload.Upload(ctx, result.Path, storage.UploadOptions{
		Owner:     owner,
		SourceURL: ref.Canonical,
	})
	if err != nil {
		return "", outcomeFailed, err
	}

	m.URLs[ref.Canonical] = uploaded.URL
	// The final URL maps to itself so reprocessing a rewritten body stays
	// a pure cache hit.
	m.URLs[CanonicalizeURL(uploaded.URL)] = uploaded.URL
	if uploaded.ID != 0 {
		m.Assets[ref.Canonical] = uploaded.ID
	}
	c.saveMapping(recordID, m)
	return uploaded.URL, outcomeMigrated, nil
}

// migrateLocal handles a reference that resolves under the local storage
// root: exclusion policy first, then reuse of a recorded upload, then a
// direct upload from the known local path.
func (c *Coordinator) migrateLocal(ctx context.Context, recordID uint, ref Ref, sitePath string, owner storage.OwnerInfo, m *mapping) (string, string, error) {
	asset, err := c.store.ResolveLocalAsset(sitePath)
	if err != nil {
		return "", outcomeFailed, err
	}

	if asset != nil {
		if asset.Restricted {
			return "", outcomeExcluded, nil
		}
		if asset.RemoteURL != "" {
			m.URLs[ref.Canonical] = asset.RemoteURL
			if asset.RemoteID != 0 {
				m.Assets[ref.Canonical] = asset.RemoteID
			}
			c.saveMapping(recordID, m)
			return asset.RemoteURL, outcomeCached, nil
		}
	}

	candidate := exclusion.Candidate{
		Path:     sitePath,
		Mime:     mimeFromPath(sitePath),
		RecordID: recordID,
		Source:   "content-migration",
	}
	if asset != nil {
		candidate.AssetID = asset.ID
		if asset.Mime != "" {
			candidate.Mime = asset.Mime
		}
	}
	if allow, _ := c.policy.ShouldUpload(candidate, exclusion.RequestContext{Automated: true}); !allow {
		return "", outcomeExcluded, nil
	}

	relative := strings.TrimPrefix(sitePath, c.settings.LocalStorageRoot)
	localPath := filepath.Join(c.settings.LocalBasePath, filepath.FromSlash(relative))
	uploaded, err := c.upload.Upload(ctx, localPath, storage.UploadOptions{
		Owner:     owner,
		SourceURL: ref.Canonical,
	})
	if err != nil {
		return "", outcomeFailed, err
	}

	m.URLs[ref.Canonical] = uploaded.URL
	// The final URL maps to itself so reprocessing a rewritten body stays
	// a pure cache hit.
	m.URLs[CanonicalizeURL(uploaded.URL)] = uploaded.URL
	if uploaded.ID != 0 {
		m.Assets[ref.Canonical] = uploaded.ID
	}
	c.saveMapping(recordID, m)
	if asset != nil {
		if err := c.store.SetAssetRemote(asset.ID, uploaded.URL, uploaded.ID); err != nil {
			logger.Error("recording local asset upload failed", "asset_id", asset.ID, "error", err)
		}
	}
	return uploaded.URL, outcomeMigrated, nil
}

// acquireLock takes the record's processing lock or fails fast with a busy
// error. The returned release function always deletes the lock.
func (c *Coordinator) acquireLock(recordID uint) (func(), error) {
	key := fmt.Sprintf("%s%d", lockKeyPrefix, recordID)
	acquired, err := c.store.AddState(key, time.Now().Format(time.RFC3339), c.settings.LockTTL)
	if err != nil {
		return nil, errors.Newf("acquiring processing lock: %w", err).
			Category(errors.CategoryState).
			Component("migration").
			Context("record_id", recordID).
			Build()
	}
	if !acquired {
		if c.metrics != nil {
			c.metrics.LockContention.Inc()
		}
		return nil, errors.Newf("record %d is already being processed", recordID).
			Category(errors.CategoryConflict).
			Component("migration").
			Context("record_id", recordID).
			Build()
	}
	return func() {
		if err := c.store.DeleteState(key); err != nil {
			logger.Error("releasing processing lock failed", "record_id", recordID, "error", err)
		}
	}, nil
}

// IsBusy reports whether err is the lock-contention failure.
func IsBusy(err error) bool {
	return errors.IsCategory(err, errors.CategoryConflict)
}

// loadMapping reads the record's mapping cache, returning an empty mapping
// when none exists or the stored payload is unreadable.
func (c *Coordinator) loadMapping(recordID uint) *mapping {
	key := fmt.Sprintf("%s%d", mapKeyPrefix, recordID)
	value, found, err := c.store.GetState(key)
	if err != nil || !found {
		return newMapping()
	}
	m := newMapping()
	if err := json.Unmarshal([]byte(value), m); err != nil {
		logger.Warn("mapping cache unreadable, starting fresh", "record_id", recordID, "error", err)
		return newMapping()
	}
	if m.URLs == nil {
		m.URLs = make(map[string]string)
	}
	if m.Assets == nil {
		m.Assets = make(map[string]int64)
	}
	return m
}

// saveMapping persists the mapping immediately so a crash loses at most the
// in-flight reference. Mapping entries never expire.
func (c *Coordinator) saveMapping(recordID uint, m *mapping) {
	key := fmt.Sprintf("%s%d", mapKeyPrefix, recordID)
	payload, err := json.Marshal(m)
	if err != nil {
		logger.Error("encoding mapping cache failed", "record_id", recordID, "error", err)
		return
	}
	if err := c.store.SetState(key, string(payload), 0); err != nil {
		logger.Error("persisting mapping cache failed", "record_id", recordID, "error", err)
	}
}

// replaceRef substitutes raw with final everywhere raw appears as a whole
// URL. A match followed by a byte that could extend a URL is a prefix of a
// longer sibling reference and is left alone.
func replaceRef(body, raw, final string) string {
	var b strings.Builder
	for {
		idx := strings.Index(body, raw)
		if idx < 0 {
			b.WriteString(body)
			return b.String()
		}
		end := idx + len(raw)
		if end < len(body) && isURLByte(body[end]) {
			b.WriteString(body[:end])
		} else {
			b.WriteString(body[:idx])
			b.WriteString(final)
		}
		body = body[end:]
	}
}

func isURLByte(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	}
	switch c {
	case '.', '-', '_', '~', '/', '%', '?', '#', '&', '=', '+':
		return true
	}
	return false
}

// isStorageHost reports whether the reference already points at the storage
// backend.
func (c *Coordinator) isStorageHost(canonical string) bool {
	parsed, err := url.Parse(canonical)
	if err != nil || parsed.Host == "" {
		return false
	}
	endpoint, err := url.Parse(c.storageCfg.Endpoint)
	if err != nil {
		return false
	}
	return strings.EqualFold(parsed.Hostname(), endpoint.Hostname())
}

// localSitePath maps a reference onto the local storage root. It returns the
// URL path of the stored file and whether the reference is local at all.
func (c *Coordinator) localSitePath(canonical string) (string, bool) {
	parsed, err := url.Parse(canonical)
	if err != nil {
		return "", false
	}
	if parsed.Host != "" && !strings.EqualFold(parsed.Hostname(), c.settings.SiteHost) {
		return "", false
	}
	p := path.Clean(parsed.Path)
	if c.settings.LocalStorageRoot == "" || !strings.HasPrefix(p, c.settings.LocalStorageRoot) {
		return "", false
	}
	return p, true
}

// mimeFromPath guesses an image mime type from the file extension, falling
// back to a generic image type so the policy's non-image check does not
// trip on unknown extensions.
func mimeFromPath(p string) string {
	switch strings.ToLower(strings.TrimPrefix(path.Ext(p), ".")) {
	case "jpg", "jpeg":
		return "image/jpeg"
	case "png":
		return "image/png"
	case "gif":
		return "image/gif"
	case "webp":
		return "image/webp"
	case "bmp":
		return "image/bmp"
	case "svg":
		return "image/svg+xml"
	default:
		return "image/unknown"
	}
}

// countRef increments the per-reference outcome counter.
func (c *Coordinator) countRef(outcome string) {
	if c.metrics != nil {
		c.metrics.ReferencesTotal.WithLabelValues(outcome).Inc()
	}
}

// countRecord increments the per-record result counter.
func (c *Coordinator) countRecord(result string) {
	if c.metrics != nil {
		c.metrics.RecordsTotal.WithLabelValues(result).Inc()
	}
}

// Close releases the service log file.
func (c *Coordinator) Close() {
	if closeLogger != nil {
		if err := closeLogger(); err != nil {
			log.Printf("Error closing migration logger: %v", err)
		}
	}
}
