// Package storage implements the object-storage API client: uploads with
// destination routing and bounded retries, plus the read endpoints used for
// credential checks and album listings. Credentials never appear in logs or
// error messages.
package storage

import (
	"bytes"
	"context"
	"io"
	"log"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/antonholmquist/jason"
	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	"github.com/tphakala/media-migrate/internal/conf"
	"github.com/tphakala/media-migrate/internal/errors"
	"github.com/tphakala/media-migrate/internal/httpclient"
	"github.com/tphakala/media-migrate/internal/logging"
	"github.com/tphakala/media-migrate/internal/observability"
)

// Package-level logger specific to the storage client service
var (
	logger          *slog.Logger
	serviceLevelVar = new(slog.LevelVar)
	closeLogger     func() error
)

func init() {
	var err error
	logFilePath := filepath.Join("logs", "storage.log")
	serviceLevelVar.Set(slog.LevelInfo)

	logger, closeLogger, err = logging.NewFileLogger(logFilePath, "storage", serviceLevelVar)
	if err != nil {
		log.Printf("Failed to initialize storage file logger at %s: %v. Service logging disabled.", logFilePath, err)
		fbHandler := slog.NewJSONHandler(io.Discard, &slog.HandlerOptions{Level: serviceLevelVar})
		logger = slog.New(fbHandler).With("service", "storage")
		closeLogger = func() error { return nil }
	}
}

const (
	groupCacheKey = "group-info"
	groupCacheTTL = 15 * time.Minute

	megabyte = 1 << 20
)

// retryDelays gives the wait before attempt n+1. Attempts beyond the table
// reuse the last entry.
var retryDelays = []time.Duration{0, 2 * time.Second, 5 * time.Second, 10 * time.Second}

// UploadOptions carries the per-upload routing and provenance inputs.
type UploadOptions struct {
	Owner     OwnerInfo
	SourceURL string // original remote URL, recorded in diagnostics only
	Avatar    bool   // avatar uploads skip collection assignment
}

// Client talks to the storage backend. Safe for concurrent use.
type Client struct {
	settings *conf.StorageSettings
	http     *httpclient.Client
	limiter  *rate.Limiter
	cache    *gocache.Cache
	metrics  *observability.Metrics
}

// New creates a storage client from the configured endpoint and credential.
func New(settings *conf.StorageSettings, metrics *observability.Metrics) *Client {
	interval := time.Duration(settings.RateLimitMS) * time.Millisecond
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	c := &Client{
		settings: settings,
		http: httpclient.New(&httpclient.Config{
			DefaultTimeout: settings.Timeout,
		}),
		limiter: rate.NewLimiter(rate.Every(interval), 1),
		cache:   gocache.New(groupCacheTTL, 2*groupCacheTTL),
		metrics: metrics,
	}
	c.http.SetAfterResponseHook(func(req *http.Request, resp *http.Response, err error) {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		logger.Debug("api call", "method", req.Method, "path", req.URL.Path, "status", status, "error", err != nil)
	})
	return c
}

// GroupInfo returns the backend's bucket list and upload constraints,
// cached for a short TTL since they change rarely.
func (c *Client) GroupInfo(ctx context.Context) (*GroupInfo, error) {
	if cached, found := c.cache.Get(groupCacheKey); found {
		if info, ok := cached.(*GroupInfo); ok {
			return info, nil
		}
	}

	obj, err := c.getJSON(ctx, "/group", nil)
	if err != nil {
		return nil, err
	}

	info := &GroupInfo{}
	if groups, err := obj.GetObjectArray("data", "groups"); err == nil {
		for _, g := range groups {
			id, idErr := g.GetInt64("id")
			if idErr != nil {
				continue
			}
			name, _ := g.GetString("name")
			info.Buckets = append(info.Buckets, Bucket{ID: int(id), Name: name})
		}
	}
	if exts, err := obj.GetStringArray("data", "allowed_extensions"); err == nil {
		info.AllowedExtensions = exts
	}
	if maxSize, err := obj.GetInt64("data", "max_upload_size"); err == nil {
		info.MaxUploadBytes = maxSize
	}

	c.cache.Set(groupCacheKey, info, groupCacheTTL)
	return info, nil
}

// Upload validates, routes and uploads a local file, retrying transport
// failures up to the configured attempt count. Non-2xx backend responses
// are terminal. The returned asset carries the final remote URL and, when
// the backend reports one, its numeric id.
func (c *Client) Upload(ctx context.Context, localPath string, opts UploadOptions) (*Asset, error) {
	group, err := c.GroupInfo(ctx)
	if err != nil {
		// Routing and validation degrade gracefully without group info
		logger.Warn("group info unavailable, using configured limits", "error", err)
		group = nil
	}

	maxBytes := c.settings.MaxUploadMB * megabyte
	var allowedExts []string
	if group != nil {
		if group.MaxUploadBytes > 0 && (maxBytes <= 0 || group.MaxUploadBytes < maxBytes) {
			maxBytes = group.MaxUploadBytes
		}
		allowedExts = group.AllowedExtensions
	}

	file, err := validateLocalFile(localPath, maxBytes, allowedExts)
	if err != nil {
		c.countUpload("rejected")
		return nil, err
	}

	dest := ResolveDestination(file.Name, opts.Owner, c.settings, group)
	if opts.Avatar {
		dest.Album = 0
	}

	// Recorded before the first attempt so every failure can report it
	snapshot := newSnapshot(c.settings.Endpoint, dest, file.Name, file.Size, file.Mime, opts.SourceURL, c.settings.APIKey)

	maxAttempts := c.settings.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			c.countRetry()
			delay := retryDelays[min(attempt-2, len(retryDelays)-1)]
			logger.Info("retrying upload",
				"attempt", attempt,
				"delay", delay,
				"file", file.Name)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, errors.Newf("upload canceled: %w", ctx.Err()).
					Category(errors.CategoryCancellation).
					Component("storage").
					Build()
			}
		}

		asset, err := c.doUpload(ctx, file, dest, snapshot)
		if err == nil {
			c.countUpload("success")
			logger.Info("upload complete",
				"file", file.Name,
				"bucket", dest.Bucket,
				"attempt", attempt)
			return asset, nil
		}
		lastErr = err
		if !errors.IsRetryable(err) {
			break
		}
	}

	c.countUpload("failed")
	return nil, lastErr
}

// doUpload performs one upload attempt. The multipart body is rebuilt per
// attempt since the request body is consumed on send.
func (c *Client) doUpload(ctx context.Context, file *localFile, dest Destination, snapshot Snapshot) (*Asset, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, errors.Newf("rate limiter interrupted: %w", err).
			Category(errors.CategoryCancellation).
			Component("storage").
			Build()
	}

	body, contentType, err := c.buildUploadBody(file, dest)
	if err != nil {
		return nil, err
	}

	endpoint := strings.TrimRight(c.settings.Endpoint, "/") + "/upload"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return nil, errors.Newf("building upload request: %w", err).
			Category(errors.CategoryGeneric).
			Component("storage").
			Build()
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.settings.APIKey)

	resp, err := c.http.Do(ctx, req)
	if err != nil {
		return nil, c.transportError(err, snapshot)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, c.statusError(resp.StatusCode, snapshot)
	}

	return c.parseUploadResponse(resp.Body, snapshot)
}

// buildUploadBody assembles the multipart form for one attempt.
func (c *Client) buildUploadBody(file *localFile, dest Destination) (io.Reader, string, error) {
	f, err := os.Open(file.Path)
	if err != nil {
		return nil, "", errors.Newf("opening upload file: %w", err).
			Category(errors.CategoryFileIO).
			Component("storage").
			Build()
	}
	defer func() {
		_ = f.Close()
	}()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	part, err := w.CreateFormFile("file", file.Name)
	if err != nil {
		return nil, "", errors.Newf("building multipart body: %w", err).
			Category(errors.CategoryGeneric).
			Component("storage").
			Build()
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, "", errors.Newf("reading upload file: %w", err).
			Category(errors.CategoryFileIO).
			Component("storage").
			Build()
	}

	fields := map[string]string{
		"group_id":   strconv.Itoa(dest.Bucket),
		"visibility": strconv.Itoa(c.settings.Visibility),
	}
	if dest.Album != 0 {
		fields["album_id"] = strconv.Itoa(dest.Album)
	}
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			return nil, "", errors.Newf("writing form field %s: %w", k, err).
				Category(errors.CategoryGeneric).
				Component("storage").
				Build()
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", errors.Newf("finalizing multipart body: %w", err).
			Category(errors.CategoryGeneric).
			Component("storage").
			Build()
	}
	return &buf, w.FormDataContentType(), nil
}

// parseUploadResponse extracts the asset URL and id from the backend's
// JSON envelope. The URL is looked up in priority order since different
// backend versions place it differently.
func (c *Client) parseUploadResponse(r io.Reader, snapshot Snapshot) (*Asset, error) {
	obj, err := jason.NewObjectFromReader(r)
	if err != nil {
		return nil, errors.Newf("upload response is not valid JSON: %w", err).
			Category(errors.CategoryRemoteAPI).
			Component("storage").
			Context("request", snapshot.String()).
			Build()
	}

	status, err := obj.GetString("status")
	if err != nil || status != "success" {
		msg, _ := obj.GetString("error", "message")
		return nil, errors.Newf("upload rejected by backend: status=%q message=%q", status, msg).
			Category(errors.CategoryImageUpload).
			Component("storage").
			Context("request", snapshot.String()).
			Build()
	}

	var rawURL string
	for _, path := range [][]string{
		{"data", "links", "url"},
		{"data", "links", "original_url"},
		{"data", "url"},
		{"data", "public_url"},
	} {
		if v, err := obj.GetString(path...); err == nil && v != "" {
			rawURL = v
			break
		}
	}
	if rawURL == "" {
		return nil, errors.Newf("upload response carries no asset URL").
			Category(errors.CategoryRemoteAPI).
			Component("storage").
			Context("request", snapshot.String()).
			Build()
	}

	finalURL, err := c.resolveAssetURL(rawURL)
	if err != nil {
		return nil, errors.Newf("upload response URL is invalid: %w", err).
			Category(errors.CategoryRemoteAPI).
			Component("storage").
			Context("request", snapshot.String()).
			Build()
	}

	asset := &Asset{URL: finalURL}
	if id, err := obj.GetInt64("data", "id"); err == nil {
		asset.ID = id
	}
	return asset, nil
}

// resolveAssetURL turns a possibly relative asset URL into an absolute one
// against the endpoint's origin.
func (c *Client) resolveAssetURL(raw string) (string, error) {
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if parsed.IsAbs() {
		return parsed.String(), nil
	}
	base, err := url.Parse(c.settings.Endpoint)
	if err != nil {
		return "", err
	}
	origin := &url.URL{Scheme: base.Scheme, Host: base.Host}
	return origin.ResolveReference(parsed).String(), nil
}

// ListAlbums returns one page of the owner's collections. query filters by
// title when non-empty.
func (c *Client) ListAlbums(ctx context.Context, page, perPage int, query string) ([]Album, error) {
	params := url.Values{}
	if page > 0 {
		params.Set("page", strconv.Itoa(page))
	}
	if perPage > 0 {
		params.Set("per_page", strconv.Itoa(perPage))
	}
	if query != "" {
		params.Set("q", query)
	}

	obj, err := c.getJSON(ctx, "/user/albums", params)
	if err != nil {
		return nil, err
	}

	var albums []Album
	if items, err := obj.GetObjectArray("data"); err == nil {
		for _, item := range items {
			id, idErr := item.GetInt64("id")
			if idErr != nil {
				continue
			}
			title, _ := item.GetString("title")
			albums = append(albums, Album{ID: int(id), Title: title})
		}
	}
	return albums, nil
}

// DeletePhotos removes assets from the backend by id. Any 2xx response
// counts as success since some backend versions answer 204 with no body.
func (c *Client) DeletePhotos(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return errors.Newf("rate limiter interrupted: %w", err).
			Category(errors.CategoryCancellation).
			Component("storage").
			Build()
	}

	strIDs := make([]string, 0, len(ids))
	for _, id := range ids {
		strIDs = append(strIDs, strconv.FormatInt(id, 10))
	}
	payload := strings.NewReader("[" + strings.Join(strIDs, ",") + "]")

	endpoint := strings.TrimRight(c.settings.Endpoint, "/") + "/user/photos"
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, endpoint, payload)
	if err != nil {
		return errors.Newf("building delete request: %w", err).
			Category(errors.CategoryGeneric).
			Component("storage").
			Build()
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.settings.APIKey)

	resp, err := c.http.Do(ctx, req)
	if err != nil {
		return errors.Newf("delete request failed: %w", err).
			Category(errors.CategoryNetwork).
			Component("storage").
			Build()
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errors.Newf("delete returned status %d", resp.StatusCode).
			Category(errors.CategoryRemoteAPI).
			Component("storage").
			Context("status_code", resp.StatusCode).
			Build()
	}
	logger.Info("deleted remote assets", "count", len(ids))
	return nil
}

// Profile fetches the authenticated account's profile. Used by the check
// command to verify the credential.
func (c *Client) Profile(ctx context.Context) (*Profile, error) {
	obj, err := c.getJSON(ctx, "/user/profile", nil)
	if err != nil {
		return nil, err
	}
	p := &Profile{}
	p.Name, _ = obj.GetString("data", "name")
	p.Email, _ = obj.GetString("data", "email")
	return p, nil
}

// getJSON performs an authenticated GET and parses the JSON envelope.
func (c *Client) getJSON(ctx context.Context, path string, params url.Values) (*jason.Object, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, errors.Newf("rate limiter interrupted: %w", err).
			Category(errors.CategoryCancellation).
			Component("storage").
			Build()
	}

	endpoint := strings.TrimRight(c.settings.Endpoint, "/") + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, http.NoBody)
	if err != nil {
		return nil, errors.Newf("building request for %s: %w", path, err).
			Category(errors.CategoryGeneric).
			Component("storage").
			Build()
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.settings.APIKey)

	resp, err := c.http.Do(ctx, req)
	if err != nil {
		return nil, errors.Newf("request to %s failed: %w", path, err).
			Category(errors.CategoryNetwork).
			Component("storage").
			NetworkContext(privacySafeURL(c.settings.Endpoint, path), c.settings.Timeout).
			Build()
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Newf("%s returned status %d", path, resp.StatusCode).
			Category(errors.CategoryRemoteAPI).
			Component("storage").
			Context("status_code", resp.StatusCode).
			Build()
	}

	obj, err := jason.NewObjectFromReader(resp.Body)
	if err != nil {
		return nil, errors.Newf("response from %s is not valid JSON: %w", path, err).
			Category(errors.CategoryRemoteAPI).
			Component("storage").
			Build()
	}
	return obj, nil
}

// transportError classifies a failed send: timeouts and other transport
// failures are retryable, cancellation is not.
func (c *Client) transportError(err error, snapshot Snapshot) error {
	category := errors.CategoryNetwork
	switch {
	case strings.Contains(err.Error(), "context canceled"):
		category = errors.CategoryCancellation
	case strings.Contains(err.Error(), "context deadline exceeded"),
		strings.Contains(err.Error(), "Client.Timeout"):
		category = errors.CategoryTimeout
	}
	return errors.Newf("upload transport failed (%s): %w", snapshot, err).
		Category(category).
		Component("storage").
		Build()
}

// statusError classifies a non-2xx upload response. Application responses
// are terminal; only transport failures qualify for retry.
func (c *Client) statusError(status int, snapshot Snapshot) error {
	category := errors.CategoryImageUpload
	if status == http.StatusUnauthorized || status == http.StatusForbidden ||
		status == http.StatusTooManyRequests || status >= 500 {
		category = errors.CategoryRemoteAPI
	}
	return errors.Newf("upload returned status %d (%s)", status, snapshot).
		Category(category).
		Component("storage").
		Context("status_code", status).
		Build()
}

// Close releases the client's resources.
func (c *Client) Close() {
	c.http.Close()
	if closeLogger != nil {
		if err := closeLogger(); err != nil {
			log.Printf("Error closing storage logger: %v", err)
		}
	}
}

// countUpload increments the upload counter when metrics are wired.
func (c *Client) countUpload(result string) {
	if c.metrics != nil {
		c.metrics.UploadTotal.WithLabelValues(result).Inc()
	}
}

// countRetry increments the retry counter when metrics are wired.
func (c *Client) countRetry() {
	if c.metrics != nil {
		c.metrics.UploadRetries.Inc()
	}
}

// privacySafeURL joins endpoint and path without any query or credential
// material for inclusion in error context.
func privacySafeURL(endpoint, path string) string {
	return strings.TrimRight(endpoint, "/") + path
}
