// Package fetcher downloads remote images to local temporary files with
// SSRF, size and content-type protections. Every redirect hop is validated
// with the same rules as the initial URL, and no failure path leaves a
// partial file on disk.
package fetcher

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tphakala/media-migrate/internal/conf"
	"github.com/tphakala/media-migrate/internal/errors"
	"github.com/tphakala/media-migrate/internal/httpclient"
	"github.com/tphakala/media-migrate/internal/logging"
	"github.com/tphakala/media-migrate/internal/observability"
)

// Package-level logger specific to the fetcher service
var (
	logger          *slog.Logger
	serviceLevelVar = new(slog.LevelVar)
	closeLogger     func() error
)

func init() {
	var err error
	logFilePath := filepath.Join("logs", "fetcher.log")
	serviceLevelVar.Set(slog.LevelInfo)

	logger, closeLogger, err = logging.NewFileLogger(logFilePath, "fetcher", serviceLevelVar)
	if err != nil {
		log.Printf("Failed to initialize fetcher file logger at %s: %v. Service logging disabled.", logFilePath, err)
		fbHandler := slog.NewJSONHandler(io.Discard, &slog.HandlerOptions{Level: serviceLevelVar})
		logger = slog.New(fbHandler).With("service", "fetcher")
		closeLogger = func() error { return nil }
	}
}

// extensions derived from the response content type. Anything unrecognized
// falls back to .img and is rejected later by upload validation if it is
// not actually an image.
var extensionByType = map[string]string{
	"image/jpeg":    "jpg",
	"image/jpg":     "jpg",
	"image/png":     "png",
	"image/gif":     "gif",
	"image/webp":    "webp",
	"image/bmp":     "bmp",
	"image/svg+xml": "svg",
}

const fallbackExtension = "img"

// reservedNets covers literal-IP ranges the stdlib predicates miss: the
// class E block (240.0.0.0/4, including the broadcast address), shared
// CGNAT space, the IETF protocol assignments block and the benchmarking
// range. IPv4-mapped IPv6 literals are normalized by Contains.
var reservedNets = func() []*net.IPNet {
	nets := make([]*net.IPNet, 0, 4)
	for _, cidr := range []string{"240.0.0.0/4", "100.64.0.0/10", "192.0.0.0/24", "198.18.0.0/15"} {
		_, n, err := net.ParseCIDR(cidr)
		if err != nil {
			panic(err)
		}
		nets = append(nets, n)
	}
	return nets
}()

func isReservedIP(ip net.IP) bool {
	for _, n := range reservedNets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// Result describes a completed download.
type Result struct {
	Path        string // local path of the downloaded file
	ContentType string
	Size        int64
}

// Fetcher downloads remote resources under the configured protections.
type Fetcher struct {
	settings *conf.FetchSettings
	client   *httpclient.Client
	metrics  *observability.Metrics
}

// New creates a fetcher. The HTTP client enforces the redirect cap and
// re-validates the target of every hop before following it.
func New(settings *conf.FetchSettings, metrics *observability.Metrics) *Fetcher {
	f := &Fetcher{
		settings: settings,
		metrics:  metrics,
	}
	f.client = httpclient.New(&httpclient.Config{
		DefaultTimeout:     settings.Timeout,
		InsecureSkipVerify: !settings.SSLVerify,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= settings.MaxRedirects {
				return fmt.Errorf("stopped after %d redirects", settings.MaxRedirects)
			}
			return f.ValidateURL(req.URL.String())
		},
	})
	return f
}

// ValidateURL checks a URL against the SSRF rules without performing any
// network I/O: scheme must be http or https, the host must not be localhost
// or a loopback/private/link-local/reserved literal IP, and the destination
// port must be allow-listed.
func (f *Fetcher) ValidateURL(rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return errors.Newf("invalid URL: %w", err).
			Category(errors.CategoryValidation).
			Component("fetcher").
			Build()
	}

	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return errors.Newf("scheme %q is not allowed", parsed.Scheme).
			Category(errors.CategoryValidation).
			Component("fetcher").
			Context("scheme", parsed.Scheme).
			Build()
	}

	host := parsed.Hostname()
	if host == "" || strings.EqualFold(host, "localhost") {
		return blockedHostError(host)
	}

	if ip := net.ParseIP(host); ip != nil {
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() ||
			ip.IsLinkLocalMulticast() || ip.IsUnspecified() || ip.IsMulticast() ||
			isReservedIP(ip) {
			return blockedHostError(host)
		}
	}

	port := parsed.Port()
	portNum := 80
	if scheme == "https" {
		portNum = 443
	}
	if port != "" {
		portNum, err = strconv.Atoi(port)
		if err != nil {
			return blockedHostError(host)
		}
	}
	for _, allowed := range f.settings.AllowedPorts {
		if portNum == allowed {
			return nil
		}
	}
	return errors.Newf("destination port %d is not allowed", portNum).
		Category(errors.CategoryValidation).
		Component("fetcher").
		Context("port", portNum).
		Build()
}

// Fetch downloads rawURL to a temporary file, streaming the body and
// enforcing the size cap during the copy. On success the file carries an
// extension derived from the response content type.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*Result, error) {
	start := time.Now()

	if err := f.ValidateURL(rawURL); err != nil {
		f.count("blocked")
		return nil, err
	}

	resp, err := f.client.Get(ctx, rawURL)
	if err != nil {
		f.count("error")
		return nil, errors.Newf("download failed: %w", err).
			Category(errors.CategoryNetwork).
			Component("fetcher").
			NetworkContext(rawURL, f.settings.Timeout).
			Build()
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		f.count("error")
		return nil, errors.Newf("download returned status %d", resp.StatusCode).
			Category(errors.CategoryImageFetch).
			Component("fetcher").
			Context("status_code", resp.StatusCode).
			NetworkContext(rawURL, 0).
			Build()
	}

	tmpDir := f.settings.TempDir
	if tmpDir == "" {
		tmpDir = os.TempDir()
	}
	tmpPath := filepath.Join(tmpDir, "fetch-"+uuid.NewString())

	size, err := f.streamToFile(resp.Body, tmpPath)
	if err != nil {
		// streamToFile removed the partial file already
		if errors.IsCategory(err, errors.CategoryLimit) {
			f.count("too_large")
		} else {
			f.count("error")
		}
		return nil, err
	}

	contentType := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Type")))
	if idx := strings.Index(contentType, ";"); idx > 0 {
		contentType = contentType[:idx]
	}
	if !strings.HasPrefix(contentType, "image/") {
		_ = os.Remove(tmpPath)
		f.count("not_image")
		return nil, errors.Newf("response content type %q is not an image", contentType).
			Category(errors.CategoryValidation).
			Component("fetcher").
			Context("content_type", contentType).
			Build()
	}

	ext, ok := extensionByType[contentType]
	if !ok {
		ext = fallbackExtension
	}
	finalPath := tmpPath + "." + ext
	if err := os.Rename(tmpPath, finalPath); err != nil {
		_ = os.Remove(tmpPath)
		f.count("error")
		return nil, errors.Newf("renaming download: %w", err).
			Category(errors.CategoryFileIO).
			Component("fetcher").
			Build()
	}

	f.count("success")
	logger.Debug("download complete",
		"content_type", contentType,
		"size", size,
		"duration_ms", time.Since(start).Milliseconds())

	return &Result{
		Path:        finalPath,
		ContentType: contentType,
		Size:        size,
	}, nil
}

// streamToFile copies the body into path, aborting once more than MaxBytes
// have been written. The partial file is removed on every error path.
func (f *Fetcher) streamToFile(body io.Reader, path string) (int64, error) {
	out, err := os.Create(path)
	if err != nil {
		return 0, errors.Newf("creating temp file: %w", err).
			Category(errors.CategoryFileIO).
			Component("fetcher").
			Build()
	}

	// Read one byte past the cap to detect oversized bodies
	limited := io.LimitReader(body, f.settings.MaxBytes+1)
	written, copyErr := io.Copy(out, limited)
	closeErr := out.Close()

	switch {
	case copyErr != nil:
		_ = os.Remove(path)
		return 0, errors.Newf("streaming download: %w", copyErr).
			Category(errors.CategoryNetwork).
			Component("fetcher").
			Build()
	case closeErr != nil:
		_ = os.Remove(path)
		return 0, errors.Newf("closing temp file: %w", closeErr).
			Category(errors.CategoryFileIO).
			Component("fetcher").
			Build()
	case written > f.settings.MaxBytes:
		_ = os.Remove(path)
		return 0, errors.Newf("download exceeds maximum size of %d bytes", f.settings.MaxBytes).
			Category(errors.CategoryLimit).
			Component("fetcher").
			Context("max_bytes", f.settings.MaxBytes).
			Build()
	}

	return written, nil
}

// Close releases the fetcher's resources.
func (f *Fetcher) Close() {
	f.client.Close()
	if closeLogger != nil {
		if err := closeLogger(); err != nil {
			log.Printf("Error closing fetcher logger: %v", err)
		}
	}
}

// count increments the fetch counter when metrics are wired.
func (f *Fetcher) count(result string) {
	if f.metrics != nil {
		f.metrics.FetchTotal.WithLabelValues(result).Inc()
	}
}

// blockedHostError builds the uniform SSRF rejection error.
func blockedHostError(host string) error {
	return errors.Newf("host %q is blocked", host).
		Category(errors.CategoryValidation).
		Component("fetcher").
		Context("reason", "ssrf-blocked-host").
		Build()
}
