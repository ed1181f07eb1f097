// Package exclusion decides, per candidate file, whether migration to remote
// storage should be skipped, and records why. Denials for assets whose id is
// not yet known are stashed as pending markers and applied once the id
// becomes available.
package exclusion

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/tphakala/media-migrate/internal/conf"
	"github.com/tphakala/media-migrate/internal/datastore"
	"github.com/tphakala/media-migrate/internal/errors"
	"github.com/tphakala/media-migrate/internal/logging"
)

// Package-level logger specific to the exclusion policy
var (
	logger          *slog.Logger
	serviceLevelVar = new(slog.LevelVar)
	closeLogger     func() error
)

func init() {
	var err error
	logFilePath := filepath.Join("logs", "exclusion.log")
	serviceLevelVar.Set(slog.LevelInfo)

	logger, closeLogger, err = logging.NewFileLogger(logFilePath, "exclusion", serviceLevelVar)
	if err != nil {
		log.Printf("Failed to initialize exclusion file logger at %s: %v. Service logging disabled.", logFilePath, err)
		fbHandler := slog.NewJSONHandler(io.Discard, &slog.HandlerOptions{Level: serviceLevelVar})
		logger = slog.New(fbHandler).With("service", "exclusion")
		closeLogger = func() error { return nil }
	}
}

// Reasons recorded on denied candidates.
const (
	ReasonNonImage   = "non-image"
	ReasonSiteIcon   = "site-icon"
	ReasonReferer    = "referer-keyword"
	ReasonOverride   = "override"
	opReasonPrefix   = "op-keyword:"
	pendingKeyPrefix = "migrate:pending-skip:"
)

// Candidate describes one file under consideration for upload.
type Candidate struct {
	Path     string // file path or site URL path
	Mime     string
	RecordID uint   // owning record, 0 if unknown
	AssetID  uint   // owning asset id, 0 if not yet assigned
	Source   string // what triggered the migration, informational
}

// RequestContext carries the ambient request information the policy needs.
// It is always passed explicitly; the policy never reads global state.
type RequestContext struct {
	Automated bool   // true inside an automated sub-request
	Operation string // named action/operation being executed, if any
	Referer   string // referring page
	Path      string // raw request path
}

// Decision is the outcome of one policy evaluation.
type Decision struct {
	Allow  bool
	Reason string // populated on deny
	Avatar bool   // deny additionally flagged the asset as an avatar
}

// Override is the pluggable external hook. A non-nil result replaces the
// chain's decision.
type Override func(c Candidate, rc RequestContext, d Decision) *Decision

// pendingMarker is the JSON payload stashed for late-binding denials.
type pendingMarker struct {
	Reason string `json:"reason"`
	Avatar bool   `json:"avatar,omitempty"`
}

// Policy evaluates the exclusion chain and persists skip markers.
type Policy struct {
	settings *conf.ExclusionSettings
	store    datastore.Interface
	override Override
}

// New creates an exclusion policy backed by the given store.
func New(settings *conf.ExclusionSettings, store datastore.Interface) *Policy {
	return &Policy{
		settings: settings,
		store:    store,
	}
}

// SetOverride installs the external override hook.
func (p *Policy) SetOverride(o Override) {
	p.override = o
}

// ShouldUpload runs the decision chain, first hit wins, default allow.
// On deny the skip marker is persisted: directly when the asset id is known,
// otherwise as a TTL-bound pending marker keyed by normalized path.
func (p *Policy) ShouldUpload(c Candidate, rc RequestContext) (bool, string) {
	decision := p.evaluate(c, rc)

	if p.override != nil {
		if flipped := p.override(c, rc, decision); flipped != nil {
			logger.Debug("override changed exclusion decision",
				"path", c.Path,
				"was_allow", decision.Allow,
				"now_allow", flipped.Allow)
			decision = *flipped
		}
	}

	if !decision.Allow {
		p.persistDenial(c, decision)
	}

	return decision.Allow, decision.Reason
}

// evaluate walks the deny chain in order.
func (p *Policy) evaluate(c Candidate, rc RequestContext) Decision {
	// 1. Only images are migrated
	if !strings.HasPrefix(strings.ToLower(c.Mime), "image/") {
		return Decision{Reason: ReasonNonImage}
	}

	// 2. Site icons
	if p.settings.SiteIcons && rc.Automated && isIconOperation(rc.Operation) {
		return Decision{Reason: ReasonSiteIcon}
	}

	// 3. Operation keywords, only inside automated sub-requests
	if rc.Automated && rc.Operation != "" {
		op := strings.ToLower(rc.Operation)
		for _, kw := range p.settings.OperationKeywords {
			kw = strings.ToLower(strings.TrimSpace(kw))
			if kw == "" || !strings.Contains(op, kw) {
				continue
			}
			return Decision{
				Reason: opReasonPrefix + kw,
				Avatar: strings.Contains(kw, "avatar"),
			}
		}
	}

	// 4. Referer keywords
	if rc.Referer != "" {
		ref := strings.ToLower(rc.Referer)
		for _, kw := range p.settings.RefererKeywords {
			kw = strings.ToLower(strings.TrimSpace(kw))
			if kw != "" && strings.Contains(ref, kw) {
				return Decision{Reason: ReasonReferer}
			}
		}
	}

	return Decision{Allow: true}
}

// persistDenial records the skip marker for a denied candidate.
func (p *Policy) persistDenial(c Candidate, d Decision) {
	if c.AssetID != 0 {
		if err := p.store.SetAssetRestriction(c.AssetID, d.Reason, d.Avatar); err != nil {
			logger.Error("failed to persist skip marker",
				"asset_id", c.AssetID,
				"reason", d.Reason,
				"error", err)
		}
		return
	}

	// Asset id not assigned yet: stash a pending marker keyed by normalized
	// path so it can be applied once the id is known.
	if c.Path == "" {
		return
	}
	payload, err := json.Marshal(pendingMarker{Reason: d.Reason, Avatar: d.Avatar})
	if err != nil {
		logger.Error("failed to encode pending skip marker", "path", c.Path, "error", err)
		return
	}
	key := pendingKey(c.Path)
	if err := p.store.SetState(key, string(payload), p.settings.PendingTTL); err != nil {
		logger.Error("failed to stash pending skip marker",
			"path", c.Path,
			"reason", d.Reason,
			"error", err)
		return
	}
	logger.Debug("stashed pending skip marker", "path", c.Path, "reason", d.Reason)
}

// ApplyPending binds a previously stashed denial to an asset id. Returns
// true when a pending marker existed and was applied.
func (p *Policy) ApplyPending(assetID uint, path string) (bool, error) {
	key := pendingKey(path)
	value, found, err := p.store.GetState(key)
	if err != nil {
		return false, errors.Newf("reading pending skip marker: %w", err).
			Category(errors.CategoryState).
			Component("exclusion").
			Build()
	}
	if !found {
		return false, nil
	}

	var marker pendingMarker
	if err := json.Unmarshal([]byte(value), &marker); err != nil {
		// Corrupt marker, drop it
		_ = p.store.DeleteState(key)
		return false, nil
	}

	if err := p.store.SetAssetRestriction(assetID, marker.Reason, marker.Avatar); err != nil {
		return false, errors.Newf("applying pending skip marker: %w", err).
			Category(errors.CategoryDatabase).
			Component("exclusion").
			Context("asset_id", assetID).
			Build()
	}
	_ = p.store.DeleteState(key)

	logger.Info("applied pending skip marker", "asset_id", assetID, "reason", marker.Reason)
	return true, nil
}

// Close releases the service log file.
func (p *Policy) Close() {
	if closeLogger != nil {
		if err := closeLogger(); err != nil {
			log.Printf("Error closing exclusion logger: %v", err)
		}
	}
}

// pendingKey normalizes a path into the state key for its pending marker.
func pendingKey(path string) string {
	normalized := strings.ToLower(strings.TrimSpace(path))
	normalized = strings.TrimPrefix(normalized, "./")
	return fmt.Sprintf("%s%s", pendingKeyPrefix, normalized)
}

// isIconOperation reports whether an operation name looks like a site-icon
// related action (favicon, touch icon, tile image and similar).
func isIconOperation(operation string) bool {
	op := strings.ToLower(operation)
	for _, marker := range []string{"site_icon", "site-icon", "favicon", "touch_icon", "tile_image"} {
		if strings.Contains(op, marker) {
			return true
		}
	}
	return false
}
