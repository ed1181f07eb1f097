// routing.go: resolution of the upload destination for one candidate file.
package storage

import (
	"strings"

	"github.com/tphakala/media-migrate/internal/conf"
)

// Destination is a resolved bucket/collection pair.
type Destination struct {
	Bucket int
	Album  int // 0 means no collection
}

// OwnerInfo carries the uploading owner's routing inputs.
type OwnerInfo struct {
	BucketOverride int  // per-user override, 0 if unset
	AlbumOverride  int  // per-user override, 0 if unset
	IsAdmin        bool // admin-group membership selects the admin defaults
}

// ResolveDestination picks the target bucket and collection:
//  1. per-user override, else per-role default, else global default
//  2. routing rules matched against the basename override the result,
//     first matching rule wins
//  3. a bucket the backend does not report as valid falls back to the
//     first valid bucket
func ResolveDestination(basename string, owner OwnerInfo, cfg *conf.StorageSettings, group *GroupInfo) Destination {
	dest := Destination{
		Bucket: cfg.DefaultBucket,
		Album:  cfg.DefaultAlbum,
	}

	// Role defaults sit between the global default and the user override
	if owner.IsAdmin {
		if cfg.Roles.AdminBucket != 0 {
			dest.Bucket = cfg.Roles.AdminBucket
		}
		if cfg.Roles.AdminAlbum != 0 {
			dest.Album = cfg.Roles.AdminAlbum
		}
	} else {
		if cfg.Roles.UserBucket != 0 {
			dest.Bucket = cfg.Roles.UserBucket
		}
		if cfg.Roles.UserAlbum != 0 {
			dest.Album = cfg.Roles.UserAlbum
		}
	}

	if owner.BucketOverride != 0 {
		dest.Bucket = owner.BucketOverride
	}
	if owner.AlbumOverride != 0 {
		dest.Album = owner.AlbumOverride
	}

	// Keyword routing overrides whatever the defaults produced
	name := strings.ToLower(basename)
	for _, rule := range cfg.Routing {
		if matchesRule(name, rule) {
			dest.Bucket = rule.Bucket
			if rule.Album != 0 {
				dest.Album = rule.Album
			}
			break
		}
	}

	// The backend's bucket list is authoritative
	if group != nil && len(group.Buckets) > 0 && !group.HasBucket(dest.Bucket) {
		dest.Bucket = group.FirstBucket()
	}

	return dest
}

// matchesRule reports whether any rule keyword occurs in the basename.
func matchesRule(lowerName string, rule conf.RoutingRule) bool {
	for _, kw := range rule.Keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw != "" && strings.Contains(lowerName, kw) {
			return true
		}
	}
	return false
}
