package exclusion

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/media-migrate/internal/conf"
	"github.com/tphakala/media-migrate/internal/datastore"
)

func newTestPolicy(t *testing.T) (*Policy, *datastore.SQLiteStore) {
	t.Helper()

	settings := &conf.Settings{}
	settings.Output.SQLite.Enabled = true
	settings.Output.SQLite.Path = ":memory:"

	store := &datastore.SQLiteStore{Settings: settings}
	require.NoError(t, store.Open())

	policy := New(&conf.ExclusionSettings{
		SiteIcons:         true,
		OperationKeywords: []string{"avatar", "icon"},
		RefererKeywords:   []string{"/admin/"},
		PendingTTL:        time.Minute,
	}, store)

	return policy, store
}

func TestDenyNonImage(t *testing.T) {
	policy, _ := newTestPolicy(t)

	allow, reason := policy.ShouldUpload(
		Candidate{Path: "/uploads/doc.pdf", Mime: "application/pdf"},
		RequestContext{})
	assert.False(t, allow)
	assert.Equal(t, ReasonNonImage, reason)
}

func TestDenySiteIconOperation(t *testing.T) {
	policy, _ := newTestPolicy(t)

	allow, reason := policy.ShouldUpload(
		Candidate{Path: "/uploads/favicon.png", Mime: "image/png"},
		RequestContext{Automated: true, Operation: "update_site_icon"})
	assert.False(t, allow)
	assert.Equal(t, ReasonSiteIcon, reason)
}

func TestDenyOperationKeywordFlagsAvatar(t *testing.T) {
	policy, store := newTestPolicy(t)

	asset := datastore.MediaAsset{SitePath: "/uploads/me.png", Mime: "image/png"}
	require.NoError(t, store.DB.Create(&asset).Error)

	allow, reason := policy.ShouldUpload(
		Candidate{Path: "/uploads/me.png", Mime: "image/png", AssetID: asset.ID},
		RequestContext{Automated: true, Operation: "crop_avatar"})
	assert.False(t, allow)
	assert.Equal(t, "op-keyword:avatar", reason)

	stored, err := store.GetAsset(asset.ID)
	require.NoError(t, err)
	assert.True(t, stored.Restricted)
	assert.True(t, stored.Avatar, "avatar keyword marks the asset as an avatar")
}

func TestOperationKeywordsIgnoredOutsideAutomatedRequests(t *testing.T) {
	policy, _ := newTestPolicy(t)

	allow, _ := policy.ShouldUpload(
		Candidate{Path: "/uploads/avatar-art.png", Mime: "image/png"},
		RequestContext{Automated: false, Operation: "crop_avatar"})
	assert.True(t, allow, "keyword denials apply only to automated sub-requests")
}

func TestDenyRefererKeyword(t *testing.T) {
	policy, _ := newTestPolicy(t)

	allow, reason := policy.ShouldUpload(
		Candidate{Path: "/uploads/banner.png", Mime: "image/png"},
		RequestContext{Referer: "https://site.example.com/admin/settings"})
	assert.False(t, allow)
	assert.Equal(t, ReasonReferer, reason)
}

func TestDefaultAllow(t *testing.T) {
	policy, _ := newTestPolicy(t)

	allow, reason := policy.ShouldUpload(
		Candidate{Path: "/uploads/photo.jpg", Mime: "image/jpeg"},
		RequestContext{Referer: "https://site.example.com/post/1"})
	assert.True(t, allow)
	assert.Empty(t, reason)
}

func TestOverrideFlipsDecision(t *testing.T) {
	policy, _ := newTestPolicy(t)
	policy.SetOverride(func(c Candidate, rc RequestContext, d Decision) *Decision {
		return &Decision{Allow: false, Reason: ReasonOverride}
	})

	allow, reason := policy.ShouldUpload(
		Candidate{Path: "/uploads/photo.jpg", Mime: "image/jpeg"},
		RequestContext{})
	assert.False(t, allow)
	assert.Equal(t, ReasonOverride, reason)
}

func TestPendingMarkerLateBinding(t *testing.T) {
	policy, store := newTestPolicy(t)

	// Denial before the asset id exists stashes a pending marker
	allow, _ := policy.ShouldUpload(
		Candidate{Path: "/uploads/new-avatar.png", Mime: "image/png"},
		RequestContext{Automated: true, Operation: "set_avatar"})
	require.False(t, allow)

	asset := datastore.MediaAsset{SitePath: "/uploads/new-avatar.png", Mime: "image/png"}
	require.NoError(t, store.DB.Create(&asset).Error)

	applied, err := policy.ApplyPending(asset.ID, "/uploads/new-avatar.png")
	require.NoError(t, err)
	assert.True(t, applied)

	stored, err := store.GetAsset(asset.ID)
	require.NoError(t, err)
	assert.True(t, stored.Restricted)
	assert.True(t, stored.Avatar)

	// Marker is consumed on application
	applied, err = policy.ApplyPending(asset.ID, "/uploads/new-avatar.png")
	require.NoError(t, err)
	assert.False(t, applied)
}
