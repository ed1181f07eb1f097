package storage

import (
	"context"
	"fmt"
	"image"
	"image/png"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/media-migrate/internal/conf"
	"github.com/tphakala/media-migrate/internal/errors"
)

const testAPIKey = "supersecret-api-key"

func newTestClient(t *testing.T) *Client {
	t.Helper()
	c := New(&conf.StorageSettings{
		Endpoint:      "https://img.example.com/api/1",
		APIKey:        testAPIKey,
		Timeout:       5 * time.Second,
		RateLimitMS:   1,
		MaxAttempts:   3,
		MaxUploadMB:   10,
		DefaultBucket: 1,
	}, nil)
	t.Cleanup(c.Close)

	httpmock.ActivateNonDefault(c.http.StdClient())
	t.Cleanup(httpmock.DeactivateAndReset)
	return c
}

// writePNG creates a small real PNG so upload validation decodes it.
func writePNG(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, image.NewRGBA(image.Rect(0, 0, 4, 4))))
	require.NoError(t, f.Close())
	return path
}

func withoutRetryDelays(t *testing.T) {
	t.Helper()
	saved := retryDelays
	retryDelays = []time.Duration{0}
	t.Cleanup(func() { retryDelays = saved })
}

func TestUploadSuccess(t *testing.T) {
	c := newTestClient(t)
	path := writePNG(t, "photo.png")

	httpmock.RegisterResponder("POST", "https://img.example.com/api/1/upload",
		func(req *http.Request) (*http.Response, error) {
			assert.Equal(t, "Bearer "+testAPIKey, req.Header.Get("Authorization"))
			return httpmock.NewJsonResponse(200, map[string]any{
				"status": "success",
				"data": map[string]any{
					"id": 77,
					"links": map[string]any{
						"url": "https://img.example.com/a1.png",
					},
				},
			})
		})

	asset, err := c.Upload(context.Background(), path, UploadOptions{})
	require.NoError(t, err)
	assert.Equal(t, "https://img.example.com/a1.png", asset.URL)
	assert.Equal(t, int64(77), asset.ID)
}

func TestUploadURLPriority(t *testing.T) {
	c := newTestClient(t)
	path := writePNG(t, "photo.png")

	// links.url missing, links.original_url wins over data.url
	httpmock.RegisterResponder("POST", "https://img.example.com/api/1/upload",
		httpmock.NewJsonResponderOrPanic(200, map[string]any{
			"status": "success",
			"data": map[string]any{
				"url": "https://img.example.com/secondary.png",
				"links": map[string]any{
					"original_url": "https://img.example.com/original.png",
				},
			},
		}))

	asset, err := c.Upload(context.Background(), path, UploadOptions{})
	require.NoError(t, err)
	assert.Equal(t, "https://img.example.com/original.png", asset.URL)
}

func TestUploadRelativeURLResolved(t *testing.T) {
	c := newTestClient(t)
	path := writePNG(t, "photo.png")

	httpmock.RegisterResponder("POST", "https://img.example.com/api/1/upload",
		httpmock.NewJsonResponderOrPanic(200, map[string]any{
			"status": "success",
			"data": map[string]any{
				"url": "/files/a1.png",
			},
		}))

	asset, err := c.Upload(context.Background(), path, UploadOptions{})
	require.NoError(t, err)
	assert.Equal(t, "https://img.example.com/files/a1.png", asset.URL,
		"relative URLs resolve against the endpoint origin")
}

func TestUploadBackendRejectionNotRetried(t *testing.T) {
	c := newTestClient(t)
	path := writePNG(t, "photo.png")

	httpmock.RegisterResponder("POST", "https://img.example.com/api/1/upload",
		httpmock.NewJsonResponderOrPanic(200, map[string]any{
			"status": "error",
			"error":  map[string]any{"message": "quota exceeded"},
		}))

	_, err := c.Upload(context.Background(), path, UploadOptions{})
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryImageUpload))
	assert.Equal(t, 1, httpmock.GetCallCountInfo()["POST https://img.example.com/api/1/upload"],
		"terminal rejections are not retried")
}

func TestUploadRetriesTransportFailures(t *testing.T) {
	c := newTestClient(t)
	withoutRetryDelays(t)
	path := writePNG(t, "photo.png")

	calls := 0
	httpmock.RegisterResponder("POST", "https://img.example.com/api/1/upload",
		func(req *http.Request) (*http.Response, error) {
			calls++
			if calls < 3 {
				return nil, fmt.Errorf("connection reset by peer")
			}
			return httpmock.NewJsonResponse(200, map[string]any{
				"status": "success",
				"data":   map[string]any{"url": "https://img.example.com/a1.png"},
			})
		})

	asset, err := c.Upload(context.Background(), path, UploadOptions{})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, "https://img.example.com/a1.png", asset.URL)
}

func TestUploadRetriesAreBounded(t *testing.T) {
	c := newTestClient(t)
	withoutRetryDelays(t)
	path := writePNG(t, "photo.png")

	httpmock.RegisterResponder("POST", "https://img.example.com/api/1/upload",
		httpmock.NewErrorResponder(fmt.Errorf("connection reset by peer")))

	_, err := c.Upload(context.Background(), path, UploadOptions{})
	require.Error(t, err)
	assert.Equal(t, 3, httpmock.GetCallCountInfo()["POST https://img.example.com/api/1/upload"])
}

func TestUploadServerErrorsNotRetried(t *testing.T) {
	c := newTestClient(t)
	withoutRetryDelays(t)
	path := writePNG(t, "photo.png")

	for _, status := range []int{500, 502, 429} {
		httpmock.Reset()
		httpmock.RegisterResponder("POST", "https://img.example.com/api/1/upload",
			httpmock.NewStringResponder(status, "server error"))

		_, err := c.Upload(context.Background(), path, UploadOptions{})
		require.Error(t, err)
		assert.True(t, errors.IsCategory(err, errors.CategoryRemoteAPI), "status %d", status)
		assert.False(t, errors.IsRetryable(err), "status %d", status)
		assert.Equal(t, 1, httpmock.GetCallCountInfo()["POST https://img.example.com/api/1/upload"],
			"status %d must fail on the first attempt", status)
	}
}

func TestUploadErrorsNeverLeakCredential(t *testing.T) {
	c := newTestClient(t)
	path := writePNG(t, "photo.png")

	httpmock.RegisterResponder("POST", "https://img.example.com/api/1/upload",
		httpmock.NewStringResponder(403, "forbidden"))

	_, err := c.Upload(context.Background(), path, UploadOptions{})
	require.Error(t, err)
	assert.NotContains(t, err.Error(), testAPIKey)
	assert.Contains(t, err.Error(), "[redacted", "diagnostics carry the redacted credential placeholder")
}

func TestUploadRejectsOversizedFile(t *testing.T) {
	c := newTestClient(t)
	c.settings.MaxUploadMB = 0 // force the group limit path off and cap at zero

	path := writePNG(t, "photo.png")
	c.cache.Set(groupCacheKey, &GroupInfo{MaxUploadBytes: 10}, time.Minute)

	_, err := c.Upload(context.Background(), path, UploadOptions{})
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryValidation))
	assert.Equal(t, 0, httpmock.GetTotalCallCount(), "validation failures never reach the network")
}

func TestUploadRejectsDisallowedExtension(t *testing.T) {
	c := newTestClient(t)

	path := filepath.Join(t.TempDir(), "shady.exe")
	require.NoError(t, os.WriteFile(path, []byte("not an image"), 0o600))

	_, err := c.Upload(context.Background(), path, UploadOptions{})
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryValidation))
}

func TestGroupInfoCached(t *testing.T) {
	c := newTestClient(t)

	httpmock.RegisterResponder("GET", "https://img.example.com/api/1/group",
		httpmock.NewJsonResponderOrPanic(200, map[string]any{
			"status": "success",
			"data": map[string]any{
				"groups":             []map[string]any{{"id": 1, "name": "main"}, {"id": 5, "name": "covers"}},
				"allowed_extensions": []string{"jpg", "png"},
				"max_upload_size":    1048576,
			},
		}))

	info, err := c.GroupInfo(context.Background())
	require.NoError(t, err)
	require.Len(t, info.Buckets, 2)
	assert.True(t, info.HasBucket(5))
	assert.Equal(t, int64(1048576), info.MaxUploadBytes)

	_, err = c.GroupInfo(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, httpmock.GetTotalCallCount(), "second read is served from cache")
}

func TestProfile(t *testing.T) {
	c := newTestClient(t)

	httpmock.RegisterResponder("GET", "https://img.example.com/api/1/user/profile",
		httpmock.NewJsonResponderOrPanic(200, map[string]any{
			"status": "success",
			"data":   map[string]any{"name": "migrator", "email": "ops@example.com"},
		}))

	profile, err := c.Profile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "migrator", profile.Name)
}

func TestDeletePhotosAccepts204(t *testing.T) {
	c := newTestClient(t)

	httpmock.RegisterResponder("DELETE", "https://img.example.com/api/1/user/photos",
		func(req *http.Request) (*http.Response, error) {
			body, err := io.ReadAll(req.Body)
			require.NoError(t, err)
			assert.Equal(t, "[77,78]", string(body), "ids go out as a bare JSON array")
			return httpmock.NewStringResponse(204, ""), nil
		})

	require.NoError(t, c.DeletePhotos(context.Background(), []int64{77, 78}))
	assert.Equal(t, 1, httpmock.GetTotalCallCount())
}
