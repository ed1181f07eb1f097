package conf

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validSettings() *Settings {
	s := &Settings{}
	s.Storage.Endpoint = "https://img.example.com/api/1"
	s.Storage.MaxAttempts = 3
	s.Storage.MaxUploadMB = 20
	s.Fetch.MaxBytes = 20 << 20
	s.Fetch.AllowedPorts = []int{80, 443}
	s.Migrate.PageSize = 10
	s.Migrate.LockTTL = 600 * time.Second
	s.Migrate.LocalStorageRoot = "/uploads"
	s.Output.SQLite.Enabled = true
	s.Output.SQLite.Path = "media.db"
	return s
}

func TestValidateSettingsAccepts(t *testing.T) {
	require.NoError(t, ValidateSettings(validSettings()))
}

func TestValidateSettingsRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Settings)
		want   string
	}{
		{"bad endpoint", func(s *Settings) { s.Storage.Endpoint = "not a url" }, "storage.endpoint"},
		{"bad endpoint scheme", func(s *Settings) { s.Storage.Endpoint = "ftp://img.example.com" }, "scheme"},
		{"zero attempts", func(s *Settings) { s.Storage.MaxAttempts = 0 }, "maxattempts"},
		{"rule without keywords", func(s *Settings) {
			s.Storage.Routing = []RoutingRule{{Bucket: 5}}
		}, "no keywords"},
		{"rule without bucket", func(s *Settings) {
			s.Storage.Routing = []RoutingRule{{Keywords: []string{"watermark"}}}
		}, "no target bucket"},
		{"zero max bytes", func(s *Settings) { s.Fetch.MaxBytes = 0 }, "maxbytes"},
		{"no allowed ports", func(s *Settings) { s.Fetch.AllowedPorts = nil }, "allowedports"},
		{"zero page size", func(s *Settings) { s.Migrate.PageSize = 0 }, "pagesize"},
		{"zero lock ttl", func(s *Settings) { s.Migrate.LockTTL = 0 }, "lockttl"},
		{"relative storage root", func(s *Settings) { s.Migrate.LocalStorageRoot = "uploads" }, "localstorageroot"},
		{"no database", func(s *Settings) {
			s.Output.SQLite.Enabled = false
			s.Output.MySQL.Enabled = false
		}, "output"},
		{"sentry without dsn", func(s *Settings) { s.Sentry.Enabled = true }, "sentry.dsn"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := validSettings()
			tc.mutate(s)
			err := ValidateSettings(s)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestValidateSettingsAggregatesProblems(t *testing.T) {
	s := validSettings()
	s.Storage.MaxAttempts = 0
	s.Migrate.PageSize = 0

	err := ValidateSettings(s)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "maxattempts")
	assert.Contains(t, err.Error(), "pagesize")
}
