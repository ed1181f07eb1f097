// validate.go: settings validation run at load time.
package conf

import (
	"fmt"
	"net/url"
	"strings"
)

// ValidateSettings checks the loaded settings for configuration errors that
// would otherwise surface mid-migration. Missing endpoint or credential is
// only fatal once a storage operation is attempted, so it is reported by the
// storage client, not here.
func ValidateSettings(s *Settings) error {
	var problems []string

	if s.Storage.Endpoint != "" {
		parsed, err := url.Parse(s.Storage.Endpoint)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			problems = append(problems, fmt.Sprintf("storage.endpoint %q is not a valid URL", s.Storage.Endpoint))
		} else if parsed.Scheme != "http" && parsed.Scheme != "https" {
			problems = append(problems, fmt.Sprintf("storage.endpoint scheme %q is not supported", parsed.Scheme))
		}
	}

	if s.Storage.MaxAttempts < 1 {
		problems = append(problems, "storage.maxattempts must be at least 1")
	}
	if s.Storage.MaxUploadMB < 1 {
		problems = append(problems, "storage.maxuploadmb must be at least 1")
	}

	for i, rule := range s.Storage.Routing {
		if len(rule.Keywords) == 0 {
			problems = append(problems, fmt.Sprintf("storage.routing[%d] has no keywords", i))
		}
		if rule.Bucket <= 0 {
			problems = append(problems, fmt.Sprintf("storage.routing[%d] has no target bucket", i))
		}
	}

	if s.Fetch.MaxBytes < 1 {
		problems = append(problems, "fetch.maxbytes must be positive")
	}
	if len(s.Fetch.AllowedPorts) == 0 {
		problems = append(problems, "fetch.allowedports must not be empty")
	}

	if s.Migrate.PageSize < 1 {
		problems = append(problems, "migrate.pagesize must be at least 1")
	}
	if s.Migrate.LockTTL <= 0 {
		problems = append(problems, "migrate.lockttl must be positive")
	}
	if s.Migrate.LocalStorageRoot != "" && !strings.HasPrefix(s.Migrate.LocalStorageRoot, "/") {
		problems = append(problems, "migrate.localstorageroot must be an absolute URL path")
	}

	if !s.Output.SQLite.Enabled && !s.Output.MySQL.Enabled {
		problems = append(problems, "either output.sqlite or output.mysql must be enabled")
	}

	if s.Sentry.Enabled && s.Sentry.DSN == "" {
		problems = append(problems, "sentry.enabled requires sentry.dsn")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}
