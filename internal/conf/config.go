// config.go: settings structs and functions to load and access the
// media-migrate configuration.
package conf

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// MainSettings contains process-wide settings.
type MainSettings struct {
	Name string // instance name, used in logs
	Log  struct {
		Enabled bool   // true to enable file logging
		Path    string // path to log file directory
	}
}

// RoutingRule maps filename keywords to an upload destination.
// Rules are evaluated in order, first match wins.
type RoutingRule struct {
	Keywords []string // case-insensitive substrings matched against the basename
	Bucket   int      // target bucket id
	Album    int      // target collection id, 0 for none
}

// RoleDefaults carries the per-role destination defaults applied before
// routing rules.
type RoleDefaults struct {
	AdminBucket int // default bucket for admin-group owners
	AdminAlbum  int
	UserBucket  int // default bucket for regular owners
	UserAlbum   int
}

// StorageSettings configures the remote object-storage API client.
type StorageSettings struct {
	Endpoint      string        // base URL of the storage API
	APIKey        string        // bearer credential, never logged
	Timeout       time.Duration // per-request timeout
	RateLimitMS   int           // minimum delay between API calls in milliseconds
	MaxAttempts   int           // upload attempts for transient failures
	MaxUploadMB   int64         // client-side upload size cap in megabytes
	DefaultBucket int           // global default bucket id
	DefaultAlbum  int           // global default collection id, 0 for none
	Visibility    int           // visibility flag sent with uploads
	Roles         RoleDefaults  // per-role destination defaults
	Routing       []RoutingRule // keyword routing rules, first match wins
}

// FetchSettings configures the safe remote fetcher.
type FetchSettings struct {
	Timeout      time.Duration // download timeout
	MaxRedirects int           // redirect hops allowed, each hop re-validated
	MaxBytes     int64         // max download size in bytes
	AllowedPorts []int         // destination ports allowed for remote fetches
	SSLVerify    bool          // verify TLS certificates on fetch
	TempDir      string        // directory for in-flight downloads, empty for os.TempDir
}

// ExclusionSettings configures the upload exclusion policy.
type ExclusionSettings struct {
	SiteIcons         bool     // exclude site-icon-like assets
	OperationKeywords []string // deny when an automated operation name contains one of these
	RefererKeywords   []string // deny when the referring page contains one of these
	PendingTTL        time.Duration
}

// MigrateSettings configures the per-record coordinator and batches.
type MigrateSettings struct {
	LockTTL          time.Duration // processing lock TTL
	PageSize         int           // records or assets per batch tick
	TickDelay        time.Duration // delay before the next tick is enqueued
	SiteHost         string        // host of the local site, used to spot local asset URLs
	LocalStorageRoot string        // URL path prefix of locally stored assets
	LocalBasePath    string        // filesystem directory backing LocalStorageRoot
	ImageFieldKeys   []string      // record field keys that may carry image URLs
}

// OutputSettings selects and configures the database backend.
type OutputSettings struct {
	SQLite struct {
		Enabled bool
		Path    string
	}
	MySQL struct {
		Enabled  bool
		Username string
		Password string
		Database string
		Host     string
		Port     string
	}
}

// APISettings configures the HTTP host surface.
type APISettings struct {
	Host        string
	Port        int
	BearerToken string // optional static token guarding mutating endpoints
}

// SentrySettings configures optional error telemetry.
type SentrySettings struct {
	Enabled bool
	DSN     string
}

// Settings is the root configuration object.
type Settings struct {
	Debug bool // true to enable debug logging

	Main      MainSettings
	Storage   StorageSettings
	Fetch     FetchSettings
	Exclusion ExclusionSettings
	Migrate   MigrateSettings
	Output    OutputSettings
	API       APISettings
	Sentry    SentrySettings
}

var (
	settingsInstance *Settings
	settingsOnce     sync.Once
	settingsMutex    sync.RWMutex
)

// Load reads the configuration file and environment into a Settings struct
// and installs it as the package singleton.
func Load() (*Settings, error) {
	if err := initViper(); err != nil {
		return nil, fmt.Errorf("error initializing viper: %w", err)
	}

	settings := &Settings{}
	if err := viper.Unmarshal(settings); err != nil {
		return nil, fmt.Errorf("error unmarshaling config into struct: %w", err)
	}

	if err := ValidateSettings(settings); err != nil {
		return nil, err
	}

	settingsMutex.Lock()
	settingsInstance = settings
	settingsMutex.Unlock()

	return settings, nil
}

// initViper configures viper's search paths, env binding and defaults.
func initViper() error {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	configPaths, err := GetDefaultConfigPaths()
	if err != nil {
		return fmt.Errorf("error getting default config paths: %w", err)
	}
	for _, path := range configPaths {
		viper.AddConfigPath(path)
	}

	viper.SetEnvPrefix("MEDIA_MIGRATE")
	viper.AutomaticEnv()

	setDefaultConfig()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			// Config file not found, create one with defaults
			return createDefaultConfig()
		}
		return fmt.Errorf("error reading config file: %w", err)
	}

	return nil
}

// createDefaultConfig writes the default settings to the first config search
// path so a fresh install has a file to edit.
func createDefaultConfig() error {
	configPaths, err := GetDefaultConfigPaths()
	if err != nil {
		return fmt.Errorf("error getting default config paths: %w", err)
	}
	configPath := filepath.Join(configPaths[0], "config.yaml")

	defaults := &Settings{}
	if err := viper.Unmarshal(defaults); err != nil {
		return fmt.Errorf("error unmarshaling default config: %w", err)
	}
	if err := SaveYAML(defaults, configPath); err != nil {
		return fmt.Errorf("error writing default config file: %w", err)
	}

	log.Println("created default config file at:", configPath)
	return viper.ReadInConfig()
}

// GetDefaultConfigPaths returns the list of directories searched for the
// config file: working directory first, then the user config directory.
func GetDefaultConfigPaths() ([]string, error) {
	paths := []string{"."}

	configDir, err := os.UserConfigDir()
	if err == nil {
		paths = append(paths, filepath.Join(configDir, "media-migrate"))
	}

	homeDir, err := os.UserHomeDir()
	if err == nil {
		paths = append(paths, filepath.Join(homeDir, ".config", "media-migrate"))
	}

	return paths, nil
}

// GetSettings returns the current settings singleton, loading it on first use.
func GetSettings() *Settings {
	settingsOnce.Do(func() {
		settingsMutex.RLock()
		loaded := settingsInstance != nil
		settingsMutex.RUnlock()
		if !loaded {
			if _, err := Load(); err != nil {
				log.Printf("failed to load settings: %v", err)
			}
		}
	})
	settingsMutex.RLock()
	defer settingsMutex.RUnlock()
	return settingsInstance
}

// Setting is a shorthand alias for GetSettings.
func Setting() *Settings {
	return GetSettings()
}

// SetSettings installs a settings instance directly. Intended for tests.
func SetSettings(s *Settings) {
	settingsMutex.Lock()
	defer settingsMutex.Unlock()
	settingsInstance = s
}

// SaveYAML writes the given settings to a YAML file, creating parent
// directories as needed.
func SaveYAML(settings *Settings, path string) error {
	data, err := yaml.Marshal(settings)
	if err != nil {
		return fmt.Errorf("error marshaling settings: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("error creating config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}
	return nil
}
