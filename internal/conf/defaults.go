// defaults.go: viper defaults for all settings.
package conf

import (
	"time"

	"github.com/spf13/viper"
)

// setDefaultConfig registers the default value for every setting key.
func setDefaultConfig() {
	viper.SetDefault("debug", false)

	// Main
	viper.SetDefault("main.name", "media-migrate")
	viper.SetDefault("main.log.enabled", true)
	viper.SetDefault("main.log.path", "logs")

	// Storage API
	viper.SetDefault("storage.endpoint", "")
	viper.SetDefault("storage.apikey", "")
	viper.SetDefault("storage.timeout", 45*time.Second)
	viper.SetDefault("storage.ratelimitms", 250)
	viper.SetDefault("storage.maxattempts", 3)
	viper.SetDefault("storage.maxuploadmb", 20)
	viper.SetDefault("storage.defaultbucket", 0)
	viper.SetDefault("storage.defaultalbum", 0)
	viper.SetDefault("storage.visibility", 1)
	viper.SetDefault("storage.roles.adminbucket", 0)
	viper.SetDefault("storage.roles.adminalbum", 0)
	viper.SetDefault("storage.roles.userbucket", 0)
	viper.SetDefault("storage.roles.useralbum", 0)

	// Remote fetcher
	viper.SetDefault("fetch.timeout", 30*time.Second)
	viper.SetDefault("fetch.maxredirects", 3)
	viper.SetDefault("fetch.maxbytes", int64(20*1024*1024))
	viper.SetDefault("fetch.allowedports", []int{80, 443})
	viper.SetDefault("fetch.sslverify", true)
	viper.SetDefault("fetch.tempdir", "")

	// Exclusion policy
	viper.SetDefault("exclusion.siteicons", true)
	viper.SetDefault("exclusion.operationkeywords", []string{"avatar", "icon"})
	viper.SetDefault("exclusion.refererkeywords", []string{})
	viper.SetDefault("exclusion.pendingttl", 10*time.Minute)

	// Coordinator and batches
	viper.SetDefault("migrate.lockttl", 600*time.Second)
	viper.SetDefault("migrate.pagesize", 10)
	viper.SetDefault("migrate.tickdelay", 1*time.Second)
	viper.SetDefault("migrate.sitehost", "")
	viper.SetDefault("migrate.localstorageroot", "/uploads/")
	viper.SetDefault("migrate.localbasepath", "uploads")
	viper.SetDefault("migrate.imagefieldkeys", []string{"signature", "about"})

	// Database
	viper.SetDefault("output.sqlite.enabled", true)
	viper.SetDefault("output.sqlite.path", "media-migrate.db")
	viper.SetDefault("output.mysql.enabled", false)
	viper.SetDefault("output.mysql.username", "mediamigrate")
	viper.SetDefault("output.mysql.password", "")
	viper.SetDefault("output.mysql.database", "mediamigrate")
	viper.SetDefault("output.mysql.host", "localhost")
	viper.SetDefault("output.mysql.port", "3306")

	// API surface
	viper.SetDefault("api.host", "0.0.0.0")
	viper.SetDefault("api.port", 8090)
	viper.SetDefault("api.bearertoken", "")

	// Telemetry
	viper.SetDefault("sentry.enabled", false)
	viper.SetDefault("sentry.dsn", "")
}
