package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tphakala/media-migrate/cmd/check"
	"github.com/tphakala/media-migrate/cmd/migrate"
	"github.com/tphakala/media-migrate/cmd/record"
	"github.com/tphakala/media-migrate/cmd/reset"
	"github.com/tphakala/media-migrate/cmd/serve"
	"github.com/tphakala/media-migrate/cmd/status"
	"github.com/tphakala/media-migrate/internal/conf"
)

// RootCommand creates and returns the root command
func RootCommand(settings *conf.Settings) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "media-migrate",
		Short: "Content-image migration engine CLI",
	}

	setupFlags(rootCmd, settings)

	subcommands := []*cobra.Command{
		serve.Command(settings),
		migrate.Command(settings),
		record.Command(settings),
		status.Command(settings),
		reset.Command(settings),
		check.Command(settings),
	}
	rootCmd.AddCommand(subcommands...)

	return rootCmd
}

// setupFlags configures the global flags for the root command.
func setupFlags(rootCmd *cobra.Command, settings *conf.Settings) {
	rootCmd.PersistentFlags().BoolVarP(&settings.Debug, "debug", "d", viper.GetBool("debug"), "Enable debug output")

	if err := viper.BindPFlags(rootCmd.PersistentFlags()); err != nil {
		fmt.Printf("error binding persistent flags: %v\n", err)
	}
}
