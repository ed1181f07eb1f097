package serve

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tphakala/media-migrate/internal/api"
	"github.com/tphakala/media-migrate/internal/conf"
	"github.com/tphakala/media-migrate/internal/engine"
)

// Command creates the serve command, which runs the HTTP host surface and
// the background task queue until interrupted.
func Command(settings *conf.Settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the migration engine HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			eng, err := engine.New(ctx, settings)
			if err != nil {
				return err
			}
			defer eng.Close()

			server := api.New(&settings.API, eng.Orchestrator, eng.Coordinator, eng.Metrics)
			defer server.Close()
			return server.Start(ctx)
		},
	}

	cmd.Flags().StringVar(&settings.API.Host, "host", viper.GetString("api.host"), "Listen address of the HTTP server")
	cmd.Flags().IntVar(&settings.API.Port, "port", viper.GetInt("api.port"), "Listen port of the HTTP server")
	_ = viper.BindPFlags(cmd.Flags())

	return cmd
}
