package migrate

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tphakala/media-migrate/internal/batch"
	"github.com/tphakala/media-migrate/internal/conf"
	"github.com/tphakala/media-migrate/internal/engine"
)

// Command creates the migrate command, which runs one batch type to
// completion in the foreground.
func Command(settings *conf.Settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:       "migrate [content|media]",
		Short:     "Run a migration batch until it completes",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{batch.TypeContent, batch.TypeMedia},
		RunE: func(cmd *cobra.Command, args []string) error {
			batchType := args[0]

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			eng, err := engine.New(ctx, settings)
			if err != nil {
				return err
			}
			defer eng.Close()

			state, err := eng.Orchestrator.Start(batchType)
			if err != nil {
				return err
			}
			fmt.Printf("batch %s started: %d of %d items pending\n", batchType, state.Remaining, state.Total)

			// Poll until the orchestrator reports completion or stop
			ticker := time.NewTicker(2 * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					if _, err := eng.Orchestrator.Stop(batchType); err != nil {
						return err
					}
					fmt.Println("stop requested, batch will halt at the next tick")
					return nil
				case <-ticker.C:
					progress, err := eng.Orchestrator.Progress(batchType)
					if err != nil {
						return err
					}
					fmt.Printf("tick %d: processed %d/%d, success %d, failed %d\n",
						progress.Tick, progress.Processed, progress.Total, progress.Success, progress.Failed)
					if progress.Completed || (!progress.Running && !progress.Queued) {
						fmt.Println("batch finished")
						return nil
					}
				}
			}
		},
	}

	cmd.Flags().IntVar(&settings.Migrate.PageSize, "pagesize", viper.GetInt("migrate.pagesize"), "Items processed per batch tick")
	_ = viper.BindPFlags(cmd.Flags())

	return cmd
}
