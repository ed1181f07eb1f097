package status

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tphakala/media-migrate/internal/batch"
	"github.com/tphakala/media-migrate/internal/conf"
	"github.com/tphakala/media-migrate/internal/engine"
)

// Command creates the status command, which prints batch progress.
func Command(settings *conf.Settings) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show migration progress for both batch types",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			eng, err := engine.New(ctx, settings)
			if err != nil {
				return err
			}
			defer eng.Close()

			for _, batchType := range []string{batch.TypeContent, batch.TypeMedia} {
				state, err := eng.Orchestrator.Progress(batchType)
				if err != nil {
					return err
				}
				fmt.Printf("%s: processed %d/%d (remaining %d), success %d, failed %d, running=%v, completed=%v\n",
					batchType, state.Processed, state.Total, state.Remaining,
					state.Success, state.Failed, state.Running, state.Completed)
			}
			return nil
		},
	}
}
