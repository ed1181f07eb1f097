package reset

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tphakala/media-migrate/internal/batch"
	"github.com/tphakala/media-migrate/internal/conf"
	"github.com/tphakala/media-migrate/internal/engine"
)

// Command creates the reset command, which clears batch progress markers.
// A media reset may cause re-uploads and remote duplicates, so it asks for
// confirmation unless forced.
func Command(settings *conf.Settings) *cobra.Command {
	var force bool
	var purge bool

	cmd := &cobra.Command{
		Use:       "reset [content|media]",
		Short:     "Clear a batch's progress markers",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{batch.TypeContent, batch.TypeMedia},
		RunE: func(cmd *cobra.Command, args []string) error {
			batchType := args[0]

			if batchType == batch.TypeMedia && !force {
				fmt.Print("resetting the media batch clears per-asset markers and may duplicate remote copies; continue? [y/N] ")
				reader := bufio.NewReader(os.Stdin)
				answer, _ := reader.ReadString('\n')
				if !strings.HasPrefix(strings.ToLower(strings.TrimSpace(answer)), "y") {
					fmt.Println("aborted")
					return nil
				}
			}

			ctx := context.Background()
			eng, err := engine.New(ctx, settings)
			if err != nil {
				return err
			}
			defer eng.Close()

			if purge && batchType == batch.TypeMedia {
				ids, err := eng.Store.MigratedAssetRemoteIDs()
				if err != nil {
					return err
				}
				if len(ids) > 0 {
					if err := eng.Storage.DeletePhotos(ctx, ids); err != nil {
						return err
					}
					fmt.Printf("deleted %d remote copies\n", len(ids))
				}
			}

			if err := eng.Orchestrator.Reset(batchType); err != nil {
				return err
			}
			fmt.Printf("batch %s reset\n", batchType)
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Skip the confirmation prompt")
	cmd.Flags().BoolVar(&purge, "purge", false, "Also delete the remote copies of migrated assets (media only)")

	return cmd
}
