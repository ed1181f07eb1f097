package record

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/tphakala/media-migrate/internal/conf"
	"github.com/tphakala/media-migrate/internal/engine"
)

// Command creates the record command, which migrates a single record's
// images in the foreground.
func Command(settings *conf.Settings) *cobra.Command {
	var withFields bool

	cmd := &cobra.Command{
		Use:   "record [id]",
		Short: "Migrate the images of one content record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseUint(args[0], 10, 32)
			if err != nil {
				return fmt.Errorf("invalid record id %q", args[0])
			}

			ctx := context.Background()
			eng, err := engine.New(ctx, settings)
			if err != nil {
				return err
			}
			defer eng.Close()

			processed, failed, err := eng.Coordinator.ProcessRecord(ctx, uint(id))
			if err != nil {
				return err
			}
			fmt.Printf("record %d: %d references migrated, %d failed\n", id, processed, failed)

			if withFields {
				fProcessed, fFailed, err := eng.Coordinator.ProcessRecordFields(ctx, uint(id))
				if err != nil {
					return err
				}
				fmt.Printf("record %d fields: %d migrated, %d failed\n", id, fProcessed, fFailed)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&withFields, "fields", false, "Also migrate image URLs in the record's custom fields")

	return cmd
}
