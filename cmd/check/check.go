package check

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tphakala/media-migrate/internal/conf"
	"github.com/tphakala/media-migrate/internal/engine"
)

// Command creates the check command, which validates the configuration and
// verifies the storage credential against the backend.
func Command(settings *conf.Settings) *cobra.Command {
	var listAlbums bool

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate configuration and storage connectivity",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := conf.ValidateSettings(settings); err != nil {
				return err
			}
			fmt.Println("configuration: ok")

			ctx := context.Background()
			eng, err := engine.New(ctx, settings)
			if err != nil {
				return err
			}
			defer eng.Close()

			profile, err := eng.Storage.Profile(ctx)
			if err != nil {
				return fmt.Errorf("storage credential check failed: %w", err)
			}
			fmt.Printf("storage credential: ok (account %s)\n", profile.Name)

			group, err := eng.Storage.GroupInfo(ctx)
			if err != nil {
				return fmt.Errorf("storage group info unavailable: %w", err)
			}
			fmt.Printf("storage buckets: %d available\n", len(group.Buckets))

			if listAlbums {
				albums, err := eng.Storage.ListAlbums(ctx, 1, 50, "")
				if err != nil {
					return fmt.Errorf("listing albums: %w", err)
				}
				for _, album := range albums {
					fmt.Printf("album %d: %s\n", album.ID, album.Title)
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&listAlbums, "albums", false, "List the account's collections")

	return cmd
}
