package commands

import (
	"fmt"

	"github.com/leeineian/earworm/media"
	"github.com/leeineian/earworm/sys"
	"github.com/spf13/cobra"
)

func newCacheCommand(f *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage cached previews.",
	}

	var kind string
	clearCmd := &cobra.Command{
		Use:   "clear [artist [track]]",
		Short: "Drop one cached preview, or every one when no artist is given.",
		Args:  cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var q media.Query
			if len(args) > 0 {
				k, err := media.ParseKind(kind)
				if err != nil {
					return err
				}
				q = media.Query{ArtistName: args[0], Kind: k}
				if len(args) == 2 {
					q.TrackName = args[1]
				}
				if err := q.Validate(); err != nil {
					return err
				}
			}

			svc, err := openService(cmd, f)
			if err != nil {
				return err
			}
			defer svc.Close()

			if len(args) == 0 {
				svc.Cache.Clear(cmd.Context())
				return nil
			}
			svc.Cache.Delete(cmd.Context(), q)
			sys.LogCache(sys.MsgCLICacheCleared, q)
			return nil
		},
	}
	clearCmd.Flags().StringVar(&kind, "kind", "song", "Query kind of the entry to drop")

	prune := &cobra.Command{
		Use:   "prune",
		Short: "Delete persisted entries older than EARWORM_CACHE_TTL (sqlite only).",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := openService(cmd, f)
			if err != nil {
				return err
			}
			defer svc.Close()

			n, err := svc.PruneCache(cmd.Context())
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), n)
			return err
		},
	}

	cmd.AddCommand(clearCmd, prune)
	return cmd
}
