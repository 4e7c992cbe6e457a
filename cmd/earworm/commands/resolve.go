package commands

import (
	"fmt"
	"strings"

	"github.com/leeineian/earworm/media"
	"github.com/leeineian/earworm/preview"
	"github.com/leeineian/earworm/sys"
	"github.com/spf13/cobra"
)

func newResolveCommand(f *rootFlags) *cobra.Command {
	var kind string
	var skipCache, urlOnly bool

	cmd := &cobra.Command{
		Use:   "resolve <artist> [track]",
		Short: "Resolve a single preview and print it as JSON.",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := media.ParseKind(kind)
			if err != nil {
				return err
			}
			q := media.Query{ArtistName: args[0], Kind: k}
			if len(args) == 2 {
				q.TrackName = args[1]
			} else if !cmd.Flags().Changed("kind") {
				q.Kind = media.KindArtist
			}

			svc, err := openService(cmd, f)
			if err != nil {
				return err
			}
			defer svc.Close()

			p, err := svc.Resolve(cmd.Context(), q, preview.Options{SkipCache: skipCache})
			if err != nil {
				return err
			}
			if p == nil {
				sys.LogWarn(sys.MsgCLINoPreview, q)
				return fmt.Errorf(sys.MsgCLINoPreview, q)
			}
			if urlOnly {
				_, err := fmt.Fprintln(cmd.OutOrStdout(), p.PlayURL())
				return err
			}
			return printJSON(cmd.OutOrStdout(), p)
		},
	}

	cmd.Flags().StringVar(&kind, "kind", "song", "Query kind: "+strings.Join([]string{string(media.KindSong), string(media.KindArtist)}, " or "))
	cmd.Flags().BoolVar(&skipCache, "skip-cache", false, "Ignore cached previews")
	cmd.Flags().BoolVar(&urlOnly, "url", false, "Print only the playable URL")
	return cmd
}
