package commands

import (
	"github.com/leeineian/earworm/api"
	"github.com/leeineian/earworm/sys"
	"github.com/spf13/cobra"
)

func newServeCommand(f *rootFlags) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve previews over HTTP.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := openService(cmd, f, func(cfg *sys.Config) {
				if listen != "" {
					cfg.Listen = listen
				}
			})
			if err != nil {
				return err
			}
			defer svc.Close()

			sys.LogInfo(sys.MsgStarting, sys.GetProjectName())
			err = api.Serve(cmd.Context(), svc.Config.Listen, api.NewRouter(svc))
			sys.LogInfo(sys.MsgShutdown, sys.GetProjectName())
			return err
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "Override EARWORM_LISTEN")
	return cmd
}
