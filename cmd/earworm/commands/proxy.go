package commands

import (
	"errors"
	"fmt"

	"github.com/leeineian/earworm"
	"github.com/leeineian/earworm/proxy"
	"github.com/leeineian/earworm/sys"
	"github.com/spf13/cobra"
)

func newProxyCommand(f *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "proxy",
		Short: "Inspect and maintain the rotating proxy pool.",
	}

	// every subcommand needs the pool regardless of EARWORM_PROXY_ENABLED
	withPool := func(run func(cmd *cobra.Command, svc *earworm.Service, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			svc, err := openService(cmd, f, func(cfg *sys.Config) { cfg.ProxyEnabled = true })
			if err != nil {
				return err
			}
			defer svc.Close()
			if svc.Proxies == nil {
				return errors.New(sys.MsgCLIProxyDisabled)
			}
			return run(cmd, svc, args)
		}
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List known proxies and their state.",
			Args:  cobra.NoArgs,
			RunE: withPool(func(cmd *cobra.Command, svc *earworm.Service, _ []string) error {
				records := svc.Proxies.Records()
				if records == nil {
					records = []proxy.Record{}
				}
				return printJSON(cmd.OutOrStdout(), records)
			}),
		},
		&cobra.Command{
			Use:   "refresh",
			Short: "Fetch the proxy sources and health-check the result.",
			Args:  cobra.NoArgs,
			RunE: withPool(func(cmd *cobra.Command, svc *earworm.Service, _ []string) error {
				return svc.Proxies.Refresh(cmd.Context())
			}),
		},
		&cobra.Command{
			Use:   "test",
			Short: "Health-check the known proxies without fetching new ones.",
			Args:  cobra.NoArgs,
			RunE: withPool(func(cmd *cobra.Command, svc *earworm.Service, _ []string) error {
				n, err := svc.Proxies.TestAll(cmd.Context())
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), sys.MsgCLIProxyTested+"\n", n)
				return err
			}),
		},
		&cobra.Command{
			Use:   "ban <url>",
			Short: "Ban a proxy so it is never handed out again.",
			Args:  cobra.ExactArgs(1),
			RunE: withPool(func(cmd *cobra.Command, svc *earworm.Service, args []string) error {
				svc.Proxies.Ban(args[0])
				return nil
			}),
		},
	)
	return cmd
}
