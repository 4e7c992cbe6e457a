// Package commands holds the earworm CLI.
package commands

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/leeineian/earworm"
	"github.com/leeineian/earworm/sys"
	"github.com/spf13/cobra"
)

type rootFlags struct {
	silent  bool
	logFile bool
	backend string
	proxy   bool
}

// NewRootCommand builds the earworm command tree.
func NewRootCommand() *cobra.Command {
	f := &rootFlags{}
	cmd := &cobra.Command{
		Use:           sys.GetProjectName(),
		Short:         "Resolve short audio previews for artists and songs.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			sys.InitLogger(f.silent, f.logFile)
		},
	}

	cmd.PersistentFlags().BoolVar(&f.silent, "silent", false, "Disable all log output")
	cmd.PersistentFlags().BoolVar(&f.logFile, "log-file", false, "Also write logs to <binary>.log")
	cmd.PersistentFlags().StringVar(&f.backend, "cache-backend", "", "Override EARWORM_CACHE_BACKEND (sqlite, json, redis, memory)")
	cmd.PersistentFlags().BoolVar(&f.proxy, "proxy", false, "Route lookups through the rotating proxy pool")

	cmd.AddCommand(
		newResolveCommand(f),
		newPreloadCommand(f),
		newServeCommand(f),
		newProxyCommand(f),
		newCacheCommand(f),
	)
	return cmd
}

// openService loads the configuration, applies flag overrides and builds the pipeline.
func openService(cmd *cobra.Command, f *rootFlags, adjust ...func(*sys.Config)) (*earworm.Service, error) {
	cfg, err := sys.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf(sys.MsgConfigFailedToLoad, err)
	}
	if f.backend != "" {
		cfg.CacheBackend = f.backend
	}
	if f.proxy {
		cfg.ProxyEnabled = true
	}
	for _, fn := range adjust {
		fn(cfg)
	}
	sys.GlobalConfig = cfg

	sys.LogInfo(sys.MsgInitializing, sys.GetProjectName())
	return earworm.New(cmd.Context(), cfg)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
