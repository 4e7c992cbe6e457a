package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/leeineian/earworm/cmd/earworm/commands"
	"github.com/leeineian/earworm/sys"
)

func main() {
	// LogFatal panics with a string so deferred cleanup still runs
	defer func() {
		if r := recover(); r != nil {
			if msg, ok := r.(string); ok {
				fmt.Fprintf(os.Stderr, sys.MsgPanicFatal, msg)
				os.Exit(1)
			}
			panic(r)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := commands.NewRootCommand().ExecuteContext(ctx); err != nil {
		sys.LogError(sys.MsgGenericError, err)
		stop()
		os.Exit(1)
	}
}
