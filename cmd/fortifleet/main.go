package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/fortifleet/fortifleet/cmd/fortifleet/commands"
	"github.com/rs/zerolog/log"
)

// Set via ldflags.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := commands.Execute(ctx, Version, Commit, BuildDate)
	stop()
	if err != nil {
		log.Error().Err(err).Msg("fortifleet failed")
		os.Exit(1)
	}
}
