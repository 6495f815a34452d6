package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/homedeploy/homedeploy/cmd/homedeploy/commands"
	"github.com/homedeploy/homedeploy/pkg/telemetry"
)

// Version information (set via ldflags during build)
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

func main() {
	setupLogging()

	// Cancelled on interrupt so running subprocesses are stopped.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	err := commands.Execute(ctx, Version, Commit, BuildDate)
	stop()
	if err != nil {
		log.Error().Err(err).Msg("Command failed")
		os.Exit(1)
	}
}

// setupLogging installs the console logger used until the command has read
// its settings.
func setupLogging() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(telemetry.ParseLevel(os.Getenv("HOMEDEPLOY_LOG_LEVEL")))
}
