package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	clientcmd "github.com/rzbill/flobuf/internal/cmd/client"
	serverrun "github.com/rzbill/flobuf/internal/cmd/server"
	logpkg "github.com/rzbill/flobuf/pkg/log"
)

func main() {
	// CLI logger; the server builds its own from config.
	level, err := logpkg.ParseLevel(os.Getenv("FLOBUF_LOG_LEVEL"))
	if err != nil {
		level = logpkg.InfoLevel
	}
	logger := logpkg.NewLogger(
		logpkg.WithLevel(level),
		logpkg.WithFormatter(&logpkg.TextFormatter{}),
		logpkg.WithOutput(logpkg.NewConsoleOutput()),
	)

	rootCmd := &cobra.Command{
		Use:           "flobuf",
		Short:         "flobuf buffer server CLI",
		Long:          "flobuf buffers windowed frame streams from publishers and fans them out to subscriber groups.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.AddCommand(serverrun.NewCommand())
	rootCmd.AddCommand(clientcmd.NewCommands()...)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		logger.Error("command failed", logpkg.Err(err))
		cancel()
		os.Exit(1)
	}
}
