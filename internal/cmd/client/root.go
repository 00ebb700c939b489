package client

import (
	"github.com/spf13/cobra"

	"github.com/rzbill/flobuf/internal/cmd/client/transports"
)

func getTransport() transports.BufferTransport {
	return transports.NewGrpcTransport(dialGRPCContext)
}

// getAdminTransport picks the transport named by --transport.
func getAdminTransport(cmd *cobra.Command) transports.AdminTransport {
	if name, _ := cmd.Flags().GetString("transport"); name == "http" {
		return transports.NewHTTPTransport(httpURLFromEnv(), nil)
	}
	return getTransport()
}

// NewRoot constructs a root Cobra command for the flobuf client.
func NewRoot() *cobra.Command {
	root := &cobra.Command{
		Use:   "flobuf",
		Short: "flobuf client commands",
	}
	root.AddCommand(NewCommands()...)
	return root
}

// NewCommands returns the client subcommands for embedding under another
// root.
func NewCommands() []*cobra.Command {
	return []*cobra.Command{
		newPublishCommand(),
		newSubscribeCommand(),
		newPurgeCommand(),
		newResetCommand(),
		newStatsCommand(),
	}
}
