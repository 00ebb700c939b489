package serverrun

import (
	"github.com/spf13/cobra"

	cfgpkg "github.com/rzbill/flobuf/internal/config"
)

// NewCommand constructs the `server` command group with its `start`
// subcommand. Settings come from --config, then FLOBUF_* variables, then
// flags that were set explicitly.
func NewCommand() *cobra.Command {
	serverCmd := &cobra.Command{Use: "server", Short: "Server commands"}
	startCmd := &cobra.Command{
		Use:     "start",
		Short:   "Start flobuf server (gRPC and HTTP)",
		Aliases: []string{"run"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := ConfigFromFlags(cmd)
			if err != nil {
				return err
			}
			return Run(cmd.Context(), Options{Config: cfg})
		},
	}
	f := startCmd.Flags()
	f.String("config", "", "JSON config file")
	f.String("grpc", "", "gRPC listen address (default :7070)")
	f.String("http", "", "HTTP admin listen address (default :7071)")
	f.String("data-dir", "", "Spill directory (if not specified, uses OS-specific application data directory)")
	f.Int("block-size", 0, "Bytes per buffer block (default 64MiB)")
	f.Bool("spill", false, "Spill cold blocks to disk")
	f.String("log-level", "", "Log level: debug|info|warn|error")
	f.String("log-format", "", "Log format: text|json")
	serverCmd.AddCommand(startCmd)
	return serverCmd
}

// ConfigFromFlags resolves the server configuration for cmd.
func ConfigFromFlags(cmd *cobra.Command) (cfgpkg.Config, error) {
	f := cmd.Flags()
	path, _ := f.GetString("config")
	cfg, err := cfgpkg.Load(path)
	if err != nil {
		return cfg, err
	}
	cfgpkg.FromEnv(&cfg)
	if f.Changed("grpc") {
		cfg.GRPCAddr, _ = f.GetString("grpc")
	}
	if f.Changed("http") {
		cfg.HTTPAddr, _ = f.GetString("http")
	}
	if f.Changed("data-dir") {
		cfg.DataDir, _ = f.GetString("data-dir")
	}
	if f.Changed("block-size") {
		cfg.Buffer.BlockSize, _ = f.GetInt("block-size")
	}
	if f.Changed("spill") {
		cfg.Buffer.Spill, _ = f.GetBool("spill")
	}
	if f.Changed("log-level") {
		cfg.Log.Level, _ = f.GetString("log-level")
	}
	if f.Changed("log-format") {
		cfg.Log.Format, _ = f.GetString("log-format")
	}
	return cfg, cfg.Validate()
}
