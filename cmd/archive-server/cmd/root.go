package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/oshokin/build-archive/internal/config"
	"github.com/oshokin/build-archive/internal/service/server"
	"github.com/oshokin/build-archive/internal/version"
)

var (
	// configPath to the configuration YAML file.
	configPath string
	// storageDir overrides the storage root from the configuration.
	storageDir string

	// rootCmd represents the base command for running the archive server.
	rootCmd = &cobra.Command{
		Use:   "archive-server [listen-address]",
		Short: "Run the build archive HTTP server.",
		Long: `Starts the server that fetches the content of builds and publishes it as zip archives.

Each generation request carries a manifest of files with their checksums. Files whose
checksums did not change since the previous archive of the build are reused instead
of being downloaded again. Archives are replaced atomically, so readers never see a
partially written file.

Settings are read from the configuration file; a missing file means defaults.
Listen address can be provided as argument to override config (e.g., :9090, 0.0.0.0:8080).`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			// Setup graceful shutdown handling.
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			// Use listen address argument if provided, otherwise rely on config.
			var listenAddress string
			if len(args) > 0 {
				listenAddress = args[0]
			}

			options := &server.Options{
				ConfigPath:    configPath,
				ListenAddress: listenAddress,
				StorageDir:    storageDir,
			}

			return server.Run(ctx, options)
		},
	}
)

// Execute runs the archive-server CLI and exits with non-zero status on error.
func Execute() {
	version.AttachCobraVersionCommand(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

//nolint:gochecknoinits // Required by Cobra CLI framework architecture.
func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", config.DefaultConfigFilename, "path to configuration file")
	rootCmd.Flags().StringVarP(&storageDir, "storage-dir", "s", "", "storage root, overrides storage_dir from the configuration")
}
