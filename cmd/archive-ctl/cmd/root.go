package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/oshokin/build-archive/internal/service/client"
	"github.com/oshokin/build-archive/internal/version"
)

// defaultServerURL points to a server running with default settings.
const defaultServerURL = "http://localhost:8080"

var (
	// options are shared by every subcommand.
	options = &client.Options{}

	// output is the destination of a downloaded archive.
	output string
	// checksum gates a delete on the archive digest.
	checksum string

	// rootCmd represents the base command of the control tool.
	rootCmd = &cobra.Command{
		Use:   "archive-ctl",
		Short: "Control a running build archive server.",
		Long: `Sends requests to a build archive server.

Generation is asynchronous: "generate" returns once the server has scheduled the
work, and "status" tells when the archive is ready to download with "get".`,
		SilenceUsage: true,
	}

	generateCmd = &cobra.Command{
		Use:   "generate <manifest.json>",
		Short: "Schedule an archive generation from a manifest file.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return client.Generate(cmd.Context(), options, args[0])
		},
	}

	statusCmd = &cobra.Command{
		Use:   "status <build-id>",
		Short: "Show the generation status of a build.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return client.Status(cmd.Context(), options, args[0])
		},
	}

	getCmd = &cobra.Command{
		Use:   "get <build-id>",
		Short: "Download the archive of a build.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return client.Get(cmd.Context(), options, args[0], output)
		},
	}

	deleteCmd = &cobra.Command{
		Use:   "delete <build-id>",
		Short: "Delete the archive of a build.",
		Long: `Deletes the archive of a build.

With --checksum the server deletes the archive only when its SHA-256 digest matches,
which protects against deleting content based on a stale view of it.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return client.Delete(cmd.Context(), options, args[0], checksum)
		},
	}

	cleanupCmd = &cobra.Command{
		Use:   "cleanup",
		Short: "Run the retention sweep now.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return client.Cleanup(cmd.Context(), options)
		},
	}

	serverVersionCmd = &cobra.Command{
		Use:   "server-version",
		Short: "Print version information of the server.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return client.ServerVersion(cmd.Context(), options)
		},
	}
)

// Execute runs the archive-ctl CLI and exits with non-zero status on error.
func Execute() {
	version.AttachCobraVersionCommand(rootCmd)

	// Setup graceful cancellation handling.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

//nolint:gochecknoinits // Required by Cobra CLI framework architecture.
func init() {
	rootCmd.PersistentFlags().StringVarP(&options.ServerURL, "server", "u", defaultServerURL, "archive server URL")
	rootCmd.PersistentFlags().DurationVarP(&options.Timeout, "timeout", "t", client.DefaultCallTimeout, "timeout of a single call")

	getCmd.Flags().StringVarP(&output, "output", "o", "", "destination file, defaults to <build-id>.zip")
	deleteCmd.Flags().StringVar(&checksum, "checksum", "", "SHA-256 digest the archive must have to be deleted")

	rootCmd.AddCommand(generateCmd, statusCmd, getCmd, deleteCmd, cleanupCmd, serverVersionCmd)
}
