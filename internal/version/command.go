package version

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

// AttachCobraVersionCommand attaches a `version` subcommand to the provided root command.
// With --json it prints the same document the server exposes on /api/stats/version-info.
func AttachCobraVersionCommand(root *cobra.Command) {
	var asJSON bool

	command := &cobra.Command{
		Use:   "version",
		Short: "Print version information.",
		Long:  "Print the version, commit and build time injected at build time.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !asJSON {
				_, err := fmt.Fprintln(cmd.OutOrStdout(), Full())
				return err
			}

			encoder := json.NewEncoder(cmd.OutOrStdout())
			encoder.SetIndent("", "  ")

			return encoder.Encode(Current())
		},
	}

	command.Flags().BoolVar(&asJSON, "json", false, "print build metadata as JSON")
	root.AddCommand(command)
}
