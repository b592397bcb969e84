// Package cli implements the plugctl command-line interface using Cobra.
package cli

import (
	"github.com/spf13/cobra"

	"github.com/portalforge/plugctl/internal/log"
)

var (
	verbose bool
	jsonOut bool
)

var rootCmd = &cobra.Command{
	Use:   "plugctl",
	Short: "plugctl - dynamic plugin installer for the developer portal",
	Long: `plugctl converges a runtime root directory to the set of dynamic plugins
declared in a manifest. Plugins come from npm registries, OCI images, or a
local pre-built store; each enabled plugin's configuration fragment is merged
into a single app-config document consumed by the portal at startup.

Typically invoked from an init container:

  plugctl install dynamic-plugins.yaml /opt/portal/dynamic-plugins-root`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		log.Init(log.Options{
			Verbose:    verbose,
			JSONFormat: jsonOut,
		})
		return nil
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "output in JSON format")
}
