// Package app provides the entry point for the bundlelock CLI.
package app

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/bundlelock/bundlelock/internal/versions"
)

var rootCmd = &cobra.Command{
	Use:               "bundlelock",
	DisableAutoGenTag: true,
	Short:             "Distributed lock coordination over a shared branch",
	Long: `bundlelock coordinates exclusive access to unmergeable project files
across machines. Lock state lives in a manifest on a dedicated branch of a
shared repository; the branch's fast-forward-only push acceptance arbitrates
concurrent claims, so no coordination server is needed.`,
	Run: func(cmd *cobra.Command, _ []string) {
		// If no subcommand is provided, print help
		if err := cmd.Help(); err != nil {
			slog.Error("Error displaying help", "error", err)
		}
	},
}

// NewRootCmd creates a new root command for the bundlelock CLI.
func NewRootCmd() *cobra.Command {
	rootCmd.PersistentFlags().String("config", "", "Path to configuration file (YAML format)")
	rootCmd.PersistentFlags().String("remote", "", "Shared repository URL (overrides config)")
	rootCmd.PersistentFlags().String("holder", "", "Holder identity, defaults to user@hostname")

	for _, flag := range []string{"config", "remote", "holder"} {
		if err := viper.BindPFlag(flag, rootCmd.PersistentFlags().Lookup(flag)); err != nil {
			slog.Error("Error binding flag", "flag", flag, "error", err)
		}
	}

	rootCmd.AddCommand(newLockCmd())
	rootCmd.AddCommand(newQueueCmd())
	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(versionCmd)

	return rootCmd
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, _ []string) {
		info := versions.GetVersionInfo()
		format, err := cmd.Flags().GetString("format")
		if err != nil {
			slog.Error("Error retrieving format flag", "error", err)
			return
		}

		if format == "json" {
			output, err := json.MarshalIndent(info, "", "  ")
			if err != nil {
				slog.Error("Error formatting version info as JSON", "error", err)
				return
			}
			fmt.Println(string(output))
		} else {
			fmt.Printf("bundlelock %s (commit %s, built %s, %s, %s)\n",
				info.Version, info.Commit, info.BuildDate, info.GoVersion, info.Platform)
		}
	},
}

func init() {
	versionCmd.Flags().String("format", "", "Output format (json)")
}
