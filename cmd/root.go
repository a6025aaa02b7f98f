// Package cmd is Gorp's CLI surface: start, config, schedule, rooms,
// version. Matches the teacher's cobra root/subcommand layout; the
// subcommand set itself is spec §6's, not the teacher's.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time via -ldflags "-X .../cmd.Version=v1.0.0"
var Version = "dev"

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "gorp",
	Short: "Gorp — chat platform to AI agent session bridge",
	Long:  "Gorp bridges Matrix, Telegram, Slack, Discord, WhatsApp, and a web console to long-running AI agent sessions via a message bus, an orchestrator, a warm session manager, and a scheduler.",
	Run: func(cmd *cobra.Command, args []string) {
		runStart()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: config.json or $GORP_CONFIG)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(startCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(scheduleCmd())
	rootCmd.AddCommand(roomsCmd())
	rootCmd.AddCommand(versionCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("gorp %s\n", Version)
		},
	}
}

func resolveConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	if v := os.Getenv("GORP_CONFIG"); v != "" {
		return v
	}
	return "config.json"
}

// Execute runs the root cobra command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
