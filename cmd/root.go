// Package cmd is the CLI entry point: a root cobra.Command with a
// persistent --config flag, aggregating subcommands defined in sibling
// packages.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/corvidio/sentinel/cmd/serve"
)

// Version is the build version reported by the --version flag.
const Version = "0.1.0"

var configPath string

// RootCommand creates and returns the root command.
func RootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "sentinel",
		Short:   "Bird detection pipeline daemon",
		Long:    "sentinel ingests Frigate/BirdNET-Go events over MQTT, classifies species, and serves a read API, media proxy, and SSE broadcast.",
		Version: Version,
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config/config.json", "path to config.json")

	rootCmd.AddCommand(serve.Command(&configPath))

	return rootCmd
}

// Execute runs the root command, exiting the process on failure.
func Execute() {
	if err := RootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
