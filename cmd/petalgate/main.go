package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/petal-labs/petalgate/cli"
)

// Set via ldflags at build time.
var version = "dev"

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(cli.ExitCode(err))
	}
}

var rootCmd = &cobra.Command{
	Use:   "petalgate",
	Short: "PetalGate LLM invocation gateway",
	Long:  "PetalGate serves a single HTTP API for invoking chat models across providers, with tool calling, structured output and frontend filesystem access.",
	// SilenceUsage prevents printing usage on every error
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().BoolP("verbose", "", false, "Enable verbose/debug logging")

	rootCmd.Version = version
	rootCmd.SetVersionTemplate(fmt.Sprintf("petalgate version %s\n", version))

	rootCmd.AddCommand(cli.NewServeCmd())
}
