package main

// ---------------------------------------------------------------------------
// main.go — command tree for the maskforge CLI
//
// Command implementations live in cmd_*.go. Shared helpers are in
// helpers.go, http.go, output.go and banner.go.
// ---------------------------------------------------------------------------

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/maskforge/maskforge/internal/core"
)

// Set with -ldflags "-X main.version=... -X main.commit=... -X main.buildDate=...".
var (
	version   = "0.1.0"
	commit    = "dev"
	buildDate = "unknown"
)

const defaultConfigPath = "configs/default.yaml"

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	logLevel   string
	noColor    bool
}

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	core.Version = version
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, red("error: ")+"%v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	g := &globalFlags{}

	cmd := &cobra.Command{
		Use:   "maskforge",
		Short: "Browser fingerprint generation and validation engine",
		Long: `maskforge generates internally consistent browser fingerprint profiles
from a versioned trait catalog, validates them against consistency,
plausibility and detectability rules, and synthesizes the headers and
init script that apply a profile to a browser session.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if g.noColor {
				os.Setenv("NO_COLOR", "1")
			}
		},
	}

	cmd.PersistentFlags().StringVarP(&g.configPath, "config", "c", defaultConfigPath, "Config file path (env MASKFORGE_CONFIG)")
	cmd.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "Log level override: debug, info, warn, error")
	cmd.PersistentFlags().BoolVar(&g.noColor, "no-color", false, "Disable color output")

	cmd.AddCommand(
		upCmd(g),
		generateCmd(g),
		validateCmd(g),
		synthesizeCmd(g),
		catalogCmd(g),
		configCmd(g),
		statusCmd(g),
		logsCmd(g),
		versionCmd(),
	)
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			printVersion(cmd.OutOrStdout())
		},
	}
}
