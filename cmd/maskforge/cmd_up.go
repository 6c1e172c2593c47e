package main

// ---------------------------------------------------------------------------
// cmd_up.go — run the engine with the HTTP API and optional bus
// ---------------------------------------------------------------------------

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/maskforge/maskforge/internal/api"
	"github.com/maskforge/maskforge/internal/core"
)

func upCmd(g *globalFlags) *cobra.Command {
	var (
		dryRun bool
		quiet  bool
		port   int
	)

	cmd := &cobra.Command{
		Use:   "up",
		Short: "Start the engine, HTTP API and bus",
		Long: `Start the engine and serve the HTTP API. When bus.enabled is set the
engine also answers fp.generate and fp.validate over NATS and stores
validation reports in JetStream.

SIGHUP reloads the config file and applies hot-reloadable settings.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			stderr := cmd.ErrOrStderr()
			if !quiet {
				fmt.Fprint(stderr, bannerText())
			}

			configPath := envConfig(g.configPath)
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			if port != 0 {
				cfg.Server.Port = port
			}

			buf := core.NewLogRingBuffer(cfg.Logging.BufferSize)
			logger := core.NewLogger(cfg.Logging, buf)

			engine, err := core.NewEngine(cfg, logger)
			if err != nil {
				return fmt.Errorf("creating engine: %w", err)
			}
			engine.LogBuffer = buf

			if dryRun {
				latest := engine.Catalogs.Latest()
				fmt.Fprintf(cmd.OutOrStdout(), "%s Config valid. Catalog %q v%d, %d traits, %d rules.\n",
					green("✓"), latest.Name(), latest.Version(), len(latest.Order()), len(latest.Rules()))
				return engine.Shutdown()
			}

			if !cfg.AuthEnabled() && !quiet {
				fmt.Fprintf(stderr, "%s No API keys configured, the API is open.\n", yellow("⚠"))
				fmt.Fprintf(stderr, "    Set api_keys in config or MASKFORGE_API_KEY.\n")
			}

			if err := engine.Start(); err != nil {
				_ = engine.Shutdown()
				return fmt.Errorf("starting engine: %w", err)
			}
			srv := api.NewServer(engine)
			if err := srv.Start(); err != nil {
				_ = engine.Shutdown()
				return fmt.Errorf("starting API server: %w", err)
			}

			if !quiet {
				busStatus := dim("off")
				if engine.Bus != nil {
					busStatus = green("connected")
				}
				fmt.Fprintf(stderr, "%s maskforge running, catalog v%d, API on %s:%d, bus %s\n",
					green("✓"), engine.Catalogs.Latest().Version(), cfg.Server.Host, cfg.Server.Port, busStatus)
				fmt.Fprintf(stderr, "%s Press Ctrl+C to stop\n", dim("▸"))
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
			defer signal.Stop(sigCh)

			for sig := range sigCh {
				if sig == syscall.SIGHUP {
					changes, err := core.ReloadConfig(engine, configPath, engine.Logger)
					if err != nil {
						engine.Logger.Error().Err(err).Msg("config reload failed")
						continue
					}
					for _, c := range changes {
						engine.Logger.Info().Str("change", c).Msg("config reloaded")
					}
					continue
				}
				if !quiet {
					fmt.Fprintf(stderr, "\n%s Received %s, shutting down...\n", dim("▸"), sig)
				}
				break
			}

			if err := srv.Stop(); err != nil {
				engine.Logger.Error().Err(err).Msg("error stopping API server")
			}
			return engine.Shutdown()
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Load config and catalog, then exit")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Suppress banner and non-essential output")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "API port override")
	return cmd
}
