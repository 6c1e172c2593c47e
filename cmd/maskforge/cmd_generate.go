package main

// ---------------------------------------------------------------------------
// cmd_generate.go — generate profiles in-process
// ---------------------------------------------------------------------------

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/maskforge/maskforge/internal/core"
)

func generateCmd(g *globalFlags) *cobra.Command {
	var (
		preset         string
		pins           []string
		seed           int64
		count          int
		accept         bool
		observations   string
		catalogVersion int
		format         string
		output         string
	)

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate fingerprint profiles",
		Example: `  maskforge generate --preset win-chrome-120 --pin timezone=Europe/Berlin
  maskforge generate --seed 42 --count 10 --format json -o profiles.json
  maskforge generate --accept --observations obs.json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			pinSet, err := parsePins(pins)
			if err != nil {
				return err
			}
			req := core.GenerateRequest{
				CatalogVersion: catalogVersion,
				PresetID:       preset,
				Pins:           pinSet,
			}
			if cmd.Flags().Changed("seed") {
				req.Seed = &seed
			}
			if accept && count > 1 {
				return fmt.Errorf("--accept and --count cannot be combined")
			}

			engine, err := g.openEngine(cmd)
			if err != nil {
				return err
			}
			defer engine.Shutdown()

			w, closeOut, err := outputWriter(cmd.OutOrStdout(), output)
			if err != nil {
				return err
			}
			defer closeOut()
			asJSON := parseFormat(format) == FormatJSON

			ctx := cmd.Context()
			switch {
			case accept:
				obs, err := readObservations(cmd, observations)
				if err != nil {
					return err
				}
				acc, err := engine.GenerateAccepted(ctx, req, obs)
				if err != nil {
					return err
				}
				if asJSON {
					return printJSON(w, acc)
				}
				renderProfile(w, acc.Profile)
				renderReport(w, acc.Report)
				fmt.Fprintf(w, "%s accepted after %d attempt(s)\n", green("✓"), acc.Attempts)
			case count > 1:
				profiles, err := engine.GenerateBatch(ctx, req, count)
				if err != nil {
					return err
				}
				if asJSON {
					return printJSON(w, profiles)
				}
				tbl := NewTable(w, "ID", "SEED", "PLATFORM", "BROWSER", "USER AGENT")
				for _, p := range profiles {
					tbl.AddRow(p.ID, fmt.Sprint(p.Seed), fmt.Sprint(p.Values["platform"]),
						fmt.Sprint(p.Values["browser"]), truncate(fmt.Sprint(p.Values["user_agent"]), 48))
				}
				tbl.Render()
			default:
				p, err := engine.Generate(ctx, req)
				if err != nil {
					return err
				}
				if asJSON {
					return printJSON(w, p)
				}
				renderProfile(w, p)
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&preset, "preset", "", "Preset to start from")
	f.StringArrayVar(&pins, "pin", nil, "Pinned trait value as key=value (repeatable)")
	f.Int64Var(&seed, "seed", 0, "Seed for deterministic generation (random when unset)")
	f.IntVarP(&count, "count", "n", 1, "Number of profiles; seeds are consecutive")
	f.BoolVar(&accept, "accept", false, "Regenerate until the report is below the policy threshold")
	f.StringVar(&observations, "observations", "", "JSON file of runtime observations used with --accept")
	f.IntVar(&catalogVersion, "catalog-version", 0, "Catalog version (latest when 0)")
	f.StringVarP(&format, "format", "f", "table", "Output format: table, json")
	f.StringVarP(&output, "output", "o", "", "Write output to file")
	return cmd
}
