package main

// ---------------------------------------------------------------------------
// cmd_validate.go — validate and synthesize exported profiles
// ---------------------------------------------------------------------------

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/maskforge/maskforge/internal/core"
)

func validateCmd(g *globalFlags) *cobra.Command {
	var (
		observations string
		format       string
		strict       bool
	)

	cmd := &cobra.Command{
		Use:   "validate <profile.json|->",
		Short: "Validate a profile and print its report",
		Long: `Validate a profile against the rules of the catalog version it was
generated from. Runtime observations read back from a live session enable
the detectability rules.

With --strict the command fails when the report is not accepted under the
configured generation.risk_threshold.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := readProfile(cmd, args[0])
			if err != nil {
				return err
			}
			obs, err := readObservations(cmd, observations)
			if err != nil {
				return err
			}

			engine, err := g.openEngine(cmd)
			if err != nil {
				return err
			}
			defer engine.Shutdown()

			report, err := engine.Validate(cmd.Context(), core.ValidateRequest{Profile: p, Observations: obs})
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			if parseFormat(format) == FormatJSON {
				if err := printJSON(w, report); err != nil {
					return err
				}
			} else {
				renderReport(w, report)
			}

			threshold := engine.GenerationPolicy().RiskThreshold
			if strict && !report.Accepted(threshold) {
				return fmt.Errorf("profile rejected: risk %s (threshold %s), status %s",
					report.RiskLevel, threshold, report.Status)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&observations, "observations", "", "JSON file of runtime observations")
	cmd.Flags().StringVarP(&format, "format", "f", "table", "Output format: table, json")
	cmd.Flags().BoolVar(&strict, "strict", false, "Fail unless the report is accepted")
	return cmd
}

func synthesizeCmd(g *globalFlags) *cobra.Command {
	var (
		part   string
		output string
	)

	cmd := &cobra.Command{
		Use:   "synthesize <profile.json|->",
		Short: "Produce the headers and init script for a profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := readProfile(cmd, args[0])
			if err != nil {
				return err
			}

			engine, err := g.openEngine(cmd)
			if err != nil {
				return err
			}
			defer engine.Shutdown()

			bundle, err := engine.Synthesize(cmd.Context(), p)
			if err != nil {
				return err
			}

			w, closeOut, err := outputWriter(cmd.OutOrStdout(), output)
			if err != nil {
				return err
			}
			defer closeOut()

			switch part {
			case "", "all":
				return printJSON(w, bundle)
			case "headers":
				names := make([]string, 0, len(bundle.Headers))
				for name := range bundle.Headers {
					names = append(names, name)
				}
				sort.Strings(names)
				for _, name := range names {
					fmt.Fprintf(w, "%s: %s\n", name, bundle.Headers[name])
				}
			case "script":
				fmt.Fprintln(w, bundle.Script)
			default:
				return fmt.Errorf("unknown --part %q (all, headers, script)", part)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&part, "part", "all", "What to print: all, headers, script")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Write output to file")
	return cmd
}
