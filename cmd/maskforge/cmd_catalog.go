package main

// ---------------------------------------------------------------------------
// cmd_catalog.go — inspect, export and import catalog versions
// ---------------------------------------------------------------------------

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/maskforge/maskforge/internal/catalog"
	"github.com/maskforge/maskforge/internal/core"
)

func catalogCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Inspect, export or import catalog versions",
	}
	cmd.AddCommand(
		catalogVersionsCmd(g),
		catalogTraitsCmd(g),
		catalogExportCmd(g),
		catalogImportCmd(g),
	)
	return cmd
}

func catalogVersionsCmd(g *globalFlags) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "versions",
		Short: "List published catalog versions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := g.openEngine(cmd)
			if err != nil {
				return err
			}
			defer engine.Shutdown()

			ctx := cmd.Context()
			versions, err := engine.Catalogs.Versions(ctx)
			if err != nil {
				return err
			}
			latest := engine.Catalogs.Latest().Version()

			type row struct {
				Version int    `json:"version"`
				Name    string `json:"name"`
				Traits  int    `json:"traits"`
				Rules   int    `json:"rules"`
				Latest  bool   `json:"latest"`
			}
			rows := make([]row, 0, len(versions))
			for _, v := range versions {
				c, err := engine.Catalogs.Load(ctx, v)
				if err != nil {
					return err
				}
				rows = append(rows, row{
					Version: v,
					Name:    c.Name(),
					Traits:  len(c.Order()),
					Rules:   len(c.Rules()),
					Latest:  v == latest,
				})
			}

			w := cmd.OutOrStdout()
			if parseFormat(format) == FormatJSON {
				return printJSON(w, rows)
			}
			tbl := NewTable(w, "VERSION", "NAME", "TRAITS", "RULES", "")
			for _, r := range rows {
				mark := ""
				if r.Latest {
					mark = green("latest")
				}
				tbl.AddRow(fmt.Sprint(r.Version), r.Name, fmt.Sprint(r.Traits), fmt.Sprint(r.Rules), mark)
			}
			tbl.Render()
			return nil
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", "table", "Output format: table, json")
	return cmd
}

func catalogTraitsCmd(g *globalFlags) *cobra.Command {
	var (
		version  int
		category string
		search   string
		format   string
	)

	cmd := &cobra.Command{
		Use:   "traits",
		Short: "List the traits of a catalog version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := g.openEngine(cmd)
			if err != nil {
				return err
			}
			defer engine.Shutdown()

			c, err := engine.Catalogs.Load(cmd.Context(), version)
			if err != nil {
				return err
			}
			traits := c.Traits(catalog.TraitFilter{Category: category, Search: search})

			w := cmd.OutOrStdout()
			if parseFormat(format) == FormatJSON {
				return printJSON(w, traits)
			}
			tbl := NewTable(w, "KEY", "CATEGORY", "KIND", "OPTIONS", "DEPENDS ON", "FLAGS")
			for _, t := range traits {
				tbl.AddRow(t.Key, t.Category, string(t.Kind), fmt.Sprint(len(t.Options)),
					strings.Join(c.Dependencies(t.Key), ","), traitFlags(t))
			}
			tbl.Render()
			fmt.Fprintf(w, "%s catalog v%d, %d trait(s)\n", dim("▸"), c.Version(), len(traits))
			return nil
		},
	}

	f := cmd.Flags()
	f.IntVar(&version, "version", 0, "Catalog version (latest when 0)")
	f.StringVar(&category, "category", "", "Only traits in this category")
	f.StringVar(&search, "search", "", "Substring match on key, name or description")
	f.StringVarP(&format, "format", "f", "table", "Output format: table, json")
	return cmd
}

func traitFlags(t catalog.Trait) string {
	var flags []string
	if t.Optional {
		flags = append(flags, "optional")
	}
	if t.Randomizable {
		flags = append(flags, "random")
	}
	if t.Experimental {
		flags = append(flags, yellow("experimental"))
	}
	return strings.Join(flags, " ")
}

func catalogExportCmd(g *globalFlags) *cobra.Command {
	var (
		version  int
		compress bool
		output   string
	)

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export a catalog version as JSON or a zstd bundle",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if compress && (output == "" || output == "-") {
				return fmt.Errorf("--compress needs --output")
			}

			engine, err := g.openEngine(cmd)
			if err != nil {
				return err
			}
			defer engine.Shutdown()

			c, err := engine.Catalogs.Load(cmd.Context(), version)
			if err != nil {
				return err
			}
			var data []byte
			if compress {
				data, err = catalog.ExportCompressed(c)
			} else {
				data, err = catalog.Export(c)
			}
			if err != nil {
				return err
			}

			w, closeOut, err := outputWriter(cmd.OutOrStdout(), output)
			if err != nil {
				return err
			}
			if _, err := w.Write(data); err != nil {
				closeOut()
				return fmt.Errorf("writing catalog: %w", err)
			}
			if err := closeOut(); err != nil {
				return fmt.Errorf("writing catalog: %w", err)
			}
			if output != "" && output != "-" {
				fmt.Fprintf(cmd.ErrOrStderr(), "%s exported catalog v%d to %s\n", green("✓"), c.Version(), output)
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.IntVar(&version, "version", 0, "Catalog version (latest when 0)")
	f.BoolVar(&compress, "compress", false, "Write a zstd-compressed bundle")
	f.StringVarP(&output, "output", "o", "", "Write output to file")
	return cmd
}

func catalogImportCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "import <file|->",
		Short: "Publish a catalog document as a new version",
		Long: `Check a catalog document (YAML, JSON or a zstd bundle) and publish it
as the next version. With the dir or sqlite source the version is
persisted; the builtin source only checks it.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readInput(cmd, args[0])
			if err != nil {
				return err
			}

			engine, err := g.openEngine(cmd)
			if err != nil {
				return err
			}
			defer engine.Shutdown()

			c, err := engine.ImportCatalog(cmd.Context(), data)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s catalog %q v%d is valid\n", green("✓"), c.Name(), c.Version())
			if engine.Config.Catalog.Source == core.SourceBuiltin {
				warnf(cmd.ErrOrStderr(), "catalog.source is builtin, the version was not persisted")
			}
			return nil
		},
	}
}
