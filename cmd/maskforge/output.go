package main

// ---------------------------------------------------------------------------
// output.go — format flag, table rendering, output helpers
// ---------------------------------------------------------------------------

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/maskforge/maskforge/internal/fingerprint"
)

// OutputFormat enumerates supported output formats.
type OutputFormat int

const (
	FormatTable OutputFormat = iota
	FormatJSON
)

// parseFormat converts a --format string to an OutputFormat.
func parseFormat(s string) OutputFormat {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "json":
		return FormatJSON
	default:
		return FormatTable
	}
}

// ---------------------------------------------------------------------------
// Table renderer — auto-sized columns with box-drawing borders
// ---------------------------------------------------------------------------

// Table renders aligned, bordered tables to a writer.
type Table struct {
	headers []string
	rows    [][]string
	w       io.Writer
}

// NewTable creates a table with the given column headers.
func NewTable(w io.Writer, headers ...string) *Table {
	return &Table{headers: headers, w: w}
}

// AddRow appends a row. Values are matched positionally to headers.
func (t *Table) AddRow(values ...string) {
	row := make([]string, len(t.headers))
	for i := range row {
		if i < len(values) {
			row[i] = values[i]
		}
	}
	t.rows = append(t.rows, row)
}

// Render writes the table with box-drawing borders.
func (t *Table) Render() {
	if len(t.headers) == 0 {
		return
	}

	widths := make([]int, len(t.headers))
	for i, h := range t.headers {
		widths[i] = displayWidth(h)
	}
	for _, row := range t.rows {
		for i, cell := range row {
			widths[i] = max(widths[i], displayWidth(cell))
		}
	}

	line := func(left, mid, right string) string {
		var b strings.Builder
		b.WriteString(left)
		for i, w := range widths {
			b.WriteString(strings.Repeat("─", w+2))
			if i < len(widths)-1 {
				b.WriteString(mid)
			}
		}
		b.WriteString(right)
		return b.String()
	}

	printRow := func(cells []string) {
		fmt.Fprint(t.w, "│")
		for i, cell := range cells {
			fmt.Fprintf(t.w, " %s%s │", cell, strings.Repeat(" ", widths[i]-displayWidth(cell)))
		}
		fmt.Fprintln(t.w)
	}

	fmt.Fprintln(t.w, line("┌", "┬", "┐"))
	printRow(t.headers)
	fmt.Fprintln(t.w, line("├", "┼", "┤"))
	for _, row := range t.rows {
		printRow(row)
	}
	fmt.Fprintln(t.w, line("└", "┴", "┘"))
}

// displayWidth counts runes, ignoring ANSI color sequences.
func displayWidth(s string) int {
	n, inEscape := 0, false
	for _, r := range s {
		switch {
		case r == '\033':
			inEscape = true
		case inEscape:
			if r == 'm' {
				inEscape = false
			}
		default:
			n++
		}
	}
	return n
}

// truncate shortens s to n runes with an ellipsis.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

// ---------------------------------------------------------------------------
// Profiles and reports
// ---------------------------------------------------------------------------

func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding output: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func renderProfile(w io.Writer, p *fingerprint.Profile) {
	fmt.Fprintf(w, "%s %s  %s v%d  %s %d\n",
		bold("profile"), p.ID, dim("catalog"), p.CatalogVersion, dim("seed"), p.Seed)
	if p.PresetID != "" {
		fmt.Fprintf(w, "%s %s\n", dim("preset"), p.PresetID)
	}

	keys := make([]string, 0, len(p.Values))
	for k := range p.Values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	tbl := NewTable(w, "TRAIT", "VALUE", "")
	for _, k := range keys {
		marker := ""
		if _, ok := p.Overrides[k]; ok {
			marker = cyan("pinned")
		}
		tbl.AddRow(k, truncate(fmt.Sprint(p.Values[k]), 72), marker)
	}
	tbl.Render()
}

func renderReport(w io.Writer, r *fingerprint.Report) {
	tbl := NewTable(w, "RULE", "TYPE", "SEVERITY", "STATUS", "MESSAGE")
	for _, o := range r.Outcomes {
		status := string(o.Status)
		switch o.Status {
		case fingerprint.OutcomeFailed:
			status = red(status)
		case fingerprint.OutcomePassed:
			status = green(status)
		default:
			status = dim(status)
		}
		tbl.AddRow(o.RuleID, string(o.Type), o.Severity.String(), status, truncate(o.Message, 60))
	}
	tbl.Render()
	fmt.Fprintf(w, "%s %s  %s %s\n", bold("risk"), riskColor(r.RiskLevel), dim("status"), r.Status)
}

// ---------------------------------------------------------------------------
// outputWriter — writes to file if --output is set, otherwise w
// ---------------------------------------------------------------------------

func outputWriter(w io.Writer, path string) (io.Writer, func() error, error) {
	if path == "" || path == "-" {
		return w, func() error { return nil }, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("opening output file %q: %w", path, err)
	}
	return f, f.Close, nil
}
