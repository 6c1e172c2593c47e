package main

// ---------------------------------------------------------------------------
// cmd_status.go — query a running instance
// ---------------------------------------------------------------------------

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/maskforge/maskforge/internal/core"
)

func addRemoteFlags(cmd *cobra.Command, r *remoteFlags) {
	f := cmd.Flags()
	f.StringVar(&r.host, "host", "", "API host (env MASKFORGE_HOST)")
	f.IntVar(&r.port, "port", 0, "API port (env MASKFORGE_PORT)")
	f.StringVar(&r.apiKey, "api-key", "", "API key (env MASKFORGE_API_KEY)")
	f.DurationVar(&r.timeout, "timeout", 5*time.Second, "Request timeout")
}

func statusCmd(g *globalFlags) *cobra.Command {
	var (
		remote remoteFlags
		format string
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the status of a running instance",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := apiGet(remote.base(g.configPath)+"/api/v1/status", remote.key(g.configPath), remote.timeout)
			if err != nil {
				return err
			}
			var status map[string]any
			if err := json.Unmarshal(body, &status); err != nil {
				return fmt.Errorf("parsing status: %w", err)
			}

			w := cmd.OutOrStdout()
			if parseFormat(format) == FormatJSON {
				return printJSON(w, status)
			}
			keys := make([]string, 0, len(status))
			for k := range status {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			tbl := NewTable(w, "FIELD", "VALUE")
			for _, k := range keys {
				tbl.AddRow(k, fmt.Sprint(status[k]))
			}
			tbl.Render()
			return nil
		},
	}

	addRemoteFlags(cmd, &remote)
	cmd.Flags().StringVarP(&format, "format", "f", "table", "Output format: table, json")
	return cmd
}

func logsCmd(g *globalFlags) *cobra.Command {
	var (
		remote remoteFlags
		limit  int
		format string
	)

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Fetch recent log lines from a running instance",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			url := fmt.Sprintf("%s/api/v1/logs?limit=%d", remote.base(g.configPath), limit)
			body, err := apiGet(url, remote.key(g.configPath), remote.timeout)
			if err != nil {
				return err
			}
			var resp struct {
				Logs []core.LogEntry `json:"logs"`
			}
			if err := json.Unmarshal(body, &resp); err != nil {
				return fmt.Errorf("parsing logs: %w", err)
			}

			w := cmd.OutOrStdout()
			if parseFormat(format) == FormatJSON {
				return printJSON(w, resp.Logs)
			}
			for _, e := range resp.Logs {
				line := e.Message
				if e.Component != "" {
					line = dim(e.Component+": ") + line
				}
				fmt.Fprintf(w, "%s %s %s\n", dim(e.Timestamp.Format(time.RFC3339)), levelColor(e.Level), line)
			}
			return nil
		},
	}

	addRemoteFlags(cmd, &remote)
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "Number of lines")
	cmd.Flags().StringVarP(&format, "format", "f", "table", "Output format: table, json")
	return cmd
}

func levelColor(level string) string {
	switch level {
	case "error", "fatal", "panic":
		return red(level)
	case "warn":
		return yellow(level)
	case "debug":
		return dim(level)
	default:
		return level
	}
}
