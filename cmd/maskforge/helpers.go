package main

// ---------------------------------------------------------------------------
// helpers.go — TTY detection, color, env-based config, local engine setup
// ---------------------------------------------------------------------------

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/maskforge/maskforge/internal/core"
	"github.com/maskforge/maskforge/internal/fingerprint"
)

// ---------------------------------------------------------------------------
// TTY / color helpers
// ---------------------------------------------------------------------------

func isTTY(f *os.File) bool {
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return (fi.Mode() & os.ModeCharDevice) != 0
}

func colorEnabled() bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	if os.Getenv("TERM") == "dumb" {
		return false
	}
	return isTTY(os.Stderr)
}

func ansi(code, s string) string {
	if !colorEnabled() {
		return s
	}
	return code + s + "\033[0m"
}

func red(s string) string    { return ansi("\033[91m", s) }
func yellow(s string) string { return ansi("\033[93m", s) }
func green(s string) string  { return ansi("\033[32m", s) }
func cyan(s string) string   { return ansi("\033[36m", s) }
func dim(s string) string    { return ansi("\033[90m", s) }
func bold(s string) string   { return ansi("\033[1m", s) }

// riskColor paints a risk level the way operators scan for it.
func riskColor(r fingerprint.RiskLevel) string {
	switch r {
	case fingerprint.RiskCritical, fingerprint.RiskHigh:
		return red(r.String())
	case fingerprint.RiskMedium:
		return yellow(r.String())
	default:
		return green(r.String())
	}
}

func warnf(w io.Writer, format string, args ...any) {
	fmt.Fprintf(w, yellow("warn: ")+format+"\n", args...)
}

// ---------------------------------------------------------------------------
// Env-based configuration
//
//   MASKFORGE_CONFIG  — default config file path
//   MASKFORGE_HOST    — API host override
//   MASKFORGE_PORT    — API port override
//   MASKFORGE_API_KEY — API key for authentication
// ---------------------------------------------------------------------------

// envConfig returns the config path, preferring flag > env > default.
func envConfig(flagVal string) string {
	if flagVal != "" && flagVal != defaultConfigPath {
		return flagVal
	}
	if e := os.Getenv("MASKFORGE_CONFIG"); e != "" {
		return e
	}
	return flagVal
}

func envHost(flagVal string) string {
	if flagVal != "" {
		return flagVal
	}
	return os.Getenv("MASKFORGE_HOST")
}

func envPort(flagVal int) int {
	if flagVal != 0 {
		return flagVal
	}
	if e := os.Getenv("MASKFORGE_PORT"); e != "" {
		if p, err := strconv.Atoi(e); err == nil {
			return p
		}
	}
	return 0
}

// loadConfig reads the config named by the global flags and applies the
// log level override.
func (g *globalFlags) loadConfig() (*core.Config, error) {
	cfg, err := core.LoadConfig(envConfig(g.configPath))
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if g.logLevel != "" {
		cfg.Logging.Level = g.logLevel
	}
	return cfg, nil
}

// openEngine builds an in-process engine for one-shot commands. The bus is
// never started and logs go to stderr so stdout stays machine readable.
func (g *globalFlags) openEngine(cmd *cobra.Command) (*core.Engine, error) {
	cfg, err := g.loadConfig()
	if err != nil {
		return nil, err
	}
	cfg.Bus.Enabled = false
	cfg.Catalog.Watch = false

	level := "warn"
	if g.logLevel != "" {
		level = g.logLevel
	}
	zerolog.SetGlobalLevel(core.ParseLevel(level))
	logger := zerolog.New(zerolog.ConsoleWriter{Out: cmd.ErrOrStderr(), NoColor: !colorEnabled()}).
		With().Timestamp().Logger()

	engine, err := core.NewEngine(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("creating engine: %w", err)
	}
	return engine, nil
}

// ---------------------------------------------------------------------------
// Input helpers
// ---------------------------------------------------------------------------

// readInput reads a file, or stdin when path is "-".
func readInput(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return data, nil
}

// readObservations loads a JSON object of runtime observations. An empty
// path means none.
func readObservations(cmd *cobra.Command, path string) (map[string]any, error) {
	if path == "" {
		return nil, nil
	}
	data, err := readInput(cmd, path)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var obs map[string]any
	if err := dec.Decode(&obs); err != nil {
		return nil, fmt.Errorf("parsing observations: %w", err)
	}
	return obs, nil
}

// readProfile loads a profile exported as JSON.
func readProfile(cmd *cobra.Command, path string) (*fingerprint.Profile, error) {
	data, err := readInput(cmd, path)
	if err != nil {
		return nil, err
	}
	p, err := fingerprint.UnmarshalProfile(data)
	if err != nil {
		return nil, fmt.Errorf("parsing profile: %w", err)
	}
	return p, nil
}

// parsePins turns repeated key=value flags into a pin set.
func parsePins(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	pins := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid pin %q, expected key=value", pair)
		}
		pins[key] = parseValue(value)
	}
	return pins, nil
}

// parseValue converts a flag string to the value type a trait expects.
func parseValue(s string) any {
	switch strings.ToLower(s) {
	case "true":
		return true
	case "false":
		return false
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}
	if strings.Contains(s, ".") {
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f
		}
	}
	return s
}
