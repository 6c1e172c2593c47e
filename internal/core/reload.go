package core

import (
	"fmt"
	"slices"

	"github.com/rs/zerolog"

	"github.com/maskforge/maskforge/internal/validator"
)

// ReloadConfig reloads the configuration from disk and applies changes that
// can be hot-reloaded without restarting the engine. Returns a list of what
// changed.
//
// Hot-reloadable settings:
//   - logging level
//   - generation policy (risk threshold, attempts, batch limits)
//   - validation concurrency and rule timeout
//   - marker sets file
//   - API keys and CORS origins
//   - rate limits
//
// NOT hot-reloadable (require restart):
//   - bus config (NATS URL, port, data dir)
//   - server host/port
//   - catalog source
func ReloadConfig(engine *Engine, configPath string, logger zerolog.Logger) ([]string, error) {
	if configPath == "" {
		return nil, fmt.Errorf("no config path set, cannot reload")
	}

	newCfg, err := LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	var changes []string

	if newCfg.LogLevel() != engine.Config.LogLevel() {
		engine.Config.Logging.Level = newCfg.Logging.Level
		zerolog.SetGlobalLevel(ParseLevel(newCfg.Logging.Level))
		changes = append(changes, "logging.level → "+newCfg.LogLevel())
	}

	if newCfg.Generation != engine.GenerationPolicy() {
		engine.setGenerationPolicy(newCfg.Generation)
		changes = append(changes, fmt.Sprintf("generation → threshold %s, %d attempts",
			newCfg.Generation.RiskThreshold, newCfg.Generation.MaxAttempts))
	}

	if newCfg.Validation != engine.Config.Validation {
		engine.Config.Validation = newCfg.Validation
		engine.Validator.SetOptions(validator.Options{
			Concurrency: newCfg.Validation.Concurrency,
			RuleTimeout: newCfg.Validation.RuleTimeout,
		})
		changes = append(changes, fmt.Sprintf("validation → concurrency %d, rule timeout %s",
			newCfg.Validation.Concurrency, newCfg.Validation.RuleTimeout))
	}

	if newCfg.Catalog.MarkersPath != engine.Config.Catalog.MarkersPath {
		markers := validator.DefaultMarkers()
		if newCfg.Catalog.MarkersPath != "" {
			markers, err = validator.LoadMarkers(newCfg.Catalog.MarkersPath)
			if err != nil {
				return changes, fmt.Errorf("loading marker sets: %w", err)
			}
		}
		engine.Config.Catalog.MarkersPath = newCfg.Catalog.MarkersPath
		engine.Validator.SetMarkers(markers)
		changes = append(changes, fmt.Sprintf("catalog.markers_path → %q (markers v%d)", newCfg.Catalog.MarkersPath, markers.Version))
	}

	// Allows adding/removing keys without restart.
	if !slices.Equal(newCfg.Server.APIKeys, engine.Config.Server.APIKeys) {
		engine.Config.Server.APIKeys = newCfg.Server.APIKeys
		changes = append(changes, fmt.Sprintf("server.api_keys → %d keys", len(newCfg.Server.APIKeys)))
	}
	if !slices.Equal(newCfg.Server.CORSOrigins, engine.Config.Server.CORSOrigins) {
		engine.Config.Server.CORSOrigins = newCfg.Server.CORSOrigins
		changes = append(changes, "server.cors_origins reloaded")
	}
	if newCfg.Server.RateLimit != engine.Config.Server.RateLimit {
		engine.Config.Server.RateLimit = newCfg.Server.RateLimit
		changes = append(changes, fmt.Sprintf("server.rate_limit → %.0f/s burst %d",
			newCfg.Server.RateLimit.RequestsPerSecond, newCfg.Server.RateLimit.Burst))
	}

	if len(changes) == 0 {
		changes = append(changes, "no changes detected")
	}

	logger.Info().Strs("changes", changes).Msg("configuration reloaded")
	return changes, nil
}
