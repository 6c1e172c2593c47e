package core

import (
	"context"
	"fmt"
	"maps"
	"math/rand/v2"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/maskforge/maskforge/internal/artifact"
	"github.com/maskforge/maskforge/internal/catalog"
	"github.com/maskforge/maskforge/internal/fingerprint"
	"github.com/maskforge/maskforge/internal/resolver"
	"github.com/maskforge/maskforge/internal/sampler"
	"github.com/maskforge/maskforge/internal/validator"
)

// Version is overwritten at build time with -ldflags.
var Version = "0.1.0-dev"

// GenerateRequest asks for one profile.
type GenerateRequest struct {
	// CatalogVersion selects the catalog; 0 means latest.
	CatalogVersion int            `json:"catalog_version,omitempty"`
	PresetID       string         `json:"preset_id,omitempty"`
	Pins           map[string]any `json:"pinned_overrides,omitempty"`
	// Seed is drawn at random when nil and recorded in the profile.
	Seed *int64 `json:"seed,omitempty"`
}

// ValidateRequest asks for a report on an existing profile.
type ValidateRequest struct {
	Profile      *fingerprint.Profile `json:"profile"`
	Observations map[string]any       `json:"runtime_observations,omitempty"`
}

// Accepted is the result of GenerateAccepted.
type Accepted struct {
	Profile  *fingerprint.Profile `json:"profile"`
	Report   *fingerprint.Report  `json:"report"`
	Bundle   *artifact.Bundle     `json:"bundle"`
	Attempts int                  `json:"attempts"`
}

// Engine wires the catalog store, sampler, validator and synthesizer
// together and owns the optional bus and watcher.
type Engine struct {
	Config    *Config
	Catalogs  *catalog.Store
	Sampler   *sampler.Sampler
	Validator *validator.Validator
	Metrics   *Metrics
	Bus       *Bus
	Archiver  *Archiver
	LogBuffer *LogRingBuffer
	Logger    zerolog.Logger
	StartedAt time.Time

	dir     *catalog.DirSource
	sqlite  *catalog.SQLiteSource
	breaker *catalog.BreakerSource

	mu     sync.RWMutex // guards Config.Generation
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// NewEngine opens the configured catalog source and loads the latest
// version. A catalog that fails its integrity checks aborts startup.
func NewEngine(cfg *Config, logger zerolog.Logger) (*Engine, error) {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		Config:    cfg,
		Sampler:   sampler.New(),
		Metrics:   NewMetrics(),
		Logger:    logger.With().Str("component", "engine").Logger(),
		StartedAt: time.Now().UTC(),
		ctx:       ctx,
		cancel:    cancel,
	}

	if err := e.openCatalogs(ctx, logger); err != nil {
		cancel()
		e.closeSources()
		return nil, err
	}

	markers := validator.DefaultMarkers()
	if cfg.Catalog.MarkersPath != "" {
		m, err := validator.LoadMarkers(cfg.Catalog.MarkersPath)
		if err != nil {
			cancel()
			e.closeSources()
			return nil, err
		}
		markers = m
	}
	v, err := validator.New(validator.Options{
		Concurrency: cfg.Validation.Concurrency,
		RuleTimeout: cfg.Validation.RuleTimeout,
	}, markers, nil, logger)
	if err != nil {
		cancel()
		e.closeSources()
		return nil, err
	}
	e.Validator = v

	// Reject a catalog whose rules reference unknown builtins or marker sets
	// before serving anything.
	if _, err := e.Validator.Rules(e.Catalogs.Latest()); err != nil {
		cancel()
		e.closeSources()
		return nil, err
	}

	e.Catalogs.OnPublish(func(c *catalog.Catalog) {
		e.Metrics.setCatalogVersion(c.Version())
		if _, err := e.Validator.Rules(c); err != nil {
			e.Logger.Error().Err(err).Int("version", c.Version()).Msg("published catalog has unusable rules")
		}
		if b := e.Bus; b != nil {
			err := b.PublishCatalogUpdated(c)
			if err != nil {
				e.Logger.Warn().Err(err).Int("version", c.Version()).Msg("failed to announce catalog update")
			}
		}
	})
	e.Metrics.setCatalogVersion(e.Catalogs.Latest().Version())
	return e, nil
}

func (e *Engine) openCatalogs(ctx context.Context, logger zerolog.Logger) error {
	cc := e.Config.Catalog

	var src catalog.Source
	switch cc.Source {
	case SourceDir:
		e.dir = catalog.NewDirSource(cc.Dir, cc.Pattern)
		src = e.dir
	case SourceSQLite:
		db, err := catalog.OpenSQLiteSource(cc.SQLitePath)
		if err != nil {
			return err
		}
		e.sqlite = db
		versions, err := db.ListVersions(ctx)
		if err != nil {
			return err
		}
		if len(versions) == 0 {
			if err := db.Append(ctx, catalog.DefaultDocument()); err != nil {
				return fmt.Errorf("seeding catalog database: %w", err)
			}
			e.Logger.Info().Str("path", cc.SQLitePath).Msg("seeded empty catalog database with the built-in catalog")
		}
		src = db
	}
	if src != nil && cc.Breaker {
		e.breaker = catalog.NewBreakerSource(src, "catalog-"+cc.Source, logger)
		src = e.breaker
	}

	store, err := catalog.NewStore(src, cc.CacheSize, logger)
	if err != nil {
		return err
	}
	e.Catalogs = store

	if src != nil {
		if _, err := store.Refresh(ctx); err != nil {
			return fmt.Errorf("loading catalog: %w", err)
		}
	}
	if store.Latest() == nil {
		if src != nil {
			e.Logger.Warn().Str("source", cc.Source).Msg("catalog source is empty, using the built-in catalog")
		}
		if _, err := store.Publish(catalog.DefaultDocument()); err != nil {
			return fmt.Errorf("loading built-in catalog: %w", err)
		}
	}

	latest := store.Latest()
	e.Logger.Info().
		Str("source", cc.Source).
		Int("version", latest.Version()).
		Str("name", latest.Name()).
		Msg("catalog loaded")
	return nil
}

func (e *Engine) closeSources() {
	if e.sqlite != nil {
		if err := e.sqlite.Close(); err != nil {
			e.Logger.Error().Err(err).Msg("error closing catalog database")
		}
	}
}

// GenerationPolicy returns the current accept/regenerate settings.
func (e *Engine) GenerationPolicy() GenerationConfig {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.Config.Generation
}

func (e *Engine) setGenerationPolicy(g GenerationConfig) {
	e.mu.Lock()
	e.Config.Generation = g
	e.mu.Unlock()
}

// Generate samples one profile. Preset values are pinned first and explicit
// pins win over them.
func (e *Engine) Generate(ctx context.Context, req GenerateRequest) (*fingerprint.Profile, error) {
	cat, err := e.Catalogs.Load(ctx, req.CatalogVersion)
	if err != nil {
		return nil, err
	}
	pins, preset, err := requestPins(cat, req)
	if err != nil {
		return nil, err
	}
	seed := randomSeed()
	if req.Seed != nil {
		seed = *req.Seed
	}
	return e.generate(cat, pins, preset, req.Pins, seed)
}

func (e *Engine) generate(cat *catalog.Catalog, pins map[string]any, preset *catalog.Preset, overrides map[string]any, seed int64) (*fingerprint.Profile, error) {
	start := time.Now()
	p, err := e.Sampler.Sample(cat, pins, seed)
	if err != nil {
		e.Metrics.observeGeneration(generationOutcome(err), time.Since(start))
		return nil, err
	}
	e.Metrics.observeGeneration("ok", time.Since(start))

	if preset != nil {
		p.PresetID = preset.ID
		p.Name = preset.Name
	}
	if len(overrides) > 0 {
		p.Overrides = maps.Clone(overrides)
	}
	e.Logger.Debug().
		Str("profile_id", p.ID).
		Int("catalog_version", p.CatalogVersion).
		Int64("seed", seed).
		Str("preset", p.PresetID).
		Msg("profile generated")
	return p, nil
}

func generationOutcome(err error) string {
	switch ErrorKind(err) {
	case KindUnsatisfied:
		return "unsatisfiable"
	case KindBadRequest:
		return "invalid"
	}
	return "error"
}

func requestPins(cat *catalog.Catalog, req GenerateRequest) (map[string]any, *catalog.Preset, error) {
	pins := make(map[string]any, len(req.Pins))
	var preset *catalog.Preset
	if req.PresetID != "" {
		p, ok := cat.Preset(req.PresetID)
		if !ok {
			return nil, nil, fmt.Errorf("%w: %q in catalog version %d", ErrUnknownPreset, req.PresetID, cat.Version())
		}
		preset = p
		maps.Copy(pins, p.Values)
	}
	maps.Copy(pins, req.Pins)
	return pins, preset, nil
}

func randomSeed() int64 {
	return rand.Int64()
}

// GenerateBatch samples n profiles concurrently. Profile i uses seed base+i,
// so a batch is reproducible from its base seed.
func (e *Engine) GenerateBatch(ctx context.Context, req GenerateRequest, n int) ([]*fingerprint.Profile, error) {
	policy := e.GenerationPolicy()
	if n < 1 || n > policy.MaxBatch {
		return nil, fmt.Errorf("%w: batch size %d outside 1..%d", ErrInvalidRequest, n, policy.MaxBatch)
	}
	cat, err := e.Catalogs.Load(ctx, req.CatalogVersion)
	if err != nil {
		return nil, err
	}
	pins, preset, err := requestPins(cat, req)
	if err != nil {
		return nil, err
	}
	base := randomSeed()
	if req.Seed != nil {
		base = *req.Seed
	}

	profiles := make([]*fingerprint.Profile, n)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(policy.BatchWorkers, 1))
	for i := range n {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			p, err := e.generate(cat, pins, preset, req.Pins, base+int64(i))
			if err != nil {
				return err
			}
			profiles[i] = p
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return profiles, nil
}

// Validate scores a profile against the catalog version it was generated
// from and publishes the report when the bus is up.
func (e *Engine) Validate(ctx context.Context, req ValidateRequest) (*fingerprint.Report, error) {
	if req.Profile == nil {
		return nil, fmt.Errorf("%w: profile is required", ErrInvalidRequest)
	}
	cat, err := e.profileCatalog(ctx, req.Profile)
	if err != nil {
		return nil, err
	}
	report, err := e.Validator.Validate(ctx, cat, req.Profile, req.Observations)
	if err != nil {
		return nil, err
	}
	e.Metrics.observeReport(report)
	if b := e.Bus; b != nil {
		if err := b.PublishReport(report); err != nil {
			e.Logger.Warn().Err(err).Str("report_id", report.ID).Msg("failed to publish report")
		}
	}
	return report, nil
}

// Synthesize renders the artifact bundle for a profile.
func (e *Engine) Synthesize(ctx context.Context, p *fingerprint.Profile) (*artifact.Bundle, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: profile is required", ErrInvalidRequest)
	}
	cat, err := e.profileCatalog(ctx, p)
	if err != nil {
		return nil, err
	}
	return artifact.Synthesize(cat, p)
}

// Override returns a copy of p with overrides applied, together with every
// option predicate the new values break. p itself is left untouched.
func (e *Engine) Override(ctx context.Context, p *fingerprint.Profile, overrides map[string]any) (*fingerprint.Profile, []resolver.Violation, error) {
	if p == nil {
		return nil, nil, fmt.Errorf("%w: profile is required", ErrInvalidRequest)
	}
	cat, err := e.profileCatalog(ctx, p)
	if err != nil {
		return nil, nil, err
	}
	for k := range overrides {
		if _, ok := cat.Trait(k); !ok {
			return nil, nil, &resolver.UnknownTraitError{Trait: k, Version: cat.Version()}
		}
	}
	out := p.Clone()
	out.ApplyOverrides(overrides)
	return out, resolver.Check(cat, out.Values), nil
}

// Resolve returns the legal value space of every trait of a catalog version
// under pins.
func (e *Engine) Resolve(ctx context.Context, version int, pins map[string]any) (*resolver.Space, error) {
	cat, err := e.Catalogs.Load(ctx, version)
	if err != nil {
		return nil, err
	}
	return resolver.Resolve(cat, pins)
}

// GenerateAccepted generates, validates and regenerates with the next seed
// until a profile scores below the configured risk threshold.
func (e *Engine) GenerateAccepted(ctx context.Context, req GenerateRequest, observations map[string]any) (*Accepted, error) {
	policy := e.GenerationPolicy()
	cat, err := e.Catalogs.Load(ctx, req.CatalogVersion)
	if err != nil {
		return nil, err
	}
	pins, preset, err := requestPins(cat, req)
	if err != nil {
		return nil, err
	}
	seed := randomSeed()
	if req.Seed != nil {
		seed = *req.Seed
	}

	var last *fingerprint.Report
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p, err := e.generate(cat, pins, preset, req.Pins, seed+int64(attempt-1))
		if err != nil {
			return nil, err
		}
		report, err := e.Validate(ctx, ValidateRequest{Profile: p, Observations: observations})
		if err != nil {
			return nil, err
		}
		last = report
		if !report.Accepted(policy.RiskThreshold) {
			e.Logger.Debug().
				Str("profile_id", p.ID).
				Str("risk", report.RiskLevel.String()).
				Int("attempt", attempt).
				Msg("profile rejected, regenerating")
			continue
		}
		bundle, err := artifact.Synthesize(cat, p)
		if err != nil {
			return nil, err
		}
		return &Accepted{Profile: p, Report: report, Bundle: bundle, Attempts: attempt}, nil
	}
	e.Metrics.observeRejection()
	return nil, &RejectedError{Attempts: policy.MaxAttempts, Threshold: policy.RiskThreshold, Last: last}
}

func (e *Engine) profileCatalog(ctx context.Context, p *fingerprint.Profile) (*catalog.Catalog, error) {
	if p.CatalogVersion <= 0 {
		return nil, fmt.Errorf("%w: profile %q has no catalog version", ErrInvalidRequest, p.ID)
	}
	return e.Catalogs.Load(ctx, p.CatalogVersion)
}

// ImportCatalog decodes a catalog document (YAML, JSON or a zstd bundle)
// and makes it the latest version. With a persistent source the document is
// written there first so it survives restarts.
func (e *Engine) ImportCatalog(ctx context.Context, data []byte) (*catalog.Catalog, error) {
	doc, err := catalog.Decode(data)
	if err != nil {
		return nil, err
	}
	if latest := e.Catalogs.Latest(); latest != nil && doc.Version <= latest.Version() {
		return nil, fmt.Errorf("%w: version %d, latest is %d", catalog.ErrStaleVersion, doc.Version, latest.Version())
	}
	// Build before persisting so a broken document never reaches the source.
	if _, err := catalog.Build(doc); err != nil {
		return nil, err
	}

	switch {
	case e.sqlite != nil:
		if err := e.sqlite.Append(ctx, doc); err != nil {
			return nil, err
		}
		if _, err := e.Catalogs.Refresh(ctx); err != nil {
			return nil, err
		}
		return e.Catalogs.Load(ctx, doc.Version)
	case e.dir != nil:
		c, err := e.Catalogs.Publish(doc)
		if err != nil {
			return nil, err
		}
		raw, err := catalog.Export(c)
		if err != nil {
			return nil, err
		}
		path := filepath.Join(e.dir.Dir(), fmt.Sprintf("catalog-v%d.json", doc.Version))
		if err := os.WriteFile(path, raw, 0644); err != nil {
			return nil, fmt.Errorf("writing catalog file: %w", err)
		}
		return c, nil
	default:
		return e.Catalogs.Publish(doc)
	}
}

// Status summarizes the engine for the API and CLI.
func (e *Engine) Status(ctx context.Context) map[string]any {
	status := map[string]any{
		"version":        Version,
		"started_at":     e.StartedAt,
		"uptime_seconds": int(time.Since(e.StartedAt).Seconds()),
		"catalog_source": e.Config.Catalog.Source,
		"bus_connected":  e.Bus != nil && e.Bus.IsConnected(),
		"rules_timeout":  e.Validator.Options().RuleTimeout.String(),
	}
	if latest := e.Catalogs.Latest(); latest != nil {
		status["catalog_version"] = latest.Version()
		status["catalog_name"] = latest.Name()
	}
	if versions, err := e.Catalogs.Versions(ctx); err == nil {
		status["catalog_versions"] = versions
	}
	if e.breaker != nil {
		status["catalog_breaker"] = e.breaker.State().String()
	}
	if e.Archiver != nil {
		status["archive"] = e.Archiver.Status()
	}
	return status
}

// GetLogEntries returns up to n recent log lines, or none when no buffer is
// attached.
func (e *Engine) GetLogEntries(n int) []LogEntry {
	if e.LogBuffer == nil {
		return []LogEntry{}
	}
	return e.LogBuffer.GetEntries(n)
}

// Start connects the bus and begins watching the catalog directory.
func (e *Engine) Start() error {
	e.Logger.Info().Msg("starting maskforge engine")

	if e.Config.Bus.Enabled {
		bus, err := NewBus(&e.Config.Bus, e.Logger, e.Metrics)
		if err != nil {
			return fmt.Errorf("starting bus: %w", err)
		}
		if err := bus.Serve(e); err != nil {
			_ = bus.Close()
			return fmt.Errorf("serving bus requests: %w", err)
		}
		e.Bus = bus

		if e.Config.Archive.Enabled {
			a, err := NewArchiver(e.Config.Archive, e.Logger)
			if err != nil {
				return err
			}
			if err := a.Start(e.ctx, bus, &e.wg); err != nil {
				return err
			}
			e.Archiver = a
		}
	}

	if e.dir != nil && e.Config.Catalog.Watch {
		w, err := catalog.NewWatcher(e.dir, e.Catalogs, e.Config.Catalog.Debounce, e.Logger)
		if err != nil {
			return fmt.Errorf("watching catalog directory: %w", err)
		}
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			w.Run(e.ctx)
		}()
	}

	e.Logger.Info().
		Int("catalog_version", e.Catalogs.Latest().Version()).
		Bool("bus", e.Bus != nil).
		Msg("maskforge engine started")
	return nil
}

// Run starts the engine and blocks until shutdown signal is received.
func (e *Engine) Run() error {
	if err := e.Start(); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		e.Logger.Info().Str("signal", sig.String()).Msg("shutdown signal received")
	case <-e.ctx.Done():
		e.Logger.Info().Msg("context cancelled")
	}

	return e.Shutdown()
}

// Shutdown stops the watcher and closes the bus and catalog source.
func (e *Engine) Shutdown() error {
	e.Logger.Info().Msg("shutting down maskforge engine")
	e.cancel()
	e.wg.Wait()

	if e.Bus != nil {
		if err := e.Bus.Close(); err != nil {
			e.Logger.Error().Err(err).Msg("error closing bus")
		}
	}
	e.closeSources()

	e.Logger.Info().Msg("maskforge engine stopped")
	return nil
}

// Context returns the engine's context.
func (e *Engine) Context() context.Context {
	return e.ctx
}
