// Package validator scores profiles against a catalog's rule battery.
//
// Rules run concurrently, each under its own timeout. A rule that errors or
// panics is contained and reported as a critical internal failure; the run
// itself only fails for structural problems such as an incomplete profile.
// Outcomes always follow rule declaration order, so two runs over the same
// inputs produce the same report apart from its id and timestamp.
package validator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/maskforge/maskforge/internal/catalog"
	"github.com/maskforge/maskforge/internal/fingerprint"
	"github.com/maskforge/maskforge/internal/predicate"
)

const cancelledMessage = "cancelled"

// Options bound how a validation run uses resources.
type Options struct {
	// Concurrency is the maximum number of rules running at once.
	Concurrency int
	// RuleTimeout is the budget of a single rule.
	RuleTimeout time.Duration
}

func DefaultOptions() Options {
	return Options{Concurrency: 8, RuleTimeout: 2 * time.Second}
}

// Validator compiles and runs rule batteries. It is safe for concurrent use.
type Validator struct {
	mu       sync.RWMutex
	opts     Options
	markers  *MarkerSets
	registry *Registry
	compiled *lru.Cache[*catalog.Catalog, []Rule]
	logger   zerolog.Logger

	// Now stamps reports.
	Now func() time.Time
}

// New creates a Validator. Nil markers or registry fall back to the
// built-in ones.
func New(opts Options, markers *MarkerSets, registry *Registry, logger zerolog.Logger) (*Validator, error) {
	if markers == nil {
		markers = DefaultMarkers()
	}
	if registry == nil {
		registry = DefaultRegistry(logger)
	}
	cache, err := lru.New[*catalog.Catalog, []Rule](catalog.DefaultCacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating rule cache: %w", err)
	}
	return &Validator{
		opts:     sanitize(opts),
		markers:  markers,
		registry: registry,
		compiled: cache,
		logger:   logger.With().Str("component", "validator").Logger(),
		Now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

func sanitize(o Options) Options {
	def := DefaultOptions()
	if o.Concurrency <= 0 {
		o.Concurrency = def.Concurrency
	}
	if o.RuleTimeout <= 0 {
		o.RuleTimeout = def.RuleTimeout
	}
	return o
}

// SetOptions replaces the concurrency limit and rule timeout for later runs.
func (v *Validator) SetOptions(o Options) {
	v.mu.Lock()
	v.opts = sanitize(o)
	v.mu.Unlock()
}

func (v *Validator) Options() Options {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.opts
}

// SetMarkers swaps the marker sets. Compiled batteries are dropped so the
// next run picks the new sets up.
func (v *Validator) SetMarkers(m *MarkerSets) {
	v.mu.Lock()
	v.markers = m
	v.mu.Unlock()
	v.compiled.Purge()
	v.logger.Info().Int("version", m.Version).Int("sets", len(m.Sets)).Msg("marker sets updated")
}

func (v *Validator) Markers() *MarkerSets {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.markers
}

// Rules returns the compiled battery of cat.
func (v *Validator) Rules(cat *catalog.Catalog) ([]Rule, error) {
	if rules, ok := v.compiled.Get(cat); ok {
		return rules, nil
	}
	rules, err := Compile(cat, v.Markers(), v.registry)
	if err != nil {
		return nil, err
	}
	v.compiled.Add(cat, rules)
	return rules, nil
}

// Validate runs the rule battery of cat against p and records the report on
// the profile. observations may be nil.
func (v *Validator) Validate(ctx context.Context, cat *catalog.Catalog, p *fingerprint.Profile, observations map[string]any) (*fingerprint.Report, error) {
	rules, err := v.Rules(cat)
	if err != nil {
		return nil, err
	}
	return v.Run(ctx, cat, p, rules, observations)
}

// Run validates p with an explicit set of rules.
func (v *Validator) Run(ctx context.Context, cat *catalog.Catalog, p *fingerprint.Profile, rules []Rule, observations map[string]any) (*fingerprint.Report, error) {
	if p.CatalogVersion != cat.Version() {
		return nil, fmt.Errorf("profile %s was generated from catalog v%d, not v%d: %w",
			p.ID, p.CatalogVersion, cat.Version(), ErrVersionMismatch)
	}
	if missing := p.Missing(cat.Required()); len(missing) > 0 {
		return nil, &IncompleteProfileError{ProfileID: p.ID, Missing: missing}
	}

	opts := v.Options()
	in := &Input{Catalog: cat, Profile: p, Observations: normalizeObservations(observations), Markers: v.Markers()}
	outcomes := make([]fingerprint.RuleOutcome, len(rules))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Concurrency)
	for i, r := range rules {
		if ctx.Err() != nil {
			outcomes[i] = cancelledOutcome(r)
			continue
		}
		g.Go(func() error {
			outcomes[i] = v.runRule(gctx, r, in, opts.RuleTimeout)
			return nil
		})
	}
	_ = g.Wait()

	report := &fingerprint.Report{
		ID:             uuid.NewString(),
		ProfileID:      p.ID,
		CatalogVersion: cat.Version(),
		Status:         fingerprint.ReportComplete,
		RiskLevel:      fingerprint.AggregateRisk(outcomes),
		Outcomes:       outcomes,
		CreatedAt:      v.Now(),
	}
	for _, o := range outcomes {
		if o.Status == fingerprint.OutcomeSkipped && o.Message == cancelledMessage {
			report.Status = fingerprint.ReportCancelled
			break
		}
	}
	p.RecordReport(report)

	counts := report.Counts()
	v.logger.Debug().
		Str("profile_id", p.ID).
		Str("report_id", report.ID).
		Str("risk", report.RiskLevel.String()).
		Str("status", string(report.Status)).
		Int("failed", counts[fingerprint.OutcomeFailed]).
		Int("skipped", counts[fingerprint.OutcomeSkipped]).
		Msg("profile validated")
	return report, nil
}

type result struct {
	verdict Verdict
	err     error
}

// runRule evaluates one rule in its own goroutine so a rule that ignores its
// context cannot hold up the run past its timeout.
func (v *Validator) runRule(ctx context.Context, r Rule, in *Input, timeout time.Duration) fingerprint.RuleOutcome {
	if ctx.Err() != nil {
		return cancelledOutcome(r)
	}
	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan result, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				v.logger.Error().Str("rule", r.ID()).Interface("panic", rec).Msg("rule panicked")
				done <- result{err: &RuleError{RuleID: r.ID(), Panic: rec}}
			}
		}()
		verdict, err := r.Evaluate(rctx, in)
		if err != nil {
			err = &RuleError{RuleID: r.ID(), Err: err}
		}
		done <- result{verdict: verdict, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil && rctx.Err() != nil && errors.Is(res.err, rctx.Err()) {
			return v.interrupted(ctx, r, timeout)
		}
		return v.outcome(r, res)
	case <-rctx.Done():
		return v.interrupted(ctx, r, timeout)
	}
}

func (v *Validator) outcome(r Rule, res result) fingerprint.RuleOutcome {
	out := fingerprint.RuleOutcome{RuleID: r.ID(), Type: r.Type(), Severity: r.Severity()}
	if res.err != nil {
		v.logger.Warn().Err(res.err).Str("rule", r.ID()).Msg("rule failed internally")
		out.Status = fingerprint.OutcomeFailed
		out.Severity = fingerprint.RiskCritical
		out.InternalError = true
		out.Message = res.err.Error()
		return out
	}
	out.Status = res.verdict.Status
	if out.Status == "" {
		out.Status = fingerprint.OutcomePassed
	}
	out.Message = res.verdict.Message
	return out
}

func (v *Validator) interrupted(parent context.Context, r Rule, timeout time.Duration) fingerprint.RuleOutcome {
	if parent.Err() != nil {
		return cancelledOutcome(r)
	}
	err := &TimeoutError{RuleID: r.ID(), Timeout: timeout}
	v.logger.Warn().Str("rule", r.ID()).Dur("timeout", timeout).Msg("rule timed out")
	return fingerprint.RuleOutcome{
		RuleID:   r.ID(),
		Type:     r.Type(),
		Severity: r.Severity(),
		Status:   fingerprint.OutcomeSkipped,
		Message:  err.Error(),
	}
}

func cancelledOutcome(r Rule) fingerprint.RuleOutcome {
	return fingerprint.RuleOutcome{
		RuleID:   r.ID(),
		Type:     r.Type(),
		Severity: r.Severity(),
		Status:   fingerprint.OutcomeSkipped,
		Message:  cancelledMessage,
	}
}

func normalizeObservations(obs map[string]any) map[string]any {
	out := make(map[string]any, len(obs))
	for k, v := range obs {
		out[k] = predicate.Normalize(v)
	}
	return out
}
