package catalog

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// BreakerSource guards a Source with a circuit breaker so that an
// unavailable backing store fails fast instead of stalling every request
// that misses the snapshot cache. Lookups of versions that do not exist
// count as successes.
type BreakerSource struct {
	inner Source
	cb    *gobreaker.CircuitBreaker
}

func NewBreakerSource(inner Source, name string, logger zerolog.Logger) *BreakerSource {
	log := logger.With().Str("component", "catalog-breaker").Str("source", name).Logger()
	return &BreakerSource{
		inner: inner,
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        name,
			MaxRequests: 3,
			Interval:    10 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures > 5
			},
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, ErrUnknownVersion) || errors.Is(err, context.Canceled)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warn().Str("from", from.String()).Str("to", to.String()).Msg("catalog source breaker state change")
			},
		}),
	}
}

func (s *BreakerSource) State() gobreaker.State { return s.cb.State() }

func (s *BreakerSource) ListVersions(ctx context.Context) ([]int, error) {
	out, err := s.cb.Execute(func() (interface{}, error) {
		return s.inner.ListVersions(ctx)
	})
	if err != nil {
		return nil, err
	}
	return out.([]int), nil
}

func (s *BreakerSource) Load(ctx context.Context, version int) (*Document, error) {
	out, err := s.cb.Execute(func() (interface{}, error) {
		return s.inner.Load(ctx, version)
	})
	if err != nil {
		return nil, err
	}
	return out.(*Document), nil
}
