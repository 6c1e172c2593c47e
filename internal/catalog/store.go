package catalog

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
)

// DefaultCacheSize is the number of built snapshots a Store keeps.
const DefaultCacheSize = 16

// Store serves immutable catalog snapshots. The latest snapshot is swapped
// atomically, so concurrent readers always see a complete catalog. Older
// versions are rebuilt from the source on demand and cached.
type Store struct {
	source Source
	logger zerolog.Logger

	latest atomic.Pointer[Catalog]
	cache  *lru.Cache[int, *Catalog]

	mu        sync.Mutex // serializes publication
	published map[int]*Document
	listeners []func(*Catalog)
}

// NewStore creates a store reading from source, which may be nil when all
// versions are published directly.
func NewStore(source Source, cacheSize int, logger zerolog.Logger) (*Store, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	cache, err := lru.New[int, *Catalog](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating catalog cache: %w", err)
	}
	return &Store{
		source:    source,
		logger:    logger.With().Str("component", "catalog").Logger(),
		cache:     cache,
		published: make(map[int]*Document),
	}, nil
}

// OnPublish registers fn to run after each new latest snapshot is swapped in.
func (s *Store) OnPublish(fn func(*Catalog)) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

// Latest returns the newest snapshot, or nil before anything was loaded.
func (s *Store) Latest() *Catalog {
	return s.latest.Load()
}

// Load returns the snapshot for version, or the latest one when version is 0.
func (s *Store) Load(ctx context.Context, version int) (*Catalog, error) {
	if version == 0 {
		if c := s.latest.Load(); c != nil {
			return c, nil
		}
		return nil, ErrNoCatalog
	}
	if c := s.latest.Load(); c != nil && c.Version() == version {
		return c, nil
	}
	if c, ok := s.cache.Get(version); ok {
		return c, nil
	}

	s.mu.Lock()
	doc, ok := s.published[version]
	s.mu.Unlock()
	if !ok {
		if s.source == nil {
			return nil, fmt.Errorf("v%d: %w", version, ErrUnknownVersion)
		}
		var err error
		doc, err = s.source.Load(ctx, version)
		if err != nil {
			return nil, err
		}
	}
	c, err := Build(doc)
	if err != nil {
		return nil, err
	}
	if c.Version() != version {
		return nil, &IntegrityError{Version: version, Problems: []string{
			fmt.Sprintf("source returned document declaring version %d", c.Version()),
		}}
	}
	s.cache.Add(version, c)
	return c, nil
}

// Versions lists every version the store can serve, ascending.
func (s *Store) Versions(ctx context.Context) ([]int, error) {
	seen := make(map[int]struct{})
	if s.source != nil {
		versions, err := s.source.ListVersions(ctx)
		if err != nil {
			return nil, err
		}
		for _, v := range versions {
			seen[v] = struct{}{}
		}
	}
	s.mu.Lock()
	for v := range s.published {
		seen[v] = struct{}{}
	}
	s.mu.Unlock()

	out := make([]int, 0, len(seen))
	for v := range seen {
		out = append(out, v)
	}
	slices.Sort(out)
	return out, nil
}

// Publish builds doc and makes it the latest snapshot. Versions are
// append-only: a document whose version is not newer than the latest is
// rejected with ErrStaleVersion.
func (s *Store) Publish(doc *Document) (*Catalog, error) {
	c, err := Build(doc)
	if err != nil {
		return nil, err
	}
	if err := s.swap(c); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.published[c.Version()] = c.Document()
	s.mu.Unlock()
	return c, nil
}

func (s *Store) swap(c *Catalog) error {
	s.mu.Lock()
	if cur := s.latest.Load(); cur != nil && c.Version() <= cur.Version() {
		s.mu.Unlock()
		return fmt.Errorf("publish v%d (latest v%d): %w", c.Version(), cur.Version(), ErrStaleVersion)
	}
	s.latest.Store(c)
	s.cache.Add(c.Version(), c)
	listeners := slices.Clone(s.listeners)
	s.mu.Unlock()

	s.logger.Info().
		Int("version", c.Version()).
		Str("name", c.Name()).
		Int("traits", len(c.order)).
		Int("rules", len(c.doc.Rules)).
		Msg("catalog published")
	for _, fn := range listeners {
		fn(c)
	}
	return nil
}

// Refresh asks the source for its newest version and publishes it when it
// is newer than the current snapshot. It reports whether a new snapshot was
// published. A broken document leaves the current snapshot live.
func (s *Store) Refresh(ctx context.Context) (bool, error) {
	if s.source == nil {
		return false, nil
	}
	versions, err := s.source.ListVersions(ctx)
	if err != nil {
		return false, fmt.Errorf("listing catalog versions: %w", err)
	}
	if len(versions) == 0 {
		return false, nil
	}
	newest := versions[len(versions)-1]
	if cur := s.latest.Load(); cur != nil && cur.Version() >= newest {
		return false, nil
	}

	doc, err := s.source.Load(ctx, newest)
	if err != nil {
		return false, fmt.Errorf("loading catalog v%d: %w", newest, err)
	}
	c, err := Build(doc)
	if err != nil {
		s.logger.Error().Err(err).Int("version", newest).Msg("rejected catalog version")
		return false, err
	}
	if err := s.swap(c); err != nil {
		if errors.Is(err, ErrStaleVersion) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
