package catalog

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watcher refreshes a Store whenever catalog documents in a DirSource's
// directory change. Bursts of events are coalesced into one refresh.
type Watcher struct {
	source   *DirSource
	store    *Store
	logger   zerolog.Logger
	debounce time.Duration
	watcher  *fsnotify.Watcher
}

func NewWatcher(source *DirSource, store *Store, debounce time.Duration, logger zerolog.Logger) (*Watcher, error) {
	if debounce <= 0 {
		debounce = 250 * time.Millisecond
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	if err := fsw.Add(source.Dir()); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watching %s: %w", source.Dir(), err)
	}
	return &Watcher{
		source:   source,
		store:    store,
		logger:   logger.With().Str("component", "catalog-watcher").Logger(),
		debounce: debounce,
		watcher:  fsw,
	}, nil
}

// Run processes events until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	defer w.watcher.Close()

	timer := time.NewTimer(w.debounce)
	timer.Stop()
	pending := false

	w.logger.Info().Str("dir", w.source.Dir()).Msg("watching catalog directory")
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !w.relevant(event) {
				continue
			}
			w.logger.Debug().Str("path", event.Name).Str("op", event.Op.String()).Msg("catalog file changed")
			if !pending {
				pending = true
				timer.Reset(w.debounce)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn().Err(err).Msg("catalog watcher error")
		case <-timer.C:
			pending = false
			published, err := w.store.Refresh(ctx)
			if err != nil {
				w.logger.Error().Err(err).Msg("catalog refresh failed, keeping current snapshot")
				continue
			}
			if published {
				w.logger.Info().Int("version", w.store.Latest().Version()).Msg("catalog reloaded from disk")
			}
		}
	}
}

func (w *Watcher) relevant(event fsnotify.Event) bool {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Rename) {
		return false
	}
	rel, err := filepath.Rel(w.source.Dir(), event.Name)
	if err != nil {
		return false
	}
	return w.source.Matches(rel)
}
