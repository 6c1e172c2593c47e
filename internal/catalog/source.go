package catalog

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
)

// Source is the catalog persistence collaborator. The engine only reads
// from it.
type Source interface {
	ListVersions(ctx context.Context) ([]int, error)
	Load(ctx context.Context, version int) (*Document, error)
}

// MemorySource serves documents held in memory.
type MemorySource struct {
	mu   sync.RWMutex
	docs map[int]*Document
}

func NewMemorySource(docs ...*Document) *MemorySource {
	s := &MemorySource{docs: make(map[int]*Document)}
	for _, d := range docs {
		s.docs[d.Version] = d
	}
	return s
}

// Put adds or replaces a document.
func (s *MemorySource) Put(doc *Document) {
	s.mu.Lock()
	s.docs[doc.Version] = doc
	s.mu.Unlock()
}

func (s *MemorySource) ListVersions(context.Context) ([]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	versions := make([]int, 0, len(s.docs))
	for v := range s.docs {
		versions = append(versions, v)
	}
	slices.Sort(versions)
	return versions, nil
}

func (s *MemorySource) Load(_ context.Context, version int) (*Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[version]
	if !ok {
		return nil, fmt.Errorf("v%d: %w", version, ErrUnknownVersion)
	}
	return doc, nil
}

// DefaultPattern matches every catalog document format DirSource reads.
const DefaultPattern = "**/*.{yaml,yml,json,json.zst}"

// DirSource reads catalog documents from a directory tree. Each file holds
// one version; the version number comes from the document itself.
type DirSource struct {
	dir     string
	pattern string
}

func NewDirSource(dir, pattern string) *DirSource {
	if pattern == "" {
		pattern = DefaultPattern
	}
	return &DirSource{dir: dir, pattern: pattern}
}

func (s *DirSource) Dir() string { return s.dir }

// Matches reports whether a path relative to the directory is a catalog
// document.
func (s *DirSource) Matches(rel string) bool {
	ok, err := doublestar.Match(s.pattern, filepath.ToSlash(rel))
	return err == nil && ok
}

// scan decodes every matching file and indexes it by version. Duplicate
// versions are an error since the source could not tell which one is
// authoritative.
func (s *DirSource) scan(ctx context.Context) (map[int]*Document, error) {
	matches, err := doublestar.Glob(os.DirFS(s.dir), s.pattern, doublestar.WithFilesOnly())
	if err != nil {
		return nil, fmt.Errorf("globbing %s: %w", s.dir, err)
	}
	slices.Sort(matches)

	docs := make(map[int]*Document, len(matches))
	paths := make(map[int]string, len(matches))
	for _, rel := range matches {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, err := fs.ReadFile(os.DirFS(s.dir), rel)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", rel, err)
		}
		doc, err := Decode(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", rel, err)
		}
		if prev, dup := paths[doc.Version]; dup {
			return nil, fmt.Errorf("catalog v%d declared by both %s and %s", doc.Version, prev, rel)
		}
		docs[doc.Version] = doc
		paths[doc.Version] = rel
	}
	return docs, nil
}

func (s *DirSource) ListVersions(ctx context.Context) ([]int, error) {
	docs, err := s.scan(ctx)
	if err != nil {
		return nil, err
	}
	versions := make([]int, 0, len(docs))
	for v := range docs {
		versions = append(versions, v)
	}
	slices.Sort(versions)
	return versions, nil
}

func (s *DirSource) Load(ctx context.Context, version int) (*Document, error) {
	docs, err := s.scan(ctx)
	if err != nil {
		return nil, err
	}
	doc, ok := docs[version]
	if !ok {
		return nil, fmt.Errorf("v%d in %s: %w", version, s.dir, ErrUnknownVersion)
	}
	return doc, nil
}
