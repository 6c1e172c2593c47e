// Package catalogtest provides catalog fixtures for tests in other packages.
package catalogtest

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/maskforge/maskforge/internal/catalog"
)

// Default builds the built-in catalog and fails the test if it does not load.
func Default(t testing.TB) *catalog.Catalog {
	t.Helper()
	c, err := catalog.Build(catalog.DefaultDocument())
	require.NoError(t, err)
	return c
}

// Store returns a store with the built-in catalog published as version 1.
func Store(t testing.TB) *catalog.Store {
	t.Helper()
	s, err := catalog.NewStore(nil, 4, zerolog.Nop())
	require.NoError(t, err)
	_, err = s.Publish(catalog.DefaultDocument())
	require.NoError(t, err)
	return s
}

// Modified builds the built-in document after applying edit to it. It is
// used to derive later catalog versions in tests.
func Modified(t testing.TB, edit func(doc *catalog.Document)) *catalog.Catalog {
	t.Helper()
	doc := catalog.DefaultDocument()
	edit(doc)
	c, err := catalog.Build(doc)
	require.NoError(t, err)
	return c
}
