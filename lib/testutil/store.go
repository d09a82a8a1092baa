// Package testutil provides in-process store servers for kvpool tests.
package testutil

import (
	"fmt"
	"testing"

	"github.com/alicebob/miniredis/v2"
)

// Store is an in-memory store server that lives for the duration of a test.
type Store struct {
	*miniredis.Miniredis
}

// NewStore starts a Store and registers its shutdown with t.Cleanup.
func NewStore(t testing.TB) *Store {
	t.Helper()
	return &Store{Miniredis: miniredis.RunT(t)}
}

// URL returns the connection URL of the server.
func (s *Store) URL() string {
	return "redis://" + s.Addr()
}

// Seed writes n keys named prefix:0 .. prefix:n-1 into partition db.
func (s *Store) Seed(db int, prefix string, n int) {
	d := s.DB(db)
	for i := 0; i < n; i++ {
		// miniredis only fails Set on a type conflict, which fresh keys never hit
		_ = d.Set(fmt.Sprintf("%s:%d", prefix, i), "v")
	}
}

// Count returns the number of keys in partition db.
func (s *Store) Count(db int) int {
	return len(s.DB(db).Keys())
}
