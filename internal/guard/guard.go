// Package guard tracks paths currently under programmatic write so that
// self-inflicted file store events can be told apart from external ones.
package guard

import "sync"

// Guard is an advisory set of suppressed paths. It only filters echoes of
// the client's own writes; it does not serialize concurrent writers.
type Guard struct {
	mu    sync.Mutex
	paths map[string]int
}

// New creates an empty guard.
func New() *Guard {
	return &Guard{paths: make(map[string]int)}
}

// Suppress marks a path as being written programmatically.
// Calls nest: each Suppress must be paired with one Unsuppress.
func (g *Guard) Suppress(path string) {
	g.mu.Lock()
	g.paths[path]++
	g.mu.Unlock()
}

// Unsuppress releases a previous Suppress for the path.
func (g *Guard) Unsuppress(path string) {
	g.mu.Lock()
	if n := g.paths[path]; n <= 1 {
		delete(g.paths, path)
	} else {
		g.paths[path] = n - 1
	}
	g.mu.Unlock()
}

// IsSuppressed reports whether the path is currently under programmatic write.
func (g *Guard) IsSuppressed(path string) bool {
	g.mu.Lock()
	_, ok := g.paths[path]
	g.mu.Unlock()
	return ok
}

// With runs fn with the path suppressed, releasing on every exit path.
func (g *Guard) With(path string, fn func() error) error {
	g.Suppress(path)
	defer g.Unsuppress(path)
	return fn()
}

// With2 runs fn with two paths suppressed (used for renames).
func (g *Guard) With2(a, b string, fn func() error) error {
	g.Suppress(a)
	g.Suppress(b)
	defer g.Unsuppress(b)
	defer g.Unsuppress(a)
	return fn()
}
