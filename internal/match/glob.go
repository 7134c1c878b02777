// Package match supplies the glob-matching predicate behind the engine's
// pattern table, wrapping github.com/gobwas/glob with a compiled-pattern
// cache.
package match

import (
	"sync"

	"github.com/gobwas/glob"
)

// Matcher compiles and caches glob patterns so the pattern table's
// per-message fan-out pays compilation cost once per distinct pattern
// string, not once per publish.
type Matcher struct {
	mu    sync.Mutex
	cache map[string]glob.Glob
}

// NewMatcher returns a ready-to-use Matcher.
func NewMatcher() *Matcher {
	return &Matcher{cache: make(map[string]glob.Glob)}
}

// Matches reports whether channel satisfies pattern. A pattern that fails
// to compile never matches anything rather than panicking or propagating a
// compile error up into the fan-out loop.
func (m *Matcher) Matches(pattern, channel string) bool {
	g := m.compiled(pattern)
	if g == nil {
		return false
	}
	return g.Match(channel)
}

func (m *Matcher) compiled(pattern string) glob.Glob {
	m.mu.Lock()
	defer m.mu.Unlock()
	if g, ok := m.cache[pattern]; ok {
		return g
	}
	g, err := glob.Compile(pattern)
	if err != nil {
		m.cache[pattern] = nil
		return nil
	}
	m.cache[pattern] = g
	return g
}
