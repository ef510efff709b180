// Package dnindex provides an LRU-cached DN canonicalization. cmd/agreementd
// builds an Index but hands it to no component; Agreement.MatchesName/
// ReplAreaMatches and the Lifecycle Controller canonicalize without it.
package dnindex

import (
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCapacity bounds how many canonicalized DNs are cached at once.
const DefaultCapacity = 4096

// Index canonicalizes DNs and caches the result. Safe for concurrent use;
// the underlying lru.Cache has its own internal locking.
type Index struct {
	cache *lru.Cache[string, string]
}

// New builds an Index with the given capacity. A non-positive capacity
// falls back to DefaultCapacity.
func New(capacity int) *Index {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	cache, err := lru.New[string, string](capacity)
	if err != nil {
		// lru.New only fails for a non-positive size, already guarded above.
		cache, _ = lru.New[string, string](DefaultCapacity)
	}
	return &Index{cache: cache}
}

// Canonical returns the canonical form of dn, computing and caching it on
// first use. Canonicalization here is the same lower-case/trim scheme as
// Agreement's own canonicalDN, so the two never disagree.
func (idx *Index) Canonical(dn string) string {
	if cached, ok := idx.cache.Get(dn); ok {
		return cached
	}
	canonical := strings.ToLower(strings.TrimSpace(dn))
	idx.cache.Add(dn, canonical)
	return canonical
}

// Matches reports whether candidate is dn itself or a descendant of it,
// comparing canonical forms.
func (idx *Index) Matches(candidate, dn string) bool {
	c := idx.Canonical(candidate)
	d := idx.Canonical(dn)
	return c == d || strings.HasSuffix(c, ","+d)
}

// Len reports the number of cached entries.
func (idx *Index) Len() int { return idx.cache.Len() }
