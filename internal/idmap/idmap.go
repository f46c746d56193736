// Package idmap holds the cross-kind source→destination ID table the
// migrators consume to rewrite foreign keys, and the name-based matching
// helper used to find an existing destination resource before deciding
// whether to create or update one (spec.md §3 invariant 1, §4.4, §4.5).
package idmap

import (
	"sync"

	"github.com/flyingrobots/langsmith-migrator/internal/kind"
)

// Maps is the shared, concurrency-safe source-ID → destination-ID table,
// keyed first by kind. The orchestrator holds one Maps per migration and
// passes it to every worker; updates merge into the existing per-kind map
// rather than replacing it wholesale, so concurrent datasets populating
// the same kind (e.g. two datasets both migrating examples) never race
// each other's entries away (spec.md §4.5: "map updates are merged, never
// replaced wholesale, under the lock").
type Maps struct {
	mu     sync.Mutex
	byKind map[kind.Kind]map[string]string
}

// New returns an empty Maps.
func New() *Maps {
	return &Maps{byKind: make(map[kind.Kind]map[string]string)}
}

// Set records that sourceID maps to destID for kind k. Overwrites any
// prior mapping for the same sourceID, which is expected on an update-path
// re-run.
func (m *Maps) Set(k kind.Kind, sourceID, destID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.byKind[k] == nil {
		m.byKind[k] = make(map[string]string)
	}
	m.byKind[k][sourceID] = destID
}

// Get looks up the destination ID mapped from sourceID for kind k.
func (m *Maps) Get(k kind.Kind, sourceID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	dest, ok := m.byKind[k][sourceID]
	return dest, ok
}

// Merge folds other into kind k's table under the lock, for a worker
// handing back a batch of newly-resolved mappings (e.g. after a bulk
// example POST) in one call instead of many Set calls each re-acquiring
// the lock.
func (m *Maps) Merge(k kind.Kind, other map[string]string) {
	if len(other) == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.byKind[k] == nil {
		m.byKind[k] = make(map[string]string, len(other))
	}
	for s, d := range other {
		m.byKind[k][s] = d
	}
}

// Len reports how many source IDs are mapped for kind k.
func (m *Maps) Len(k kind.Kind) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byKind[k])
}
