package idmap

import "github.com/flyingrobots/langsmith-migrator/internal/record"

// NameIndex resolves a source object's matching key to a destination ID,
// scanning a destination listing once up front. Per spec.md §3 invariant
// 1, a duplicate key on the destination side is a warning, not an error:
// the first one encountered wins and later ones are reported as
// Duplicates so the caller can log them.
type NameIndex struct {
	byKey      map[string]string
	Duplicates []string
}

// BuildNameIndex indexes destItems by applying key to each item. Items
// whose key is empty are skipped (no matching key to index on). The first
// item seen for a given key is kept; every subsequent item with the same
// key is recorded in Duplicates.
func BuildNameIndex(destItems []record.Record, key func(record.Record) string) *NameIndex {
	idx := &NameIndex{byKey: make(map[string]string, len(destItems))}
	for _, item := range destItems {
		k := key(item)
		if k == "" {
			continue
		}
		if _, exists := idx.byKey[k]; exists {
			idx.Duplicates = append(idx.Duplicates, k)
			continue
		}
		idx.byKey[k] = item.ID()
	}
	return idx
}

// Lookup returns the destination ID for key, if indexed.
func (idx *NameIndex) Lookup(key string) (string, bool) {
	id, ok := idx.byKey[key]
	return id, ok
}
