package resolver

import (
	"sort"

	"github.com/steveyegge/trackbridge/internal/normalize"
	"github.com/steveyegge/trackbridge/internal/types"
)

// Index is a lookup table over the target snapshot, built once per run.
// Every entry keeps all snapshot rows sharing a key so ambiguity is visible.
type Index struct {
	byKey map[string][]types.TargetEntity
}

// NewIndex indexes rows under keyOf(row). Rows whose key normalizes to ""
// are left out.
func NewIndex(rows []types.TargetEntity, keyOf func(types.TargetEntity) string) *Index {
	ix := &Index{byKey: make(map[string][]types.TargetEntity, len(rows))}
	for _, r := range rows {
		k := normalize.Key(keyOf(r))
		if k == "" {
			continue
		}
		ix.byKey[k] = append(ix.byKey[k], r)
	}
	for _, hits := range ix.byKey {
		sort.Slice(hits, func(i, j int) bool { return hits[i].ID < hits[j].ID })
	}
	return ix
}

// NewNameIndex indexes rows by Name.
func NewNameIndex(rows []types.TargetEntity) *Index {
	return NewIndex(rows, func(r types.TargetEntity) string { return r.Name })
}

// Lookup returns the rows whose key equals normalize.Key(name), ordered by
// target id.
func (ix *Index) Lookup(name string) []types.TargetEntity {
	return ix.byKey[normalize.Key(name)]
}

// Len returns the number of distinct keys.
func (ix *Index) Len() int {
	return len(ix.byKey)
}
