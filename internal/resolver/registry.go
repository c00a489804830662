package resolver

import (
	"fmt"
	"sort"
	"sync"

	"github.com/steveyegge/trackbridge/internal/types"
)

// RuleFactory creates a fresh Rule. Rules hold per-run state, so every
// Transform pass gets its own instance.
type RuleFactory func() Rule

// Registry maps entity kinds to their resolution rules.
// Rules register themselves at init time.
type Registry struct {
	mu    sync.RWMutex
	rules map[types.EntityKind]RuleFactory
}

var globalRegistry = &Registry{
	rules: make(map[types.EntityKind]RuleFactory),
}

// Register adds a rule factory to the global registry.
func Register(kind types.EntityKind, factory RuleFactory) {
	globalRegistry.Register(kind, factory)
}

// Kinds returns the kinds with a registered rule.
func Kinds() []types.EntityKind {
	return globalRegistry.Kinds()
}

// NewRule creates the rule for kind from the global registry.
func NewRule(kind types.EntityKind) (Rule, error) {
	return globalRegistry.NewRule(kind)
}

// Register adds a rule factory to this registry.
func (r *Registry) Register(kind types.EntityKind, factory RuleFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules[kind] = factory
}

// Kinds returns the registered kinds, sorted.
func (r *Registry) Kinds() []types.EntityKind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.EntityKind, 0, len(r.rules))
	for k := range r.rules {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// NewRule creates the rule for kind.
func (r *Registry) NewRule(kind types.EntityKind) (Rule, error) {
	r.mu.RLock()
	factory := r.rules[kind]
	r.mu.RUnlock()
	if factory == nil {
		return nil, fmt.Errorf("no resolution rule for %q (available: %v)", kind, r.Kinds())
	}
	return factory(), nil
}
