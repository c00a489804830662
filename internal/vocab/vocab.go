// Package vocab holds the lookup tables that translate source-system
// vocabulary into target-system values. Tables are plain structs, loaded from
// a TOML or YAML file or taken from Default, and handed to the resolver.
package vocab

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/steveyegge/trackbridge/internal/normalize"
)

// Direction says which phrase of a source link type a rule matches.
type Direction string

const (
	Outward Direction = "outward"
	Inward  Direction = "inward"
)

// RelationRule maps one directional link phrase to a target relation type.
type RelationRule struct {
	Phrase    string    `toml:"phrase" yaml:"phrase"`
	Direction Direction `toml:"direction" yaml:"direction"`
	Type      string    `toml:"type" yaml:"type"`
	// Blocking marks relation types where the second issue waits on the
	// first; a blocked issue that is already closed is a semantic conflict.
	Blocking bool `toml:"blocking" yaml:"blocking"`
}

// Vocabulary is the full set of translation tables.
type Vocabulary struct {
	Relations []RelationRule `toml:"relations" yaml:"relations"`
	// ClosedCategories lists source status category keys that mean "closed".
	ClosedCategories []string `toml:"closed_categories" yaml:"closed_categories"`
}

// Default returns the built-in vocabulary.
func Default() *Vocabulary {
	return &Vocabulary{
		Relations: []RelationRule{
			{Phrase: "blocks", Direction: Outward, Type: "blocks", Blocking: true},
			{Phrase: "is blocked by", Direction: Inward, Type: "blocks", Blocking: true},
			{Phrase: "duplicates", Direction: Outward, Type: "duplicates"},
			{Phrase: "is duplicated by", Direction: Inward, Type: "duplicates"},
			{Phrase: "clones", Direction: Outward, Type: "copied_to"},
			{Phrase: "is cloned by", Direction: Inward, Type: "copied_to"},
			{Phrase: "precedes", Direction: Outward, Type: "precedes"},
			{Phrase: "follows", Direction: Outward, Type: "follows"},
			{Phrase: "relates to", Direction: Outward, Type: "relates"},
		},
		ClosedCategories: []string{"done"},
	}
}

// Load reads a vocabulary file. The format is chosen by extension (.toml,
// .yaml or .yml). An empty path returns Default.
func Load(path string) (*Vocabulary, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path) // #nosec G304 - path comes from operator config
	if err != nil {
		return nil, fmt.Errorf("read vocabulary %s: %w", path, err)
	}

	var v Vocabulary
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(data), &v); err != nil {
			return nil, fmt.Errorf("parse vocabulary %s: %w", path, err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("parse vocabulary %s: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("unsupported vocabulary format %q (want .toml, .yaml or .yml)", filepath.Ext(path))
	}

	if err := v.Validate(); err != nil {
		return nil, fmt.Errorf("vocabulary %s: %w", path, err)
	}
	if len(v.ClosedCategories) == 0 {
		v.ClosedCategories = Default().ClosedCategories
	}
	return &v, nil
}

// Validate checks every rule is complete and no phrase is claimed twice for
// the same direction.
func (v *Vocabulary) Validate() error {
	seen := make(map[string]bool)
	for i, r := range v.Relations {
		if normalize.Key(r.Phrase) == "" {
			return fmt.Errorf("relation rule %d: empty phrase", i)
		}
		if r.Type == "" {
			return fmt.Errorf("relation rule %d (%q): empty type", i, r.Phrase)
		}
		switch r.Direction {
		case Outward, Inward, "":
		default:
			return fmt.Errorf("relation rule %d (%q): unknown direction %q", i, r.Phrase, r.Direction)
		}
		k := string(r.dir()) + "|" + normalize.Key(r.Phrase)
		if seen[k] {
			return fmt.Errorf("relation rule %d: duplicate %s phrase %q", i, r.dir(), r.Phrase)
		}
		seen[k] = true
	}
	return nil
}

func (r RelationRule) dir() Direction {
	if r.Direction == "" {
		return Outward
	}
	return r.Direction
}

// Match is the result of a relation lookup. When Swapped is true the rule
// matched the inward phrase, so the target relation runs from the source
// link's inward issue to its outward issue.
type Match struct {
	Rule    RelationRule
	Swapped bool
}

// LookupRelation finds the rule for a source link type. The outward phrase
// is tried first, then the inward phrase.
func (v *Vocabulary) LookupRelation(outward, inward string) (Match, bool) {
	if k := normalize.Key(outward); k != "" {
		for _, r := range v.Relations {
			if r.dir() == Outward && normalize.Key(r.Phrase) == k {
				return Match{Rule: r}, true
			}
		}
	}
	if k := normalize.Key(inward); k != "" {
		for _, r := range v.Relations {
			if r.dir() == Inward && normalize.Key(r.Phrase) == k {
				return Match{Rule: r, Swapped: true}, true
			}
		}
	}
	return Match{}, false
}

// IsClosedCategory reports whether a source status category means closed.
func (v *Vocabulary) IsClosedCategory(category string) bool {
	k := normalize.Key(category)
	for _, c := range v.ClosedCategories {
		if normalize.Key(c) == k {
			return true
		}
	}
	return false
}
