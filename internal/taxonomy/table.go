package taxonomy

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidTable is returned when a taxonomy definition cannot be used for routing.
var ErrInvalidTable = errors.New("invalid taxonomy table")

// Scope is one top-level partition of the knowledge base.
type Scope struct {
	ID       string   `json:"id"`
	Cubes    []string `json:"cubes"`
	Keywords []string `json:"keywords"`
}

// Table is the read-only scope lookup used by the resolver.
// Scope order is the order of definition and is significant: keyword ties
// are broken by it.
type Table struct {
	scopes    []Scope
	byID      map[string]int
	cubeOwner map[string]string
}

// New validates the scopes and builds an immutable table.
// Keywords are lower-cased so they can be matched against a lower-cased question.
func New(scopes []Scope) (*Table, error) {
	if len(scopes) == 0 {
		return nil, fmt.Errorf("%w: no scopes defined", ErrInvalidTable)
	}

	t := &Table{
		scopes:    make([]Scope, 0, len(scopes)),
		byID:      make(map[string]int, len(scopes)),
		cubeOwner: make(map[string]string),
	}

	for _, s := range scopes {
		if s.ID == "" {
			return nil, fmt.Errorf("%w: scope with empty id", ErrInvalidTable)
		}
		if NormalizeID(s.ID) != s.ID {
			return nil, fmt.Errorf("%w: scope %q is not normalized (expected %q)", ErrInvalidTable, s.ID, NormalizeID(s.ID))
		}
		if _, dup := t.byID[s.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate scope %q", ErrInvalidTable, s.ID)
		}
		if len(s.Cubes) == 0 {
			return nil, fmt.Errorf("%w: scope %q has no cubes", ErrInvalidTable, s.ID)
		}

		cubes := make([]string, 0, len(s.Cubes))
		for _, c := range s.Cubes {
			c = strings.TrimSpace(c)
			if c == "" {
				return nil, fmt.Errorf("%w: scope %q has an empty cube name", ErrInvalidTable, s.ID)
			}
			if owner, taken := t.cubeOwner[c]; taken {
				return nil, fmt.Errorf("%w: cube %q belongs to both %q and %q", ErrInvalidTable, c, owner, s.ID)
			}
			t.cubeOwner[c] = s.ID
			cubes = append(cubes, c)
		}

		keywords := make([]string, 0, len(s.Keywords))
		for _, k := range s.Keywords {
			k = strings.ToLower(strings.TrimSpace(k))
			if k == "" {
				return nil, fmt.Errorf("%w: scope %q has an empty keyword", ErrInvalidTable, s.ID)
			}
			keywords = append(keywords, k)
		}

		t.byID[s.ID] = len(t.scopes)
		t.scopes = append(t.scopes, Scope{ID: s.ID, Cubes: cubes, Keywords: keywords})
	}

	return t, nil
}

// NormalizeID turns a free-form scope reference into a table key:
// lower-cased, trimmed, inner whitespace runs joined with "_".
func NormalizeID(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), "_")
}

// Len returns the number of scopes.
func (t *Table) Len() int {
	return len(t.scopes)
}

// Scopes returns a copy of all scopes in definition order.
func (t *Table) Scopes() []Scope {
	out := make([]Scope, len(t.scopes))
	for i, s := range t.scopes {
		out[i] = s.clone()
	}
	return out
}

// Lookup returns the scope with the given id.
func (t *Table) Lookup(id string) (Scope, bool) {
	i, ok := t.byID[id]
	if !ok {
		return Scope{}, false
	}
	return t.scopes[i].clone(), true
}

// ScopeOf returns the scope owning a cube.
func (t *Table) ScopeOf(cube string) (string, bool) {
	s, ok := t.cubeOwner[cube]
	return s, ok
}

// Cubes lists every cube of the taxonomy, scope by scope, in definition order.
func (t *Table) Cubes() []string {
	var out []string
	for _, s := range t.scopes {
		out = append(out, s.Cubes...)
	}
	return out
}

// IDs lists the scope ids in definition order.
func (t *Table) IDs() []string {
	out := make([]string, len(t.scopes))
	for i, s := range t.scopes {
		out[i] = s.ID
	}
	return out
}

// Each visits scopes in definition order without copying.
// The Scope passed to fn shares storage with the table and must not be modified.
func (t *Table) Each(fn func(Scope)) {
	for _, s := range t.scopes {
		fn(s)
	}
}

func (s Scope) clone() Scope {
	return Scope{
		ID:       s.ID,
		Cubes:    append([]string(nil), s.Cubes...),
		Keywords: append([]string(nil), s.Keywords...),
	}
}
