package engine

import "sort"

// Scope is a layered variable mapping. Lookups walk from the innermost
// layer outward. Scopes are never mutated; With returns a child.
type Scope struct {
	parent *Scope
	vars   map[string]any
}

// NewScope creates a root scope holding vars. The map is copied.
func NewScope(vars map[string]any) *Scope {
	return &Scope{vars: copyVars(vars)}
}

// With returns a child scope whose vars shadow the receiver's.
func (s *Scope) With(vars map[string]any) *Scope {
	if len(vars) == 0 {
		return s
	}
	return &Scope{parent: s, vars: copyVars(vars)}
}

// Lookup resolves name, innermost layer first.
func (s *Scope) Lookup(name string) (any, bool) {
	for cur := s; cur != nil; cur = cur.parent {
		if v, ok := cur.vars[name]; ok {
			return v, true
		}
	}
	return nil, false
}

// Flatten returns the effective mapping with inner layers applied last.
func (s *Scope) Flatten() map[string]any {
	var chain []*Scope
	for cur := s; cur != nil; cur = cur.parent {
		chain = append(chain, cur)
	}
	out := make(map[string]any)
	for i := len(chain) - 1; i >= 0; i-- {
		for k, v := range chain[i].vars {
			out[k] = v
		}
	}
	return out
}

// Names returns every visible variable name, sorted.
func (s *Scope) Names() []string {
	flat := s.Flatten()
	names := make([]string, 0, len(flat))
	for k := range flat {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func copyVars(vars map[string]any) map[string]any {
	out := make(map[string]any, len(vars))
	for k, v := range vars {
		out[k] = v
	}
	return out
}
