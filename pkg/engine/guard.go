package engine

import (
	"fmt"
	"sort"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/ast"
	"github.com/expr-lang/expr/parser"
)

// Guard is a parsed boolean expression gating a task. Guards use the
// expr language: os_family == "Debian" && !("nginx" in packages).
type Guard struct {
	source string
	refs   []string
}

// NewGuard parses src and records the root names it references.
func NewGuard(src string) (*Guard, error) {
	src = strings.TrimSpace(src)
	if src == "" {
		return nil, NewGuardError("empty guard expression", nil)
	}

	tree, err := parser.Parse(src)
	if err != nil {
		return nil, NewGuardError(fmt.Sprintf("invalid guard %q", src), err)
	}

	return &Guard{source: src, refs: collectRefs(&tree.Node)}, nil
}

// Source returns the expression text.
func (g *Guard) Source() string {
	return g.source
}

// Refs returns the sorted root identifiers the guard reads.
func (g *Guard) Refs() []string {
	return append([]string(nil), g.refs...)
}

// Undeclared returns the references for which declared reports false.
func (g *Guard) Undeclared(declared func(name string) bool) []string {
	var missing []string
	for _, ref := range g.refs {
		if !declared(ref) {
			missing = append(missing, ref)
		}
	}
	return missing
}

// Eval evaluates the guard against env. Every reference must be present
// in env; absent values should be supplied as nil.
func (g *Guard) Eval(env map[string]any) (bool, error) {
	program, err := expr.Compile(g.source, expr.Env(env), expr.AsBool())
	if err != nil {
		return false, NewGuardError(fmt.Sprintf("cannot compile guard %q", g.source), err)
	}
	out, err := expr.Run(program, env)
	if err != nil {
		return false, NewGuardError(fmt.Sprintf("cannot evaluate guard %q", g.source), err)
	}
	result, ok := out.(bool)
	if !ok {
		return false, NewGuardError(fmt.Sprintf("guard %q returned %T, not bool", g.source, out), nil)
	}
	return result, nil
}

// refCollector gathers identifiers that are read as variables. Function
// callees and let-bound names are excluded.
type refCollector struct {
	callees  map[ast.Node]bool
	bound    map[string]bool
	refs     map[string]bool
	gathered bool
}

func (c *refCollector) Visit(node *ast.Node) {
	switch n := (*node).(type) {
	case *ast.CallNode:
		if !c.gathered {
			c.callees[n.Callee] = true
		}
	case *ast.VariableDeclaratorNode:
		if !c.gathered {
			c.bound[n.Name] = true
		}
	case *ast.IdentifierNode:
		if c.gathered && !c.callees[n] && !c.bound[n.Value] {
			c.refs[n.Value] = true
		}
	}
}

func collectRefs(root *ast.Node) []string {
	c := &refCollector{
		callees: make(map[ast.Node]bool),
		bound:   make(map[string]bool),
		refs:    make(map[string]bool),
	}
	// First pass finds callees and let bindings, second pass collects.
	ast.Walk(root, c)
	c.gathered = true
	ast.Walk(root, c)

	refs := make([]string, 0, len(c.refs))
	for r := range c.refs {
		refs = append(refs, r)
	}
	sort.Strings(refs)
	return refs
}
