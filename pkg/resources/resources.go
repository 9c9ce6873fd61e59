// Package resources implements the built-in resource kinds: file,
// package, service, firewall, shell and wait. Each kind inspects a host
// through a transports.Transport and acts only when the host differs from
// the declared state.
package resources

import "github.com/openfroyo/froyo-play/pkg/engine"

// Kinds maps kind names to their checkers.
var Kinds = map[string]engine.Checker{
	"file":     File{},
	"package":  Package{},
	"service":  Service{},
	"firewall": Firewall{},
	"shell":    Shell{},
	"wait":     Wait{},
}

// NewRegistry returns a registry holding every built-in kind.
func NewRegistry() *engine.CheckerRegistry {
	reg := engine.NewCheckerRegistry()
	for kind, c := range Kinds {
		_ = reg.Register(kind, c)
	}
	return reg
}

// Params maps kind names to zero values of their parameter structs, for
// schema generation.
var Params = map[string]any{
	"file":     &FileParams{},
	"package":  &PackageParams{},
	"service":  &ServiceParams{},
	"firewall": &FirewallParams{},
	"shell":    &ShellParams{},
	"wait":     &WaitParams{},
}
