// Package components ships the built-in component catalog. Definitions
// register into the process registry at worker startup, before Freeze.
package components

import "github.com/shipsec/shipsec/runtime/component"

// RegisterAll loads every built-in component into the registry.
func RegisterAll(reg *component.Registry) error {
	defs := []*component.Definition{
		TextBlock(),
		SubdomainScan(),
		HTTPRequest(),
	}
	for _, def := range defs {
		if err := reg.Register(def); err != nil {
			return err
		}
	}
	return nil
}
