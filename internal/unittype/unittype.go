// Package unittype holds the dispatch table behind the unit-kind
// contract: rather than each
// unit carrying a function-pointer struct, every unit kind registers a
// constructor here, keyed by Kind, and internal/registry.Unit.Type holds
// the resulting registry.VTable value directly. Adding a unit kind touches
// only this file plus the new package — nothing in internal/registry,
// internal/job or internal/transaction switches on kind.
package unittype

import "github.com/ChuLiYu/unitman/internal/registry"

// VTable is the per-unit-kind contract. Defined in internal/registry
// (so registry.Unit can hold one without an import cycle); re-exported here
// so callers that think in terms of "unit types" don't need to import
// internal/registry just for the interface name.
type VTable = registry.VTable

// Kind identifies a unit type ("automount", "mount", "service", ...).
// Only automount is implemented in this core; the rest are external
// collaborators, named only so the dependency graph can resolve a
// sibling unit by kind (the automount's mount-state coupling).
type Kind string

const (
	KindAutomount Kind = "automount"
	KindMount     Kind = "mount"
	KindService   Kind = "service"
	KindSocket    Kind = "socket"
	KindTimer     Kind = "timer"
	KindSlice     Kind = "slice"
	KindTarget    Kind = "target"
)

// Constructor builds a fresh VTable instance for one unit of a given kind.
type Constructor func(id registry.UnitID) VTable

var factories = map[Kind]Constructor{}

// Register adds a constructor for kind. Called from each unit-kind
// package's init() (see internal/automount).
func Register(kind Kind, ctor Constructor) {
	factories[kind] = ctor
}

// New dispatches to the registered constructor for kind. ok is false if no
// unit-kind package registered itself — out-of-scope kinds (service,
// mount, socket, timer, slice) have no constructor in this core and New
// reports that rather than panicking, since Resolve() may legitimately
// create a stub for a unit kind this process doesn't implement.
func New(kind Kind, id registry.UnitID) (VTable, bool) {
	ctor, ok := factories[kind]
	if !ok {
		return nil, false
	}
	return ctor(id), true
}
