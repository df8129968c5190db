// Package registry is the canonical store of units and their dependency
// graph of the job-execution core. It owns no scheduling policy and
// no job semantics — those live in internal/job and internal/transaction —
// it only maintains the Unit arena, the symmetric dependency edges, and the
// garbage-collection predicate.
//
// Units are addressed by UnitID (their canonical name) rather than by
// pointer wherever another package needs to refer to one, following the
// "arena + stable ids, not owning pointer cycles" redesign: the manager
// holds the one *Registry*, everything else carries ids.
package registry

import (
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/ChuLiYu/unitman/pkg/unitapi"
)

// UnitID is a unit's canonical name, e.g. "a.service" or "mnt-x.automount".
type UnitID string

// FDSet is the explicit file-descriptor side-channel a snapshot's key=value
// stream indexes into: file descriptors cross a reexec out of band, and
// the snapshot records only their index. Indices are stable for the
// lifetime of one snapshot/restore round trip.
type FDSet struct {
	fds []int
}

func NewFDSet() *FDSet { return &FDSet{} }

// Add stores fd and returns the index a snapshot line should record.
func (s *FDSet) Add(fd int) int {
	s.fds = append(s.fds, fd)
	return len(s.fds) - 1
}

// Get returns the fd previously stored at idx.
func (s *FDSet) Get(idx int) (int, bool) {
	if idx < 0 || idx >= len(s.fds) {
		return -1, false
	}
	return s.fds[idx], true
}

// VTable is the polymorphic unit-type contract, expressed as a Go
// interface rather than a C function-pointer struct — the "tagged sum,
// dispatch is a method call" shape. Every unit kind (automount
// being the one fully specified here) implements this once; the core never
// switches on kind itself.
type VTable interface {
	// Init runs once when a stub unit is created for this kind.
	Init(u *Unit)
	// Load runs when the (external, out-of-scope) unit-file loader has
	// populated this unit's configuration.
	Load(u *Unit) error
	// Done releases any resources held outside the unit's own state
	// (event sources, fds) before the unit is freed.
	Done(u *Unit)
	// Coldplug restores in-memory state after a deserialized snapshot,
	// and previously-held file descriptors.
	Coldplug(u *Unit, deferred bool) error

	Start(u *Unit) (unitapi.TransitionResult, error)
	Stop(u *Unit) (unitapi.TransitionResult, error)
	Reload(u *Unit) (unitapi.TransitionResult, error)

	ActiveState(u *Unit) unitapi.ActiveState
	SubStateString(u *Unit) string

	CheckGC(u *Unit) bool
	ResetFailed(u *Unit)

	Serialize(u *Unit, w io.Writer, fds *FDSet) error
	DeserializeItem(u *Unit, key, value string, fds *FDSet) error

	Kill(u *Unit, who unitapi.KillWho, signo int) error
	// Timeout reports a transition deadline for the run-queue sleeper.
	// ok is false when the unit type has no opinion.
	Timeout(u *Unit) (deadline time.Time, ok bool)

	StatusMessage(u *Unit, jt unitapi.JobType, result unitapi.JobResult) string
}

// Timestamps holds the four lifecycle transition times.
type Timestamps struct {
	InactiveExit  time.Time
	ActiveEnter   time.Time
	ActiveExit    time.Time
	InactiveEnter time.Time
}

// Flags are the per-unit policy bits.
type Flags struct {
	RefuseManualStart   bool
	RefuseManualStop    bool
	AllowIsolate        bool
	IgnoreOnIsolate     bool
	DefaultDependencies bool
	StopWhenUnneeded    bool
	Transient           bool
}

// Unit is one managed resource. Dependency edges are stored as forward
// adjacency only here; the symmetric partner is a distinct edge on the
// peer unit, maintained by Registry.AddDependency — Unit itself never
// computes a partner, so there is exactly one place that invariant can be
// broken, and it isn't this type.
type Unit struct {
	ID    UnitID
	Names []string
	Kind  string

	Load   unitapi.LoadState
	Active unitapi.ActiveState
	Sub    string

	Deps map[unitapi.Relation]map[UnitID]struct{}

	// JobID/NopJobID are opaque handles into the job package's id->job
	// map. Registry does not know what a Job is; it only enforces "at
	// most one installed job per slot" by holding the id.
	JobID    uint32
	NopJobID uint32

	Flags      Flags
	Timestamps Timestamps

	JobTimeout       time.Duration
	JobTimeoutAction string

	ConditionResult unitapi.Tri
	AssertResult    unitapi.Tri

	Type VTable

	// loaded is true once Load() has been called on a stub; a unit may
	// exist (referenced by a dependency) without ever being loaded.
	loaded bool
}

func newUnit(id UnitID) *Unit {
	return &Unit{
		ID:     id,
		Names:  []string{string(id)},
		Load:   unitapi.LoadStub,
		Active: unitapi.Inactive,
		Deps:   make(map[unitapi.Relation]map[UnitID]struct{}),
	}
}

// HasJob reports whether the unit's normal job slot is occupied.
func (u *Unit) HasJob() bool { return u.JobID != 0 }

// Peers returns the peer ids of relation r, in insertion-nondeterministic
// (map) order — callers that need stable order should sort.
func (u *Unit) Peers(r unitapi.Relation) []UnitID {
	set := u.Deps[r]
	if len(set) == 0 {
		return nil
	}
	out := make([]UnitID, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

// Observer is the registry's "on event" contract: components that need to react
// to a unit's active-state transition (the job layer's neighbor wakeups and
// Dependency propagation, the control plane's change signals) register one
// with the Registry instead of the Registry knowing about them.
type Observer interface {
	UnitChanged(u *Unit, old, new unitapi.ActiveState, reloadSuccess bool)
	UnitNew(u *Unit)
	UnitRemoved(u *Unit)
}

// Registry is the canonical unit store. It is owned exclusively by the
// manager's single event-loop goroutine — no shared structure is touched
// from a second thread, so it
// carries no mutex of its own. Any goroutine that is not the event loop
// (control-plane handlers, the automount expire worker) must cross
// into the loop via a channel before calling into Registry.
type Registry struct {
	units     map[UnitID]*Unit
	observers []Observer
	log       *slog.Logger
}

func New(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		units: make(map[UnitID]*Unit),
		log:   log,
	}
}

// Subscribe registers an Observer. Intended to be called once at manager
// construction.
func (r *Registry) Subscribe(o Observer) {
	r.observers = append(r.observers, o)
}

// Resolve returns the existing unit named id, or creates and returns a new
// stub. Stub creation never fails.
func (r *Registry) Resolve(id UnitID) *Unit {
	if u, ok := r.units[id]; ok {
		return u
	}
	u := newUnit(id)
	r.units[id] = u
	r.log.Debug("unit stub created", "unit", string(id))
	for _, o := range r.observers {
		o.UnitNew(u)
	}
	return u
}

// Lookup returns the unit named id without creating it.
func (r *Registry) Lookup(id UnitID) (*Unit, bool) {
	u, ok := r.units[id]
	return u, ok
}

// All returns every unit currently in the registry, including stubs.
func (r *Registry) All() []*Unit {
	out := make([]*Unit, 0, len(r.units))
	for _, u := range r.units {
		out = append(out, u)
	}
	return out
}

// AddDependency inserts R(a,b) and, if reciprocal, R⁻¹(b,a). Both sides of
// the stub are resolved (created if absent) first, matching "Adding an edge
// to a not-yet-loaded stub is legal; the stub remains in the registry."
// This is the single helper referenced by invariant 4: every mutation of a
// dependency set for a symmetric relation goes through here.
func (r *Registry) AddDependency(a UnitID, rel unitapi.Relation, b UnitID, reciprocal bool) error {
	ua := r.Resolve(a)
	ub := r.Resolve(b)

	addEdge(ua, rel, b)
	if !reciprocal {
		return nil
	}
	partner, ok := unitapi.Partner(rel)
	if !ok {
		return fmt.Errorf("registry: relation %v has no registered partner", rel)
	}
	addEdge(ub, partner, a)
	return nil
}

func addEdge(u *Unit, rel unitapi.Relation, peer UnitID) {
	set, ok := u.Deps[rel]
	if !ok {
		set = make(map[UnitID]struct{})
		u.Deps[rel] = set
	}
	set[peer] = struct{}{}
}

// RemoveDependency removes R(a,b) and its reciprocal, if present. Used when
// the (out-of-scope) unit-file loader drops a dependency across a reload.
func (r *Registry) RemoveDependency(a UnitID, rel unitapi.Relation, b UnitID, reciprocal bool) {
	if ua, ok := r.units[a]; ok {
		delete(ua.Deps[rel], b)
	}
	if !reciprocal {
		return
	}
	if partner, ok := unitapi.Partner(rel); ok {
		if ub, ok := r.units[b]; ok {
			delete(ub.Deps[partner], a)
		}
	}
}

// Neighbors resolves the peer ids of u's relation r into *Unit, skipping any
// id that no longer resolves (shouldn't happen, but a stale edge must never
// panic a caller).
func (r *Registry) Neighbors(u *Unit, rel unitapi.Relation) []*Unit {
	ids := u.Peers(rel)
	if len(ids) == 0 {
		return nil
	}
	out := make([]*Unit, 0, len(ids))
	for _, id := range ids {
		if peer, ok := r.units[id]; ok {
			out = append(out, peer)
		}
	}
	return out
}

// Notify is invoked by a unit's state machine whenever its active state
// changes. It updates the lifecycle timestamps and fans the
// transition out to every subscribed Observer; the observers (the job
// layer, the control-plane signal emitter) are responsible for run-queue
// wakeups and triggered-unit propagation, since Registry itself has no
// notion of a job.
func (r *Registry) Notify(id UnitID, newActive unitapi.ActiveState, reloadSuccess bool) {
	u, ok := r.units[id]
	if !ok {
		return
	}
	old := u.Active
	if old == newActive {
		return
	}
	now := time.Now()
	switch {
	case old == unitapi.Inactive && newActive != unitapi.Inactive:
		u.Timestamps.InactiveExit = now
	case newActive == unitapi.Active || newActive == unitapi.Reloading:
		if !old.ActiveOrReloading() {
			u.Timestamps.ActiveEnter = now
		}
	case old.ActiveOrReloading() && !newActive.ActiveOrReloading():
		u.Timestamps.ActiveExit = now
	case newActive == unitapi.Inactive && old != unitapi.Inactive:
		u.Timestamps.InactiveEnter = now
	}
	u.Active = newActive
	r.log.Info("unit active state changed", "unit", string(id), "old", old.String(), "new", newActive.String())

	for _, o := range r.observers {
		o.UnitChanged(u, old, newActive, reloadSuccess)
	}
}

// CheckGC reports whether u is collectible: no installed job, no external
// references (dependencies held by non-collectible units), and its
// type's CheckGC agrees. Because "held by
// a non-collectible unit" is itself defined in terms of CheckGC, this is
// evaluated as a fixed point by GC, not a single recursive call here —
// CheckGC only answers the local, non-recursive question for one unit
// against the *current* collectible set passed in.
// referencingRelations are the edges on u that mean "some peer depends on
// u existing" — the incoming half of the Requires/Wants/BindsTo/PartOf
// family, already present on u thanks to AddDependency's symmetric-partner
// insertion. Ordering edges (Before/After) and the negative/triggering
// relations are not references: they don't keep a unit alive by
// themselves.
var referencingRelations = []unitapi.Relation{
	unitapi.RequiredBy, unitapi.RequiredByOverridable,
	unitapi.WantedBy, unitapi.BoundBy, unitapi.ConsistsOf,
}

func (r *Registry) checkGCLocal(u *Unit, collectible map[UnitID]bool) bool {
	if u.HasJob() || u.NopJobID != 0 {
		return false
	}
	for _, rel := range referencingRelations {
		for peer := range u.Deps[rel] {
			if !collectible[peer] {
				// peer depends on us and peer is not itself collectible
				// yet (or never will be) — not GC-able.
				return false
			}
		}
	}
	if u.Type != nil && !u.Type.CheckGC(u) {
		return false
	}
	return true
}

// GC runs the fixed-point collectible walk: repeatedly mark units collectible until a
// pass changes nothing, then remove every unit still marked collectible at
// the end AND with no outstanding references from a unit that is not
// collectible. This converges because the collectible set only grows
// monotonically pass over pass (a unit that was collectible stays
// collectible; dependency structure does not change mid-GC).
func (r *Registry) GC() []UnitID {
	collectible := make(map[UnitID]bool, len(r.units))
	for {
		changed := false
		for id, u := range r.units {
			if collectible[id] {
				continue
			}
			if r.checkGCLocal(u, collectible) {
				collectible[id] = true
				changed = true
			}
		}
		if !changed {
			break
		}
	}

	var removed []UnitID
	for id, ok := range collectible {
		if !ok {
			continue
		}
		u := r.units[id]
		if u.Type != nil {
			u.Type.Done(u)
		}
		delete(r.units, id)
		removed = append(removed, id)
		for _, o := range r.observers {
			o.UnitRemoved(u)
		}
	}
	return removed
}
