// Package transaction implements the transaction builder and run queue of
// the job core: AddJob walks the dependency graph from an anchor unit,
// resolves the resulting job set (merge, cycle-break, redundancy-prune),
// and commits it atomically into the job manager. internal/job knows
// nothing about any of this — it only knows how to merge, install, run and
// finish one job at a time.
package transaction

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/ChuLiYu/unitman/internal/job"
	"github.com/ChuLiYu/unitman/internal/registry"
	"github.com/ChuLiYu/unitman/pkg/unitapi"
)

var (
	// ErrCycle is returned when an ordering cycle inside a transaction's
	// job graph cannot be broken by dropping a non-matters edge.
	ErrCycle = errors.New("transaction: ordering cycle cannot be broken")
	// ErrWouldCancel is returned in fail mode when the transaction would
	// have to cancel a conflicting installed job to proceed.
	ErrWouldCancel = errors.New("transaction: would cancel a conflicting installed job")
	// ErrIrreversible is returned when a conflicting installed job was
	// marked irreversible by an earlier replace-irreversibly transaction.
	ErrIrreversible = errors.New("transaction: installed job is irreversible")
	// ErrIsolateNotAllowed is returned when isolate mode targets a unit
	// whose AllowIsolate flag is false.
	ErrIsolateNotAllowed = errors.New("transaction: anchor does not allow isolate")
)

// requirementRelations are the edges expansion walks to pull a dependency
// into the transaction with a Start job. Wants carries
// matters=false; the rest are the Requires family (RequirementFamily()).
var requirementRelations = []unitapi.Relation{
	unitapi.Requires, unitapi.RequiresOverridable,
	unitapi.Requisite, unitapi.RequisiteOverridable,
	unitapi.BindsTo, unitapi.Wants,
}

var conflictRelations = []unitapi.Relation{unitapi.Conflicts, unitapi.ConflictedBy}

// JobDependency is a transaction-only edge recorded during expansion
// by expansion: Matters marks a Requires-family pull, Conflicts marks a
// Conflicts-family Stop propagation.
type JobDependency struct {
	Subject   registry.UnitID
	Object    registry.UnitID
	Matters   bool
	Conflicts bool
}

// pendingJob is one not-yet-installed job a Transaction intends to commit.
type pendingJob struct {
	unit     registry.UnitID
	jobType  unitapi.JobType
	override bool
}

// Transaction is one atomic batch of jobs resolved by Builder.AddJob.
type Transaction struct {
	Mode   unitapi.Mode
	Anchor registry.UnitID
	Jobs   map[registry.UnitID]*pendingJob
	Edges  []JobDependency
}

// Builder walks the dependency graph and resolves a Transaction against
// the live registry and job manager; Commit installs it.
type Builder struct {
	reg  *registry.Registry
	jobs *job.Manager
	log  *slog.Logger
}

func NewBuilder(reg *registry.Registry, jobs *job.Manager, log *slog.Logger) *Builder {
	if log == nil {
		log = slog.Default()
	}
	return &Builder{reg: reg, jobs: jobs, log: log}
}

// AddJob builds and resolves a transaction rooted at (anchor, anchorType)
// under mode. override marks every job the anchor installs as
// carrying an explicit override of RequiredByOverridable restrictions;
// it does not propagate to pulled-in dependencies.
func (b *Builder) AddJob(anchor registry.UnitID, anchorType unitapi.JobType, mode unitapi.Mode, override bool) (*Transaction, error) {
	if mode == unitapi.ModeIsolate {
		au, ok := b.reg.Lookup(anchor)
		if !ok || !au.Flags.AllowIsolate {
			return nil, fmt.Errorf("%w: %s", ErrIsolateNotAllowed, anchor)
		}
	}

	t := &Transaction{Mode: mode, Anchor: anchor, Jobs: make(map[registry.UnitID]*pendingJob)}
	visited := make(map[registry.UnitID]bool)
	b.expand(t, anchor, anchorType, mode, visited)
	if aj, ok := t.Jobs[anchor]; ok {
		aj.override = override
	}

	if mode == unitapi.ModeIsolate {
		b.addIsolateStops(t, anchor)
	}

	if err := b.resolve(t); err != nil {
		return nil, err
	}
	return t, nil
}

func (b *Builder) expand(t *Transaction, unit registry.UnitID, jt unitapi.JobType, mode unitapi.Mode, visited map[registry.UnitID]bool) {
	if visited[unit] {
		b.mergeType(t, unit, jt)
		return
	}
	visited[unit] = true
	t.Jobs[unit] = &pendingJob{unit: unit, jobType: jt}

	if mode == unitapi.ModeIgnoreDependencies {
		return
	}
	u, ok := b.reg.Lookup(unit)
	if !ok {
		return
	}

	// Stopping a unit does not, by itself, pull its dependencies into the
	// transaction (only BoundBy-style coupling does, and that propagates
	// through job.Finish's Dependency-failure path, not through
	// expansion) — so the Requires/Wants walk only fires for the positive
	// job types.
	if mode != unitapi.ModeIgnoreRequirements && jt != unitapi.JobStop {
		for _, rel := range requirementRelations {
			for peer := range u.Deps[rel] {
				t.Edges = append(t.Edges, JobDependency{Subject: unit, Object: peer, Matters: rel.RequirementFamily()})
				b.expand(t, peer, unitapi.JobStart, mode, visited)
			}
		}
	}

	for _, rel := range conflictRelations {
		for peer := range u.Deps[rel] {
			t.Edges = append(t.Edges, JobDependency{Subject: unit, Object: peer, Conflicts: true})
			b.expand(t, peer, unitapi.JobStop, mode, visited)
		}
	}
}

func (b *Builder) mergeType(t *Transaction, unit registry.UnitID, jt unitapi.JobType) {
	pj, ok := t.Jobs[unit]
	if !ok {
		t.Jobs[unit] = &pendingJob{unit: unit, jobType: jt}
		return
	}
	merged, ok := job.TypeMerge(pj.jobType, jt)
	if !ok {
		// Two expansion paths want conflicting types on the same unit
		// within one transaction build; the later requirement wins, the
		// same "later install cancels the earlier" rule job.Install
		// applies across transactions, applied here across branches of
		// one walk.
		pj.jobType = jt
		return
	}
	active := unitapi.Inactive
	if u, ok := b.reg.Lookup(unit); ok {
		active = u.Active
	}
	pj.jobType = job.Collapse(merged, active)
}

// addIsolateStops implements isolate mode's extra clause: queue
// Stop jobs for every currently active unit except those with
// IgnoreOnIsolate or already pulled into the anchor's closure.
func (b *Builder) addIsolateStops(t *Transaction, anchor registry.UnitID) {
	for _, u := range b.reg.All() {
		if u.Active == unitapi.Inactive || u.Active == unitapi.Failed {
			continue
		}
		if u.Flags.IgnoreOnIsolate {
			continue
		}
		if _, inClosure := t.Jobs[u.ID]; inClosure {
			continue
		}
		t.Jobs[u.ID] = &pendingJob{unit: u.ID, jobType: unitapi.JobStop}
	}
}

// resolve runs the two post-expansion steps: cycle
// detection/breaking over Before/After restricted to the transaction's
// job set, then redundancy pruning of jobs no matters-edge requires.
// Step (a), same-unit merging, already happened during expand/mergeType.
func (b *Builder) resolve(t *Transaction) error {
	for attempts := 0; ; attempts++ {
		cycle := b.detectCycle(t)
		if cycle == nil {
			break
		}
		if attempts > len(t.Jobs)+1 || !b.breakCycle(t, cycle) {
			return fmt.Errorf("%w: %v", ErrCycle, cycle)
		}
	}

	matters := make(map[registry.UnitID]bool)
	for _, e := range t.Edges {
		if e.Matters {
			matters[e.Object] = true
		}
	}
	for id, pj := range t.Jobs {
		if id == t.Anchor || matters[id] {
			continue
		}
		u, ok := b.reg.Lookup(id)
		if !ok {
			continue
		}
		if job.IsRedundant(pj.jobType, u.Active) {
			delete(t.Jobs, id)
		}
	}
	return nil
}

// detectCycle runs a DFS over Before edges restricted to t.Jobs' nodes; it
// returns the cycle's unit list, or nil if the job graph is acyclic.
func (b *Builder) detectCycle(t *Transaction) []registry.UnitID {
	const (
		white = iota
		gray
		black
	)
	color := make(map[registry.UnitID]int, len(t.Jobs))
	var path []registry.UnitID
	var cycle []registry.UnitID

	var visit func(id registry.UnitID) bool
	visit = func(id registry.UnitID) bool {
		color[id] = gray
		path = append(path, id)
		if u, ok := b.reg.Lookup(id); ok {
			for peer := range u.Deps[unitapi.Before] {
				if _, in := t.Jobs[peer]; !in {
					continue
				}
				switch color[peer] {
				case white:
					if visit(peer) {
						return true
					}
				case gray:
					start := 0
					for i, p := range path {
						if p == peer {
							start = i
							break
						}
					}
					cycle = append([]registry.UnitID(nil), path[start:]...)
					return true
				}
			}
		}
		color[id] = black
		path = path[:len(path)-1]
		return false
	}

	for id := range t.Jobs {
		if color[id] == white {
			if visit(id) {
				return cycle
			}
		}
	}
	return nil
}

// breakCycle drops the first node in cycle that was pulled in by a
// non-matters edge (never the anchor), along with every edge touching it.
// Reports whether a node could be dropped.
func (b *Builder) breakCycle(t *Transaction, cycle []registry.UnitID) bool {
	for _, id := range cycle {
		if id == t.Anchor {
			continue
		}
		removable := false
		for _, e := range t.Edges {
			if e.Object == id && !e.Matters {
				removable = true
				break
			}
		}
		if !removable {
			continue
		}
		delete(t.Jobs, id)
		filtered := t.Edges[:0]
		for _, e := range t.Edges {
			if e.Object == id || e.Subject == id {
				continue
			}
			filtered = append(filtered, e)
		}
		t.Edges = filtered
		return true
	}
	return false
}

// Commit installs every surviving job atomically: on any
// install failure, every job this call already installed is uninstalled
// and the error is returned.
func (b *Builder) Commit(t *Transaction) error {
	if t.Mode == unitapi.ModeFlush {
		for _, u := range b.reg.All() {
			if u.JobID == 0 {
				continue
			}
			if j, ok := b.jobs.Lookup(u.JobID); ok {
				b.jobs.Cancel(u, j.ID)
			}
		}
	}

	var installed []*job.Job
	rollback := func() {
		for _, j := range installed {
			if u, ok := b.reg.Lookup(j.Unit); ok {
				b.jobs.Cancel(u, j.ID)
			}
		}
	}

	for id, pj := range t.Jobs {
		u := b.reg.Resolve(id)

		if u.JobID != 0 {
			existing, ok := b.jobs.Lookup(u.JobID)
			if ok && job.Conflicts(existing.Type, pj.jobType) {
				switch t.Mode {
				case unitapi.ModeFail:
					rollback()
					return fmt.Errorf("%w: %s", ErrWouldCancel, id)
				default:
					if existing.Irreversible && t.Mode != unitapi.ModeReplaceIrreversible {
						rollback()
						return fmt.Errorf("%w: %s", ErrIrreversible, id)
					}
					b.jobs.Cancel(u, existing.ID)
				}
			}
		}

		nj := b.jobs.New(id, pj.jobType)
		nj.Override = pj.override
		nj.Irreversible = t.Mode == unitapi.ModeReplaceIrreversible
		inst, err := b.jobs.Install(u, nj, false)
		if err != nil {
			rollback()
			return fmt.Errorf("transaction: install %s: %w", id, err)
		}
		installed = append(installed, inst)
	}
	return nil
}
