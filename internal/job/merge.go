package job

import "github.com/ChuLiYu/unitman/pkg/unitapi"

// pair is a canonicalized (low-ordinal-first) key into the merge and
// conflict tables, which makes commutativity structural: a lookup
// of (a,b) and (b,a) always hits the same entry.
type pair struct{ a, b unitapi.JobType }

func canon(a, b unitapi.JobType) pair {
	if a > b {
		a, b = b, a
	}
	return pair{a, b}
}

// mergeTable is job.c's job_merging_table, transcribed directly from the
// job_merging_table's lower-triangular layout: rows VerifyActive/Stop/Reload/Restart
// against columns Start/VerifyActive/Stop/Reload, plus the trivial
// identity merges. Only the five mergeable base types ever appear here.
var mergeTable = map[pair]unitapi.JobType{
	canon(unitapi.JobStart, unitapi.JobStart):               unitapi.JobStart,
	canon(unitapi.JobVerifyActive, unitapi.JobVerifyActive): unitapi.JobVerifyActive,
	canon(unitapi.JobStop, unitapi.JobStop):                 unitapi.JobStop,
	canon(unitapi.JobReload, unitapi.JobReload):             unitapi.JobReload,
	canon(unitapi.JobRestart, unitapi.JobRestart):           unitapi.JobRestart,

	canon(unitapi.JobVerifyActive, unitapi.JobStart):   unitapi.JobStart,
	canon(unitapi.JobReload, unitapi.JobStart):         unitapi.JobReloadOrStart,
	canon(unitapi.JobReload, unitapi.JobVerifyActive):  unitapi.JobReload,
	canon(unitapi.JobRestart, unitapi.JobStart):        unitapi.JobRestart,
	canon(unitapi.JobRestart, unitapi.JobVerifyActive): unitapi.JobRestart,
	canon(unitapi.JobRestart, unitapi.JobReload):       unitapi.JobRestart,
}

// conflictTable is the ✗ cells: Stop against any of the other four base
// types can never merge, only cancel.
var conflictTable = map[pair]bool{
	canon(unitapi.JobStop, unitapi.JobStart):        true,
	canon(unitapi.JobStop, unitapi.JobVerifyActive): true,
	canon(unitapi.JobStop, unitapi.JobReload):       true,
	canon(unitapi.JobStop, unitapi.JobRestart):      true,
}

// TypeMerge merges two base job types, commutative by construction
// by construction: merge(a,b) and merge(b,a) look up the same canonicalized entry.
// Nop merges as the identity of whichever other type it meets, matching
// its role as the always-redundant no-op.
func TypeMerge(a, b unitapi.JobType) (unitapi.JobType, bool) {
	if a == unitapi.JobNop {
		return b, true
	}
	if b == unitapi.JobNop {
		return a, true
	}
	t, ok := mergeTable[canon(a, b)]
	return t, ok
}

// Conflicts reports whether a and b are the merge table's ✗ cells: the
// older installed job must be canceled, not merged, for the new one to
// install.
func Conflicts(a, b unitapi.JobType) bool {
	return conflictTable[canon(a, b)]
}

// Collapse resolves a transient type to a concrete installable one using
// the unit's live active state (Glossary "Collapse"). Applied after every
// merge, not only to a fresh anchor job: Reload∘Start yields
// ReloadOrStart, which must still collapse before Install ever lets it
// reach a unit's job slot.
func Collapse(t unitapi.JobType, active unitapi.ActiveState) unitapi.JobType {
	switch t {
	case unitapi.JobReloadOrStart:
		if active.InactiveOrDeactivating() {
			return unitapi.JobStart
		}
		return unitapi.JobReload
	case unitapi.JobTryRestart:
		if active.InactiveOrDeactivating() {
			return unitapi.JobNop
		}
		return unitapi.JobRestart
	default:
		return t
	}
}

// lateMergeSafe reports whether a Running job of this type may be left
// running unchanged when a new, already-subsumed job merges into it.
// Every mergeable base type is late-merge safe except Reload: merging a
// fresh Reload into an already-running one would let the unit finish with
// its stale pre-edit configuration.
func lateMergeSafe(t unitapi.JobType) bool {
	return t != unitapi.JobReload
}

// IsRedundant reports whether jt's transition is already achieved by the
// unit's live active state. The scheduler uses this to
// short-circuit execution: Finish(Done) without ever calling the unit's
// vtable.
func IsRedundant(jt unitapi.JobType, active unitapi.ActiveState) bool {
	switch jt {
	case unitapi.JobStart, unitapi.JobVerifyActive:
		return active.ActiveOrReloading()
	case unitapi.JobStop:
		return active == unitapi.Inactive || active == unitapi.Failed
	case unitapi.JobReload:
		return active == unitapi.Reloading
	case unitapi.JobRestart:
		return active == unitapi.Activating
	case unitapi.JobNop:
		return true
	default:
		return false
	}
}
