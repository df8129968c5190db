// Package unitapi holds the value types shared across every layer of the
// job-execution core: unit states, job types and results, dependency
// relations, transaction modes, and the typed errors the control plane
// reports to callers.
//
// Nothing in this package owns behavior. It exists so that
// internal/registry, internal/job, internal/transaction, internal/automount
// and internal/control can all agree on the same vocabulary without
// importing each other.
package unitapi

import "fmt"

// LoadState is the lifecycle stage of a unit's definition, independent of
// whether the unit is currently running.
type LoadState int

const (
	LoadStub LoadState = iota
	LoadLoaded
	LoadNotFound
	LoadError
	LoadMasked
)

func (s LoadState) String() string {
	switch s {
	case LoadStub:
		return "stub"
	case LoadLoaded:
		return "loaded"
	case LoadNotFound:
		return "not-found"
	case LoadError:
		return "error"
	case LoadMasked:
		return "masked"
	default:
		return "unknown"
	}
}

// ParseLoadState inverts LoadState.String() for the snapshot wire format;
// an unrecognized value parses as LoadStub rather than erroring, matching
// the loader's own "a stub is always a legal starting point" stance.
func ParseLoadState(s string) LoadState {
	switch s {
	case "loaded":
		return LoadLoaded
	case "not-found":
		return LoadNotFound
	case "error":
		return LoadError
	case "masked":
		return LoadMasked
	default:
		return LoadStub
	}
}

// ActiveState is the coarse-grained runtime state of a unit, as reported by
// its type's ActiveState() query.
type ActiveState int

const (
	Inactive ActiveState = iota
	Activating
	Active
	Reloading
	Deactivating
	Failed
)

func (s ActiveState) String() string {
	switch s {
	case Inactive:
		return "inactive"
	case Activating:
		return "activating"
	case Active:
		return "active"
	case Reloading:
		return "reloading"
	case Deactivating:
		return "deactivating"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// InactiveOrDeactivating reports whether the state counts as "gone" for coupling and
// redundancy checks (job.c's UNIT_IS_INACTIVE_OR_DEACTIVATING).
func (s ActiveState) InactiveOrDeactivating() bool {
	return s == Inactive || s == Deactivating
}

func (s ActiveState) ActiveOrReloading() bool {
	return s == Active || s == Reloading
}

// ParseActiveState inverts ActiveState.String() for the snapshot wire
// format; an unrecognized value parses as Inactive.
func ParseActiveState(s string) ActiveState {
	switch s {
	case "activating":
		return Activating
	case "active":
		return Active
	case "reloading":
		return Reloading
	case "deactivating":
		return Deactivating
	case "failed":
		return Failed
	default:
		return Inactive
	}
}

// JobType is a requested or installed transition on a unit.
//
// Start, VerifyActive, Stop, Reload and Restart are the five mergeable base
// types (see the merge table in internal/job). ReloadOrStart and TryRestart
// are transient transaction-time types: they never remain installed past
// Install — collapse resolves them to a base type using the unit's live
// active state. RestartDependencies and TryReload appear only during
// transaction expansion and are never installed.
type JobType int

const (
	JobStart JobType = iota
	JobVerifyActive
	JobStop
	JobReload
	JobRestart
	JobReloadOrStart
	JobTryRestart
	JobRestartDependencies
	JobTryReload
	JobNop
)

func (t JobType) String() string {
	switch t {
	case JobStart:
		return "start"
	case JobVerifyActive:
		return "verify-active"
	case JobStop:
		return "stop"
	case JobReload:
		return "reload"
	case JobRestart:
		return "restart"
	case JobReloadOrStart:
		return "reload-or-start"
	case JobTryRestart:
		return "try-restart"
	case JobRestartDependencies:
		return "restart-dependencies"
	case JobTryReload:
		return "try-reload"
	case JobNop:
		return "nop"
	default:
		return "unknown"
	}
}

// ParseJobType inverts JobType.String() for the snapshot wire format. ok is
// false for an unknown token: per the REDESIGN FLAGS note on string↔enum
// bijections, a deserializer must refuse an unknown token rather than map it
// to a default.
func ParseJobType(s string) (JobType, bool) {
	switch s {
	case "start":
		return JobStart, true
	case "verify-active":
		return JobVerifyActive, true
	case "stop":
		return JobStop, true
	case "reload":
		return JobReload, true
	case "restart":
		return JobRestart, true
	case "reload-or-start":
		return JobReloadOrStart, true
	case "try-restart":
		return JobTryRestart, true
	case "restart-dependencies":
		return JobRestartDependencies, true
	case "try-reload":
		return JobTryReload, true
	case "nop":
		return JobNop, true
	default:
		return JobNop, false
	}
}

// Positive reports whether the type pulls its unit towards an active state
// (used by the runnability predicate and by Dependency-failure propagation).
func (t JobType) Positive() bool {
	switch t {
	case JobStart, JobVerifyActive, JobReload:
		return true
	default:
		return false
	}
}

// JobState is the scheduling state of an installed job.
type JobState int

const (
	JobWaiting JobState = iota
	JobRunning
)

func (s JobState) String() string {
	if s == JobRunning {
		return "running"
	}
	return "waiting"
}

// JobResult is the terminal outcome stamped onto a job by Finish.
type JobResult int

const (
	ResultDone JobResult = iota
	ResultCanceled
	ResultTimeout
	ResultFailed
	ResultDependency
	ResultSkipped
	ResultInvalid
	ResultAssert
	ResultUnsupported
	ResultNone // not yet finished
)

func (r JobResult) String() string {
	switch r {
	case ResultDone:
		return "done"
	case ResultCanceled:
		return "canceled"
	case ResultTimeout:
		return "timeout"
	case ResultFailed:
		return "failed"
	case ResultDependency:
		return "dependency"
	case ResultSkipped:
		return "skipped"
	case ResultInvalid:
		return "invalid"
	case ResultAssert:
		return "assert"
	case ResultUnsupported:
		return "unsupported"
	default:
		return "none"
	}
}

// TransitionResult is the synchronous return of a unit type's Start/Stop/
// Reload method — the only synchronous signal the job core accepts;
// everything else arrives later through Registry.Notify.
type TransitionResult int

const (
	TransOKQueued TransitionResult = iota
	TransAlready
	TransRefused
	TransInvalid
	TransAssertFailed
	TransUnsupported
	TransRetryLater
	TransFailure
)

// Mode is a transaction installation mode, selected by the caller of AddJob.
type Mode int

const (
	ModeFail Mode = iota
	ModeReplace
	ModeReplaceIrreversible
	ModeIsolate
	ModeFlush
	ModeIgnoreDependencies
	ModeIgnoreRequirements
)

func (m Mode) String() string {
	switch m {
	case ModeFail:
		return "fail"
	case ModeReplace:
		return "replace"
	case ModeReplaceIrreversible:
		return "replace-irreversibly"
	case ModeIsolate:
		return "isolate"
	case ModeFlush:
		return "flush"
	case ModeIgnoreDependencies:
		return "ignore-dependencies"
	case ModeIgnoreRequirements:
		return "ignore-requirements"
	default:
		return "unknown"
	}
}

// ParseMode inverts Mode.String() for control-plane requests. ok is false
// for an unknown token — the caller gets a typed error, not a default mode.
func ParseMode(s string) (Mode, bool) {
	switch s {
	case "fail":
		return ModeFail, true
	case "replace":
		return ModeReplace, true
	case "replace-irreversibly":
		return ModeReplaceIrreversible, true
	case "isolate":
		return ModeIsolate, true
	case "flush":
		return ModeFlush, true
	case "ignore-dependencies":
		return ModeIgnoreDependencies, true
	case "ignore-requirements":
		return ModeIgnoreRequirements, true
	default:
		return ModeFail, false
	}
}

// KillWho selects which processes of a unit a Kill control-plane call
// targets.
type KillWho int

const (
	KillMain KillWho = iota
	KillControl
	KillAll
)

func (w KillWho) String() string {
	switch w {
	case KillMain:
		return "main"
	case KillControl:
		return "control"
	default:
		return "all"
	}
}

// Tri is a tri-state result, used for ConditionResult/AssertResult per
// dbus-unit.c (neither of these is a plain bool: a condition that was never
// evaluated is distinct from one that evaluated false).
type Tri int

const (
	TriUnset Tri = iota
	TriYes
	TriNo
	TriError
)

func (t Tri) String() string {
	switch t {
	case TriYes:
		return "yes"
	case TriNo:
		return "no"
	case TriError:
		return "error"
	default:
		return "unset"
	}
}

// ControlError is a typed error the control plane surfaces to a caller
// verbatim, with no state change — a policy error, not a failure.
type ControlError struct {
	Code    string // e.g. "org.freedesktop.systemd1.NoSuchUnit"
	Message string
}

func (e *ControlError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func NewControlError(code, message string) *ControlError {
	return &ControlError{Code: code, Message: message}
}

var (
	ErrNoSuchUnit       = NewControlError("org.freedesktop.systemd1.NoSuchUnit", "unit does not exist")
	ErrUnitMasked       = NewControlError("org.freedesktop.systemd1.UnitMasked", "unit is masked")
	ErrOnlyByDependency = NewControlError("org.freedesktop.systemd1.OnlyByDependency", "unit may only be activated as a dependency")
)
