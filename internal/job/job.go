// Package job implements the per-unit job object and its merging algebra:
// a Job is a pending or in-flight transition on one unit.
// Manager owns the id→job map and is the only thing allowed to install,
// merge, run, or finish one — Registry and unittype.VTable know nothing
// about jobs, only about units and transitions.
package job

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ChuLiYu/unitman/internal/registry"
	"github.com/ChuLiYu/unitman/pkg/unitapi"
)

var (
	// ErrConflict is returned by Install when the proposed job's type
	// has no merge-table entry with the job already installed on the unit
	// and the pair is not a ✗ cell either. A ✗ cell never produces it:
	// Install cancels the installed job and installs the new one itself.
	ErrConflict = errors.New("job: conflicting job types cannot merge")
	// ErrNoSuchJob marks a dangling job-slot reference: a unit's JobID
	// pointing at an id the Manager no longer has installed. Always a
	// programmer error, never a normal runtime outcome.
	ErrNoSuchJob = errors.New("job: no such job id")
)

// Job is one pending or in-flight operation on one unit.
type Job struct {
	ID     uint32
	Unit   registry.UnitID
	Type   unitapi.JobType
	State  unitapi.JobState
	Result unitapi.JobResult

	Override     bool
	Irreversible bool
	IgnoreOrder  bool
	Reloaded     bool
	Installed    bool
	SentDBusNew  bool

	BeginUsec time.Time
	timer     *time.Timer
}

func (j *Job) String() string {
	return fmt.Sprintf("job(%d %s %s %s)", j.ID, j.Unit, j.Type, j.State)
}

// RunQueue is the scheduler's run queue, implemented by
// internal/transaction. Manager never schedules directly; it only tells
// the queue that a job became (or stopped being) eligible for Run.
type RunQueue interface {
	Enqueue(id uint32)
	Remove(id uint32)
}

// Hooks lets the job layer trigger cross-cutting effects it does not own:
// OnFailure triggers, a job timer's emergency action, and a finished-job
// notification used for metrics/journal/control-plane signals. All three
// are implemented by internal/manager, the only component that knows how
// to start a fresh transaction or run an emergency action.
type Hooks interface {
	OnFailure(u *registry.Unit)
	EmergencyAction(u *registry.Unit, j *Job)
	Finished(j *Job)
}

// Manager is the id→job map plus the merge/run/finish operations.
// Like Registry, it is owned exclusively by the manager's single
// event-loop goroutine; a job timer's expiry callback (the one
// place a second goroutine touches this state) must be posted back onto
// that loop by the caller before Finish is invoked — see
// internal/manager's use of Post.
type Manager struct {
	reg   *registry.Registry
	queue RunQueue
	hooks Hooks
	log   *slog.Logger

	jobs    map[uint32]*Job
	nextID  uint32
	running int

	reloading       bool
	pendingFinished map[uint32]*Job
	finishing       map[uint32]bool

	// Post, when set, is used to cross a job timer's expiry callback
	// (which fires on its own goroutine) back onto the single event-loop
	// goroutine before Finish touches any shared state. Left nil in
	// unit tests that call Manager methods directly from one goroutine.
	Post func(func())

	// OnMerged, when set, is invoked after Install merged a new job into
	// an already-installed one (internal/manager uses it for the merge
	// counter and journal record). Nil in tests that don't care.
	OnMerged func(*Job)
}

func NewManager(reg *registry.Registry, queue RunQueue, hooks Hooks, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		reg:             reg,
		queue:           queue,
		hooks:           hooks,
		log:             log,
		jobs:            make(map[uint32]*Job),
		pendingFinished: make(map[uint32]*Job),
		finishing:       make(map[uint32]bool),
	}
}

// NRunning reports the manager's running-job counter.
func (m *Manager) NRunning() int { return m.running }

// Lookup returns the installed job with id, if any.
func (m *Manager) Lookup(id uint32) (*Job, bool) {
	j, ok := m.jobs[id]
	return j, ok
}

// New allocates a fresh, uninstalled job with the next monotonic id.
func (m *Manager) New(unit registry.UnitID, jt unitapi.JobType) *Job {
	m.nextID++
	return &Job{ID: m.nextID, Unit: unit, Type: jt, State: unitapi.JobWaiting, Result: unitapi.ResultNone}
}

// Restore reinstalls a job deserialized from a snapshot with its original
// id, bumping the id counter past it so post-restore allocations stay
// monotonic; a restore preserves installed job ids and types.
// The job always comes back Waiting — a transition that was
// Running at snapshot time re-dispatches on the first drain.
func (m *Manager) Restore(u *registry.Unit, id uint32, jt unitapi.JobType, override, irreversible, ignoreOrder, sentDBusNew bool) *Job {
	if id > m.nextID {
		m.nextID = id
	}
	j := &Job{
		ID: id, Unit: u.ID, Type: jt,
		State: unitapi.JobWaiting, Result: unitapi.ResultNone,
		Override: override, Irreversible: irreversible,
		IgnoreOrder: ignoreOrder, SentDBusNew: sentDBusNew,
		Installed: true,
	}
	m.jobs[id] = j
	u.JobID = id
	m.queue.Enqueue(id)
	return j
}

// BeginReload marks the manager as mid-reload: jobs that finish from now
// on are parked rather than freed if they were Reloaded.
func (m *Manager) BeginReload() { m.reloading = true }

// EndReload clears the reloading flag and drops the parked finished-job
// history; parked jobs live until the next successful reload or
// snapshot commits, never longer.
func (m *Manager) EndReload() {
	m.reloading = false
	m.pendingFinished = make(map[uint32]*Job)
}

// PendingFinished returns jobs parked during a reload so re-issued
// observers can still read their final outcome.
func (m *Manager) PendingFinished() map[uint32]*Job {
	return m.pendingFinished
}

func (m *Manager) stopTimer(j *Job) {
	if j.timer != nil {
		j.timer.Stop()
		j.timer = nil
	}
}

func (m *Manager) uninstall(u *registry.Unit, j *Job) {
	if u.JobID == j.ID {
		u.JobID = 0
	}
	if u.NopJobID == j.ID {
		u.NopJobID = 0
	}
	j.Installed = false
	delete(m.jobs, j.ID)
	m.queue.Remove(j.ID)

	if m.reloading && j.Reloaded {
		m.pendingFinished[j.ID] = j
	}
}

// Forget uninstalls a job without propagation, hooks, or logging. Used by
// journal replay: the outcome's downstream effects were journaled as
// events of their own and replay applies each one individually.
func (m *Manager) Forget(u *registry.Unit, id uint32) {
	j, ok := m.jobs[id]
	if !ok {
		return
	}
	if j.State == unitapi.JobRunning {
		m.running--
	}
	m.stopTimer(j)
	m.uninstall(u, j)
}

// Cancel uninstalls j with result Canceled. Used by the transaction
// builder when a mode (replace/flush/isolate) discards an installed job
// outright, rather than the merge table finding it conflicting.
func (m *Manager) Cancel(u *registry.Unit, id uint32) {
	j, ok := m.jobs[id]
	if !ok {
		return
	}
	j.Result = unitapi.ResultCanceled
	if j.State == unitapi.JobRunning {
		m.running--
	}
	m.stopTimer(j)
	m.uninstall(u, j)
	m.log.Info("job canceled", "unit", string(u.ID), "job", j.ID, "type", j.Type.String())
}
