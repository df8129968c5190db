package manager

import (
	"time"

	"github.com/ChuLiYu/unitman/internal/job"
	"github.com/ChuLiYu/unitman/internal/registry"
	"github.com/ChuLiYu/unitman/pkg/unitapi"
)

// mountCoupling is implemented by unit kinds that track a sibling mount's
// lifecycle (the automount's UpdateMount). Matching on the
// interface rather than the concrete type keeps the manager ignorant of
// which kinds couple.
type mountCoupling interface {
	UpdateMount(old, new unitapi.ActiveState)
}

// UnitNew implements registry.Observer.
func (m *Manager) UnitNew(u *registry.Unit) {
	m.emit(Signal{Kind: SignalUnitNew, Unit: u.ID})
	m.updateUnitGauges()
}

// UnitRemoved implements registry.Observer.
func (m *Manager) UnitRemoved(u *registry.Unit) {
	m.emit(Signal{Kind: SignalUnitRemoved, Unit: u.ID})
	m.updateUnitGauges()
}

// UnitChanged implements registry.Observer: the Notify fan-out. It
// finishes any running job the transition completed, forwards the change
// to triggering units (the automount↔mount coupling), wakes ordering
// neighbors, applies stop-when-unneeded, and emits the change signal.
func (m *Manager) UnitChanged(u *registry.Unit, old, new unitapi.ActiveState, reloadSuccess bool) {
	if !m.replaying {
		if err := m.jrnl.Append(journalUnitChanged, u.ID, 0, 0, unitapi.ResultNone); err != nil {
			m.log.Error("journal append failed", "err", err)
		}
	}

	m.finishJobForState(u, old, new, reloadSuccess)

	for _, peer := range m.reg.Neighbors(u, unitapi.TriggeredBy) {
		if c, ok := peer.Type.(mountCoupling); ok {
			c.UpdateMount(old, new)
		}
	}

	// Run-queue wakeups: ordering neighbors with installed jobs get
	// another runnability check now that this unit moved.
	for _, rel := range []unitapi.Relation{unitapi.After, unitapi.Before} {
		for _, peer := range m.reg.Neighbors(u, rel) {
			if peer.JobID != 0 {
				m.queue.Enqueue(peer.JobID)
			}
		}
	}

	m.checkStopWhenUnneeded(u, new)
	m.updateUnitGauges()
	m.emit(Signal{Kind: SignalUnitChanged, Unit: u.ID, Active: new})
}

// finishJobForState completes a Running job whose requested transition the
// unit just reached (or definitively failed to reach). This is the
// asynchronous half of job execution: TransOKQueued left the job
// Running, and the unit's Notify resolves it here.
func (m *Manager) finishJobForState(u *registry.Unit, old, new unitapi.ActiveState, reloadSuccess bool) {
	if u.JobID == 0 {
		return
	}
	j, ok := m.jobs.Lookup(u.JobID)
	if !ok || j.State != unitapi.JobRunning {
		return
	}

	switch j.Type {
	case unitapi.JobStart, unitapi.JobVerifyActive:
		switch new {
		case unitapi.Active:
			m.jobs.Finish(u, j.ID, unitapi.ResultDone, false)
		case unitapi.Failed, unitapi.Inactive:
			m.jobs.Finish(u, j.ID, unitapi.ResultFailed, false)
		}
	case unitapi.JobStop, unitapi.JobRestart:
		// Restart's Done path rewrites the job to Start in place.
		switch new {
		case unitapi.Inactive:
			m.jobs.Finish(u, j.ID, unitapi.ResultDone, false)
		case unitapi.Failed:
			m.jobs.Finish(u, j.ID, unitapi.ResultFailed, false)
		}
	case unitapi.JobReload:
		if new == unitapi.Active || (old == unitapi.Reloading && new != unitapi.Reloading) {
			if reloadSuccess {
				m.jobs.Finish(u, j.ID, unitapi.ResultDone, false)
			} else {
				m.jobs.Finish(u, j.ID, unitapi.ResultFailed, false)
			}
		}
	}
}

// checkStopWhenUnneeded queues a Stop for any StopWhenUnneeded peer this
// transition may have orphaned: when u goes down, the units u was keeping
// alive through a requirement edge re-evaluate whether anybody still needs
// them.
func (m *Manager) checkStopWhenUnneeded(u *registry.Unit, new unitapi.ActiveState) {
	if !new.InactiveOrDeactivating() {
		return
	}
	for _, rel := range []unitapi.Relation{unitapi.Requires, unitapi.RequiresOverridable, unitapi.Wants, unitapi.BindsTo} {
		for _, peer := range m.reg.Neighbors(u, rel) {
			if !peer.Flags.StopWhenUnneeded || !peer.Active.ActiveOrReloading() || peer.JobID != 0 {
				continue
			}
			if m.unitNeeded(peer) {
				continue
			}
			m.log.Info("unit no longer needed, stopping", "unit", string(peer.ID))
			if _, err := m.addJob(peer.ID, unitapi.JobStop, unitapi.ModeReplace, false); err != nil {
				m.log.Warn("stop-when-unneeded failed", "unit", string(peer.ID), "err", err)
			}
		}
	}
}

// unitNeeded reports whether any live (or starting) unit still holds a
// requirement on u.
func (m *Manager) unitNeeded(u *registry.Unit) bool {
	for _, rel := range []unitapi.Relation{unitapi.RequiredBy, unitapi.RequiredByOverridable, unitapi.WantedBy, unitapi.BoundBy} {
		for _, peer := range m.reg.Neighbors(u, rel) {
			if peer.Active.ActiveOrReloading() || peer.Active == unitapi.Activating {
				return true
			}
			if peer.JobID != 0 {
				if pj, ok := m.jobs.Lookup(peer.JobID); ok && pj.Type.Positive() {
					return true
				}
			}
		}
	}
	return false
}

func (m *Manager) updateUnitGauges() {
	if m.met == nil {
		return
	}
	counts := make(map[unitapi.ActiveState]int)
	for _, u := range m.reg.All() {
		counts[u.Active]++
	}
	for _, s := range []unitapi.ActiveState{
		unitapi.Inactive, unitapi.Activating, unitapi.Active,
		unitapi.Reloading, unitapi.Deactivating, unitapi.Failed,
	} {
		m.met.SetUnitCount(s.String(), counts[s])
	}
}

// --- job.Hooks ---

// OnFailure starts every OnFailure trigger of u.
func (m *Manager) OnFailure(u *registry.Unit) {
	for _, peer := range m.reg.Neighbors(u, unitapi.OnFailure) {
		m.log.Info("activating on-failure unit", "unit", string(u.ID), "trigger", string(peer.ID))
		if _, err := m.addJob(peer.ID, unitapi.JobStart, unitapi.ModeReplace, false); err != nil {
			m.log.Warn("on-failure activation failed", "unit", string(peer.ID), "err", err)
		}
	}
}

// EmergencyAction handles a job-timeout action. Actions beyond logging
// (reboot, poweroff) belong to the host integration, not the core.
func (m *Manager) EmergencyAction(u *registry.Unit, j *job.Job) {
	if u.JobTimeoutAction == "" || u.JobTimeoutAction == "none" {
		return
	}
	m.log.Error("job timeout action triggered",
		"unit", string(u.ID), "job", j.ID, "action", u.JobTimeoutAction)
}

// Finished records every finished job in the journal and metrics and
// mirrors it as a JobRemoved signal.
func (m *Manager) Finished(j *job.Job) {
	if !m.replaying {
		if err := m.jrnl.Append(journalFinished, j.Unit, j.ID, j.Type, j.Result); err != nil {
			m.log.Error("journal append failed", "err", err)
		}
	}
	if m.met != nil {
		var dur time.Duration
		if !j.BeginUsec.IsZero() {
			dur = time.Since(j.BeginUsec)
		}
		m.met.RecordFinished(j.Result.String(), dur.Seconds())
	}
	m.emit(Signal{Kind: SignalJobRemoved, Unit: j.Unit, JobID: j.ID, JobType: j.Type, Result: j.Result})
}

// jobMerged is wired as job.Manager.OnMerged.
func (m *Manager) jobMerged(j *job.Job) {
	if m.met != nil {
		m.met.RecordMerged()
	}
	if !m.replaying {
		if err := m.jrnl.Append(journalMerged, j.Unit, j.ID, j.Type, unitapi.ResultNone); err != nil {
			m.log.Error("journal append failed", "err", err)
		}
	}
}
