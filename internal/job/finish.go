package job

import (
	"github.com/ChuLiYu/unitman/internal/registry"
	"github.com/ChuLiYu/unitman/pkg/unitapi"
)

// Finish stamps j's terminal result, uninstalls it, and propagates the
// outcome to dependents. already suppresses the
// structured log line for a job finished as trivially-already-satisfied
// (the EALREADY path), matching job.c's own suppression. Re-entrancy
// through the Restart→Start rewrite or through cross-unit propagation is
// guarded so a dependency cycle can't recurse forever.
func (m *Manager) Finish(u *registry.Unit, id uint32, result unitapi.JobResult, already bool) {
	j, ok := m.jobs[id]
	if !ok {
		return
	}
	if m.finishing[id] {
		return
	}
	m.finishing[id] = true
	defer delete(m.finishing, id)

	j.Result = result
	if j.State == unitapi.JobRunning {
		m.running--
	}
	m.stopTimer(j)

	if !already {
		m.log.Info("job finished",
			"unit", string(u.ID), "job", j.ID, "type", j.Type.String(), "result", result.String())
	}

	// Restart-in-place: the Stop half of a Restart completing
	// successfully rewrites the same job to Start rather than
	// uninstalling it; one job drives both halves of the restart.
	if result == unitapi.ResultDone && j.Type == unitapi.JobRestart {
		j.Type = unitapi.JobStart
		j.State = unitapi.JobWaiting
		j.Result = unitapi.ResultNone
		m.queue.Enqueue(j.ID)
		m.wakeNeighbors(u)
		return
	}

	m.uninstall(u, j)

	if result != unitapi.ResultDone {
		m.propagateDependencyFailure(u, j)
	}
	if result == unitapi.ResultTimeout || result == unitapi.ResultDependency {
		if m.hooks != nil {
			m.hooks.OnFailure(u)
		}
	}
	if m.hooks != nil {
		m.hooks.Finished(j)
	}
	m.wakeNeighbors(u)
}

// propagateDependencyFailure fans a failure out to dependents: a failed
// Start/VerifyActive propagates Dependency to installed Start/VerifyActive
// jobs on RequiredBy/BoundBy peers (and RequiredByOverridable peers unless
// the failing job was itself an override); a failed Stop propagates to
// Start/VerifyActive jobs on ConflictedBy peers. No other type crosses a
// unit boundary — a failed Reload or Restart finishes locally.
func (m *Manager) propagateDependencyFailure(u *registry.Unit, j *Job) {
	var relations []unitapi.Relation
	switch j.Type {
	case unitapi.JobStart, unitapi.JobVerifyActive:
		relations = []unitapi.Relation{unitapi.RequiredBy, unitapi.BoundBy}
		if !j.Override {
			relations = append(relations, unitapi.RequiredByOverridable)
		}
	case unitapi.JobStop:
		relations = []unitapi.Relation{unitapi.ConflictedBy}
	default:
		return
	}

	for _, rel := range relations {
		for _, peer := range m.reg.Neighbors(u, rel) {
			if peer.JobID == 0 {
				continue
			}
			pj, ok := m.jobs[peer.JobID]
			if !ok {
				continue
			}
			if pj.Type == unitapi.JobStart || pj.Type == unitapi.JobVerifyActive {
				m.Finish(peer, pj.ID, unitapi.ResultDependency, false)
			}
		}
	}
}

func (m *Manager) wakeNeighbors(u *registry.Unit) {
	for _, peer := range m.reg.Neighbors(u, unitapi.After) {
		if peer.JobID != 0 {
			m.queue.Enqueue(peer.JobID)
		}
	}
	for _, peer := range m.reg.Neighbors(u, unitapi.Before) {
		if peer.JobID != 0 {
			m.queue.Enqueue(peer.JobID)
		}
	}
}
