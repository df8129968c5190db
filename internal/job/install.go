package job

import (
	"fmt"

	"github.com/ChuLiYu/unitman/internal/registry"
	"github.com/ChuLiYu/unitman/pkg/unitapi"
)

// Install attaches newJob to u's job slot (the normal slot, or the
// nop-job slot when nop is true), merging with whatever is already
// installed there. At most one job is installed per slot, and a job is
// installed iff it is reachable from its unit's slot.
func (m *Manager) Install(u *registry.Unit, newJob *Job, nop bool) (*Job, error) {
	// Invariant: an installed job's type is never transient. Collapsing at
	// the door covers the fresh-install path too, not only merge results.
	newJob.Type = Collapse(newJob.Type, u.Active)

	slot := &u.JobID
	if nop {
		slot = &u.NopJobID
	}

	if *slot == 0 {
		return m.installFresh(u, newJob, slot)
	}

	existing, ok := m.jobs[*slot]
	if !ok {
		return nil, fmt.Errorf("job: unit %s has a dangling job slot: %w", u.ID, ErrNoSuchJob)
	}

	if Conflicts(existing.Type, newJob.Type) {
		m.cancelForReplace(u, existing)
		return m.installFresh(u, newJob, slot)
	}

	merged, ok := TypeMerge(existing.Type, newJob.Type)
	if !ok {
		return nil, fmt.Errorf("%w: %s vs %s", ErrConflict, existing.Type, newJob.Type)
	}
	merged = Collapse(merged, u.Active)

	existing.Override = existing.Override || newJob.Override
	existing.Irreversible = existing.Irreversible || newJob.Irreversible
	existing.IgnoreOrder = existing.IgnoreOrder || newJob.IgnoreOrder

	if existing.State == unitapi.JobWaiting {
		existing.Type = merged
		m.log.Debug("job merged into waiting job", "unit", string(u.ID), "job", existing.ID, "type", merged.String())
		if m.OnMerged != nil {
			m.OnMerged(existing)
		}
		return existing, nil
	}

	// existing.State == Running: late-merge safety decides whether the
	// in-flight transition can be left alone.
	if lateMergeSafe(existing.Type) && merged == existing.Type {
		m.log.Debug("late-merge safe, keeping running job as-is", "unit", string(u.ID), "job", existing.ID)
		if m.OnMerged != nil {
			m.OnMerged(existing)
		}
		return existing, nil
	}

	existing.Type = merged
	existing.State = unitapi.JobWaiting
	m.running--
	m.stopTimer(existing)
	m.queue.Enqueue(existing.ID)
	m.log.Info("job patched mid-run and re-queued", "unit", string(u.ID), "job", existing.ID, "type", merged.String())
	if m.OnMerged != nil {
		m.OnMerged(existing)
	}
	return existing, nil
}

func (m *Manager) installFresh(u *registry.Unit, j *Job, slot *uint32) (*Job, error) {
	j.Installed = true
	m.jobs[j.ID] = j
	*slot = j.ID
	m.queue.Enqueue(j.ID)
	m.log.Info("job installed", "unit", string(u.ID), "job", j.ID, "type", j.Type.String())
	return j, nil
}

// cancelForReplace cancels an installed job that a conflicting merge (or a
// transaction mode) is discarding outright.
func (m *Manager) cancelForReplace(u *registry.Unit, j *Job) {
	j.Result = unitapi.ResultCanceled
	if j.State == unitapi.JobRunning {
		m.running--
	}
	m.stopTimer(j)
	m.uninstall(u, j)
	m.log.Info("job canceled by conflicting install", "unit", string(u.ID), "job", j.ID, "type", j.Type.String())
}
