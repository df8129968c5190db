package manager

import (
	"fmt"
	"time"

	"github.com/ChuLiYu/unitman/internal/journal"
	"github.com/ChuLiYu/unitman/internal/snapshot"
	"github.com/ChuLiYu/unitman/pkg/unitapi"
)

const (
	journalInstalled   = journal.EventJobInstalled
	journalMerged      = journal.EventJobMerged
	journalFinished    = journal.EventJobFinished
	journalUnitChanged = journal.EventUnitChanged
)

// loadSnapshot restores the registry and installed jobs from the last
// snapshot. Runs before the loop starts, so it touches state directly.
func (m *Manager) loadSnapshot() error {
	records, err := m.snap.Load()
	if err != nil {
		return err
	}
	if records == nil {
		return nil
	}

	m.replaying = true
	defer func() { m.replaying = false }()

	for _, rec := range records {
		u := m.reg.Resolve(rec.ID)
		u.Load = rec.Load
		u.Active = rec.Active
		u.Sub = rec.Sub
		if err := m.ensureType(u); err != nil {
			m.log.Warn("snapshot restore: load failed", "unit", string(rec.ID), "err", err)
			continue
		}
		for _, kv := range rec.Items {
			if u.Type == nil {
				// A kind this process doesn't implement serialized payload
				// we cannot apply; the unit stays a stub with its edges.
				m.log.Warn("snapshot restore: dropping payload for typeless unit",
					"unit", string(rec.ID), "key", kv.Key)
				continue
			}
			if err := u.Type.DeserializeItem(u, kv.Key, kv.Value, m.fds); err != nil {
				return fmt.Errorf("restore %s: %w", rec.ID, err)
			}
		}
		if rec.Job != nil {
			j := m.jobs.Restore(u, rec.Job.ID, rec.Job.Type,
				rec.Job.Override, rec.Job.Irreversible, rec.Job.IgnoreOrder, rec.Job.SentDBusNew)
			if rec.Job.Begin != 0 {
				j.BeginUsec = time.UnixMicro(rec.Job.Begin)
			}
		}
	}
	m.log.Info("snapshot restored", "units", len(records))
	return nil
}

// replayJournal applies the events recorded since the snapshot was
// written: jobs installed after it come back, jobs finished after it go
// away. UNIT_CHANGED records are audit-only — the active state itself is
// already the snapshot's business.
func (m *Manager) replayJournal() error {
	m.replaying = true
	defer func() { m.replaying = false }()

	replayed := 0
	err := m.jrnl.Replay(func(e *journal.Event) error {
		replayed++
		switch e.Type {
		case journal.EventJobInstalled:
			u := m.reg.Resolve(e.Unit)
			if u.JobID != 0 {
				return nil
			}
			if err := m.ensureType(u); err != nil {
				return err
			}
			m.jobs.Restore(u, e.JobID, e.JobType, false, false, false, true)
		case journal.EventJobMerged:
			if u, ok := m.reg.Lookup(e.Unit); ok && u.JobID == e.JobID {
				if j, ok := m.jobs.Lookup(e.JobID); ok {
					j.Type = e.JobType
				}
			}
		case journal.EventJobFinished:
			// Forget, not Finish: the finish's propagation and triggers
			// already ran pre-crash and were journaled as their own events.
			if u, ok := m.reg.Lookup(e.Unit); ok && u.JobID == e.JobID {
				m.jobs.Forget(u, e.JobID)
			}
		case journal.EventUnitChanged, journal.EventJobRun:
			// Audit records; nothing to reapply.
		}
		return nil
	})
	if err != nil {
		return err
	}
	if replayed > 0 {
		m.log.Info("journal replayed", "events", replayed)
	}
	return nil
}

// coldplug gives every restored unit its Coldplug pass.
func (m *Manager) coldplug() error {
	for _, u := range m.reg.All() {
		if u.Type == nil {
			continue
		}
		if err := u.Type.Coldplug(u, false); err != nil {
			return fmt.Errorf("coldplug %s: %w", u.ID, err)
		}
	}
	return nil
}

// takeSnapshot writes the current state and rotates the journal; the
// journal only ever needs to cover the window since the last snapshot.
// Runs on the loop goroutine (or after the loop has exited, during Stop).
func (m *Manager) takeSnapshot() {
	fds := m.fds
	lookup := func(id uint32) (snapshot.JobRecord, bool) {
		j, ok := m.jobs.Lookup(id)
		if !ok {
			return snapshot.JobRecord{}, false
		}
		rec := snapshot.JobRecord{
			ID: j.ID, Type: j.Type, State: j.State,
			Override: j.Override, Irreversible: j.Irreversible,
			IgnoreOrder: j.IgnoreOrder, SentDBusNew: j.SentDBusNew,
		}
		if !j.BeginUsec.IsZero() {
			rec.Begin = j.BeginUsec.UnixMicro()
		}
		return rec, true
	}

	if err := m.snap.Write(m.reg, fds, lookup); err != nil {
		m.log.Error("snapshot write failed", "err", err)
		return
	}
	if err := m.jrnl.Rotate(); err != nil {
		m.log.Error("journal rotate failed", "err", err)
	}
	if !m.midReload {
		// The parked finished-job horizon is "until the next snapshot
		// commits".
		m.jobs.EndReload()
	}
	m.log.Debug("snapshot taken")
}

// Snapshot forces a snapshot from outside the loop.
func (m *Manager) Snapshot() error {
	return m.call(func() error {
		m.takeSnapshot()
		return nil
	})
}

// Reload runs the manager-reload sequence: park
// finishing jobs while observers may still be re-subscribing, commit a
// snapshot, then drop the parked history.
func (m *Manager) Reload() error {
	return m.call(func() error {
		m.midReload = true
		m.jobs.BeginReload()
		m.takeSnapshot()
		m.midReload = false
		m.jobs.EndReload()
		return nil
	})
}

// PendingFinishedJobs exposes the parked finished jobs for control-plane
// observers that re-subscribed across a reload.
func (m *Manager) PendingFinishedJobs() (map[uint32]unitapi.JobResult, error) {
	out := make(map[uint32]unitapi.JobResult)
	err := m.call(func() error {
		for id, j := range m.jobs.PendingFinished() {
			out[id] = j.Result
		}
		return nil
	})
	return out, err
}
