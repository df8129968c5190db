package job

import (
	"time"

	"github.com/ChuLiYu/unitman/internal/registry"
	"github.com/ChuLiYu/unitman/pkg/unitapi"
)

// Run executes the job installed on u's normal slot: moves it to Running,
// removes it from the run queue, and dispatches to the unit's vtable
// Start/Stop/Reload. The job's id is captured before
// dispatch because a synchronous transition result may indirectly finish
// (and free) the job before this call returns.
func (m *Manager) Run(u *registry.Unit) {
	if u.JobID == 0 {
		return
	}
	j, ok := m.jobs[u.JobID]
	if !ok || j.State != unitapi.JobWaiting {
		return
	}
	if !m.Runnable(u, j) {
		return
	}
	if IsRedundant(j.Type, u.Active) {
		m.Finish(u, j.ID, unitapi.ResultDone, true)
		return
	}

	id := j.ID
	j.State = unitapi.JobRunning
	j.BeginUsec = time.Now()
	m.running++
	m.queue.Remove(id)
	m.armTimer(u, j)

	var (
		tr  unitapi.TransitionResult
		err error
	)
	switch j.Type {
	case unitapi.JobStart, unitapi.JobVerifyActive:
		tr, err = u.Type.Start(u)
	case unitapi.JobStop:
		tr, err = u.Type.Stop(u)
	case unitapi.JobReload:
		tr, err = u.Type.Reload(u)
	case unitapi.JobRestart:
		// A Restart first drives the unit down; Finish rewrites it to
		// Start in place once the Stop reports Done.
		tr, err = u.Type.Stop(u)
	default:
		tr, err = unitapi.TransOKQueued, nil
	}

	cur, stillThere := m.jobs[id]
	if !stillThere || cur != j {
		// The vtable call finished (and freed) the job synchronously.
		return
	}

	switch tr {
	case unitapi.TransOKQueued:
		// Completion arrives later via Registry.Notify → manager →
		// Finish.
	case unitapi.TransAlready:
		m.Finish(u, id, unitapi.ResultDone, true)
	case unitapi.TransRefused:
		m.Finish(u, id, unitapi.ResultSkipped, false)
	case unitapi.TransInvalid:
		m.Finish(u, id, unitapi.ResultInvalid, false)
	case unitapi.TransAssertFailed:
		m.Finish(u, id, unitapi.ResultAssert, false)
	case unitapi.TransUnsupported:
		m.Finish(u, id, unitapi.ResultUnsupported, false)
	case unitapi.TransRetryLater:
		j.State = unitapi.JobWaiting
		m.running--
		m.stopTimer(j)
		m.queue.Enqueue(id)
	case unitapi.TransFailure:
		m.log.Error("unit transition failed", "unit", string(u.ID), "job", id, "err", err)
		m.Finish(u, id, unitapi.ResultFailed, false)
	default:
		m.log.Error("unit type returned an unknown transition result", "unit", string(u.ID), "result", int(tr))
		m.Finish(u, id, unitapi.ResultFailed, false)
	}
}

func (m *Manager) armTimer(u *registry.Unit, j *Job) {
	if u.JobTimeout <= 0 {
		return
	}
	id := j.ID
	j.timer = time.AfterFunc(u.JobTimeout, func() {
		fire := func() { m.handleTimeout(u, id) }
		if m.Post != nil {
			m.Post(fire)
			return
		}
		fire()
	})
}

// handleTimeout finishes a job whose timer expired. armTimer's callback
// runs on the timer's own goroutine and crosses back into the single
// event-loop goroutine via Post (supplied by internal/manager) before
// calling it; with no Post set it runs on the timer goroutine itself.
// EmergencyAction is invoked only after Finish has already run.
func (m *Manager) handleTimeout(u *registry.Unit, id uint32) {
	j, ok := m.jobs[id]
	if !ok || j.State != unitapi.JobRunning {
		return
	}
	m.Finish(u, id, unitapi.ResultTimeout, false)
	if m.hooks != nil {
		m.hooks.EmergencyAction(u, j)
	}
}
