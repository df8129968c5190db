package job

import "github.com/ChuLiYu/unitman/pkg/unitapi"
import "github.com/ChuLiYu/unitman/internal/registry"

// Runnable is the scheduler's runnability predicate: a Waiting job is
// runnable iff it ignores ordering, is a Nop, or its ordering edges don't
// forbid it yet — "stops run before starts on the same ordering edge."
func (m *Manager) Runnable(u *registry.Unit, j *Job) bool {
	if j.IgnoreOrder || j.Type == unitapi.JobNop {
		return true
	}

	if j.Type.Positive() {
		for _, peer := range m.reg.Neighbors(u, unitapi.After) {
			if peer.JobID != 0 {
				return false
			}
		}
	}

	for _, peer := range m.reg.Neighbors(u, unitapi.Before) {
		if peer.JobID == 0 {
			continue
		}
		pj, ok := m.jobs[peer.JobID]
		if ok && (pj.Type == unitapi.JobStop || pj.Type == unitapi.JobRestart) {
			return false
		}
	}
	return true
}
