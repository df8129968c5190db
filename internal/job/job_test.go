package job

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/ChuLiYu/unitman/internal/registry"
	"github.com/ChuLiYu/unitman/pkg/unitapi"
)

// fakeQueue is a minimal RunQueue recording enqueue/remove calls in order,
// enough to drive Manager methods directly from test goroutines without a
// real scheduler.
type fakeQueue struct {
	enqueued []uint32
}

func (q *fakeQueue) Enqueue(id uint32) { q.enqueued = append(q.enqueued, id) }
func (q *fakeQueue) Remove(id uint32) {
	out := q.enqueued[:0]
	for _, e := range q.enqueued {
		if e != id {
			out = append(out, e)
		}
	}
	q.enqueued = out
}

// fakeVTable is a unit type whose Start/Stop/Reload are scripted per test.
type fakeVTable struct {
	startResult, stopResult, reloadResult unitapi.TransitionResult
}

func (f *fakeVTable) Init(*registry.Unit)                 {}
func (f *fakeVTable) Load(*registry.Unit) error           { return nil }
func (f *fakeVTable) Done(*registry.Unit)                 {}
func (f *fakeVTable) Coldplug(*registry.Unit, bool) error { return nil }
func (f *fakeVTable) Start(*registry.Unit) (unitapi.TransitionResult, error) {
	return f.startResult, nil
}
func (f *fakeVTable) Stop(*registry.Unit) (unitapi.TransitionResult, error) { return f.stopResult, nil }
func (f *fakeVTable) Reload(*registry.Unit) (unitapi.TransitionResult, error) {
	return f.reloadResult, nil
}
func (f *fakeVTable) ActiveState(*registry.Unit) unitapi.ActiveState             { return unitapi.Inactive }
func (f *fakeVTable) SubStateString(*registry.Unit) string                       { return "" }
func (f *fakeVTable) CheckGC(*registry.Unit) bool                                { return true }
func (f *fakeVTable) ResetFailed(*registry.Unit)                                 {}
func (f *fakeVTable) Serialize(*registry.Unit, io.Writer, *registry.FDSet) error { return nil }
func (f *fakeVTable) DeserializeItem(*registry.Unit, string, string, *registry.FDSet) error {
	return nil
}
func (f *fakeVTable) Kill(*registry.Unit, unitapi.KillWho, int) error { return nil }
func (f *fakeVTable) Timeout(*registry.Unit) (time.Time, bool)        { return time.Time{}, false }
func (f *fakeVTable) StatusMessage(*registry.Unit, unitapi.JobType, unitapi.JobResult) string {
	return ""
}

func testManager(t *testing.T) (*Manager, *registry.Registry, *fakeQueue) {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := registry.New(log)
	q := &fakeQueue{}
	m := NewManager(reg, q, nil, log)
	return m, reg, q
}

func unitWith(reg *registry.Registry, id registry.UnitID, tr unitapi.TransitionResult) *registry.Unit {
	u := reg.Resolve(id)
	u.Type = &fakeVTable{startResult: tr, stopResult: tr, reloadResult: tr}
	return u
}

// --- merge algebra properties ---

func TestTypeMergeCommutative(t *testing.T) {
	base := []unitapi.JobType{unitapi.JobStart, unitapi.JobVerifyActive, unitapi.JobStop, unitapi.JobReload, unitapi.JobRestart}
	for _, a := range base {
		for _, b := range base {
			ab, okAB := TypeMerge(a, b)
			ba, okBA := TypeMerge(b, a)
			if okAB != okBA || ab != ba {
				t.Errorf("merge(%s,%s)=%v,%v but merge(%s,%s)=%v,%v", a, b, ab, okAB, b, a, ba, okBA)
			}
		}
	}
}

func TestTypeMergeConflicts(t *testing.T) {
	cases := []unitapi.JobType{unitapi.JobStart, unitapi.JobVerifyActive, unitapi.JobReload, unitapi.JobRestart}
	for _, jt := range cases {
		if _, ok := TypeMerge(unitapi.JobStop, jt); ok {
			t.Errorf("Stop should conflict with %s, merge table says ok", jt)
		}
		if !Conflicts(unitapi.JobStop, jt) {
			t.Errorf("Conflicts(Stop, %s) = false, want true", jt)
		}
	}
}

func TestCollapseReloadOrStart(t *testing.T) {
	if got := Collapse(unitapi.JobReloadOrStart, unitapi.Inactive); got != unitapi.JobStart {
		t.Errorf("collapse(ReloadOrStart, inactive) = %s, want start", got)
	}
	if got := Collapse(unitapi.JobReloadOrStart, unitapi.Active); got != unitapi.JobReload {
		t.Errorf("collapse(ReloadOrStart, active) = %s, want reload", got)
	}
}

func TestCollapseTryRestart(t *testing.T) {
	if got := Collapse(unitapi.JobTryRestart, unitapi.Deactivating); got != unitapi.JobNop {
		t.Errorf("collapse(TryRestart, deactivating) = %s, want nop", got)
	}
	if got := Collapse(unitapi.JobTryRestart, unitapi.Active); got != unitapi.JobRestart {
		t.Errorf("collapse(TryRestart, active) = %s, want restart", got)
	}
}

func TestIsRedundantMonotone(t *testing.T) {
	// Redundancy is monotone over equivalent states — Active and
	// Reloading are both "already active enough" for Start/VerifyActive.
	for _, st := range []unitapi.ActiveState{unitapi.Active, unitapi.Reloading} {
		if !IsRedundant(unitapi.JobStart, st) {
			t.Errorf("Start should be redundant against %s", st)
		}
	}
}

// --- Scenario S1: Start then Stop cancels the Start ---

func TestScenarioS1StopCancelsWaitingStart(t *testing.T) {
	m, reg, _ := testManager(t)
	u := unitWith(reg, "a.service", unitapi.TransOKQueued)

	start := m.New(u.ID, unitapi.JobStart)
	if _, err := m.Install(u, start, false); err != nil {
		t.Fatalf("install start: %v", err)
	}

	stop := m.New(u.ID, unitapi.JobStop)
	installed, err := m.Install(u, stop, false)
	if err != nil {
		t.Fatalf("install stop: %v", err)
	}
	if installed.Type != unitapi.JobStop {
		t.Fatalf("installed job type = %s, want stop", installed.Type)
	}
	if start.Result != unitapi.ResultCanceled {
		t.Fatalf("start.Result = %s, want canceled", start.Result)
	}
	if start.Installed {
		t.Fatalf("canceled start should no longer be installed")
	}
}

// --- Scenario S2: Start (running) then Reload patches in place, re-queues ---

func TestScenarioS2ReloadPatchesRunningStart(t *testing.T) {
	m, reg, q := testManager(t)
	u := unitWith(reg, "a.service", unitapi.TransOKQueued)
	u.Active = unitapi.Activating // a running Start leaves its unit activating

	start := m.New(u.ID, unitapi.JobStart)
	m.Install(u, start, false)
	start.State = unitapi.JobRunning
	m.running++
	q.Remove(start.ID)

	reload := m.New(u.ID, unitapi.JobReload)
	installed, err := m.Install(u, reload, false)
	if err != nil {
		t.Fatalf("install reload: %v", err)
	}
	if installed != start {
		t.Fatalf("reload should patch the same job object in place")
	}
	if installed.Type != unitapi.JobReload {
		t.Fatalf("patched type = %s, want reload", installed.Type)
	}
	if installed.State != unitapi.JobWaiting {
		t.Fatalf("patched job should be re-queued as Waiting, got %s", installed.State)
	}
	found := false
	for _, id := range q.enqueued {
		if id == installed.ID {
			found = true
		}
	}
	if !found {
		t.Fatalf("patched job was not re-enqueued")
	}
}

// --- Scenario S3: Restart's successful Stop rewrites in place to Start ---

func TestScenarioS3RestartRewritesToStart(t *testing.T) {
	m, reg, _ := testManager(t)
	u := unitWith(reg, "a.service", unitapi.TransOKQueued)
	u.Active = unitapi.Active

	restart := m.New(u.ID, unitapi.JobRestart)
	m.Install(u, restart, false)

	m.Run(u) // dispatches Stop, leaves it Running (TransOKQueued)
	if restart.State != unitapi.JobRunning {
		t.Fatalf("restart should be running after dispatch")
	}

	m.Finish(u, restart.ID, unitapi.ResultDone, false)

	if restart.Type != unitapi.JobStart {
		t.Fatalf("restart job should have been rewritten to start, got %s", restart.Type)
	}
	if restart.State != unitapi.JobWaiting {
		t.Fatalf("rewritten job should be Waiting, got %s", restart.State)
	}
	if !restart.Installed {
		t.Fatalf("rewritten job should remain installed (same id, not uninstalled)")
	}
	if u.JobID != restart.ID {
		t.Fatalf("unit's job slot should still point at the rewritten job")
	}
}

// --- Scenario S4: ordering — b's Start waits on a's installed job ---

func TestScenarioS4OrderingBlocksRunnability(t *testing.T) {
	m, reg, _ := testManager(t)
	a := unitWith(reg, "a.service", unitapi.TransOKQueued)
	b := unitWith(reg, "b.service", unitapi.TransOKQueued)
	reg.AddDependency(b.ID, unitapi.After, a.ID, true)

	aStart := m.New(a.ID, unitapi.JobStart)
	m.Install(a, aStart, false)
	bStart := m.New(b.ID, unitapi.JobStart)
	m.Install(b, bStart, false)

	if m.Runnable(b, bStart) {
		t.Fatalf("b's start should not be runnable while a's start is installed")
	}

	// a's start finishes: b no longer has an After-peer with an
	// installed job, so it becomes runnable.
	m.Finish(a, aStart.ID, unitapi.ResultDone, false)
	if !m.Runnable(b, bStart) {
		t.Fatalf("b's start should be runnable once a's job is gone")
	}
}

// --- Dependency-failure propagation ---

func TestFailurePropagatesToRequiredBy(t *testing.T) {
	m, reg, _ := testManager(t)
	dep := unitWith(reg, "dep.service", unitapi.TransFailure)
	top := unitWith(reg, "top.service", unitapi.TransOKQueued)
	reg.AddDependency(top.ID, unitapi.Requires, dep.ID, true)

	depStart := m.New(dep.ID, unitapi.JobStart)
	m.Install(dep, depStart, false)
	topStart := m.New(top.ID, unitapi.JobStart)
	m.Install(top, topStart, false)

	m.Run(dep) // dep's fakeVTable.Start reports TransFailure synchronously

	if topStart.Result != unitapi.ResultDependency {
		t.Fatalf("top's start result = %s, want dependency", topStart.Result)
	}
}

func TestFailedReloadDoesNotPropagate(t *testing.T) {
	m, reg, _ := testManager(t)
	dep := unitWith(reg, "dep.service", unitapi.TransFailure)
	dep.Active = unitapi.Active // keep Reload from collapsing to Start
	top := unitWith(reg, "top.service", unitapi.TransOKQueued)
	reg.AddDependency(top.ID, unitapi.Requires, dep.ID, true)

	depReload := m.New(dep.ID, unitapi.JobReload)
	m.Install(dep, depReload, false)
	topStart := m.New(top.ID, unitapi.JobStart)
	m.Install(top, topStart, false)

	m.Run(dep) // the reload fails, but the failure stays on dep

	if depReload.Result != unitapi.ResultFailed {
		t.Fatalf("dep's reload result = %s, want failed", depReload.Result)
	}
	if !topStart.Installed || topStart.Result != unitapi.ResultNone {
		t.Fatalf("top's start was finished (%s); a failed reload must not cross unit boundaries", topStart.Result)
	}
}

func TestFailedRestartDoesNotPropagateToConflictedBy(t *testing.T) {
	m, reg, _ := testManager(t)
	svc := unitWith(reg, "svc.service", unitapi.TransFailure)
	svc.Active = unitapi.Active // keep Restart from collapsing away
	rival := unitWith(reg, "rival.service", unitapi.TransOKQueued)
	// rival Conflicts svc, so svc carries the ConflictedBy edge the
	// Stop-failure propagation walks.
	reg.AddDependency(rival.ID, unitapi.Conflicts, svc.ID, true)

	restart := m.New(svc.ID, unitapi.JobRestart)
	m.Install(svc, restart, false)
	rivalStart := m.New(rival.ID, unitapi.JobStart)
	m.Install(rival, rivalStart, false)

	m.Run(svc) // the restart's stop half fails while j.Type is still Restart

	if restart.Result != unitapi.ResultFailed {
		t.Fatalf("svc's restart result = %s, want failed", restart.Result)
	}
	if !rivalStart.Installed || rivalStart.Result != unitapi.ResultNone {
		t.Fatalf("rival's start was finished (%s); only a failed Stop propagates over ConflictedBy", rivalStart.Result)
	}
}
