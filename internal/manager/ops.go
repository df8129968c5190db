package manager

import (
	"fmt"
	"strconv"
	"time"

	"github.com/ChuLiYu/unitman/internal/registry"
	"github.com/ChuLiYu/unitman/internal/unittype"
	"github.com/ChuLiYu/unitman/pkg/unitapi"
)

// kindOf derives a unit's kind from its name suffix ("x.mount" → mount).
func kindOf(id registry.UnitID) unittype.Kind {
	name := string(id)
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] == '.' {
			return unittype.Kind(name[i+1:])
		}
	}
	return ""
}

// ensureType attaches and loads the unit's vtable if a constructor for its
// kind is registered. A unit of an unimplemented kind stays a stub; it can
// carry dependency edges but cannot run jobs.
func (m *Manager) ensureType(u *registry.Unit) error {
	if u.Type != nil {
		return nil
	}
	vt, ok := unittype.New(kindOf(u.ID), u.ID)
	if !ok {
		return nil
	}
	u.Type = vt
	vt.Init(u)
	if err := vt.Load(u); err != nil {
		u.Load = unitapi.LoadError
		return fmt.Errorf("manager: load %s: %w", u.ID, err)
	}
	u.Load = unitapi.LoadLoaded
	return nil
}

// addJob builds, resolves and commits a transaction on the loop goroutine.
// No manual-start/stop policy here — that belongs to the control-facing
// verbs; internal callers (automount sibling coupling, OnFailure triggers)
// bypass policy by design.
func (m *Manager) addJob(anchor registry.UnitID, jt unitapi.JobType, mode unitapi.Mode, override bool) (uint32, error) {
	u := m.reg.Resolve(anchor)
	if err := m.ensureType(u); err != nil {
		return 0, err
	}
	if u.Type == nil {
		return 0, unitapi.ErrNoSuchUnit
	}

	t, err := m.builder.AddJob(anchor, jt, mode, override)
	if err != nil {
		return 0, err
	}
	if err := m.builder.Commit(t); err != nil {
		return 0, err
	}

	// Announce every job the commit installed that has not been announced
	// yet; merged jobs keep their original announcement.
	for id := range t.Jobs {
		ju, ok := m.reg.Lookup(id)
		if !ok || ju.JobID == 0 {
			continue
		}
		j, ok := m.jobs.Lookup(ju.JobID)
		if !ok || j.SentDBusNew {
			continue
		}
		j.SentDBusNew = true
		if m.met != nil {
			m.met.RecordInstalled()
		}
		if !m.replaying {
			if err := m.jrnl.Append(journalInstalled, j.Unit, j.ID, j.Type, unitapi.ResultNone); err != nil {
				m.log.Error("journal append failed", "err", err)
			}
		}
		m.emit(Signal{Kind: SignalJobNew, Unit: j.Unit, JobID: j.ID, JobType: j.Type})
	}

	anchorUnit, _ := m.reg.Lookup(anchor)
	if anchorUnit == nil {
		return 0, nil
	}
	return anchorUnit.JobID, nil
}

// manualStartPolicy applies the RefuseManualStart/masked policy checks
// to a control-plane request; policy errors change no state.
func (m *Manager) manualStartPolicy(u *registry.Unit) error {
	if u.Load == unitapi.LoadMasked {
		return unitapi.ErrUnitMasked
	}
	if u.Flags.RefuseManualStart {
		return unitapi.ErrOnlyByDependency
	}
	return nil
}

func (m *Manager) manualStopPolicy(u *registry.Unit) error {
	if u.Flags.RefuseManualStop {
		return unitapi.ErrOnlyByDependency
	}
	return nil
}

// StartUnit implements the control-plane Start(mode) verb.
func (m *Manager) StartUnit(id registry.UnitID, mode unitapi.Mode) (uint32, error) {
	return m.verb(id, mode, func(u *registry.Unit) (unitapi.JobType, error) {
		return unitapi.JobStart, m.manualStartPolicy(u)
	})
}

// StopUnit implements Stop(mode).
func (m *Manager) StopUnit(id registry.UnitID, mode unitapi.Mode) (uint32, error) {
	return m.verb(id, mode, func(u *registry.Unit) (unitapi.JobType, error) {
		return unitapi.JobStop, m.manualStopPolicy(u)
	})
}

// ReloadUnit implements Reload(mode).
func (m *Manager) ReloadUnit(id registry.UnitID, mode unitapi.Mode) (uint32, error) {
	return m.verb(id, mode, func(u *registry.Unit) (unitapi.JobType, error) {
		return unitapi.JobReload, nil
	})
}

// RestartUnit implements Restart(mode).
func (m *Manager) RestartUnit(id registry.UnitID, mode unitapi.Mode) (uint32, error) {
	return m.verb(id, mode, func(u *registry.Unit) (unitapi.JobType, error) {
		return unitapi.JobRestart, m.manualStartPolicy(u)
	})
}

// TryRestartUnit implements TryRestart(mode): collapses to Nop when the
// unit is down.
func (m *Manager) TryRestartUnit(id registry.UnitID, mode unitapi.Mode) (uint32, error) {
	return m.verb(id, mode, func(u *registry.Unit) (unitapi.JobType, error) {
		return unitapi.JobTryRestart, m.manualStartPolicy(u)
	})
}

// ReloadOrRestartUnit reloads a live unit and restarts a dead one.
func (m *Manager) ReloadOrRestartUnit(id registry.UnitID, mode unitapi.Mode) (uint32, error) {
	return m.verb(id, mode, func(u *registry.Unit) (unitapi.JobType, error) {
		if u.Active.ActiveOrReloading() {
			return unitapi.JobReload, nil
		}
		return unitapi.JobRestart, m.manualStartPolicy(u)
	})
}

// ReloadOrTryRestartUnit reloads a live unit and try-restarts a dead one.
func (m *Manager) ReloadOrTryRestartUnit(id registry.UnitID, mode unitapi.Mode) (uint32, error) {
	return m.verb(id, mode, func(u *registry.Unit) (unitapi.JobType, error) {
		if u.Active.ActiveOrReloading() {
			return unitapi.JobReload, nil
		}
		return unitapi.JobTryRestart, m.manualStartPolicy(u)
	})
}

// IsolateUnit starts the anchor in isolate mode.
func (m *Manager) IsolateUnit(id registry.UnitID) (uint32, error) {
	return m.verb(id, unitapi.ModeIsolate, func(u *registry.Unit) (unitapi.JobType, error) {
		return unitapi.JobStart, m.manualStartPolicy(u)
	})
}

func (m *Manager) verb(id registry.UnitID, mode unitapi.Mode, pick func(*registry.Unit) (unitapi.JobType, error)) (uint32, error) {
	var jobID uint32
	err := m.call(func() error {
		u := m.reg.Resolve(id)
		if err := m.ensureType(u); err != nil {
			return err
		}
		jt, err := pick(u)
		if err != nil {
			return err
		}
		jobID, err = m.addJob(id, jt, mode, mode == unitapi.ModeReplace || mode == unitapi.ModeReplaceIrreversible)
		return err
	})
	return jobID, err
}

// NotifyUnit crosses a unit state-machine's completion report onto the
// loop goroutine. Unit types whose event sources run off
// the loop report their asynchronous transitions through here.
func (m *Manager) NotifyUnit(id registry.UnitID, state unitapi.ActiveState, reloadSuccess bool) error {
	return m.call(func() error {
		m.reg.Notify(id, state, reloadSuccess)
		return nil
	})
}

// KillUnit forwards Kill(who, signo) to the unit's own type.
func (m *Manager) KillUnit(id registry.UnitID, who unitapi.KillWho, signo int) error {
	return m.call(func() error {
		u, ok := m.reg.Lookup(id)
		if !ok {
			return unitapi.ErrNoSuchUnit
		}
		if u.Type == nil {
			return unitapi.ErrNoSuchUnit
		}
		return u.Type.Kill(u, who, signo)
	})
}

// ResetFailedUnit clears a failed unit back to inactive.
func (m *Manager) ResetFailedUnit(id registry.UnitID) error {
	return m.call(func() error {
		u, ok := m.reg.Lookup(id)
		if !ok {
			return unitapi.ErrNoSuchUnit
		}
		if u.Type == nil {
			return unitapi.ErrNoSuchUnit
		}
		u.Type.ResetFailed(u)
		m.reg.Notify(id, u.Type.ActiveState(u), false)
		return nil
	})
}

// SetUnitProperties applies the writable subset of the property surface.
// runtime-only vs persistent storage is the (out-of-scope) loader's
// concern; the core applies the values either way.
func (m *Manager) SetUnitProperties(id registry.UnitID, runtime bool, props map[string]string) error {
	return m.call(func() error {
		u, ok := m.reg.Lookup(id)
		if !ok {
			return unitapi.ErrNoSuchUnit
		}
		for key, value := range props {
			switch key {
			case "JobTimeoutUSec":
				usec, err := strconv.ParseInt(value, 10, 64)
				if err != nil {
					return fmt.Errorf("manager: JobTimeoutUSec %q: %w", value, err)
				}
				u.JobTimeout = time.Duration(usec) * time.Microsecond
			case "JobTimeoutAction":
				u.JobTimeoutAction = value
			case "StopWhenUnneeded":
				u.Flags.StopWhenUnneeded = value == "true"
			case "RefuseManualStart":
				u.Flags.RefuseManualStart = value == "true"
			case "RefuseManualStop":
				u.Flags.RefuseManualStop = value == "true"
			case "AllowIsolate":
				u.Flags.AllowIsolate = value == "true"
			case "IgnoreOnIsolate":
				u.Flags.IgnoreOnIsolate = value == "true"
			default:
				return fmt.Errorf("manager: property %s is not writable", key)
			}
		}
		return nil
	})
}

// UnitStatusOf snapshots the property surface of one unit.
func (m *Manager) UnitStatusOf(id registry.UnitID) (UnitStatus, error) {
	var st UnitStatus
	err := m.call(func() error {
		u, ok := m.reg.Lookup(id)
		if !ok {
			return unitapi.ErrNoSuchUnit
		}
		st = m.statusLocked(u)
		return nil
	})
	return st, err
}

// ListUnits snapshots every unit's status.
func (m *Manager) ListUnits() ([]UnitStatus, error) {
	var out []UnitStatus
	err := m.call(func() error {
		for _, u := range m.reg.All() {
			out = append(out, m.statusLocked(u))
		}
		return nil
	})
	return out, err
}

func (m *Manager) statusLocked(u *registry.Unit) UnitStatus {
	st := UnitStatus{
		ID:          u.ID,
		Names:       append([]string(nil), u.Names...),
		LoadState:   u.Load.String(),
		ActiveState: u.Active.String(),
		SubState:    u.Sub,

		CanStart:   !u.Flags.RefuseManualStart,
		CanStop:    !u.Flags.RefuseManualStop,
		CanReload:  u.Type != nil,
		CanIsolate: u.Flags.AllowIsolate,

		StopWhenUnneeded:  u.Flags.StopWhenUnneeded,
		RefuseManualStart: u.Flags.RefuseManualStart,
		RefuseManualStop:  u.Flags.RefuseManualStop,
		AllowIsolate:      u.Flags.AllowIsolate,
		IgnoreOnIsolate:   u.Flags.IgnoreOnIsolate,
		Transient:         u.Flags.Transient,

		JobTimeoutUSec:   u.JobTimeout.Microseconds(),
		JobTimeoutAction: u.JobTimeoutAction,

		ConditionResult: u.ConditionResult.String(),
		AssertResult:    u.AssertResult.String(),
	}
	if u.Type != nil {
		st.SubState = u.Type.SubStateString(u)
	}
	if u.JobID != 0 {
		st.JobID = u.JobID
		if j, ok := m.jobs.Lookup(u.JobID); ok {
			st.JobType = j.Type.String()
		}
	}
	if len(u.Deps) > 0 {
		st.Dependencies = make(map[string][]string, len(u.Deps))
		for _, rel := range unitapi.AllRelations {
			peers := u.Peers(rel)
			if len(peers) == 0 {
				continue
			}
			names := make([]string, 0, len(peers))
			for _, p := range peers {
				names = append(names, string(p))
			}
			st.Dependencies[rel.String()] = names
		}
	}
	stamp := func(t time.Time) int64 {
		if t.IsZero() {
			return 0
		}
		return t.UnixMicro()
	}
	st.InactiveExit = stamp(u.Timestamps.InactiveExit)
	st.ActiveEnter = stamp(u.Timestamps.ActiveEnter)
	st.ActiveExit = stamp(u.Timestamps.ActiveExit)
	st.InactiveEnter = stamp(u.Timestamps.InactiveEnter)
	return st
}

// AddDependency inserts an edge between two units from outside the loop
// (the external loader's entry point).
func (m *Manager) AddDependency(a registry.UnitID, rel unitapi.Relation, b registry.UnitID) error {
	return m.call(func() error {
		return m.reg.AddDependency(a, rel, b, true)
	})
}

// GC runs a garbage-collection pass over the registry.
func (m *Manager) GC() ([]registry.UnitID, error) {
	var removed []registry.UnitID
	err := m.call(func() error {
		removed = m.reg.GC()
		return nil
	})
	return removed, err
}
