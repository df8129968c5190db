// Package snapshot persists and restores manager state across a reexec
// or restart, as a newline-delimited `key=value` stream: one
// block per unit, blocks separated by a blank line, terminated by atomic
// temp-file-plus-rename so a crash mid-write never leaves a half-written
// snapshot on disk.
package snapshot

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/ChuLiYu/unitman/internal/registry"
	"github.com/ChuLiYu/unitman/pkg/unitapi"
)

var (
	ErrCorrupted           = errors.New("snapshot: file is corrupted")
	ErrIncompatibleVersion = errors.New("snapshot: schema version is incompatible")
	ErrNotFound            = errors.New("snapshot: file not found")
)

const schemaVersion = "1"

// Manager handles snapshot persistence at a fixed path.
type Manager struct {
	path string
	mu   sync.Mutex
}

func NewManager(path string) *Manager {
	return &Manager{path: path}
}

// UnitRecord is one unit's serialized state: the fields Registry itself
// owns, the installed job (if any), plus an opaque key=value payload
// written by the unit's own VTable.Serialize (automount's token sets,
// coldplug hints, etc).
type UnitRecord struct {
	ID     registry.UnitID
	Load   unitapi.LoadState
	Active unitapi.ActiveState
	Sub    string
	Job    *JobRecord
	Items  []KV
}

// JobRecord carries the per-job snapshot keys (job-id,
// job-type, job-state, job-override, job-irreversible, job-ignore-order,
// job-sent-dbus-new-signal, job-begin), written inside the owning unit's
// block. State is recorded but a restored job always re-enters Waiting.
type JobRecord struct {
	ID           uint32
	Type         unitapi.JobType
	State        unitapi.JobState
	Override     bool
	Irreversible bool
	IgnoreOrder  bool
	SentDBusNew  bool
	Begin        int64 // unix microseconds, zero if never run
}

type KV struct{ Key, Value string }

// JobLookup resolves a unit's installed job id into its serializable
// fields; supplied by internal/manager as a closure over job.Manager so
// this package stays ignorant of live job objects.
type JobLookup func(id uint32) (JobRecord, bool)

// Write atomically serializes every unit in reg, including each unit's
// own VTable payload via Serialize, to m.path. jobs may be nil when the
// caller has no job state to persist (tests, a fresh manager).
func (m *Manager) Write(reg *registry.Registry, fds *registry.FDSet, jobs JobLookup) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tmpPath := m.path + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("snapshot: create temp file: %w", err)
	}

	w := bufio.NewWriter(f)
	fmt.Fprintf(w, "schema-ver=%s\n\n", schemaVersion)

	for _, u := range reg.All() {
		fmt.Fprintf(w, "unit=%s\n", u.ID)
		fmt.Fprintf(w, "load=%s\n", u.Load.String())
		fmt.Fprintf(w, "active=%s\n", u.Active.String())
		fmt.Fprintf(w, "sub=%s\n", u.Sub)
		if u.JobID != 0 && jobs != nil {
			if jr, ok := jobs(u.JobID); ok {
				fmt.Fprintf(w, "job-id=%d\n", jr.ID)
				fmt.Fprintf(w, "job-type=%s\n", jr.Type.String())
				fmt.Fprintf(w, "job-state=%s\n", jr.State.String())
				fmt.Fprintf(w, "job-override=%s\n", strconv.FormatBool(jr.Override))
				fmt.Fprintf(w, "job-irreversible=%s\n", strconv.FormatBool(jr.Irreversible))
				fmt.Fprintf(w, "job-ignore-order=%s\n", strconv.FormatBool(jr.IgnoreOrder))
				fmt.Fprintf(w, "job-sent-dbus-new-signal=%s\n", strconv.FormatBool(jr.SentDBusNew))
				if jr.Begin != 0 {
					fmt.Fprintf(w, "job-begin=%d\n", jr.Begin)
				}
			}
		}
		if u.Type != nil {
			var buf strings.Builder
			if err := u.Type.Serialize(u, &buf, fds); err != nil {
				w.Flush()
				f.Close()
				os.Remove(tmpPath)
				return fmt.Errorf("snapshot: serialize %s: %w", u.ID, err)
			}
			io.WriteString(w, buf.String())
		}
		io.WriteString(w, "\n")
	}

	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("snapshot: flush: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("snapshot: sync: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("snapshot: close: %w", err)
	}
	if err := os.Rename(tmpPath, m.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("snapshot: rename: %w", err)
	}
	return nil
}

// Load parses m.path into a sequence of UnitRecords, without touching a
// live Registry — the caller (internal/manager) applies each record by
// resolving the unit, setting Load/Active/Sub, reinstalling the Job
// record, and feeding the remaining Items to the unit's
// VTable.DeserializeItem before Coldplug.
func (m *Manager) Load() ([]UnitRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, err := os.Open(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("snapshot: open: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)

	var records []UnitRecord
	var cur *UnitRecord
	sawVersion := false

	flush := func() {
		if cur != nil {
			records = append(records, *cur)
			cur = nil
		}
	}

	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			flush()
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return nil, fmt.Errorf("%w: malformed line %q", ErrCorrupted, line)
		}
		switch key {
		case "schema-ver":
			if value != schemaVersion {
				return nil, fmt.Errorf("%w: got %s, want %s", ErrIncompatibleVersion, value, schemaVersion)
			}
			sawVersion = true
		case "unit":
			flush()
			cur = &UnitRecord{ID: registry.UnitID(value)}
		case "load":
			if cur != nil {
				cur.Load = unitapi.ParseLoadState(value)
			}
		case "active":
			if cur != nil {
				cur.Active = unitapi.ParseActiveState(value)
			}
		case "sub":
			if cur != nil {
				cur.Sub = value
			}
		case "job-id":
			if cur == nil {
				continue
			}
			id, err := strconv.ParseUint(value, 10, 32)
			if err != nil {
				return nil, fmt.Errorf("%w: job-id %q: %v", ErrCorrupted, value, err)
			}
			cur.Job = &JobRecord{ID: uint32(id)}
		case "job-type":
			if cur == nil || cur.Job == nil {
				continue
			}
			jt, ok := unitapi.ParseJobType(value)
			if !ok {
				return nil, fmt.Errorf("%w: unknown job-type %q", ErrCorrupted, value)
			}
			cur.Job.Type = jt
		case "job-state":
			if cur == nil || cur.Job == nil {
				continue
			}
			if value == "running" {
				cur.Job.State = unitapi.JobRunning
			} else {
				cur.Job.State = unitapi.JobWaiting
			}
		case "job-override", "job-irreversible", "job-ignore-order", "job-sent-dbus-new-signal":
			if cur == nil || cur.Job == nil {
				continue
			}
			b, err := strconv.ParseBool(value)
			if err != nil {
				return nil, fmt.Errorf("%w: %s %q: %v", ErrCorrupted, key, value, err)
			}
			switch key {
			case "job-override":
				cur.Job.Override = b
			case "job-irreversible":
				cur.Job.Irreversible = b
			case "job-ignore-order":
				cur.Job.IgnoreOrder = b
			case "job-sent-dbus-new-signal":
				cur.Job.SentDBusNew = b
			}
		case "job-begin":
			if cur == nil || cur.Job == nil {
				continue
			}
			begin, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: job-begin %q: %v", ErrCorrupted, value, err)
			}
			cur.Job.Begin = begin
		default:
			if cur != nil {
				cur.Items = append(cur.Items, KV{Key: key, Value: value})
			}
		}
	}
	flush()

	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("snapshot: scan: %w", err)
	}
	if !sawVersion && len(records) == 0 {
		return nil, nil
	}
	return records, nil
}

// Exists reports whether a snapshot file is present at m.path.
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}
