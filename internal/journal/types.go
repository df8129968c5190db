// Package journal is the manager's append-only event log: every job
// install/merge/finish and unit active-state change is written here
// before the in-memory state changes, so a crash replay can reconstruct
// what the snapshot alone does not capture: everything that happened
// between two snapshots.
package journal

import (
	"github.com/ChuLiYu/unitman/internal/registry"
	"github.com/ChuLiYu/unitman/pkg/unitapi"
)

// EventType identifies what kind of record a journal line carries.
type EventType string

const (
	EventJobInstalled EventType = "JOB_INSTALLED"
	EventJobMerged    EventType = "JOB_MERGED"
	EventJobRun       EventType = "JOB_RUN"
	EventJobFinished  EventType = "JOB_FINISHED"
	EventUnitChanged  EventType = "UNIT_CHANGED"
)

// Event is one journal record.
type Event struct {
	Seq       uint64            `json:"seq"`
	Type      EventType         `json:"type"`
	Unit      registry.UnitID   `json:"unit"`
	JobID     uint32            `json:"job_id,omitempty"`
	JobType   unitapi.JobType   `json:"job_type,omitempty"`
	Result    unitapi.JobResult `json:"result,omitempty"`
	Timestamp int64             `json:"timestamp"`
	Checksum  uint32            `json:"checksum"`
}

// EventHandler applies one replayed event to live state.
type EventHandler func(event *Event) error
