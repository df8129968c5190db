// Package control is the gRPC control-plane surface: one unary
// method per unit verb, a property read surface, and a server-streaming
// Subscribe carrying UnitNew/UnitRemoved/JobNew/JobRemoved signals.
//
// Messages are plain Go structs carried by the package's JSON codec (see
// codec.go); the service description is hand-written in service.go.
package control

import "github.com/ChuLiYu/unitman/internal/manager"

// UnitRequest drives one of the per-unit verbs. Mode is a transaction mode
// string; verbs that don't take a mode ignore it.
type UnitRequest struct {
	Unit string `json:"unit"`
	Mode string `json:"mode,omitempty"`
}

// JobReply reports the anchor job a verb installed. Path follows the
// object-path convention for jobs; ID 0 means the request installed no
// job (a flag-only verb, or an isolate that found nothing to do).
type JobReply struct {
	ID   uint32 `json:"id"`
	Path string `json:"path,omitempty"`
}

// KillRequest carries Kill(who, signo).
type KillRequest struct {
	Unit  string `json:"unit"`
	Who   string `json:"who"`
	Signo int    `json:"signo"`
}

// SetPropertiesRequest carries SetProperties(runtime, properties).
type SetPropertiesRequest struct {
	Unit       string            `json:"unit"`
	Runtime    bool              `json:"runtime"`
	Properties map[string]string `json:"properties"`
}

// Empty is the reply of verbs that report nothing but success.
type Empty struct{}

// PropertiesReply carries the read-only property surface of one unit.
type PropertiesReply struct {
	Unit manager.UnitStatus `json:"unit"`
}

// ListUnitsRequest has no parameters yet; it exists so the method can
// grow filters without a wire break.
type ListUnitsRequest struct{}

// ListUnitsReply carries every unit's status.
type ListUnitsReply struct {
	Units []manager.UnitStatus `json:"units"`
}

// SubscribeRequest opens the signal stream.
type SubscribeRequest struct{}

// SignalEvent is one signal on the Subscribe stream.
type SignalEvent struct {
	Kind    string `json:"kind"`
	Unit    string `json:"unit"`
	JobID   uint32 `json:"job_id,omitempty"`
	JobType string `json:"job_type,omitempty"`
	Result  string `json:"result,omitempty"`
	Active  string `json:"active,omitempty"`
}
