package process

import (
	"encoding/json"

	"github.com/wardenhq/warden/pkg/types"
)

// EventKind classifies events delivered to process subscribers.
type EventKind string

const (
	EventStateChange      EventKind = "state-change"
	EventModeChange       EventKind = "mode-change"
	EventMessage          EventKind = "message"
	EventStreamEvent      EventKind = "stream-event"
	EventError            EventKind = "error"
	EventSessionIDChanged EventKind = "session-id-changed"
	EventComplete         EventKind = "complete"
)

// Event is one process event as seen by a subscriber. Only the fields for
// the event's kind are set.
type Event struct {
	Kind EventKind `json:"kind"`

	// state-change
	State *types.ProcessState `json:"state,omitempty"`

	// mode-change
	Mode        types.PermissionMode `json:"mode,omitempty"`
	ModeVersion uint64               `json:"modeVersion,omitempty"`

	// message
	Record *types.Record `json:"record,omitempty"`

	// stream-event: the raw provider delta.
	Raw json.RawMessage `json:"raw,omitempty"`

	// error
	Err string `json:"error,omitempty"`

	// session-id-changed
	OldSessionID string `json:"oldSessionId,omitempty"`
	NewSessionID string `json:"newSessionId,omitempty"`
}

// Listener receives process events. Listeners must not block; slow consumers
// buffer on their own side.
type Listener func(Event)

// Snapshot is the state a new subscriber sees atomically with its
// registration, so no event falls between the snapshot and the tail.
type Snapshot struct {
	ProcessID      string
	SessionID      string
	ProjectPath    string
	State          types.ProcessState
	Mode           types.PermissionMode
	ModeVersion    uint64
	PendingRequest *types.ControlRequest
	History        []*types.Record
}
