package event

import "github.com/wardenhq/warden/pkg/types"

// File change kinds.
const (
	FileKindCreate = "create"
	FileKindWrite  = "write"
	FileKindRemove = "remove"
	FileKindRename = "rename"
)

// File types for change classification.
const (
	FileTypeSession      = "session"
	FileTypeAgentSession = "agent-session"
	FileTypeOther        = "other"
)

// FileChangeData is the data for file-change events.
type FileChangeData struct {
	Path     string `json:"path"`
	Kind     string `json:"kind"`
	FileType string `json:"fileType"`
}

// ProcessStateChangedData is the data for process-state-changed events.
type ProcessStateChangedData struct {
	ProcessID string             `json:"processId"`
	SessionID string             `json:"sessionId"`
	State     types.ProcessState `json:"state"`
}

// Session ownership values.
const (
	OwnershipOwned    = "owned"
	OwnershipReleased = "released"
)

// SessionStatusChangedData is the data for session-status-changed events.
// Ownership reports whether a live process currently owns the session.
type SessionStatusChangedData struct {
	SessionID string `json:"sessionId"`
	Ownership string `json:"ownership"`
}

// SessionCreatedData is the data for session-created events.
type SessionCreatedData struct {
	SessionID   string `json:"sessionId"`
	ProjectPath string `json:"projectPath"`
}

// SessionUpdatedData is the data for session-updated events. OldSessionID is
// set when the update is a session-id promotion.
type SessionUpdatedData struct {
	SessionID    string `json:"sessionId"`
	OldSessionID string `json:"oldSessionId,omitempty"`
	ProjectPath  string `json:"projectPath,omitempty"`
}

// ModeChangeData is the data for mode-change events.
type ModeChangeData struct {
	ProcessID   string               `json:"processId"`
	SessionID   string               `json:"sessionId"`
	Mode        types.PermissionMode `json:"mode"`
	ModeVersion uint64               `json:"modeVersion"`
}
