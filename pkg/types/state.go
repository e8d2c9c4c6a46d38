package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// StateKind enumerates the process state machine.
type StateKind string

const (
	StateSpawning     StateKind = "spawning"
	StateInTurn       StateKind = "in-turn"
	StateWaitingInput StateKind = "waiting-input"
	StateIdle         StateKind = "idle"
	StateAborted      StateKind = "aborted"
	StateExited       StateKind = "exited"
)

// ProcessState is the current state of a process plus the variant payload for
// the kinds that carry one.
type ProcessState struct {
	Kind StateKind `json:"kind"`

	// waiting-input: the pending approval or question.
	Request *ControlRequest `json:"request,omitempty"`

	// idle: when the process went idle.
	Since *time.Time `json:"since,omitempty"`

	// aborted: why.
	Reason string `json:"reason,omitempty"`

	// exited: subprocess exit code.
	ExitCode *int `json:"exitCode,omitempty"`
}

// Terminal reports whether the state is final. A terminal process never
// transitions again and rejects queued messages.
func (s ProcessState) Terminal() bool {
	return s.Kind == StateAborted || s.Kind == StateExited
}

// ControlRequest is a tool-approval or user-question request emitted by the
// subprocess mid-turn.
type ControlRequest struct {
	ID       string          `json:"id"`
	Subtype  string          `json:"subtype,omitempty"` // e.g. "can_use_tool"
	ToolName string          `json:"toolName,omitempty"`
	Input    json.RawMessage `json:"input,omitempty"`
}

// PermissionMode controls how the subprocess handles tool approvals.
type PermissionMode string

const (
	ModeDefault           PermissionMode = "default"
	ModeAcceptEdits       PermissionMode = "acceptEdits"
	ModePlan              PermissionMode = "plan"
	ModeBypassPermissions PermissionMode = "bypassPermissions"
)

// ParsePermissionMode validates a mode string.
func ParsePermissionMode(s string) (PermissionMode, error) {
	switch PermissionMode(s) {
	case ModeDefault, ModeAcceptEdits, ModePlan, ModeBypassPermissions:
		return PermissionMode(s), nil
	}
	return "", fmt.Errorf("unknown permission mode %q", s)
}
