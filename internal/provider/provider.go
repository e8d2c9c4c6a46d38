// Package provider defines the capability interface for agent CLI backends.
//
// A provider knows how to start one agent subprocess, how to encode messages
// onto its stdin, and how to normalize the typed event stream it emits on
// stdout. The process driver is provider-agnostic: only normalization and
// encoding differ between backends.
package provider

import (
	"encoding/json"

	"github.com/wardenhq/warden/pkg/types"
)

// AuthStatus reports whether a provider CLI is ready to run.
type AuthStatus string

const (
	AuthStatusReady        AuthStatus = "ready"
	AuthStatusNeedsLogin   AuthStatus = "needs-login"
	AuthStatusNotInstalled AuthStatus = "not-installed"
	AuthStatusUnknown      AuthStatus = "unknown"
)

// StartOptions configures one subprocess launch.
type StartOptions struct {
	// Cwd is the project directory the agent runs in.
	Cwd string

	// ResumeSessionID resumes an existing agent session when set.
	ResumeSessionID string

	// Mode is the initial permission mode.
	Mode types.PermissionMode

	// ExtraArgs are appended verbatim to the command line.
	ExtraArgs []string
}

// EventKind classifies a normalized subprocess event.
type EventKind string

const (
	// EventInit is the subprocess announcing itself: agent-assigned session
	// id, working directory, version.
	EventInit EventKind = "init"

	// EventStream is a partial delta for the currently-forming message.
	EventStream EventKind = "stream"

	// EventMessage is a sealed conversation record (assistant message, tool
	// use result echo, ...).
	EventMessage EventKind = "message"

	// EventControlRequest is a tool-approval or user-question request.
	EventControlRequest EventKind = "control-request"

	// EventResult marks turn completion with its summary.
	EventResult EventKind = "result"

	// EventIgnored is a line the provider recognized but the driver should
	// skip (acks, telemetry).
	EventIgnored EventKind = "ignored"
)

// Event is one normalized subprocess event.
type Event struct {
	Kind EventKind

	// init
	SessionID string
	Cwd       string
	Version   string

	// message / result
	Record *types.Record

	// stream: the raw provider event, forwarded opaquely.
	Raw json.RawMessage

	// control-request
	Request *types.ControlRequest
}

// Provider is the capability interface one agent CLI backend implements.
type Provider interface {
	// Name is the registry key ("claude", "codex").
	Name() string

	// IsInstalled reports whether the CLI binary is on PATH.
	IsInstalled() bool

	// AuthStatus probes the CLI's credential state.
	AuthStatus() AuthStatus

	// Command returns the binary and arguments that start a session
	// speaking the provider's streaming protocol on stdin/stdout.
	Command(opts StartOptions) (bin string, args []string)

	// NormalizeEvent parses one stdout line into a normalized event.
	// A parse error means the line is malformed and should be skipped.
	NormalizeEvent(line []byte) (*Event, error)

	// EncodeUserMessage encodes a queued message for the subprocess stdin.
	// The returned bytes are a single line without the trailing newline.
	EncodeUserMessage(msg types.QueuedMessage) ([]byte, error)

	// EncodeControlResponse encodes the reply to a control request.
	EncodeControlResponse(requestID string, allow bool, message string) ([]byte, error)

	// EncodeSetMode encodes a permission mode change.
	EncodeSetMode(requestID string, mode types.PermissionMode) ([]byte, error)
}
