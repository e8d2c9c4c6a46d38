package types

import (
	"encoding/json"
	"time"
)

// RecordType discriminates the variants of a session log record.
type RecordType string

const (
	RecordTypeUser            RecordType = "user"
	RecordTypeAssistant       RecordType = "assistant"
	RecordTypeStreamEvent     RecordType = "stream_event"
	RecordTypeToolUse         RecordType = "tool_use"
	RecordTypeToolResult      RecordType = "tool_result"
	RecordTypeSystem          RecordType = "system"
	RecordTypeQueueOperation  RecordType = "queue_operation"
	RecordTypeCompactBoundary RecordType = "compact_boundary"
	RecordTypeResult          RecordType = "result"
)

// System record subtypes.
const (
	SystemSubtypeInit   = "init"
	SystemSubtypeStatus = "status"
)

// Record is one line of a session log. Each record is a self-contained JSON
// object; message records carry uuid/parentUuid (a DAG, branches allowed),
// system records carry subtype, stream-event records may omit uuid entirely.
type Record struct {
	Type       RecordType `json:"type"`
	Subtype    string     `json:"subtype,omitempty"`
	UUID       string     `json:"uuid,omitempty"`
	ParentUUID *string    `json:"parentUuid,omitempty"`
	SessionID  string     `json:"sessionId,omitempty"`
	Timestamp  time.Time  `json:"timestamp,omitzero"`

	// Message body for user/assistant records.
	Message *MessageBody `json:"message,omitempty"`

	// Raw provider event for stream_event records. Kept opaque: deltas are
	// forwarded to subscribers but never replayed, so nothing downstream
	// depends on their shape.
	Event json.RawMessage `json:"event,omitempty"`

	// Context fields written by system/init records.
	Cwd     string `json:"cwd,omitempty"`
	Version string `json:"version,omitempty"`

	// True for records produced by a sub-agent turn.
	IsSidechain bool `json:"isSidechain,omitempty"`

	// Result summary fields (type == "result").
	Result     string `json:"result,omitempty"`
	IsError    bool   `json:"is_error,omitempty"`
	DurationMS int64  `json:"duration_ms,omitempty"`

	// Queue operation fields (type == "queue_operation").
	Operation string `json:"operation,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

// IsMessage reports whether the record is a replayable conversation record
// rather than internal book-keeping.
func (r *Record) IsMessage() bool {
	switch r.Type {
	case RecordTypeUser, RecordTypeAssistant, RecordTypeToolUse, RecordTypeToolResult:
		return true
	}
	return false
}

// IsBookkeeping reports whether the record is internal book-keeping that
// readers filter out of results.
func (r *Record) IsBookkeeping() bool {
	switch r.Type {
	case RecordTypeQueueOperation, RecordTypeCompactBoundary:
		return true
	}
	return false
}

// MessageBody is the message payload of a user or assistant record.
type MessageBody struct {
	Role    string    `json:"role"` // "user" | "assistant"
	Content BlockList `json:"content"`

	// Assistant-only fields, copied verbatim from the provider.
	ID         string          `json:"id,omitempty"`
	Model      string          `json:"model,omitempty"`
	StopReason *string         `json:"stop_reason,omitempty"`
	Usage      json.RawMessage `json:"usage,omitempty"`
}

// Text returns the concatenated text content of the message.
func (m *MessageBody) Text() string {
	var out string
	for _, b := range m.Content {
		if t, ok := b.(*TextBlock); ok {
			out += t.Text
		}
	}
	return out
}

// Attachment references content sent alongside a queued message. The core
// stores the reference only; upload storage is an external concern.
type Attachment struct {
	Name      string `json:"name,omitempty"`
	MediaType string `json:"mediaType,omitempty"`
	URL       string `json:"url"`
}

// QueuedMessage is one pending user input in a process message queue.
type QueuedMessage struct {
	ID          string       `json:"id"`
	Text        string       `json:"text"`
	Attachments []Attachment `json:"attachments,omitempty"`
	QueuedAt    time.Time    `json:"queuedAt"`
}
