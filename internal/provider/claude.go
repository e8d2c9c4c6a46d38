package provider

import (
	"encoding/json"
	"fmt"
	"os/exec"

	"github.com/wardenhq/warden/pkg/types"
)

// Claude drives the Claude Code CLI in stream-json mode.
type Claude struct {
	// Binary overrides the executable name; defaults to "claude".
	Binary string
}

// NewClaude creates the claude provider.
func NewClaude() *Claude {
	return &Claude{Binary: "claude"}
}

func (c *Claude) Name() string { return "claude" }

func (c *Claude) IsInstalled() bool {
	_, err := exec.LookPath(c.Binary)
	return err == nil
}

func (c *Claude) AuthStatus() AuthStatus {
	if !c.IsInstalled() {
		return AuthStatusNotInstalled
	}
	// The CLI manages its own credentials; a version probe distinguishes a
	// broken install from a working one.
	if err := exec.Command(c.Binary, "--version").Run(); err != nil {
		return AuthStatusUnknown
	}
	return AuthStatusReady
}

func (c *Claude) Command(opts StartOptions) (string, []string) {
	args := []string{
		"--input-format", "stream-json",
		"--output-format", "stream-json",
		"--verbose",
		"--include-partial-messages",
	}
	if opts.ResumeSessionID != "" {
		args = append(args, "--resume", opts.ResumeSessionID)
	}
	if opts.Mode != "" && opts.Mode != types.ModeDefault {
		args = append(args, "--permission-mode", string(opts.Mode))
	}
	args = append(args, opts.ExtraArgs...)
	return c.Binary, args
}

// claudeLine is the envelope shared by every stream-json output line.
type claudeLine struct {
	Type        string             `json:"type"`
	Subtype     string             `json:"subtype,omitempty"`
	SessionID   string             `json:"session_id,omitempty"`
	UUID        string             `json:"uuid,omitempty"`
	ParentUUID  *string            `json:"parentUuid,omitempty"`
	Cwd         string             `json:"cwd,omitempty"`
	Version     string             `json:"version,omitempty"`
	Message     *types.MessageBody `json:"message,omitempty"`
	Event       json.RawMessage    `json:"event,omitempty"`
	IsSidechain bool               `json:"isSidechain,omitempty"`

	// result
	Result     string `json:"result,omitempty"`
	IsError    bool   `json:"is_error,omitempty"`
	DurationMS int64  `json:"duration_ms,omitempty"`

	// control_request
	RequestID string                `json:"request_id,omitempty"`
	Request   *claudeControlRequest `json:"request,omitempty"`
}

type claudeControlRequest struct {
	Subtype  string          `json:"subtype"`
	ToolName string          `json:"tool_name,omitempty"`
	Input    json.RawMessage `json:"input,omitempty"`
}

func (c *Claude) NormalizeEvent(line []byte) (*Event, error) {
	var ev claudeLine
	if err := json.Unmarshal(line, &ev); err != nil {
		return nil, fmt.Errorf("malformed claude event: %w", err)
	}

	switch ev.Type {
	case "system":
		if ev.Subtype == "init" {
			return &Event{
				Kind:      EventInit,
				SessionID: ev.SessionID,
				Cwd:       ev.Cwd,
				Version:   ev.Version,
			}, nil
		}
		return &Event{Kind: EventMessage, Record: &types.Record{
			Type:      types.RecordTypeSystem,
			Subtype:   ev.Subtype,
			SessionID: ev.SessionID,
			Cwd:       ev.Cwd,
			Version:   ev.Version,
		}}, nil

	case "stream_event":
		return &Event{Kind: EventStream, SessionID: ev.SessionID, Raw: ev.Event}, nil

	case "assistant", "user":
		if ev.Message == nil {
			return nil, fmt.Errorf("%s event without message body", ev.Type)
		}
		rec := &types.Record{
			Type:        types.RecordType(ev.Type),
			UUID:        ev.UUID,
			ParentUUID:  ev.ParentUUID,
			SessionID:   ev.SessionID,
			Message:     ev.Message,
			IsSidechain: ev.IsSidechain,
		}
		return &Event{Kind: EventMessage, SessionID: ev.SessionID, Record: rec}, nil

	case "result":
		return &Event{Kind: EventResult, SessionID: ev.SessionID, Record: &types.Record{
			Type:       types.RecordTypeResult,
			Subtype:    ev.Subtype,
			UUID:       ev.UUID,
			SessionID:  ev.SessionID,
			Result:     ev.Result,
			IsError:    ev.IsError,
			DurationMS: ev.DurationMS,
		}}, nil

	case "control_request":
		if ev.Request == nil {
			return nil, fmt.Errorf("control_request without request body")
		}
		return &Event{Kind: EventControlRequest, SessionID: ev.SessionID, Request: &types.ControlRequest{
			ID:       ev.RequestID,
			Subtype:  ev.Request.Subtype,
			ToolName: ev.Request.ToolName,
			Input:    ev.Request.Input,
		}}, nil

	case "control_response", "control_cancel_request":
		// Acks for requests we sent.
		return &Event{Kind: EventIgnored}, nil
	}

	return nil, fmt.Errorf("unknown claude event type %q", ev.Type)
}

func (c *Claude) EncodeUserMessage(msg types.QueuedMessage) ([]byte, error) {
	content := []map[string]any{{"type": "text", "text": msg.Text}}
	for _, att := range msg.Attachments {
		content = append(content, map[string]any{
			"type": "image",
			"source": map[string]any{
				"type":       "url",
				"url":        att.URL,
				"media_type": att.MediaType,
			},
		})
	}
	return json.Marshal(map[string]any{
		"type": "user",
		"message": map[string]any{
			"role":    "user",
			"content": content,
		},
	})
}

func (c *Claude) EncodeControlResponse(requestID string, allow bool, message string) ([]byte, error) {
	behavior := "deny"
	if allow {
		behavior = "allow"
	}
	inner := map[string]any{"behavior": behavior}
	if message != "" {
		inner["message"] = message
	}
	return json.Marshal(map[string]any{
		"type": "control_response",
		"response": map[string]any{
			"subtype":    "success",
			"request_id": requestID,
			"response":   inner,
		},
	})
}

func (c *Claude) EncodeSetMode(requestID string, mode types.PermissionMode) ([]byte, error) {
	return json.Marshal(map[string]any{
		"type":       "control_request",
		"request_id": requestID,
		"request": map[string]any{
			"subtype": "set_permission_mode",
			"mode":    string(mode),
		},
	})
}
