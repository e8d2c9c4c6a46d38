package provider

import (
	"encoding/json"
	"fmt"
	"os/exec"

	"github.com/wardenhq/warden/pkg/types"
)

// Codex drives the Codex CLI in experimental JSON mode. Its NDJSON events are
// item-oriented rather than block-oriented, so normalization synthesizes the
// record shapes the driver expects.
type Codex struct {
	Binary string
}

// NewCodex creates the codex provider.
func NewCodex() *Codex {
	return &Codex{Binary: "codex"}
}

func (c *Codex) Name() string { return "codex" }

func (c *Codex) IsInstalled() bool {
	_, err := exec.LookPath(c.Binary)
	return err == nil
}

func (c *Codex) AuthStatus() AuthStatus {
	if !c.IsInstalled() {
		return AuthStatusNotInstalled
	}
	if err := exec.Command(c.Binary, "login", "status").Run(); err != nil {
		return AuthStatusNeedsLogin
	}
	return AuthStatusReady
}

func (c *Codex) Command(opts StartOptions) (string, []string) {
	args := []string{"exec", "--json", "--experimental-json-input"}
	if opts.ResumeSessionID != "" {
		args = append(args, "resume", opts.ResumeSessionID)
	}
	if opts.Mode == types.ModeBypassPermissions {
		args = append(args, "--dangerously-bypass-approvals-and-sandbox")
	}
	args = append(args, opts.ExtraArgs...)
	return c.Binary, args
}

// codexLine is one NDJSON event from `codex exec --json`.
type codexLine struct {
	Type     string          `json:"type"`
	ThreadID string          `json:"thread_id,omitempty"`
	Item     *codexItem      `json:"item,omitempty"`
	Delta    string          `json:"delta,omitempty"`
	Usage    json.RawMessage `json:"usage,omitempty"`
	CallID   string          `json:"call_id,omitempty"`
	Command  string          `json:"command,omitempty"`
	Cwd      string          `json:"cwd,omitempty"`
}

type codexItem struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

func (c *Codex) NormalizeEvent(line []byte) (*Event, error) {
	var ev codexLine
	if err := json.Unmarshal(line, &ev); err != nil {
		return nil, fmt.Errorf("malformed codex event: %w", err)
	}

	switch ev.Type {
	case "thread.started", "session_configured":
		return &Event{Kind: EventInit, SessionID: ev.ThreadID, Cwd: ev.Cwd}, nil

	case "item.delta", "agent_message_delta":
		raw := make(json.RawMessage, len(line))
		copy(raw, line)
		return &Event{Kind: EventStream, SessionID: ev.ThreadID, Raw: raw}, nil

	case "item.completed":
		if ev.Item == nil || ev.Item.Type != "agent_message" || ev.Item.Text == "" {
			return &Event{Kind: EventIgnored}, nil
		}
		return &Event{Kind: EventMessage, SessionID: ev.ThreadID, Record: &types.Record{
			Type:      types.RecordTypeAssistant,
			UUID:      ev.Item.ID,
			SessionID: ev.ThreadID,
			Message: &types.MessageBody{
				Role:    "assistant",
				Content: types.BlockList{&types.TextBlock{Type: "text", Text: ev.Item.Text}},
			},
		}}, nil

	case "turn.completed":
		return &Event{Kind: EventResult, SessionID: ev.ThreadID, Record: &types.Record{
			Type:      types.RecordTypeResult,
			Subtype:   "success",
			SessionID: ev.ThreadID,
		}}, nil

	case "turn.failed", "error":
		return &Event{Kind: EventResult, SessionID: ev.ThreadID, Record: &types.Record{
			Type:      types.RecordTypeResult,
			Subtype:   "error",
			SessionID: ev.ThreadID,
			IsError:   true,
		}}, nil

	case "exec_approval_request", "apply_patch_approval_request":
		return &Event{Kind: EventControlRequest, SessionID: ev.ThreadID, Request: &types.ControlRequest{
			ID:       ev.CallID,
			Subtype:  ev.Type,
			ToolName: ev.Command,
		}}, nil

	case "item.started", "turn.started":
		return &Event{Kind: EventIgnored}, nil
	}

	return nil, fmt.Errorf("unknown codex event type %q", ev.Type)
}

func (c *Codex) EncodeUserMessage(msg types.QueuedMessage) ([]byte, error) {
	return json.Marshal(map[string]any{
		"type": "user_input",
		"text": msg.Text,
	})
}

func (c *Codex) EncodeControlResponse(requestID string, allow bool, message string) ([]byte, error) {
	decision := "denied"
	if allow {
		decision = "approved"
	}
	return json.Marshal(map[string]any{
		"type":     "approval_response",
		"call_id":  requestID,
		"decision": decision,
	})
}

func (c *Codex) EncodeSetMode(requestID string, mode types.PermissionMode) ([]byte, error) {
	return json.Marshal(map[string]any{
		"type": "override_turn_context",
		"approval_policy": map[types.PermissionMode]string{
			types.ModeDefault:           "untrusted",
			types.ModeAcceptEdits:       "on-request",
			types.ModePlan:              "never",
			types.ModeBypassPermissions: "never",
		}[mode],
	})
}
