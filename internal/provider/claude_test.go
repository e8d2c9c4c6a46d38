package provider

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardenhq/warden/pkg/types"
)

func TestClaudeNormalizeInit(t *testing.T) {
	c := NewClaude()
	line := `{"type":"system","subtype":"init","session_id":"real-xyz","cwd":"/tmp/demo","version":"2.1.0"}`

	ev, err := c.NormalizeEvent([]byte(line))
	require.NoError(t, err)

	assert.Equal(t, EventInit, ev.Kind)
	assert.Equal(t, "real-xyz", ev.SessionID)
	assert.Equal(t, "/tmp/demo", ev.Cwd)
	assert.Equal(t, "2.1.0", ev.Version)
}

func TestClaudeNormalizeAssistantMessage(t *testing.T) {
	c := NewClaude()
	line := `{"type":"assistant","uuid":"u2","parentUuid":"u1","session_id":"s1","message":{"role":"assistant","content":[{"type":"text","text":"hello"}]}}`

	ev, err := c.NormalizeEvent([]byte(line))
	require.NoError(t, err)

	assert.Equal(t, EventMessage, ev.Kind)
	require.NotNil(t, ev.Record)
	assert.Equal(t, types.RecordTypeAssistant, ev.Record.Type)
	assert.Equal(t, "u2", ev.Record.UUID)
	require.NotNil(t, ev.Record.ParentUUID)
	assert.Equal(t, "u1", *ev.Record.ParentUUID)
	assert.Equal(t, "hello", ev.Record.Message.Text())
}

func TestClaudeNormalizeStreamEvent(t *testing.T) {
	c := NewClaude()
	line := `{"type":"stream_event","session_id":"s1","event":{"type":"content_block_delta","delta":{"type":"text_delta","text":"he"}}}`

	ev, err := c.NormalizeEvent([]byte(line))
	require.NoError(t, err)

	assert.Equal(t, EventStream, ev.Kind)
	assert.Contains(t, string(ev.Raw), "text_delta")
}

func TestClaudeNormalizeControlRequest(t *testing.T) {
	c := NewClaude()
	line := `{"type":"control_request","request_id":"req-1","session_id":"s1","request":{"subtype":"can_use_tool","tool_name":"Bash","input":{"command":"ls"}}}`

	ev, err := c.NormalizeEvent([]byte(line))
	require.NoError(t, err)

	assert.Equal(t, EventControlRequest, ev.Kind)
	require.NotNil(t, ev.Request)
	assert.Equal(t, "req-1", ev.Request.ID)
	assert.Equal(t, "can_use_tool", ev.Request.Subtype)
	assert.Equal(t, "Bash", ev.Request.ToolName)
}

func TestClaudeNormalizeResult(t *testing.T) {
	c := NewClaude()
	line := `{"type":"result","subtype":"success","session_id":"s1","result":"done","duration_ms":1200,"is_error":false}`

	ev, err := c.NormalizeEvent([]byte(line))
	require.NoError(t, err)

	assert.Equal(t, EventResult, ev.Kind)
	assert.Equal(t, "done", ev.Record.Result)
	assert.EqualValues(t, 1200, ev.Record.DurationMS)
}

func TestClaudeNormalizeMalformed(t *testing.T) {
	c := NewClaude()

	_, err := c.NormalizeEvent([]byte(`{"type":"assistant"`))
	assert.Error(t, err)

	_, err = c.NormalizeEvent([]byte(`{"type":"never-heard-of-it"}`))
	assert.Error(t, err)
}

func TestClaudeEncodeUserMessage(t *testing.T) {
	c := NewClaude()
	data, err := c.EncodeUserMessage(types.QueuedMessage{ID: "m1", Text: "hi"})
	require.NoError(t, err)

	var decoded struct {
		Type    string `json:"type"`
		Message struct {
			Role    string `json:"role"`
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
		} `json:"message"`
	}
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "user", decoded.Type)
	assert.Equal(t, "user", decoded.Message.Role)
	require.Len(t, decoded.Message.Content, 1)
	assert.Equal(t, "hi", decoded.Message.Content[0].Text)
}

func TestClaudeEncodeControlResponse(t *testing.T) {
	c := NewClaude()

	data, err := c.EncodeControlResponse("req-1", true, "")
	require.NoError(t, err)
	assert.Contains(t, string(data), `"behavior":"allow"`)
	assert.Contains(t, string(data), `"request_id":"req-1"`)

	data, err = c.EncodeControlResponse("req-2", false, "not now")
	require.NoError(t, err)
	assert.Contains(t, string(data), `"behavior":"deny"`)
	assert.Contains(t, string(data), "not now")
}

func TestClaudeCommandArgs(t *testing.T) {
	c := NewClaude()

	bin, args := c.Command(StartOptions{Mode: types.ModePlan, ResumeSessionID: "old-id"})
	assert.Equal(t, "claude", bin)
	assert.Contains(t, args, "--resume")
	assert.Contains(t, args, "old-id")
	assert.Contains(t, args, "--permission-mode")
	assert.Contains(t, args, "plan")

	_, args = c.Command(StartOptions{})
	assert.NotContains(t, args, "--permission-mode")
}
