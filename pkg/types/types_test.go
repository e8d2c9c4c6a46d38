package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlockList_StringContent(t *testing.T) {
	// Providers sometimes emit "content": "hi" instead of a block array.
	var body MessageBody
	err := json.Unmarshal([]byte(`{"role":"user","content":"hi there"}`), &body)
	require.NoError(t, err)

	require.Len(t, body.Content, 1)
	text, ok := body.Content[0].(*TextBlock)
	require.True(t, ok)
	assert.Equal(t, "hi there", text.Text)
	assert.Equal(t, "hi there", body.Text())
}

func TestBlockList_ToolUseLinking(t *testing.T) {
	data := []byte(`[
		{"type":"tool_use","id":"toolu_1","name":"Bash","input":{"command":"ls"}},
		{"type":"tool_result","tool_use_id":"toolu_1","content":"ok","is_error":false}
	]`)

	var blocks BlockList
	require.NoError(t, json.Unmarshal(data, &blocks))
	require.Len(t, blocks, 2)

	use, ok := blocks[0].(*ToolUseBlock)
	require.True(t, ok)
	result, ok := blocks[1].(*ToolResultBlock)
	require.True(t, ok)

	// tool_result links back by id; readers build the lookup, no back-pointers.
	assert.Equal(t, use.ID, result.ToolUseID)
	assert.Equal(t, "Bash", use.Name)
}

func TestBlockList_UnknownTypeRoundTrips(t *testing.T) {
	raw := `[{"type":"server_tool_use","id":"x","weird":{"nested":true}}]`

	var blocks BlockList
	require.NoError(t, json.Unmarshal([]byte(raw), &blocks))
	require.Len(t, blocks, 1)
	assert.Equal(t, "server_tool_use", blocks[0].BlockType())

	out, err := json.Marshal(blocks)
	require.NoError(t, err)
	assert.JSONEq(t, raw, string(out))
}

func TestRecord_Classification(t *testing.T) {
	assert.True(t, (&Record{Type: RecordTypeUser}).IsMessage())
	assert.True(t, (&Record{Type: RecordTypeAssistant}).IsMessage())
	assert.False(t, (&Record{Type: RecordTypeStreamEvent}).IsMessage())
	assert.False(t, (&Record{Type: RecordTypeSystem}).IsMessage())

	assert.True(t, (&Record{Type: RecordTypeQueueOperation}).IsBookkeeping())
	assert.True(t, (&Record{Type: RecordTypeCompactBoundary}).IsBookkeeping())
	assert.False(t, (&Record{Type: RecordTypeResult}).IsBookkeeping())
}

func TestProjectID_RoundTrip(t *testing.T) {
	paths := []string{
		"/tmp/demo",
		"/Users/dev/projects/my app",
		"/home/dev/работа", // non-ASCII survives
	}
	for _, p := range paths {
		id := EncodeProjectID(p)
		got, err := DecodeProjectID(id)
		require.NoError(t, err, p)
		assert.Equal(t, p, got)
	}
}

func TestDecodeProjectID_Invalid(t *testing.T) {
	_, err := DecodeProjectID("")
	assert.Error(t, err)

	_, err = DecodeProjectID("not/base64url!")
	assert.Error(t, err)

	// Valid base64 of a relative path is still rejected.
	_, err = DecodeProjectID(EncodeProjectID("relative/path"))
	assert.Error(t, err)
}

func TestProcessState_Terminal(t *testing.T) {
	assert.False(t, ProcessState{Kind: StateSpawning}.Terminal())
	assert.False(t, ProcessState{Kind: StateInTurn}.Terminal())
	assert.False(t, ProcessState{Kind: StateIdle}.Terminal())
	assert.True(t, ProcessState{Kind: StateAborted}.Terminal())
	assert.True(t, ProcessState{Kind: StateExited}.Terminal())
}

func TestParsePermissionMode(t *testing.T) {
	for _, valid := range []string{"default", "acceptEdits", "plan", "bypassPermissions"} {
		mode, err := ParsePermissionMode(valid)
		require.NoError(t, err)
		assert.Equal(t, PermissionMode(valid), mode)
	}

	_, err := ParsePermissionMode("yolo")
	assert.Error(t, err)
}
