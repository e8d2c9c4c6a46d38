package types

import "encoding/json"

// ContentBlock is a component of a message payload.
type ContentBlock interface {
	BlockType() string
}

// TextBlock is plain assistant or user text.
type TextBlock struct {
	Type string `json:"type"` // always "text"
	Text string `json:"text"`
}

func (b *TextBlock) BlockType() string { return "text" }

// ThinkingBlock is extended reasoning content.
type ThinkingBlock struct {
	Type      string `json:"type"` // always "thinking"
	Thinking  string `json:"thinking"`
	Signature string `json:"signature,omitempty"`
}

func (b *ThinkingBlock) BlockType() string { return "thinking" }

// ToolUseBlock is a tool invocation. Input is kept raw: edits get their
// structured-patch augmentation from an external collaborator, the log stores
// only what the provider emitted.
type ToolUseBlock struct {
	Type  string          `json:"type"` // always "tool_use"
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

func (b *ToolUseBlock) BlockType() string { return "tool_use" }

// ToolResultBlock is the result of a tool invocation, linked back to its
// ToolUseBlock by ToolUseID. Content may be a string or a block array, so it
// stays raw.
type ToolResultBlock struct {
	Type      string          `json:"type"` // always "tool_result"
	ToolUseID string          `json:"tool_use_id"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

func (b *ToolResultBlock) BlockType() string { return "tool_result" }

// RawBlock preserves blocks of unknown type byte-for-byte.
type RawBlock struct {
	Type string
	Data json.RawMessage
}

func (b *RawBlock) BlockType() string { return b.Type }

func (b *RawBlock) MarshalJSON() ([]byte, error) { return b.Data, nil }

// UnmarshalBlock unmarshals a single JSON content block into the appropriate
// concrete type.
func UnmarshalBlock(data []byte) (ContentBlock, error) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, err
	}

	switch probe.Type {
	case "text":
		var b TextBlock
		if err := json.Unmarshal(data, &b); err != nil {
			return nil, err
		}
		return &b, nil
	case "thinking":
		var b ThinkingBlock
		if err := json.Unmarshal(data, &b); err != nil {
			return nil, err
		}
		return &b, nil
	case "tool_use":
		var b ToolUseBlock
		if err := json.Unmarshal(data, &b); err != nil {
			return nil, err
		}
		return &b, nil
	case "tool_result":
		var b ToolResultBlock
		if err := json.Unmarshal(data, &b); err != nil {
			return nil, err
		}
		return &b, nil
	default:
		// Unknown block types round-trip untouched.
		raw := make(json.RawMessage, len(data))
		copy(raw, data)
		return &RawBlock{Type: probe.Type, Data: raw}, nil
	}
}

// BlockList is a content-block sequence. Providers sometimes emit a bare
// string where a block array is expected; unmarshaling normalizes that to a
// single text block.
type BlockList []ContentBlock

func (l *BlockList) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*l = BlockList{&TextBlock{Type: "text", Text: s}}
		return nil
	}

	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return err
	}
	blocks := make(BlockList, 0, len(raws))
	for _, raw := range raws {
		b, err := UnmarshalBlock(raw)
		if err != nil {
			return err
		}
		blocks = append(blocks, b)
	}
	*l = blocks
	return nil
}
