package session

import (
	"encoding/json"
	"strings"
)

// Role identifies the author of a Message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// PartType distinguishes the pieces of a multi-part message.
type PartType string

const (
	PartText  PartType = "text"
	PartImage PartType = "image_url"
)

// Part is one element of a multi-part message. Images are carried as data
// URLs ("data:image/png;base64,...").
type Part struct {
	Type     PartType `json:"type"`
	Text     string   `json:"text,omitempty"`
	ImageURL string   `json:"image_url,omitempty"`
}

// ToolCall is a structured call emitted by the model.
type ToolCall struct {
	ToolCallID string                 `json:"id"`
	Name       string                 `json:"name"`
	Args       map[string]interface{} `json:"args"`
}

// Message is a single conversation message. Content holds plain text; Parts
// is used instead when the message mixes text and images.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content,omitempty"`
	Parts      []Part     `json:"parts,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

func SystemMessage(text string) Message { return Message{Role: RoleSystem, Content: text} }

func HumanMessage(text string) Message { return Message{Role: RoleUser, Content: text} }

func AssistantMessage(text string) Message { return Message{Role: RoleAssistant, Content: text} }

// ToolMessage answers the tool call identified by callID.
func ToolMessage(text, callID string) Message {
	return Message{Role: RoleTool, Content: text, ToolCallID: callID}
}

// ImageMessage builds a user message with text followed by a base64 PNG.
func ImageMessage(text, base64PNG string) Message {
	return Message{Role: RoleUser, Parts: []Part{
		{Type: PartText, Text: text},
		{Type: PartImage, ImageURL: "data:image/png;base64," + base64PNG},
	}}
}

// Text returns the concatenated text of the message, ignoring images.
func (m Message) Text() string {
	if len(m.Parts) == 0 {
		return m.Content
	}
	var b strings.Builder
	if m.Content != "" {
		b.WriteString(m.Content)
	}
	for _, p := range m.Parts {
		if p.Type == PartText {
			if b.Len() > 0 {
				b.WriteString("\n")
			}
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// Images returns the image data URLs carried by the message.
func (m Message) Images() []string {
	var out []string
	for _, p := range m.Parts {
		if p.Type == PartImage {
			out = append(out, p.ImageURL)
		}
	}
	return out
}

// Clone returns a deep copy of m.
func (m Message) Clone() Message {
	c := m
	if m.Parts != nil {
		c.Parts = append([]Part(nil), m.Parts...)
	}
	if m.ToolCalls != nil {
		c.ToolCalls = make([]ToolCall, len(m.ToolCalls))
		for i, tc := range m.ToolCalls {
			c.ToolCalls[i] = ToolCall{ToolCallID: tc.ToolCallID, Name: tc.Name, Args: cloneArgs(tc.Args)}
		}
	}
	return c
}

// MapText applies fn to every text fragment of the message, including tool
// call arguments, and returns the result.
func (m Message) MapText(fn func(string) string) Message {
	c := m.Clone()
	c.Content = fn(c.Content)
	for i := range c.Parts {
		if c.Parts[i].Type == PartText {
			c.Parts[i].Text = fn(c.Parts[i].Text)
		}
	}
	for i := range c.ToolCalls {
		c.ToolCalls[i].Args = mapArgs(c.ToolCalls[i].Args, fn)
	}
	return c
}

func cloneArgs(args map[string]interface{}) map[string]interface{} {
	if args == nil {
		return nil
	}
	data, err := json.Marshal(args)
	if err != nil {
		out := make(map[string]interface{}, len(args))
		for k, v := range args {
			out[k] = v
		}
		return out
	}
	var out map[string]interface{}
	_ = json.Unmarshal(data, &out)
	return out
}

func mapArgs(v map[string]interface{}, fn func(string) string) map[string]interface{} {
	if v == nil {
		return nil
	}
	out := make(map[string]interface{}, len(v))
	for k, val := range v {
		out[k] = mapValue(val, fn)
	}
	return out
}

func mapValue(v interface{}, fn func(string) string) interface{} {
	switch x := v.(type) {
	case string:
		return fn(x)
	case map[string]interface{}:
		return mapArgs(x, fn)
	case []interface{}:
		out := make([]interface{}, len(x))
		for i := range x {
			out[i] = mapValue(x[i], fn)
		}
		return out
	default:
		return v
	}
}
