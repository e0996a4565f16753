package transcript

import "time"

// MessageType tags a message in the uniform model shared by the JSONL
// parser and the live session stream.
type MessageType string

const (
	MessageUser       MessageType = "user"
	MessageAssistant  MessageType = "assistant"
	MessageToolUse    MessageType = "tool_use"
	MessageToolResult MessageType = "tool_result"
	MessageSystem     MessageType = "system"
	MessageError      MessageType = "error"
	MessageDone       MessageType = "done"
)

// Message is one entry in the uniform message model.
type Message struct {
	ID        int64       `json:"id,omitempty"`
	Type      MessageType `json:"type"`
	Content   string      `json:"content,omitempty"`
	ToolName  string      `json:"toolName,omitempty"`
	ToolID    string      `json:"toolId,omitempty"`
	Timestamp time.Time   `json:"timestamp,omitempty"`
}
