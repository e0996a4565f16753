// Package transcript decodes the append-only JSONL logs the agent CLIs
// write and projects them into a uniform message sequence.
package transcript

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"
)

// maxLineBytes bounds a single transcript line; assistant messages with
// embedded file contents can get large.
const maxLineBytes = 10 * 1024 * 1024

// firstPromptLimit truncates the derived session preview text.
const firstPromptLimit = 200

// rawRecord is the superset of fields across the agents' JSONL schemas.
type rawRecord struct {
	Type      string          `json:"type"`
	Subtype   string          `json:"subtype"`
	Message   *rawMessage     `json:"message"`
	Content   json.RawMessage `json:"content"`
	Timestamp string          `json:"timestamp"`
	TS        float64         `json:"ts"`
	Name      string          `json:"name"`
	NumTurns  int             `json:"num_turns"`
	TotalCost float64         `json:"total_cost_usd"`
	Result    string          `json:"result"`
	SessionID string          `json:"session_id"`
}

type rawMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// contentBlock is one element of an array-form content field.
type contentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	ToolUseID string          `json:"tool_use_id"`
	Content   json.RawMessage `json:"content"`
}

// SessionMetadata summarizes a transcript file without materializing every
// message.
type SessionMetadata struct {
	NativeID     string
	ProjectPath  string
	Name         string
	MessageCount int
	LastActivity time.Time
	FirstPrompt  string
}

// ParseFile decodes a transcript into the uniform message model. Lines
// that fail to parse are skipped; the parser never aborts on garbage.
func ParseFile(path string) ([]Message, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Parse(f)
}

// Parse decodes transcript JSONL from a reader; see ParseFile.
func Parse(r io.Reader) ([]Message, error) {
	var messages []Message
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var record rawRecord
		if err := json.Unmarshal(line, &record); err != nil {
			continue
		}
		messages = append(messages, projectRecord(&record)...)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return messages, nil
}

// projectRecord maps one JSONL record onto zero or more messages.
func projectRecord(record *rawRecord) []Message {
	ts := recordTime(record)

	switch record.Type {
	case "user":
		return flattenContent(record, MessageUser, ts)
	case "assistant":
		return flattenContent(record, MessageAssistant, ts)
	case "system":
		// The init record describes CLI startup, not conversation content.
		if record.Subtype == "init" || record.Subtype == "session_name" {
			return nil
		}
		return []Message{{Type: MessageSystem, Content: textContent(record), Timestamp: ts}}
	case "result":
		if record.Subtype == "success" {
			return []Message{{
				Type:      MessageSystem,
				Content:   fmt.Sprintf("Session completed: %d turns, $%.4f", record.NumTurns, record.TotalCost),
				Timestamp: ts,
			}}
		}
		return []Message{{Type: MessageSystem, Content: "Session ended: " + record.Subtype, Timestamp: ts}}
	default:
		return nil
	}
}

// flattenContent emits one message per content block, preserving the order
// blocks appear in. String-form content emits a single message.
func flattenContent(record *rawRecord, role MessageType, ts time.Time) []Message {
	raw := record.Content
	if record.Message != nil && len(record.Message.Content) > 0 {
		raw = record.Message.Content
	}
	if len(raw) == 0 {
		return nil
	}

	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		if text == "" {
			return nil
		}
		return []Message{{Type: role, Content: text, Timestamp: ts}}
	}

	var blocks []contentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return nil
	}

	var out []Message
	for _, block := range blocks {
		switch block.Type {
		case "text":
			if block.Text != "" {
				out = append(out, Message{Type: role, Content: block.Text, Timestamp: ts})
			}
		case "tool_use":
			out = append(out, Message{
				Type:      MessageToolUse,
				ToolName:  block.Name,
				ToolID:    block.ID,
				Timestamp: ts,
			})
		case "tool_result":
			out = append(out, Message{
				Type:      MessageToolResult,
				Content:   blockText(block.Content),
				ToolID:    block.ToolUseID,
				Timestamp: ts,
			})
		}
	}
	return out
}

// blockText renders a tool_result content field, which may itself be a
// string or an array of text blocks.
func blockText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text
	}
	var blocks []contentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return ""
	}
	var parts []string
	for _, block := range blocks {
		if block.Type == "text" && block.Text != "" {
			parts = append(parts, block.Text)
		}
	}
	return strings.Join(parts, "\n")
}

func textContent(record *rawRecord) string {
	if record.Message != nil && len(record.Message.Content) > 0 {
		var text string
		if err := json.Unmarshal(record.Message.Content, &text); err == nil {
			return text
		}
	}
	if len(record.Content) > 0 {
		var text string
		if err := json.Unmarshal(record.Content, &text); err == nil {
			return text
		}
	}
	return record.Subtype
}

// recordTime resolves the record timestamp: ISO strings under "timestamp",
// epoch seconds under "ts" (multiplied out to milliseconds).
func recordTime(record *rawRecord) time.Time {
	if record.Timestamp != "" {
		if t, err := time.Parse(time.RFC3339, record.Timestamp); err == nil {
			return t
		}
	}
	if record.TS > 0 {
		return time.UnixMilli(int64(record.TS * 1000))
	}
	return time.Time{}
}

// GetSessionMetadata derives session listing data from a transcript file.
// The project path is decoded from the parent directory name, where the
// agent encodes "/" as "-".
func GetSessionMetadata(path string, agentKind string) (*SessionMetadata, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}

	meta := &SessionMetadata{
		NativeID:     strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)),
		ProjectPath:  DecodeProjectDir(filepath.Base(filepath.Dir(path))),
		LastActivity: info.ModTime(),
	}
	if err := ScanMetadata(f, meta); err != nil {
		return nil, err
	}
	return meta, nil
}

// ScanMetadata fills counts, names and the first prompt by streaming the
// transcript. A NativeID left empty is taken from the first session_id
// the log reports.
func ScanMetadata(r io.Reader, meta *SessionMetadata) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var record rawRecord
		if err := json.Unmarshal(line, &record); err != nil {
			continue
		}
		if record.SessionID != "" && meta.NativeID == "" {
			meta.NativeID = record.SessionID
		}
		if record.Type == "system" && record.Subtype == "session_name" && record.Name != "" {
			meta.Name = record.Name
			continue
		}
		projected := projectRecord(&record)
		meta.MessageCount += len(projected)
		if meta.FirstPrompt == "" {
			for _, msg := range projected {
				if msg.Type == MessageUser && msg.Content != "" {
					meta.FirstPrompt = truncate(msg.Content, firstPromptLimit)
					break
				}
			}
		}
	}
	return scanner.Err()
}

// DecodeProjectDir inverts the agent's directory encoding of a project
// path ("/" replaced by "-").
func DecodeProjectDir(dir string) string {
	if dir == "" || dir == "." {
		return ""
	}
	return strings.ReplaceAll(dir, "-", "/")
}

// truncate cuts s to at most limit bytes without splitting a rune.
func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
