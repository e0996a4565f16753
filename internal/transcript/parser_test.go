package transcript

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTranscript(t *testing.T, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "projects", "-home-workspace-repo", "abc-123.jsonl")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0600))
	return path
}

func TestParseFlattensBlocksInOrder(t *testing.T) {
	path := writeTranscript(t,
		`{"type":"user","message":{"role":"user","content":"fix the bug"},"timestamp":"2026-08-20T10:00:00Z"}`,
		`{"type":"assistant","message":{"role":"assistant","content":[`+
			`{"type":"text","text":"Looking at it."},`+
			`{"type":"tool_use","id":"tu_1","name":"Read"},`+
			`{"type":"text","text":"Found it."}]}}`,
		`{"type":"user","message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"tu_1","content":"file contents"}]}}`,
	)

	messages, err := ParseFile(path)
	require.NoError(t, err)
	require.Len(t, messages, 5)

	assert.Equal(t, MessageUser, messages[0].Type)
	assert.Equal(t, "fix the bug", messages[0].Content)

	// Interleaved text and tool blocks keep their original order.
	assert.Equal(t, MessageAssistant, messages[1].Type)
	assert.Equal(t, "Looking at it.", messages[1].Content)
	assert.Equal(t, MessageToolUse, messages[2].Type)
	assert.Equal(t, "Read", messages[2].ToolName)
	assert.Equal(t, "tu_1", messages[2].ToolID)
	assert.Equal(t, MessageAssistant, messages[3].Type)
	assert.Equal(t, "Found it.", messages[3].Content)

	assert.Equal(t, MessageToolResult, messages[4].Type)
	assert.Equal(t, "file contents", messages[4].Content)
	assert.Equal(t, "tu_1", messages[4].ToolID)
}

func TestParseSkipsGarbageLines(t *testing.T) {
	path := writeTranscript(t,
		`{"type":"user","message":{"role":"user","content":"hello"}}`,
		`this is not json at all`,
		`{"type":"unknown_kind","whatever":true}`,
		`{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"hi"}]}}`,
	)

	messages, err := ParseFile(path)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, "hello", messages[0].Content)
	assert.Equal(t, "hi", messages[1].Content)
}

func TestParseElidesInitAndProjectsResult(t *testing.T) {
	path := writeTranscript(t,
		`{"type":"system","subtype":"init","session_id":"abc-123"}`,
		`{"type":"user","message":{"role":"user","content":"do it"}}`,
		`{"type":"result","subtype":"success","num_turns":3,"total_cost_usd":0.0421}`,
	)

	messages, err := ParseFile(path)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, MessageSystem, messages[1].Type)
	assert.Equal(t, "Session completed: 3 turns, $0.0421", messages[1].Content)
}

func TestParseResultFailure(t *testing.T) {
	path := writeTranscript(t,
		`{"type":"result","subtype":"error_max_turns"}`,
	)
	messages, err := ParseFile(path)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, "Session ended: error_max_turns", messages[0].Content)
}

func TestRecordTimeForms(t *testing.T) {
	path := writeTranscript(t,
		`{"type":"user","message":{"role":"user","content":"iso"},"timestamp":"2026-08-20T10:30:00Z"}`,
		`{"type":"user","message":{"role":"user","content":"epoch"},"ts":1755686400}`,
	)
	messages, err := ParseFile(path)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, 2026, messages[0].Timestamp.Year())
	assert.Equal(t, int64(1755686400000), messages[1].Timestamp.UnixMilli())
}

func TestGetSessionMetadata(t *testing.T) {
	longPrompt := strings.Repeat("x", 300)
	path := writeTranscript(t,
		`{"type":"system","subtype":"init","session_id":"abc-123"}`,
		`{"type":"user","message":{"role":"user","content":"`+longPrompt+`"}}`,
		`{"type":"system","subtype":"session_name","name":"parser work"}`,
		`{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"ok"}]}}`,
	)

	meta, err := GetSessionMetadata(path, "claude")
	require.NoError(t, err)
	assert.Equal(t, "abc-123", meta.NativeID)
	assert.Equal(t, "/home/workspace/repo", meta.ProjectPath)
	assert.Equal(t, "parser work", meta.Name)
	assert.Equal(t, 2, meta.MessageCount)
	assert.Len(t, meta.FirstPrompt, 200)
	assert.False(t, meta.LastActivity.IsZero())
}

func TestScanMetadataFillsNativeIDFromRecords(t *testing.T) {
	content := `{"type":"system","subtype":"init","session_id":"from-log"}` + "\n" +
		`{"type":"user","message":{"role":"user","content":"hi"}}` + "\n"

	meta := &SessionMetadata{}
	require.NoError(t, ScanMetadata(strings.NewReader(content), meta))
	assert.Equal(t, "from-log", meta.NativeID)
	assert.Equal(t, 1, meta.MessageCount)
}

func TestDecodeProjectDir(t *testing.T) {
	assert.Equal(t, "/home/workspace/repo", DecodeProjectDir("-home-workspace-repo"))
	assert.Equal(t, "", DecodeProjectDir(""))
	assert.Equal(t, "", DecodeProjectDir("."))
}

func TestTruncateKeepsRunesWhole(t *testing.T) {
	tests := []struct {
		name  string
		in    string
		limit int
		want  string
	}{
		{"under limit", "short", 10, "short"},
		{"exact limit", "exact", 5, "exact"},
		{"ascii cut", "abcdef", 3, "abc"},
		{"multibyte at boundary", "abécd", 3, "ab"}, // é is 2 bytes
		{"multibyte whole", "abécd", 4, "abé"},
		{"cjk mid-rune", "日本語", 4, "日"}, // each rune is 3 bytes
		{"emoji mid-rune", "hi\U0001f600", 5, "hi"}, // emoji is 4 bytes
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := truncate(tt.in, tt.limit)
			assert.Equal(t, tt.want, got)
			assert.True(t, utf8.ValidString(got))
		})
	}
}
