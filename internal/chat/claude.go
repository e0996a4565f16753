package chat

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	perrors "github.com/perrydev/perry/internal/common/errors"
	"github.com/perrydev/perry/internal/common/logger"
	"github.com/perrydev/perry/internal/container"
	"github.com/perrydev/perry/internal/sessions"
	"github.com/perrydev/perry/internal/syncer"
	"github.com/perrydev/perry/internal/transcript"
)

// maxStreamLineBytes bounds one stream-json line; tool results with
// inlined file content can run large.
const maxStreamLineBytes = 10 * 1024 * 1024

const controlTimeout = 30 * time.Second

// claudeAdapter drives one long-lived `claude -p` process speaking
// stream-json on stdin/stdout.
type claudeAdapter struct {
	driver container.Engine
	log    *logger.Logger

	mu      sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	events  chan Event
	model   string
	reqSeq  int
	pending map[string]chan error
	closed  bool
}

func newClaudeAdapter(deps AdapterDeps) *claudeAdapter {
	return &claudeAdapter{
		driver:  deps.Driver,
		log:     deps.Logger.WithFields(zap.String("component", "claude_adapter")),
		events:  make(chan Event, 64),
		pending: make(map[string]chan error),
	}
}

func (a *claudeAdapter) Kind() sessions.AgentKind { return sessions.AgentClaude }

func (a *claudeAdapter) Events() <-chan Event { return a.events }

func (a *claudeAdapter) Start(ctx context.Context, opts StartOptions) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.model = opts.Model
	argv := []string{
		"claude", "-p",
		"--output-format=stream-json",
		"--input-format=stream-json",
		"--verbose",
	}
	if opts.Model != "" {
		argv = append(argv, "--model", opts.Model)
	}
	if opts.ResumeNativeID != "" {
		argv = append(argv, "--resume", opts.ResumeNativeID)
	}

	workDir := opts.WorkDir
	if workDir == "" {
		workDir = syncer.WorkspaceHome
	}
	cmd := a.driver.ExecCommand(context.Background(), opts.ContainerName, argv,
		container.ExecOptions{User: syncer.WorkspaceUser, WorkDir: workDir, Env: opts.Env})

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return perrors.Wrap(perrors.AgentError, "opening agent stdin", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return perrors.Wrap(perrors.AgentError, "opening agent stdout", err)
	}
	if err := cmd.Start(); err != nil {
		return perrors.Wrap(perrors.AgentError, "starting claude", err)
	}

	a.cmd = cmd
	a.stdin = stdin
	go a.readLoop(stdout)
	return nil
}

// readLoop parses stream-json lines until the process closes stdout.
func (a *claudeAdapter) readLoop(stdout io.Reader) {
	defer func() {
		a.cmd.Wait()
		a.mu.Lock()
		a.closed = true
		a.mu.Unlock()
		close(a.events)
	}()

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 1024*1024), maxStreamLineBytes)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg claudeStreamMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			a.log.Warn("unparseable stream line", zap.Error(err))
			continue
		}
		a.dispatch(&msg)
	}
	if err := scanner.Err(); err != nil {
		a.log.Warn("reading agent stdout", zap.Error(err))
	}
}

// claudeStreamMessage is the superset of stream-json messages we handle.
type claudeStreamMessage struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	RequestID string `json:"request_id,omitempty"`
	Message   *struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	} `json:"message,omitempty"`
	Response *struct {
		Subtype string `json:"subtype"`
		Error   string `json:"error,omitempty"`
	} `json:"response,omitempty"`
	Result    string  `json:"result,omitempty"`
	NumTurns  int     `json:"num_turns,omitempty"`
	TotalCost float64 `json:"total_cost_usd,omitempty"`
	IsError   bool    `json:"is_error,omitempty"`
}

type claudeContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	Name      string          `json:"name,omitempty"`
	ID        string          `json:"id,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
}

func (a *claudeAdapter) dispatch(msg *claudeStreamMessage) {
	switch msg.Type {
	case "system":
		if msg.Subtype == "init" && msg.SessionID != "" {
			a.emit(Event{Type: transcript.MessageSystem, NativeSessionID: msg.SessionID})
		}

	case "assistant":
		for _, block := range decodeBlocks(msg.Message) {
			switch block.Type {
			case "text":
				if block.Text != "" {
					a.emit(Event{Type: transcript.MessageAssistant, Content: block.Text})
				}
			case "tool_use":
				a.emit(Event{Type: transcript.MessageToolUse, ToolName: block.Name, ToolID: block.ID})
			}
		}

	case "user":
		for _, block := range decodeBlocks(msg.Message) {
			if block.Type == "tool_result" {
				a.emit(Event{
					Type:    transcript.MessageToolResult,
					Content: flattenResultContent(block.Content),
					ToolID:  block.ToolUseID,
				})
			}
		}

	case "result":
		content := msg.Result
		if msg.IsError {
			a.emit(Event{Type: transcript.MessageError, Content: content})
			return
		}
		if content == "" {
			content = fmt.Sprintf("Turn complete: %d turns, $%.4f", msg.NumTurns, msg.TotalCost)
		}
		a.emit(Event{Type: transcript.MessageDone, Content: content})

	case "control_response":
		a.resolveControl(msg)
	}
}

func decodeBlocks(msg *struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}) []claudeContentBlock {
	if msg == nil || len(msg.Content) == 0 {
		return nil
	}
	var blocks []claudeContentBlock
	if err := json.Unmarshal(msg.Content, &blocks); err == nil {
		return blocks
	}
	// Content may also be a bare string.
	var text string
	if err := json.Unmarshal(msg.Content, &text); err == nil && text != "" {
		return []claudeContentBlock{{Type: "text", Text: text}}
	}
	return nil
}

// flattenResultContent renders a tool result, which may be a string or a
// block list.
func flattenResultContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text
	}
	var blocks []claudeContentBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		var parts []string
		for _, b := range blocks {
			if b.Type == "text" && b.Text != "" {
				parts = append(parts, b.Text)
			}
		}
		return strings.Join(parts, "\n")
	}
	return string(raw)
}

func (a *claudeAdapter) emit(ev Event) {
	a.events <- ev
}

func (a *claudeAdapter) SendMessage(ctx context.Context, content string) error {
	payload := map[string]any{
		"type": "user",
		"message": map[string]any{
			"role": "user",
			"content": []map[string]any{
				{"type": "text", "text": content},
			},
		},
	}
	return a.writeLine(payload)
}

func (a *claudeAdapter) SetModel(ctx context.Context, model string) error {
	if err := a.control(ctx, map[string]any{"subtype": "set_model", "model": model}); err != nil {
		return err
	}
	a.mu.Lock()
	a.model = model
	a.mu.Unlock()
	return nil
}

func (a *claudeAdapter) Interrupt(ctx context.Context) error {
	return a.control(ctx, map[string]any{"subtype": "interrupt"})
}

// control sends a control_request and waits for its response.
func (a *claudeAdapter) control(ctx context.Context, request map[string]any) error {
	a.mu.Lock()
	a.reqSeq++
	id := fmt.Sprintf("req_%d", a.reqSeq)
	ch := make(chan error, 1)
	a.pending[id] = ch
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		delete(a.pending, id)
		a.mu.Unlock()
	}()

	if err := a.writeLine(map[string]any{
		"type":       "control_request",
		"request_id": id,
		"request":    request,
	}); err != nil {
		return err
	}

	select {
	case err := <-ch:
		return err
	case <-time.After(controlTimeout):
		return perrors.Newf(perrors.Timeout, "agent control request timed out")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *claudeAdapter) resolveControl(msg *claudeStreamMessage) {
	id := msg.RequestID
	if id == "" && msg.Response != nil {
		return
	}
	a.mu.Lock()
	ch, ok := a.pending[id]
	a.mu.Unlock()
	if !ok {
		return
	}
	if msg.Response != nil && msg.Response.Subtype == "error" {
		ch <- perrors.Newf(perrors.AgentError, "control request failed: %s", msg.Response.Error)
		return
	}
	ch <- nil
}

func (a *claudeAdapter) writeLine(payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return perrors.Wrap(perrors.Internal, "encoding agent message", err)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed || a.stdin == nil {
		return perrors.Newf(perrors.AgentError, "agent process is gone")
	}
	if _, err := a.stdin.Write(append(data, '\n')); err != nil {
		return perrors.Wrap(perrors.AgentError, "writing to agent", err)
	}
	return nil
}

func (a *claudeAdapter) Dispose() {
	a.mu.Lock()
	stdin := a.stdin
	cmd := a.cmd
	a.mu.Unlock()

	if stdin != nil {
		stdin.Close() // EOF lets the CLI exit cleanly
	}
	if cmd != nil && cmd.Process != nil {
		go func() {
			time.Sleep(5 * time.Second)
			cmd.Process.Kill()
		}()
	}
}
