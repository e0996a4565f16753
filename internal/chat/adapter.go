// Package chat runs persistent AI agent sessions inside workspace
// containers and fans their output out to WebSocket clients. Each agent
// CLI is wrapped by an adapter that normalizes its wire protocol into a
// common event stream.
package chat

import (
	"context"

	perrors "github.com/perrydev/perry/internal/common/errors"
	"github.com/perrydev/perry/internal/common/logger"
	"github.com/perrydev/perry/internal/container"
	"github.com/perrydev/perry/internal/sessions"
	"github.com/perrydev/perry/internal/transcript"
)

// AdapterDeps are the shared dependencies adapters need to spawn
// processes inside containers.
type AdapterDeps struct {
	Driver container.Engine
	Logger *logger.Logger
}

func errUnknownAgent(kind sessions.AgentKind) error {
	return perrors.Newf(perrors.InvalidArgument, "unknown agent kind %q", kind)
}

// Event is one normalized unit of agent output.
type Event struct {
	Type     transcript.MessageType
	Content  string
	ToolName string
	ToolID   string

	// NativeSessionID is set on the first event that reveals the
	// agent's own session id, so the registry can link it.
	NativeSessionID string
}

// StartOptions configure an adapter launch.
type StartOptions struct {
	ContainerName string
	WorkDir       string
	Model         string

	// Env is extra process environment, typically agent credentials.
	Env map[string]string

	// ResumeNativeID resumes an existing agent session instead of
	// starting a fresh one.
	ResumeNativeID string
}

// Adapter drives one agent CLI process (or process-per-turn loop) for a
// single session. Implementations deliver events on the channel returned
// by Events and close it when the session ends for good.
type Adapter interface {
	// Kind identifies the agent CLI.
	Kind() sessions.AgentKind

	// Start launches the session. Events flow after Start returns.
	Start(ctx context.Context, opts StartOptions) error

	// SendMessage submits a user prompt. Returns once the prompt is
	// handed to the agent; the reply arrives as events.
	SendMessage(ctx context.Context, content string) error

	// SetModel switches the model for subsequent turns.
	SetModel(ctx context.Context, model string) error

	// Interrupt aborts the in-flight turn. The agent must accept a new
	// prompt afterwards.
	Interrupt(ctx context.Context) error

	// Events returns the adapter's output stream.
	Events() <-chan Event

	// Dispose terminates the agent process and releases resources.
	Dispose()
}

// NewAdapter constructs the adapter for an agent kind.
func NewAdapter(kind sessions.AgentKind, deps AdapterDeps) (Adapter, error) {
	switch kind {
	case sessions.AgentClaude:
		return newClaudeAdapter(deps), nil
	case sessions.AgentOpenCode:
		return newOpenCodeAdapter(deps), nil
	case sessions.AgentCodex:
		return newCodexAdapter(deps), nil
	default:
		return nil, errUnknownAgent(kind)
	}
}
