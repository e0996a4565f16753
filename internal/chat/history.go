package chat

import (
	"context"
	"path"
	"strings"

	"go.uber.org/zap"

	perrors "github.com/perrydev/perry/internal/common/errors"
	"github.com/perrydev/perry/internal/common/logger"
	"github.com/perrydev/perry/internal/container"
	"github.com/perrydev/perry/internal/sessions"
	"github.com/perrydev/perry/internal/syncer"
	"github.com/perrydev/perry/internal/transcript"
)

// claudeProjectsDir holds per-project transcript directories; codex keeps
// dated rollout logs. Both are JSONL the transcript parser understands.
// opencode stores sessions as JSON documents, not transcripts, so it is
// not scanned.
const (
	claudeProjectsDir = syncer.WorkspaceHome + "/.claude/projects"
	codexSessionsDir  = syncer.WorkspaceHome + "/.codex/sessions"
)

// History reads agent transcripts out of workspace containers: importing
// sessions started outside the daemon and serving full message history.
type History struct {
	driver   container.Engine
	registry *sessions.Registry
	logger   *logger.Logger
}

// NewHistory creates the transcript history service.
func NewHistory(driver container.Engine, registry *sessions.Registry, log *logger.Logger) *History {
	return &History{
		driver:   driver,
		registry: registry,
		logger:   log.WithFields(zap.String("component", "session_history")),
	}
}

// ImportWorkspaceSessions scans the container for agent transcripts and
// registers any the registry does not know yet. Already-known sessions
// are returned unchanged; the scan is idempotent.
func (h *History) ImportWorkspaceSessions(ctx context.Context, workspace, containerName string) ([]*sessions.Session, error) {
	var imported []*sessions.Session

	kinds := []struct {
		kind sessions.AgentKind
		root string
	}{
		{sessions.AgentClaude, claudeProjectsDir},
		{sessions.AgentCodex, codexSessionsDir},
	}
	for _, k := range kinds {
		paths, err := h.findTranscripts(ctx, containerName, k.root)
		if err != nil {
			return nil, err
		}
		for _, p := range paths {
			record, err := h.importOne(ctx, workspace, containerName, k.kind, p)
			if err != nil {
				h.logger.Warn("importing transcript",
					zap.String("path", p), zap.Error(err))
				continue
			}
			if record != nil {
				imported = append(imported, record)
			}
		}
	}
	return imported, nil
}

func (h *History) importOne(ctx context.Context, workspace, containerName string, kind sessions.AgentKind, transcriptPath string) (*sessions.Session, error) {
	data, err := h.readContainerFile(ctx, containerName, transcriptPath)
	if err != nil || data == nil {
		return nil, err
	}

	meta := &transcript.SessionMetadata{}
	if kind == sessions.AgentClaude {
		// claude names the file after the session and encodes the
		// project path in the parent directory.
		base := path.Base(transcriptPath)
		meta.NativeID = strings.TrimSuffix(base, path.Ext(base))
		meta.ProjectPath = transcript.DecodeProjectDir(path.Base(path.Dir(transcriptPath)))
	}
	if err := transcript.ScanMetadata(strings.NewReader(string(data)), meta); err != nil {
		return nil, err
	}
	if meta.NativeID == "" {
		return nil, nil // not a session transcript
	}
	if meta.MessageCount == 0 {
		return nil, nil // empty shells are noise in the session list
	}

	name := meta.Name
	if name == "" {
		name = meta.FirstPrompt
	}
	return h.registry.ImportExternalSession(ctx, sessions.CreateSpec{
		WorkspaceName: workspace,
		AgentKind:     kind,
		AgentNativeID: meta.NativeID,
		ProjectPath:   meta.ProjectPath,
		Name:          name,
	})
}

// Messages returns the full transcript of a session read from its
// container.
func (h *History) Messages(ctx context.Context, record *sessions.Session, containerName string) ([]transcript.Message, error) {
	if record.AgentNativeID == "" {
		return []transcript.Message{}, nil
	}

	root := claudeProjectsDir
	if record.AgentKind == sessions.AgentCodex {
		root = codexSessionsDir
	}

	paths, err := h.findTranscripts(ctx, containerName, root)
	if err != nil {
		return nil, err
	}
	for _, p := range paths {
		if !strings.Contains(path.Base(p), record.AgentNativeID) {
			continue
		}
		data, err := h.readContainerFile(ctx, containerName, p)
		if err != nil {
			return nil, err
		}
		messages, err := transcript.Parse(strings.NewReader(string(data)))
		if err != nil {
			return nil, err
		}
		// Replay ids are positional; live sessions number independently.
		for i := range messages {
			messages[i].ID = int64(i + 1)
		}
		return messages, nil
	}
	return nil, perrors.Newf(perrors.NotFound,
		"transcript for session %q not found in workspace", record.OwnID)
}

// findTranscripts lists *.jsonl files under root inside the container. A
// missing root yields an empty list.
func (h *History) findTranscripts(ctx context.Context, containerName, root string) ([]string, error) {
	result, err := h.driver.Exec(ctx, containerName,
		[]string{"sh", "-c", "find " + root + " -name '*.jsonl' -type f 2>/dev/null || true"},
		container.ExecOptions{User: syncer.WorkspaceUser})
	if err != nil {
		return nil, err
	}
	var out []string
	for _, line := range strings.Split(result.Stdout, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			out = append(out, line)
		}
	}
	return out, nil
}

func (h *History) readContainerFile(ctx context.Context, containerName, p string) ([]byte, error) {
	result, err := h.driver.Exec(ctx, containerName, []string{"cat", p},
		container.ExecOptions{User: syncer.WorkspaceUser})
	if err != nil {
		return nil, err
	}
	if result.ExitCode != 0 {
		return nil, nil
	}
	return []byte(result.Stdout), nil
}
