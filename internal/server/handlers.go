package server

import (
	"encoding/json"
	"io"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/perrydev/perry/internal/common/config"
	perrors "github.com/perrydev/perry/internal/common/errors"
	"github.com/perrydev/perry/internal/container"
	"github.com/perrydev/perry/internal/sessions"
	"github.com/perrydev/perry/internal/state"
	"github.com/perrydev/perry/internal/workspace"
)

// rpcEnvelope is the request wrapper: parameters travel under "json".
type rpcEnvelope struct {
	JSON json.RawMessage `json:"json"`
}

// handleRPC dispatches POST /rpc/<procedure>.
func (s *Server) handleRPC(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		writeError(c, perrors.Wrap(perrors.InvalidArgument, "reading request body", err))
		return
	}

	var params json.RawMessage
	if len(body) > 0 {
		var envelope rpcEnvelope
		if err := json.Unmarshal(body, &envelope); err != nil {
			writeError(c, perrors.Wrap(perrors.InvalidArgument, "malformed request envelope", err))
			return
		}
		params = envelope.JSON
	}

	result, err := s.dispatch(c, c.Param("procedure"), params)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"json": result})
}

// bind decodes procedure parameters.
func bind(params json.RawMessage, target any) error {
	if len(params) == 0 {
		return perrors.New(perrors.InvalidArgument, "missing parameters")
	}
	if err := json.Unmarshal(params, target); err != nil {
		return perrors.Wrap(perrors.InvalidArgument, "invalid parameters", err)
	}
	return nil
}

func (s *Server) dispatch(c *gin.Context, procedure string, params json.RawMessage) (any, error) {
	ctx := c.Request.Context()

	switch procedure {

	case "workspaces.create":
		var p struct {
			Name        string            `json:"name"`
			DisplayName string            `json:"displayName"`
			CloneURL    string            `json:"cloneUrl"`
			Env         map[string]string `json:"env"`
		}
		if err := bind(params, &p); err != nil {
			return nil, err
		}
		return s.workspaces.Create(ctx, workspace.CreateOptions{
			Name:        p.Name,
			DisplayName: p.DisplayName,
			CloneURL:    p.CloneURL,
			Env:         p.Env,
		})

	case "workspaces.list":
		list, err := s.workspaces.List(ctx)
		if err != nil {
			return nil, err
		}
		return gin.H{"workspaces": list}, nil

	case "workspaces.get":
		p, err := bindName(params)
		if err != nil {
			return nil, err
		}
		return s.workspaces.Get(ctx, p.Name)

	case "workspaces.start":
		p, err := bindName(params)
		if err != nil {
			return nil, err
		}
		return s.workspaces.Start(ctx, p.Name)

	case "workspaces.stop":
		p, err := bindName(params)
		if err != nil {
			return nil, err
		}
		return s.workspaces.Stop(ctx, p.Name)

	case "workspaces.delete":
		p, err := bindName(params)
		if err != nil {
			return nil, err
		}
		if err := s.workspaces.Delete(ctx, p.Name); err != nil {
			return nil, err
		}
		return gin.H{"deleted": p.Name}, nil

	case "workspaces.sync":
		p, err := bindName(params)
		if err != nil {
			return nil, err
		}
		if err := s.workspaces.Sync(ctx, p.Name); err != nil {
			return nil, err
		}
		return gin.H{"synced": p.Name}, nil

	case "workspaces.syncAll":
		return s.workspaces.SyncAll(ctx)

	case "workspaces.logs":
		var p struct {
			Name string `json:"name"`
			Tail int    `json:"tail"`
		}
		if err := bind(params, &p); err != nil {
			return nil, err
		}
		logs, err := s.workspaces.Logs(ctx, p.Name, p.Tail)
		if err != nil {
			return nil, err
		}
		return gin.H{"logs": logs}, nil

	case "workspaces.setDisplayName":
		var p struct {
			Name        string `json:"name"`
			DisplayName string `json:"displayName"`
		}
		if err := bind(params, &p); err != nil {
			return nil, err
		}
		if err := s.workspaces.SetDisplayName(ctx, p.Name, p.DisplayName); err != nil {
			return nil, err
		}
		return s.workspaces.Get(ctx, p.Name)

	case "workspaces.getPortForwards":
		p, err := bindName(params)
		if err != nil {
			return nil, err
		}
		forwards, err := s.workspaces.PortForwards(ctx, p.Name)
		if err != nil {
			return nil, err
		}
		return gin.H{"portForwards": forwards}, nil

	case "workspaces.setPortForwards":
		var p struct {
			Name     string                  `json:"name"`
			Forwards []container.PortMapping `json:"portForwards"`
		}
		if err := bind(params, &p); err != nil {
			return nil, err
		}
		return s.workspaces.SetPortForwards(ctx, p.Name, p.Forwards)

	case "workspaces.clone":
		var p struct {
			Name     string `json:"name"`
			CloneURL string `json:"cloneUrl"`
		}
		if err := bind(params, &p); err != nil {
			return nil, err
		}
		if p.CloneURL == "" {
			return nil, perrors.New(perrors.InvalidArgument, "cloneUrl is required")
		}
		if err := s.workspaces.Clone(ctx, p.Name, p.CloneURL); err != nil {
			return nil, err
		}
		return gin.H{"cloned": p.CloneURL}, nil

	case "sessions.list":
		var p struct {
			WorkspaceName string `json:"workspaceName"`
		}
		if len(params) > 0 {
			if err := bind(params, &p); err != nil {
				return nil, err
			}
		}
		var records []*sessions.Session
		var err error
		if p.WorkspaceName != "" {
			// Best effort: pick up transcripts the agents wrote on their
			// own before listing. Only possible while the container runs.
			if ws, wsErr := s.workspaces.Get(ctx, p.WorkspaceName); wsErr == nil && ws.Status == state.StatusRunning {
				if _, impErr := s.history.ImportWorkspaceSessions(ctx, p.WorkspaceName,
					workspace.ContainerName(p.WorkspaceName)); impErr != nil {
					s.logger.Debug("session import scan failed",
						zap.String("workspace", p.WorkspaceName), zap.Error(impErr))
				}
			}
			records, err = s.registry.GetSessionsForWorkspace(ctx, p.WorkspaceName)
		} else {
			records, err = s.registry.ListAll(ctx)
		}
		if err != nil {
			return nil, err
		}
		return gin.H{"sessions": s.sessionViews(records)}, nil

	case "sessions.listAll":
		records, err := s.registry.ListAll(ctx)
		if err != nil {
			return nil, err
		}
		return gin.H{"sessions": s.sessionViews(records)}, nil

	case "sessions.get":
		p, err := bindSessionID(params)
		if err != nil {
			return nil, err
		}
		record, err := s.registry.Get(ctx, p.SessionID)
		if err != nil {
			return nil, err
		}
		return s.sessionViews([]*sessions.Session{record})[0], nil

	case "sessions.history":
		p, err := bindSessionID(params)
		if err != nil {
			return nil, err
		}
		record, err := s.registry.Get(ctx, p.SessionID)
		if err != nil {
			return nil, err
		}
		if _, err := s.requireRunning(ctx, record.WorkspaceName); err != nil {
			return nil, err
		}
		messages, err := s.history.Messages(ctx, record, workspace.ContainerName(record.WorkspaceName))
		if err != nil {
			return nil, err
		}
		return gin.H{"messages": messages}, nil

	case "sessions.import":
		var p struct {
			WorkspaceName string `json:"workspaceName"`
		}
		if err := bind(params, &p); err != nil {
			return nil, err
		}
		if _, err := s.requireRunning(ctx, p.WorkspaceName); err != nil {
			return nil, err
		}
		imported, err := s.history.ImportWorkspaceSessions(ctx, p.WorkspaceName,
			workspace.ContainerName(p.WorkspaceName))
		if err != nil {
			return nil, err
		}
		return gin.H{"sessions": s.sessionViews(imported)}, nil

	case "sessions.delete":
		p, err := bindSessionID(params)
		if err != nil {
			return nil, err
		}
		s.chats.DisposeSession(p.SessionID, "session deleted")
		if err := s.registry.Delete(ctx, p.SessionID); err != nil {
			return nil, err
		}
		return gin.H{"deleted": p.SessionID}, nil

	case "sessions.rename":
		var p struct {
			SessionID string `json:"sessionId"`
			Name      string `json:"name"`
		}
		if err := bind(params, &p); err != nil {
			return nil, err
		}
		if p.Name == "" {
			return nil, perrors.New(perrors.InvalidArgument, "name is required")
		}
		return s.registry.SetName(ctx, p.SessionID, p.Name)

	case "sessions.clearName":
		p, err := bindSessionID(params)
		if err != nil {
			return nil, err
		}
		return s.registry.SetName(ctx, p.SessionID, "")

	case "info":
		return gin.H{
			"version": s.version,
			"uptime":  time.Since(s.startedAt).Round(time.Second).String(),
			"port":    s.cfg.Port,
		}, nil

	case "host.info":
		hostname, _ := os.Hostname()
		cliVersion, err := s.driver.Version(ctx)
		if err != nil {
			cliVersion = "unavailable"
		}
		all, err := s.store.Load(ctx)
		if err != nil {
			return nil, err
		}
		running := 0
		for _, ws := range all {
			if ws.Status == state.StatusRunning {
				running++
			}
		}
		return gin.H{
			"hostname":          hostname,
			"os":                runtime.GOOS,
			"arch":              runtime.GOARCH,
			"containerCli":      s.driver.CLI(),
			"containerVersion":  cliVersion,
			"workspaceCount":    len(all),
			"runningWorkspaces": running,
		}, nil

	case "host.updateAccess":
		var p struct {
			WorkspaceName string `json:"workspaceName"`
		}
		if err := bind(params, &p); err != nil {
			return nil, err
		}
		if err := s.store.Touch(ctx, p.WorkspaceName); err != nil {
			return nil, err
		}
		return gin.H{"updated": p.WorkspaceName}, nil

	case "config.get":
		return s.configView(), nil

	case "config.setSkills":
		var p struct {
			Skills []config.Skill `json:"skills"`
		}
		if err := bind(params, &p); err != nil {
			return nil, err
		}
		s.cfg.Skills = p.Skills
		if err := s.cfg.SaveUserSettings(); err != nil {
			return nil, perrors.Wrap(perrors.Internal, "saving settings", err)
		}
		return gin.H{"skills": s.cfg.Skills}, nil

	case "config.setMCPServers":
		var p struct {
			MCPServers []config.MCPServer `json:"mcpServers"`
		}
		if err := bind(params, &p); err != nil {
			return nil, err
		}
		s.cfg.MCPServers = p.MCPServers
		if err := s.cfg.SaveUserSettings(); err != nil {
			return nil, perrors.Wrap(perrors.Internal, "saving settings", err)
		}
		return gin.H{"mcpServers": s.cfg.MCPServers}, nil

	default:
		return nil, perrors.Newf(perrors.NotFound, "unknown procedure %q", procedure)
	}
}

type nameParams struct {
	Name string `json:"name"`
}

func bindName(params json.RawMessage) (*nameParams, error) {
	var p nameParams
	if err := bind(params, &p); err != nil {
		return nil, err
	}
	if p.Name == "" {
		return nil, perrors.New(perrors.InvalidArgument, "name is required")
	}
	return &p, nil
}

type sessionIDParams struct {
	SessionID string `json:"sessionId"`
}

func bindSessionID(params json.RawMessage) (*sessionIDParams, error) {
	var p sessionIDParams
	if err := bind(params, &p); err != nil {
		return nil, err
	}
	if p.SessionID == "" {
		return nil, perrors.New(perrors.InvalidArgument, "sessionId is required")
	}
	return &p, nil
}

// sessionView is a registry record annotated with live process state.
type sessionView struct {
	*sessions.Session
	Live    bool `json:"live"`
	Clients int  `json:"clients"`
}

func (s *Server) sessionViews(records []*sessions.Session) []sessionView {
	out := make([]sessionView, 0, len(records))
	for _, record := range records {
		out = append(out, sessionView{
			Session: record,
			Live:    s.chats.IsLive(record.OwnID),
			Clients: s.chats.ClientCount(record.OwnID),
		})
	}
	return out
}

// configView is the sanitized configuration: which agents are enabled
// and user-editable sections, never credentials.
func (s *Server) configView() gin.H {
	agents := gin.H{}
	if a := s.cfg.Agents.ClaudeCode; a != nil {
		agents["claude"] = gin.H{"enabled": true, "model": a.Model}
	}
	if a := s.cfg.Agents.OpenCode; a != nil {
		agents["opencode"] = gin.H{"enabled": true, "model": a.Model}
	}
	if a := s.cfg.Agents.Codex; a != nil {
		agents["codex"] = gin.H{"enabled": true, "model": a.Model}
	}
	return gin.H{
		"agents":     agents,
		"skills":     s.cfg.Skills,
		"mcpServers": s.cfg.MCPServers,
		"workspace": gin.H{
			"image": s.cfg.Workspace.Image,
			"shell": s.cfg.Workspace.Shell,
		},
		"ssh": gin.H{
			"portRangeStart": s.cfg.SSH.PortRangeStart,
			"portRangeEnd":   s.cfg.SSH.PortRangeEnd,
		},
	}
}
