package server

import (
	"context"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	perrors "github.com/perrydev/perry/internal/common/errors"
	"github.com/perrydev/perry/internal/sessions"
	"github.com/perrydev/perry/internal/state"
	"github.com/perrydev/perry/internal/workspace"
)

// requireRunning resolves a workspace and verifies its container is
// running. Upgrade endpoints reject before upgrading so clients get a
// plain HTTP error.
func (s *Server) requireRunning(ctx context.Context, name string) (*state.Workspace, error) {
	ws, err := s.workspaces.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	if ws.Status != state.StatusRunning {
		return nil, perrors.Newf(perrors.NotFound, "workspace %q is not running", name)
	}
	return ws, nil
}

// handleTerminalWS serves GET /rpc/terminal/:name.
func (s *Server) handleTerminalWS(c *gin.Context) {
	name := c.Param("name")
	if _, err := s.requireRunning(c.Request.Context(), name); err != nil {
		writeError(c, err)
		return
	}
	if err := s.store.Touch(c.Request.Context(), name); err != nil {
		s.logger.Warn("touching workspace", zap.Error(err))
	}
	s.terminals.Handle(c.Writer, c.Request, name, workspace.ContainerName(name))
}

// handleChatWS serves GET /rpc/chat/:name. Session resolution happens
// over the socket via the connect frame.
func (s *Server) handleChatWS(c *gin.Context) {
	name := c.Param("name")
	if _, err := s.requireRunning(c.Request.Context(), name); err != nil {
		writeError(c, err)
		return
	}
	s.chats.HandleWS(c.Writer, c.Request, name, workspace.ContainerName(name), "")
}

// handleOpenCodeWS serves GET /rpc/opencode/:name, a chat endpoint with
// the agent pinned to opencode for clients that speak only to it.
func (s *Server) handleOpenCodeWS(c *gin.Context) {
	name := c.Param("name")
	if _, err := s.requireRunning(c.Request.Context(), name); err != nil {
		writeError(c, err)
		return
	}
	s.chats.HandleWS(c.Writer, c.Request, name, workspace.ContainerName(name), sessions.AgentOpenCode)
}
