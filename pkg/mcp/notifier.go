package mcp

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/mark3labs/mcp-go/server"

	"github.com/jcheng510/ai-erp-system-sub003/internal/notify"
)

const notificationMethod = "notifications/message"

// MCPNotifier pushes role-addressed notifications to the sessions of agents
// subscribed to those roles. It satisfies notify.Notifier and can join a
// notification fan-out before the MCP server exists; until Attach is called
// every message is dropped.
type MCPNotifier struct {
	mcpServer atomic.Pointer[server.MCPServer]
	sessions  *SessionRegistry
}

// NewMCPNotifier creates a notifier over the given session registry.
func NewMCPNotifier(sessions *SessionRegistry) *MCPNotifier {
	return &MCPNotifier{sessions: sessions}
}

// Attach sets the server notifications are sent through.
func (n *MCPNotifier) Attach(mcpServer *server.MCPServer) {
	n.mcpServer.Store(mcpServer)
}

// Notify sends msg to every subscribed session.
// Best-effort: agents that are not connected are skipped.
func (n *MCPNotifier) Notify(_ context.Context, msg notify.Message) error {
	srv := n.mcpServer.Load()
	if srv == nil {
		return nil
	}
	payload := map[string]any{
		"level":  "info",
		"logger": "orchestrator",
		"data": map[string]any{
			"title":      msg.Title,
			"message":    msg.Message,
			"roles":      msg.Roles,
			"action_url": msg.ActionURL,
		},
	}

	var errs []error
	for _, sessionID := range n.sessions.SessionsForRoles(msg.Roles) {
		err := srv.SendNotificationToSpecificClient(sessionID, notificationMethod, payload)
		if errors.Is(err, server.ErrSessionNotFound) {
			// Session went away between lookup and send.
			n.sessions.Remove(sessionID)
			continue
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
