// Package mcpserver exposes the Scene Store as MCP tools (spec §4's MCP
// surface), grounded on desktop.MCPServer: an mcp-go server.MCPServer with
// one mcp.Tool per operation, served over SSE. Every mutation goes through
// with scene.OriginMCP so the federation bridge and broadcast subscribers
// see it like any other write, without the MCP surface importing them
// directly.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/saorsa-labs/canvas/pkg/scene"
)

// Server wraps the MCP tool server and its SSE transport.
type Server struct {
	mcpServer *server.MCPServer
	sseServer *server.SSEServer
	store     *scene.Store
}

// New builds a Server with every canvas tool registered.
func New(store *scene.Store) *Server {
	s := &Server{store: store}

	s.mcpServer = server.NewMCPServer(
		"Saorsa Canvas",
		"1.0.0",
		server.WithResourceCapabilities(false, false),
		server.WithLogging(),
	)

	s.mcpServer.AddTool(mcp.NewTool("canvas_get_scene",
		mcp.WithDescription("Returns the current scene document for a session: viewport, elements, and revision."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session to read")),
	), s.handleGetScene)

	s.mcpServer.AddTool(mcp.NewTool("canvas_add_element",
		mcp.WithDescription("Adds a new element to a session's scene. element_json is the element's wire-format JSON: {id, kind:{type,...}, transform}."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session to mutate")),
		mcp.WithString("element_json", mcp.Required(), mcp.Description("Element JSON payload")),
	), s.handleAddElement)

	s.mcpServer.AddTool(mcp.NewTool("canvas_update_element",
		mcp.WithDescription("Applies a partial transform patch to an existing element. changes_json is a TransformPatch: any of x,y,width,height,rotation,z_index."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session to mutate")),
		mcp.WithString("element_id", mcp.Required(), mcp.Description("Element to update")),
		mcp.WithString("changes_json", mcp.Required(), mcp.Description("TransformPatch JSON payload")),
	), s.handleUpdateElement)

	s.mcpServer.AddTool(mcp.NewTool("canvas_remove_element",
		mcp.WithDescription("Removes an element from a session's scene."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session to mutate")),
		mcp.WithString("element_id", mcp.Required(), mcp.Description("Element to remove")),
	), s.handleRemoveElement)

	s.sseServer = server.NewSSEServer(s.mcpServer, server.WithBasePath("/mcp"))
	return s
}

// SSEHandler exposes the underlying SSE transport so cmd/canvasd can mount
// it on the HTTP server alongside the WebSocket and REST routes.
func (s *Server) SSEHandler() *server.SSEServer {
	return s.sseServer
}

func (s *Server) handleGetScene(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	session, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("session_id is required"), nil
	}
	data, err := s.store.SnapshotJSON(session)
	if err != nil {
		return mcp.NewToolResultError("failed to read scene: " + err.Error()), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func (s *Server) handleAddElement(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	session, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("session_id is required"), nil
	}
	elementJSON, err := request.RequireString("element_json")
	if err != nil {
		return mcp.NewToolResultError("element_json is required"), nil
	}

	var el scene.Element
	if err := json.Unmarshal([]byte(elementJSON), &el); err != nil {
		return mcp.NewToolResultError("invalid element_json: " + err.Error()), nil
	}

	if _, err := s.store.AddElement(session, el, scene.OriginMCP, ""); err != nil {
		return mcp.NewToolResultError("add_element failed: " + err.Error()), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("added element %q to session %q", el.ID, session)), nil
}

func (s *Server) handleUpdateElement(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	session, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("session_id is required"), nil
	}
	elementID, err := request.RequireString("element_id")
	if err != nil {
		return mcp.NewToolResultError("element_id is required"), nil
	}
	changesJSON, err := request.RequireString("changes_json")
	if err != nil {
		return mcp.NewToolResultError("changes_json is required"), nil
	}

	var patch scene.TransformPatch
	if err := json.Unmarshal([]byte(changesJSON), &patch); err != nil {
		return mcp.NewToolResultError("invalid changes_json: " + err.Error()), nil
	}

	if err := s.store.UpdateElement(session, elementID, patch, scene.OriginMCP, ""); err != nil {
		return mcp.NewToolResultError("update_element failed: " + err.Error()), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("updated element %q in session %q", elementID, session)), nil
}

func (s *Server) handleRemoveElement(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	session, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("session_id is required"), nil
	}
	elementID, err := request.RequireString("element_id")
	if err != nil {
		return mcp.NewToolResultError("element_id is required"), nil
	}

	if err := s.store.RemoveElement(session, elementID, scene.OriginMCP, ""); err != nil {
		return mcp.NewToolResultError("remove_element failed: " + err.Error()), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("removed element %q from session %q", elementID, session)), nil
}
