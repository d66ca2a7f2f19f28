package mcpserver

import (
	"context"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saorsa-labs/canvas/pkg/broadcast"
	"github.com/saorsa-labs/canvas/pkg/scene"
)

func newTestServer() *Server {
	store := scene.New(broadcast.New())
	return New(store)
}

func requestWith(args map[string]interface{}) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Arguments = args
	return req
}

func textOf(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, res.Content)
	tc, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok)
	return tc.Text
}

func TestHandleAddElement_ThenGetSceneReflectsIt(t *testing.T) {
	s := newTestServer()

	addReq := requestWith(map[string]interface{}{
		"session_id":   "room-1",
		"element_json": `{"id":"el-1","kind":{"type":"Text","content":"hi"},"transform":{"x":0,"y":0,"width":10,"height":10}}`,
	})
	res, err := s.handleAddElement(context.Background(), addReq)
	require.NoError(t, err)
	assert.False(t, res.IsError)

	getReq := requestWith(map[string]interface{}{"session_id": "room-1"})
	getRes, err := s.handleGetScene(context.Background(), getReq)
	require.NoError(t, err)
	assert.Contains(t, textOf(t, getRes), "el-1")
}

func TestHandleAddElement_MissingSessionIDErrors(t *testing.T) {
	s := newTestServer()
	res, err := s.handleAddElement(context.Background(), requestWith(map[string]interface{}{
		"element_json": `{}`,
	}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestHandleAddElement_InvalidJSONErrors(t *testing.T) {
	s := newTestServer()
	res, err := s.handleAddElement(context.Background(), requestWith(map[string]interface{}{
		"session_id":   "room-1",
		"element_json": `not json`,
	}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestHandleUpdateElement_AppliesPatch(t *testing.T) {
	s := newTestServer()
	_, err := s.store.AddElement("room-1", scene.Element{ID: "el-1", Kind: scene.TextKind{Content: "hi"}}, scene.OriginLocal, "peer-1")
	require.NoError(t, err)

	res, err := s.handleUpdateElement(context.Background(), requestWith(map[string]interface{}{
		"session_id":   "room-1",
		"element_id":   "el-1",
		"changes_json": `{"width":42}`,
	}))
	require.NoError(t, err)
	assert.False(t, res.IsError)

	el, ok := s.store.HasElement("room-1", "el-1")
	require.True(t, ok)
	assert.Equal(t, 42.0, el.Transform.Width)
}

func TestHandleUpdateElement_UnknownElementErrors(t *testing.T) {
	s := newTestServer()
	res, err := s.handleUpdateElement(context.Background(), requestWith(map[string]interface{}{
		"session_id":   "room-1",
		"element_id":   "ghost",
		"changes_json": `{"width":42}`,
	}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestHandleRemoveElement_RemovesIt(t *testing.T) {
	s := newTestServer()
	_, err := s.store.AddElement("room-1", scene.Element{ID: "el-1", Kind: scene.TextKind{Content: "hi"}}, scene.OriginLocal, "peer-1")
	require.NoError(t, err)

	res, err := s.handleRemoveElement(context.Background(), requestWith(map[string]interface{}{
		"session_id": "room-1",
		"element_id": "el-1",
	}))
	require.NoError(t, err)
	assert.False(t, res.IsError)

	_, ok := s.store.HasElement("room-1", "el-1")
	assert.False(t, ok)
}
