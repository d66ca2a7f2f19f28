package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saorsa-labs/canvas/pkg/broadcast"
	"github.com/saorsa-labs/canvas/pkg/scene"
)

func newTestRouter() (*mux.Router, *scene.Store) {
	store := scene.New(broadcast.New())
	r := mux.NewRouter()
	New(store).Register(r)
	return r, store
}

func TestGetScene_ReturnsEmptySceneForNewSession(t *testing.T) {
	r, _ := newTestRouter()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/scenes/room-1", nil)
	rw := httptest.NewRecorder()
	r.ServeHTTP(rw, req)

	require.Equal(t, http.StatusOK, rw.Code)
	var doc scene.SceneDocument
	require.NoError(t, json.Unmarshal(rw.Body.Bytes(), &doc))
	assert.Equal(t, uint64(0), doc.Revision)
}

func TestAddElement_CreatesAndIsVisibleInGetScene(t *testing.T) {
	r, _ := newTestRouter()
	body := []byte(`{"id":"el-1","kind":{"type":"Text","content":"hi"},"transform":{"width":5,"height":5}}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/scenes/room-1/elements", bytes.NewReader(body))
	rw := httptest.NewRecorder()
	r.ServeHTTP(rw, req)
	require.Equal(t, http.StatusCreated, rw.Code)

	getReq := httptest.NewRequest(http.MethodGet, "/api/v1/scenes/room-1", nil)
	getRw := httptest.NewRecorder()
	r.ServeHTTP(getRw, getReq)
	var doc scene.SceneDocument
	require.NoError(t, json.Unmarshal(getRw.Body.Bytes(), &doc))
	require.Len(t, doc.Elements, 1)
	assert.Equal(t, "el-1", doc.Elements[0].ID)
}

func TestAddElement_DuplicateReturnsConflict(t *testing.T) {
	r, _ := newTestRouter()
	body := []byte(`{"id":"el-1","kind":{"type":"Text","content":"hi"}}`)

	post := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/scenes/room-1/elements", bytes.NewReader(body))
		rw := httptest.NewRecorder()
		r.ServeHTTP(rw, req)
		return rw
	}
	require.Equal(t, http.StatusCreated, post().Code)
	assert.Equal(t, http.StatusConflict, post().Code)
}

func TestUpdateElement_AppliesPatch(t *testing.T) {
	r, store := newTestRouter()
	_, err := store.AddElement("room-1", scene.Element{ID: "el-1", Kind: scene.TextKind{Content: "hi"}}, scene.OriginLocal, "peer-1")
	require.NoError(t, err)

	patch := []byte(`{"width":99}`)
	req := httptest.NewRequest(http.MethodPatch, "/api/v1/scenes/room-1/elements/el-1", bytes.NewReader(patch))
	rw := httptest.NewRecorder()
	r.ServeHTTP(rw, req)
	assert.Equal(t, http.StatusNoContent, rw.Code)

	el, ok := store.HasElement("room-1", "el-1")
	require.True(t, ok)
	assert.Equal(t, 99.0, el.Transform.Width)
}

func TestUpdateElement_UnknownReturnsNotFound(t *testing.T) {
	r, _ := newTestRouter()
	req := httptest.NewRequest(http.MethodPatch, "/api/v1/scenes/room-1/elements/ghost", bytes.NewReader([]byte(`{}`)))
	rw := httptest.NewRecorder()
	r.ServeHTTP(rw, req)
	assert.Equal(t, http.StatusNotFound, rw.Code)
}

func TestRemoveElement_DeletesIt(t *testing.T) {
	r, store := newTestRouter()
	_, err := store.AddElement("room-1", scene.Element{ID: "el-1", Kind: scene.TextKind{Content: "hi"}}, scene.OriginLocal, "peer-1")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodDelete, "/api/v1/scenes/room-1/elements/el-1", nil)
	rw := httptest.NewRecorder()
	r.ServeHTTP(rw, req)
	assert.Equal(t, http.StatusNoContent, rw.Code)

	_, ok := store.HasElement("room-1", "el-1")
	assert.False(t, ok)
}
