package scene

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []SyncEvent
}

func (p *recordingPublisher) Publish(session string, ev SyncEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *recordingPublisher) last() SyncEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.events[len(p.events)-1]
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

func textElement(id, content string) Element {
	return Element{ID: id, Kind: TextKind{Content: content, FontSize: 16, Color: "#000"}, Transform: Transform{Width: 100, Height: 20}}
}

func TestStore_RevisionStrictlyIncreases(t *testing.T) {
	pub := &recordingPublisher{}
	st := New(pub)

	_, err := st.AddElement("s1", textElement("e1", "hi"), OriginLocal, "peer-1")
	require.NoError(t, err)
	require.NoError(t, st.UpdateElement("s1", "e1", TransformPatch{X: floatPtr(10)}, OriginLocal, "peer-1"))
	require.NoError(t, st.RemoveElement("s1", "e1", OriginLocal, "peer-1"))

	doc := st.Snapshot("s1")
	assert.Equal(t, uint64(3), doc.Revision)
}

func TestStore_DuplicateElementRejected(t *testing.T) {
	st := New(&recordingPublisher{})
	_, err := st.AddElement("s1", textElement("e1", "hi"), OriginLocal, "peer-1")
	require.NoError(t, err)

	_, err = st.AddElement("s1", textElement("e1", "again"), OriginLocal, "peer-1")
	assert.ErrorIs(t, err, ErrDuplicateElement)
}

func TestStore_TooManyElementsRejected(t *testing.T) {
	st := New(&recordingPublisher{})
	st.sessions["s1"] = &sessionState{scene: Scene{Viewport: DefaultViewport()}}
	s := st.sessions["s1"]
	s.scene.Elements = make([]Element, MaxElementsPerScene)
	for i := range s.scene.Elements {
		s.scene.Elements[i] = textElement(string(rune('a'+i%26))+string(rune('A'+i/26%26)), "x")
	}

	_, err := st.AddElement("s1", textElement("overflow", "x"), OriginLocal, "peer-1")
	assert.ErrorIs(t, err, ErrTooManyElements)
}

func TestStore_UpdateMissingElementNotFound(t *testing.T) {
	st := New(&recordingPublisher{})
	err := st.UpdateElement("s1", "missing", TransformPatch{}, OriginLocal, "peer-1")
	assert.ErrorIs(t, err, ErrElementNotFound)
}

func TestStore_RemoveMissingElementNotFound(t *testing.T) {
	st := New(&recordingPublisher{})
	err := st.RemoveElement("s1", "missing", OriginLocal, "peer-1")
	assert.ErrorIs(t, err, ErrElementNotFound)
}

func TestStore_EveryMutationEmitsExactlyOneEvent(t *testing.T) {
	pub := &recordingPublisher{}
	st := New(pub)

	_, err := st.AddElement("s1", textElement("e1", "hi"), OriginLocal, "peer-1")
	require.NoError(t, err)
	assert.Equal(t, 1, pub.count())
	assert.Equal(t, EventElementAdded, pub.last().Type)

	require.NoError(t, st.UpdateElement("s1", "e1", TransformPatch{X: floatPtr(5)}, OriginLocal, "peer-1"))
	assert.Equal(t, 2, pub.count())
	assert.Equal(t, EventSceneUpdate, pub.last().Type)

	require.NoError(t, st.RemoveElement("s1", "e1", OriginLocal, "peer-1"))
	assert.Equal(t, 3, pub.count())
	assert.Equal(t, EventElementRemoved, pub.last().Type)
}

func TestStore_ReplaceRoundTrip(t *testing.T) {
	st := New(&recordingPublisher{})
	want := Scene{
		Viewport: Viewport{Width: 800, Height: 600, Zoom: 2},
		Elements: []Element{textElement("e1", "hi"), textElement("e2", "bye")},
	}
	rev := st.Replace("s1", want.Clone(), OriginRemote, "")

	doc := st.Snapshot("s1")
	assert.Equal(t, rev, doc.Revision)
	assert.Greater(t, doc.Revision, uint64(0))
	assert.Equal(t, want.Viewport, doc.Viewport)
	require.Len(t, doc.Elements, 2)
	assert.Equal(t, "e1", doc.Elements[0].ID)
	assert.Equal(t, "e2", doc.Elements[1].ID)
}

func TestStore_SnapshotJSONCacheHitOnUnchangedRevision(t *testing.T) {
	st := New(&recordingPublisher{})
	_, err := st.AddElement("s1", textElement("e1", "hi"), OriginLocal, "peer-1")
	require.NoError(t, err)

	first, err := st.SnapshotJSON("s1")
	require.NoError(t, err)
	second, err := st.SnapshotJSON("s1")
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestStore_GetOrCreateIsLazy(t *testing.T) {
	st := New(&recordingPublisher{})
	sc := st.GetOrCreate("brand-new")
	assert.Empty(t, sc.Elements)
	assert.Equal(t, uint64(0), sc.Revision)
}

func TestStore_StaleUpdateIsDropped(t *testing.T) {
	st := New(&recordingPublisher{})
	_, err := st.AddElement("s1", textElement("e1", "hi"), OriginLocal, "peer-1")
	require.NoError(t, err)

	el, ok := st.HasElement("s1", "e1")
	require.True(t, ok)

	err = st.UpdateElementAt("s1", "e1", TransformPatch{X: floatPtr(99)}, OriginReplay, "", el.TouchedAt-1000)
	assert.ErrorIs(t, err, ErrStaleOperation)

	doc := st.Snapshot("s1")
	assert.Equal(t, float64(0), doc.Elements[0].Transform.X)
}

func TestStore_StaleReplacePayloadIsDropped(t *testing.T) {
	st := New(&recordingPublisher{})
	_, err := st.AddElement("s1", textElement("e1", "hi"), OriginLocal, "peer-1")
	require.NoError(t, err)

	el, ok := st.HasElement("s1", "e1")
	require.True(t, ok)

	err = st.ReplacePayloadAt("s1", "e1", TextKind{Content: "stale"}, OriginReplay, "", el.TouchedAt-1000)
	assert.ErrorIs(t, err, ErrStaleOperation)

	doc := st.Snapshot("s1")
	assert.Equal(t, TextKind{Content: "hi", FontSize: 16, Color: "#000"}, doc.Elements[0].Kind)
}

func TestStore_SnapshotOrdersByZIndexThenInsertOrder(t *testing.T) {
	st := New(&recordingPublisher{})
	back := textElement("back", "back")
	back.Transform.ZIndex = 0
	front := textElement("front", "front")
	front.Transform.ZIndex = 5
	tied := textElement("tied", "tied")
	tied.Transform.ZIndex = 5

	_, err := st.AddElement("s1", front, OriginLocal, "peer-1")
	require.NoError(t, err)
	_, err = st.AddElement("s1", back, OriginLocal, "peer-1")
	require.NoError(t, err)
	_, err = st.AddElement("s1", tied, OriginLocal, "peer-1")
	require.NoError(t, err)

	doc := st.Snapshot("s1")
	require.Len(t, doc.Elements, 3)
	assert.Equal(t, "back", doc.Elements[0].ID)
	assert.Equal(t, "front", doc.Elements[1].ID)
	assert.Equal(t, "tied", doc.Elements[2].ID)
}

func TestStore_MutationEventCarriesOriginPeerID(t *testing.T) {
	pub := &recordingPublisher{}
	st := New(pub)
	_, err := st.AddElement("s1", textElement("e1", "hi"), OriginLocal, "peer-1")
	require.NoError(t, err)
	assert.Equal(t, "peer-1", pub.last().OriginPeerID)
}

func floatPtr(f float64) *float64 { return &f }
