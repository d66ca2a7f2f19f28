package scene

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/rs/zerolog/log"

	"github.com/saorsa-labs/canvas/pkg/validate"
)

// Publisher is satisfied by the Broadcast Bus. The Store never imports the
// bus package directly to keep the dependency graph acyclic (spec §9):
// the store owns data, the bus owns subscriptions, and this interface is
// the only thing that crosses the boundary.
type Publisher interface {
	Publish(session string, event SyncEvent)
}

type sessionState struct {
	mu    sync.Mutex
	scene Scene
}

// Store is the sessioned, thread-safe map of scenes described in spec §4.1.
// Every mutating call takes an exclusive per-session lock, performs the
// change, bumps the revision, and publishes a SyncEvent before releasing
// the lock.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*sessionState
	pub      Publisher
	now      func() int64

	cache *ristretto.Cache[string, []byte]
}

// New constructs a Store publishing mutation events to pub.
func New(pub Publisher) *Store {
	cache, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters: 1e5,
		MaxCost:     1 << 26, // 64 MiB of cached snapshot JSON
		BufferItems: 64,
	})
	if err != nil {
		// A cache-construction failure is not fatal to correctness; the
		// store falls back to recomputing snapshots on every read.
		log.Warn().Err(err).Msg("scene: snapshot cache disabled")
		cache = nil
	}
	return &Store{
		sessions: make(map[string]*sessionState),
		pub:      pub,
		now:      func() int64 { return time.Now().UnixMilli() },
		cache:    cache,
	}
}

func (st *Store) session(id string) *sessionState {
	st.mu.RLock()
	s, ok := st.sessions[id]
	st.mu.RUnlock()
	if ok {
		return s
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if s, ok := st.sessions[id]; ok {
		return s
	}
	s = &sessionState{scene: Scene{Viewport: DefaultViewport()}}
	st.sessions[id] = s
	return s
}

func (st *Store) cacheKey(session string, revision uint64) string {
	return fmt.Sprintf("%s@%d", session, revision)
}

// invalidate drops the cached snapshot for session's previous revision.
// Cache keys are namespaced by revision, so a stale entry is simply
// unreachable once the revision advances; this just reclaims it eagerly.
func (st *Store) invalidate(session string, staleRevision uint64) {
	if st.cache == nil {
		return
	}
	st.cache.Del(st.cacheKey(session, staleRevision))
}

// GetOrCreate returns the current scene for session, creating an empty one
// if absent.
func (st *Store) GetOrCreate(session string) Scene {
	s := st.session(session)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scene.Clone()
}

// Replace overwrites the entire scene, bumps the revision, and emits
// SceneUpdate.
func (st *Store) Replace(session string, newScene Scene, origin Origin, peerID string) uint64 {
	s := st.session(session)
	s.mu.Lock()
	newScene.Revision = s.scene.Revision + 1
	newScene.UpdatedAt = st.now()
	var nextInsert uint64
	for i := range newScene.Elements {
		newScene.Elements[i].InsertIndex = uint64(i)
		if newScene.Elements[i].TouchedAt == 0 {
			newScene.Elements[i].TouchedAt = newScene.UpdatedAt
		}
		nextInsert = uint64(i) + 1
	}
	newScene.nextInsert = nextInsert
	s.scene = newScene
	rev := s.scene.Revision

	st.invalidate(session, rev-1)
	st.publish(session, SyncEvent{Type: EventSceneUpdate, Session: session, Origin: origin, OriginPeerID: peerID, Revision: rev, Timestamp: newScene.UpdatedAt})
	s.mu.Unlock()
	return rev
}

// AddElement appends a new element, failing with ErrDuplicateElement,
// ErrTooManyElements, or ErrPayloadTooLarge.
func (st *Store) AddElement(session string, el Element, origin Origin, peerID string) (string, error) {
	s := st.session(session)
	s.mu.Lock()
	defer func() { s.mu.Unlock() }()

	for _, existing := range s.scene.Elements {
		if existing.ID == el.ID {
			return "", ErrDuplicateElement
		}
	}
	if len(s.scene.Elements) >= MaxElementsPerScene {
		return "", ErrTooManyElements
	}
	if err := validateKindSize(el.Kind); err != nil {
		return "", err
	}

	now := st.now()
	el.InsertIndex = s.scene.nextInsert
	s.scene.nextInsert++
	el.TouchedAt = now
	s.scene.Elements = append(s.scene.Elements, el)
	s.scene.Revision++
	s.scene.UpdatedAt = now
	rev := s.scene.Revision
	added := el

	st.invalidate(session, rev-1)
	st.publish(session, SyncEvent{Type: EventElementAdded, Session: session, Origin: origin, OriginPeerID: peerID, Revision: rev, Timestamp: now, Element: &added})
	return el.ID, nil
}

// UpdateElement merges a transform patch onto an existing element, failing
// with ErrElementNotFound or ErrStaleOperation.
func (st *Store) UpdateElement(session, id string, patch TransformPatch, origin Origin, peerID string) error {
	return st.UpdateElementAt(session, id, patch, origin, peerID, st.now())
}

// UpdateElementAt is UpdateElement with an explicit timestamp, used by the
// offline replay processor so LWW comparisons use the operation's original
// timestamp rather than wall-clock-now. An op older than the element's
// current TouchedAt is an ErrStaleOperation and is dropped, not applied
// (spec §4.8's last-write-wins conflict rule).
func (st *Store) UpdateElementAt(session, id string, patch TransformPatch, origin Origin, peerID string, ts int64) error {
	s := st.session(session)
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := -1
	for i, e := range s.scene.Elements {
		if e.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return ErrElementNotFound
	}
	if ts < s.scene.Elements[idx].TouchedAt {
		return ErrStaleOperation
	}

	s.scene.Elements[idx].Transform = patch.Apply(s.scene.Elements[idx].Transform)
	s.scene.Elements[idx].TouchedAt = ts
	s.scene.Revision++
	s.scene.UpdatedAt = st.now()
	rev := s.scene.Revision

	st.invalidate(session, rev-1)
	st.publish(session, SyncEvent{Type: EventSceneUpdate, Session: session, Origin: origin, OriginPeerID: peerID, Revision: rev, Timestamp: s.scene.UpdatedAt})
	return nil
}

// ReplacePayload fully replaces an element's kind payload, failing with
// ErrElementNotFound, ErrPayloadTooLarge, or ErrStaleOperation.
func (st *Store) ReplacePayload(session, id string, kind Kind, origin Origin, peerID string) error {
	return st.ReplacePayloadAt(session, id, kind, origin, peerID, st.now())
}

// ReplacePayloadAt is ReplacePayload with an explicit timestamp, mirroring
// UpdateElementAt so the offline replay processor can apply a queued
// payload replacement under the same LWW rule.
func (st *Store) ReplacePayloadAt(session, id string, kind Kind, origin Origin, peerID string, ts int64) error {
	s := st.session(session)
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := -1
	for i, e := range s.scene.Elements {
		if e.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return ErrElementNotFound
	}
	if ts < s.scene.Elements[idx].TouchedAt {
		return ErrStaleOperation
	}
	if err := validateKindSize(kind); err != nil {
		return err
	}

	s.scene.Elements[idx].Kind = kind
	s.scene.Elements[idx].TouchedAt = ts
	s.scene.Revision++
	now := st.now()
	s.scene.UpdatedAt = now
	rev := s.scene.Revision

	st.invalidate(session, rev-1)
	st.publish(session, SyncEvent{Type: EventSceneUpdate, Session: session, Origin: origin, OriginPeerID: peerID, Revision: rev, Timestamp: now})
	return nil
}

// validateKindSize enforces the Text payload size limit (spec §3) via
// pkg/validate, translating its RuleError into the store's own sentinel so
// callers keep classifying errors against the scene package alone.
func validateKindSize(k Kind) error {
	if tk, ok := k.(TextKind); ok {
		if err := validate.TextPayload(tk.Content); err != nil {
			return ErrPayloadTooLarge
		}
	}
	return nil
}

// RemoveElement deletes an element, failing with ErrElementNotFound.
func (st *Store) RemoveElement(session, id string, origin Origin, peerID string) error {
	s := st.session(session)
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := -1
	for i, e := range s.scene.Elements {
		if e.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return ErrElementNotFound
	}
	s.scene.Elements = append(s.scene.Elements[:idx], s.scene.Elements[idx+1:]...)
	s.scene.Revision++
	now := st.now()
	s.scene.UpdatedAt = now
	rev := s.scene.Revision

	st.invalidate(session, rev-1)
	st.publish(session, SyncEvent{Type: EventElementRemoved, Session: session, Origin: origin, OriginPeerID: peerID, Revision: rev, Timestamp: now, ElementID: id})
	return nil
}

// Clear removes all elements from session's scene.
func (st *Store) Clear(session string, origin Origin, peerID string) {
	s := st.session(session)
	s.mu.Lock()
	s.scene.Elements = nil
	s.scene.Revision++
	now := st.now()
	s.scene.UpdatedAt = now
	rev := s.scene.Revision

	st.invalidate(session, rev-1)
	st.publish(session, SyncEvent{Type: EventSceneUpdate, Session: session, Origin: origin, OriginPeerID: peerID, Revision: rev, Timestamp: now})
	s.mu.Unlock()
}

// HasElement reports whether id exists in session's scene, without
// copying the full scene. Used by the replay processor's conflict checks.
func (st *Store) HasElement(session, id string) (Element, bool) {
	s := st.session(session)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.scene.Elements {
		if e.ID == id {
			return e, true
		}
	}
	return Element{}, false
}

// Snapshot produces the serializable SceneDocument for session, with
// Elements in render order: ascending z-index, ties broken by insertion
// order (spec §3's "ordered sequence of Elements").
func (st *Store) Snapshot(session string) SceneDocument {
	s := st.session(session)
	s.mu.Lock()
	elements := append([]Element(nil), s.scene.Elements...)
	doc := SceneDocument{
		Viewport:  s.scene.Viewport,
		Elements:  elements,
		Revision:  s.scene.Revision,
		Timestamp: s.scene.UpdatedAt,
	}
	s.mu.Unlock()

	sort.SliceStable(doc.Elements, func(i, j int) bool {
		a, b := doc.Elements[i], doc.Elements[j]
		if a.Transform.ZIndex != b.Transform.ZIndex {
			return a.Transform.ZIndex < b.Transform.ZIndex
		}
		return a.InsertIndex < b.InsertIndex
	})
	return doc
}

// SnapshotJSON is Snapshot pre-marshaled to JSON, consulting the ristretto
// cache before re-encoding. Federation push, the HTTP get-scene route and
// the MCP canvas_get_scene tool use this instead of Snapshot to avoid
// re-marshaling an unchanged scene under concurrent readers.
func (st *Store) SnapshotJSON(session string) ([]byte, error) {
	doc := st.Snapshot(session)

	if st.cache != nil {
		key := st.cacheKey(session, doc.Revision)
		if cached, ok := st.cache.Get(key); ok {
			return cached, nil
		}
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("scene: marshal snapshot: %w", err)
	}
	if st.cache != nil {
		st.cache.Set(st.cacheKey(session, doc.Revision), data, int64(len(data)))
	}
	return data, nil
}

// InteractionLog records an Interaction op without mutating the scene,
// emitting an Interaction SyncEvent for observers (spec §4.8: "Interaction
// ops are logged but do not mutate the store").
func (st *Store) InteractionLog(session string, in Interaction, origin Origin, peerID string) {
	st.publish(session, SyncEvent{
		Type:          EventInteraction,
		Session:       session,
		Origin:        origin,
		OriginPeerID:  peerID,
		Timestamp:     in.Timestamp,
		InteractionOp: &in,
	})
}

func (st *Store) publish(session string, ev SyncEvent) {
	if st.pub == nil {
		return
	}
	st.pub.Publish(session, ev)
}

// Sessions returns a snapshot of all known session ids, used by the
// federation bridge's pull loop.
func (st *Store) Sessions() []string {
	st.mu.RLock()
	defer st.mu.RUnlock()
	out := make([]string, 0, len(st.sessions))
	for id := range st.sessions {
		out = append(out, id)
	}
	return out
}
