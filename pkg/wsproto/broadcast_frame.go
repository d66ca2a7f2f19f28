package wsproto

import (
	"encoding/json"

	"github.com/saorsa-labs/canvas/pkg/scene"
)

// EncodeEvent converts a Scene Store SyncEvent into the wire frame a
// subscriber should receive (spec §4.2: every mutation fans out as the
// matching element_added/element_removed/scene_update/incoming_call/
// call_ended frame). It returns nil for event types that have no direct
// subscriber-facing frame.
//
// EventSceneUpdate is deliberately not handled here: that SyncEvent only
// carries the session's revision and timestamp, not its elements, so
// turning it into a scene_update frame needs a live Snapshot call. The
// caller (wsserver's broadcast forwarder) builds that frame itself, the
// same way it already does for a Lagged resync.
func EncodeEvent(event scene.SyncEvent) []byte {
	switch event.Type {
	case scene.EventElementAdded:
		if event.Element == nil {
			return nil
		}
		return marshalFrame(ElementAddedFrame{
			Type:      FrameElementAdded,
			SessionID: event.Session,
			Element:   *event.Element,
			Revision:  event.Revision,
			Timestamp: event.Timestamp,
		})
	case scene.EventElementRemoved:
		return marshalFrame(ElementRemovedFrame{
			Type:      FrameElementRemoved,
			SessionID: event.Session,
			ID:        event.ElementID,
			Revision:  event.Revision,
			Timestamp: event.Timestamp,
		})
	case scene.EventCallState:
		if event.CallState == nil {
			return nil
		}
		if event.CallState.State == "ended" {
			return marshalFrame(CallEndedFrame{Type: FrameCallEnded, FromPeerID: event.CallState.FromPeerID})
		}
		return marshalFrame(IncomingCallFrame{Type: FrameIncomingCall, FromPeerID: event.CallState.FromPeerID})
	default:
		// SceneUpdate (handled by the caller, see above) and Interaction
		// (observability only, spec §4.8) have no frame produced here.
		return nil
	}
}

func marshalFrame(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}
