// Package wsproto implements the WebSocket sync protocol: frame decoding,
// the per-connection state machine, and the strict inbound-processing
// order from spec §4.6.
package wsproto

import (
	"encoding/json"

	"github.com/saorsa-labs/canvas/pkg/scene"
)

// FrameType discriminates both inbound and outbound wire frames (spec
// §6.1).
type FrameType string

const (
	// Client -> server
	FrameSubscribe     FrameType = "subscribe"
	FramePing          FrameType = "ping"
	FrameGetScene      FrameType = "get_scene"
	FrameAddElement    FrameType = "add_element"
	FrameUpdateElement FrameType = "update_element"
	FrameRemoveElement FrameType = "remove_element"
	FrameSyncQueue     FrameType = "sync_queue"
	FrameStartCall     FrameType = "start_call"
	FrameOffer         FrameType = "offer"
	FrameAnswer        FrameType = "answer"
	FrameICECandidate  FrameType = "ice_candidate"
	FrameEndCall       FrameType = "end_call"

	// Server -> client
	FrameWelcome            FrameType = "welcome"
	FramePong               FrameType = "pong"
	FrameSceneUpdate        FrameType = "scene_update"
	FrameElementAdded       FrameType = "element_added"
	FrameElementRemoved     FrameType = "element_removed"
	FrameAck                FrameType = "ack"
	FrameSyncResult         FrameType = "sync_result"
	FrameError              FrameType = "error"
	FrameIncomingCall       FrameType = "incoming_call"
	FrameRelayOffer         FrameType = "relay_offer"
	FrameRelayAnswer        FrameType = "relay_answer"
	FrameRelayICECandidate  FrameType = "relay_ice_candidate"
	FrameCallEnded          FrameType = "call_ended"
	FramePeerAssigned       FrameType = "peer_assigned"
)

// Inbound is the flattened union of every client->server frame shape.
// Dispatch happens on Type; unused fields for a given type are left zero.
type Inbound struct {
	Type FrameType `json:"type"`

	SessionID string `json:"session_id,omitempty"`
	MessageID string `json:"message_id,omitempty"`

	Element *scene.Element         `json:"element,omitempty"`
	ID      string                 `json:"id,omitempty"`
	Changes *scene.TransformPatch  `json:"changes,omitempty"`
	Payload json.RawMessage        `json:"payload,omitempty"` // update_element full payload replacement, a Kind envelope

	Operations []scene.Operation `json:"operations,omitempty"`

	TargetPeerID  string `json:"target_peer_id,omitempty"`
	SDP           string `json:"sdp,omitempty"`
	Candidate     string `json:"candidate,omitempty"`
	SDPMid        string `json:"sdp_mid,omitempty"`
	SDPMLineIndex *int   `json:"sdp_mline_index,omitempty"`
}

// ErrorCode is a stable identifier carried by error frames (spec §7).
type ErrorCode string

const (
	ErrCodeInvalidFormat     ErrorCode = "invalid_format"
	ErrCodeMessageTooLarge   ErrorCode = "message_too_large"
	ErrCodeRateLimited       ErrorCode = "rate_limited"
	ErrCodeValidation        ErrorCode = "validation"
	ErrCodeNotFound          ErrorCode = "not_found"
	ErrCodeDuplicate         ErrorCode = "duplicate"
	ErrCodeCapacity          ErrorCode = "capacity"
	ErrCodeTargetUnavailable ErrorCode = "target_unavailable"
	ErrCodeUnexpectedState   ErrorCode = "unexpected_state"
	ErrCodeInternal          ErrorCode = "internal"
	ErrCodeStaleOperation    ErrorCode = "stale_operation"
)

// Outbound frame payloads. Each has its own struct so MarshalJSON for the
// envelope stays a plain json.Marshal of a concrete, addressable type.

type WelcomeFrame struct {
	Type             FrameType `json:"type"`
	Version          string    `json:"version"`
	AssignedPeerID   string    `json:"assigned_peer_id"`
}

type PongFrame struct {
	Type      FrameType `json:"type"`
	Timestamp int64     `json:"timestamp"`
}

type SceneUpdateFrame struct {
	Type      FrameType          `json:"type"`
	SessionID string             `json:"session_id"`
	Viewport  scene.Viewport     `json:"viewport"`
	Elements  []scene.Element    `json:"elements"`
	Revision  uint64             `json:"revision"`
	Timestamp int64              `json:"timestamp"`
}

type ElementAddedFrame struct {
	Type      FrameType     `json:"type"`
	SessionID string        `json:"session_id"`
	Element   scene.Element `json:"element"`
	Revision  uint64        `json:"revision"`
	Timestamp int64         `json:"timestamp"`
}

type ElementRemovedFrame struct {
	Type      FrameType `json:"type"`
	SessionID string    `json:"session_id"`
	ID        string    `json:"id"`
	Revision  uint64    `json:"revision"`
	Timestamp int64     `json:"timestamp"`
}

type AckFrame struct {
	Type      FrameType `json:"type"`
	MessageID string    `json:"message_id,omitempty"`
}

type ErrorFrame struct {
	Type         FrameType `json:"type"`
	Code         ErrorCode `json:"code"`
	Message      string    `json:"message"`
	MessageID    string    `json:"message_id,omitempty"`
	RetryAfterMS int64     `json:"retry_after_ms,omitempty"`
}

type SyncResultFrame struct {
	Type             FrameType        `json:"type"`
	SyncedCount      int              `json:"synced_count"`
	ConflictCount    int              `json:"conflict_count"`
	FailedCount      int              `json:"failed_count"`
	Conflicts        []ConflictRecord `json:"conflicts"`
	FailedOperations []FailedRecord   `json:"failed_operations"`
	DurationMS       int64            `json:"duration_ms"`
	Timestamp        int64            `json:"timestamp"`
}

type ConflictRecord struct {
	ElementID string `json:"element_id"`
	Reason    string `json:"reason"`
}

type FailedRecord struct {
	ElementID string `json:"element_id"`
	Reason    string `json:"reason"`
}

type IncomingCallFrame struct {
	Type       FrameType `json:"type"`
	FromPeerID string    `json:"from_peer_id"`
}

type RelaySDPFrame struct {
	Type       FrameType `json:"type"`
	FromPeerID string    `json:"from_peer_id"`
	SDP        string    `json:"sdp"`
}

type RelayICECandidateFrame struct {
	Type          FrameType `json:"type"`
	FromPeerID    string    `json:"from_peer_id"`
	Candidate     string    `json:"candidate"`
	SDPMid        string    `json:"sdp_mid,omitempty"`
	SDPMLineIndex *int      `json:"sdp_mline_index,omitempty"`
}

type CallEndedFrame struct {
	Type       FrameType `json:"type"`
	FromPeerID string    `json:"from_peer_id"`
}

type PeerAssignedFrame struct {
	Type   FrameType `json:"type"`
	PeerID string    `json:"peer_id"`
}

// DecodeInbound parses a raw client frame. Invalid JSON yields
// ErrCodeInvalidFormat at the caller (spec §4.6 step 2).
func DecodeInbound(data []byte) (Inbound, error) {
	var in Inbound
	err := json.Unmarshal(data, &in)
	return in, err
}
