package wsproto

import (
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/saorsa-labs/canvas/pkg/broadcast"
	"github.com/saorsa-labs/canvas/pkg/ratelimit"
	"github.com/saorsa-labs/canvas/pkg/registry"
	"github.com/saorsa-labs/canvas/pkg/scene"
	"github.com/saorsa-labs/canvas/pkg/signaling"
	"github.com/saorsa-labs/canvas/pkg/validate"
)

// State is a connection's position in the subscribe lifecycle (spec §4.6):
// Unsubscribed -> Subscribed(session) -> Closing.
type State int

const (
	StateUnsubscribed State = iota
	StateSubscribed
	StateClosing
)

// ProtocolVersion is reported in the welcome frame.
const ProtocolVersion = "1"

// Deps are the shared server-side collaborators a connection dispatches
// against. All are safe for concurrent use across connections.
type Deps struct {
	Store    *scene.Store
	Bus      *broadcast.Bus
	Registry *registry.Registry
	Limiter  *ratelimit.Limiter
	Now      func() int64
}

// Conn holds the per-connection protocol state. It does not own the
// transport; HandleFrame returns the bytes the caller should write back to
// this connection, while any fan-out to other subscribers happens through
// Deps.Bus and the caller's own subscription loop.
type Conn struct {
	Peer  *registry.Peer
	deps  Deps
	state State
}

// NewConn constructs a connection bound to a freshly registered peer and
// immediately produces its welcome frame.
func NewConn(peer *registry.Peer, deps Deps) (*Conn, []byte) {
	c := &Conn{Peer: peer, deps: deps, state: StateUnsubscribed}
	welcome, _ := json.Marshal(WelcomeFrame{
		Type:           FrameWelcome,
		Version:        ProtocolVersion,
		AssignedPeerID: peer.ID,
	})
	return c, welcome
}

func (c *Conn) now() int64 {
	if c.deps.Now != nil {
		return c.deps.Now()
	}
	return time.Now().UnixMilli()
}

// HandleFrame processes exactly one inbound message, in the strict order
// required by spec §4.6: size guard, parse, rate-limit check, type
// dispatch. It returns the single reply frame to write back to the
// sender, or nil if nothing should be sent directly (relay frames are
// delivered to their target via Deps.Registry instead).
func (c *Conn) HandleFrame(raw []byte) []byte {
	if err := validate.MessageSize(raw); err != nil {
		return c.errorFrame(ErrCodeMessageTooLarge, err.Error(), "")
	}

	in, err := DecodeInbound(raw)
	if err != nil {
		return c.errorFrame(ErrCodeInvalidFormat, "malformed frame", "")
	}

	if c.deps.Limiter != nil {
		if d := c.deps.Limiter.Check(c.Peer.ID); !d.Allowed {
			reply := ErrorFrame{
				Type:         FrameError,
				Code:         ErrCodeRateLimited,
				Message:      "rate limit exceeded",
				MessageID:    in.MessageID,
				RetryAfterMS: d.RetryAfterMS,
			}
			b, _ := json.Marshal(reply)
			return b
		}
	}

	if c.state == StateClosing {
		return c.errorFrame(ErrCodeUnexpectedState, "connection is closing", in.MessageID)
	}

	switch in.Type {
	case FrameSubscribe:
		return c.handleSubscribe(in)
	case FramePing:
		return c.handlePing()
	case FrameGetScene:
		return c.handleGetScene(in)
	case FrameAddElement:
		return c.handleAddElement(in)
	case FrameUpdateElement:
		return c.handleUpdateElement(in)
	case FrameRemoveElement:
		return c.handleRemoveElement(in)
	case FrameSyncQueue:
		return c.handleSyncQueue(in)
	case FrameStartCall:
		return c.relayCall(in, signaling.CallStart)
	case FrameOffer:
		return c.relaySDP(in, signaling.CallOffer)
	case FrameAnswer:
		return c.relaySDP(in, signaling.CallAnswer)
	case FrameICECandidate:
		return c.relayICE(in)
	case FrameEndCall:
		return c.relayCall(in, signaling.CallEnd)
	default:
		return c.errorFrame(ErrCodeInvalidFormat, "unknown frame type", in.MessageID)
	}
}

func (c *Conn) errorFrame(code ErrorCode, msg, messageID string) []byte {
	b, _ := json.Marshal(ErrorFrame{Type: FrameError, Code: code, Message: msg, MessageID: messageID})
	return b
}

func (c *Conn) ackFrame(messageID string) []byte {
	b, _ := json.Marshal(AckFrame{Type: FrameAck, MessageID: messageID})
	return b
}

func (c *Conn) handleSubscribe(in Inbound) []byte {
	if err := validate.Identifier("session_id", in.SessionID); err != nil {
		return c.errorFrame(ErrCodeValidation, err.Error(), in.MessageID)
	}
	if err := c.deps.Registry.AttachToSession(c.Peer.ID, in.SessionID); err != nil {
		return c.errorFrame(ErrCodeInternal, err.Error(), in.MessageID)
	}
	c.state = StateSubscribed

	doc := c.deps.Store.Snapshot(in.SessionID)
	reply := SceneUpdateFrame{
		Type:      FrameSceneUpdate,
		SessionID: in.SessionID,
		Viewport:  doc.Viewport,
		Elements:  doc.Elements,
		Revision:  doc.Revision,
		Timestamp: doc.Timestamp,
	}
	b, _ := json.Marshal(reply)

	if peers := c.deps.Registry.PeersInSession(in.SessionID); len(peers) > 1 {
		announce, _ := json.Marshal(PeerAssignedFrame{Type: FramePeerAssigned, PeerID: c.Peer.ID})
		for _, p := range peers {
			if p.ID == c.Peer.ID {
				continue
			}
			if err := c.deps.Registry.SendTo(p.ID, announce); err != nil {
				log.Debug().Err(err).Str("peer_id", p.ID).Msg("wsproto: peer_assigned delivery failed")
			}
		}
	}
	return b
}

func (c *Conn) handlePing() []byte {
	b, _ := json.Marshal(PongFrame{Type: FramePong, Timestamp: c.now()})
	return b
}

func (c *Conn) requireSubscribed(messageID string) []byte {
	if c.state != StateSubscribed {
		return c.errorFrame(ErrCodeUnexpectedState, "not subscribed to a session", messageID)
	}
	return nil
}

// handleGetScene answers get_scene in either connection state (spec §4.6:
// "Unsubscribed (only subscribe, ping, get_scene accepted)"). Once
// subscribed it reads the bound session; before that, the client must name
// the session it wants, the same way handleSubscribe does.
func (c *Conn) handleGetScene(in Inbound) []byte {
	session := c.Peer.Session()
	if c.state != StateSubscribed {
		if err := validate.Identifier("session_id", in.SessionID); err != nil {
			return c.errorFrame(ErrCodeValidation, err.Error(), in.MessageID)
		}
		session = in.SessionID
	}

	doc := c.deps.Store.Snapshot(session)
	reply := SceneUpdateFrame{
		Type:      FrameSceneUpdate,
		SessionID: session,
		Viewport:  doc.Viewport,
		Elements:  doc.Elements,
		Revision:  doc.Revision,
		Timestamp: doc.Timestamp,
	}
	b, _ := json.Marshal(reply)
	return b
}

func (c *Conn) handleAddElement(in Inbound) []byte {
	if reply := c.requireSubscribed(in.MessageID); reply != nil {
		return reply
	}
	if in.Element == nil {
		return c.errorFrame(ErrCodeValidation, "missing element", in.MessageID)
	}
	if err := validate.Identifier("element.id", in.Element.ID); err != nil {
		return c.errorFrame(ErrCodeValidation, err.Error(), in.MessageID)
	}
	if _, err := c.deps.Store.AddElement(c.Peer.Session(), *in.Element, scene.OriginLocal, c.Peer.ID); err != nil {
		return c.errorFrame(classifyStoreErr(err), err.Error(), in.MessageID)
	}
	return c.ackFrame(in.MessageID)
}

// handleUpdateElement applies either half of spec §3's update operation:
// a partial transform merge (Changes) or a full kind-payload replacement
// (Payload), mutually exclusive on the wire.
func (c *Conn) handleUpdateElement(in Inbound) []byte {
	if reply := c.requireSubscribed(in.MessageID); reply != nil {
		return reply
	}
	switch {
	case len(in.Payload) > 0:
		kind, err := scene.UnmarshalKind(in.Payload)
		if err != nil {
			return c.errorFrame(ErrCodeValidation, err.Error(), in.MessageID)
		}
		if err := c.deps.Store.ReplacePayload(c.Peer.Session(), in.ID, kind, scene.OriginLocal, c.Peer.ID); err != nil {
			return c.errorFrame(classifyStoreErr(err), err.Error(), in.MessageID)
		}
	case in.Changes != nil:
		if err := c.deps.Store.UpdateElement(c.Peer.Session(), in.ID, *in.Changes, scene.OriginLocal, c.Peer.ID); err != nil {
			return c.errorFrame(classifyStoreErr(err), err.Error(), in.MessageID)
		}
	default:
		return c.errorFrame(ErrCodeValidation, "missing changes or payload", in.MessageID)
	}
	return c.ackFrame(in.MessageID)
}

func (c *Conn) handleRemoveElement(in Inbound) []byte {
	if reply := c.requireSubscribed(in.MessageID); reply != nil {
		return reply
	}
	if err := c.deps.Store.RemoveElement(c.Peer.Session(), in.ID, scene.OriginLocal, c.Peer.ID); err != nil {
		return c.errorFrame(classifyStoreErr(err), err.Error(), in.MessageID)
	}
	return c.ackFrame(in.MessageID)
}

// handleSyncQueue applies a replay batch inline as plain local mutations.
// The dedicated conflict classification, retry, and SyncResult accounting
// for offline-originated batches lives in pkg/replay; this path is for a
// still-connected client flushing a small local queue and only needs
// best-effort application plus an ack.
func (c *Conn) handleSyncQueue(in Inbound) []byte {
	if reply := c.requireSubscribed(in.MessageID); reply != nil {
		return reply
	}
	session := c.Peer.Session()
	for _, op := range in.Operations {
		switch op.Type {
		case scene.OpAddElement:
			if op.Element != nil {
				_, _ = c.deps.Store.AddElement(session, *op.Element, scene.OriginLocal, c.Peer.ID)
			}
		case scene.OpUpdateElement:
			if op.Changes != nil {
				_ = c.deps.Store.UpdateElement(session, op.ElementID, *op.Changes, scene.OriginLocal, c.Peer.ID)
			}
		case scene.OpReplacePayload:
			if len(op.Payload) > 0 {
				if kind, err := scene.UnmarshalKind(op.Payload); err == nil {
					_ = c.deps.Store.ReplacePayload(session, op.ElementID, kind, scene.OriginLocal, c.Peer.ID)
				}
			}
		case scene.OpRemoveElement:
			_ = c.deps.Store.RemoveElement(session, op.ElementID, scene.OriginLocal, c.Peer.ID)
		}
	}
	return c.ackFrame(in.MessageID)
}

func (c *Conn) relayCall(in Inbound, kind signaling.CallKind) []byte {
	if reply := c.requireSubscribed(in.MessageID); reply != nil {
		return reply
	}
	if err := c.checkRelayTarget(in.TargetPeerID); err != nil {
		return c.errorFrame(ErrCodeTargetUnavailable, err.Error(), in.MessageID)
	}
	b, _ := json.Marshal(map[string]string{"type": signaling.OutboundType(kind), "from_peer_id": c.Peer.ID})
	c.forward(in.TargetPeerID, b)
	return nil
}

func (c *Conn) relaySDP(in Inbound, kind signaling.CallKind) []byte {
	if reply := c.requireSubscribed(in.MessageID); reply != nil {
		return reply
	}
	if err := validate.SDP(in.SDP); err != nil {
		return c.errorFrame(ErrCodeValidation, err.Error(), in.MessageID)
	}
	if err := c.checkRelayTarget(in.TargetPeerID); err != nil {
		return c.errorFrame(ErrCodeTargetUnavailable, err.Error(), in.MessageID)
	}
	b, _ := json.Marshal(RelaySDPFrame{Type: FrameType(signaling.OutboundType(kind)), FromPeerID: c.Peer.ID, SDP: in.SDP})
	c.forward(in.TargetPeerID, b)
	return nil
}

func (c *Conn) relayICE(in Inbound) []byte {
	if reply := c.requireSubscribed(in.MessageID); reply != nil {
		return reply
	}
	if err := validate.ICECandidate(in.Candidate); err != nil {
		return c.errorFrame(ErrCodeValidation, err.Error(), in.MessageID)
	}
	if err := c.checkRelayTarget(in.TargetPeerID); err != nil {
		return c.errorFrame(ErrCodeTargetUnavailable, err.Error(), in.MessageID)
	}
	b, _ := json.Marshal(RelayICECandidateFrame{
		Type:          FrameRelayICECandidate,
		FromPeerID:    c.Peer.ID,
		Candidate:     in.Candidate,
		SDPMid:        in.SDPMid,
		SDPMLineIndex: in.SDPMLineIndex,
	})
	c.forward(in.TargetPeerID, b)
	return nil
}

// checkRelayTarget enforces spec §5.2: the target must be registered and
// subscribed to the same session as the sender.
func (c *Conn) checkRelayTarget(targetPeerID string) error {
	return signaling.CheckTarget(c.lookupPeer, c.Peer.Session(), targetPeerID)
}

func (c *Conn) lookupPeer(peerID string) (signaling.Peer, bool) {
	p, ok := c.deps.Registry.Get(peerID)
	if !ok {
		return nil, false
	}
	return p, true
}

func (c *Conn) forward(targetPeerID string, payload []byte) {
	if err := c.deps.Registry.SendTo(targetPeerID, payload); err != nil {
		log.Debug().Err(err).Str("peer_id", targetPeerID).Msg("wsproto: relay delivery failed")
	}
}

// Close transitions the connection to Closing and drops its session
// attachment. It does not touch the transport; the caller still owns
// shutting down the socket.
func (c *Conn) Close() {
	c.state = StateClosing
	if c.deps.Registry != nil {
		c.deps.Registry.Remove(c.Peer.ID)
	}
	if c.deps.Limiter != nil {
		c.deps.Limiter.Remove(c.Peer.ID)
	}
}

func classifyStoreErr(err error) ErrorCode {
	switch err {
	case scene.ErrDuplicateElement:
		return ErrCodeDuplicate
	case scene.ErrElementNotFound:
		return ErrCodeNotFound
	case scene.ErrTooManyElements:
		return ErrCodeCapacity
	case scene.ErrPayloadTooLarge:
		return ErrCodeValidation
	case scene.ErrStaleOperation:
		return ErrCodeStaleOperation
	default:
		return ErrCodeInternal
	}
}
