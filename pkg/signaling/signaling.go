// Package signaling holds the transport-agnostic relay rules for the
// WebRTC signaling bridge (spec §5): who a call/offer/answer/ICE frame is
// allowed to reach, and the envelope substitution (from_peer_id) applied
// on the way out. pkg/wsproto owns the socket and the frame JSON; this
// package owns the policy so it can be unit tested without a connection.
package signaling

import "errors"

// ErrTargetUnavailable is returned when the named peer cannot receive a
// relayed call frame: unregistered, not alive, or not subscribed to the
// same session as the caller.
var ErrTargetUnavailable = errors.New("signaling: target unavailable")

// Peer is the minimal view of a connection the relay needs to check
// eligibility. registry.Peer satisfies this.
type Peer interface {
	Session() string
	Alive() bool
}

// Lookup resolves a peer id to its Peer, mirroring registry.Registry.Get.
type Lookup func(peerID string) (Peer, bool)

// CheckTarget enforces spec §5.2: relay only to a peer that is registered,
// alive, and subscribed to the same session as the caller. Delivery is
// unreliable by design (spec Non-goals) — there is no queueing for a
// target that is momentarily disconnected.
func CheckTarget(lookup Lookup, callerSession, targetPeerID string) error {
	target, ok := lookup(targetPeerID)
	if !ok || !target.Alive() || target.Session() != callerSession {
		return ErrTargetUnavailable
	}
	return nil
}

// CallKind distinguishes the signaling frame variants relayed between two
// peers already subscribed to the same session.
type CallKind string

const (
	CallStart    CallKind = "start_call"
	CallOffer    CallKind = "offer"
	CallAnswer   CallKind = "answer"
	CallICE      CallKind = "ice_candidate"
	CallEnd      CallKind = "end_call"
)

// outbound frame type a CallKind relays to on the receiving side.
func (k CallKind) outboundType() string {
	switch k {
	case CallStart:
		return "incoming_call"
	case CallOffer:
		return "relay_offer"
	case CallAnswer:
		return "relay_answer"
	case CallICE:
		return "relay_ice_candidate"
	case CallEnd:
		return "call_ended"
	default:
		return ""
	}
}

// OutboundType exposes the outbound frame type name for a given inbound
// call kind, so callers building the wire envelope don't duplicate the
// mapping (spec §5.1's client->server / server->client frame pairing).
func OutboundType(k CallKind) string {
	return k.outboundType()
}
