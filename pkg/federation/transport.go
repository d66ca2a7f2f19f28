package federation

import (
	"context"
	"fmt"
)

// Transport is the upstream RPC capability the bridge needs: a single
// request/reply call keyed by method and session. Grounded on
// pubsub.Nats.Request's signature, trimmed to what federation needs —
// no JetStream persistence, since a missed push is superseded by the next
// snapshot rather than replayed (spec Non-goals: no strong consistency).
type Transport interface {
	Request(ctx context.Context, method, session string, payload []byte) ([]byte, error)
	Close() error
}

// RPCError is an application-level failure reported by the upstream peer
// itself (e.g. "unknown session", "push rejected") as opposed to a
// transport failure (dial/timeout/disconnect). The bridge does not retry
// it and does not treat it as an upstream disconnect, since the upstream
// clearly answered.
type RPCError struct {
	Method  string
	Session string
	Message string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("federation: upstream rejected %s/%s: %s", e.Method, e.Session, e.Message)
}
