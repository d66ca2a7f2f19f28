package federation

// ConnKind discriminates the federation bridge's connection-state variants
// (spec §4.9). Associated data differs per kind, so this mirrors the
// scene package's tagged-union approach rather than a plain string enum.
type ConnKind string

const (
	KindConnected    ConnKind = "Connected"
	KindDisconnected ConnKind = "Disconnected"
	KindReconnecting ConnKind = "Reconnecting"
)

// ConnState is the federation bridge's current relationship to its
// upstream peer.
type ConnState struct {
	Kind    ConnKind
	Since   int64  // ms epoch, set on Disconnected
	Reason  string // set on Disconnected
	Attempt int    // set on Reconnecting
}

func Connected() ConnState { return ConnState{Kind: KindConnected} }

func Disconnected(since int64, reason string) ConnState {
	return ConnState{Kind: KindDisconnected, Since: since, Reason: reason}
}

func Reconnecting(attempt int) ConnState {
	return ConnState{Kind: KindReconnecting, Attempt: attempt}
}
