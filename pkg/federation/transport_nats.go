package federation

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// subject builds the NATS subject a federation RPC is sent on, namespaced
// by method and session so an upstream can route without parsing the
// payload (mirrors pubsub's subject-per-purpose convention).
func subject(method, session string) string {
	return fmt.Sprintf("canvas.federation.%s.%s", method, session)
}

// NatsTransport is the production Transport, backed by a real nats.Conn.
type NatsTransport struct {
	conn           *nats.Conn
	embeddedServer *server.Server
}

// DialNats connects to an external NATS server at url.
func DialNats(url, token string) (*NatsTransport, error) {
	opts := []nats.Option{
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("federation: nats connection lost")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Info().Msg("federation: nats reconnected")
		}),
	}
	if token != "" {
		opts = append(opts, nats.Token(token))
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("federation: connect to nats: %w", err)
	}
	return &NatsTransport{conn: nc}, nil
}

// NewInMemoryNats starts an embedded, unauthenticated NATS server bound to
// a random loopback port and connects to it — used in tests and in
// single-process demo deployments that don't have an external broker,
// grounded on pubsub.NewInMemoryNats.
func NewInMemoryNats() (*NatsTransport, error) {
	storeDir, err := os.MkdirTemp(os.TempDir(), "canvas-federation-nats")
	if err != nil {
		return nil, fmt.Errorf("federation: temp store dir: %w", err)
	}

	opts := &server.Options{
		Host:        "127.0.0.1",
		Port:        -1, // let the OS assign a free port
		StoreDir:    storeDir,
		AllowNonTLS: true,
	}
	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("federation: create embedded nats server: %w", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(4 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("federation: embedded nats server did not become ready")
	}

	nc, err := nats.Connect(ns.ClientURL())
	if err != nil {
		ns.Shutdown()
		return nil, fmt.Errorf("federation: connect to embedded nats: %w", err)
	}
	return &NatsTransport{conn: nc, embeddedServer: ns}, nil
}

// errorHeader is the NATS message header an upstream sets on its reply to
// signal an application-level rejection rather than a successful result,
// e.g. "unknown session" for a pull against a session it never received a
// push for. A timeout or dropped connection never produces a reply at
// all, so this only ever distinguishes among replies that did arrive.
const errorHeader = "Canvas-Federation-Error"

// Request performs a NATS request/reply RPC, grounded on
// pubsub.Nats.Request.
func (t *NatsTransport) Request(ctx context.Context, method, session string, payload []byte) ([]byte, error) {
	msg, err := t.conn.RequestWithContext(ctx, subject(method, session), payload)
	if err != nil {
		return nil, fmt.Errorf("federation: request %s/%s: %w", method, session, err)
	}
	if reason := msg.Header.Get(errorHeader); reason != "" {
		return nil, &RPCError{Method: method, Session: session, Message: reason}
	}
	return msg.Data, nil
}

// Close releases the connection and, if one was started, the embedded
// server.
func (t *NatsTransport) Close() error {
	t.conn.Close()
	if t.embeddedServer != nil {
		t.embeddedServer.Shutdown()
	}
	return nil
}
