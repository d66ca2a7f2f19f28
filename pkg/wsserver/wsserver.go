// Package wsserver accepts inbound WebSocket connections and drives them
// through pkg/wsproto's frame state machine. Each connection runs a
// reader/writer goroutine pair, the same shape as the hub examples'
// Client.readPump/writePump: a dedicated writer goroutine owns the
// socket's write side and drains a buffered outbound channel plus the
// periodic ping ticker, so nothing else ever calls WriteMessage directly
// (gorilla/websocket forbids concurrent writers).
package wsserver

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/saorsa-labs/canvas/pkg/scene"
	"github.com/saorsa-labs/canvas/pkg/validate"
	"github.com/saorsa-labs/canvas/pkg/wsproto"
)

// outboundBufferSize matches the Broadcast Bus's own buffer target, so a
// connection and the session it is subscribed to apply backpressure
// consistently.
const outboundBufferSize = 256

const writeWait = 10 * time.Second

// Config controls liveness detection (spec §5).
type Config struct {
	PingInterval   time.Duration
	MissedPongsMax int
}

// DefaultConfig matches spec §6.5's documented defaults.
func DefaultConfig() Config {
	return Config{PingInterval: 30 * time.Second, MissedPongsMax: 3}
}

// Server upgrades HTTP requests to WebSocket sync connections.
type Server struct {
	deps     wsproto.Deps
	cfg      Config
	upgrader websocket.Upgrader
}

// New builds a Server bound to deps. cfg's zero values fall back to
// DefaultConfig.
func New(deps wsproto.Deps, cfg Config) *Server {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultConfig().PingInterval
	}
	if cfg.MissedPongsMax <= 0 {
		cfg.MissedPongsMax = DefaultConfig().MissedPongsMax
	}
	return &Server{
		deps: deps,
		cfg:  cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the request and runs the connection until it closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Msg("wsserver: upgrade failed")
		return
	}

	out := newOutboundChan(outboundBufferSize)
	peer := s.deps.Registry.Register(out)
	proto, welcome := wsproto.NewConn(peer, s.deps)

	log.Debug().Str("peer_id", peer.ID).Msg("wsserver: connection accepted")

	c := &connection{
		ws:    conn,
		out:   out,
		proto: proto,
		deps:  s.deps,
		cfg:   s.cfg,
		done:  make(chan struct{}),
	}

	if err := out.Send(welcome); err != nil {
		_ = conn.Close()
		return
	}

	go c.writePump()
	c.readPump()
}

// connection owns one upgraded WebSocket's full lifecycle: a writer
// goroutine (ping ticker + outbound channel drain), a reader goroutine
// dispatching into wsproto, and — once the client subscribes — a
// forwarder bridging the session's broadcast stream onto the outbound
// channel.
type connection struct {
	ws    *websocket.Conn
	out   *outboundChan
	proto *wsproto.Conn
	deps  wsproto.Deps
	cfg   Config

	done      chan struct{}
	fwdOnce   sync.Once
	closeOnce sync.Once
}

func (c *connection) pongWait() time.Duration {
	return time.Duration(c.cfg.MissedPongsMax) * c.cfg.PingInterval
}

// writePump is the connection's only writer, matching gorilla's
// documented single-writer requirement: it drains the outbound channel
// and, on its own ticker, writes liveness pings.
func (c *connection) writePump() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.closeConn()
	}()

	for {
		select {
		case <-c.done:
			return
		case msg := <-c.out.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *connection) readPump() {
	defer c.closeConn()

	c.ws.SetReadLimit(int64(validate.MaxMessageBytes))
	_ = c.ws.SetReadDeadline(time.Now().Add(c.pongWait()))
	c.ws.SetPongHandler(func(string) error {
		c.proto.Peer.MarkAlive()
		return c.ws.SetReadDeadline(time.Now().Add(c.pongWait()))
	})

	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Str("peer_id", c.proto.Peer.ID).Msg("wsserver: read error")
			}
			return
		}
		if mt != websocket.TextMessage {
			continue
		}

		if reply := c.proto.HandleFrame(data); reply != nil {
			if err := c.out.Send(reply); err != nil {
				return
			}
		}

		if session := c.proto.Peer.Session(); session != "" {
			c.fwdOnce.Do(func() { go c.forwardBroadcast(session) })
		}
	}
}

// forwardBroadcast relays the subscribed session's broadcast stream onto
// the outbound channel for as long as the connection stays open. A
// Lagged signal is re-sent as a fresh scene_update so the client
// recovers without a client-driven get_scene round trip.
func (c *connection) forwardBroadcast(session string) {
	sub := c.deps.Bus.Subscribe(session)
	defer sub.Unsubscribe()

	for {
		select {
		case <-c.done:
			return
		case <-sub.Lagged():
			c.sendSceneUpdate(session)
		case event, ok := <-sub.Events():
			if !ok {
				return
			}
			// A mutation this same connection originated is never echoed
			// back to it (spec §4.6's echo-suppression rule).
			if event.OriginPeerID != "" && event.OriginPeerID == c.proto.Peer.ID {
				continue
			}
			if event.Type == scene.EventSceneUpdate {
				c.sendSceneUpdate(session)
				continue
			}
			if b := wsproto.EncodeEvent(event); b != nil {
				_ = c.out.Send(b)
			}
		}
	}
}

// sendSceneUpdate pushes a fresh full-scene frame, used both for a Lagged
// resync and for EventSceneUpdate mutations (update_element,
// ReplacePayload, Clear, federation Replace), none of which carry the
// scene's elements on their SyncEvent.
func (c *connection) sendSceneUpdate(session string) {
	doc := c.deps.Store.Snapshot(session)
	frame := wsproto.SceneUpdateFrame{
		Type:      wsproto.FrameSceneUpdate,
		SessionID: session,
		Viewport:  doc.Viewport,
		Elements:  doc.Elements,
		Revision:  doc.Revision,
		Timestamp: doc.Timestamp,
	}
	if b, err := json.Marshal(frame); err == nil {
		_ = c.out.Send(b)
	}
}

func (c *connection) closeConn() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.out.close()
		c.proto.Close()
		_ = c.ws.Close()
	})
}
