// Command canvasd runs the Saorsa Canvas sync server: the Scene Store,
// broadcast fan-out, the WebSocket sync and signaling protocol, a plain
// REST surface, an MCP tool surface for agent clients, and — when
// configured — a federation bridge to a single upstream peer. Wiring
// follows helix's cmd/helix/serve.go: a cancelable root context from
// signal.NotifyContext, one goroutine per subsystem, and an
// http.Server.Shutdown on exit.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/saorsa-labs/canvas/pkg/broadcast"
	"github.com/saorsa-labs/canvas/pkg/config"
	"github.com/saorsa-labs/canvas/pkg/federation"
	"github.com/saorsa-labs/canvas/pkg/httpapi"
	"github.com/saorsa-labs/canvas/pkg/mcpserver"
	"github.com/saorsa-labs/canvas/pkg/ratelimit"
	"github.com/saorsa-labs/canvas/pkg/registry"
	"github.com/saorsa-labs/canvas/pkg/scene"
	"github.com/saorsa-labs/canvas/pkg/wsproto"
	"github.com/saorsa-labs/canvas/pkg/wsserver"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("canvasd: failed to load configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bus := broadcast.NewWithBuffer(cfg.Broadcast.BufferSize)
	store := scene.New(bus)
	reg := registry.New()
	limiter := ratelimit.New(ratelimit.Config{
		Burst:           cfg.RateLimit.Burst,
		SustainedPerSec: cfg.RateLimit.SustainedPerSec,
		IdleTimeout:     cfg.RateLimit.IdleTimeout,
	})
	defer limiter.Stop()

	deps := wsproto.Deps{Store: store, Bus: bus, Registry: reg, Limiter: limiter}

	router := mux.NewRouter()
	httpapi.New(store).Register(router)

	ws := wsserver.New(deps, wsserver.Config{
		PingInterval:   cfg.WebSocket.PingInterval,
		MissedPongsMax: cfg.WebSocket.MissedPongsMax,
	})
	router.Handle("/ws", ws)

	mcp := mcpserver.New(store)
	router.PathPrefix("/mcp").Handler(mcp.SSEHandler())

	var bridge *federation.Bridge
	if cfg.Federation.Enabled {
		bridge, err = startFederation(store, bus, cfg.Federation)
		if err != nil {
			log.Fatal().Err(err).Msg("canvasd: failed to start federation bridge")
		}
		bridge.Start(ctx)
		defer bridge.Stop()
	}

	httpServer := &http.Server{
		Addr:    cfg.HTTP.ListenAddr,
		Handler: router,
	}

	go func() {
		log.Info().Str("addr", cfg.HTTP.ListenAddr).Msg("canvasd: listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("canvasd: server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("canvasd: shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("canvasd: graceful shutdown failed")
	}
}

// startFederation dials the configured upstream, falling back to an
// embedded in-process NATS server when no upstream URL is set — handy
// for demos and for the bridge's own integration tests' production
// counterpart to stay reachable without an external broker.
func startFederation(store *scene.Store, bus *broadcast.Bus, fedCfg config.Federation) (*federation.Bridge, error) {
	var transport federation.Transport
	var err error
	if fedCfg.UpstreamURL != "" {
		transport, err = federation.DialNats(fedCfg.UpstreamURL, os.Getenv("CANVAS_FEDERATION_TOKEN"))
	} else {
		log.Warn().Msg("canvasd: federation enabled with no upstream URL, starting embedded NATS")
		transport, err = federation.NewInMemoryNats()
	}
	if err != nil {
		return nil, err
	}

	return federation.New(store, bus, transport, federation.Config{
		PullInterval: fedCfg.PullInterval,
		RPCTimeout:   fedCfg.RPCTimeout,
	}), nil
}
