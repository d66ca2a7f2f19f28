// Package federation bridges this server's scene store to a single
// upstream peer (spec §4.9): a push task forwards local mutations as full
// snapshots, a pull task periodically checks the upstream for a newer
// snapshot and applies it locally. Pushes are retried on transport errors
// only, the way external-agent.ExternalAgentRunner retries its
// control-plane dial, using avast/retry-go; a failed pull is not retried
// and the next pull tick tries again. Task lifetime is managed with
// sourcegraph/conc the way agent.Agent fans out skill calls.
package federation

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	retry "github.com/avast/retry-go/v4"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"

	"github.com/saorsa-labs/canvas/pkg/broadcast"
	"github.com/saorsa-labs/canvas/pkg/scene"
)

// Config tunes the bridge's pull cadence and per-RPC timeout (spec §4.9,
// defaulted in pkg/config.Federation).
type Config struct {
	PullInterval time.Duration
	RPCTimeout   time.Duration
}

// Bridge owns the push and pull tasks against one upstream Transport.
type Bridge struct {
	store     *scene.Store
	bus       *broadcast.Bus
	transport Transport
	cfg       Config
	now       func() int64

	mu    sync.RWMutex
	state ConnState

	stopCh chan struct{}
	stop   sync.Once
	wg     conc.WaitGroup
}

// New constructs a Bridge. It does not start any goroutines until Start.
func New(store *scene.Store, bus *broadcast.Bus, transport Transport, cfg Config) *Bridge {
	if cfg.PullInterval <= 0 {
		cfg.PullInterval = 30 * time.Second
	}
	if cfg.RPCTimeout <= 0 {
		cfg.RPCTimeout = 10 * time.Second
	}
	return &Bridge{
		store:     store,
		bus:       bus,
		transport: transport,
		cfg:       cfg,
		now:       func() int64 { return time.Now().UnixMilli() },
		state:     Connected(),
		stopCh:    make(chan struct{}),
	}
}

// State returns the bridge's current upstream connection state.
func (b *Bridge) State() ConnState {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

func (b *Bridge) setState(s ConnState) {
	b.mu.Lock()
	b.state = s
	b.mu.Unlock()
}

// Start launches the push watcher and the pull loop. Both run until ctx is
// canceled or Stop is called.
func (b *Bridge) Start(ctx context.Context) {
	b.wg.Go(func() { b.pushWatcher(ctx) })
	b.wg.Go(func() { b.pullLoop(ctx) })
}

// Stop signals both tasks to exit, waits for them, and closes the
// transport. Safe to call once; a second call is a no-op.
func (b *Bridge) Stop() {
	b.stop.Do(func() {
		close(b.stopCh)
		b.wg.Wait()
		if err := b.transport.Close(); err != nil {
			log.Warn().Err(err).Msg("federation: transport close failed")
		}
	})
}

// pushWatcher spawns one push worker per session as sessions appear. New
// sessions are only created by local/MCP/HTTP activity, so a short poll is
// enough to pick them up without the store needing a "new session"
// notification of its own.
func (b *Bridge) pushWatcher(ctx context.Context) {
	watched := make(map[string]bool)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-b.stopCh:
			return
		case <-ticker.C:
			for _, session := range b.store.Sessions() {
				if watched[session] {
					continue
				}
				watched[session] = true
				session := session
				b.wg.Go(func() { b.pushSession(ctx, session) })
			}
		}
	}
}

func (b *Bridge) pushSession(ctx context.Context, session string) {
	sub := b.bus.Subscribe(session)
	defer sub.Unsubscribe()

	// Mutations made before this subscription existed (the watcher only
	// sees a session on its next tick) are covered by one initial push.
	b.pushSnapshot(ctx, session)

	for {
		select {
		case <-ctx.Done():
			return
		case <-b.stopCh:
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			// A mutation that originated from this same bridge's pull task
			// would otherwise bounce straight back upstream.
			if ev.Origin == scene.OriginRemote {
				continue
			}
			b.pushSnapshot(ctx, session)
		case <-sub.Lagged():
			b.pushSnapshot(ctx, session)
		}
	}
}

func (b *Bridge) pushSnapshot(ctx context.Context, session string) {
	data, err := b.store.SnapshotJSON(session)
	if err != nil {
		log.Warn().Err(err).Str("session", session).Msg("federation: snapshot marshal failed")
		return
	}

	err = retry.Do(func() error {
		rctx, cancel := context.WithTimeout(ctx, b.cfg.RPCTimeout)
		defer cancel()
		_, err := b.transport.Request(rctx, "push", session, data)
		if err != nil {
			var rpcErr *RPCError
			if errors.As(err, &rpcErr) {
				// The upstream answered and rejected the push; retrying the
				// same snapshot would just reproduce the same rejection.
				return retry.Unrecoverable(err)
			}
		}
		return err
	},
		retry.Context(ctx),
		retry.Attempts(3),
		retry.Delay(100*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.MaxDelay(5*time.Second),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			b.setState(Reconnecting(int(n)))
			log.Warn().Err(err).Uint("attempt", n).Str("session", session).Msg("federation: retrying push")
		}),
	)
	if err != nil {
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) {
			// A rejection is not a lost upstream connection; the next
			// mutation or periodic pull still has a live transport to use.
			log.Warn().Err(err).Str("session", session).Msg("federation: upstream rejected push")
			return
		}
		b.setState(Disconnected(b.now(), err.Error()))
		return
	}
	b.setState(Connected())
}

func (b *Bridge) pullLoop(ctx context.Context) {
	ticker := time.NewTicker(b.cfg.PullInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-b.stopCh:
			return
		case <-ticker.C:
			for _, session := range b.store.Sessions() {
				b.pullSession(ctx, session)
			}
		}
	}
}

func (b *Bridge) pullSession(ctx context.Context, session string) {
	rctx, cancel := context.WithTimeout(ctx, b.cfg.RPCTimeout)
	defer cancel()

	data, err := b.transport.Request(rctx, "pull", session, nil)
	if err != nil {
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) {
			// The upstream answered (e.g. "unknown session"); the
			// connection itself is fine, so don't report it as dropped.
			log.Warn().Err(err).Str("session", session).Msg("federation: upstream rejected pull")
			return
		}
		b.setState(Disconnected(b.now(), err.Error()))
		return
	}

	var doc scene.SceneDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		log.Warn().Err(err).Str("session", session).Msg("federation: malformed upstream snapshot")
		return
	}

	local := b.store.Snapshot(session)
	if doc.Timestamp <= local.Timestamp {
		b.setState(Connected())
		return
	}

	b.store.Replace(session, scene.Scene{Viewport: doc.Viewport, Elements: doc.Elements}, scene.OriginRemote, "")
	b.setState(Connected())
}
