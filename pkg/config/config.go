// Package config loads server configuration from the environment, the
// way helixml-helix's api/pkg/config.ServerConfig does: a struct of
// nested groups with envconfig tags and defaults.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/rs/zerolog/log"
)

// ServerConfig is the top-level configuration for the canvas server.
type ServerConfig struct {
	HTTP        HTTP
	RateLimit   RateLimit
	Broadcast   Broadcast
	Federation  Federation
	WebSocket   WebSocket
}

type HTTP struct {
	ListenAddr string `envconfig:"CANVAS_HTTP_ADDR" default:":8787"`
}

// RateLimit configures the per-peer token bucket (spec §6.5). Burst and
// SustainedPerSec are validated after load: non-numeric or out-of-range
// values fall back to defaults with a warning, per §6.5.
type RateLimit struct {
	Burst           int           `envconfig:"CANVAS_RATE_BURST" default:"100"`
	SustainedPerSec float64       `envconfig:"CANVAS_RATE_SUSTAINED" default:"10"`
	IdleTimeout     time.Duration `envconfig:"CANVAS_RATE_IDLE_TIMEOUT" default:"10m"`
}

// Validate clamps out-of-range rate-limit values to their documented
// defaults and logs a warning, rather than failing startup (spec §6.5).
func (r *RateLimit) Validate() {
	if r.Burst <= 0 {
		log.Warn().Int("value", r.Burst).Msg("config: CANVAS_RATE_BURST out of range, using default 100")
		r.Burst = 100
	}
	if r.SustainedPerSec <= 0 {
		log.Warn().Float64("value", r.SustainedPerSec).Msg("config: CANVAS_RATE_SUSTAINED out of range, using default 10")
		r.SustainedPerSec = 10
	}
	if r.IdleTimeout <= 0 {
		r.IdleTimeout = 10 * time.Minute
	}
}

type Broadcast struct {
	BufferSize int `envconfig:"CANVAS_BROADCAST_BUFFER" default:"256"`
}

// Federation configures the upstream peer bridge (spec §4.9).
type Federation struct {
	Enabled      bool          `envconfig:"CANVAS_FEDERATION_ENABLED" default:"false"`
	UpstreamURL  string        `envconfig:"CANVAS_FEDERATION_UPSTREAM_URL"`
	PullInterval time.Duration `envconfig:"CANVAS_FEDERATION_PULL_INTERVAL" default:"30s"`
	RPCTimeout   time.Duration `envconfig:"CANVAS_FEDERATION_RPC_TIMEOUT" default:"10s"`
}

// WebSocket configures connection liveness detection (spec §5).
type WebSocket struct {
	PingInterval   time.Duration `envconfig:"CANVAS_WS_PING_INTERVAL" default:"30s"`
	MissedPongsMax int           `envconfig:"CANVAS_WS_MISSED_PONGS_MAX" default:"3"`
}

// Load reads ServerConfig from the environment, applying defaults and
// rate-limit validation.
func Load() (ServerConfig, error) {
	// A non-numeric rate-limit value is dropped before envconfig sees it,
	// so its envconfig default applies instead of failing the load.
	for key, parse := range map[string]func(string) error{
		"CANVAS_RATE_BURST":     func(v string) error { _, err := strconv.ParseInt(v, 0, 64); return err },
		"CANVAS_RATE_SUSTAINED": func(v string) error { _, err := strconv.ParseFloat(v, 64); return err },
	} {
		if v, ok := os.LookupEnv(key); ok && parse(v) != nil {
			log.Warn().Str("value", v).Msgf("config: %s is not a number, using default", key)
			_ = os.Unsetenv(key)
		}
	}

	var cfg ServerConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return ServerConfig{}, err
	}
	cfg.RateLimit.Validate()
	return cfg, nil
}
