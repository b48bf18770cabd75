// Package eventsource adapts an upstream market-activity stream into a
// reliable sequence of Event values for the Router to fan out.
//
// Implementations hide reconnection, heartbeats, and frame parse errors
// behind Start/Stop/Stats/Events/Errors. The only shipped adapter talks to
// NATS (pkg/eventsource/adapters/nats); pkg/eventsource/adapters/memory
// exists for tests and for feeding manually-produced events.
package eventsource

import (
	"context"
	"time"
)

// Kind enumerates the market-activity event categories the pipeline
// understands.
type Kind string

const (
	KindTransaction    Kind = "transaction"
	KindPositionUpdate Kind = "position_update"
	KindResolution     Kind = "resolution"
	KindPriceUpdate    Kind = "price_update"
	KindVolumeUpdate   Kind = "volume_update"
)

// Event is an immutable unit of upstream market activity.
type Event struct {
	EventID       string                 `json:"event_id"`
	Kind          Kind                   `json:"kind"`
	OccurredAt    time.Time              `json:"occurred_at"`
	Payload       map[string]interface{} `json:"payload"`
	SubjectWallet string                 `json:"subject_wallet,omitempty"`
	SubjectMarket string                 `json:"subject_market,omitempty"`
	IngestSeq     uint64                 `json:"ingest_seq"`
}

// Stats reports the adapter's connection health.
type Stats struct {
	LastMessageAt  time.Time
	ReconnectCount int64
	BytesReceived  int64
	ParseErrors    int64
	CircuitOpen    bool
}

// Source presents a reliable lazy sequence of Event to the Router.
type Source interface {
	// Start opens the connection and begins emitting events. Idempotent.
	Start(ctx context.Context) error

	// Stop closes gracefully, draining in-flight frames up to ctx's deadline.
	Stop(ctx context.Context) error

	// Stats reports last-message time, reconnect count, bytes received.
	Stats() Stats

	// Events yields parsed frames. Closed when the source stops.
	Events() <-chan Event

	// Errors yields non-fatal adapter errors (parse failures, transport
	// hiccups) for observability; never closed before Events.
	Errors() <-chan error
}

// Config configures an Event Source Adapter, shared across transports.
type Config struct {
	// NATSURL is the upstream broker address.
	NATSURL string `env:"EVENTSOURCE_NATS_URL" env-default:"nats://127.0.0.1:4222"`

	// Subject is the NATS subject carrying event frames.
	Subject string `env:"EVENTSOURCE_SUBJECT" env-default:"market.events"`

	// HeartbeatInterval is the expected interval between keepalive pings.
	// A miss of more than 2x this interval triggers a reconnect.
	HeartbeatInterval time.Duration `env:"EVENTSOURCE_HEARTBEAT" env-default:"10s"`

	// ReconnectBaseDelay and ReconnectMaxDelay bound the backoff formula
	// min(base * 2^attempt + U(0, base), max).
	ReconnectBaseDelay time.Duration `env:"EVENTSOURCE_RECONNECT_BASE" env-default:"500ms"`
	ReconnectMaxDelay  time.Duration `env:"EVENTSOURCE_RECONNECT_MAX" env-default:"30s"`

	// HealthyWindow is how long a connection must stay open with at least
	// one message before the reconnect attempt counter resets.
	HealthyWindow time.Duration `env:"EVENTSOURCE_HEALTHY_WINDOW" env-default:"60s"`

	// ParseErrorRatioThreshold trips the local circuit breaker when the
	// fraction of unparseable frames over MonitoringWindow exceeds it.
	ParseErrorRatioThreshold float64       `env:"EVENTSOURCE_PARSE_ERROR_RATIO" env-default:"0.2"`
	MonitoringWindow         time.Duration `env:"EVENTSOURCE_MONITORING_WINDOW" env-default:"10s"`

	// CircuitResetTimeout is how long the breaker stays open before
	// allowing a probe frame through.
	CircuitResetTimeout time.Duration `env:"EVENTSOURCE_CB_RESET_TIMEOUT" env-default:"15s"`

	// EventsBufferSize sizes the Events channel.
	EventsBufferSize int `env:"EVENTSOURCE_BUFFER_SIZE" env-default:"1024"`
}
