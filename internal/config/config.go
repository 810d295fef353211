// Package config provides configuration types and loading for wagate.
package config

import (
	"time"

	"github.com/KafClaw/wagate/internal/channels"
	"github.com/KafClaw/wagate/internal/debounce"
	"github.com/KafClaw/wagate/internal/generator"
	"github.com/KafClaw/wagate/internal/ratelimit"
	"github.com/KafClaw/wagate/internal/session"
)

// Config is the root configuration struct.
// Durations in the JSON file are nanoseconds; env overrides accept Go
// duration strings such as "90s".
type Config struct {
	Paths        PathsConfig             `json:"paths"`
	Gateway      GatewayConfig           `json:"gateway"`
	WhatsApp     channels.WhatsAppConfig `json:"whatsapp"`
	Session      session.Config          `json:"session"`
	Debounce     debounce.Config         `json:"debounce"`
	RateLimit    ratelimit.Config        `json:"rateLimit"`
	Registry     RegistryConfig          `json:"registry"`
	ControlPlane ControlPlaneConfig      `json:"controlPlane"`
	Kafka        KafkaConfig             `json:"kafka"`
	AMQP         AMQPConfig              `json:"amqp"`
	Generator    generator.Config        `json:"generator"`
	Log          LogConfig               `json:"log"`
}

// ---------------------------------------------------------------------------
// Paths – filesystem locations
// ---------------------------------------------------------------------------

// PathsConfig groups all filesystem path settings.
type PathsConfig struct {
	DataDir    string `json:"dataDir" envconfig:"DATA_DIR"`
	TimelineDB string `json:"timelineDb" envconfig:"TIMELINE_DB"`
}

// ---------------------------------------------------------------------------
// Gateway – control API listener
// ---------------------------------------------------------------------------

// GatewayConfig configures the HTTP control API.
type GatewayConfig struct {
	Host            string        `json:"host" envconfig:"HOST"`
	Port            int           `json:"port" envconfig:"PORT"`
	AuthToken       string        `json:"authToken" envconfig:"AUTH_TOKEN"`
	ShutdownTimeout time.Duration `json:"shutdownTimeout" envconfig:"SHUTDOWN_TIMEOUT"`

	// AllowedOrigins lists browser origins, besides the gateway's own host,
	// that may open live status websockets.
	AllowedOrigins []string `json:"allowedOrigins,omitempty" envconfig:"ALLOWED_ORIGINS"`
}

// ---------------------------------------------------------------------------
// Registry – session lifecycle
// ---------------------------------------------------------------------------

// RegistryConfig tunes tenant session lifecycle handling.
type RegistryConfig struct {
	SettleDelay      time.Duration `json:"settleDelay" envconfig:"SETTLE_DELAY"`
	ColdStartStagger time.Duration `json:"coldStartStagger" envconfig:"COLD_START_STAGGER"`
	InitTimeout      time.Duration `json:"initTimeout" envconfig:"INIT_TIMEOUT"`
	GenerateTimeout  time.Duration `json:"generateTimeout" envconfig:"GENERATE_TIMEOUT"`
	FallbackReply    string        `json:"fallbackReply" envconfig:"FALLBACK_REPLY"`
	Autostart        bool          `json:"autostart" envconfig:"AUTOSTART"`
}

// ---------------------------------------------------------------------------
// Status sinks
// ---------------------------------------------------------------------------

// ControlPlaneConfig configures the POST /status push.
type ControlPlaneConfig struct {
	URL             string        `json:"url" envconfig:"URL"`
	Secret          string        `json:"secret" envconfig:"SECRET"`
	Timeout         time.Duration `json:"timeout" envconfig:"TIMEOUT"`
	BreakerFailures uint32        `json:"breakerFailures" envconfig:"BREAKER_FAILURES"`
	BreakerCooldown time.Duration `json:"breakerCooldown" envconfig:"BREAKER_COOLDOWN"`
	QueueSize       int           `json:"queueSize" envconfig:"QUEUE_SIZE"`
	// ResyncInterval re-pushes every tenant's status periodically. Zero disables.
	ResyncInterval time.Duration `json:"resyncInterval" envconfig:"RESYNC_INTERVAL"`
}

// KafkaConfig configures status fan-out to a Kafka topic.
type KafkaConfig struct {
	Enabled bool     `json:"enabled" envconfig:"ENABLED"`
	Brokers []string `json:"brokers" envconfig:"BROKERS"`
	Topic   string   `json:"topic" envconfig:"TOPIC"`
}

// AMQPConfig configures status fan-out to a RabbitMQ topic exchange.
type AMQPConfig struct {
	Enabled  bool   `json:"enabled" envconfig:"ENABLED"`
	URL      string `json:"url" envconfig:"URL"`
	Exchange string `json:"exchange" envconfig:"EXCHANGE"`
}

// LogConfig selects the log handler.
type LogConfig struct {
	Format string `json:"format" envconfig:"FORMAT"`
	Level  string `json:"level" envconfig:"LEVEL"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Paths: PathsConfig{
			DataDir:    "~/.wagate/data",
			TimelineDB: "~/.wagate/timeline.db",
		},
		Gateway: GatewayConfig{
			Host:            "127.0.0.1",
			Port:            18800,
			ShutdownTimeout: 15 * time.Second,
		},
		WhatsApp: channels.WhatsAppConfig{
			StoreDir:      "~/.wagate/whatsapp",
			DownloadAudio: true,
			MaxAudioBytes: 16 << 20,
		},
		Session:   session.DefaultConfig(),
		Debounce:  debounce.DefaultConfig(),
		RateLimit: ratelimit.DefaultConfig(),
		Registry: RegistryConfig{
			SettleDelay:      2 * time.Second,
			ColdStartStagger: 3 * time.Second,
			InitTimeout:      60 * time.Second,
			GenerateTimeout:  90 * time.Second,
			Autostart:        true,
		},
		ControlPlane: ControlPlaneConfig{
			Timeout:         8 * time.Second,
			BreakerFailures: 5,
			BreakerCooldown: 30 * time.Second,
			QueueSize:       256,
		},
		Kafka: KafkaConfig{
			Topic: "wagate.session.status",
		},
		AMQP: AMQPConfig{
			Exchange: "wagate.status",
		},
		Generator: generator.DefaultConfig(),
		Log: LogConfig{
			Format: "json",
			Level:  "info",
		},
	}
}

// Addr returns the listen address of the control API.
func (g GatewayConfig) Addr() string {
	return joinHostPort(g.Host, g.Port)
}
