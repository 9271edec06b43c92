package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/carelink-ng/referral/internal/shared/validation"
)

// Config is populated from the environment. Section prefixes come from the
// envconfig tags, so Database.Host reads DB_HOST.
type Config struct {
	Server     ServerConfig     `envconfig:"SERVER"`
	Log        LogConfig        `envconfig:"LOG"`
	Database   DatabaseConfig   `envconfig:"DB"`
	KurrentDB  KurrentDBConfig  `envconfig:"KURRENTDB"`
	Redis      RedisConfig      `envconfig:"REDIS"`
	Kafka      KafkaConfig      `envconfig:"KAFKA"`
	Webhook    WebhookConfig    `envconfig:"WEBHOOK"`
	Directory  DirectoryConfig  `envconfig:"DIRECTORY"`
	Auth       AuthConfig       `envconfig:"AUTH"`
	Privacy    PrivacyConfig    `envconfig:"PRIVACY"`
	Registry   RegistryConfig   `envconfig:"REGISTRY"`
	Matching   MatchingConfig   `envconfig:"MATCHING"`
	Escalation EscalationConfig `envconfig:"ESCALATION"`
	Dispatch   DispatchConfig   `envconfig:"DISPATCH"`
	Tracing    TracingConfig    `envconfig:"TRACING"`
}

type ServerConfig struct {
	Port int    `envconfig:"PORT" default:"8080" validate:"gt=0,lt=65536"`
	Env  string `envconfig:"ENV" default:"development" validate:"oneof=development staging production"`
	// DevIdentityHeader carries the caller provider id when JWT auth is off.
	DevIdentityHeader string `envconfig:"DEV_IDENTITY_HEADER" default:"X-Provider-ID"`
	RateLimitRPS      int    `envconfig:"RATE_LIMIT_RPS" default:"50"`
	RateLimitBurst    int    `envconfig:"RATE_LIMIT_BURST" default:"100"`
}

// IsProduction reports whether JWT auth is enforced.
func (s ServerConfig) IsProduction() bool {
	return s.Env == "production"
}

type LogConfig struct {
	Level  string `envconfig:"LEVEL" default:"info" validate:"oneof=trace debug info warn error"`
	Pretty bool   `envconfig:"PRETTY" default:"false"`
}

type DatabaseConfig struct {
	Enabled  bool   `envconfig:"ENABLED" default:"false"`
	Host     string `envconfig:"HOST" default:"localhost"`
	Port     int    `envconfig:"PORT" default:"5432"`
	User     string `envconfig:"USER" default:"referral"`
	Password string `envconfig:"PASSWORD" default:"referral"`
	Database string `envconfig:"NAME" default:"referral"`
	SSLMode  string `envconfig:"SSLMODE" default:"disable"`
	MaxConns int32  `envconfig:"MAX_CONNS" default:"25" validate:"gte=1"`
	MinConns int32  `envconfig:"MIN_CONNS" default:"2" validate:"gte=0"`
}

func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Database, d.SSLMode,
	)
}

// KurrentDBConfig holds configuration for KurrentDB (EventStoreDB).
type KurrentDBConfig struct {
	Enabled  bool   `envconfig:"ENABLED" default:"false"`
	Host     string `envconfig:"HOST" default:"localhost"`
	Port     int    `envconfig:"PORT" default:"2113"`
	Insecure bool   `envconfig:"INSECURE" default:"true"`
	Username string `envconfig:"USERNAME"`
	Password string `envconfig:"PASSWORD"`
}

// RedisConfig enables the shared same-day load counters.
type RedisConfig struct {
	Addr     string `envconfig:"ADDR"`
	Password string `envconfig:"PASSWORD"`
	DB       int    `envconfig:"DB" default:"0"`
}

type KafkaConfig struct {
	Brokers      []string      `envconfig:"BROKERS"`
	Topic        string        `envconfig:"TOPIC" default:"referral.case-events"`
	BatchTimeout time.Duration `envconfig:"BATCH_TIMEOUT" default:"50ms"`
}

type WebhookConfig struct {
	URL       string        `envconfig:"URL"`
	Secret    string        `envconfig:"SECRET"`
	Timeout   time.Duration `envconfig:"TIMEOUT" default:"5s"`
	RateLimit float64       `envconfig:"RATE_LIMIT" default:"20"`
}

// DirectoryConfig points at the external SQL Server provider directory.
type DirectoryConfig struct {
	DSN   string `envconfig:"DSN"`
	Table string `envconfig:"TABLE" default:"dbo.ServiceProviders"`
	// SyncSchedule is a cron spec for periodic directory syncs while serving.
	SyncSchedule string `envconfig:"SYNC_SCHEDULE" default:"@every 15m"`
}

type AuthConfig struct {
	JWTSecret string `envconfig:"JWT_SECRET" default:"dev-secret-change-in-prod"`
	Issuer    string `envconfig:"ISSUER" default:"carelink"`
}

type PrivacyConfig struct {
	// NotesKey seals referral notes before they reach the event log.
	NotesKey string `envconfig:"NOTES_KEY" default:"dev-notes-key-change-in-production"`
}

type RegistryConfig struct {
	SeedFile string        `envconfig:"SEED_FILE" default:"configs/providers.yaml"`
	CacheTTL time.Duration `envconfig:"CACHE_TTL" default:"30s"`
	// Tags overrides the built-in service taxonomy when set.
	Tags []string `envconfig:"TAGS"`
}

type MatchingConfig struct {
	Timeout time.Duration `envconfig:"TIMEOUT" default:"2s" validate:"gt=0"`
}

// EscalationConfig is the tunable deadline table.
type EscalationConfig struct {
	EmergencyAck   time.Duration `envconfig:"EMERGENCY_ACK" default:"5m" validate:"gt=0"`
	EmergencyPhase time.Duration `envconfig:"EMERGENCY_PHASE" default:"30m" validate:"gt=0"`
	HighAck        time.Duration `envconfig:"HIGH_ACK" default:"2h" validate:"gt=0"`
	HighPhase      time.Duration `envconfig:"HIGH_PHASE" default:"24h" validate:"gt=0"`
	MediumAck      time.Duration `envconfig:"MEDIUM_ACK" default:"24h" validate:"gt=0"`
	MediumPhase    time.Duration `envconfig:"MEDIUM_PHASE" default:"72h" validate:"gt=0"`
	LowAck         time.Duration `envconfig:"LOW_ACK" default:"72h" validate:"gt=0"`
	LowPhase       time.Duration `envconfig:"LOW_PHASE" default:"168h" validate:"gt=0"`

	MaxEmergencyRounds int           `envconfig:"MAX_EMERGENCY_ROUNDS" default:"2" validate:"gte=1"`
	PollInterval       time.Duration `envconfig:"POLL_INTERVAL" default:"1s" validate:"gt=0"`
}

type DispatchConfig struct {
	Workers       int           `envconfig:"WORKERS" default:"4" validate:"gte=1"`
	BufferSize    int           `envconfig:"BUFFER_SIZE" default:"1000" validate:"gte=1"`
	RetryAttempts int           `envconfig:"RETRY_ATTEMPTS" default:"3" validate:"gte=1"`
	RetryDelay    time.Duration `envconfig:"RETRY_DELAY" default:"2s"`
}

type TracingConfig struct {
	Endpoint    string  `envconfig:"ENDPOINT"`
	Insecure    bool    `envconfig:"INSECURE" default:"true"`
	SampleRatio float64 `envconfig:"SAMPLE_RATIO" default:"1" validate:"gte=0,lte=1"`
}

// Load reads the configuration from the environment and validates it.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process env config: %w", err)
	}
	if err := validation.Validator().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}
