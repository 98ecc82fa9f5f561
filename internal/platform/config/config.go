package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Prefix de todas las variables: PETSYNC_HTTP_ADDR, PETSYNC_STORE_DRIVER...
const Prefix = "PETSYNC"

type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvProduction  Environment = "production"
)

const (
	DriverPebble   = "pebble"
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
)

type Config struct {
	Environment Environment `envconfig:"ENVIRONMENT" default:"production"`

	// API local para la UI
	HTTPAddr         string   `envconfig:"HTTP_ADDR" default:"127.0.0.1:8090"`
	WSOriginPatterns []string `envconfig:"WS_ORIGIN_PATTERNS" default:"localhost:*,127.0.0.1:*"`

	// API remota
	APIBaseURL string        `envconfig:"API_BASE_URL" default:"http://localhost:8080"`
	APITimeout time.Duration `envconfig:"API_TIMEOUT" default:"20s"`

	// Store local
	StoreDriver string `envconfig:"STORE_DRIVER" default:"pebble"`
	StorePath   string `envconfig:"STORE_PATH" default:"./data/petsync"`
	DBDSN       string `envconfig:"DB_DSN" default:""`

	// Cola y dispatcher
	SyncMaxRetries    int           `envconfig:"SYNC_MAX_RETRIES" default:"5"`
	SyncDebounce      time.Duration `envconfig:"SYNC_DEBOUNCE" default:"1s"`
	SyncActionTimeout time.Duration `envconfig:"SYNC_ACTION_TIMEOUT" default:"15s"`
	SyncRetryBase     time.Duration `envconfig:"SYNC_RETRY_BASE" default:"2s"`
	SyncRetryMax      time.Duration `envconfig:"SYNC_RETRY_MAX" default:"5m"`
	SyncLeaseTTL      time.Duration `envconfig:"SYNC_LEASE_TTL" default:"30s"`
	SyncPauseOnAuth   bool          `envconfig:"SYNC_PAUSE_ON_AUTH" default:"true"`
	SyncRateLimit     float64       `envconfig:"SYNC_RATE_LIMIT" default:"0"` // acciones/seg, 0 = sin límite

	// Conectividad
	ProbeInterval time.Duration `envconfig:"PROBE_INTERVAL" default:"10s"`
	ProbePath     string        `envconfig:"PROBE_PATH" default:"/health"`

	// Sync en segundo plano (cron de 5 campos). Vacío = deshabilitado.
	BackgroundSyncCron string `envconfig:"BACKGROUND_SYNC_CRON" default:""`
}

// Load lee el entorno con el prefijo PETSYNC y valida.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(Prefix, &cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment variables: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Dev() bool { return c.Environment == EnvDevelopment }

func (c *Config) Validate() error {
	switch c.Environment {
	case EnvDevelopment, EnvProduction:
	default:
		return fmt.Errorf("unsupported ENVIRONMENT: %s", c.Environment)
	}

	c.StoreDriver = strings.ToLower(strings.TrimSpace(c.StoreDriver))
	switch c.StoreDriver {
	case DriverPebble:
		if strings.TrimSpace(c.StorePath) == "" {
			return fmt.Errorf("STORE_PATH is required for the pebble driver")
		}
	case DriverPostgres:
		if strings.TrimSpace(c.DBDSN) == "" {
			return fmt.Errorf("DB_DSN is required for the postgres driver")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("unsupported STORE_DRIVER: %s", c.StoreDriver)
	}

	u, err := url.Parse(c.APIBaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid API_BASE_URL: %q", c.APIBaseURL)
	}
	if !strings.HasPrefix(c.ProbePath, "/") {
		return fmt.Errorf("PROBE_PATH must start with /")
	}

	if c.SyncMaxRetries <= 0 {
		return fmt.Errorf("SYNC_MAX_RETRIES must be positive")
	}
	if c.SyncRetryBase <= 0 || c.SyncRetryMax < c.SyncRetryBase {
		return fmt.Errorf("SYNC_RETRY_BASE must be positive and not above SYNC_RETRY_MAX")
	}
	if c.SyncActionTimeout <= 0 || c.SyncLeaseTTL <= 0 || c.ProbeInterval <= 0 {
		return fmt.Errorf("timeouts and intervals must be positive")
	}
	if c.SyncRateLimit < 0 {
		return fmt.Errorf("SYNC_RATE_LIMIT must not be negative")
	}
	return nil
}
