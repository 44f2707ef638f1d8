package config

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the service
type Config struct {
	Environment string `mapstructure:"environment"`
	LogLevel    string `mapstructure:"logLevel"`
	Server      struct {
		Port int `mapstructure:"port"`
	} `mapstructure:"server"`
	Webhook struct {
		Path         string `mapstructure:"path"`         // Route the CRM platform posts to
		Secret       string `mapstructure:"secret"`       // Shared secret for HMAC signature verification
		MaxBodyBytes int64  `mapstructure:"maxBodyBytes"` // Upper bound on accepted payload size
	} `mapstructure:"webhook"`
	CRM struct {
		BaseURL string        `mapstructure:"baseURL"`
		Token   string        `mapstructure:"token"`
		Timeout time.Duration `mapstructure:"timeout"`
	} `mapstructure:"crm"`
	Database struct {
		PostgresDSN         string `mapstructure:"postgresDSN"`
		PostgresAutoMigrate bool   `mapstructure:"postgresAutoMigrate"`
	} `mapstructure:"database"`
	Dedup struct {
		Backend       string        `mapstructure:"backend"`       // "memory" (single instance) or "redis" (shared)
		Window        time.Duration `mapstructure:"window"`        // Sliding suppression window
		Threshold     int           `mapstructure:"threshold"`     // Deliveries allowed per window before suppression
		PruneInterval time.Duration `mapstructure:"pruneInterval"` // How often the in-memory tracker prunes stale entries
	} `mapstructure:"dedup"`
	Redis struct {
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
	} `mapstructure:"redis"`
	Stages struct {
		Order       []string `mapstructure:"order"`       // Canonical pipeline ordering, first = earliest
		PseudoStage string   `mapstructure:"pseudoStage"` // Non-tracked pseudo-stage, transitions into it are dropped
	} `mapstructure:"stages"`
	Recorder struct {
		PreferSnapshotTime bool `mapstructure:"preferSnapshotTime"` // occurred_at from CRM snapshot when available
	} `mapstructure:"recorder"`
	NATS struct {
		URL           string        `mapstructure:"url"` // Empty disables the announcer
		Stream        string        `mapstructure:"stream"`
		SubjectPrefix string        `mapstructure:"subjectPrefix"`
		MaxAge        time.Duration `mapstructure:"maxAge"`
	} `mapstructure:"nats"`
	Metrics struct {
		Enabled bool `mapstructure:"enabled"`
	} `mapstructure:"metrics"`
	WorkerPools struct {
		Stage StageWorkerPoolConfig `mapstructure:"stage"`
	} `mapstructure:"workerPools"`
}

// StageWorkerPoolConfig holds configuration for the stage-processing worker pool
type StageWorkerPoolConfig struct {
	PoolSize   int           `mapstructure:"poolSize"`   // Number of workers
	QueueSize  int           `mapstructure:"queueSize"`  // Task queue buffer size
	MaxBlock   time.Duration `mapstructure:"maxBlock"`   // Max time to block when submitting if queue full
	ExpiryTime time.Duration `mapstructure:"expiryTime"` // Idle worker expiry time
}

// LoadConfig reads configuration from file or environment variables
func LoadConfig(path string) (*Config, error) {
	// Create new viper instance
	v := viper.New()

	// Set defaults
	v.SetDefault("environment", "development")
	v.SetDefault("logLevel", "info")
	v.SetDefault("server.port", 8080)
	v.SetDefault("metrics.enabled", true)

	// Webhook defaults
	v.SetDefault("webhook.path", "/v1/webhooks/crm")
	v.SetDefault("webhook.maxBodyBytes", 1<<20)

	// CRM client defaults
	v.SetDefault("crm.timeout", 10*time.Second)

	// Dedup defaults. Threshold 1 means any delivery after the first inside
	// the window is suppressed; a threshold of 2 would let two near-simultaneous
	// deliveries race each other into the recorder.
	v.SetDefault("dedup.backend", "memory")
	v.SetDefault("dedup.window", 30*time.Second)
	v.SetDefault("dedup.threshold", 1)
	v.SetDefault("dedup.pruneInterval", 2*time.Minute)

	// Canonical pipeline defaults
	v.SetDefault("stages.order", []string{
		"new", "contacted", "qualified", "demo_scheduled", "proposal", "negotiation", "closed_won",
	})
	v.SetDefault("stages.pseudoStage", "upload")

	v.SetDefault("recorder.preferSnapshotTime", true)

	// Announcer defaults
	v.SetDefault("nats.stream", "STAGE_CHANGES")
	v.SetDefault("nats.subjectPrefix", "v1.stages.recorded")
	v.SetDefault("nats.maxAge", 30*24*time.Hour)

	// WorkerPools defaults
	v.SetDefault("workerPools.stage.poolSize", 10)
	v.SetDefault("workerPools.stage.queueSize", 10000)
	v.SetDefault("workerPools.stage.maxBlock", time.Second)
	v.SetDefault("workerPools.stage.expiryTime", time.Minute)

	// Config file settings
	v.SetConfigName("default")
	v.SetConfigType("yaml")

	// Add lookup paths
	if path != "" {
		v.AddConfigPath(path)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("./internal/config")
	v.AddConfigPath("$HOME/.daisi-crm-stage-tracker")
	v.AddConfigPath("/etc/daisi-crm-stage-tracker")

	// Try to read from config file
	if err := v.ReadInConfig(); err != nil {
		// It's ok if config file is not found, we'll use env vars
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	// Override with environment variables
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Map environment variables to config fields
	bindEnvs(v, Config{})

	// Read directly from ENV for critical values
	if dsn := os.Getenv("POSTGRES_DSN"); dsn != "" {
		v.Set("database.postgresDSN", dsn)
	}
	if lgLevel := os.Getenv("LOG_LEVEL"); lgLevel != "" {
		v.Set("logLevel", lgLevel)
	}
	if baseURL := os.Getenv("CRM_BASE_URL"); baseURL != "" {
		v.Set("crm.baseURL", baseURL)
	}
	if token := os.Getenv("CRM_TOKEN"); token != "" {
		v.Set("crm.token", token)
	}
	if secret := os.Getenv("WEBHOOK_SECRET"); secret != "" {
		v.Set("webhook.secret", secret)
	}
	if url := os.Getenv("NATS_URL"); url != "" {
		v.Set("nats.url", url)
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		v.Set("redis.addr", addr)
	}

	// Unmarshal config
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}

	return &config, nil
}

// bindEnvs recursively binds environment variables to config struct fields
func bindEnvs(v *viper.Viper, cfg interface{}, parts ...string) {
	ifv := reflect.ValueOf(cfg)
	ift := reflect.TypeOf(cfg)
	for i := 0; i < ift.NumField(); i++ {
		fieldVal := ifv.Field(i)
		fieldType := ift.Field(i)

		// Get the field tag value (mapstructure)
		tag := fieldType.Tag.Get("mapstructure")
		if tag == "" || tag == "-" {
			continue
		}

		// Build the env var path
		path := append(parts, tag)
		key := strings.Join(path, ".")

		// If it's a struct, recursively bind its fields
		if fieldType.Type.Kind() == reflect.Struct {
			bindEnvs(v, fieldVal.Interface(), path...)
			continue
		}

		// Bind the env var
		_ = v.BindEnv(key)
	}
}
