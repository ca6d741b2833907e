package config

import (
	"log/slog"
	"os"
	"strconv"
	"sync"

	"gopkg.in/yaml.v2"
)

// =============================================================================
// nabr verification engine - Configuration with Environment Overrides
// =============================================================================

type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Journal      JournalConfig      `yaml:"journal"`
	Redis        RedisConfig        `yaml:"redis"`
	PubSub       PubSubConfig       `yaml:"pubsub"`
	CloudTasks   CloudTasksConfig   `yaml:"cloud_tasks"`
	Verification VerificationConfig `yaml:"verification"`
}

type ServerConfig struct {
	Port            string `yaml:"port"`
	Env             string `yaml:"env"`
	ReadTimeoutSec  int    `yaml:"read_timeout_sec"`
	WriteTimeoutSec int    `yaml:"write_timeout_sec"`
	ShutdownTimeout int    `yaml:"shutdown_timeout_sec"`
}

// JournalConfig selects the event-log backend.
type JournalConfig struct {
	Backend  string        `yaml:"backend"` // memory | spanner | postgres
	Postgres string        `yaml:"postgres_dsn"`
	Spanner  SpannerConfig `yaml:"spanner"`
}

type SpannerConfig struct {
	ProjectID  string `yaml:"project_id"`
	InstanceID string `yaml:"instance_id"`
	Database   string `yaml:"database"`
}

type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type PubSubConfig struct {
	Enabled   bool   `yaml:"enabled"`
	ProjectID string `yaml:"project_id"`
	TopicID   string `yaml:"topic_id"`
}

type CloudTasksConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ProjectID  string `yaml:"project_id"`
	LocationID string `yaml:"location_id"`
	QueueID    string `yaml:"queue_id"`
	TargetURL  string `yaml:"target_url"`
}

// VerificationConfig tunes the engine's protocol windows and exposes the
// scoring constants table for per-deployment overrides.
type VerificationConfig struct {
	CodeTTLMinutes      int `yaml:"code_ttl_minutes"`
	CodeAttempts        int `yaml:"code_attempts"`
	TwoPartyWindowHours int `yaml:"two_party_window_hours"`
	ReviewWindowDays    int `yaml:"review_window_days"`
	SweepIntervalMin    int `yaml:"sweep_interval_minutes"`
	CheckpointEveryN    int `yaml:"checkpoint_every_n_events"`

	// Scoring overrides the default method point table per entry. Keys are
	// method names; absent methods keep their defaults.
	Scoring map[string]ScoringOverride `yaml:"scoring"`
}

// ScoringOverride replaces a single method's policy constants.
type ScoringOverride struct {
	BasePoints    int `yaml:"base_points"`
	MaxMultiplier int `yaml:"max_multiplier"`
	DecayDays     int `yaml:"decay_days"`
}

var (
	cfg  *Config
	once sync.Once
)

// Get loads the configuration once: defaults, then the YAML file named by
// NABR_CONFIG (default config.yaml), then environment overrides.
func Get() *Config {
	once.Do(func() {
		cfg = defaults()

		path := os.Getenv("NABR_CONFIG")
		if path == "" {
			path = "config.yaml"
		}
		if raw, err := os.ReadFile(path); err == nil {
			if err := yaml.Unmarshal(raw, cfg); err != nil {
				slog.Warn("Failed to parse config file, using defaults", "path", path, "error", err)
			} else {
				slog.Info("Loaded config file", "path", path)
			}
		}

		applyEnvOverrides(cfg)
	})
	return cfg
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            "8080",
			Env:             "development",
			ReadTimeoutSec:  15,
			WriteTimeoutSec: 15,
			ShutdownTimeout: 10,
		},
		Journal: JournalConfig{Backend: "memory"},
		Redis:   RedisConfig{Addr: "localhost:6379"},
		Verification: VerificationConfig{
			CodeTTLMinutes:      30,
			CodeAttempts:        5,
			TwoPartyWindowHours: 72,
			ReviewWindowDays:    30,
			SweepIntervalMin:    60,
			CheckpointEveryN:    1000,
		},
	}
}

func applyEnvOverrides(c *Config) {
	if v := os.Getenv("PORT"); v != "" {
		c.Server.Port = v
	}
	if v := os.Getenv("NABR_ENV"); v != "" {
		c.Server.Env = v
	}
	if v := os.Getenv("NABR_JOURNAL_BACKEND"); v != "" {
		c.Journal.Backend = v
	}
	if v := os.Getenv("NABR_POSTGRES_DSN"); v != "" {
		c.Journal.Postgres = v
	}
	if v := os.Getenv("NABR_SPANNER_PROJECT"); v != "" {
		c.Journal.Spanner.ProjectID = v
	}
	if v := os.Getenv("NABR_SPANNER_INSTANCE"); v != "" {
		c.Journal.Spanner.InstanceID = v
	}
	if v := os.Getenv("NABR_SPANNER_DATABASE"); v != "" {
		c.Journal.Spanner.Database = v
	}
	if v := os.Getenv("NABR_REDIS_ENABLED"); v != "" {
		c.Redis.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("NABR_REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("NABR_REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("NABR_REDIS_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			c.Redis.DB = db
		}
	}
	if v := os.Getenv("NABR_PUBSUB_ENABLED"); v != "" {
		c.PubSub.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("NABR_PUBSUB_PROJECT"); v != "" {
		c.PubSub.ProjectID = v
	}
	if v := os.Getenv("NABR_PUBSUB_TOPIC"); v != "" {
		c.PubSub.TopicID = v
	}
	if v := os.Getenv("NABR_CLOUDTASKS_ENABLED"); v != "" {
		c.CloudTasks.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("NABR_CLOUDTASKS_PROJECT"); v != "" {
		c.CloudTasks.ProjectID = v
	}
	if v := os.Getenv("NABR_CLOUDTASKS_LOCATION"); v != "" {
		c.CloudTasks.LocationID = v
	}
	if v := os.Getenv("NABR_CLOUDTASKS_QUEUE"); v != "" {
		c.CloudTasks.QueueID = v
	}
	if v := os.Getenv("NABR_CLOUDTASKS_TARGET_URL"); v != "" {
		c.CloudTasks.TargetURL = v
	}
}

// GetPort returns the HTTP port with the ":" prefix.
func (c *Config) GetPort() string {
	return ":" + c.Server.Port
}
