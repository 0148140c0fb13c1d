// Package config loads and validates scheduler configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/crawlsched/internal/connector"
	"github.com/JakeFAU/crawlsched/internal/crawler"
	"github.com/JakeFAU/crawlsched/internal/lifecycle"
	"github.com/JakeFAU/crawlsched/internal/lock"
	"github.com/JakeFAU/crawlsched/internal/removal"
	"github.com/JakeFAU/crawlsched/internal/schedule"
	"github.com/JakeFAU/crawlsched/internal/stuffer"
	"github.com/JakeFAU/crawlsched/internal/worker"
)

// EnvPrefix prefixes every environment override, e.g. CRAWLSCHED_SERVER_PORT.
const EnvPrefix = "CRAWLSCHED"

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	// ProcessID identifies this scheduler instance in the shared queue. A
	// random ID is generated when empty.
	ProcessID   string                 `mapstructure:"process_id"`
	Server      ServerConfig           `mapstructure:"server"`
	Logging     LoggingConfig          `mapstructure:"logging"`
	Pools       PoolsConfig            `mapstructure:"pools"`
	Stuffer     stuffer.Config         `mapstructure:"stuffer"`
	Worker      worker.Config          `mapstructure:"worker"`
	Removal     removal.Config         `mapstructure:"removal"`
	Priority    PriorityConfig         `mapstructure:"priority"`
	Lifecycle   lifecycle.Config       `mapstructure:"lifecycle"`
	Reset       ResetConfig            `mapstructure:"reset"`
	History     HistoryConfig          `mapstructure:"history"`
	Lock        LockConfig             `mapstructure:"lock"`
	Outputs     []OutputConfig         `mapstructure:"outputs"`
	Notify      NotifyConfig           `mapstructure:"notify"`
	Shutdown    ShutdownConfig         `mapstructure:"shutdown"`
	Connections []connector.Connection `mapstructure:"connections"`
	Jobs        []JobConfig            `mapstructure:"jobs"`
}

// ServerConfig controls the admin HTTP server.
type ServerConfig struct {
	Port int `mapstructure:"port"`
	// APIKey, when set, is required on every /v1 request.
	APIKey string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// PoolsConfig sizes the thread pools.
type PoolsConfig struct {
	Fetch   int `mapstructure:"fetch"`
	Delete  int `mapstructure:"delete"`
	Cleanup int `mapstructure:"cleanup"`
	Expire  int `mapstructure:"expire"`
}

// PriorityConfig tunes the queue tracker and the priority writer.
type PriorityConfig struct {
	MinMsPerFetch float64       `mapstructure:"min_ms_per_fetch"`
	Quota         int           `mapstructure:"quota"`
	Backoff       time.Duration `mapstructure:"backoff"`
}

// ResetConfig bounds the retry backoff of pool reset cleanup.
type ResetConfig struct {
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
}

// HistoryConfig selects where activity history is kept.
type HistoryConfig struct {
	// Provider is "memory" or "postgres".
	Provider      string `mapstructure:"provider"`
	DSN           string `mapstructure:"dsn"`
	ActivityTable string `mapstructure:"activity_table"`
	JobEventTable string `mapstructure:"job_event_table"`
	MaxConns      int32  `mapstructure:"max_conns"`
	MinConns      int32  `mapstructure:"min_conns"`
	// Capacity bounds the in-memory history.
	Capacity int `mapstructure:"capacity"`
}

// LockConfig selects the cluster lock manager.
type LockConfig struct {
	// Provider is "memory" or "redis".
	Provider string           `mapstructure:"provider"`
	Redis    lock.RedisConfig `mapstructure:"redis"`
}

// OutputConfig is one ingestion target.
type OutputConfig struct {
	Name    string `mapstructure:"name"`
	Version string `mapstructure:"version"`
	// Provider is "memory", "local" or "gcs".
	Provider   string        `mapstructure:"provider"`
	Prefix     string        `mapstructure:"prefix"`
	BaseDir    string        `mapstructure:"base_dir"`
	Bucket     string        `mapstructure:"bucket"`
	RetryDelay time.Duration `mapstructure:"retry_delay"`
	FailAfter  time.Duration `mapstructure:"fail_after"`
}

// NotifyConfig selects where job notifications are published.
type NotifyConfig struct {
	// Provider is "memory" or "pubsub".
	Provider  string `mapstructure:"provider"`
	ProjectID string `mapstructure:"project_id"`
}

// ShutdownConfig bounds graceful shutdown.
type ShutdownConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
	Poll    time.Duration `mapstructure:"poll"`
}

// JobConfig is a job definition loaded at startup.
type JobConfig struct {
	ID                 string            `mapstructure:"id"`
	Description        string            `mapstructure:"description"`
	Connection         string            `mapstructure:"connection"`
	Outputs            []string          `mapstructure:"outputs"`
	Type               string            `mapstructure:"type"`
	RecrawlInterval    time.Duration     `mapstructure:"recrawl_interval"`
	ExpirationInterval time.Duration     `mapstructure:"expiration_interval"`
	ReseedInterval     time.Duration     `mapstructure:"reseed_interval"`
	ReseedSchedule     string            `mapstructure:"reseed_schedule"`
	HopcountMode       string            `mapstructure:"hopcount_mode"`
	HopcountFilters    map[string]int    `mapstructure:"hopcount_filters"`
	Seeds              []string          `mapstructure:"seeds"`
	Spec               map[string]string `mapstructure:"spec"`
	// Start queues the job for startup as soon as the scheduler runs.
	Start bool `mapstructure:"start"`
}

// ToJob converts the definition into a not-yet-run job.
func (j JobConfig) ToJob() (crawler.Job, error) {
	typ, err := crawler.ParseJobType(j.Type)
	if err != nil {
		return crawler.Job{}, fmt.Errorf("job %s: %w", j.ID, err)
	}
	mode, err := crawler.ParseHopcountMode(j.HopcountMode)
	if err != nil {
		return crawler.Job{}, fmt.Errorf("job %s: %w", j.ID, err)
	}
	if j.ReseedSchedule != "" {
		if err := schedule.Validate(j.ReseedSchedule); err != nil {
			return crawler.Job{}, fmt.Errorf("job %s: %w", j.ID, err)
		}
	}
	return crawler.Job{
		ID:                 j.ID,
		Description:        j.Description,
		Connection:         j.Connection,
		Outputs:            j.Outputs,
		Type:               typ,
		RecrawlInterval:    j.RecrawlInterval,
		ExpirationInterval: j.ExpirationInterval,
		ReseedInterval:     j.ReseedInterval,
		ReseedSchedule:     j.ReseedSchedule,
		HopcountMode:       mode,
		HopcountFilters:    j.HopcountFilters,
		Seeds:              j.Seeds,
		Spec:               j.Spec,
		Status:             crawler.JobStatusNotYetRun,
	}, nil
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}
	return FromViper(v)
}

// FromViper applies defaults and environment overrides to v and decodes it.
func FromViper(v *viper.Viper) (Config, error) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", true)
	v.SetDefault("pools.fetch", 10)
	v.SetDefault("pools.delete", 2)
	v.SetDefault("pools.cleanup", 2)
	v.SetDefault("pools.expire", 2)
	v.SetDefault("stuffer.min_amount", 50)
	v.SetDefault("stuffer.max_amount", 2000)
	v.SetDefault("stuffer.poll_interval", "2s")
	v.SetDefault("worker.retry_delay", "1m")
	v.SetDefault("worker.error_pause", "10s")
	v.SetDefault("removal.batch_size", 100)
	v.SetDefault("removal.set_size", 25)
	v.SetDefault("removal.retry_delay", "1m")
	v.SetDefault("priority.min_ms_per_fetch", 50.0)
	v.SetDefault("priority.quota", 500)
	v.SetDefault("priority.backoff", "5s")
	v.SetDefault("lifecycle.interval", "1s")
	v.SetDefault("lifecycle.seeding_interval", "15s")
	v.SetDefault("lifecycle.topic", "crawlsched-jobs")
	v.SetDefault("reset.initial_interval", "500ms")
	v.SetDefault("reset.max_interval", "30s")
	v.SetDefault("history.provider", "memory")
	v.SetDefault("history.activity_table", "activity_history")
	v.SetDefault("history.job_event_table", "job_events")
	v.SetDefault("lock.provider", "memory")
	v.SetDefault("lock.redis.prefix", "crawlsched:")
	v.SetDefault("lock.redis.ttl", "30s")
	v.SetDefault("notify.provider", "memory")
	v.SetDefault("shutdown.timeout", "30s")
	v.SetDefault("shutdown.poll", "1s")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 {
		errs = append(errs, errors.New("server.port must be > 0"))
	}
	if c.Pools.Fetch <= 0 {
		errs = append(errs, errors.New("pools.fetch must be > 0"))
	}
	if c.Priority.MinMsPerFetch <= 0 {
		errs = append(errs, errors.New("priority.min_ms_per_fetch must be > 0"))
	}
	switch c.History.Provider {
	case "memory":
	case "postgres":
		if c.History.DSN == "" {
			errs = append(errs, errors.New("history.dsn is required for the postgres provider"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown history.provider %q", c.History.Provider))
	}
	switch c.Lock.Provider {
	case "memory":
	case "redis":
		if c.Lock.Redis.URL == "" {
			errs = append(errs, errors.New("lock.redis.url is required for the redis provider"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown lock.provider %q", c.Lock.Provider))
	}
	switch c.Notify.Provider {
	case "memory":
	case "pubsub":
		if c.Notify.ProjectID == "" {
			errs = append(errs, errors.New("notify.project_id is required for the pubsub provider"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown notify.provider %q", c.Notify.Provider))
	}

	outputs := make(map[string]bool, len(c.Outputs))
	for i, o := range c.Outputs {
		if o.Name == "" {
			errs = append(errs, fmt.Errorf("outputs[%d].name is required", i))
			continue
		}
		if outputs[o.Name] {
			errs = append(errs, fmt.Errorf("output %q defined twice", o.Name))
		}
		outputs[o.Name] = true
		switch o.Provider {
		case "", "memory":
		case "local":
			if o.BaseDir == "" {
				errs = append(errs, fmt.Errorf("output %q: base_dir is required", o.Name))
			}
		case "gcs":
			if o.Bucket == "" {
				errs = append(errs, fmt.Errorf("output %q: bucket is required", o.Name))
			}
		default:
			errs = append(errs, fmt.Errorf("output %q: unknown provider %q", o.Name, o.Provider))
		}
	}

	conns := make(map[string]bool, len(c.Connections))
	for i, conn := range c.Connections {
		if conn.Name == "" {
			errs = append(errs, fmt.Errorf("connections[%d].name is required", i))
			continue
		}
		conns[conn.Name] = true
	}
	for _, j := range c.Jobs {
		if j.ID == "" {
			errs = append(errs, errors.New("every job needs an id"))
			continue
		}
		if !conns[j.Connection] {
			errs = append(errs, fmt.Errorf("job %s: unknown connection %q", j.ID, j.Connection))
		}
		for _, o := range j.Outputs {
			if !outputs[o] {
				errs = append(errs, fmt.Errorf("job %s: unknown output %q", j.ID, o))
			}
		}
		if _, err := j.ToJob(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
