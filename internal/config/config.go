// Package config provides the configuration of the Strata process: regions,
// plans, tenants and the knobs of every background job.
package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/strata/strata/internal/archive"
	"github.com/strata/strata/internal/notify"
	"github.com/strata/strata/internal/plan"
	"github.com/strata/strata/pkg/types"
)

// Mode represents the services to run.
type Mode string

const (
	ModeAll    Mode = "all"
	ModeAPI    Mode = "api"
	ModeWorker Mode = "worker"
)

// Config holds the configuration of a Strata process.
type Config struct {
	// Mode specifies which services to run: all, api, worker
	Mode Mode `json:"mode" yaml:"mode"`

	// DataDir is the base directory for all data files
	DataDir string `json:"data_dir" yaml:"data_dir"`

	HTTP      HTTPConfig      `json:"http" yaml:"http"`
	Log       LogConfig       `json:"log" yaml:"log"`
	Regions   []RegionConfig  `json:"regions" yaml:"regions"`
	Archive   ArchiveConfig   `json:"archive" yaml:"archive"`
	Restore   RestoreConfig   `json:"restore" yaml:"restore"`
	Export    ExportConfig    `json:"export" yaml:"export"`
	Scheduler SchedulerConfig `json:"scheduler" yaml:"scheduler"`
	Notify    NotifyConfig    `json:"notify" yaml:"notify"`

	// Plans is the plan catalog, cheapest first.
	Plans []plan.Plan `json:"plans" yaml:"plans"`

	// DefaultPlan applies to tenants without an entry in Tenants.
	DefaultPlan string `json:"default_plan" yaml:"default_plan"`

	// Tenants binds tenants to a plan, plan overrides and a home region.
	Tenants map[string]TenantConfig `json:"tenants" yaml:"tenants"`
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Addr            string        `json:"addr" yaml:"addr"`
	ReadTimeout     time.Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `json:"write_timeout" yaml:"write_timeout"`
	IdleTimeout     time.Duration `json:"idle_timeout" yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// LogConfig selects the log level and handler.
type LogConfig struct {
	// Level is debug, info, warn or error
	Level string `json:"level" yaml:"level"`

	// Format is text or json
	Format string `json:"format" yaml:"format"`
}

// RegionConfig describes one data residency region.
type RegionConfig struct {
	Name string `json:"name" yaml:"name"`

	// DBPath is the region's SQLite store (default: <data_dir>/regions/<name>/strata.db)
	DBPath string `json:"db_path" yaml:"db_path"`

	Storage StorageConfig `json:"storage" yaml:"storage"`
}

// StorageConfig holds object storage configuration.
type StorageConfig struct {
	// Type is the storage type: local, s3
	Type string `json:"type" yaml:"type"`

	// Path is the local storage path (for local type)
	Path string `json:"path" yaml:"path"`

	S3 S3Config `json:"s3" yaml:"s3"`
}

// S3Config holds S3 storage configuration.
type S3Config struct {
	Bucket       string `json:"bucket" yaml:"bucket"`
	Region       string `json:"region" yaml:"region"`
	Endpoint     string `json:"endpoint" yaml:"endpoint"`
	UsePathStyle bool   `json:"use_path_style" yaml:"use_path_style"`

	// StorageClass is applied to uploaded batches, e.g. STANDARD_IA
	StorageClass string `json:"storage_class" yaml:"storage_class"`
}

// ArchiveConfig configures the packer and the verifier.
type ArchiveConfig struct {
	// Codec is gzip or snappy
	Codec string `json:"codec" yaml:"codec"`

	// WorkDir holds compressed batches while they upload
	WorkDir string `json:"work_dir" yaml:"work_dir"`

	// PageSize is the number of candidates read per query
	PageSize int `json:"page_size" yaml:"page_size"`

	// VerifyBatchSize is the number of batches the verifier reads per query
	VerifyBatchSize int `json:"verify_batch_size" yaml:"verify_batch_size"`

	// VerifyConcurrency bounds the objects hashed at once
	VerifyConcurrency int `json:"verify_concurrency" yaml:"verify_concurrency"`
}

// RestoreConfig configures the restore coordinator.
type RestoreConfig struct {
	StaleInitiating time.Duration `json:"stale_initiating" yaml:"stale_initiating"`
	PageSize        int           `json:"page_size" yaml:"page_size"`
}

// ExportConfig configures the export streamer.
type ExportConfig struct {
	PageSize      int   `json:"page_size" yaml:"page_size"`
	ProgressEvery int64 `json:"progress_every" yaml:"progress_every"`
}

// SchedulerConfig configures the background job intervals.
type SchedulerConfig struct {
	Tick            time.Duration `json:"tick" yaml:"tick"`
	InitiatorEvery  time.Duration `json:"initiator_every" yaml:"initiator_every"`
	PollerEvery     time.Duration `json:"poller_every" yaml:"poller_every"`
	LifecycleEvery  time.Duration `json:"lifecycle_every" yaml:"lifecycle_every"`
	ColdMarkerEvery time.Duration `json:"cold_marker_every" yaml:"cold_marker_every"`
}

// NotifyConfig selects where webhook triggers are enqueued.
type NotifyConfig struct {
	// Type is none, bus, kafka or redis
	Type  string             `json:"type" yaml:"type"`
	Kafka notify.KafkaConfig `json:"kafka" yaml:"kafka"`
	Redis notify.RedisConfig `json:"redis" yaml:"redis"`
}

// TenantConfig binds a tenant to its plan and home region.
type TenantConfig struct {
	Plan      string        `json:"plan" yaml:"plan"`
	Overrides plan.Override `json:"overrides" yaml:"overrides"`

	// Region is the tenant's home region (default: the first region)
	Region string `json:"region" yaml:"region"`
}

func intPtr(v int) *int { return &v }

// DefaultPlans returns the built-in plan catalog.
func DefaultPlans() []plan.Plan {
	return []plan.Plan{
		{
			Name:                 "free",
			HotRetentionDays:     30,
			ArchiveRetentionDays: intPtr(365),
			ColdAfterDays:        intPtr(90),
			MaxExportRows:        10_000,
			AllowedRestoreTiers:  []types.RestoreTier{types.TierBulk},
			MaxRestoreDays:       3,
		},
		{
			Name:                 "pro",
			HotRetentionDays:     90,
			ArchiveRetentionDays: intPtr(730),
			ColdAfterDays:        intPtr(180),
			MaxExportRows:        100_000,
			AllowedRestoreTiers:  []types.RestoreTier{types.TierBulk, types.TierStandard},
			MaxRestoreDays:       7,
		},
		{
			Name:                "enterprise",
			HotRetentionDays:    365,
			ColdAfterDays:       intPtr(365),
			MaxExportRows:       1_000_000,
			AllowedRestoreTiers: []types.RestoreTier{types.TierBulk, types.TierStandard, types.TierExpedited},
			MaxRestoreDays:      30,
		},
	}
}

// DefaultConfig returns the default configuration for local development.
func DefaultConfig() *Config {
	return &Config{
		Mode:    ModeAll,
		DataDir: "./data/strata",
		HTTP: HTTPConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    0, // exports stream for as long as they need
			IdleTimeout:     120 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Log: LogConfig{Level: "info", Format: "text"},
		Regions: []RegionConfig{{
			Name:    "local",
			Storage: StorageConfig{Type: "local"},
		}},
		Archive: ArchiveConfig{
			Codec:             archive.CodecGzip,
			PageSize:          1000,
			VerifyBatchSize:   100,
			VerifyConcurrency: 4,
		},
		Restore: RestoreConfig{
			StaleInitiating: 30 * time.Minute,
			PageSize:        500,
		},
		Export: ExportConfig{
			PageSize:      1000,
			ProgressEvery: 1000,
		},
		Scheduler: SchedulerConfig{
			Tick:            time.Minute,
			InitiatorEvery:  5 * time.Minute,
			PollerEvery:     15 * time.Minute,
			LifecycleEvery:  24 * time.Hour,
			ColdMarkerEvery: 7 * 24 * time.Hour,
		},
		Notify: NotifyConfig{
			Type:  "none",
			Redis: notify.RedisConfig{Stream: "strata:webhooks", MaxLen: 1_000_000},
		},
		Plans:       DefaultPlans(),
		DefaultPlan: "free",
	}
}

// Resolve resolves relative paths and sets defaults based on DataDir.
func (c *Config) Resolve() {
	if c.DataDir == "" {
		c.DataDir = "./data/strata"
	}
	for i := range c.Regions {
		r := &c.Regions[i]
		if r.Storage.Type == "" {
			r.Storage.Type = "local"
		}
		base := filepath.Join(c.DataDir, "regions", r.Name)
		if r.DBPath == "" {
			r.DBPath = filepath.Join(base, "strata.db")
		}
		if r.Storage.Type == "local" && r.Storage.Path == "" {
			r.Storage.Path = filepath.Join(base, "objects")
		}
	}
	if c.Archive.WorkDir == "" {
		c.Archive.WorkDir = filepath.Join(c.DataDir, "work")
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeAll, ModeAPI, ModeWorker:
	default:
		return fmt.Errorf("invalid mode: %s (must be all, api, or worker)", c.Mode)
	}

	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}

	if len(c.Regions) == 0 {
		return fmt.Errorf("at least one region is required")
	}
	names := make(map[string]bool, len(c.Regions))
	for _, r := range c.Regions {
		if r.Name == "" {
			return fmt.Errorf("region name is required")
		}
		if names[r.Name] {
			return fmt.Errorf("duplicate region: %s", r.Name)
		}
		names[r.Name] = true

		switch r.Storage.Type {
		case "local":
		case "s3":
			if r.Storage.S3.Bucket == "" {
				return fmt.Errorf("region %s: s3.bucket is required when storage type is s3", r.Name)
			}
		default:
			return fmt.Errorf("region %s: invalid storage type: %s (must be local or s3)", r.Name, r.Storage.Type)
		}
	}

	for tenant, tc := range c.Tenants {
		if tc.Region != "" && !names[tc.Region] {
			return fmt.Errorf("tenant %s: unknown region %s", tenant, tc.Region)
		}
	}

	if _, err := archive.CodecFor(c.Archive.Codec); err != nil {
		return err
	}
	if _, err := c.PlanResolver(); err != nil {
		return err
	}
	if _, err := c.LogLevel(); err != nil {
		return err
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("invalid log format: %s (must be text or json)", c.Log.Format)
	}

	switch c.Notify.Type {
	case "", "none", "bus":
	case "kafka":
		if len(c.Notify.Kafka.Brokers) == 0 || c.Notify.Kafka.Topic == "" {
			return fmt.Errorf("notify.kafka.brokers and notify.kafka.topic are required for the kafka notifier")
		}
	case "redis":
		if c.Notify.Redis.URL == "" || c.Notify.Redis.Stream == "" {
			return fmt.Errorf("notify.redis.url and notify.redis.stream are required for the redis notifier")
		}
	default:
		return fmt.Errorf("invalid notify type: %s (must be none, bus, kafka, or redis)", c.Notify.Type)
	}

	if c.Scheduler.Tick <= 0 {
		return fmt.Errorf("scheduler.tick must be positive")
	}
	return nil
}

// PlanResolver builds the plan resolver from the catalog and tenant bindings.
func (c *Config) PlanResolver() (*plan.StaticResolver, error) {
	tenants := make(map[string]plan.TenantPlan, len(c.Tenants))
	for id, tc := range c.Tenants {
		tenants[id] = plan.TenantPlan{Plan: tc.Plan, Overrides: tc.Overrides}
	}
	return plan.NewStaticResolver(c.Plans, tenants, c.DefaultPlan)
}

// LogLevel parses the configured log level.
func (c *Config) LogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return 0, fmt.Errorf("invalid log level: %s", c.Log.Level)
	}
	return level, nil
}

// ShouldRunAPI returns true if the HTTP API should run.
func (c *Config) ShouldRunAPI() bool {
	return c.Mode == ModeAll || c.Mode == ModeAPI
}

// ShouldRunWorker returns true if the background scheduler should run.
func (c *Config) ShouldRunWorker() bool {
	return c.Mode == ModeAll || c.Mode == ModeWorker
}

// LoadFromFile loads configuration from a YAML or JSON file over the defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", ext)
	}

	return cfg, nil
}

// LoadFromEnv applies STRATA_* environment variables. Storage variables apply to
// the first region.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("STRATA_MODE"); v != "" {
		cfg.Mode = Mode(v)
	}
	if v := os.Getenv("STRATA_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("STRATA_HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := os.Getenv("STRATA_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("STRATA_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("STRATA_DEFAULT_PLAN"); v != "" {
		cfg.DefaultPlan = v
	}

	// Archive configuration
	if v := os.Getenv("STRATA_ARCHIVE_CODEC"); v != "" {
		cfg.Archive.Codec = v
	}
	if v := os.Getenv("STRATA_ARCHIVE_PAGE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Archive.PageSize = n
		}
	}
	if v := os.Getenv("STRATA_VERIFY_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Archive.VerifyBatchSize = n
		}
	}
	if v := os.Getenv("STRATA_VERIFY_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Archive.VerifyConcurrency = n
		}
	}

	// Scheduler configuration
	if v := os.Getenv("STRATA_SCHEDULER_TICK"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Scheduler.Tick = d
		}
	}

	// Notifier configuration
	if v := os.Getenv("STRATA_NOTIFY_TYPE"); v != "" {
		cfg.Notify.Type = v
	}
	if v := os.Getenv("STRATA_KAFKA_BROKERS"); v != "" {
		cfg.Notify.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("STRATA_KAFKA_TOPIC"); v != "" {
		cfg.Notify.Kafka.Topic = v
	}
	if v := os.Getenv("STRATA_REDIS_URL"); v != "" {
		cfg.Notify.Redis.URL = v
	}
	if v := os.Getenv("STRATA_REDIS_STREAM"); v != "" {
		cfg.Notify.Redis.Stream = v
	}

	// Storage configuration
	if len(cfg.Regions) == 0 {
		return
	}
	r := &cfg.Regions[0]
	if v := os.Getenv("STRATA_STORAGE_TYPE"); v != "" {
		r.Storage.Type = v
	}
	if v := os.Getenv("STRATA_STORAGE_PATH"); v != "" {
		r.Storage.Path = v
	}
	if v := os.Getenv("STRATA_S3_BUCKET"); v != "" {
		r.Storage.S3.Bucket = v
	}
	if v := os.Getenv("STRATA_S3_REGION"); v != "" {
		r.Storage.S3.Region = v
	}
	if v := os.Getenv("STRATA_S3_ENDPOINT"); v != "" {
		r.Storage.S3.Endpoint = v
	}
}

// EnsureDirectories creates all required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.DataDir, c.Archive.WorkDir}
	for _, r := range c.Regions {
		dirs = append(dirs, filepath.Dir(r.DBPath), r.Storage.Path)
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}
