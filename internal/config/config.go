package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the CRM engine.
type Config struct {
	Server         ServerConfig      `yaml:"server"`
	Database       DatabaseConfig    `yaml:"database"`
	Redis          RedisConfig       `yaml:"redis"`
	MLP            MLPConfig         `yaml:"mlp"`
	DDS            DDSConfig         `yaml:"dds"`
	API            APIConfig         `yaml:"api"`
	Sync           SyncConfig        `yaml:"sync"`
	Tiers          TiersConfig       `yaml:"tiers"`
	Transition     TransitionConfig  `yaml:"transition"`
	ProductCodeMap map[string]string `yaml:"product_code_map"`
	Albums         AlbumsConfig      `yaml:"albums"`
	Archive        ArchiveConfig     `yaml:"archive"`
	Logging        LoggingConfig     `yaml:"logging"`
	Errors         ErrorsConfig      `yaml:"errors"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
}

// GetHost returns the server host, listening on all interfaces in containers.
func (c ServerConfig) GetHost() string {
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return "0.0.0.0"
	}
	if host := os.Getenv("SERVER_HOST"); host != "" {
		return host
	}
	return c.Host
}

// DatabaseConfig holds the PostgreSQL connection settings.
type DatabaseConfig struct {
	URL          string `yaml:"url"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// RedisConfig holds the optional Redis connection for the progress store and
// run lock. When URL is empty the engine falls back to in-memory state plus
// PostgreSQL advisory locks.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// MLPConfig holds marketing-list-provider API credentials and tuning.
type MLPConfig struct {
	BaseURL             string `yaml:"base_url"`
	APIKey              string `yaml:"api_key"`
	VerifyTierPolls     int    `yaml:"verify_tier_polls"`
	VerifyTierDelaySecs int    `yaml:"verify_tier_delay_seconds"`
	CacheTTLMinutes     int    `yaml:"cache_ttl_minutes"`
	DraftType           string `yaml:"draft_type"`
	DraftSubject        string `yaml:"draft_subject_template"`
}

// DDSConfig holds digital-downloads-store API credentials.
type DDSConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	Token   string `yaml:"token"`
}

// APIConfig holds the shared HTTP policy for both provider clients.
type APIConfig struct {
	TimeoutSeconds int `yaml:"timeout_seconds"`
	MaxRetries     int `yaml:"max_retries"`
	MinIntervalMS  int `yaml:"min_interval_ms"`
}

// Timeout returns the per-request timeout as a duration.
func (c APIConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// MinInterval returns the minimum inter-request spacing as a duration.
func (c APIConfig) MinInterval() time.Duration {
	return time.Duration(c.MinIntervalMS) * time.Millisecond
}

// SyncConfig holds the pipeline's batching, paging and resource limits.
type SyncConfig struct {
	BatchSize          int     `yaml:"batch_size"`
	SubscribersPerPage int     `yaml:"subscribers_per_page"`
	MaxPagesPerRun     int     `yaml:"max_pages_per_run"`
	MaxProcessingSecs  int     `yaml:"max_processing_seconds"`
	MemoryLimitBytes   uint64  `yaml:"memory_limit_bytes"`
	MemoryThresholdPct float64 `yaml:"memory_threshold_pct"`
	IntervalMinutes    int     `yaml:"interval_minutes"`
	InFlightBatches    int     `yaml:"in_flight_batches"`
	RunLockTTLMinutes  int     `yaml:"run_lock_ttl_minutes"`
}

// MaxProcessing returns the stage wall-clock budget as a duration.
func (c SyncConfig) MaxProcessing() time.Duration {
	return time.Duration(c.MaxProcessingSecs) * time.Second
}

// Interval returns the scheduled-sync interval; zero disables scheduling.
func (c SyncConfig) Interval() time.Duration {
	return time.Duration(c.IntervalMinutes) * time.Minute
}

// RunLockTTL returns the TTL applied to the sync run lock.
func (c SyncConfig) RunLockTTL() time.Duration {
	return time.Duration(c.RunLockTTLMinutes) * time.Minute
}

// ProgressionStep is one row of the tier progression map: where a tier moves
// depending on purchase evidence.
type ProgressionStep struct {
	Purchased    string `yaml:"purchased"`
	NotPurchased string `yaml:"not_purchased"`
}

// TiersConfig holds the ordered tier set and the progression map. Empty
// values fall back to the defaults below.
type TiersConfig struct {
	Order          []string                   `yaml:"order"`
	Progression    map[string]ProgressionStep `yaml:"progression"`
	MaxMovesPerDay int                        `yaml:"max_moves_per_day"`
}

// TransitionRule is one operator-editable row of the transition matrix used
// by campaign transitions.
type TransitionRule struct {
	CurrentTier      string `yaml:"current_tier"`
	NextTier         string `yaml:"next_tier"`
	RequiresPurchase bool   `yaml:"requires_purchase"`
}

// TransitionConfig holds the transition matrix.
type TransitionConfig struct {
	Matrix []TransitionRule `yaml:"matrix"`
}

// AlbumEntry is one locally configured album that stage one turns into a
// campaign.
type AlbumEntry struct {
	Year        int    `yaml:"year"`
	Artist      string `yaml:"artist"`
	Album       string `yaml:"album"`
	ProductCode string `yaml:"product_code"`
}

// AlbumsConfig holds the stage-one campaign sources: configured albums, an
// optional release feed, and raw custom campaign names.
type AlbumsConfig struct {
	Entries         []AlbumEntry `yaml:"entries"`
	FeedURL         string       `yaml:"feed_url"`
	CustomCampaigns []string     `yaml:"custom_campaigns"`
}

// ArchiveConfig holds the sync-report archive destination: a local directory
// or an S3 bucket. Static keys take precedence over the shared profile; when
// neither is set the default credential chain is used.
type ArchiveConfig struct {
	Type         string `yaml:"type"` // "local" or "s3"
	LocalPath    string `yaml:"local_path"`
	S3Bucket     string `yaml:"s3_bucket"`
	AWSRegion    string `yaml:"aws_region"`
	AWSProfile   string `yaml:"aws_profile"`
	AWSAccessKey string `yaml:"aws_access_key"`
	AWSSecretKey string `yaml:"aws_secret_key"`
}

// GetAWSProfile returns the AWS profile, empty when the default credential
// chain (IAM role) should be used.
func (c ArchiveConfig) GetAWSProfile() string {
	if envProfile := os.Getenv("AWS_PROFILE_OVERRIDE"); envProfile != "" {
		if envProfile == "none" || envProfile == "iam" {
			return ""
		}
		return envProfile
	}
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return ""
	}
	return c.AWSProfile
}

// LoggingConfig holds log level and retention settings.
type LoggingConfig struct {
	Level         string `yaml:"level"`
	RetentionDays int    `yaml:"retention_days"`
}

// ErrorsConfig bounds the durable error queue.
type ErrorsConfig struct {
	MaxQueue int `yaml:"max_queue"`
}

// DefaultTierOrder is the tier ladder used when the configuration does not
// supply one, highest engagement first.
func DefaultTierOrder() []string {
	return []string{
		"OPT_IN",
		"GOLD", "GOLD_PURCHASED",
		"SILVER", "SILVER_PURCHASED",
		"BRONZE", "BRONZE_PURCHASED",
		"WOOD",
	}
}

// DefaultProgression is the tier progression map used when the configuration
// does not supply one. Purchased tiers are terminal: once a subscriber has
// bought into a tier they stay there until an operator-driven transition.
func DefaultProgression() map[string]ProgressionStep {
	return map[string]ProgressionStep{
		"OPT_IN":           {Purchased: "GOLD_PURCHASED", NotPurchased: "SILVER"},
		"GOLD":             {Purchased: "GOLD_PURCHASED", NotPurchased: "SILVER"},
		"SILVER":           {Purchased: "SILVER_PURCHASED", NotPurchased: "BRONZE"},
		"BRONZE":           {Purchased: "BRONZE_PURCHASED", NotPurchased: "WOOD"},
		"GOLD_PURCHASED":   {Purchased: "GOLD_PURCHASED", NotPurchased: "GOLD_PURCHASED"},
		"SILVER_PURCHASED": {Purchased: "SILVER_PURCHASED", NotPurchased: "SILVER_PURCHASED"},
		"BRONZE_PURCHASED": {Purchased: "BRONZE_PURCHASED", NotPurchased: "BRONZE_PURCHASED"},
	}
}

// Load reads and parses the configuration file, then applies defaults and
// clamps.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (cfg *Config) applyDefaults() {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.API.TimeoutSeconds == 0 {
		cfg.API.TimeoutSeconds = 30
	}
	if cfg.API.MaxRetries == 0 {
		cfg.API.MaxRetries = 3
	}
	if cfg.API.MinIntervalMS == 0 {
		cfg.API.MinIntervalMS = 1000
	}
	if cfg.MLP.VerifyTierPolls == 0 {
		cfg.MLP.VerifyTierPolls = 3
	}
	if cfg.MLP.VerifyTierDelaySecs == 0 {
		cfg.MLP.VerifyTierDelaySecs = 2
	}
	if cfg.MLP.CacheTTLMinutes == 0 {
		cfg.MLP.CacheTTLMinutes = 60
	}
	if cfg.MLP.DraftType == "" {
		cfg.MLP.DraftType = "regular"
	}
	if cfg.MLP.DraftSubject == "" {
		cfg.MLP.DraftSubject = "New release: {{ album }}"
	}
	if cfg.Sync.BatchSize == 0 {
		cfg.Sync.BatchSize = 1000
	}
	// Batch size is clamped, not rejected: an out-of-range value from an
	// operator edit should degrade to the nearest safe bound.
	if cfg.Sync.BatchSize < 1 {
		cfg.Sync.BatchSize = 1
	}
	if cfg.Sync.BatchSize > 10000 {
		cfg.Sync.BatchSize = 10000
	}
	if cfg.Sync.SubscribersPerPage == 0 {
		cfg.Sync.SubscribersPerPage = 100
	}
	if cfg.Sync.MaxPagesPerRun == 0 {
		cfg.Sync.MaxPagesPerRun = 10
	}
	if cfg.Sync.MaxProcessingSecs == 0 {
		cfg.Sync.MaxProcessingSecs = 300
	}
	if cfg.Sync.MemoryThresholdPct == 0 {
		cfg.Sync.MemoryThresholdPct = 0.8
	}
	if cfg.Sync.InFlightBatches == 0 {
		cfg.Sync.InFlightBatches = 4
	}
	if cfg.Sync.RunLockTTLMinutes == 0 {
		cfg.Sync.RunLockTTLMinutes = 10
	}
	if len(cfg.Tiers.Order) == 0 {
		cfg.Tiers.Order = DefaultTierOrder()
	}
	if len(cfg.Tiers.Progression) == 0 {
		cfg.Tiers.Progression = DefaultProgression()
	}
	if cfg.Tiers.MaxMovesPerDay == 0 {
		cfg.Tiers.MaxMovesPerDay = 3
	}
	if cfg.Archive.Type == "" {
		cfg.Archive.Type = "local"
	}
	if cfg.Archive.LocalPath == "" {
		cfg.Archive.LocalPath = "data/reports"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.RetentionDays == 0 {
		cfg.Logging.RetentionDays = 30
	}
	if cfg.Errors.MaxQueue == 0 {
		cfg.Errors.MaxQueue = 100
	}
}

// Validate checks that the credentials required for a sync run are present.
// DDS credentials are only required when a product code map or album entries
// exist, i.e. when purchase stages will actually call the store.
func (cfg *Config) Validate() error {
	if cfg.MLP.APIKey == "" {
		return fmt.Errorf("mlp.api_key is required")
	}
	if cfg.Database.URL == "" {
		return fmt.Errorf("database.url is required")
	}
	if cfg.DDS.APIKey == "" || cfg.DDS.Token == "" {
		if len(cfg.ProductCodeMap) > 0 || len(cfg.Albums.Entries) > 0 {
			return fmt.Errorf("dds.api_key and dds.token are required for purchase stages")
		}
	}
	return nil
}

// LoadFromEnv loads configuration with environment variable overrides.
// It loads a .env file (if present) before reading env vars, so secrets can
// live in .env locally and in real env vars on the host.
func LoadFromEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	if v := os.Getenv("MLP_BASE_URL"); v != "" {
		cfg.MLP.BaseURL = v
	}
	if v := os.Getenv("MLP_API_KEY"); v != "" {
		cfg.MLP.APIKey = v
	}
	if v := os.Getenv("DDS_BASE_URL"); v != "" {
		cfg.DDS.BaseURL = v
	}
	if v := os.Getenv("DDS_API_KEY"); v != "" {
		cfg.DDS.APIKey = v
	}
	if v := os.Getenv("DDS_TOKEN"); v != "" {
		cfg.DDS.Token = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("ARCHIVE_S3_BUCKET"); v != "" {
		cfg.Archive.S3Bucket = v
		cfg.Archive.Type = "s3"
	}
	if v := os.Getenv("ARCHIVE_AWS_REGION"); v != "" {
		cfg.Archive.AWSRegion = v
	}
	if v := os.Getenv("ARCHIVE_AWS_ACCESS_KEY"); v != "" {
		cfg.Archive.AWSAccessKey = v
	}
	if v := os.Getenv("ARCHIVE_AWS_SECRET_KEY"); v != "" {
		cfg.Archive.AWSSecretKey = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("SYNC_INTERVAL_MINUTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Sync.IntervalMinutes = n
		}
	}

	return cfg, nil
}
