package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/knadh/koanf/parsers/toml/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

var (
	ErrConfigFileNotFound    = errors.New("could not find config file in any config path")
	ErrConfigVersionMissing  = errors.New("config file is missing version field")
	ErrConfigVersionMismatch = errors.New("config file version mismatch")
	ErrInvalidCacheBackend   = errors.New("invalid cache backend")
	ErrInvalidOutputFormat   = errors.New("invalid codec output format")
)

// RepositoryVersion is the repository version tag for config file references.
const RepositoryVersion = "v0.1.0"

// Current version of the config file.
const (
	CurrentCommonVersion = 1
	CurrentTryOnVersion  = 1
)

// Cache backends.
const (
	CacheBackendPostgres = "postgres"
	CacheBackendRedis    = "redis"
)

// Config represents the entire application configuration.
type Config struct {
	Common CommonConfig
	TryOn  TryOnConfig
}

// CommonConfig contains configuration shared by every command.
type CommonConfig struct {
	// Version of the common config.
	Version        int            `koanf:"version"`
	Debug          Debug          `koanf:"debug"`
	Telemetry      Telemetry      `koanf:"telemetry"`
	CircuitBreaker CircuitBreaker `koanf:"circuit_breaker"`
	PostgreSQL     PostgreSQL     `koanf:"postgresql"`
	Redis          Redis          `koanf:"redis"`
	Gemini         Gemini         `koanf:"gemini"`
	Storage        Storage        `koanf:"storage"`
}

// TryOnConfig contains the try-on pipeline configuration.
type TryOnConfig struct {
	// Version of the try-on config.
	Version    int        `koanf:"version"`
	Cache      Cache      `koanf:"cache"`
	Codec      Codec      `koanf:"codec"`
	Generation Generation `koanf:"generation"`
	Enhance    Enhance    `koanf:"enhance"`
	Photos     Photos     `koanf:"photos"`
}

// Debug contains debug-related configuration.
type Debug struct {
	// Log level (debug, info, warn, error).
	LogLevel string `koanf:"log_level"`
	// Maximum log sessions to keep.
	MaxLogsToKeep int `koanf:"max_logs_to_keep"`
	// Maximum lines per log file.
	MaxLogLines int `koanf:"max_log_lines"`
	// Enable the debug server (pprof and /metrics).
	EnableDebugServer bool `koanf:"enable_debug_server"`
	// Debug server port.
	DebugPort int `koanf:"debug_port"`
}

// Telemetry contains tracing configuration.
type Telemetry struct {
	// Uptrace DSN. Tracing is disabled when empty.
	DSN string `koanf:"dsn"`
	// Deployment environment reported with traces.
	Environment string `koanf:"environment"`
}

// CircuitBreaker contains circuit breaker configuration.
type CircuitBreaker struct {
	// Maximum number of requests allowed to pass through when the circuit is half-open.
	MaxRequests uint32 `koanf:"max_requests"`
	// The cyclic period of the closed state for the circuit breaker to clear the internal counts, in seconds.
	Interval int `koanf:"interval"`
	// The period of the open state after which the state becomes half-open, in seconds.
	Timeout int `koanf:"timeout"`
}

// PostgreSQL contains database connection configuration.
type PostgreSQL struct {
	// Database hostname.
	Host string `koanf:"host"`
	// Database port.
	Port int `koanf:"port"`
	// Database username.
	User string `koanf:"user"`
	// Database password.
	Password string `koanf:"password"`
	// Database name.
	DBName string `koanf:"db_name"`
	// Maximum open connections.
	MaxOpenConns int `koanf:"max_open_conns"`
	// Maximum idle connections.
	MaxIdleConns int `koanf:"max_idle_conns"`
	// Connection lifetime in minutes.
	MaxLifetime int `koanf:"max_lifetime"`
	// Idle connection timeout in minutes.
	MaxIdleTime int `koanf:"max_idle_time"`
}

// Redis contains Redis connection configuration.
type Redis struct {
	// Redis hostname.
	Host string `koanf:"host"`
	// Redis port.
	Port int `koanf:"port"`
	// Redis username.
	Username string `koanf:"username"`
	// Redis password.
	Password string `koanf:"password"`
}

// Gemini contains configuration for the generative model API.
type Gemini struct {
	// API key for authentication. Generation is unavailable when empty.
	APIKey string `koanf:"api_key"`
	// Maximum concurrent model calls across the process.
	MaxConcurrent int64 `koanf:"max_concurrent"`
	// Model used for try-on, outpainting and background rendering.
	ImageModel string `koanf:"image_model"`
	// Model used for crop classification.
	VisionModel string `koanf:"vision_model"`
}

// Storage contains generated artifact storage configuration.
type Storage struct {
	// Store generated images in S3 instead of inline data URLs.
	Enabled bool `koanf:"enabled"`
	// S3 bucket name.
	Bucket string `koanf:"bucket"`
	// S3 region.
	Region string `koanf:"region"`
	// Custom endpoint for S3-compatible services.
	Endpoint string `koanf:"endpoint"`
	// Static access key ID.
	AccessKeyID string `koanf:"access_key_id"`
	// Static secret access key.
	SecretAccessKey string `koanf:"secret_access_key"`
	// Public base URL that objects are served from.
	PublicBaseURL string `koanf:"public_base_url"`
	// Key prefix for uploaded objects.
	Prefix string `koanf:"prefix"`
}

// Cache contains try-on cache configuration.
type Cache struct {
	// Cache backend (postgres or redis).
	Backend string `koanf:"backend"`
	// Entry lifetime in hours.
	TTLHours int `koanf:"ttl_hours"`
	// Capacity of the hit bookkeeping queue.
	TouchQueueSize int `koanf:"touch_queue_size"`
	// Timeout for a single cache write in milliseconds.
	WriteTimeout int `koanf:"write_timeout"`
}

// Codec contains image normalization configuration.
type Codec struct {
	// Maximum width or height of normalized images.
	MaxDimension int `koanf:"max_dimension"`
	// Output format (jpeg, png or webp).
	OutputFormat string `koanf:"output_format"`
	// JPEG quality used when the output format is jpeg.
	JPEGQuality int `koanf:"jpeg_quality"`
	// Root directory for local asset references.
	AssetRoot string `koanf:"asset_root"`
	// Remote fetch timeout in milliseconds.
	FetchTimeout int `koanf:"fetch_timeout"`
	// Maximum remote payload size in bytes.
	MaxFetchBytes int64 `koanf:"max_fetch_bytes"`
	// Number of fetched images kept in memory.
	MemoSize int `koanf:"memo_size"`
	// Lifetime of memoized images in seconds.
	MemoTTL int `koanf:"memo_ttl"`
	// Extra per-host query parameters applied before fetching.
	HostParams []HostParam `koanf:"host_params"`
}

// HostParam forces query parameters on remote fetches from one host.
type HostParam struct {
	Host   string            `koanf:"host"`
	Params map[string]string `koanf:"params"`
}

// Generation contains try-on generation configuration.
type Generation struct {
	// Total attempts per generate call.
	MaxAttempts int `koanf:"max_attempts"`
	// Initial backoff between attempts in milliseconds.
	InitialBackoff int `koanf:"initial_backoff"`
	// Per-attempt deadline in milliseconds.
	AttemptTimeout int `koanf:"attempt_timeout"`
	// Version tag mixed into the params hash.
	PromptVersion string `koanf:"prompt_version"`
	// Concurrent misses generated by a batch request.
	BatchConcurrency int `koanf:"batch_concurrency"`
}

// Enhance contains photo enhancement configuration.
type Enhance struct {
	// Default minimum shorter-side resolution.
	MinResolution int `koanf:"min_resolution"`
	// Per-stage deadline in milliseconds.
	StageTimeout int `koanf:"stage_timeout"`
	// Background removal provider (genai, http or none).
	BackgroundProvider string `koanf:"background_provider"`
	// Endpoint for the http background removal provider.
	BackgroundEndpoint string `koanf:"background_endpoint"`
	// API key for the http background removal provider.
	BackgroundAPIKey string `koanf:"background_api_key"`
}

// Photos contains user photo bookkeeping configuration.
type Photos struct {
	// Maximum photos per user.
	MaxPerUser int `koanf:"max_per_user"`
	// Concurrent enhancements during backfill.
	BackfillWorkers int `koanf:"backfill_workers"`
}

// CacheTTL returns the cache entry lifetime.
func (c *Cache) CacheTTL() time.Duration {
	return time.Duration(c.TTLHours) * time.Hour
}

// LoadConfig loads the configuration from the first search path containing each file.
func LoadConfig() (*Config, string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, "", fmt.Errorf("failed to get home directory: %w", err)
	}

	return LoadConfigFrom([]string{
		".fitroom",
		homeDir + "/.fitroom/config",
		"/etc/fitroom/config",
		"/app/config",
		"config",
		".",
	})
}

// LoadConfigFrom loads common.toml and tryon.toml from the given search paths.
func LoadConfigFrom(configPaths []string) (*Config, string, error) {
	k := koanf.New(".")

	var usedConfigPath string

	for _, configName := range []string{"common", "tryon"} {
		configLoaded := false

		for _, path := range configPaths {
			configPath := fmt.Sprintf("%s/%s.toml", path, configName)
			if err := k.Load(file.Provider(configPath), toml.Parser()); err == nil {
				configLoaded = true

				if usedConfigPath == "" {
					usedConfigPath = path
				}

				break
			}
		}

		if !configLoaded {
			return nil, "", fmt.Errorf("%w: %s.toml", ErrConfigFileNotFound, configName)
		}
	}

	var config Config
	if err := k.Unmarshal("", &config); err != nil {
		return nil, "", fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := checkConfigVersion("common", config.Common.Version, CurrentCommonVersion); err != nil {
		return nil, "", err
	}

	if err := checkConfigVersion("tryon", config.TryOn.Version, CurrentTryOnVersion); err != nil {
		return nil, "", err
	}

	config.applyDefaults()

	if err := config.validate(); err != nil {
		return nil, "", err
	}

	return &config, usedConfigPath, nil
}

// applyDefaults fills zero values with the built-in policy.
func (c *Config) applyDefaults() {
	common := &c.Common
	if common.Debug.LogLevel == "" {
		common.Debug.LogLevel = "info"
	}
	if common.Debug.MaxLogsToKeep == 0 {
		common.Debug.MaxLogsToKeep = 10
	}
	if common.Debug.MaxLogLines == 0 {
		common.Debug.MaxLogLines = 10000
	}
	if common.Gemini.MaxConcurrent == 0 {
		common.Gemini.MaxConcurrent = 4
	}
	if common.Gemini.ImageModel == "" {
		common.Gemini.ImageModel = "gemini-2.5-flash-image"
	}
	if common.Gemini.VisionModel == "" {
		common.Gemini.VisionModel = "gemini-2.0-flash"
	}
	if common.CircuitBreaker.MaxRequests == 0 {
		common.CircuitBreaker.MaxRequests = 1
	}
	if common.CircuitBreaker.Interval == 0 {
		common.CircuitBreaker.Interval = 60
	}
	if common.CircuitBreaker.Timeout == 0 {
		common.CircuitBreaker.Timeout = 30
	}

	tryOn := &c.TryOn
	if tryOn.Cache.Backend == "" {
		tryOn.Cache.Backend = CacheBackendPostgres
	}
	if tryOn.Cache.TTLHours == 0 {
		tryOn.Cache.TTLHours = 7 * 24
	}
	if tryOn.Cache.TouchQueueSize == 0 {
		tryOn.Cache.TouchQueueSize = 256
	}
	if tryOn.Cache.WriteTimeout == 0 {
		tryOn.Cache.WriteTimeout = 5000
	}
	if tryOn.Codec.MaxDimension == 0 {
		tryOn.Codec.MaxDimension = 1024
	}
	if tryOn.Codec.OutputFormat == "" {
		tryOn.Codec.OutputFormat = "jpeg"
	}
	if tryOn.Codec.JPEGQuality == 0 {
		tryOn.Codec.JPEGQuality = 90
	}
	if tryOn.Codec.FetchTimeout == 0 {
		tryOn.Codec.FetchTimeout = 15000
	}
	if tryOn.Codec.MaxFetchBytes == 0 {
		tryOn.Codec.MaxFetchBytes = 20 << 20
	}
	if tryOn.Codec.MemoSize == 0 {
		tryOn.Codec.MemoSize = 64
	}
	if tryOn.Codec.MemoTTL == 0 {
		tryOn.Codec.MemoTTL = 600
	}
	if tryOn.Generation.MaxAttempts == 0 {
		tryOn.Generation.MaxAttempts = 3
	}
	if tryOn.Generation.InitialBackoff == 0 {
		tryOn.Generation.InitialBackoff = 1000
	}
	if tryOn.Generation.AttemptTimeout == 0 {
		tryOn.Generation.AttemptTimeout = 90000
	}
	if tryOn.Generation.PromptVersion == "" {
		tryOn.Generation.PromptVersion = "v1"
	}
	if tryOn.Generation.BatchConcurrency == 0 {
		tryOn.Generation.BatchConcurrency = 1
	}
	if tryOn.Enhance.MinResolution == 0 {
		tryOn.Enhance.MinResolution = 512
	}
	if tryOn.Enhance.StageTimeout == 0 {
		tryOn.Enhance.StageTimeout = 60000
	}
	if tryOn.Enhance.BackgroundProvider == "" {
		tryOn.Enhance.BackgroundProvider = "genai"
	}
	if tryOn.Photos.MaxPerUser == 0 {
		tryOn.Photos.MaxPerUser = 5
	}
	if tryOn.Photos.BackfillWorkers == 0 {
		tryOn.Photos.BackfillWorkers = 2
	}
}

// validate rejects values that cannot be defaulted.
func (c *Config) validate() error {
	switch c.TryOn.Cache.Backend {
	case CacheBackendPostgres, CacheBackendRedis:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidCacheBackend, c.TryOn.Cache.Backend)
	}

	switch c.TryOn.Codec.OutputFormat {
	case "jpeg", "png", "webp":
	default:
		return fmt.Errorf("%w: %q", ErrInvalidOutputFormat, c.TryOn.Codec.OutputFormat)
	}

	return nil
}

// checkConfigVersion checks if the config file version is correct.
func checkConfigVersion(name string, current, expected int) error {
	if current == 0 {
		return fmt.Errorf("%w: %s.toml", ErrConfigVersionMissing, name)
	}

	if current != expected {
		return fmt.Errorf(
			"%w: %s.toml (got: %d, expected: %d)\n"+
				"Please update your config file from: https://github.com/robalyx/fitroom/tree/%s/config/%s.toml",
			ErrConfigVersionMismatch,
			name,
			current,
			expected,
			RepositoryVersion,
			name,
		)
	}

	return nil
}
