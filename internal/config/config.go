// Package config loads layered configuration for the api and worker
// binaries: struct defaults, then an optional YAML file, then FOTOPIPE_
// environment variables. Later layers win.
package config

import (
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/urbanatlas/fotopipe/internal/geo"
	"github.com/urbanatlas/fotopipe/internal/pipeline"
)

// envPrefix namespaces every environment override. FOTOPIPE_API_ADDR sets
// api.addr, FOTOPIPE_PIPELINE_MAX_WIDTH sets pipeline.max_width.
const envPrefix = "FOTOPIPE_"

// ConfigPathEnvVar overrides the config file search entirely.
const ConfigPathEnvVar = "FOTOPIPE_CONFIG"

// defaultConfigPaths is searched in order; the first existing file wins.
var defaultConfigPaths = []string{
	"fotopipe.yaml",
	"fotopipe.yml",
	"/etc/fotopipe/config.yaml",
}

type Config struct {
	API       APIConfig       `koanf:"api"`
	Queue     QueueConfig     `koanf:"queue"`
	Worker    WorkerConfig    `koanf:"worker"`
	Pipeline  PipelineConfig  `koanf:"pipeline"`
	Thumbnail ThumbnailConfig `koanf:"thumbnail"`
	Storage   StorageConfig   `koanf:"storage"`
	Database  DatabaseConfig  `koanf:"database"`
	Webhook   WebhookConfig   `koanf:"webhook"`
	Geo       GeoConfig       `koanf:"geo"`
	RateLimit RateLimitConfig `koanf:"ratelimit"`
	Logging   LoggingConfig   `koanf:"logging"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
}

type APIConfig struct {
	Addr            string        `koanf:"addr"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

type QueueConfig struct {
	RedisAddr     string `koanf:"redis_addr"`
	RedisPassword string `koanf:"redis_password"`
	RedisDB       int    `koanf:"redis_db"`
	Name          string `koanf:"name"`
}

func (q QueueConfig) RedisClientOpt() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     q.RedisAddr,
		Password: q.RedisPassword,
		DB:       q.RedisDB,
	}
}

type WorkerConfig struct {
	Concurrency   int    `koanf:"concurrency"`
	MaxActiveJobs int    `koanf:"max_active_jobs"`
	MetricsAddr   string `koanf:"metrics_addr"`
}

type PipelineConfig struct {
	MaxWidth          int      `koanf:"max_width"`
	Quality           int      `koanf:"quality"`
	MaxBytes          int64    `koanf:"max_bytes"`
	MaxPixels         int64    `koanf:"max_pixels"`
	AllowedExtensions []string `koanf:"allowed_extensions"`
}

// EncodeSpec converts the configured limits into the pipeline's form.
// Extensions are normalized to lowercase without the leading dot.
func (p PipelineConfig) EncodeSpec() pipeline.EncodeSpec {
	allowed := make(map[string]bool, len(p.AllowedExtensions))
	for _, ext := range p.AllowedExtensions {
		ext = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ext), "."))
		if ext != "" {
			allowed[ext] = true
		}
	}
	return pipeline.EncodeSpec{
		MaxWidth:          p.MaxWidth,
		Quality:           p.Quality,
		MaxBytes:          p.MaxBytes,
		MaxPixels:         p.MaxPixels,
		AllowedExtensions: allowed,
	}
}

type ThumbnailConfig struct {
	BoxWidth  int `koanf:"box_width"`
	BoxHeight int `koanf:"box_height"`
	Quality   int `koanf:"quality"`
}

// ThumbnailSpec builds the derivation parameters. The decode ceiling is
// shared with the main pipeline.
func (c Config) ThumbnailSpec() pipeline.ThumbnailSpec {
	return pipeline.ThumbnailSpec{
		BoxWidth:  c.Thumbnail.BoxWidth,
		BoxHeight: c.Thumbnail.BoxHeight,
		Quality:   c.Thumbnail.Quality,
		MaxPixels: c.Pipeline.MaxPixels,
	}
}

type StorageConfig struct {
	UploadDir string `koanf:"upload_dir"`
}

type DatabaseConfig struct {
	// DSN selects the Postgres ingest store. Empty keeps ingest records
	// in memory.
	DSN string `koanf:"dsn"`
}

type WebhookConfig struct {
	Secret      string        `koanf:"secret"`
	Timeout     time.Duration `koanf:"timeout"`
	MaxAttempts int           `koanf:"max_attempts"`
}

type GeoConfig struct {
	BaseURL   string        `koanf:"base_url"`
	UserAgent string        `koanf:"user_agent"`
	Timeout   time.Duration `koanf:"timeout"`
	CacheSize int           `koanf:"cache_size"`
	CacheTTL  time.Duration `koanf:"cache_ttl"`
	City      string        `koanf:"city"`
	NorthLat  float64       `koanf:"north_lat"`
	SouthLat  float64       `koanf:"south_lat"`
	EastLng   float64       `koanf:"east_lng"`
	WestLng   float64       `koanf:"west_lng"`
}

// Bounds returns the accepted coordinate rectangle.
func (g GeoConfig) Bounds() geo.Bounds {
	return geo.Bounds{
		North: g.NorthLat,
		South: g.SouthLat,
		East:  g.EastLng,
		West:  g.WestLng,
	}
}

type RateLimitConfig struct {
	Enabled bool `koanf:"enabled"`
	PerHour int  `koanf:"per_hour"`
	Burst   int  `koanf:"burst"`
}

type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

type TelemetryConfig struct {
	Exporter     string `koanf:"exporter"`
	OTLPEndpoint string `koanf:"otlp_endpoint"`
	OTLPInsecure bool   `koanf:"otlp_insecure"`
}

func defaults() Config {
	return Config{
		API: APIConfig{
			Addr:            ":8080",
			ShutdownTimeout: 10 * time.Second,
		},
		Queue: QueueConfig{
			RedisAddr: "localhost:6379",
			Name:      "default",
		},
		Worker: WorkerConfig{
			Concurrency:   max(2, runtime.NumCPU()),
			MaxActiveJobs: max(1, runtime.NumCPU()/2),
			MetricsAddr:   ":9090",
		},
		Pipeline: PipelineConfig{
			MaxWidth:          1200,
			Quality:           85,
			MaxBytes:          5 << 20,
			MaxPixels:         40_000_000,
			AllowedExtensions: []string{"png", "jpg", "jpeg"},
		},
		Thumbnail: ThumbnailConfig{
			BoxWidth:  200,
			BoxHeight: 200,
			Quality:   80,
		},
		Storage: StorageConfig{
			UploadDir: "./data/uploads",
		},
		Webhook: WebhookConfig{
			Timeout:     10 * time.Second,
			MaxAttempts: 3,
		},
		Geo: GeoConfig{
			BaseURL:   "https://nominatim.openstreetmap.org",
			UserAgent: "fotopipe/1.0",
			Timeout:   10 * time.Second,
			CacheSize: 100,
			CacheTTL:  time.Hour,
			City:      "Timisoara",
			NorthLat:  45.80,
			SouthLat:  45.70,
			EastLng:   21.35,
			WestLng:   21.10,
		},
		RateLimit: RateLimitConfig{
			Enabled: true,
			PerHour: 100,
			Burst:   10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Telemetry: TelemetryConfig{
			Exporter: "stdout",
		},
	}
}

// Load resolves configuration from defaults, an optional YAML file, and
// FOTOPIPE_ environment variables, in that order of increasing priority.
func Load() (Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaults(), "koanf"), nil); err != nil {
		return Config{}, fmt.Errorf("load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.ProviderWithValue(envPrefix, ".", envValue), nil); err != nil {
		return Config{}, fmt.Errorf("load environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// sliceFields names the config paths holding slices. Their environment
// values arrive comma-separated and must be split here: koanf's default
// unmarshal hooks convert durations but leave strings destined for slices
// untouched.
var sliceFields = map[string]bool{
	"pipeline.allowed_extensions": true,
}

// envValue resolves an environment variable to its config path and value,
// splitting slice fields on commas. Non-slice values pass through verbatim
// so commas inside DSNs or URLs survive.
func envValue(key, value string) (string, any) {
	path := envToPath(key)
	if !sliceFields[path] {
		return path, value
	}

	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return path, out
}

// envToPath maps FOTOPIPE_SECTION_SOME_KEY to section.some_key. Only the
// first underscore after the prefix separates section from key, so
// multi-word keys survive.
func envToPath(key string) string {
	key = strings.ToLower(strings.TrimPrefix(key, envPrefix))
	section, rest, found := strings.Cut(key, "_")
	if !found {
		return section
	}
	return section + "." + rest
}

func findConfigFile() string {
	if path := os.Getenv(ConfigPathEnvVar); path != "" {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	for _, path := range defaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// Validate rejects configurations the pipeline or its surroundings cannot
// run with. It reports the first problem found.
func (c Config) Validate() error {
	if c.Pipeline.MaxWidth < 1 {
		return fmt.Errorf("pipeline.max_width must be positive, got %d", c.Pipeline.MaxWidth)
	}
	if c.Pipeline.Quality < 1 || c.Pipeline.Quality > 100 {
		return fmt.Errorf("pipeline.quality must be in 1..100, got %d", c.Pipeline.Quality)
	}
	if c.Pipeline.MaxBytes < 1 {
		return fmt.Errorf("pipeline.max_bytes must be positive, got %d", c.Pipeline.MaxBytes)
	}
	if c.Pipeline.MaxPixels < 1 {
		return fmt.Errorf("pipeline.max_pixels must be positive, got %d", c.Pipeline.MaxPixels)
	}
	if len(c.Pipeline.AllowedExtensions) == 0 {
		return fmt.Errorf("pipeline.allowed_extensions must not be empty")
	}
	if c.Thumbnail.BoxWidth < 1 || c.Thumbnail.BoxHeight < 1 {
		return fmt.Errorf("thumbnail box must be positive, got %dx%d", c.Thumbnail.BoxWidth, c.Thumbnail.BoxHeight)
	}
	if c.Thumbnail.Quality < 1 || c.Thumbnail.Quality > 100 {
		return fmt.Errorf("thumbnail.quality must be in 1..100, got %d", c.Thumbnail.Quality)
	}
	if c.Storage.UploadDir == "" {
		return fmt.Errorf("storage.upload_dir must not be empty")
	}
	if c.Worker.Concurrency < 1 {
		return fmt.Errorf("worker.concurrency must be positive, got %d", c.Worker.Concurrency)
	}
	if c.Geo.NorthLat <= c.Geo.SouthLat {
		return fmt.Errorf("geo bounds: north_lat %v must exceed south_lat %v", c.Geo.NorthLat, c.Geo.SouthLat)
	}
	if c.Geo.EastLng <= c.Geo.WestLng {
		return fmt.Errorf("geo bounds: east_lng %v must exceed west_lng %v", c.Geo.EastLng, c.Geo.WestLng)
	}
	if c.Geo.CacheSize < 1 {
		return fmt.Errorf("geo.cache_size must be positive, got %d", c.Geo.CacheSize)
	}
	if c.RateLimit.Enabled && c.RateLimit.PerHour < 1 {
		return fmt.Errorf("ratelimit.per_hour must be positive when enabled, got %d", c.RateLimit.PerHour)
	}
	return nil
}
