package config

import (
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.API.Addr != ":8080" {
		t.Errorf("API.Addr = %q, want :8080", cfg.API.Addr)
	}
	if cfg.Pipeline.MaxWidth != 1200 {
		t.Errorf("Pipeline.MaxWidth = %d, want 1200", cfg.Pipeline.MaxWidth)
	}
	if cfg.Pipeline.Quality != 85 {
		t.Errorf("Pipeline.Quality = %d, want 85", cfg.Pipeline.Quality)
	}
	if cfg.Pipeline.MaxBytes != 5<<20 {
		t.Errorf("Pipeline.MaxBytes = %d, want %d", cfg.Pipeline.MaxBytes, 5<<20)
	}
	if got := len(cfg.Pipeline.AllowedExtensions); got != 3 {
		t.Errorf("AllowedExtensions length = %d, want 3", got)
	}
	if cfg.Thumbnail.BoxWidth != 200 || cfg.Thumbnail.BoxHeight != 200 {
		t.Errorf("thumbnail box = %dx%d, want 200x200", cfg.Thumbnail.BoxWidth, cfg.Thumbnail.BoxHeight)
	}
	if cfg.RateLimit.PerHour != 100 {
		t.Errorf("RateLimit.PerHour = %d, want 100", cfg.RateLimit.PerHour)
	}
	if cfg.Geo.NorthLat != 45.80 || cfg.Geo.WestLng != 21.10 {
		t.Errorf("geo bounds = N%v W%v, want N45.8 W21.1", cfg.Geo.NorthLat, cfg.Geo.WestLng)
	}
	if cfg.Database.DSN != "" {
		t.Errorf("Database.DSN = %q, want empty (memory store)", cfg.Database.DSN)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("FOTOPIPE_API_ADDR", ":9090")
	t.Setenv("FOTOPIPE_PIPELINE_MAX_WIDTH", "800")
	t.Setenv("FOTOPIPE_PIPELINE_ALLOWED_EXTENSIONS", "png,webp")
	t.Setenv("FOTOPIPE_WEBHOOK_TIMEOUT", "30s")
	t.Setenv("FOTOPIPE_RATELIMIT_ENABLED", "false")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.API.Addr != ":9090" {
		t.Errorf("API.Addr = %q, want :9090", cfg.API.Addr)
	}
	if cfg.Pipeline.MaxWidth != 800 {
		t.Errorf("Pipeline.MaxWidth = %d, want 800", cfg.Pipeline.MaxWidth)
	}
	if got := strings.Join(cfg.Pipeline.AllowedExtensions, "+"); got != "png+webp" {
		t.Errorf("AllowedExtensions = %q, want png+webp", got)
	}
	if cfg.Webhook.Timeout != 30*time.Second {
		t.Errorf("Webhook.Timeout = %v, want 30s", cfg.Webhook.Timeout)
	}
	if cfg.RateLimit.Enabled {
		t.Error("RateLimit.Enabled should be overridden to false")
	}
}

func TestLoad_FileLayer(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fotopipe.yaml")
	body := "pipeline:\n  max_width: 900\n  quality: 70\nstorage:\n  upload_dir: /srv/photos\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config file: %v", err)
	}
	t.Setenv(ConfigPathEnvVar, path)
	t.Setenv("FOTOPIPE_PIPELINE_MAX_WIDTH", "640")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Pipeline.Quality != 70 {
		t.Errorf("Pipeline.Quality = %d, want 70 from file", cfg.Pipeline.Quality)
	}
	if cfg.Storage.UploadDir != "/srv/photos" {
		t.Errorf("Storage.UploadDir = %q, want /srv/photos", cfg.Storage.UploadDir)
	}
	if cfg.Pipeline.MaxWidth != 640 {
		t.Errorf("Pipeline.MaxWidth = %d, want 640 (env beats file)", cfg.Pipeline.MaxWidth)
	}
}

func TestEnvToPath(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"FOTOPIPE_API_ADDR", "api.addr"},
		{"FOTOPIPE_PIPELINE_MAX_WIDTH", "pipeline.max_width"},
		{"FOTOPIPE_QUEUE_REDIS_ADDR", "queue.redis_addr"},
		{"FOTOPIPE_GEO_NORTH_LAT", "geo.north_lat"},
		{"FOTOPIPE_LOGGING_LEVEL", "logging.level"},
	}
	for _, tt := range tests {
		if got := envToPath(tt.in); got != tt.want {
			t.Errorf("envToPath(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestEnvValue_SplitsSliceFields(t *testing.T) {
	path, val := envValue("FOTOPIPE_PIPELINE_ALLOWED_EXTENSIONS", "png, webp,,jpg ")
	if path != "pipeline.allowed_extensions" {
		t.Fatalf("path = %q, want pipeline.allowed_extensions", path)
	}
	got, ok := val.([]string)
	if !ok {
		t.Fatalf("value type = %T, want []string", val)
	}
	if want := []string{"png", "webp", "jpg"}; !slices.Equal(got, want) {
		t.Errorf("value = %v, want %v", got, want)
	}
}

func TestEnvValue_KeepsCommasInScalarFields(t *testing.T) {
	dsn := "postgres://u:p@host/db?options=-c search_path=a,b"
	path, val := envValue("FOTOPIPE_DATABASE_DSN", dsn)
	if path != "database.dsn" {
		t.Fatalf("path = %q, want database.dsn", path)
	}
	if val != dsn {
		t.Errorf("value = %v, want the DSN verbatim", val)
	}
}

func TestEncodeSpec_NormalizesExtensions(t *testing.T) {
	p := PipelineConfig{
		MaxWidth:          1200,
		Quality:           85,
		MaxBytes:          1,
		MaxPixels:         1,
		AllowedExtensions: []string{".PNG", "jpg", " jpeg ", ""},
	}
	spec := p.EncodeSpec()

	for _, ext := range []string{"png", "jpg", "jpeg"} {
		if !spec.AllowedExtensions[ext] {
			t.Errorf("extension %q missing from spec", ext)
		}
	}
	if len(spec.AllowedExtensions) != 3 {
		t.Errorf("spec has %d extensions, want 3", len(spec.AllowedExtensions))
	}
}

func TestValidate_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero max width", func(c *Config) { c.Pipeline.MaxWidth = 0 }},
		{"quality over 100", func(c *Config) { c.Pipeline.Quality = 101 }},
		{"no extensions", func(c *Config) { c.Pipeline.AllowedExtensions = nil }},
		{"zero thumbnail box", func(c *Config) { c.Thumbnail.BoxWidth = 0 }},
		{"empty upload dir", func(c *Config) { c.Storage.UploadDir = "" }},
		{"inverted latitudes", func(c *Config) { c.Geo.NorthLat, c.Geo.SouthLat = 45.70, 45.80 }},
		{"zero rate when enabled", func(c *Config) { c.RateLimit.PerHour = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaults()
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() accepted an invalid configuration")
			}
		})
	}
}

func TestThumbnailSpec_SharesPixelCeiling(t *testing.T) {
	cfg := defaults()
	cfg.Pipeline.MaxPixels = 123456

	spec := cfg.ThumbnailSpec()
	if spec.MaxPixels != 123456 {
		t.Errorf("ThumbnailSpec.MaxPixels = %d, want 123456", spec.MaxPixels)
	}
	if spec.BoxWidth != 200 || spec.Quality != 80 {
		t.Errorf("unexpected thumbnail spec: %+v", spec)
	}
}
