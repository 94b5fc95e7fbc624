// Package config handles terrastream configuration loading and management.
package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// ErrInvalidConfig is returned by Validate.
var ErrInvalidConfig = errors.New("invalid config")

// Source kinds.
const (
	SourceMap   = "map"
	SourceNoise = "noise"
)

// Config holds all settings.
type Config struct {
	Terrain   TerrainConfig   `yaml:"terrain" envPrefix:"TERRAIN_"`
	Source    SourceConfig    `yaml:"source" envPrefix:"SOURCE_"`
	Cache     CacheConfig     `yaml:"cache" envPrefix:"CACHE_"`
	Logging   LoggingConfig   `yaml:"logging" envPrefix:"LOGGING_"`
	Debug     DebugConfig     `yaml:"debug" envPrefix:"DEBUG_"`
	Telemetry TelemetryConfig `yaml:"telemetry" envPrefix:"TELEMETRY_"`
}

// TerrainConfig holds streaming engine settings.
type TerrainConfig struct {
	NumTaskServiceThreads int           `yaml:"num_task_service_threads" env:"NUM_TASK_SERVICE_THREADS" validate:"gte=0"`
	PerLayerUpdates       bool          `yaml:"per_layer_updates" env:"PER_LAYER_UPDATES"`
	RequestElevation      bool          `yaml:"request_elevation" env:"REQUEST_ELEVATION"`
	MaxLevel              int           `yaml:"max_level" env:"MAX_LEVEL" validate:"gte=0,lte=31"`
	LODRangeFactor        float32       `yaml:"lod_range_factor" env:"LOD_RANGE_FACTOR" validate:"gt=0"`
	WorldSize             float32       `yaml:"world_size" env:"WORLD_SIZE" validate:"gt=0"`
	FrameInterval         time.Duration `yaml:"frame_interval" env:"FRAME_INTERVAL" validate:"gt=0"`
	OrbitPeriod           int64         `yaml:"orbit_period" env:"ORBIT_PERIOD"`                    // frames per viewer orbit
	RetireFrames          int64         `yaml:"retire_frames" env:"RETIRE_FRAMES" validate:"gte=0"` // frames a hidden tile stays registered
}

// SourceConfig selects and configures the layer factory.
type SourceConfig struct {
	// Kind is map or noise.
	Kind string `yaml:"kind" env:"KIND" validate:"oneof=map noise"`
	// GRFPaths are searched in order, then DataDir.
	GRFPaths   []string `yaml:"grf_paths" env:"GRF_PATHS" envSeparator:","`
	DataDir    string   `yaml:"data_dir" env:"DATA_DIR"`
	MapName    string   `yaml:"map_name" env:"MAP_NAME" validate:"required_if=Kind map"`
	Resolution int      `yaml:"resolution" env:"RESOLUTION" validate:"gt=0"`
	Seed       int64    `yaml:"seed" env:"SEED"`
}

// CacheConfig holds payload cache settings.
type CacheConfig struct {
	Backend       string        `yaml:"backend" env:"BACKEND" validate:"omitempty,oneof=none memory badger redis"`
	CapacityMB    int           `yaml:"capacity_mb" env:"CAPACITY_MB" validate:"gte=0"`
	BadgerDir     string        `yaml:"badger_dir" env:"BADGER_DIR"`
	RedisAddr     string        `yaml:"redis_addr" env:"REDIS_ADDR"`
	RedisPassword string        `yaml:"redis_password" env:"REDIS_PASSWORD"`
	RedisDB       int           `yaml:"redis_db" env:"REDIS_DB"`
	TTL           time.Duration `yaml:"ttl" env:"TTL"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level   string `yaml:"level" env:"LEVEL" validate:"oneof=debug info warn error"`
	LogFile string `yaml:"log_file" env:"FILE"`
	JSON    bool   `yaml:"json" env:"JSON"`
}

// DebugConfig holds debug HTTP server settings.
type DebugConfig struct {
	Enabled bool   `yaml:"enabled" env:"ENABLED"`
	Addr    string `yaml:"addr" env:"ADDR"`
}

// TelemetryConfig holds tracing settings.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled" env:"ENABLED"`
	ServiceName  string  `yaml:"service_name" env:"SERVICE_NAME"`
	OTLPEndpoint string  `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	Insecure     bool    `yaml:"insecure" env:"INSECURE"`
	SampleRatio  float64 `yaml:"sample_ratio" env:"SAMPLE_RATIO" validate:"gte=0,lte=1"`
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Terrain: TerrainConfig{
			NumTaskServiceThreads: 8,
			PerLayerUpdates:       true,
			RequestElevation:      true,
			MaxLevel:              4,
			LODRangeFactor:        1.5,
			WorldSize:             1000,
			FrameInterval:         50 * time.Millisecond,
			OrbitPeriod:           400,
			RetireFrames:          4,
		},
		Source: SourceConfig{
			Kind:       SourceNoise,
			GRFPaths:   []string{"data.grf"},
			MapName:    "prontera",
			Resolution: 16,
			Seed:       1,
		},
		Cache: CacheConfig{
			Backend:    "memory",
			CapacityMB: 64,
			TTL:        24 * time.Hour,
		},
		Logging: LoggingConfig{
			Level:   "info",
			LogFile: "",
		},
		Debug: DebugConfig{
			Enabled: true,
			Addr:    "127.0.0.1:8090",
		},
		Telemetry: TelemetryConfig{
			Enabled:      false,
			ServiceName:  "terrastream",
			OTLPEndpoint: "localhost:4317",
			Insecure:     true,
			SampleRatio:  1,
		},
	}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report fields by their yaml path.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks values that would otherwise fail late.
func (c *Config) Validate() error {
	var errs []error
	if err := validate.Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
		for _, fe := range fieldErrs {
			field := strings.TrimPrefix(fe.Namespace(), "Config.")
			errs = append(errs, fmt.Errorf("%s: %v fails %s=%s", field, fe.Value(), fe.Tag(), fe.Param()))
		}
	}
	if c.Source.Kind == SourceMap && len(c.Source.GRFPaths) == 0 && c.Source.DataDir == "" {
		errs = append(errs, errors.New("source.grf_paths or source.data_dir is required for the map source"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}
