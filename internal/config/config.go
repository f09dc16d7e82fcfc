// Package config loads the orchestra configuration file and watches it for
// changes to the settings that can be applied live.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/aretw0/orchestra/pkg/backbone"
	"github.com/aretw0/orchestra/pkg/engine"
	"github.com/aretw0/orchestra/pkg/lifecycle"
)

// Store backends.
const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendRedis  = "redis"
	BackendBadger = "badger"
)

// Config is the root of orchestra.yaml.
type Config struct {
	LogLevel string `yaml:"log_level" validate:"omitempty,oneof=debug info warn warning error"`
	LogJSON  bool   `yaml:"log_json"`

	Engine      EngineConfig      `yaml:"engine"`
	Store       StoreConfig       `yaml:"store"`
	Artifacts   ArtifactConfig    `yaml:"artifacts"`
	Pool        PoolConfig        `yaml:"pool"`
	Arbitration ArbitrationConfig `yaml:"arbitration"`
	Lifecycle   lifecycle.Policy  `yaml:"lifecycle"`
	Backbone    BackboneConfig    `yaml:"backbone"`
	HTTP        HTTPConfig        `yaml:"http"`
	Encryption  EncryptionConfig  `yaml:"encryption"`
}

// EngineConfig tunes the DAG engine.
type EngineConfig struct {
	MaxParallel         int                `yaml:"max_parallel" validate:"gte=0"`
	CheckpointEveryNode bool               `yaml:"checkpoint_every_node"`
	Retry               engine.RetryPolicy `yaml:"retry"`
	// Workflows is the definition directory; Loader picks how it is read.
	Workflows string `yaml:"workflows"`
	Loader    string `yaml:"loader" validate:"omitempty,oneof=file loam"`
}

// StoreConfig selects where checkpoints and leases live.
type StoreConfig struct {
	Backend string `yaml:"backend" validate:"oneof=memory file redis badger"`
	// Path is the checkpoint directory (file) or database directory (badger).
	Path string `yaml:"path" validate:"required_if=Backend file,required_if=Backend badger"`

	RedisAddr     string        `yaml:"redis_addr" validate:"required_if=Backend redis"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db" validate:"gte=0"`
	TTL           time.Duration `yaml:"ttl" validate:"gte=0"`
	LeaseTTL      time.Duration `yaml:"lease_ttl" validate:"gte=0"`
}

// ArtifactConfig places the Warm and Cold tiers. Empty paths keep a tier in memory.
type ArtifactConfig struct {
	WarmPath string `yaml:"warm_path"`
	ColdPath string `yaml:"cold_path"`
}

// PoolConfig bounds the resource pool.
type PoolConfig struct {
	MaxResident    int           `yaml:"max_resident" validate:"gte=0"`
	PrewarmTimeout time.Duration `yaml:"prewarm_timeout" validate:"gte=0"`
	Prewarm        PrewarmConfig `yaml:"prewarm"`
}

// PrewarmConfig enables frequency-based pre-warming when Size > 0.
type PrewarmConfig struct {
	Size       int `yaml:"size" validate:"gte=0"`
	MinSupport int `yaml:"min_support" validate:"gte=0"`
	Fanout     int `yaml:"fanout" validate:"gte=0"`
}

// ArbitrationConfig sets the fairness quota and per-class capacities.
type ArbitrationConfig struct {
	Quota   int                    `yaml:"quota" validate:"gte=0"`
	Strict  bool                   `yaml:"strict"`
	Classes map[string]ClassConfig `yaml:"classes" validate:"dive"`
}

// ClassConfig is one arbitration class.
type ClassConfig struct {
	Capacity int `yaml:"capacity" validate:"gte=0"`
	MaxQueue int `yaml:"max_queue" validate:"gte=0"`
}

// BackboneConfig covers the transport to remote executors. Tokens and rate
// limits are reloaded live.
type BackboneConfig struct {
	Name           string                        `yaml:"name"`
	Tokens         map[string]string             `yaml:"tokens"`
	DefaultLimit   backbone.RateLimit            `yaml:"default_limit"`
	Limits         map[string]backbone.RateLimit `yaml:"limits" validate:"dive"`
	Executors      string                        `yaml:"executors"`
	RequestTimeout time.Duration                 `yaml:"request_timeout" validate:"gte=0"`
}

// EncryptionConfig seals checkpoints and the Warm and Cold artifact tiers at
// rest when Key is set. Keys are base64-encoded 32-byte AES keys; Fallback
// keys still decrypt data written before a rotation.
type EncryptionConfig struct {
	Key      string   `yaml:"key" validate:"omitempty,base64"`
	Fallback []string `yaml:"fallback" validate:"dive,base64"`
}

// HTTPConfig configures the API server.
type HTTPConfig struct {
	Addr string `yaml:"addr" validate:"omitempty,hostname_port"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		LogLevel: "info",
		Engine: EngineConfig{
			Retry:  engine.DefaultRetryPolicy(),
			Loader: "file",
		},
		Store: StoreConfig{
			Backend:  BackendMemory,
			LeaseTTL: 30 * time.Second,
		},
		Pool: PoolConfig{
			MaxResident:    4,
			PrewarmTimeout: 30 * time.Second,
		},
		Arbitration: ArbitrationConfig{Quota: 4},
		Lifecycle:   lifecycle.DefaultPolicy(),
		Backbone: BackboneConfig{
			Name:           "engine",
			RequestTimeout: 5 * time.Minute,
		},
		HTTP: HTTPConfig{Addr: "127.0.0.1:8080"},
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the struct tags.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			f := verrs[0]
			return fmt.Errorf("invalid config: %s fails %q (%d problems)", f.Namespace(), f.Tag(), len(verrs))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}
	if err := Parse(data, &cfg); err != nil {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML into cfg, rejecting unknown keys, and validates the result.
func Parse(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to parse yaml: %w", err)
	}
	return cfg.Validate()
}
