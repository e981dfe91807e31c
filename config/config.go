// Package config handles application configuration loading and validation.
//
// Configuration is read from a YAML file, overridden by a few environment
// variables and validated using struct tags. A missing file is not an error:
// every key has a default.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// DefaultPath is used when no path is given on the command line.
const DefaultPath = "carrera.yml"

// Server contains the HTTP listener configuration.
type Server struct {
	Addr         string   `yaml:"addr" validate:"required"`
	AllowOrigins []string `yaml:"allowOrigins" validate:"dive,required"`
	Pprof        bool     `yaml:"pprof"`
}

// Socket contains websocket connection tuning.
type Socket struct {
	WriteWait      time.Duration `yaml:"writeWait" validate:"gt=0"`
	PongWait       time.Duration `yaml:"pongWait" validate:"gt=0"`
	PingPeriod     time.Duration `yaml:"pingPeriod" validate:"gt=0,ltfield=PongWait"`
	MaxMessageSize int64         `yaml:"maxMessageSize" validate:"gt=0"`
	SendBuffer     int           `yaml:"sendBuffer" validate:"gt=0"`
}

// Race contains the registry and eviction configuration.
type Race struct {
	CodeLength    int           `yaml:"codeLength" validate:"gte=4,lte=12"`
	CodeRetries   int           `yaml:"codeRetries" validate:"gt=0"`
	TTL           time.Duration `yaml:"ttl" validate:"gt=0"`
	SweepInterval time.Duration `yaml:"sweepInterval" validate:"gt=0"`
	Eviction      string        `yaml:"eviction" validate:"oneof=creation activity"`
}

// Log contains the logger configuration.
type Log struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=json console"`
}

// Config is the root configuration structure.
type Config struct {
	Server Server `yaml:"server"`
	Socket Socket `yaml:"socket"`
	Race   Race   `yaml:"race"`
	Log    Log    `yaml:"log"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Server: Server{
			Addr:         ":3000",
			AllowOrigins: []string{"*"},
		},
		Socket: Socket{
			WriteWait:      10 * time.Second,
			PongWait:       60 * time.Second,
			PingPeriod:     15 * time.Second,
			MaxMessageSize: 4096,
			SendBuffer:     64,
		},
		Race: Race{
			CodeLength:    6,
			CodeRetries:   16,
			TTL:           24 * time.Hour,
			SweepInterval: time.Hour,
			Eviction:      "creation",
		},
		Log: Log{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads path on top of the defaults. The boolean reports whether the file
// was found.
func Load(path string) (Config, bool, error) {
	cfg := Default()
	found := false

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		found = true
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, true, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, fs.ErrNotExist):
	default:
		return Config{}, false, err
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, found, err
	}
	return cfg, found, nil
}

// Validate checks every section.
func (c Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

func applyEnv(c *Config) {
	c.Server.Addr = getEnv("CARRERA_ADDR", c.Server.Addr)
	c.Log.Level = getEnv("CARRERA_LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnv("CARRERA_LOG_FORMAT", c.Log.Format)
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}
