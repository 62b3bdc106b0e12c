// Package config loads a YAML description of how workflows run: run limits,
// the checkpoint store and its payload codec, the event log sink, metrics and
// tracing.
//
//	run:
//	  max_supersteps: 200
//	  executor_timeout: 30s
//	checkpoint:
//	  store: sqlite
//	  dsn: ./checkpoints.db
//	  codec: msgpack
//	  compression: zstd
//	log:
//	  sink: stderr
//	  format: json
//	metrics:
//	  enabled: true
//
// Strings in dsn are expanded with os.ExpandEnv so credentials can stay in the
// environment.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/dshills/stepflow/workflow/codec"
)

// Store backends.
const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StoreMySQL    = "mysql"
	StorePostgres = "postgres"
)

// Config is the root of a configuration file.
type Config struct {
	Run        RunConfig        `yaml:"run" json:"run"`
	Checkpoint CheckpointConfig `yaml:"checkpoint" json:"checkpoint"`
	Log        LogConfig        `yaml:"log" json:"log"`
	Metrics    MetricsConfig    `yaml:"metrics" json:"metrics"`
	Tracing    TracingConfig    `yaml:"tracing" json:"tracing"`
}

// RunConfig mirrors workflow.Options.
type RunConfig struct {
	MaxSupersteps   int           `yaml:"max_supersteps" json:"max_supersteps" validate:"gte=0"`
	MaxConcurrency  int           `yaml:"max_concurrency" json:"max_concurrency" validate:"gte=0"`
	PollInterval    time.Duration `yaml:"poll_interval" json:"poll_interval" validate:"gte=0"`
	ExecutorTimeout time.Duration `yaml:"executor_timeout" json:"executor_timeout" validate:"gte=0"`
}

// CheckpointConfig selects where checkpoints go. An empty Store disables
// checkpointing.
type CheckpointConfig struct {
	Store       string `yaml:"store" json:"store" validate:"omitempty,oneof=memory sqlite mysql postgres"`
	DSN         string `yaml:"dsn" json:"dsn" validate:"required_if=Store sqlite,required_if=Store mysql,required_if=Store postgres"`
	Codec       string `yaml:"codec" json:"codec" validate:"omitempty,oneof=json msgpack"`
	Compression string `yaml:"compression" json:"compression" validate:"omitempty,oneof=none gzip zstd"`
}

// Enabled reports whether a store is configured.
func (c CheckpointConfig) Enabled() bool { return c.Store != "" }

// CodecName returns the name codec.ByName understands.
func (c CheckpointConfig) CodecName() string {
	name := c.Codec
	if name == "" {
		name = "json"
	}
	if c.Compression != "" && c.Compression != string(codec.CompressionNone) {
		name += "+" + c.Compression
	}
	return name
}

// LogConfig selects the event log sink.
type LogConfig struct {
	// Sink is stdout, stderr, file or none. Empty means none.
	Sink   string `yaml:"sink" json:"sink" validate:"omitempty,oneof=stdout stderr file none"`
	Path   string `yaml:"path" json:"path" validate:"required_if=Sink file"`
	Format string `yaml:"format" json:"format" validate:"omitempty,oneof=text json"`
	// History keeps every event in memory for later queries.
	History bool `yaml:"history" json:"history"`
}

// MetricsConfig enables Prometheus metrics on a dedicated registry.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
}

// TracingConfig enables OpenTelemetry spans through the global tracer
// provider.
type TracingConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Tracer  string `yaml:"tracer" json:"tracer"`
}

// Load reads and validates the file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes and validates YAML. Unknown keys are rejected.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.Checkpoint.DSN = os.ExpandEnv(cfg.Checkpoint.DSN)
	cfg.Log.Path = os.ExpandEnv(cfg.Log.Path)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		if name == "" || name == "-" {
			return fld.Name
		}
		return name
	})
	return v
}

// ValidationError lists every invalid field.
type ValidationError struct {
	Fields []FieldError
}

// FieldError is one invalid field, named by its YAML path.
type FieldError struct {
	Field string
	Rule  string
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		parts[i] = f.Field + ": " + f.Rule
	}
	return "invalid config: " + strings.Join(parts, "; ")
}

// Validate checks field values and combinations.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	out := &ValidationError{}
	for _, fe := range verrs {
		// Namespace is "Config.checkpoint.dsn"; drop the root.
		path := fe.Namespace()
		if i := strings.IndexByte(path, '.'); i >= 0 {
			path = path[i+1:]
		}
		rule := fe.Tag()
		if fe.Param() != "" {
			rule += "=" + fe.Param()
		}
		out.Fields = append(out.Fields, FieldError{Field: path, Rule: rule})
	}
	return out
}
