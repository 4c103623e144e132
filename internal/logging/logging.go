// Package logging builds the process-wide zap logger: leveled JSON or
// console output, volume sampling below error, and redaction of
// credential-shaped fields.
package logging

import (
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config controls logger construction.
type Config struct {
	// Level is the minimum level: debug, info, warn, error.
	Level string `koanf:"level"`

	// Format is "json" or "console".
	Format string `koanf:"format"`

	// Sampling reduces volume of repeated entries below error level.
	Sampling SamplingConfig `koanf:"sampling"`

	// Redaction masks sensitive field names and value patterns.
	Redaction RedactionConfig `koanf:"redaction"`
}

// SamplingConfig controls repeated-entry suppression.
type SamplingConfig struct {
	Enabled    bool          `koanf:"enabled"`
	Tick       time.Duration `koanf:"tick"`
	Initial    int           `koanf:"initial"`
	Thereafter int           `koanf:"thereafter"`
}

// RedactionConfig controls sensitive data masking.
type RedactionConfig struct {
	Enabled  bool     `koanf:"enabled"`
	Fields   []string `koanf:"fields"`
	Patterns []string `koanf:"patterns"`
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format == "" {
		c.Format = "json"
	}
	if c.Sampling.Tick == 0 {
		c.Sampling.Tick = time.Second
	}
	if c.Sampling.Initial == 0 {
		c.Sampling.Initial = 100
	}
	if c.Sampling.Thereafter == 0 {
		c.Sampling.Thereafter = 100
	}
	if c.Redaction.Enabled && len(c.Redaction.Fields) == 0 {
		c.Redaction.Fields = []string{
			"password", "secret", "token", "api_key",
			"authorization", "bearer", "credential", "private_key",
		}
	}
}

// New builds a logger from config.
func New(cfg Config) (*zap.Logger, error) {
	cfg.ApplyDefaults()

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	enc := newEncoder(cfg.Format)
	if cfg.Redaction.Enabled {
		enc, err = newRedactingEncoder(enc, cfg.Redaction)
		if err != nil {
			return nil, err
		}
	}

	core := zapcore.NewCore(enc, zapcore.Lock(os.Stdout), level)
	core = sampledCore(core, cfg.Sampling)

	return zap.New(core,
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.ErrorLevel),
	), nil
}

func newEncoder(format string) zapcore.Encoder {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	if format == "console" {
		return zapcore.NewConsoleEncoder(encCfg)
	}
	return zapcore.NewJSONEncoder(encCfg)
}
