// Package config loads daemon configuration from a YAML file with
// environment variable overrides, and aggregates the per-subsystem
// sections.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/knowd/internal/contribution"
	"github.com/fyrsmithlabs/knowd/internal/embeddings"
	"github.com/fyrsmithlabs/knowd/internal/logging"
	"github.com/fyrsmithlabs/knowd/internal/runtime"
	"github.com/fyrsmithlabs/knowd/internal/store"
	"github.com/fyrsmithlabs/knowd/internal/task"
	"github.com/fyrsmithlabs/knowd/internal/telemetry"
	"github.com/fyrsmithlabs/knowd/internal/transport"
)

// Config holds the complete daemon configuration.
type Config struct {
	Server       ServerConfig        `koanf:"server"`
	Logging      logging.Config      `koanf:"logging"`
	Telemetry    telemetry.Config    `koanf:"telemetry"`
	Store        store.Config        `koanf:"store"`
	Embeddings   embeddings.Config   `koanf:"embeddings"`
	Runtime      runtime.Config      `koanf:"runtime"`
	Task         task.Config         `koanf:"task"`
	Contribution contribution.Config `koanf:"contribution"`
	Transport    transport.Config    `koanf:"transport"`
	Capabilities CapabilitiesConfig  `koanf:"capabilities"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	// Addr is the listen address, host:port.
	Addr string `koanf:"addr"`

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// CapabilitiesConfig locates the capability manifest.
type CapabilitiesConfig struct {
	// ManifestPath is the yaml manifest declaring provider-backed
	// capabilities. Empty starts with an empty registry.
	ManifestPath string `koanf:"manifest_path"`

	// DescriptorParent is the taxonomy subcategory that capability
	// descriptor containers are mirrored under. Empty disables mirroring.
	DescriptorParent string `koanf:"descriptor_parent"`
}

// ApplyDefaults fills unset fields across all sections.
func (c *Config) ApplyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":9632"
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}
	c.Logging.ApplyDefaults()
	c.Telemetry.ApplyDefaults()
	c.Store.ApplyDefaults()
	c.Embeddings.ApplyDefaults()
	c.Runtime.ApplyDefaults()
	c.Task.ApplyDefaults()
	c.Contribution.ApplyDefaults()
	c.Transport.ApplyDefaults()
}

// Validate checks the configuration after defaults are applied.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return errors.New("server addr is required")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return errors.New("shutdown timeout must be positive")
	}
	if err := c.Telemetry.Validate(); err != nil {
		return err
	}
	if c.Task.Workers < 1 {
		return fmt.Errorf("task workers must be positive, got %d", c.Task.Workers)
	}
	if c.Contribution.Quorum < 1 {
		return fmt.Errorf("contribution quorum must be positive, got %d", c.Contribution.Quorum)
	}
	return nil
}
