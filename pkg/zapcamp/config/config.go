// Package config defines all configuration structures for zapcamp and the
// YAML loader around them. Every tunable of the buffering pipeline lives
// here: collection window, retry cap, lease timeout, chunk thresholds,
// pacing delays and the operating-hours window.
package config

import (
	"fmt"
	"time"

	"github.com/zapcamp/zapcamp/pkg/zapcamp/channels/discord"
	"github.com/zapcamp/zapcamp/pkg/zapcamp/channels/whatsapp"
	"github.com/zapcamp/zapcamp/pkg/zapcamp/collector"
	"github.com/zapcamp/zapcamp/pkg/zapcamp/dispatch"
	"github.com/zapcamp/zapcamp/pkg/zapcamp/generation"
	"github.com/zapcamp/zapcamp/pkg/zapcamp/maintenance"
	"github.com/zapcamp/zapcamp/pkg/zapcamp/processor"
	"github.com/zapcamp/zapcamp/pkg/zapcamp/sender"
)

// Config holds all zapcamp configuration.
type Config struct {
	// Logging configures the slog handler.
	Logging LoggingConfig `yaml:"logging"`

	// Database configures the queue store.
	Database DatabaseConfig `yaml:"database"`

	// Collector configures inbound buffering.
	Collector collector.Config `yaml:"collector"`

	// Processor configures the reply-generation loop.
	Processor processor.Config `yaml:"processor"`

	// Dispatch configures send-slot computation.
	Dispatch dispatch.Config `yaml:"dispatch"`

	// Sender configures paced delivery.
	Sender sender.Config `yaml:"sender"`

	// Chunker configures reply splitting.
	Chunker ChunkerConfig `yaml:"chunker"`

	// Maintenance configures retention and reporting jobs.
	Maintenance maintenance.Config `yaml:"maintenance"`

	// Generation configures the reply model.
	Generation generation.Config `yaml:"generation"`

	// Channels configures the transports.
	Channels ChannelsConfig `yaml:"channels"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	// Level is "debug", "info", "warn" or "error".
	Level string `yaml:"level"`

	// Format is "json" or "text".
	Format string `yaml:"format"`
}

// DatabaseConfig configures the queue store.
type DatabaseConfig struct {
	// Path is the SQLite file holding the queue.
	Path string `yaml:"path"`

	// LeaseTimeout is how long a processing lease is honored before
	// another worker may reclaim the entry.
	LeaseTimeout time.Duration `yaml:"lease_timeout"`

	// MaxRetries caps generation retries before an entry goes terminal.
	MaxRetries int `yaml:"max_retries"`
}

// ChunkerConfig configures reply splitting thresholds.
type ChunkerConfig struct {
	// HardCeiling is the per-chunk transport limit with safety margin.
	HardCeiling int `yaml:"hard_ceiling"`

	// IdealChunk is the pacing-mode target chunk length.
	IdealChunk int `yaml:"ideal_chunk"`

	// BeforeSplit force-closes a pacing chunk past this length.
	BeforeSplit int `yaml:"before_split"`
}

// ChannelsConfig groups the transport configurations.
type ChannelsConfig struct {
	WhatsApp whatsapp.Config `yaml:"whatsapp"`
	Discord  discord.Config  `yaml:"discord"`
}

// DefaultConfig returns a fully populated default configuration.
func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Database: DatabaseConfig{
			Path:         "./data/zapcamp.db",
			LeaseTimeout: 5 * time.Minute,
			MaxRetries:   3,
		},
		Collector:   collector.DefaultConfig(),
		Processor:   processor.DefaultConfig(),
		Dispatch:    dispatch.DefaultConfig(),
		Sender:      sender.DefaultConfig(),
		Chunker: ChunkerConfig{
			HardCeiling: 4000,
			IdealChunk:  200,
			BeforeSplit: 350,
		},
		Maintenance: maintenance.DefaultConfig(),
		Generation:  generation.DefaultConfig(),
		Channels: ChannelsConfig{
			WhatsApp: whatsapp.DefaultConfig(),
			Discord:  discord.DefaultConfig(),
		},
	}
}

// Validate checks invariants that would otherwise only surface at runtime.
func (c *Config) Validate() error {
	if c.Collector.Window < 30*time.Second {
		return fmt.Errorf("collector window must be at least 30s, got %s", c.Collector.Window)
	}
	if c.Database.MaxRetries <= 0 {
		return fmt.Errorf("database max_retries must be positive")
	}
	if c.Database.LeaseTimeout <= 0 {
		return fmt.Errorf("database lease_timeout must be positive")
	}
	if c.Chunker.HardCeiling <= 0 {
		return fmt.Errorf("chunker hard_ceiling must be positive")
	}
	if c.Chunker.IdealChunk >= c.Chunker.HardCeiling {
		return fmt.Errorf("chunker ideal_chunk must be below hard_ceiling")
	}
	if !c.Channels.WhatsApp.Enabled && !c.Channels.Discord.Enabled {
		return fmt.Errorf("at least one channel must be enabled")
	}
	return nil
}
