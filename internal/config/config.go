// Package config loads and validates the YAML configuration surface of
// the ingestion pipeline (spec §6).
//
// Grounded on the teacher's internal/config/agent.go: a yaml.v3-tagged
// struct, a Load(path) that reads + unmarshals + validates, and a
// human-readable byte-size parser (ParseByteSize, teacher's
// ResumeConfig.BufferSizeRaw pattern) for size-valued keys.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full recognized configuration surface (spec §6).
type Config struct {
	Stream      StreamConfig      `yaml:"stream"`
	Decompose   DecomposeConfig   `yaml:"decompose"`
	Concurrency ConcurrencyConfig `yaml:"concurrency"`
	Ingest      IngestConfig      `yaml:"ingest"`
	Timeout     TimeoutConfig     `yaml:"timeout"`
	Logging     LoggingConfig     `yaml:"logging"`
	Wire        WireConfig        `yaml:"wire"`
	Producer    ProducerConfig    `yaml:"producer"`
	Remote      RemoteConfig      `yaml:"remote"`
	Listen      ListenConfig      `yaml:"listen"`
	TLS         TLSConfig         `yaml:"tls"`
}

// ProducerConfig controls cmd/ingest-producer's scheduled ingestion
// sessions.
type ProducerConfig struct {
	Name         string `yaml:"name"`
	Schedule     string `yaml:"schedule"` // cron expression, e.g. "@every 1m"
	RowsPerFrame int    `yaml:"rowsPerFrame"`
}

// RemoteConfig addresses the remote Ingestion Service a producer dials.
type RemoteConfig struct {
	Address string `yaml:"address"`
}

// ListenConfig addresses the local listener cmd/ingest-sim-service binds.
type ListenConfig struct {
	Address string `yaml:"address"`
}

// TLSConfig names the PEM files used to build the pipeline's mutual-TLS
// configuration (internal/pki).
type TLSConfig struct {
	CACert     string `yaml:"caCert"`
	ClientCert string `yaml:"clientCert"`
	ClientKey  string `yaml:"clientKey"`
	ServerCert string `yaml:"serverCert"`
	ServerKey  string `yaml:"serverKey"`
}

// StreamConfig configures the IngestionChannel's worker pool and the
// StagingBuffer it drains.
type StreamConfig struct {
	Type        string            `yaml:"type"` // "FORWARD" | "BIDIRECTIONAL"
	Concurrency StreamConcurrency `yaml:"concurrency"`
	Buffer      StreamBuffer      `yaml:"buffer"`
}

// StreamConcurrency controls multi-stream fan-out.
type StreamConcurrency struct {
	Enabled    bool `yaml:"enabled"`
	MaxStreams int  `yaml:"maxStreams"`
}

// StreamBuffer configures the StagingBuffer.
type StreamBuffer struct {
	BackPressure bool   `yaml:"backPressure"`
	Size         string `yaml:"size"` // e.g. "256mb"; defaults to "256mb" if unset (not derived from any other key)
	SizeRaw      int64  `yaml:"-"`
}

// DecomposeConfig bounds FrameProcessor output message size.
type DecomposeConfig struct {
	Active  bool   `yaml:"active"`
	MaxSize string `yaml:"maxSize"` // e.g. "4mb"
	MaxSizeRaw int64 `yaml:"-"`
}

// ConcurrencyConfig controls FrameProcessor decompose/convert worker
// pool sizing.
type ConcurrencyConfig struct {
	Active      bool `yaml:"active"`
	ThreadCount int  `yaml:"threadCount"`
}

// IngestConfig controls the orchestrator-level ingest-rate throttle.
type IngestConfig struct {
	RateLimitBytesPerSec int64 `yaml:"rateLimitBytesPerSec"` // 0 = unlimited
}

// TimeoutConfig controls general shutdown timeouts.
type TimeoutConfig struct {
	Limit int    `yaml:"limit"`
	Unit  string `yaml:"unit"` // "ms" | "s" | "m"
}

// Duration interprets Limit/Unit as a time.Duration. Unrecognized units
// default to seconds.
func (t TimeoutConfig) Duration() time.Duration {
	switch strings.ToLower(t.Unit) {
	case "ms":
		return time.Duration(t.Limit) * time.Millisecond
	case "m":
		return time.Duration(t.Limit) * time.Minute
	default:
		return time.Duration(t.Limit) * time.Second
	}
}

// LoggingConfig controls the ambient logger.
type LoggingConfig struct {
	Enabled bool   `yaml:"enabled"`
	Level   string `yaml:"level"`
	Format  string `yaml:"format"`
}

// WireConfig controls optional payload compression (domain-stack
// addition beyond spec §6's illustrative key list).
type WireConfig struct {
	Compression CompressionConfig `yaml:"compression"`
}

// CompressionConfig selects the wire payload compression mode.
type CompressionConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Mode         string `yaml:"mode"` // "gzip" | "zstd"
	BlockWorkers int    `yaml:"blockWorkers"`
}

// Load reads, parses, and validates a YAML config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	switch strings.ToUpper(c.Stream.Type) {
	case "", "FORWARD":
		c.Stream.Type = "FORWARD"
	case "BIDIRECTIONAL":
		// ok
	default:
		return fmt.Errorf("stream.type: unsupported value %q (BACKWARD and other values are rejected)", c.Stream.Type)
	}

	if c.Stream.Concurrency.Enabled && c.Stream.Concurrency.MaxStreams <= 0 {
		return fmt.Errorf("stream.concurrency.maxStreams must be > 0 when stream.concurrency.enabled is true")
	}

	if c.Stream.Buffer.Size == "" {
		c.Stream.Buffer.Size = "256mb"
	}
	sizeRaw, err := ParseByteSize(c.Stream.Buffer.Size)
	if err != nil {
		return fmt.Errorf("stream.buffer.size: %w", err)
	}
	c.Stream.Buffer.SizeRaw = sizeRaw

	if c.Decompose.MaxSize == "" {
		c.Decompose.MaxSize = "4mb"
	}
	maxSizeRaw, err := ParseByteSize(c.Decompose.MaxSize)
	if err != nil {
		return fmt.Errorf("decompose.maxSize: %w", err)
	}
	c.Decompose.MaxSizeRaw = maxSizeRaw

	if c.Concurrency.Active && c.Concurrency.ThreadCount <= 0 {
		return fmt.Errorf("concurrency.threadCount must be > 0 when concurrency.active is true")
	}

	if c.Timeout.Limit <= 0 {
		c.Timeout.Limit = 30
		c.Timeout.Unit = "s"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.Wire.Compression.Enabled {
		switch strings.ToLower(c.Wire.Compression.Mode) {
		case "gzip", "zstd":
		default:
			return fmt.Errorf("wire.compression.mode: unsupported value %q", c.Wire.Compression.Mode)
		}
		if c.Wire.Compression.BlockWorkers <= 0 {
			c.Wire.Compression.BlockWorkers = 1
		}
	}

	if c.Producer.Name == "" {
		c.Producer.Name = "ingest-producer"
	}
	if c.Producer.Schedule == "" {
		c.Producer.Schedule = "@every 1m"
	}
	if c.Producer.RowsPerFrame <= 0 {
		c.Producer.RowsPerFrame = 100
	}

	return nil
}

// ParseByteSize converts human-readable strings like "256mb", "1gb"
// into a raw byte count.
func ParseByteSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}

	type suffix struct {
		s string
		m int64
	}
	suffixes := []suffix{
		{"gb", 1024 * 1024 * 1024},
		{"mb", 1024 * 1024},
		{"kb", 1024},
		{"b", 1},
	}

	for _, sfx := range suffixes {
		if strings.HasSuffix(s, sfx.s) {
			numStr := strings.TrimSuffix(s, sfx.s)
			num, err := strconv.ParseInt(numStr, 10, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid number %q: %w", numStr, err)
			}
			return num * sfx.m, nil
		}
	}

	num, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("unknown size format %q", s)
	}
	return num, nil
}
