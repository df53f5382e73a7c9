package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("writing temp config: %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, "stream:\n  type: FORWARD\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Stream.Type != "FORWARD" {
		t.Errorf("expected FORWARD, got %q", cfg.Stream.Type)
	}
	if cfg.Stream.Buffer.SizeRaw != 256*1024*1024 {
		t.Errorf("expected default buffer size 256mb, got %d", cfg.Stream.Buffer.SizeRaw)
	}
	if cfg.Decompose.MaxSizeRaw != 4*1024*1024 {
		t.Errorf("expected default decompose maxSize 4mb, got %d", cfg.Decompose.MaxSizeRaw)
	}
	if cfg.Timeout.Limit != 30 || cfg.Timeout.Unit != "s" {
		t.Errorf("expected default timeout 30s, got %d%s", cfg.Timeout.Limit, cfg.Timeout.Unit)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Errorf("expected default logging info/json, got %s/%s", cfg.Logging.Level, cfg.Logging.Format)
	}
	if cfg.Producer.Name != "ingest-producer" {
		t.Errorf("expected default producer name, got %q", cfg.Producer.Name)
	}
	if cfg.Producer.Schedule != "@every 1m" {
		t.Errorf("expected default schedule, got %q", cfg.Producer.Schedule)
	}
	if cfg.Producer.RowsPerFrame != 100 {
		t.Errorf("expected default rowsPerFrame 100, got %d", cfg.Producer.RowsPerFrame)
	}
}

func TestLoad_FullOverrides(t *testing.T) {
	path := writeConfig(t, `
stream:
  type: BIDIRECTIONAL
  concurrency:
    enabled: true
    maxStreams: 4
  buffer:
    backPressure: true
    size: "64mb"
decompose:
  active: true
  maxSize: "2mb"
concurrency:
  active: true
  threadCount: 8
ingest:
  rateLimitBytesPerSec: 1048576
timeout:
  limit: 500
  unit: ms
logging:
  enabled: true
  level: debug
  format: text
wire:
  compression:
    enabled: true
    mode: zstd
    blockWorkers: 2
producer:
  name: sensor-array
  schedule: "*/5 * * * *"
  rowsPerFrame: 50
remote:
  address: ingest.example.org:9443
tls:
  caCert: /etc/ingest/ca.pem
  clientCert: /etc/ingest/client.pem
  clientKey: /etc/ingest/client-key.pem
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Stream.Type != "BIDIRECTIONAL" {
		t.Errorf("expected BIDIRECTIONAL, got %q", cfg.Stream.Type)
	}
	if !cfg.Stream.Concurrency.Enabled || cfg.Stream.Concurrency.MaxStreams != 4 {
		t.Errorf("expected concurrency enabled with 4 streams, got %+v", cfg.Stream.Concurrency)
	}
	if cfg.Stream.Buffer.SizeRaw != 64*1024*1024 {
		t.Errorf("expected 64mb buffer, got %d", cfg.Stream.Buffer.SizeRaw)
	}
	if cfg.Decompose.MaxSizeRaw != 2*1024*1024 {
		t.Errorf("expected 2mb decompose maxSize, got %d", cfg.Decompose.MaxSizeRaw)
	}
	if cfg.Concurrency.ThreadCount != 8 {
		t.Errorf("expected threadCount 8, got %d", cfg.Concurrency.ThreadCount)
	}
	if cfg.Ingest.RateLimitBytesPerSec != 1048576 {
		t.Errorf("expected rate limit 1048576, got %d", cfg.Ingest.RateLimitBytesPerSec)
	}
	if cfg.Timeout.Duration().String() != "500ms" {
		t.Errorf("expected 500ms timeout duration, got %s", cfg.Timeout.Duration())
	}
	if cfg.Wire.Compression.Mode != "zstd" || cfg.Wire.Compression.BlockWorkers != 2 {
		t.Errorf("expected zstd/2 workers, got %+v", cfg.Wire.Compression)
	}
	if cfg.Producer.Name != "sensor-array" || cfg.Producer.Schedule != "*/5 * * * *" || cfg.Producer.RowsPerFrame != 50 {
		t.Errorf("expected producer overrides applied, got %+v", cfg.Producer)
	}
	if cfg.Remote.Address != "ingest.example.org:9443" {
		t.Errorf("expected remote address override, got %q", cfg.Remote.Address)
	}
	if cfg.TLS.CACert != "/etc/ingest/ca.pem" {
		t.Errorf("expected TLS CA cert path, got %q", cfg.TLS.CACert)
	}
}

func TestLoad_RejectsBackwardStreamType(t *testing.T) {
	path := writeConfig(t, "stream:\n  type: BACKWARD\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for stream.type: BACKWARD")
	}
}

func TestLoad_RejectsZeroMaxStreamsWhenEnabled(t *testing.T) {
	path := writeConfig(t, "stream:\n  concurrency:\n    enabled: true\n    maxStreams: 0\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for maxStreams: 0 with concurrency enabled")
	}
}

func TestParseByteSize(t *testing.T) {
	cases := map[string]int64{
		"256kb": 256 * 1024,
		"4mb":   4 * 1024 * 1024,
		"1gb":   1024 * 1024 * 1024,
		"100":   100,
	}
	for in, want := range cases {
		got, err := ParseByteSize(in)
		if err != nil {
			t.Errorf("ParseByteSize(%q): %v", in, err)
			continue
		}
		if got != want {
			t.Errorf("ParseByteSize(%q) = %d, want %d", in, got, want)
		}
	}
}

func TestParseByteSize_RejectsGarbage(t *testing.T) {
	if _, err := ParseByteSize("not-a-size"); err == nil {
		t.Fatal("expected error for garbage size string")
	}
}
