package logging

import (
	"bytes"
	"log/slog"
	"testing"
)

func TestNewSessionLogger_CapturesIntoRing(t *testing.T) {
	var baseBuf bytes.Buffer
	base := slog.New(slog.NewJSONHandler(&baseBuf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	logger, ring := NewSessionLogger(base, 0)
	logger.Info("test message", "key", "value")

	records := ring.Records()
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	if records[0].Message != "test message" {
		t.Errorf("expected message %q, got %q", "test message", records[0].Message)
	}
	if records[0].Attrs["key"] != "value" {
		t.Errorf("expected attr key=value, got %v", records[0].Attrs)
	}
	if !bytesContains(baseBuf.Bytes(), "test message") {
		t.Error("expected base handler to also receive the record")
	}
}

func TestNewSessionLogger_RingCapturesBelowBaseLevel(t *testing.T) {
	var baseBuf bytes.Buffer
	base := slog.New(slog.NewJSONHandler(&baseBuf, &slog.HandlerOptions{Level: slog.LevelInfo}))

	logger, ring := NewSessionLogger(base, 0)
	logger.Debug("debug only message")
	logger.Info("info for both")

	if bytesContains(baseBuf.Bytes(), "debug only message") {
		t.Error("DEBUG message should not appear in base handler with INFO level")
	}
	if !bytesContains(baseBuf.Bytes(), "info for both") {
		t.Error("INFO message missing from base handler")
	}

	records := ring.Records()
	if len(records) != 2 {
		t.Fatalf("expected both records captured in the ring, got %d", len(records))
	}
	if records[0].Message != "debug only message" || records[1].Message != "info for both" {
		t.Errorf("unexpected record order: %+v", records)
	}
}

func TestNewSessionLogger_WithAttrs(t *testing.T) {
	base := slog.New(slog.NewJSONHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelDebug}))
	logger, ring := NewSessionLogger(base, 0)

	enriched := logger.With("session", "sess-attrs", "mode", "parallel")
	enriched.Info("enriched message")

	records := ring.Records()
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	if records[0].Attrs["session"] != "sess-attrs" || records[0].Attrs["mode"] != "parallel" {
		t.Errorf("expected inherited attrs in ring record, got %v", records[0].Attrs)
	}
}

func TestSessionLog_EvictsOldestOnceFull(t *testing.T) {
	base := slog.New(slog.NewJSONHandler(&bytes.Buffer{}, nil))
	logger, ring := NewSessionLogger(base, 2)

	logger.Info("first")
	logger.Info("second")
	logger.Info("third")

	records := ring.Records()
	if len(records) != 2 {
		t.Fatalf("expected ring capped at capacity 2, got %d", len(records))
	}
	if records[0].Message != "second" || records[1].Message != "third" {
		t.Errorf("expected oldest record evicted, got %+v", records)
	}
}

func bytesContains(b []byte, s string) bool {
	return bytes.Contains(b, []byte(s))
}
