// Package logging builds the structured loggers used throughout the
// ingestion pipeline: a process-wide logger configured from the
// logging.level/logging.format keys, and a per-session logger that
// additionally captures its own session's records for diagnostics.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// maxAttrValueLen bounds any single string-valued log attribute. The
// pipeline logs attribute values that originate from the remote
// Ingestion Service — most notably an IngestionResponse's Exception
// message (spec §3: "human-readable message", length unconstrained by
// the wire contract) — so a verbose or misbehaving remote must not be
// able to flood the log output or a session's diagnostic ring
// (internal/logging.SessionLog) with an unbounded single record.
const maxAttrValueLen = 2048

// NewLogger builds a slog.Logger at the given level and format, writing
// to stdout and, if filePath is non-empty, also to that file via
// io.MultiWriter. Supported formats: "json" (default), "text".
// Supported levels: "debug", "info" (default), "warn", "error".
// Every string-valued attribute is truncated to maxAttrValueLen before
// being handed to the handler.
// Returns the logger and an io.Closer that must be called on shutdown
// to flush and close the file; a no-op Closer is returned when filePath
// is empty.
func NewLogger(level, format, filePath string) (*slog.Logger, io.Closer) {
	lvl := parseLevel(level)
	opts := &slog.HandlerOptions{Level: lvl, ReplaceAttr: truncateAttr}

	var w io.Writer = os.Stdout
	var closer io.Closer = io.NopCloser(strings.NewReader(""))

	if filePath != "" {
		f, err := os.OpenFile(filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			// Can't open the log file: fall back to stdout-only rather than
			// failing startup over a logging misconfiguration.
			fmt.Fprintf(os.Stderr, "WARNING: could not open log file %q: %v (logging to stdout only)\n", filePath, err)
		} else {
			w = io.MultiWriter(os.Stdout, f)
			closer = f
		}
	}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = slog.NewJSONHandler(w, opts)
	}

	return slog.New(handler), closer
}

// truncateAttr caps string-valued attributes at maxAttrValueLen,
// appending the original length so the record still reports how much
// was cut. Non-string attributes (counts, durations, structured values)
// pass through unchanged.
func truncateAttr(groups []string, a slog.Attr) slog.Attr {
	if a.Value.Kind() != slog.KindString {
		return a
	}
	s := a.Value.String()
	if len(s) <= maxAttrValueLen {
		return a
	}
	a.Value = slog.StringValue(fmt.Sprintf("%s...(truncated, %d bytes total)", s[:maxAttrValueLen], len(s)))
	return a
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
