// Command ingest-producer is a demo producer application driving the
// ingestion pipeline end to end: it opens a session against a remote
// Ingestion Service (internal/remotesim or a compatible implementation),
// submits synthetic table frames, and closes the session, either once
// or on a recurring cron schedule.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/osprey-dcs/dp-jal-sub001/internal/config"
	"github.com/osprey-dcs/dp-jal-sub001/internal/ingestframe"
	"github.com/osprey-dcs/dp-jal-sub001/internal/logging"
	"github.com/osprey-dcs/dp-jal-sub001/internal/orchestrator"
	"github.com/osprey-dcs/dp-jal-sub001/internal/pki"
	"github.com/osprey-dcs/dp-jal-sub001/internal/remotesim"
	"github.com/osprey-dcs/dp-jal-sub001/internal/transport"
	"github.com/osprey-dcs/dp-jal-sub001/internal/wire"
)

func main() {
	configPath := flag.String("config", "/etc/ingest-producer/config.yaml", "path to config file")
	once := flag.Bool("once", false, "run a single ingestion session and exit (no cron schedule)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	logger, logCloser := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, "")
	defer logCloser.Close()

	tlsCfg, err := pki.NewClientTLSConfig(cfg.TLS.CACert, cfg.TLS.ClientCert, cfg.TLS.ClientKey)
	if err != nil {
		logger.Error("building client tls config", "error", err)
		os.Exit(1)
	}

	client := remotesim.NewClient(cfg.Remote.Address, tlsCfg)
	orch := orchestrator.New(client, client, logger, optionsFromConfig(cfg))

	if *once {
		if err := runSession(context.Background(), orch, cfg, logger); err != nil {
			logger.Error("ingestion session failed", "error", err)
			os.Exit(1)
		}
		return
	}

	runDaemon(orch, cfg, logger)
}

func optionsFromConfig(cfg *config.Config) orchestrator.Options {
	mode := transport.StreamForward
	if cfg.Stream.Type == "BIDIRECTIONAL" {
		mode = transport.StreamBidirectional
	}

	opts := orchestrator.Options{
		StreamMode:          mode,
		BackPressure:        cfg.Stream.Buffer.BackPressure,
		BufferCapacityBytes: cfg.Stream.Buffer.SizeRaw,
		RateLimitBytesPerSec: cfg.Ingest.RateLimitBytesPerSec,
	}
	if cfg.Stream.Concurrency.Enabled {
		opts.MultiStreamCount = cfg.Stream.Concurrency.MaxStreams
	}
	if cfg.Decompose.Active {
		opts.DecomposeMaxBytes = cfg.Decompose.MaxSizeRaw
	}
	if cfg.Concurrency.Active {
		opts.ConvertConcurrency = cfg.Concurrency.ThreadCount
	}
	if cfg.Wire.Compression.Enabled {
		if cfg.Wire.Compression.Mode == "zstd" {
			opts.Compression = wire.CompressionZstd
		} else {
			opts.Compression = wire.CompressionGzip
		}
		opts.CompressionBlocks = cfg.Wire.Compression.BlockWorkers
	}
	return opts
}

// runDaemon schedules runSession on cfg.Producer.Schedule, guarding
// against overlapping runs the same way the teacher's BackupJob does
// with a running flag, and stops gracefully on SIGINT/SIGTERM.
func runDaemon(orch *orchestrator.Orchestrator, cfg *config.Config, logger *slog.Logger) {
	var running atomic.Bool

	c := cron.New()
	_, err := c.AddFunc(cfg.Producer.Schedule, func() {
		if !running.CompareAndSwap(false, true) {
			logger.Warn("previous ingestion session still running, skipping this tick")
			return
		}
		defer running.Store(false)

		if err := runSession(context.Background(), orch, cfg, logger); err != nil {
			logger.Error("scheduled ingestion session failed", "error", err)
		}
	})
	if err != nil {
		logger.Error("registering cron schedule", "error", err, "schedule", cfg.Producer.Schedule)
		os.Exit(1)
	}

	logger.Info("ingest-producer daemon started", "schedule", cfg.Producer.Schedule, "remote", cfg.Remote.Address)
	c.Start()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	logger.Info("ingest-producer daemon stopping")
	stopCtx := c.Stop()
	<-stopCtx.Done()
}

// runSession opens one session, submits a burst of synthetic frames,
// and closes it, logging the aggregated result.
func runSession(ctx context.Context, orch *orchestrator.Orchestrator, cfg *config.Config, logger *slog.Logger) error {
	provider, err := orch.OpenStream(ctx, transport.ProviderRegistration{
		Name:       cfg.Producer.Name,
		Attributes: map[string]string{"producer": "ingest-producer"},
	})
	if err != nil {
		return fmt.Errorf("opening stream: %w", err)
	}
	logger.Info("session opened", "provider", provider)

	const framesPerSession = 10
	for i := 0; i < framesPerSession; i++ {
		frame := syntheticFrame(cfg.Producer.RowsPerFrame, i)
		if err := orch.Ingest(ctx, frame); err != nil {
			return fmt.Errorf("ingesting frame %d: %w", i, err)
		}
	}

	if err := orch.AwaitQueueEmpty(); err != nil {
		return fmt.Errorf("awaiting drain: %w", err)
	}

	result, err := orch.CloseStream()
	if err != nil {
		return fmt.Errorf("closing stream: %w", err)
	}

	logger.Info("session closed",
		"transmitted", len(result.Transmitted),
		"acknowledged", len(result.Acknowledged),
		"hasException", result.HasException(),
	)
	for _, exc := range result.Exceptions {
		logger.Warn("request exception", "requestUID", exc.UID, "kind", exc.Kind, "message", exc.Message)
	}
	return nil
}

// syntheticFrame builds a TableFrame carrying one sine-wave signal
// column sampled at 1ms intervals, standing in for a real producer
// application's own schema-backed Frame implementation.
func syntheticFrame(rows int, seq int) *ingestframe.TableFrame {
	if rows <= 0 {
		rows = 100
	}
	timestamps := make([]int64, rows)
	signal := make([]float64, rows)
	base := time.Now().UnixNano()
	for i := 0; i < rows; i++ {
		timestamps[i] = base + int64(i)*int64(time.Millisecond)
		signal[i] = math.Sin(float64(i) / 10.0)
	}
	return &ingestframe.TableFrame{
		Columns:    map[string][]float64{"signal": signal},
		Timestamps: timestamps,
		Metadata:   map[string]string{"sequence": fmt.Sprintf("%d", seq)},
	}
}
