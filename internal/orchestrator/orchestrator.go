// Package orchestrator is the single user-visible facade combining the
// FrameProcessor, StagingBuffer, IngestionChannel, and the background
// transfer task that couples the first two (spec §4.E).
//
// Grounded on the teacher's RunBackup/runParallelBackup
// (internal/agent/backup.go): the same "connect/register, spawn
// producer-to-buffer pump, run the stream pool, join everything, report
// a result" shape, minus resume/retry (spec §1 Non-goals) and TLS
// dialing (owned by the caller-supplied transport.RemoteService).
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/osprey-dcs/dp-jal-sub001/internal/hoststats"
	"github.com/osprey-dcs/dp-jal-sub001/internal/ingestframe"
	"github.com/osprey-dcs/dp-jal-sub001/internal/ingestionchannel"
	"github.com/osprey-dcs/dp-jal-sub001/internal/ingestionresult"
	"github.com/osprey-dcs/dp-jal-sub001/internal/logging"
	"github.com/osprey-dcs/dp-jal-sub001/internal/staging"
	"github.com/osprey-dcs/dp-jal-sub001/internal/transport"
	"github.com/osprey-dcs/dp-jal-sub001/internal/wire"
)

var (
	ErrStreamNotOpen = errors.New("orchestrator: stream not open")
	ErrAlreadyOpen   = errors.New("orchestrator: stream already open")
)

const transferPollInterval = 15 * time.Millisecond

// Options configures an Orchestrator at construction time. Anything
// zero-valued falls back to the pipeline defaults.
type Options struct {
	StreamMode           transport.StreamMode
	MultiStreamCount     int // 0 = single stream
	BackPressure         bool
	BufferCapacityBytes  int64
	DecomposeMaxBytes    int64 // 0 = decomposition disabled
	ConvertConcurrency   int   // 0 = single worker per stage
	Compression          wire.CompressionMode
	CompressionBlocks    int
	RateLimitBytesPerSec int64 // 0 = unlimited
	HostStatsInterval    time.Duration
	SessionLogCapacity   int // 0 = default ring size
}

// Orchestrator is the producer-facing entry point (spec §6 "producer-
// facing surface").
type Orchestrator struct {
	opts     Options
	registrar transport.ProviderRegistrar
	service  transport.RemoteService
	logger   *slog.Logger

	processor *ingestframe.Processor
	buffer    *staging.Buffer
	channel   *ingestionchannel.Channel
	limiter   *rate.Limiter
	monitor   *hoststats.HostMonitor

	mu         sync.Mutex
	open       bool
	provider   wire.ProviderUID
	sessionLog *logging.SessionLog

	transferWG  sync.WaitGroup
	transferErr error
	statsDone   chan struct{}
}

// New constructs an inactive Orchestrator. Call OpenStream to begin a
// session.
func New(registrar transport.ProviderRegistrar, service transport.RemoteService, logger *slog.Logger, opts Options) *Orchestrator {
	o := &Orchestrator{
		opts:      opts,
		registrar: registrar,
		service:   service,
		logger:    logger,
		monitor:   hoststats.New(logger),
	}
	if opts.RateLimitBytesPerSec > 0 {
		o.limiter = rate.NewLimiter(rate.Limit(opts.RateLimitBytesPerSec), int(opts.RateLimitBytesPerSec))
	}
	return o
}

// IsStreamOpen reports whether a session is currently open.
func (o *Orchestrator) IsStreamOpen() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.open
}

// OpenStream registers the provider, wires and activates the pipeline,
// and spawns the transfer task (spec §4.E openStream).
func (o *Orchestrator) OpenStream(ctx context.Context, reg transport.ProviderRegistration) (wire.ProviderUID, error) {
	o.mu.Lock()
	if o.open {
		o.mu.Unlock()
		return "", ErrAlreadyOpen
	}
	o.mu.Unlock()

	provider, err := o.registrar.RegisterProvider(ctx, reg)
	if err != nil {
		return "", fmt.Errorf("orchestrator: provider registration failed: %w", err)
	}

	processor := ingestframe.NewProcessor()
	processor.SetProvider(provider)
	if o.opts.DecomposeMaxBytes > 0 {
		processor.SetFrameDecomposition(o.opts.DecomposeMaxBytes)
	}
	if o.opts.ConvertConcurrency > 0 {
		_ = processor.SetConcurrency(o.opts.ConvertConcurrency)
	}
	if o.opts.Compression != wire.CompressionNone {
		processor.SetPayloadCompression(o.opts.Compression, o.opts.CompressionBlocks)
	}
	if err := processor.Activate(); err != nil {
		return "", fmt.Errorf("orchestrator: activating frame processor: %w", err)
	}

	capacity := o.opts.BufferCapacityBytes
	if capacity <= 0 {
		capacity = 256 << 20
	}
	buffer := staging.NewBuffer(capacity)
	if o.opts.BackPressure {
		buffer.EnableBackPressure()
	}
	buffer.Activate()

	channel := ingestionchannel.New(o.service, buffer, o.logger)
	if err := channel.SetStreamType(o.opts.StreamMode); err != nil {
		return "", fmt.Errorf("orchestrator: %w", err)
	}
	if o.opts.MultiStreamCount > 1 {
		if err := channel.SetMultipleStreams(o.opts.MultiStreamCount); err != nil {
			return "", fmt.Errorf("orchestrator: %w", err)
		}
	}
	if err := channel.Activate(); err != nil {
		return "", fmt.Errorf("orchestrator: activating ingestion channel: %w", err)
	}

	sessionLogger, sessionLog := logging.NewSessionLogger(o.logger, o.opts.SessionLogCapacity)

	o.mu.Lock()
	o.provider = provider
	o.processor = processor
	o.buffer = buffer
	o.channel = channel
	o.open = true
	o.transferErr = nil
	o.sessionLog = sessionLog
	o.mu.Unlock()

	o.monitor.Start()
	o.statsDone = make(chan struct{})
	go o.runStatsLoop(sessionLogger, o.statsDone)

	o.transferWG.Add(1)
	go o.runTransferTask(sessionLogger)

	return provider, nil
}

// Ingest submits one frame, honoring the configured ingest-rate
// throttle and buffer backpressure before handing it to the
// FrameProcessor (spec §4.E ingest).
func (o *Orchestrator) Ingest(ctx context.Context, f ingestframe.Frame) error {
	o.mu.Lock()
	open := o.open
	processor := o.processor
	buffer := o.buffer
	o.mu.Unlock()
	if !open {
		return ErrStreamNotOpen
	}

	if o.limiter != nil {
		if err := o.limiter.WaitN(ctx, int(f.SerializedAllocation())); err != nil {
			return fmt.Errorf("orchestrator: rate limit wait: %w", err)
		}
	}

	if buffer.HasBackPressure() {
		buffer.AwaitQueueReady()
	}

	return processor.Submit(f)
}

// IngestAll submits multiple frames, failing fast on the first
// rejection.
func (o *Orchestrator) IngestAll(ctx context.Context, frames []ingestframe.Frame) error {
	for _, f := range frames {
		if err := o.Ingest(ctx, f); err != nil {
			return err
		}
	}
	return nil
}

// AwaitQueueReady delegates to the staging buffer.
func (o *Orchestrator) AwaitQueueReady() error {
	o.mu.Lock()
	buffer := o.buffer
	o.mu.Unlock()
	if buffer == nil {
		return ErrStreamNotOpen
	}
	buffer.AwaitQueueReady()
	return nil
}

// AwaitQueueEmpty blocks until the buffer is empty AND the processor's
// internal stage queues are currently empty (spec §4.E "loop on
// buffer.awaitQueueEmpty() while processor.hasNext()"). Safe to call
// mid-session: it reports "drained as of right now", not "no further
// submissions will ever arrive".
func (o *Orchestrator) AwaitQueueEmpty() error {
	o.mu.Lock()
	buffer := o.buffer
	processor := o.processor
	o.mu.Unlock()
	if buffer == nil || processor == nil {
		return ErrStreamNotOpen
	}
	for {
		buffer.AwaitQueueEmpty()
		if processor.QueuesEmpty() {
			return nil
		}
		time.Sleep(transferPollInterval)
	}
}

// GetRequestIDs returns every RequestUID forwarded so far.
func (o *Orchestrator) GetRequestIDs() []wire.RequestUID {
	o.mu.Lock()
	channel := o.channel
	o.mu.Unlock()
	if channel == nil {
		return nil
	}
	return channel.GetRequestIDs()
}

func (o *Orchestrator) runTransferTask(logger *slog.Logger) {
	defer o.transferWG.Done()

	o.mu.Lock()
	processor := o.processor
	buffer := o.buffer
	o.mu.Unlock()

	for {
		m := processor.PollTimeout(transferPollInterval)
		if m == nil {
			if !processor.IsSupplying() {
				return
			}
			continue
		}
		if err := buffer.Offer(m); err != nil {
			err = fmt.Errorf("orchestrator: transfer task: %w", err)
			logger.Error("transfer task failed", "error", err)
			o.mu.Lock()
			o.transferErr = err
			o.mu.Unlock()
			return
		}
	}
}

func (o *Orchestrator) runStatsLoop(logger *slog.Logger, done <-chan struct{}) {
	interval := o.opts.HostStatsInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			o.mu.Lock()
			buffer := o.buffer
			channel := o.channel
			o.mu.Unlock()
			snap := o.monitor.Stats()
			logger.Info("pipeline stats",
				"cpuPercent", snap.CPUPercent,
				"memoryPercent", snap.MemoryPercent,
				"loadAverage", snap.LoadAverage,
				"bufferSize", buffer.GetQueueSize(),
				"bufferAllocation", buffer.GetQueueAllocation(),
				"requestCount", channel.GetRequestCount(),
				"responseCount", channel.GetResponseCount(),
			)
		}
	}
}

// SessionLogRecords returns the current session's captured log records
// for inclusion alongside IngestionResult diagnostics. Returns nil if no
// session has ever been opened.
func (o *Orchestrator) SessionLogRecords() []logging.Record {
	o.mu.Lock()
	sessionLog := o.sessionLog
	o.mu.Unlock()
	if sessionLog == nil {
		return nil
	}
	return sessionLog.Records()
}

// CloseStream drains the pipeline gracefully and returns the session's
// aggregated result (spec §4.E closeStream).
func (o *Orchestrator) CloseStream() (*ingestionresult.Result, error) {
	o.mu.Lock()
	if !o.open {
		o.mu.Unlock()
		return nil, ErrStreamNotOpen
	}
	processor := o.processor
	buffer := o.buffer
	channel := o.channel
	o.mu.Unlock()

	processor.Shutdown()
	o.transferWG.Wait()

	o.mu.Lock()
	transferErr := o.transferErr
	o.mu.Unlock()

	if transferErr != nil {
		buffer.ShutdownNow()
		channel.ShutdownNow()
		o.finish()
		return nil, fmt.Errorf("orchestrator: completion failure: %w", transferErr)
	}

	buffer.Shutdown()
	channel.Shutdown()
	result := channel.GetIngestionResult()
	o.finish()
	return result, nil
}

// CloseStreamNow hard-shuts-down everything and returns a best-effort
// partial result. Never errors (spec §4.E closeStreamNow).
func (o *Orchestrator) CloseStreamNow() *ingestionresult.Result {
	o.mu.Lock()
	if !o.open {
		o.mu.Unlock()
		return ingestionresult.NULL
	}
	processor := o.processor
	buffer := o.buffer
	channel := o.channel
	o.mu.Unlock()

	processor.ShutdownNow()
	buffer.ShutdownNow()
	channel.ShutdownNow()
	o.transferWG.Wait()

	result := channel.GetIngestionResult()
	o.finish()
	if result == nil {
		return ingestionresult.NULL
	}
	return result
}

func (o *Orchestrator) finish() {
	o.mu.Lock()
	o.open = false
	o.mu.Unlock()
	if o.statsDone != nil {
		close(o.statsDone)
		o.statsDone = nil
	}
	o.monitor.Stop()
}

// Shutdown closes any open session, then releases resources. Returns
// false if no session was open.
func (o *Orchestrator) Shutdown() bool {
	if !o.IsStreamOpen() {
		return false
	}
	_, _ = o.CloseStream()
	return true
}

// ShutdownNow force-closes any open session. Returns false if no
// session was open.
func (o *Orchestrator) ShutdownNow() bool {
	if !o.IsStreamOpen() {
		return false
	}
	o.CloseStreamNow()
	return true
}
