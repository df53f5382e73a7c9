// Package ingestionchannel coordinates a pool of IngestionStream workers
// sharing one transport connection and one message source, aggregating
// their responses into an IngestionResult.
//
// Grounded on the teacher's Dispatcher (internal/agent/dispatcher.go):
// the same "pool of workers draining toward a remote endpoint,
// activate/deactivate, wait-all-senders-with-timeout" shape, but
// workers here pull from a shared queue instead of the teacher's
// round-robin push (spec §4.D "no per-worker partitioning"), and no
// worker ever reconnects.
package ingestionchannel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/osprey-dcs/dp-jal-sub001/internal/ingestionresult"
	"github.com/osprey-dcs/dp-jal-sub001/internal/ingestionstream"
	"github.com/osprey-dcs/dp-jal-sub001/internal/transport"
	"github.com/osprey-dcs/dp-jal-sub001/internal/wire"
)

var (
	ErrBadStreamType  = errors.New("ingestionchannel: unsupported stream type")
	ErrBadStreamCount = errors.New("ingestionchannel: stream count must be > 0")
	ErrSourceNotReady = errors.New("ingestionchannel: source is not supplying")
	ErrAlreadyActive  = errors.New("ingestionchannel: already active")
)

// Supplier is the consumer-facing half of the staging buffer.
type Supplier interface {
	ingestionstream.Supplier
	ingestionstream.SupplyObserver
}

const defaultStreamCount = 1

// Channel is a pool of IngestionStream workers.
type Channel struct {
	mu          sync.Mutex
	streamType  transport.StreamMode
	streamCount int
	multiple    bool

	service  transport.RemoteService
	supplier Supplier

	active   bool
	shutOnce sync.Once
	workers  []*ingestionstream.Stream
	wg       sync.WaitGroup
	cancel   context.CancelFunc

	logger *slog.Logger

	// uniByWorker holds the one terminal summary response a forward-mode
	// worker produces, keyed by Stream.ID() rather than arrival order:
	// workers reply from independent goroutines (see
	// internal/remotesim.MemoryService), so an append-ordered slice
	// cannot be safely zipped back against per-worker forwarded UIDs.
	uniMu       sync.Mutex
	uniByWorker map[int]*transport.Response
	bidiMu      sync.Mutex
	bidi        []*transport.Response

	respCountMu sync.Mutex
	respCount   int
}

// New creates an inactive Channel bound to service/supplier, defaulting
// to a single forward-mode stream. A nil logger is replaced with one
// that discards output.
func New(service transport.RemoteService, supplier Supplier, logger *slog.Logger) *Channel {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Channel{
		service:     service,
		supplier:    supplier,
		streamType:  transport.StreamForward,
		streamCount: defaultStreamCount,
		logger:      logger,
		uniByWorker: make(map[int]*transport.Response),
	}
}

// SetStreamType selects forward or bidirectional mode. Any other value
// is rejected as a BadArgument (spec §8 "setStreamType(BACKWARD) raises
// BadArgument").
func (c *Channel) SetStreamType(mode transport.StreamMode) error {
	if mode != transport.StreamForward && mode != transport.StreamBidirectional {
		return ErrBadStreamType
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.streamType = mode
	return nil
}

// SetMultipleStreams enables n concurrent stream workers.
func (c *Channel) SetMultipleStreams(n int) error {
	if n <= 0 {
		return ErrBadStreamCount
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.multiple = true
	c.streamCount = n
	return nil
}

// DisableMultipleStreams reverts to a single worker.
func (c *Channel) DisableMultipleStreams() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.multiple = false
	c.streamCount = defaultStreamCount
}

// Activate spawns N workers (or 1 if multi-stream is disabled). Fails
// if the source is not supplying.
func (c *Channel) Activate() error {
	c.mu.Lock()
	if c.active {
		c.mu.Unlock()
		return ErrAlreadyActive
	}
	if !c.supplier.IsSupplying() {
		c.mu.Unlock()
		return ErrSourceNotReady
	}

	n := c.streamCount
	if !c.multiple {
		n = 1
	}
	mode := c.streamType
	c.active = true

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	workers := make([]*ingestionstream.Stream, n)
	for i := 0; i < n; i++ {
		workers[i] = ingestionstream.New(i, mode, c.service, c.supplier, c.supplier, c)
	}
	c.workers = workers
	c.mu.Unlock()

	for _, w := range workers {
		c.wg.Add(1)
		go func(w *ingestionstream.Stream) {
			defer c.wg.Done()
			_ = w.Run(ctx)
		}(w)
	}

	return nil
}

// IsActive reports whether the worker pool is currently running.
func (c *Channel) IsActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Shutdown waits indefinitely for the worker pool to drain naturally
// (spec §4.D graceful shutdown).
func (c *Channel) Shutdown() bool {
	return c.shutdown(0)
}

// ShutdownTimeout waits up to d for the worker pool to drain, then hard
// shuts down any stragglers.
func (c *Channel) ShutdownTimeout(d time.Duration) bool {
	return c.shutdown(d)
}

func (c *Channel) shutdown(timeout time.Duration) bool {
	first := false
	c.shutOnce.Do(func() {
		first = true
		c.mu.Lock()
		c.active = false
		c.mu.Unlock()

		done := make(chan struct{})
		go func() {
			c.wg.Wait()
			close(done)
		}()

		if timeout <= 0 {
			<-done
		} else {
			select {
			case <-done:
			case <-time.After(timeout):
				c.terminateWorkers(fmt.Errorf("ingestionchannel: shutdown timeout exceeded"))
				<-done
			}
		}
	})
	return first
}

// ShutdownNow cancels every worker's context and terminates them
// immediately, clearing accumulated responses.
func (c *Channel) ShutdownNow() bool {
	first := false
	c.shutOnce.Do(func() {
		first = true
		c.mu.Lock()
		c.active = false
		cancel := c.cancel
		c.mu.Unlock()

		c.terminateWorkers(errors.New("ingestionchannel: hard shutdown"))
		if cancel != nil {
			cancel()
		}
		c.wg.Wait()

		c.uniMu.Lock()
		c.uniByWorker = make(map[int]*transport.Response)
		c.uniMu.Unlock()
		c.bidiMu.Lock()
		c.bidi = nil
		c.bidiMu.Unlock()
	})
	return first
}

func (c *Channel) terminateWorkers(cause error) {
	c.mu.Lock()
	workers := c.workers
	c.mu.Unlock()
	for _, w := range workers {
		w.Terminate(cause)
	}
}

// OnResponse implements ingestionstream.ResponseSink, routing each
// response into the accumulator for this channel's configured mode.
// Forward-mode responses are recorded by the worker's own ID (spec §5
// "tracked locally per IngestionStream worker, not globally"), never by
// the order in which they happen to arrive, since forward-mode workers
// reply from independent goroutines.
func (c *Channel) OnResponse(workerID int, resp *transport.Response) {
	c.mu.Lock()
	mode := c.streamType
	c.mu.Unlock()

	if mode == transport.StreamBidirectional {
		c.bidiMu.Lock()
		c.bidi = append(c.bidi, resp)
		c.bidiMu.Unlock()
	} else {
		c.uniMu.Lock()
		if prev, ok := c.uniByWorker[workerID]; ok {
			c.logger.Warn("worker reported more than one forward-mode summary response",
				"workerID", workerID, "previous_success", prev.Success, "new_success", resp.Success)
		}
		c.uniByWorker[workerID] = resp
		c.uniMu.Unlock()
	}

	if resp.Exception != nil {
		c.logger.Warn("ingestion response carried an exception",
			"workerID", workerID, "kind", resp.Exception.Kind, "message", resp.Exception.Message)
	}

	c.respCountMu.Lock()
	c.respCount++
	c.respCountMu.Unlock()
}

// OnWorkerError implements ingestionstream.ResponseSink. Transport
// errors are fatal only to the offending worker (spec §7); they are not
// re-raised here.
func (c *Channel) OnWorkerError(workerID int, err error) {}

// GetRequestCount returns the total number of requests forwarded across
// all workers.
func (c *Channel) GetRequestCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, w := range c.workers {
		n += w.ForwardedCount()
	}
	return n
}

// GetRequestIDs returns every UID forwarded across all workers.
func (c *Channel) GetRequestIDs() []wire.RequestUID {
	c.mu.Lock()
	workers := append([]*ingestionstream.Stream(nil), c.workers...)
	c.mu.Unlock()

	var ids []wire.RequestUID
	for _, w := range workers {
		ids = append(ids, w.ForwardedUIDs()...)
	}
	return ids
}

// GetResponseCount returns the number of responses received so far,
// across both modes.
func (c *Channel) GetResponseCount() int {
	c.respCountMu.Lock()
	defer c.respCountMu.Unlock()
	return c.respCount
}

// GetIngestionUniResponses returns the forward-mode summary responses
// collected so far, in no particular order. Use
// getIngestionUniResponsesByWorker for reconciliation against a
// specific worker's forwarded UIDs.
func (c *Channel) GetIngestionUniResponses() []*transport.Response {
	c.uniMu.Lock()
	defer c.uniMu.Unlock()
	out := make([]*transport.Response, 0, len(c.uniByWorker))
	for _, resp := range c.uniByWorker {
		out = append(out, resp)
	}
	return out
}

// getIngestionUniResponsesByWorker returns a snapshot of the
// workerID-keyed forward-mode summary responses collected so far.
func (c *Channel) getIngestionUniResponsesByWorker() map[int]*transport.Response {
	c.uniMu.Lock()
	defer c.uniMu.Unlock()
	out := make(map[int]*transport.Response, len(c.uniByWorker))
	for id, resp := range c.uniByWorker {
		out[id] = resp
	}
	return out
}

// GetIngestionBidiResponses returns the bidirectional acknowledgements
// collected so far.
func (c *Channel) GetIngestionBidiResponses() []*transport.Response {
	c.bidiMu.Lock()
	defer c.bidiMu.Unlock()
	return append([]*transport.Response(nil), c.bidi...)
}

// GetIngestionResult reconciles transmitted UIDs against collected
// responses (spec §4.D "result aggregation"). Returns
// ingestionresult.NULL if nothing has happened yet.
func (c *Channel) GetIngestionResult() *ingestionresult.Result {
	transmitted := c.GetRequestIDs()

	c.mu.Lock()
	mode := c.streamType
	c.mu.Unlock()

	if len(transmitted) == 0 && c.GetResponseCount() == 0 {
		return ingestionresult.NULL
	}

	var acked []wire.RequestUID
	var exceptions []ingestionresult.Exception

	if mode == transport.StreamBidirectional {
		for _, resp := range c.GetIngestionBidiResponses() {
			for _, uid := range resp.RequestUIDs {
				if resp.Success && resp.Exception == nil {
					acked = append(acked, uid)
					continue
				}
				exceptions = append(exceptions, exceptionFrom(uid, resp))
			}
		}
	} else {
		// Forward mode: a summary with no exception list acknowledges every
		// UID that worker forwarded; a summary carrying an exception list
		// marks only the named UIDs as failed (spec §5 Open Question
		// decision). Each summary is reconciled against the UIDs its own
		// worker forwarded, keyed by Stream.ID() — never by the order
		// responses happened to arrive in, since workers reply from
		// independent goroutines under multi-stream forward mode.
		c.mu.Lock()
		workers := append([]*ingestionstream.Stream(nil), c.workers...)
		c.mu.Unlock()

		byWorker := c.getIngestionUniResponsesByWorker()
		for _, w := range workers {
			resp, ok := byWorker[w.ID()]
			if !ok {
				continue
			}
			forwarded := w.ForwardedUIDs()
			if resp.Success && resp.Exception == nil {
				acked = append(acked, forwarded...)
				continue
			}
			failed := make(map[wire.RequestUID]bool, len(resp.RequestUIDs))
			for _, uid := range resp.RequestUIDs {
				failed[uid] = true
				exceptions = append(exceptions, exceptionFrom(uid, resp))
			}
			for _, uid := range forwarded {
				if !failed[uid] {
					acked = append(acked, uid)
				}
			}
		}
	}

	return ingestionresult.Build(transmitted, acked, exceptions)
}

func exceptionFrom(uid wire.RequestUID, resp *transport.Response) ingestionresult.Exception {
	if resp.Exception != nil {
		return ingestionresult.Exception{UID: uid, Kind: resp.Exception.Kind, Message: resp.Exception.Message}
	}
	return ingestionresult.Exception{UID: uid, Kind: "unknown", Message: "response reported failure with no exception payload"}
}
