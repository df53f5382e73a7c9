// Package ingestionstream implements one streaming RPC worker: it pulls
// wire messages from a supplier, forwards them over a transport
// ForwardHandle, and collects responses until the stream completes.
//
// Grounded on the teacher's Dispatcher/ParallelStream sender goroutine
// (internal/agent/dispatcher.go, startSenderWithRetry): one goroutine
// per stream pulling from a shared buffer and writing to a connection,
// with a done/err channel pair for the caller to join on. Unlike the
// teacher, a stream here makes no reconnection attempt on error — spec
// §1 excludes application-layer retry, so a transport failure simply
// marks the worker Errored and returns.
package ingestionstream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/osprey-dcs/dp-jal-sub001/internal/transport"
	"github.com/osprey-dcs/dp-jal-sub001/internal/wire"
)

// State is the IngestionStream worker's lifecycle state (spec §4.C).
type State int

const (
	Created State = iota
	Started
	Streaming
	HalfClosedByClient
	Completed
	Errored
)

func (s State) String() string {
	switch s {
	case Created:
		return "Created"
	case Started:
		return "Started"
	case Streaming:
		return "Streaming"
	case HalfClosedByClient:
		return "HalfClosedByClient"
	case Completed:
		return "Completed"
	case Errored:
		return "Errored"
	default:
		return "Unknown"
	}
}

// ErrTerminated is returned by Run if the worker was externally
// terminated before the loop could finish draining the supplier.
var ErrTerminated = errors.New("ingestionstream: terminated externally")

// Supplier is the consumer-facing half of the staging buffer, as seen
// by one stream worker: PollTimeout exactly as
// internal/staging.Buffer and internal/ingestframe.Processor expose
// it, kept as an interface so tests can substitute a fake.
type Supplier interface {
	PollTimeout(d time.Duration) *wire.Message
}

// SupplyObserver reports whether a supplier still has (or will have)
// more to offer. The Orchestrator's transfer task and the staging
// buffer jointly determine this; a worker only needs the predicate.
type SupplyObserver interface {
	IsSupplying() bool
}

const pollInterval = 15 * time.Millisecond

// ResponseSink receives responses for this worker's forwarded requests. One
// ResponseSink instance is shared by every worker in a channel's pool but
// records per-worker local state privately; ResponseSink
// implementations must be safe for concurrent use (spec §4.D
// "protected by distinct locks").
type ResponseSink interface {
	OnResponse(workerID int, resp *transport.Response)
	OnWorkerError(workerID int, err error)
}

// Stream is one streaming RPC worker.
type Stream struct {
	id       int
	mode     transport.StreamMode
	service  transport.RemoteService
	supplier Supplier
	observer SupplyObserver
	sink     ResponseSink

	mu         sync.Mutex
	state      State
	handle     transport.ForwardHandle
	forwarded  []wire.RequestUID
	lastErr    error
	doneCh     chan struct{}
	doneOnce   sync.Once
	terminated bool
}

// New constructs a Stream bound to one transport connection, pulling
// from supplier/observer and delivering responses to sink.
func New(id int, mode transport.StreamMode, service transport.RemoteService, supplier Supplier, observer SupplyObserver, sink ResponseSink) *Stream {
	return &Stream{
		id:       id,
		mode:     mode,
		service:  service,
		supplier: supplier,
		observer: observer,
		sink:     sink,
		state:    Created,
		doneCh:   make(chan struct{}),
	}
}

// ID reports this worker's index within its owning IngestionChannel's
// pool, stable for the worker's lifetime.
func (s *Stream) ID() int {
	return s.id
}

// State reports the worker's current lifecycle state.
func (s *Stream) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ForwardedCount reports how many requests this worker has forwarded.
func (s *Stream) ForwardedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.forwarded)
}

// ForwardedUIDs returns the UIDs this worker has forwarded so far.
func (s *Stream) ForwardedUIDs() []wire.RequestUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]wire.RequestUID(nil), s.forwarded...)
}

// responseCallback adapts transport.ResponseCallback to this worker.
type responseCallback struct{ s *Stream }

func (c responseCallback) OnNext(resp *transport.Response) {
	c.s.sink.OnResponse(c.s.id, resp)
}

func (c responseCallback) OnError(cause error) {
	c.s.mu.Lock()
	c.s.lastErr = cause
	c.s.state = Errored
	c.s.mu.Unlock()
	c.s.sink.OnWorkerError(c.s.id, cause)
	c.s.release()
}

func (c responseCallback) OnCompleted() {
	c.s.mu.Lock()
	if c.s.state != Errored {
		c.s.state = Completed
	}
	c.s.mu.Unlock()
	c.s.release()
}

func (s *Stream) release() {
	s.doneOnce.Do(func() { close(s.doneCh) })
}

// Run opens the RPC and drives the send loop (spec §4.C Contract
// steps 1-4). It returns when the stream has fully completed, either
// normally or with an error; Run never retries.
func (s *Stream) Run(ctx context.Context) error {
	var handle transport.ForwardHandle
	var err error

	switch s.mode {
	case transport.StreamBidirectional:
		handle, err = s.service.IngestDataBidiStream(ctx, responseCallback{s})
	default:
		handle, err = s.service.IngestDataStream(ctx, responseCallback{s})
	}
	if err != nil {
		s.mu.Lock()
		s.state = Errored
		s.lastErr = err
		s.mu.Unlock()
		return fmt.Errorf("ingestionstream %d: opening stream: %w", s.id, err)
	}

	s.mu.Lock()
	s.handle = handle
	s.state = Started
	s.mu.Unlock()

	for {
		s.mu.Lock()
		terminated := s.terminated
		s.mu.Unlock()
		if terminated {
			return ErrTerminated
		}

		m := s.supplier.PollTimeout(pollInterval)
		if m == nil {
			if !s.observer.IsSupplying() {
				break
			}
			continue
		}

		s.mu.Lock()
		if s.state == Started {
			s.state = Streaming
		}
		s.mu.Unlock()

		if err := handle.Send(m); err != nil {
			s.mu.Lock()
			s.state = Errored
			s.lastErr = err
			s.mu.Unlock()
			s.sink.OnWorkerError(s.id, err)
			return fmt.Errorf("ingestionstream %d: send: %w", s.id, err)
		}

		s.mu.Lock()
		s.forwarded = append(s.forwarded, m.UID)
		s.mu.Unlock()
	}

	s.mu.Lock()
	s.state = HalfClosedByClient
	s.mu.Unlock()

	if err := handle.HalfClose(); err != nil {
		s.mu.Lock()
		s.state = Errored
		s.lastErr = err
		s.mu.Unlock()
		s.sink.OnWorkerError(s.id, err)
		return fmt.Errorf("ingestionstream %d: half-close: %w", s.id, err)
	}

	<-s.doneCh

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Errored {
		return fmt.Errorf("ingestionstream %d: %w", s.id, s.lastErr)
	}
	return nil
}

// Terminate externally aborts the worker: sets the error flag, sends
// onError to the transport, and releases the completion latch.
// Idempotent (spec §4.C "External termination").
func (s *Stream) Terminate(cause error) {
	s.mu.Lock()
	if s.terminated {
		s.mu.Unlock()
		return
	}
	s.terminated = true
	s.state = Errored
	if s.lastErr == nil {
		s.lastErr = cause
	}
	handle := s.handle
	s.mu.Unlock()

	if handle != nil {
		_ = handle.ErrorClose(cause)
	}
	s.release()
}
