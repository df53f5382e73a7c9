package ingestframe

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/osprey-dcs/dp-jal-sub001/internal/wire"
)

// Errors surfaced immediately to callers (spec §7 Precondition / BadArgument).
var (
	ErrNotActive      = errors.New("ingestframe: processor is not active")
	ErrAlreadyActive  = errors.New("ingestframe: processor is already active")
	ErrNoProvider     = errors.New("ingestframe: provider uid not set")
	ErrBadConcurrency = errors.New("ingestframe: concurrency must be > 0")
)

const defaultQueueDepth = 256

// Processor decomposes oversized frames and converts them into wire
// messages, tagging each with a unique request identifier. It is the
// FrameProcessor of the design: a lazy, possibly-expanded producer of
// wire.Message values backed by two internal worker pools (decompose,
// convert), the same two-disjoint-worker-set shape the teacher's
// Dispatcher/sender-goroutine pair uses, generalized from a byte
// pipeline to a frame pipeline.
type Processor struct {
	mu sync.Mutex

	provider       wire.ProviderUID
	providerSet    bool
	maxBytes       int64 // 0 = decomposition disabled
	concurrency    int   // 0 = concurrency disabled (1 worker per stage)
	compression    wire.CompressionMode
	compressBlocks int

	active   atomic.Bool
	hardStop atomic.Bool

	// inFlight counts frames/pieces a worker has dequeued from a stage's
	// input channel but not yet handed off to the next stage (or, for a
	// convert worker, to out). len(in)/len(mid)/len(out) alone are blind
	// to this window — a worker mid-decomposeOne/Bisect can leave all
	// three channels reading empty while still holding undelivered
	// output — so IsSupplying/QueuesEmpty must consult this counter too.
	inFlight atomic.Int64

	inMu     sync.RWMutex
	inClosed bool
	in       chan Frame         // submitted frames awaiting decomposition
	mid      chan decomposedOne // decomposed sub-frames awaiting conversion
	out      chan *wire.Message // converted wire messages ready for take/poll

	failedDecompMu sync.Mutex
	failedDecomp   []FrameError
	failedConvMu   sync.Mutex
	failedConv     []FrameError

	decomposeWG  sync.WaitGroup
	convertWG    sync.WaitGroup
	shutdownOnce sync.Once
}

type decomposedOne struct {
	frame Frame
	base  wire.RequestUID
	index int // 1-based position within the parent frame's decomposition; 0 = not decomposed
}

// NewProcessor creates an inactive Processor. Callers must SetProvider
// before Activate.
func NewProcessor() *Processor {
	return &Processor{
		in:  make(chan Frame, defaultQueueDepth),
		mid: make(chan decomposedOne, defaultQueueDepth),
		out: make(chan *wire.Message, defaultQueueDepth),
	}
}

// SetProvider sets the provider UID tagged onto every converted message.
// Prerequisite to Activate.
func (p *Processor) SetProvider(provider wire.ProviderUID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.provider = provider
	p.providerSet = true
}

// SetFrameDecomposition bounds the predicted serialized size of output
// messages; frames larger than maxBytes are split.
func (p *Processor) SetFrameDecomposition(maxBytes int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.maxBytes = maxBytes
}

// DisableFrameDecomposition turns off decomposition: frames are
// converted whole regardless of size.
func (p *Processor) DisableFrameDecomposition() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.maxBytes = 0
}

// SetConcurrency enables n decompose workers and n convert workers
// (2n total). Must be called before Activate.
func (p *Processor) SetConcurrency(n int) error {
	if n <= 0 {
		return ErrBadConcurrency
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.concurrency = n
	return nil
}

// DisableConcurrency runs a single decompose worker and a single convert
// worker. This is the default.
func (p *Processor) DisableConcurrency() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.concurrency = 0
}

// SetPayloadCompression enables optional payload compression in the
// convert stage. mode == wire.CompressionNone disables it.
func (p *Processor) SetPayloadCompression(mode wire.CompressionMode, blockWorkers int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.compression = mode
	p.compressBlocks = blockWorkers
}

func (p *Processor) workerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.concurrency > 0 {
		return p.concurrency
	}
	return 1
}

// Activate spawns the decompose/convert worker pools and starts
// accepting submissions. Fails with ErrNoProvider if the provider UID
// was never set, ErrAlreadyActive if already active.
func (p *Processor) Activate() error {
	p.mu.Lock()
	if !p.providerSet {
		p.mu.Unlock()
		return ErrNoProvider
	}
	p.mu.Unlock()

	if !p.active.CompareAndSwap(false, true) {
		return ErrAlreadyActive
	}

	n := p.workerCount()
	p.decomposeWG.Add(n)
	for i := 0; i < n; i++ {
		go p.decomposeWorker()
	}
	p.convertWG.Add(n)
	for i := 0; i < n; i++ {
		go p.convertWorker()
	}

	// Closes `mid` once all decompose workers drain `in`, and `out` once
	// all convert workers drain `mid`, so Take/Poll observe completion
	// without a shared counter.
	go func() {
		p.decomposeWG.Wait()
		close(p.mid)
	}()
	go func() {
		p.convertWG.Wait()
		close(p.out)
	}()

	return nil
}

// Shutdown stops accepting submissions but keeps supplying already
// queued/decomposed output until drained.
func (p *Processor) Shutdown() {
	p.shutdownOnce.Do(func() {
		p.active.Store(false)
		p.inMu.Lock()
		p.inClosed = true
		close(p.in)
		p.inMu.Unlock()
	})
}

// ShutdownNow stops accepting submissions and drops queued-but-not-yet-
// converted work as fast as the worker pools can observe it.
func (p *Processor) ShutdownNow() {
	p.hardStop.Store(true)
	p.Shutdown()
}

// IsSupplying reports whether the processor is active, or inactive but
// still has queued/in-flight output, including work a worker has
// dequeued but not yet handed to the next stage.
func (p *Processor) IsSupplying() bool {
	if p.active.Load() {
		return true
	}
	return p.inFlight.Load() > 0 || len(p.in) > 0 || len(p.mid) > 0 || len(p.out) > 0
}

// HasNext is an alias for IsSupplying used by orchestrator drain loops.
func (p *Processor) HasNext() bool { return p.IsSupplying() }

// QueuesEmpty reports whether every internal stage queue is currently
// empty and no worker is mid-flight between stages, regardless of
// whether the processor is still accepting submissions. Used by the
// orchestrator to detect "fully drained as of right now" without
// waiting for Shutdown.
func (p *Processor) QueuesEmpty() bool {
	return p.inFlight.Load() == 0 && len(p.in) == 0 && len(p.mid) == 0 && len(p.out) == 0
}

// Submit enqueues a frame for processing. Fails if the processor is not
// active.
func (p *Processor) Submit(f Frame) error {
	if !p.active.Load() {
		return ErrNotActive
	}
	p.inMu.RLock()
	defer p.inMu.RUnlock()
	if p.inClosed {
		return ErrNotActive
	}
	p.in <- f
	return nil
}

// SubmitAll enqueues multiple frames; fails fast on the first rejection.
func (p *Processor) SubmitAll(frames []Frame) error {
	for _, f := range frames {
		if err := p.Submit(f); err != nil {
			return err
		}
	}
	return nil
}

// Take blocks until a wire.Message is available or the processor has
// fully drained, in which case it returns nil.
func (p *Processor) Take() *wire.Message {
	m, ok := <-p.out
	if !ok {
		return nil
	}
	return m
}

// Poll returns a wire.Message if one is immediately available, else nil.
func (p *Processor) Poll() *wire.Message {
	select {
	case m, ok := <-p.out:
		if !ok {
			return nil
		}
		return m
	default:
		return nil
	}
}

// PollTimeout returns a wire.Message, waiting up to d; nil on expiry or
// drain.
func (p *Processor) PollTimeout(d time.Duration) *wire.Message {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case m, ok := <-p.out:
		if !ok {
			return nil
		}
		return m
	case <-timer.C:
		return nil
	}
}

// FailedDecompositions returns frame-level decomposition exceptions
// recorded so far. Non-fatal; processing continued past each one.
func (p *Processor) FailedDecompositions() []FrameError {
	p.failedDecompMu.Lock()
	defer p.failedDecompMu.Unlock()
	return append([]FrameError(nil), p.failedDecomp...)
}

// FailedConversions returns frame-level conversion exceptions recorded
// so far. Non-fatal.
func (p *Processor) FailedConversions() []FrameError {
	p.failedConvMu.Lock()
	defer p.failedConvMu.Unlock()
	return append([]FrameError(nil), p.failedConv...)
}

func (p *Processor) decomposeWorker() {
	defer p.decomposeWG.Done()
	for f := range p.in {
		p.inFlight.Add(1)
		if p.hardStop.Load() {
			p.inFlight.Add(-1)
			continue
		}
		p.decomposeOne(f)
		p.inFlight.Add(-1)
	}
}

func (p *Processor) decomposeOne(f Frame) {
	base, hasUID := f.RequestUID()
	if !hasUID {
		base = wire.NewRequestUID()
	}

	p.mu.Lock()
	maxBytes := p.maxBytes
	p.mu.Unlock()

	pieces := p.decompose(f, maxBytes)

	if len(pieces) == 1 {
		p.mid <- decomposedOne{frame: pieces[0], base: base, index: 0}
		return
	}
	for i, piece := range pieces {
		p.mid <- decomposedOne{frame: piece, base: base, index: i + 1}
	}
}

// decompose recursively bisects f along the row axis until every piece's
// predicted serialized size fits maxBytes, or the piece is a single row
// (in which case it is emitted un-split and recorded as a non-fatal
// decomposition failure). Order-preserving: left half always precedes
// right half in the returned slice.
func (p *Processor) decompose(f Frame, maxBytes int64) []Frame {
	if maxBytes <= 0 || f.SerializedAllocation() <= maxBytes {
		return []Frame{f}
	}
	if f.Rows() <= 1 {
		uid, _ := f.RequestUID()
		p.recordDecompositionFailure(FrameError{
			UID: uid,
			Err: errors.New("ingestframe: single row exceeds maxBytes, emitting oversized"),
		})
		return []Frame{f}
	}
	left, right := f.Bisect()
	out := p.decompose(left, maxBytes)
	out = append(out, p.decompose(right, maxBytes)...)
	return out
}

func (p *Processor) recordDecompositionFailure(e FrameError) {
	p.failedDecompMu.Lock()
	p.failedDecomp = append(p.failedDecomp, e)
	p.failedDecompMu.Unlock()
}

func (p *Processor) recordConversionFailure(e FrameError) {
	p.failedConvMu.Lock()
	p.failedConv = append(p.failedConv, e)
	p.failedConvMu.Unlock()
}

func (p *Processor) convertWorker() {
	defer p.convertWG.Done()
	for d := range p.mid {
		p.inFlight.Add(1)
		if p.hardStop.Load() {
			p.inFlight.Add(-1)
			continue
		}
		p.convertOne(d)
		p.inFlight.Add(-1)
	}
}

func (p *Processor) convertOne(d decomposedOne) {
	uid := d.base
	if d.index > 0 {
		uid = d.base.Sub(d.index)
	}

	payload, err := d.frame.Marshal()
	if err != nil {
		p.recordConversionFailure(FrameError{UID: uid, Err: err})
		return
	}

	compressed := false
	p.mu.Lock()
	mode, blocks := p.compression, p.compressBlocks
	provider := p.provider
	p.mu.Unlock()

	if mode != wire.CompressionNone {
		out, cerr := wire.CompressWith(mode, payload, blocks)
		if cerr != nil {
			p.recordConversionFailure(FrameError{UID: uid, Err: cerr})
			return
		}
		payload = out
		compressed = true
	}

	p.out <- wire.NewMessage(provider, uid, payload, compressed)
}
