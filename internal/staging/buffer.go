// Package staging implements the bounded, allocation-accounted
// producer/consumer queue that sits between the FrameProcessor and the
// IngestionChannel, enforcing backpressure.
//
// Grounded on the teacher's agent.RingBuffer: the same mutex-protected
// FIFO with two wake conditions (there: notFull/notEmpty; here:
// ready/empty), generalized from a fixed-size byte ring to a FIFO of
// *wire.Message with a running allocation counter instead of a fixed
// byte array. Waits are expressed with closed-and-replaced broadcast
// channels rather than sync.Cond, since several of this package's waits
// need a timeout and sync.Cond has no native support for one.
package staging

import (
	"container/list"
	"errors"
	"sync"
	"time"

	"github.com/osprey-dcs/dp-jal-sub001/internal/wire"
)

// ErrClosed is returned by Offer once the buffer has been shut down.
var ErrClosed = errors.New("staging: buffer is closed")

// Buffer is a bounded FIFO of wire.Message values with allocation
// accounting and backpressure.
type Buffer struct {
	mu sync.Mutex

	queue      *list.List
	allocation int64
	capacity   int64
	backpress  bool

	activated  bool
	shutdown   bool // graceful: refuse offers, keep serving takes
	hardStop   bool // hard: refuse offers, queue cleared
	terminated bool

	readyCh chan struct{} // closed+replaced whenever the "ready" condition may have changed
	emptyCh chan struct{} // closed+replaced whenever the "empty" condition may have changed
}

// NewBuffer creates an inactive Buffer with the given capacity in bytes.
// Capacity can be changed with SetCapacity before Activate.
func NewBuffer(capacityBytes int64) *Buffer {
	return &Buffer{
		queue:    list.New(),
		capacity: capacityBytes,
		readyCh:  make(chan struct{}),
		emptyCh:  make(chan struct{}),
	}
}

func (b *Buffer) wakeReadyLocked() {
	close(b.readyCh)
	b.readyCh = make(chan struct{})
}

func (b *Buffer) wakeEmptyLocked() {
	close(b.emptyCh)
	b.emptyCh = make(chan struct{})
}

// isReadyLocked reports whether a waiter blocked on backpressure may
// proceed: either the allocation has room, or the buffer is winding
// down.
func (b *Buffer) isReadyLocked() bool {
	return !b.backpress || b.allocation < b.capacity || b.shutdown || b.hardStop
}

// SetCapacity sets the maximum allocation (bytes) before backpressure
// engages.
func (b *Buffer) SetCapacity(bytes int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.capacity = bytes
	if b.isReadyLocked() {
		b.wakeReadyLocked()
	}
}

// EnableBackPressure makes Offer block when allocation >= capacity.
func (b *Buffer) EnableBackPressure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.backpress = true
}

// DisableBackPressure makes Offer never block, regardless of queue
// state.
func (b *Buffer) DisableBackPressure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.backpress = false
	b.wakeReadyLocked()
}

// HasBackPressure reports whether backpressure is currently enabled.
func (b *Buffer) HasBackPressure() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.backpress
}

// Activate marks the buffer ready to accept offers and takes.
func (b *Buffer) Activate() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.activated = true
}

// Offer adds one message, blocking while backpressure is active and
// allocation >= capacity. Returns ErrClosed if the buffer has been shut
// down.
func (b *Buffer) Offer(m *wire.Message) error {
	for {
		b.mu.Lock()
		if b.shutdown || b.hardStop {
			b.mu.Unlock()
			return ErrClosed
		}
		if b.isReadyLocked() {
			b.pushLocked(m)
			b.mu.Unlock()
			return nil
		}
		ch := b.readyCh
		b.mu.Unlock()
		<-ch
	}
}

// OfferAll adds multiple messages in order, applying the same
// backpressure semantics to each.
func (b *Buffer) OfferAll(msgs []*wire.Message) error {
	for _, m := range msgs {
		if err := b.Offer(m); err != nil {
			return err
		}
	}
	return nil
}

// OfferTimeout behaves like Offer but gives up after d, returning false
// if the wait expired without adding the message.
func (b *Buffer) OfferTimeout(m *wire.Message, d time.Duration) (bool, error) {
	deadline := time.Now().Add(d)

	for {
		b.mu.Lock()
		if b.shutdown || b.hardStop {
			b.mu.Unlock()
			return false, ErrClosed
		}
		if b.isReadyLocked() {
			b.pushLocked(m)
			b.mu.Unlock()
			return true, nil
		}
		ch := b.readyCh
		b.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false, nil
		}
		timer := time.NewTimer(remaining)
		select {
		case <-ch:
			timer.Stop()
		case <-timer.C:
			return false, nil
		}
	}
}

func (b *Buffer) pushLocked(m *wire.Message) {
	b.queue.PushBack(m)
	b.allocation += m.SerializedSize()
}

// Take blocks until a message is available, or the buffer has drained
// after a graceful Shutdown, in which case it returns nil.
func (b *Buffer) Take() *wire.Message {
	for {
		b.mu.Lock()
		if b.queue.Len() > 0 {
			m := b.popLocked()
			b.mu.Unlock()
			return m
		}
		if b.hardStop || b.shutdown {
			b.mu.Unlock()
			return nil
		}
		ch := b.emptyCh
		b.mu.Unlock()
		<-ch
	}
}

// Poll returns a message if one is immediately available, else nil.
// Polling never mutates allocation when it returns nil.
func (b *Buffer) Poll() *wire.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.queue.Len() == 0 {
		return nil
	}
	return b.popLocked()
}

// PollTimeout returns a message, waiting up to d; nil on expiry or
// drain.
func (b *Buffer) PollTimeout(d time.Duration) *wire.Message {
	deadline := time.Now().Add(d)

	for {
		b.mu.Lock()
		if b.queue.Len() > 0 {
			m := b.popLocked()
			b.mu.Unlock()
			return m
		}
		if b.hardStop || b.shutdown {
			b.mu.Unlock()
			return nil
		}
		ch := b.emptyCh
		b.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil
		}
		timer := time.NewTimer(remaining)
		select {
		case <-ch:
			timer.Stop()
		case <-timer.C:
			return nil
		}
	}
}

func (b *Buffer) popLocked() *wire.Message {
	front := b.queue.Front()
	if front == nil {
		return nil
	}
	b.queue.Remove(front)
	m := front.Value.(*wire.Message)
	b.allocation -= m.SerializedSize()

	if b.isReadyLocked() {
		b.wakeReadyLocked()
	}
	if b.queue.Len() == 0 {
		b.wakeEmptyLocked()
	}
	return m
}

// AwaitQueueReady blocks until allocation < capacity. Valid even when
// backpressure is disabled.
func (b *Buffer) AwaitQueueReady() {
	for {
		b.mu.Lock()
		if b.allocation < b.capacity || b.hardStop || b.shutdown {
			b.mu.Unlock()
			return
		}
		ch := b.readyCh
		b.mu.Unlock()
		<-ch
	}
}

// AwaitQueueEmpty blocks until the queue is empty.
func (b *Buffer) AwaitQueueEmpty() {
	for {
		b.mu.Lock()
		if b.queue.Len() == 0 {
			b.mu.Unlock()
			return
		}
		ch := b.emptyCh
		b.mu.Unlock()
		<-ch
	}
}

// GetQueueSize returns the number of queued messages.
func (b *Buffer) GetQueueSize() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.queue.Len()
}

// GetQueueAllocation returns the sum of serialized sizes of queued
// messages.
func (b *Buffer) GetQueueAllocation() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.allocation
}

// GetCapacity returns the configured capacity in bytes.
func (b *Buffer) GetCapacity() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.capacity
}

// Shutdown refuses new offers but keeps serving takes until the queue is
// empty, then marks the buffer terminated.
func (b *Buffer) Shutdown() {
	b.mu.Lock()
	b.shutdown = true
	b.wakeReadyLocked()
	b.wakeEmptyLocked()
	b.mu.Unlock()

	b.AwaitQueueEmpty()

	b.mu.Lock()
	b.terminated = true
	b.mu.Unlock()
}

// ShutdownNow refuses new offers, discards pending messages immediately,
// and wakes every waiter.
func (b *Buffer) ShutdownNow() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hardStop = true
	b.shutdown = true
	b.queue.Init()
	b.allocation = 0
	b.terminated = true
	b.wakeReadyLocked()
	b.wakeEmptyLocked()
}

// IsSupplying reports whether the buffer may still produce messages:
// either it has queued items now, or it has not yet been shut down and
// more could still be offered. Implements ingestionstream.SupplyObserver
// so the buffer can sit directly behind an IngestionChannel.
func (b *Buffer) IsSupplying() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.queue.Len() > 0 {
		return true
	}
	return !b.shutdown && !b.hardStop
}

// IsTerminated reports whether the buffer has fully shut down.
func (b *Buffer) IsTerminated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.terminated
}
