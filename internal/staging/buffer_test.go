package staging

import (
	"sync"
	"testing"
	"time"

	"github.com/osprey-dcs/dp-jal-sub001/internal/wire"
)

func msg(payload int) *wire.Message {
	return wire.NewMessage("prov1", wire.NewRequestUID(), make([]byte, payload), false)
}

func TestBuffer_OfferTake_Ordering(t *testing.T) {
	b := NewBuffer(1 << 20)
	b.Activate()

	m1, m2, m3 := msg(10), msg(20), msg(30)
	if err := b.OfferAll([]*wire.Message{m1, m2, m3}); err != nil {
		t.Fatalf("offer: %v", err)
	}

	for _, want := range []*wire.Message{m1, m2, m3} {
		got := b.Take()
		if got != want {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestBuffer_AllocationAccounting(t *testing.T) {
	b := NewBuffer(1 << 20)
	b.Activate()

	m1, m2 := msg(100), msg(200)
	b.Offer(m1)
	b.Offer(m2)

	want := m1.SerializedSize() + m2.SerializedSize()
	if got := b.GetQueueAllocation(); got != want {
		t.Fatalf("expected allocation %d, got %d", want, got)
	}

	b.Take()
	if got := b.GetQueueAllocation(); got != m2.SerializedSize() {
		t.Fatalf("expected allocation %d after one take, got %d", m2.SerializedSize(), got)
	}
}

func TestBuffer_BackPressureBlocksOffer(t *testing.T) {
	b := NewBuffer(msg(10).SerializedSize())
	b.EnableBackPressure()
	b.Activate()

	if err := b.Offer(msg(10)); err != nil {
		t.Fatalf("first offer: %v", err)
	}

	offered := make(chan struct{})
	go func() {
		b.Offer(msg(10))
		close(offered)
	}()

	select {
	case <-offered:
		t.Fatal("offer returned while at capacity; expected it to block")
	case <-time.After(50 * time.Millisecond):
	}

	b.Take()

	select {
	case <-offered:
	case <-time.After(time.Second):
		t.Fatal("offer never unblocked after a take freed capacity")
	}
}

func TestBuffer_DisableBackPressureNeverBlocks(t *testing.T) {
	cap := msg(10).SerializedSize()
	b := NewBuffer(cap)
	b.EnableBackPressure()
	b.Activate()

	b.Offer(msg(10))
	b.DisableBackPressure()

	done := make(chan error, 1)
	go func() { done <- b.Offer(msg(10)) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("offer: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("offer blocked despite backpressure disabled")
	}
}

func TestBuffer_OfferTimeout_Expires(t *testing.T) {
	b := NewBuffer(msg(10).SerializedSize())
	b.EnableBackPressure()
	b.Activate()

	b.Offer(msg(10))

	ok, err := b.OfferTimeout(msg(10), 30*time.Millisecond)
	if err != nil {
		t.Fatalf("offer timeout: %v", err)
	}
	if ok {
		t.Fatal("expected OfferTimeout to expire while buffer is full")
	}
}

func TestBuffer_AwaitQueueEmpty_UnblocksAfterLastTake(t *testing.T) {
	b := NewBuffer(1 << 20)
	b.Activate()
	b.Offer(msg(10))

	var wg sync.WaitGroup
	wg.Add(1)
	done := make(chan struct{})
	go func() {
		defer wg.Done()
		b.AwaitQueueEmpty()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("AwaitQueueEmpty returned before the queue drained")
	case <-time.After(30 * time.Millisecond):
	}

	b.Take()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("AwaitQueueEmpty never unblocked after drain")
	}
	wg.Wait()
}

func TestBuffer_Shutdown_DrainsThenTerminates(t *testing.T) {
	b := NewBuffer(1 << 20)
	b.Activate()
	b.Offer(msg(10))
	b.Offer(msg(20))

	shutdownDone := make(chan struct{})
	go func() {
		b.Shutdown()
		close(shutdownDone)
	}()

	// Shutdown should not complete until both queued messages are taken.
	select {
	case <-shutdownDone:
		t.Fatal("Shutdown returned before queue drained")
	case <-time.After(30 * time.Millisecond):
	}

	if m := b.Take(); m == nil {
		t.Fatal("expected a message during graceful shutdown drain")
	}
	if m := b.Take(); m == nil {
		t.Fatal("expected second message during graceful shutdown drain")
	}

	select {
	case <-shutdownDone:
	case <-time.After(time.Second):
		t.Fatal("Shutdown never completed after drain")
	}

	if !b.IsTerminated() {
		t.Fatal("expected buffer to be terminated after Shutdown")
	}
	if got := b.Take(); got != nil {
		t.Fatalf("expected nil Take after terminated shutdown, got %v", got)
	}
	if err := b.Offer(msg(10)); err != ErrClosed {
		t.Fatalf("expected ErrClosed offering to a shut-down buffer, got %v", err)
	}
}

func TestBuffer_ShutdownNow_ClearsImmediately(t *testing.T) {
	b := NewBuffer(1 << 20)
	b.Activate()
	b.Offer(msg(10))
	b.Offer(msg(20))

	b.ShutdownNow()

	if !b.IsTerminated() {
		t.Fatal("expected terminated immediately after ShutdownNow")
	}
	if got := b.GetQueueSize(); got != 0 {
		t.Fatalf("expected queue cleared, got size %d", got)
	}
	if got := b.GetQueueAllocation(); got != 0 {
		t.Fatalf("expected allocation reset to 0, got %d", got)
	}
	if got := b.Take(); got != nil {
		t.Fatalf("expected nil Take after ShutdownNow, got %v", got)
	}
	if err := b.Offer(msg(10)); err != ErrClosed {
		t.Fatalf("expected ErrClosed offering after ShutdownNow, got %v", err)
	}
}

func TestBuffer_PollTimeout_ExpiresOnEmptyQueue(t *testing.T) {
	b := NewBuffer(1 << 20)
	b.Activate()

	if got := b.PollTimeout(20 * time.Millisecond); got != nil {
		t.Fatalf("expected nil on empty queue, got %v", got)
	}
}

func TestBuffer_Poll_NonBlocking(t *testing.T) {
	b := NewBuffer(1 << 20)
	b.Activate()

	if got := b.Poll(); got != nil {
		t.Fatalf("expected nil poll on empty queue, got %v", got)
	}

	m := msg(10)
	b.Offer(m)
	if got := b.Poll(); got != m {
		t.Fatalf("expected %v, got %v", m, got)
	}
}
