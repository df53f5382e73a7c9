package ingestframe

import (
	"sync"
	"testing"
	"time"

	"github.com/osprey-dcs/dp-jal-sub001/internal/wire"
)

// slowFrame wraps a TableFrame and blocks inside Bisect until the test
// releases it, so a test can reliably catch a decompose worker mid-split
// — after it has dequeued from the processor's in channel but before any
// piece has reached mid.
type slowFrame struct {
	*TableFrame
	startOnce sync.Once
	started   chan struct{}
	release   <-chan struct{}
}

func (f *slowFrame) Bisect() (Frame, Frame) {
	f.startOnce.Do(func() { close(f.started) })
	<-f.release
	return f.TableFrame.Bisect()
}

func sampleFrame(rows int, uid string) *TableFrame {
	ts := make([]int64, rows)
	col := make([]float64, rows)
	for i := 0; i < rows; i++ {
		ts[i] = int64(i)
		col[i] = float64(i)
	}
	f := &TableFrame{
		Columns:    map[string][]float64{"signal": col},
		Timestamps: ts,
		Metadata:   map[string]string{"label": "test"},
	}
	if uid != "" {
		f.UID = wire.RequestUID(uid)
	}
	return f
}

func drainAll(p *Processor, timeout time.Duration) []string {
	var uids []string
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		m := p.PollTimeout(20 * time.Millisecond)
		if m == nil {
			if !p.IsSupplying() {
				break
			}
			continue
		}
		uids = append(uids, string(m.UID))
	}
	return uids
}

func TestProcessor_SmallFrame_NoDecomposition(t *testing.T) {
	p := NewProcessor()
	p.SetProvider("prov1")
	p.SetFrameDecomposition(4 << 20) // 4MB, frame is far smaller
	if err := p.Activate(); err != nil {
		t.Fatalf("activate: %v", err)
	}

	if err := p.Submit(sampleFrame(10, "u1")); err != nil {
		t.Fatalf("submit: %v", err)
	}
	p.Shutdown()

	uids := drainAll(p, time.Second)
	if len(uids) != 1 || uids[0] != "u1" {
		t.Fatalf("expected [u1], got %v", uids)
	}
}

func TestProcessor_Decomposition(t *testing.T) {
	p := NewProcessor()
	p.SetProvider("prov1")
	// Force a tiny byte budget so a 1000-row frame must be decomposed.
	p.SetFrameDecomposition(200)
	if err := p.Activate(); err != nil {
		t.Fatalf("activate: %v", err)
	}

	if err := p.Submit(sampleFrame(1000, "u1")); err != nil {
		t.Fatalf("submit: %v", err)
	}
	p.Shutdown()

	uids := drainAll(p, 2*time.Second)
	if len(uids) < 2 {
		t.Fatalf("expected multiple sub-messages, got %v", uids)
	}
	seen := make(map[string]bool)
	for _, u := range uids {
		if seen[u] {
			t.Fatalf("duplicate uid %s", u)
		}
		seen[u] = true
	}
}

func TestProcessor_SubmitBeforeActivate_Fails(t *testing.T) {
	p := NewProcessor()
	if err := p.Submit(sampleFrame(1, "")); err != ErrNotActive {
		t.Fatalf("expected ErrNotActive, got %v", err)
	}
}

func TestProcessor_ActivateWithoutProvider_Fails(t *testing.T) {
	p := NewProcessor()
	if err := p.Activate(); err != ErrNoProvider {
		t.Fatalf("expected ErrNoProvider, got %v", err)
	}
}

func TestProcessor_SetConcurrency_RejectsNonPositive(t *testing.T) {
	p := NewProcessor()
	if err := p.SetConcurrency(0); err != ErrBadConcurrency {
		t.Fatalf("expected ErrBadConcurrency for 0, got %v", err)
	}
	if err := p.SetConcurrency(-1); err != ErrBadConcurrency {
		t.Fatalf("expected ErrBadConcurrency for -1, got %v", err)
	}
}

func TestProcessor_SingleRowExceedsLimit_EmittedWithWarning(t *testing.T) {
	p := NewProcessor()
	p.SetProvider("prov1")
	p.SetFrameDecomposition(1) // impossibly small: even one row exceeds it
	if err := p.Activate(); err != nil {
		t.Fatalf("activate: %v", err)
	}

	if err := p.Submit(sampleFrame(1, "u1")); err != nil {
		t.Fatalf("submit: %v", err)
	}
	p.Shutdown()

	uids := drainAll(p, time.Second)
	if len(uids) != 1 {
		t.Fatalf("expected the oversized single row emitted once, got %v", uids)
	}
	if len(p.FailedDecompositions()) != 1 {
		t.Fatalf("expected one recorded decomposition failure, got %d", len(p.FailedDecompositions()))
	}
}

// TestProcessor_IsSupplying_TrueWhileWorkerMidBisect reproduces the
// CloseStream race: a decompose worker pulls the last frame off in and
// is blocked inside Bisect (non-trivial time for a large frame) at the
// exact moment the processor is shut down. With in/mid/out all reading
// empty, IsSupplying must still report true — a caller polling it must
// not conclude the processor is drained and stop reading before the
// split pieces it's about to produce ever reach out.
func TestProcessor_IsSupplying_TrueWhileWorkerMidBisect(t *testing.T) {
	p := NewProcessor()
	p.SetProvider("prov1")
	// Two rows, one column: 111 predicted bytes, so the frame must
	// split once; each resulting piece is a single row (95 bytes), which
	// cannot be split further and is emitted as is.
	p.SetFrameDecomposition(90)
	if err := p.Activate(); err != nil {
		t.Fatalf("activate: %v", err)
	}

	release := make(chan struct{})
	f := &slowFrame{
		TableFrame: sampleFrame(2, "u1"),
		started:    make(chan struct{}),
		release:    release,
	}
	if err := p.Submit(f); err != nil {
		t.Fatalf("submit: %v", err)
	}

	select {
	case <-f.started:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for decompose worker to enter Bisect")
	}

	// The worker has dequeued the only submitted frame and is blocked
	// inside Bisect; in, mid, and out are all empty right now.
	p.Shutdown()
	if !p.IsSupplying() {
		t.Fatal("IsSupplying must stay true while a worker is mid-Bisect, even with every channel empty")
	}
	if p.QueuesEmpty() {
		t.Fatal("QueuesEmpty must stay false while a worker holds undelivered decomposed output")
	}

	close(release)

	uids := drainAll(p, 2*time.Second)
	if len(uids) != 2 {
		t.Fatalf("expected both split pieces to reach the output, got %v", uids)
	}
	if p.IsSupplying() {
		t.Fatal("expected IsSupplying to report false once fully drained")
	}
}
