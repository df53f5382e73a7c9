package remotesim

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/osprey-dcs/dp-jal-sub001/internal/transport"
	"github.com/osprey-dcs/dp-jal-sub001/internal/wire"
)

// MemoryService is an in-process transport.RemoteService +
// transport.ProviderRegistrar fake: no network; in bidirectional mode
// each message is acknowledged inside Send, in forward mode one summary
// is delivered inside HalfClose, and a non-nil FailurePolicy turns the
// UIDs it names into failures. Used by this module's own
// package tests and by end-to-end tests that want a pipeline without a
// socket in the loop.
type MemoryService struct {
	onFail FailurePolicy

	mu      sync.Mutex
	streams []*memoryHandle
}

// NewMemoryService creates a MemoryService. onFail may be nil.
func NewMemoryService(onFail FailurePolicy) *MemoryService {
	return &MemoryService{onFail: onFail}
}

// RegisterProvider implements transport.ProviderRegistrar.
func (m *MemoryService) RegisterProvider(ctx context.Context, req transport.ProviderRegistration) (wire.ProviderUID, error) {
	return wire.ProviderUID(uuid.New().String()), nil
}

type memoryHandle struct {
	mode     transport.StreamMode
	cb       transport.ResponseCallback
	onFail   FailurePolicy
	mu       sync.Mutex
	forwarded []wire.RequestUID
	closed   bool
}

func (h *memoryHandle) Send(m *wire.Message) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrHandleClosed
	}
	h.forwarded = append(h.forwarded, m.UID)
	h.mu.Unlock()

	if h.mode == transport.StreamBidirectional {
		h.cb.OnNext(h.respond(m.UID))
	}
	return nil
}

func (h *memoryHandle) respond(uid wire.RequestUID) *transport.Response {
	if h.onFail != nil {
		if exc := h.onFail(uid); exc != nil {
			return &transport.Response{RequestUIDs: []wire.RequestUID{uid}, Success: false, Exception: exc}
		}
	}
	return &transport.Response{RequestUIDs: []wire.RequestUID{uid}, Success: true}
}

func (h *memoryHandle) HalfClose() error {
	h.mu.Lock()
	h.closed = true
	forwarded := append([]wire.RequestUID(nil), h.forwarded...)
	h.mu.Unlock()

	if h.mode != transport.StreamBidirectional {
		var failed []wire.RequestUID
		var exc *transport.Exception
		if h.onFail != nil {
			for _, uid := range forwarded {
				if e := h.onFail(uid); e != nil {
					failed = append(failed, uid)
					exc = e
				}
			}
		}
		if len(failed) > 0 {
			h.cb.OnNext(&transport.Response{RequestUIDs: failed, Success: false, Exception: exc})
		} else {
			h.cb.OnNext(&transport.Response{RequestUIDs: forwarded, Success: true})
		}
	}
	h.cb.OnCompleted()
	return nil
}

func (h *memoryHandle) ErrorClose(cause error) error {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
	return nil
}

// ErrHandleClosed is returned by Send after HalfClose/ErrorClose.
var ErrHandleClosed = &handleClosedError{}

type handleClosedError struct{}

func (*handleClosedError) Error() string { return "remotesim: handle already closed" }

func (m *MemoryService) open(mode transport.StreamMode, cb transport.ResponseCallback) (transport.ForwardHandle, error) {
	h := &memoryHandle{mode: mode, cb: cb, onFail: m.onFail}
	m.mu.Lock()
	m.streams = append(m.streams, h)
	m.mu.Unlock()
	return h, nil
}

// IngestDataStream implements transport.RemoteService (forward mode).
func (m *MemoryService) IngestDataStream(ctx context.Context, cb transport.ResponseCallback) (transport.ForwardHandle, error) {
	return m.open(transport.StreamForward, cb)
}

// IngestDataBidiStream implements transport.RemoteService (bidirectional
// mode).
func (m *MemoryService) IngestDataBidiStream(ctx context.Context, cb transport.ResponseCallback) (transport.ForwardHandle, error) {
	return m.open(transport.StreamBidirectional, cb)
}
