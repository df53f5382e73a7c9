// Package transport defines the remote-service-facing interfaces the
// ingestion pipeline drives but never implements: provider registration,
// streaming RPC handles, and response callbacks. The wire protocol, the
// RPC framework, and the concrete client stub all live outside this
// module; implementations are supplied by the caller (production) or by
// internal/remotesim (tests, demos).
package transport

import (
	"context"

	"github.com/osprey-dcs/dp-jal-sub001/internal/wire"
)

// ProviderRegistration is the request record for the one-time unary
// registration call that precedes opening a stream.
type ProviderRegistration struct {
	Name       string
	Attributes map[string]string
}

// ProviderRegistrar performs the unary provider-registration call and
// yields the ProviderUID to be set on the FrameProcessor.
type ProviderRegistrar interface {
	RegisterProvider(ctx context.Context, req ProviderRegistration) (wire.ProviderUID, error)
}

// StreamMode selects which RPC a RemoteService opens and how many
// responses a worker should expect per spec §4.C.
type StreamMode int

const (
	// StreamForward is unidirectional: many requests, at most one
	// terminal summary response.
	StreamForward StreamMode = iota
	// StreamBidirectional: one response per request.
	StreamBidirectional
)

func (m StreamMode) String() string {
	switch m {
	case StreamForward:
		return "FORWARD"
	case StreamBidirectional:
		return "BIDIRECTIONAL"
	default:
		return "UNKNOWN"
	}
}

// ForwardHandle is the client-side send half of an open ingestion
// stream.
type ForwardHandle interface {
	// Send transmits one wire message on the stream.
	Send(m *wire.Message) error
	// HalfClose signals that no further messages will be sent.
	HalfClose() error
	// ErrorClose aborts the stream with cause, used by terminate().
	ErrorClose(cause error) error
}

// ResponseCallback receives responses (and terminal events) for one
// open stream. Implementations of RemoteService invoke these on
// whatever goroutine delivers responses; callers are responsible for
// their own synchronization within the callback (spec §4.C "under the
// caller's synchronization").
type ResponseCallback interface {
	OnNext(resp *Response)
	OnError(cause error)
	OnCompleted()
}

// Response is one ingestion acknowledgement (bidirectional) or terminal
// summary (forward).
type Response struct {
	// RequestUIDs carries one UID in bidirectional mode, or the full set
	// of UIDs a forward-mode summary reports on.
	RequestUIDs []wire.RequestUID
	Success     bool
	Exception   *Exception
}

// Exception is the kind-tagged, human-readable exceptional result
// carried by a Response (spec §3 IngestionResponse).
type Exception struct {
	Kind    string
	Message string
}

// RemoteService is the abstracted streaming RPC surface an
// IngestionStream worker drives. Opening either stream kind yields a
// ForwardHandle; responses arrive asynchronously via the supplied
// ResponseCallback.
type RemoteService interface {
	IngestDataStream(ctx context.Context, cb ResponseCallback) (ForwardHandle, error)
	IngestDataBidiStream(ctx context.Context, cb ResponseCallback) (ForwardHandle, error)
}
