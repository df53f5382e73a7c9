// Package wire defines the serialized unit transmitted to the remote
// Ingestion Service and the identifiers that tag it.
//
// The wire schema itself — how a frame's columns are encoded into bytes —
// is an external concern (generated serialization code, out of scope for
// this module); Message only carries the already-serialized payload plus
// the bookkeeping the pipeline needs: who produced it, what request it
// belongs to, and how large it is on the wire.
package wire

import (
	"fmt"

	"github.com/google/uuid"
)

// ProviderUID identifies the producing data provider for the lifetime of
// one open session. Issued by the remote service's registration step.
type ProviderUID string

// RequestUID uniquely identifies one Message within a session.
type RequestUID string

// NewRequestUID generates a fresh request identifier. FrameProcessor uses
// this when the producer does not supply its own UID for a frame.
func NewRequestUID() RequestUID {
	return RequestUID(uuid.New().String())
}

// Sub returns the UID assigned to the k-th (1-based) sub-message produced
// by decomposing a single input frame. Decomposed children reuse the
// parent UID with a numeric suffix, e.g. "u1" -> "u1#1", "u1#2", ...
func (u RequestUID) Sub(k int) RequestUID {
	return RequestUID(fmt.Sprintf("%s#%d", u, k))
}

// overheadBytes approximates the fixed cost of the envelope fields
// (provider id, request id, auxiliary fields) around the payload, since
// the wire codec itself is generated elsewhere and not modeled here.
const overheadBytes = 64

// Message is the serialized unit transmitted to the remote service.
type Message struct {
	Provider ProviderUID
	UID      RequestUID
	Payload  []byte
	// Compressed reports whether Payload has been compressed by the
	// FrameProcessor's optional payload-compression stage.
	Compressed bool
}

// NewMessage builds a Message; its wire size is computed on demand by
// SerializedSize.
func NewMessage(provider ProviderUID, uid RequestUID, payload []byte, compressed bool) *Message {
	return &Message{
		Provider:   provider,
		UID:        uid,
		Payload:    payload,
		Compressed: compressed,
	}
}

// SerializedSize returns the Message's size on the wire in bytes, used by
// the StagingBuffer for allocation accounting.
func (m *Message) SerializedSize() int64 {
	if m == nil {
		return 0
	}
	return int64(len(m.Payload)) + overheadBytes
}
