// Package ingestframe decomposes oversized producer-supplied ingestion
// frames and converts them into wire.Message values tagged with a unique
// request identifier.
package ingestframe

import "github.com/osprey-dcs/dp-jal-sub001/internal/wire"

// Frame is a producer-supplied tabular batch: named columns, a time
// domain, and metadata. The core treats it as an opaque value exposing
// only what the pipeline needs: its wire allocation, its row count (the
// decomposition axis), a way to bisect it along that axis, a way to
// marshal it into payload bytes, and an optional producer-assigned
// RequestUID.
//
// Wire-message schema definitions and generated serialization code are
// out of scope for this module; Marshal is expected to delegate to that
// external codec.
type Frame interface {
	// Rows reports the number of samples along the time axis. A Frame
	// with Rows() <= 1 cannot be split further.
	Rows() int

	// SerializedAllocation predicts this frame's serialized size in
	// bytes, used to decide whether decomposition is required.
	SerializedAllocation() int64

	// Bisect splits the frame into two sub-frames along the row axis,
	// left covering rows [0, mid) and right covering [mid, Rows()), such
	// that their concatenation loses no data and preserves original
	// temporal order. Only valid when Rows() > 1.
	Bisect() (left, right Frame)

	// RequestUID returns the producer-assigned request identifier, if
	// the producer supplied one.
	RequestUID() (wire.RequestUID, bool)

	// Marshal serializes the frame's payload bytes (the portion of the
	// wire message derived from frame data, not its envelope fields).
	Marshal() ([]byte, error)
}

// FrameError records a non-fatal failure encountered while decomposing
// or converting one (sub-)frame. Processing continues after one is
// recorded.
type FrameError struct {
	// UID is the request UID associated with the offending (sub-)frame,
	// when one had already been assigned.
	UID wire.RequestUID
	Err error
}

func (e FrameError) Error() string {
	if e.UID != "" {
		return string(e.UID) + ": " + e.Err.Error()
	}
	return e.Err.Error()
}

func (e FrameError) Unwrap() error { return e.Err }
