package ingestframe

import (
	"encoding/binary"
	"math"

	"github.com/osprey-dcs/dp-jal-sub001/internal/wire"
)

// TableFrame is a reference Frame implementation: a set of named
// float64 columns sampled at a common set of timestamps, plus string
// metadata (event labels / attributes). It is the frame type produced
// by cmd/ingest-producer and exercised by this module's tests; a real
// producer application would supply its own Frame implementation backed
// by its own generated schema types.
type TableFrame struct {
	Columns    map[string][]float64
	Timestamps []int64
	Metadata   map[string]string
	UID        wire.RequestUID // optional producer-assigned UID
}

// bytesPerSample approximates the serialized cost of one row: one int64
// timestamp plus one float64 per column.
func (f *TableFrame) bytesPerSample() int64 {
	return 8 + 8*int64(len(f.Columns))
}

// Rows implements Frame.
func (f *TableFrame) Rows() int {
	return len(f.Timestamps)
}

// SerializedAllocation implements Frame.
func (f *TableFrame) SerializedAllocation() int64 {
	fixed := int64(64) // metadata + column-name overhead, approximated
	for name := range f.Columns {
		fixed += int64(len(name))
	}
	for k, v := range f.Metadata {
		fixed += int64(len(k) + len(v))
	}
	return fixed + int64(f.Rows())*f.bytesPerSample()
}

// Bisect implements Frame.
func (f *TableFrame) Bisect() (Frame, Frame) {
	mid := f.Rows() / 2

	left := &TableFrame{
		Columns:    make(map[string][]float64, len(f.Columns)),
		Timestamps: append([]int64(nil), f.Timestamps[:mid]...),
		Metadata:   f.Metadata,
		UID:        f.UID,
	}
	right := &TableFrame{
		Columns:    make(map[string][]float64, len(f.Columns)),
		Timestamps: append([]int64(nil), f.Timestamps[mid:]...),
		Metadata:   f.Metadata,
		UID:        f.UID,
	}
	for name, col := range f.Columns {
		left.Columns[name] = append([]float64(nil), col[:mid]...)
		right.Columns[name] = append([]float64(nil), col[mid:]...)
	}
	return left, right
}

// RequestUID implements Frame.
func (f *TableFrame) RequestUID() (wire.RequestUID, bool) {
	if f.UID == "" {
		return "", false
	}
	return f.UID, true
}

// Marshal implements Frame. The encoding is deliberately simple — a flat
// binary layout of timestamps followed by column data — standing in for
// the generated wire codec that a real Data Platform client would use.
func (f *TableFrame) Marshal() ([]byte, error) {
	buf := make([]byte, 0, f.SerializedAllocation())
	var tmp [8]byte

	binary.BigEndian.PutUint32(tmp[:4], uint32(f.Rows()))
	buf = append(buf, tmp[:4]...)

	for _, ts := range f.Timestamps {
		binary.BigEndian.PutUint64(tmp[:], uint64(ts))
		buf = append(buf, tmp[:]...)
	}
	for _, col := range f.Columns {
		for _, v := range col {
			binary.BigEndian.PutUint64(tmp[:], math.Float64bits(v))
			buf = append(buf, tmp[:]...)
		}
	}
	return buf, nil
}
