// Package batch groups the transformed record sequence into batches
// bounded by both record count and serialized byte size.
package batch

import (
	mixload "github.com/mixload/mixload"
)

// byteFillFraction is the greedy fill target when a count-bounded window
// overflows the byte bound: sub-batches are closed once adding another
// record would push them past this share of BytesPerBatch. This bounds
// worst-case fragmentation without full bin-packing and keeps every
// emitted batch under the bound.
const byteFillFraction = 0.95

// Batch is an ordered group of encoded records sent in one API call.
type Batch struct {
	Items []mixload.Encoded
}

// Len returns the record count.
func (b *Batch) Len() int { return len(b.Items) }

// Size returns the serialized byte length of the batch payload: the JSON
// array assembled from the cached per-record encodings.
func (b *Batch) Size() int {
	if len(b.Items) == 0 {
		return 2 // "[]"
	}
	n := 2 + len(b.Items) - 1 // brackets plus commas
	for _, it := range b.Items {
		n += len(it.JSON)
	}
	return n
}

// Payload assembles the JSON array body from the cached encodings, so the
// dispatched bytes are exactly what Size measured.
func (b *Batch) Payload() []byte {
	out := make([]byte, 0, b.Size())
	out = append(out, '[')
	for i, it := range b.Items {
		if i > 0 {
			out = append(out, ',')
		}
		out = append(out, it.JSON...)
	}
	return append(out, ']')
}

// Records returns the batch's records in order.
func (b *Batch) Records() []mixload.Record {
	recs := make([]mixload.Record, len(b.Items))
	for i, it := range b.Items {
		recs[i] = it.Rec
	}
	return recs
}

// Builder windows an ordered record sequence into batches. Add returns
// completed batches as windows fill; Flush returns the final partial
// window. Emission order is input order.
type Builder struct {
	recordsPerBatch int
	bytesPerBatch   int
	window          []mixload.Encoded
}

// NewBuilder returns a Builder with the given bounds.
func NewBuilder(recordsPerBatch, bytesPerBatch int) *Builder {
	if recordsPerBatch <= 0 {
		recordsPerBatch = mixload.DefaultRecordsPerBatch
	}
	if bytesPerBatch <= 0 {
		bytesPerBatch = mixload.DefaultBytesPerBatch
	}
	return &Builder{
		recordsPerBatch: recordsPerBatch,
		bytesPerBatch:   bytesPerBatch,
	}
}

// Add appends one record to the current window and returns any batches
// completed by it.
func (bld *Builder) Add(item mixload.Encoded) []Batch {
	bld.window = append(bld.window, item)
	if len(bld.window) < bld.recordsPerBatch {
		return nil
	}
	window := bld.window
	bld.window = nil
	return bld.partition(window)
}

// Flush completes the run: the remaining partial window becomes the final
// batch (or batches, if it overflows the byte bound).
func (bld *Builder) Flush() []Batch {
	if len(bld.window) == 0 {
		return nil
	}
	window := bld.window
	bld.window = nil
	return bld.partition(window)
}

// partition turns one count-bounded window into byte-bounded batches. A
// window already within the byte bound passes through unsplit; an
// overflowing window is re-partitioned greedily at byteFillFraction of
// the bound. A single record exceeding the bound on its own is emitted as
// an unsplit singleton.
func (bld *Builder) partition(window []mixload.Encoded) []Batch {
	whole := Batch{Items: window}
	if whole.Size() <= bld.bytesPerBatch {
		return []Batch{whole}
	}

	threshold := int(float64(bld.bytesPerBatch) * byteFillFraction)
	var out []Batch
	var cur []mixload.Encoded
	curSize := 2

	for _, item := range window {
		add := len(item.JSON)
		if len(cur) > 0 {
			add++ // comma
		}
		if len(cur) > 0 && curSize+add > threshold {
			out = append(out, Batch{Items: cur})
			cur = nil
			curSize = 2
			add = len(item.JSON)
		}
		cur = append(cur, item)
		curSize += add
	}
	if len(cur) > 0 {
		out = append(out, Batch{Items: cur})
	}
	return out
}
