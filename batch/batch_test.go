package batch

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	mixload "github.com/mixload/mixload"
)

func enc(t *testing.T, rec mixload.Record) mixload.Encoded {
	t.Helper()
	data, err := json.Marshal(rec)
	require.NoError(t, err)
	return mixload.Encoded{Rec: rec, JSON: data}
}

// encN builds a record whose encoding is roughly size bytes.
func encN(t *testing.T, i, size int) mixload.Encoded {
	t.Helper()
	pad := strings.Repeat("x", size)
	return enc(t, mixload.Record{"event": fmt.Sprintf("e%d", i), "properties": map[string]interface{}{"pad": pad}})
}

func collect(bld *Builder, items []mixload.Encoded) []Batch {
	var out []Batch
	for _, it := range items {
		out = append(out, bld.Add(it)...)
	}
	return append(out, bld.Flush()...)
}

func TestBatchSizeMatchesPayload(t *testing.T) {
	b := Batch{Items: []mixload.Encoded{
		enc(t, mixload.Record{"event": "a"}),
		enc(t, mixload.Record{"event": "b"}),
	}}
	require.Equal(t, len(b.Payload()), b.Size())
	require.True(t, json.Valid(b.Payload()))

	empty := Batch{}
	require.Equal(t, 2, empty.Size())
}

func TestBuilderCountBound(t *testing.T) {
	bld := NewBuilder(10, 1<<20)
	var items []mixload.Encoded
	for i := 0; i < 35; i++ {
		items = append(items, enc(t, mixload.Record{"n": i}))
	}
	batches := collect(bld, items)
	require.Len(t, batches, 4)
	require.Equal(t, 10, batches[0].Len())
	require.Equal(t, 10, batches[1].Len())
	require.Equal(t, 10, batches[2].Len())
	require.Equal(t, 5, batches[3].Len())
}

func TestBuilderByteBound(t *testing.T) {
	const bytesPerBatch = 10_000
	bld := NewBuilder(100, bytesPerBatch)
	var items []mixload.Encoded
	for i := 0; i < 100; i++ {
		items = append(items, encN(t, i, 500))
	}
	batches := collect(bld, items)
	require.Greater(t, len(batches), 1)

	total := 0
	for _, b := range batches {
		require.LessOrEqual(t, b.Size(), bytesPerBatch)
		total += b.Len()
	}
	require.Equal(t, 100, total)
}

// A record larger than the byte bound on its own is emitted as an
// unsplit singleton, never dropped.
func TestBuilderOversizedRecord(t *testing.T) {
	const bytesPerBatch = 2_000_000
	bld := NewBuilder(2000, bytesPerBatch)

	items := []mixload.Encoded{
		encN(t, 0, 100),
		encN(t, 1, 3_000_000),
		encN(t, 2, 100),
	}
	batches := collect(bld, items)

	total := 0
	sawOversized := false
	for _, b := range batches {
		total += b.Len()
		if b.Size() > bytesPerBatch {
			require.Equal(t, 1, b.Len())
			sawOversized = true
		}
	}
	require.Equal(t, 3, total)
	require.True(t, sawOversized)
}

func TestBuilderPreservesOrder(t *testing.T) {
	bld := NewBuilder(7, 1<<20)
	var items []mixload.Encoded
	for i := 0; i < 50; i++ {
		items = append(items, enc(t, mixload.Record{"n": float64(i)}))
	}
	batches := collect(bld, items)

	i := 0
	for _, b := range batches {
		for _, rec := range b.Records() {
			require.Equal(t, float64(i), rec["n"])
			i++
		}
	}
	require.Equal(t, 50, i)
}

func TestBuilderFlushEmpty(t *testing.T) {
	bld := NewBuilder(10, 1<<20)
	require.Empty(t, bld.Flush())
	bld.Add(enc(t, mixload.Record{"n": 1}))
	require.Len(t, bld.Flush(), 1)
	// Window is consumed by Flush.
	require.Empty(t, bld.Flush())
}
