package importer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	mixload "github.com/mixload/mixload"
	"github.com/mixload/mixload/logger"
	"github.com/mixload/mixload/transform"
)

// countingServer accepts import batches and records their sizes and the
// event names in arrival order.
type countingServer struct {
	srv *httptest.Server

	mu         sync.Mutex
	batchSizes []int
	events     []string
}

func newCountingServer(t *testing.T) *countingServer {
	cs := &countingServer{}
	cs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		var recs []map[string]interface{}
		if err := json.Unmarshal(body, &recs); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		cs.mu.Lock()
		cs.batchSizes = append(cs.batchSizes, len(recs))
		for _, rec := range recs {
			if name, ok := rec["event"].(string); ok {
				cs.events = append(cs.events, name)
			}
		}
		cs.mu.Unlock()
		fmt.Fprintf(w, `{"code":200,"num_records_imported":%d}`, len(recs))
	}))
	t.Cleanup(cs.srv.Close)
	return cs
}

func (cs *countingServer) batches() []int {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	out := make([]int, len(cs.batchSizes))
	copy(out, cs.batchSizes)
	return out
}

func (cs *countingServer) eventNames() []string {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	out := make([]string, len(cs.events))
	copy(out, cs.events)
	return out
}

// paddedEvents builds n records whose encodings are roughly size bytes.
func paddedEvents(n, size int) []mixload.Record {
	pad := strings.Repeat("x", size)
	recs := make([]mixload.Record, n)
	for i := range recs {
		recs[i] = mixload.Record{
			"event":      fmt.Sprintf("e%d", i),
			"properties": map[string]interface{}{"pad": pad},
		}
	}
	return recs
}

func newTestMain() *Main {
	m := NewMain()
	m.SetLogger(logger.NopLogger)
	m.Token = "tok"
	return m
}

// A uniform stream of small events against the default bounds lands
// entirely in count-bounded batches.
func TestRunEndToEnd(t *testing.T) {
	cs := newCountingServer(t)

	m := newTestMain()
	m.BaseURL = cs.srv.URL
	m.SetSource(paddedEvents(10000, 200))

	sum, err := m.Run(context.Background())
	require.NoError(t, err)

	require.Equal(t, int64(10000), sum.Processed)
	require.Equal(t, int64(10000), sum.Success)
	require.Equal(t, int64(0), sum.Failed)
	require.Equal(t, int64(5), sum.Batches)
	require.Equal(t, []int{2000, 2000, 2000, 2000, 2000}, cs.batches())
	require.Equal(t, int64(5), sum.Requests)
}

func TestRunPreservesOrder(t *testing.T) {
	cs := newCountingServer(t)

	m := newTestMain()
	m.BaseURL = cs.srv.URL
	m.Workers = 1
	m.RecordsPerBatch = 10
	m.SetSource(paddedEvents(95, 10))

	_, err := m.Run(context.Background())
	require.NoError(t, err)

	names := cs.eventNames()
	require.Len(t, names, 95)
	for i, name := range names {
		require.Equal(t, fmt.Sprintf("e%d", i), name)
	}
}

func TestRunMaxRecords(t *testing.T) {
	cs := newCountingServer(t)

	m := newTestMain()
	m.BaseURL = cs.srv.URL
	m.MaxRecords = 50
	m.SetSource(paddedEvents(120, 10))

	sum, err := m.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(50), sum.Processed)
	require.Equal(t, int64(50), sum.Success)
}

func TestRunDryRun(t *testing.T) {
	m := NewMain() // no credentials on purpose
	m.DryRun = true
	m.RecordsPerBatch = 10
	m.SetSource(paddedEvents(25, 10))

	sum, err := m.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(25), sum.Processed)
	require.Equal(t, int64(25), sum.Success)
	require.Equal(t, int64(0), sum.Requests)

	out := m.DryRunRecords()
	require.Len(t, out, 25)
	for i, rec := range out {
		require.Equal(t, fmt.Sprintf("e%d", i), rec["event"])
	}
}

// Re-running a dry run over the same in-memory slice yields the same
// transformed output and leaves the caller's records untouched.
func TestRunDryRunRepeatable(t *testing.T) {
	src := []mixload.Record{
		{"event": "x", "properties": map[string]interface{}{"time": float64(1700000000)}},
	}

	m := NewMain()
	m.DryRun = true
	m.TimeOffset = 2
	m.SetSource(src)

	recTime := func(rec mixload.Record) interface{} {
		return rec["properties"].(map[string]interface{})["time"]
	}

	_, err := m.Run(context.Background())
	require.NoError(t, err)
	first := m.DryRunRecords()
	require.Len(t, first, 1)
	require.Equal(t, float64(1700007200), recTime(first[0]))

	_, err = m.Run(context.Background())
	require.NoError(t, err)
	second := m.DryRunRecords()
	require.Len(t, second, 1)
	require.Equal(t, float64(1700007200), recTime(second[0]))

	require.Equal(t, float64(1700000000), recTime(src[0]))
}

// Every drop reason plus success accounts for every processed record.
func TestRunCounterIdentity(t *testing.T) {
	m := NewMain()
	m.DryRun = true
	m.Dedupe = true
	m.EventWhitelist = []string{"keep"}

	src := []mixload.Record{
		{"event": "keep", "n": float64(1)},
		{},
		{"event": "drop-me"},
		{"event": "keep", "n": float64(1)}, // duplicate
		{"event": "keep", "n": float64(2)},
		nil,
	}
	m.SetSource(src)

	sum, err := m.Run(context.Background())
	require.NoError(t, err)

	accounted := sum.Success + sum.Failed + sum.Empty + sum.OutOfBounds +
		sum.Duplicates + sum.WhitelistSkipped + sum.BlacklistSkipped
	require.Equal(t, sum.Processed, accounted)
	require.Equal(t, int64(6), sum.Processed)
	require.Equal(t, int64(2), sum.Success)
	require.Equal(t, int64(2), sum.Empty)
	require.Equal(t, int64(1), sum.Duplicates)
	require.Equal(t, int64(1), sum.WhitelistSkipped)
}

func TestRunUserTransform(t *testing.T) {
	m := NewMain()
	m.DryRun = true
	m.SetSource(paddedEvents(3, 10))
	m.SetTransform(transform.One(func(rec mixload.Record) (mixload.Record, error) {
		rec["touched"] = true
		return rec, nil
	}))

	_, err := m.Run(context.Background())
	require.NoError(t, err)
	for _, rec := range m.DryRunRecords() {
		require.Equal(t, true, rec["touched"])
	}
}

// A transform error is fatal and aborts the run; the partial summary
// stays reachable through the job.
func TestRunTransformErrorFatal(t *testing.T) {
	m := NewMain()
	m.DryRun = true
	m.SetSource(paddedEvents(10, 10))
	m.SetTransform(func(rec mixload.Record) ([]mixload.Record, error) {
		if rec["event"] == "e3" {
			return nil, errors.New("bad record shape")
		}
		return []mixload.Record{rec}, nil
	})

	_, err := m.Run(context.Background())
	require.Error(t, err)
	var terr *mixload.TransformError
	require.ErrorAs(t, err, &terr)
	require.NotNil(t, m.Job())
	require.Equal(t, int64(4), m.Job().Processed())
}

// A rejected batch marks its records failed without aborting the run.
func TestRunRejectedBatchAbsorbed(t *testing.T) {
	var calls int64
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"code":400,"error":"invalid"}`)
			return
		}
		fmt.Fprint(w, `{"code":200,"num_records_imported":10}`)
	}))
	defer srv.Close()

	m := newTestMain()
	m.BaseURL = srv.URL
	m.Workers = 1
	m.RecordsPerBatch = 10
	m.SetSource(paddedEvents(20, 10))

	sum, err := m.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(10), sum.Success)
	require.Equal(t, int64(10), sum.Failed)
	require.Equal(t, int64(1), sum.ClientErrors)
	require.NotEmpty(t, sum.Errors)
}

func TestRunFromFile(t *testing.T) {
	cs := newCountingServer(t)

	path := filepath.Join(t.TempDir(), "events.jsonl")
	var sb strings.Builder
	for i := 0; i < 30; i++ {
		fmt.Fprintf(&sb, `{"event":"e%d"}`+"\n", i)
	}
	require.NoError(t, os.WriteFile(path, []byte(sb.String()), 0o644))

	m := newTestMain()
	m.BaseURL = cs.srv.URL
	m.File = path

	sum, err := m.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(30), sum.Success)
}

func TestRunWritesLogFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "summary.json")

	m := NewMain()
	m.DryRun = true
	m.LogFile = path
	m.SetSource(paddedEvents(5, 10))

	_, err := m.Run(context.Background())
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var sum mixload.Summary
	require.NoError(t, json.Unmarshal(data, &sum))
	require.Equal(t, int64(5), sum.Processed)
}

func TestRunNoSource(t *testing.T) {
	m := NewMain()
	m.DryRun = true
	_, err := m.Run(context.Background())
	require.Error(t, err)
	var srcErr *mixload.SourceError
	require.ErrorAs(t, err, &srcErr)
}

func TestConcurrencyAlias(t *testing.T) {
	cs := newCountingServer(t)

	m := newTestMain()
	m.BaseURL = cs.srv.URL
	m.Concurrency = 2
	m.SetSource(paddedEvents(10, 10))

	_, err := m.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, m.Job().Options.Workers)
}
