package mixload

import (
	"sync"
	"sync/atomic"
	"time"
)

// BatchResult is the per-batch outcome retained on the Job for later
// inspection: either a parsed API response or the error that exhausted the
// batch.
type BatchResult struct {
	Code     int    `json:"code"`
	Imported int    `json:"imported"`
	Failed   int    `json:"failed"`
	Body     string `json:"body,omitempty"`
	Err      string `json:"error,omitempty"`
}

// Job is the single shared mutable state of one import run. It is created
// once from merged options, threaded through every pipeline stage, and
// never reused across runs. All counter mutation is increment-only via
// atomics; the sample and result slices are guarded by a mutex, so the Job
// is safe under concurrent batch completion.
type Job struct {
	Options Options
	Started time.Time

	processed        int64
	empty            int64
	success          int64
	failed           int64
	retries          int64
	rateLimited      int64
	serverErrors     int64
	clientErrors     int64
	requests         int64
	batches          int64
	bytesProcessed   int64
	outOfBounds      int64
	duplicates       int64
	whiteListSkipped int64
	blackListSkipped int64

	mu        sync.Mutex
	batchLens []int
	results   []BatchResult
	errs      []string
	ended     time.Time
}

// NewJob creates the run state for one import. The options should already
// be merged and validated.
func NewJob(opts Options) *Job {
	return &Job{
		Options: opts,
		Started: time.Now(),
	}
}

func (j *Job) IncProcessed(n int64) int64 { return atomic.AddInt64(&j.processed, n) }
func (j *Job) IncEmpty(n int64) int64     { return atomic.AddInt64(&j.empty, n) }
func (j *Job) IncSuccess(n int64) int64   { return atomic.AddInt64(&j.success, n) }
func (j *Job) IncFailed(n int64) int64    { return atomic.AddInt64(&j.failed, n) }
func (j *Job) IncRetries(n int64) int64   { return atomic.AddInt64(&j.retries, n) }
func (j *Job) IncRateLimited(n int64) int64 {
	return atomic.AddInt64(&j.rateLimited, n)
}
func (j *Job) IncServerErrors(n int64) int64 {
	return atomic.AddInt64(&j.serverErrors, n)
}
func (j *Job) IncClientErrors(n int64) int64 {
	return atomic.AddInt64(&j.clientErrors, n)
}
func (j *Job) IncRequests(n int64) int64 { return atomic.AddInt64(&j.requests, n) }
func (j *Job) IncBatches(n int64) int64  { return atomic.AddInt64(&j.batches, n) }
func (j *Job) AddBytes(n int64) int64    { return atomic.AddInt64(&j.bytesProcessed, n) }
func (j *Job) IncOutOfBounds(n int64) int64 {
	return atomic.AddInt64(&j.outOfBounds, n)
}
func (j *Job) IncDuplicates(n int64) int64 {
	return atomic.AddInt64(&j.duplicates, n)
}
func (j *Job) IncWhitelistSkipped(n int64) int64 {
	return atomic.AddInt64(&j.whiteListSkipped, n)
}
func (j *Job) IncBlacklistSkipped(n int64) int64 {
	return atomic.AddInt64(&j.blackListSkipped, n)
}

func (j *Job) Processed() int64        { return atomic.LoadInt64(&j.processed) }
func (j *Job) Empty() int64            { return atomic.LoadInt64(&j.empty) }
func (j *Job) Success() int64          { return atomic.LoadInt64(&j.success) }
func (j *Job) Failed() int64           { return atomic.LoadInt64(&j.failed) }
func (j *Job) Retries() int64          { return atomic.LoadInt64(&j.retries) }
func (j *Job) RateLimited() int64      { return atomic.LoadInt64(&j.rateLimited) }
func (j *Job) ServerErrors() int64     { return atomic.LoadInt64(&j.serverErrors) }
func (j *Job) ClientErrors() int64     { return atomic.LoadInt64(&j.clientErrors) }
func (j *Job) Requests() int64         { return atomic.LoadInt64(&j.requests) }
func (j *Job) Batches() int64          { return atomic.LoadInt64(&j.batches) }
func (j *Job) BytesProcessed() int64   { return atomic.LoadInt64(&j.bytesProcessed) }
func (j *Job) OutOfBounds() int64      { return atomic.LoadInt64(&j.outOfBounds) }
func (j *Job) Duplicates() int64       { return atomic.LoadInt64(&j.duplicates) }
func (j *Job) WhitelistSkipped() int64 { return atomic.LoadInt64(&j.whiteListSkipped) }
func (j *Job) BlacklistSkipped() int64 { return atomic.LoadInt64(&j.blackListSkipped) }

// RecordBatchLen retains a batch-length sample for the average in the
// Summary.
func (j *Job) RecordBatchLen(n int) {
	j.mu.Lock()
	j.batchLens = append(j.batchLens, n)
	j.mu.Unlock()
}

// RecordResult retains a per-batch outcome.
func (j *Job) RecordResult(r BatchResult) {
	j.mu.Lock()
	j.results = append(j.results, r)
	if r.Err != "" {
		j.errs = append(j.errs, r.Err)
	}
	j.mu.Unlock()
}

// Results returns a copy of the retained per-batch outcomes.
func (j *Job) Results() []BatchResult {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]BatchResult, len(j.results))
	copy(out, j.results)
	return out
}

// Errors returns a copy of the retained per-batch error strings.
func (j *Job) Errors() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]string, len(j.errs))
	copy(out, j.errs)
	return out
}

// Finalize stamps the end time and produces the immutable Summary. It may
// be called more than once; the end time sticks at the first call, so a
// best-effort partial summary taken after a failure matches a later one.
func (j *Job) Finalize() *Summary {
	j.mu.Lock()
	if j.ended.IsZero() {
		j.ended = time.Now()
	}
	ended := j.ended
	lens := make([]int, len(j.batchLens))
	copy(lens, j.batchLens)
	errs := make([]string, len(j.errs))
	copy(errs, j.errs)
	results := make([]BatchResult, len(j.results))
	copy(results, j.results)
	j.mu.Unlock()

	return newSummary(j, ended, lens, results, errs)
}
