// Package importer wires the pipeline together: source resolution, the
// transform chain, batching, and concurrent dispatch, with the shared Job
// threaded through every stage. Stages run inside an errgroup connected
// by bounded channels, so the source can never run more than a buffer
// ahead of the slowest downstream stage.
package importer

import (
	"context"
	"io"

	"golang.org/x/sync/errgroup"

	mixload "github.com/mixload/mixload"
	"github.com/mixload/mixload/batch"
	"github.com/mixload/mixload/batch/egpool"
	"github.com/mixload/mixload/dispatch"
	"github.com/mixload/mixload/logger"
	"github.com/mixload/mixload/sink"
	"github.com/mixload/mixload/source"
	"github.com/mixload/mixload/transform"
)

// Main is the configuration and state of one import run. Field tags
// follow the commandeer convention so the CLI can load flags and MP_*
// environment variables directly into it.
type Main struct {
	mixload.Options `flag:"!embed"`

	File        string `help:"input file, directory, or s3:// path"`
	Concurrency int    `help:"alias for workers; when both are set the last one applied wins"`
	SinkDest    string `flag:"sink" help:"optional destination (file or s3://bucket/prefix) to tee batches to"`
	SinkGzip    bool   `flag:"sink-gzip" help:"gzip the sink file"`

	// BaseURL overrides the region-resolved endpoint, for tests.
	BaseURL string `flag:"-"`

	sourceRef   interface{}
	transformFn transform.Func
	sinkOut     sink.Sink
	log         logger.Logger

	job       *mixload.Job
	dryRunOut []mixload.Record
}

// NewMain returns a Main with default options and the stderr logger.
func NewMain() *Main {
	return &Main{
		Options: mixload.DefaultOptions(),
		log:     logger.StderrLogger,
	}
}

// SetSource sets the input reference: a path, a directory, an in-memory
// collection, a source.Stream, an io.Reader, or a raw string. Takes
// precedence over the File flag.
func (m *Main) SetSource(ref interface{}) { m.sourceRef = ref }

// SetTransform installs the user or vendor transform function.
func (m *Main) SetTransform(fn transform.Func) { m.transformFn = fn }

// SetSink installs a pre-built sink, taking precedence over SinkDest.
func (m *Main) SetSink(s sink.Sink) { m.sinkOut = s }

// SetLogger replaces the run logger.
func (m *Main) SetLogger(l logger.Logger) { m.log = l }

// Log returns the run logger.
func (m *Main) Log() logger.Logger { return m.log }

// Job returns the run state; a best-effort partial summary is available
// from it after a failed run.
func (m *Main) Job() *mixload.Job { return m.job }

// DryRunRecords returns the transformed records collected by a dry run,
// in input order.
func (m *Main) DryRunRecords() []mixload.Record { return m.dryRunOut }

// Run executes the import and returns the finalized Summary. Fatal
// errors (unclassifiable source, user-transform failure, missing
// credentials, unrecoverable transport faults) abort the run; per-batch
// failures are absorbed into the summary counters.
func (m *Main) Run(ctx context.Context) (*mixload.Summary, error) {
	if m.log == nil {
		m.log = logger.StderrLogger
	}
	o := m.Options
	if m.Concurrency > 0 {
		o.Workers = m.Concurrency
	}
	o.ApplyEnv()
	o.SetDefaults()
	if o.FixData {
		o.ClampForType()
	}
	if err := o.Validate(); err != nil {
		return nil, err
	}

	job := mixload.NewJob(o)
	m.job = job
	m.dryRunOut = nil

	ref := m.sourceRef
	if ref == nil && m.File != "" {
		ref = m.File
	}
	if ref == nil {
		return nil, &mixload.SourceError{Ref: "<none>"}
	}

	stream, err := source.NewResolver(&job.Options, m.log).Resolve(ref)
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	var client *dispatch.Client
	if !o.DryRun {
		client, err = dispatch.New(&job.Options, m.log)
		if err != nil {
			return nil, err
		}
		if m.BaseURL != "" {
			client.BaseURL = m.BaseURL
		}
	}

	snk := m.sinkOut
	if snk == nil && m.SinkDest != "" {
		snk, err = sink.Open(m.SinkDest, m.SinkGzip)
		if err != nil {
			return nil, err
		}
		defer snk.Close()
	}

	chain := transform.NewChain(job, m.transformFn)
	builder := batch.NewBuilder(o.RecordsPerBatch, o.BytesPerBatch)

	recCh := make(chan mixload.Record, o.BufferSize)
	batchCh := make(chan batch.Batch, o.Workers)

	g, gctx := errgroup.WithContext(ctx)

	// Extraction: pull records lazily, bounded by MaxRecords.
	g.Go(func() error {
		defer close(recCh)
		n := 0
		for {
			if o.MaxRecords > 0 && n >= o.MaxRecords {
				return nil
			}
			rec, err := stream.Next()
			if err == io.EOF {
				return nil
			}
			if err != nil {
				return &mixload.SourceError{Err: err}
			}
			n++
			select {
			case recCh <- rec:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
	})

	// Transform and batch: a single goroutine, preserving input order.
	g.Go(func() error {
		defer close(batchCh)
		send := func(batches []batch.Batch) error {
			for _, b := range batches {
				select {
				case batchCh <- b:
				case <-gctx.Done():
					return gctx.Err()
				}
			}
			return nil
		}
		for rec := range recCh {
			job.IncProcessed(1)
			items, err := chain.Apply(rec)
			if err != nil {
				return err
			}
			for _, it := range items {
				if err := send(builder.Add(it)); err != nil {
					return err
				}
			}
		}
		return send(builder.Flush())
	})

	// Dispatch: at most Workers concurrent sends; completion order is
	// unordered, so all accounting goes through the Job's atomics. Jobs
	// run on the pool context, so one fatal send cancels the rest.
	g.Go(func() error {
		pool := egpool.WithContext(gctx, o.Workers)
		for b := range batchCh {
			b := b
			job.IncBatches(1)
			job.RecordBatchLen(b.Len())

			if o.DryRun {
				m.dryRunOut = append(m.dryRunOut, b.Records()...)
				job.IncSuccess(int64(b.Len()))
				continue
			}

			pool.Go(func(ctx context.Context) error {
				if snk != nil {
					if err := snk.Write(ctx, &b); err != nil {
						return err
					}
				}
				out, err := client.Send(ctx, &b)
				applyOutcome(job, out)
				return err
			})
		}
		return pool.Wait()
	})

	runErr := g.Wait()
	summary := job.Finalize()
	if runErr != nil {
		// The partial summary stays inspectable via Job().
		return summary, runErr
	}

	if o.LogFile != "" {
		if err := summary.WriteFile(o.LogFile); err != nil {
			m.log.Warnf("could not write summary log: %v", err)
		}
	}
	m.log.Infof("%s", summary.Human())
	return summary, nil
}

// applyOutcome folds one dispatch outcome into the shared run state.
// Outcomes complete in arbitrary order; every mutation here is an atomic
// increment or a locked append.
func applyOutcome(job *mixload.Job, out dispatch.Outcome) {
	job.IncRequests(int64(1 + out.Retries))
	job.IncRetries(int64(out.Retries))
	job.IncRateLimited(out.RateLimited)
	job.IncServerErrors(out.ServerErrors)
	job.IncClientErrors(out.ClientErrors)
	job.IncSuccess(int64(out.Imported))
	job.IncFailed(int64(out.FailedRecords))

	res := mixload.BatchResult{
		Code:     out.Code,
		Imported: out.Imported,
		Failed:   out.FailedRecords,
	}
	if out.Err != nil {
		res.Err = out.Err.Error()
	} else if job.Options.Verbose {
		res.Body = out.Body
	}
	job.RecordResult(res)
}
