// Package transform applies the ordered per-record transformation chain:
// empty filtering, the user/vendor function, array flattening, the
// built-in fixups, record filters, and final byte accounting. The chain is
// strictly per-record and order-preserving; it runs in a single goroutine
// and keeps no state beyond the dedupe set.
package transform

import (
	"encoding/json"

	"github.com/cespare/xxhash"
	"github.com/pkg/errors"

	mixload "github.com/mixload/mixload"
)

// Func is a user- or vendor-supplied per-record transformation. Returning
// an empty slice (or an empty record) drops the input; returning multiple
// records explodes it into independent downstream records. A returned
// error is fatal: it signals a logic defect, not a transient condition,
// and is never retried.
type Func func(mixload.Record) ([]mixload.Record, error)

// One adapts a 1:1 transform to Func.
func One(fn func(mixload.Record) (mixload.Record, error)) Func {
	return func(rec mixload.Record) ([]mixload.Record, error) {
		out, err := fn(rec)
		if err != nil {
			return nil, err
		}
		if out.Empty() {
			return nil, nil
		}
		return []mixload.Record{out}, nil
	}
}

// Chain evaluates the fixed stage sequence for one run.
type Chain struct {
	job  *mixload.Job
	opts *mixload.Options
	user Func

	allow map[string]bool
	deny  map[string]bool
	seen  map[uint64]struct{}
}

// NewChain builds the chain for a run. user may be nil.
func NewChain(job *mixload.Job, user Func) *Chain {
	c := &Chain{
		job:  job,
		opts: &job.Options,
		user: user,
	}
	if len(c.opts.EventWhitelist) > 0 {
		c.allow = make(map[string]bool, len(c.opts.EventWhitelist))
		for _, name := range c.opts.EventWhitelist {
			c.allow[name] = true
		}
	}
	if len(c.opts.EventBlacklist) > 0 {
		c.deny = make(map[string]bool, len(c.opts.EventBlacklist))
		for _, name := range c.opts.EventBlacklist {
			c.deny[name] = true
		}
	}
	if c.opts.Dedupe {
		c.seen = make(map[uint64]struct{})
	}
	return c
}

// Apply runs one record through the chain and returns the encoded
// survivors (zero, one, or several when the user transform explodes the
// record). Every drop is counted on the Job under its reason.
func (c *Chain) Apply(rec mixload.Record) ([]mixload.Encoded, error) {
	// Pre-filter.
	if rec.Empty() {
		c.job.IncEmpty(1)
		return nil, nil
	}

	// The fixups below write into the record, so work on a copy: the
	// caller's map must read the same after a run, and a second run over
	// the same input must produce identical output.
	rec = rec.Clone()

	// User/vendor transform, then flatten.
	outs := []mixload.Record{rec}
	if c.user != nil {
		var err error
		outs, err = c.user(rec)
		if err != nil {
			return nil, &mixload.TransformError{Err: err}
		}
	}

	var encoded []mixload.Encoded
	for _, out := range outs {
		// Post-transform filter.
		if out.Empty() {
			c.job.IncEmpty(1)
			continue
		}

		// Built-in fixups, fixed order.
		if len(c.opts.Aliases) > 0 {
			applyAliases(out, c.opts.Aliases)
		}
		if c.opts.FixData {
			c.normalize(out)
		}
		if c.opts.RemoveNulls {
			removeNulls(out)
		}
		if c.opts.TimeOffset != 0 {
			offsetTime(out, c.opts.TimeOffset)
		}
		if len(c.opts.Tags) > 0 {
			mergeTags(out, c.opts.Tags)
		}

		// Record filters.
		if c.allow != nil && !c.allow[eventName(out)] {
			c.job.IncWhitelistSkipped(1)
			continue
		}
		if c.deny != nil && c.deny[eventName(out)] {
			c.job.IncBlacklistSkipped(1)
			continue
		}
		if !c.inBounds(out) {
			c.job.IncOutOfBounds(1)
			continue
		}

		// Final filter, dedupe, byte accounting.
		if out.Empty() {
			c.job.IncEmpty(1)
			continue
		}
		data, err := json.Marshal(out)
		if err != nil {
			return nil, &mixload.TransformError{Err: errors.Wrap(err, "encoding record")}
		}
		if c.seen != nil {
			h := xxhash.Sum64(data)
			if _, dup := c.seen[h]; dup {
				c.job.IncDuplicates(1)
				continue
			}
			c.seen[h] = struct{}{}
		}
		c.job.AddBytes(int64(len(data)))
		encoded = append(encoded, mixload.Encoded{Rec: out, JSON: data})
	}
	return encoded, nil
}

// inBounds checks the optional epoch time window against properties.time.
// Records without a comparable time pass.
func (c *Chain) inBounds(rec mixload.Record) bool {
	if c.opts.EpochStart == 0 && c.opts.EpochEnd == 0 {
		return true
	}
	t, ok := recordTime(rec)
	if !ok {
		return true
	}
	secs := toSeconds(t)
	if c.opts.EpochStart != 0 && secs < float64(c.opts.EpochStart) {
		return false
	}
	if c.opts.EpochEnd != 0 && secs > float64(c.opts.EpochEnd) {
		return false
	}
	return true
}

func eventName(rec mixload.Record) string {
	if name, ok := rec["event"].(string); ok {
		return name
	}
	return ""
}
