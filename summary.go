package mixload

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/pkg/errors"
)

// monthlyEventQuota is the allowance used for the rough quota-consumption
// estimate in the summary. It matches the entry-level plan of the remote
// service; the estimate is informational only.
const monthlyEventQuota = 100_000_000

// Summary is the immutable snapshot of a Job taken at run end, plus the
// derived throughput metrics.
type Summary struct {
	RecordType string    `json:"recordType"`
	DryRun     bool      `json:"dryRun"`
	Started    time.Time `json:"started"`
	Ended      time.Time `json:"ended"`

	Processed        int64 `json:"processed"`
	Empty            int64 `json:"empty"`
	Success          int64 `json:"success"`
	Failed           int64 `json:"failed"`
	OutOfBounds      int64 `json:"outOfBounds"`
	Duplicates       int64 `json:"duplicates"`
	WhitelistSkipped int64 `json:"whitelistSkipped"`
	BlacklistSkipped int64 `json:"blacklistSkipped"`
	Retries          int64 `json:"retries"`
	RateLimited      int64 `json:"rateLimited"`
	ServerErrors     int64 `json:"serverErrors"`
	ClientErrors     int64 `json:"clientErrors"`
	Requests         int64 `json:"requests"`
	Batches          int64 `json:"batches"`
	BytesProcessed   int64 `json:"bytesProcessed"`

	DurationSeconds float64 `json:"durationSeconds"`
	EventsPerSecond float64 `json:"eps"`
	RequestsPerSec  float64 `json:"rps"`
	MBPerSecond     float64 `json:"mbps"`
	AvgBatchLength  float64 `json:"avgBatchLength"`
	QuotaPctUsed    float64 `json:"quotaPctUsed"`

	Results []BatchResult `json:"results,omitempty"`
	Errors  []string      `json:"errors,omitempty"`
}

func newSummary(j *Job, ended time.Time, batchLens []int, results []BatchResult, errs []string) *Summary {
	s := &Summary{
		RecordType:       j.Options.Type,
		DryRun:           j.Options.DryRun,
		Started:          j.Started,
		Ended:            ended,
		Processed:        j.Processed(),
		Empty:            j.Empty(),
		Success:          j.Success(),
		Failed:           j.Failed(),
		OutOfBounds:      j.OutOfBounds(),
		Duplicates:       j.Duplicates(),
		WhitelistSkipped: j.WhitelistSkipped(),
		BlacklistSkipped: j.BlacklistSkipped(),
		Retries:          j.Retries(),
		RateLimited:      j.RateLimited(),
		ServerErrors:     j.ServerErrors(),
		ClientErrors:     j.ClientErrors(),
		Requests:         j.Requests(),
		Batches:          j.Batches(),
		BytesProcessed:   j.BytesProcessed(),
		Results:          results,
		Errors:           errs,
	}

	dur := ended.Sub(j.Started).Seconds()
	s.DurationSeconds = dur
	if dur > 0 {
		s.EventsPerSecond = float64(s.Success) / dur
		s.RequestsPerSec = float64(s.Requests) / dur
		s.MBPerSecond = float64(s.BytesProcessed) / (1 << 20) / dur
	}
	if len(batchLens) > 0 {
		total := 0
		for _, n := range batchLens {
			total += n
		}
		s.AvgBatchLength = float64(total) / float64(len(batchLens))
	}
	s.QuotaPctUsed = float64(s.Success) / monthlyEventQuota * 100
	return s
}

// Human renders the one-paragraph run report printed by the CLI.
func (s *Summary) Human() string {
	return fmt.Sprintf(
		"%s import: %d processed, %d sent, %d failed, %d empty in %s (%.0f records/sec, %.2f MB/sec, %d requests, %d retries, avg batch %.1f)",
		s.RecordType,
		s.Processed, s.Success, s.Failed, s.Empty,
		time.Duration(s.DurationSeconds*float64(time.Second)).Round(time.Millisecond),
		s.EventsPerSecond, s.MBPerSecond, s.Requests, s.Retries, s.AvgBatchLength,
	)
}

// WriteFile persists the summary as indented JSON, the optional run log
// written after completion.
func (s *Summary) WriteFile(path string) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshaling summary")
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrapf(err, "writing summary to %s", path)
	}
	return nil
}
