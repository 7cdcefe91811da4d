package mixload

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrNoCredentials is returned before any dispatch when the merged options
// contain neither a service account, an API secret, nor a token.
var ErrNoCredentials = errors.New("no usable credentials: provide a service account (acct/pass), an API secret, or a token")

// SourceError indicates an input reference that could not be classified or
// read. It is fatal: the run never starts.
type SourceError struct {
	Ref string
	Err error
}

func (e *SourceError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("source %q: unclassifiable input", e.Ref)
	}
	return fmt.Sprintf("source %q: %v", e.Ref, e.Err)
}

func (e *SourceError) Unwrap() error { return e.Err }

// TransformError wraps an error returned by a user or vendor transform
// function. It signals a logic defect, not a transient condition, so it is
// fatal and never retried.
type TransformError struct {
	Err error
}

func (e *TransformError) Error() string { return fmt.Sprintf("transform: %v", e.Err) }
func (e *TransformError) Unwrap() error { return e.Err }

// RejectedError records a non-retryable API rejection (a 4xx other than
// 429). The batch is marked failed; the run continues.
type RejectedError struct {
	Code int
	Body string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("request rejected (status %d): %s", e.Code, e.Body)
}

// RetryableError records a retry-eligible failure (429, retryable 5xx, or
// a transient network fault) that survived every allowed retry. The batch
// is marked failed; the run continues.
type RetryableError struct {
	Code    int
	Retries int
	Err     error
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("max retries (%d) exceeded, last status %d: %v", e.Retries, e.Code, e.Err)
}

func (e *RetryableError) Unwrap() error { return e.Err }
