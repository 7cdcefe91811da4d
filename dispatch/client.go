// Package dispatch sends batches to the region-resolved ingestion
// endpoint with compression, bounded retry, and error classification.
// Dispatch mechanics are decoupled from bookkeeping: Send returns an
// Outcome value and the caller applies it to the Job.
package dispatch

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/base64"
	"io"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/pkg/errors"

	mixload "github.com/mixload/mixload"
	"github.com/mixload/mixload/batch"
	"github.com/mixload/mixload/logger"
)

// maxBackoff caps a single retry sleep. Backoff grows exponentially with
// jitter up to this ceiling; the retry budget itself is Options.MaxRetries.
const maxBackoff = 2 * time.Minute

var regionHosts = map[string]string{
	"us": "https://api.mixpanel.com",
	"eu": "https://api-eu.mixpanel.com",
	"in": "https://api-in.mixpanel.com",
}

// retryableStatus is the fixed set of HTTP statuses that trigger a retry.
var retryableStatus = map[int]bool{
	http.StatusTooManyRequests:     true, // 429
	http.StatusInternalServerError: true, // 500
	http.StatusNotImplemented:      true, // 501
	http.StatusBadGateway:          true, // 502
	http.StatusServiceUnavailable:  true, // 503
	524:                            true, // origin timeout
}

// Outcome is the discriminated result of dispatching one batch. Err is
// nil on success; a RejectedError or RetryableError marks the batch
// failed without aborting the run. The classification counters record
// what was observed across the attempt and its retries.
type Outcome struct {
	Code          int
	Imported      int
	FailedRecords int
	Retries       int
	RateLimited   int64
	ServerErrors  int64
	ClientErrors  int64
	Body          string
	Err           error
}

// Client dispatches batches for one run.
type Client struct {
	// BaseURL overrides the region-resolved host, for tests.
	BaseURL string

	opts *mixload.Options
	log  logger.Logger
	http *http.Client
	auth string

	// sleep overrides the backoff wait, for tests. When nil the wait is a
	// context-aware timer.
	sleep func(time.Duration)
}

// New resolves credentials and the regional endpoint. Missing credentials
// fail here, before any dispatch.
func New(opts *mixload.Options, log logger.Logger) (*Client, error) {
	if log == nil {
		log = logger.NopLogger
	}
	auth, err := authHeader(opts)
	if err != nil {
		return nil, err
	}
	base, ok := regionHosts[opts.Region]
	if !ok {
		return nil, errors.Errorf("unknown region %q", opts.Region)
	}
	return &Client{
		BaseURL: base,
		opts:    opts,
		log:     log,
		http:    &http.Client{},
		auth:    auth,
	}, nil
}

// authHeader picks the Authorization value by precedence: service account
// basic auth, then API-secret basic auth, then bearer token.
func authHeader(opts *mixload.Options) (string, error) {
	switch {
	case opts.HasServiceAccount():
		cred := base64.StdEncoding.EncodeToString([]byte(opts.Acct + ":" + opts.Pass))
		return "Basic " + cred, nil
	case opts.Secret != "":
		cred := base64.StdEncoding.EncodeToString([]byte(opts.Secret + ":"))
		return "Basic " + cred, nil
	case opts.Token != "":
		return "Bearer " + opts.Token, nil
	}
	return "", mixload.ErrNoCredentials
}

// endpoint resolves the method, URL and query parameters for the run's
// record type.
func (c *Client) endpoint() (method, rawurl string, err error) {
	q := url.Values{}
	if c.opts.Project != "" {
		q.Set("project_id", c.opts.Project)
	}
	var path string
	switch c.opts.RecordType() {
	case mixload.RecordTypeEvent:
		path = "/import"
		method = http.MethodPost
		if c.opts.Strict {
			q.Set("strict", "1")
		} else {
			q.Set("strict", "0")
		}
	case mixload.RecordTypeUser:
		path = "/engage"
		method = http.MethodPost
		q.Set("ip", "0")
	case mixload.RecordTypeGroup:
		path = "/groups"
		method = http.MethodPost
		q.Set("ip", "0")
	case mixload.RecordTypeTable:
		if c.opts.TableID == "" {
			return "", "", errors.New("record type table requires a table id")
		}
		path = "/lookup-tables/" + c.opts.TableID
		method = http.MethodPut
	default:
		return "", "", errors.Errorf("unknown record type %q", c.opts.Type)
	}
	if c.opts.Verbose {
		q.Set("verbose", "1")
	}
	u, err := url.Parse(c.BaseURL + path)
	if err != nil {
		return "", "", errors.Wrap(err, "building endpoint URL")
	}
	u.RawQuery = q.Encode()
	return method, u.String(), nil
}

// body prepares the request payload: gzip for events when compression is
// on, plain JSON otherwise.
func (c *Client) body(b *batch.Batch) (data []byte, encoding string, err error) {
	payload := b.Payload()
	if !c.opts.Compress || c.opts.RecordType() != mixload.RecordTypeEvent {
		return payload, "", nil
	}
	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, c.opts.CompressLevel)
	if err != nil {
		return nil, "", errors.Wrap(err, "creating gzip writer")
	}
	if _, err := zw.Write(payload); err != nil {
		return nil, "", errors.Wrap(err, "compressing payload")
	}
	if err := zw.Close(); err != nil {
		return nil, "", errors.Wrap(err, "closing gzip writer")
	}
	return buf.Bytes(), "gzip", nil
}

// Send dispatches one batch. The returned error is non-nil only for
// unrecoverable conditions (context cancellation, request build failure,
// non-transient connection errors), which abort the whole run. Per-batch
// failures are reported inside the Outcome.
func (c *Client) Send(ctx context.Context, b *batch.Batch) (Outcome, error) {
	method, rawurl, err := c.endpoint()
	if err != nil {
		return Outcome{}, err
	}
	data, encoding, err := c.body(b)
	if err != nil {
		return Outcome{}, err
	}

	// Send is called concurrently by dispatch workers; per-call jitter
	// state keeps the client itself read-only after New.
	rnd := rand.New(rand.NewSource(time.Now().UnixNano()))

	var out Outcome
	for {
		code, body, retryAfter, err := c.attempt(ctx, method, rawurl, data, encoding)
		if err != nil {
			if ctx.Err() != nil {
				return out, ctx.Err()
			}
			if !transient(err) {
				return out, errors.Wrap(err, "sending request")
			}
			// A transient network fault counts with the server errors.
			out.ServerErrors++
			code = 0
		} else {
			out.Code = code
			out.Body = body
			switch {
			case code >= 200 && code < 300:
				applyResponse(&out, c.opts.RecordType(), body, b.Len())
				return out, nil
			case retryableStatus[code]:
				if code == http.StatusTooManyRequests {
					out.RateLimited++
				} else {
					out.ServerErrors++
				}
			default:
				// Any other status is a terminal rejection.
				out.ClientErrors++
				out.FailedRecords = b.Len()
				out.Err = &mixload.RejectedError{Code: code, Body: body}
				return out, nil
			}
		}

		if out.Retries >= c.opts.MaxRetries {
			out.FailedRecords = b.Len()
			out.Err = &mixload.RetryableError{Code: code, Retries: out.Retries, Err: errors.Errorf("status %d", code)}
			return out, nil
		}
		out.Retries++

		wait := backoff(rnd, out.Retries, code, retryAfter)
		c.log.Debugf("request failed with status %d, retry %d/%d after %v", code, out.Retries, c.opts.MaxRetries, wait)
		if err := c.pause(ctx, wait); err != nil {
			return out, err
		}
	}
}

// pause waits out a backoff interval, returning early when the context is
// cancelled so a cancelled run never sits through a full backoff.
func (c *Client) pause(ctx context.Context, d time.Duration) error {
	if c.sleep != nil {
		c.sleep(d)
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// attempt performs one HTTP exchange and returns the status, body and
// Retry-After header.
func (c *Client) attempt(ctx context.Context, method, rawurl string, data []byte, encoding string) (int, string, string, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawurl, bytes.NewReader(data))
	if err != nil {
		return 0, "", "", errors.Wrap(err, "building request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", c.auth)
	if encoding != "" {
		req.Header.Set("Content-Encoding", encoding)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, "", "", err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, "", "", errors.Wrap(err, "reading response body")
	}
	return resp.StatusCode, string(body), resp.Header.Get("Retry-After"), nil
}

// backoff computes the next sleep: Retry-After when the server supplied
// one on a 429, otherwise exponential with jitter, capped at maxBackoff.
func backoff(rnd *rand.Rand, retry, code int, retryAfter string) time.Duration {
	if code == http.StatusTooManyRequests && retryAfter != "" {
		if secs, err := strconv.Atoi(retryAfter); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	exp := retry - 1
	if exp > 7 {
		// 1<<7 seconds is already past maxBackoff; a larger shift would
		// overflow time.Duration.
		exp = 7
	}
	wait := time.Duration(1<<uint(exp))*time.Second + time.Duration(rnd.Intn(1000))*time.Millisecond
	if wait > maxBackoff {
		wait = maxBackoff
	}
	return wait
}

// transient reports whether a transport error is worth retrying: request
// timeouts, connection resets/refusals, DNS failures. Anything else (a
// malformed URL, a TLS handshake rejection) is unrecoverable.
func transient(err error) bool {
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
