// Package sink tees dispatched batches to a secondary destination: a
// local NDJSON file (optionally gzipped) or an S3 prefix.
package sink

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/pkg/errors"

	"github.com/mixload/mixload/batch"
)

// Sink receives batches in completion order, in parallel with remote
// dispatch. Implementations must be safe for concurrent Write calls.
type Sink interface {
	Write(ctx context.Context, b *batch.Batch) error
	Close() error
}

// Open returns a sink for a destination path: s3://bucket/prefix for S3,
// anything else for a local NDJSON file. A .gz suffix or the gzipped flag
// enables compression.
func Open(dest string, gzipped bool) (Sink, error) {
	if strings.HasPrefix(dest, "s3://") {
		return NewS3Sink(dest, nil)
	}
	return NewFileSink(dest, gzipped || strings.HasSuffix(dest, ".gz"))
}

// FileSink appends each batch's records as NDJSON lines.
type FileSink struct {
	mu   sync.Mutex
	f    *os.File
	zw   *gzip.Writer
	path string
}

// NewFileSink creates (or truncates) the destination file.
func NewFileSink(path string, gzipped bool) (*FileSink, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrapf(err, "creating sink file %s", path)
	}
	s := &FileSink{f: f, path: path}
	if gzipped {
		s.zw = gzip.NewWriter(f)
	}
	return s, nil
}

func (s *FileSink) Write(ctx context.Context, b *batch.Batch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var buf bytes.Buffer
	for _, it := range b.Items {
		buf.Write(it.JSON)
		buf.WriteByte('\n')
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var err error
	if s.zw != nil {
		_, err = s.zw.Write(buf.Bytes())
	} else {
		_, err = s.f.Write(buf.Bytes())
	}
	return errors.Wrapf(err, "writing to sink %s", s.path)
}

func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.zw != nil {
		if err := s.zw.Close(); err != nil {
			s.f.Close()
			return errors.Wrap(err, "closing gzip writer")
		}
	}
	return s.f.Close()
}

// S3Sink writes one NDJSON object per batch under a key prefix.
type S3Sink struct {
	api    s3iface.S3API
	bucket string
	prefix string

	mu  sync.Mutex
	seq int
}

// NewS3Sink parses an s3://bucket/prefix destination. api may be nil, in
// which case a default session-backed client is created.
func NewS3Sink(dest string, api s3iface.S3API) (*S3Sink, error) {
	u, err := url.Parse(dest)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing S3 sink %s", dest)
	}
	if u.Host == "" {
		return nil, errors.Errorf("S3 sink %s must be s3://bucket/prefix", dest)
	}
	if api == nil {
		sess, err := session.NewSession()
		if err != nil {
			return nil, errors.Wrap(err, "creating AWS session")
		}
		api = s3.New(sess)
	}
	return &S3Sink{
		api:    api,
		bucket: u.Host,
		prefix: strings.Trim(u.Path, "/"),
	}, nil
}

func (s *S3Sink) Write(ctx context.Context, b *batch.Batch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var buf bytes.Buffer
	for _, it := range b.Items {
		buf.Write(it.JSON)
		buf.WriteByte('\n')
	}

	s.mu.Lock()
	s.seq++
	seq := s.seq
	s.mu.Unlock()

	key := fmt.Sprintf("%s/batch-%06d.ndjson", s.prefix, seq)
	_, err := s.api.PutObject(&s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(buf.Bytes()),
		ContentLength: aws.Int64(int64(buf.Len())),
	})
	return errors.Wrapf(err, "putting s3://%s/%s", s.bucket, key)
}

func (s *S3Sink) Close() error { return nil }
