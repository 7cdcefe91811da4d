package source

import (
	"bytes"
	"net/url"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/pkg/errors"

	mixload "github.com/mixload/mixload"
)

// resolveS3 reads an s3://bucket/key object and parses it. Format comes
// from the key extension, with the StreamFormat option as override. The
// object body is streamed straight into the parser, so large objects do
// not need to be buffered.
func (r *Resolver) resolveS3(uri string) (Stream, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, &mixload.SourceError{Ref: uri, Err: errors.Wrap(err, "parsing S3 URL")}
	}
	bucket := u.Host
	key := strings.TrimPrefix(u.Path, "/")
	if bucket == "" || key == "" {
		return nil, &mixload.SourceError{Ref: uri, Err: errors.New("S3 URL must be s3://bucket/key")}
	}

	format := Format(strings.ToLower(r.Opts.StreamFormat))
	if format == "" {
		switch strings.ToLower(path.Ext(key)) {
		case ".jsonl", ".ndjson", ".txt":
			format = FormatJSONL
		case ".json":
			format = FormatJSON
		case ".csv":
			format = FormatCSV
		default:
			return nil, &mixload.SourceError{Ref: uri, Err: errors.New("cannot infer format from key; set StreamFormat")}
		}
	}

	api := r.S3
	if api == nil {
		sess, err := session.NewSession()
		if err != nil {
			return nil, &mixload.SourceError{Ref: uri, Err: errors.Wrap(err, "creating AWS session")}
		}
		api = s3.New(sess)
		r.S3 = api
	}

	out, err := api.GetObject(&s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, &mixload.SourceError{Ref: uri, Err: errors.Wrap(err, "fetching S3 object")}
	}

	body := out.Body
	if !r.Opts.ForceStream && out.ContentLength != nil && fitsInMemory(uint64(*out.ContentLength)) {
		buf := new(bytes.Buffer)
		if _, err := buf.ReadFrom(body); err != nil {
			body.Close()
			return nil, &mixload.SourceError{Ref: uri, Err: errors.Wrap(err, "reading S3 object")}
		}
		body.Close()
		recs, err := parseAll(buf.Bytes(), format, r.Opts.Aliases)
		if err != nil {
			return nil, &mixload.SourceError{Ref: uri, Err: err}
		}
		return newSliceStream(recs), nil
	}

	return r.openFormatStream(body, format)
}
