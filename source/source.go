// Package source classifies input references and produces lazy sequences
// of records from files, directories, in-memory collections, raw strings,
// live streams and s3:// paths.
package source

import (
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/pkg/errors"

	mixload "github.com/mixload/mixload"
	"github.com/mixload/mixload/logger"
)

// Kind tags the classification of an input reference. Classification
// happens once, in Classify; everything downstream dispatches on the tag.
type Kind int

const (
	KindFile Kind = iota
	KindDirectory
	KindInMemory
	KindStream
	KindRawString
)

func (k Kind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindDirectory:
		return "directory"
	case KindInMemory:
		return "in-memory"
	case KindStream:
		return "stream"
	case KindRawString:
		return "raw string"
	}
	return "unknown"
}

// Format names a supported serialization of records on disk or in a
// stream.
type Format string

const (
	FormatJSONL Format = "jsonl"
	FormatJSON  Format = "json"
	FormatCSV   Format = "csv"
)

// Stream is a lazy pull sequence of records. Next returns io.EOF after the
// last record. External collaborators (Parquet readers, cloud streams,
// message consumers) plug into the pipeline by implementing Stream.
type Stream interface {
	Next() (mixload.Record, error)
	Close() error
}

// memoryLoadFraction is the share of currently free system memory a file
// may occupy and still be loaded eagerly. Larger files are streamed.
const memoryLoadFraction = 0.75

// Resolver turns input references into Streams according to the run
// options.
type Resolver struct {
	Opts *mixload.Options
	Log  logger.Logger

	// S3 is used for s3:// references. When nil, a default session-backed
	// client is created on first use.
	S3 s3iface.S3API
}

// NewResolver returns a Resolver for the given options. A nil logger
// falls back to the nop logger.
func NewResolver(opts *mixload.Options, log logger.Logger) *Resolver {
	if log == nil {
		log = logger.NopLogger
	}
	return &Resolver{Opts: opts, Log: log}
}

// Classify tags an input reference without touching its contents beyond a
// stat. Unclassifiable references produce a SourceError.
func Classify(ref interface{}) (Kind, error) {
	switch v := ref.(type) {
	case nil:
		return 0, &mixload.SourceError{Ref: "<nil>"}
	case Stream:
		return KindStream, nil
	case io.Reader:
		return KindStream, nil
	case []mixload.Record, []map[string]interface{}, []interface{}:
		return KindInMemory, nil
	case []string:
		return KindDirectory, nil
	case string:
		if strings.HasPrefix(v, "s3://") {
			return KindFile, nil
		}
		if fi, err := os.Stat(v); err == nil {
			if fi.IsDir() {
				return KindDirectory, nil
			}
			return KindFile, nil
		}
		return KindRawString, nil
	default:
		return 0, &mixload.SourceError{Ref: describeRef(ref)}
	}
}

// Resolve classifies ref and returns a record Stream for it. File inputs
// smaller than memoryLoadFraction of free memory are parsed eagerly into
// an in-memory sequence unless ForceStream is set.
func (r *Resolver) Resolve(ref interface{}) (Stream, error) {
	kind, err := Classify(ref)
	if err != nil {
		return nil, err
	}

	switch kind {
	case KindStream:
		return r.resolveStream(ref)
	case KindInMemory:
		return resolveInMemory(ref)
	case KindFile:
		return r.resolveFile(ref.(string))
	case KindDirectory:
		return r.resolveDirectory(ref)
	case KindRawString:
		return parseRawString(ref.(string))
	}
	return nil, &mixload.SourceError{Ref: describeRef(ref)}
}

func (r *Resolver) resolveStream(ref interface{}) (Stream, error) {
	if s, ok := ref.(Stream); ok {
		return s, nil
	}
	rd := ref.(io.Reader)
	switch Format(r.Opts.StreamFormat) {
	case FormatJSON:
		return newJSONArrayStream(io.NopCloser(rd)), nil
	case FormatCSV:
		return newCSVStream(io.NopCloser(rd), r.Opts.Aliases)
	default:
		// Raw line streams are parsed as line-delimited JSON.
		return newJSONLStream(io.NopCloser(rd)), nil
	}
}

func resolveInMemory(ref interface{}) (Stream, error) {
	switch v := ref.(type) {
	case []mixload.Record:
		return newSliceStream(v), nil
	case []map[string]interface{}:
		recs := make([]mixload.Record, len(v))
		for i, m := range v {
			recs[i] = mixload.Record(m)
		}
		return newSliceStream(recs), nil
	case []interface{}:
		recs := make([]mixload.Record, 0, len(v))
		for i, e := range v {
			m, ok := e.(map[string]interface{})
			if !ok {
				return nil, &mixload.SourceError{
					Ref: describeRef(ref),
					Err: errors.Errorf("element %d is %T, not an object", i, e),
				}
			}
			recs = append(recs, mixload.Record(m))
		}
		return newSliceStream(recs), nil
	}
	return nil, &mixload.SourceError{Ref: describeRef(ref)}
}

func (r *Resolver) resolveFile(path string) (Stream, error) {
	if strings.HasPrefix(path, "s3://") {
		return r.resolveS3(path)
	}

	format, err := r.fileFormat(path)
	if err != nil {
		return nil, err
	}

	fi, err := os.Stat(path)
	if err != nil {
		return nil, &mixload.SourceError{Ref: path, Err: err}
	}

	// Memory-vs-stream decision: small files are parsed in one shot,
	// which avoids per-line scanner overhead; anything near the free
	// memory ceiling streams at constant memory.
	if !r.Opts.ForceStream && fitsInMemory(uint64(fi.Size())) {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, &mixload.SourceError{Ref: path, Err: err}
		}
		r.Log.Debugf("buffering %s (%d bytes) in memory", path, fi.Size())
		recs, err := parseAll(data, format, r.Opts.Aliases)
		if err != nil {
			return nil, &mixload.SourceError{Ref: path, Err: err}
		}
		return newSliceStream(recs), nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, &mixload.SourceError{Ref: path, Err: err}
	}
	r.Log.Debugf("streaming %s", path)
	return r.openFormatStream(f, format)
}

func (r *Resolver) openFormatStream(rc io.ReadCloser, format Format) (Stream, error) {
	switch format {
	case FormatJSONL:
		return newJSONLStream(rc), nil
	case FormatJSON:
		return newJSONArrayStream(rc), nil
	case FormatCSV:
		return newCSVStream(rc, r.Opts.Aliases)
	}
	rc.Close()
	return nil, &mixload.SourceError{Err: errors.Errorf("unsupported format %q", format)}
}

// fileFormat picks the parse format for a path: the explicit StreamFormat
// option wins, then the file extension.
func (r *Resolver) fileFormat(path string) (Format, error) {
	if r.Opts.StreamFormat != "" {
		return Format(strings.ToLower(r.Opts.StreamFormat)), nil
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jsonl", ".ndjson", ".txt":
		return FormatJSONL, nil
	case ".json":
		return FormatJSON, nil
	case ".csv":
		return FormatCSV, nil
	}
	return "", &mixload.SourceError{
		Ref: path,
		Err: errors.New("cannot infer format from extension; set StreamFormat"),
	}
}

// supportedExt reports whether a directory entry is importable.
func supportedExt(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".jsonl", ".ndjson", ".json", ".csv":
		return true
	}
	return false
}

func (r *Resolver) resolveDirectory(ref interface{}) (Stream, error) {
	var paths []string
	switch v := ref.(type) {
	case []string:
		paths = v
	case string:
		entries, err := os.ReadDir(v)
		if err != nil {
			return nil, &mixload.SourceError{Ref: v, Err: err}
		}
		for _, e := range entries {
			if e.IsDir() || !supportedExt(e.Name()) {
				continue
			}
			paths = append(paths, filepath.Join(v, e.Name()))
		}
		sort.Strings(paths)
		if len(paths) == 0 {
			return nil, &mixload.SourceError{Ref: v, Err: errors.New("directory contains no importable files")}
		}
	}
	return newMultiStream(paths, r.resolveFile), nil
}

func describeRef(ref interface{}) string {
	if s, ok := ref.(string); ok {
		return s
	}
	return errors.Errorf("%T", ref).Error()
}
