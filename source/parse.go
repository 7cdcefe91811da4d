package source

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"encoding/json"
	"io"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	mixload "github.com/mixload/mixload"
)

// maxLineBytes bounds a single line-delimited JSON record.
const maxLineBytes = 16 << 20

// sliceStream is an eagerly-materialized finite sequence.
type sliceStream struct {
	recs []mixload.Record
	i    int
}

func newSliceStream(recs []mixload.Record) *sliceStream {
	return &sliceStream{recs: recs}
}

func (s *sliceStream) Next() (mixload.Record, error) {
	if s.i >= len(s.recs) {
		return nil, io.EOF
	}
	rec := s.recs[s.i]
	s.i++
	return rec, nil
}

func (s *sliceStream) Close() error { return nil }

// jsonlStream parses line-delimited JSON at constant memory.
type jsonlStream struct {
	rc      io.ReadCloser
	scanner *bufio.Scanner
	line    int
}

func newJSONLStream(rc io.ReadCloser) *jsonlStream {
	sc := bufio.NewScanner(rc)
	sc.Buffer(make([]byte, 64<<10), maxLineBytes)
	return &jsonlStream{rc: rc, scanner: sc}
}

func (s *jsonlStream) Next() (mixload.Record, error) {
	for s.scanner.Scan() {
		s.line++
		line := bytes.TrimSpace(s.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var rec mixload.Record
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, errors.Wrapf(err, "parsing line %d", s.line)
		}
		return rec, nil
	}
	if err := s.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

func (s *jsonlStream) Close() error { return s.rc.Close() }

// jsonArrayStream decodes a JSON array element by element, so a large
// array file never has to fit in memory.
type jsonArrayStream struct {
	rc      io.ReadCloser
	dec     *json.Decoder
	started bool
	done    bool
}

func newJSONArrayStream(rc io.ReadCloser) *jsonArrayStream {
	return &jsonArrayStream{rc: rc, dec: json.NewDecoder(rc)}
}

func (s *jsonArrayStream) Next() (mixload.Record, error) {
	if s.done {
		return nil, io.EOF
	}
	if !s.started {
		tok, err := s.dec.Token()
		if err != nil {
			return nil, errors.Wrap(err, "reading array open")
		}
		if d, ok := tok.(json.Delim); !ok || d != '[' {
			return nil, errors.Errorf("expected JSON array, found %v", tok)
		}
		s.started = true
	}
	if !s.dec.More() {
		if _, err := s.dec.Token(); err != nil {
			return nil, errors.Wrap(err, "reading array close")
		}
		s.done = true
		return nil, io.EOF
	}
	var rec mixload.Record
	if err := s.dec.Decode(&rec); err != nil {
		return nil, errors.Wrap(err, "decoding array element")
	}
	return rec, nil
}

func (s *jsonArrayStream) Close() error { return s.rc.Close() }

// CSV columns that land at the top level of an event record (after alias
// remapping) rather than inside properties; everything else, including the
// remapped distinct_id/time/$insert_id columns, goes into properties.
var csvTopLevel = map[string]bool{"event": true}

// csvStream parses header-based CSV into event-shaped records. Column
// names pass through the alias map first, so a file with uuid/ts columns
// and aliases {uuid: distinct_id, ts: time} produces records with
// properties.distinct_id and properties.time.
type csvStream struct {
	rc     io.ReadCloser
	reader *csv.Reader
	header []string
}

func newCSVStream(rc io.ReadCloser, aliases map[string]string) (*csvStream, error) {
	r := csv.NewReader(rc)
	r.FieldsPerRecord = -1
	header, err := r.Read()
	if err != nil {
		rc.Close()
		return nil, errors.Wrap(err, "reading CSV header")
	}
	for i, col := range header {
		col = strings.TrimSpace(col)
		if mapped, ok := aliases[col]; ok {
			col = mapped
		}
		header[i] = col
	}
	return &csvStream{rc: rc, reader: r, header: header}, nil
}

func (s *csvStream) Next() (mixload.Record, error) {
	row, err := s.reader.Read()
	if err != nil {
		return nil, err // io.EOF at end
	}
	return s.rowToRecord(row), nil
}

func (s *csvStream) rowToRecord(row []string) mixload.Record {
	rec := mixload.Record{}
	props := rec.Properties()
	for i, val := range row {
		if i >= len(s.header) {
			break
		}
		col := s.header[i]
		if csvTopLevel[col] {
			rec[col] = val
		} else {
			props[col] = csvValue(val)
		}
	}
	return rec
}

// csvValue converts numeric-looking cells so timestamps and metrics come
// through as numbers.
func csvValue(s string) interface{} {
	if s == "" {
		return s
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return float64(i)
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

func (s *csvStream) Close() error { return s.rc.Close() }

// multiStream concatenates per-file streams in path order, opening each
// file only when the previous one is exhausted.
type multiStream struct {
	paths []string
	open  func(path string) (Stream, error)
	cur   Stream
}

func newMultiStream(paths []string, open func(string) (Stream, error)) *multiStream {
	return &multiStream{paths: paths, open: open}
}

func (m *multiStream) Next() (mixload.Record, error) {
	for {
		if m.cur == nil {
			if len(m.paths) == 0 {
				return nil, io.EOF
			}
			s, err := m.open(m.paths[0])
			if err != nil {
				return nil, err
			}
			m.paths = m.paths[1:]
			m.cur = s
		}
		rec, err := m.cur.Next()
		if err == io.EOF {
			m.cur.Close()
			m.cur = nil
			continue
		}
		return rec, err
	}
}

func (m *multiStream) Close() error {
	if m.cur != nil {
		return m.cur.Close()
	}
	return nil
}

// parseAll parses a fully-buffered input in the given format.
func parseAll(data []byte, format Format, aliases map[string]string) ([]mixload.Record, error) {
	switch format {
	case FormatJSON:
		var recs []mixload.Record
		if err := json.Unmarshal(data, &recs); err != nil {
			return nil, errors.Wrap(err, "parsing JSON array")
		}
		return recs, nil
	case FormatJSONL:
		return drain(newJSONLStream(io.NopCloser(bytes.NewReader(data))))
	case FormatCSV:
		s, err := newCSVStream(io.NopCloser(bytes.NewReader(data)), aliases)
		if err != nil {
			return nil, err
		}
		return drain(s)
	}
	return nil, errors.Errorf("unsupported format %q", format)
}

// parseRawString tries JSON array, then line-delimited JSON, then CSV, in
// that order; the first parse that succeeds wins.
func parseRawString(s string) (Stream, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return nil, &mixload.SourceError{Ref: s}
	}

	if strings.HasPrefix(trimmed, "[") {
		var recs []mixload.Record
		if err := json.Unmarshal([]byte(trimmed), &recs); err == nil {
			return newSliceStream(recs), nil
		}
	}

	if recs, err := drain(newJSONLStream(io.NopCloser(strings.NewReader(trimmed)))); err == nil && len(recs) > 0 {
		return newSliceStream(recs), nil
	}

	if cs, err := newCSVStream(io.NopCloser(strings.NewReader(trimmed)), nil); err == nil {
		if recs, err := drain(cs); err == nil && len(recs) > 0 {
			return newSliceStream(recs), nil
		}
	}

	return nil, &mixload.SourceError{Ref: abbreviate(s), Err: errors.New("not parseable as JSON array, line-delimited JSON, or CSV")}
}

func drain(s Stream) ([]mixload.Record, error) {
	defer s.Close()
	var recs []mixload.Record
	for {
		rec, err := s.Next()
		if err == io.EOF {
			return recs, nil
		}
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
}

func abbreviate(s string) string {
	if len(s) > 64 {
		return s[:64] + "..."
	}
	return s
}
