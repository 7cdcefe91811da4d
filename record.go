// Package mixload implements bulk loading of structured records into a
// remote, rate-limited ingestion API. The root package holds the types
// shared by every pipeline stage: records, run options, the mutable Job
// state, and the finalized Summary. The stages themselves live in the
// source, transform, batch, dispatch and sink packages, and are wired
// together by the importer package.
package mixload

// RecordType identifies what kind of unit a Record represents, which
// determines the remote endpoint, the batch size cap, and how responses
// are interpreted.
type RecordType string

const (
	RecordTypeEvent RecordType = "event"
	RecordTypeUser  RecordType = "user"
	RecordTypeGroup RecordType = "group"
	RecordTypeTable RecordType = "table"
)

// Valid reports whether rt is one of the supported record types.
func (rt RecordType) Valid() bool {
	switch rt {
	case RecordTypeEvent, RecordTypeUser, RecordTypeGroup, RecordTypeTable:
		return true
	}
	return false
}

// MaxRecordsPerBatch returns the hard per-request record cap the remote
// API enforces for this record type. Profile updates are accepted in much
// smaller groups than events.
func (rt RecordType) MaxRecordsPerBatch() int {
	switch rt {
	case RecordTypeUser, RecordTypeGroup:
		return 200
	default:
		return 2000
	}
}

// Record is one importable unit: an analytics event, a user or group
// profile update, or a lookup-table row. The zero value (nil map) is an
// empty record.
type Record map[string]interface{}

// Empty reports whether the record carries no data. Empty records are
// dropped at filter points and counted in Job.Empty.
func (r Record) Empty() bool {
	return len(r) == 0
}

// Properties returns the record's "properties" sub-map, creating it if
// absent. Returns nil (without modifying r) when the existing value is
// not a map.
func (r Record) Properties() map[string]interface{} {
	if r == nil {
		return nil
	}
	switch p := r["properties"].(type) {
	case map[string]interface{}:
		return p
	case nil:
		p2 := map[string]interface{}{}
		r["properties"] = p2
		return p2
	default:
		return nil
	}
}

// Clone returns a shallow copy of the record with a deep copy of the
// properties map, which is the only part the transform chain mutates.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for k, v := range r {
		if k == "properties" {
			if p, ok := v.(map[string]interface{}); ok {
				pc := make(map[string]interface{}, len(p))
				for pk, pv := range p {
					pc[pk] = pv
				}
				out[k] = pc
				continue
			}
		}
		out[k] = v
	}
	return out
}

// Encoded pairs a record with its JSON encoding. The encoding is produced
// once, at the end of the transform chain, and reused for byte accounting,
// batch sizing and the dispatched payload so that all three agree.
type Encoded struct {
	Rec  Record
	JSON []byte
}
