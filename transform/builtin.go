package transform

import (
	"fmt"
	"strconv"
	"time"

	"github.com/cespare/xxhash"

	mixload "github.com/mixload/mixload"
)

// msThreshold distinguishes second-resolution from millisecond-resolution
// epoch timestamps. Anything at or above it is treated as milliseconds.
const msThreshold = 1e12

// applyAliases renames keys at the top level and inside properties. Values
// under an old name move to the new name; existing values under the new
// name are not overwritten.
func applyAliases(rec mixload.Record, aliases map[string]string) {
	renameKeys(rec, aliases)
	if props, ok := rec["properties"].(map[string]interface{}); ok {
		renameKeys(props, aliases)
	}
}

func renameKeys(m map[string]interface{}, aliases map[string]string) {
	for old, name := range aliases {
		v, ok := m[old]
		if !ok {
			continue
		}
		if _, taken := m[name]; !taken {
			m[name] = v
		}
		delete(m, old)
	}
}

// normalize enforces the required record shape for the run's record type.
// For events: properties exists, stray top-level identity keys move into
// it, time is numeric, and a deterministic $insert_id is derived when
// absent. For profiles: $token and $group_key fall back to the run
// options.
func (c *Chain) normalize(rec mixload.Record) {
	switch c.opts.RecordType() {
	case mixload.RecordTypeEvent:
		c.normalizeEvent(rec)
	case mixload.RecordTypeUser, mixload.RecordTypeGroup:
		c.normalizeProfile(rec)
	}
}

func (c *Chain) normalizeEvent(rec mixload.Record) {
	props := rec.Properties()
	if props == nil {
		return
	}
	for _, key := range []string{"distinct_id", "time", "$insert_id"} {
		if v, ok := rec[key]; ok {
			if _, taken := props[key]; !taken {
				props[key] = v
			}
			delete(rec, key)
		}
	}
	if t, ok := props["time"]; ok {
		if n, ok := coerceTime(t); ok {
			props["time"] = n
		}
	}
	if _, ok := props["$insert_id"]; !ok {
		props["$insert_id"] = insertID(rec, props)
	}
}

func (c *Chain) normalizeProfile(rec mixload.Record) {
	if _, ok := rec["$token"]; !ok && c.opts.Token != "" {
		rec["$token"] = c.opts.Token
	}
	if c.opts.RecordType() == mixload.RecordTypeGroup {
		if _, ok := rec["$group_key"]; !ok && c.opts.GroupKey != "" {
			rec["$group_key"] = c.opts.GroupKey
		}
	}
}

// insertID derives a deterministic id from the identifying triple, so the
// same event always carries the same id and remote dedupe works across
// re-runs.
func insertID(rec mixload.Record, props map[string]interface{}) string {
	key := fmt.Sprintf("%v-%v-%v", rec["event"], props["distinct_id"], props["time"])
	return strconv.FormatUint(xxhash.Sum64String(key), 16)
}

// coerceTime turns the supported time encodings into a float64 epoch
// value, preserving the input resolution.
func coerceTime(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case string:
		if n, err := strconv.ParseFloat(t, 64); err == nil {
			return n, true
		}
		for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
			if ts, err := time.Parse(layout, t); err == nil {
				return float64(ts.Unix()), true
			}
		}
	}
	return 0, false
}

// removeNulls strips nil, empty-string, and empty-container values from
// the record and its properties.
func removeNulls(rec mixload.Record) {
	stripNulls(rec)
	if props, ok := rec["properties"].(map[string]interface{}); ok {
		stripNulls(props)
	}
}

func stripNulls(m map[string]interface{}) {
	for k, v := range m {
		switch t := v.(type) {
		case nil:
			delete(m, k)
		case string:
			if t == "" {
				delete(m, k)
			}
		case map[string]interface{}:
			if k != "properties" && len(t) == 0 {
				delete(m, k)
			}
		case []interface{}:
			if len(t) == 0 {
				delete(m, k)
			}
		}
	}
}

// offsetTime shifts properties.time by whole hours toward UTC, matching
// the input's second or millisecond resolution.
func offsetTime(rec mixload.Record, hours int) {
	props, ok := rec["properties"].(map[string]interface{})
	if !ok {
		return
	}
	t, ok := recordTime(rec)
	if !ok {
		return
	}
	shift := float64(hours) * 3600
	if t >= msThreshold {
		shift *= 1000
	}
	props["time"] = t + shift
}

// mergeTags copies static tags into properties (events) or the record top
// level (profiles and rows), without overwriting existing keys.
func mergeTags(rec mixload.Record, tags map[string]interface{}) {
	dst := map[string]interface{}(rec)
	if props, ok := rec["properties"].(map[string]interface{}); ok {
		dst = props
	}
	for k, v := range tags {
		if _, taken := dst[k]; !taken {
			dst[k] = v
		}
	}
}

// recordTime extracts a numeric properties.time.
func recordTime(rec mixload.Record) (float64, bool) {
	props, ok := rec["properties"].(map[string]interface{})
	if !ok {
		return 0, false
	}
	return coerceTime(props["time"])
}

// toSeconds collapses a second- or millisecond-resolution epoch value to
// seconds for bounds comparison.
func toSeconds(t float64) float64 {
	if t >= msThreshold {
		return t / 1000
	}
	return t
}
