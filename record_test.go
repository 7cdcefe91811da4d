package mixload

import (
	"testing"
)

func TestRecordEmpty(t *testing.T) {
	tests := []struct {
		name string
		rec  Record
		exp  bool
	}{
		{"nil", nil, true},
		{"zero-len", Record{}, true},
		{"populated", Record{"event": "click"}, false},
	}
	for _, tt := range tests {
		if got := tt.rec.Empty(); got != tt.exp {
			t.Errorf("%s: Empty() = %v, want %v", tt.name, got, tt.exp)
		}
	}
}

func TestRecordProperties(t *testing.T) {
	rec := Record{"event": "click"}
	props := rec.Properties()
	if props == nil {
		t.Fatal("expected properties map to be created")
	}
	props["k"] = "v"
	got, ok := rec["properties"].(map[string]interface{})
	if !ok || got["k"] != "v" {
		t.Errorf("expected properties to be attached to the record, got %v", rec["properties"])
	}

	// An existing map comes back as-is.
	if p2 := rec.Properties(); p2["k"] != "v" {
		t.Errorf("expected existing properties, got %v", p2)
	}

	// A non-map value under the key is left alone.
	bad := Record{"properties": "oops"}
	if p := bad.Properties(); p != nil {
		t.Errorf("expected nil for non-map properties, got %v", p)
	}
	if bad["properties"] != "oops" {
		t.Errorf("expected non-map value untouched, got %v", bad["properties"])
	}

	if p := Record(nil).Properties(); p != nil {
		t.Errorf("expected nil properties on nil record, got %v", p)
	}
}

func TestRecordClone(t *testing.T) {
	rec := Record{
		"event":      "click",
		"properties": map[string]interface{}{"a": 1},
	}
	cp := rec.Clone()
	cp["event"] = "view"
	cp.Properties()["a"] = 2

	if rec["event"] != "click" {
		t.Errorf("clone mutated original top level: %v", rec["event"])
	}
	if rec.Properties()["a"] != 1 {
		t.Errorf("clone mutated original properties: %v", rec.Properties()["a"])
	}
}

func TestRecordTypeValid(t *testing.T) {
	for _, rt := range []RecordType{RecordTypeEvent, RecordTypeUser, RecordTypeGroup, RecordTypeTable} {
		if !rt.Valid() {
			t.Errorf("expected %q to be valid", rt)
		}
	}
	if RecordType("widget").Valid() {
		t.Error("expected widget to be invalid")
	}
}

func TestMaxRecordsPerBatch(t *testing.T) {
	tests := []struct {
		rt  RecordType
		exp int
	}{
		{RecordTypeEvent, 2000},
		{RecordTypeTable, 2000},
		{RecordTypeUser, 200},
		{RecordTypeGroup, 200},
	}
	for _, tt := range tests {
		if got := tt.rt.MaxRecordsPerBatch(); got != tt.exp {
			t.Errorf("%s: got %d, want %d", tt.rt, got, tt.exp)
		}
	}
}
