package mixload

import (
	"os"
	"strings"

	"github.com/pkg/errors"
)

// Batching and dispatch defaults.
const (
	DefaultRecordsPerBatch = 2000
	DefaultBytesPerBatch   = 2_000_000
	DefaultWorkers         = 10
	DefaultMaxRetries      = 10
	DefaultBufferSize      = 1000
	DefaultCompressLevel   = 6
)

// Options is the full tunable surface of one import run. Precedence when
// merging is explicit call args > CLI flags > MP_* environment variables;
// ApplyEnv implements the lowest tier by only filling fields that are
// still unset. Struct tags follow the commandeer convention used by the
// CLI entrypoint.
type Options struct {
	// Credentials and routing. Auth precedence at dispatch time is
	// service account > API secret > bearer token.
	Project  string `help:"project id sent as the project_id query parameter"`
	Acct     string `help:"service account username"`
	Pass     string `help:"service account password"`
	Secret   string `help:"API secret (basic auth)"`
	Token    string `help:"project token (bearer auth)"`
	Region   string `help:"data residency region: us, eu, or in"`
	Type     string `help:"record type: event, user, group, or table"`
	TableID  string `flag:"table-id" help:"lookup table id (record type table)"`
	GroupKey string `flag:"group-key" help:"group key (record type group)"`

	// Time-range bounds for export operations; carried in options so that
	// the same credential/env merge serves both directions.
	Start string `help:"start of export time range (YYYY-MM-DD)"`
	End   string `help:"end of export time range (YYYY-MM-DD)"`

	// Batching and dispatch tuning.
	RecordsPerBatch int  `flag:"records-per-batch" help:"max records per request"`
	BytesPerBatch   int  `flag:"bytes-per-batch" help:"max serialized bytes per request"`
	Workers         int  `help:"max concurrent requests"`
	MaxRetries      int  `flag:"max-retries" help:"max retries per request on 429/5xx/network faults"`
	Compress        bool `help:"gzip event payloads"`
	CompressLevel   int  `flag:"compress-level" help:"gzip level 1-9"`
	Strict          bool `help:"ask the API to validate records strictly"`
	Verbose         bool `help:"ask the API for verbose responses"`

	// Source handling.
	StreamFormat string `flag:"stream-format" help:"input format when not inferable: jsonl, json, or csv"`
	ForceStream  bool   `flag:"force-stream" help:"always stream files instead of buffering small ones in memory"`
	BufferSize   int    `flag:"buffer-size" help:"records buffered between pipeline stages"`

	// Built-in fixups (the transform chain applies these after any user
	// transform; see the transform package for ordering).
	FixData     bool              `flag:"fix-data" help:"normalize records: required keys, numeric time, deterministic $insert_id"`
	RemoveNulls bool              `flag:"remove-nulls" help:"strip null and empty values from records"`
	TimeOffset  int               `flag:"time-offset" help:"hours to shift record timestamps toward UTC"`
	Aliases     map[string]string `flag:"-"`
	Tags        map[string]interface{} `flag:"-"`

	// Record filters.
	EpochStart     int64    `flag:"epoch-start" help:"drop events with time before this unix epoch"`
	EpochEnd       int64    `flag:"epoch-end" help:"drop events with time after this unix epoch"`
	Dedupe         bool     `help:"drop records whose normalized hash was already seen this run"`
	EventWhitelist []string `flag:"event-whitelist" help:"keep only events with these names"`
	EventBlacklist []string `flag:"event-blacklist" help:"drop events with these names"`

	// Run shape.
	MaxRecords int    `flag:"max-records" help:"stop after this many records enter the transform chain (0 = unlimited)"`
	DryRun     bool   `flag:"dry-run" help:"transform and batch but do not dispatch"`
	LogFile    string `flag:"log-file" help:"write the run summary JSON to this path"`
}

// DefaultOptions returns Options with every tunable at its documented
// default and the record type set to event.
func DefaultOptions() Options {
	return Options{
		Region:          "us",
		Type:            string(RecordTypeEvent),
		RecordsPerBatch: DefaultRecordsPerBatch,
		BytesPerBatch:   DefaultBytesPerBatch,
		Workers:         DefaultWorkers,
		MaxRetries:      DefaultMaxRetries,
		CompressLevel:   DefaultCompressLevel,
		BufferSize:      DefaultBufferSize,
	}
}

// envString fills dst from the named environment variable when dst is
// still empty.
func envString(dst *string, name string) {
	if *dst == "" {
		*dst = os.Getenv(name)
	}
}

// ApplyEnv merges MP_* environment variables into unset fields. Explicit
// values always win: a field set by the caller or a CLI flag is never
// overwritten.
func (o *Options) ApplyEnv() {
	envString(&o.Project, "MP_PROJECT")
	envString(&o.Acct, "MP_ACCT")
	envString(&o.Pass, "MP_PASS")
	envString(&o.Secret, "MP_SECRET")
	envString(&o.Token, "MP_TOKEN")
	envString(&o.TableID, "MP_TABLE_ID")
	envString(&o.GroupKey, "MP_GROUP_KEY")
	envString(&o.Start, "MP_START")
	envString(&o.End, "MP_END")
	if o.Type == "" {
		o.Type = os.Getenv("MP_TYPE")
	}
}

// SetDefaults fills unset tunables with their defaults and normalizes
// the record type and region strings. MaxRetries is the exception: zero
// disables retries, so only a negative value counts as unset.
func (o *Options) SetDefaults() {
	d := DefaultOptions()
	if o.Type == "" {
		o.Type = d.Type
	}
	o.Type = strings.ToLower(o.Type)
	if o.Region == "" {
		o.Region = d.Region
	}
	o.Region = strings.ToLower(o.Region)
	if o.RecordsPerBatch <= 0 {
		o.RecordsPerBatch = d.RecordsPerBatch
	}
	if o.BytesPerBatch <= 0 {
		o.BytesPerBatch = d.BytesPerBatch
	}
	if o.Workers <= 0 {
		o.Workers = d.Workers
	}
	// Zero is meaningful for MaxRetries (retries disabled), so only
	// negative values fall back to the default; DefaultOptions carries
	// the documented default of 10.
	if o.MaxRetries < 0 {
		o.MaxRetries = d.MaxRetries
	}
	if o.CompressLevel <= 0 || o.CompressLevel > 9 {
		o.CompressLevel = d.CompressLevel
	}
	if o.BufferSize <= 0 {
		o.BufferSize = d.BufferSize
	}
}

// ClampForType lowers RecordsPerBatch to the per-type cap. Called when
// fixups are enabled so profile batches never exceed what the API accepts.
func (o *Options) ClampForType() {
	if max := o.RecordType().MaxRecordsPerBatch(); o.RecordsPerBatch > max {
		o.RecordsPerBatch = max
	}
}

// RecordType returns the typed record type.
func (o *Options) RecordType() RecordType { return RecordType(o.Type) }

// HasServiceAccount reports whether both halves of a service-account
// credential are present.
func (o *Options) HasServiceAccount() bool { return o.Acct != "" && o.Pass != "" }

// HasCredentials reports whether any usable credential is present.
func (o *Options) HasCredentials() bool {
	return o.HasServiceAccount() || o.Secret != "" || o.Token != ""
}

// Validate checks the merged options before a run. Credential checks are
// skipped for dry runs, which never dispatch.
func (o *Options) Validate() error {
	if !o.RecordType().Valid() {
		return errors.Errorf("unknown record type %q", o.Type)
	}
	switch o.Region {
	case "us", "eu", "in":
	default:
		return errors.Errorf("unknown region %q", o.Region)
	}
	if o.RecordType() == RecordTypeTable && o.TableID == "" {
		return errors.New("record type table requires a table id")
	}
	if !o.DryRun && !o.HasCredentials() {
		return ErrNoCredentials
	}
	if o.HasServiceAccount() && o.Project == "" {
		return errors.New("service account auth requires a project id")
	}
	return nil
}
