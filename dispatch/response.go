package dispatch

import (
	"encoding/json"

	mixload "github.com/mixload/mixload"
)

// apiResponse covers both response dialects: the event import endpoint
// reports num_records_imported and per-record failures; the profile and
// table endpoints report error/status for the request as a whole.
type apiResponse struct {
	Code               int               `json:"code"`
	Error              string            `json:"error"`
	Status             interface{}       `json:"status"`
	NumRecordsImported int               `json:"num_records_imported"`
	FailedRecords      []json.RawMessage `json:"failed_records"`
}

// applyResponse fills the outcome's imported/failed counts from a 2xx
// response body. Events trust the per-record accounting in the body;
// profile types treat the whole batch as accepted or rejected.
func applyResponse(out *Outcome, rt mixload.RecordType, body string, batchLen int) {
	var resp apiResponse
	if err := json.Unmarshal([]byte(body), &resp); err != nil {
		// A 2xx with an unreadable body still imported the batch.
		out.Imported = batchLen
		return
	}

	if rt == mixload.RecordTypeEvent {
		out.FailedRecords = len(resp.FailedRecords)
		if resp.NumRecordsImported > 0 {
			out.Imported = resp.NumRecordsImported
		} else {
			out.Imported = batchLen - out.FailedRecords
		}
		if out.FailedRecords > 0 {
			out.Err = &mixload.RejectedError{Code: out.Code, Body: body}
		}
		return
	}

	if resp.Error != "" || statusFailed(resp.Status) {
		out.Imported = 0
		out.FailedRecords = batchLen
		out.Err = &mixload.RejectedError{Code: out.Code, Body: body}
		return
	}
	out.Imported = batchLen
}

// statusFailed interprets the status field, which arrives as the number 1
// or the string "ok" on success depending on endpoint.
func statusFailed(status interface{}) bool {
	switch s := status.(type) {
	case nil:
		return false
	case float64:
		return s != 1
	case string:
		return s != "ok" && s != "1" && s != ""
	default:
		return false
	}
}
