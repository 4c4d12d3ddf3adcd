package runtime

import "fmt"

// Status is the closed set of job-function outcomes.
type Status string

const (
	StatusOK      Status = "ok"
	StatusError   Status = "error"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
)

// Result is what every job function returns. The dispatcher stores it
// verbatim under metadata.result and derives the terminal transition from
// Status: ok → succeeded, failed/error → failed, skipped → skipped.
type Result struct {
	Status Status
	Data   map[string]any
	Err    error
}

func OK(data map[string]any) *Result {
	return &Result{Status: StatusOK, Data: data}
}

func Failed(err error, data map[string]any) *Result {
	return &Result{Status: StatusFailed, Data: data, Err: err}
}

func Errored(err error, data map[string]any) *Result {
	return &Result{Status: StatusError, Data: data, Err: err}
}

func Skipped(data map[string]any) *Result {
	return &Result{Status: StatusSkipped, Data: data}
}

// AsMap renders the persisted shape: status, data, and for non-ok outcomes
// an operator-facing error_message plus structured exception_details.
func (r *Result) AsMap() map[string]any {
	if r == nil {
		return map[string]any{"status": string(StatusOK), "data": map[string]any{}}
	}
	data := r.Data
	if data == nil {
		data = map[string]any{}
	}
	out := map[string]any{
		"status": string(r.Status),
		"data":   data,
	}
	if r.Err != nil {
		out["error_message"] = r.Err.Error()
		out["exception_details"] = map[string]any{
			"type":    fmt.Sprintf("%T", r.Err),
			"message": r.Err.Error(),
		}
	}
	return out
}
