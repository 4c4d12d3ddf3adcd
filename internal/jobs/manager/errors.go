package manager

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/google/uuid"

	types "github.com/varianteffect/mavedb-worker/internal/domain"
	"github.com/varianteffect/mavedb-worker/internal/pkg/httpx"
)

// TransitionError reports a lifecycle operation invoked against the wrong
// status. It is a programming error and is never retried.
type TransitionError struct {
	JobID uuid.UUID
	Op    string
	From  string
	To    string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid transition %s: job %s cannot go from %q to %q", e.Op, e.JobID, e.From, e.To)
}

// StatePersistenceError wraps a failed job-state write. The surrounding
// transaction aborts; the next coordination pass recovers.
type StatePersistenceError struct {
	Op  string
	Err error
}

func (e *StatePersistenceError) Error() string {
	return fmt.Sprintf("persist job state (%s): %v", e.Op, e.Err)
}

func (e *StatePersistenceError) Unwrap() error { return e.Err }

// CoordinationError reports an unrecoverable pipeline operation failure.
type CoordinationError struct {
	PipelineID uuid.UUID
	Op         string
	Err        error
}

func (e *CoordinationError) Error() string {
	return fmt.Sprintf("coordinate pipeline %s (%s): %v", e.PipelineID, e.Op, e.Err)
}

func (e *CoordinationError) Unwrap() error { return e.Err }

// EnqueueError reports a rejected queue submission. The job stays pending
// and the next coordination pass retries it.
type EnqueueError struct {
	JobID uuid.UUID
	Err   error
}

func (e *EnqueueError) Error() string {
	return fmt.Sprintf("enqueue job %s: %v", e.JobID, e.Err)
}

func (e *EnqueueError) Unwrap() error { return e.Err }

// ValidationError carries operator-facing detail from dataframe or variant
// validation. It is deterministic and never retried.
type ValidationError struct {
	Message string
	Detail  map[string]any
}

func (e *ValidationError) Error() string { return e.Message }

// ClassifyFailure maps an error to a failure category for retry decisions.
// Timeouts and transport faults are worth retrying; validation faults are
// not; anything unrecognized stays unknown.
func ClassifyFailure(err error) types.FailureCategory {
	if err == nil {
		return types.FailureUnknown
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return types.FailureValidationError
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return types.FailureTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return types.FailureTimeout
		}
		return types.FailureNetworkError
	}
	var sc httpx.HTTPStatusCoder
	if errors.As(err, &sc) {
		code := sc.HTTPStatusCode()
		switch {
		case code == 408:
			return types.FailureTimeout
		case code == 429 || (code >= 500 && code <= 599):
			return types.FailureServiceUnavailable
		}
	}
	return types.FailureUnknown
}
