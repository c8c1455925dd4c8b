// Package job defines the work item and transcript result records that
// travel between the producer, the queue, the workers, and the sink.
package job

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/batchscribe/batchscribe/internal/fault"
)

// DefaultValidity is how long a minted reference stays resolvable. It must
// comfortably exceed expected end-to-end processing latency so a requeued
// item can still be fetched by the next worker.
const DefaultValidity = time.Hour

// WorkItem is one unit of transcription work. It is created once by the
// producer, serialized onto the queue, and never mutated.
type WorkItem struct {
	// JobID uniquely identifies the item across redeliveries.
	JobID string `json:"job_id"`
	// Reference is the time-bounded presigned URL of the audio object.
	Reference string `json:"reference"`
	// EnqueuedAt is when the producer published the item.
	EnqueuedAt time.Time `json:"enqueued_at"`
	// ValidFor is how long Reference stays resolvable after EnqueuedAt.
	ValidFor time.Duration `json:"valid_for"`
}

// NewWorkItem creates a work item for a minted reference.
func NewWorkItem(reference string, validity time.Duration) WorkItem {
	if validity <= 0 {
		validity = DefaultValidity
	}
	return WorkItem{
		JobID:      uuid.New().String(),
		Reference:  reference,
		EnqueuedAt: time.Now().UTC(),
		ValidFor:   validity,
	}
}

// Expired reports whether the reference's validity window has passed.
func (w WorkItem) Expired(now time.Time) bool {
	return now.After(w.EnqueuedAt.Add(w.ValidFor))
}

// Encode serializes the work item for the queue.
func (w WorkItem) Encode() ([]byte, error) {
	return json.Marshal(w)
}

// DecodeWorkItem parses a queue message body. A body that does not decode or
// lacks a reference is a permanent fault: redelivering it can never help.
func DecodeWorkItem(body []byte) (WorkItem, error) {
	var w WorkItem
	if err := json.Unmarshal(body, &w); err != nil {
		return WorkItem{}, fault.Permanent("malformed work item", err)
	}
	if w.Reference == "" {
		return WorkItem{}, fault.Permanent("work item has no reference", nil)
	}
	return w, nil
}

// ResultStatus marks a transcript result as success or failure.
type ResultStatus string

const (
	// StatusSuccess marks a completed transcription.
	StatusSuccess ResultStatus = "success"
	// StatusFailure marks a terminally failed item.
	StatusFailure ResultStatus = "failure"
)

// TranscriptResult is the outcome of processing one work item. It lives for
// a single worker iteration and is handed to result delivery.
type TranscriptResult struct {
	JobID       string       `json:"job_id"`
	Reference   string       `json:"reference"`
	Text        string       `json:"text,omitempty"`
	Status      ResultStatus `json:"status"`
	ErrorDetail string       `json:"error_detail,omitempty"`
}

// Success builds a successful result for the item.
func (w WorkItem) Success(text string) TranscriptResult {
	return TranscriptResult{
		JobID:     w.JobID,
		Reference: w.Reference,
		Text:      text,
		Status:    StatusSuccess,
	}
}

// Failure builds a failed result for the item.
func (w WorkItem) Failure(err error) TranscriptResult {
	detail := ""
	if err != nil {
		detail = err.Error()
	}
	return TranscriptResult{
		JobID:       w.JobID,
		Reference:   w.Reference,
		Status:      StatusFailure,
		ErrorDetail: detail,
	}
}
