package webhook

import (
	"time"

	"github.com/dunamismax/thumbforge/internal/domain"
)

const (
	EventCompleted = "thumbnail.completed"
	EventFailed    = "thumbnail.failed"
)

// Subject identifies the job an event reports on.
type Subject struct {
	JobID       string
	SourceType  string
	Transform   domain.Transform
	RequestedAt time.Time
}

// Event is the JSON body delivered to a job's webhook URL.
type Event struct {
	Type        string               `json:"event"`
	DeliveryID  string               `json:"delivery_id"`
	JobID       string               `json:"job_id"`
	Status      string               `json:"status"`
	SourceType  string               `json:"source_type"`
	Transform   domain.Transform     `json:"transform"`
	RequestedAt time.Time            `json:"requested_at"`
	OccurredAt  time.Time            `json:"occurred_at"`
	Result      *domain.ExportResult `json:"result,omitempty"`
	OutputKey   string               `json:"output_key,omitempty"`
	Error       string               `json:"error,omitempty"`
}

// Completed reports a saved thumbnail and where it was uploaded.
func Completed(sub Subject, result domain.ExportResult, outputKey string) Event {
	return Event{
		Type:        EventCompleted,
		JobID:       sub.JobID,
		Status:      domain.JobStatusSucceeded,
		SourceType:  sub.SourceType,
		Transform:   sub.Transform,
		RequestedAt: sub.RequestedAt,
		Result:      &result,
		OutputKey:   outputKey,
	}
}

// Failed reports a job that produced no thumbnail. The export result is
// attached only when the export stage ran.
func Failed(sub Subject, result domain.ExportResult, err error) Event {
	ev := Event{
		Type:        EventFailed,
		JobID:       sub.JobID,
		Status:      domain.JobStatusFailed,
		SourceType:  sub.SourceType,
		Transform:   sub.Transform,
		RequestedAt: sub.RequestedAt,
	}
	if result.Filename != "" {
		ev.Result = &result
	}
	if err != nil {
		ev.Error = err.Error()
	}
	return ev
}
