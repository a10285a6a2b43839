package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/dunamismax/thumbforge/internal/domain"
)

const TypeComposeThumbnail = "thumbnail:compose"

type ComposeThumbnailPayload struct {
	JobID            string           `json:"job_id"`
	SourceType       string           `json:"source_type"`
	WebhookURL       string           `json:"webhook_url,omitempty"`
	ProductKey       string           `json:"product_key"`
	BackgroundKey    string           `json:"background_key"`
	Transform        domain.Transform `json:"transform"`
	Filename         string           `json:"filename,omitempty"`
	OriginalName     string           `json:"original_name,omitempty"`
	RemoveBackground bool             `json:"remove_background,omitempty"`
	RequestedAt      time.Time        `json:"requested_at"`
}

// PayloadForJob builds the task payload for a stored job.
func PayloadForJob(job domain.Job, requestedAt time.Time) ComposeThumbnailPayload {
	return ComposeThumbnailPayload{
		JobID:            job.ID,
		SourceType:       job.SourceType,
		WebhookURL:       job.WebhookURL,
		ProductKey:       job.ProductKey,
		BackgroundKey:    job.BackgroundKey,
		Transform:        job.Transform,
		Filename:         job.Filename,
		OriginalName:     job.OriginalName,
		RemoveBackground: job.RemoveBackground,
		RequestedAt:      requestedAt,
	}
}

func NewComposeThumbnailTask(payload ComposeThumbnailPayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal compose payload: %w", err)
	}
	return asynq.NewTask(TypeComposeThumbnail, body), nil
}

func ParseComposeThumbnailPayload(task *asynq.Task) (ComposeThumbnailPayload, error) {
	var payload ComposeThumbnailPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return ComposeThumbnailPayload{}, fmt.Errorf("unmarshal compose payload: %w", err)
	}
	return payload, nil
}
