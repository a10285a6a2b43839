package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	JobStatusCreated    = "created"
	JobStatusQueued     = "queued"
	JobStatusProcessing = "processing"
	JobStatusSucceeded  = "succeeded"
	JobStatusFailed     = "failed"

	SourceTypeLocalFile   = "local_file"
	SourceTypeS3Presigned = "s3_presigned"
)

type CreateJobRequest struct {
	SourceType       string     `json:"source_type"`
	WebhookURL       string     `json:"webhook_url,omitempty"`
	ProductKey       string     `json:"product_key,omitempty"`
	BackgroundKey    string     `json:"background_key,omitempty"`
	Transform        *Transform `json:"transform,omitempty"`
	Filename         string     `json:"filename,omitempty"`
	OriginalName     string     `json:"original_name,omitempty"`
	RemoveBackground bool       `json:"remove_background,omitempty"`
}

type Job struct {
	ID               string
	Status           string
	SourceType       string
	WebhookURL       string
	ProductKey       string
	BackgroundKey    string
	Transform        Transform
	Filename         string
	OriginalName     string
	RemoveBackground bool
	Result           ExportResult
	OutputKey        string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (r CreateJobRequest) Validate() error {
	sourceType := strings.ToLower(strings.TrimSpace(r.SourceType))
	if sourceType == "" {
		return errors.New("source_type is required")
	}
	if sourceType != SourceTypeLocalFile && sourceType != SourceTypeS3Presigned {
		return fmt.Errorf("unsupported source_type: %s", r.SourceType)
	}
	if sourceType == SourceTypeLocalFile {
		if strings.TrimSpace(r.ProductKey) == "" {
			return errors.New("product_key is required for source_type=local_file")
		}
		if strings.TrimSpace(r.BackgroundKey) == "" {
			return errors.New("background_key is required for source_type=local_file")
		}
	}
	return nil
}

// TransformOrIdentity returns the requested transform, defaulting to the
// identity placement when none was given.
func (r CreateJobRequest) TransformOrIdentity() Transform {
	if r.Transform == nil || r.Transform.IsZero() {
		return IdentityTransform()
	}
	return *r.Transform
}
