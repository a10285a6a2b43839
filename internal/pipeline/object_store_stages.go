package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/dunamismax/thumbforge/internal/domain"
)

type ObjectReader interface {
	ReadObject(ctx context.Context, objectKey string) ([]byte, error)
}

type FileUploader interface {
	UploadFile(ctx context.Context, objectKey, filePath, contentType string) error
}

// UploadKeys returns the object keys presigned uploads land on for a job.
func UploadKeys(jobID string) (product, background string) {
	prefix := path.Join("uploads", sanitizePathToken(jobID))
	return path.Join(prefix, string(RoleProduct)), path.Join(prefix, string(RoleBackground))
}

type ObjectStoreFetcher struct {
	Storage ObjectReader
}

func (f ObjectStoreFetcher) Fetch(ctx context.Context, req Request, role Role) ([]byte, error) {
	if f.Storage == nil {
		return nil, errors.New("storage client is required")
	}
	if strings.EqualFold(req.SourceType, SourceTypeLocalFile) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedSourceType, req.SourceType)
	}

	key := req.key(role)
	if strings.TrimSpace(key) == "" {
		product, background := UploadKeys(req.JobID)
		key = product
		if role == RoleBackground {
			key = background
		}
	}
	return f.Storage.ReadObject(ctx, key)
}

// ObjectStoreEmitter mirrors exported thumbnails to
// <prefix>/<job id>/<filename>.
type ObjectStoreEmitter struct {
	Storage      FileUploader
	OutputPrefix string
}

func (e ObjectStoreEmitter) Emit(ctx context.Context, req Request, result domain.ExportResult) (string, error) {
	if e.Storage == nil {
		return "", errors.New("storage client is required")
	}
	if strings.TrimSpace(result.FilePath) == "" {
		return "", errors.New("export file path is required")
	}

	objectKey := OutputKey(e.OutputPrefix, req.JobID, result.Filename)
	if err := e.Storage.UploadFile(ctx, objectKey, result.FilePath, "image/png"); err != nil {
		return "", err
	}
	return objectKey, nil
}

func OutputKey(prefix, jobID, filename string) string {
	return path.Join(defaultOutputPrefix(prefix), sanitizePathToken(jobID), sanitizePathToken(filename))
}

func defaultOutputPrefix(prefix string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return "outputs"
	}
	return prefix
}
