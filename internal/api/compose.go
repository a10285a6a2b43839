package api

import (
	"errors"
	"fmt"
	"image"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/dunamismax/thumbforge/internal/domain"
	"github.com/dunamismax/thumbforge/internal/id"
	"github.com/dunamismax/thumbforge/internal/imageio"
	"github.com/dunamismax/thumbforge/internal/pipeline"
)

const multipartOverheadBytes = 1 << 20

// handleCompose renders a thumbnail synchronously from a multipart form with
// a "product" file and either a "background" file or a "background_name"
// from the catalog. Optional fields: x, y, scale, rotation, filename,
// remove_background.
func (s *Server) handleCompose(w http.ResponseWriter, r *http.Request) {
	if s.composer == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "composition is unavailable"})
		return
	}

	maxBytes := s.maxUploadBytes
	if maxBytes <= 0 {
		maxBytes = imageio.DefaultMaxUploadBytes
	}
	r.Body = http.MaxBytesReader(w, r.Body, 2*maxBytes+multipartOverheadBytes)
	if err := r.ParseMultipartForm(multipartOverheadBytes); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("invalid multipart body: %v", err)})
		return
	}
	defer r.MultipartForm.RemoveAll()

	transform, err := parseTransform(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	product, productName, err := s.readUpload(r, "product", maxBytes)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	background, err := s.readBackground(r, maxBytes)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	removeBackground, _ := strconv.ParseBool(r.FormValue("remove_background"))
	req := pipeline.Request{
		JobID:            id.New(),
		Transform:        transform,
		Filename:         r.FormValue("filename"),
		OriginalName:     productName,
		RemoveBackground: removeBackground,
	}

	result, err := s.composer.ComposeImages(r.Context(), product, background, req)
	annotateComposition(r.Context(), req, result)
	switch {
	case errors.Is(err, pipeline.ErrExportFailed):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"result": result.Export})
		return
	case err != nil:
		s.logger.Error("composition failed", zap.String("job_id", req.JobID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "composition failed"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"job_id":           req.JobID,
		"result":           result.Export,
		"transform":        transform,
		"removal_strategy": result.RemovalStrategy,
	})
}

func (s *Server) readUpload(r *http.Request, field string, maxBytes int64) (image.Image, string, error) {
	file, header, err := r.FormFile(field)
	if err != nil {
		return nil, "", fmt.Errorf("%s file is required", field)
	}
	defer file.Close()

	img, err := decodeUpload(file, header, maxBytes, s.maxUploadPixels)
	if err != nil {
		return nil, "", fmt.Errorf("%s: %w", field, err)
	}
	return img, filepath.Base(header.Filename), nil
}

func (s *Server) readBackground(r *http.Request, maxBytes int64) (image.Image, error) {
	if name := strings.TrimSpace(r.FormValue("background_name")); name != "" {
		path := s.localFiles.Resolve(pipeline.RoleBackground, name)
		img, err := imageio.Load(path)
		if err != nil {
			return nil, fmt.Errorf("background %s: %w", filepath.Base(name), err)
		}
		return img, nil
	}

	img, _, err := s.readUpload(r, "background", maxBytes)
	return img, err
}

func decodeUpload(file multipart.File, header *multipart.FileHeader, maxBytes, maxPixels int64) (image.Image, error) {
	if header.Size > maxBytes {
		return nil, fmt.Errorf("file too large, limit is %dMB", maxBytes/(1024*1024))
	}

	data, err := io.ReadAll(io.LimitReader(file, maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read upload: %w", err)
	}

	check := imageio.Validate(data, maxBytes, maxPixels)
	if !check.Valid {
		return nil, errors.New(check.Error)
	}
	return imageio.Decode(data)
}

func parseTransform(r *http.Request) (domain.Transform, error) {
	x, err := formInt(r, "x", 0)
	if err != nil {
		return domain.Transform{}, err
	}
	y, err := formInt(r, "y", 0)
	if err != nil {
		return domain.Transform{}, err
	}
	scale, err := formFloat(r, "scale", 1.0)
	if err != nil {
		return domain.Transform{}, err
	}
	rotation, err := formFloat(r, "rotation", 0)
	if err != nil {
		return domain.Transform{}, err
	}
	return domain.NewTransform(x, y, scale, rotation), nil
}

func formInt(r *http.Request, key string, fallback int) (int, error) {
	value := strings.TrimSpace(r.FormValue(key))
	if value == "" {
		return fallback, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", key)
	}
	return parsed, nil
}

func formFloat(r *http.Request, key string, fallback float64) (float64, error) {
	value := strings.TrimSpace(r.FormValue(key))
	if value == "" {
		return fallback, nil
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be a number", key)
	}
	return parsed, nil
}
