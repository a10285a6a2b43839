package imageio

import (
	"bytes"
	"fmt"
	"image"
	"strings"
)

const (
	// DefaultMaxUploadBytes caps uploads when no limit is configured.
	DefaultMaxUploadBytes = 10 * 1024 * 1024
	// DefaultMaxPixels caps declared width×height when no limit is configured.
	DefaultMaxPixels = 50_000_000
)

var uploadFormats = map[string]struct{}{
	"png":  {},
	"jpeg": {},
}

type ValidationResult struct {
	Valid  bool    `json:"valid"`
	Error  string  `json:"error,omitempty"`
	SizeMB float64 `json:"size_mb"`
	Width  int     `json:"width"`
	Height int     `json:"height"`
	Format string  `json:"format,omitempty"`
}

// Validate checks an uploaded product image: present, within maxBytes and
// maxPixels, encoded as PNG or JPEG. Only the header is decoded.
func Validate(data []byte, maxBytes, maxPixels int64) ValidationResult {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxUploadBytes
	}
	if maxPixels <= 0 {
		maxPixels = DefaultMaxPixels
	}

	sizeMB := float64(len(data)) / (1024 * 1024)
	if len(data) == 0 {
		return ValidationResult{Error: "no file provided"}
	}
	if int64(len(data)) > maxBytes {
		return ValidationResult{
			Error:  fmt.Sprintf("file too large (%.1fMB), limit is %.0fMB", sizeMB, float64(maxBytes)/(1024*1024)),
			SizeMB: sizeMB,
		}
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return ValidationResult{Error: fmt.Sprintf("unreadable image: %v", err), SizeMB: sizeMB}
	}

	result := ValidationResult{
		SizeMB: sizeMB,
		Width:  cfg.Width,
		Height: cfg.Height,
		Format: format,
	}
	if _, ok := uploadFormats[format]; !ok {
		result.Error = fmt.Sprintf("format %s is not accepted, use PNG or JPEG", strings.ToUpper(format))
		return result
	}
	if int64(cfg.Width)*int64(cfg.Height) > maxPixels {
		result.Error = fmt.Sprintf("image is %dx%d, limit is %d pixels", cfg.Width, cfg.Height, maxPixels)
		return result
	}

	result.Valid = true
	return result
}
