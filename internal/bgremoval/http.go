package bgremoval

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/dunamismax/thumbforge/internal/imageio"
)

const maxResponseBytes = 64 << 20

type HTTPConfig struct {
	Endpoint   string
	HealthPath string
	Timeout    time.Duration
}

// HTTPRemover posts the image to a remote removal service and decodes the
// image it answers with.
type HTTPRemover struct {
	endpoint   string
	healthPath string
	httpClient *http.Client
}

func NewHTTPRemover(cfg HTTPConfig) *HTTPRemover {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPRemover{
		endpoint:   strings.TrimRight(strings.TrimSpace(cfg.Endpoint), "/"),
		healthPath: cfg.HealthPath,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (r *HTTPRemover) Available(ctx context.Context) bool {
	if r.endpoint == "" {
		return false
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.endpoint+r.healthPath, nil)
	if err != nil {
		return false
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

func (r *HTTPRemover) RemoveBackground(ctx context.Context, img image.Image) (image.Image, error) {
	if r.endpoint == "" {
		return nil, fmt.Errorf("remote remover: endpoint is not configured")
	}

	body, contentType, err := multipartImage(img)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("build removal request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "image/png")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call removal service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("removal service returned status=%d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read removal response: %w", err)
	}
	if len(data) == 0 {
		return nil, ErrNoResult
	}

	out, err := imageio.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("removal response: %w", err)
	}
	return out, nil
}

func multipartImage(img image.Image) (*bytes.Buffer, string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	part, err := mw.CreateFormFile("image", "image.png")
	if err != nil {
		return nil, "", fmt.Errorf("create multipart part: %w", err)
	}
	if err := png.Encode(part, img); err != nil {
		return nil, "", fmt.Errorf("encode removal input: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, "", fmt.Errorf("close multipart body: %w", err)
	}
	return &body, mw.FormDataContentType(), nil
}
