package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	HeaderSignature = "X-Thumbforge-Signature"
	HeaderTimestamp = "X-Thumbforge-Timestamp"
	HeaderEvent     = "X-Thumbforge-Event"
	HeaderDelivery  = "X-Thumbforge-Delivery"
	HeaderAttempt   = "X-Thumbforge-Attempt"
)

// ErrRejected marks a receiver that refused the event with a client error.
// Sending the same event again cannot succeed.
var ErrRejected = errors.New("webhook rejected")

type Config struct {
	SigningSecret  string
	Timeout        time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

type Client struct {
	httpClient     *http.Client
	signingSecret  string
	maxAttempts    int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	now            func() time.Time
}

func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	initialBackoff := cfg.InitialBackoff
	if initialBackoff <= 0 {
		initialBackoff = time.Second
	}

	return &Client{
		httpClient:     &http.Client{Timeout: timeout},
		signingSecret:  cfg.SigningSecret,
		maxAttempts:    max(1, cfg.MaxAttempts),
		initialBackoff: initialBackoff,
		maxBackoff:     max(cfg.MaxBackoff, initialBackoff),
		now:            time.Now,
	}
}

// Deliver posts ev to endpoint, signed once and retried with exponential
// backoff. Every attempt carries the same delivery id so receivers can drop
// duplicates. An empty endpoint is a no-op.
func (c *Client) Deliver(ctx context.Context, endpoint string, ev Event) error {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil
	}

	now := c.now().UTC()
	if ev.DeliveryID == "" {
		ev.DeliveryID = uuid.NewString()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = now
	}

	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", ev.Type, err)
	}
	timestamp := strconv.FormatInt(now.Unix(), 10)
	signature := Sign(c.signingSecret, timestamp, body)

	backoff := c.initialBackoff
	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		lastErr = c.post(ctx, endpoint, body, ev, timestamp, signature, attempt)
		if lastErr == nil {
			return nil
		}
		if errors.Is(lastErr, ErrRejected) || ctx.Err() != nil || attempt == c.maxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, c.maxBackoff)
	}

	return fmt.Errorf("deliver %s for job %s: %w", ev.Type, ev.JobID, lastErr)
}

func (c *Client) post(ctx context.Context, endpoint string, body []byte, ev Event, timestamp, signature string, attempt int) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: build request: %w", ErrRejected, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderTimestamp, timestamp)
	req.Header.Set(HeaderSignature, signature)
	req.Header.Set(HeaderEvent, ev.Type)
	req.Header.Set(HeaderDelivery, ev.DeliveryID)
	req.Header.Set(HeaderAttempt, strconv.Itoa(attempt))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("attempt %d: %w", attempt, err)
	}
	resp.Body.Close()

	switch code := resp.StatusCode; {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests, code >= 500:
		return fmt.Errorf("attempt %d: status=%d", attempt, code)
	default:
		return fmt.Errorf("%w: status=%d", ErrRejected, code)
	}
}

// Sign returns the signature header value for body sent at timestamp.
func Sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature matches body and timestamp under secret.
func Verify(secret, timestamp, signature string, body []byte) bool {
	return hmac.Equal([]byte(Sign(secret, timestamp, body)), []byte(signature))
}
