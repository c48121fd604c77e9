package ingestion

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"golang.org/x/sync/semaphore"

	"github.com/Chichichkin/TelemetryAgent/internal/logging"
)

const (
	DefaultBaseURL = "https://in.appcenter.ms"
	apiPath        = "/logs?api-version=1.0.0"

	HeaderAppSecret    = "App-Secret"
	HeaderInstallID    = "Install-ID"
	HeaderRetryAfterMs = "X-MS-Retry-After-Ms"

	// Bodies at least this large are gzip-compressed.
	minCompressSize = 1400
	maxErrorBody    = 4096
)

// ErrQueueFull is returned when the sender already runs its maximum number
// of requests.
var ErrQueueFull = errors.New("ingestion: too many requests in flight")

type Payload struct {
	Logs []logging.Record `json:"logs"`
}

// HTTPError is returned for any non-2xx response.
type HTTPError struct {
	StatusCode int
	Body       string
	Header     http.Header
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("ingestion returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("ingestion returned status %d: %s", e.StatusCode, e.Body)
}

// RetryAfter returns the server-requested delay, if any.
func (e *HTTPError) RetryAfter() (time.Duration, bool) {
	raw := e.Header.Get(HeaderRetryAfterMs)
	if raw == "" {
		return 0, false
	}
	ms, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || ms < 0 {
		return 0, false
	}
	return time.Duration(ms) * time.Millisecond, true
}

type Options struct {
	BaseURL     string
	AppSecret   string
	InstallID   string
	BearerToken string
	Timeout     time.Duration
	// MaxInflight caps concurrent requests; 0 means unlimited.
	MaxInflight int64
	Client      *http.Client
	Logger      *slog.Logger
}

// Sender posts batches of records to the ingestion endpoint.
type Sender struct {
	baseURL     string
	appSecret   string
	installID   string
	bearerToken string
	httpClient  *http.Client
	inflight    *semaphore.Weighted
	logger      *slog.Logger
}

func NewSender(opts Options) *Sender {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: opts.Timeout}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Sender{
		baseURL:     strings.TrimSuffix(opts.BaseURL, "/"),
		appSecret:   opts.AppSecret,
		installID:   opts.InstallID,
		bearerToken: opts.BearerToken,
		httpClient:  client,
		logger:      logger,
	}
	if opts.MaxInflight > 0 {
		s.inflight = semaphore.NewWeighted(opts.MaxInflight)
	}
	return s
}

func (s *Sender) SendBatch(ctx context.Context, batch []logging.Record) error {
	if len(batch) == 0 {
		return nil
	}
	if s.inflight != nil {
		if !s.inflight.TryAcquire(1) {
			return ErrQueueFull
		}
		defer s.inflight.Release(1)
	}

	body, err := json.Marshal(createPayload(batch))
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	if err := s.sendRequest(ctx, body); err != nil {
		return err
	}
	s.logger.Debug("sent batch", "count", len(batch), "app_secret", HideSecret(s.appSecret))
	return nil
}

func createPayload(batch []logging.Record) Payload {
	logs := make([]logging.Record, len(batch))
	copy(logs, batch)
	return Payload{Logs: logs}
}

func (s *Sender) sendRequest(ctx context.Context, body []byte) error {
	var (
		reader   io.Reader = bytes.NewReader(body)
		encoding string
	)
	if len(body) >= minCompressSize {
		compressed, err := compress(body)
		if err != nil {
			return fmt.Errorf("failed to compress payload: %w", err)
		}
		reader = bytes.NewReader(compressed)
		encoding = "gzip"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+apiPath, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if encoding != "" {
		req.Header.Set("Content-Encoding", encoding)
	}
	if s.appSecret != "" {
		req.Header.Set(HeaderAppSecret, s.appSecret)
	}
	if s.installID != "" {
		req.Header.Set(HeaderInstallID, s.installID)
	}
	if s.bearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+s.bearerToken)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		responseBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Body:       string(responseBody),
			Header:     resp.Header.Clone(),
		}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func compress(body []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(body); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// HideSecret masks all but the last 8 characters of secret.
func HideSecret(secret string) string {
	const visible = 8
	if len(secret) <= visible {
		return strings.Repeat("*", len(secret))
	}
	return strings.Repeat("*", len(secret)-visible) + secret[len(secret)-visible:]
}

// HideToken masks a bearer token entirely.
func HideToken(token string) string {
	if token == "" {
		return ""
	}
	return "***"
}
