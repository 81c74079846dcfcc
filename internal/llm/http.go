package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/stepwise/internal/config"
	"github.com/fyrsmithlabs/stepwise/internal/logging"
)

// maxResponseBytes bounds how much of a response body is read.
const maxResponseBytes = 8 << 20

// httpClient holds what the provider clients share: transport, rate limiter
// and retry policy.
type httpClient struct {
	provider   string
	model      string
	apiKey     config.Secret
	baseURL    string
	http       *http.Client
	limiter    *rate.Limiter
	maxRetries int
	backoff    time.Duration
	logger     *logging.Logger
}

func newHTTPClient(provider string, cfg config.LLMConfig, defaultModel, defaultBaseURL string, opts []Option) (*httpClient, error) {
	if !cfg.APIKey.IsSet() {
		return nil, fmt.Errorf("%w for %s", ErrMissingAPIKey, provider)
	}

	c := &httpClient{
		provider:   provider,
		model:      cfg.Model,
		apiKey:     cfg.APIKey,
		baseURL:    cfg.BaseURL,
		maxRetries: cfg.MaxRetries,
		backoff:    defaultBaseBackoff,
		logger:     logging.NewNop(),
	}
	if c.model == "" {
		c.model = defaultModel
	}
	if c.baseURL == "" {
		c.baseURL = defaultBaseURL
	}
	if c.maxRetries < 0 {
		c.maxRetries = defaultMaxRetries
	}

	timeout := cfg.Timeout.Duration()
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	c.http = &http.Client{Timeout: timeout}

	rpm := cfg.RequestsPerMinute
	if rpm <= 0 {
		rpm = defaultRequestsPerMin
	}
	c.limiter = rate.NewLimiter(rate.Limit(float64(rpm)/60.0), defaultBurst)

	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// do sends body to path with retries and exponential backoff, decoding a 200
// response into out.
func (c *httpClient) do(ctx context.Context, path string, headers map[string]string, body any, out any, decodeErr func([]byte) string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return &ModelError{Provider: c.provider, Err: fmt.Errorf("rate limiter: %w", err)}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return &ModelError{Provider: c.provider, Err: fmt.Errorf("marshal request: %w", err)}
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			wait := c.backoff * time.Duration(1<<(attempt-1))
			c.logger.Debug(ctx, "retrying model request",
				zap.String("provider", c.provider),
				zap.Int("attempt", attempt),
				zap.Duration("backoff", wait),
				zap.Error(lastErr))
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return &ModelError{Provider: c.provider, Err: ctx.Err()}
			}
		}

		err := c.once(ctx, path, headers, payload, out, decodeErr)
		if err == nil {
			return nil
		}
		lastErr = err
		if !IsRetryable(err) || ctx.Err() != nil {
			return err
		}
	}
	return lastErr
}

func (c *httpClient) once(ctx context.Context, path string, headers map[string]string, payload []byte, out any, decodeErr func([]byte) string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return &ModelError{Provider: c.provider, Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		retry := !errors.Is(err, context.Canceled)
		return &ModelError{Provider: c.provider, Retryable: retry, Err: fmt.Errorf("request failed: %w", err)}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return &ModelError{Provider: c.provider, StatusCode: resp.StatusCode, Retryable: true, Err: fmt.Errorf("read response: %w", err)}
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return &ModelError{Provider: c.provider, StatusCode: resp.StatusCode, Retryable: true, Err: errors.New("rate limited")}
	case resp.StatusCode >= 500:
		return &ModelError{Provider: c.provider, StatusCode: resp.StatusCode, Retryable: true, Err: fmt.Errorf("server error: %s", errorMessage(data, decodeErr))}
	case resp.StatusCode != http.StatusOK:
		return &ModelError{Provider: c.provider, StatusCode: resp.StatusCode, Err: errors.New(errorMessage(data, decodeErr))}
	}

	if err := json.Unmarshal(data, out); err != nil {
		return &ModelError{Provider: c.provider, StatusCode: resp.StatusCode, Err: fmt.Errorf("parse response: %w", err)}
	}
	return nil
}

func errorMessage(body []byte, decode func([]byte) string) string {
	if decode != nil {
		if msg := decode(body); msg != "" {
			return msg
		}
	}
	if len(body) > 512 {
		body = body[:512]
	}
	return string(body)
}
