// Package httpretry provides an HTTP client with bounded retries,
// exponential backoff, and jitter for calls to external endpoints.
package httpretry

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/flowmail/flowmail/internal/pkg/logger"
)

// Config tunes a Client. Zero values pick sane defaults.
type Config struct {
	MaxRetries int           // retries after the initial attempt, default 3
	Timeout    time.Duration // per-request timeout, default 30s
	BaseDelay  time.Duration // first backoff step, default 500ms
	MaxDelay   time.Duration // backoff ceiling, default 15s
}

// Client retries transient failures: 429, 5xx, and network errors.
// Client errors (4xx other than 429) return immediately.
type Client struct {
	http *http.Client
	cfg  Config
	log  zerolog.Logger
}

// New creates a retrying client.
func New(cfg Config) *Client {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 500 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 15 * time.Second
	}
	return &Client{
		http: &http.Client{Timeout: cfg.Timeout},
		cfg:  cfg,
		log:  logger.For("httpretry"),
	}
}

// PostJSON posts a JSON body with the given headers, retrying transient
// failures. Returns the final status code and a snippet of the response
// body. The last response is returned even when it is an error status,
// so callers can record what the endpoint said.
func (c *Client) PostJSON(ctx context.Context, url string, body []byte, headers map[string]string) (int, string, error) {
	var lastStatus int
	var lastBody string
	var lastErr error

	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := c.backoff(attempt)
			c.log.Debug().Str("url", url).Int("attempt", attempt).
				Dur("delay", delay).Msg("retrying request")
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return lastStatus, lastBody, ctx.Err()
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return 0, "", fmt.Errorf("build request: %w", err)
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return lastStatus, lastBody, err
			}
			continue
		}

		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		lastStatus = resp.StatusCode
		lastBody = string(snippet)
		lastErr = nil

		if !retryable(resp.StatusCode) || attempt == c.cfg.MaxRetries {
			return lastStatus, lastBody, nil
		}
	}
	return lastStatus, lastBody, lastErr
}

func retryable(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

// backoff doubles the base delay per attempt with up to 25% jitter.
func (c *Client) backoff(attempt int) time.Duration {
	d := time.Duration(float64(c.cfg.BaseDelay) * math.Pow(2, float64(attempt-1)))
	if d > c.cfg.MaxDelay {
		d = c.cfg.MaxDelay
	}
	jitter := time.Duration(rand.Int63n(int64(d)/4 + 1))
	return d + jitter
}
