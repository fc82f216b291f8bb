package httputil

import (
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"

	"github.com/bmagent/agent/internal/logging"
)

var log = logging.L("httputil")

// maxTextBody caps GetText responses; lookups return a short line.
const maxTextBody = 4 * 1024

// RetryConfig controls how GetText retries transient failures.
type RetryConfig struct {
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	JitterFrac    float64 // ±fraction of each delay, e.g. 0.3
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:    2,
		InitialDelay:  500 * time.Millisecond,
		MaxDelay:      5 * time.Second,
		BackoffFactor: 2.0,
		JitterFrac:    0.3,
	}
}

// RetryableStatusError is returned when every attempt ended in a transient
// server status.
type RetryableStatusError struct {
	StatusCode int
	URL        string
}

func (e *RetryableStatusError) Error() string {
	return fmt.Sprintf("GET %s: still %d after retries", e.URL, e.StatusCode)
}

func retryable(code int) bool {
	switch code {
	case http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// GetText fetches url and returns its body trimmed of whitespace. Transport
// errors and transient statuses are retried with exponential backoff; any
// other non-2xx status fails immediately.
func GetText(ctx context.Context, client *http.Client, url string, cfg RetryConfig) (string, error) {
	var lastErr error
	delay := cfg.InitialDelay

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			wait := jitter(delay, cfg.JitterFrac)
			log.Debug("retrying request", "attempt", attempt, "delay", wait, "url", url)
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(wait):
			}
			delay = min(time.Duration(float64(delay)*cfg.BackoffFactor), cfg.MaxDelay)
		}

		text, retry, err := getOnce(ctx, client, url)
		if err == nil {
			return text, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if !retry {
			return "", err
		}
		lastErr = err
	}

	log.Warn("all retries exhausted", "url", url, "attempts", cfg.MaxRetries+1, logging.KeyError, lastErr)
	return "", lastErr
}

func getOnce(ctx context.Context, client *http.Client, url string) (text string, retry bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", false, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", true, err
	}
	defer resp.Body.Close()

	switch {
	case retryable(resp.StatusCode):
		return "", true, &RetryableStatusError{StatusCode: resp.StatusCode, URL: url}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return "", false, fmt.Errorf("GET %s: unexpected status %d", url, resp.StatusCode)
	}

	b, err := io.ReadAll(io.LimitReader(resp.Body, maxTextBody))
	if err != nil {
		return "", true, fmt.Errorf("GET %s: read body: %w", url, err)
	}
	return strings.TrimSpace(string(b)), false, nil
}

func jitter(d time.Duration, frac float64) time.Duration {
	if frac <= 0 {
		return d
	}
	spread := float64(d) * frac * (2*rand.Float64() - 1)
	return max(time.Duration(float64(d)+spread), 0)
}
