// Sharewatch - Media Server Account Sharing Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sharewatch

package mediaserver

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/goccy/go-json"

	"github.com/tomtom215/sharewatch/internal/logging"
)

const (
	maxRateLimitRetries = 2
	rateLimitBaseDelay  = 500 * time.Millisecond
	maxErrorBody        = 512
)

// requestConfig describes one vendor API call.
type requestConfig struct {
	method string
	path   string
	query  url.Values
	body   interface{}
	// accept lists acceptable status codes; empty means 200 only.
	accept []int
}

// apiClient is the HTTP plumbing shared by the adapters.
type apiClient struct {
	baseURL    string
	authorize  func(*http.Request)
	httpClient *http.Client
}

func newAPIClient(baseURL string, authorize func(*http.Request)) *apiClient {
	return &apiClient{
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		authorize: authorize,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// do executes cfg and decodes a JSON response into result when non-nil.
func (c *apiClient) do(ctx context.Context, cfg requestConfig, result interface{}) error {
	reqURL := c.baseURL + cfg.path
	if len(cfg.query) > 0 {
		reqURL += "?" + cfg.query.Encode()
	}

	var payload []byte
	if cfg.body != nil {
		var err error
		if payload, err = json.Marshal(cfg.body); err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
	}

	resp, err := c.doWithRateLimit(ctx, cfg.method, reqURL, payload)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if !statusAccepted(resp.StatusCode, cfg.accept) {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return fmt.Errorf("%s %s returned status %d: %s", cfg.method, cfg.path, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("decode %s response: %w", cfg.path, err)
		}
	}
	return nil
}

func statusAccepted(code int, accept []int) bool {
	if len(accept) == 0 {
		return code == http.StatusOK
	}
	for _, a := range accept {
		if code == a {
			return true
		}
	}
	return false
}

func rateLimitBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = rateLimitBaseDelay
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxElapsedTime = 0
	return backoff.WithMaxRetries(b, maxRateLimitRetries)
}

// doWithRateLimit retries on HTTP 429, honouring Retry-After in seconds.
func (c *apiClient) doWithRateLimit(ctx context.Context, method, reqURL string, payload []byte) (*http.Response, error) {
	b := rateLimitBackOff()
	for attempt := 1; ; attempt++ {
		var body io.Reader = http.NoBody
		if payload != nil {
			body = strings.NewReader(string(payload))
		}
		req, err := http.NewRequestWithContext(ctx, method, reqURL, body)
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		c.authorize(req)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("execute request: %w", err)
		}
		if resp.StatusCode != http.StatusTooManyRequests {
			return resp, nil
		}
		_ = resp.Body.Close()

		delay := b.NextBackOff()
		if delay == backoff.Stop {
			return nil, fmt.Errorf("rate limit exceeded after %d retries", maxRateLimitRetries)
		}
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if secs, err := strconv.Atoi(ra); err == nil && secs >= 0 {
				delay = time.Duration(secs) * time.Second
			}
		}
		logging.Warn().Str("url", req.URL.Path).Dur("retry_delay", delay).Int("attempt", attempt).Msg("Media server rate limited, retrying")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
}
