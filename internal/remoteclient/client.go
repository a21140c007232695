// Package remoteclient is a concrete implementation of overlaytypes.RemoteTree
// against an opaque JSON-over-HTTP asset API (SPEC_FULL.md ยง6 "Remote wire
// protocol"). It is grounded on the teacher's internal/graph/client.go: the
// same exponential-backoff retry loop, sentinel-error classification, and
// doOnce/doRetry split — generalized from the Microsoft Graph API to the
// generic assets API this tree talks to. It is supplied to overlay.New as a
// pluggable dependency; overlay/uploader never import this package directly
// (SPEC_FULL.md ยง1 external-collaborator boundary).
package remoteclient

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"net/http"
	"strconv"
	"time"
)

// Retry policy constants, carried over unchanged from the teacher's
// architecture-documented values (base 1s, factor 2x, max 60s, Β±25%
// jitter, 5 retries).
const (
	maxRetries     = 5
	baseBackoff    = 1 * time.Second
	maxBackoff     = 60 * time.Second
	backoffFactor  = 2.0
	jitterFraction = 0.25
	userAgent      = "rqtree/0.1"
)

// TokenSource supplies bearer tokens for authenticated requests. Defined at
// the consumer per "accept interfaces, return structs" (teacher convention).
type TokenSource interface {
	Token() (string, error)
}

// Client is an HTTP client for the remote asset repository's JSON API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	token      TokenSource
	logger     *slog.Logger

	// sleepFunc waits between retries; overridable in tests.
	sleepFunc func(ctx context.Context, d time.Duration) error
}

// NewClient creates a remote asset API client.
func NewClient(baseURL string, httpClient *http.Client, token TokenSource, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		token:      token,
		logger:     logger,
		sleepFunc:  timeSleep,
	}
}

// Do executes an authenticated HTTP request with automatic retry on
// transient errors. The caller closes the response body on success.
func (c *Client) Do(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	return c.doRetry(ctx, method, path, body, nil)
}

// DoWithHeaders behaves like Do but merges extraHeaders into every attempt
// (used for X-Destination/X-Depth/X-Overwrite on rename, ยง6).
func (c *Client) DoWithHeaders(ctx context.Context, method, path string, body io.Reader, extraHeaders http.Header) (*http.Response, error) {
	return c.doRetry(ctx, method, path, body, extraHeaders)
}

func (c *Client) doRetry(ctx context.Context, method, path string, body io.Reader, extraHeaders http.Header) (*http.Response, error) {
	url := c.baseURL + path

	var attempt int

	for {
		if err := rewindBody(body); err != nil {
			return nil, err
		}

		resp, err := c.doOnce(ctx, method, url, body, extraHeaders)
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("remoteclient: request canceled: %w", ctx.Err())
			}

			if attempt < maxRetries {
				backoff := c.calcBackoff(attempt)
				c.logger.Warn("remoteclient: retrying after network error",
					slog.String("method", method), slog.String("path", path),
					slog.Int("attempt", attempt+1), slog.Duration("backoff", backoff),
					slog.String("error", err.Error()))

				if sleepErr := c.sleepFunc(ctx, backoff); sleepErr != nil {
					return nil, fmt.Errorf("remoteclient: request canceled: %w", sleepErr)
				}

				attempt++

				continue
			}

			return nil, fmt.Errorf("remoteclient: %s %s failed after %d retries: %w", method, path, maxRetries, err)
		}

		if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
			return resp, nil
		}

		errBody, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()

		if readErr != nil {
			errBody = []byte("(failed to read response body)")
		}

		if IsRetryableStatus(resp.StatusCode) && attempt < maxRetries {
			backoff := c.retryBackoff(resp, attempt)
			c.logger.Warn("remoteclient: retrying after HTTP error",
				slog.String("method", method), slog.String("path", path),
				slog.Int("status", resp.StatusCode), slog.Int("attempt", attempt+1),
				slog.Duration("backoff", backoff))

			if err := c.sleepFunc(ctx, backoff); err != nil {
				return nil, fmt.Errorf("remoteclient: request canceled: %w", err)
			}

			attempt++

			continue
		}

		return nil, &StatusError{StatusCode: resp.StatusCode, Message: string(errBody), Err: ClassifyStatus(resp.StatusCode)}
	}
}

func (c *Client) doOnce(ctx context.Context, method, url string, body io.Reader, extraHeaders http.Header) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("remoteclient: creating request: %w", err)
	}

	if c.token != nil {
		tok, tokErr := c.token.Token()
		if tokErr != nil {
			return nil, fmt.Errorf("remoteclient: obtaining token: %w", tokErr)
		}

		req.Header.Set("Authorization", "Bearer "+tok)
	}

	req.Header.Set("User-Agent", userAgent)

	for key, vals := range extraHeaders {
		for i, v := range vals {
			if i == 0 {
				req.Header.Set(key, v)
			} else {
				req.Header.Add(key, v)
			}
		}
	}

	if body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.httpClient.Do(req)
}

func (c *Client) retryBackoff(resp *http.Response, attempt int) time.Duration {
	if resp.StatusCode == http.StatusTooManyRequests {
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if seconds, err := strconv.Atoi(ra); err == nil && seconds > 0 {
				return time.Duration(seconds) * time.Second
			}
		}
	}

	return c.calcBackoff(attempt)
}

func (c *Client) calcBackoff(attempt int) time.Duration {
	backoff := float64(baseBackoff) * math.Pow(backoffFactor, float64(attempt))
	if backoff > float64(maxBackoff) {
		backoff = float64(maxBackoff)
	}

	jitter := backoff * jitterFraction * (rand.Float64()*2 - 1) //nolint:gosec // jitter does not need crypto rand
	backoff += jitter

	return time.Duration(backoff)
}

func rewindBody(body io.Reader) error {
	if body == nil {
		return nil
	}

	if seeker, ok := body.(io.Seeker); ok {
		if _, err := seeker.Seek(0, io.SeekStart); err != nil {
			return fmt.Errorf("remoteclient: rewinding request body for retry: %w", err)
		}
	}

	return nil
}

func timeSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
