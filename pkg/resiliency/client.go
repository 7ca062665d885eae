package resiliency

import (
	"bytes"
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"math"
	"math/big"
	"net/http"
	"time"
)

// Client is the outbound HTTP client used for treasury webhooks and sync
// status callbacks: exponential backoff with jitter, circuit breaking, and a
// hard per-call timeout.
type Client struct {
	http       *http.Client
	maxRetries int
	breaker    *Breaker
}

// NewClient creates a client with a 30s timeout and 3 retries, guarded by
// the named breaker.
func NewClient(breakerName string) *Client {
	return &Client{
		http:       &http.Client{Timeout: 30 * time.Second},
		maxRetries: 3,
		breaker:    NewBreaker(breakerName, nil),
	}
}

// Do executes the request with retries. 5xx responses and transport errors
// retry; anything below 500 returns immediately. Request bodies are
// buffered so retries can replay them.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	var body []byte
	if req.Body != nil {
		var err error
		body, err = io.ReadAll(req.Body)
		_ = req.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("resiliency: buffer request body: %w", err)
		}
	}

	res, err := c.breaker.Execute(func() (any, error) {
		return c.doWithRetries(req, body)
	})
	if err != nil {
		return nil, err
	}
	return res.(*http.Response), nil
}

// PostJSON is the common case for webhook and callback dispatch.
func (c *Client) PostJSON(ctx context.Context, url string, payload []byte, headers http.Header) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("resiliency: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	return c.Do(req)
}

// PutJSON issues a PUT with a JSON body (sync status callbacks).
func (c *Client) PutJSON(ctx context.Context, url string, payload []byte, headers http.Header) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("resiliency: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	return c.Do(req)
}

func (c *Client) doWithRetries(req *http.Request, body []byte) (*http.Response, error) {
	var resp *http.Response
	var err error

	for i := 0; i <= c.maxRetries; i++ {
		attempt := req.Clone(req.Context())
		if body != nil {
			attempt.Body = io.NopCloser(bytes.NewReader(body))
			attempt.ContentLength = int64(len(body))
		}

		resp, err = c.http.Do(attempt)
		if err == nil && resp.StatusCode < 500 {
			return resp, nil
		}
		if resp != nil {
			// Drain so the connection can be reused before the retry.
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
		}
		if i == c.maxRetries {
			break
		}

		select {
		case <-req.Context().Done():
			return nil, req.Context().Err()
		case <-time.After(backoffWithJitter(i)):
		}
	}

	if err != nil {
		return nil, fmt.Errorf("resiliency: %s %s: %w", req.Method, req.URL, err)
	}
	return nil, fmt.Errorf("resiliency: %s %s: upstream returned %d after %d attempts", req.Method, req.URL, resp.StatusCode, c.maxRetries+1)
}

// backoffWithJitter computes base * 2^attempt plus up to 50ms of jitter.
func backoffWithJitter(attempt int) time.Duration {
	backoff := time.Duration(math.Pow(2, float64(attempt))) * 100 * time.Millisecond
	jitter := time.Duration(0)
	if n, err := rand.Int(rand.Reader, big.NewInt(50)); err == nil {
		jitter = time.Duration(n.Int64()) * time.Millisecond
	}
	return backoff + jitter
}
