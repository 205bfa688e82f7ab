package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPClient defines the interface for an HTTP client
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// maxErrorBody bounds how much of a failed response is kept.
const maxErrorBody = 64 << 10

func newRequest(ctx context.Context, method, url string, headers map[string]string, body interface{}) (*http.Request, error) {
	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return req, nil
}

func do(client HTTPClient, req *http.Request) (*http.Response, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, &TransportError{URL: req.URL.String(), Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer func() {
			_ = resp.Body.Close()
		}()
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &UpstreamError{
			StatusCode: resp.StatusCode,
			Body:       respBody,
			URL:        req.URL.String(),
		}
	}
	return resp, nil
}

// SendRequest sends a JSON request and decodes a JSON response into response.
func SendRequest(ctx context.Context, client HTTPClient, method, url string, headers map[string]string, body interface{}, response interface{}) error {
	req, err := newRequest(ctx, method, url, headers, body)
	if err != nil {
		return err
	}

	resp, err := do(client, req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if response != nil {
		if err := json.NewDecoder(resp.Body).Decode(response); err != nil {
			return &TransportError{URL: url, Err: fmt.Errorf("failed to decode response: %w", err)}
		}
	}

	return nil
}

// OpenStream sends the request and hands back the open response body once the
// upstream has answered with a 2xx status. The caller owns the body.
func OpenStream(ctx context.Context, client HTTPClient, method, url string, headers map[string]string, body interface{}) (io.ReadCloser, error) {
	req, err := newRequest(ctx, method, url, headers, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := do(client, req)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// Fetch downloads a resource and returns its bytes and content type.
func Fetch(ctx context.Context, client HTTPClient, url string, limit int64) ([]byte, string, error) {
	req, err := newRequest(ctx, http.MethodGet, url, nil, nil)
	if err != nil {
		return nil, "", err
	}

	resp, err := do(client, req)
	if err != nil {
		return nil, "", err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, "", &TransportError{URL: url, Err: err}
	}
	if int64(len(data)) > limit {
		return nil, "", fmt.Errorf("resource at %s exceeds %d bytes", url, limit)
	}
	return data, resp.Header.Get("Content-Type"), nil
}

// New returns a client for buffered calls; timeout covers the whole exchange.
func New(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout}
}

// NewStreaming returns a client for long-lived responses. The timeout only
// bounds the wait for response headers; the body is governed by the request
// context.
func NewStreaming(timeout time.Duration) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = timeout
	return &http.Client{Transport: transport}
}
