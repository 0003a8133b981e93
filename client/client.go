package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const defaultTimeout = 30 * time.Second

// CallOptions adjust a single request
type CallOptions struct {
	Headers map[string]string
	// Timeout bounds the request on top of the caller's context; zero uses the client default.
	Timeout time.Duration
}

// Response is a raw API answer
type Response struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
	// Duration is the round trip, from sending the request to reading the last body byte.
	Duration time.Duration
}

// HTTPClient sends JSON requests to one base URL
type HTTPClient struct {
	BaseURL string
	Client  *http.Client
	Headers map[string]string
	Timeout time.Duration
}

func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{
		BaseURL: baseURL,
		Client:  &http.Client{},
		Headers: map[string]string{},
		Timeout: defaultTimeout,
	}
}

// Call sends body as JSON and reads the whole answer. Non-2xx statuses are not errors here.
func (c *HTTPClient) Call(ctx context.Context, method, endpoint string, body any, opts CallOptions) (*Response, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyJSON, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encoding request body: %w", err)
		}
		bodyReader = bytes.NewReader(bodyJSON)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = c.Timeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+endpoint, bodyReader)
	if err != nil {
		return nil, err
	}
	for key, value := range c.Headers {
		req.Header.Set(key, value)
	}
	for key, value := range opts.Headers {
		req.Header.Set(key, value)
	}
	if body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	started := time.Now()
	resp, err := c.Client.Do(req)
	if err != nil {
		return &Response{Duration: time.Since(started)}, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	out := &Response{
		StatusCode: resp.StatusCode,
		Headers:    resp.Header,
		Body:       respBody,
		Duration:   time.Since(started),
	}
	if err != nil {
		return out, fmt.Errorf("reading response body: %w", err)
	}
	return out, nil
}

func decodeBody(resp *Response, target any) error {
	if len(resp.Body) == 0 {
		return fmt.Errorf("empty response body")
	}
	if err := json.Unmarshal(resp.Body, target); err != nil {
		return fmt.Errorf("failed to unmarshal response body: %w", err)
	}
	return nil
}
