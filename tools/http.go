// Package tools provides general-purpose tools for agent loops.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/deepnoodle-ai/durable"
)

// DefaultHTTPTimeout applies when a request does not set one.
const DefaultHTTPTimeout = 30 * time.Second

// MaxHTTPBodySize caps how much of a response body is read and recorded.
const MaxHTTPBodySize = 1 << 20

// HTTPArgs are the arguments of the http_request tool.
type HTTPArgs struct {
	URL             string            `json:"url"`
	Method          string            `json:"method"`
	Headers         map[string]string `json:"headers"`
	Body            string            `json:"body"`
	JSON            map[string]any    `json:"json"`
	TimeoutSeconds  float64           `json:"timeout_seconds"`
	FollowRedirects *bool             `json:"follow_redirects"`
}

// HTTPResult is recorded as the tool result.
type HTTPResult struct {
	StatusCode int               `json:"status_code"`
	Headers    map[string]string `json:"headers"`
	Body       string            `json:"body"`
	JSON       any               `json:"json,omitempty"`
	Success    bool              `json:"success"`
	Truncated  bool              `json:"truncated,omitempty"`
}

// HTTP returns the http_request tool. A nil client uses http.DefaultTransport.
func HTTP(client *http.Client) durable.Tool {
	if client == nil {
		client = &http.Client{}
	}
	return durable.TypedToolFunction("http_request", func(ctx context.Context, args HTTPArgs) (HTTPResult, error) {
		return doHTTP(ctx, client, args)
	})
}

func doHTTP(ctx context.Context, base *http.Client, args HTTPArgs) (HTTPResult, error) {
	if args.URL == "" {
		return HTTPResult{}, fmt.Errorf("url is required")
	}
	if args.Method == "" {
		args.Method = http.MethodGet
	}
	timeout := DefaultHTTPTimeout
	if args.TimeoutSeconds > 0 {
		timeout = time.Duration(args.TimeoutSeconds * float64(time.Second))
	}

	var body io.Reader
	if args.JSON != nil {
		data, err := json.Marshal(args.JSON)
		if err != nil {
			return HTTPResult{}, fmt.Errorf("failed to marshal json body: %w", err)
		}
		body = bytes.NewReader(data)
	} else if args.Body != "" {
		body = strings.NewReader(args.Body)
	}

	req, err := http.NewRequestWithContext(ctx, strings.ToUpper(args.Method), args.URL, body)
	if err != nil {
		return HTTPResult{}, fmt.Errorf("failed to create request: %w", err)
	}
	for key, value := range args.Headers {
		req.Header.Set(key, value)
	}
	if args.JSON != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	client := *base
	client.Timeout = timeout
	if args.FollowRedirects != nil && !*args.FollowRedirects {
		client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		}
	}

	log := logger(ctx, "http_request")
	resp, err := client.Do(req)
	if err != nil {
		log.Warn("http request failed", "method", req.Method, "url", args.URL, "error", err)
		return HTTPResult{}, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()
	log.Debug("http request", "method", req.Method, "url", args.URL, "status", resp.StatusCode)

	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxHTTPBodySize+1))
	if err != nil {
		return HTTPResult{}, fmt.Errorf("failed to read response body: %w", err)
	}
	result := HTTPResult{
		StatusCode: resp.StatusCode,
		Headers:    make(map[string]string, len(resp.Header)),
		Success:    resp.StatusCode >= 200 && resp.StatusCode < 300,
	}
	if len(data) > MaxHTTPBodySize {
		data = data[:MaxHTTPBodySize]
		result.Truncated = true
	}
	result.Body = string(data)
	for key, values := range resp.Header {
		if len(values) > 0 {
			result.Headers[key] = values[0]
		}
	}
	if !result.Truncated && strings.Contains(resp.Header.Get("Content-Type"), "application/json") {
		var parsed any
		if err := json.Unmarshal(data, &parsed); err == nil {
			result.JSON = parsed
		}
	}
	return result, nil
}
