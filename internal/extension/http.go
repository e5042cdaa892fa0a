package extension

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

// HTTPProvider exposes outbound HTTP to handlers as $ext.http. Requests
// carry a hard client timeout; retry policy is deliberately absent, per the
// engine contract that retrying failed extension I/O is the handler's
// business.
type HTTPProvider struct {
	client *resty.Client
}

// NewHTTPProvider builds the provider with its own resty client.
func NewHTTPProvider(timeout time.Duration) *HTTPProvider {
	client := resty.New().
		SetTimeout(timeout).
		SetRetryCount(0).
		SetHeader("User-Agent", "pulseboard-handler/1.0")
	return &HTTPProvider{client: client}
}

func (p *HTTPProvider) Name() string { return "http" }

func (p *HTTPProvider) Methods() []string { return []string{"get", "post"} }

// Invoke performs the request described by args:
//
//	{url, headers?: {..}, query?: {..}, body?: any}
func (p *HTTPProvider) Invoke(ctx context.Context, method string, args any) (any, error) {
	params, _ := args.(map[string]any)
	url, _ := params["url"].(string)
	if url == "" {
		return nil, fmt.Errorf("http.%s: missing url", method)
	}

	req := p.client.R().SetContext(ctx)
	if headers, ok := params["headers"].(map[string]any); ok {
		for k, v := range headers {
			req.SetHeader(k, fmt.Sprint(v))
		}
	}
	if query, ok := params["query"].(map[string]any); ok {
		for k, v := range query {
			req.SetQueryParam(k, fmt.Sprint(v))
		}
	}

	var resp *resty.Response
	var err error
	switch method {
	case "get":
		resp, err = req.Get(url)
	case "post":
		if body, ok := params["body"]; ok {
			req.SetBody(body)
		}
		resp, err = req.Post(url)
	default:
		return nil, fmt.Errorf("http: unsupported method %q", method)
	}
	if err != nil {
		return nil, fmt.Errorf("http.%s %s: %w", method, url, err)
	}

	headers := make(map[string]any, len(resp.Header()))
	for k := range resp.Header() {
		headers[k] = resp.Header().Get(k)
	}
	return map[string]any{
		"status":  int64(resp.StatusCode()),
		"body":    string(resp.Body()),
		"headers": headers,
	}, nil
}
