// Package anthropic implements pkg/llm.Provider against Anthropic's native
// Messages API over a plain net/http client, following the same
// retry/backoff/base-client shape the teacher framework uses for its own
// provider clients.
package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/capsulecraft/orchestrator/pkg/corekit"
	"github.com/capsulecraft/orchestrator/pkg/llm"
)

const (
	DefaultBaseURL = "https://api.anthropic.com/v1"
	apiVersion     = "2023-06-01"
)

// Client implements llm.Provider for Anthropic.
type Client struct {
	httpClient *http.Client
	logger     corekit.ComponentAwareLogger
	telemetry  corekit.Telemetry

	apiKey     string
	baseURL    string
	maxRetries int
	retryDelay time.Duration
}

// Option configures a Client.
type Option func(*Client)

func WithHTTPClient(c *http.Client) Option { return func(cl *Client) { cl.httpClient = c } }
func WithLogger(l corekit.ComponentAwareLogger) Option { return func(cl *Client) { cl.logger = l } }
func WithTelemetry(t corekit.Telemetry) Option { return func(cl *Client) { cl.telemetry = t } }
func WithBaseURL(url string) Option { return func(cl *Client) { cl.baseURL = url } }
func WithMaxRetries(n int) Option { return func(cl *Client) { cl.maxRetries = n } }

func NewClient(apiKey string, opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: 60 * time.Second},
		logger:     noopLogger{},
		telemetry:  corekit.NoOpTelemetry{},
		apiKey:     apiKey,
		baseURL:    DefaultBaseURL,
		maxRetries: 3,
		retryDelay: time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Name() string { return "llm:anthropic" }

func (c *Client) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	ctx, span := c.telemetry.StartSpan(ctx, "llm.anthropic.complete")
	defer span.End()
	span.SetAttribute("llm.model", req.Model)

	if c.apiKey == "" {
		err := corekit.NewClassifiedError("anthropic.complete", corekit.KindPermanent, "", fmt.Errorf("anthropic API key not configured"))
		span.RecordError(err)
		return nil, err
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = 1024
	}
	body := anthropicRequest{
		Model:       req.Model,
		Messages:    []message{{Role: "user", Content: req.Prompt}},
		MaxTokens:   maxTokens,
		Temperature: req.Temperature,
		System:      req.SystemPrompt,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, corekit.NewClassifiedError("anthropic.complete", corekit.KindPermanent, "", err)
	}

	start := time.Now()
	resp, err := c.executeWithRetry(ctx, payload)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	return &llm.Response{
		Content:      resp.text(),
		Model:        resp.Model,
		PromptTokens: resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
		Latency:      time.Since(start),
	}, nil
}

func (r *anthropicResponse) text() string {
	var out string
	for _, item := range r.Content {
		if item.Type == "text" {
			out += item.Text
		}
	}
	return out
}

func (c *Client) executeWithRetry(ctx context.Context, payload []byte) (*anthropicResponse, error) {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		resp, classified, retryable := c.doOnce(ctx, payload)
		if classified == nil {
			return resp, nil
		}
		lastErr = classified
		if !retryable || attempt == c.maxRetries {
			return nil, classified
		}
		delay := c.retryDelay * time.Duration(1<<uint(attempt))
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, corekit.NewClassifiedError("anthropic.complete", corekit.KindCancellation, "", ctx.Err())
		}
	}
	return nil, lastErr
}

func (c *Client) doOnce(ctx context.Context, payload []byte) (*anthropicResponse, error, bool) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/messages", bytes.NewReader(payload))
	if err != nil {
		return nil, corekit.NewClassifiedError("anthropic.complete", corekit.KindPermanent, "", err), false
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", apiVersion)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, corekit.NewClassifiedError("anthropic.complete", corekit.KindTransient, "", err), true
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, corekit.NewClassifiedError("anthropic.complete", corekit.KindTransient, "", err), true
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, classifyHTTPError(httpResp.StatusCode, raw), httpResp.StatusCode == http.StatusTooManyRequests || httpResp.StatusCode >= 500
	}

	var out anthropicResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, corekit.NewClassifiedError("anthropic.complete", corekit.KindPermanent, "", err), false
	}
	return &out, nil, false
}

func classifyHTTPError(status int, body []byte) error {
	var er errorResponse
	_ = json.Unmarshal(body, &er)
	msg := er.Error.Message
	if msg == "" {
		msg = string(body)
	}

	kind := corekit.KindPermanent
	switch {
	case status == http.StatusTooManyRequests:
		kind = corekit.KindThrottle
	case status >= 500:
		kind = corekit.KindTransient
	}
	return corekit.NewClassifiedError("anthropic.complete", kind, fmt.Sprintf("http_%d", status), fmt.Errorf("%s", msg))
}

type noopLogger struct{ corekit.NoOpLogger }

func (noopLogger) WithComponent(string) corekit.Logger { return corekit.NoOpLogger{} }
