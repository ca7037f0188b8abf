// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package gateway implements the OpenRouter chat completions client
// used by the deliberation pipelines: single model queries, token
// streaming, and progressive fan-out across a panel of models.
package gateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kadirpekel/llmcouncil/pkg/observability"
)

const (
	// DefaultTimeout bounds a single attempt, including streaming reads.
	DefaultTimeout = 120 * time.Second

	// DefaultMaxRetries is the total number of attempts per call.
	DefaultMaxRetries = 3

	// DefaultRetryBaseDelay is doubled after each failed attempt.
	DefaultRetryBaseDelay = 1 * time.Second

	// maxErrorBody caps how much of a failed response body is read
	// when extracting the error message.
	maxErrorBody = 1 << 20
)

// Client is a thread-safe OpenRouter client. A single Client is shared
// across all requests so connections are pooled per host.
type Client struct {
	httpClient *http.Client
	apiURL     string
	timeout    time.Duration
	maxRetries int
	baseDelay  time.Duration

	mu     sync.RWMutex
	apiKey string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithTimeout sets the per-attempt timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.timeout = timeout
	}
}

// WithMaxRetries sets the total number of attempts per call.
func WithMaxRetries(maxRetries int) Option {
	return func(c *Client) {
		c.maxRetries = maxRetries
	}
}

// WithBaseDelay sets the initial retry backoff delay.
func WithBaseDelay(delay time.Duration) Option {
	return func(c *Client) {
		c.baseDelay = delay
	}
}

// New creates a gateway client for the given chat completions URL.
func New(apiURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		apiURL:     apiURL,
		apiKey:     apiKey,
		timeout:    DefaultTimeout,
		maxRetries: DefaultMaxRetries,
		baseDelay:  DefaultRetryBaseDelay,
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.httpClient == nil {
		c.httpClient = &http.Client{
			Transport: &http.Transport{
				MaxConnsPerHost:     20,
				MaxIdleConnsPerHost: 10,
			},
		}
	}
	if c.maxRetries < 1 {
		c.maxRetries = 1
	}

	return c
}

// SetAPIKey swaps the API key. Config reloads call this so in-flight
// requests keep the old key and new requests pick up the new one.
func (c *Client) SetAPIKey(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.apiKey = key
}

func (c *Client) currentKey() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.apiKey
}

// Close releases pooled connections.
func (c *Client) Close() {
	c.httpClient.CloseIdleConnections()
}

// QueryModel sends a single blocking chat completion to the gateway.
//
// Transient upstream failures (408, 429, 502, 503) are retried with
// exponential backoff. Terminal failures are returned as *ModelError.
// A cancelled parent context returns the context error unchanged.
func (c *Client) QueryModel(ctx context.Context, model string, messages []Message) (*Result, error) {
	return c.query(ctx, model, messages, false, nil)
}

// QueryModelStreaming streams a chat completion, invoking onToken for
// each content delta as it arrives.
//
// Unlike blocking calls, timeouts are retried in streaming mode. A
// retried attempt replays the whole request, so deltas already passed
// to onToken are delivered again by the fresh stream.
func (c *Client) QueryModelStreaming(ctx context.Context, model string, messages []Message, onToken func(delta string)) (*Result, error) {
	return c.query(ctx, model, messages, true, onToken)
}

func (c *Client) query(ctx context.Context, model string, messages []Message, streaming bool, onToken func(string)) (*Result, error) {
	start := time.Now()
	tracer := observability.GetTracer("llmcouncil.gateway")
	ctx, span := tracer.Start(ctx, observability.SpanLLMRequest,
		trace.WithAttributes(
			attribute.String(observability.AttrLLMModel, model),
			attribute.Bool("streaming", streaming),
		),
	)
	defer span.End()

	payload, err := json.Marshal(chatRequest{Model: model, Messages: messages, Stream: streaming})
	if err != nil {
		return nil, c.fail(ctx, span, start, &ModelError{Model: model, Category: CategoryUnknown, Message: err.Error()})
	}

	var lastErr *ModelError
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		result, merr := c.attempt(ctx, model, payload, streaming, onToken)
		if merr == nil {
			c.succeed(ctx, span, start, model, result)
			return result, nil
		}
		if ctx.Err() != nil {
			span.RecordError(ctx.Err())
			span.SetStatus(codes.Error, ctx.Err().Error())
			return nil, ctx.Err()
		}

		lastErr = merr
		if !retryable(merr, streaming) {
			break
		}
		if attempt < c.maxRetries-1 {
			delay := c.baseDelay * (1 << attempt)
			slog.Warn("Retrying model after transient failure",
				"model", model,
				"category", merr.Category,
				"attempt", attempt+1,
				"max_retries", c.maxRetries,
				"delay", delay)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}

	return nil, c.fail(ctx, span, start, lastErr)
}

// retryable reports whether a failed attempt is worth repeating.
// Timeouts are only retried for streaming calls; a blocking call that
// hit the full attempt timeout would just burn another two minutes.
func retryable(e *ModelError, streaming bool) bool {
	if e.StatusCode != nil {
		return retryableStatus(*e.StatusCode)
	}
	return streaming && e.Category == CategoryTimeout
}

func (c *Client) attempt(ctx context.Context, model string, payload []byte, streaming bool, onToken func(string)) (*Result, *ModelError) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, c.apiURL, bytes.NewReader(payload))
	if err != nil {
		return nil, &ModelError{Model: model, Category: CategoryUnknown, Message: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.currentKey())

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, c.transportError(model, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, statusError(model, resp.StatusCode, body)
	}

	if streaming {
		return c.readStream(attemptCtx, model, resp.Body, onToken, start)
	}
	return c.readBody(attemptCtx, model, resp.Body, start)
}

func (c *Client) transportError(model string, err error) *ModelError {
	if errors.Is(err, context.DeadlineExceeded) {
		return c.timeoutError(model)
	}
	return &ModelError{Model: model, Category: CategoryUnknown, Message: err.Error()}
}

func (c *Client) timeoutError(model string) *ModelError {
	return &ModelError{
		Model:    model,
		Category: CategoryTimeout,
		Message:  fmt.Sprintf("Request timed out after %s", c.timeout),
	}
}

// readBody parses a blocking chat completion response.
func (c *Client) readBody(ctx context.Context, model string, body io.Reader, start time.Time) (*Result, *ModelError) {
	raw, err := io.ReadAll(body)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, c.timeoutError(model)
		}
		return nil, &ModelError{Model: model, Category: CategoryUnknown, Message: fmt.Sprintf("failed to read response: %v", err)}
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, &ModelError{Model: model, Category: CategoryUnknown, Message: fmt.Sprintf("failed to decode response: %v", err)}
	}
	if len(parsed.Choices) == 0 {
		return nil, &ModelError{Model: model, Category: CategoryUnknown, Message: "response contained no choices"}
	}

	metrics := &Metrics{
		LatencyMS:   int(time.Since(start).Milliseconds()),
		ActualModel: parsed.Model,
		RequestID:   parsed.ID,
		Provider:    parsed.Provider,
	}
	if parsed.Usage != nil {
		metrics.PromptTokens = parsed.Usage.PromptTokens
		metrics.CompletionTokens = parsed.Usage.CompletionTokens
		metrics.TotalTokens = parsed.Usage.TotalTokens
		metrics.Cost = parsed.Usage.Cost
	}

	choice := parsed.Choices[0]
	return &Result{
		Content:          choice.Message.Content,
		ReasoningDetails: choice.Message.ReasoningDetails,
		Metrics:          metrics,
	}, nil
}

// readStream consumes an SSE stream of chat completion chunks.
// Malformed data lines and keepalive comments are skipped; the final
// usage chunk, when present, supplies the token counts.
func (c *Client) readStream(ctx context.Context, model string, body io.Reader, onToken func(string), start time.Time) (*Result, *ModelError) {
	var content strings.Builder
	var usage *chatUsage

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if len(chunk.Choices) > 0 {
			if delta := chunk.Choices[0].Delta.Content; delta != "" {
				content.WriteString(delta)
				if onToken != nil {
					onToken(delta)
				}
			}
		}
		if chunk.Usage != nil {
			usage = chunk.Usage
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, c.timeoutError(model)
		}
		return nil, &ModelError{Model: model, Category: CategoryUnknown, Message: fmt.Sprintf("failed to read stream: %v", err)}
	}

	metrics := &Metrics{LatencyMS: int(time.Since(start).Milliseconds())}
	if usage != nil {
		metrics.PromptTokens = usage.PromptTokens
		metrics.CompletionTokens = usage.CompletionTokens
		metrics.TotalTokens = usage.TotalTokens
		metrics.Cost = usage.Cost
	}

	return &Result{Content: content.String(), Metrics: metrics}, nil
}

func (c *Client) succeed(ctx context.Context, span trace.Span, start time.Time, model string, result *Result) {
	inputTokens, outputTokens := 0, 0
	if result.Metrics != nil {
		inputTokens = result.Metrics.PromptTokens
		outputTokens = result.Metrics.CompletionTokens
	}
	span.SetAttributes(
		attribute.Int(observability.AttrLLMTokensInput, inputTokens),
		attribute.Int(observability.AttrLLMTokensOutput, outputTokens),
	)
	span.SetStatus(codes.Ok, "success")

	if metrics := observability.GetGlobalMetrics(); metrics != nil {
		metrics.RecordLLMCall(ctx, model, time.Since(start), inputTokens, outputTokens, nil)
	}
}

func (c *Client) fail(ctx context.Context, span trace.Span, start time.Time, merr *ModelError) error {
	span.RecordError(merr)
	span.SetStatus(codes.Error, merr.Message)

	if metrics := observability.GetGlobalMetrics(); metrics != nil {
		metrics.RecordLLMCall(ctx, merr.Model, time.Since(start), 0, 0, merr)
	}
	return merr
}
