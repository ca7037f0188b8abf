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

// Package websearch fetches web context for deliberation prompts.
//
// Tavily is the primary provider when an API key is configured; the
// DuckDuckGo Instant Answer API is the keyless fallback. A failed
// Tavily call logs a warning and falls through to DuckDuckGo, so the
// caller only ever sees the fallback's error when both fail. Error
// messages are user-facing strings; callers forward them verbatim into
// progress events.
package websearch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// Provider names reported to the frontend.
const (
	ProviderTavily     = "tavily"
	ProviderDuckDuckGo = "duckduckgo"
)

const (
	// DefaultTimeout bounds a single provider call.
	DefaultTimeout = 30 * time.Second

	// DefaultMaxResults is how many sources a search returns.
	DefaultMaxResults = 5

	defaultTavilyURL     = "https://api.tavily.com/search"
	defaultDuckDuckGoURL = "https://api.duckduckgo.com/"

	tavilySearchDepth = "basic"
)

// Client is a thread-safe search client shared by both deliberation
// pipelines.
type Client struct {
	httpClient *http.Client
	timeout    time.Duration
	maxResults int
	tavilyURL  string
	ddgURL     string

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

// WithTimeout sets the per-call timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.timeout = timeout
	}
}

// WithMaxResults sets how many sources a search returns.
func WithMaxResults(n int) Option {
	return func(c *Client) {
		c.maxResults = n
	}
}

// WithTavilyURL overrides the Tavily endpoint.
func WithTavilyURL(rawURL string) Option {
	return func(c *Client) {
		c.tavilyURL = rawURL
	}
}

// WithDuckDuckGoURL overrides the DuckDuckGo endpoint.
func WithDuckDuckGoURL(rawURL string) Option {
	return func(c *Client) {
		c.ddgURL = rawURL
	}
}

// New creates a search client. An empty apiKey disables Tavily and
// routes every search through DuckDuckGo.
func New(apiKey string, opts ...Option) *Client {
	c := &Client{
		apiKey:     apiKey,
		timeout:    DefaultTimeout,
		maxResults: DefaultMaxResults,
		tavilyURL:  defaultTavilyURL,
		ddgURL:     defaultDuckDuckGoURL,
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.httpClient == nil {
		c.httpClient = &http.Client{}
	}
	if c.maxResults < 1 {
		c.maxResults = DefaultMaxResults
	}

	return c
}

// SetAPIKey swaps the Tavily API key. Config reloads call this so new
// searches pick up the new key.
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

// Provider names the provider the next search will try first.
func (c *Client) Provider() string {
	if c.currentKey() != "" {
		return ProviderTavily
	}
	return ProviderDuckDuckGo
}

// Available reports whether web search can run at all. DuckDuckGo
// needs no key, so this is always true.
func (c *Client) Available() bool {
	return true
}

// Search runs a web search and returns formatted prompt context.
func (c *Client) Search(ctx context.Context, query string) (string, error) {
	response, err := c.lookup(ctx, query)
	if err != nil {
		return "", err
	}
	formatted := FormatResults(response)
	if formatted == "" {
		return "", errors.New("No results found")
	}
	return formatted, nil
}

func (c *Client) lookup(ctx context.Context, query string) (*Response, error) {
	if c.currentKey() != "" {
		response, err := c.searchTavily(ctx, query)
		if err == nil {
			return response, nil
		}
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		slog.Warn("Tavily search failed, falling back to DuckDuckGo", "error", err)
	}
	return c.searchDuckDuckGo(ctx, query)
}

type tavilyRequest struct {
	APIKey            string `json:"api_key"`
	Query             string `json:"query"`
	MaxResults        int    `json:"max_results"`
	SearchDepth       string `json:"search_depth"`
	IncludeAnswer     bool   `json:"include_answer"`
	IncludeRawContent bool   `json:"include_raw_content"`
}

type tavilyResponse struct {
	Answer  string `json:"answer"`
	Results []struct {
		Title   string `json:"title"`
		URL     string `json:"url"`
		Content string `json:"content"`
	} `json:"results"`
}

func (c *Client) searchTavily(ctx context.Context, query string) (*Response, error) {
	key := c.currentKey()
	if key == "" {
		return nil, errors.New("Tavily API key not configured")
	}

	body, err := json.Marshal(tavilyRequest{
		APIKey:            key,
		Query:             query,
		MaxResults:        c.maxResults,
		SearchDepth:       tavilySearchDepth,
		IncludeAnswer:     true,
		IncludeRawContent: false,
	})
	if err != nil {
		return nil, errors.New("Web search failed")
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tavilyURL, bytes.NewReader(body))
	if err != nil {
		return nil, errors.New("Web search failed")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		switch {
		case errors.Is(err, context.Canceled):
			return nil, context.Canceled
		case errors.Is(err, context.DeadlineExceeded):
			return nil, errors.New("Web search timed out")
		}
		slog.Error("Tavily search error", "error", err)
		return nil, errors.New("Web search failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
		switch resp.StatusCode {
		case http.StatusUnauthorized:
			return nil, errors.New("Invalid Tavily API key")
		case http.StatusTooManyRequests:
			return nil, errors.New("Web search rate limit exceeded")
		}
		return nil, fmt.Errorf("Web search failed (HTTP %d)", resp.StatusCode)
	}

	var decoded tavilyResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		slog.Error("Tavily search error", "error", err)
		return nil, errors.New("Web search failed")
	}

	response := &Response{Answer: decoded.Answer}
	for _, r := range decoded.Results {
		response.Results = append(response.Results, Result{
			Title:   r.Title,
			URL:     r.URL,
			Content: r.Content,
		})
	}
	return response, nil
}

type ddgResponse struct {
	Heading       string     `json:"Heading"`
	AbstractText  string     `json:"AbstractText"`
	AbstractURL   string     `json:"AbstractURL"`
	RelatedTopics []ddgTopic `json:"RelatedTopics"`
}

type ddgTopic struct {
	Text     string     `json:"Text"`
	FirstURL string     `json:"FirstURL"`
	Topics   []ddgTopic `json:"Topics"`
}

// searchDuckDuckGo queries the Instant Answer API. It returns no AI
// answer, only sources, mirroring the Tavily response shape.
func (c *Client) searchDuckDuckGo(ctx context.Context, query string) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	params := url.Values{}
	params.Set("q", query)
	params.Set("format", "json")
	params.Set("no_html", "1")
	params.Set("skip_disambig", "1")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.ddgURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("DuckDuckGo search failed: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, context.Canceled
		}
		slog.Error("DuckDuckGo search error", "error", err)
		return nil, fmt.Errorf("DuckDuckGo search failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
		return nil, fmt.Errorf("DuckDuckGo search failed: HTTP %d", resp.StatusCode)
	}

	var decoded ddgResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		slog.Error("DuckDuckGo search error", "error", err)
		return nil, fmt.Errorf("DuckDuckGo search failed: %w", err)
	}

	response := &Response{}
	if decoded.AbstractText != "" {
		response.Results = append(response.Results, Result{
			Title:   decoded.Heading,
			URL:     decoded.AbstractURL,
			Content: decoded.AbstractText,
		})
	}
	appendTopics(response, decoded.RelatedTopics, c.maxResults)

	if len(response.Results) == 0 {
		return nil, errors.New("No search results found")
	}
	return response, nil
}

// appendTopics flattens related topics, descending into category
// groups, until the result cap is reached.
func appendTopics(response *Response, topics []ddgTopic, maxResults int) {
	for _, topic := range topics {
		if len(response.Results) >= maxResults {
			return
		}
		if len(topic.Topics) > 0 {
			appendTopics(response, topic.Topics, maxResults)
			continue
		}
		if topic.Text == "" || topic.FirstURL == "" {
			continue
		}
		response.Results = append(response.Results, Result{
			Title:   topicTitle(topic.Text),
			URL:     topic.FirstURL,
			Content: topic.Text,
		})
	}
}

// topicTitle takes the leading phrase of a related-topic blurb, which
// DuckDuckGo writes as "Title - description".
func topicTitle(text string) string {
	title, _, found := strings.Cut(text, " - ")
	if !found {
		return text
	}
	return title
}
