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

// Package catalog lists the text-capable models offered by the
// gateway. The list is fetched from the models endpoint, filtered down
// to chat-usable entries, and cached for an hour; when a refresh
// fails, the last good list keeps being served.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DefaultModelsURL is the gateway's model listing endpoint.
const DefaultModelsURL = "https://openrouter.ai/api/v1/models"

const (
	// DefaultTimeout bounds one catalog fetch.
	DefaultTimeout = 30 * time.Second

	// cacheDuration is how long a fetched list stays fresh.
	cacheDuration = time.Hour
)

// exclusionPatterns marks model ids that cannot serve as chat
// participants.
var exclusionPatterns = []string{
	"dall-e",
	"whisper",
	"tts",
	"text-to-speech",
	"speech-to-text",
	"embedding",
	"moderation",
}

// Pricing is the per-token cost of a model.
type Pricing struct {
	Prompt     float64 `json:"prompt"`
	Completion float64 `json:"completion"`
}

// Model is one catalog entry in the shape the frontend consumes.
type Model struct {
	ID            string  `json:"id"`
	Name          string  `json:"name"`
	ContextLength int     `json:"context_length"`
	Pricing       Pricing `json:"pricing"`
	Provider      string  `json:"provider"`
}

// Client fetches and caches the model catalog.
type Client struct {
	httpClient *http.Client
	timeout    time.Duration
	url        string

	mu     sync.RWMutex
	apiKey string

	cacheMu   sync.Mutex
	cache     []Model
	fetchedAt time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithTimeout sets the per-fetch timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.timeout = timeout
	}
}

// WithURL overrides the models endpoint.
func WithURL(rawURL string) Option {
	return func(c *Client) {
		c.url = rawURL
	}
}

// New creates a catalog client authenticating with apiKey.
func New(apiKey string, opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{},
		timeout:    DefaultTimeout,
		url:        DefaultModelsURL,
		apiKey:     apiKey,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetAPIKey swaps the gateway key, e.g. after a config reload.
func (c *Client) SetAPIKey(apiKey string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.apiKey = apiKey
}

func (c *Client) currentKey() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.apiKey
}

// Models returns the filtered, sorted catalog. A fresh cache is served
// directly; on fetch failure the stale list is kept, and an empty list
// means no fetch has ever succeeded.
func (c *Client) Models(ctx context.Context) []Model {
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()

	if c.cache != nil && time.Since(c.fetchedAt) < cacheDuration {
		return c.cache
	}

	models, err := c.fetch(ctx)
	if err != nil {
		slog.Warn("Failed to fetch model catalog", "error", err)
		if c.cache != nil {
			return c.cache
		}
		return []Model{}
	}
	c.cache = models
	c.fetchedAt = time.Now()
	return models
}

// Refresh drops the cache and fetches a fresh list.
func (c *Client) Refresh(ctx context.Context) []Model {
	c.Invalidate()
	return c.Models(ctx)
}

// Invalidate forces the next Models call to hit the gateway.
func (c *Client) Invalidate() {
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()
	c.cache = nil
	c.fetchedAt = time.Time{}
}

type upstreamModel struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	ContextLength int            `json:"context_length"`
	Pricing       map[string]any `json:"pricing"`
	Architecture  struct {
		Modality string `json:"modality"`
	} `json:"architecture"`
}

func (c *Client) fetch(ctx context.Context) ([]Model, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build catalog request: %w", err)
	}
	if key := c.currentKey(); key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("catalog request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("catalog request failed: HTTP %d", resp.StatusCode)
	}

	var payload struct {
		Data []upstreamModel `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("failed to decode catalog response: %w", err)
	}

	models := make([]Model, 0, len(payload.Data))
	for _, m := range payload.Data {
		if !isTextModel(m) {
			continue
		}
		name := m.Name
		if name == "" {
			name = m.ID
		}
		provider := "unknown"
		if p, _, found := strings.Cut(m.ID, "/"); found {
			provider = p
		}
		models = append(models, Model{
			ID:            m.ID,
			Name:          name,
			ContextLength: m.ContextLength,
			Pricing: Pricing{
				Prompt:     priceValue(m.Pricing["prompt"]),
				Completion: priceValue(m.Pricing["completion"]),
			},
			Provider: provider,
		})
	}

	sort.Slice(models, func(i, j int) bool {
		if models[i].Provider != models[j].Provider {
			return models[i].Provider < models[j].Provider
		}
		return models[i].Name < models[j].Name
	})
	return models, nil
}

// isTextModel reports whether a model can participate in a chat
// deliberation: not a known audio/image/embedding id and, when the
// gateway reports a modality, one that mentions text.
func isTextModel(m upstreamModel) bool {
	id := strings.ToLower(m.ID)
	for _, pattern := range exclusionPatterns {
		if strings.Contains(id, pattern) {
			return false
		}
	}
	if modality := m.Architecture.Modality; modality != "" {
		if !strings.Contains(strings.ToLower(modality), "text") {
			return false
		}
	}
	return true
}

// priceValue reads a per-token price that the gateway may encode as a
// string or a number.
func priceValue(v any) float64 {
	switch vv := v.(type) {
	case string:
		f, err := strconv.ParseFloat(vv, 64)
		if err != nil {
			return 0
		}
		return f
	case float64:
		return vv
	case json.Number:
		f, _ := vv.Float64()
		return f
	}
	return 0
}
