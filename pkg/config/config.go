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

// Package config loads server configuration from an optional YAML file,
// environment variables, and the persisted user panel document.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/kadirpekel/llmcouncil/pkg/observability"
	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

// Panel and gateway defaults.
const (
	DefaultHost    = "0.0.0.0"
	DefaultPort    = 8000
	DefaultDataDir = "data"

	// DefaultOpenRouterURL is the chat completions endpoint of the gateway.
	DefaultOpenRouterURL = "https://openrouter.ai/api/v1/chat/completions"

	DefaultChairmanModel = "google/gemini-3-pro-preview"

	DefaultArenaRounds = 3
	MinArenaRounds     = 2
	MaxArenaRounds     = 10
)

// defaultCouncilModels is the panel used until the user saves their own.
var defaultCouncilModels = []string{
	"openai/gpt-5.1",
	"google/gemini-3-pro-preview",
	"anthropic/claude-sonnet-4.5",
	"x-ai/grok-4",
}

// defaultTrustedProxyIPs covers loopback and RFC 1918 ranges.
var defaultTrustedProxyIPs = []string{
	"127.0.0.1", "::1", "10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16",
}

// DefaultCouncilModels returns a copy of the built-in council panel.
func DefaultCouncilModels() []string {
	models := make([]string, len(defaultCouncilModels))
	copy(models, defaultCouncilModels)
	return models
}

// DefaultTrustedProxyIPs returns a copy of the built-in proxy allowlist.
func DefaultTrustedProxyIPs() []string {
	ips := make([]string, len(defaultTrustedProxyIPs))
	copy(ips, defaultTrustedProxyIPs)
	return ips
}

// Config is the top-level server configuration document.
type Config struct {
	// Host to bind to.
	Host string `yaml:"host,omitempty"`

	// Port to listen on.
	Port int `yaml:"port,omitempty"`

	// LogLevel: debug, info, warn, error.
	LogLevel string `yaml:"log_level,omitempty"`

	// LogFormat: "json" for aggregation, anything else is human-readable.
	LogFormat string `yaml:"log_format,omitempty"`

	// DataDir is the root of conversation and config storage.
	DataDir string `yaml:"data_dir,omitempty"`

	// Gateway configures the OpenRouter-compatible LLM gateway.
	Gateway GatewayConfig `yaml:"gateway,omitempty"`

	// Search configures web search grounding.
	Search SearchConfig `yaml:"search,omitempty"`

	// Auth configures trusted-proxy header authentication.
	Auth AuthConfig `yaml:"auth,omitempty"`

	// CORS configuration.
	CORS *CORSConfig `yaml:"cors,omitempty"`

	// Observability configures tracing and metrics.
	Observability *observability.Config `yaml:"observability,omitempty"`
}

// GatewayConfig configures the upstream LLM gateway.
type GatewayConfig struct {
	// APIKey authenticates against the gateway.
	APIKey string `yaml:"api_key,omitempty"`

	// APIURL is the chat completions endpoint.
	APIURL string `yaml:"api_url,omitempty"`
}

// SearchConfig configures the web search providers.
type SearchConfig struct {
	// TavilyAPIKey enables the Tavily provider; DuckDuckGo is the fallback.
	TavilyAPIKey string `yaml:"tavily_api_key,omitempty"`
}

// AuthConfig configures reverse-proxy header authentication.
type AuthConfig struct {
	// Enabled turns on Remote-User header processing.
	Enabled bool `yaml:"enabled,omitempty"`

	// TrustedProxyIPs lists IPs and CIDR ranges allowed to assert identity.
	TrustedProxyIPs []string `yaml:"trusted_proxy_ips,omitempty"`
}

// CORSConfig configures cross-origin access for the web UI.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins,omitempty"`
}

// SetDefaults fills unset fields from environment variables and constants.
func (c *Config) SetDefaults() {
	if c.Host == "" {
		c.Host = DefaultHost
	}
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.LogLevel == "" {
		c.LogLevel = envOr("LOG_LEVEL", "info")
	}
	if c.LogFormat == "" {
		c.LogFormat = os.Getenv("LOG_FORMAT")
	}
	if c.DataDir == "" {
		c.DataDir = envOr("LLMCOUNCIL_DATA_DIR", DefaultDataDir)
	}
	if c.Gateway.APIKey == "" {
		c.Gateway.APIKey = os.Getenv("OPENROUTER_API_KEY")
	}
	if c.Gateway.APIURL == "" {
		c.Gateway.APIURL = envOr("OPENROUTER_API_URL", DefaultOpenRouterURL)
	}
	if c.Search.TavilyAPIKey == "" {
		c.Search.TavilyAPIKey = os.Getenv("TAVILY_API_KEY")
	}
	if !c.Auth.Enabled {
		c.Auth.Enabled = strings.EqualFold(os.Getenv("LLMCOUNCIL_AUTH_ENABLED"), "true")
	}
	if len(c.Auth.TrustedProxyIPs) == 0 {
		if env := os.Getenv("LLMCOUNCIL_TRUSTED_PROXY_IPS"); env != "" {
			c.Auth.TrustedProxyIPs = splitAndTrim(env)
		} else {
			c.Auth.TrustedProxyIPs = DefaultTrustedProxyIPs()
		}
	}
	if c.Observability == nil {
		c.Observability = &observability.Config{}
	}
	c.Observability.SetDefaults()
}

// Validate checks the Config for errors.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", c.Port)
	}
	if c.Gateway.APIURL == "" {
		return fmt.Errorf("gateway api_url is required")
	}
	if c.Observability != nil {
		if err := c.Observability.Validate(); err != nil {
			return fmt.Errorf("observability: %w", err)
		}
	}
	return nil
}

// Load builds the configuration. With an empty path only environment
// variables and defaults apply; otherwise the YAML file at path is
// parsed with ${VAR} expansion before defaults are filled in.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		var rawMap map[string]any
		if err := yaml.Unmarshal(data, &rawMap); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}

		if err := decodeConfig(expandEnvVars(rawMap), cfg); err != nil {
			return nil, fmt.Errorf("failed to decode config file %s: %w", path, err)
		}
	}

	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// decodeConfig decodes a map into a Config struct using mapstructure.
func decodeConfig(input map[string]any, output *Config) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           output,
		TagName:          "yaml",
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return fmt.Errorf("failed to create decoder: %w", err)
	}

	if err := decoder.Decode(input); err != nil {
		return fmt.Errorf("failed to decode: %w", err)
	}

	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
