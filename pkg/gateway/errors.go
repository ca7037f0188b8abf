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

package gateway

import (
	"encoding/json"
	"fmt"
)

// Category classifies a terminal model call failure so callers can
// surface actionable messages (top up credits, rotate keys, retry later).
type Category string

const (
	CategoryBilling   Category = "billing"
	CategoryAuth      Category = "auth"
	CategoryRateLimit Category = "rate_limit"
	CategoryTransient Category = "transient"
	CategoryTimeout   Category = "timeout"
	CategoryUnknown   Category = "unknown"
)

// ModelError is the terminal failure of a single model call, after
// any retries have been exhausted.
//
// StatusCode is nil for failures that never got an HTTP response,
// such as timeouts and local errors.
type ModelError struct {
	Model      string   `json:"model"`
	StatusCode *int     `json:"status_code"`
	Category   Category `json:"category"`
	Message    string   `json:"message"`
}

func (e *ModelError) Error() string {
	if e.StatusCode != nil {
		return fmt.Sprintf("model %s failed (%s, HTTP %d): %s", e.Model, e.Category, *e.StatusCode, e.Message)
	}
	return fmt.Sprintf("model %s failed (%s): %s", e.Model, e.Category, e.Message)
}

// ToMap renders the error for event payloads and stored results.
func (e *ModelError) ToMap() map[string]any {
	m := map[string]any{
		"model":       e.Model,
		"status_code": nil,
		"category":    string(e.Category),
		"message":     e.Message,
	}
	if e.StatusCode != nil {
		m["status_code"] = *e.StatusCode
	}
	return m
}

// classifyStatus maps an HTTP status to a failure category.
func classifyStatus(status int) Category {
	switch status {
	case 402:
		return CategoryBilling
	case 401:
		return CategoryAuth
	case 429:
		return CategoryRateLimit
	case 408, 502, 503:
		return CategoryTransient
	default:
		return CategoryUnknown
	}
}

// retryableStatus reports whether a status is worth another attempt.
func retryableStatus(status int) bool {
	switch status {
	case 408, 429, 502, 503:
		return true
	}
	return false
}

// statusError builds the ModelError for a non-200 response.
func statusError(model string, status int, body []byte) *ModelError {
	code := status
	return &ModelError{
		Model:      model,
		StatusCode: &code,
		Category:   classifyStatus(status),
		Message:    extractErrorMessage(status, body),
	}
}

// extractErrorMessage pulls the human-readable message out of an
// OpenRouter error envelope, falling back to the bare status when the
// body is empty or not the expected shape.
func extractErrorMessage(status int, body []byte) string {
	var envelope struct {
		Error struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		return envelope.Error.Message
	}
	return fmt.Sprintf("HTTP %d", status)
}
