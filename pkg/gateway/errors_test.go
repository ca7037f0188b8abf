package gateway

import (
	"testing"
)

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		status int
		want   Category
	}{
		{402, CategoryBilling},
		{401, CategoryAuth},
		{429, CategoryRateLimit},
		{408, CategoryTransient},
		{502, CategoryTransient},
		{503, CategoryTransient},
		{400, CategoryUnknown},
		{500, CategoryUnknown},
		{418, CategoryUnknown},
	}

	for _, tt := range tests {
		if got := classifyStatus(tt.status); got != tt.want {
			t.Errorf("classifyStatus(%d) = %q, want %q", tt.status, got, tt.want)
		}
	}
}

func TestRetryableStatus(t *testing.T) {
	for _, status := range []int{408, 429, 502, 503} {
		if !retryableStatus(status) {
			t.Errorf("retryableStatus(%d) = false, want true", status)
		}
	}
	for _, status := range []int{400, 401, 402, 500} {
		if retryableStatus(status) {
			t.Errorf("retryableStatus(%d) = true, want false", status)
		}
	}
}

func TestExtractErrorMessage(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   string
	}{
		{
			name:   "standard_envelope",
			status: 402,
			body:   `{"error":{"code":402,"message":"Insufficient credits"}}`,
			want:   "Insufficient credits",
		},
		{
			name:   "invalid_json",
			status: 500,
			body:   "<html>Internal Server Error</html>",
			want:   "HTTP 500",
		},
		{
			name:   "empty_body",
			status: 503,
			body:   "",
			want:   "HTTP 503",
		},
		{
			name:   "envelope_without_message",
			status: 429,
			body:   `{"error":{"code":429}}`,
			want:   "HTTP 429",
		},
		{
			name:   "unrelated_json",
			status: 400,
			body:   `{"detail":"bad request"}`,
			want:   "HTTP 400",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := extractErrorMessage(tt.status, []byte(tt.body)); got != tt.want {
				t.Errorf("extractErrorMessage() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestModelError_ToMap(t *testing.T) {
	status := 429
	withStatus := &ModelError{
		Model:      "openai/gpt-5.1",
		StatusCode: &status,
		Category:   CategoryRateLimit,
		Message:    "Rate limit exceeded",
	}

	m := withStatus.ToMap()
	if m["model"] != "openai/gpt-5.1" {
		t.Errorf("model = %v, want openai/gpt-5.1", m["model"])
	}
	if m["status_code"] != 429 {
		t.Errorf("status_code = %v, want 429", m["status_code"])
	}
	if m["category"] != "rate_limit" {
		t.Errorf("category = %v, want rate_limit", m["category"])
	}
	if m["message"] != "Rate limit exceeded" {
		t.Errorf("message = %v, want Rate limit exceeded", m["message"])
	}

	withoutStatus := &ModelError{
		Model:    "x-ai/grok-4",
		Category: CategoryTimeout,
		Message:  "Request timed out after 2m0s",
	}
	m = withoutStatus.ToMap()
	if v, ok := m["status_code"]; !ok || v != nil {
		t.Errorf("status_code = %v (present=%v), want present nil", v, ok)
	}
	if m["category"] != "timeout" {
		t.Errorf("category = %v, want timeout", m["category"])
	}
}

func TestModelError_Error(t *testing.T) {
	status := 402
	withStatus := &ModelError{Model: "m", StatusCode: &status, Category: CategoryBilling, Message: "no credits"}
	if got := withStatus.Error(); got != "model m failed (billing, HTTP 402): no credits" {
		t.Errorf("Error() = %q", got)
	}

	withoutStatus := &ModelError{Model: "m", Category: CategoryUnknown, Message: "boom"}
	if got := withoutStatus.Error(); got != "model m failed (unknown): boom" {
		t.Errorf("Error() = %q", got)
	}
}
