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

// Message is a single chat message in a model prompt.
//
// Content is a string for plain text prompts, or a slice of content
// parts (text plus image URLs) for multimodal prompts.
type Message struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

// TextMessage builds a plain text message.
func TextMessage(role, content string) Message {
	return Message{Role: role, Content: content}
}

// Metrics captures usage and identification data for one model call.
//
// ActualModel, RequestID, and Provider come from the gateway response
// and are absent for streamed calls, which only report usage totals.
type Metrics struct {
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	Cost             float64 `json:"cost"`
	LatencyMS        int     `json:"latency_ms"`
	ActualModel      string  `json:"actual_model,omitempty"`
	RequestID        string  `json:"request_id,omitempty"`
	Provider         string  `json:"provider,omitempty"`
}

// Result is a successful model response.
type Result struct {
	Content          string
	ReasoningDetails any
	Metrics          *Metrics
}

// Outcome is the terminal state of one model call in a fan-out:
// exactly one of Result and Err is set.
type Outcome struct {
	Result *Result
	Err    *ModelError
}

// chatRequest is the OpenAI-compatible chat completions payload.
type chatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream,omitempty"`
}

type chatUsage struct {
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	Cost             float64 `json:"cost"`
}

type chatMessage struct {
	Content          string `json:"content"`
	ReasoningDetails any    `json:"reasoning_details"`
}

type chatChoice struct {
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type chatResponse struct {
	ID       string       `json:"id"`
	Model    string       `json:"model"`
	Provider string       `json:"provider"`
	Choices  []chatChoice `json:"choices"`
	Usage    *chatUsage   `json:"usage"`
}

type streamDelta struct {
	Content string `json:"content"`
}

type streamChoice struct {
	Delta        streamDelta `json:"delta"`
	FinishReason string      `json:"finish_reason"`
}

type streamChunk struct {
	Choices []streamChoice `json:"choices"`
	Usage   *chatUsage     `json:"usage"`
}
