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

// Package events defines the typed progress events emitted by the
// deliberation pipelines and their server-sent-event encoding.
//
// Pipelines write events into a bounded channel; the HTTP layer drains
// the channel and writes one "data: {json}\n\n" frame per event. The
// envelope is a flat JSON object with a "type" discriminator and
// optional payload fields, so consumers can switch on "type" without
// knowing the full set in advance.
package events

import (
	"context"
	"encoding/json"
	"fmt"
)

// Council pipeline event types, in emission order for a normal run.
const (
	TypeStage1Start         = "stage1_start"
	TypeStage1Token         = "stage1_token"
	TypeStage1ModelResponse = "stage1_model_response"
	TypeStage1Progress      = "stage1_progress"
	TypeStage1Complete      = "stage1_complete"
	TypeStage2Start         = "stage2_start"
	TypeStage2Complete      = "stage2_complete"
	TypeStage3Start         = "stage3_start"
	TypeStage3Complete      = "stage3_complete"
)

// Arena pipeline event types.
const (
	TypeArenaStart        = "arena_start"
	TypeRoundStart        = "round_start"
	TypeRoundComplete     = "round_complete"
	TypeSynthesisStart    = "synthesis_start"
	TypeSynthesisComplete = "synthesis_complete"
	TypeExtendStart       = "extend_start"
)

// Cross-cutting event types shared by both pipelines.
const (
	TypeMetricsComplete   = "metrics_complete"
	TypeTitleComplete     = "title_complete"
	TypeComplete          = "complete"
	TypeError             = "error"
	TypeWebSearchStart    = "web_search_start"
	TypeWebSearchComplete = "web_search_complete"
	TypeResumeStart       = "resume_start"
	TypePriorContext      = "prior_context"
	TypeServerShutdown    = "server_shutdown"
)

// DefaultBufferSize is the capacity of the channel a pipeline writes
// its events into. Large enough to absorb a burst of per-token events
// while the SSE writer flushes.
const DefaultBufferSize = 64

// Event is the wire envelope for one pipeline progress event. Only
// Type is always present; the remaining fields are serialized when a
// given event type populates them.
type Event struct {
	Type               string            `json:"type"`
	Data               any               `json:"data,omitempty"`
	Metadata           map[string]any    `json:"metadata,omitempty"`
	Message            string            `json:"message,omitempty"`
	Index              int               `json:"index,omitempty"`
	Total              int               `json:"total,omitempty"`
	Resumed            bool              `json:"resumed,omitempty"`
	ParticipantMapping map[string]string `json:"participant_mapping,omitempty"`
}

// New returns a bare event carrying only its type.
func New(eventType string) Event {
	return Event{Type: eventType}
}

// WithData returns an event of the given type with a data payload.
func WithData(eventType string, data any) Event {
	return Event{Type: eventType, Data: data}
}

// Error returns a terminal error event. The message is a human
// description of the failure; consumers must not parse it.
func Error(message string) Event {
	return Event{Type: TypeError, Message: message}
}

// Errorf is Error with fmt.Sprintf formatting.
func Errorf(format string, args ...any) Event {
	return Error(fmt.Sprintf(format, args...))
}

// Frame serializes the event into a single SSE data frame.
func (e Event) Frame() ([]byte, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s event: %w", e.Type, err)
	}
	frame := make([]byte, 0, len(payload)+8)
	frame = append(frame, "data: "...)
	frame = append(frame, payload...)
	frame = append(frame, "\n\n"...)
	return frame, nil
}

// Emit sends e on out unless ctx is cancelled first. It reports
// whether the event was delivered, letting pipelines stop early when
// the consumer is gone.
func Emit(ctx context.Context, out chan<- Event, e Event) bool {
	select {
	case out <- e:
		return true
	case <-ctx.Done():
		return false
	}
}
