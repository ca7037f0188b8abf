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

package council

import (
	"context"
	"log/slog"
	"strings"

	"github.com/kadirpekel/llmcouncil/pkg/deliberation"
	"github.com/kadirpekel/llmcouncil/pkg/events"
)

// RetrySynthesis re-runs stage 3 for the conversation's last assistant
// message, typically with a different chairman model after a failed
// synthesis. The stored stage-1 and stage-2 data is reused, so no
// council model is queried again. A successful synthesis replaces the
// old one in place; a failed one leaves the message untouched. When
// the last assistant message is an arena debate, its moderation is
// retried by the arena pipeline instead.
func (p *Pipeline) RetrySynthesis(ctx context.Context, conversationID, chairmanModel, userID string) <-chan events.Event {
	out := make(chan events.Event, events.DefaultBufferSize)
	go func() {
		defer close(out)
		p.retrySynthesis(ctx, conversationID, chairmanModel, userID, out)
	}()
	return out
}

func (p *Pipeline) retrySynthesis(ctx context.Context, conversationID, chairmanModel, userID string, out chan<- events.Event) {
	emit := func(e events.Event) { events.Emit(ctx, out, e) }
	fail := func(message string) {
		slog.Error("Synthesis retry failed", "conversation_id", conversationID, "error", message)
		emit(events.Error(message))
	}

	conv, err := p.store.Conversation(conversationID, userID)
	if err != nil {
		fail(err.Error())
		return
	}
	if conv == nil {
		fail("Conversation not found")
		return
	}

	// The retry targets the conversation's latest response; skipping
	// over a trailing arena debate would rewrite an older council
	// message's synthesis.
	messages := asMapSlice(conv["messages"])
	councilIdx := -1
	for i := len(messages) - 1; i >= 0; i-- {
		if asString(messages[i]["role"]) != "assistant" {
			continue
		}
		// Assistant messages predating modes are council messages.
		mode := deliberation.ModeCouncil
		if v, ok := messages[i]["mode"]; ok {
			mode = asString(v)
		}
		if mode != deliberation.ModeCouncil {
			fail("Last response is an arena debate; retry its moderation instead")
			return
		}
		councilIdx = i
		break
	}
	if councilIdx < 0 {
		fail("No council message found in conversation")
		return
	}

	stage1, stage2, ok := ExtractStageData(messages[councilIdx])
	if !ok {
		fail("Stage 1 and stage 2 data missing from council message")
		return
	}

	userQuery := ""
	if councilIdx > 0 {
		prev := messages[councilIdx-1]
		if asString(prev["role"]) == "user" {
			userQuery = asString(prev["content"])
		}
	}
	if userQuery == "" {
		fail("Could not find original user query")
		return
	}

	slog.Info("Retrying council synthesis",
		"conversation_id", conversationID,
		"chairman_model", chairmanModel)

	emit(events.New(events.TypeStage3Start))
	stage3 := Stage3SynthesizeFinal(ctx, p.gw, userQuery, stage1, stage2, chairmanModel)
	emit(events.WithData(events.TypeStage3Complete, stage3.ToMap()))

	if strings.HasPrefix(stage3.Response, "Error:") {
		fail("Chairman model failed again. Please try retrying with a different model.")
		return
	}

	metrics := AggregateMetrics(stage1, stage2, stage3)
	emit(events.WithData(events.TypeMetricsComplete, metrics))

	if err := p.store.UpdateLastCouncilSynthesis(conversationID, stage3.ToMap(), metrics, userID); err != nil {
		fail(err.Error())
		return
	}
	emit(events.New(events.TypeComplete))
}
