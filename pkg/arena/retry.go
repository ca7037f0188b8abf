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

package arena

import (
	"context"
	"log/slog"
	"strings"

	"github.com/kadirpekel/llmcouncil/pkg/deliberation"
	"github.com/kadirpekel/llmcouncil/pkg/events"
)

// RetrySynthesis re-runs the moderator over the stored rounds of the
// conversation's last assistant message, typically with a different
// model after a failed synthesis. Unlike ExtendDebate no new round is
// argued; the participants are never re-queried. A successful
// synthesis replaces the old one in place; a failed one leaves the
// message untouched.
func (p *Pipeline) RetrySynthesis(ctx context.Context, conversationID, moderatorModel, userID string) <-chan events.Event {
	out := make(chan events.Event, events.DefaultBufferSize)
	go func() {
		defer close(out)
		p.retrySynthesis(ctx, conversationID, moderatorModel, userID, out)
	}()
	return out
}

func (p *Pipeline) retrySynthesis(ctx context.Context, conversationID, moderatorModel, userID string, out chan<- events.Event) {
	emit := func(e events.Event) { events.Emit(ctx, out, e) }
	fail := func(message string) {
		slog.Error("Moderation retry failed", "conversation_id", conversationID, "error", message)
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

	// The retry targets the conversation's latest response. An older
	// arena message behind a council one must not be rewritten.
	messages := asMapSlice(conv["messages"])
	arenaIdx := -1
	for i := len(messages) - 1; i >= 0; i-- {
		if asString(messages[i]["role"]) != "assistant" {
			continue
		}
		if asString(messages[i]["mode"]) == deliberation.ModeArena {
			arenaIdx = i
		}
		break
	}
	if arenaIdx < 0 {
		fail("No arena debate found in this conversation")
		return
	}

	userQuery := ""
	if arenaIdx > 0 {
		prev := messages[arenaIdx-1]
		if asString(prev["role"]) == "user" {
			userQuery = asString(prev["content"])
		}
	}
	if userQuery == "" {
		fail("Could not find original user query")
		return
	}

	stored := deliberation.ResultFromMap(messages[arenaIdx])
	if len(stored.Rounds) == 0 || len(stored.ParticipantMapping) == 0 {
		fail("Invalid arena debate data")
		return
	}
	panel := PanelFromMapping(stored.ParticipantMapping)

	slog.Info("Retrying arena moderation",
		"conversation_id", conversationID,
		"moderator_model", moderatorModel)

	emit(events.New(events.TypeSynthesisStart))
	synthesis := ModerateDebate(ctx, p.gw, userQuery, stored.Rounds, panel, moderatorModel)
	synthEvent := events.WithData(events.TypeSynthesisComplete, synthesis.ToMap())
	synthEvent.ParticipantMapping = stored.ParticipantMapping
	emit(synthEvent)

	if strings.HasPrefix(synthesis.Content, "Error:") {
		fail("Moderator model failed again. Please try retrying with a different model.")
		return
	}

	metrics := AggregateMetrics(stored.Rounds, synthesis)
	emit(events.WithData(events.TypeMetricsComplete, metrics))

	unified := &deliberation.Result{
		Mode:               deliberation.ModeArena,
		Rounds:             stored.Rounds,
		Synthesis:          synthesis,
		ParticipantMapping: stored.ParticipantMapping,
		Metrics:            metrics,
	}
	if err := p.store.UpdateLastArenaMessage(conversationID, unified, userID); err != nil {
		fail(err.Error())
		return
	}
	emit(events.New(events.TypeComplete))
}
