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

	"github.com/kadirpekel/llmcouncil/pkg/deliberation"
	"github.com/kadirpekel/llmcouncil/pkg/events"
)

// ExtendDebate appends exactly one rebuttal round to the conversation's
// last arena debate, re-runs the moderator over the extended
// transcript, and replaces the stored message in place. The preserved
// rounds are never re-queried; the new round is argued by the original
// participants from the stored mapping.
func (p *Pipeline) ExtendDebate(ctx context.Context, conversationID, chairmanModel, userID string) <-chan events.Event {
	out := make(chan events.Event, events.DefaultBufferSize)
	go func() {
		defer close(out)
		p.extendDebate(ctx, conversationID, chairmanModel, userID, out)
	}()
	return out
}

func (p *Pipeline) extendDebate(ctx context.Context, conversationID, chairmanModel, userID string, out chan<- events.Event) {
	emit := func(e events.Event) { events.Emit(ctx, out, e) }
	fail := func(message string) {
		slog.Error("Debate extension failed", "conversation_id", conversationID, "error", message)
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

	messages := asMapSlice(conv["messages"])
	arenaIdx := -1
	for i := len(messages) - 1; i >= 0; i-- {
		if asString(messages[i]["role"]) == "assistant" && asString(messages[i]["mode"]) == deliberation.ModeArena {
			arenaIdx = i
			break
		}
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
	rounds := stored.Rounds

	newRoundNumber := len(rounds) + 1
	totalRounds := newRoundNumber
	slog.Info("Extending arena debate",
		"conversation_id", conversationID,
		"new_round", newRoundNumber)

	emit(events.WithData(events.TypeExtendStart, map[string]any{
		"new_round_number": newRoundNumber,
	}))
	emit(events.WithData(events.TypeRoundStart, map[string]any{
		"round_number": newRoundNumber,
		"round_type":   string(deliberation.RoundRebuttal),
	}))
	newRound, err := RebuttalRound(ctx, p.gw, userQuery, newRoundNumber, totalRounds, rounds, panel)
	if err != nil {
		fail(err.Error())
		return
	}
	rounds = append(rounds, newRound)
	emit(events.WithData(events.TypeRoundComplete, newRound.ToMap()))

	emit(events.New(events.TypeSynthesisStart))
	synthesis := ModerateDebate(ctx, p.gw, userQuery, rounds, panel, chairmanModel)
	synthEvent := events.WithData(events.TypeSynthesisComplete, synthesis.ToMap())
	synthEvent.ParticipantMapping = stored.ParticipantMapping
	emit(synthEvent)

	metrics := AggregateMetrics(rounds, synthesis)
	emit(events.WithData(events.TypeMetricsComplete, metrics))

	unified := &deliberation.Result{
		Mode:               deliberation.ModeArena,
		Rounds:             rounds,
		Synthesis:          synthesis,
		ParticipantMapping: stored.ParticipantMapping,
		Metrics:            metrics,
	}
	if err := p.store.UpdateLastArenaMessage(conversationID, unified, userID); err != nil {
		fail(err.Error())
		return
	}
	emit(events.New(events.TypeComplete))
	slog.Info("Arena debate extended", "conversation_id", conversationID, "rounds", len(rounds))
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asMapSlice(v any) []map[string]any {
	switch s := v.(type) {
	case []map[string]any:
		return s
	case []any:
		out := make([]map[string]any, 0, len(s))
		for _, item := range s {
			if m, ok := item.(map[string]any); ok {
				out = append(out, m)
			}
		}
		return out
	}
	return nil
}
