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

// Package arena implements the multi-round debate deliberation: an
// opening round of initial positions, rebuttal rounds argued over the
// running transcript, and a moderator synthesis. Participants only ever
// see each other's anonymous labels; the moderator alone receives the
// identity reveal. The pipeline streams typed progress events and
// checkpoints completed rounds in the pending marker.
package arena

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/kadirpekel/llmcouncil/pkg/attachments"
	"github.com/kadirpekel/llmcouncil/pkg/config"
	"github.com/kadirpekel/llmcouncil/pkg/council"
	"github.com/kadirpekel/llmcouncil/pkg/deliberation"
	"github.com/kadirpekel/llmcouncil/pkg/events"
	"github.com/kadirpekel/llmcouncil/pkg/observability"
)

// Store is the slice of conversation storage the pipeline needs.
// A userID of "" addresses the shared default scope.
type Store interface {
	// Conversation returns the stored conversation document, or nil
	// when no conversation with that id exists.
	Conversation(conversationID, userID string) (map[string]any, error)
	AddUserMessage(conversationID, content, userID string) error
	AddUnifiedMessage(conversationID string, result *deliberation.Result, userID string) error
	UpdateConversationTitle(conversationID, title, userID string) error
	// UpdateLastArenaMessage replaces the last arena message's rounds,
	// synthesis, and metrics after a debate extension.
	UpdateLastArenaMessage(conversationID string, result *deliberation.Result, userID string) error

	MarkResponsePending(conversationID, mode, userContent, userID string) error
	UpdatePendingProgress(conversationID string, partial map[string]any, userID string) error
	ClearPending(conversationID, userID string) error
}

// Searcher performs a web search and returns formatted result context
// ready for inclusion in a prompt.
type Searcher interface {
	Search(ctx context.Context, query string) (string, error)
}

// AttachmentProcessor turns attachment references into prompt text.
type AttachmentProcessor interface {
	ExtractText(refs []attachments.Ref, userID string) (string, error)
}

// Input is one arena debate over a conversation.
type Input struct {
	ConversationID string
	UserID         string
	Content        string
	CouncilModels  []string
	ChairmanModel  string
	// RoundCount is clamped to the configured bounds; zero means the
	// default.
	RoundCount int
	// IsFirstMessage triggers title generation for the conversation.
	IsFirstMessage bool
	UseWebSearch   bool
	Attachments    []attachments.Ref
}

// Pipeline runs the multi-round arena debate and streams its progress
// as events.
type Pipeline struct {
	gw          Gateway
	store       Store
	search      Searcher
	attachments AttachmentProcessor
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithSearcher wires the optional web search provider.
func WithSearcher(s Searcher) Option {
	return func(p *Pipeline) { p.search = s }
}

// WithAttachmentProcessor wires the optional attachment text extractor.
func WithAttachmentProcessor(a AttachmentProcessor) Option {
	return func(p *Pipeline) { p.attachments = a }
}

// NewPipeline builds an arena pipeline over the given gateway and
// conversation store.
func NewPipeline(gw Gateway, store Store, opts ...Option) *Pipeline {
	p := &Pipeline{gw: gw, store: store}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Stream runs the arena debate and returns the event channel. The
// channel is closed when the run finishes, fails, or ctx is cancelled;
// a failed run ends with a single error event.
func (p *Pipeline) Stream(ctx context.Context, in Input) <-chan events.Event {
	out := make(chan events.Event, events.DefaultBufferSize)
	go func() {
		defer close(out)
		start := time.Now()
		tracer := observability.GetTracer("llmcouncil.arena")
		ctx, span := tracer.Start(ctx, observability.SpanDeliberation,
			trace.WithAttributes(
				attribute.String(observability.AttrDeliberationMode, deliberation.ModeArena),
			),
		)
		defer span.End()

		err := p.run(ctx, in, out)
		if metrics := observability.GetGlobalMetrics(); metrics != nil {
			metrics.RecordDeliberation(ctx, deliberation.ModeArena, time.Since(start), err)
		}
	}()
	return out
}

func (p *Pipeline) run(ctx context.Context, in Input, out chan<- events.Event) error {
	emit := func(e events.Event) { events.Emit(ctx, out, e) }
	fail := func(message string) error {
		slog.Error("Arena pipeline failed", "conversation_id", in.ConversationID, "error", message)
		if err := p.store.UpdatePendingProgress(in.ConversationID, map[string]any{"error": message}, in.UserID); err != nil {
			slog.Error("Failed to record pipeline error", "conversation_id", in.ConversationID, "error", err)
		}
		emit(events.Error(message))
		return fmt.Errorf("arena pipeline: %s", message)
	}

	roundCount := clampRoundCount(in.RoundCount)
	slog.Info("Starting arena pipeline",
		"conversation_id", in.ConversationID,
		"participants", len(in.CouncilModels),
		"rounds", roundCount)

	if err := p.store.AddUserMessage(in.ConversationID, in.Content, in.UserID); err != nil {
		return fail(err.Error())
	}
	if err := p.store.MarkResponsePending(in.ConversationID, deliberation.ModeArena, in.Content, in.UserID); err != nil {
		return fail(err.Error())
	}
	if len(in.CouncilModels) == 0 {
		return fail("no arena participants configured")
	}

	// The title is cheap but slow, so it runs alongside the debate and
	// is collected at the end.
	var titleCh chan string
	if in.IsFirstMessage {
		titleCh = make(chan string, 1)
		go func() { titleCh <- council.GenerateTitle(ctx, p.gw, in.Content) }()
	}

	combined := ""
	if len(in.Attachments) > 0 && p.attachments != nil {
		text, err := p.attachments.ExtractText(in.Attachments, in.UserID)
		if err != nil {
			return fail(err.Error())
		}
		if text != "" {
			combined += "## Attached Documents\n\n" + text + "\n\n---\n\n"
		}
	}
	if in.UseWebSearch {
		emit(events.New(events.TypeWebSearchStart))
		searchContext, searchErr := p.performWebSearch(ctx, in.Content)
		if searchContext != "" {
			combined += searchContext
		}
		emit(events.WithData(events.TypeWebSearchComplete, map[string]any{
			"found": searchContext != "",
			"error": errOrNil(searchErr),
		}))
	}

	panel := NewPanel(in.CouncilModels)
	emit(events.WithData(events.TypeArenaStart, map[string]any{
		"participant_count": len(panel.Labels),
		"round_count":       roundCount,
		"participants":      panel.Labels,
	}))

	rounds := make([]*deliberation.Round, 0, roundCount)
	for roundNum := 1; roundNum <= roundCount; roundNum++ {
		roundType := deliberation.RoundRebuttal
		if roundNum == 1 {
			roundType = deliberation.RoundOpening
		}
		emit(events.WithData(events.TypeRoundStart, map[string]any{
			"round_number": roundNum,
			"round_type":   string(roundType),
		}))

		var round *deliberation.Round
		var err error
		if roundNum == 1 {
			round, err = OpeningRound(ctx, p.gw, in.Content, combined, panel, roundCount)
		} else {
			round, err = RebuttalRound(ctx, p.gw, in.Content, roundNum, roundCount, rounds, panel)
		}
		if err != nil {
			return fail(err.Error())
		}
		rounds = append(rounds, round)
		emit(events.WithData(events.TypeRoundComplete, round.ToMap()))

		if err := p.store.UpdatePendingProgress(in.ConversationID, map[string]any{
			"rounds": roundMaps(rounds),
		}, in.UserID); err != nil {
			return fail(err.Error())
		}
	}

	emit(events.New(events.TypeSynthesisStart))
	synthesis := ModerateDebate(ctx, p.gw, in.Content, rounds, panel, in.ChairmanModel)
	synthEvent := events.WithData(events.TypeSynthesisComplete, synthesis.ToMap())
	synthEvent.ParticipantMapping = panel.Mapping()
	emit(synthEvent)

	metrics := AggregateMetrics(rounds, synthesis)
	emit(events.WithData(events.TypeMetricsComplete, metrics))

	if titleCh != nil {
		title := <-titleCh
		if err := p.store.UpdateConversationTitle(in.ConversationID, title, in.UserID); err != nil {
			return fail(err.Error())
		}
		emit(events.WithData(events.TypeTitleComplete, map[string]any{"title": title}))
	}

	unified := &deliberation.Result{
		Mode:               deliberation.ModeArena,
		Rounds:             rounds,
		Synthesis:          synthesis,
		ParticipantMapping: panel.Mapping(),
		Metrics:            metrics,
	}
	if err := p.store.AddUnifiedMessage(in.ConversationID, unified, in.UserID); err != nil {
		return fail(err.Error())
	}
	if err := p.store.ClearPending(in.ConversationID, in.UserID); err != nil {
		return fail(err.Error())
	}
	emit(events.New(events.TypeComplete))
	slog.Info("Arena pipeline complete", "conversation_id", in.ConversationID, "rounds", len(rounds))
	return nil
}

// performWebSearch returns formatted search context or a user-facing
// error string, never both.
func (p *Pipeline) performWebSearch(ctx context.Context, query string) (string, string) {
	if p.search == nil {
		return "", "Web search not configured"
	}
	result, err := p.search.Search(ctx, query)
	if err != nil {
		slog.Warn("Web search failed", "error", err)
		return "", err.Error()
	}
	return result, ""
}

func clampRoundCount(n int) int {
	if n == 0 {
		return config.DefaultArenaRounds
	}
	if n < config.MinArenaRounds {
		return config.MinArenaRounds
	}
	if n > config.MaxArenaRounds {
		return config.MaxArenaRounds
	}
	return n
}

func roundMaps(rounds []*deliberation.Round) []map[string]any {
	out := make([]map[string]any, 0, len(rounds))
	for _, r := range rounds {
		out = append(out, r.ToMap())
	}
	return out
}

func errOrNil(message string) any {
	if message == "" {
		return nil
	}
	return message
}
