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

// Package council implements the three-stage council deliberation: a
// parallel first-opinion stage, an anonymized peer-ranking stage, and
// a chairman synthesis. The pipeline streams typed progress events and
// checkpoints partial results so an interrupted run can be resumed
// from stage 2.
package council

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/kadirpekel/llmcouncil/pkg/attachments"
	"github.com/kadirpekel/llmcouncil/pkg/deliberation"
	"github.com/kadirpekel/llmcouncil/pkg/events"
	"github.com/kadirpekel/llmcouncil/pkg/observability"
)

const allModelsFailedMsg = "All models failed to respond. Please try again."

// Store is the slice of conversation storage the pipeline needs.
// A userID of "" addresses the shared default scope.
type Store interface {
	// Conversation returns the stored conversation document, or nil
	// when no conversation with that id exists.
	Conversation(conversationID, userID string) (map[string]any, error)
	AddUserMessage(conversationID, content, userID string) error
	AddUnifiedMessage(conversationID string, result *deliberation.Result, userID string) error
	UpdateConversationTitle(conversationID, title, userID string) error
	// UpdateLastCouncilSynthesis replaces the synthesis of the last
	// council message, refreshing the message metrics when non-nil.
	UpdateLastCouncilSynthesis(conversationID string, stage3, metrics map[string]any, userID string) error

	// PendingMessage returns the in-flight marker for the
	// conversation, or nil when none exists.
	PendingMessage(conversationID, userID string) (map[string]any, error)
	MarkResponsePending(conversationID, mode, userContent, userID string) error
	// UpdatePendingProgress merges partial into the marker's partial
	// data so an interrupted run can be resumed.
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

// PriorContext carries a previous council conclusion that seeds a
// follow-up question in a new conversation.
type PriorContext struct {
	OriginalQuestion     string
	Synthesis            string
	SourceConversationID string
}

// Input is one council run over a conversation.
type Input struct {
	ConversationID string
	UserID         string
	Content        string
	CouncilModels  []string
	ChairmanModel  string
	// IsFirstMessage triggers title generation for the conversation.
	IsFirstMessage bool
	UseWebSearch   bool
	// Resume skips stage 1 when a pending marker holds its results.
	Resume       bool
	Attachments  []attachments.Ref
	PriorContext *PriorContext
}

// Pipeline runs the three-stage council deliberation and streams its
// progress as events.
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

// NewPipeline builds a council pipeline over the given gateway and
// conversation store.
func NewPipeline(gw Gateway, store Store, opts ...Option) *Pipeline {
	p := &Pipeline{gw: gw, store: store}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Stream runs the council pipeline and returns the event channel. The
// channel is closed when the run finishes, fails, or ctx is cancelled;
// a failed run ends with a single error event and keeps the pending
// marker so the client may resume.
func (p *Pipeline) Stream(ctx context.Context, in Input) <-chan events.Event {
	out := make(chan events.Event, events.DefaultBufferSize)
	go func() {
		defer close(out)
		start := time.Now()
		tracer := observability.GetTracer("llmcouncil.council")
		ctx, span := tracer.Start(ctx, observability.SpanDeliberation,
			trace.WithAttributes(
				attribute.String(observability.AttrDeliberationMode, deliberation.ModeCouncil),
			),
		)
		defer span.End()

		err := p.run(ctx, in, out)
		if metrics := observability.GetGlobalMetrics(); metrics != nil {
			metrics.RecordDeliberation(ctx, deliberation.ModeCouncil, time.Since(start), err)
		}
	}()
	return out
}

func (p *Pipeline) run(ctx context.Context, in Input, out chan<- events.Event) error {
	emit := func(e events.Event) { events.Emit(ctx, out, e) }
	fail := func(message string) error {
		slog.Error("Council pipeline failed", "conversation_id", in.ConversationID, "error", message)
		if err := p.store.UpdatePendingProgress(in.ConversationID, map[string]any{"error": message}, in.UserID); err != nil {
			slog.Error("Failed to record pipeline error", "conversation_id", in.ConversationID, "error", err)
		}
		emit(events.Error(message))
		return fmt.Errorf("council pipeline: %s", message)
	}

	// A resumable run has a pending marker with banked stage-1 results.
	var stage1 []*ModelResponse
	canResume := false
	if in.Resume {
		pending, err := p.store.PendingMessage(in.ConversationID, in.UserID)
		if err != nil {
			return fail(err.Error())
		}
		if pending != nil {
			if raw := asMapSlice(asMap(pending["partial_data"])["stage1"]); len(raw) > 0 {
				canResume = true
				for _, m := range raw {
					stage1 = append(stage1, ModelResponseFromMap(m))
				}
			}
		}
	}

	webSearchUsed := false
	webSearchError := ""

	if canResume {
		slog.Info("Resuming council pipeline from stage 2",
			"conversation_id", in.ConversationID,
			"stage1_results", len(stage1))
		emit(events.WithData(events.TypeResumeStart, map[string]any{"from_stage": 2}))
		e := events.WithData(events.TypeStage1Complete, modelResponseMaps(stage1))
		e.Resumed = true
		emit(e)
	} else {
		slog.Info("Starting council pipeline",
			"conversation_id", in.ConversationID,
			"models", len(in.CouncilModels),
			"web_search", in.UseWebSearch)
		if err := p.store.AddUserMessage(in.ConversationID, in.Content, in.UserID); err != nil {
			return fail(err.Error())
		}
		if err := p.store.MarkResponsePending(in.ConversationID, deliberation.ModeCouncil, in.Content, in.UserID); err != nil {
			return fail(err.Error())
		}

		combined := ""
		if in.PriorContext != nil {
			combined += priorContextPreface(in.PriorContext)
			if in.PriorContext.SourceConversationID != "" {
				emit(events.WithData(events.TypePriorContext, map[string]any{
					"source_id": in.PriorContext.SourceConversationID,
				}))
			}
		}
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
				webSearchUsed = true
			}
			webSearchError = searchErr
			emit(events.WithData(events.TypeWebSearchComplete, map[string]any{
				"found": searchContext != "",
				"error": errOrNil(searchErr),
			}))
		}

		emit(events.WithData(events.TypeStage1Start, map[string]any{"models": in.CouncilModels}))
		received := 0
		total := len(in.CouncilModels)
		var err error
		stage1, err = Stage1CollectResponses(ctx, p.gw, in.Content, combined, in.CouncilModels, Stage1Callbacks{
			StreamTokens: true,
			OnToken: func(model, token string) {
				emit(events.WithData(events.TypeStage1Token, map[string]any{
					"model": model,
					"token": token,
				}))
			},
			OnModelResponse: func(model string, result *ModelResponse) {
				received++
				e := events.WithData(events.TypeStage1ModelResponse, result.ToMap())
				e.Index = received
				e.Total = total
				emit(e)
			},
			OnProgress: func(completed, total int, completedModels, pendingModels []string) {
				emit(events.WithData(events.TypeStage1Progress, map[string]any{
					"completed":        completed,
					"total":            total,
					"completed_models": completedModels,
					"pending_models":   pendingModels,
				}))
			},
		})
		if err != nil {
			return fail(err.Error())
		}
		if len(stage1) == 0 {
			return fail(allModelsFailedMsg)
		}
		emit(events.WithData(events.TypeStage1Complete, modelResponseMaps(stage1)))
		if err := p.store.UpdatePendingProgress(in.ConversationID, map[string]any{
			"stage1": modelResponseMaps(stage1),
		}, in.UserID); err != nil {
			return fail(err.Error())
		}
	}

	// The title is cheap but slow, so it runs alongside stage 2 and is
	// collected at the end.
	var titleCh chan string
	if in.IsFirstMessage && !canResume {
		titleCh = make(chan string, 1)
		go func() { titleCh <- GenerateTitle(ctx, p.gw, in.Content) }()
	}

	emit(events.New(events.TypeStage2Start))
	stage2, labelToModel, err := Stage2CollectRankings(ctx, p.gw, in.Content, stage1, in.CouncilModels)
	if err != nil {
		return fail(err.Error())
	}
	aggregate := AggregateRankings(stage2, labelToModel)
	metadata := map[string]any{
		"label_to_model":     labelToModel,
		"aggregate_rankings": aggregate,
		"web_search_used":    webSearchUsed,
		"web_search_error":   errOrNil(webSearchError),
	}
	stage2Event := events.WithData(events.TypeStage2Complete, rankingMaps(stage2))
	stage2Event.Metadata = metadata
	emit(stage2Event)
	if err := p.store.UpdatePendingProgress(in.ConversationID, map[string]any{
		"stage1":   modelResponseMaps(stage1),
		"stage2":   rankingMaps(stage2),
		"metadata": metadata,
	}, in.UserID); err != nil {
		return fail(err.Error())
	}

	emit(events.New(events.TypeStage3Start))
	stage3 := Stage3SynthesizeFinal(ctx, p.gw, in.Content, stage1, stage2, in.ChairmanModel)
	emit(events.WithData(events.TypeStage3Complete, stage3.ToMap()))

	metrics := AggregateMetrics(stage1, stage2, stage3)
	emit(events.WithData(events.TypeMetricsComplete, metrics))

	if titleCh != nil {
		title := <-titleCh
		if err := p.store.UpdateConversationTitle(in.ConversationID, title, in.UserID); err != nil {
			return fail(err.Error())
		}
		emit(events.WithData(events.TypeTitleComplete, map[string]any{"title": title}))
	}

	unified := ConvertToUnifiedResult(stage1, stage2, stage3, labelToModel, aggregate, metrics)
	if err := p.store.AddUnifiedMessage(in.ConversationID, unified, in.UserID); err != nil {
		return fail(err.Error())
	}
	if err := p.store.ClearPending(in.ConversationID, in.UserID); err != nil {
		return fail(err.Error())
	}
	emit(events.New(events.TypeComplete))
	slog.Info("Council pipeline complete", "conversation_id", in.ConversationID)
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

func priorContextPreface(pc *PriorContext) string {
	return fmt.Sprintf("## Prior Discussion Context\n\n**Original Question:** %s\n\n**Council's Previous Conclusion:**\n%s\n\n---\n\nThe user now has a follow-up question based on this prior discussion:\n\n",
		pc.OriginalQuestion, pc.Synthesis)
}

func errOrNil(message string) any {
	if message == "" {
		return nil
	}
	return message
}

// RunFullCouncil executes the three stages back to back without
// streaming, for the synchronous message endpoint. A fully failed
// stage 1 yields an error synthesis rather than an error so the
// caller still gets a well-formed result.
func RunFullCouncil(ctx context.Context, gw Gateway, userQuery string, councilModels []string, chairmanModel string) ([]*ModelResponse, []*Ranking, *SynthesisResult, map[string]any, error) {
	stage1, err := Stage1CollectResponses(ctx, gw, userQuery, "", councilModels, Stage1Callbacks{})
	if err != nil {
		return nil, nil, nil, nil, err
	}
	if len(stage1) == 0 {
		slog.Error("All council models failed in stage 1")
		errResult := &SynthesisResult{Model: "error", Response: allModelsFailedMsg}
		return []*ModelResponse{}, []*Ranking{}, errResult, map[string]any{}, nil
	}

	stage2, labelToModel, err := Stage2CollectRankings(ctx, gw, userQuery, stage1, councilModels)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	stage3 := Stage3SynthesizeFinal(ctx, gw, userQuery, stage1, stage2, chairmanModel)

	metadata := map[string]any{
		"label_to_model":     labelToModel,
		"aggregate_rankings": AggregateRankings(stage2, labelToModel),
		"metrics":            AggregateMetrics(stage1, stage2, stage3),
	}
	return stage1, stage2, stage3, metadata, nil
}
