package council

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/llmcouncil/pkg/deliberation"
	"github.com/kadirpekel/llmcouncil/pkg/events"
	"github.com/kadirpekel/llmcouncil/pkg/gateway"
)

// memStore records every storage interaction so tests can assert on
// the pipeline's side effects.
type memStore struct {
	mu sync.Mutex

	conversations map[string]map[string]any
	pending       map[string]any

	userMessages   []string
	pendingModes   []string
	progressWrites []map[string]any
	titles         []string
	unified        []*deliberation.Result
	synthUpdates   []synthUpdate
	clearedCount   int

	addUserErr error
}

type synthUpdate struct {
	conversationID string
	stage3         map[string]any
	metrics        map[string]any
}

func (s *memStore) Conversation(conversationID, _ string) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversations[conversationID], nil
}

func (s *memStore) AddUserMessage(_, content, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.addUserErr != nil {
		return s.addUserErr
	}
	s.userMessages = append(s.userMessages, content)
	return nil
}

func (s *memStore) AddUnifiedMessage(_ string, result *deliberation.Result, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unified = append(s.unified, result)
	return nil
}

func (s *memStore) UpdateConversationTitle(_, title, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.titles = append(s.titles, title)
	return nil
}

func (s *memStore) UpdateLastCouncilSynthesis(conversationID string, stage3, metrics map[string]any, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.synthUpdates = append(s.synthUpdates, synthUpdate{conversationID, stage3, metrics})
	return nil
}

func (s *memStore) PendingMessage(_, _ string) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending, nil
}

func (s *memStore) MarkResponsePending(_, mode, _, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingModes = append(s.pendingModes, mode)
	return nil
}

func (s *memStore) UpdatePendingProgress(_ string, partial map[string]any, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progressWrites = append(s.progressWrites, partial)
	return nil
}

func (s *memStore) ClearPending(_, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clearedCount++
	return nil
}

type fakeSearcher struct {
	result string
	err    error
}

func (s *fakeSearcher) Search(context.Context, string) (string, error) {
	return s.result, s.err
}

func collectEvents(t *testing.T, ch <-chan events.Event) []events.Event {
	t.Helper()
	var out []events.Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case e, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, e)
		case <-timeout:
			t.Fatalf("timed out waiting for events, got %d so far", len(out))
		}
	}
}

func eventTypes(evs []events.Event) []string {
	types := make([]string, 0, len(evs))
	for _, e := range evs {
		types = append(types, e.Type)
	}
	return types
}

func findEvent(t *testing.T, evs []events.Event, eventType string) events.Event {
	t.Helper()
	for _, e := range evs {
		if e.Type == eventType {
			return e
		}
	}
	t.Fatalf("no %s event in %v", eventType, eventTypes(evs))
	return events.Event{}
}

// councilGateway scripts a healthy two-model run: both models answer
// stage 1 and stage 2, and queryFn serves the chairman and the title.
func councilGateway() *fakeGateway {
	return &fakeGateway{
		fanoutFns: []func(gateway.FanoutRequest) (map[string]gateway.Outcome, error){
			scriptedFanout(map[string]string{
				"model-a": "Answer from A",
				"model-b": "Answer from B",
			}),
			scriptedFanout(map[string]string{
				"model-a": "FINAL RANKING:\n1. Response B\n2. Response A",
				"model-b": "FINAL RANKING:\n1. Response A\n2. Response B",
			}),
		},
		queryFn: func(model string, _ []gateway.Message) (*gateway.Result, error) {
			if model == titleModel {
				return &gateway.Result{Content: "Tide Mechanics"}, nil
			}
			return &gateway.Result{Content: "Final synthesis", Metrics: &gateway.Metrics{TotalTokens: 30}}, nil
		},
	}
}

func councilInput() Input {
	return Input{
		ConversationID: "conv-1",
		Content:        "What causes tides?",
		CouncilModels:  []string{"model-a", "model-b"},
		ChairmanModel:  "chairman-model",
		IsFirstMessage: true,
	}
}

func TestPipelineStream_FullRun(t *testing.T) {
	gw := councilGateway()
	store := &memStore{}
	p := NewPipeline(gw, store)

	evs := collectEvents(t, p.Stream(context.Background(), councilInput()))

	assert.Equal(t, []string{
		"stage1_start",
		"stage1_model_response", "stage1_progress",
		"stage1_model_response", "stage1_progress",
		"stage1_complete",
		"stage2_start", "stage2_complete",
		"stage3_start", "stage3_complete",
		"metrics_complete",
		"title_complete",
		"complete",
	}, eventTypes(evs))

	responses := []events.Event{}
	for _, e := range evs {
		if e.Type == events.TypeStage1ModelResponse {
			responses = append(responses, e)
		}
	}
	require.Len(t, responses, 2)
	assert.Equal(t, 1, responses[0].Index)
	assert.Equal(t, 2, responses[0].Total)
	assert.Equal(t, 2, responses[1].Index)
	assert.Equal(t, "model-a", responses[0].Data.(map[string]any)["model"])

	stage2Complete := findEvent(t, evs, events.TypeStage2Complete)
	require.NotNil(t, stage2Complete.Metadata)
	assert.Equal(t, false, stage2Complete.Metadata["web_search_used"])
	assert.Nil(t, stage2Complete.Metadata["web_search_error"])
	assert.Contains(t, stage2Complete.Metadata, "label_to_model")
	assert.Contains(t, stage2Complete.Metadata, "aggregate_rankings")

	titleComplete := findEvent(t, evs, events.TypeTitleComplete)
	assert.Equal(t, map[string]any{"title": "Tide Mechanics"}, titleComplete.Data)

	// Storage side effects, in pipeline order.
	assert.Equal(t, []string{"What causes tides?"}, store.userMessages)
	assert.Equal(t, []string{"council"}, store.pendingModes)
	require.Len(t, store.progressWrites, 2)
	assert.Contains(t, store.progressWrites[0], "stage1")
	assert.NotContains(t, store.progressWrites[0], "stage2")
	assert.Contains(t, store.progressWrites[1], "stage2")
	assert.Contains(t, store.progressWrites[1], "metadata")
	assert.Equal(t, []string{"Tide Mechanics"}, store.titles)
	assert.Equal(t, 1, store.clearedCount)

	require.Len(t, store.unified, 1)
	unified := store.unified[0]
	assert.Equal(t, deliberation.ModeCouncil, unified.Mode)
	require.Len(t, unified.Rounds, 2)
	assert.Equal(t, "Final synthesis", unified.Synthesis.Content)
}

func TestPipelineStream_SecondMessageSkipsTitle(t *testing.T) {
	gw := councilGateway()
	store := &memStore{}
	in := councilInput()
	in.IsFirstMessage = false

	evs := collectEvents(t, NewPipeline(gw, store).Stream(context.Background(), in))

	assert.NotContains(t, eventTypes(evs), "title_complete")
	assert.Empty(t, store.titles)
	assert.Empty(t, gw.calls(titleModel))
}

func TestPipelineStream_ResumeSkipsStage1(t *testing.T) {
	gw := &fakeGateway{
		fanoutFns: []func(gateway.FanoutRequest) (map[string]gateway.Outcome, error){
			scriptedFanout(map[string]string{
				"model-a": "FINAL RANKING:\n1. Response B\n2. Response A",
				"model-b": "FINAL RANKING:\n1. Response A\n2. Response B",
			}),
		},
		queryFn: func(string, []gateway.Message) (*gateway.Result, error) {
			return &gateway.Result{Content: "Final synthesis"}, nil
		},
	}
	store := &memStore{pending: map[string]any{
		"mode": "council",
		"partial_data": map[string]any{
			"stage1": []any{
				map[string]any{"model": "model-a", "response": "Banked answer A", "metrics": map[string]any{}},
				map[string]any{"model": "model-b", "response": "Banked answer B", "metrics": map[string]any{}},
			},
		},
	}}

	in := councilInput()
	in.Resume = true
	evs := collectEvents(t, NewPipeline(gw, store).Stream(context.Background(), in))

	types := eventTypes(evs)
	assert.Equal(t, "resume_start", types[0])
	assert.Equal(t, map[string]any{"from_stage": 2}, evs[0].Data)

	stage1Complete := evs[1]
	assert.Equal(t, "stage1_complete", stage1Complete.Type)
	assert.True(t, stage1Complete.Resumed)
	assert.Len(t, stage1Complete.Data.([]map[string]any), 2)

	// No new user message, no new pending marker, no stage-1 fanout,
	// and no title even though this is the first message.
	assert.Empty(t, store.userMessages)
	assert.Empty(t, store.pendingModes)
	assert.Len(t, gw.fanoutReqs, 1)
	assert.NotContains(t, types, "title_complete")
	assert.Contains(t, types, "complete")

	require.Len(t, store.unified, 1)
	assert.Equal(t, "Banked answer A", store.unified[0].Rounds[0].Responses[0].Content)
	assert.Equal(t, 1, store.clearedCount)
}

func TestPipelineStream_AllModelsFailed(t *testing.T) {
	gw := &fakeGateway{
		fanoutFns: []func(gateway.FanoutRequest) (map[string]gateway.Outcome, error){
			scriptedFanout(nil),
		},
	}
	store := &memStore{}

	evs := collectEvents(t, NewPipeline(gw, store).Stream(context.Background(), councilInput()))

	types := eventTypes(evs)
	assert.NotContains(t, types, "stage1_complete")
	assert.NotContains(t, types, "stage2_start")

	last := evs[len(evs)-1]
	assert.Equal(t, events.TypeError, last.Type)
	assert.Equal(t, "All models failed to respond. Please try again.", last.Message)

	// The failure is recorded on the pending marker; nothing is
	// persisted or cleared so the run can be retried.
	require.Len(t, store.progressWrites, 1)
	assert.Equal(t, map[string]any{"error": "All models failed to respond. Please try again."}, store.progressWrites[0])
	assert.Empty(t, store.unified)
	assert.Zero(t, store.clearedCount)
}

func TestPipelineStream_WebSearchSuccess(t *testing.T) {
	gw := councilGateway()
	store := &memStore{}
	search := &fakeSearcher{result: "**Web Search Summary:**\nThe moon.\n"}

	in := councilInput()
	in.UseWebSearch = true
	evs := collectEvents(t, NewPipeline(gw, store, WithSearcher(search)).Stream(context.Background(), in))

	complete := findEvent(t, evs, events.TypeWebSearchComplete)
	assert.Equal(t, map[string]any{"found": true, "error": nil}, complete.Data)

	// Search context rides into the stage-1 prompt.
	user := userContent(t, gw.fanoutReqs[0].Messages)
	assert.Contains(t, user, "The moon.")
	assert.Contains(t, user, "What causes tides?")

	stage2Complete := findEvent(t, evs, events.TypeStage2Complete)
	assert.Equal(t, true, stage2Complete.Metadata["web_search_used"])
}

func TestPipelineStream_WebSearchFailureIsNotFatal(t *testing.T) {
	gw := councilGateway()
	store := &memStore{}
	search := &fakeSearcher{err: errors.New("Web search rate limit exceeded")}

	in := councilInput()
	in.UseWebSearch = true
	evs := collectEvents(t, NewPipeline(gw, store, WithSearcher(search)).Stream(context.Background(), in))

	complete := findEvent(t, evs, events.TypeWebSearchComplete)
	assert.Equal(t, map[string]any{"found": false, "error": "Web search rate limit exceeded"}, complete.Data)

	stage2Complete := findEvent(t, evs, events.TypeStage2Complete)
	assert.Equal(t, false, stage2Complete.Metadata["web_search_used"])
	assert.Equal(t, "Web search rate limit exceeded", stage2Complete.Metadata["web_search_error"])

	assert.Contains(t, eventTypes(evs), "complete")
}

func TestPipelineStream_NoSearcherConfigured(t *testing.T) {
	gw := councilGateway()
	store := &memStore{}

	in := councilInput()
	in.UseWebSearch = true
	evs := collectEvents(t, NewPipeline(gw, store).Stream(context.Background(), in))

	complete := findEvent(t, evs, events.TypeWebSearchComplete)
	assert.Equal(t, map[string]any{"found": false, "error": "Web search not configured"}, complete.Data)
	assert.Contains(t, eventTypes(evs), "complete")
}

func TestPipelineStream_PriorContext(t *testing.T) {
	gw := councilGateway()
	store := &memStore{}

	in := councilInput()
	in.PriorContext = &PriorContext{
		OriginalQuestion:     "What are tides?",
		Synthesis:            "Tides are periodic sea level changes.",
		SourceConversationID: "conv-0",
	}
	evs := collectEvents(t, NewPipeline(gw, store).Stream(context.Background(), in))

	prior := findEvent(t, evs, events.TypePriorContext)
	assert.Equal(t, map[string]any{"source_id": "conv-0"}, prior.Data)

	user := userContent(t, gw.fanoutReqs[0].Messages)
	assert.Contains(t, user, "## Prior Discussion Context")
	assert.Contains(t, user, "What are tides?")
	assert.Contains(t, user, "Tides are periodic sea level changes.")
	assert.Contains(t, user, "User's Question: What causes tides?")
}

func TestPipelineStream_StoreFailureEmitsError(t *testing.T) {
	gw := councilGateway()
	store := &memStore{addUserErr: errors.New("disk full")}

	evs := collectEvents(t, NewPipeline(gw, store).Stream(context.Background(), councilInput()))

	require.Len(t, evs, 1)
	assert.Equal(t, events.TypeError, evs[0].Type)
	assert.Equal(t, "disk full", evs[0].Message)
	require.Len(t, store.progressWrites, 1)
	assert.Equal(t, "disk full", store.progressWrites[0]["error"])
}
