package council

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/llmcouncil/pkg/events"
	"github.com/kadirpekel/llmcouncil/pkg/gateway"
)

func retryStore(messages ...map[string]any) *memStore {
	return &memStore{conversations: map[string]map[string]any{
		"conv-1": {
			"id":       "conv-1",
			"title":    "Test Conversation",
			"messages": toAnySlice(messages),
		},
	}}
}

func toAnySlice(messages []map[string]any) []any {
	out := make([]any, 0, len(messages))
	for _, m := range messages {
		out = append(out, m)
	}
	return out
}

func retryGateway(content string, err error) *fakeGateway {
	return &fakeGateway{queryFn: func(string, []gateway.Message) (*gateway.Result, error) {
		if err != nil {
			return nil, err
		}
		return &gateway.Result{Content: content, Metrics: &gateway.Metrics{TotalTokens: 20, Cost: 0.002, LatencyMS: 500}}, nil
	}}
}

func runRetry(t *testing.T, p *Pipeline, conversationID string) []events.Event {
	t.Helper()
	return collectEvents(t, p.RetrySynthesis(context.Background(), conversationID, "new-chairman", ""))
}

func TestRetrySynthesis_ConversationNotFound(t *testing.T) {
	p := NewPipeline(retryGateway("x", nil), &memStore{})

	evs := runRetry(t, p, "missing-conv")

	require.Len(t, evs, 1)
	assert.Equal(t, events.TypeError, evs[0].Type)
	assert.Contains(t, evs[0].Message, "not found")
}

func TestRetrySynthesis_NoAssistantMessage(t *testing.T) {
	store := retryStore(
		map[string]any{"role": "user", "content": "q"},
	)
	p := NewPipeline(retryGateway("x", nil), store)

	evs := runRetry(t, p, "conv-1")

	require.Len(t, evs, 1)
	assert.Contains(t, evs[0].Message, "No council message")
}

func TestRetrySynthesis_MissingStageData(t *testing.T) {
	store := retryStore(
		map[string]any{"role": "user", "content": "q"},
		map[string]any{"role": "assistant", "content": "plain answer"},
	)
	p := NewPipeline(retryGateway("x", nil), store)

	evs := runRetry(t, p, "conv-1")

	require.Len(t, evs, 1)
	assert.Contains(t, evs[0].Message, "missing")
}

func TestRetrySynthesis_NoUserQuery(t *testing.T) {
	store := retryStore(legacyCouncilMessage())
	p := NewPipeline(retryGateway("x", nil), store)

	evs := runRetry(t, p, "conv-1")

	require.Len(t, evs, 1)
	assert.Contains(t, evs[0].Message, "user query")
}

func TestRetrySynthesis_LegacyMessage(t *testing.T) {
	store := retryStore(
		map[string]any{"role": "user", "content": "What causes tides?"},
		legacyCouncilMessage(),
	)
	gw := retryGateway("Much better synthesis", nil)
	p := NewPipeline(gw, store)

	evs := runRetry(t, p, "conv-1")

	assert.Equal(t, []string{
		"stage3_start", "stage3_complete", "metrics_complete", "complete",
	}, eventTypes(evs))

	stage3 := findEvent(t, evs, events.TypeStage3Complete).Data.(map[string]any)
	assert.Equal(t, "new-chairman", stage3["model"])
	assert.Equal(t, "Much better synthesis", stage3["response"])

	// The retry reuses stored stage data, so only the chairman runs.
	require.Len(t, gw.queryCalls, 1)
	prompt := userContent(t, gw.queryCalls[0].messages)
	assert.Contains(t, prompt, "What causes tides?")
	assert.Contains(t, prompt, "Answer from A")

	require.Len(t, store.synthUpdates, 1)
	update := store.synthUpdates[0]
	assert.Equal(t, "conv-1", update.conversationID)
	assert.Equal(t, "Much better synthesis", update.stage3["response"])
	require.NotNil(t, update.metrics)
	assert.Contains(t, update.metrics, "total_cost")
}

func TestRetrySynthesis_UnifiedMessage(t *testing.T) {
	store := retryStore(
		map[string]any{"role": "user", "content": "What causes tides?"},
		ConvertLegacyMessage(legacyCouncilMessage()),
	)
	p := NewPipeline(retryGateway("Unified retry synthesis", nil), store)

	evs := runRetry(t, p, "conv-1")

	assert.Equal(t, "complete", evs[len(evs)-1].Type)
	require.Len(t, store.synthUpdates, 1)
	assert.Equal(t, "Unified retry synthesis", store.synthUpdates[0].stage3["response"])
}

func TestRetrySynthesis_RejectsTrailingArenaMessage(t *testing.T) {
	store := retryStore(
		map[string]any{"role": "user", "content": "What causes tides?"},
		legacyCouncilMessage(),
		map[string]any{"role": "user", "content": "Now debate it"},
		map[string]any{"role": "assistant", "mode": "arena", "rounds": []any{},
			"synthesis": map[string]any{"content": "Error: moderator failed"}},
	)
	p := NewPipeline(retryGateway("Rewritten synthesis", nil), store)

	evs := runRetry(t, p, "conv-1")

	// Retrying here must not reach back past the debate and rewrite
	// the older council message's synthesis.
	require.Len(t, evs, 1)
	assert.Equal(t, events.TypeError, evs[0].Type)
	assert.Contains(t, evs[0].Message, "arena debate")
	assert.Empty(t, store.synthUpdates)
}

func TestRetrySynthesis_ChairmanFailsAgain(t *testing.T) {
	store := retryStore(
		map[string]any{"role": "user", "content": "What causes tides?"},
		legacyCouncilMessage(),
	)
	p := NewPipeline(retryGateway("", errors.New("still down")), store)

	evs := runRetry(t, p, "conv-1")

	types := eventTypes(evs)
	assert.Equal(t, []string{"stage3_start", "stage3_complete", "error"}, types)

	stage3 := findEvent(t, evs, events.TypeStage3Complete).Data.(map[string]any)
	assert.Contains(t, stage3["response"], "Error:")
	assert.Contains(t, evs[len(evs)-1].Message, "failed again")

	// Nothing is persisted for a failed retry.
	assert.Empty(t, store.synthUpdates)
}
