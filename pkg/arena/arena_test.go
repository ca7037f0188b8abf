package arena

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/llmcouncil/pkg/deliberation"
)

func TestNewPanel_SeatsModelsInOrder(t *testing.T) {
	panel := NewPanel([]string{"openai/gpt-5.1", "x-ai/grok-4"})

	assert.Equal(t, []string{"Participant A", "Participant B"}, panel.Labels)
	assert.Equal(t, []string{"openai/gpt-5.1", "x-ai/grok-4"}, panel.Models)
	assert.Equal(t, map[string]string{
		"Participant A": "openai/gpt-5.1",
		"Participant B": "x-ai/grok-4",
	}, panel.Mapping())
}

func TestPanelFromMapping_RecoversSeatOrder(t *testing.T) {
	panel := PanelFromMapping(map[string]string{
		"Participant C": "model-c",
		"Participant A": "model-a",
		"Participant B": "model-b",
	})

	assert.Equal(t, []string{"Participant A", "Participant B", "Participant C"}, panel.Labels)
	assert.Equal(t, []string{"model-a", "model-b", "model-c"}, panel.Models)
}

func TestPanelFromMapping_Empty(t *testing.T) {
	panel := PanelFromMapping(nil)
	assert.Empty(t, panel.Labels)
	assert.Empty(t, panel.Models)
}

func TestFormatTranscript(t *testing.T) {
	rounds := []*deliberation.Round{
		{
			RoundNumber: 1,
			RoundType:   deliberation.RoundOpening,
			Responses: []*deliberation.ParticipantResponse{
				{Participant: "Participant A", Content: "Position A"},
				{Participant: "Participant B", Content: "Position B"},
			},
		},
		{
			RoundNumber: 2,
			RoundType:   deliberation.RoundRebuttal,
			Responses: []*deliberation.ParticipantResponse{
				{Participant: "Participant A", Content: "Rebuttal A"},
			},
		},
	}

	expected := `--- Round 1 (Opening) ---

Participant A:
Position A


Participant B:
Position B

--- Round 2 (Rebuttal) ---

Participant A:
Rebuttal A
`
	assert.Equal(t, expected, FormatTranscript(rounds))
}

func TestFormatTranscript_TitleCasesStoredRoundTypes(t *testing.T) {
	// Debates written before the opening/rebuttal naming keep their
	// stored round types.
	rounds := []*deliberation.Round{
		{RoundNumber: 1, RoundType: deliberation.RoundType("initial"), Responses: []*deliberation.ParticipantResponse{
			{Participant: "Participant A", Content: "Position A"},
		}},
	}
	assert.Contains(t, FormatTranscript(rounds), "--- Round 1 (Initial) ---")
}

func TestBuildOpeningPrompt_PlainQuestion(t *testing.T) {
	prompt := buildOpeningPrompt("Participant A", "What causes tides?", "", 3)

	assert.Contains(t, prompt, "You are Participant A in a multi-round debate")
	assert.Contains(t, prompt, "Question: What causes tides?")
	assert.Contains(t, prompt, "This is Round 1 of 3.")
	assert.NotContains(t, prompt, "web search results")
}

func TestBuildOpeningPrompt_WithContext(t *testing.T) {
	prompt := buildOpeningPrompt("Participant B", "q", "**Web Search Summary:**\nThe moon.", 2)

	assert.Contains(t, prompt, "The following web search results may be helpful:\n**Web Search Summary:**\nThe moon.")
}

func TestBuildRebuttalPrompt(t *testing.T) {
	prompt := buildRebuttalPrompt("Participant B", 2, 3, "What causes tides?", "--- Round 1 (Opening) ---\ntranscript")

	assert.Contains(t, prompt, "You are Participant B in Round 2 of 3")
	assert.Contains(t, prompt, "Original Question: What causes tides?")
	assert.Contains(t, prompt, "=== Previous Discussion ===\n--- Round 1 (Opening) ---\ntranscript\n=== End Previous Discussion ===")
	assert.Contains(t, prompt, "**REBUT**")
	assert.Contains(t, prompt, "**CONCEDE**")
}

func TestAggregateMetrics_FullDebate(t *testing.T) {
	rounds := []*deliberation.Round{
		{
			RoundNumber: 1,
			RoundType:   deliberation.RoundOpening,
			Responses: []*deliberation.ParticipantResponse{
				{Participant: "Participant A", Model: "model-a", Metrics: &deliberation.Metrics{Cost: 0.001, TotalTokens: 100, LatencyMS: 1000}},
				{Participant: "Participant B", Model: "model-b", Metrics: &deliberation.Metrics{Cost: 0.002, TotalTokens: 200, LatencyMS: 1500}},
			},
		},
		{
			RoundNumber: 2,
			RoundType:   deliberation.RoundRebuttal,
			Responses: []*deliberation.ParticipantResponse{
				{Participant: "Participant A", Model: "model-a", Metrics: &deliberation.Metrics{Cost: 0.0015, TotalTokens: 150, LatencyMS: 900}},
				{Participant: "Participant B", Model: "model-b", Metrics: &deliberation.Metrics{Cost: 0.0005, TotalTokens: 50, LatencyMS: 1200}},
			},
		},
	}
	synthesis := &deliberation.Synthesis{
		Model:   "chairman-model",
		Content: "Final synthesis",
		Metrics: &deliberation.Metrics{Cost: 0.004, TotalTokens: 400, LatencyMS: 2000},
	}

	metrics := AggregateMetrics(rounds, synthesis)

	assert.InDelta(t, 0.009, metrics["total_cost"].(float64), 1e-9)
	assert.Equal(t, 900, metrics["total_tokens"])
	// Rounds run their participants in parallel, so each contributes
	// its slowest participant; synthesis is sequential on top.
	assert.Equal(t, 1500+1200+2000, metrics["total_latency_ms"])

	byRound := metrics["by_round"].([]map[string]any)
	require.Len(t, byRound, 2)
	assert.Equal(t, 1, byRound[0]["round_number"])
	assert.Equal(t, "opening", byRound[0]["round_type"])
	assert.InDelta(t, 0.003, byRound[0]["cost"].(float64), 1e-9)
	assert.Equal(t, 300, byRound[0]["tokens"])
	assert.Equal(t, 1500, byRound[0]["latency_ms"])

	participants := byRound[0]["participants"].([]map[string]any)
	require.Len(t, participants, 2)
	assert.Equal(t, "Participant A", participants[0]["participant"])
	assert.Equal(t, "model-a", participants[0]["model"])
	assert.InDelta(t, 0.001, participants[0]["cost"].(float64), 1e-9)
	assert.Equal(t, 100, participants[0]["tokens"])
	assert.Equal(t, 1000, participants[0]["latency_ms"])

	assert.Equal(t, "rebuttal", byRound[1]["round_type"])
	assert.Equal(t, 1200, byRound[1]["latency_ms"])

	synth := metrics["synthesis"].(map[string]any)
	assert.Equal(t, "chairman-model", synth["model"])
	assert.InDelta(t, 0.004, synth["cost"].(float64), 1e-9)
	assert.Equal(t, 400, synth["tokens"])
	assert.Equal(t, 2000, synth["latency_ms"])
}

func TestAggregateMetrics_MissingMetricsCountAsZero(t *testing.T) {
	rounds := []*deliberation.Round{
		{RoundNumber: 1, RoundType: deliberation.RoundOpening, Responses: []*deliberation.ParticipantResponse{
			{Participant: "Participant A", Model: "model-a"},
		}},
	}
	synthesis := &deliberation.Synthesis{Model: "chairman-model", Content: "Error: Unable to generate synthesis."}

	metrics := AggregateMetrics(rounds, synthesis)

	assert.Equal(t, 0.0, metrics["total_cost"])
	assert.Equal(t, 0, metrics["total_tokens"])
	assert.Equal(t, 0, metrics["total_latency_ms"])
	synth := metrics["synthesis"].(map[string]any)
	assert.Equal(t, "chairman-model", synth["model"])
	assert.Equal(t, 0.0, synth["cost"])
}

func TestAggregateMetrics_NoRounds(t *testing.T) {
	metrics := AggregateMetrics(nil, nil)

	assert.Equal(t, 0.0, metrics["total_cost"])
	assert.Empty(t, metrics["by_round"])
	assert.Equal(t, "", metrics["synthesis"].(map[string]any)["model"])
}

func TestClampRoundCount(t *testing.T) {
	cases := map[int]int{
		0:  3,
		-5: 2,
		1:  2,
		2:  2,
		7:  7,
		10: 10,
		50: 10,
	}
	for in, want := range cases {
		assert.Equal(t, want, clampRoundCount(in), "round count %d", in)
	}
}
