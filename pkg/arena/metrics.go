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
	"math"

	"github.com/kadirpekel/llmcouncil/pkg/deliberation"
)

// AggregateMetrics totals cost, tokens, and latency across the debate.
// Participants within a round run in parallel, so each round's latency
// is its slowest participant; total wall time is the sum of the round
// maxima plus the sequential synthesis call. Missing metrics count as
// zero.
func AggregateMetrics(rounds []*deliberation.Round, synthesis *deliberation.Synthesis) map[string]any {
	totalCost := 0.0
	totalTokens := 0
	totalLatency := 0
	byRound := make([]map[string]any, 0, len(rounds))

	for _, round := range rounds {
		cost := 0.0
		tokens := 0
		maxLatency := 0
		participants := make([]map[string]any, 0, len(round.Responses))
		for _, resp := range round.Responses {
			var respCost float64
			var respTokens, respLatency int
			if m := resp.Metrics; m != nil {
				respCost = m.Cost
				respTokens = m.TotalTokens
				respLatency = m.LatencyMS
			}
			cost += respCost
			tokens += respTokens
			if respLatency > maxLatency {
				maxLatency = respLatency
			}
			participants = append(participants, map[string]any{
				"participant": resp.Participant,
				"model":       resp.Model,
				"cost":        respCost,
				"tokens":      respTokens,
				"latency_ms":  respLatency,
			})
		}

		roundCost := round6(cost)
		byRound = append(byRound, map[string]any{
			"round_number": round.RoundNumber,
			"round_type":   string(round.RoundType),
			"cost":         roundCost,
			"tokens":       tokens,
			"latency_ms":   maxLatency,
			"participants": participants,
		})
		totalCost += roundCost
		totalTokens += tokens
		totalLatency += maxLatency
	}

	var synthCost float64
	var synthTokens, synthLatency int
	synthModel := ""
	if synthesis != nil {
		synthModel = synthesis.Model
		if m := synthesis.Metrics; m != nil {
			synthCost = m.Cost
			synthTokens = m.TotalTokens
			synthLatency = m.LatencyMS
		}
	}
	totalCost += synthCost
	totalTokens += synthTokens
	totalLatency += synthLatency

	return map[string]any{
		"total_cost":       round6(totalCost),
		"total_tokens":     totalTokens,
		"total_latency_ms": totalLatency,
		"by_round":         byRound,
		"synthesis": map[string]any{
			"model":      synthModel,
			"cost":       round6(synthCost),
			"tokens":     synthTokens,
			"latency_ms": synthLatency,
		},
	}
}

func round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}
