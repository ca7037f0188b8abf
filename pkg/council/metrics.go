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

import "github.com/kadirpekel/llmcouncil/pkg/deliberation"

// stageUsage accumulates per-stage cost, tokens and latency. Stage
// latency is the slowest model in the stage since the calls run in
// parallel.
type stageUsage struct {
	cost    float64
	tokens  int
	latency int
	models  []map[string]any
}

func (u *stageUsage) add(model string, m *deliberation.Metrics) {
	var cost float64
	var tokens, latency int
	var provider any
	if m != nil {
		cost = m.Cost
		tokens = m.TotalTokens
		latency = m.LatencyMS
		if m.Provider != "" {
			provider = m.Provider
		}
	}
	u.cost += cost
	u.tokens += tokens
	if latency > u.latency {
		u.latency = latency
	}
	u.models = append(u.models, map[string]any{
		"model":      model,
		"cost":       cost,
		"tokens":     tokens,
		"latency_ms": latency,
		"provider":   provider,
	})
}

func (u *stageUsage) modelList() []map[string]any {
	if u.models == nil {
		return []map[string]any{}
	}
	return u.models
}

// AggregateMetrics rolls the per-call usage of a full council run into
// one summary. Total latency is the sum of the three stage latencies,
// reflecting the sequential pipeline of parallel stages. Costs are
// rounded to six decimals, matching the per-token prices involved.
func AggregateMetrics(stage1 []*ModelResponse, stage2 []*Ranking, stage3 *SynthesisResult) map[string]any {
	var s1, s2 stageUsage
	for _, result := range stage1 {
		s1.add(result.Model, result.Metrics)
	}
	for _, result := range stage2 {
		s2.add(result.Model, result.Metrics)
	}

	var s3Cost float64
	var s3Tokens, s3Latency int
	if stage3 != nil && stage3.Metrics != nil {
		s3Cost = stage3.Metrics.Cost
		s3Tokens = stage3.Metrics.TotalTokens
		s3Latency = stage3.Metrics.LatencyMS
	}

	return map[string]any{
		"total_cost":       round6(s1.cost + s2.cost + s3Cost),
		"total_tokens":     s1.tokens + s2.tokens + s3Tokens,
		"total_latency_ms": s1.latency + s2.latency + s3Latency,
		"by_stage": map[string]any{
			"stage1": map[string]any{
				"cost":       round6(s1.cost),
				"tokens":     s1.tokens,
				"latency_ms": s1.latency,
				"models":     s1.modelList(),
			},
			"stage2": map[string]any{
				"cost":       round6(s2.cost),
				"tokens":     s2.tokens,
				"latency_ms": s2.latency,
				"models":     s2.modelList(),
			},
			"stage3": map[string]any{
				"cost":       round6(s3Cost),
				"tokens":     s3Tokens,
				"latency_ms": s3Latency,
			},
		},
	}
}
