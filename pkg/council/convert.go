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

// ConvertToUnifiedResult shapes a full council run into the unified
// round-based form shared with arena. Round 1 holds the anonymized
// stage-1 responses; round 2 holds the rankings, keyed by the
// evaluating model and carrying the de-anonymization map and the
// aggregate in its metadata.
func ConvertToUnifiedResult(stage1 []*ModelResponse, stage2 []*Ranking, stage3 *SynthesisResult, labelToModel map[string]string, aggregateRankings []map[string]any, metrics map[string]any) *deliberation.Result {
	responses := make([]*deliberation.ParticipantResponse, 0, len(stage1))
	for i, result := range stage1 {
		responses = append(responses, &deliberation.ParticipantResponse{
			Participant:      "Response " + deliberation.Label(i),
			Model:            result.Model,
			Content:          result.Response,
			Metrics:          result.Metrics,
			ReasoningDetails: result.ReasoningDetails,
		})
	}

	rankings := make([]*deliberation.ParticipantResponse, 0, len(stage2))
	for _, result := range stage2 {
		rankings = append(rankings, &deliberation.ParticipantResponse{
			Participant:      result.Model,
			Model:            result.Model,
			Content:          result.Ranking,
			ParsedRanking:    result.ParsedRanking,
			Metrics:          result.Metrics,
			ReasoningDetails: result.ReasoningDetails,
		})
	}

	unified := &deliberation.Result{
		Mode: deliberation.ModeCouncil,
		Rounds: []*deliberation.Round{
			{
				RoundNumber: 1,
				RoundType:   deliberation.RoundResponses,
				Responses:   responses,
			},
			{
				RoundNumber: 2,
				RoundType:   deliberation.RoundRankings,
				Responses:   rankings,
				Metadata: map[string]any{
					"label_to_model":     labelToModel,
					"aggregate_rankings": aggregateRankings,
				},
			},
		},
		ParticipantMapping: labelToModel,
		Metrics:            metrics,
	}
	if stage3 != nil {
		unified.Synthesis = &deliberation.Synthesis{
			Model:            stage3.Model,
			Content:          stage3.Response,
			Metrics:          stage3.Metrics,
			ReasoningDetails: stage3.ReasoningDetails,
		}
	}
	return unified
}

// ConvertLegacyMessage rewrites a stored stage-keyed council message
// into the unified round-based form. Messages that are not legacy
// council results (user turns, arena messages, already-unified
// messages, or results without stage-1 data) come back untouched. The
// returned message drops the stage1/stage2/stage3 keys entirely.
func ConvertLegacyMessage(msg map[string]any) map[string]any {
	if asString(msg["role"]) != "assistant" {
		return msg
	}
	if _, unified := msg["rounds"]; unified {
		return msg
	}
	stage1Raw := asMapSlice(msg["stage1"])
	if len(stage1Raw) == 0 {
		return msg
	}

	stage1 := make([]*ModelResponse, 0, len(stage1Raw))
	for _, m := range stage1Raw {
		stage1 = append(stage1, ModelResponseFromMap(m))
	}
	stage2 := make([]*Ranking, 0)
	for _, m := range asMapSlice(msg["stage2"]) {
		stage2 = append(stage2, RankingFromMap(m))
	}
	var stage3 *SynthesisResult
	if m := asMap(msg["stage3"]); len(m) > 0 {
		stage3 = SynthesisResultFromMap(m)
	}

	labelToModel := make(map[string]string, len(stage1))
	for i, result := range stage1 {
		labelToModel["Response "+deliberation.Label(i)] = result.Model
	}

	unified := ConvertToUnifiedResult(
		stage1, stage2, stage3,
		labelToModel,
		AggregateRankings(stage2, labelToModel),
		asMap(msg["metrics"]),
	).ToMap()
	unified["role"] = "assistant"
	return unified
}

// ExtractStageData recovers the stage-1 responses and stage-2 rankings
// from a stored council message so the synthesis can be re-run. The
// unified rounds form wins when a message somehow carries both; legacy
// stage keys are the fallback. Returns ok=false when the message
// carries neither.
func ExtractStageData(msg map[string]any) (stage1 []*ModelResponse, stage2 []*Ranking, ok bool) {
	if rounds := asMapSlice(msg["rounds"]); len(rounds) >= 2 {
		for _, rm := range asMapSlice(rounds[0]["responses"]) {
			pr := deliberation.ParticipantResponseFromMap(rm)
			stage1 = append(stage1, &ModelResponse{
				Model:            pr.Model,
				Response:         pr.Content,
				Metrics:          pr.Metrics,
				ReasoningDetails: pr.ReasoningDetails,
			})
		}
		for _, rm := range asMapSlice(rounds[1]["responses"]) {
			pr := deliberation.ParticipantResponseFromMap(rm)
			stage2 = append(stage2, &Ranking{
				Model:            pr.Model,
				Ranking:          pr.Content,
				ParsedRanking:    pr.ParsedRanking,
				Metrics:          pr.Metrics,
				ReasoningDetails: pr.ReasoningDetails,
			})
		}
		return stage1, stage2, true
	}

	_, hasStage1 := msg["stage1"]
	_, hasStage2 := msg["stage2"]
	if !hasStage1 || !hasStage2 {
		return nil, nil, false
	}
	for _, m := range asMapSlice(msg["stage1"]) {
		stage1 = append(stage1, ModelResponseFromMap(m))
	}
	for _, m := range asMapSlice(msg["stage2"]) {
		stage2 = append(stage2, RankingFromMap(m))
	}
	return stage1, stage2, true
}
