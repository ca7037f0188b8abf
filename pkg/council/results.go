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

import (
	"github.com/kadirpekel/llmcouncil/pkg/deliberation"
	"github.com/kadirpekel/llmcouncil/pkg/gateway"
)

// ModelResponse is one council member's answer from stage 1, in the
// flat shape events and legacy documents use.
type ModelResponse struct {
	Model            string
	Response         string
	Metrics          *deliberation.Metrics
	ReasoningDetails any
}

// ToMap converts the response to its wire and stored form. The
// metrics key is always present so consumers can index it blindly.
func (r *ModelResponse) ToMap() map[string]any {
	result := map[string]any{
		"model":    r.Model,
		"response": r.Response,
		"metrics":  metricsMap(r.Metrics),
	}
	if r.ReasoningDetails != nil {
		result["reasoning_details"] = r.ReasoningDetails
	}
	return result
}

// ModelResponseFromMap reads a stage-1 result dict.
func ModelResponseFromMap(data map[string]any) *ModelResponse {
	r := &ModelResponse{
		Model:            asString(data["model"]),
		ReasoningDetails: data["reasoning_details"],
	}
	if v, ok := data["response"]; ok {
		r.Response = asString(v)
	} else {
		r.Response = asString(data["content"])
	}
	if m := asMap(data["metrics"]); len(m) > 0 {
		r.Metrics = deliberation.MetricsFromMap(m)
	}
	return r
}

// Ranking is one council member's stage-2 critique of the anonymized
// stage-1 responses.
type Ranking struct {
	Model            string
	Ranking          string
	ParsedRanking    []string
	Metrics          *deliberation.Metrics
	ReasoningDetails any
}

// ToMap converts the ranking to its wire and stored form.
func (r *Ranking) ToMap() map[string]any {
	parsed := r.ParsedRanking
	if parsed == nil {
		parsed = []string{}
	}
	result := map[string]any{
		"model":          r.Model,
		"ranking":        r.Ranking,
		"parsed_ranking": parsed,
		"metrics":        metricsMap(r.Metrics),
	}
	if r.ReasoningDetails != nil {
		result["reasoning_details"] = r.ReasoningDetails
	}
	return result
}

// RankingFromMap reads a stage-2 result dict.
func RankingFromMap(data map[string]any) *Ranking {
	r := &Ranking{
		Model:            asString(data["model"]),
		Ranking:          asString(data["ranking"]),
		ParsedRanking:    asStringSlice(data["parsed_ranking"]),
		ReasoningDetails: data["reasoning_details"],
	}
	if m := asMap(data["metrics"]); len(m) > 0 {
		r.Metrics = deliberation.MetricsFromMap(m)
	}
	return r
}

// SynthesisResult is the chairman's stage-3 answer in the flat shape
// events and legacy documents use. A Response starting with "Error:"
// marks a failed synthesis that the user may retry.
type SynthesisResult struct {
	Model            string
	Response         string
	Metrics          *deliberation.Metrics
	ReasoningDetails any
}

// ToMap converts the synthesis to its wire and stored form.
func (s *SynthesisResult) ToMap() map[string]any {
	result := map[string]any{
		"model":    s.Model,
		"response": s.Response,
		"metrics":  metricsMap(s.Metrics),
	}
	if s.ReasoningDetails != nil {
		result["reasoning_details"] = s.ReasoningDetails
	}
	return result
}

// SynthesisResultFromMap reads a stage-3 result dict.
func SynthesisResultFromMap(data map[string]any) *SynthesisResult {
	s := &SynthesisResult{
		Model:            asString(data["model"]),
		ReasoningDetails: data["reasoning_details"],
	}
	if v, ok := data["response"]; ok {
		s.Response = asString(v)
	} else {
		s.Response = asString(data["content"])
	}
	if m := asMap(data["metrics"]); len(m) > 0 {
		s.Metrics = deliberation.MetricsFromMap(m)
	}
	return s
}

// formatModelResult shapes one successful gateway result into a
// stage-1 entry.
func formatModelResult(model string, res *gateway.Result) *ModelResponse {
	return &ModelResponse{
		Model:            model,
		Response:         res.Content,
		Metrics:          deliberation.FromGatewayMetrics(res.Metrics),
		ReasoningDetails: res.ReasoningDetails,
	}
}

func metricsMap(m *deliberation.Metrics) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m.ToMap()
}

func modelResponseMaps(results []*ModelResponse) []map[string]any {
	out := make([]map[string]any, 0, len(results))
	for _, r := range results {
		out = append(out, r.ToMap())
	}
	return out
}

func rankingMaps(rankings []*Ranking) []map[string]any {
	out := make([]map[string]any, 0, len(rankings))
	for _, r := range rankings {
		out = append(out, r.ToMap())
	}
	return out
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
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

func asStringSlice(v any) []string {
	switch s := v.(type) {
	case []string:
		return s
	case []any:
		out := make([]string, 0, len(s))
		for _, item := range s {
			if str, ok := item.(string); ok {
				out = append(out, str)
			}
		}
		return out
	}
	return nil
}
