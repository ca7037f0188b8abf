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

// Package deliberation defines the mode-agnostic result model shared
// by the council and arena pipelines, plus the map codec used to store
// results inside conversation messages.
//
// The codec is deliberately asymmetric: ToMap omits empty optional
// fields, FromMap tolerates missing keys, null values, and the legacy
// "response" content key, so conversations written by older builds
// keep loading.
package deliberation

import "github.com/kadirpekel/llmcouncil/pkg/gateway"

// Deliberation modes.
const (
	ModeCouncil = "council"
	ModeArena   = "arena"
)

// RoundType identifies what a deliberation round contains.
type RoundType string

const (
	// Council rounds.
	RoundResponses RoundType = "responses"
	RoundRankings  RoundType = "rankings"

	// Arena rounds.
	RoundOpening  RoundType = "opening"
	RoundRebuttal RoundType = "rebuttal"
	RoundClosing  RoundType = "closing"
)

// Metrics are the per-response metrics persisted with a result.
type Metrics struct {
	Cost        float64
	TotalTokens int
	LatencyMS   int
	Provider    string
}

// FromGatewayMetrics trims gateway call metrics down to the persisted
// set. Returns nil for nil input so absent metrics stay absent.
func FromGatewayMetrics(m *gateway.Metrics) *Metrics {
	if m == nil {
		return nil
	}
	return &Metrics{
		Cost:        m.Cost,
		TotalTokens: m.TotalTokens,
		LatencyMS:   m.LatencyMS,
		Provider:    m.Provider,
	}
}

// ToMap converts the metrics to their stored form.
func (m *Metrics) ToMap() map[string]any {
	result := map[string]any{
		"cost":         m.Cost,
		"total_tokens": m.TotalTokens,
		"latency_ms":   m.LatencyMS,
	}
	if m.Provider != "" {
		result["provider"] = m.Provider
	}
	return result
}

// MetricsFromMap reads stored metrics, coercing nulls to zero values.
func MetricsFromMap(data map[string]any) *Metrics {
	return &Metrics{
		Cost:        asFloat(data["cost"]),
		TotalTokens: asInt(data["total_tokens"]),
		LatencyMS:   asInt(data["latency_ms"]),
		Provider:    asString(data["provider"]),
	}
}

// ParticipantResponse is a single participant's contribution to a
// round. Participant is the anonymous label shown to peers ("Response
// A" in council, "Participant A" in arena); Model is the real id.
type ParticipantResponse struct {
	Participant      string
	Model            string
	Content          string
	Metrics          *Metrics
	ReasoningDetails any

	// ParsedRanking holds the extracted ranking order for council
	// rankings rounds.
	ParsedRanking []string
}

// ToMap converts the response to its stored form.
func (p *ParticipantResponse) ToMap() map[string]any {
	result := map[string]any{
		"participant": p.Participant,
		"model":       p.Model,
		"content":     p.Content,
	}
	if p.Metrics != nil {
		result["metrics"] = p.Metrics.ToMap()
	}
	if truthy(p.ReasoningDetails) {
		result["reasoning_details"] = p.ReasoningDetails
	}
	if len(p.ParsedRanking) > 0 {
		result["parsed_ranking"] = p.ParsedRanking
	}
	return result
}

// ParticipantResponseFromMap reads a stored response, falling back to
// the legacy "response" content key when "content" is absent.
func ParticipantResponseFromMap(data map[string]any) *ParticipantResponse {
	p := &ParticipantResponse{
		Participant:      asString(data["participant"]),
		Model:            asString(data["model"]),
		ReasoningDetails: data["reasoning_details"],
		ParsedRanking:    asStringSlice(data["parsed_ranking"]),
	}
	if v, ok := data["content"]; ok {
		p.Content = asString(v)
	} else {
		p.Content = asString(data["response"])
	}
	if m := asMap(data["metrics"]); len(m) > 0 {
		p.Metrics = MetricsFromMap(m)
	}
	return p
}

// Round is a single round of deliberation, covering both council
// stages and arena debate rounds.
type Round struct {
	RoundNumber int
	RoundType   RoundType
	Responses   []*ParticipantResponse
	Metadata    map[string]any
	Metrics     *Metrics
}

// ToMap converts the round to its stored form.
func (r *Round) ToMap() map[string]any {
	responses := make([]any, 0, len(r.Responses))
	for _, resp := range r.Responses {
		responses = append(responses, resp.ToMap())
	}
	result := map[string]any{
		"round_number": r.RoundNumber,
		"round_type":   string(r.RoundType),
		"responses":    responses,
	}
	if len(r.Metadata) > 0 {
		result["metadata"] = r.Metadata
	}
	if r.Metrics != nil {
		result["metrics"] = r.Metrics.ToMap()
	}
	return result
}

// RoundFromMap reads a stored round. Unknown round types are kept
// as-is so future round kinds survive a round trip.
func RoundFromMap(data map[string]any) *Round {
	r := &Round{
		RoundNumber: 1,
		RoundType:   RoundResponses,
		Metadata:    map[string]any{},
	}
	if v, ok := data["round_number"]; ok {
		r.RoundNumber = asInt(v)
	}
	if v, ok := data["round_type"]; ok {
		r.RoundType = RoundType(asString(v))
	}
	for _, item := range asMapSlice(data["responses"]) {
		r.Responses = append(r.Responses, ParticipantResponseFromMap(item))
	}
	if m := asMap(data["metadata"]); m != nil {
		r.Metadata = m
	}
	if m := asMap(data["metrics"]); len(m) > 0 {
		r.Metrics = MetricsFromMap(m)
	}
	return r
}

// Synthesis is the chairman's final answer, used by council stage 3
// and the arena moderator alike.
type Synthesis struct {
	Model            string
	Content          string
	Metrics          *Metrics
	ReasoningDetails any
}

// ToMap converts the synthesis to its stored form.
func (s *Synthesis) ToMap() map[string]any {
	result := map[string]any{
		"model":   s.Model,
		"content": s.Content,
	}
	if s.Metrics != nil {
		result["metrics"] = s.Metrics.ToMap()
	}
	if truthy(s.ReasoningDetails) {
		result["reasoning_details"] = s.ReasoningDetails
	}
	return result
}

// SynthesisFromMap reads a stored synthesis, falling back to the
// legacy "response" content key when "content" is absent.
func SynthesisFromMap(data map[string]any) *Synthesis {
	s := &Synthesis{
		Model:            asString(data["model"]),
		ReasoningDetails: data["reasoning_details"],
	}
	if v, ok := data["content"]; ok {
		s.Content = asString(v)
	} else {
		s.Content = asString(data["response"])
	}
	if m := asMap(data["metrics"]); len(m) > 0 {
		s.Metrics = MetricsFromMap(m)
	}
	return s
}

// Result is the complete outcome of one deliberation in either mode.
type Result struct {
	Mode      string
	Rounds    []*Round
	Synthesis *Synthesis

	// ParticipantMapping reveals which model hid behind each label.
	ParticipantMapping map[string]string

	// Metrics holds the aggregated pipeline metrics.
	Metrics map[string]any
}

// ToMap converts the result to its stored form.
func (r *Result) ToMap() map[string]any {
	rounds := make([]any, 0, len(r.Rounds))
	for _, round := range r.Rounds {
		rounds = append(rounds, round.ToMap())
	}
	result := map[string]any{
		"mode":   r.Mode,
		"rounds": rounds,
	}
	if r.Synthesis != nil {
		result["synthesis"] = r.Synthesis.ToMap()
	}
	if len(r.ParticipantMapping) > 0 {
		result["participant_mapping"] = r.ParticipantMapping
	}
	if len(r.Metrics) > 0 {
		result["metrics"] = r.Metrics
	}
	return result
}

// ResultFromMap reads a stored result, defaulting the mode to council
// for documents written before arena mode existed.
func ResultFromMap(data map[string]any) *Result {
	r := &Result{
		Mode:               ModeCouncil,
		ParticipantMapping: map[string]string{},
		Metrics:            map[string]any{},
	}
	if v, ok := data["mode"]; ok {
		r.Mode = asString(v)
	}
	for _, item := range asMapSlice(data["rounds"]) {
		r.Rounds = append(r.Rounds, RoundFromMap(item))
	}
	if m := asMap(data["synthesis"]); len(m) > 0 {
		r.Synthesis = SynthesisFromMap(m)
	}
	if m := asStringMap(data["participant_mapping"]); m != nil {
		r.ParticipantMapping = m
	}
	if m := asMap(data["metrics"]); m != nil {
		r.Metrics = m
	}
	return r
}
