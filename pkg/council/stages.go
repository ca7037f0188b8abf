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
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/kadirpekel/llmcouncil/pkg/deliberation"
	"github.com/kadirpekel/llmcouncil/pkg/gateway"
)

// Gateway is the slice of the LLM gateway the deliberation stages
// need. *gateway.Client satisfies it.
type Gateway interface {
	QueryModel(ctx context.Context, model string, messages []gateway.Message) (*gateway.Result, error)
	QueryModelsProgressive(ctx context.Context, req gateway.FanoutRequest) (map[string]gateway.Outcome, error)
}

const (
	titleModel      = "google/gemini-2.5-flash"
	titleTimeout    = 30 * time.Second
	defaultTitle    = "New Conversation"
	maxTitleRunes   = 50
	synthesisErrMsg = "Error: Unable to generate final synthesis."
)

// Stage1Callbacks lets the caller observe stage 1 while it runs.
// All callbacks are optional and are invoked from a single goroutine.
type Stage1Callbacks struct {
	// OnModelResponse fires once per model that answered successfully.
	OnModelResponse func(model string, result *ModelResponse)
	// OnProgress fires after every model settles, success or not.
	OnProgress func(completed, total int, completedModels, pendingModels []string)
	// StreamTokens requests token streaming from the gateway; OnToken
	// receives each delta.
	StreamTokens bool
	OnToken      func(model, token string)
}

// Stage1CollectResponses queries every council model in parallel with
// the user's question and optional gathered context. Models that fail
// are dropped from the result; deciding whether an empty panel is
// fatal is the caller's call.
func Stage1CollectResponses(ctx context.Context, gw Gateway, userQuery, contextText string, councilModels []string, cb Stage1Callbacks) ([]*ModelResponse, error) {
	if len(councilModels) == 0 {
		return nil, errors.New("no council models configured")
	}
	messages := buildStage1Messages(userQuery, contextText)

	// The fanout invokes callbacks from its drain loop, so appends
	// here need no locking.
	results := make([]*ModelResponse, 0, len(councilModels))
	req := gateway.FanoutRequest{
		Models:       councilModels,
		Messages:     messages,
		StreamTokens: cb.StreamTokens,
		OnToken:      cb.OnToken,
		OnProgress:   cb.OnProgress,
		OnModelComplete: func(model string, outcome gateway.Outcome) {
			if outcome.Result == nil {
				return
			}
			result := formatModelResult(model, outcome.Result)
			results = append(results, result)
			if cb.OnModelResponse != nil {
				cb.OnModelResponse(model, result)
			}
		},
	}
	if _, err := gw.QueryModelsProgressive(ctx, req); err != nil {
		return nil, err
	}
	return results, nil
}

// Stage2CollectRankings shows every council model the anonymized
// stage-1 responses and collects their rankings. It returns the
// rankings in panel order plus the label-to-model mapping needed to
// de-anonymize them later.
func Stage2CollectRankings(ctx context.Context, gw Gateway, userQuery string, stage1 []*ModelResponse, councilModels []string) ([]*Ranking, map[string]string, error) {
	labels := ResponseLabels(len(stage1))
	labelToModel := make(map[string]string, len(stage1))
	responseParts := make([]string, 0, len(stage1))
	for i, result := range stage1 {
		label := "Response " + labels[i]
		labelToModel[label] = result.Model
		responseParts = append(responseParts, label+":\n"+result.Response)
	}

	messages := []gateway.Message{
		gateway.TextMessage("system", stage2SystemPrompt),
		gateway.TextMessage("user", buildRankingPrompt(userQuery, strings.Join(responseParts, "\n\n"))),
	}
	outcomes, err := gw.QueryModelsProgressive(ctx, gateway.FanoutRequest{
		Models:   councilModels,
		Messages: messages,
	})
	if err != nil {
		return nil, nil, err
	}

	rankings := make([]*Ranking, 0, len(councilModels))
	for _, model := range councilModels {
		outcome, ok := outcomes[model]
		if !ok || outcome.Result == nil {
			continue
		}
		rankings = append(rankings, &Ranking{
			Model:            model,
			Ranking:          outcome.Result.Content,
			ParsedRanking:    ParseRanking(outcome.Result.Content),
			Metrics:          deliberation.FromGatewayMetrics(outcome.Result.Metrics),
			ReasoningDetails: outcome.Result.ReasoningDetails,
		})
	}
	return rankings, labelToModel, nil
}

// Stage3SynthesizeFinal asks the chairman model to synthesize the
// stage-1 responses and stage-2 rankings into one answer. The chairman
// gets one retry; if both attempts fail the result carries an "Error:"
// response instead of an error so the run can still be persisted and
// the synthesis retried later.
func Stage3SynthesizeFinal(ctx context.Context, gw Gateway, userQuery string, stage1 []*ModelResponse, stage2 []*Ranking, chairmanModel string) *SynthesisResult {
	messages := []gateway.Message{
		gateway.TextMessage("user", buildChairmanPrompt(userQuery, stage1, stage2)),
	}

	var res *gateway.Result
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		res, err = gw.QueryModel(ctx, chairmanModel, messages)
		if err == nil && res != nil {
			break
		}
		if attempt == 0 {
			slog.Warn("Chairman synthesis failed, retrying once",
				"model", chairmanModel,
				"error", err)
		}
	}
	if err != nil || res == nil {
		slog.Error("Chairman synthesis failed after retry", "model", chairmanModel, "error", err)
		return &SynthesisResult{
			Model:    chairmanModel,
			Response: synthesisErrMsg,
		}
	}
	return &SynthesisResult{
		Model:            chairmanModel,
		Response:         res.Content,
		Metrics:          deliberation.FromGatewayMetrics(res.Metrics),
		ReasoningDetails: res.ReasoningDetails,
	}
}

// GenerateTitle asks a small model for a short conversation title
// derived from the first question. Failures fall back to the default
// title; a title is never worth failing a run over.
func GenerateTitle(ctx context.Context, gw Gateway, userQuery string) string {
	ctx, cancel := context.WithTimeout(ctx, titleTimeout)
	defer cancel()

	res, err := gw.QueryModel(ctx, titleModel, []gateway.Message{
		gateway.TextMessage("user", buildTitlePrompt(userQuery)),
	})
	if err != nil || res == nil {
		slog.Warn("Title generation failed", "error", err)
		return defaultTitle
	}
	title := strings.Trim(strings.TrimSpace(res.Content), `"'`)
	if utf8.RuneCountInString(title) > maxTitleRunes {
		title = string([]rune(title)[:maxTitleRunes-3]) + "..."
	}
	return title
}
