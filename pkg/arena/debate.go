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
	"context"
	"log/slog"

	"github.com/kadirpekel/llmcouncil/pkg/deliberation"
	"github.com/kadirpekel/llmcouncil/pkg/gateway"
)

// Gateway is the slice of the LLM gateway the debate needs.
// *gateway.Client satisfies it.
type Gateway interface {
	QueryModel(ctx context.Context, model string, messages []gateway.Message) (*gateway.Result, error)
	QueryModelsProgressive(ctx context.Context, req gateway.FanoutRequest) (map[string]gateway.Outcome, error)
}

const moderatorErrMsg = "Error: Unable to generate synthesis."

// Panel is the anonymized debate roster. Labels and Models are
// index-aligned in seat order.
type Panel struct {
	Labels []string
	Models []string
}

// NewPanel seats the given models as Participant A, Participant B, and
// so on.
func NewPanel(models []string) *Panel {
	p := &Panel{
		Labels: make([]string, 0, len(models)),
		Models: make([]string, 0, len(models)),
	}
	for i, model := range models {
		p.Labels = append(p.Labels, participantLabel(i))
		p.Models = append(p.Models, model)
	}
	return p
}

// PanelFromMapping rebuilds the roster from a stored label-to-model
// mapping, recovering seat order from the label sequence.
func PanelFromMapping(mapping map[string]string) *Panel {
	p := &Panel{}
	for i := 0; len(p.Labels) < len(mapping); i++ {
		label := participantLabel(i)
		model, ok := mapping[label]
		if !ok {
			break
		}
		p.Labels = append(p.Labels, label)
		p.Models = append(p.Models, model)
	}
	return p
}

// Mapping returns the label-to-model map persisted with the debate and
// revealed to the moderator.
func (p *Panel) Mapping() map[string]string {
	mapping := make(map[string]string, len(p.Labels))
	for i, label := range p.Labels {
		mapping[label] = p.Models[i]
	}
	return mapping
}

func participantLabel(index int) string {
	return "Participant " + deliberation.Label(index)
}

// OpeningRound collects every participant's initial position in
// parallel. Round 1 is the only round that sees the gathered context.
func OpeningRound(ctx context.Context, gw Gateway, userQuery, contextText string, panel *Panel, totalRounds int) (*deliberation.Round, error) {
	return runRound(ctx, gw, panel, 1, deliberation.RoundOpening, func(label string) string {
		return buildOpeningPrompt(label, userQuery, contextText, totalRounds)
	})
}

// RebuttalRound shows every participant the transcript of the prior
// rounds and collects their rebuttals in parallel.
func RebuttalRound(ctx context.Context, gw Gateway, userQuery string, roundNumber, totalRounds int, prior []*deliberation.Round, panel *Panel) (*deliberation.Round, error) {
	transcript := FormatTranscript(prior)
	return runRound(ctx, gw, panel, roundNumber, deliberation.RoundRebuttal, func(label string) string {
		return buildRebuttalPrompt(label, roundNumber, totalRounds, userQuery, transcript)
	})
}

// runRound fans the per-participant prompts out and collects responses
// in seat order. Participants that fail are dropped from the round; the
// debate continues with whoever answered.
func runRound(ctx context.Context, gw Gateway, panel *Panel, roundNumber int, roundType deliberation.RoundType, promptFor func(label string) string) (*deliberation.Round, error) {
	modelMessages := make(map[string][]gateway.Message, len(panel.Labels))
	for i, label := range panel.Labels {
		modelMessages[panel.Models[i]] = []gateway.Message{
			gateway.TextMessage("user", promptFor(label)),
		}
	}
	outcomes, err := gw.QueryModelsProgressive(ctx, gateway.FanoutRequest{
		Models:        panel.Models,
		ModelMessages: modelMessages,
	})
	if err != nil {
		return nil, err
	}

	responses := make([]*deliberation.ParticipantResponse, 0, len(panel.Labels))
	for i, label := range panel.Labels {
		outcome, ok := outcomes[panel.Models[i]]
		if !ok || outcome.Result == nil {
			continue
		}
		responses = append(responses, &deliberation.ParticipantResponse{
			Participant:      label,
			Model:            panel.Models[i],
			Content:          outcome.Result.Content,
			Metrics:          deliberation.FromGatewayMetrics(outcome.Result.Metrics),
			ReasoningDetails: outcome.Result.ReasoningDetails,
		})
	}
	return &deliberation.Round{
		RoundNumber: roundNumber,
		RoundType:   roundType,
		Responses:   responses,
	}, nil
}

// ModerateDebate asks the moderator model to synthesize the full
// transcript, with the identity reveal attached. The moderator gets
// one retry; if both attempts fail the synthesis carries an "Error:"
// content instead of an error so the debate still gets persisted and
// the synthesis retried later.
func ModerateDebate(ctx context.Context, gw Gateway, userQuery string, rounds []*deliberation.Round, panel *Panel, moderatorModel string) *deliberation.Synthesis {
	prompt := buildModeratorPrompt(userQuery, FormatTranscript(rounds), identityReveal(panel))
	messages := []gateway.Message{
		gateway.TextMessage("user", prompt),
	}

	var res *gateway.Result
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		res, err = gw.QueryModel(ctx, moderatorModel, messages)
		if err == nil && res != nil {
			break
		}
		if attempt == 0 {
			slog.Warn("Moderator synthesis failed, retrying once",
				"model", moderatorModel,
				"error", err)
		}
	}
	if err != nil || res == nil {
		slog.Error("Moderator synthesis failed after retry", "model", moderatorModel, "error", err)
		return &deliberation.Synthesis{
			Model:   moderatorModel,
			Content: moderatorErrMsg,
		}
	}
	return &deliberation.Synthesis{
		Model:            moderatorModel,
		Content:          res.Content,
		Metrics:          deliberation.FromGatewayMetrics(res.Metrics),
		ReasoningDetails: res.ReasoningDetails,
	}
}
