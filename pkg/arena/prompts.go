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
	"fmt"
	"strings"

	"github.com/kadirpekel/llmcouncil/pkg/deliberation"
)

const openingPromptTemplate = `You are %s in a multi-round debate among AI participants.

Question: %s
%s
Provide your initial position on this question. Be clear, well-reasoned, and thorough.

Other participants will see your response and may challenge, refine, or build upon it in subsequent rounds. This is Round 1 of %d.

Your response:`

const rebuttalPromptTemplate = `You are %s in Round %d of %d of a multi-round debate.

Original Question: %s

=== Previous Discussion ===
%s
=== End Previous Discussion ===

This is a deliberation round. Having reviewed all previous positions, you should:
- **REBUT**: Challenge arguments you disagree with, citing specific points
- **REFINE**: Improve upon your own position or others' valid points
- **CONCEDE**: Acknowledge where others made stronger arguments
- **STRENGTHEN**: Provide additional evidence or reasoning for positions you support

Be specific about which participant(s) you're responding to. Maintain intellectual honesty.
Focus on the most substantive points of agreement or disagreement.

Your deliberation:`

const moderatorPromptTemplate = `You are the moderator synthesizing a multi-round debate among AI participants.

Original Question: %s

=== Complete Debate Transcript ===
%s
=== End Transcript ===

=== Participant Identities ===
%s
=== End Identities ===

Synthesize this debate into a comprehensive final answer. Your synthesis MUST include these sections:

## Consensus Points
Areas where participants converged or agreed. What did they collectively establish as true or valid?

## Complete Answer
The best answer to the original question, incorporating the strongest insights from all rounds. This should be a thorough, well-reasoned response that a user would find valuable.

## Unresolved Dissents
Points of genuine disagreement that remain after deliberation. Why do these disagreements persist? What would need to be known to resolve them?

Provide a comprehensive, well-structured response:`

// buildOpeningPrompt asks one participant for its initial position.
// Non-empty context (attachments, web search) is surfaced as a helper
// section above the instructions.
func buildOpeningPrompt(label, userQuery, contextText string, totalRounds int) string {
	contextSection := ""
	if contextText != "" {
		contextSection = "\nThe following web search results may be helpful:\n" + contextText + "\n"
	}
	return fmt.Sprintf(openingPromptTemplate, label, userQuery, contextSection, totalRounds)
}

// buildRebuttalPrompt asks one participant to rebut, refine, concede,
// or strengthen positions from the transcript so far.
func buildRebuttalPrompt(label string, roundNumber, totalRounds int, userQuery, transcript string) string {
	return fmt.Sprintf(rebuttalPromptTemplate, label, roundNumber, totalRounds, userQuery, transcript)
}

func buildModeratorPrompt(userQuery, transcript, reveal string) string {
	return fmt.Sprintf(moderatorPromptTemplate, userQuery, transcript, reveal)
}

// FormatTranscript renders rounds as the running transcript shown to
// rebuttal participants and the moderator. Only anonymous labels
// appear; model identities stay out of the transcript.
func FormatTranscript(rounds []*deliberation.Round) string {
	parts := make([]string, 0, len(rounds))
	for _, round := range rounds {
		parts = append(parts, fmt.Sprintf("--- Round %d (%s) ---", round.RoundNumber, roundTitle(round.RoundType)))
		for _, resp := range round.Responses {
			parts = append(parts, fmt.Sprintf("\n%s:\n%s\n", resp.Participant, resp.Content))
		}
	}
	return strings.Join(parts, "\n")
}

// identityReveal unmasks the roster for the moderator. No other prompt
// may carry real model identifiers.
func identityReveal(panel *Panel) string {
	lines := make([]string, 0, len(panel.Labels))
	for i, label := range panel.Labels {
		model := panel.Models[i]
		short := model
		if _, rest, found := strings.Cut(model, "/"); found {
			short = rest
		}
		lines = append(lines, fmt.Sprintf("- %s: %s (%s)", label, short, model))
	}
	return strings.Join(lines, "\n")
}

func roundTitle(t deliberation.RoundType) string {
	s := string(t)
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
