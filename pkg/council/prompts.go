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
	"fmt"
	"strings"

	"github.com/kadirpekel/llmcouncil/pkg/deliberation"
	"github.com/kadirpekel/llmcouncil/pkg/gateway"
)

// stage1SystemPrompt frames each council member's answer. It asks for
// substance over agreement so stage 2 has real differences to rank.
const stage1SystemPrompt = `You are one member of a council of AI assistants. Answer the user's question as well as you can.

Guidelines:
- Be accurate and direct. Correctness matters more than agreement; do not tailor your answer to what the user likely wants to hear.
- If the question rests on a false premise, say so instead of answering around it.
- State uncertainty honestly when the evidence is thin.
- Be thorough, but stay on the question that was asked.

Your answer will be reviewed and ranked by the other council members, so substance and rigor count.`

// stage2SystemPrompt frames the peer review. Responses arrive
// anonymized, so the evaluator judges content only.
const stage2SystemPrompt = `You are a rigorous, impartial evaluator of AI-generated responses. Judge every response strictly on its merits: factual accuracy, completeness, clarity, and insight. Do not reward verbosity, hedging, or flattery, and apply the same standard to each response. You do not know which model wrote which response, so evaluate the content alone.`

const rankingPromptTemplate = `You are evaluating different responses to the following question:

Question: %s

Here are the responses from different models (anonymized):

%s

Your task:
1. Evaluate each response on these criteria:
   - Accuracy: Is the information correct and well-supported?
   - Completeness: Does it fully address the question?
   - Clarity: Is it well-organized and easy to follow?
   - Insight: Does it offer useful perspective beyond the obvious?
2. For each response, briefly explain its main strengths and weaknesses.
3. Then, at the very end of your response, provide your final ranking.

IMPORTANT: Your final ranking MUST be formatted EXACTLY as follows:
- Start with the line "FINAL RANKING:" (all caps, with colon)
- Then list the responses from best to worst as a numbered list
- Each line should be: number, period, space, then ONLY the response label (e.g., "1. Response A")
- Do not add any other text or explanations in the ranking section

Example of the correct format:

FINAL RANKING:
1. Response C
2. Response A
3. Response B

Now provide your evaluation and ranking:`

const chairmanPromptTemplate = `You are the Chairman of an LLM Council. Multiple AI models have provided responses to a user's question, and then ranked each other's responses. The responses are labeled anonymously and the evaluators are numbered in no particular order.

Original Question: %s

STAGE 1 - Individual Responses:

%s

STAGE 2 - Peer Rankings:

%s

Your task as Chairman is to synthesize all of this information into a single, comprehensive, accurate answer to the original question. Consider:
- The individual responses and their insights
- The peer rankings and what they reveal about response quality
- Any patterns of agreement or disagreement between the council members

Do not mention the labels, the rankings, or the council process in your answer. Provide a clear, well-reasoned final answer that represents the council's collective wisdom:`

const titlePromptTemplate = `Generate a very short title (3-5 words maximum) that summarizes the following question.
The title should be concise and descriptive. Do not use quotes or punctuation in the title.

Question: %s

Title:`

// buildStage1Messages assembles the stage-1 conversation for one
// council member. Gathered context (web search, attachments, prior
// discussion) goes into the user turn ahead of the question itself.
func buildStage1Messages(userQuery, contextText string) []gateway.Message {
	content := userQuery
	if contextText != "" {
		content = contextText + "\n\n---\n\nUser's Question: " + userQuery
	}
	return []gateway.Message{
		gateway.TextMessage("system", stage1SystemPrompt),
		gateway.TextMessage("user", content),
	}
}

func buildRankingPrompt(userQuery, responsesText string) string {
	return fmt.Sprintf(rankingPromptTemplate, userQuery, responsesText)
}

// buildChairmanPrompt assembles the stage-3 synthesis prompt. Stage-1
// responses keep their anonymized labels and evaluators are numbered,
// so the chairman never sees which model wrote what.
func buildChairmanPrompt(userQuery string, stage1 []*ModelResponse, stage2 []*Ranking) string {
	labels := ResponseLabels(len(stage1))
	responseParts := make([]string, 0, len(stage1))
	for i, result := range stage1 {
		responseParts = append(responseParts, fmt.Sprintf("Response %s:\n%s", labels[i], result.Response))
	}
	rankingParts := make([]string, 0, len(stage2))
	for i, result := range stage2 {
		rankingParts = append(rankingParts, fmt.Sprintf("Evaluator %d:\n%s", i+1, result.Ranking))
	}
	return fmt.Sprintf(chairmanPromptTemplate,
		userQuery,
		strings.Join(responseParts, "\n\n"),
		strings.Join(rankingParts, "\n\n"))
}

func buildTitlePrompt(userQuery string) string {
	return fmt.Sprintf(titlePromptTemplate, userQuery)
}

// ResponseLabels returns the anonymized labels used for n stage-1
// responses, in order: A, B, ..., Z, AA, AB, ...
func ResponseLabels(n int) []string {
	labels := make([]string, 0, n)
	for i := 0; i < n; i++ {
		labels = append(labels, deliberation.Label(i))
	}
	return labels
}
