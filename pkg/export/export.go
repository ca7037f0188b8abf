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

// Package export renders stored conversations for download. The
// markdown renderer walks the unified round structure; conversations
// written before the unified format are already migrated in memory by
// the storage layer, but the legacy stage keys are still honored for
// documents passed in directly.
package export

import (
	"fmt"
	"strings"
	"time"

	"github.com/kadirpekel/llmcouncil/pkg/deliberation"
)

// FormatModelName strips the provider prefix from a model id for
// display, e.g. "openai/gpt-5.2" -> "gpt-5.2".
func FormatModelName(modelID string) string {
	if idx := strings.LastIndex(modelID, "/"); idx >= 0 {
		return modelID[idx+1:]
	}
	return modelID
}

// ToMarkdown renders a full conversation document as markdown.
func ToMarkdown(conversation map[string]any) string {
	var b strings.Builder

	title := asString(conversation["title"])
	if title == "" {
		title = "Untitled Conversation"
	}
	fmt.Fprintf(&b, "# %s\n\n", title)
	fmt.Fprintf(&b, "*Exported from LLM Council on %s*\n\n", exportDate(asString(conversation["created_at"])))

	councilModels := asStringSlice(conversation["council_models"])
	chairman := asString(conversation["chairman_model"])
	if len(councilModels) > 0 {
		b.WriteString("## Council Configuration\n\n")
		names := make([]string, len(councilModels))
		for i, m := range councilModels {
			names[i] = FormatModelName(m)
		}
		fmt.Fprintf(&b, "**Council Members:** %s\n", strings.Join(names, ", "))
		if chairman != "" {
			fmt.Fprintf(&b, "**Chairman:** %s\n", FormatModelName(chairman))
		}
		b.WriteString("\n")
	}

	b.WriteString("---\n\n")

	for _, raw := range asSlice(conversation["messages"]) {
		msg := asMap(raw)
		if msg == nil {
			continue
		}
		switch asString(msg["role"]) {
		case "user":
			b.WriteString("## User\n\n")
			b.WriteString(asString(msg["content"]))
			b.WriteString("\n\n")
		case "assistant":
			if asString(msg["mode"]) == deliberation.ModeArena {
				writeArenaMessage(&b, msg)
			} else {
				writeCouncilMessage(&b, msg)
			}
		}
		b.WriteString("---\n\n")
	}

	return b.String()
}

// ToJSON projects a conversation document to the clean export shape.
func ToJSON(conversation map[string]any) map[string]any {
	councilModels := conversation["council_models"]
	if councilModels == nil {
		councilModels = []any{}
	}
	messages := conversation["messages"]
	if messages == nil {
		messages = []any{}
	}
	return map[string]any{
		"id":             conversation["id"],
		"title":          conversation["title"],
		"created_at":     conversation["created_at"],
		"council_models": councilModels,
		"chairman_model": conversation["chairman_model"],
		"messages":       messages,
	}
}

// Filename derives a download filename from the conversation title.
func Filename(conversation map[string]any, ext string) string {
	title := asString(conversation["title"])
	if title == "" {
		title = "conversation"
	}
	return strings.ReplaceAll(title, " ", "_") + "." + ext
}

func writeArenaMessage(b *strings.Builder, msg map[string]any) {
	b.WriteString("## Arena Debate\n\n")

	mapping := asMap(msg["participant_mapping"])
	if len(mapping) > 0 {
		b.WriteString("### Participants\n\n")
		for _, label := range sortedKeys(mapping) {
			fmt.Fprintf(b, "- **%s**: %s\n", label, FormatModelName(asString(mapping[label])))
		}
		b.WriteString("\n")
	}

	for _, raw := range asSlice(msg["rounds"]) {
		round := asMap(raw)
		roundType := asString(round["round_type"])
		fmt.Fprintf(b, "### Round %v: %s\n\n", round["round_number"], titleCase(roundType))
		for _, rr := range asSlice(round["responses"]) {
			resp := asMap(rr)
			participant := asString(resp["participant"])
			if participant == "" {
				participant = "Unknown"
			}
			fmt.Fprintf(b, "#### %s\n\n%s\n\n", participant, responseContent(resp))
		}
	}

	if synthesis := asMap(msg["synthesis"]); len(synthesis) > 0 {
		b.WriteString("### Final Synthesis\n\n")
		if model := asString(synthesis["model"]); model != "" {
			fmt.Fprintf(b, "*Moderated by %s*\n\n", FormatModelName(model))
		}
		b.WriteString(synthesisContent(synthesis))
		b.WriteString("\n\n")
	}
}

func writeCouncilMessage(b *strings.Builder, msg map[string]any) {
	b.WriteString("## Council Response\n\n")

	responses, rankings := councilRounds(msg)

	if len(responses) > 0 {
		b.WriteString("### Stage 1: Individual Responses\n\n")
		for _, resp := range responses {
			fmt.Fprintf(b, "#### %s\n\n%s\n\n",
				FormatModelName(asString(resp["model"])), responseContent(resp))
		}
	}

	if len(rankings) > 0 {
		b.WriteString("### Stage 2: Peer Rankings\n\n")
		for _, r := range rankings {
			fmt.Fprintf(b, "#### %s's Evaluation\n\n", FormatModelName(asString(r["model"])))
			if text := responseContent(r); text != "" {
				b.WriteString(text)
				b.WriteString("\n\n")
			}
			if parsed := asStringSlice(r["parsed_ranking"]); len(parsed) > 0 {
				fmt.Fprintf(b, "**Extracted Ranking:** %s\n\n", strings.Join(parsed, ", "))
			}
		}
	}

	if synthesis := synthesisFor(msg); len(synthesis) > 0 {
		b.WriteString("### Stage 3: Final Synthesis\n\n")
		chairman := asString(synthesis["model"])
		if chairman == "" {
			chairman = "Chairman"
		}
		fmt.Fprintf(b, "*Synthesized by %s*\n\n", FormatModelName(chairman))
		b.WriteString(synthesisContent(synthesis))
		b.WriteString("\n\n")
	}
}

// councilRounds extracts stage-1 responses and stage-2 rankings from
// either the unified rounds list or the legacy stage keys.
func councilRounds(msg map[string]any) (responses, rankings []map[string]any) {
	if rounds := asSlice(msg["rounds"]); len(rounds) > 0 {
		for _, raw := range rounds {
			round := asMap(raw)
			items := mapSlice(asSlice(round["responses"]))
			switch asString(round["round_type"]) {
			case string(deliberation.RoundResponses):
				responses = append(responses, items...)
			case string(deliberation.RoundRankings):
				rankings = append(rankings, items...)
			}
		}
		return responses, rankings
	}
	return mapSlice(asSlice(msg["stage1"])), mapSlice(asSlice(msg["stage2"]))
}

func synthesisFor(msg map[string]any) map[string]any {
	if synthesis := asMap(msg["synthesis"]); len(synthesis) > 0 {
		return synthesis
	}
	return asMap(msg["stage3"])
}

// responseContent reads a response body, trying the unified content
// key before the legacy ones.
func responseContent(resp map[string]any) string {
	for _, key := range []string{"content", "response", "text", "ranking_text"} {
		if s := asString(resp[key]); s != "" {
			return s
		}
	}
	return ""
}

func synthesisContent(synthesis map[string]any) string {
	if s := asString(synthesis["content"]); s != "" {
		return s
	}
	return asString(synthesis["response"])
}

func exportDate(createdAt string) string {
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05.999999", "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, strings.TrimSuffix(createdAt, "Z")); err == nil {
			return t.Format("2006-01-02 15:04 UTC")
		}
	}
	if createdAt != "" {
		return createdAt
	}
	return "Unknown date"
}

func titleCase(s string) string {
	if s == "" {
		return "Unknown"
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
