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
	"math"
	"regexp"
	"sort"
	"strings"
)

const finalRankingMarker = "FINAL RANKING:"

var (
	numberedLabelPattern = regexp.MustCompile(`\d+\.\s*Response [A-Z]+`)
	responseLabelPattern = regexp.MustCompile(`Response [A-Z]+`)
)

// ParseRanking extracts an ordered list of response labels from a
// stage-2 ranking text. The prescribed format is a "FINAL RANKING:"
// line followed by a numbered list, but models drift, so the parser
// degrades to any labels it can find in the section, then anywhere in
// the text. Repeated labels are kept; resolving them is the
// aggregation step's concern.
func ParseRanking(text string) []string {
	if strings.Contains(text, finalRankingMarker) {
		// Only the part between the first marker and any repeated one.
		section := strings.Split(text, finalRankingMarker)[1]
		if matches := numberedLabelPattern.FindAllString(section, -1); len(matches) > 0 {
			labels := make([]string, 0, len(matches))
			for _, match := range matches {
				labels = append(labels, responseLabelPattern.FindString(match))
			}
			return labels
		}
		if matches := responseLabelPattern.FindAllString(section, -1); len(matches) > 0 {
			return matches
		}
	}
	return responseLabelPattern.FindAllString(text, -1)
}

// AggregateRankings averages the position each model received across
// all stage-2 rankings. A ranking's pre-parsed labels are used when
// present; otherwise the ranking text is parsed here. Labels that do
// not map to a model are skipped. The result is sorted best first.
func AggregateRankings(stage2 []*Ranking, labelToModel map[string]string) []map[string]any {
	positions := make(map[string][]int)
	order := make([]string, 0, len(labelToModel))
	for _, result := range stage2 {
		parsed := result.ParsedRanking
		if len(parsed) == 0 {
			parsed = ParseRanking(result.Ranking)
		}
		for i, label := range parsed {
			model, ok := labelToModel[label]
			if !ok {
				continue
			}
			if _, seen := positions[model]; !seen {
				order = append(order, model)
			}
			positions[model] = append(positions[model], i+1)
		}
	}

	aggregated := make([]map[string]any, 0, len(order))
	for _, model := range order {
		ranks := positions[model]
		sum := 0
		for _, rank := range ranks {
			sum += rank
		}
		aggregated = append(aggregated, map[string]any{
			"model":          model,
			"average_rank":   round2(float64(sum) / float64(len(ranks))),
			"rankings_count": len(ranks),
		})
	}
	sort.SliceStable(aggregated, func(i, j int) bool {
		return aggregated[i]["average_rank"].(float64) < aggregated[j]["average_rank"].(float64)
	})
	return aggregated
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}
