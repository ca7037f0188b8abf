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

package websearch

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// maxContentRunes caps how much of one source's content goes into the
// prompt.
const maxContentRunes = 500

// Result is a single web source.
type Result struct {
	Title   string
	URL     string
	Content string
}

// Response is a provider-neutral search result set. Answer is the
// provider's own summary when it offers one; DuckDuckGo never does.
type Response struct {
	Answer  string
	Results []Result
}

// FormatResults renders a search response as a markdown block for
// inclusion in deliberation prompts. Returns "" for an empty response.
func FormatResults(response *Response) string {
	if response == nil {
		return ""
	}

	var parts []string
	if response.Answer != "" {
		parts = append(parts, "**Web Search Summary:**\n"+response.Answer+"\n")
	}
	if len(response.Results) > 0 {
		parts = append(parts, "**Sources:**")
		for i, result := range response.Results {
			title := result.Title
			if title == "" {
				title = "Untitled"
			}
			content := result.Content
			if utf8.RuneCountInString(content) > maxContentRunes {
				content = string([]rune(content)[:maxContentRunes]) + "..."
			}
			parts = append(parts, fmt.Sprintf("\n%d. **%s**\n   URL: %s\n   %s", i+1, title, result.URL, content))
		}
	}
	return strings.Join(parts, "\n")
}
