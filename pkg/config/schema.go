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

package config

import (
	"github.com/invopop/jsonschema"
)

// UserConfigSchema generates the JSON Schema for the panel document.
// The web UI config builder uses it to auto-generate forms.
func UserConfigSchema() *jsonschema.Schema {
	reflector := &jsonschema.Reflector{
		// Inline all definitions (no $ref) for form-renderer compatibility
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}

	schema := reflector.Reflect(&UserConfig{})

	schema.ID = "https://github.com/kadirpekel/llmcouncil/schemas/user_config.json"
	schema.Title = "LLM Council Panel Configuration"
	schema.Description = "Council members, chairman, and curated model shortlist"
	schema.Version = "http://json-schema.org/draft-07/schema#"

	schema.Examples = []interface{}{
		map[string]interface{}{
			"council_models": []string{
				"openai/gpt-5.1",
				"anthropic/claude-sonnet-4.5",
			},
			"chairman_model": "google/gemini-3-pro-preview",
		},
	}

	return schema
}
