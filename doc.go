// Package llmcouncil is a multi-model deliberation service.
//
// LLM Council routes a single user question to a panel of language models
// through an OpenAI-compatible gateway, has the panel anonymously rank each
// other's answers, and asks a chairman model to synthesize a final response
// from the full deliberation. An alternative arena mode runs the panel
// through multi-round debate with a moderator synthesis.
//
// # Quick Start
//
// Install the server:
//
//	go install github.com/kadirpekel/llmcouncil/cmd/llmcouncil@latest
//
// Set your gateway credentials and start serving:
//
//	export OPENROUTER_API_KEY=sk-or-...
//	llmcouncil serve
//
// Then send a question to a conversation:
//
//	curl -N -X POST localhost:8000/api/conversations/<id>/message/stream \
//	  -H 'Content-Type: application/json' \
//	  -d '{"content": "What is the best way to learn Go?"}'
//
// The response is a Server-Sent Events stream covering every deliberation
// stage: individual model answers, peer rankings, and the chairman synthesis.
//
// # Using as Go Library
//
// Import specific packages:
//
//	import (
//	    "github.com/kadirpekel/llmcouncil/pkg/council"
//	    "github.com/kadirpekel/llmcouncil/pkg/gateway"
//	    "github.com/kadirpekel/llmcouncil/pkg/storage"
//	)
//
// # Key Features
//
//   - **Council Mode**: Parallel responses, anonymized peer review, synthesis
//   - **Arena Mode**: Multi-round debate with identity reveal at synthesis
//   - **Streaming**: SSE progress events with interrupted-run resume
//   - **Persistence**: File-backed conversation history with export
//   - **Attachments**: Text, PDF, and image context for the panel
//   - **Web Search**: Tavily-backed grounding with DuckDuckGo fallback
//
// # Architecture
//
// The service is a single HTTP process:
//
//	Client → SSE API → Deliberation Pipelines → Gateway → OpenRouter
//
// Conversations are stored as JSON documents on disk, one file per
// conversation, so the service runs without any external database.
package llmcouncil
