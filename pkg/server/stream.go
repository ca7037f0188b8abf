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

package server

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/kadirpekel/llmcouncil/pkg/arena"
	"github.com/kadirpekel/llmcouncil/pkg/attachments"
	"github.com/kadirpekel/llmcouncil/pkg/auth"
	"github.com/kadirpekel/llmcouncil/pkg/council"
	"github.com/kadirpekel/llmcouncil/pkg/deliberation"
	"github.com/kadirpekel/llmcouncil/pkg/events"
)

// shutdownMessage is shown by the frontend when the server restarts
// under an open stream.
const shutdownMessage = "Server is restarting — your request will resume automatically"

// streamRegistry tracks open SSE streams so a terminating process can
// tell each one to emit server_shutdown before the listener closes.
type streamRegistry struct {
	mu       sync.Mutex
	active   int
	shutdown chan struct{}
	once     sync.Once
}

func newStreamRegistry() *streamRegistry {
	return &streamRegistry{shutdown: make(chan struct{})}
}

// register tracks a stream; the returned func unregisters it.
func (sr *streamRegistry) register() func() {
	sr.mu.Lock()
	sr.active++
	sr.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			sr.mu.Lock()
			sr.active--
			sr.mu.Unlock()
		})
	}
}

func (sr *streamRegistry) count() int {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	return sr.active
}

// shuttingDown is closed when shutdown begins.
func (sr *streamRegistry) shuttingDown() <-chan struct{} {
	return sr.shutdown
}

func (sr *streamRegistry) initiateShutdown() {
	sr.once.Do(func() { close(sr.shutdown) })
}

// waitDrained blocks until every stream has unregistered or the grace
// period elapses.
func (sr *streamRegistry) waitDrained(grace time.Duration) {
	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if sr.count() == 0 {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	slog.Warn("Shutdown grace period elapsed with streams still open", "active", sr.count())
}

type arenaConfig struct {
	RoundCount int `json:"round_count"`
}

type priorContext struct {
	OriginalQuestion     string `json:"original_question"`
	Synthesis            string `json:"synthesis"`
	SourceConversationID string `json:"source_conversation_id"`
}

type sendMessageRequest struct {
	Content      string            `json:"content"`
	Mode         string            `json:"mode"`
	UseWebSearch bool              `json:"use_web_search"`
	Resume       bool              `json:"resume"`
	ArenaConfig  *arenaConfig      `json:"arena_config"`
	Attachments  []attachments.Ref `json:"attachments"`
	PriorContext *priorContext     `json:"prior_context"`
}

type retrySynthesisRequest struct {
	ChairmanModel string `json:"chairman_model"`
}

// sseWriter pushes event frames to one client connection.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// newSSEWriter readies the connection for event streaming. A nil
// return means the ResponseWriter cannot flush and an error response
// has already been written.
func newSSEWriter(w http.ResponseWriter) *sseWriter {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "Streaming unsupported")
		return nil
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &sseWriter{w: w, flusher: flusher}
}

func (sw *sseWriter) write(e events.Event) bool {
	frame, err := e.Frame()
	if err != nil {
		slog.Error("Failed to encode event", "type", e.Type, "error", err)
		return true
	}
	if _, err := sw.w.Write(frame); err != nil {
		return false
	}
	sw.flusher.Flush()
	return true
}

// drain forwards pipeline events to the client until the channel
// closes, the client disconnects, or the server begins shutting down.
// On shutdown it emits a final server_shutdown event.
func (s *Server) drain(sw *sseWriter, stream <-chan events.Event) {
	unregister := s.streams.register()
	defer unregister()

	for {
		select {
		case e, ok := <-stream:
			if !ok {
				return
			}
			if !sw.write(e) {
				return
			}
		case <-s.streams.shuttingDown():
			sw.write(events.Event{Type: events.TypeServerShutdown, Message: shutdownMessage})
			return
		}
	}
}

// handleSendMessageStream runs a council or arena deliberation and
// streams its events.
func (s *Server) handleSendMessageStream(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Content == "" {
		writeError(w, http.StatusBadRequest, "Message content is required")
		return
	}
	if req.Mode == "" {
		req.Mode = deliberation.ModeCouncil
	}
	if req.Mode != deliberation.ModeCouncil && req.Mode != deliberation.ModeArena {
		writeError(w, http.StatusBadRequest, "Mode must be 'council' or 'arena'")
		return
	}

	conversation, conversationID, ok := s.conversationOr404(w, r)
	if !ok {
		return
	}
	userID := auth.UserID(r.Context())
	isFirstMessage := messageCount(conversation) == 0

	councilModels, chairmanModel, err := s.store.ConversationConfig(conversationID, userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	sw := newSSEWriter(w)
	if sw == nil {
		return
	}

	var stream <-chan events.Event
	if req.Mode == deliberation.ModeArena {
		roundCount := 0
		if req.ArenaConfig != nil {
			roundCount = req.ArenaConfig.RoundCount
		}
		stream = s.arena.Stream(r.Context(), arena.Input{
			ConversationID: conversationID,
			UserID:         userID,
			Content:        req.Content,
			CouncilModels:  councilModels,
			ChairmanModel:  chairmanModel,
			RoundCount:     roundCount,
			IsFirstMessage: isFirstMessage,
			UseWebSearch:   req.UseWebSearch,
			Attachments:    req.Attachments,
		})
	} else {
		var prior *council.PriorContext
		if req.PriorContext != nil {
			prior = &council.PriorContext{
				OriginalQuestion:     req.PriorContext.OriginalQuestion,
				Synthesis:            req.PriorContext.Synthesis,
				SourceConversationID: req.PriorContext.SourceConversationID,
			}
		}
		stream = s.council.Stream(r.Context(), council.Input{
			ConversationID: conversationID,
			UserID:         userID,
			Content:        req.Content,
			CouncilModels:  councilModels,
			ChairmanModel:  chairmanModel,
			IsFirstMessage: isFirstMessage,
			UseWebSearch:   req.UseWebSearch,
			Resume:         req.Resume,
			Attachments:    req.Attachments,
			PriorContext:   prior,
		})
	}

	s.drain(sw, stream)
}

// lastAssistantMode reports the mode of the conversation's last
// assistant message, or "" when there is none. Assistant messages
// predating modes are council messages.
func lastAssistantMode(conversation map[string]any) string {
	messages, _ := conversation["messages"].([]any)
	for i := len(messages) - 1; i >= 0; i-- {
		msg, _ := messages[i].(map[string]any)
		if msg == nil {
			continue
		}
		if role, _ := msg["role"].(string); role != "assistant" {
			continue
		}
		if mode, _ := msg["mode"].(string); mode != "" {
			return mode
		}
		return deliberation.ModeCouncil
	}
	return ""
}

// handleRetrySynthesisStream re-runs the final synthesis of the last
// assistant message against the stored deliberation data, optionally
// with a different model: the chairman for a council message, the
// moderator for an arena debate.
func (s *Server) handleRetrySynthesisStream(w http.ResponseWriter, r *http.Request) {
	var req retrySynthesisRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	conversation, conversationID, ok := s.conversationOr404(w, r)
	if !ok {
		return
	}
	userID := auth.UserID(r.Context())

	chairmanModel := req.ChairmanModel
	if chairmanModel == "" {
		_, configured, err := s.store.ConversationConfig(conversationID, userID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		chairmanModel = configured
	}

	sw := newSSEWriter(w)
	if sw == nil {
		return
	}
	if lastAssistantMode(conversation) == deliberation.ModeArena {
		s.drain(sw, s.arena.RetrySynthesis(r.Context(), conversationID, chairmanModel, userID))
		return
	}
	s.drain(sw, s.council.RetrySynthesis(r.Context(), conversationID, chairmanModel, userID))
}

// handleExtendDebateStream appends one rebuttal round to the last
// arena debate and re-moderates it.
func (s *Server) handleExtendDebateStream(w http.ResponseWriter, r *http.Request) {
	_, conversationID, ok := s.conversationOr404(w, r)
	if !ok {
		return
	}
	userID := auth.UserID(r.Context())
	_, chairmanModel, err := s.store.ConversationConfig(conversationID, userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	sw := newSSEWriter(w)
	if sw == nil {
		return
	}
	s.drain(sw, s.arena.ExtendDebate(r.Context(), conversationID, chairmanModel, userID))
}
