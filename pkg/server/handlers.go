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
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	llmcouncil "github.com/kadirpekel/llmcouncil"
	"github.com/kadirpekel/llmcouncil/pkg/attachments"
	"github.com/kadirpekel/llmcouncil/pkg/auth"
	"github.com/kadirpekel/llmcouncil/pkg/config"
	"github.com/kadirpekel/llmcouncil/pkg/council"
	"github.com/kadirpekel/llmcouncil/pkg/export"
	"github.com/kadirpekel/llmcouncil/pkg/storage"
)

// maxUploadMemory bounds the in-memory portion of multipart parsing;
// larger uploads spill to temp files before validation.
const maxUploadMemory = 16 << 20

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": "LLM Council API",
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, llmcouncil.GetVersion())
}

func (s *Server) handleUser(w http.ResponseWriter, r *http.Request) {
	user := auth.UserFrom(r.Context())
	if user == nil {
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"authenticated": true,
		"username":      user.Username,
		"email":         user.Email,
		"display_name":  user.DisplayName,
		"groups":        user.Groups,
	})
}

func (s *Server) handleGetConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"web_search_available": s.search.Available(),
		"search_provider":      s.search.Provider(),
		"council_models":       s.userConfig.CouncilModels(),
		"chairman_model":       s.userConfig.ChairmanModel(),
		"curated_models":       s.userConfig.CuratedModels(),
		"arena": map[string]int{
			"default_rounds": config.DefaultArenaRounds,
			"min_rounds":     config.MinArenaRounds,
			"max_rounds":     config.MaxArenaRounds,
		},
		"auth_enabled": s.authn.Enabled(),
	})
}

type updateConfigRequest struct {
	CouncilModels []string `json:"council_models"`
	ChairmanModel string   `json:"chairman_model"`
}

func (s *Server) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	var req updateConfigRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.CouncilModels) < 2 {
		writeError(w, http.StatusBadRequest, "At least 2 council models are required")
		return
	}
	updated, err := s.userConfig.UpdateCouncil(req.CouncilModels, req.ChairmanModel)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"council_models": updated.CouncilModels,
		"chairman_model": updated.ChairmanModel,
	})
}

// handleReloadConfig re-reads the env files and pushes fresh API keys
// into the long-lived clients, so keys rotate without a restart.
func (s *Server) handleReloadConfig(w http.ResponseWriter, _ *http.Request) {
	if err := config.OverloadEnvFiles(); err != nil {
		slog.Warn("Env reload failed", "error", err)
	}

	reloaded, err := config.Load("")
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Config reload failed: %v", err))
		return
	}
	s.gw.SetAPIKey(reloaded.Gateway.APIKey)
	s.catalog.SetAPIKey(reloaded.Gateway.APIKey)
	s.search.SetAPIKey(reloaded.Search.TavilyAPIKey)

	slog.Info("Configuration reloaded")
	writeJSON(w, http.StatusOK, map[string]any{
		"status":                "reloaded",
		"openrouter_configured": reloaded.Gateway.APIKey != "",
		"tavily_configured":     reloaded.Search.TavilyAPIKey != "",
		"council_models":        s.userConfig.CouncilModels(),
		"chairman_model":        s.userConfig.ChairmanModel(),
	})
}

func (s *Server) handleConfigSchema(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, config.UserConfigSchema())
}

func (s *Server) handleGetCuratedModels(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"curated_models": s.userConfig.CuratedModels(),
	})
}

type updateCuratedModelsRequest struct {
	ModelIDs []string `json:"model_ids"`
}

func (s *Server) handleUpdateCuratedModels(w http.ResponseWriter, r *http.Request) {
	var req updateCuratedModelsRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	curated, err := s.userConfig.UpdateCurated(req.ModelIDs)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"curated_models": curated,
	})
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"models": s.catalog.Models(r.Context()),
	})
}

func (s *Server) handleModelsRefresh(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"models":    s.catalog.Refresh(r.Context()),
		"refreshed": true,
	})
}

func (s *Server) handleUploadAttachment(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid multipart form: %v", err))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "Missing file field")
		return
	}
	defer func() { _ = file.Close() }()

	content, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Failed to read upload: %v", err))
		return
	}
	filename := header.Filename
	if filename == "" {
		filename = "unnamed"
	}

	if err := attachments.Validate(filename, content); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	meta, err := s.attachments.Save(filename, content, auth.UserID(r.Context()))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, meta)
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	conversations, err := s.store.ListConversations(auth.UserID(r.Context()))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, conversations)
}

type createConversationRequest struct {
	CouncilModels []string `json:"council_models"`
	ChairmanModel string   `json:"chairman_model"`
}

func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var req createConversationRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	conversation, err := s.store.CreateConversation(
		uuid.NewString(), req.CouncilModels, req.ChairmanModel, auth.UserID(r.Context()))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, conversation)
}

// conversationOr404 loads the conversation for the route, writing the
// 404 response itself when it is missing.
func (s *Server) conversationOr404(w http.ResponseWriter, r *http.Request) (map[string]any, string, bool) {
	conversationID := chi.URLParam(r, "id")
	userID := auth.UserID(r.Context())
	conversation, err := s.store.Conversation(conversationID, userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return nil, conversationID, false
	}
	if conversation == nil {
		writeError(w, http.StatusNotFound, "Conversation not found")
		return nil, conversationID, false
	}
	return conversation, conversationID, true
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	conversation, _, ok := s.conversationOr404(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, conversation)
}

type updateConversationRequest struct {
	Title *string `json:"title"`
}

func (s *Server) handleUpdateConversation(w http.ResponseWriter, r *http.Request) {
	var req updateConversationRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	_, conversationID, ok := s.conversationOr404(w, r)
	if !ok {
		return
	}
	if req.Title != nil {
		if err := s.store.UpdateConversationTitle(conversationID, *req.Title, auth.UserID(r.Context())); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"id":     conversationID,
		"title":  req.Title,
	})
}

func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")
	deleted, err := s.store.DeleteConversation(conversationID, auth.UserID(r.Context()))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !deleted {
		writeError(w, http.StatusNotFound, "Conversation not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "id": conversationID})
}

func (s *Server) handleExportMarkdown(w http.ResponseWriter, r *http.Request) {
	conversation, _, ok := s.conversationOr404(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", export.Filename(conversation, "md")))
	_, _ = w.Write([]byte(export.ToMarkdown(conversation)))
}

func (s *Server) handleExportJSON(w http.ResponseWriter, r *http.Request) {
	conversation, _, ok := s.conversationOr404(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", export.Filename(conversation, "json")))
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	_ = encoder.Encode(export.ToJSON(conversation))
}

func (s *Server) handleGetPending(w http.ResponseWriter, r *http.Request) {
	_, conversationID, ok := s.conversationOr404(w, r)
	if !ok {
		return
	}
	userID := auth.UserID(r.Context())
	pending, err := s.store.PendingMessage(conversationID, userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if pending == nil {
		writeJSON(w, http.StatusOK, map[string]any{"pending": false})
		return
	}

	partial, _ := pending["partial_data"].(map[string]any)
	hasError := false
	if partial != nil {
		if msg, _ := partial["error"].(string); msg != "" {
			hasError = true
		}
	}
	if partial == nil {
		partial = map[string]any{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"pending":      true,
		"stale":        storage.IsPendingStale(pending),
		"has_error":    hasError,
		"mode":         pending["mode"],
		"started_at":   pending["started_at"],
		"last_update":  pending["last_update"],
		"partial_data": partial,
		"user_content": pending["user_content"],
	})
}

func (s *Server) handleClearPending(w http.ResponseWriter, r *http.Request) {
	_, conversationID, ok := s.conversationOr404(w, r)
	if !ok {
		return
	}
	userID := auth.UserID(r.Context())
	if err := s.store.ClearPending(conversationID, userID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	removed, err := s.store.RemoveLastUserMessage(conversationID, userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":               "ok",
		"user_message_removed": removed,
	})
}

// handleSendMessage runs the council synchronously and returns the
// legacy stage-keyed response shape.
func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Content == "" {
		writeError(w, http.StatusBadRequest, "Message content is required")
		return
	}

	conversation, conversationID, ok := s.conversationOr404(w, r)
	if !ok {
		return
	}
	userID := auth.UserID(r.Context())
	isFirstMessage := messageCount(conversation) == 0

	if err := s.store.AddUserMessage(conversationID, req.Content, userID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if isFirstMessage {
		title := council.GenerateTitle(r.Context(), s.gw, req.Content)
		if err := s.store.UpdateConversationTitle(conversationID, title, userID); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}

	councilModels, chairmanModel, err := s.store.ConversationConfig(conversationID, userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	stage1, stage2, stage3, metadata, err := council.RunFullCouncil(
		r.Context(), s.gw, req.Content, councilModels, chairmanModel)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	stage1Maps := make([]map[string]any, len(stage1))
	for i, resp := range stage1 {
		stage1Maps[i] = resp.ToMap()
	}
	stage2Maps := make([]map[string]any, len(stage2))
	for i, ranking := range stage2 {
		stage2Maps[i] = ranking.ToMap()
	}
	metrics, _ := metadata["metrics"].(map[string]any)

	if err := s.store.AddAssistantMessage(
		conversationID, stage1Maps, stage2Maps, stage3.ToMap(), metrics, userID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"stage1":   stage1Maps,
		"stage2":   stage2Maps,
		"stage3":   stage3.ToMap(),
		"metadata": metadata,
	})
}

func messageCount(conversation map[string]any) int {
	messages, _ := conversation["messages"].([]any)
	return len(messages)
}
