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

package storage

import (
	"fmt"

	"github.com/kadirpekel/llmcouncil/pkg/config"
	"github.com/kadirpekel/llmcouncil/pkg/deliberation"
)

// AddUserMessage appends a user turn to the conversation.
func (s *Store) AddUserMessage(conversationID, content, userID string) error {
	lock := s.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	doc, err := s.loadConversation(conversationID, userID)
	if err != nil {
		return err
	}
	if doc == nil {
		return ErrNotFound
	}
	appendMessage(doc, map[string]any{
		"role":    "user",
		"content": content,
	})
	return s.saveConversation(conversationID, doc, userID)
}

// AddUnifiedMessage appends an assistant turn in the unified
// round-based form.
func (s *Store) AddUnifiedMessage(conversationID string, result *deliberation.Result, userID string) error {
	lock := s.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	doc, err := s.loadConversation(conversationID, userID)
	if err != nil {
		return err
	}
	if doc == nil {
		return ErrNotFound
	}
	msg := result.ToMap()
	msg["role"] = "assistant"
	appendMessage(doc, msg)
	return s.saveConversation(conversationID, doc, userID)
}

// AddAssistantMessage appends an assistant turn in the legacy
// stage-keyed form. Kept for the synchronous council endpoint; reads
// migrate the message to the unified form transparently.
func (s *Store) AddAssistantMessage(conversationID string, stage1, stage2 []map[string]any, stage3, metrics map[string]any, userID string) error {
	lock := s.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	doc, err := s.loadConversation(conversationID, userID)
	if err != nil {
		return err
	}
	if doc == nil {
		return ErrNotFound
	}
	msg := map[string]any{
		"role":   "assistant",
		"stage1": mapSliceToAny(stage1),
		"stage2": mapSliceToAny(stage2),
		"stage3": stage3,
	}
	if len(metrics) > 0 {
		msg["metrics"] = metrics
	}
	appendMessage(doc, msg)
	return s.saveConversation(conversationID, doc, userID)
}

// UpdateLastArenaMessage replaces the most recent arena message with
// the given result, keeping earlier messages untouched. Used after a
// debate extension appends a round and refreshes the synthesis.
func (s *Store) UpdateLastArenaMessage(conversationID string, result *deliberation.Result, userID string) error {
	lock := s.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	doc, err := s.loadConversation(conversationID, userID)
	if err != nil {
		return err
	}
	if doc == nil {
		return ErrNotFound
	}
	messages, _ := doc["messages"].([]any)
	for i := len(messages) - 1; i >= 0; i-- {
		msg := asMap(messages[i])
		if asString(msg["role"]) != "assistant" || asString(msg["mode"]) != deliberation.ModeArena {
			continue
		}
		updated := result.ToMap()
		updated["role"] = "assistant"
		messages[i] = updated
		doc["messages"] = messages
		return s.saveConversation(conversationID, doc, userID)
	}
	return fmt.Errorf("no arena message in conversation %s", conversationID)
}

// UpdateLastCouncilSynthesis replaces the synthesis of the most recent
// council message, refreshing the message metrics when non-nil. The
// unified form is updated under its synthesis key; legacy messages
// keep their stage3 key so the stored shape never mixes both.
func (s *Store) UpdateLastCouncilSynthesis(conversationID string, stage3, metrics map[string]any, userID string) error {
	lock := s.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	doc, err := s.loadConversation(conversationID, userID)
	if err != nil {
		return err
	}
	if doc == nil {
		return ErrNotFound
	}
	messages, _ := doc["messages"].([]any)
	for i := len(messages) - 1; i >= 0; i-- {
		msg := asMap(messages[i])
		if !isCouncilMessage(msg) {
			continue
		}
		if _, unified := msg["rounds"]; unified {
			msg["synthesis"] = stage3
		} else {
			msg["stage3"] = stage3
		}
		if len(metrics) > 0 {
			msg["metrics"] = metrics
		}
		messages[i] = msg
		doc["messages"] = messages
		return s.saveConversation(conversationID, doc, userID)
	}
	return fmt.Errorf("no council message in conversation %s", conversationID)
}

// isCouncilMessage reports whether a stored message is a council
// result in either the unified or the legacy stage-keyed form.
func isCouncilMessage(msg map[string]any) bool {
	if asString(msg["role"]) != "assistant" {
		return false
	}
	if mode := asString(msg["mode"]); mode != "" {
		return mode == deliberation.ModeCouncil
	}
	if _, legacy := msg["stage1"]; legacy {
		return true
	}
	// Unified documents written before the mode tag default to council.
	_, unified := msg["rounds"]
	return unified
}

// RemoveLastUserMessage drops the trailing message when it is a user
// turn. Returns false when the conversation ends with an assistant
// turn or has no messages. Used when the client abandons a failed
// deliberation so the question can be resubmitted.
func (s *Store) RemoveLastUserMessage(conversationID, userID string) (bool, error) {
	lock := s.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	doc, err := s.loadConversation(conversationID, userID)
	if err != nil {
		return false, err
	}
	if doc == nil {
		return false, ErrNotFound
	}
	messages, _ := doc["messages"].([]any)
	if len(messages) == 0 {
		return false, nil
	}
	last := asMap(messages[len(messages)-1])
	if asString(last["role"]) != "user" {
		return false, nil
	}
	doc["messages"] = messages[:len(messages)-1]
	if err := s.saveConversation(conversationID, doc, userID); err != nil {
		return false, err
	}
	return true, nil
}

// ConversationConfig returns the effective panel for a conversation:
// the models bound at creation when present, otherwise the configured
// defaults. A missing conversation also yields the defaults.
func (s *Store) ConversationConfig(conversationID, userID string) (councilModels []string, chairmanModel string, err error) {
	lock := s.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	doc, err := s.loadConversation(conversationID, userID)
	if err != nil {
		return nil, "", err
	}
	if models := asStringSlice(doc["council_models"]); len(models) > 0 {
		councilModels = append([]string(nil), models...)
	}
	if model := asString(doc["chairman_model"]); model != "" {
		chairmanModel = model
	}
	if len(councilModels) == 0 {
		councilModels = s.defaultCouncilModels()
	}
	if chairmanModel == "" {
		chairmanModel = s.defaultChairmanModel()
	}
	return councilModels, chairmanModel, nil
}

func (s *Store) defaultCouncilModels() []string {
	if s.defaults != nil {
		return s.defaults.CouncilModels()
	}
	return config.DefaultCouncilModels()
}

func (s *Store) defaultChairmanModel() string {
	if s.defaults != nil {
		return s.defaults.ChairmanModel()
	}
	return config.DefaultChairmanModel
}

func appendMessage(doc map[string]any, msg map[string]any) {
	messages, _ := doc["messages"].([]any)
	doc["messages"] = append(messages, msg)
}

func mapSliceToAny(items []map[string]any) []any {
	out := make([]any, 0, len(items))
	for _, item := range items {
		out = append(out, item)
	}
	return out
}
