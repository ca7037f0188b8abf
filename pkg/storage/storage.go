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

// Package storage persists conversations and the pending-response
// tracker as JSON documents on disk. Each user scope owns a directory
// tree: conversations live one file per id under conversations/, the
// pending tracker is a single pending.json mapping conversation id to
// its in-flight marker. Writes within one user scope are serialized by
// an in-process mutex; cross-process coordination is not provided.
//
// Conversations written before the unified round-based result format
// carry stage-keyed council messages. Those are migrated to the
// unified form on read; the stored file is left untouched so older
// deployments can still open it.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kadirpekel/llmcouncil/pkg/council"
)

// ErrNotFound reports an operation against a conversation id with no
// stored document.
var ErrNotFound = errors.New("conversation not found")

// DefaultTitle is the placeholder until the first message generates one.
const DefaultTitle = "New Conversation"

// timeLayout renders timestamps as UTC ISO-8601 with microsecond
// precision and trailing zeros trimmed. Lexicographic order on the
// rendered form matches chronological order.
const (
	timeLayout      = "2006-01-02T15:04:05.999999"
	timeParseLayout = "2006-01-02T15:04:05"
)

func nowStamp() string {
	return time.Now().UTC().Format(timeLayout)
}

// Defaults supplies the panel used when a conversation has no bound
// model configuration of its own.
type Defaults interface {
	CouncilModels() []string
	ChairmanModel() string
}

// Store reads and writes conversation documents under a data directory.
// A userID of "" addresses the shared default scope; any other value
// scopes all paths under users/<id>/.
type Store struct {
	dataDir  string
	defaults Defaults

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Option configures a Store.
type Option func(*Store)

// WithDefaults wires the fallback panel configuration consulted when a
// conversation stores none. Without it the built-in defaults apply.
func WithDefaults(d Defaults) Option {
	return func(s *Store) { s.defaults = d }
}

// NewStore creates a store rooted at dataDir.
func NewStore(dataDir string, opts ...Option) *Store {
	s := &Store{
		dataDir: dataDir,
		locks:   make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// userLock returns the mutex serializing all file operations for one
// user scope.
func (s *Store) userLock(userID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[userID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[userID] = lock
	}
	return lock
}

func (s *Store) scopeDir(userID string) string {
	if userID == "" {
		return s.dataDir
	}
	return filepath.Join(s.dataDir, "users", userID)
}

func (s *Store) conversationsDir(userID string) string {
	return filepath.Join(s.scopeDir(userID), "conversations")
}

func (s *Store) conversationPath(conversationID, userID string) string {
	return filepath.Join(s.conversationsDir(userID), conversationID+".json")
}

// loadConversation reads the raw stored document without migrating its
// messages. Returns nil with no error when the conversation does not
// exist.
func (s *Store) loadConversation(conversationID, userID string) (map[string]any, error) {
	data, err := os.ReadFile(s.conversationPath(conversationID, userID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read conversation %s: %w", conversationID, err)
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse conversation %s: %w", conversationID, err)
	}
	return doc, nil
}

func (s *Store) saveConversation(conversationID string, doc map[string]any, userID string) error {
	dir := s.conversationsDir(userID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create conversations directory: %w", err)
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode conversation %s: %w", conversationID, err)
	}
	if err := os.WriteFile(filepath.Join(dir, conversationID+".json"), data, 0o644); err != nil {
		return fmt.Errorf("failed to write conversation %s: %w", conversationID, err)
	}
	return nil
}

// CreateConversation writes a fresh conversation document. The model
// configuration is bound at creation when given; conversations without
// one inherit the effective defaults at run time.
func (s *Store) CreateConversation(conversationID string, councilModels []string, chairmanModel, userID string) (map[string]any, error) {
	lock := s.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	doc := map[string]any{
		"id":         conversationID,
		"created_at": nowStamp(),
		"title":      DefaultTitle,
		"messages":   []any{},
	}
	if len(councilModels) > 0 {
		doc["council_models"] = councilModels
	}
	if chairmanModel != "" {
		doc["chairman_model"] = chairmanModel
	}
	if err := s.saveConversation(conversationID, doc, userID); err != nil {
		return nil, err
	}
	return doc, nil
}

// Conversation returns the stored conversation with legacy council
// messages migrated to the unified form, or nil when no conversation
// with that id exists. The stored file is not rewritten.
func (s *Store) Conversation(conversationID, userID string) (map[string]any, error) {
	lock := s.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	doc, err := s.loadConversation(conversationID, userID)
	if err != nil || doc == nil {
		return nil, err
	}
	migrateMessages(doc)
	return doc, nil
}

// migrateMessages rewrites legacy stage-keyed council messages into
// the unified round form, in memory only.
func migrateMessages(doc map[string]any) {
	messages, ok := doc["messages"].([]any)
	if !ok {
		return
	}
	for i, raw := range messages {
		if msg, ok := raw.(map[string]any); ok {
			messages[i] = council.ConvertLegacyMessage(msg)
		}
	}
}

// ListConversations returns metadata for every conversation in the
// user scope, newest first. Unreadable files are skipped.
func (s *Store) ListConversations(userID string) ([]map[string]any, error) {
	lock := s.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	dir := s.conversationsDir(userID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []map[string]any{}, nil
		}
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}

	items := make([]map[string]any, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			slog.Warn("Skipping unreadable conversation", "path", path, "error", err)
			continue
		}
		var doc map[string]any
		if err := json.Unmarshal(data, &doc); err != nil {
			slog.Warn("Skipping corrupt conversation", "path", path, "error", err)
			continue
		}
		title := asString(doc["title"])
		if title == "" {
			title = DefaultTitle
		}
		messages, _ := doc["messages"].([]any)
		items = append(items, map[string]any{
			"id":            asString(doc["id"]),
			"created_at":    asString(doc["created_at"]),
			"title":         title,
			"message_count": len(messages),
		})
	}

	sort.Slice(items, func(i, j int) bool {
		return asString(items[i]["created_at"]) > asString(items[j]["created_at"])
	})
	return items, nil
}

// UpdateConversationTitle sets the human title of a conversation.
func (s *Store) UpdateConversationTitle(conversationID, title, userID string) error {
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
	doc["title"] = title
	return s.saveConversation(conversationID, doc, userID)
}

// DeleteConversation removes a conversation document. Returns false
// when no conversation with that id exists.
func (s *Store) DeleteConversation(conversationID, userID string) (bool, error) {
	lock := s.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	err := os.Remove(s.conversationPath(conversationID, userID))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to delete conversation %s: %w", conversationID, err)
	}
	return true, nil
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

func asStringSlice(v any) []string {
	switch vv := v.(type) {
	case []string:
		return vv
	case []any:
		out := make([]string, 0, len(vv))
		for _, item := range vv {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
