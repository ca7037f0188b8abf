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
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// PendingFile is the tracker document name under each user scope.
const PendingFile = "pending.json"

// pendingStaleAfter is how long a marker may go without a progress
// write before clients are told it is stale.
const pendingStaleAfter = 10 * time.Minute

func (s *Store) pendingPath(userID string) string {
	return filepath.Join(s.scopeDir(userID), PendingFile)
}

// readPendingFile returns the conversation-id to marker map. A missing
// or corrupt file yields an empty map so a damaged tracker never
// blocks new deliberations.
func (s *Store) readPendingFile(userID string) map[string]map[string]any {
	path := s.pendingPath(userID)
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("Failed to read pending tracker", "path", path, "error", err)
		}
		return map[string]map[string]any{}
	}
	var pending map[string]map[string]any
	if err := json.Unmarshal(data, &pending); err != nil {
		slog.Warn("Resetting corrupt pending tracker", "path", path, "error", err)
		return map[string]map[string]any{}
	}
	if pending == nil {
		pending = map[string]map[string]any{}
	}
	return pending
}

func (s *Store) writePendingFile(pending map[string]map[string]any, userID string) error {
	if err := os.MkdirAll(s.scopeDir(userID), 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	data, err := json.MarshalIndent(pending, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode pending tracker: %w", err)
	}
	if err := os.WriteFile(s.pendingPath(userID), data, 0o644); err != nil {
		return fmt.Errorf("failed to write pending tracker: %w", err)
	}
	return nil
}

// MarkResponsePending records that a deliberation is in flight for the
// conversation, replacing any previous marker.
func (s *Store) MarkResponsePending(conversationID, mode, userContent, userID string) error {
	lock := s.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	now := nowStamp()
	pending := s.readPendingFile(userID)
	pending[conversationID] = map[string]any{
		"mode":         mode,
		"user_content": userContent,
		"started_at":   now,
		"last_update":  now,
		"partial_data": map[string]any{},
	}
	return s.writePendingFile(pending, userID)
}

// UpdatePendingProgress merges partial into the marker's partial data
// and refreshes its last-update time. A marker is created when none
// exists so failures recorded before the pending write still land.
func (s *Store) UpdatePendingProgress(conversationID string, partial map[string]any, userID string) error {
	lock := s.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	pending := s.readPendingFile(userID)
	marker, ok := pending[conversationID]
	if !ok {
		marker = map[string]any{}
		pending[conversationID] = marker
	}
	data := asMap(marker["partial_data"])
	if data == nil {
		data = map[string]any{}
	}
	for k, v := range partial {
		data[k] = v
	}
	marker["partial_data"] = data
	marker["last_update"] = nowStamp()
	return s.writePendingFile(pending, userID)
}

// PendingMessage returns the in-flight marker for the conversation, or
// nil when none exists.
func (s *Store) PendingMessage(conversationID, userID string) (map[string]any, error) {
	lock := s.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	marker, ok := s.readPendingFile(userID)[conversationID]
	if !ok {
		return nil, nil
	}
	return marker, nil
}

// ClearPending removes the conversation's marker. Clearing an absent
// marker is a no-op.
func (s *Store) ClearPending(conversationID, userID string) error {
	lock := s.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	pending := s.readPendingFile(userID)
	if _, ok := pending[conversationID]; !ok {
		return nil
	}
	delete(pending, conversationID)
	return s.writePendingFile(pending, userID)
}

// IsPendingStale reports whether the marker has gone without progress
// longer than the staleness threshold. A missing or unparseable
// last-update time counts as stale.
func IsPendingStale(marker map[string]any) bool {
	if marker == nil {
		return true
	}
	raw, _ := marker["last_update"].(string)
	if raw == "" {
		return true
	}
	ts, err := time.Parse(timeParseLayout, raw)
	if err != nil {
		return true
	}
	return time.Since(ts) > pendingStaleAfter
}
