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
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// UserConfigFile is the panel document name under the data directory.
const UserConfigFile = "user_config.json"

// UserConfig is the persisted panel configuration. Empty fields fall
// back to the built-in defaults at read time.
type UserConfig struct {
	// CouncilModels are the panel members queried in stage 1.
	CouncilModels []string `json:"council_models,omitempty"`

	// ChairmanModel synthesizes the final response.
	ChairmanModel string `json:"chairman_model,omitempty"`

	// CuratedModels is the user's shortlist shown by the model picker.
	CuratedModels []string `json:"curated_models,omitempty"`
}

// UserConfigStore reads and writes the panel document. Reads always hit
// the file so external edits are visible without a restart.
type UserConfigStore struct {
	path string
	mu   sync.Mutex
}

// NewUserConfigStore creates a store rooted at dataDir.
func NewUserConfigStore(dataDir string) *UserConfigStore {
	return &UserConfigStore{path: filepath.Join(dataDir, UserConfigFile)}
}

// Path returns the location of the panel document.
func (s *UserConfigStore) Path() string {
	return s.path
}

// Load reads the panel document. A missing or unreadable file yields the
// zero value.
func (s *UserConfigStore) Load() UserConfig {
	var cfg UserConfig
	data, err := os.ReadFile(s.path)
	if err != nil {
		return cfg
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return UserConfig{}
	}
	return cfg
}

func (s *UserConfigStore) save(cfg UserConfig) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode user config: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write user config: %w", err)
	}
	return nil
}

// CouncilModels returns the configured panel or the built-in default.
func (s *UserConfigStore) CouncilModels() []string {
	if models := s.Load().CouncilModels; len(models) > 0 {
		return models
	}
	return DefaultCouncilModels()
}

// ChairmanModel returns the configured chairman or the built-in default.
func (s *UserConfigStore) ChairmanModel() string {
	if model := s.Load().ChairmanModel; model != "" {
		return model
	}
	return DefaultChairmanModel
}

// CuratedModels returns the user's shortlist, empty when none is saved.
func (s *UserConfigStore) CuratedModels() []string {
	return s.Load().CuratedModels
}

// UpdateCouncil persists new panel settings. A nil models slice keeps the
// current panel; an empty chairman keeps the current chairman.
func (s *UserConfigStore) UpdateCouncil(models []string, chairman string) (UserConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg := s.Load()
	if models != nil {
		cfg.CouncilModels = models
	}
	if chairman != "" {
		cfg.ChairmanModel = chairman
	}
	if err := s.save(cfg); err != nil {
		return UserConfig{}, err
	}
	return cfg, nil
}

// UpdateCurated replaces the curated model shortlist.
func (s *UserConfigStore) UpdateCurated(modelIDs []string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg := s.Load()
	cfg.CuratedModels = modelIDs
	if err := s.save(cfg); err != nil {
		return nil, err
	}
	return modelIDs, nil
}

// Watch invokes onChange with a fresh snapshot whenever the panel
// document changes on disk. Blocks until ctx is cancelled.
func (s *UserConfigStore) Watch(ctx context.Context, onChange func(UserConfig)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}
	defer watcher.Close()

	configDir := filepath.Dir(s.path)
	configFile := filepath.Base(s.path)

	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// Watch the directory containing the file
	// (some systems don't support watching files directly)
	if err := watcher.Add(configDir); err != nil {
		return fmt.Errorf("failed to watch directory %s: %w", configDir, err)
	}

	slog.Info("Watching user config", "path", s.path)

	// Debounce timer to coalesce rapid changes
	var debounceTimer *time.Timer
	const debounceDelay = 100 * time.Millisecond

	for {
		select {
		case <-ctx.Done():
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != configFile {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(debounceDelay, func() {
				slog.Debug("User config changed", "path", s.path)
				onChange(s.Load())
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Error("Config watcher error", "error", err)
		}
	}
}
