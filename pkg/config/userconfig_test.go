package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestUserConfigStore_DefaultsWhenMissing(t *testing.T) {
	store := NewUserConfigStore(t.TempDir())

	models := store.CouncilModels()
	if len(models) != len(defaultCouncilModels) {
		t.Errorf("CouncilModels() has %d entries, want %d", len(models), len(defaultCouncilModels))
	}
	if got := store.ChairmanModel(); got != DefaultChairmanModel {
		t.Errorf("ChairmanModel() = %q, want %q", got, DefaultChairmanModel)
	}
	if got := store.CuratedModels(); len(got) != 0 {
		t.Errorf("CuratedModels() = %v, want empty", got)
	}
}

func TestUserConfigStore_UpdateCouncil(t *testing.T) {
	store := NewUserConfigStore(t.TempDir())

	cfg, err := store.UpdateCouncil([]string{"a/one", "b/two"}, "c/chair")
	if err != nil {
		t.Fatalf("UpdateCouncil() error: %v", err)
	}
	if len(cfg.CouncilModels) != 2 {
		t.Errorf("CouncilModels = %v, want 2 entries", cfg.CouncilModels)
	}
	if cfg.ChairmanModel != "c/chair" {
		t.Errorf("ChairmanModel = %q, want %q", cfg.ChairmanModel, "c/chair")
	}

	// A fresh store over the same directory sees the persisted values.
	again := NewUserConfigStore(filepath.Dir(store.Path()))
	if got := again.ChairmanModel(); got != "c/chair" {
		t.Errorf("persisted ChairmanModel = %q, want %q", got, "c/chair")
	}
}

func TestUserConfigStore_UpdateCouncil_KeepsUnsetFields(t *testing.T) {
	store := NewUserConfigStore(t.TempDir())

	if _, err := store.UpdateCouncil([]string{"a/one"}, "c/chair"); err != nil {
		t.Fatalf("UpdateCouncil() error: %v", err)
	}

	// nil models and empty chairman keep current values
	cfg, err := store.UpdateCouncil(nil, "")
	if err != nil {
		t.Fatalf("UpdateCouncil() error: %v", err)
	}
	if len(cfg.CouncilModels) != 1 || cfg.CouncilModels[0] != "a/one" {
		t.Errorf("CouncilModels = %v, want [a/one]", cfg.CouncilModels)
	}
	if cfg.ChairmanModel != "c/chair" {
		t.Errorf("ChairmanModel = %q, want %q", cfg.ChairmanModel, "c/chair")
	}
}

func TestUserConfigStore_UpdateCurated(t *testing.T) {
	store := NewUserConfigStore(t.TempDir())

	got, err := store.UpdateCurated([]string{"x/model"})
	if err != nil {
		t.Fatalf("UpdateCurated() error: %v", err)
	}
	if len(got) != 1 || got[0] != "x/model" {
		t.Errorf("UpdateCurated() = %v, want [x/model]", got)
	}

	// Curating must not clobber the council settings.
	if models := store.CouncilModels(); len(models) != len(defaultCouncilModels) {
		t.Errorf("CouncilModels() = %v, want defaults untouched", models)
	}
}

func TestUserConfigStore_CorruptFileFallsBack(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, UserConfigFile), []byte("{not json"), 0644); err != nil {
		t.Fatalf("failed to write corrupt config: %v", err)
	}

	store := NewUserConfigStore(dir)
	if got := store.ChairmanModel(); got != DefaultChairmanModel {
		t.Errorf("ChairmanModel() = %q, want default on corrupt file", got)
	}
}

func TestUserConfigSchema(t *testing.T) {
	schema := UserConfigSchema()
	if schema == nil {
		t.Fatal("UserConfigSchema() returned nil")
	}
	if schema.Title == "" {
		t.Error("schema title is empty")
	}
	if _, ok := schema.Properties.Get("council_models"); !ok {
		t.Error("schema is missing council_models property")
	}
	if _, ok := schema.Properties.Get("chairman_model"); !ok {
		t.Error("schema is missing chairman_model property")
	}
}
