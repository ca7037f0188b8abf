package events

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func TestEvent_FrameFormat(t *testing.T) {
	frame, err := New(TypeComplete).Frame()
	if err != nil {
		t.Fatalf("Frame() error: %v", err)
	}

	got := string(frame)
	if got != "data: {\"type\":\"complete\"}\n\n" {
		t.Errorf("frame = %q", got)
	}
}

func TestEvent_OmitsEmptyFields(t *testing.T) {
	raw, err := json.Marshal(New(TypeStage2Start))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(decoded) != 1 {
		t.Errorf("bare event should carry only its type, got %v", decoded)
	}
}

func TestEvent_ModelResponseEnvelope(t *testing.T) {
	e := Event{
		Type:  TypeStage1ModelResponse,
		Data:  map[string]any{"model": "openai/gpt-5.1", "response": "Four."},
		Index: 1,
		Total: 4,
	}

	raw, err := json.Marshal(e)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if decoded["type"] != "stage1_model_response" {
		t.Errorf("type = %v", decoded["type"])
	}
	if decoded["index"] != float64(1) || decoded["total"] != float64(4) {
		t.Errorf("index/total = %v/%v", decoded["index"], decoded["total"])
	}
	data := decoded["data"].(map[string]any)
	if data["model"] != "openai/gpt-5.1" {
		t.Errorf("data = %v", data)
	}
}

func TestEvent_ResumedFlagSerialized(t *testing.T) {
	e := Event{Type: TypeStage1Complete, Data: []any{}, Resumed: true}

	raw, _ := json.Marshal(e)
	if !strings.Contains(string(raw), "\"resumed\":true") {
		t.Errorf("resumed flag missing: %s", raw)
	}

	raw, _ = json.Marshal(Event{Type: TypeStage1Complete, Data: []any{}})
	if strings.Contains(string(raw), "resumed") {
		t.Errorf("resumed key should be omitted when false: %s", raw)
	}
}

func TestErrorf(t *testing.T) {
	e := Errorf("model %s failed", "a/b")
	if e.Type != TypeError || e.Message != "model a/b failed" {
		t.Errorf("event = %+v", e)
	}
}

func TestEmit_DeliversAndStopsOnCancel(t *testing.T) {
	out := make(chan Event, 1)
	if !Emit(context.Background(), out, New(TypeComplete)) {
		t.Fatal("Emit should deliver to a buffered channel")
	}
	if got := <-out; got.Type != TypeComplete {
		t.Errorf("received %+v", got)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	full := make(chan Event)
	if Emit(ctx, full, New(TypeComplete)) {
		t.Error("Emit should fail once the context is cancelled")
	}
}
