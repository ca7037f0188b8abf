package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

// decodeModel pulls the model id out of a fan-out request body.
func decodeModel(t *testing.T, r *http.Request) chatRequest {
	t.Helper()
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	var req chatRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return req
}

func TestQueryModelsProgressive_CollectsAllOutcomes(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := decodeModel(t, r)
		if req.Model == "bad/model" {
			w.WriteHeader(http.StatusPaymentRequired)
			_, _ = w.Write([]byte(`{"error":{"code":402,"message":"Insufficient credits"}}`))
			return
		}
		_, _ = fmt.Fprintf(w, `{"choices":[{"message":{"content":"from %s"}}]}`, req.Model)
	}))
	defer server.Close()

	client := New(server.URL, "k", WithBaseDelay(time.Millisecond))
	outcomes, err := client.QueryModelsProgressive(context.Background(), FanoutRequest{
		Models:   []string{"good/one", "bad/model", "good/two"},
		Messages: []Message{TextMessage("user", "q")},
	})
	if err != nil {
		t.Fatalf("QueryModelsProgressive() error = %v", err)
	}

	if len(outcomes) != 3 {
		t.Fatalf("len(outcomes) = %d, want 3", len(outcomes))
	}
	if outcomes["good/one"].Result == nil || outcomes["good/one"].Result.Content != "from good/one" {
		t.Errorf("good/one outcome = %+v", outcomes["good/one"])
	}
	if outcomes["good/two"].Result == nil || outcomes["good/two"].Result.Content != "from good/two" {
		t.Errorf("good/two outcome = %+v", outcomes["good/two"])
	}

	failed := outcomes["bad/model"]
	if failed.Result != nil || failed.Err == nil {
		t.Fatalf("bad/model outcome = %+v, want error", failed)
	}
	if failed.Err.Category != CategoryBilling {
		t.Errorf("Category = %q, want billing", failed.Err.Category)
	}
}

func TestQueryModelsProgressive_CompletionOrderAndProgress(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := decodeModel(t, r)
		if req.Model == "slow/model" {
			time.Sleep(150 * time.Millisecond)
		}
		_, _ = fmt.Fprintf(w, `{"choices":[{"message":{"content":"from %s"}}]}`, req.Model)
	}))
	defer server.Close()

	var completionOrder []string
	var progressTallies []int
	var firstPending []string

	client := New(server.URL, "k")
	_, err := client.QueryModelsProgressive(context.Background(), FanoutRequest{
		Models:   []string{"slow/model", "fast/model"},
		Messages: []Message{TextMessage("user", "q")},
		OnModelComplete: func(model string, outcome Outcome) {
			completionOrder = append(completionOrder, model)
		},
		OnProgress: func(completed, total int, completedModels, pendingModels []string) {
			progressTallies = append(progressTallies, completed)
			if completed == 1 {
				firstPending = pendingModels
			}
			if total != 2 {
				t.Errorf("total = %d, want 2", total)
			}
		},
	})
	if err != nil {
		t.Fatalf("QueryModelsProgressive() error = %v", err)
	}

	if len(completionOrder) != 2 || completionOrder[0] != "fast/model" || completionOrder[1] != "slow/model" {
		t.Errorf("completion order = %v, want fast before slow", completionOrder)
	}
	if len(progressTallies) != 2 || progressTallies[0] != 1 || progressTallies[1] != 2 {
		t.Errorf("progress tallies = %v, want [1 2]", progressTallies)
	}
	if len(firstPending) != 1 || firstPending[0] != "slow/model" {
		t.Errorf("pending after first completion = %v, want [slow/model]", firstPending)
	}
}

func TestQueryModelsProgressive_PerModelPrompts(t *testing.T) {
	var mu sync.Mutex
	gotPrompts := make(map[string]string)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := decodeModel(t, r)
		content, _ := req.Messages[len(req.Messages)-1].Content.(string)
		mu.Lock()
		gotPrompts[req.Model] = content
		mu.Unlock()
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"ok"}}]}`))
	}))
	defer server.Close()

	client := New(server.URL, "k")
	_, err := client.QueryModelsProgressive(context.Background(), FanoutRequest{
		Models: []string{"a/one", "b/two"},
		ModelMessages: map[string][]Message{
			"a/one": {TextMessage("user", "prompt for a")},
			"b/two": {TextMessage("user", "prompt for b")},
		},
	})
	if err != nil {
		t.Fatalf("QueryModelsProgressive() error = %v", err)
	}

	if gotPrompts["a/one"] != "prompt for a" {
		t.Errorf("a/one prompt = %q", gotPrompts["a/one"])
	}
	if gotPrompts["b/two"] != "prompt for b" {
		t.Errorf("b/two prompt = %q", gotPrompts["b/two"])
	}
}

func TestQueryModelsProgressive_MissingPromptFails(t *testing.T) {
	client := New("http://unused.invalid", "k")
	_, err := client.QueryModelsProgressive(context.Background(), FanoutRequest{
		Models: []string{"a/one"},
	})
	if err == nil {
		t.Fatal("expected error for missing prompt")
	}
	if !strings.Contains(err.Error(), "no messages provided for model a/one") {
		t.Errorf("error = %v", err)
	}
}

func TestQueryModelsProgressive_EmptyPanel(t *testing.T) {
	client := New("http://unused.invalid", "k")
	outcomes, err := client.QueryModelsProgressive(context.Background(), FanoutRequest{})
	if err != nil {
		t.Fatalf("QueryModelsProgressive() error = %v", err)
	}
	if len(outcomes) != 0 {
		t.Errorf("len(outcomes) = %d, want 0", len(outcomes))
	}
}

func TestQueryModelsProgressive_StreamTokens(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := decodeModel(t, r)
		prefix := strings.Split(req.Model, "/")[0]
		lines := []string{
			fmt.Sprintf(`data: {"choices":[{"delta":{"content":"%s-"}}]}`, prefix),
			``,
			`data: {"choices":[{"delta":{"content":"done"}}]}`,
			``,
			`data: [DONE]`,
			``,
		}
		_, _ = w.Write([]byte(strings.Join(lines, "\n")))
	}))
	defer server.Close()

	var mu sync.Mutex
	gotTokens := make(map[string][]string)

	client := New(server.URL, "k")
	outcomes, err := client.QueryModelsProgressive(context.Background(), FanoutRequest{
		Models:       []string{"a/one", "b/two"},
		Messages:     []Message{TextMessage("user", "q")},
		StreamTokens: true,
		OnToken: func(model, delta string) {
			mu.Lock()
			gotTokens[model] = append(gotTokens[model], delta)
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("QueryModelsProgressive() error = %v", err)
	}

	if outcomes["a/one"].Result.Content != "a-done" {
		t.Errorf("a/one content = %q, want a-done", outcomes["a/one"].Result.Content)
	}
	if outcomes["b/two"].Result.Content != "b-done" {
		t.Errorf("b/two content = %q, want b-done", outcomes["b/two"].Result.Content)
	}
	if len(gotTokens["a/one"]) != 2 || len(gotTokens["b/two"]) != 2 {
		t.Errorf("token counts = %v, want 2 per model", gotTokens)
	}
}
