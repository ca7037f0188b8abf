package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/llmcouncil/pkg/arena"
	"github.com/kadirpekel/llmcouncil/pkg/attachments"
	"github.com/kadirpekel/llmcouncil/pkg/catalog"
	"github.com/kadirpekel/llmcouncil/pkg/config"
	"github.com/kadirpekel/llmcouncil/pkg/council"
	"github.com/kadirpekel/llmcouncil/pkg/gateway"
	"github.com/kadirpekel/llmcouncil/pkg/storage"
	"github.com/kadirpekel/llmcouncil/pkg/websearch"
)

// mockUpstream emulates the chat completions gateway. It scripts the
// three call shapes the pipelines make: streaming panel answers,
// streaming rankings, and blocking chairman/title queries.
func mockUpstream(t *testing.T) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		var req struct {
			Model  string `json:"model"`
			Stream bool   `json:"stream"`
		}
		_ = json.Unmarshal(raw, &req)

		content := "Answer from " + req.Model
		switch {
		case strings.Contains(string(raw), "impartial evaluator"):
			content = "FINAL RANKING:\n1. Response A\n2. Response B"
		case req.Model == "google/gemini-2.5-flash":
			content = "Tide Mechanics"
		case req.Model == "chairman-model":
			content = "Final synthesis"
		}

		if req.Stream {
			w.Header().Set("Content-Type", "text/event-stream")
			chunk, _ := json.Marshal(map[string]any{
				"choices": []any{map[string]any{"delta": map[string]any{"content": content}}},
			})
			fmt.Fprintf(w, "data: %s\n\n", chunk)
			fmt.Fprint(w, "data: {\"choices\":[],\"usage\":{\"prompt_tokens\":5,\"completion_tokens\":7,\"total_tokens\":12}}\n\n")
			fmt.Fprint(w, "data: [DONE]\n\n")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		response, _ := json.Marshal(map[string]any{
			"id":      "gen-test",
			"model":   req.Model,
			"choices": []any{map[string]any{"message": map[string]any{"content": content}}},
			"usage":   map[string]any{"prompt_tokens": 5, "completion_tokens": 7, "total_tokens": 12},
		})
		_, _ = w.Write(response)
	}))
	t.Cleanup(server.Close)
	return server
}

// newTestServer wires a Server over a temp data directory and the
// mock gateway, auth disabled.
func newTestServer(t *testing.T) *Server {
	t.Helper()
	upstream := mockUpstream(t)

	dir := t.TempDir()
	cfg := &config.Config{
		DataDir: dir,
		Gateway: config.GatewayConfig{APIURL: upstream.URL, APIKey: "test-key"},
	}
	cfg.SetDefaults()

	userConfig := config.NewUserConfigStore(dir)
	store := storage.NewStore(dir, storage.WithDefaults(userConfig))
	gw := gateway.New(upstream.URL, "test-key",
		gateway.WithMaxRetries(1),
		gateway.WithTimeout(5*time.Second),
	)
	t.Cleanup(gw.Close)

	return New(cfg, Deps{
		Store:       store,
		UserConfig:  userConfig,
		Gateway:     gw,
		Council:     council.NewPipeline(gw, store),
		Arena:       arena.NewPipeline(gw, store),
		Catalog:     catalog.New("test-key", catalog.WithURL(upstream.URL+"/models")),
		Search:      websearch.New(""),
		Attachments: attachments.NewManager(dir),
	})
}

func doJSON(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func createConversation(t *testing.T, s *Server) string {
	t.Helper()
	rec := doJSON(t, s, http.MethodPost, "/api/conversations", map[string]any{
		"council_models": []string{"model-a", "model-b"},
		"chairman_model": "chairman-model",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	id, _ := decodeBody(t, rec)["id"].(string)
	require.NotEmpty(t, id)
	return id
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	rec := doJSON(t, s, http.MethodGet, "/api/health", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "LLM Council API", body["service"])
}

func TestRequestIDEchoed(t *testing.T) {
	s := newTestServer(t)
	rec := doJSON(t, s, http.MethodGet, "/api/health", nil)

	assert.NotEmpty(t, rec.Header().Get(RequestIDHeader))
}

func TestUserAnonymous(t *testing.T) {
	s := newTestServer(t)
	rec := doJSON(t, s, http.MethodGet, "/api/user", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decodeBody(t, rec)["authenticated"])
}

func TestGetConfig(t *testing.T) {
	s := newTestServer(t)
	rec := doJSON(t, s, http.MethodGet, "/api/config", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Contains(t, body, "council_models")
	assert.Contains(t, body, "chairman_model")
	assert.Contains(t, body, "curated_models")
	assert.Equal(t, false, body["auth_enabled"])
	assert.Equal(t, true, body["web_search_available"])
	assert.Equal(t, websearch.ProviderDuckDuckGo, body["search_provider"])

	arenaCfg, ok := body["arena"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(config.DefaultArenaRounds), arenaCfg["default_rounds"])
	assert.Equal(t, float64(config.MinArenaRounds), arenaCfg["min_rounds"])
	assert.Equal(t, float64(config.MaxArenaRounds), arenaCfg["max_rounds"])
}

func TestUpdateConfigRejectsSmallPanel(t *testing.T) {
	s := newTestServer(t)
	rec := doJSON(t, s, http.MethodPost, "/api/config", map[string]any{
		"council_models": []string{"only-one"},
		"chairman_model": "chairman-model",
	})

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "At least 2 council models are required", decodeBody(t, rec)["detail"])
}

func TestUpdateConfigRoundTrip(t *testing.T) {
	s := newTestServer(t)
	rec := doJSON(t, s, http.MethodPost, "/api/config", map[string]any{
		"council_models": []string{"model-a", "model-b"},
		"chairman_model": "chairman-model",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, s, http.MethodGet, "/api/config", nil)
	body := decodeBody(t, rec)
	assert.Equal(t, []any{"model-a", "model-b"}, body["council_models"])
	assert.Equal(t, "chairman-model", body["chairman_model"])
}

func TestCuratedModelsRoundTrip(t *testing.T) {
	s := newTestServer(t)
	rec := doJSON(t, s, http.MethodPost, "/api/curated-models", map[string]any{
		"model_ids": []string{"model-b", "model-a"},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, s, http.MethodGet, "/api/curated-models", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []any{"model-b", "model-a"}, decodeBody(t, rec)["curated_models"])
}

func TestConfigSchema(t *testing.T) {
	s := newTestServer(t)
	rec := doJSON(t, s, http.MethodGet, "/api/config/schema", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Contains(t, body, "properties")
}

func TestConversationLifecycle(t *testing.T) {
	s := newTestServer(t)
	id := createConversation(t, s)

	rec := doJSON(t, s, http.MethodGet, "/api/conversations", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listed []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	require.Len(t, listed, 1)
	assert.Equal(t, id, listed[0]["id"])

	rec = doJSON(t, s, http.MethodGet, "/api/conversations/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, []any{"model-a", "model-b"}, body["council_models"])
	assert.Equal(t, "chairman-model", body["chairman_model"])

	rec = doJSON(t, s, http.MethodPatch, "/api/conversations/"+id, map[string]any{
		"title": "Renamed",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	rec = doJSON(t, s, http.MethodGet, "/api/conversations/"+id, nil)
	assert.Equal(t, "Renamed", decodeBody(t, rec)["title"])

	rec = doJSON(t, s, http.MethodDelete, "/api/conversations/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, s, http.MethodGet, "/api/conversations/"+id, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Conversation not found", decodeBody(t, rec)["detail"])
}

func TestDeleteMissingConversation(t *testing.T) {
	s := newTestServer(t)
	rec := doJSON(t, s, http.MethodDelete, "/api/conversations/nope", nil)

	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Conversation not found", decodeBody(t, rec)["detail"])
}

func TestGetPendingWithoutMarker(t *testing.T) {
	s := newTestServer(t)
	id := createConversation(t, s)

	rec := doJSON(t, s, http.MethodGet, "/api/conversations/"+id+"/pending", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]any{"pending": false}, decodeBody(t, rec))
}

func TestPendingLifecycle(t *testing.T) {
	s := newTestServer(t)
	id := createConversation(t, s)

	require.NoError(t, s.store.AddUserMessage(id, "What causes tides?", ""))
	require.NoError(t, s.store.MarkResponsePending(id, "council", "What causes tides?", ""))

	rec := doJSON(t, s, http.MethodGet, "/api/conversations/"+id+"/pending", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, true, body["pending"])
	assert.Equal(t, false, body["stale"])
	assert.Equal(t, false, body["has_error"])
	assert.Equal(t, "council", body["mode"])
	assert.Equal(t, "What causes tides?", body["user_content"])

	rec = doJSON(t, s, http.MethodDelete, "/api/conversations/"+id+"/pending", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body = decodeBody(t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, true, body["user_message_removed"])

	rec = doJSON(t, s, http.MethodGet, "/api/conversations/"+id+"/pending", nil)
	assert.Equal(t, false, decodeBody(t, rec)["pending"])
}

func TestPendingReportsError(t *testing.T) {
	s := newTestServer(t)
	id := createConversation(t, s)

	require.NoError(t, s.store.MarkResponsePending(id, "council", "query", ""))
	require.NoError(t, s.store.UpdatePendingProgress(id, map[string]any{
		"error": "All council models failed to respond",
	}, ""))

	rec := doJSON(t, s, http.MethodGet, "/api/conversations/"+id+"/pending", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, true, body["pending"])
	assert.Equal(t, true, body["has_error"])
}

func uploadFile(t *testing.T, s *Server, filename string, content []byte) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = part.Write(content)
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/attachments", &buf)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestUploadAttachment(t *testing.T) {
	s := newTestServer(t)
	rec := uploadFile(t, s, "notes.txt", []byte("tides are caused by the moon"))

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "notes.txt", body["filename"])
	assert.Equal(t, "text", body["file_type"])
	assert.NotEmpty(t, body["id"])
}

func TestUploadAttachmentRejectsUnsupportedType(t *testing.T) {
	s := newTestServer(t)
	rec := uploadFile(t, s, "payload.exe", []byte{0x4d, 0x5a})

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decodeBody(t, rec)["detail"], "Unsupported file type")
}

func TestExportMarkdown(t *testing.T) {
	s := newTestServer(t)
	id := createConversation(t, s)
	require.NoError(t, s.store.UpdateConversationTitle(id, "Tides", ""))

	rec := doJSON(t, s, http.MethodGet, "/api/conversations/"+id+"/export/markdown", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/markdown")
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "attachment")
	assert.Contains(t, rec.Body.String(), "# Tides")
}

func TestExportJSON(t *testing.T) {
	s := newTestServer(t)
	id := createConversation(t, s)

	rec := doJSON(t, s, http.MethodGet, "/api/conversations/"+id+"/export/json", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "attachment")
	body := decodeBody(t, rec)
	assert.Equal(t, id, body["id"])
}

func TestSendMessageRequiresContent(t *testing.T) {
	s := newTestServer(t)
	id := createConversation(t, s)

	rec := doJSON(t, s, http.MethodPost, "/api/conversations/"+id+"/message", map[string]any{})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Message content is required", decodeBody(t, rec)["detail"])
}

func TestSendMessageSync(t *testing.T) {
	s := newTestServer(t)
	id := createConversation(t, s)

	rec := doJSON(t, s, http.MethodPost, "/api/conversations/"+id+"/message", map[string]any{
		"content": "What causes tides?",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)

	stage1, ok := body["stage1"].([]any)
	require.True(t, ok)
	assert.Len(t, stage1, 2)
	stage3, ok := body["stage3"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "Final synthesis", stage3["response"])

	// The first message names the conversation.
	rec = doJSON(t, s, http.MethodGet, "/api/conversations/"+id, nil)
	conversation := decodeBody(t, rec)
	assert.Equal(t, "Tide Mechanics", conversation["title"])
	messages, _ := conversation["messages"].([]any)
	assert.Len(t, messages, 2)
}
