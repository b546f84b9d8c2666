package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"

	"animehome/internal/config"
	"animehome/internal/datastream"
	"animehome/internal/models"
	"animehome/internal/service/persona"
	"animehome/internal/storage"
	"animehome/internal/worker"
)

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x02\x00\x00\x00")

func TestCharacterAndMessageRoutes(t *testing.T) {
	router, _, workers := newTestServer(t)

	welcome := doJSONRequest(t, router, http.MethodGet, "/", nil, nil)
	assertStatus(t, welcome, http.StatusOK)

	invalid := doJSONRequest(t, router, http.MethodPost, "/characters", map[string]any{"name": "x"}, nil)
	assertStatus(t, invalid, http.StatusUnprocessableEntity)

	created := doJSONRequest(t, router, http.MethodPost, "/characters", map[string]any{
		"name":          "Aria",
		"system_prompt": "You are Aria.",
		"first_message": "Hi, traveller.",
		"tags":          []string{"fantasy"},
	}, nil)
	assertStatus(t, created, http.StatusCreated)
	var character models.Character
	decodeJSON(t, created.Body.Bytes(), &character)
	if character.ID == 0 || character.Name != "Aria" {
		t.Fatalf("unexpected character %+v", character)
	}
	base := fmt.Sprintf("/characters/%d", character.ID)

	assertStatus(t, doJSONRequest(t, router, http.MethodGet, base, nil, nil), http.StatusOK)
	assertStatus(t, doJSONRequest(t, router, http.MethodGet, "/characters/9999", nil, nil), http.StatusNotFound)
	assertStatus(t, doJSONRequest(t, router, http.MethodGet, "/characters/abc", nil, nil), http.StatusBadRequest)

	updated := doJSONRequest(t, router, http.MethodPut, base, map[string]any{"description": "a bard"}, nil)
	assertStatus(t, updated, http.StatusOK)
	var after models.Character
	decodeJSON(t, updated.Body.Bytes(), &after)
	if after.Description != "a bard" || after.SystemPrompt != "You are Aria." {
		t.Fatalf("partial update lost fields: %+v", after)
	}

	list := doJSONRequest(t, router, http.MethodGet, "/characters?skip=0&limit=10", nil, nil)
	assertStatus(t, list, http.StatusOK)
	var characters []models.Character
	decodeJSON(t, list.Body.Bytes(), &characters)
	if len(characters) != 1 {
		t.Fatalf("expected one character, got %d", len(characters))
	}
	assertStatus(t, doJSONRequest(t, router, http.MethodGet, "/characters?limit=-1", nil, nil), http.StatusBadRequest)

	ids := []string{"11111111-1111-1111-1111-111111111111", "22222222-2222-2222-2222-222222222222", "33333333-3333-3333-3333-333333333333"}
	for i, id := range ids {
		role := models.RoleUser
		if i%2 == 1 {
			role = models.RoleAssistant
		}
		resp := doJSONRequest(t, router, http.MethodPost, base+"/messages", map[string]any{
			"id":           id,
			"character_id": 42,
			"role":         role,
			"content":      fmt.Sprintf("turn %d", i),
		}, nil)
		assertStatus(t, resp, http.StatusOK)
		var saved models.Message
		decodeJSON(t, resp.Body.Bytes(), &saved)
		if saved.ID != id || saved.CharacterID != character.ID {
			t.Fatalf("saved message mismatch %+v", saved)
		}
	}
	dup := doJSONRequest(t, router, http.MethodPost, base+"/messages", map[string]any{"id": ids[0], "role": "user", "content": "again"}, nil)
	assertStatus(t, dup, http.StatusConflict)
	missing := doJSONRequest(t, router, http.MethodPost, "/characters/9999/messages", map[string]any{"role": "user", "content": "x"}, nil)
	assertStatus(t, missing, http.StatusNotFound)

	msgs := listMessages(t, router, base+"/messages")
	if len(msgs) != 3 || msgs[0].ID != ids[0] || msgs[2].ID != ids[2] {
		t.Fatalf("unexpected history %+v", msgs)
	}
	paged := listMessages(t, router, base+"/messages?skip=1&limit=1")
	if len(paged) != 1 || paged[0].ID != ids[1] {
		t.Fatalf("unexpected page %+v", paged)
	}

	assertStatus(t, doJSONRequest(t, router, http.MethodDelete, "/messages/"+ids[0], nil, nil), http.StatusOK)
	assertStatus(t, doJSONRequest(t, router, http.MethodDelete, "/messages/"+ids[0], nil, nil), http.StatusNotFound)

	batch := doJSONRequest(t, router, http.MethodPost, "/messages/batch_delete", []string{ids[1], ids[2], "unknown"}, nil)
	assertStatus(t, batch, http.StatusOK)
	var batchBody struct {
		OK      bool  `json:"ok"`
		Deleted int64 `json:"deleted"`
	}
	decodeJSON(t, batch.Body.Bytes(), &batchBody)
	if !batchBody.OK || batchBody.Deleted != 2 {
		t.Fatalf("unexpected batch result %+v", batchBody)
	}
	if msgs := listMessages(t, router, base+"/messages"); len(msgs) != 0 {
		t.Fatalf("expected empty history, got %d", len(msgs))
	}
	assertStatus(t, doJSONRequest(t, router, http.MethodPost, "/messages/batch_delete", map[string]string{"id": "x"}, nil), http.StatusBadRequest)

	assertStatus(t, doJSONRequest(t, router, http.MethodDelete, base, nil, nil), http.StatusOK)
	assertStatus(t, doJSONRequest(t, router, http.MethodDelete, base, nil, nil), http.StatusNotFound)

	if workers.invalidations() == 0 {
		t.Fatalf("writes should invalidate cached history")
	}
}

func TestChatStreamsDataFrames(t *testing.T) {
	router, handler, workers := newTestServer(t)
	c, err := handler.persona.CreateCharacter(context.Background(), models.CharacterInput{
		Name:         strPtr("Aria"),
		SystemPrompt: strPtr("You are Aria."),
	})
	if err != nil {
		t.Fatalf("create character: %v", err)
	}
	workers.chunks = []string{"Hel", "lo"}

	resp := doJSONRequest(t, router, http.MethodPost, "/chat", map[string]any{
		"messages":     []map[string]string{{"role": "user", "content": "hi"}},
		"character_id": c.ID,
	}, nil)
	assertStatus(t, resp, http.StatusOK)
	if ct := resp.Header().Get("Content-Type"); ct != datastream.ContentType {
		t.Fatalf("content type = %q", ct)
	}
	parts := readParts(t, resp.Body)
	if len(parts) != 4 {
		t.Fatalf("expected 4 parts, got %+v", parts)
	}
	if parts[0].Type != datastream.TypeStart || parts[0].MessageID == "" {
		t.Fatalf("missing start frame: %+v", parts[0])
	}
	if parts[1].Text+parts[2].Text != "Hello" {
		t.Fatalf("unexpected text parts %+v", parts[1:3])
	}
	if parts[3].Type != datastream.TypeFinish || parts[3].FinishReason != datastream.FinishStop {
		t.Fatalf("unexpected finish %+v", parts[3])
	}

	req := workers.lastRequest()
	if req.MessageID != parts[0].MessageID || req.CharacterID != c.ID {
		t.Fatalf("stream request mismatch %+v", req)
	}
	if len(req.Turns) != 2 || req.Turns[0].Role != models.RoleSystem || req.Turns[0].Content != "You are Aria." {
		t.Fatalf("system prompt not prepended: %+v", req.Turns)
	}
}

func TestChatExplicitSystemPromptAndTemperature(t *testing.T) {
	router, _, workers := newTestServer(t)
	resp := doJSONRequest(t, router, http.MethodPost, "/chat", map[string]any{
		"messages":     []map[string]string{{"role": "system", "content": "already"}, {"role": "user", "content": "hi"}},
		"systemPrompt": "ignored",
		"temperature":  0.2,
	}, nil)
	assertStatus(t, resp, http.StatusOK)
	req := workers.lastRequest()
	if len(req.Turns) != 2 || req.Turns[0].Content != "already" {
		t.Fatalf("leading system turn must be kept as is: %+v", req.Turns)
	}
	if req.Temperature != 0.2 {
		t.Fatalf("temperature = %v", req.Temperature)
	}
}

func TestChatErrorFrame(t *testing.T) {
	router, _, workers := newTestServer(t)
	workers.chunks = []string{"par"}
	workers.streamErr = errors.New("provider down")

	resp := doJSONRequest(t, router, http.MethodPost, "/chat", map[string]any{
		"messages": []map[string]string{{"role": "user", "content": "hi"}},
	}, nil)
	assertStatus(t, resp, http.StatusOK)
	parts := readParts(t, resp.Body)
	if len(parts) != 4 {
		t.Fatalf("expected start, text, error, finish; got %+v", parts)
	}
	if parts[2].Type != datastream.TypeError || parts[2].Text != "provider down" {
		t.Fatalf("unexpected error part %+v", parts[2])
	}
	if parts[3].FinishReason != datastream.FinishError {
		t.Fatalf("unexpected finish %+v", parts[3])
	}

	workers.streamErr = worker.ErrDispatcherBusy
	workers.chunks = nil
	resp = doJSONRequest(t, router, http.MethodPost, "/chat", map[string]any{
		"messages": []map[string]string{{"role": "user", "content": "hi"}},
	}, nil)
	parts = readParts(t, resp.Body)
	if len(parts) != 3 || parts[1].Text != "server is busy, please retry" {
		t.Fatalf("unexpected busy parts %+v", parts)
	}
}

func TestChatValidation(t *testing.T) {
	router, _, _ := newTestServer(t)
	assertStatus(t, doJSONRequest(t, router, http.MethodPost, "/chat", map[string]any{"messages": []any{}}, nil), http.StatusBadRequest)
	assertStatus(t, doJSONRequest(t, router, http.MethodPost, "/chat", "nope", nil), http.StatusBadRequest)
}

func TestProxyImage(t *testing.T) {
	router, _, _ := newTestServer(t)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing.png" {
			http.NotFound(w, r)
			return
		}
		if !strings.Contains(r.Header.Get("User-Agent"), "Mozilla/5.0") || r.Header.Get("Referer") == "" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.Header()["Content-Type"] = nil
		_, _ = w.Write(pngHeader)
	}))
	defer upstream.Close()

	resp := doJSONRequest(t, router, http.MethodGet, "/proxy/image?url="+url.QueryEscape(upstream.URL+"/a.png"), nil, nil)
	assertStatus(t, resp, http.StatusOK)
	if ct := resp.Header().Get("Content-Type"); ct != "image/png" {
		t.Fatalf("content type = %q", ct)
	}
	if cc := resp.Header().Get("Cache-Control"); cc != "public, max-age=86400" {
		t.Fatalf("cache control = %q", cc)
	}
	if !bytes.Equal(resp.Body.Bytes(), pngHeader) {
		t.Fatalf("body not passed through")
	}

	missing := doJSONRequest(t, router, http.MethodGet, "/proxy/image?url="+url.QueryEscape(upstream.URL+"/missing.png"), nil, nil)
	assertStatus(t, missing, http.StatusNotFound)
	assertStatus(t, doJSONRequest(t, router, http.MethodGet, "/proxy/image", nil, nil), http.StatusBadRequest)
	assertStatus(t, doJSONRequest(t, router, http.MethodGet, "/proxy/image?url=ftp://x/y.png", nil, nil), http.StatusBadRequest)
}

func TestUploadAvatar(t *testing.T) {
	router, handler, _ := newTestServer(t)

	resp := postFile(t, router, "/upload/avatar", "face.PNG", pngHeader)
	assertStatus(t, resp, http.StatusOK)
	var body struct {
		URL string `json:"url"`
	}
	decodeJSON(t, resp.Body.Bytes(), &body)
	prefix := "http://localhost:8000/static/avatars/"
	if !strings.HasPrefix(body.URL, prefix) || !strings.HasSuffix(body.URL, ".png") {
		t.Fatalf("unexpected url %q", body.URL)
	}
	saved := filepath.Join(handler.staticDir, "avatars", strings.TrimPrefix(body.URL, prefix))
	if _, err := os.Stat(saved); err != nil {
		t.Fatalf("avatar not saved: %v", err)
	}

	served := doJSONRequest(t, router, http.MethodGet, "/static/avatars/"+filepath.Base(saved), nil, nil)
	assertStatus(t, served, http.StatusOK)

	noExt := postFile(t, router, "/upload/avatar", "face", pngHeader)
	assertStatus(t, noExt, http.StatusOK)
	decodeJSON(t, noExt.Body.Bytes(), &body)
	if !strings.HasSuffix(body.URL, ".png") {
		t.Fatalf("extension should come from sniffed type, got %q", body.URL)
	}

	notImage := postFile(t, router, "/upload/avatar", "notes.txt", []byte("plain text, not an image"))
	assertStatus(t, notImage, http.StatusBadRequest)
}

// --- helpers ---

func newTestServer(t *testing.T) (*gin.Engine, *Handler, *mockWorker) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{Databases: map[string]config.DatabaseConfig{"sqlite3": {DSN: ":memory:"}}}
	db, err := storage.Open("sqlite3", cfg)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate db: %v", err)
	}
	svc := persona.NewService(db)
	workers := &mockWorker{persona: svc}
	handler := NewHandler(svc, workers, Options{
		StaticDir:      t.TempDir(),
		PublicBaseURL:  "http://localhost:8000/",
		AllowedOrigins: []string{"http://localhost:3000"},
	})
	return NewRouter(handler), handler, workers
}

func doJSONRequest(t *testing.T, router *gin.Engine, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func postFile(t *testing.T, router *gin.Engine, path, filename string, data []byte) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := part.Write(data); err != nil {
		t.Fatalf("write form file: %v", err)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, data []byte, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("decode json: %v", err)
	}
}

func assertStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("unexpected status %d, body: %s", rec.Code, rec.Body.String())
	}
}

func listMessages(t *testing.T, router *gin.Engine, path string) []models.Message {
	t.Helper()
	resp := doJSONRequest(t, router, http.MethodGet, path, nil, nil)
	assertStatus(t, resp, http.StatusOK)
	var msgs []models.Message
	decodeJSON(t, resp.Body.Bytes(), &msgs)
	return msgs
}

func readParts(t *testing.T, r io.Reader) []datastream.Part {
	t.Helper()
	reader := datastream.NewReader(r)
	var parts []datastream.Part
	for {
		part, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return parts
		}
		if err != nil {
			t.Fatalf("read part: %v", err)
		}
		parts = append(parts, part)
	}
}

func strPtr(s string) *string { return &s }

// mockWorker reads straight through to the persona store and replays
// scripted chunks instead of calling a model.
type mockWorker struct {
	persona   *persona.Service
	chunks    []string
	streamErr error

	mu          sync.Mutex
	last        worker.StreamRequest
	invalidated int
}

func (m *mockWorker) Stream(req worker.StreamRequest) (worker.StreamResult, error) {
	m.mu.Lock()
	m.last = req
	m.mu.Unlock()
	var sb strings.Builder
	for _, chunk := range m.chunks {
		sb.WriteString(chunk)
		if req.ChunkFn != nil {
			if err := req.ChunkFn(chunk); err != nil {
				return worker.StreamResult{Content: sb.String()}, err
			}
		}
	}
	return worker.StreamResult{Content: sb.String()}, m.streamErr
}

func (m *mockWorker) History(ctx context.Context, characterID int64) ([]models.Message, error) {
	return m.persona.ListMessages(ctx, characterID, 0, worker.HistoryLimit)
}

func (m *mockWorker) Character(ctx context.Context, characterID int64) (*models.Character, error) {
	return m.persona.GetCharacter(ctx, characterID)
}

func (m *mockWorker) Invalidate(characterIDs ...int64) {
	m.mu.Lock()
	m.invalidated += len(characterIDs)
	m.mu.Unlock()
}

func (m *mockWorker) lastRequest() worker.StreamRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

func (m *mockWorker) invalidations() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.invalidated
}
