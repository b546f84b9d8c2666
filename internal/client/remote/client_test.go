package remote

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"animehome/internal/models"
)

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x02\x00\x00\x00")

func TestGetCharacterNormalizesBothCasings(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/characters/7":
			writeJSON(w, `{"id":"7","name":"Aria","systemPrompt":"You are Aria.","firstMessage":"Welcome.","tags":null,"createdAt":"2024-05-01T10:00:00"}`)
		case "/characters/8":
			writeJSON(w, `{"id":8,"name":"Bren","system_prompt":"You are Bren.","first_message":"Yo.","examples":[{"user":"hi","assistant":"hey"}],"created_at":"2024-05-01T10:00:00Z"}`)
		case "/characters/500":
			w.WriteHeader(http.StatusInternalServerError)
			writeJSON(w, `{"error":"boom"}`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()
	client := New(srv.URL+"/", time.Second)
	ctx := context.Background()

	camel, err := client.GetCharacter(ctx, 7)
	if err != nil {
		t.Fatalf("GetCharacter camel: %v", err)
	}
	if camel.ID != 7 || camel.SystemPrompt != "You are Aria." || camel.FirstMessage != "Welcome." {
		t.Fatalf("camelCase fields not normalized: %+v", camel)
	}
	if camel.Tags == nil || camel.CreatedAt.IsZero() {
		t.Fatalf("defaults not applied: %+v", camel)
	}

	snake, err := client.GetCharacter(ctx, 8)
	if err != nil {
		t.Fatalf("GetCharacter snake: %v", err)
	}
	if snake.ID != 8 || snake.SystemPrompt != "You are Bren." || snake.FirstMessage != "Yo." || len(snake.Examples) != 1 {
		t.Fatalf("snake_case fields not normalized: %+v", snake)
	}

	if _, err := client.GetCharacter(ctx, 9); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	var apiErr *APIError
	if _, err := client.GetCharacter(ctx, 500); !errors.As(err, &apiErr) || apiErr.StatusCode != 500 {
		t.Fatalf("expected APIError 500, got %v", err)
	}
}

func TestListMessagesCoercesIDsAndDropsDataRole(t *testing.T) {
	var gotLimit string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/characters/3/messages" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		gotLimit = r.URL.Query().Get("limit")
		writeJSON(w, `[
			{"id": 1, "character_id": 3, "role": "user", "content": "hi", "created_at": "2024-05-01T10:00:00.123456"},
			{"id": "a-2", "characterId": "3", "role": "data", "content": "{}"},
			{"id": "a-3", "characterId": 3, "role": "Assistant", "content": "hello", "createdAt": "2024-05-01T10:00:01Z"}
		]`)
	}))
	defer srv.Close()

	msgs, err := New(srv.URL, time.Second).ListMessages(context.Background(), 3)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if gotLimit != "1000" {
		t.Fatalf("limit query = %q", gotLimit)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected data role to be dropped, got %+v", msgs)
	}
	if msgs[0].ID != "1" || msgs[0].CharacterID != 3 || msgs[0].CreatedAt.IsZero() {
		t.Fatalf("first message not coerced: %+v", msgs[0])
	}
	if msgs[1].Role != models.RoleAssistant || msgs[1].CharacterID != 3 {
		t.Fatalf("second message not normalized: %+v", msgs[1])
	}
}

func TestMessageWrites(t *testing.T) {
	var (
		created map[string]string
		batch   []string
		deleted string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/characters/5/messages":
			_ = json.NewDecoder(r.Body).Decode(&created)
			writeJSON(w, `{"id":"`+created["id"]+`","character_id":5,"role":"user","content":"`+created["content"]+`","created_at":"2024-05-01T10:00:00Z"}`)
		case r.Method == http.MethodPost && r.URL.Path == "/messages/batch_delete":
			_ = json.NewDecoder(r.Body).Decode(&batch)
			writeJSON(w, `{"ok":true,"deleted":2}`)
		case r.Method == http.MethodDelete && strings.HasPrefix(r.URL.Path, "/messages/"):
			deleted = strings.TrimPrefix(r.URL.Path, "/messages/")
			if deleted == "gone" {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			writeJSON(w, `{"ok":true}`)
		default:
			w.WriteHeader(http.StatusTeapot)
		}
	}))
	defer srv.Close()
	client := New(srv.URL, time.Second)
	ctx := context.Background()

	saved, err := client.CreateMessage(ctx, 5, models.Message{ID: "u-1", Role: models.RoleUser, Content: "hi", CharacterID: 99})
	if err != nil {
		t.Fatalf("CreateMessage: %v", err)
	}
	if created["id"] != "u-1" || created["role"] != "user" || created["content"] != "hi" {
		t.Fatalf("unexpected body %v", created)
	}
	if _, ok := created["character_id"]; ok {
		t.Fatalf("character id belongs in the path")
	}
	if saved.ID != "u-1" || saved.CharacterID != 5 {
		t.Fatalf("unexpected saved message %+v", saved)
	}

	if err := client.BatchDeleteMessages(ctx, []string{"a", "b"}); err != nil {
		t.Fatalf("BatchDeleteMessages: %v", err)
	}
	if len(batch) != 2 || batch[0] != "a" {
		t.Fatalf("batch body = %v", batch)
	}

	if err := client.DeleteMessage(ctx, "m-1"); err != nil || deleted != "m-1" {
		t.Fatalf("DeleteMessage: %v (%s)", err, deleted)
	}
	if err := client.DeleteMessage(ctx, "gone"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := client.DeleteCharacter(ctx, 1); err == nil {
		t.Fatalf("expected error on unexpected status")
	}
}

func TestFetchAvatarFallsBackToProxy(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer origin.Close()

	var proxied string
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/proxy/image":
			proxied = r.URL.Query().Get("url")
			w.Header().Set("Content-Type", "image/png")
			_, _ = w.Write(pngHeader)
		case "/static/avatars/a.png":
			w.Header()["Content-Type"] = nil
			_, _ = w.Write(pngHeader)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer api.Close()
	client := New(api.URL, time.Second)
	ctx := context.Background()

	data, ct, err := client.FetchAvatar(ctx, origin.URL+"/face.png")
	if err != nil {
		t.Fatalf("FetchAvatar: %v", err)
	}
	if proxied != origin.URL+"/face.png" || ct != "image/png" || len(data) != len(pngHeader) {
		t.Fatalf("proxy fallback not used: proxied=%q ct=%q", proxied, ct)
	}

	proxied = ""
	data, ct, err = client.FetchAvatar(ctx, "/static/avatars/a.png")
	if err != nil {
		t.Fatalf("FetchAvatar relative: %v", err)
	}
	if proxied != "" || ct != "image/png" || len(data) == 0 {
		t.Fatalf("direct fetch should succeed: proxied=%q ct=%q", proxied, ct)
	}

	if _, _, err := client.FetchAvatar(ctx, ""); err == nil {
		t.Fatalf("expected error for empty url")
	}
}

func writeJSON(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = io.WriteString(w, body)
}
