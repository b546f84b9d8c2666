package persona

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"animehome/internal/config"
	"animehome/internal/models"
	"animehome/internal/storage"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	cfg := &config.Config{Databases: map[string]config.DatabaseConfig{"sqlite3": {DSN: ":memory:"}}}
	db, err := storage.Open("sqlite3", cfg)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate db: %v", err)
	}
	return NewService(db)
}

func strPtr(s string) *string { return &s }

func createCharacter(t *testing.T, svc *Service, name string) *models.Character {
	t.Helper()
	tags := []string{"fantasy"}
	c, err := svc.CreateCharacter(context.Background(), models.CharacterInput{
		Name:         strPtr(name),
		SystemPrompt: strPtr("You are " + name),
		FirstMessage: strPtr("Welcome."),
		Tags:         &tags,
	})
	if err != nil {
		t.Fatalf("create character: %v", err)
	}
	return c
}

func TestCharacterCRUD(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	if _, err := svc.CreateCharacter(ctx, models.CharacterInput{Name: strPtr("x")}); !errors.Is(err, ErrInvalidCharacter) {
		t.Fatalf("expected ErrInvalidCharacter, got %v", err)
	}

	c := createCharacter(t, svc, "Aria")
	got, err := svc.GetCharacter(ctx, c.ID)
	if err != nil {
		t.Fatalf("get character: %v", err)
	}
	if got.Name != "Aria" || got.FirstMessage != "Welcome." || len(got.Tags) != 1 || got.Examples == nil {
		t.Fatalf("unexpected character %+v", got)
	}

	examples := []models.ExampleDialogue{{User: "hi", Assistant: "hello"}}
	updated, err := svc.UpdateCharacter(ctx, c.ID, models.CharacterInput{Description: strPtr("bard"), Examples: &examples})
	if err != nil {
		t.Fatalf("update character: %v", err)
	}
	if updated.Name != "Aria" || updated.Description != "bard" || len(updated.Examples) != 1 {
		t.Fatalf("partial update lost fields: %+v", updated)
	}

	createCharacter(t, svc, "Bren")
	list, err := svc.ListCharacters(ctx, 0, 0)
	if err != nil || len(list) != 2 {
		t.Fatalf("list characters: %v %d", err, len(list))
	}
	page, err := svc.ListCharacters(ctx, 1, 10)
	if err != nil || len(page) != 1 || page[0].Name != "Bren" {
		t.Fatalf("paged list mismatch: %v %+v", err, page)
	}

	if err := svc.DeleteCharacter(ctx, c.ID); err != nil {
		t.Fatalf("delete character: %v", err)
	}
	if _, err := svc.GetCharacter(ctx, c.ID); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected ErrNoRows after delete, got %v", err)
	}
	if err := svc.DeleteCharacter(ctx, c.ID); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("second delete should be ErrNoRows, got %v", err)
	}
	if _, err := svc.UpdateCharacter(ctx, c.ID, models.CharacterInput{}); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("update missing should be ErrNoRows, got %v", err)
	}
}

func TestMessageLifecycle(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	c := createCharacter(t, svc, "Aria")

	if _, err := svc.CreateMessage(ctx, models.Message{CharacterID: 999, Role: models.RoleUser, Content: "x"}); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected ErrNoRows for missing character, got %v", err)
	}
	if _, err := svc.CreateMessage(ctx, models.Message{CharacterID: c.ID, Role: "data", Content: "x"}); !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("expected ErrInvalidMessage, got %v", err)
	}

	base := time.Now()
	var ids []string
	for i, content := range []string{"hi", "hello", "how are you"} {
		role := models.RoleUser
		if i%2 == 1 {
			role = models.RoleAssistant
		}
		msg, err := svc.CreateMessage(ctx, models.Message{
			CharacterID: c.ID,
			Role:        role,
			Content:     content,
			CreatedAt:   base.Add(time.Duration(i) * time.Millisecond),
		})
		if err != nil {
			t.Fatalf("create message: %v", err)
		}
		if len(msg.ID) != 36 {
			t.Fatalf("expected generated uuid, got %q", msg.ID)
		}
		ids = append(ids, msg.ID)
	}
	if _, err := svc.CreateMessage(ctx, models.Message{ID: ids[0], CharacterID: c.ID, Role: models.RoleUser}); !errors.Is(err, ErrDuplicateMessage) {
		t.Fatalf("expected duplicate error, got %v", err)
	}

	msgs, err := svc.ListMessages(ctx, c.ID, 0, 0)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 3 || msgs[0].Content != "hi" || msgs[2].Content != "how are you" {
		t.Fatalf("unexpected order: %+v", msgs)
	}

	owner, err := svc.DeleteMessage(ctx, ids[0])
	if err != nil || owner != c.ID {
		t.Fatalf("delete message: owner=%d err=%v", owner, err)
	}
	if _, err := svc.DeleteMessage(ctx, ids[0]); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected ErrNoRows on repeat delete, got %v", err)
	}

	n, owners, err := svc.DeleteMessages(ctx, []string{ids[1], ids[2], ids[2], "missing"})
	if err != nil {
		t.Fatalf("batch delete: %v", err)
	}
	if n != 2 || len(owners) != 1 || owners[0] != c.ID {
		t.Fatalf("batch delete result n=%d owners=%v", n, owners)
	}
	msgs, _ = svc.ListMessages(ctx, c.ID, 0, 0)
	if len(msgs) != 0 {
		t.Fatalf("expected empty history, got %d", len(msgs))
	}
}

func TestDeleteCharacterRemovesHistory(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	c := createCharacter(t, svc, "Aria")
	if _, err := svc.CreateMessage(ctx, models.Message{CharacterID: c.ID, Role: models.RoleUser, Content: "hi"}); err != nil {
		t.Fatalf("create message: %v", err)
	}
	if err := svc.DeleteCharacter(ctx, c.ID); err != nil {
		t.Fatalf("delete character: %v", err)
	}
	var count int
	if err := svc.db.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&count); err != nil || count != 0 {
		t.Fatalf("messages left behind: %d %v", count, err)
	}
}

func TestCleanupOrphanAvatars(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	dir := t.TempDir()

	keep := "kept.png"
	orphan := "orphan.png"
	fresh := "fresh.png"
	for _, name := range []string{keep, orphan, fresh} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("img"), 0o644); err != nil {
			t.Fatalf("write avatar: %v", err)
		}
	}
	old := time.Now().Add(-48 * time.Hour)
	for _, name := range []string{keep, orphan} {
		if err := os.Chtimes(filepath.Join(dir, name), old, old); err != nil {
			t.Fatalf("chtimes: %v", err)
		}
	}
	if _, err := svc.CreateCharacter(ctx, models.CharacterInput{
		Name:         strPtr("Aria"),
		SystemPrompt: strPtr("p"),
		Avatar:       strPtr("http://localhost:8000/static/avatars/" + keep),
	}); err != nil {
		t.Fatalf("create character: %v", err)
	}

	removed, err := svc.cleanupOrphanAvatars(ctx, dir, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if _, err := os.Stat(filepath.Join(dir, orphan)); !os.IsNotExist(err) {
		t.Fatalf("orphan should be gone")
	}
	for _, name := range []string{keep, fresh} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Fatalf("%s should remain: %v", name, err)
		}
	}
}
