package persona

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"animehome/internal/models"

	"github.com/google/uuid"
)

// ListMessages returns the character's history ordered by creation time.
func (s *Service) ListMessages(ctx context.Context, characterID int64, skip, limit int) ([]models.Message, error) {
	skip, limit = clampPage(skip, limit)
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, character_id, role, content, created_at FROM messages
		 WHERE character_id = ? ORDER BY created_at ASC LIMIT ? OFFSET ?`,
		characterID, limit, skip,
	)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	messages := make([]models.Message, 0)
	for rows.Next() {
		var m models.Message
		if err := rows.Scan(&m.ID, &m.CharacterID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// CreateMessage stores msg under its character. A blank ID gets a fresh uuid.
// Returns sql.ErrNoRows when the character is missing.
func (s *Service) CreateMessage(ctx context.Context, msg models.Message) (*models.Message, error) {
	switch msg.Role {
	case models.RoleUser, models.RoleAssistant, models.RoleSystem:
	default:
		return nil, fmt.Errorf("%w: role %q", ErrInvalidMessage, msg.Role)
	}
	msg.ID = strings.TrimSpace(msg.ID)
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if len(msg.ID) > 36 {
		return nil, fmt.Errorf("%w: id longer than 36 characters", ErrInvalidMessage)
	}

	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM characters WHERE id = ?`, msg.CharacterID).Scan(&exists)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("check character: %w", err)
	}
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM messages WHERE id = ?`, msg.ID).Scan(&exists)
	switch {
	case err == nil:
		return nil, ErrDuplicateMessage
	case !errors.Is(err, sql.ErrNoRows):
		return nil, fmt.Errorf("check message: %w", err)
	}

	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	msg.CreatedAt = msg.CreatedAt.UTC()
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, character_id, role, content, created_at) VALUES (?, ?, ?, ?, ?)`,
		msg.ID, msg.CharacterID, msg.Role, msg.Content, msg.CreatedAt,
	); err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	return &msg, nil
}

// DeleteMessage removes one message and reports which character owned it.
func (s *Service) DeleteMessage(ctx context.Context, id string) (int64, error) {
	var characterID int64
	err := s.db.QueryRowContext(ctx, `SELECT character_id FROM messages WHERE id = ?`, id).Scan(&characterID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, err
		}
		return 0, fmt.Errorf("get message: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, id)
	if err != nil {
		return 0, fmt.Errorf("delete message: %w", err)
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		return 0, sql.ErrNoRows
	}
	return characterID, nil
}

// DeleteMessages removes every listed message in one transaction. Unknown ids
// are ignored. It returns the number of rows removed and the owning characters.
func (s *Service) DeleteMessages(ctx context.Context, ids []string) (deleted int64, characterIDs []int64, err error) {
	ids = dedupe(ids)
	if len(ids) == 0 {
		return 0, nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	rows, err := tx.QueryContext(ctx,
		`SELECT DISTINCT character_id FROM messages WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return 0, nil, fmt.Errorf("collect characters: %w", err)
	}
	for rows.Next() {
		var cid int64
		if err = rows.Scan(&cid); err != nil {
			rows.Close()
			return 0, nil, fmt.Errorf("scan character id: %w", err)
		}
		characterIDs = append(characterIDs, cid)
	}
	rows.Close()
	if err = rows.Err(); err != nil {
		return 0, nil, fmt.Errorf("collect characters: %w", err)
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return 0, nil, fmt.Errorf("batch delete messages: %w", err)
	}
	deleted, err = res.RowsAffected()
	if err != nil {
		return 0, nil, fmt.Errorf("batch rows affected: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return 0, nil, fmt.Errorf("commit batch delete: %w", err)
	}
	return deleted, characterIDs, nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
