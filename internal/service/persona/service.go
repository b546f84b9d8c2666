package persona

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"animehome/internal/models"
)

var (
	ErrInvalidCharacter = errors.New("name and system_prompt are required")
	ErrDuplicateMessage = errors.New("message id already exists")
	ErrInvalidMessage   = errors.New("invalid message")
)

const (
	DefaultListLimit = 100
	maxListLimit     = 1000
)

// Service persists characters and their chat history.
type Service struct {
	db *sql.DB
}

// NewService builds a new persona service.
func NewService(db *sql.DB) *Service {
	return &Service{db: db}
}

const characterColumns = `id, name, avatar, description, system_prompt, tags, first_message, examples, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCharacter(row rowScanner) (*models.Character, error) {
	var (
		c                             models.Character
		avatar, description, firstMsg sql.NullString
		tags, examples                string
	)
	if err := row.Scan(&c.ID, &c.Name, &avatar, &description, &c.SystemPrompt, &tags, &firstMsg, &examples, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	c.Avatar = avatar.String
	c.Description = description.String
	c.FirstMessage = firstMsg.String
	if err := json.Unmarshal([]byte(tags), &c.Tags); err != nil {
		return nil, fmt.Errorf("decode tags: %w", err)
	}
	if err := json.Unmarshal([]byte(examples), &c.Examples); err != nil {
		return nil, fmt.Errorf("decode examples: %w", err)
	}
	if c.Tags == nil {
		c.Tags = []string{}
	}
	if c.Examples == nil {
		c.Examples = []models.ExampleDialogue{}
	}
	return &c, nil
}

func encodeLists(c *models.Character) (string, string, error) {
	if c.Tags == nil {
		c.Tags = []string{}
	}
	if c.Examples == nil {
		c.Examples = []models.ExampleDialogue{}
	}
	tags, err := json.Marshal(c.Tags)
	if err != nil {
		return "", "", fmt.Errorf("encode tags: %w", err)
	}
	examples, err := json.Marshal(c.Examples)
	if err != nil {
		return "", "", fmt.Errorf("encode examples: %w", err)
	}
	return string(tags), string(examples), nil
}

func validateCharacter(c *models.Character) error {
	c.Name = strings.TrimSpace(c.Name)
	if c.Name == "" || strings.TrimSpace(c.SystemPrompt) == "" {
		return ErrInvalidCharacter
	}
	return nil
}

// CreateCharacter inserts a character and returns the stored record.
func (s *Service) CreateCharacter(ctx context.Context, in models.CharacterInput) (*models.Character, error) {
	var c models.Character
	in.Apply(&c)
	if err := validateCharacter(&c); err != nil {
		return nil, err
	}
	tags, examples, err := encodeLists(&c)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO characters (name, avatar, description, system_prompt, tags, first_message, examples, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.Name, c.Avatar, c.Description, c.SystemPrompt, tags, c.FirstMessage, examples, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("create character: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("character id: %w", err)
	}
	c.ID = id
	c.CreatedAt = now
	c.UpdatedAt = now
	return &c, nil
}

// GetCharacter returns sql.ErrNoRows when the character does not exist.
func (s *Service) GetCharacter(ctx context.Context, id int64) (*models.Character, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+characterColumns+` FROM characters WHERE id = ?`, id)
	c, err := scanCharacter(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("get character: %w", err)
	}
	return c, nil
}

// ListCharacters pages through characters in creation order.
func (s *Service) ListCharacters(ctx context.Context, skip, limit int) ([]models.Character, error) {
	skip, limit = clampPage(skip, limit)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+characterColumns+` FROM characters ORDER BY id ASC LIMIT ? OFFSET ?`,
		limit, skip,
	)
	if err != nil {
		return nil, fmt.Errorf("list characters: %w", err)
	}
	defer rows.Close()

	characters := make([]models.Character, 0)
	for rows.Next() {
		c, err := scanCharacter(rows)
		if err != nil {
			return nil, fmt.Errorf("scan character: %w", err)
		}
		characters = append(characters, *c)
	}
	return characters, rows.Err()
}

// UpdateCharacter applies a partial update.
func (s *Service) UpdateCharacter(ctx context.Context, id int64, in models.CharacterInput) (*models.Character, error) {
	c, err := s.GetCharacter(ctx, id)
	if err != nil {
		return nil, err
	}
	in.Apply(c)
	if err := validateCharacter(c); err != nil {
		return nil, err
	}
	tags, examples, err := encodeLists(c)
	if err != nil {
		return nil, err
	}
	c.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE characters SET name = ?, avatar = ?, description = ?, system_prompt = ?, tags = ?, first_message = ?, examples = ?, updated_at = ?
		 WHERE id = ?`,
		c.Name, c.Avatar, c.Description, c.SystemPrompt, tags, c.FirstMessage, examples, c.UpdatedAt, id,
	)
	if err != nil {
		return nil, fmt.Errorf("update character: %w", err)
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		return nil, sql.ErrNoRows
	}
	return c, nil
}

// DeleteCharacter removes a character together with its history.
func (s *Service) DeleteCharacter(ctx context.Context, id int64) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM messages WHERE character_id = ?`, id); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM characters WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete character: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("character rows affected: %w", err)
	}
	if affected == 0 {
		err = sql.ErrNoRows
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit delete character: %w", err)
	}
	return nil
}

func clampPage(skip, limit int) (int, int) {
	if skip < 0 {
		skip = 0
	}
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return skip, limit
}
