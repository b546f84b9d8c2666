package models

import "time"

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	// RoleData only appears on the wire and is never stored in a session.
	RoleData Role = "data"
)

// Message is one conversational turn with a character.
type Message struct {
	ID          string    `json:"id"`
	CharacterID int64     `json:"character_id"`
	Role        Role      `json:"role"`
	Content     string    `json:"content"`
	CreatedAt   time.Time `json:"created_at"`
}

// ChatTurn is the role/content pair sent to the generation endpoint.
type ChatTurn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the body accepted by POST /chat.
type ChatRequest struct {
	Messages     []ChatTurn `json:"messages"`
	SystemPrompt string     `json:"systemPrompt,omitempty"`
	CharacterID  int64      `json:"character_id,omitempty"`
	Temperature  *float64   `json:"temperature,omitempty"`
}
