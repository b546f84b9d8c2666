package remote

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"animehome/internal/models"
)

// flexID accepts a JSON string or number and keeps its text form.
type flexID string

func (f *flexID) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*f = flexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("id must be a string or number: %s", data)
	}
	*f = flexID(n.String())
	return nil
}

func (f flexID) int64() int64 {
	n, _ := strconv.ParseInt(strings.TrimSpace(string(f)), 10, 64)
	return n
}

// flexTime accepts RFC 3339 timestamps and the zone-less form some backends
// emit, which is read as UTC.
type flexTime time.Time

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

func (f *flexTime) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil || s == "" {
		return nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			*f = flexTime(t.UTC())
			return nil
		}
	}
	return fmt.Errorf("unrecognised timestamp %q", s)
}

type wireExample struct {
	User      string `json:"user"`
	Assistant string `json:"assistant"`
}

// wireCharacter carries both casings a character payload may arrive in.
type wireCharacter struct {
	ID                flexID        `json:"id"`
	Name              string        `json:"name"`
	Avatar            *string       `json:"avatar"`
	Description       *string       `json:"description"`
	SystemPrompt      string        `json:"system_prompt"`
	SystemPromptCamel string        `json:"systemPrompt"`
	Tags              []string      `json:"tags"`
	FirstMessage      *string       `json:"first_message"`
	FirstMessageCamel *string       `json:"firstMessage"`
	Examples          []wireExample `json:"examples"`
	CreatedAt         flexTime      `json:"created_at"`
	CreatedAtCamel    flexTime      `json:"createdAt"`
	UpdatedAt         flexTime      `json:"updated_at"`
	UpdatedAtCamel    flexTime      `json:"updatedAt"`
}

type wireMessage struct {
	ID               flexID   `json:"id"`
	CharacterID      flexID   `json:"character_id"`
	CharacterIDCamel flexID   `json:"characterId"`
	Role             string   `json:"role"`
	Content          string   `json:"content"`
	CreatedAt        flexTime `json:"created_at"`
	CreatedAtCamel   flexTime `json:"createdAt"`
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstTime(values ...flexTime) time.Time {
	for _, v := range values {
		if t := time.Time(v); !t.IsZero() {
			return t
		}
	}
	return time.Time{}
}

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

func normalizeCharacter(w wireCharacter) models.Character {
	c := models.Character{
		ID:           w.ID.int64(),
		Name:         w.Name,
		Avatar:       deref(w.Avatar),
		Description:  deref(w.Description),
		SystemPrompt: firstNonEmpty(w.SystemPrompt, w.SystemPromptCamel),
		Tags:         w.Tags,
		FirstMessage: firstNonEmpty(deref(w.FirstMessage), deref(w.FirstMessageCamel)),
		CreatedAt:    firstTime(w.CreatedAt, w.CreatedAtCamel),
		UpdatedAt:    firstTime(w.UpdatedAt, w.UpdatedAtCamel),
	}
	if c.Tags == nil {
		c.Tags = []string{}
	}
	c.Examples = make([]models.ExampleDialogue, 0, len(w.Examples))
	for _, ex := range w.Examples {
		c.Examples = append(c.Examples, models.ExampleDialogue{User: ex.User, Assistant: ex.Assistant})
	}
	return c
}

// normalizeMessage maps a wire message onto the in-memory model. ok is false
// for transport-only roles, which never enter a session.
func normalizeMessage(w wireMessage) (models.Message, bool) {
	role := models.Role(strings.ToLower(strings.TrimSpace(w.Role)))
	switch role {
	case models.RoleUser, models.RoleAssistant, models.RoleSystem:
	default:
		return models.Message{}, false
	}
	characterID := w.CharacterID.int64()
	if characterID == 0 {
		characterID = w.CharacterIDCamel.int64()
	}
	return models.Message{
		ID:          string(w.ID),
		CharacterID: characterID,
		Role:        role,
		Content:     w.Content,
		CreatedAt:   firstTime(w.CreatedAt, w.CreatedAtCamel),
	}, true
}

func normalizeMessages(ws []wireMessage) []models.Message {
	out := make([]models.Message, 0, len(ws))
	for _, w := range ws {
		if msg, ok := normalizeMessage(w); ok {
			out = append(out, msg)
		}
	}
	return out
}
