package models

import "time"

// ExampleDialogue is one sample exchange used to steer a persona.
type ExampleDialogue struct {
	User      string `json:"user"`
	Assistant string `json:"assistant"`
}

// Character is a persona definition.
type Character struct {
	ID           int64             `json:"id"`
	Name         string            `json:"name"`
	Avatar       string            `json:"avatar,omitempty"`
	Description  string            `json:"description,omitempty"`
	SystemPrompt string            `json:"system_prompt"`
	Tags         []string          `json:"tags"`
	FirstMessage string            `json:"first_message,omitempty"`
	Examples     []ExampleDialogue `json:"examples"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// CharacterInput carries create and update fields. Nil fields are left
// untouched on update.
type CharacterInput struct {
	Name         *string            `json:"name,omitempty"`
	Avatar       *string            `json:"avatar,omitempty"`
	Description  *string            `json:"description,omitempty"`
	SystemPrompt *string            `json:"system_prompt,omitempty"`
	Tags         *[]string          `json:"tags,omitempty"`
	FirstMessage *string            `json:"first_message,omitempty"`
	Examples     *[]ExampleDialogue `json:"examples,omitempty"`
}

// Apply copies the non-nil fields of in onto c.
func (in CharacterInput) Apply(c *Character) {
	if in.Name != nil {
		c.Name = *in.Name
	}
	if in.Avatar != nil {
		c.Avatar = *in.Avatar
	}
	if in.Description != nil {
		c.Description = *in.Description
	}
	if in.SystemPrompt != nil {
		c.SystemPrompt = *in.SystemPrompt
	}
	if in.Tags != nil {
		c.Tags = append([]string(nil), (*in.Tags)...)
	}
	if in.FirstMessage != nil {
		c.FirstMessage = *in.FirstMessage
	}
	if in.Examples != nil {
		c.Examples = append([]ExampleDialogue(nil), (*in.Examples)...)
	}
}
