// Package remote is the typed client of the persistence service.
package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"animehome/internal/models"
)

// ErrNotFound is returned when the service answers 404.
var ErrNotFound = errors.New("not found")

// APIError is any other non-2xx answer.
type APIError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	body := strings.TrimSpace(e.Body)
	if len(body) > 200 {
		body = body[:200] + "..."
	}
	return fmt.Sprintf("%s: status %d: %s", e.Op, e.StatusCode, body)
}

// historyPageSize is the largest page the service hands out.
const historyPageSize = 1000

const defaultTimeout = 30 * time.Second

type Client struct {
	http    *resty.Client
	images  *resty.Client
	baseURL string
}

// New returns a client for the service at baseURL. timeout bounds every
// request; zero selects 30s.
func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	baseURL = strings.TrimRight(baseURL, "/")
	return &Client{
		http: resty.New().
			SetBaseURL(baseURL).
			SetHeader("Accept", "application/json").
			SetTimeout(timeout),
		images: resty.New().
			SetTimeout(avatarTimeout).
			SetRedirectPolicy(resty.FlexibleRedirectPolicy(5)),
		baseURL: baseURL,
	}
}

func (c *Client) BaseURL() string { return c.baseURL }

func check(op string, resp *resty.Response, err error) error {
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	if resp.IsError() || resp.StatusCode() >= 300 {
		return &APIError{Op: op, StatusCode: resp.StatusCode(), Body: resp.String()}
	}
	return nil
}

func (c *Client) ListCharacters(ctx context.Context, skip, limit int) ([]models.Character, error) {
	var wire []wireCharacter
	req := c.http.R().SetContext(ctx).SetResult(&wire)
	if skip > 0 {
		req.SetQueryParam("skip", strconv.Itoa(skip))
	}
	if limit > 0 {
		req.SetQueryParam("limit", strconv.Itoa(limit))
	}
	resp, err := req.Get("/characters")
	if err := check("list characters", resp, err); err != nil {
		return nil, err
	}
	out := make([]models.Character, 0, len(wire))
	for _, w := range wire {
		out = append(out, normalizeCharacter(w))
	}
	return out, nil
}

func (c *Client) GetCharacter(ctx context.Context, id int64) (*models.Character, error) {
	var wire wireCharacter
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("id", strconv.FormatInt(id, 10)).
		SetResult(&wire).
		Get("/characters/{id}")
	if err := check("get character", resp, err); err != nil {
		return nil, err
	}
	character := normalizeCharacter(wire)
	return &character, nil
}

func (c *Client) CreateCharacter(ctx context.Context, in models.CharacterInput) (*models.Character, error) {
	var wire wireCharacter
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(in).
		SetResult(&wire).
		Post("/characters")
	if err := check("create character", resp, err); err != nil {
		return nil, err
	}
	character := normalizeCharacter(wire)
	return &character, nil
}

// UpdateCharacter sends only the non-nil fields of in.
func (c *Client) UpdateCharacter(ctx context.Context, id int64, in models.CharacterInput) (*models.Character, error) {
	var wire wireCharacter
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("id", strconv.FormatInt(id, 10)).
		SetBody(in).
		SetResult(&wire).
		Put("/characters/{id}")
	if err := check("update character", resp, err); err != nil {
		return nil, err
	}
	character := normalizeCharacter(wire)
	return &character, nil
}

func (c *Client) DeleteCharacter(ctx context.Context, id int64) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("id", strconv.FormatInt(id, 10)).
		Delete("/characters/{id}")
	return check("delete character", resp, err)
}

// ListMessages returns the persisted history of a character in order.
func (c *Client) ListMessages(ctx context.Context, characterID int64) ([]models.Message, error) {
	var wire []wireMessage
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("id", strconv.FormatInt(characterID, 10)).
		SetQueryParam("limit", strconv.Itoa(historyPageSize)).
		SetResult(&wire).
		Get("/characters/{id}/messages")
	if err := check("list messages", resp, err); err != nil {
		return nil, err
	}
	return normalizeMessages(wire), nil
}

type createMessageBody struct {
	ID      string      `json:"id"`
	Role    models.Role `json:"role"`
	Content string      `json:"content"`
}

func (c *Client) CreateMessage(ctx context.Context, characterID int64, msg models.Message) (*models.Message, error) {
	var wire wireMessage
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("id", strconv.FormatInt(characterID, 10)).
		SetBody(createMessageBody{ID: msg.ID, Role: msg.Role, Content: msg.Content}).
		SetResult(&wire).
		Post("/characters/{id}/messages")
	if err := check("create message", resp, err); err != nil {
		return nil, err
	}
	saved, ok := normalizeMessage(wire)
	if !ok {
		return nil, fmt.Errorf("create message: unexpected role %q in response", wire.Role)
	}
	return &saved, nil
}

func (c *Client) DeleteMessage(ctx context.Context, id string) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("id", id).
		Delete("/messages/{id}")
	return check("delete message", resp, err)
}

func (c *Client) BatchDeleteMessages(ctx context.Context, ids []string) error {
	if ids == nil {
		ids = []string{}
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(ids).
		Post("/messages/batch_delete")
	return check("batch delete messages", resp, err)
}
