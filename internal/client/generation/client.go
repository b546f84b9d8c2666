// Package generation opens streamed replies from the POST /chat endpoint.
package generation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/go-resty/resty/v2"

	"animehome/internal/datastream"
	"animehome/internal/models"
)

// Stream is one in-flight reply. Recv returns text increments in order and
// io.EOF after a clean finish. It is not safe for concurrent use.
type Stream interface {
	Recv() (string, error)
	// MessageID is the id the server announced for the reply, or "".
	MessageID() string
	Close() error
}

// Error is a failure reported by the server inside the stream.
type Error struct {
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return "generation failed"
	}
	return "generation failed: " + e.Message
}

// ErrTruncated is returned when the body ends without a finish frame.
var ErrTruncated = errors.New("stream ended without finish frame")

type Client struct {
	http *resty.Client
}

// New returns a client for baseURL. No client timeout is set: a stream lives
// as long as its context.
func New(baseURL string) *Client {
	return &Client{
		http: resty.New().
			SetBaseURL(strings.TrimRight(baseURL, "/")).
			SetHeader("Content-Type", "application/json").
			SetHeader("Accept", datastream.ContentType),
	}
}

// Stream posts req and returns once the start frame has been read.
func (c *Client) Stream(ctx context.Context, req models.ChatRequest) (Stream, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(req).
		SetDoNotParseResponse(true).
		Post("/chat")
	if err != nil {
		return nil, fmt.Errorf("open generation: %w", err)
	}
	body := resp.RawBody()
	if resp.StatusCode() != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(body, 4<<10))
		body.Close()
		return nil, fmt.Errorf("open generation: status %d: %s", resp.StatusCode(), strings.TrimSpace(string(msg)))
	}

	s := &stream{body: body, reader: datastream.NewReader(body)}
	part, err := s.reader.Next()
	switch {
	case err != nil && !errors.Is(err, io.EOF):
		body.Close()
		return nil, fmt.Errorf("read start frame: %w", err)
	case err != nil:
		s.eof = true
	case part.Type == datastream.TypeStart:
		s.messageID = part.MessageID
	default:
		s.pending = &part
	}
	return s, nil
}

type stream struct {
	body      io.ReadCloser
	reader    *datastream.Reader
	messageID string
	pending   *datastream.Part
	eof       bool
	errText   []string
	done      error

	closeOnce sync.Once
}

func (s *stream) MessageID() string { return s.messageID }

func (s *stream) Recv() (string, error) {
	if s.done != nil {
		return "", s.done
	}
	for {
		part, err := s.next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return "", s.finish(false)
			}
			s.done = err
			return "", err
		}
		switch part.Type {
		case datastream.TypeText:
			if part.Text == "" {
				continue
			}
			return part.Text, nil
		case datastream.TypeError:
			s.errText = append(s.errText, part.Text)
		case datastream.TypeFinish:
			return "", s.finish(true, part.FinishReason)
		}
	}
}

func (s *stream) next() (datastream.Part, error) {
	if p := s.pending; p != nil {
		s.pending = nil
		return *p, nil
	}
	if s.eof {
		return datastream.Part{}, io.EOF
	}
	return s.reader.Next()
}

func (s *stream) finish(finished bool, reason ...string) error {
	switch {
	case len(s.errText) > 0:
		s.done = &Error{Message: strings.Join(s.errText, "; ")}
	case finished && len(reason) > 0 && reason[0] == datastream.FinishError:
		s.done = &Error{}
	case !finished:
		s.done = ErrTruncated
	default:
		s.done = io.EOF
	}
	return s.done
}

func (s *stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.body.Close()
	})
	return err
}
