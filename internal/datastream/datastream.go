// Package datastream encodes and decodes the line protocol spoken by POST /chat.
//
// Every line is "<type>:<json>\n". The types used here are:
//
//	f  start frame   {"messageId": "..."}
//	0  text part     "<chunk>"
//	3  error part    "<message>"
//	d  finish frame  {"finishReason": "stop" | "error"}
//
// Readers skip any other type (data, annotations, step markers).
package datastream

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const (
	TypeStart  = "f"
	TypeText   = "0"
	TypeError  = "3"
	TypeFinish = "d"

	FinishStop  = "stop"
	FinishError = "error"

	ContentType = "text/plain; charset=utf-8"

	scannerInitialBuffer = 16 * 1024
	scannerMaxBuffer     = 4 * 1024 * 1024
)

// Part is one decoded line.
type Part struct {
	Type         string
	Text         string
	MessageID    string
	FinishReason string
}

type startFrame struct {
	MessageID string `json:"messageId"`
}

type finishFrame struct {
	FinishReason string `json:"finishReason"`
}

// Writer emits protocol lines and flushes after each one when possible.
type Writer struct {
	w       io.Writer
	flusher http.Flusher
}

func NewWriter(w io.Writer) *Writer {
	flusher, _ := w.(http.Flusher)
	return &Writer{w: w, flusher: flusher}
}

func (w *Writer) Start(messageID string) error {
	return w.write(TypeStart, startFrame{MessageID: messageID})
}

func (w *Writer) Text(chunk string) error {
	if chunk == "" {
		return nil
	}
	return w.write(TypeText, chunk)
}

func (w *Writer) Error(msg string) error {
	return w.write(TypeError, msg)
}

func (w *Writer) Finish(reason string) error {
	return w.write(TypeFinish, finishFrame{FinishReason: reason})
}

func (w *Writer) write(typ string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s part: %w", typ, err)
	}
	if _, err := fmt.Fprintf(w.w, "%s:%s\n", typ, data); err != nil {
		return err
	}
	if w.flusher != nil {
		w.flusher.Flush()
	}
	return nil
}

// ErrMalformed is returned for lines that carry a known type but bad JSON.
var ErrMalformed = errors.New("malformed stream line")

// Reader decodes protocol lines from r.
type Reader struct {
	scanner *bufio.Scanner
}

func NewReader(r io.Reader) *Reader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, scannerInitialBuffer), scannerMaxBuffer)
	return &Reader{scanner: scanner}
}

// Next returns the next known part, or io.EOF once the body is exhausted.
func (r *Reader) Next() (Part, error) {
	for r.scanner.Scan() {
		line := strings.TrimRight(r.scanner.Text(), "\r")
		if line == "" {
			continue
		}
		typ, payload, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		part, known, err := decode(typ, payload)
		if err != nil {
			return Part{}, err
		}
		if known {
			return part, nil
		}
	}
	if err := r.scanner.Err(); err != nil {
		return Part{}, err
	}
	return Part{}, io.EOF
}

func decode(typ, payload string) (Part, bool, error) {
	part := Part{Type: typ}
	var err error
	switch typ {
	case TypeText:
		err = json.Unmarshal([]byte(payload), &part.Text)
	case TypeError:
		err = json.Unmarshal([]byte(payload), &part.Text)
	case TypeStart:
		var f startFrame
		err = json.Unmarshal([]byte(payload), &f)
		part.MessageID = f.MessageID
	case TypeFinish:
		var f finishFrame
		err = json.Unmarshal([]byte(payload), &f)
		part.FinishReason = f.FinishReason
	default:
		return Part{}, false, nil
	}
	if err != nil {
		return Part{}, false, fmt.Errorf("%w: type %s: %v", ErrMalformed, typ, err)
	}
	return part, true, nil
}
