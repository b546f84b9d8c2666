package chat

import (
	"errors"
	"fmt"
)

// Kind classifies the conditions a session reports.
type Kind int

const (
	KindCharacterNotFound Kind = iota + 1
	KindFetchFailed
	KindGenerationFailed
	KindPersistenceWriteFailed
	KindBatchDeleteFailed
	// KindGenerationCompleted is informational only; no Error carries it.
	KindGenerationCompleted
)

func (k Kind) String() string {
	switch k {
	case KindCharacterNotFound:
		return "CharacterNotFound"
	case KindFetchFailed:
		return "FetchFailed"
	case KindGenerationFailed:
		return "GenerationFailed"
	case KindPersistenceWriteFailed:
		return "PersistenceWriteFailed"
	case KindBatchDeleteFailed:
		return "BatchDeleteFailed"
	case KindGenerationCompleted:
		return "GenerationCompleted"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Error is a classified failure of an engine operation.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the Kind of the first *Error in err's chain, or 0.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

var (
	ErrEmptyInput       = errors.New("message is empty")
	ErrSessionNotReady  = errors.New("session not ready")
	ErrSelectionActive  = errors.New("single delete is disabled while selecting")
	ErrNotSelecting     = errors.New("selection mode is not active")
	ErrEmptySelection   = errors.New("nothing selected")
	ErrDuplicateMessage = errors.New("message id already in session")
	ErrStreamStalled    = errors.New("stream stalled")
	ErrEngineStopped    = errors.New("engine stopped")
)

type Level int

const (
	LevelInfo Level = iota
	LevelWarning
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelWarning:
		return "warning"
	case LevelError:
		return "error"
	default:
		return "info"
	}
}

// Notice is a transient, user-visible report. Cancellation never produces
// one.
type Notice struct {
	Kind    Kind
	Level   Level
	Message string
	Err     error
}
