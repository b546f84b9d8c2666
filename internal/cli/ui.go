package cli

import (
	"fmt"
	"io"
	"sync"

	"github.com/charmbracelet/lipgloss"

	"animehome/internal/models"
)

var (
	titleStyle = lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#7C3AED"))

	userStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("#3B82F6")).
		Bold(true)

	assistantStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("#10B981")).
		Bold(true)

	dimStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("#6B7280"))

	warnStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("#F59E0B"))

	errorStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("#EF4444")).
		Bold(true)

	selectedStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("#F59E0B")).
		Bold(true)
)

func roleLabel(role models.Role, name string) string {
	switch role {
	case models.RoleUser:
		return userStyle.Render("You:")
	case models.RoleAssistant:
		return assistantStyle.Render(name + ":")
	default:
		return dimStyle.Render(string(role) + ":")
	}
}

const chatHelp = `Type a message to send it. Commands:
  /list           show the conversation with message ids
  /delete <id>    delete one message
  /select         start selecting messages
  /toggle <id>    select or unselect a message
  /confirm        delete the selected messages
  /cancel         leave selection mode
  /quit           leave the chat`

// syncWriter serializes output from the prompt loop and the engine goroutine.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) printf(format string, args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.w, format, args...)
}
