package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"animehome/internal/chat"
	"animehome/internal/client/generation"
	"animehome/internal/client/remote"
	"animehome/internal/config"
	"animehome/internal/models"
)

func newChatCmd(load func() *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "chat <character-id>",
		Short: "Chat with a character in the terminal",
		Long: `Open an interactive conversation with a character. Replies stream in as
they are generated; type /help for history commands.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseCharacterID(args[0])
			if err != nil {
				return err
			}
			return runChat(cmd.Context(), load(), id, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
}

func parseCharacterID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid character id %q", arg)
	}
	return id, nil
}

func newRemote(cfg *config.Config) *remote.Client {
	return remote.New(cfg.Client.APIBaseURL, time.Duration(cfg.Client.RequestTimeout)*time.Second)
}

func runChat(ctx context.Context, cfg *config.Config, characterID int64, in io.Reader, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	r := &repl{out: &syncWriter{w: out}}
	temperature := cfg.Client.Temperature
	engine := chat.NewEngine(newRemote(cfg), generation.New(cfg.Client.APIBaseURL), chat.Options{
		Logger:            zap.L(),
		Notify:            r.notice,
		StreamIdleTimeout: time.Duration(cfg.Client.StreamIdleTimeout) * time.Second,
		Temperature:       &temperature,
	})
	defer engine.Stop()
	r.engine = engine

	if err := engine.Open(ctx, characterID); err != nil {
		if chat.KindOf(err) == chat.KindCharacterNotFound {
			return fmt.Errorf("character %d not found", characterID)
		}
		return fmt.Errorf("open chat: %w", err)
	}
	character := engine.Character()
	r.name = character.Name
	unsubscribe := engine.Store().Observe(r.render)
	defer unsubscribe()

	r.out.printf("%s\n", titleStyle.Render("Chatting with "+character.Name))
	if character.Description != "" {
		r.out.printf("%s\n", dimStyle.Render(character.Description))
	}
	r.out.printf("%s\n\n", dimStyle.Render("Type /help for commands."))
	r.list()

	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		quit, err := r.handle(scanner.Text())
		if err != nil {
			r.out.printf("%s\n", errorStyle.Render(err.Error()))
		}
		if quit {
			return nil
		}
	}
	return scanner.Err()
}

type repl struct {
	engine *chat.Engine
	out    *syncWriter
	name   string

	// touched only from the engine goroutine
	streaming bool
}

func (r *repl) handle(line string) (bool, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return false, nil
	}
	if !strings.HasPrefix(line, "/") {
		return false, r.engine.Send(line)
	}

	fields := strings.Fields(line)
	arg := ""
	if len(fields) > 1 {
		arg = fields[1]
	}
	switch fields[0] {
	case "/quit", "/exit":
		return true, nil
	case "/help":
		r.out.printf("%s\n", chatHelp)
	case "/list":
		r.list()
	case "/delete":
		if arg == "" {
			return false, errors.New("usage: /delete <id>")
		}
		return false, r.engine.Delete(arg)
	case "/select":
		if err := r.engine.EnterSelection(); err != nil {
			return false, err
		}
		r.out.printf("%s\n", dimStyle.Render("selection mode: /toggle <id>, then /confirm or /cancel"))
	case "/toggle":
		if arg == "" {
			return false, errors.New("usage: /toggle <id>")
		}
		on, err := r.engine.Toggle(arg)
		if err != nil {
			return false, err
		}
		state := "unselected"
		if on {
			state = "selected"
		}
		r.out.printf("%s\n", dimStyle.Render(arg+" "+state))
	case "/confirm":
		return false, r.engine.DeleteSelected()
	case "/cancel":
		return false, r.engine.CancelSelection()
	default:
		return false, fmt.Errorf("unknown command %s, try /help", fields[0])
	}
	return false, nil
}

// list prints the whole conversation with ids and selection marks.
func (r *repl) list() {
	msgs := r.engine.Store().Read()
	if len(msgs) == 0 {
		r.out.printf("%s\n", dimStyle.Render("(no messages)"))
		return
	}
	sel := r.engine.Selection()
	var sb strings.Builder
	for _, m := range msgs {
		mark := "  "
		if sel.Active() && sel.IsSelected(m.ID) {
			mark = selectedStyle.Render("* ")
		}
		fmt.Fprintf(&sb, "%s%s %s\n", mark, dimStyle.Render("["+m.ID+"]"), roleLabel(m.Role, r.name))
		fmt.Fprintf(&sb, "    %s\n", m.Content)
	}
	r.out.printf("%s", sb.String())
}

func (r *repl) endLine() {
	if r.streaming {
		r.out.printf("\n")
		r.streaming = false
	}
}

// render echoes streamed replies as they grow.
func (r *repl) render(c chat.Change) {
	switch c.Kind {
	case chat.ChangeAppend:
		if c.Message.Role != models.RoleAssistant {
			return
		}
		r.endLine()
		r.out.printf("%s %s", roleLabel(models.RoleAssistant, r.name), c.Message.Content)
		r.streaming = true
	case chat.ChangeContent:
		if r.streaming {
			r.out.printf("%s", c.Delta)
		}
	case chat.ChangeRemove:
		r.endLine()
		r.out.printf("%s\n", dimStyle.Render(fmt.Sprintf("removed %d message(s)", len(c.IDs))))
	}
}

func (r *repl) notice(n chat.Notice) {
	r.endLine()
	if n.Kind == chat.KindGenerationCompleted {
		return
	}
	style := warnStyle
	if n.Level == chat.LevelError {
		style = errorStyle
	}
	text := n.Message
	if n.Err != nil {
		text += ": " + n.Err.Error()
	}
	r.out.printf("%s\n", style.Render(text))
}
